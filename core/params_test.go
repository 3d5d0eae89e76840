package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParamsDefaults pins the documented defaults
func TestParamsDefaults(t *testing.T) {
	p, err := ParseSamplingParams(nil)
	require.NoError(t, err)

	assert.Equal(t, 0.8, p.Temperature)
	assert.Equal(t, 40, p.TopK)
	assert.Equal(t, 0.95, p.TopP)
	assert.Equal(t, 0.05, p.MinP)
	assert.Equal(t, 1.0, p.TypicalP)
	assert.Equal(t, 1.1, p.RepeatPenalty)
	assert.Equal(t, 64, p.RepeatLastN)
	assert.Equal(t, 0.0, p.FrequencyPenalty)
	assert.Equal(t, 0.0, p.PresencePenalty)
	assert.Equal(t, 0, p.Mirostat)
	assert.Equal(t, 5.0, p.MirostatTau)
	assert.Equal(t, 0.1, p.MirostatEta)
	assert.Equal(t, int64(-1), p.Seed)
	assert.Equal(t, 128, p.MaxTokens)
	assert.Empty(t, p.Stop)
	assert.False(t, p.JSONMode)
}

// TestParamsOverrides verifies recognized keys are honored
func TestParamsOverrides(t *testing.T) {
	p, err := ParseSamplingParams(map[string]interface{}{
		"temperature":    0.2,
		"top_k":          10,
		"max_tokens":     float64(64), // JSON decoding yields float64
		"seed":           7,
		"stop":           []interface{}{"###", "\n\n"},
		"json_mode":      true,
		"repeat_last_n":  128,
		"mirostat":       2,
	})
	require.NoError(t, err)

	assert.Equal(t, 0.2, p.Temperature)
	assert.Equal(t, 10, p.TopK)
	assert.Equal(t, 64, p.MaxTokens)
	assert.Equal(t, int64(7), p.Seed)
	assert.Equal(t, []string{"###", "\n\n"}, p.Stop)
	assert.True(t, p.JSONMode)
	assert.Equal(t, 128, p.RepeatLastN)
	assert.Equal(t, 2, p.Mirostat)
}

// TestParamsUnknownKeysPreserved verifies unknown keys go to Other, not
// errors
func TestParamsUnknownKeysPreserved(t *testing.T) {
	p, err := ParseSamplingParams(map[string]interface{}{
		"temperature":   0.5,
		"custom_option": "value",
		"another":       42,
	})
	require.NoError(t, err)

	assert.Equal(t, "value", p.Other["custom_option"])
	assert.Equal(t, 42, p.Other["another"])
	assert.NotContains(t, p.Other, "temperature")
}

// TestParamsTypeErrors verifies recognized keys reject wrong types
func TestParamsTypeErrors(t *testing.T) {
	cases := []map[string]interface{}{
		{"temperature": "hot"},
		{"top_k": "many"},
		{"stop": "not-a-list"},
		{"stop": []interface{}{1, 2}},
		{"json_mode": "yes"},
		{"grammar": 42},
	}
	for _, params := range cases {
		_, err := ParseSamplingParams(params)
		assert.Error(t, err, "params %v should fail", params)
		assert.False(t, IsRetryable(err), "validation errors are not retryable")
	}
}

// TestEffectiveSeed verifies -1 resolves to a wall-clock value
func TestEffectiveSeed(t *testing.T) {
	fixed := SamplingParams{Seed: 42}
	assert.Equal(t, int64(42), fixed.EffectiveSeed())

	clock := SamplingParams{Seed: -1}
	assert.NotEqual(t, int64(-1), clock.EffectiveSeed())
	assert.Greater(t, clock.EffectiveSeed(), int64(0))
}

// TestPromptAndPathOverrides verifies the non-sampling passthrough keys
func TestPromptAndPathOverrides(t *testing.T) {
	params := map[string]interface{}{
		"prompt":     "hello",
		"model_path": "/models/x.gguf",
	}
	assert.Equal(t, "hello", PromptOverride(params))
	assert.Equal(t, "/models/x.gguf", ModelPathOverride(params))

	p, err := ParseSamplingParams(params)
	require.NoError(t, err)
	assert.NotContains(t, p.Other, "prompt")
	assert.NotContains(t, p.Other, "model_path")
}

// TestModelNameVersion verifies the "name[:version]" split
func TestModelNameVersion(t *testing.T) {
	req := &InferenceRequest{Model: "llama3:2"}
	name, version := req.ModelName()
	assert.Equal(t, "llama3", name)
	assert.Equal(t, "2", version)

	bare := &InferenceRequest{Model: "llama3"}
	name, version = bare.ModelName()
	assert.Equal(t, "llama3", name)
	assert.Equal(t, "", version)
}
