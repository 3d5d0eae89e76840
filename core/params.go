package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// SamplingParams is the typed view of the recognized sampling parameters.
// Names and defaults follow the llama.cpp server conventions; unknown keys
// are never an error - they are ignored by the sampler and preserved under
// Other for response metadata.
type SamplingParams struct {
	Temperature      float64
	TopK             int
	TopP             float64
	MinP             float64
	TypicalP         float64
	RepeatPenalty    float64
	RepeatLastN      int
	FrequencyPenalty float64
	PresencePenalty  float64
	Mirostat         int // 0 = off, 1 = v1, 2 = v2
	MirostatTau      float64
	MirostatEta      float64
	Seed             int64 // -1 = derive from wall clock
	MaxTokens        int
	Stop             []string
	Grammar          string
	JSONMode         bool

	// Other holds unrecognized parameter keys verbatim
	Other map[string]interface{}
}

// DefaultSamplingParams returns the documented defaults
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		Temperature:      0.8,
		TopK:             40,
		TopP:             0.95,
		MinP:             0.05,
		TypicalP:         1.0,
		RepeatPenalty:    1.1,
		RepeatLastN:      64,
		FrequencyPenalty: 0.0,
		PresencePenalty:  0.0,
		Mirostat:         0,
		MirostatTau:      5.0,
		MirostatEta:      0.1,
		Seed:             -1,
		MaxTokens:        128,
	}
}

// ParseSamplingParams extracts the recognized keys from a request parameter
// map, applying defaults for anything absent. Type mismatches on recognized
// keys are validation errors; unknown keys land in Other untouched.
func ParseSamplingParams(params map[string]interface{}) (SamplingParams, error) {
	p := DefaultSamplingParams()
	if len(params) == 0 {
		return p, nil
	}

	for key, raw := range params {
		var err error
		switch key {
		case "temperature":
			p.Temperature, err = asFloat(key, raw)
		case "top_k":
			p.TopK, err = asInt(key, raw)
		case "top_p":
			p.TopP, err = asFloat(key, raw)
		case "min_p":
			p.MinP, err = asFloat(key, raw)
		case "typical_p":
			p.TypicalP, err = asFloat(key, raw)
		case "repeat_penalty":
			p.RepeatPenalty, err = asFloat(key, raw)
		case "repeat_last_n":
			p.RepeatLastN, err = asInt(key, raw)
		case "frequency_penalty":
			p.FrequencyPenalty, err = asFloat(key, raw)
		case "presence_penalty":
			p.PresencePenalty, err = asFloat(key, raw)
		case "mirostat":
			p.Mirostat, err = asInt(key, raw)
		case "mirostat_tau":
			p.MirostatTau, err = asFloat(key, raw)
		case "mirostat_eta":
			p.MirostatEta, err = asFloat(key, raw)
		case "seed":
			var v int
			v, err = asInt(key, raw)
			p.Seed = int64(v)
		case "max_tokens":
			p.MaxTokens, err = asInt(key, raw)
		case "stop":
			p.Stop, err = asStringSlice(key, raw)
		case "grammar":
			s, ok := raw.(string)
			if !ok {
				err = fmt.Errorf("parameter %q must be a string", key)
			}
			p.Grammar = s
		case "json_mode":
			b, ok := raw.(bool)
			if !ok {
				err = fmt.Errorf("parameter %q must be a bool", key)
			}
			p.JSONMode = b
		case "prompt", "model_path":
			// Recognized elsewhere in the pipeline, not sampling parameters
		default:
			if p.Other == nil {
				p.Other = make(map[string]interface{})
			}
			p.Other[key] = raw
		}
		if err != nil {
			return p, NewError("params.Parse", KindValidation, err)
		}
	}
	return p, nil
}

// EffectiveSeed resolves seed -1 to a wall-clock derived value
func (p SamplingParams) EffectiveSeed() int64 {
	if p.Seed >= 0 {
		return p.Seed
	}
	return time.Now().UnixNano()
}

// PromptOverride returns parameters.prompt when messages are absent
func PromptOverride(params map[string]interface{}) string {
	if params == nil {
		return ""
	}
	if s, ok := params["prompt"].(string); ok {
		return s
	}
	return ""
}

// ModelPathOverride returns parameters.model_path for direct-path routing
func ModelPathOverride(params map[string]interface{}) string {
	if params == nil {
		return ""
	}
	if s, ok := params["model_path"].(string); ok {
		return s
	}
	return ""
}

func asFloat(key string, raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	}
	return 0, fmt.Errorf("parameter %q must be a number, got %T", key, raw)
}

func asInt(key string, raw interface{}) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	}
	return 0, fmt.Errorf("parameter %q must be an integer, got %T", key, raw)
}

func asStringSlice(key string, raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %q must be a list of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("parameter %q must be a list of strings, got %T", key, raw)
}
