// Package runner owns the request-to-token core: the native model backend
// contract, the autoregressive generation loop, and the session pool that
// binds loaded models to tenants.
package runner

import (
	"context"

	"github.com/bhangun/gollek/core"
)

// ModelBackend is the contract a native LLM kernel (a llama.cpp-style GGUF
// runner, a LiteRT interpreter) must satisfy. The engine never sees symbol
// tables or FFM details, only this surface.
//
// A backend instance is NOT safe for concurrent decode; the Runner
// serializes access through its semaphore.
type ModelBackend interface {
	// Tokenize converts text to token ids. addBOS controls beginning-of-
	// sequence insertion; the model's special-token rules always apply.
	Tokenize(text string, addBOS bool) []int

	// TokenToPiece maps one token id to its text piece
	TokenToPiece(id int) string

	// Decode evaluates tokens at the given positions. wantLogits requests
	// logits for the last token of the batch. A non-zero status is a
	// native failure; the request aborts with DecodeFailed.
	Decode(tokens []int, positions []int, wantLogits bool) int

	// Logits returns the logits produced by the last Decode call that
	// requested them. Length equals VocabSize.
	Logits() []float32

	// ClearKVCache resets the attention cache. Called at the start of
	// every stateless request before any of its tokens are evaluated.
	ClearKVCache()

	// IsEOG reports whether id is an end-of-generation token for the model
	IsEOG(id int) bool

	// VocabSize returns the vocabulary size
	VocabSize() int

	// ContextSize returns the maximum context length in tokens
	ContextSize() int

	// ChatTemplate returns the model's embedded chat template, empty when
	// the model ships none
	ChatTemplate() string

	// Close releases native resources. Idempotent: the context is freed
	// before the model and both handles are nulled.
	Close() error
}

// BackendLoader constructs a backend from a manifest. The session manager
// calls it when a (tenant, model) pair is seen for the first time.
type BackendLoader func(ctx context.Context, manifest *core.ModelManifest, config core.RunnerConfig) (ModelBackend, error)

// HealthState is the coarse health of a runner
type HealthState int

const (
	Healthy HealthState = iota
	Degraded
	Unhealthy
)

// HealthStatus carries the state plus an optional operator message
type HealthStatus struct {
	State   HealthState
	Message string
}

// Capabilities advertises what a runner can do
type Capabilities struct {
	Streaming        bool
	Embeddings       bool
	MaxContextTokens int
	SupportedFormats []core.ModelFormat
	SupportedDevices []core.Device
}
