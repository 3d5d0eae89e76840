package runner

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bhangun/gollek/core"
	"github.com/bhangun/gollek/sampling"
)

// Runner drives the tokenize -> prefill -> decode loop against one loaded
// model. A single Runner serializes native access through its semaphore;
// distinct Runners decode in parallel.
type Runner struct {
	backend  ModelBackend
	renderer TemplateRenderer
	sem      *semaphore.Weighted
	config   core.RunnerConfig
	logger   core.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewRunner wraps a loaded backend. config.MaxConcurrentRequests bounds
// simultaneous inferences; config.BatchSize bounds prefill batches.
func NewRunner(backend ModelBackend, config core.RunnerConfig, logger core.Logger) *Runner {
	if config.BatchSize < 1 {
		config.BatchSize = 512
	}
	if config.MaxConcurrentRequests < 1 {
		config.MaxConcurrentRequests = 1
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Runner{
		backend:  backend,
		renderer: ChatMLRenderer{},
		sem:      semaphore.NewWeighted(int64(config.MaxConcurrentRequests)),
		config:   config,
		logger:   logger,
	}
}

// SetRenderer replaces the chat template renderer
func (r *Runner) SetRenderer(renderer TemplateRenderer) {
	if renderer != nil {
		r.renderer = renderer
	}
}

// Infer runs one synchronous inference
func (r *Runner) Infer(ctx context.Context, req *core.InferenceRequest) (*core.InferenceResponse, error) {
	start := time.Now()

	var content strings.Builder
	in, out, err := r.generate(ctx, req, func(piece string) bool {
		content.WriteString(piece)
		return true
	})
	if err != nil {
		return nil, err
	}

	return r.buildResponse(req, content.String(), in, out, start), nil
}

// InferStream runs one inference, emitting deltas as they are sampled.
// The returned channel is closed after the terminal chunk. A successful
// stream ends with exactly one final=true chunk carrying an empty delta;
// a cancelled or failed stream ends without one.
func (r *Runner) InferStream(ctx context.Context, req *core.InferenceRequest) (<-chan core.StreamChunk, error) {
	chunks := make(chan core.StreamChunk)
	start := time.Now()

	go func() {
		defer close(chunks)

		seq := 0
		emit := func(piece string) bool {
			if ctx.Err() != nil {
				return false
			}
			select {
			case <-ctx.Done():
				return false
			case chunks <- core.StreamChunk{
				RequestID: req.RequestID,
				Sequence:  seq,
				Delta:     piece,
				ElapsedMs: time.Since(start).Milliseconds(),
			}:
				seq++
				return true
			}
		}

		_, _, err := r.generate(ctx, req, emit)
		if err != nil {
			r.logger.ErrorWithContext(ctx, "Streaming inference failed", map[string]interface{}{
				"operation":  "runner_stream_failed",
				"request_id": req.RequestID,
				"error":      err.Error(),
			})
			return
		}
		if ctx.Err() != nil {
			// Cancelled between the loop and the terminal chunk: emit nothing
			return
		}

		select {
		case <-ctx.Done():
		case chunks <- core.StreamChunk{
			RequestID: req.RequestID,
			Sequence:  seq,
			Final:     true,
			ElapsedMs: time.Since(start).Milliseconds(),
		}:
		}
	}()

	return chunks, nil
}

// generate owns the full per-request lifecycle. emit is called once per
// sampled piece and returns false to request cooperative cancellation.
// The semaphore permit is released on every exit path.
func (r *Runner) generate(ctx context.Context, req *core.InferenceRequest, emit func(piece string) bool) (inputTokens, outputTokens int, err error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return 0, 0, core.NewError("runner.generate", core.KindCancelled, err)
	}
	defer r.sem.Release(1)

	params, err := core.ParseSamplingParams(req.Parameters)
	if err != nil {
		return 0, 0, err
	}

	// Stateless request: nothing from a previous request may leak in
	r.backend.ClearKVCache()

	prompt, err := r.buildPrompt(req)
	if err != nil {
		return 0, 0, err
	}
	if prompt == "" {
		return 0, 0, nil
	}

	addBOS := !hasSpecialDelimiters(prompt)
	tokens := r.backend.Tokenize(prompt, addBOS)
	if len(tokens) == 0 {
		return 0, 0, nil
	}
	inputTokens = len(tokens)

	if err := r.prefill(ctx, tokens); err != nil {
		return inputTokens, 0, err
	}

	chain := sampling.NewChain(params, params.EffectiveSeed(), r.backend.TokenToPiece)

	// Sliding penalty window over the most recent repeat_last_n ids,
	// pre-seeded with the prompt tail the way llama.cpp does
	window := newPenaltyWindow(params.RepeatLastN)
	for _, id := range tokens {
		window.push(id)
	}

	var (
		stopTail = maxStopLen(params.Stop)
		tail     string // last stopTail-1 emitted bytes, for stop matching
		pos      = len(tokens)
	)

	for outputTokens < params.MaxTokens {
		if ctx.Err() != nil {
			return inputTokens, outputTokens, core.NewError("runner.generate", core.KindCancelled, ctx.Err())
		}

		id := chain.Sample(r.backend.Logits(), window.ids(), window.counts)
		if r.backend.IsEOG(id) {
			break
		}

		piece := r.backend.TokenToPiece(id)
		chain.Accept(id)

		if stopTail > 0 {
			if matched, keep := matchStop(tail, piece, params.Stop); matched {
				// Stop string completed inside this piece: emit anything
				// preceding the match and finish
				if keep != "" && !emit(keep) {
					return inputTokens, outputTokens, core.NewError("runner.generate", core.KindCancelled, context.Canceled)
				}
				break
			}
		}

		if !emit(piece) {
			return inputTokens, outputTokens, core.NewError("runner.generate", core.KindCancelled, context.Canceled)
		}
		if stopTail > 0 {
			tail = lastN(tail+piece, stopTail-1)
		}
		window.push(id)
		outputTokens++

		if status := r.backend.Decode([]int{id}, []int{pos}, true); status != 0 {
			return inputTokens, outputTokens, core.Errorf("runner.generate", core.KindDecodeFailed,
				"%w: feedback decode status %d", core.ErrDecodeFailed, status)
		}
		pos++
	}

	return inputTokens, outputTokens, nil
}

// prefill feeds the prompt in batches of at most BatchSize, requesting
// logits only for the final prompt token. Cancellation is honored between
// batches.
func (r *Runner) prefill(ctx context.Context, tokens []int) error {
	for offset := 0; offset < len(tokens); offset += r.config.BatchSize {
		if ctx.Err() != nil {
			return core.NewError("runner.prefill", core.KindCancelled, ctx.Err())
		}

		end := offset + r.config.BatchSize
		if end > len(tokens) {
			end = len(tokens)
		}
		batch := tokens[offset:end]
		positions := make([]int, len(batch))
		for i := range positions {
			positions[i] = offset + i
		}
		wantLogits := end == len(tokens)

		if status := r.backend.Decode(batch, positions, wantLogits); status != 0 {
			return core.Errorf("runner.prefill", core.KindDecodeFailed,
				"%w: prefill decode status %d at offset %d", core.ErrDecodeFailed, status, offset)
		}
	}
	return nil
}

// buildPrompt renders messages through the chat template, or falls back to
// parameters.prompt when the request carries no messages
func (r *Runner) buildPrompt(req *core.InferenceRequest) (string, error) {
	if len(req.Messages) > 0 {
		prompt, err := r.renderer.Render(r.backend.ChatTemplate(), req.Messages)
		if err != nil {
			return "", core.NewError("runner.buildPrompt", core.KindValidation, err)
		}
		return prompt, nil
	}
	return core.PromptOverride(req.Parameters), nil
}

func (r *Runner) buildResponse(req *core.InferenceRequest, content string, in, out int, start time.Time) *core.InferenceResponse {
	return &core.InferenceResponse{
		RequestID:    req.RequestID,
		Model:        req.Model,
		Content:      content,
		InputTokens:  in,
		OutputTokens: out,
		TokensUsed:   in + out,
		DurationMs:   time.Since(start).Milliseconds(),
	}
}

// Health reports the runner's coarse state
func (r *Runner) Health() HealthStatus {
	if r.backend == nil {
		return HealthStatus{State: Unhealthy, Message: "backend closed"}
	}
	return HealthStatus{State: Healthy}
}

// Capabilities advertises what this runner supports
func (r *Runner) Capabilities() Capabilities {
	return Capabilities{
		Streaming:        true,
		MaxContextTokens: r.backend.ContextSize(),
		SupportedFormats: []core.ModelFormat{core.FormatGGUF},
		SupportedDevices: []core.Device{core.DeviceCPU},
	}
}

// Close releases the backend. Safe to call more than once.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		if r.backend != nil {
			r.closeErr = r.backend.Close()
		}
	})
	return r.closeErr
}

// penaltyWindow is the bounded recent-token window with occurrence counts
type penaltyWindow struct {
	size   int
	ring   []int
	counts map[int]int
}

func newPenaltyWindow(size int) *penaltyWindow {
	if size < 0 {
		size = 0
	}
	return &penaltyWindow{size: size, counts: make(map[int]int)}
}

func (w *penaltyWindow) push(id int) {
	if w.size == 0 {
		return
	}
	if len(w.ring) == w.size {
		oldest := w.ring[0]
		w.ring = w.ring[1:]
		if w.counts[oldest] <= 1 {
			delete(w.counts, oldest)
		} else {
			w.counts[oldest]--
		}
	}
	w.ring = append(w.ring, id)
	w.counts[id]++
}

func (w *penaltyWindow) ids() []int {
	return w.ring
}

// maxStopLen returns the longest stop string length, 0 when none configured
func maxStopLen(stops []string) int {
	max := 0
	for _, s := range stops {
		if len(s) > max {
			max = len(s)
		}
	}
	return max
}

// matchStop checks whether appending piece to the emitted tail completes a
// stop string. On a match it returns the prefix of piece that precedes the
// stop, which may still legitimately be emitted.
func matchStop(tail, piece string, stops []string) (matched bool, keep string) {
	candidate := tail + piece
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		idx := strings.Index(candidate, stop)
		if idx < 0 {
			continue
		}
		// Only matches completed by this piece count; earlier ones would
		// have stopped generation already
		if idx+len(stop) <= len(tail) {
			continue
		}
		if idx >= len(tail) {
			keep = piece[:idx-len(tail)]
		}
		return true, keep
	}
	return false, ""
}

// lastN returns the trailing n bytes of s
func lastN(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
