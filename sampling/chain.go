// Package sampling implements the composable token-selection pipeline:
// repetition penalties, temperature, top-k, top-p, min-p, typical-p and
// grammar filtering, ending in greedy, mirostat or categorical selection.
//
// A Chain is deterministic: given the same seed, logits and recent-token
// history it always produces the same token sequence.
package sampling

import (
	"math/rand"

	"github.com/bhangun/gollek/core"
)

// Candidate is one vocabulary entry flowing through the chain
type Candidate struct {
	ID    int
	Logit float64
	P     float64
}

// PieceFunc maps a token id to its text piece. Required only when a grammar
// constrains the output.
type PieceFunc func(id int) string

// Chain applies the configured sampling stages to a logits vector and
// selects one token. Not safe for concurrent use; each in-flight request
// owns its own Chain.
type Chain struct {
	params  core.SamplingParams
	rng     *rand.Rand
	grammar *JSONGrammar
	pieceFn PieceFunc

	// mirostat state persists across Sample calls within one generation
	mirostatMu float64
}

// NewChain builds a chain for one generation. The seed is resolved before
// construction (wall clock when the request left it at -1) so the chain
// itself is fully deterministic.
func NewChain(params core.SamplingParams, seed int64, pieceFn PieceFunc) *Chain {
	c := &Chain{
		params:     params,
		rng:        rand.New(rand.NewSource(seed)),
		pieceFn:    pieceFn,
		mirostatMu: 2.0 * params.MirostatTau,
	}
	if params.JSONMode && params.Grammar == "" {
		c.grammar = NewJSONGrammar()
	} else if params.Grammar != "" {
		// The BNF surface currently understood is the built-in JSON grammar;
		// anything else degrades to the same JSON machine.
		c.grammar = NewJSONGrammar()
	}
	return c
}

// Sample selects the next token id from a logits vector given the recent
// token window (most recent last) and its occurrence counts.
func (c *Chain) Sample(logits []float32, recent []int, counts map[int]int) int {
	cands := make([]Candidate, len(logits))
	for i, l := range logits {
		cands[i] = Candidate{ID: i, Logit: float64(l)}
	}

	cands = applyPenalties(cands, counts, c.params.RepeatPenalty,
		c.params.PresencePenalty, c.params.FrequencyPenalty)

	if c.params.Temperature > 0 {
		applyTemperature(cands, c.params.Temperature)
	}

	if c.params.Temperature <= 0 {
		// Greedy: stages below reorder probability mass but cannot change
		// the argmax, except for the grammar mask which must still apply.
		cands = softmax(cands)
		cands = c.applyGrammar(cands)
		return argmax(cands)
	}

	if c.params.Mirostat == 1 || c.params.Mirostat == 2 {
		cands = softmax(cands)
		cands = c.applyGrammar(cands)
		return c.sampleMirostat(cands)
	}

	cands = topK(cands, c.params.TopK)
	cands = softmax(cands)
	cands = topP(cands, c.params.TopP)
	cands = minP(cands, c.params.MinP)
	if c.params.TypicalP < 1.0 {
		cands = typicalP(cands, c.params.TypicalP)
	}
	cands = c.applyGrammar(cands)

	return c.sampleDist(cands)
}

// Accept informs the grammar machine that a token was emitted
func (c *Chain) Accept(id int) {
	if c.grammar == nil || c.pieceFn == nil {
		return
	}
	c.grammar.Advance(c.pieceFn(id))
}

// applyGrammar zeroes the probability of tokens the grammar rejects and
// renormalizes. A nil grammar is a pass-through.
func (c *Chain) applyGrammar(cands []Candidate) []Candidate {
	if c.grammar == nil || c.pieceFn == nil {
		return cands
	}
	kept := cands[:0]
	for _, cand := range cands {
		if c.grammar.Allows(c.pieceFn(cand.ID)) {
			kept = append(kept, cand)
		}
	}
	if len(kept) == 0 {
		// Nothing legal: fall back to the unmasked set rather than dead-end
		return cands
	}
	return renormalize(kept)
}

// sampleDist draws one candidate from the categorical distribution
func (c *Chain) sampleDist(cands []Candidate) int {
	if len(cands) == 0 {
		return 0
	}
	r := c.rng.Float64()
	cum := 0.0
	for _, cand := range cands {
		cum += cand.P
		if r < cum {
			return cand.ID
		}
	}
	return cands[len(cands)-1].ID
}

func argmax(cands []Candidate) int {
	best := 0
	for i := 1; i < len(cands); i++ {
		if cands[i].P > cands[best].P {
			best = i
		}
	}
	if len(cands) == 0 {
		return 0
	}
	return cands[best].ID
}
