package sampling

import (
	"math"
)

// sampleMirostat dispatches to the configured mirostat version. Candidates
// arrive softmaxed and sorted by descending probability.
func (c *Chain) sampleMirostat(cands []Candidate) int {
	if c.params.Mirostat == 2 {
		return c.sampleMirostatV2(cands)
	}
	return c.sampleMirostatV1(cands)
}

// sampleMirostatV1 implements the original mirostat algorithm: estimate the
// Zipf exponent from the top of the distribution, derive an adaptive k,
// sample from that head, then move mu toward the target surprise tau.
func (c *Chain) sampleMirostatV1(cands []Candidate) int {
	const m = 100

	n := len(cands)
	if n == 0 {
		return 0
	}

	// Estimate s_hat from adjacent probability ratios of the top-m tokens
	sHat := 0.0
	pairs := 0
	limit := m
	if limit > n-1 {
		limit = n - 1
	}
	for i := 0; i < limit; i++ {
		hi, lo := cands[i].P, cands[i+1].P
		if hi <= 0 || lo <= 0 {
			break
		}
		t := math.Log(float64(i+2) / float64(i+1))
		b := math.Log(hi / lo)
		sHat += b / t
		pairs++
	}
	if pairs > 0 {
		sHat /= float64(pairs)
	} else {
		sHat = 1.0
	}

	// Derive k from s_hat and the current mu (surprise budget)
	epsilon := sHat - 1
	vocab := float64(n)
	k := n
	if epsilon > 0 {
		kf := math.Pow((epsilon*math.Pow(2, c.mirostatMu))/(1-math.Pow(vocab, -epsilon)), 1/sHat)
		if kf < 1 {
			k = 1
		} else if kf < float64(n) {
			k = int(kf)
		}
	}

	picked := c.sampleDist(renormalize(append([]Candidate(nil), cands[:k]...)))
	c.updateMu(cands, picked)
	return picked
}

// sampleMirostatV2 truncates tokens whose surprise exceeds mu, samples from
// the remainder, then adapts mu
func (c *Chain) sampleMirostatV2(cands []Candidate) int {
	if len(cands) == 0 {
		return 0
	}

	cut := len(cands)
	for i, cand := range cands {
		if cand.P <= 0 || -math.Log2(cand.P) > c.mirostatMu {
			cut = i
			break
		}
	}
	if cut == 0 {
		cut = 1
	}

	picked := c.sampleDist(renormalize(append([]Candidate(nil), cands[:cut]...)))
	c.updateMu(cands, picked)
	return picked
}

// updateMu moves the surprise budget toward tau based on the observed
// surprise of the picked token
func (c *Chain) updateMu(cands []Candidate, picked int) {
	observed := c.mirostatMu
	for _, cand := range cands {
		if cand.ID == picked && cand.P > 0 {
			observed = -math.Log2(cand.P)
			break
		}
	}
	c.mirostatMu -= c.params.MirostatEta * (observed - c.params.MirostatTau)
}
