package sampling

import (
	"math"
	"sort"
)

// applyPenalties adjusts logits of recently seen tokens. A repeat penalty
// above 1 pushes logits toward zero from either side (divide when positive,
// multiply when negative); presence applies once per seen token, frequency
// scales with the occurrence count.
func applyPenalties(cands []Candidate, counts map[int]int, repeatPenalty, presencePenalty, frequencyPenalty float64) []Candidate {
	if len(counts) == 0 {
		return cands
	}
	noRepeat := repeatPenalty == 1.0
	noPresence := presencePenalty == 0.0
	noFrequency := frequencyPenalty == 0.0
	if noRepeat && noPresence && noFrequency {
		return cands
	}

	for i := range cands {
		count, seen := counts[cands[i].ID]
		if !seen || count == 0 {
			continue
		}
		if !noRepeat {
			if cands[i].Logit >= 0 {
				cands[i].Logit /= repeatPenalty
			} else {
				cands[i].Logit *= repeatPenalty
			}
		}
		cands[i].Logit -= frequencyPenalty * float64(count)
		if !noPresence {
			cands[i].Logit -= presencePenalty
		}
	}
	return cands
}

// applyTemperature divides every logit by the temperature, floored at 1e-6
// to keep the division finite
func applyTemperature(cands []Candidate, temperature float64) {
	t := math.Max(temperature, 1e-6)
	for i := range cands {
		cands[i].Logit /= t
	}
}

// topK keeps the k largest logits. k <= 0 or >= len keeps everything.
func topK(cands []Candidate, k int) []Candidate {
	if k <= 0 || k >= len(cands) {
		return cands
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Logit > cands[j].Logit
	})
	return cands[:k]
}

// softmax converts logits to probabilities, subtracting the max logit first
// for numerical stability. The result is sorted by descending probability.
func softmax(cands []Candidate) []Candidate {
	if len(cands) == 0 {
		return cands
	}
	maxLogit := cands[0].Logit
	for _, c := range cands[1:] {
		if c.Logit > maxLogit {
			maxLogit = c.Logit
		}
	}
	sum := 0.0
	for i := range cands {
		cands[i].P = math.Exp(cands[i].Logit - maxLogit)
		sum += cands[i].P
	}
	for i := range cands {
		cands[i].P /= sum
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].P > cands[j].P
	})
	return cands
}

// topP keeps the smallest prefix whose cumulative probability reaches p.
// Expects candidates sorted by descending probability.
func topP(cands []Candidate, p float64) []Candidate {
	if p >= 1.0 || len(cands) <= 1 {
		return cands
	}
	cum := 0.0
	cut := len(cands)
	for i, c := range cands {
		cum += c.P
		if cum >= p {
			cut = i + 1
			break
		}
	}
	return renormalize(cands[:cut])
}

// minP drops candidates whose probability is below minP times the maximum.
// Expects candidates sorted by descending probability.
func minP(cands []Candidate, min float64) []Candidate {
	if min <= 0 || len(cands) <= 1 {
		return cands
	}
	threshold := min * cands[0].P
	cut := len(cands)
	for i, c := range cands {
		if c.P < threshold {
			cut = i
			break
		}
	}
	return renormalize(cands[:cut])
}

// typicalP performs locally typical filtering: candidates are ranked by how
// close their surprisal is to the distribution's entropy, and the smallest
// such prefix reaching cumulative probability p survives.
func typicalP(cands []Candidate, p float64) []Candidate {
	if p >= 1.0 || len(cands) <= 1 {
		return cands
	}

	entropy := 0.0
	for _, c := range cands {
		if c.P > 0 {
			entropy += -c.P * math.Log(c.P)
		}
	}

	type scored struct {
		cand      Candidate
		deviation float64
	}
	ranked := make([]scored, len(cands))
	for i, c := range cands {
		surprisal := math.Inf(1)
		if c.P > 0 {
			surprisal = -math.Log(c.P)
		}
		ranked[i] = scored{cand: c, deviation: math.Abs(surprisal - entropy)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].deviation < ranked[j].deviation
	})

	cum := 0.0
	cut := len(ranked)
	for i, r := range ranked {
		cum += r.cand.P
		if cum >= p {
			cut = i + 1
			break
		}
	}

	kept := make([]Candidate, cut)
	for i := 0; i < cut; i++ {
		kept[i] = ranked[i].cand
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].P > kept[j].P
	})
	return renormalize(kept)
}

// renormalize rescales probabilities to sum to one
func renormalize(cands []Candidate) []Candidate {
	sum := 0.0
	for _, c := range cands {
		sum += c.P
	}
	if sum <= 0 {
		return cands
	}
	for i := range cands {
		cands[i].P /= sum
	}
	return cands
}
