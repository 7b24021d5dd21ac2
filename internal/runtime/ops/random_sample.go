package ops

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// SampleParams configures RandomSample. RandomVal is the caller's uniform
// draw in [0, 1); the oracle never draws on its own.
type SampleParams struct {
	RandomVal   float64
	TopP        float64
	TopK        int
	Temperature float64
}

// Sample is the oracle's decision. End is the nucleus size the draw was
// scaled over, or 0 when sampling degenerated to arg-max.
type Sample struct {
	Index int
	End   int
}

// Greedy reports whether p selects deterministic arg-max.
func (p SampleParams) Greedy() bool {
	return p.TopP <= 0 || p.TopK <= 1
}

// RandomSample picks one vocabulary index from scores under top-k, top-p
// and temperature constraints.
//
// The topk best indices are taken in descending score order with ties kept in
// index order. Their scores are shifted by the maximum, divided by the
// temperature and passed through a softmax. The scan cursor stops at the
// first entry whose running probability reaches TopP and is then advanced by
// one, unless it already sits on the last entry, in which case the nucleus is
// all topk entries. The draw is scaled by the nucleus mass and the first
// entry whose running mass exceeds it wins.
func RandomSample(scores []float64, p SampleParams) (Sample, error) {
	if len(scores) == 0 {
		return Sample{}, errors.New("ops: random_sample requires a non-empty score vector")
	}

	if p.Greedy() {
		return Sample{Index: argmax(scores)}, nil
	}

	if p.Temperature <= 0 || math.IsNaN(p.Temperature) {
		return Sample{}, fmt.Errorf("ops: random_sample temperature must be > 0, got %v", p.Temperature)
	}

	if p.RandomVal < 0 || p.RandomVal >= 1 {
		return Sample{}, fmt.Errorf("ops: random_sample random_val must be in [0, 1), got %v", p.RandomVal)
	}

	topk := min(p.TopK, len(scores))
	indices := TopK(scores, topk)

	maxV := scores[indices[0]]
	probs := make([]float64, topk)
	total := 0.0

	for i, idx := range indices {
		probs[i] = math.Exp((scores[idx] - maxV) / p.Temperature)
		total += probs[i]
	}

	for i := range probs {
		probs[i] /= total
	}

	end := NucleusSize(probs, p.TopP)

	mass := 0.0
	for _, pr := range probs[:end] {
		mass += pr
	}

	draw := p.RandomVal * mass
	cum := 0.0

	for i, pr := range probs[:end] {
		cum += pr
		if draw < cum {
			return Sample{Index: indices[i], End: end}, nil
		}
	}

	return Sample{Index: indices[end-1], End: end}, nil
}

// NucleusSize returns how many of the descending probabilities take part in
// sampling for threshold topp.
func NucleusSize(probs []float64, topp float64) int {
	topk := len(probs)
	end := 0
	cum := 0.0

	for end = range topk {
		cum += probs[end]
		if cum >= topp {
			break
		}
	}

	if end < topk-1 {
		return end + 1
	}

	return topk
}

// TopK returns the indices of the k highest scores in descending order.
// Equal scores keep their index order.
func TopK(scores []float64, k int) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}

	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		default:
			return 0
		}
	})

	return order[:min(k, len(order))]
}

func argmax(scores []float64) int {
	best := 0
	for i, v := range scores {
		if v > scores[best] {
			best = i
		}
	}

	return best
}
