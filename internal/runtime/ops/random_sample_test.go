package ops

import (
	"math"
	"slices"
	"testing"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

func TestRandomSampleKnownNucleus(t *testing.T) {
	scores := make([]float64, 40)
	scores[10], scores[20], scores[30] = 1.0, 0.9, 0.8

	// At temperature 0.5 the top three probabilities are about
	// 0.402, 0.329 and 0.269.
	tests := []struct {
		name    string
		topp    float64
		wantEnd int
		wantIdx int
	}{
		{"cursor on last entry takes all", 0.8, 3, 30},
		{"cursor short of last advances by one", 0.5, 2, 20},
		{"first entry reaches topp", 0.3, 1, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := RandomSample(scores, SampleParams{RandomVal: 0.8, TopP: tt.topp, TopK: 3, Temperature: 0.5})
			if err != nil {
				t.Fatalf("RandomSample: %v", err)
			}

			if s.End != tt.wantEnd || s.Index != tt.wantIdx {
				t.Errorf("RandomSample = %+v; want index %d end %d", s, tt.wantIdx, tt.wantEnd)
			}
		})
	}
}

func TestRandomSample512Scenario(t *testing.T) {
	rng := tensor.NewRandom(2024)

	scores := make([]float64, 512)
	for i := range scores {
		scores[i] = float64(float32(rng.Float64()))
	}

	p := SampleParams{RandomVal: 0.8, TopP: 0.8, TopK: 3, Temperature: 0.5}

	s, err := RandomSample(scores, p)
	if err != nil {
		t.Fatalf("RandomSample: %v", err)
	}

	// Independent top three by full descending scan.
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}

	slices.SortStableFunc(order, func(a, b int) int {
		if scores[a] > scores[b] {
			return -1
		}

		if scores[a] < scores[b] {
			return 1
		}

		return 0
	})

	top := order[:3]
	if !slices.Contains(top, s.Index) {
		t.Fatalf("selected %d, not among top three %v", s.Index, top)
	}

	weights := make([]float64, 3)
	total := 0.0

	for i, idx := range top {
		weights[i] = math.Exp((scores[idx] - scores[top[0]]) / p.Temperature)
		total += weights[i]
	}

	wantEnd := 3
	cum := 0.0

	for c := range 3 {
		cum += weights[c] / total
		if cum >= p.TopP {
			if c < 2 {
				wantEnd = c + 1
			}

			break
		}
	}

	if s.End != wantEnd {
		t.Errorf("nucleus size = %d; want %d", s.End, wantEnd)
	}

	if slices.Index(top, s.Index) >= s.End {
		t.Errorf("selected %d lies outside the nucleus %v", s.Index, top[:s.End])
	}
}

func TestTopKStableTies(t *testing.T) {
	scores := []float64{1, 1, 2, 0.5, 2, 1}

	got := TopK(scores, 4)
	if want := []int{2, 4, 0, 1}; !slices.Equal(got, want) {
		t.Errorf("TopK = %v; want %v", got, want)
	}

	if got := TopK(scores, 100); len(got) != len(scores) {
		t.Errorf("TopK clamps to %d entries; got %d", len(scores), len(got))
	}
}

func TestRandomSampleGreedyFirstMax(t *testing.T) {
	scores := []float64{0.5, 0.9, 0.1, 0.9}

	for _, p := range []SampleParams{
		{TopP: 0, TopK: 10, Temperature: 1},
		{TopP: 0.9, TopK: 1, Temperature: 1},
		{TopP: -1, TopK: 0},
	} {
		s, err := RandomSample(scores, p)
		if err != nil {
			t.Fatalf("RandomSample(%+v): %v", p, err)
		}

		if s.Index != 1 {
			t.Errorf("RandomSample(%+v) = %d; want 1", p, s.Index)
		}
	}
}

func TestRandomSampleErrors(t *testing.T) {
	_, err := RandomSample(nil, SampleParams{})
	assertErrContains(t, err, "non-empty")

	_, err = RandomSample([]float64{1, 2}, SampleParams{TopP: 0.5, TopK: 2, Temperature: 0})
	assertErrContains(t, err, "temperature")

	_, err = RandomSample([]float64{1, 2}, SampleParams{RandomVal: 1, TopP: 0.5, TopK: 2, Temperature: 1})
	assertErrContains(t, err, "random_val")
}

func TestNucleusSize(t *testing.T) {
	tests := []struct {
		probs []float64
		topp  float64
		want  int
	}{
		{[]float64{0.6, 0.3, 0.1}, 0.5, 1},
		{[]float64{0.6, 0.3, 0.1}, 0.8, 2},
		{[]float64{0.6, 0.3, 0.1}, 0.95, 3},
		{[]float64{0.6, 0.3, 0.1}, 2, 3},
		{[]float64{1}, 0.5, 1},
	}

	for _, tt := range tests {
		if got := NucleusSize(tt.probs, tt.topp); got != tt.want {
			t.Errorf("NucleusSize(%v, %v) = %d; want %d", tt.probs, tt.topp, got, tt.want)
		}
	}
}
