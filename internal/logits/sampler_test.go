package logits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()
	cfg := SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95}
	s1, s2 := NewSampler(cfg), NewSampler(cfg)
	for i := range 20 {
		a := s1.Sample([]float32{0, 1, 2, 3, 4, 5}, nil, nil)
		b := s2.Sample([]float32{0, 1, 2, 3, 4, 5}, nil, nil)
		require.Equal(t, a, b, "draw %d", i)
	}
}

// Zero config is the default pipeline setup.
func TestSamplerZeroConfigIsGreedy(t *testing.T) {
	t.Parallel()
	s := NewSampler(SamplerConfig{})
	require.True(t, s.Greedy())
	assert.Equal(t, 3, s.Sample([]float32{-1, 5, 3, 7, 2}, nil, nil))
	assert.Equal(t, 0, s.Sample([]float32{4, 4, 1}, nil, nil), "tie resolves to first index")
}

func TestSamplerRestrictsCandidates(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		cfg    SamplerConfig
		logits []float32
		allow  []int
		draws  int
	}{
		{"top-p keeps dominant logit", SamplerConfig{Seed: 7, Temperature: 1, TopP: 0.5}, []float32{0, 10, 0, 0, 0}, []int{1}, 10},
		{"top-k one", SamplerConfig{Seed: 3, Temperature: 2, TopK: 1}, []float32{1, 2, 3, 2.9}, []int{2}, 10},
		{"top-k two", SamplerConfig{Seed: 11, Temperature: 1, TopK: 2}, []float32{0, 3, 0, 3, 0}, []int{1, 3}, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := NewSampler(tc.cfg)
			for range tc.draws {
				assert.Contains(t, tc.allow, s.Sample(tc.logits, nil, nil))
			}
		})
	}
}

func TestRepeatPenaltyChangesGreedyChoice(t *testing.T) {
	t.Parallel()
	s := NewSampler(SamplerConfig{RepeatPenalty: 2})
	assert.Equal(t, 1, s.Sample([]float32{3, 2}, []int{0}, nil), "penalised token loses")
	assert.Equal(t, 0, s.Sample([]float32{3, 2}, []int{0}, []int{0}), "excluded token keeps its logit")
}
