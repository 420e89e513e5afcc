package logits

import (
	"math"
	"math/rand"
	"sort"
)

// SamplerConfig configures a Sampler. The zero value samples greedily.
//
// Temperature <= 0 selects argmax. TopK <= 0 and TopP outside (0,1) leave
// the candidate set unrestricted. RepeatPenalty <= 1 disables the penalty.
type SamplerConfig struct {
	Seed          int64   `yaml:"seed" json:"seed"`
	Temperature   float32 `yaml:"temperature" json:"temperature"`
	TopK          int     `yaml:"top_k" json:"top_k"`
	TopP          float32 `yaml:"top_p" json:"top_p"`
	MinP          float32 `yaml:"min_p" json:"min_p"`
	RepeatPenalty float32 `yaml:"repeat_penalty" json:"repeat_penalty"`
	RepeatLastN   int     `yaml:"repeat_last_n" json:"repeat_last_n"`
}

// Sampler picks the next token id from a logits vector. It is stateful
// (random source and scratch buffers) and must not be shared between
// goroutines.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool

	idx       []int
	prob      []float64
	seenMark  []uint32
	seenEpoch uint32
	seenList  []int
}

// NewSampler returns a sampler for cfg.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Greedy reports whether the sampler always returns the argmax.
func (s *Sampler) Greedy() bool { return s.greedy }

// Config returns the normalised configuration.
func (s *Sampler) Config() SamplerConfig { return s.cfg }

// Sample draws a token id from logits. The steps are:
//
//  1. Apply the repetition penalty over the last RepeatLastN ids of recent,
//     skipping ids in excludePenalty.
//  2. If the sampler is greedy, return the argmax.
//  3. Scale by 1/Temperature and keep the TopK largest (all when TopK <= 0).
//  4. Softmax, then drop candidates below MinP * max probability.
//  5. Truncate once the cumulative probability reaches TopP.
//  6. Draw from the remaining distribution.
//
// logits may be modified in place.
func (s *Sampler) Sample(logits []float32, recent []int, excludePenalty []int) int {
	if len(logits) == 0 {
		panic("sample: empty logits")
	}
	if s.cfg.RepeatPenalty > 1 && len(recent) > 0 {
		s.applyRepeatPenalty(logits, recent, excludePenalty)
	}
	if s.greedy {
		return argmax(logits)
	}

	idx := s.candidates(logits)
	if cap(s.prob) < len(idx) {
		s.prob = make([]float64, len(idx))
	}
	prob := s.prob[:len(idx)]
	invTemp := 1 / float64(s.cfg.Temperature)
	maxv := float64(logits[idx[0]]) * invTemp
	var sum float64
	for i, id := range idx {
		e := math.Exp(float64(logits[id])*invTemp - maxv)
		prob[i] = e
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) {
		return idx[0]
	}
	for i := range prob {
		prob[i] /= sum
	}

	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		n := 0
		var kept float64
		for i := range prob {
			if prob[i] >= threshold {
				prob[n] = prob[i]
				idx[n] = idx[i]
				kept += prob[i]
				n++
			}
		}
		prob, idx = prob[:n], idx[:n]
		for i := range prob {
			prob[i] /= kept
		}
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	var total float64
	for i := 0; i < cut; i++ {
		total += prob[i]
	}
	r := s.rng.Float64() * total
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return idx[i]
		}
	}
	return idx[cut-1]
}

// candidates returns logit indices ordered from largest to smallest,
// limited to TopK entries when TopK > 0.
func (s *Sampler) candidates(logits []float32) []int {
	if cap(s.idx) < len(logits) {
		s.idx = make([]int, len(logits))
	}
	idx := s.idx[:len(logits)]
	for i := range idx {
		idx[i] = i
	}
	k := s.cfg.TopK
	if k > 0 && k < len(idx) {
		// partial selection keeps this O(V*K) for small K
		for i := 0; i < k; i++ {
			best := i
			for j := i + 1; j < len(idx); j++ {
				if logits[idx[j]] > logits[idx[best]] {
					best = j
				}
			}
			idx[i], idx[best] = idx[best], idx[i]
		}
		return idx[:k]
	}
	sort.SliceStable(idx, func(a, b int) bool { return logits[idx[a]] > logits[idx[b]] })
	return idx
}

func (s *Sampler) applyRepeatPenalty(logits []float32, recent []int, exclude []int) {
	window := recent[max(len(recent)-s.cfg.RepeatLastN, 0):]

	if len(s.seenMark) < len(logits) {
		s.seenMark = make([]uint32, len(logits))
	}
	s.seenEpoch++
	if s.seenEpoch == 0 {
		clear(s.seenMark)
		s.seenEpoch = 1
	}
	s.seenList = s.seenList[:0]
	for _, id := range window {
		if id >= 0 && id < len(logits) && s.seenMark[id] != s.seenEpoch {
			s.seenMark[id] = s.seenEpoch
			s.seenList = append(s.seenList, id)
		}
	}
	for _, id := range exclude {
		if id >= 0 && id < len(logits) {
			s.seenMark[id] = 0
		}
	}
	for _, id := range s.seenList {
		if s.seenMark[id] != s.seenEpoch {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepeatPenalty
		} else {
			logits[id] *= s.cfg.RepeatPenalty
		}
	}
}

// argmax returns the index of the maximum value. Ties resolve to the
// lowest index.
func argmax(x []float32) int {
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}
