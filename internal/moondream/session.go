package moondream

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/moondream/internal/errdefs"
	"github.com/samcharles93/moondream/internal/tensor"
)

type kvCache struct {
	K, V []float32
}

// Session is the incremental decoding state of one generation: the
// key/value cache of every decoder layer and the next position.
// A Session is not safe for concurrent use.
type Session struct {
	model *Model
	cache []kvCache
	pos   int
}

// Pos is the number of positions already in the cache.
func (s *Session) Pos() int { return s.pos }

// Reset drops the cache so the next call starts a fresh sequence.
func (s *Session) Reset() {
	for i := range s.cache {
		s.cache[i].K = s.cache[i].K[:0]
		s.cache[i].V = s.cache[i].V[:0]
	}
	s.pos = 0
}

// ForwardWithImage starts a new sequence made of the bos embedding, the
// image embeddings and the prompt tokens, and returns the logits for the
// position after the last token.
func (s *Session) ForwardWithImage(bos int, tokens []int, img *tensor.Mat) (logits []float32, err error) {
	defer recoverTensor(&err, "forward with image")

	t := s.model.Config.Text
	if img == nil || img.C != t.Dim {
		return nil, errdefs.Tensor("forward with image", fmt.Errorf("image embeddings must have %d columns", t.Dim))
	}
	s.Reset()
	x := tensor.NewMat(1+img.R+len(tokens), t.Dim)
	if err := s.embed(x.Row(0), bos); err != nil {
		return nil, err
	}
	for i := 0; i < img.R; i++ {
		img.RowTo(x.Row(1+i), i)
	}
	for i, id := range tokens {
		if err := s.embed(x.Row(1+img.R+i), id); err != nil {
			return nil, err
		}
	}
	return s.step(x)
}

// Forward appends one token to the sequence and returns the logits for the
// following position.
func (s *Session) Forward(token int) (logits []float32, err error) {
	defer recoverTensor(&err, "forward")

	x := tensor.NewMat(1, s.model.Config.Text.Dim)
	if err := s.embed(x.Row(0), token); err != nil {
		return nil, err
	}
	return s.step(x)
}

func (s *Session) embed(dst []float32, id int) error {
	e := s.model.text.Embed
	if id < 0 || id >= e.R {
		return errdefs.Tensor("embed", fmt.Errorf("token id %d out of range [0,%d)", id, e.R))
	}
	e.RowTo(dst, id)
	return nil
}

// step runs the rows of x through the decoder at positions pos.. and
// extends the cache.
func (s *Session) step(x *tensor.Mat) ([]float32, error) {
	t := s.model.Config.Text
	n := x.R
	if s.pos+n > t.MaxSeqLen {
		return nil, errdefs.Tensor("forward", fmt.Errorf("sequence length %d exceeds maximum %d", s.pos+n, t.MaxSeqLen))
	}
	w := &s.model.text
	headDim := t.HeadDim()
	for l := range w.Blocks {
		b := &w.Blocks[l]
		h := b.LN.rows(x, t.LayerNorm)
		qkv := b.QKV.rows(h)

		c := &s.cache[l]
		for i := 0; i < n; i++ {
			row := qkv.Row(i)
			q := row[:t.Dim]
			k := row[t.Dim : 2*t.Dim]
			if t.RotaryDim > 0 {
				tensor.ApplyRoPENeoX(q, t.Heads, headDim, t.RotaryDim, s.pos+i, s.model.invFreq)
				tensor.ApplyRoPENeoX(k, t.Heads, headDim, t.RotaryDim, s.pos+i, s.model.invFreq)
			}
			c.K = append(c.K, k...)
			c.V = append(c.V, row[2*t.Dim:3*t.Dim]...)
		}
		attn := causalAttention(qkv, c, s.pos, t.Heads, headDim)

		f := b.FC1.rows(h)
		tensor.GeluTanh(f.Data)
		addRows(x, b.OutProj.rows(attn))
		addRows(x, b.FC2.rows(f))
	}
	s.pos += n

	last := make([]float32, t.Dim)
	tensor.LayerNorm(last, x.Row(n-1), w.HeadLN.W, w.HeadLN.B, t.LayerNorm)
	logits := make([]float32, t.VocabSize)
	tensor.Linear(logits, w.Head.W, w.Head.B, last)
	return logits, nil
}

// causalAttention attends each query row i (at position start+i) over the
// cached keys up to and including its own position.
func causalAttention(qkv *tensor.Mat, c *kvCache, start, heads, headDim int) *tensor.Mat {
	n := qkv.R
	dim := heads * headDim
	out := tensor.NewMat(n, dim)
	scale := float32(1 / math.Sqrt(float64(headDim)))

	var g errgroup.Group
	g.SetLimit(tensor.Workers())
	for h := 0; h < heads; h++ {
		g.Go(func() error {
			scores := make([]float32, start+n)
			off := h * headDim
			for i := 0; i < n; i++ {
				q := qkv.Row(i)[off : off+headDim]
				span := scores[:start+i+1]
				for j := range span {
					span[j] = tensor.Dot(q, c.K[j*dim+off:j*dim+off+headDim]) * scale
				}
				tensor.Softmax(span)
				dst := out.Row(i)[off : off+headDim]
				for j, sc := range span {
					v := c.V[j*dim+off : j*dim+off+headDim]
					for d := range dst {
						dst[d] += sc * v[d]
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
