package pipeline

import (
	"fmt"
	"iter"

	"github.com/samcharles93/moondream/internal/errdefs"
	"github.com/samcharles93/moondream/internal/logits"
	"github.com/samcharles93/moondream/internal/tensor"
)

// Step is the result of one call to Iterator.Next: a generation, an error
// that ended the sequence, or the end itself.
type Step struct {
	Generation Generation
	Err        error
	Done       bool
}

// Iterator advances a pipeline one decoding step at a time. The image
// embeddings are consumed by the first step only; later steps feed back
// the previously sampled token.
type Iterator struct {
	p       *Pipeline
	sampler *logits.Sampler

	tokens    []int
	embeds    *tensor.Mat
	generated []int
	step      int
	done      bool
}

// Next produces the next step. After a generation carrying GeneratedText,
// or after an error, every further call returns Done.
func (it *Iterator) Next() Step {
	if it.done {
		return Step{Done: true}
	}
	g, err := it.advance()
	if err != nil {
		it.done = true
		return Step{Err: err}
	}
	if g.Final() {
		it.done = true
	}
	return Step{Generation: g}
}

// Index is the number of steps produced so far.
func (it *Iterator) Index() int { return it.step }

func (it *Iterator) advance() (g Generation, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errdefs.Tensor(fmt.Sprintf("step %d", it.step), fmt.Errorf("panic: %v", rec))
		}
	}()

	p := it.p
	var out []float32
	if it.step == 0 {
		out, err = p.decoder.ForwardWithImage(p.stopID, it.tokens, it.embeds)
		it.embeds = nil
	} else {
		out, err = p.decoder.Forward(it.tokens[len(it.tokens)-1])
	}
	if err != nil {
		return Generation{}, err
	}
	if len(out) == 0 {
		return Generation{}, errdefs.Tensor("sample", fmt.Errorf("empty logits at step %d", it.step))
	}

	next := it.sampler.Sample(out, it.generated, nil)
	text, err := p.tok.Decode([]int{next}, true)
	if err != nil {
		return Generation{}, errdefs.Tokenizer("decode token", err)
	}
	p.log.Debug("generated token", "step", it.step, "id", next, "text", text)

	it.generated = append(it.generated, next)
	it.tokens = []int{next}

	g = Generation{Token: Token{ID: uint32(next), Text: text}}
	if next == p.stopID {
		full, err := p.tok.Decode(it.generated, true)
		if err != nil {
			return Generation{}, errdefs.Tokenizer("decode generation", err)
		}
		g.Token.Special = true
		g.GeneratedText = &full
		p.log.Debug("end of text", "steps", it.step+1)
	}
	it.step++
	return g, nil
}

// All adapts the pipeline to a range-over-func sequence. Ranging starts a
// new iterator; an error is yielded as the last pair.
func (p *Pipeline) All() iter.Seq2[Generation, error] {
	return func(yield func(Generation, error) bool) {
		it := p.Iter()
		for {
			s := it.Next()
			if s.Done {
				return
			}
			if !yield(s.Generation, s.Err) || s.Err != nil {
				return
			}
		}
	}
}
