package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/moondream/internal/device"
	"github.com/samcharles93/moondream/internal/errdefs"
	"github.com/samcharles93/moondream/internal/hub"
	"github.com/samcharles93/moondream/internal/moondream"
	"github.com/samcharles93/moondream/internal/tensor"
	"github.com/samcharles93/moondream/internal/tokenizer"
)

const (
	vocab  = 257
	stopID = 256
)

type call struct {
	withImage bool
	bos       int
	tokens    []int
	img       *tensor.Mat
}

// scriptedDecoder returns logits peaking at the next scripted id and
// records every call it receives.
type scriptedDecoder struct {
	script  []int
	calls   []call
	resets  int
	failAt  int
	panicAt int
}

func newScripted(ids ...int) *scriptedDecoder {
	return &scriptedDecoder{script: ids, failAt: -1, panicAt: -1}
}

func (d *scriptedDecoder) next() ([]float32, error) {
	n := len(d.calls) - 1
	if n == d.failAt {
		return nil, errdefs.Tensor("forward", errors.New("device lost"))
	}
	if n == d.panicAt {
		panic("index out of range")
	}
	out := make([]float32, vocab)
	out[d.script[n%len(d.script)]] = 10
	return out, nil
}

func (d *scriptedDecoder) ForwardWithImage(bos int, tokens []int, img *tensor.Mat) ([]float32, error) {
	d.calls = append(d.calls, call{withImage: true, bos: bos, tokens: append([]int(nil), tokens...), img: img})
	return d.next()
}

func (d *scriptedDecoder) Forward(token int) ([]float32, error) {
	d.calls = append(d.calls, call{tokens: []int{token}})
	return d.next()
}

func (d *scriptedDecoder) Reset() {
	d.calls = nil
	d.resets++
}

func toyTokenizer(t *testing.T) *tokenizer.HFTokenizer {
	t.Helper()
	tok, err := tokenizer.LoadHFTokenizerBytes(tokenizer.ToyJSON())
	require.NoError(t, err)
	return tok
}

func buildScripted(t *testing.T, dec Decoder, prompt string) (*Pipeline, *tensor.Mat) {
	t.Helper()
	embeds := tensor.NewMat(4, 8)
	p, err := BuildFromParts(Parts{
		Decoder:   dec,
		Tokenizer: toyTokenizer(t),
		Prompt:    prompt,
		Embeds:    embeds,
	})
	require.NoError(t, err)
	return p, embeds
}

func collect(t *testing.T, it *Iterator, limit int) ([]Generation, error) {
	t.Helper()
	var out []Generation
	for i := 0; i < limit; i++ {
		s := it.Next()
		if s.Done {
			return out, nil
		}
		if s.Err != nil {
			assert.True(t, it.Next().Done, "iteration continued after an error")
			return out, s.Err
		}
		out = append(out, s.Generation)
	}
	t.Fatalf("iterator did not finish within %d steps", limit)
	return nil, nil
}

func TestFormatPrompt(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "\n\nQuestion: What is this?\nAnswer:", FormatPrompt("What is this?"))
}

func TestImageConsumedOnlyOnFirstStep(t *testing.T) {
	t.Parallel()
	dec := newScripted('h', 'i', stopID)
	p, embeds := buildScripted(t, dec, "hey")

	gens, err := collect(t, p.Iter(), 10)
	require.NoError(t, err)
	require.Len(t, gens, 3)

	require.Len(t, dec.calls, 3)
	first := dec.calls[0]
	assert.True(t, first.withImage)
	assert.Equal(t, stopID, first.bos)
	assert.Same(t, embeds, first.img)
	assert.Equal(t, p.PromptTokens(), first.tokens)

	for i, c := range dec.calls[1:] {
		assert.False(t, c.withImage, "step %d used the image", i+1)
		assert.Equal(t, []int{int(gens[i].Token.ID)}, c.tokens)
	}
}

func TestGeneratedTextOnFinalStepOnly(t *testing.T) {
	t.Parallel()
	p, _ := buildScripted(t, newScripted('h', 'i', stopID), "hey")

	gens, err := collect(t, p.Iter(), 10)
	require.NoError(t, err)
	require.Len(t, gens, 3)

	assert.Equal(t, Token{ID: 'h', Text: "h"}, gens[0].Token)
	assert.Nil(t, gens[0].GeneratedText)
	assert.Equal(t, Token{ID: 'i', Text: "i"}, gens[1].Token)
	assert.Nil(t, gens[1].GeneratedText)

	last := gens[2]
	assert.True(t, last.Token.Special)
	assert.Equal(t, "", last.Token.Text)
	require.NotNil(t, last.GeneratedText)
	assert.Equal(t, "hi", *last.GeneratedText)
	assert.Nil(t, last.Details)
}

func TestStopTokenOnFirstStep(t *testing.T) {
	t.Parallel()
	p, _ := buildScripted(t, newScripted(stopID), "hey")

	it := p.Iter()
	s := it.Next()
	require.NoError(t, s.Err)
	require.False(t, s.Done)
	assert.True(t, s.Generation.Token.Special)
	assert.Equal(t, uint32(stopID), s.Generation.Token.ID)
	require.NotNil(t, s.Generation.GeneratedText)

	assert.True(t, it.Next().Done)
	assert.True(t, it.Next().Done)
	assert.Equal(t, 1, it.Index())
}

func TestStepErrorEndsSequence(t *testing.T) {
	t.Parallel()
	dec := newScripted('a')
	dec.failAt = 2
	p, _ := buildScripted(t, dec, "hey")

	gens, err := collect(t, p.Iter(), 10)
	assert.Len(t, gens, 2)
	assert.ErrorIs(t, err, errdefs.ErrTensor)
	for _, g := range gens {
		assert.Nil(t, g.GeneratedText)
	}
}

func TestStepPanicBecomesTensorError(t *testing.T) {
	t.Parallel()
	dec := newScripted('a')
	dec.panicAt = 0
	p, _ := buildScripted(t, dec, "hey")

	gens, err := collect(t, p.Iter(), 10)
	assert.Empty(t, gens)
	assert.ErrorIs(t, err, errdefs.ErrTensor)
}

func TestIterReplaysFromPrompt(t *testing.T) {
	t.Parallel()
	dec := newScripted('o', 'k', stopID)
	p, _ := buildScripted(t, dec, "hey")

	first, err := collect(t, p.Iter(), 10)
	require.NoError(t, err)
	firstCalls := dec.calls

	second, err := collect(t, p.Iter(), 10)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, firstCalls, dec.calls)
	assert.Equal(t, 2, dec.resets)
}

func TestAllYieldsEveryGeneration(t *testing.T) {
	t.Parallel()
	p, _ := buildScripted(t, newScripted('o', 'k', stopID), "hey")

	var text string
	var final *string
	for g, err := range p.All() {
		require.NoError(t, err)
		text += g.Token.Text
		final = g.GeneratedText
	}
	require.NotNil(t, final)
	assert.Equal(t, "ok", text)
	assert.Equal(t, text, *final)
}

func TestGenerationJSON(t *testing.T) {
	t.Parallel()
	text := "ok"
	raw, err := json.Marshal(Generation{Token: Token{ID: 256, Special: true}, GeneratedText: &text})
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":{"id":256,"text":"","special":true},"generated_text":"ok","details":null}`, string(raw))

	raw, err = json.Marshal(Generation{Token: Token{ID: 5, Text: "a"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":{"id":5,"text":"a","special":false},"generated_text":null,"details":null}`, string(raw))
}

func TestEmptyPromptIsInputError(t *testing.T) {
	t.Parallel()
	_, err := BuildFromParts(Parts{Decoder: newScripted(stopID), Tokenizer: toyTokenizer(t), Prompt: ""})
	assert.ErrorIs(t, err, errdefs.ErrInput)
}

// noStopTokenizer is a tokenizer whose vocabulary lacks the stop token.
type noStopTokenizer struct{ tokenizer.Tokenizer }

func (noStopTokenizer) TokenID(string) (int, bool) { return 0, false }

func TestMissingStopTokenFails(t *testing.T) {
	t.Parallel()
	_, err := BuildFromParts(Parts{
		Decoder:   newScripted(stopID),
		Tokenizer: noStopTokenizer{toyTokenizer(t)},
		Prompt:    "hey",
	})
	assert.ErrorIs(t, err, errdefs.ErrSpecialTokenNotFound)
}

type localRegistry string

func (r localRegistry) Resolve(_ context.Context, _, _, file string) (string, error) {
	return filepath.Join(string(r), file), nil
}

func toyCache(t *testing.T) *hub.Cache {
	t.Helper()
	dir := t.TempDir()
	cfg := moondream.TinyConfig()
	require.NoError(t, moondream.WriteToyCheckpoint(filepath.Join(dir, hub.WeightsFile), cfg, 7))
	require.NoError(t, os.WriteFile(filepath.Join(dir, hub.TokenizerFile), tokenizer.ToyJSON(), 0o644))
	provider := hub.NewProvider(hub.Options{Config: cfg, Registry: localRegistry(dir)})
	c := hub.NewCache(provider, false, nil)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestBuildRunsToyModel(t *testing.T) {
	t.Parallel()
	cache := toyCache(t)
	dev, err := device.Select(device.CPU, 1)
	require.NoError(t, err)
	vc := moondream.TinyConfig().Vision
	img := tensor.NewTensor3(vc.Channels, vc.ImageSize, vc.ImageSize)

	p, err := Build(context.Background(), Options{Prompt: "what?", Image: img, Device: dev, Models: cache})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, stopID, p.StopID())

	it := p.Iter()
	for i := 0; i < 3; i++ {
		s := it.Next()
		require.NoError(t, s.Err)
		if s.Done || s.Generation.Final() {
			break
		}
		assert.Less(t, s.Generation.Token.ID, uint32(moondream.TinyConfig().Text.VocabSize))
	}

	p.Close()
	assert.Equal(t, 0, cache.Len())
}

func TestBuildReleasesModelOnFailure(t *testing.T) {
	t.Parallel()
	cache := toyCache(t)
	dev, err := device.Select(device.CPU, 1)
	require.NoError(t, err)

	_, err = Build(context.Background(), Options{Prompt: "what?", ImagePath: filepath.Join(t.TempDir(), "none.png"), Device: dev, Models: cache})
	assert.ErrorIs(t, err, errdefs.ErrIO)
	assert.Equal(t, 0, cache.Len())

	_, err = Build(context.Background(), Options{Prompt: "", Device: dev, Models: cache})
	assert.ErrorIs(t, err, errdefs.ErrInput)
	assert.Equal(t, 0, cache.Len())
}
