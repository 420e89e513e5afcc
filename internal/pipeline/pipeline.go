// Package pipeline turns a prompt and an image into a lazily evaluated
// sequence of Generation events.
package pipeline

import (
	"context"
	"fmt"

	"github.com/samcharles93/moondream/internal/device"
	"github.com/samcharles93/moondream/internal/errdefs"
	"github.com/samcharles93/moondream/internal/hub"
	"github.com/samcharles93/moondream/internal/imageproc"
	"github.com/samcharles93/moondream/internal/logger"
	"github.com/samcharles93/moondream/internal/logits"
	"github.com/samcharles93/moondream/internal/tensor"
	"github.com/samcharles93/moondream/internal/tokenizer"
)

const promptTemplate = "\n\nQuestion: %s\nAnswer:"

// FormatPrompt wraps a question in the template the model was trained on.
func FormatPrompt(prompt string) string {
	return fmt.Sprintf(promptTemplate, prompt)
}

// Decoder is the incremental text model. ForwardWithImage starts a new
// sequence from the bos token, the image embeddings and the prompt;
// Forward extends it by one token. Both return the logits of the last
// position.
type Decoder interface {
	ForwardWithImage(bos int, tokens []int, img *tensor.Mat) ([]float32, error)
	Forward(token int) ([]float32, error)
	Reset()
}

// ModelSource hands out loaded models. *hub.Cache implements it.
type ModelSource interface {
	Acquire(ctx context.Context, dev device.Device) (*hub.Handle, error)
}

type Options struct {
	Prompt    string
	ImagePath string
	// Image, when set, is used instead of loading ImagePath.
	Image   *tensor.Tensor3
	Device  device.Device
	Models  ModelSource
	Sampler logits.SamplerConfig
	Logger  logger.Logger
}

// Parts assembles a Pipeline from components that are already loaded.
type Parts struct {
	Decoder   Decoder
	Tokenizer tokenizer.Tokenizer
	Prompt    string
	Embeds    *tensor.Mat
	Device    device.Device
	Sampler   logits.SamplerConfig
	Logger    logger.Logger
}

// Pipeline holds everything one generation request needs: the model, the
// tokenizer, the stop token and the encoded prompt and image. Its state is
// owned by a single goroutine.
type Pipeline struct {
	decoder Decoder
	tok     tokenizer.Tokenizer
	dev     device.Device
	sampler logits.SamplerConfig
	log     logger.Logger

	stopID  int
	tokens  []int
	embeds  *tensor.Mat
	release func()
}

// Build loads the model, encodes the prompt and the image, and returns a
// ready pipeline. Close releases the model.
func Build(ctx context.Context, opts Options) (*Pipeline, error) {
	if opts.Models == nil {
		return nil, fmt.Errorf("pipeline: no model source")
	}
	h, err := opts.Models.Acquire(ctx, opts.Device)
	if err != nil {
		return nil, err
	}
	p, err := build(ctx, h, opts)
	if err != nil {
		h.Release()
		return nil, err
	}
	return p, nil
}

func build(ctx context.Context, h *hub.Handle, opts Options) (*Pipeline, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	tokens, stopID, err := encodePrompt(h.Tokenizer, opts.Prompt)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img := opts.Image
	if img == nil {
		log.Debug("loading image", "path", opts.ImagePath)
		if img, err = imageproc.LoadImage(opts.ImagePath); err != nil {
			return nil, err
		}
	}
	embeds, err := h.Model.EncodeImage(img)
	if err != nil {
		return nil, err
	}
	log.Debug("image encoded", "patches", embeds.R, "dim", embeds.C)

	p := &Pipeline{
		decoder: h.Model.NewSession(),
		tok:     h.Tokenizer,
		dev:     opts.Device,
		sampler: opts.Sampler,
		log:     log,
		stopID:  stopID,
		tokens:  tokens,
		embeds:  embeds,
		release: h.Release,
	}
	log.Info("pipeline ready", "prompt_tokens", len(tokens), "device", opts.Device.Name())
	return p, nil
}

// BuildFromParts validates the prompt against the tokenizer and binds the
// given components. The caller keeps ownership of the decoder.
func BuildFromParts(parts Parts) (*Pipeline, error) {
	if parts.Decoder == nil || parts.Tokenizer == nil {
		return nil, fmt.Errorf("pipeline: decoder and tokenizer are required")
	}
	tokens, stopID, err := encodePrompt(parts.Tokenizer, parts.Prompt)
	if err != nil {
		return nil, err
	}
	log := parts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Pipeline{
		decoder: parts.Decoder,
		tok:     parts.Tokenizer,
		dev:     parts.Device,
		sampler: parts.Sampler,
		log:     log,
		stopID:  stopID,
		tokens:  tokens,
		embeds:  parts.Embeds,
	}, nil
}

// encodePrompt rejects prompts that tokenize to nothing, then returns the
// templated prompt tokens and the stop token id.
func encodePrompt(tok tokenizer.Tokenizer, prompt string) ([]int, int, error) {
	raw, err := safeEncode(tok, prompt)
	if err != nil {
		return nil, 0, errdefs.Tokenizer("encode prompt", err)
	}
	if len(raw) == 0 {
		return nil, 0, errdefs.Input("prompt is empty")
	}
	tokens, err := safeEncode(tok, FormatPrompt(prompt))
	if err != nil {
		return nil, 0, errdefs.Tokenizer("encode prompt", err)
	}
	stopID, ok := tok.TokenID(tokenizer.EndOfText)
	if !ok {
		return nil, 0, errdefs.SpecialTokenNotFound(tokenizer.EndOfText)
	}
	return tokens, stopID, nil
}

func safeEncode(tok tokenizer.Tokenizer, text string) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(text)
}

// StopID is the token that ends a generation. It doubles as the bos token.
func (p *Pipeline) StopID() int { return p.stopID }

// PromptTokens returns a copy of the templated prompt ids.
func (p *Pipeline) PromptTokens() []int { return append([]int(nil), p.tokens...) }

func (p *Pipeline) Device() device.Device { return p.dev }

// Close releases the model held by a pipeline made with Build.
func (p *Pipeline) Close() {
	if p.release != nil {
		p.release()
		p.release = nil
	}
}

// Iter returns a fresh iterator starting from the prompt. It resets the
// decoder, so an earlier iterator of the same pipeline must not be used
// afterwards.
func (p *Pipeline) Iter() *Iterator {
	p.decoder.Reset()
	return &Iterator{
		p:       p,
		sampler: logits.NewSampler(p.sampler),
		tokens:  append([]int(nil), p.tokens...),
		embeds:  p.embeds,
	}
}
