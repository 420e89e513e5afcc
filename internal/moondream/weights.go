package moondream

import (
	"fmt"

	"github.com/samcharles93/moondream/internal/safetensors"
	"github.com/samcharles93/moondream/internal/tensor"
)

const (
	visualPrefix = "vision_encoder.encoder.model.visual."
	projPrefix   = "vision_encoder.projection.mlp."
	textPrefix   = "text_model.transformer."
	headPrefix   = "text_model.lm_head."
)

type linear struct {
	W *tensor.Mat
	B []float32
}

func (l linear) rows(x *tensor.Mat) *tensor.Mat {
	return tensor.LinearRows(l.W, l.B, x)
}

type layerNorm struct {
	W, B []float32
}

func (n layerNorm) rows(x *tensor.Mat, eps float32) *tensor.Mat {
	out := tensor.NewMat(x.R, x.C)
	for i := 0; i < x.R; i++ {
		tensor.LayerNorm(out.Row(i), x.Row(i), n.W, n.B, eps)
	}
	return out
}

type visionBlock struct {
	Norm1 layerNorm
	QKV   linear
	Proj  linear
	Norm2 layerNorm
	FC1   linear
	FC2   linear
}

type visionWeights struct {
	PatchEmbed linear
	PosEmbed   *tensor.Mat
	Blocks     []visionBlock
	Norm       layerNorm
	ProjFC1    linear
	ProjFC2    linear
}

type textBlock struct {
	LN      layerNorm
	QKV     linear
	OutProj linear
	FC1     linear
	FC2     linear
}

type textWeights struct {
	Embed  *tensor.Mat
	Blocks []textBlock
	HeadLN layerNorm
	Head   linear
}

// weightLoader pulls tensors out of a safetensors file, recording the
// first failure so the caller checks once at the end.
type weightLoader struct {
	f   *safetensors.File
	err error
}

func (l *weightLoader) mat(name string, rows, cols int) *tensor.Mat {
	if l.err != nil {
		return nil
	}
	m, err := l.f.Mat(name, rows, cols)
	if err != nil {
		l.err = err
		return nil
	}
	return m
}

func (l *weightLoader) vec(name string, n int) []float32 {
	if l.err != nil {
		return nil
	}
	v, err := l.f.Vec(name, n)
	if err != nil {
		l.err = err
		return nil
	}
	return v
}

func (l *weightLoader) linear(prefix string, out, in int) linear {
	return linear{
		W: l.mat(prefix+".weight", out, in),
		B: l.vec(prefix+".bias", out),
	}
}

func (l *weightLoader) layerNorm(prefix string, n int) layerNorm {
	return layerNorm{
		W: l.vec(prefix+".weight", n),
		B: l.vec(prefix+".bias", n),
	}
}

func loadVision(l *weightLoader, c VisionConfig, textDim int) visionWeights {
	w := visionWeights{
		PatchEmbed: l.linear(visualPrefix+"patch_embed.linear", c.Dim, c.PatchDim()),
		PosEmbed:   l.mat(visualPrefix+"pos_embed", c.NumPatches(), c.Dim),
		Blocks:     make([]visionBlock, c.Layers),
		Norm:       l.layerNorm(visualPrefix+"norm", c.Dim),
		ProjFC1:    l.linear(projPrefix+"fc1", c.ProjHidden, c.Dim),
		ProjFC2:    l.linear(projPrefix+"fc2", textDim, c.ProjHidden),
	}
	for i := range w.Blocks {
		p := fmt.Sprintf("%sblocks.%d.", visualPrefix, i)
		w.Blocks[i] = visionBlock{
			Norm1: l.layerNorm(p+"norm1", c.Dim),
			QKV:   l.linear(p+"attn.qkv", 3*c.Dim, c.Dim),
			Proj:  l.linear(p+"attn.proj", c.Dim, c.Dim),
			Norm2: l.layerNorm(p+"norm2", c.Dim),
			FC1:   l.linear(p+"mlp.fc1", c.MLPDim, c.Dim),
			FC2:   l.linear(p+"mlp.fc2", c.Dim, c.MLPDim),
		}
	}
	return w
}

func loadText(l *weightLoader, c TextConfig) textWeights {
	w := textWeights{
		Embed:  l.mat(textPrefix+"embd.wte.weight", c.VocabSize, c.Dim),
		Blocks: make([]textBlock, c.Layers),
		HeadLN: l.layerNorm(headPrefix+"ln", c.Dim),
		Head:   l.linear(headPrefix+"linear", c.VocabSize, c.Dim),
	}
	for i := range w.Blocks {
		p := fmt.Sprintf("%sh.%d.", textPrefix, i)
		w.Blocks[i] = textBlock{
			LN:      l.layerNorm(p+"ln", c.Dim),
			QKV:     l.linear(p+"mixer.Wqkv", 3*c.Dim, c.Dim),
			OutProj: l.linear(p+"mixer.out_proj", c.Dim, c.Dim),
			FC1:     l.linear(p+"mlp.fc1", c.MLPDim, c.Dim),
			FC2:     l.linear(p+"mlp.fc2", c.Dim, c.MLPDim),
		}
	}
	return w
}
