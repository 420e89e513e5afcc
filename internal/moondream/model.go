// Package moondream implements the moondream2 vision-language model: a
// SigLIP image encoder whose patch embeddings prefix the input of a
// phi-style causal decoder.
package moondream

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/moondream/internal/errdefs"
	"github.com/samcharles93/moondream/internal/safetensors"
	"github.com/samcharles93/moondream/internal/tensor"
)

// Model holds immutable weights. It is safe for concurrent use; per-run
// decoding state lives in a Session.
type Model struct {
	Config Config

	file    *safetensors.File
	vision  visionWeights
	text    textWeights
	invFreq []float64
}

// Load memory-maps a safetensors checkpoint and binds it to cfg.
func Load(path string, cfg Config) (*Model, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, errdefs.ModelLoad("open weights", err)
	}
	m, err := FromFile(f, cfg)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return m, nil
}

// FromFile binds weights from an open file. The model takes ownership of f
// and releases it in Close.
func FromFile(f *safetensors.File, cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errdefs.ModelLoad("validate config", err)
	}
	l := &weightLoader{f: f}
	vision := loadVision(l, cfg.Vision, cfg.Text.Dim)
	text := loadText(l, cfg.Text)
	if l.err != nil {
		return nil, errdefs.ModelLoad("bind weights", l.err)
	}
	return &Model{
		Config:  cfg,
		file:    f,
		vision:  vision,
		text:    text,
		invFreq: tensor.RoPEInvFreq(cfg.Text.RotaryDim, cfg.Text.RopeBase),
	}, nil
}

// Close releases the weight mapping. No Session of the model may be used
// afterwards.
func (m *Model) Close() error {
	if m == nil || m.file == nil {
		return nil
	}
	return m.file.Close()
}

// NewSession returns an empty decoding session.
func (m *Model) NewSession() *Session {
	return &Session{
		model: m,
		cache: make([]kvCache, m.Config.Text.Layers),
	}
}

// EncodeImage turns a normalised (C, H, W) image into one text-space
// embedding per patch, shaped (patches, text dim).
func (m *Model) EncodeImage(img *tensor.Tensor3) (emb *tensor.Mat, err error) {
	defer recoverTensor(&err, "encode image")

	c := m.Config.Vision
	if img == nil || img.C != c.Channels || img.H != c.ImageSize || img.W != c.ImageSize {
		var got []int
		if img != nil {
			got = img.Shape()
		}
		return nil, errdefs.Tensor("encode image", fmt.Errorf("image shape %v, expected [%d %d %d]", got, c.Channels, c.ImageSize, c.ImageSize))
	}
	patches, err := img.Patches(c.PatchSize)
	if err != nil {
		return nil, errdefs.Tensor("encode image", err)
	}

	w := &m.vision
	x := w.PatchEmbed.rows(patches)
	pos := make([]float32, c.Dim)
	for i := 0; i < x.R; i++ {
		w.PosEmbed.RowTo(pos, i)
		tensor.Add(x.Row(i), pos)
	}

	headDim := c.Dim / c.Heads
	for i := range w.Blocks {
		b := &w.Blocks[i]
		h := b.Norm1.rows(x, c.LayerNorm)
		qkv := b.QKV.rows(h)
		attn := bidirectionalAttention(qkv, c.Heads, headDim)
		addRows(x, b.Proj.rows(attn))

		h = b.Norm2.rows(x, c.LayerNorm)
		f := b.FC1.rows(h)
		tensor.GeluTanh(f.Data)
		addRows(x, b.FC2.rows(f))
	}
	x = w.Norm.rows(x, c.LayerNorm)

	p := w.ProjFC1.rows(x)
	tensor.GeluTanh(p.Data)
	return w.ProjFC2.rows(p), nil
}

// bidirectionalAttention runs unmasked multi-head attention over packed
// (n, 3*dim) q/k/v rows and returns (n, dim).
func bidirectionalAttention(qkv *tensor.Mat, heads, headDim int) *tensor.Mat {
	n := qkv.R
	dim := heads * headDim
	out := tensor.NewMat(n, dim)
	scale := float32(1 / math.Sqrt(float64(headDim)))

	var g errgroup.Group
	g.SetLimit(tensor.Workers())
	for h := 0; h < heads; h++ {
		g.Go(func() error {
			scores := make([]float32, n)
			qo, ko, vo := h*headDim, dim+h*headDim, 2*dim+h*headDim
			for i := 0; i < n; i++ {
				q := qkv.Row(i)[qo : qo+headDim]
				for j := 0; j < n; j++ {
					scores[j] = tensor.Dot(q, qkv.Row(j)[ko:ko+headDim]) * scale
				}
				tensor.Softmax(scores)
				dst := out.Row(i)[h*headDim : (h+1)*headDim]
				for j := 0; j < n; j++ {
					v := qkv.Row(j)[vo : vo+headDim]
					s := scores[j]
					for d := range dst {
						dst[d] += s * v[d]
					}
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func addRows(dst, src *tensor.Mat) {
	tensor.Add(dst.Data, src.Data)
}

func recoverTensor(err *error, op string) {
	if rec := recover(); rec != nil {
		*err = errdefs.Tensor(op, fmt.Errorf("panic: %v", rec))
	}
}
