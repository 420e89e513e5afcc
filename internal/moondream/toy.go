package moondream

import (
	"fmt"
	"math/rand"

	"github.com/samcharles93/moondream/internal/safetensors"
)

// TinyConfig is a miniature configuration with the moondream2 layout. It
// is used with ToyCheckpoint to exercise the full model without the
// published weights.
func TinyConfig() Config {
	return Config{
		Vision: VisionConfig{
			ImageSize:  28,
			PatchSize:  14,
			Channels:   3,
			Dim:        8,
			Heads:      2,
			Layers:     1,
			MLPDim:     16,
			ProjHidden: 16,
			LayerNorm:  1e-6,
		},
		Text: TextConfig{
			VocabSize: 257,
			Dim:       16,
			Heads:     2,
			Layers:    2,
			MLPDim:    32,
			RotaryDim: 4,
			RopeBase:  10000,
			MaxSeqLen: 64,
			LayerNorm: 1e-5,
		},
	}
}

// ToyCheckpoint returns reproducible random weights for cfg, keyed by the
// checkpoint tensor names. Matrices are stored as F16 and vectors as F32.
func ToyCheckpoint(cfg Config, seed int64) map[string]safetensors.Entry {
	rng := rand.New(rand.NewSource(seed))
	out := make(map[string]safetensors.Entry)
	matrix := func(name string, shape ...int) {
		n := 1
		for _, d := range shape {
			n *= d
		}
		v := make([]float32, n)
		for i := range v {
			v[i] = float32(rng.NormFloat64() * 0.2)
		}
		out[name] = safetensors.Entry{DType: "F16", Shape: shape, Values: v}
	}
	vector := func(name string, n int, center float32) {
		v := make([]float32, n)
		for i := range v {
			v[i] = center + float32(rng.NormFloat64()*0.05)
		}
		out[name] = safetensors.Entry{DType: "F32", Shape: []int{n}, Values: v}
	}
	linear := func(prefix string, o, i int) {
		matrix(prefix+".weight", o, i)
		vector(prefix+".bias", o, 0)
	}
	norm := func(prefix string, n int) {
		vector(prefix+".weight", n, 1)
		vector(prefix+".bias", n, 0)
	}

	v, t := cfg.Vision, cfg.Text
	linear(visualPrefix+"patch_embed.linear", v.Dim, v.PatchDim())
	matrix(visualPrefix+"pos_embed", 1, v.NumPatches(), v.Dim)
	for i := 0; i < v.Layers; i++ {
		p := fmt.Sprintf("%sblocks.%d.", visualPrefix, i)
		norm(p+"norm1", v.Dim)
		linear(p+"attn.qkv", 3*v.Dim, v.Dim)
		linear(p+"attn.proj", v.Dim, v.Dim)
		norm(p+"norm2", v.Dim)
		linear(p+"mlp.fc1", v.MLPDim, v.Dim)
		linear(p+"mlp.fc2", v.Dim, v.MLPDim)
	}
	norm(visualPrefix+"norm", v.Dim)
	linear(projPrefix+"fc1", v.ProjHidden, v.Dim)
	linear(projPrefix+"fc2", t.Dim, v.ProjHidden)

	matrix(textPrefix+"embd.wte.weight", t.VocabSize, t.Dim)
	for i := 0; i < t.Layers; i++ {
		p := fmt.Sprintf("%sh.%d.", textPrefix, i)
		norm(p+"ln", t.Dim)
		linear(p+"mixer.Wqkv", 3*t.Dim, t.Dim)
		linear(p+"mixer.out_proj", t.Dim, t.Dim)
		linear(p+"mlp.fc1", t.MLPDim, t.Dim)
		linear(p+"mlp.fc2", t.Dim, t.MLPDim)
	}
	norm(headPrefix+"ln", t.Dim)
	linear(headPrefix+"linear", t.VocabSize, t.Dim)
	return out
}

// WriteToyCheckpoint writes ToyCheckpoint(cfg, seed) to path.
func WriteToyCheckpoint(path string, cfg Config, seed int64) error {
	return safetensors.WriteFile(path, ToyCheckpoint(cfg, seed))
}
