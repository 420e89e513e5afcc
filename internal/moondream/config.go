package moondream

import "fmt"

// VisionConfig describes the SigLIP image encoder and its projection into
// the text embedding space.
type VisionConfig struct {
	ImageSize  int     `json:"image_size"`
	PatchSize  int     `json:"patch_size"`
	Channels   int     `json:"channels"`
	Dim        int     `json:"dim"`
	Heads      int     `json:"heads"`
	Layers     int     `json:"layers"`
	MLPDim     int     `json:"mlp_dim"`
	ProjHidden int     `json:"proj_hidden"`
	LayerNorm  float32 `json:"layer_norm_eps"`
}

// TextConfig describes the phi-style decoder.
type TextConfig struct {
	VocabSize int     `json:"vocab_size"`
	Dim       int     `json:"dim"`
	Heads     int     `json:"heads"`
	Layers    int     `json:"layers"`
	MLPDim    int     `json:"mlp_dim"`
	RotaryDim int     `json:"rotary_dim"`
	RopeBase  float64 `json:"rope_base"`
	MaxSeqLen int     `json:"max_seq_len"`
	LayerNorm float32 `json:"layer_norm_eps"`
}

type Config struct {
	Vision VisionConfig `json:"vision"`
	Text   TextConfig   `json:"text"`
}

// V2 is the configuration of the published moondream2 checkpoints.
func V2() Config {
	return Config{
		Vision: VisionConfig{
			ImageSize:  378,
			PatchSize:  14,
			Channels:   3,
			Dim:        1152,
			Heads:      16,
			Layers:     27,
			MLPDim:     4304,
			ProjHidden: 8192,
			LayerNorm:  1e-6,
		},
		Text: TextConfig{
			VocabSize: 51200,
			Dim:       2048,
			Heads:     32,
			Layers:    24,
			MLPDim:    8192,
			RotaryDim: 32,
			RopeBase:  10000,
			MaxSeqLen: 2048,
			LayerNorm: 1e-5,
		},
	}
}

// NumPatches is the number of image embeddings produced per image.
func (c VisionConfig) NumPatches() int {
	g := c.ImageSize / c.PatchSize
	return g * g
}

// PatchDim is the flattened length of one patch.
func (c VisionConfig) PatchDim() int {
	return c.Channels * c.PatchSize * c.PatchSize
}

func (c TextConfig) HeadDim() int { return c.Dim / c.Heads }

// Validate checks that the dimensions are mutually consistent.
func (c Config) Validate() error {
	v, t := c.Vision, c.Text
	switch {
	case v.ImageSize <= 0 || v.PatchSize <= 0 || v.ImageSize%v.PatchSize != 0:
		return fmt.Errorf("image size %d is not a multiple of patch size %d", v.ImageSize, v.PatchSize)
	case v.Channels <= 0 || v.Dim <= 0 || v.Layers < 0 || v.MLPDim <= 0 || v.ProjHidden <= 0:
		return fmt.Errorf("invalid vision dimensions")
	case v.Heads <= 0 || v.Dim%v.Heads != 0:
		return fmt.Errorf("vision dim %d not divisible by %d heads", v.Dim, v.Heads)
	case t.VocabSize <= 0 || t.Dim <= 0 || t.Layers < 0 || t.MLPDim <= 0 || t.MaxSeqLen <= 0:
		return fmt.Errorf("invalid text dimensions")
	case t.Heads <= 0 || t.Dim%t.Heads != 0:
		return fmt.Errorf("text dim %d not divisible by %d heads", t.Dim, t.Heads)
	case t.RotaryDim < 0 || t.RotaryDim%2 != 0 || t.RotaryDim > t.HeadDim():
		return fmt.Errorf("rotary dim %d invalid for head dim %d", t.RotaryDim, t.HeadDim())
	}
	return nil
}
