package tensor

import "fmt"

// Tensor3 is a dense rank-3 float32 tensor in (C, H, W) order.
type Tensor3 struct {
	C, H, W int
	Data    []float32
}

func NewTensor3(c, h, w int) *Tensor3 {
	return &Tensor3{C: c, H: h, W: w, Data: make([]float32, c*h*w)}
}

// Shape returns the dimensions as a slice.
func (t *Tensor3) Shape() []int { return []int{t.C, t.H, t.W} }

func (t *Tensor3) At(c, y, x int) float32 {
	return t.Data[(c*t.H+y)*t.W+x]
}

func (t *Tensor3) Set(c, y, x int, v float32) {
	t.Data[(c*t.H+y)*t.W+x] = v
}

// Patches cuts the tensor into non-overlapping p x p patches in raster
// order. Each patch becomes one row laid out as (c, py, px), giving a
// matrix of shape (H/p * W/p, C*p*p).
func (t *Tensor3) Patches(p int) (*Mat, error) {
	if p <= 0 || t.H%p != 0 || t.W%p != 0 {
		return nil, fmt.Errorf("image %dx%d is not divisible into %d-pixel patches", t.H, t.W, p)
	}
	gh, gw := t.H/p, t.W/p
	out := NewMat(gh*gw, t.C*p*p)
	for gy := 0; gy < gh; gy++ {
		for gx := 0; gx < gw; gx++ {
			row := out.Row(gy*gw + gx)
			k := 0
			for c := 0; c < t.C; c++ {
				for py := 0; py < p; py++ {
					for px := 0; px < p; px++ {
						row[k] = t.At(c, gy*p+py, gx*p+px)
						k++
					}
				}
			}
		}
	}
	return out, nil
}
