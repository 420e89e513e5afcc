package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/x448/float16"
)

// DType describes how the elements of a Mat are encoded.
type DType int

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// ElemSize returns the number of bytes per element.
func (d DType) ElemSize() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

// Mat represents a dense row-major matrix.
//
// For F32 matrices Data holds the values. For F16 and BF16 matrices Raw
// holds the little-endian encoded elements (typically a slice of a memory
// mapped weight file) and rows are decoded on the fly, so half-precision
// weights are never expanded in host memory.
type Mat struct {
	R, C  int
	DType DType
	Data  []float32
	Raw   []byte
}

// NewMat allocates a zeroed F32 matrix.
func NewMat(r, c int) *Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return &Mat{R: r, C: c, DType: F32, Data: make([]float32, r*c)}
}

// NewMatFromData wraps existing F32 data. len(data) must equal r*c.
func NewMatFromData(r, c int, data []float32) *Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return &Mat{R: r, C: c, DType: F32, Data: data}
}

// NewMatFromRaw creates a matrix backed by raw bytes in the provided dtype.
// F32 input is decoded into Data; half-precision input is kept as-is.
func NewMatFromRaw(r, c int, dtype DType, raw []byte) (*Mat, error) {
	if r < 0 || c < 0 {
		return nil, errNegativeDim
	}
	elemSize := dtype.ElemSize()
	if elemSize == 0 {
		return nil, errUnsupportedDType
	}
	want := r * c
	if r != 0 && want/r != c {
		return nil, errMatTooLarge
	}
	if len(raw) != want*elemSize {
		return nil, errRawSizeMismatch
	}
	if dtype == F32 {
		data := make([]float32, want)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return &Mat{R: r, C: c, DType: F32, Data: data}, nil
	}
	return &Mat{R: r, C: c, DType: dtype, Raw: raw}, nil
}

// Row returns row i. For F32 matrices the slice aliases the matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if m.DType == F32 {
		return m.Data[i*m.C : (i+1)*m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// RowTo decodes row i into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	switch m.DType {
	case F32:
		copy(dst[:m.C], m.Data[i*m.C:(i+1)*m.C])
	case F16:
		off := i * m.C * 2
		for j := 0; j < m.C; j++ {
			dst[j] = fp16ToF32(u16le(m.Raw, off+j*2))
		}
	case BF16:
		off := i * m.C * 2
		for j := 0; j < m.C; j++ {
			dst[j] = bf16ToF32(u16le(m.Raw, off+j*2))
		}
	default:
		panic("unsupported dtype for row decode")
	}
}

// Floats returns all elements decoded to float32.
func (m *Mat) Floats() []float32 {
	if m.DType == F32 {
		return m.Data
	}
	out := make([]float32, m.R*m.C)
	for i := 0; i < m.R; i++ {
		m.RowTo(out[i*m.C:], i)
	}
	return out
}

// Clone returns a deep F32 copy.
func (m *Mat) Clone() *Mat {
	data := append([]float32(nil), m.Floats()...)
	return &Mat{R: m.R, C: m.C, DType: F32, Data: data}
}

// FillRand fills an F32 matrix with reproducible values in (-0.01, 0.01).
func FillRand(m *Mat, seed int64) {
	if m.DType != F32 {
		panic("FillRand only supports f32 mats")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}

var (
	errNegativeDim      = fmtError("negative dimension for matrix")
	errUnsupportedDType = fmtError("unsupported dtype for raw matrix")
	errMatTooLarge      = fmtError("matrix too large")
	errRawSizeMismatch  = fmtError("raw data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }

var (
	fp16Table     [1 << 16]float32
	fp16TableOnce sync.Once
)

func fp16ToF32(u uint16) float32 {
	fp16TableOnce.Do(func() {
		for i := range fp16Table {
			fp16Table[i] = float16.Frombits(uint16(i)).Float32()
		}
	})
	return fp16Table[u]
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func u16le(b []byte, off int) uint16 {
	return uint16(b[off]) | uint16(b[off+1])<<8
}
