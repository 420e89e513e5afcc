package tensor

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var maxWorkers atomic.Int32

// SetWorkers caps the goroutines used per kernel. n <= 0 restores the
// default of GOMAXPROCS.
func SetWorkers(n int) {
	maxWorkers.Store(int32(max(n, 0)))
}

// Workers reports the current goroutine cap.
func Workers() int {
	if n := int(maxWorkers.Load()); n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}

// parallelThreshold is the number of multiply-adds below which kernels stay
// on the calling goroutine.
const parallelThreshold = 1 << 15

// MatVec computes dst = w * x. Rows are split across Workers() goroutines
// when the matrix is large enough.
func MatVec(dst []float32, w *Mat, x []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec shape mismatch")
	}
	parallelRows(w.R, w.R*w.C, func(rs, re int) {
		matVecRange(dst, w, x, rs, re)
	})
}

// Linear computes dst = w*x + b. b may be nil.
func Linear(dst []float32, w *Mat, b []float32, x []float32) {
	MatVec(dst, w, x)
	if b != nil {
		Add(dst[:w.R], b)
	}
}

// LinearRows applies Linear to every row of x, writing rows of the result.
// x has shape (n, w.C); the result has shape (n, w.R). Each weight row is
// decoded once and reused for the whole batch.
func LinearRows(w *Mat, b []float32, x *Mat) *Mat {
	if x.C != w.C {
		panic("linear rows shape mismatch")
	}
	out := NewMat(x.R, w.R)
	if x.R == 0 || w.R == 0 {
		return out
	}
	xs := x.Floats()
	parallelRows(w.R, x.R*w.R*w.C, func(rs, re int) {
		var buf []float32
		if w.DType != F32 {
			buf = make([]float32, w.C)
		}
		for j := rs; j < re; j++ {
			var wr []float32
			if w.DType == F32 {
				wr = w.Data[j*w.C : (j+1)*w.C]
			} else {
				w.RowTo(buf, j)
				wr = buf
			}
			var bias float32
			if b != nil {
				bias = b[j]
			}
			for i := 0; i < x.R; i++ {
				out.Data[i*w.R+j] = Dot(wr, xs[i*x.C:(i+1)*x.C]) + bias
			}
		}
	})
	return out
}

func parallelRows(rows, work int, fn func(rs, re int)) {
	workers := Workers()
	if workers > rows {
		workers = rows
	}
	if workers <= 1 || work < parallelThreshold {
		fn(0, rows)
		return
	}
	chunk := (rows + workers - 1) / workers
	var g errgroup.Group
	for rs := 0; rs < rows; rs += chunk {
		re := min(rs+chunk, rows)
		g.Go(func() error {
			fn(rs, re)
			return nil
		})
	}
	_ = g.Wait()
}

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int) {
	switch w.DType {
	case F32:
		for i := rs; i < re; i++ {
			dst[i] = Dot(w.Data[i*w.C:(i+1)*w.C], x[:w.C])
		}
	case F16:
		matVecRangeHalf(dst, w, x, rs, re, fp16ToF32)
	case BF16:
		matVecRangeHalf(dst, w, x, rs, re, bf16ToF32)
	default:
		panic("unsupported dtype for matvec")
	}
}

func matVecRangeHalf(dst []float32, w *Mat, x []float32, rs, re int, decode func(uint16) float32) {
	raw := w.Raw
	rowBytes := w.C * 2
	for i := rs; i < re; i++ {
		off := i * rowBytes
		if w.C > 0 {
			_ = raw[off+rowBytes-1]
		}
		var sum float32
		j := 0
		for ; j+3 < w.C; j += 4 {
			o := off + j*2
			sum += decode(u16le(raw, o))*x[j] +
				decode(u16le(raw, o+2))*x[j+1] +
				decode(u16le(raw, o+4))*x[j+2] +
				decode(u16le(raw, o+6))*x[j+3]
		}
		for ; j < w.C; j++ {
			sum += decode(u16le(raw, off+j*2)) * x[j]
		}
		dst[i] = sum
	}
}
