package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

// Entry is a tensor to be written. Values are encoded as DType, which must
// be F32 or F16.
type Entry struct {
	DType  string
	Shape  []int
	Values []float32
}

// Write encodes tensors in safetensors layout. Tensors are laid out in
// sorted name order.
func Write(w io.Writer, tensors map[string]Entry) error {
	names := make([]string, 0, len(tensors))
	for n := range tensors {
		names = append(names, n)
	}
	sort.Strings(names)

	header := make(map[string]tensorHeader, len(tensors))
	var off int64
	for _, n := range names {
		e := tensors[n]
		elem := 4
		switch e.DType {
		case "F32":
		case "F16":
			elem = 2
		default:
			return fmt.Errorf("tensor %s: unsupported dtype %s", n, e.DType)
		}
		count := 1
		for _, d := range e.Shape {
			count *= d
		}
		if count != len(e.Values) {
			return fmt.Errorf("tensor %s: shape %v holds %d values, got %d", n, e.Shape, count, len(e.Values))
		}
		size := int64(count * elem)
		header[n] = tensorHeader{DType: e.DType, Shape: e.Shape, DataOffsets: []int64{off, off + size}}
		off += size
	}

	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	var buf [4]byte
	for _, n := range names {
		e := tensors[n]
		for _, v := range e.Values {
			if e.DType == "F16" {
				binary.LittleEndian.PutUint16(buf[:2], float16.Fromfloat32(v).Bits())
				_, err = bw.Write(buf[:2])
			} else {
				binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
				_, err = bw.Write(buf[:])
			}
			if err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// WriteFile writes tensors to path.
func WriteFile(path string, tensors map[string]Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, tensors); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
