// Package safetensors reads .safetensors weight files. The file is memory
// mapped read-only and tensors are returned as views into the mapping, so
// half-precision weights stay in their on-disk encoding.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/moondream/internal/tensor"
)

// maxHeaderLen bounds the JSON header so a corrupt length cannot trigger a
// huge allocation.
const maxHeaderLen = 100 << 20

var ErrTensorNotFound = errors.New("safetensors: tensor not found")

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo

	data    []byte
	mmapped bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open maps path and parses its header. If mmap is unavailable the file is
// read into memory instead. The returned file must be closed.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 || size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("safetensors: invalid file size %d", size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	mmapped := err == nil
	if !mmapped {
		data = make([]byte, size)
		if _, err := io.ReadFull(f, data); err != nil {
			return nil, err
		}
	}

	sf, err := parse(path, data)
	if err != nil {
		if mmapped {
			_ = unix.Munmap(data)
		}
		return nil, err
	}
	sf.mmapped = mmapped
	return sf, nil
}

func parse(path string, data []byte) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderLen || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("safetensors: header length %d exceeds file", headerLen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("safetensors: parse header: %w", err)
	}
	delete(raw, "__metadata__")

	dataStart := int64(8 + headerLen)
	payload := int64(len(data)) - dataStart
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > payload {
			return nil, fmt.Errorf("tensor %s: offsets [%d,%d) out of range", name, start, end)
		}
		tensors[name] = TensorInfo{DType: th.DType, Shape: th.Shape, Start: start, End: end}
	}
	return &File{Path: path, DataStart: dataStart, Tensors: tensors, data: data}, nil
}

// Close releases the mapping. Views returned earlier become invalid.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	return err
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for n := range f.Tensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ReadTensor returns the raw bytes of a tensor. The slice aliases the
// mapping and must not be modified.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	if f.data == nil {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: %s is closed", f.Path)
	}
	off := f.DataStart + t.Start
	return f.data[off : off+(t.End-t.Start)], t, nil
}

// Mat returns tensor name as a matrix with the given shape. A rank-1
// tensor is accepted as a single row. Shapes that do not match are
// reported as errors.
func (f *File) Mat(name string, rows, cols int) (*tensor.Mat, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, err
	}
	if !shapeMatches(info.Shape, rows, cols) {
		return nil, fmt.Errorf("tensor %s: shape %v, expected [%d %d]", name, info.Shape, rows, cols)
	}
	dt, err := parseDType(info.DType)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	m, err := tensor.NewMatFromRaw(rows, cols, dt, raw)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return m, nil
}

// Vec returns a rank-1 tensor of length n decoded to float32.
func (f *File) Vec(name string, n int) ([]float32, error) {
	m, err := f.Mat(name, 1, n)
	if err != nil {
		return nil, err
	}
	return m.Floats(), nil
}

func shapeMatches(shape []int, rows, cols int) bool {
	switch len(shape) {
	case 1:
		return rows == 1 && shape[0] == cols
	case 2:
		return shape[0] == rows && shape[1] == cols
	case 3:
		// leading singleton batch dimension, e.g. (1, positions, dim)
		return shape[0] == 1 && shape[1] == rows && shape[2] == cols
	default:
		return false
	}
}

func parseDType(s string) (tensor.DType, error) {
	switch s {
	case "F32":
		return tensor.F32, nil
	case "F16":
		return tensor.F16, nil
	case "BF16":
		return tensor.BF16, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", s)
	}
}
