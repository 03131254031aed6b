// Package safetensors reads and writes checkpoints in the safetensors
// layout: an 8-byte little-endian header length, a JSON header describing
// every tensor, then the raw tensor bytes.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"
	"github.com/x448/float16"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/vitptq/internal/tensor"
)

var (
	ErrCorruptFile     = errors.New("safetensors: corrupt file")
	ErrTensorNotFound  = errors.New("safetensors: tensor not found")
	ErrUnsupportedType = errors.New("safetensors: unsupported dtype")
)

// maxHeaderLen bounds the JSON header read from untrusted files.
const maxHeaderLen = 100 << 20

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an open safetensors file. Tensor bytes are served from a read-only
// mapping when the platform allows it and from a heap copy otherwise.
type File struct {
	Path     string
	Tensors  map[string]TensorInfo
	Metadata map[string]string

	data    []byte
	mapping []byte
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open maps path and parses its header. The returned file must be closed.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size < 8 || size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: %s has size %d", ErrCorruptFile, path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	mmapped := err == nil
	if !mmapped {
		data = make([]byte, size)
		if _, err := io.ReadFull(io.NewSectionReader(f, 0, size), data); err != nil {
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
	if mmapped {
		sf.mapping = data
	}
	return sf, nil
}

func parse(path string, data []byte) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderLen || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header length %d", ErrCorruptFile, headerLen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorruptFile, err)
	}

	sf := &File{Path: path, Tensors: make(map[string]TensorInfo, len(raw))}
	if meta, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &sf.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %w", ErrCorruptFile, err)
		}
		delete(raw, "__metadata__")
	}
	body := data[8+headerLen:]
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %w", ErrCorruptFile, name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[0] < 0 || th.DataOffsets[1] < th.DataOffsets[0] || th.DataOffsets[1] > int64(len(body)) {
			return nil, fmt.Errorf("%w: tensor %s: invalid data_offsets %v", ErrCorruptFile, name, th.DataOffsets)
		}
		sf.Tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	sf.data = body
	return sf, nil
}

// Close releases the mapping.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mapping != nil {
		err = unix.Munmap(f.mapping)
	}
	f.data = nil
	f.mapping = nil
	return err
}

// Names lists tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Raw returns the bytes of tensor name. The slice aliases the mapping and is
// invalid after Close.
func (f *File) Raw(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return f.data[t.Start:t.End], t, nil
}

// ReadTensor decodes tensor name into a tensor that owns its data. Float
// types decode to float32; integer types to int64.
func (f *File) ReadTensor(name string) (*tensor.Tensor, error) {
	raw, info, err := f.Raw(name)
	if err != nil {
		return nil, err
	}
	n := tensor.NumElements(info.Shape)
	size, ok := dtypeSize[info.DType]
	if !ok {
		return nil, fmt.Errorf("%w: %s for %s", ErrUnsupportedType, info.DType, name)
	}
	if len(raw) != n*size {
		return nil, fmt.Errorf("%w: tensor %s has %d bytes for %v %s", ErrCorruptFile, name, len(raw), info.Shape, info.DType)
	}
	switch info.DType {
	case "F32":
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return tensor.FromFloat32(info.Shape, out), nil
	case "F64":
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
		return tensor.FromFloat32(info.Shape, out), nil
	case "F16":
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return tensor.FromFloat32(info.Shape, out), nil
	case "BF16":
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
		return tensor.FromFloat32(info.Shape, out), nil
	case "I64":
		out := make([]int64, n)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		}
		return tensor.FromInt64(info.Shape, out), nil
	case "I32":
		out := make([]int64, n)
		for i := range out {
			out[i] = int64(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
		return tensor.FromInt64(info.Shape, out), nil
	}
	return nil, fmt.Errorf("%w: %s for %s", ErrUnsupportedType, info.DType, name)
}

// ReadAll decodes every tensor in the file.
func (f *File) ReadAll() (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor, len(f.Tensors))
	for _, name := range f.Names() {
		t, err := f.ReadTensor(name)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

var dtypeSize = map[string]int{"F32": 4, "F64": 8, "F16": 2, "BF16": 2, "I64": 8, "I32": 4}

// Write stores tensors at path in sorted name order. Float32 tensors are
// written as F32 and int64 tensors as I64.
func Write(path string, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var body []byte
	for _, name := range names {
		t := tensors[name]
		start := int64(len(body))
		var dtype string
		switch t.DType {
		case tensor.Float32:
			dtype = "F32"
			for _, v := range t.F32 {
				body = binary.LittleEndian.AppendUint32(body, math.Float32bits(v))
			}
		case tensor.Int64:
			dtype = "I64"
			for _, v := range t.I64 {
				body = binary.LittleEndian.AppendUint64(body, uint64(v))
			}
		default:
			return fmt.Errorf("%w: %s for %s", ErrUnsupportedType, t.DType, name)
		}
		header[name] = tensorHeader{DType: dtype, Shape: t.Shape, DataOffsets: []int64{start, int64(len(body))}}
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// Pad the header so the body starts 8-byte aligned.
	for len(hb)%8 != 0 {
		hb = append(hb, ' ')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".safetensors-*")
	if err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	for _, chunk := range [][]byte{lenBuf[:], hb, body} {
		if _, err := tmp.Write(chunk); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
