package npz

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/samcharles93/vitptq/internal/tensor"
)

var npyMagic = []byte("\x93NUMPY")

// npyAlign is the alignment numpy uses for the end of the header.
const npyAlign = 64

var descrs = map[tensor.DType]string{
	tensor.Float32: "<f4",
	tensor.Int64:   "<i8",
	tensor.Int32:   "<i4",
	tensor.Int8:    "|i1",
	tensor.Uint8:   "|u1",
}

func dtypeOf(descr string) (tensor.DType, bool) {
	// Single-byte types are written with either byte-order marker.
	switch descr {
	case "<i1", "|i1", "i1":
		return tensor.Int8, true
	case "<u1", "|u1", "u1":
		return tensor.Uint8, true
	}
	for dt, d := range descrs {
		if d == descr {
			return dt, true
		}
	}
	return 0, false
}

// Descr returns the numpy dtype string for dt, e.g. "<f4".
func Descr(dt tensor.DType) string { return descrs[dt] }

func shapeLiteral(shape []int) string {
	switch len(shape) {
	case 0:
		return "()"
	case 1:
		return fmt.Sprintf("(%d,)", shape[0])
	}
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// writeNPY encodes t in the .npy 1.0 format.
func writeNPY(w io.Writer, t *tensor.Tensor) error {
	descr, ok := descrs[t.DType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedDType, t.DType)
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shapeLiteral(t.Shape))
	// magic(6) + version(2) + length(2) + header + '\n'
	pad := npyAlign - (10+len(header)+1)%npyAlign
	if pad == npyAlign {
		pad = 0
	}
	header += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.Grow(10 + len(header) + t.Len()*t.DType.Size())
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)

	var scratch [8]byte
	switch t.DType {
	case tensor.Float32:
		for _, v := range t.F32 {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(v))
			buf.Write(scratch[:4])
		}
	case tensor.Int64:
		for _, v := range t.I64 {
			binary.LittleEndian.PutUint64(scratch[:], uint64(v))
			buf.Write(scratch[:8])
		}
	case tensor.Int32:
		for _, v := range t.I32 {
			binary.LittleEndian.PutUint32(scratch[:], uint32(v))
			buf.Write(scratch[:4])
		}
	case tensor.Int8:
		for _, v := range t.I8 {
			buf.WriteByte(byte(v))
		}
	case tensor.Uint8:
		buf.Write(t.U8)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// npyHeader is the parsed header of a .npy entry.
type npyHeader struct {
	DType tensor.DType
	Shape []int
}

func readHeader(r io.Reader) (npyHeader, error) {
	var pre [8]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return npyHeader{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if !bytes.Equal(pre[:6], npyMagic) {
		return npyHeader{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	var hlen int
	switch pre[6] {
	case 1:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return npyHeader{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		hlen = int(binary.LittleEndian.Uint16(b[:]))
	case 2, 3:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return npyHeader{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		hlen = int(binary.LittleEndian.Uint32(b[:]))
	default:
		return npyHeader{}, fmt.Errorf("%w: npy version %d.%d", ErrCorrupt, pre[6], pre[7])
	}
	raw := make([]byte, hlen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return npyHeader{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return parseHeader(string(raw))
}

// parseHeader reads the python dict literal of a .npy header.
func parseHeader(h string) (npyHeader, error) {
	descr, err := dictValue(h, "descr")
	if err != nil {
		return npyHeader{}, err
	}
	descr = strings.Trim(descr, "'\"")
	dt, ok := dtypeOf(descr)
	if !ok {
		return npyHeader{}, fmt.Errorf("%w: %s", ErrUnsupportedDType, descr)
	}
	order, err := dictValue(h, "fortran_order")
	if err != nil {
		return npyHeader{}, err
	}
	if order != "False" {
		return npyHeader{}, fmt.Errorf("%w: fortran order arrays", ErrUnsupportedDType)
	}
	lit, err := dictValue(h, "shape")
	if err != nil {
		return npyHeader{}, err
	}
	lit = strings.TrimSpace(lit)
	if !strings.HasPrefix(lit, "(") || !strings.HasSuffix(lit, ")") {
		return npyHeader{}, fmt.Errorf("%w: shape %q", ErrCorrupt, lit)
	}
	shape := []int{}
	for _, part := range strings.Split(lit[1:len(lit)-1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(strings.TrimSuffix(part, "L"))
		if err != nil || d < 0 {
			return npyHeader{}, fmt.Errorf("%w: shape %q", ErrCorrupt, lit)
		}
		shape = append(shape, d)
	}
	return npyHeader{DType: dt, Shape: shape}, nil
}

// dictValue extracts the raw value of key from a flat python dict literal.
func dictValue(h, key string) (string, error) {
	i := strings.Index(h, "'"+key+"'")
	if i < 0 {
		return "", fmt.Errorf("%w: header has no %s", ErrCorrupt, key)
	}
	rest := h[i+len(key)+2:]
	j := strings.Index(rest, ":")
	if j < 0 {
		return "", fmt.Errorf("%w: header has no value for %s", ErrCorrupt, key)
	}
	rest = strings.TrimSpace(rest[j+1:])
	if strings.HasPrefix(rest, "(") {
		end := strings.Index(rest, ")")
		if end < 0 {
			return "", fmt.Errorf("%w: unterminated %s", ErrCorrupt, key)
		}
		return rest[:end+1], nil
	}
	end := strings.IndexAny(rest, ",}")
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated %s", ErrCorrupt, key)
	}
	return strings.TrimSpace(rest[:end]), nil
}

func readNPY(r io.Reader) (*tensor.Tensor, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	t := tensor.New(h.DType, h.Shape...)
	raw := make([]byte, t.Len()*h.DType.Size())
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: data: %w", ErrCorrupt, err)
	}
	switch h.DType {
	case tensor.Float32:
		for i := range t.F32 {
			t.F32[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case tensor.Int64:
		for i := range t.I64 {
			t.I64[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case tensor.Int32:
		for i := range t.I32 {
			t.I32[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case tensor.Int8:
		for i := range t.I8 {
			t.I8[i] = int8(raw[i])
		}
	case tensor.Uint8:
		copy(t.U8, raw)
	}
	return t, nil
}
