package fixture

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Case is one decoded test case.
type Case struct {
	Index      int
	Op         string
	Attributes map[string]Scalar
	Tensors    map[string]*tensor.View
}

// AttributeNames returns the attribute names in sorted order.
func (c *Case) AttributeNames() []string {
	return sortedKeys(c.Attributes)
}

// TensorNames returns the tensor names in sorted order.
func (c *Case) TensorNames() []string {
	return sortedKeys(c.Tensors)
}

// File is a decoded fixture. Metadata holds every key/value pair,
// including keys the decoder does not interpret.
type File struct {
	Version  uint32
	Metadata map[string]any
	Cases    []*Case
}

// RunID returns the run identifier recorded by the writer, if any.
func (f *File) RunID() string {
	s, _ := f.Metadata[KeyRunID].(string)
	return s
}

// TensorInfo is a GGUF tensor header.
type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   GGMLType
	Offset uint64
}

// ReadFile decodes the fixture at path.
func ReadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fixture: open %s: %w", path, err)
	}

	defer func() {
		_ = f.Close()
	}()

	file, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("fixture: %s: %w", path, err)
	}

	return file, nil
}

// Decode parses a GGUF v3 stream and groups its keys into cases.
func Decode(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("fixture: read: %w", err)
	}

	d := &decoder{data: data}

	magic := d.u32()
	if d.err == nil && magic != Magic {
		return nil, fmt.Errorf("fixture: invalid magic 0x%08x", magic)
	}

	version := d.u32()
	if d.err == nil && version != Version {
		return nil, fmt.Errorf("fixture: unsupported GGUF version %d", version)
	}

	tensorCount := d.u64()
	kvCount := d.u64()

	meta := make(map[string]any)
	for i := uint64(0); i < kvCount && d.err == nil; i++ {
		key := d.str()
		typ := ValueType(d.u32())
		meta[key] = d.value(typ, 0)
	}

	infos := make(map[string]TensorInfo)
	for i := uint64(0); i < tensorCount && d.err == nil; i++ {
		info := TensorInfo{Name: d.str()}

		nd := d.u32()
		if d.err == nil && nd > 8 {
			return nil, fmt.Errorf("fixture: tensor %q has %d dimensions", info.Name, nd)
		}

		for range nd {
			info.Dims = append(info.Dims, d.u64())
		}

		info.Type = GGMLType(d.u32())
		info.Offset = d.u64()
		infos[info.Name] = info
	}

	if d.err != nil {
		return nil, fmt.Errorf("fixture: header: %w", d.err)
	}

	alignment := uint64(DefaultAlignment)
	if a, ok := meta[KeyAlignment].(uint32); ok && a > 0 {
		alignment = uint64(a)
	}

	dataStart := (d.off + alignment - 1) / alignment * alignment

	file := &File{Version: version, Metadata: meta}

	cases, err := groupCases(meta, infos, data, dataStart)
	if err != nil {
		return nil, err
	}

	file.Cases = cases

	return file, nil
}

func groupCases(meta map[string]any, infos map[string]TensorInfo, data []byte, dataStart uint64) ([]*Case, error) {
	byIndex := make(map[int]*Case)

	caseAt := func(i int) *Case {
		c, ok := byIndex[i]
		if !ok {
			c = &Case{Index: i, Attributes: map[string]Scalar{}, Tensors: map[string]*tensor.View{}}
			byIndex[i] = c
		}

		return c
	}

	tensorNames := make(map[int][]string)

	for key, val := range meta {
		idx, field, ok := splitCaseKey(key)
		if !ok {
			continue
		}

		switch {
		case field == "op_name":
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("fixture: %s is %T, want string", key, val)
			}

			caseAt(idx).Op = s
		case strings.HasPrefix(field, "attributes."):
			name := strings.TrimPrefix(field, "attributes.")
			switch v := val.(type) {
			case float32:
				caseAt(idx).Attributes[name] = Float32(v)
			case int32:
				caseAt(idx).Attributes[name] = Int32(v)
			default:
				return nil, fmt.Errorf("fixture: attribute %s is %T, want float32 or int32", key, val)
			}
		case strings.HasPrefix(field, "tensors.") && strings.HasSuffix(field, ".shape"):
			name := strings.TrimSuffix(strings.TrimPrefix(field, "tensors."), ".shape")
			tensorNames[idx] = append(tensorNames[idx], name)
		}
	}

	count := len(byIndex)
	if n, ok := meta[KeyTestCount].(uint64); ok {
		if n > uint64(len(byIndex)) {
			return nil, fmt.Errorf("fixture: %s is %d but the file describes %d cases", KeyTestCount, n, len(byIndex))
		}

		count = int(n)
	}

	cases := make([]*Case, 0, count)

	for i := range count {
		c, ok := byIndex[i]
		if !ok || c.Op == "" {
			return nil, fmt.Errorf("fixture: case %d has no operator name", i)
		}

		for _, name := range tensorNames[i] {
			v, err := decodeTensor(meta, infos, data, dataStart, i, name)
			if err != nil {
				return nil, err
			}

			c.Tensors[name] = v
		}

		cases = append(cases, c)
	}

	return cases, nil
}

func decodeTensor(meta map[string]any, infos map[string]TensorInfo, data []byte, dataStart uint64, idx int, name string) (*tensor.View, error) {
	dataName := tensorKey(idx, name, "data")

	info, ok := infos[dataName]
	if !ok {
		return nil, fmt.Errorf("fixture: case %d tensor %q has no data", idx, name)
	}

	dtype, err := DTypeOf(info.Type)
	if err != nil {
		return nil, fmt.Errorf("fixture: case %d tensor %q: %w", idx, name, err)
	}

	if code, ok := meta[tensorKey(idx, name, "dtype")].(uint32); ok {
		dtype = tensor.DType(code)
	}

	if !dtype.Supported() {
		return nil, fmt.Errorf("fixture: case %d tensor %q: %w %s", idx, name, ErrUnsupportedDType, dtype)
	}

	shape, err := intArray(meta[tensorKey(idx, name, "shape")])
	if err != nil {
		return nil, fmt.Errorf("fixture: case %d tensor %q shape: %w", idx, name, err)
	}

	n := 1
	for _, dim := range shape {
		n *= dim
	}

	start := dataStart + info.Offset
	end := start + uint64(n*dtype.Size())

	if end > uint64(len(data)) || start > end {
		return nil, fmt.Errorf("fixture: case %d tensor %q data [%d, %d) exceeds file size %d", idx, name, start, end, len(data))
	}

	v, err := tensor.New(dtype, shape, nil, slices.Clone(data[start:end]))
	if err != nil {
		return nil, fmt.Errorf("fixture: case %d tensor %q: %w", idx, name, err)
	}

	raw, ok := meta[tensorKey(idx, name, "strides")]
	if !ok {
		return v, nil
	}

	strides, err := intArray(raw)
	if err != nil {
		return nil, fmt.Errorf("fixture: case %d tensor %q strides: %w", idx, name, err)
	}

	if slices.Equal(strides, tensor.ContiguousStrides(shape)) {
		return v, nil
	}

	return v.Rearrange(strides)
}

// splitCaseKey splits "test.{i}.{field}".
func splitCaseKey(key string) (int, string, bool) {
	rest, ok := strings.CutPrefix(key, "test.")
	if !ok {
		return 0, "", false
	}

	num, field, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, "", false
	}

	idx, err := strconv.Atoi(num)
	if err != nil || idx < 0 {
		return 0, "", false
	}

	return idx, field, true
}

func intArray(v any) ([]int, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("want array, got %T", v)
	}

	out := make([]int, len(arr))

	for i, x := range arr {
		switch n := x.(type) {
		case uint64:
			out[i] = int(n)
		case int64:
			out[i] = int(n)
		case uint32:
			out[i] = int(n)
		case int32:
			out[i] = int(n)
		default:
			return nil, fmt.Errorf("element %d is %T", i, x)
		}
	}

	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

var errTruncated = errors.New("unexpected end of data")

// decoder reads little-endian GGUF primitives from a byte slice and
// remembers the first error.
type decoder struct {
	data []byte
	off  uint64
	err  error
}

func (d *decoder) take(n uint64) []byte {
	if d.err != nil {
		return nil
	}

	if n > uint64(len(d.data))-d.off {
		d.err = errTruncated
		return nil
	}

	b := d.data[d.off : d.off+n]
	d.off += n

	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}

	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}

	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}

	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}

	return 0
}

func (d *decoder) str() string {
	n := d.u64()
	return string(d.take(n))
}

func (d *decoder) value(typ ValueType, depth int) any {
	switch typ {
	case ValueTypeUint8:
		return d.u8()
	case ValueTypeInt8:
		return int8(d.u8())
	case ValueTypeUint16:
		return d.u16()
	case ValueTypeInt16:
		return int16(d.u16())
	case ValueTypeUint32:
		return d.u32()
	case ValueTypeInt32:
		return int32(d.u32())
	case ValueTypeFloat32:
		return math.Float32frombits(d.u32())
	case ValueTypeBool:
		return d.u8() != 0
	case ValueTypeString:
		return d.str()
	case ValueTypeUint64:
		return d.u64()
	case ValueTypeInt64:
		return int64(d.u64())
	case ValueTypeFloat64:
		return math.Float64frombits(d.u64())
	case ValueTypeArray:
		if depth > 2 {
			d.fail(errors.New("array nesting too deep"))
			return nil
		}

		elem := ValueType(d.u32())
		n := d.u64()

		if d.err == nil && n > uint64(len(d.data))-d.off {
			d.fail(errTruncated)
			return nil
		}

		arr := make([]any, 0, n)
		for i := uint64(0); i < n && d.err == nil; i++ {
			arr = append(arr, d.value(elem, depth+1))
		}

		return arr
	default:
		d.fail(fmt.Errorf("unsupported metadata type %d", typ))
		return nil
	}
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}
