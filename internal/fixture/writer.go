package fixture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/example/go-opcheck/internal/runtime/tensor"
)

// Writer appends test cases to a fixture under construction. Scalars and
// tensors belong to the case opened by the most recent BeginCase. Nothing
// may be written after Finish.
type Writer interface {
	BeginCase(op string) error
	WriteScalar(name string, value Scalar) error
	WriteTensor(name string, v *tensor.View) error
	Finish() error
}

type kvEntry struct {
	key   string
	typ   ValueType
	value any
}

type tensorEntry struct {
	name string
	typ  GGMLType
	dims []uint64
	data []byte
}

// GGUFWriter buffers a fixture in memory and encodes it as GGUF v3 on
// Finish.
type GGUFWriter struct {
	w        io.Writer
	kv       []kvEntry
	tensors  []tensorEntry
	cases    int
	names    map[string]struct{}
	finished bool
}

var _ Writer = (*GGUFWriter)(nil)

// NewGGUFWriter returns a writer that encodes to w. runID is recorded in
// the global metadata when non-empty.
func NewGGUFWriter(w io.Writer, runID string) *GGUFWriter {
	g := &GGUFWriter{w: w}
	g.addKV(KeyArchitecture, ValueTypeString, Architecture)
	g.addKV(KeyAlignment, ValueTypeUint32, uint32(DefaultAlignment))
	g.addKV(KeyFormatVersion, ValueTypeUint32, FormatVersion)

	if runID != "" {
		g.addKV(KeyRunID, ValueTypeString, runID)
	}

	return g
}

// Cases returns the number of cases begun so far.
func (g *GGUFWriter) Cases() int { return g.cases }

func (g *GGUFWriter) BeginCase(op string) error {
	if g.finished {
		return errors.New("fixture: begin case after finish")
	}

	op = strings.TrimSpace(op)
	if op == "" {
		return errors.New("fixture: operator name must not be empty")
	}

	g.cases++
	g.names = make(map[string]struct{})
	g.addKV(CaseKey(g.cases-1, "op_name"), ValueTypeString, op)

	return nil
}

func (g *GGUFWriter) WriteScalar(name string, value Scalar) error {
	if err := g.claim(name); err != nil {
		return err
	}

	key := attributeKey(g.cases-1, name)

	switch value.Kind {
	case KindFloat32:
		g.addKV(key, ValueTypeFloat32, value.Float32())
	case KindInt32:
		g.addKV(key, ValueTypeInt32, int32(value.Int()))
	default:
		return fmt.Errorf("fixture: attribute %q has invalid kind %d", name, value.Kind)
	}

	return nil
}

func (g *GGUFWriter) WriteTensor(name string, v *tensor.View) error {
	if v == nil {
		return fmt.Errorf("fixture: tensor %q is nil", name)
	}

	raw, err := RawType(v.DType())
	if err != nil {
		return fmt.Errorf("fixture: tensor %q: %w", name, err)
	}

	if err := g.claim(name); err != nil {
		return err
	}

	idx := g.cases - 1
	shape := v.Shape()
	strides := v.Strides()

	shapeVals := make([]uint64, len(shape))
	for i, d := range shape {
		shapeVals[i] = uint64(d)
	}

	strideVals := make([]int64, len(strides))
	for i, s := range strides {
		strideVals[i] = int64(s)
	}

	g.addKV(tensorKey(idx, name, "shape"), ValueTypeArray, shapeVals)
	g.addKV(tensorKey(idx, name, "strides"), ValueTypeArray, strideVals)
	g.addKV(tensorKey(idx, name, "dtype"), ValueTypeUint32, uint32(v.DType()))

	// GGUF lists dimensions fastest-varying first.
	dims := make([]uint64, 0, max(len(shape), 1))
	for i := len(shape) - 1; i >= 0; i-- {
		dims = append(dims, uint64(shape[i]))
	}

	if len(dims) == 0 {
		dims = append(dims, 1)
	}

	g.tensors = append(g.tensors, tensorEntry{
		name: tensorKey(idx, name, "data"),
		typ:  raw,
		dims: dims,
		data: v.Contiguous().Bytes(),
	})

	return nil
}

// Finish encodes the buffered fixture to the underlying writer.
func (g *GGUFWriter) Finish() error {
	if g.finished {
		return errors.New("fixture: finish called twice")
	}

	g.finished = true
	g.addKV(KeyTestCount, ValueTypeUint64, uint64(g.cases))

	bw := bufio.NewWriter(g.w)
	e := &encoder{w: bw}

	e.u32(Magic)
	e.u32(Version)
	e.u64(uint64(len(g.tensors)))
	e.u64(uint64(len(g.kv)))

	for _, kv := range g.kv {
		e.str(kv.key)
		e.u32(uint32(kv.typ))
		e.value(kv.typ, kv.value)
	}

	offset := uint64(0)
	for _, t := range g.tensors {
		e.str(t.name)
		e.u32(uint32(len(t.dims)))

		for _, d := range t.dims {
			e.u64(d)
		}

		e.u32(uint32(t.typ))
		e.u64(offset)
		offset += alignUp(uint64(len(t.data)))
	}

	e.pad()

	for _, t := range g.tensors {
		e.bytes(t.data)
		e.pad()
	}

	if e.err != nil {
		return fmt.Errorf("fixture: encode: %w", e.err)
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("fixture: flush: %w", err)
	}

	return nil
}

func (g *GGUFWriter) claim(name string) error {
	if g.finished {
		return errors.New("fixture: write after finish")
	}

	if g.cases == 0 {
		return fmt.Errorf("fixture: %q written before any case was begun", name)
	}

	name = strings.TrimSpace(name)
	if name == "" || strings.Contains(name, ".") {
		return fmt.Errorf("fixture: invalid field name %q", name)
	}

	if _, dup := g.names[name]; dup {
		return fmt.Errorf("fixture: duplicate field %q in case %d", name, g.cases-1)
	}

	g.names[name] = struct{}{}

	return nil
}

func (g *GGUFWriter) addKV(key string, typ ValueType, value any) {
	g.kv = append(g.kv, kvEntry{key: key, typ: typ, value: value})
}

// WriteFile encodes cases produced by fill into a GGUF file at path.
func WriteFile(path, runID string, fill func(Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("fixture: create %s: %w", path, err)
	}

	w := NewGGUFWriter(f, runID)

	if err := fill(w); err != nil {
		_ = f.Close()
		return err
	}

	if err := w.Finish(); err != nil {
		_ = f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("fixture: close %s: %w", path, err)
	}

	return nil
}

func alignUp(n uint64) uint64 {
	return (n + DefaultAlignment - 1) / DefaultAlignment * DefaultAlignment
}

// encoder writes little-endian GGUF primitives and remembers the first
// error.
type encoder struct {
	w   io.Writer
	n   uint64
	err error
}

func (e *encoder) bytes(b []byte) {
	if e.err != nil {
		return
	}

	n, err := e.w.Write(b)
	e.n += uint64(n)
	e.err = err
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.bytes(b[:])
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.bytes(b[:])
}

func (e *encoder) str(s string) {
	e.u64(uint64(len(s)))
	e.bytes([]byte(s))
}

func (e *encoder) pad() {
	if rem := e.n % DefaultAlignment; rem != 0 {
		e.bytes(make([]byte, DefaultAlignment-rem))
	}
}

func (e *encoder) value(typ ValueType, v any) {
	switch typ {
	case ValueTypeString:
		e.str(v.(string))
	case ValueTypeUint32:
		e.u32(v.(uint32))
	case ValueTypeInt32:
		e.u32(uint32(v.(int32)))
	case ValueTypeFloat32:
		e.u32(math.Float32bits(v.(float32)))
	case ValueTypeUint64:
		e.u64(v.(uint64))
	case ValueTypeArray:
		switch arr := v.(type) {
		case []uint64:
			e.u32(uint32(ValueTypeUint64))
			e.u64(uint64(len(arr)))

			for _, x := range arr {
				e.u64(x)
			}
		case []int64:
			e.u32(uint32(ValueTypeInt64))
			e.u64(uint64(len(arr)))

			for _, x := range arr {
				e.u64(uint64(x))
			}
		default:
			e.err = fmt.Errorf("unsupported array %T", v)
		}
	default:
		e.err = fmt.Errorf("unsupported value type %d", typ)
	}
}
