package model

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/sbl8/staticnn/core"
)

// Model file layout (little-endian):
//
//	magic "SNNM" | version u16 | reserved u16 | body length u32 | body CRC32 u32 | body
//
// The body holds the name, signature, chain indices, arena sizes, arrays,
// tensors, layers and finally the embedded weights blob.
const (
	FileVersion = 1
	headerSize  = 16

	maxEntries = 1 << 20 // sanity bound on decoded counts
)

var fileMagic = [4]byte{'S', 'N', 'N', 'M'}

type binWriter struct {
	buf bytes.Buffer
	err error
}

func (w *binWriter) put(v any) {
	if w.err == nil {
		w.err = binary.Write(&w.buf, binary.LittleEndian, v)
	}
}

func (w *binWriter) putString(s string) {
	if len(s) > 0xFFFF {
		w.err = errors.Errorf("string of %d bytes too long to serialize", len(s))
		return
	}
	w.put(uint16(len(s)))
	w.buf.WriteString(s)
}

func (w *binWriter) putInts(v []int) {
	w.put(uint16(len(v)))
	for _, x := range v {
		w.put(int32(x))
	}
}

// Serialize encodes the graph into the binary model file format.
func (g *Graph) Serialize() ([]byte, error) {
	w := &binWriter{}
	w.putString(g.Name)
	w.putString(g.Signature)
	for _, v := range []int{g.Head, g.Input, g.Output, g.WeightsSize, g.ActivationsSize} {
		w.put(int32(v))
	}

	w.put(uint32(len(g.Arrays)))
	for i := range g.Arrays {
		a := &g.Arrays[i]
		w.putString(a.Name)
		w.put(uint8(a.Format))
		w.put(uint8(a.Region))
		w.put(uint32(a.Flags))
		w.put(uint32(a.Count))
		w.put(uint32(a.Offset))
	}

	w.put(uint32(len(g.Tensors)))
	for i := range g.Tensors {
		t := &g.Tensors[i]
		w.putString(t.Name)
		w.put(uint32(t.Array))
		for d := 0; d < core.Rank; d++ {
			w.put(uint32(t.Shape[d]))
		}
		for d := 0; d < core.Rank; d++ {
			w.put(uint32(t.Stride[d]))
		}
	}

	w.put(uint32(len(g.Layers)))
	for i := range g.Layers {
		l := &g.Layers[i]
		w.putString(l.Name)
		w.put(uint32(l.ID))
		w.put(uint8(l.Kind))
		w.put(uint8(l.Activation))
		w.put(int32(l.Next))
		w.putInts(l.Inputs)
		w.putInts(l.Outputs)
		w.putInts(l.Params)
	}

	w.put(uint32(len(g.Weights)))
	w.buf.Write(g.Weights)
	if w.err != nil {
		return nil, errors.Wrapf(w.err, "serializing network %q", g.Name)
	}

	body := w.buf.Bytes()
	out := make([]byte, headerSize, headerSize+len(body))
	copy(out[0:4], fileMagic[:])
	binary.LittleEndian.PutUint16(out[4:], FileVersion)
	binary.LittleEndian.PutUint32(out[8:], uint32(len(body)))
	binary.LittleEndian.PutUint32(out[12:], crc32.ChecksumIEEE(body))
	return append(out, body...), nil
}

type binReader struct {
	r   *bytes.Reader
	err error
}

func (r *binReader) get(v any) {
	if r.err == nil {
		r.err = binary.Read(r.r, binary.LittleEndian, v)
	}
}

func (r *binReader) u8() uint8 {
	var v uint8
	r.get(&v)
	return v
}

func (r *binReader) u32() uint32 {
	var v uint32
	r.get(&v)
	return v
}

func (r *binReader) i32() int {
	var v int32
	r.get(&v)
	return int(v)
}

func (r *binReader) count() int {
	n := r.u32()
	if r.err == nil && n > maxEntries {
		r.err = errors.Errorf("entry count %d exceeds limit", n)
		return 0
	}
	return int(n)
}

func (r *binReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > r.r.Len() {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := make([]byte, n)
	_, r.err = io.ReadFull(r.r, b)
	return b
}

func (r *binReader) str() string {
	var n uint16
	r.get(&n)
	return string(r.bytes(int(n)))
}

func (r *binReader) ints() []int {
	var n uint16
	r.get(&n)
	if r.err != nil || n == 0 {
		return nil
	}
	v := make([]int, n)
	for i := range v {
		v[i] = r.i32()
	}
	return v
}

// Deserialize decodes and validates a graph produced by Serialize.
func Deserialize(data []byte) (*Graph, error) {
	if len(data) < headerSize {
		return nil, errors.Errorf("model file too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[0:4], fileMagic[:]) {
		return nil, errors.Errorf("invalid magic number: %x", data[0:4])
	}
	if version := binary.LittleEndian.Uint16(data[4:]); version != FileVersion {
		return nil, errors.Errorf("unsupported version: %d", version)
	}
	bodyLen := binary.LittleEndian.Uint32(data[8:])
	if uint64(bodyLen) != uint64(len(data)-headerSize) {
		return nil, errors.Errorf("model body is %d bytes, header declares %d", len(data)-headerSize, bodyLen)
	}
	body := data[headerSize:]
	if sum, want := crc32.ChecksumIEEE(body), binary.LittleEndian.Uint32(data[12:]); sum != want {
		return nil, errors.Errorf("model checksum mismatch: got %08x, header says %08x", sum, want)
	}

	r := &binReader{r: bytes.NewReader(body)}
	g := &Graph{}
	g.Name = r.str()
	g.Signature = r.str()
	g.Head = r.i32()
	g.Input = r.i32()
	g.Output = r.i32()
	g.WeightsSize = r.i32()
	g.ActivationsSize = r.i32()

	g.Arrays = make([]core.Array, r.count())
	for i := range g.Arrays {
		a := &g.Arrays[i]
		a.Name = r.str()
		a.Format = core.Format(r.u8())
		a.Region = core.Region(r.u8())
		a.Flags = core.ArrayFlags(r.u32())
		a.Count = int(r.u32())
		a.Offset = int(r.u32())
	}

	g.Tensors = make([]core.Tensor, r.count())
	for i := range g.Tensors {
		t := &g.Tensors[i]
		t.Name = r.str()
		t.Array = int(r.u32())
		for d := 0; d < core.Rank; d++ {
			t.Shape[d] = int(r.u32())
		}
		for d := 0; d < core.Rank; d++ {
			t.Stride[d] = int(r.u32())
		}
	}

	g.Layers = make([]Layer, r.count())
	for i := range g.Layers {
		l := &g.Layers[i]
		l.Name = r.str()
		l.ID = int(r.u32())
		l.Kind = Kind(r.u8())
		l.Activation = Activation(r.u8())
		l.Next = r.i32()
		l.Inputs = r.ints()
		l.Outputs = r.ints()
		l.Params = r.ints()
	}

	if n := r.u32(); r.err == nil && n > 0 {
		g.Weights = r.bytes(int(n))
	}
	if r.err != nil {
		return nil, errors.Wrap(r.err, "decoding model body")
	}
	if r.r.Len() != 0 {
		return nil, errors.Errorf("%d trailing bytes after model body", r.r.Len())
	}
	if err := g.Validate(); err != nil {
		return nil, errors.WithMessage(err, "decoded model is invalid")
	}
	return g, nil
}

// WriteFile serializes the graph to path.
func (g *Graph) WriteFile(path string) error {
	data, err := g.Serialize()
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "writing model %q", path)
}

// ReadFile loads and validates a model file.
func ReadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading model %q", path)
	}
	g, err := Deserialize(data)
	return g, errors.WithMessagef(err, "model %q", path)
}
