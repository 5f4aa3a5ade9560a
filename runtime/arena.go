package runtime

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/sbl8/staticnn/core"
)

// ArenaRegion is a named byte range inside an Arena, one per bound array.
type ArenaRegion struct {
	Offset int
	Size   int
	Name   string
}

// End returns the first byte past the region.
func (r ArenaRegion) End() int { return r.Offset + r.Size }

// Arena wraps one host-supplied byte buffer. Arrays are bound to it at their
// planned offsets, each bind checked against the arena's length.
type Arena struct {
	name     string
	buffer   []byte
	required int
	regions  map[string]ArenaRegion
}

// NewArena wraps buf, which must hold at least required bytes and be aligned
// for float32 access. A nil buf is rejected even when required is zero.
func NewArena(name string, buf []byte, required int) (*Arena, error) {
	if buf == nil {
		return nil, configErrorf("%s arena is nil", name)
	}
	if len(buf) < required {
		return nil, configErrorf("%s arena holds %d bytes, network needs %d", name, len(buf), required)
	}
	if len(buf) > 0 && !core.IsAligned(uintptr(unsafe.Pointer(&buf[0])), core.Float32.Size()) {
		return nil, configErrorf("%s arena is not aligned to %d bytes", name, core.Float32.Size())
	}
	return &Arena{
		name:     name,
		buffer:   buf,
		required: required,
		regions:  make(map[string]ArenaRegion),
	}, nil
}

// Name returns the arena name used in errors and reports.
func (a *Arena) Name() string { return a.name }

// Buffer returns the raw byte buffer of the arena.
func (a *Arena) Buffer() []byte { return a.buffer }

// TotalSize returns the capacity of the arena's buffer.
func (a *Arena) TotalSize() int { return len(a.buffer) }

// UsedSize returns the bytes the network actually addresses.
func (a *Arena) UsedSize() int { return a.required }

// Slice returns buffer[offset:offset+size], bounds-checked.
func (a *Arena) Slice(offset, size int) ([]byte, error) {
	if offset < 0 || size < 0 || offset+size > len(a.buffer) {
		return nil, configErrorf("%s arena: range [%d, %d) outside %d bytes", a.name, offset, offset+size, len(a.buffer))
	}
	return a.buffer[offset : offset+size : offset+size], nil
}

// Bind records arr as a region of the arena and returns its storage.
func (a *Arena) Bind(arr *core.Array) ([]byte, error) {
	b, err := a.Slice(arr.Offset, arr.Bytes())
	if err != nil {
		return nil, errors.WithMessagef(err, "binding array %q", arr.Name)
	}
	a.regions[arr.Name] = ArenaRegion{Offset: arr.Offset, Size: arr.Bytes(), Name: arr.Name}
	return b, nil
}

// Region returns the region an array was bound to.
func (a *Arena) Region(name string) (ArenaRegion, bool) {
	region, ok := a.regions[name]
	return region, ok
}

// Regions returns the number of bound regions.
func (a *Arena) Regions() int { return len(a.regions) }

// Zero clears the bytes the network addresses.
func (a *Arena) Zero() {
	clear(a.buffer[:a.required])
}
