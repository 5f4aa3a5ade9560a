// Package core provides the storage descriptors of the staticnn inference engine.
//
// An Array describes a flat run of numeric elements living either in the
// read-only weights arena, in the shared activations arena, or outside of both
// (the externally visible input and output buffers, bound per call). A Tensor is
// a shaped, strided view over exactly one Array; several Tensors may view the
// same Array (for instance an input image and its flattened feature vector).
//
// Key components:
//   - Format: element format of an Array (float32, or float16 for compressed weights)
//   - Array: element count, flags, arena region and byte offset (the placement map entry)
//   - Tensor: 4-D shape (batch, channel, height, width) with byte strides
//   - Buffer: a typed byte buffer exchanged with the host
//   - Alignment helpers shared by the planner and the arenas
//
// Descriptors are immutable once a graph is built; the runtime binds them to
// arena memory without ever reallocating.
package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// Region identifies the arena an Array is placed in.
type Region uint8

const (
	// RegionExternal arrays are the I/O boundary buffers, supplied by the host on every run.
	RegionExternal Region = iota
	// RegionWeights arrays are read-only parameters packed back-to-back in the weights arena.
	RegionWeights
	// RegionActivations arrays are intermediate results sharing the scratch arena.
	RegionActivations
)

func (r Region) String() string {
	switch r {
	case RegionExternal:
		return "external"
	case RegionWeights:
		return "weights"
	case RegionActivations:
		return "activations"
	default:
		return fmt.Sprintf("Region(%d)", uint8(r))
	}
}

// ArrayFlags bit definitions.
type ArrayFlags uint32

const (
	FlagIO    ArrayFlags = 1 << 0 // External boundary buffer (graph input or output)
	FlagConst ArrayFlags = 1 << 1 // Immutable after initialization (weights, biases)
)

// Array is the underlying flat storage referenced by one or more Tensors.
type Array struct {
	Name   string
	Format Format
	Count  int // number of elements
	Flags  ArrayFlags
	Region Region
	Offset int // byte offset within the Region's arena; unused for RegionExternal
}

// Bytes returns the storage footprint of the array.
func (a *Array) Bytes() int {
	return a.Count * a.Format.Size()
}

// End returns the first byte offset past the array inside its arena.
func (a *Array) End() int {
	return a.Offset + a.Bytes()
}

// Has reports whether all bits of flag are set.
func (a *Array) Has(flag ArrayFlags) bool {
	return a.Flags&flag == flag
}

// IsIO reports whether the array is an external boundary buffer.
func (a *Array) IsIO() bool { return a.Has(FlagIO) }

// IsConst reports whether the array holds parameters.
func (a *Array) IsConst() bool { return a.Has(FlagConst) }

// Overlaps reports whether the byte ranges of a and b intersect. Arrays in
// different regions never overlap.
func (a *Array) Overlaps(b *Array) bool {
	if a.Region != b.Region || a.Region == RegionExternal {
		return false
	}
	return a.Offset < b.End() && b.Offset < a.End()
}

// Validate checks the intrinsic consistency of the array descriptor.
func (a *Array) Validate() error {
	if !a.Format.Valid() {
		return errors.Errorf("array %q: invalid format %d", a.Name, a.Format)
	}
	if a.Count <= 0 {
		return errors.Errorf("array %q: element count must be positive, got %d", a.Name, a.Count)
	}
	if a.Offset < 0 {
		return errors.Errorf("array %q: negative offset %d", a.Name, a.Offset)
	}
	if a.Offset%a.Format.Size() != 0 {
		return errors.Errorf("array %q: offset %d not aligned to element size %d", a.Name, a.Offset, a.Format.Size())
	}
	switch a.Region {
	case RegionExternal:
		if !a.IsIO() {
			return errors.Errorf("array %q: external arrays must be flagged as I/O", a.Name)
		}
	case RegionWeights:
		if !a.IsConst() || a.IsIO() {
			return errors.Errorf("array %q: weight arrays must be const and not I/O", a.Name)
		}
	case RegionActivations:
		if a.IsConst() || a.IsIO() {
			return errors.Errorf("array %q: activation arrays cannot be const or I/O", a.Name)
		}
		if a.Format != Float32 {
			return errors.Errorf("array %q: activation arrays must be float32, got %s", a.Name, a.Format)
		}
	default:
		return errors.Errorf("array %q: unknown region %s", a.Name, a.Region)
	}
	return nil
}

// CheckFits returns an error if the array does not fit in an arena of arenaSize bytes.
func (a *Array) CheckFits(arenaSize int) error {
	if a.End() > arenaSize {
		return errors.Errorf("array %q [%d, %d) exceeds %s arena of %d bytes",
			a.Name, a.Offset, a.End(), a.Region, arenaSize)
	}
	return nil
}

func (a *Array) String() string {
	return fmt.Sprintf("%s(%s x%d @%s+%d)", a.Name, a.Format, a.Count, a.Region, a.Offset)
}
