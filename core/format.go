package core

import (
	"strings"

	"github.com/pkg/errors"
)

// Format is the element format of an Array. It is uniform per Array.
type Format uint8

const (
	FormatInvalid Format = iota
	Float32
	Float16
)

// Size returns the byte size of one element of this format, 0 for invalid formats.
func (f Format) Size() int {
	switch f {
	case Float32:
		return 4
	case Float16:
		return 2
	default:
		return 0
	}
}

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	return f.Size() > 0
}

// String returns a human-readable name for the format.
func (f Format) String() string {
	switch f {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return "invalid"
	}
}

// ParseFormat is the inverse of Format.String.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "f32":
		return Float32, nil
	case "float16", "f16", "half":
		return Float16, nil
	default:
		return FormatInvalid, errors.Errorf("unknown element format %q", s)
	}
}
