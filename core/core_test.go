package core

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		format Format
		size   int
		valid  bool
	}{
		{"float32", Float32, 4, true},
		{"float16", Float16, 2, true},
		{"invalid", FormatInvalid, 0, false},
		{"out of range", Format(42), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.size, tt.format.Size())
			assert.Equal(t, tt.valid, tt.format.Valid())
		})
	}

	f, err := ParseFormat(" Half ")
	require.NoError(t, err)
	assert.Equal(t, Float16, f)
	f, err = ParseFormat("float32")
	require.NoError(t, err)
	assert.Equal(t, Float32, f)
	_, err = ParseFormat("int8")
	require.Error(t, err)
}

func TestArrayValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		array   Array
		wantErr bool
	}{
		{
			name:  "activation",
			array: Array{Name: "a", Format: Float32, Count: 30, Region: RegionActivations, Offset: 120},
		},
		{
			name:  "weights float16",
			array: Array{Name: "w", Format: Float16, Count: 900, Region: RegionWeights, Flags: FlagConst, Offset: 2},
		},
		{
			name:  "external io",
			array: Array{Name: "in", Format: Float32, Count: 30, Region: RegionExternal, Flags: FlagIO},
		},
		{
			name:    "zero count",
			array:   Array{Name: "a", Format: Float32, Count: 0, Region: RegionActivations},
			wantErr: true,
		},
		{
			name:    "misaligned offset",
			array:   Array{Name: "a", Format: Float32, Count: 2, Region: RegionActivations, Offset: 6},
			wantErr: true,
		},
		{
			name:    "external without io flag",
			array:   Array{Name: "in", Format: Float32, Count: 2, Region: RegionExternal},
			wantErr: true,
		},
		{
			name:    "non const weights",
			array:   Array{Name: "w", Format: Float32, Count: 2, Region: RegionWeights},
			wantErr: true,
		},
		{
			name:    "half precision activations",
			array:   Array{Name: "a", Format: Float16, Count: 2, Region: RegionActivations},
			wantErr: true,
		},
		{
			name:    "invalid format",
			array:   Array{Name: "a", Count: 2, Region: RegionActivations},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.array.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestArrayOverlaps(t *testing.T) {
	t.Parallel()
	a := Array{Name: "a", Format: Float32, Count: 30, Region: RegionActivations, Offset: 0}
	b := Array{Name: "b", Format: Float32, Count: 20, Region: RegionActivations, Offset: 120}
	c := Array{Name: "c", Format: Float32, Count: 2, Region: RegionActivations, Offset: 80}
	w := Array{Name: "w", Format: Float32, Count: 30, Region: RegionWeights, Flags: FlagConst}

	assert.False(t, a.Overlaps(&b), "touching ranges do not overlap")
	assert.True(t, a.Overlaps(&c))
	assert.True(t, c.Overlaps(&a))
	assert.False(t, a.Overlaps(&w), "different regions never overlap")
	assert.Equal(t, 200, b.End())
	require.NoError(t, b.CheckFits(200))
	require.Error(t, b.CheckFits(199))
}

func TestTensorStrides(t *testing.T) {
	t.Parallel()
	st := ContiguousStrides(Shape{1, 5, 1, 6}, 4)
	assert.Equal(t, Stride{120, 24, 24, 4}, st)

	weights := NewTensor("dense_4_weights", Matrix(30, 20), 0, Float32)
	assert.Equal(t, Stride{80, 4, 4, 4}, weights.Stride)
	assert.Equal(t, 600, weights.Elements())
	assert.True(t, weights.IsContiguous(4))
}

func TestTensorValidation(t *testing.T) {
	t.Parallel()
	arr := Array{Name: "input", Format: Float32, Count: 30, Region: RegionExternal, Flags: FlagIO}

	image := NewTensor("input_image", Shape{1, 5, 1, 6}, 0, Float32)
	flat := NewTensor("input_flat", Vector(30), 0, Float32)
	require.NoError(t, image.Validate(&arr))
	require.NoError(t, flat.Validate(&arr))
	assert.Equal(t, image.Elements(), flat.Elements(), "both views cover the same storage")

	tooBig := NewTensor("too_big", Vector(31), 0, Float32)
	require.Error(t, tooBig.Validate(&arr))

	overlapping := flat
	overlapping.Stride = Stride{120, 2, 4, 4}
	require.Error(t, overlapping.Validate(&arr))

	zeroDim := NewTensor("zero", Shape{1, 0, 1, 1}, 0, Float32)
	require.Error(t, zeroDim.Validate(&arr))

	// Strided (non-contiguous) view over every other element.
	strided := Tensor{Name: "even", Shape: Vector(15), Stride: Stride{120, 8, 8, 8}}
	require.NoError(t, strided.Validate(&arr))
	assert.False(t, strided.IsContiguous(4))
	assert.Equal(t, 116, strided.Extent(4))
}

func TestAlignment(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, AlignSize(0, 4))
	assert.Equal(t, 4, AlignSize(1, 4))
	assert.Equal(t, 64, AlignSize(33, 32))
	assert.Equal(t, 7, AlignSize(7, 1))
	assert.True(t, IsPowerOfTwo(64))
	assert.False(t, IsPowerOfTwo(12))
	assert.False(t, IsPowerOfTwo(0))

	buf := AlignedBytes(200)
	require.Len(t, buf, 200)
	assert.True(t, IsAligned(uintptr(unsafe.Pointer(&buf[0])), CacheLineSize))
	assert.True(t, IsAligned(uintptr(unsafe.Pointer(&buf[4])), 4))
	assert.False(t, IsAligned(uintptr(unsafe.Pointer(&buf[2])), 4))
	assert.NotNil(t, AlignedBytes(0), "zero-size arenas are empty, not nil")
}

func TestBufferConversions(t *testing.T) {
	t.Parallel()
	values := []float32{1.0, -2.5, 0}

	raw := FloatsToBytes(values)
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3f}, raw[:4])
	back, err := BytesToFloats(raw)
	require.NoError(t, err)
	assert.Equal(t, values, back)
	_, err = BytesToFloats([]byte{1, 2, 3})
	require.Error(t, err)

	buf := Float32Buffer(values)
	assert.Equal(t, 3, buf.Count())
	view := Float32View(buf.Data)
	view[1] = 7
	assert.Equal(t, float32(7), values[1], "views share storage")

	assert.Nil(t, Float32View([]byte{1, 2, 3}))
	aligned := AlignedBytes(12)
	assert.Nil(t, Float32View(aligned[1:9]), "misaligned memory is rejected")
}
