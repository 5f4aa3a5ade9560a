package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbl8/staticnn/core"
)

func TestArena(t *testing.T) {
	t.Parallel()
	buf := core.AlignedBytes(64)
	a, err := NewArena("activations", buf, 48)
	require.NoError(t, err)
	assert.Equal(t, 64, a.TotalSize())
	assert.Equal(t, 48, a.UsedSize())

	arr := core.Array{Name: "x", Format: core.Float32, Count: 4, Region: core.RegionActivations, Offset: 16}
	b, err := a.Bind(&arr)
	require.NoError(t, err)
	assert.Len(t, b, 16)
	assert.Equal(t, 16, cap(b))
	region, ok := a.Region("x")
	require.True(t, ok)
	assert.Equal(t, 32, region.End())
	assert.Equal(t, 1, a.Regions())

	arr.Offset = 56
	_, err = a.Bind(&arr)
	assert.ErrorIs(t, err, ErrConfig)

	for i := range buf {
		buf[i] = 0xaa
	}
	a.Zero()
	assert.Equal(t, make([]byte, 48), buf[:48])
	assert.Equal(t, byte(0xaa), buf[48])
}

func TestNewArenaErrors(t *testing.T) {
	t.Parallel()
	_, err := NewArena("weights", nil, 0)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewArena("weights", core.AlignedBytes(8), 12)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewArena("weights", core.AlignedBytes(16)[2:], 8)
	assert.ErrorIs(t, err, ErrConfig)

	a, err := NewArena("weights", []byte{}, 0)
	require.NoError(t, err)
	_, err = a.Slice(0, 1)
	assert.ErrorIs(t, err, ErrConfig)
}
