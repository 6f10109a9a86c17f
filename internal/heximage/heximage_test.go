package heximage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSparse(t *testing.T) *Image {
	t.Helper()
	b := NewBuilder()
	require.NoError(t, b.Set(0x100, 0xAA))
	require.NoError(t, b.Set(0x101, 0xBB))
	require.NoError(t, b.Set(0x200, 0xCC))
	return b.Build()
}

func TestExtent(t *testing.T) {
	img := buildSparse(t)
	lo, hi, ok := img.Extent()
	require.True(t, ok)
	assert.Equal(t, uint32(0x100), lo)
	assert.Equal(t, uint32(0x201), hi)
}

func TestEmptyImageExtent(t *testing.T) {
	img := NewBuilder().Build()
	_, _, ok := img.Extent()
	assert.False(t, ok)
}

func TestDuplicateAddress(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Set(0x10, 1))
	err := b.Set(0x10, 2)
	require.Error(t, err)
	var dup *ErrDuplicateAddress
	assert.ErrorAs(t, err, &dup)
}

func TestRuns(t *testing.T) {
	img := buildSparse(t)
	runs := img.Runs()
	require.Len(t, runs, 2)
	assert.Equal(t, uint32(0x100), runs[0].Start)
	assert.Equal(t, []byte{0xAA, 0xBB}, runs[0].Bytes)
	assert.Equal(t, uint32(0x200), runs[1].Start)
	assert.Equal(t, []byte{0xCC}, runs[1].Bytes)
}

func TestWindowPadding(t *testing.T) {
	img := buildSparse(t)
	w := img.Window(0x100, 16)
	assert.Equal(t, byte(0xAA), w[0])
	assert.Equal(t, byte(0xBB), w[1])
	for i := 2; i < 16; i++ {
		assert.Equal(t, byte(PadByte), w[i], "offset %d", i)
	}
}

func TestTouchedPages(t *testing.T) {
	img := buildSparse(t)
	pages := img.TouchedPages(256)
	assert.Equal(t, []uint32{0x100, 0x200}, pages)
}
