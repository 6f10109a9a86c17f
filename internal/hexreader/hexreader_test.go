package hexreader

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hexAt0800_0000 places 4 bytes of 0xAA at 0x0800_0000 via an extended
// linear address record, matching the F4xx flash base.
const hexAt0800_0000 = ":02000004" + "0800" + "F2\n" +
	":04000000" + "AAAAAAAA" + "54\n" +
	":00000001FF\n"

func TestReadProducesImage(t *testing.T) {
	img, err := Read(strings.NewReader(hexAt0800_0000), 0x0800_0000, 0x0810_0000)
	require.NoError(t, err)

	lo, hi, ok := img.Extent()
	require.True(t, ok)
	assert.Equal(t, uint32(0x0800_0000), lo)
	assert.Equal(t, uint32(0x0800_0004), hi)

	b, ok := img.Get(0x0800_0000)
	require.True(t, ok)
	assert.Equal(t, byte(0xAA), b)
}

func TestReadRejectsOutOfWindow(t *testing.T) {
	_, err := Read(strings.NewReader(hexAt0800_0000), 0x0900_0000, 0x0910_0000)
	require.Error(t, err)
	var outOfWindow *ErrOutOfWindow
	assert.ErrorAs(t, err, &outOfWindow)
}
