package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floppykit/uft"
)

func testImage(t *testing.T) *uft.DiskImage {
	t.Helper()
	geometry := uft.Geometry{
		Cylinders: 4, Heads: 2, SectorsPerTrack: 9,
		BytesPerSector: 512, FirstSectorID: 1, Encoding: uft.EncodingMFM,
	}
	img := uft.NewDiskImage(uft.FormatIMG, geometry)
	img.FillSectors(0)
	return img
}

func TestDeviceSectorMapping(t *testing.T) {
	dev := NewDevice(testImage(t))
	assert.Equal(t, 72, dev.TotalSectors())

	// Logical 0 is cylinder 0 head 0 sector 1; logical 9 is head 1.
	require.NoError(t, dev.WriteSector(0, patterned(512, 1)))
	require.NoError(t, dev.WriteSector(9, patterned(512, 2)))
	require.NoError(t, dev.WriteSector(18, patterned(512, 3)))

	a, err := dev.ReadSector(0)
	require.NoError(t, err)
	assert.Equal(t, patterned(512, 1), a)

	img := dev.Image()
	sec, err := img.ReadSector(0, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, patterned(512, 2), sec.Data)
	sec, err = img.ReadSector(1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, patterned(512, 3), sec.Data)
}

func patterned(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed ^ byte(i)
	}
	return out
}

func TestDeviceBoundsAndAlignment(t *testing.T) {
	dev := NewDevice(testImage(t))
	_, err := dev.ReadSector(72)
	assert.Error(t, err)
	assert.Error(t, dev.WriteSectors(0, make([]byte, 100)))
}

func TestDeviceReadOnly(t *testing.T) {
	img := testImage(t)
	img.Metadata["read-only"] = "true"
	dev := NewDevice(img)
	assert.True(t, dev.ReadOnly())
	assert.Error(t, dev.WriteSector(0, make([]byte, 512)))
}

func TestAllocatorBasics(t *testing.T) {
	alloc := NewAllocator(10)
	assert.Equal(t, 10, alloc.FreeCount())

	first, err := alloc.Allocate(0)
	require.NoError(t, err)
	assert.Equal(t, 0, first)
	assert.True(t, alloc.InUse(0))

	next, err := alloc.Allocate(5)
	require.NoError(t, err)
	assert.Equal(t, 5, next)

	// Wrap-around picks up earlier free units.
	for i := 0; i < 8; i++ {
		_, err := alloc.Allocate(6)
		require.NoError(t, err)
	}
	assert.Zero(t, alloc.FreeCount())
	_, err = alloc.Allocate(0)
	assert.Error(t, err)
}

func TestAllocatorDoubleFreeIsCorruption(t *testing.T) {
	alloc := NewAllocator(4)
	unit, err := alloc.Allocate(0)
	require.NoError(t, err)
	require.NoError(t, alloc.Free(unit))
	assert.Error(t, alloc.Free(unit))
}

func TestNameHelpers(t *testing.T) {
	assert.True(t, NamesEqual("HELLO  ", "hello"))
	assert.False(t, NamesEqual("HELLO", "WORLD"))

	name, ext := SplitName("readme.txt", 8, 3)
	assert.Equal(t, "README", name)
	assert.Equal(t, "TXT", ext)

	name, ext = SplitName("averylongfilename.extension", 8, 3)
	assert.Equal(t, "AVERYLON", name)
	assert.Equal(t, "EXT", ext)

	assert.Equal(t, []byte("AB      "), PadName("AB", 8))
}

func TestDeviceStreamSnapshot(t *testing.T) {
	dev := NewDevice(testImage(t))
	require.NoError(t, dev.WriteSector(0, patterned(512, 9)))
	stream, err := dev.Stream()
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = stream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, patterned(512, 9)[:4], buf)
}
