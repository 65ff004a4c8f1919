package dfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floppykit/uft"
	"github.com/floppykit/uft/file_systems/common"
)

func blankSSD(t *testing.T) *uft.DiskImage {
	t.Helper()
	geometry := uft.Geometry{
		Cylinders: 80, Heads: 1, SectorsPerTrack: 10,
		BytesPerSector: 256, FirstSectorID: 0, Encoding: uft.EncodingFM,
	}
	img := uft.NewDiskImage(uft.FormatSSD, geometry)
	img.FillSectors(0)
	return img
}

func newFormatted(t *testing.T) (*FS, *uft.DiskImage) {
	t.Helper()
	img := blankSSD(t)
	fs, err := New(img, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Format())
	return fs, img
}

func TestCatalogScenario(t *testing.T) {
	fs, img := newFormatted(t)
	require.NoError(t, fs.SetTitle("TESTDISK"))
	require.NoError(t, fs.WriteFileAt("$.HELLO", 0x1900, 0x1900, make([]byte, 0x100)))
	require.NoError(t, fs.WriteFileAt("$.WORLD", 0, 0, make([]byte, 0x200)))

	// Reload from the raw sectors to prove the packed fields round-trip.
	reopened, err := New(img, 0)
	require.NoError(t, err)

	assert.Equal(t, "TESTDISK", reopened.Title())
	infos, err := reopened.ListDirectory()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "$.HELLO", infos[0].Name)
	assert.EqualValues(t, 0x1900, infos[0].LoadAddress)
	assert.EqualValues(t, 0x1900, infos[0].ExecAddress)
	assert.EqualValues(t, 0x100, infos[0].SizeBytes)
	assert.EqualValues(t, 0x200, infos[1].SizeBytes)
}

func TestEighteenBitAddressesRoundTrip(t *testing.T) {
	fs, img := newFormatted(t)
	require.NoError(t, fs.WriteFileAt("$.HIGH", 0x3FFFF, 0x30000, []byte("hi")))

	reopened, err := New(img, 0)
	require.NoError(t, err)
	info, err := reopened.Find("$.HIGH", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0x3FFFF, info.LoadAddress)
	assert.EqualValues(t, 0x30000, info.ExecAddress)
}

func TestReadBackContents(t *testing.T) {
	fs, _ := newFormatted(t)
	payload := make([]byte, 700)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	require.NoError(t, fs.WriteFile("$.DATA", 0, payload))

	info, err := fs.Find("$.DATA", 0)
	require.NoError(t, err)
	read, err := fs.ReadFile(info)
	require.NoError(t, err)
	assert.Equal(t, payload, read)
}

func TestContiguousAllocationFindsGaps(t *testing.T) {
	fs, _ := newFormatted(t)
	require.NoError(t, fs.WriteFile("$.FIRST", 0, make([]byte, 256*4)))
	require.NoError(t, fs.WriteFile("$.SECOND", 0, make([]byte, 256*4)))
	require.NoError(t, fs.DeleteFile("$.FIRST", 0))
	// A file of the same size must slot back into the freed gap.
	require.NoError(t, fs.WriteFile("$.THIRD", 0, make([]byte, 256*4)))

	info, err := fs.Find("$.THIRD", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, info.FirstExtent, "gap directly after the catalog is reused")
}

func TestLockedFileRefusesDelete(t *testing.T) {
	fs, _ := newFormatted(t)
	require.NoError(t, fs.WriteFile("$.KEEP", 0, []byte("x")))
	require.NoError(t, fs.SetAttributes("$.KEEP", common.Attributes{Locked: true}))
	assert.Error(t, fs.DeleteFile("$.KEEP", 0))
}

func TestCatalogLimit(t *testing.T) {
	fs, _ := newFormatted(t)
	for i := 0; i < 31; i++ {
		name := "$." + string([]byte{'A' + byte(i/6), 'A' + byte(i%6), 'X'})
		require.NoError(t, fs.WriteFile(name, 0, []byte("y")), "file %d", i)
	}
	assert.Error(t, fs.WriteFile("$.OVER", 0, []byte("z")))
}
