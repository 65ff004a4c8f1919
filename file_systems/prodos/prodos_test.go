package prodos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floppykit/uft"
	"github.com/floppykit/uft/file_systems/common"
)

func blankVolume(t *testing.T) *uft.DiskImage {
	t.Helper()
	// A 280-block 140K volume on 512-byte sectors.
	geometry := uft.Geometry{
		Cylinders: 35, Heads: 1, SectorsPerTrack: 8,
		BytesPerSector: 512, FirstSectorID: 0, Encoding: uft.EncodingGCR,
	}
	img := uft.NewDiskImage(uft.FormatPO, geometry)
	img.FillSectors(0)
	return img
}

func newFormatted(t *testing.T) *FS {
	t.Helper()
	img := blankVolume(t)
	fs := &FS{dev: common.NewDevice(img), sectorsPerBk: 1, totalBlocks: 280, volumeName: "TESTVOL"}
	require.NoError(t, fs.Format())
	reopened, err := New(img)
	require.NoError(t, err)
	return reopened
}

func TestFormatProducesOpenableVolume(t *testing.T) {
	fs := newFormatted(t)
	assert.Equal(t, "TESTVOL", fs.VolumeName())
	infos, err := fs.ListDirectory()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestSeedlingFile(t *testing.T) {
	fs := newFormatted(t)
	payload := []byte("a file that fits in one block")
	require.NoError(t, fs.WriteFile("SMALL", 0, payload))

	info, err := fs.Find("SMALL", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, info.BlockCount, "seedling occupies exactly one block")
	read, err := fs.ReadFile(info)
	require.NoError(t, err)
	assert.Equal(t, payload, read)
}

func TestSaplingFile(t *testing.T) {
	fs := newFormatted(t)
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, fs.WriteFile("MEDIUM", 0, payload))

	info, err := fs.Find("MEDIUM", 0)
	require.NoError(t, err)
	assert.Equal(t, 11, info.BlockCount, "ten data blocks plus the index block")
	assert.EqualValues(t, 5000, info.SizeBytes)

	read, err := fs.ReadFile(info)
	require.NoError(t, err)
	assert.Equal(t, payload, read)
}

func TestDeleteRestoresBitmap(t *testing.T) {
	fs := newFormatted(t)
	free, _, _ := fs.FreeSpace()
	require.NoError(t, fs.WriteFile("TEMP", 0, make([]byte, 3000)))
	require.NoError(t, fs.DeleteFile("TEMP", 0))
	after, _, _ := fs.FreeSpace()
	assert.Equal(t, free, after)
}

func TestAccessBits(t *testing.T) {
	fs := newFormatted(t)
	require.NoError(t, fs.WriteFile("GUARD", 0, []byte("x")))
	require.NoError(t, fs.SetAttributes("GUARD", common.Attributes{ReadOnly: true}))
	info, err := fs.Find("GUARD", 0)
	require.NoError(t, err)
	assert.True(t, info.Attributes.ReadOnly)
}

func TestNameLengthLimit(t *testing.T) {
	fs := newFormatted(t)
	assert.Error(t, fs.WriteFile("NAMEISMUCHTOOLONG", 0, []byte("x")))
}

func TestRename(t *testing.T) {
	fs := newFormatted(t)
	require.NoError(t, fs.WriteFile("OLD", 0, []byte("payload")))
	require.NoError(t, fs.Rename("OLD", "NEW", 0))
	_, err := fs.Find("OLD", 0)
	assert.Error(t, err)
	info, err := fs.Find("NEW", 0)
	require.NoError(t, err)
	read, err := fs.ReadFile(info)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), read)
}
