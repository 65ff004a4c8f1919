package dos33

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floppykit/uft"
	"github.com/floppykit/uft/file_systems/common"
)

func blankDisk(t *testing.T) *uft.DiskImage {
	t.Helper()
	geometry := uft.Geometry{
		Cylinders: 35, Heads: 1, SectorsPerTrack: 16,
		BytesPerSector: 256, FirstSectorID: 0, Encoding: uft.EncodingGCR,
	}
	img := uft.NewDiskImage(uft.FormatDO, geometry)
	img.FillSectors(0)
	return img
}

func newFormatted(t *testing.T) *FS {
	t.Helper()
	img := blankDisk(t)
	// A zeroed VTOC is invalid; build the structures through Format.
	fs := &FS{dev: common.NewDevice(img), tracks: 35, sectors: 16}
	require.NoError(t, fs.Format())
	reopened, err := New(img)
	require.NoError(t, err)
	return reopened
}

func TestFormatProducesOpenableVTOC(t *testing.T) {
	fs := newFormatted(t)
	infos, err := fs.ListDirectory()
	require.NoError(t, err)
	assert.Empty(t, infos)

	free, total, err := fs.FreeSpace()
	require.NoError(t, err)
	assert.EqualValues(t, 35*16*256, total)
	// Tracks 0-2 and 17 are reserved by Format.
	assert.EqualValues(t, (35-4)*16*256, free)
}

func TestWriteAndReadBack(t *testing.T) {
	fs := newFormatted(t)
	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = byte(i * 5)
	}
	require.NoError(t, fs.WriteFile("MYPROG", 0, payload))

	info, err := fs.Find("MYPROG", 0)
	require.NoError(t, err)
	// 3 data sectors plus 1 track/sector list.
	assert.Equal(t, 4, info.RecordCount)

	read, err := fs.ReadFile(info)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(read), 600)
	assert.Equal(t, payload, read[:600])
}

func TestDeleteMarksAndFrees(t *testing.T) {
	fs := newFormatted(t)
	free, _, _ := fs.FreeSpace()
	require.NoError(t, fs.WriteFile("TEMP", 0, make([]byte, 1000)))
	require.NoError(t, fs.DeleteFile("TEMP", 0))
	after, _, _ := fs.FreeSpace()
	assert.Equal(t, free, after)
	_, err := fs.Find("TEMP", 0)
	assert.Error(t, err)
}

func TestLockBitInFileType(t *testing.T) {
	fs := newFormatted(t)
	require.NoError(t, fs.WriteFile("LOCKME", 0, []byte("x")))
	require.NoError(t, fs.SetAttributes("LOCKME", common.Attributes{Locked: true}))
	info, err := fs.Find("LOCKME", 0)
	require.NoError(t, err)
	assert.True(t, info.Attributes.Locked)
	assert.Equal(t, "B", info.Extension, "files are stored as type B")
}

func TestCatalogHoldsManyFiles(t *testing.T) {
	fs := newFormatted(t)
	// 15 catalog sectors x 7 descriptors.
	for i := 0; i < 105; i++ {
		name := "FILE" + string([]byte{'A' + byte(i/26), 'A' + byte(i%26)})
		require.NoErrorf(t, fs.WriteFile(name, 0, []byte("z")), "file %d", i)
	}
	assert.Error(t, fs.WriteFile("ONEMORE", 0, []byte("z")))
}

func TestRename(t *testing.T) {
	fs := newFormatted(t)
	require.NoError(t, fs.WriteFile("BEFORE", 0, []byte("data")))
	require.NoError(t, fs.Rename("BEFORE", "AFTER", 0))
	info, err := fs.Find("AFTER", 0)
	require.NoError(t, err)
	read, err := fs.ReadFile(info)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), read[:4])
}
