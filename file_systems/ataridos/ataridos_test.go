package ataridos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floppykit/uft"
	"github.com/floppykit/uft/file_systems/common"
)

func blankSDImage(t *testing.T) *uft.DiskImage {
	t.Helper()
	geometry := uft.Geometry{
		Cylinders: 40, Heads: 1, SectorsPerTrack: 18,
		BytesPerSector: 128, FirstSectorID: 1, Encoding: uft.EncodingFM,
	}
	img := uft.NewDiskImage(uft.FormatXFD, geometry)
	img.FillSectors(0)
	return img
}

func newFormatted(t *testing.T) *FS {
	t.Helper()
	fs, err := New(blankSDImage(t))
	require.NoError(t, err)
	require.NoError(t, fs.Format())
	return fs
}

func TestWriteConsumesExpectedSectors(t *testing.T) {
	fs := newFormatted(t)
	freeBefore := fs.FreeSectors()

	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, fs.WriteFile("TEST.DAT", 0, payload))

	// 125 data bytes per 128-byte sector: ceil(1000/125) = 8.
	assert.Equal(t, freeBefore-8, fs.FreeSectors())

	info, err := fs.Find("TEST.DAT", 0)
	require.NoError(t, err)
	assert.Equal(t, 8, info.BlockCount)

	read, err := fs.ReadFile(info)
	require.NoError(t, err)
	assert.Equal(t, payload, read)
}

func TestDirectoryListsLiveFiles(t *testing.T) {
	fs := newFormatted(t)
	require.NoError(t, fs.WriteFile("ONE.TXT", 0, []byte("first")))
	require.NoError(t, fs.WriteFile("TWO.TXT", 0, []byte("second file")))

	infos, err := fs.ListDirectory()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "ONE", infos[0].Name)
	assert.EqualValues(t, 5, infos[0].SizeBytes)
	assert.EqualValues(t, 11, infos[1].SizeBytes)
}

func TestDeleteRestoresFreeCount(t *testing.T) {
	fs := newFormatted(t)
	before := fs.FreeSectors()
	require.NoError(t, fs.WriteFile("GONE.DAT", 0, make([]byte, 500)))
	require.NoError(t, fs.DeleteFile("GONE.DAT", 0))
	assert.Equal(t, before, fs.FreeSectors())
	_, err := fs.Find("GONE.DAT", 0)
	assert.Error(t, err)
}

func TestOverwriteReplacesContent(t *testing.T) {
	fs := newFormatted(t)
	require.NoError(t, fs.WriteFile("SAME.DAT", 0, []byte("original content")))
	require.NoError(t, fs.WriteFile("SAME.DAT", 0, []byte("new")))
	info, err := fs.Find("SAME.DAT", 0)
	require.NoError(t, err)
	read, err := fs.ReadFile(info)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), read)
}

func TestRenameAndLock(t *testing.T) {
	fs := newFormatted(t)
	require.NoError(t, fs.WriteFile("A.DAT", 0, []byte("data")))
	require.NoError(t, fs.Rename("A.DAT", "B.DAT", 0))
	_, err := fs.Find("A.DAT", 0)
	assert.Error(t, err)

	require.NoError(t, fs.SetAttributes("B.DAT", common.Attributes{Locked: true}))
	info, err := fs.Find("B.DAT", 0)
	require.NoError(t, err)
	assert.True(t, info.Attributes.Locked)
}

func TestDirectoryFull(t *testing.T) {
	fs := newFormatted(t)
	wrote := 0
	for i := 0; i < 70; i++ {
		name := string([]byte{'F', '0' + byte(i/10), '0' + byte(i%10)}) + ".DAT"
		if err := fs.WriteFile(name, 0, []byte("x")); err != nil {
			break
		}
		wrote++
	}
	assert.Equal(t, 64, wrote, "eight directory sectors hold 64 entries")
}

func TestChainLinksCarryFileNumber(t *testing.T) {
	fs := newFormatted(t)
	require.NoError(t, fs.WriteFile("LINKED.DAT", 0, make([]byte, 300)))
	info, err := fs.Find("LINKED.DAT", 0)
	require.NoError(t, err)

	data, err := fs.sector(info.FirstExtent)
	require.NoError(t, err)
	fileNo := int(data[125] >> 2)
	assert.Equal(t, 0, fileNo, "first file on a fresh disk is file number 0")
	next := fs.nextInChain(data)
	assert.NotZero(t, next, "300 bytes spans three sectors")
}
