package trsdos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floppykit/uft"
	"github.com/floppykit/uft/file_systems/common"
)

func blankModelI(t *testing.T) *uft.DiskImage {
	t.Helper()
	geometry := uft.Geometry{
		Cylinders: 35, Heads: 1, SectorsPerTrack: 10,
		BytesPerSector: 256, FirstSectorID: 0, Encoding: uft.EncodingFM,
	}
	img := uft.NewDiskImage(uft.FormatJV1, geometry)
	img.FillSectors(0)
	return img
}

func newFormatted(t *testing.T) *FS {
	t.Helper()
	fs, err := New(blankModelI(t), VersionTRSDOS23)
	require.NoError(t, err)
	require.NoError(t, fs.Format())
	return fs
}

func TestPasswordHash(t *testing.T) {
	// The hash left-shifts and XORs the upper-cased characters, so case
	// must not matter and order must.
	assert.Equal(t, HashPassword("SECRET"), HashPassword("secret"))
	assert.NotEqual(t, HashPassword("AB"), HashPassword("BA"))
	assert.NotZero(t, HashPassword("        "))
}

func TestGranuleGeometry(t *testing.T) {
	fs := newFormatted(t)
	// 34 data tracks (directory track excluded) at 2 granules each.
	assert.Equal(t, 68, fs.totalGranules())
	free, total, err := fs.FreeSpace()
	require.NoError(t, err)
	assert.Equal(t, total, free)
	assert.EqualValues(t, 68*5*256, total)
}

func TestGranuleMappingSkipsDirectoryTrack(t *testing.T) {
	fs := newFormatted(t)
	g := fs.dev.Geometry()
	dirStart := dirTrack * g.SectorsPerTrack
	for gran := 0; gran < fs.totalGranules(); gran++ {
		sector := fs.granuleToSector(gran)
		assert.False(t, sector >= dirStart && sector < dirStart+g.SectorsPerTrack,
			"granule %d maps into the directory track", gran)
	}
}

func TestWriteReadDelete(t *testing.T) {
	fs := newFormatted(t)
	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i * 11)
	}
	require.NoError(t, fs.WriteFile("DATA/BIN", 0, payload))

	info, err := fs.Find("DATA/BIN", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3000, info.SizeBytes)
	// ceil(3000 / 1280) granules.
	assert.Equal(t, 3, info.BlockCount)

	read, err := fs.ReadFile(info)
	require.NoError(t, err)
	assert.Equal(t, payload, read)

	free, _, _ := fs.FreeSpace()
	require.NoError(t, fs.DeleteFile("DATA/BIN", 0))
	after, _, _ := fs.FreeSpace()
	assert.Equal(t, free+3*5*256, after)
}

func TestExtentsCoalesce(t *testing.T) {
	fs := newFormatted(t)
	// A fresh disk allocates contiguous granules: one extent run.
	require.NoError(t, fs.WriteFile("BIG/DAT", 0, make([]byte, 6000)))
	info, err := fs.Find("BIG/DAT", 0)
	require.NoError(t, err)
	entry, err := fs.entryAt(info.FirstExtent)
	require.NoError(t, err)
	assert.Len(t, fs.entryExtents(entry), 1)
}

func TestDetectVersionOnFormattedDisk(t *testing.T) {
	fs := newFormatted(t)
	require.NoError(t, fs.WriteFile("HELLO/CMD", 0, []byte("program")))

	// Give the boot sector a Z80 jump so the heuristics see a system disk.
	boot := make([]byte, 256)
	boot[0] = 0xC3
	require.NoError(t, fs.dev.WriteSector(0, boot))

	version := DetectVersion(fs.dev.Image())
	assert.Equal(t, VersionTRSDOS23, version)
}

func TestAttributes(t *testing.T) {
	fs := newFormatted(t)
	require.NoError(t, fs.WriteFile("SYS0/SYS", 0, []byte("sys")))
	require.NoError(t, fs.SetAttributes("SYS0/SYS", common.Attributes{System: true, Hidden: true}))
	info, err := fs.Find("SYS0/SYS", 0)
	require.NoError(t, err)
	assert.True(t, info.Attributes.System)
	assert.True(t, info.Attributes.Hidden)
}
