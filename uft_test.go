package uft

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uerrors "github.com/floppykit/uft/errors"
)

func TestGeometryValidate(t *testing.T) {
	good := Geometry{Cylinders: 80, Heads: 2, SectorsPerTrack: 9, BytesPerSector: 512}
	assert.NoError(t, good.Validate())

	tiny := Geometry{Cylinders: 40, Heads: 1, SectorsPerTrack: 1, BytesPerSector: 64}
	assert.Error(t, tiny.Validate())

	huge := Geometry{Cylinders: 40, Heads: 1, SectorsPerTrack: 36, BytesPerSector: 1024}
	assert.Error(t, huge.Validate(), "36 KiB per track exceeds the cap")
}

func TestSizeCodes(t *testing.T) {
	for code, size := range map[uint8]int{0: 128, 1: 256, 2: 512, 3: 1024} {
		id := SectorID{SizeCode: code}
		assert.Equal(t, size, id.SizeBytes())
		got, err := SizeCodeForBytes(size)
		require.NoError(t, err)
		assert.Equal(t, code, got)
	}
	_, err := SizeCodeForBytes(300)
	assert.Error(t, err)
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, f := range []Format{FormatD64, FormatEDSK, FormatSCP, FormatKFStream} {
		parsed, err := ParseFormat(f.String())
		require.NoError(t, err)
		assert.Equal(t, f, parsed)
	}
	_, err := ParseFormat("no-such-format")
	assert.True(t, stderrors.Is(err, uerrors.ErrInvalidParam))
}

func TestDiskImageTrackTable(t *testing.T) {
	g := Geometry{Cylinders: 40, Heads: 2, SectorsPerTrack: 9, BytesPerSector: 512, FirstSectorID: 1}
	img := NewDiskImage(FormatIMG, g)
	assert.Len(t, img.Tracks, 80)

	assert.Nil(t, img.Track(0, 0))
	track, err := img.EnsureTrack(3, 1)
	require.NoError(t, err)
	assert.Same(t, track, img.Track(3, 1))

	_, err = img.EnsureTrack(40, 0)
	assert.Error(t, err)
}

func TestWriteSectorInvalidatesRawBits(t *testing.T) {
	g := Geometry{Cylinders: 1, Heads: 1, SectorsPerTrack: 9, BytesPerSector: 512, FirstSectorID: 1}
	img := NewDiskImage(FormatIMG, g)
	img.FillSectors(0)
	track := img.Track(0, 0)
	track.RawBits = []byte{0xAA}
	track.RawBitLen = 8

	require.NoError(t, img.WriteSector(0, 0, 1, make([]byte, 512)))
	assert.Nil(t, track.RawBits)
	assert.Zero(t, track.RawBitLen)
}

func TestWriteSectorChecksSize(t *testing.T) {
	g := Geometry{Cylinders: 1, Heads: 1, SectorsPerTrack: 9, BytesPerSector: 512, FirstSectorID: 1}
	img := NewDiskImage(FormatIMG, g)
	img.FillSectors(0xE5)
	err := img.WriteSector(0, 0, 1, make([]byte, 256))
	assert.True(t, stderrors.Is(err, uerrors.ErrInvalidParam))
}

func TestFillSectors(t *testing.T) {
	g := Geometry{Cylinders: 2, Heads: 1, SectorsPerTrack: 4, BytesPerSector: 256, FirstSectorID: 1}
	img := NewDiskImage(FormatIMG, g)
	img.FillSectors(0xE5)
	sec, err := img.ReadSector(1, 0, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 0xE5, sec.Data[0])
	assert.EqualValues(t, 0xE5, sec.Data[255])
}
