package formats

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floppykit/uft"
	"github.com/floppykit/uft/flux"
)

// buildAppleImage assembles a 35-track GCR image with real encoded track
// bits, the shape a WOZ capture of a DOS 3.3 disk has.
func buildAppleImage(t *testing.T) *uft.DiskImage {
	t.Helper()
	geometry := uft.Geometry{
		Cylinders: 40, Heads: 1, SectorsPerTrack: 16,
		BytesPerSector: 256, FirstSectorID: 0, Encoding: uft.EncodingGCR,
	}
	img := uft.NewDiskImage(uft.FormatWOZ, geometry)
	for cyl := 0; cyl < 35; cyl++ {
		sectors := make([]uft.Sector, 16)
		for s := range sectors {
			data := make([]byte, 256)
			for j := range data {
				data[j] = byte(cyl ^ s ^ j)
			}
			sectors[s] = uft.Sector{
				ID:     uft.SectorID{Cylinder: uint8(cyl), Sector: uint8(s), SizeCode: 1},
				Status: uft.SectorOK,
				Data:   data,
			}
		}
		bs, err := flux.EncodeGCRApple(254, cyl, sectors)
		require.NoError(t, err)
		track, err := img.EnsureTrack(cyl, 0)
		require.NoError(t, err)
		track.RawBits = bs.Bytes()
		track.RawBitLen = bs.Length
		track.Sectors = sectors
	}
	return img
}

func TestWOZOpenSaveOpenPreservesTrackBits(t *testing.T) {
	plugin, _ := uft.PluginFor(uft.FormatWOZ)

	first := tempPath(t, "disk.woz")
	require.NoError(t, plugin.Save(buildAppleImage(t), first))

	opened, err := plugin.Open(first, false)
	require.NoError(t, err)
	second := tempPath(t, "copy.woz")
	require.NoError(t, plugin.Save(opened, second))
	reopened, err := plugin.Open(second, false)
	require.NoError(t, err)

	for cyl := 0; cyl < 35; cyl++ {
		a := opened.Track(cyl, 0)
		b := reopened.Track(cyl, 0)
		require.NotNil(t, a, "track %d first open", cyl)
		require.NotNil(t, b, "track %d second open", cyl)
		assert.Equal(t, a.RawBitLen, b.RawBitLen, "track %d bit count", cyl)
		assert.Equal(t, a.RawBits, b.RawBits, "track %d bits", cyl)
	}
}

func TestWOZDecodesSectors(t *testing.T) {
	plugin, _ := uft.PluginFor(uft.FormatWOZ)
	path := tempPath(t, "disk.woz")
	src := buildAppleImage(t)
	require.NoError(t, plugin.Save(src, path))

	opened, err := plugin.Open(path, false)
	require.NoError(t, err)
	track := opened.Track(17, 0)
	require.NotNil(t, track)
	require.Len(t, track.Sectors, 16)
	want := src.Track(17, 0).Sectors
	for i := range track.Sectors {
		assert.Equal(t, want[i].Data, track.Sectors[i].Data, "sector %d", i)
	}
}

func TestHFERoundTripPreservesCells(t *testing.T) {
	plugin, _ := uft.PluginFor(uft.FormatHFE)

	geometry := uft.Geometry{
		Cylinders: 10, Heads: 2, SectorsPerTrack: 9,
		BytesPerSector: 512, FirstSectorID: 1, Encoding: uft.EncodingMFM,
	}
	img := uft.NewDiskImage(uft.FormatHFE, geometry)
	img.FillSectors(0x6D)

	first := tempPath(t, "disk.hfe")
	require.NoError(t, plugin.Save(img, first))
	opened, err := plugin.Open(first, false)
	require.NoError(t, err)

	// Sectors must decode from the stored cells.
	track := opened.Track(4, 1)
	require.NotNil(t, track)
	require.NotEmpty(t, track.Sectors)
	sec := track.FindSector(3)
	require.NotNil(t, sec)
	assert.EqualValues(t, 0x6D, sec.Data[0])

	second := tempPath(t, "copy.hfe")
	require.NoError(t, plugin.Save(opened, second))
	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	assert.Equal(t, a, b, "unmodified HFE must round-trip bit-exactly")
}

func TestG64RoundTripSectors(t *testing.T) {
	plugin, _ := uft.PluginFor(uft.FormatG64)

	geometry := uft.Geometry{
		Cylinders: 42, Heads: 1, SectorsPerTrack: 21,
		BytesPerSector: 256, FirstSectorID: 0, Encoding: uft.EncodingGCR,
	}
	img := uft.NewDiskImage(uft.FormatG64, geometry)
	for cyl := 0; cyl < 35; cyl++ {
		track, err := img.EnsureTrack(cyl, 0)
		require.NoError(t, err)
		for s := 0; s < 17; s++ {
			data := make([]byte, 256)
			for j := range data {
				data[j] = byte(cyl + s + j)
			}
			track.Sectors = append(track.Sectors, uft.Sector{
				ID:     uft.SectorID{Cylinder: uint8(cyl), Sector: uint8(s), SizeCode: 1},
				Status: uft.SectorOK,
				Data:   data,
			})
		}
	}

	path := tempPath(t, "disk.g64")
	require.NoError(t, plugin.Save(img, path))
	opened, err := plugin.Open(path, false)
	require.NoError(t, err)

	track := opened.Track(20, 0)
	require.NotNil(t, track)
	require.Len(t, track.Sectors, 17)
	for s := 0; s < 17; s++ {
		sec := track.FindSector(uint8(s))
		require.NotNil(t, sec, "sector %d", s)
		assert.Equal(t, img.Track(20, 0).Sectors[s].Data, sec.Data)
	}
}

func TestSCPRoundTripFlux(t *testing.T) {
	plugin, _ := uft.PluginFor(uft.FormatSCP)

	geometry := uft.Geometry{
		Cylinders: 2, Heads: 2, SectorsPerTrack: 18,
		BytesPerSector: 512, FirstSectorID: 1, Encoding: uft.EncodingRaw,
	}
	img := uft.NewDiskImage(uft.FormatSCP, geometry)
	for cyl := 0; cyl < 2; cyl++ {
		for head := 0; head < 2; head++ {
			track, err := img.EnsureTrack(cyl, head)
			require.NoError(t, err)
			samples := make([]uint32, 0, 1000)
			var total uint64
			for i := 0; i < 1000; i++ {
				s := uint32(80 + (cyl+head+i)%40)
				samples = append(samples, s)
				total += uint64(s)
			}
			track.Flux = &uft.FluxTrack{
				SampleFreqHz: 40000000,
				Samples:      samples,
				IndexTimes:   []uint32{uint32(total)},
				Revolutions:  1,
			}
		}
	}

	path := tempPath(t, "disk.scp")
	require.NoError(t, plugin.Save(img, path))
	opened, err := plugin.Open(path, false)
	require.NoError(t, err)

	for cyl := 0; cyl < 2; cyl++ {
		for head := 0; head < 2; head++ {
			src := img.Track(cyl, head).Flux
			got := opened.Track(cyl, head)
			require.NotNil(t, got, "track %d.%d", cyl, head)
			require.NotNil(t, got.Flux)
			assert.Equal(t, src.Samples, got.Flux.Samples, "track %d.%d samples", cyl, head)
			assert.Equal(t, src.SampleFreqHz, got.Flux.SampleFreqHz)
		}
	}
}

func TestNIBRoundTripSectors(t *testing.T) {
	plugin, _ := uft.PluginFor(uft.FormatNIB)

	geometry := uft.Geometry{
		Cylinders: 42, Heads: 1, SectorsPerTrack: 21,
		BytesPerSector: 256, FirstSectorID: 0, Encoding: uft.EncodingGCR,
	}
	img := uft.NewDiskImage(uft.FormatNIB, geometry)
	track, err := img.EnsureTrack(0, 0)
	require.NoError(t, err)
	data := make([]byte, 256)
	for j := range data {
		data[j] = byte(j ^ 0x3C)
	}
	track.Sectors = append(track.Sectors, uft.Sector{
		ID:     uft.SectorID{Sector: 0, SizeCode: 1},
		Status: uft.SectorOK,
		Data:   data,
	})

	path := tempPath(t, "disk.nib")
	require.NoError(t, plugin.Save(img, path))
	opened, err := plugin.Open(path, false)
	require.NoError(t, err)
	got := opened.Track(0, 0)
	require.NotNil(t, got)
	require.Len(t, got.Sectors, 1)
	assert.Equal(t, data, got.Sectors[0].Data)
}
