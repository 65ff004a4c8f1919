package formats

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floppykit/uft"
)

func tempPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := tempPath(t, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// patterned fills a buffer with position-dependent bytes so shifted or
// reordered data cannot pass the comparisons.
func patterned(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

func TestRawImageRoundTripBitExact(t *testing.T) {
	original := patterned(737280)
	in := writeTemp(t, "disk.img", original)

	plugin, err := uft.PluginFor(uft.FormatIMG)
	require.NoError(t, err)
	img, err := plugin.Open(in, false)
	require.NoError(t, err)
	assert.Equal(t, 80, img.Geometry.Cylinders)

	out := tempPath(t, "copy.img")
	require.NoError(t, plugin.Save(img, out))
	written, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, original, written)
}

func TestRawImageReadOnlyRefusesSave(t *testing.T) {
	in := writeTemp(t, "disk.img", make([]byte, 368640))
	plugin, _ := uft.PluginFor(uft.FormatIMG)
	img, err := plugin.Open(in, true)
	require.NoError(t, err)
	assert.Error(t, plugin.Save(img, tempPath(t, "out.img")))
}

func TestD64RoundTripWithErrorMap(t *testing.T) {
	// 35-track D64 plus 683 error bytes.
	base := patterned(174848)
	errMap := make([]byte, 683)
	for i := range errMap {
		errMap[i] = 1
	}
	errMap[5] = 5 // one data checksum error
	in := writeTemp(t, "game.d64", append(base, errMap...))

	plugin, _ := uft.PluginFor(uft.FormatD64)
	img, err := plugin.Open(in, false)
	require.NoError(t, err)
	assert.Equal(t, "35-track+errors", img.Metadata["variant"])

	sec, err := img.ReadSector(0, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, uft.SectorCRCError, sec.Status)

	out := tempPath(t, "copy.d64")
	require.NoError(t, plugin.Save(img, out))
	written, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, append(base, errMap...), written)
}

func TestProbeAfterSaveKeepsConfidence(t *testing.T) {
	// Universal invariant: probe(save(open(x))) identifies the format at
	// magic-level confidence for formats with magic.
	original := patterned(737280)
	in := writeTemp(t, "disk.st", original)
	stPlugin, _ := uft.PluginFor(uft.FormatST)
	img, err := stPlugin.Open(in, false)
	require.NoError(t, err)

	msaPlugin, _ := uft.PluginFor(uft.FormatMSA)
	out := tempPath(t, "disk.msa")
	require.NoError(t, msaPlugin.Save(img, out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, msaPlugin.Probe(data), float32(0.85))
}

func TestMSARoundTripPayload(t *testing.T) {
	original := patterned(368640) // 80 cyl, 1 side, 9 spt
	in := writeTemp(t, "disk.st", original)
	stPlugin, _ := uft.PluginFor(uft.FormatST)
	img, err := stPlugin.Open(in, false)
	require.NoError(t, err)

	msaPlugin, _ := uft.PluginFor(uft.FormatMSA)
	msaPath := tempPath(t, "disk.msa")
	require.NoError(t, msaPlugin.Save(img, msaPath))

	back, err := msaPlugin.Open(msaPath, false)
	require.NoError(t, err)
	stPath := tempPath(t, "back.st")
	require.NoError(t, stPlugin.Save(back, stPath))
	data, err := os.ReadFile(stPath)
	require.NoError(t, err)
	assert.Equal(t, original, data)
}

func TestATRRoundTrip(t *testing.T) {
	plugin, _ := uft.PluginFor(uft.FormatATR)

	payload := patterned(720 * 128)
	header := make([]byte, 16)
	header[0], header[1] = 0x96, 0x02
	paragraphs := len(payload) / 16
	header[2] = byte(paragraphs)
	header[3] = byte(paragraphs >> 8)
	header[4] = 128
	in := writeTemp(t, "disk.atr", append(header, payload...))

	img, err := plugin.Open(in, false)
	require.NoError(t, err)
	out := tempPath(t, "copy.atr")
	require.NoError(t, plugin.Save(img, out))

	written, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, payload, written[16:])
	assert.GreaterOrEqual(t, plugin.Probe(written), float32(0.85))
}

func TestEDSKRoundTripSectors(t *testing.T) {
	plugin, _ := uft.PluginFor(uft.FormatEDSK)

	geometry := uft.Geometry{
		Cylinders: 5, Heads: 1, SectorsPerTrack: 9,
		BytesPerSector: 512, FirstSectorID: 1, Encoding: uft.EncodingMFM,
	}
	img := uft.NewDiskImage(uft.FormatEDSK, geometry)
	img.FillSectors(0xC1)

	path := tempPath(t, "disk.dsk")
	require.NoError(t, plugin.Save(img, path))

	back, err := plugin.Open(path, false)
	require.NoError(t, err)
	sec, err := back.ReadSector(3, 0, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 0xC1, sec.Data[0])
	assert.Len(t, sec.Data, 512)
}

func TestIMDRoundTrip(t *testing.T) {
	plugin, _ := uft.PluginFor(uft.FormatIMD)

	geometry := uft.Geometry{
		Cylinders: 3, Heads: 2, SectorsPerTrack: 8,
		BytesPerSector: 512, FirstSectorID: 1, Encoding: uft.EncodingMFM,
	}
	img := uft.NewDiskImage(uft.FormatIMD, geometry)
	img.FillSectors(0xE5)
	require.NoError(t, img.WriteSector(1, 0, 3, patterned(512)))

	path := tempPath(t, "disk.imd")
	require.NoError(t, plugin.Save(img, path))

	back, err := plugin.Open(path, false)
	require.NoError(t, err)
	sec, err := back.ReadSector(1, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, patterned(512), sec.Data)

	uniform, err := back.ReadSector(2, 1, 8)
	require.NoError(t, err)
	assert.EqualValues(t, 0xE5, uniform.Data[511])
}

func TestPSISaveIsFlushedAndRereadable(t *testing.T) {
	plugin, _ := uft.PluginFor(uft.FormatPSI)

	geometry := uft.Geometry{
		Cylinders: 2, Heads: 1, SectorsPerTrack: 9,
		BytesPerSector: 512, FirstSectorID: 1, Encoding: uft.EncodingMFM,
	}
	img := uft.NewDiskImage(uft.FormatPSI, geometry)
	img.FillSectors(0x42)

	path := tempPath(t, "disk.psi")
	require.NoError(t, plugin.Save(img, path))

	// The file must be complete on disk immediately after Save returns.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, plugin.Probe(data), float32(0.95))

	back, err := plugin.Open(path, false)
	require.NoError(t, err)
	sec, err := back.ReadSector(1, 0, 9)
	require.NoError(t, err)
	assert.EqualValues(t, 0x42, sec.Data[0])
}

func TestPRIFluxRoundTrip(t *testing.T) {
	plugin, err := uft.PluginFor(uft.FormatPRI)
	require.NoError(t, err)

	geometry := uft.Geometry{
		Cylinders: 1, Heads: 1, SectorsPerTrack: 9,
		BytesPerSector: 512, FirstSectorID: 1, Encoding: uft.EncodingRaw,
	}
	img := uft.NewDiskImage(uft.FormatPRI, geometry)
	track, err := img.EnsureTrack(0, 0)
	require.NoError(t, err)
	track.Flux = &uft.FluxTrack{
		SampleFreqHz: 24000000,
		Samples:      []uint32{100, 250, 500, 1500, 70000},
		IndexTimes:   []uint32{72000},
		Revolutions:  1,
	}

	path := tempPath(t, "disk.pri")
	require.NoError(t, plugin.Save(img, path))
	back, err := plugin.Open(path, false)
	require.NoError(t, err)

	got := back.Track(0, 0)
	require.NotNil(t, got)
	require.NotNil(t, got.Flux)
	assert.Equal(t, track.Flux.Samples, got.Flux.Samples)
	assert.Equal(t, track.Flux.IndexTimes, got.Flux.IndexTimes)
	assert.Equal(t, track.Flux.SampleFreqHz, got.Flux.SampleFreqHz)
}

func TestStubFormatsReportUnsupported(t *testing.T) {
	plugin, err := uft.PluginFor(uft.FormatIPF)
	require.NoError(t, err)
	_, err = plugin.Open(writeTemp(t, "disk.ipf", []byte("CAPS")), true)
	assert.Error(t, err)
}

func TestConvertSummaryCountsDamage(t *testing.T) {
	geometry := uft.Geometry{
		Cylinders: 1, Heads: 1, SectorsPerTrack: 9,
		BytesPerSector: 512, FirstSectorID: 1, Encoding: uft.EncodingMFM,
	}
	img := uft.NewDiskImage(uft.FormatIMG, geometry)
	img.FillSectors(0x00)
	track := img.Track(0, 0)
	track.Sectors[2].Status = uft.SectorCRCError
	track.Sectors[5].Status = uft.SectorMissing
	track.Sectors[5].Data = nil

	out := tempPath(t, "out.psi")
	summary, err := Convert(img, uft.FormatPSI, out)
	require.NoError(t, err)
	assert.Equal(t, 7, summary.SectorsOK)
	assert.Equal(t, 2, summary.SectorsBad)
	assert.Equal(t, 1, summary.CRCErrors)
	assert.Equal(t, 1, summary.Missing)
	assert.Error(t, summary.Issues)
}
