package fat

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floppykit/uft"
	"github.com/floppykit/uft/file_systems/common"
)

func blankST(t *testing.T) *uft.DiskImage {
	t.Helper()
	geometry := uft.Geometry{
		Cylinders: 80, Heads: 2, SectorsPerTrack: 9,
		BytesPerSector: 512, FirstSectorID: 1, Encoding: uft.EncodingMFM,
	}
	img := uft.NewDiskImage(uft.FormatST, geometry)
	img.FillSectors(0)
	return img
}

func newFormatted(t *testing.T) *FS {
	t.Helper()
	img := blankST(t)
	fs := &FS{dev: common.NewDevice(img), variant: VariantAtariST}
	require.NoError(t, fs.Format())
	reopened, err := New(img, VariantAtariST)
	require.NoError(t, err)
	return reopened
}

func TestFormatWritesParsableBPB(t *testing.T) {
	fs := newFormatted(t)
	bpb := fs.BPB()
	assert.Equal(t, 2, bpb.SectorsPerCluster, "ST prefers two-sector clusters")
	assert.Equal(t, 512, bpb.BytesPerSector)
	assert.Equal(t, 1440, bpb.TotalSectors)
	assert.True(t, StandardSTFormat(bpb.TotalSectors))
	assert.False(t, StandardSTFormat(1441))
	assert.False(t, bpb.Bootable, "a data disk must not sum to the boot magic")
}

func TestBootChecksumRule(t *testing.T) {
	sector := make([]byte, 512)
	bpb := &BPB{
		BytesPerSector: 512, SectorsPerCluster: 2, ReservedSectors: 1,
		FATCount: 2, RootEntries: 112, TotalSectors: 1440,
		SectorsPerFAT: 5, SectorsPerTrack: 9, Heads: 2, Serial: 0x123456,
	}
	bpb.Serialize(sector, true)

	var sum uint16
	for i := 0; i < 512; i += 2 {
		sum += binary.BigEndian.Uint16(sector[i : i+2])
	}
	assert.EqualValues(t, 0x1234, sum)

	parsed, err := ParseBPB(sector)
	require.NoError(t, err)
	assert.True(t, parsed.Bootable)
	assert.EqualValues(t, 0x123456, parsed.Serial)
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs := newFormatted(t)
	payload := make([]byte, 4000)
	for i := range payload {
		payload[i] = byte(i * 17)
	}
	require.NoError(t, fs.WriteFile("REPORT.TXT", 0, payload))

	info, err := fs.Find("REPORT.TXT", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 4000, info.SizeBytes)
	read, err := fs.ReadFile(info)
	require.NoError(t, err)
	assert.Equal(t, payload, read)
}

func TestFATChainLinksClusters(t *testing.T) {
	fs := newFormatted(t)
	require.NoError(t, fs.WriteFile("CHAIN.BIN", 0, make([]byte, 3000)))
	info, err := fs.Find("CHAIN.BIN", 0)
	require.NoError(t, err)
	clusters, err := fs.chain(info.FirstExtent)
	require.NoError(t, err)
	assert.Len(t, clusters, 3, "3000 bytes in 1024-byte clusters")
}

func TestDeleteFreesChain(t *testing.T) {
	fs := newFormatted(t)
	free, _, _ := fs.FreeSpace()
	require.NoError(t, fs.WriteFile("TEMP.DAT", 0, make([]byte, 5000)))
	require.NoError(t, fs.DeleteFile("TEMP.DAT", 0))
	after, _, _ := fs.FreeSpace()
	assert.Equal(t, free, after)
}

func TestHuman68kNameDecoding(t *testing.T) {
	img := blankST(t)
	fs := &FS{dev: common.NewDevice(img), variant: VariantHuman68k}
	require.NoError(t, fs.Format())
	reopened, err := New(img, VariantHuman68k)
	require.NoError(t, err)

	// Plant a directory entry whose name starts with a Shift-JIS lead
	// byte; the decoder maps the pair to a single '?'.
	rootStart := reopened.bpb.ReservedSectors + reopened.bpb.FATCount*reopened.bpb.SectorsPerFAT
	sector, err := reopened.dev.ReadSector(rootStart)
	require.NoError(t, err)
	buf := append([]byte(nil), sector...)
	copy(buf[0:11], []byte{0x83, 0x41, 'G', 'A', 'M', 'E', ' ', ' ', 'D', 'O', 'C'})
	buf[0x0B] = attrArchive
	binary.LittleEndian.PutUint16(buf[0x1A:0x1C], 0)
	require.NoError(t, reopened.dev.WriteSector(rootStart, buf))

	infos, err := reopened.ListDirectory()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "?GAME", infos[0].Name)
	assert.Equal(t, "DOC", infos[0].Extension)
}

func TestAttributesRoundTrip(t *testing.T) {
	fs := newFormatted(t)
	require.NoError(t, fs.WriteFile("SYS.CNF", 0, []byte("boot")))
	require.NoError(t, fs.SetAttributes("SYS.CNF", common.Attributes{
		ReadOnly: true, Hidden: true, System: true,
	}))
	info, err := fs.Find("SYS.CNF", 0)
	require.NoError(t, err)
	assert.True(t, info.Attributes.ReadOnly)
	assert.True(t, info.Attributes.Hidden)
	assert.True(t, info.Attributes.System)
}

func TestRenameConflictRefused(t *testing.T) {
	fs := newFormatted(t)
	require.NoError(t, fs.WriteFile("A.TXT", 0, []byte("a")))
	require.NoError(t, fs.WriteFile("B.TXT", 0, []byte("b")))
	assert.Error(t, fs.Rename("A.TXT", "B.TXT", 0))
}
