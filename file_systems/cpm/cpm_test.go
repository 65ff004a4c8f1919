package cpm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floppykit/uft"
	"github.com/floppykit/uft/file_systems/common"
)

func kaAttrs() common.Attributes {
	return common.Attributes{ReadOnly: true, System: true}
}

func kaypro4Image(t *testing.T) (*uft.DiskImage, Definition) {
	t.Helper()
	def, err := LookupDefinition("kaypro4")
	require.NoError(t, err)
	img := uft.NewDiskImage(uft.FormatIMG, def.Geometry())
	img.FillSectors(0xE5)
	return img, def
}

func TestKayproDPBDerivation(t *testing.T) {
	def, err := LookupDefinition("kaypro4")
	require.NoError(t, err)
	dpb := def.DPB()

	assert.Equal(t, 40, dpb.SPT, "10 sectors of 512 bytes is 40 records")
	assert.Equal(t, 4, dpb.BSH)
	assert.Equal(t, 15, dpb.BLM)
	assert.Equal(t, 2048, dpb.BlockSize())
	assert.Equal(t, 196, dpb.DSM)
	assert.Equal(t, 63, dpb.DRM)
	assert.Equal(t, 1, dpb.EXM)
	assert.False(t, dpb.Use16BitPointers())
	assert.Equal(t, 1, dpb.DirBlocks())
}

func TestKayproWriteListRead(t *testing.T) {
	img, def := kaypro4Image(t)
	fs, err := New(img, &def)
	require.NoError(t, err)
	require.NoError(t, fs.Format())

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i * 13)
	}
	require.NoError(t, fs.WriteFile("TEST.TXT", 0, payload))

	infos, err := fs.ListDirectory()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "TEST", infos[0].Name)
	assert.Equal(t, "TXT", infos[0].Extension)
	assert.Equal(t, 24, infos[0].RecordCount, "3000 bytes is 24 records")
	assert.GreaterOrEqual(t, infos[0].SizeBytes, int64(3000))
	assert.Equal(t, 0, infos[0].UserNumber)

	read, err := fs.ReadFile(&infos[0])
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(read), 3000)
	assert.Equal(t, payload, read[:3000])
	for _, b := range read[3000:] {
		assert.EqualValues(t, 0x1A, b, "record padding must be 0x1A")
	}
}

func TestMultiExtentFile(t *testing.T) {
	img, def := kaypro4Image(t)
	fs, err := New(img, &def)
	require.NoError(t, err)
	require.NoError(t, fs.Format())

	// One entry spans 16 blocks of 2K; 40000 bytes needs a second extent.
	payload := make([]byte, 40000)
	for i := range payload {
		payload[i] = byte(i ^ i>>8)
	}
	require.NoError(t, fs.WriteFile("BIG.BIN", 0, payload))

	info, err := fs.Find("BIG.BIN", 0)
	require.NoError(t, err)
	read, err := fs.ReadFile(info)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(read), 40000)
	assert.Equal(t, payload, read[:40000])
}

func TestDeleteFreesBlocks(t *testing.T) {
	img, def := kaypro4Image(t)
	fs, err := New(img, &def)
	require.NoError(t, err)
	require.NoError(t, fs.Format())

	freeBefore, _, err := fs.FreeSpace()
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile("TEMP.DAT", 0, make([]byte, 5000)))
	freeDuring, _, _ := fs.FreeSpace()
	assert.Less(t, freeDuring, freeBefore)

	require.NoError(t, fs.DeleteFile("TEMP.DAT", 0))
	freeAfter, _, _ := fs.FreeSpace()
	assert.Equal(t, freeBefore, freeAfter)

	_, err = fs.Find("TEMP.DAT", 0)
	assert.Error(t, err)
}

func TestUserAreasAreSeparate(t *testing.T) {
	img, def := kaypro4Image(t)
	fs, err := New(img, &def)
	require.NoError(t, err)
	require.NoError(t, fs.Format())

	require.NoError(t, fs.WriteFile("SAME.TXT", 0, []byte("user zero")))
	require.NoError(t, fs.WriteFile("SAME.TXT", 3, []byte("user three, longer")))

	zero, err := fs.Find("SAME.TXT", 0)
	require.NoError(t, err)
	three, err := fs.Find("SAME.TXT", 3)
	require.NoError(t, err)

	zeroData, err := fs.ReadFile(zero)
	require.NoError(t, err)
	threeData, err := fs.ReadFile(three)
	require.NoError(t, err)
	assert.Equal(t, []byte("user zero"), zeroData[:9])
	assert.Equal(t, []byte("user three, longer"), threeData[:18])

	_, err = fs.Find("SAME.TXT", 7)
	assert.Error(t, err)
}

func TestRenameAndAttributes(t *testing.T) {
	img, def := kaypro4Image(t)
	fs, err := New(img, &def)
	require.NoError(t, err)
	require.NoError(t, fs.Format())

	require.NoError(t, fs.WriteFile("OLD.COM", 0, []byte{0xC9}))
	require.NoError(t, fs.Rename("OLD.COM", "NEW.COM", 0))
	_, err = fs.Find("OLD.COM", 0)
	assert.Error(t, err)

	require.NoError(t, fs.SetAttributes("NEW.COM", kaAttrs()))
	info, err := fs.Find("NEW.COM", 0)
	require.NoError(t, err)
	assert.True(t, info.Attributes.ReadOnly)
	assert.True(t, info.Attributes.System)
}

func TestMatchDefinitionByGeometry(t *testing.T) {
	def, err := LookupDefinition("kaypro4")
	require.NoError(t, err)
	matched, ok := MatchDefinition(def.Geometry())
	assert.True(t, ok)
	assert.Equal(t, def.Name, matched.Name)
}

func TestSkewTableIsPermutation(t *testing.T) {
	def, err := LookupDefinition("ibm-8-sssd")
	require.NoError(t, err)
	table := def.SkewTable()
	require.Len(t, table, 26)
	seen := map[int]bool{}
	for _, p := range table {
		assert.False(t, seen[p], "skew table must not repeat %d", p)
		seen[p] = true
	}
}

func TestDirectoryFullReported(t *testing.T) {
	img, def := kaypro4Image(t)
	fs, err := New(img, &def)
	require.NoError(t, err)
	require.NoError(t, fs.Format())

	wrote := 0
	for i := 0; i < 70; i++ {
		name := string([]byte{'A' + byte(i/10), '0' + byte(i%10)}) + ".DAT"
		if err := fs.WriteFile(name, 0, []byte("x")); err != nil {
			break
		}
		wrote++
	}
	assert.Equal(t, 64, wrote, "DRM 63 allows exactly 64 single-extent files")
}
