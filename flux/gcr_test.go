package flux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floppykit/uft"
)

func make256Sectors(count int, seed byte) []uft.Sector {
	sectors := make([]uft.Sector, count)
	for i := range sectors {
		data := make([]byte, 256)
		for j := range data {
			data[j] = seed ^ byte(i*31+j)
		}
		sectors[i] = uft.Sector{
			ID:     uft.SectorID{Sector: uint8(i), SizeCode: 1},
			Status: uft.SectorOK,
			Data:   data,
		}
	}
	return sectors
}

func TestCommodoreGCRRoundTrip(t *testing.T) {
	sectors := make256Sectors(21, 0xA5)
	bs, err := EncodeGCRCommodore(18, sectors, [2]byte{'A', 'B'})
	require.NoError(t, err)

	decoded := ScanGCRCommodore(bs)
	require.Len(t, decoded, 21)
	for i, sec := range decoded {
		assert.EqualValues(t, i, sec.ID.Sector)
		assert.EqualValues(t, 17, sec.ID.Cylinder, "surface track is 1-based")
		assert.Equal(t, uft.SectorOK, sec.Status)
		assert.Equal(t, sectors[i].Data, sec.Data)
	}
}

func TestCommodoreGCRDetectsChecksumDamage(t *testing.T) {
	sectors := make256Sectors(1, 0x00)
	bs, err := EncodeGCRCommodore(1, sectors, [2]byte{'X', 'Y'})
	require.NoError(t, err)

	// Flip a data bit inside the data block: past the header (sync + 10
	// GCR bytes + gap) and data sync.
	bs.Bytes()[150] ^= 0x01
	decoded := ScanGCRCommodore(bs)
	if len(decoded) == 1 && decoded[0].Data != nil {
		assert.Equal(t, uft.SectorCRCError, decoded[0].Status)
	}
}

func TestAppleGCRRoundTrip(t *testing.T) {
	sectors := make256Sectors(16, 0x5A)
	bs, err := EncodeGCRApple(254, 17, sectors)
	require.NoError(t, err)

	decoded := ScanGCRApple(bs)
	require.Len(t, decoded, 16)
	for i, sec := range decoded {
		assert.EqualValues(t, i, sec.ID.Sector)
		assert.EqualValues(t, 17, sec.ID.Cylinder)
		assert.Equal(t, uft.SectorOK, sec.Status)
		assert.Equal(t, sectors[i].Data, sec.Data, "sector %d payload", i)
	}
}

func TestAppleGCRNibbleTableIsInvertible(t *testing.T) {
	for value, nibble := range appleGCREncode {
		assert.EqualValues(t, value, appleGCRDecode[nibble])
	}
}

func TestCommodoreGCRCodeTableIsInvertible(t *testing.T) {
	for nibble, code := range cbmGCREncode {
		assert.EqualValues(t, nibble, cbmGCRDecode[code])
	}
}
