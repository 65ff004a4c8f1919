package flux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floppykit/uft"
)

func makeSectors(count, size int, fill byte) []uft.Sector {
	code, _ := uft.SizeCodeForBytes(size)
	sectors := make([]uft.Sector, count)
	for i := range sectors {
		data := make([]byte, size)
		for j := range data {
			data[j] = fill + byte(i) + byte(j%7)
		}
		sectors[i] = uft.Sector{
			ID: uft.SectorID{
				Cylinder: 5,
				Head:     1,
				Sector:   uint8(i + 1),
				SizeCode: code,
			},
			Status: uft.SectorOK,
			Data:   data,
		}
	}
	return sectors
}

func TestMFMTrackRoundTrip(t *testing.T) {
	sectors := makeSectors(9, 512, 0x11)
	bs, err := EncodeTrackMFM(sectors)
	require.NoError(t, err)

	decoded := ScanMFM(bs)
	require.Len(t, decoded, 9)
	for i, sec := range decoded {
		assert.Equal(t, sectors[i].ID, sec.ID, "sector %d ID", i)
		assert.Equal(t, uft.SectorOK, sec.Status, "sector %d status", i)
		assert.Equal(t, sectors[i].Data, sec.Data, "sector %d payload", i)
	}
}

func TestMFMDeletedMarkSurvives(t *testing.T) {
	sectors := makeSectors(2, 256, 0x40)
	sectors[1].Status = uft.SectorDeleted
	bs, err := EncodeTrackMFM(sectors)
	require.NoError(t, err)

	decoded := ScanMFM(bs)
	require.Len(t, decoded, 2)
	assert.Equal(t, uft.SectorOK, decoded[0].Status)
	assert.Equal(t, uft.SectorDeleted, decoded[1].Status)
	assert.Equal(t, sectors[1].Data, decoded[1].Data)
}

func TestMFMBadFillForMissingPayload(t *testing.T) {
	sectors := makeSectors(1, 256, 0)
	sectors[0].Data = nil
	bs, err := EncodeTrackMFM(sectors)
	require.NoError(t, err)

	decoded := ScanMFM(bs)
	require.Len(t, decoded, 1)
	for _, b := range decoded[0].Data {
		assert.EqualValues(t, 0xF6, b)
	}
}

func TestFMTrackRoundTrip(t *testing.T) {
	sectors := makeSectors(10, 256, 0x33)
	bs, err := EncodeTrackFM(sectors)
	require.NoError(t, err)

	decoded := ScanFM(bs)
	require.Len(t, decoded, 10)
	for i, sec := range decoded {
		assert.Equal(t, sectors[i].ID, sec.ID)
		assert.Equal(t, sectors[i].Data, sec.Data)
		assert.Equal(t, uft.SectorOK, sec.Status)
	}
}

func TestMFMRejectsMismatchedPayload(t *testing.T) {
	sectors := makeSectors(1, 256, 0)
	sectors[0].Data = sectors[0].Data[:100]
	_, err := EncodeTrackMFM(sectors)
	assert.Error(t, err)
}
