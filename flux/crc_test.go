package flux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRCSeedAfterSyncBytes(t *testing.T) {
	// The controller seeds 0xFFFF and folds the three A1 sync bytes before
	// the mark byte; 0xB230 after A1 A1 A1 FE is the canonical value.
	crc := CRC16(crcInit, []byte{0xA1, 0xA1, 0xA1, 0xFE})
	assert.EqualValues(t, 0xB230, crc)
}

func TestCRCOverIDFieldWithTrailerIsZero(t *testing.T) {
	header := []byte{0xA1, 0xA1, 0xA1, 0xFE, 3, 1, 7, 2}
	crc := CRC16(crcInit, header)
	withTrailer := append(append([]byte(nil), header...), byte(crc>>8), byte(crc))
	assert.EqualValues(t, 0, CRC16(crcInit, withTrailer))
}

func TestCRCByteMatchesSliceFold(t *testing.T) {
	data := []byte{0x00, 0xFF, 0x55, 0xAA, 0x12}
	crc := uint16(crcInit)
	for _, b := range data {
		crc = CRC16Byte(crc, b)
	}
	assert.Equal(t, CRC16(crcInit, data), crc)
}
