package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawSectorRoundTrip(t *testing.T) {
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	encoding, encoded := EncodeTelediskSector(payload)
	assert.EqualValues(t, TelediskRaw, encoding)

	decoded, err := DecodeTelediskSector(encoding, encoded, 512)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestRepeatedPatternRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xE5, 0xAA}, 256)
	encoding, encoded := EncodeTelediskSector(payload)
	assert.EqualValues(t, TelediskRepeated, encoding)
	assert.Len(t, encoded, 4, "a repeated sector compresses to four bytes")

	decoded, err := DecodeTelediskSector(encoding, encoded, 512)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestRLEFragments(t *testing.T) {
	// One literal block followed by a repeated word, as Teledisk emits.
	payload := []byte{
		0, 4, 1, 2, 3, 4, // literal: 4 bytes
		1, 5, 0xAB, 0xCD, // repeat AB CD five times
	}
	decoded, err := DecodeTelediskSector(TelediskRLE, payload, 14)
	require.NoError(t, err)
	want := append([]byte{1, 2, 3, 4}, bytes.Repeat([]byte{0xAB, 0xCD}, 5)...)
	assert.Equal(t, want, decoded)
}

func TestSizeMismatchRejected(t *testing.T) {
	_, err := DecodeTelediskSector(TelediskRaw, make([]byte, 100), 512)
	assert.Error(t, err)

	_, err = DecodeTelediskSector(TelediskRLE, []byte{0, 2, 1}, 2)
	assert.Error(t, err, "truncated literal fragment")
}

func TestUnknownEncodingRejected(t *testing.T) {
	_, err := DecodeTelediskSector(9, nil, 128)
	assert.Error(t, err)
}
