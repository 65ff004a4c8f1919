package flux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, samples []uint32) []uint32 {
	t.Helper()
	encoded := EncodeStream(samples, nil)
	decoded, indexes, err := DecodeStream(encoded)
	require.NoError(t, err)
	assert.Empty(t, indexes)
	return decoded
}

func TestStreamRoundTripKnownSamples(t *testing.T) {
	samples := []uint32{100, 250, 500, 1500, 70000}
	assert.Equal(t, samples, roundTrip(t, samples))
}

func TestStreamRoundTripFullDomain(t *testing.T) {
	// Exhaustive over the single- and two-byte ranges plus the boundary
	// regions, then stride sampling up to 2^24.
	var samples []uint32
	for s := uint32(1); s <= 2000; s++ {
		samples = append(samples, s)
	}
	for s := uint32(65400); s <= 66200; s++ {
		samples = append(samples, s)
	}
	for s := uint32(66201); s < 1<<24; s += 9973 {
		samples = append(samples, s)
	}
	samples = append(samples, 1<<24-1)
	assert.Equal(t, samples, roundTrip(t, samples))
}

func TestStreamEncodingBoundaries(t *testing.T) {
	cases := []struct {
		sample uint32
		bytes  int
	}{
		{1, 1},
		{249, 1},
		{250, 2},
		{1505, 2},
		{1506, 3},
		{250 + 0xFFFF, 3},
	}
	for _, c := range cases {
		encoded := EncodeSample(nil, c.sample)
		assert.Lenf(t, encoded, c.bytes, "sample %d", c.sample)
	}
}

func TestStreamIndexMarkers(t *testing.T) {
	samples := []uint32{100, 100, 100, 100}
	indexes := []uint32{150, 350}
	encoded := EncodeStream(samples, indexes)
	decoded, decodedIndexes, err := DecodeStream(encoded)
	require.NoError(t, err)
	assert.Equal(t, samples, decoded)
	assert.Equal(t, indexes, decodedIndexes)
}

func TestStreamTruncatedErrors(t *testing.T) {
	_, _, err := DecodeStream([]byte{250})
	assert.Error(t, err)
	_, _, err = DecodeStream([]byte{100, 100})
	assert.Error(t, err, "unterminated stream must be rejected")
}
