package flux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floppykit/uft"
)

// bitsOf renders a stream's bits for comparison.
func bitsOf(bs *Bitstream) []int {
	out := make([]int, bs.Length)
	for i := range out {
		out[i] = bs.Bit(i)
	}
	return out
}

func TestFluxRoundTripCleanTrack(t *testing.T) {
	// An MFM track's raw cells never have two adjacent 1 bits nor long
	// zero runs, which is exactly what the PLL expects.
	sectors := makeSectors(5, 256, 0x21)
	bs, err := EncodeTrackMFM(sectors)
	require.NoError(t, err)

	track, err := EncodeFlux(bs, FluxParams{
		BitPeriodNs:  2000,
		SampleFreqHz: 24000000,
	})
	require.NoError(t, err)

	params := DefaultDecoderParams()
	params.IndexSync = false
	decoded, err := DecodeBits(track, params)
	require.NoError(t, err)

	// The decoder cannot see trailing zero cells after the last
	// transition, so compare up to the last 1 bit.
	lastOne := bs.Length - 1
	for lastOne > 0 && bs.Bit(lastOne) == 0 {
		lastOne--
	}
	require.GreaterOrEqual(t, decoded.Length, lastOne+1)
	assert.Equal(t, bitsOf(bs)[:lastOne+1], bitsOf(decoded)[:lastOne+1])
}

func TestFluxRoundTripSurvivesJitter(t *testing.T) {
	sectors := makeSectors(3, 256, 0x66)
	bs, err := EncodeTrackMFM(sectors)
	require.NoError(t, err)

	track, err := EncodeFlux(bs, FluxParams{
		BitPeriodNs:  2000,
		SampleFreqHz: 24000000,
		JitterPct:    4,
	})
	require.NoError(t, err)

	params := DefaultDecoderParams()
	params.IndexSync = false
	decoded, err := DecodeBits(track, params)
	require.NoError(t, err)

	recovered := ScanMFM(decoded)
	require.Len(t, recovered, 3)
	for i, sec := range recovered {
		assert.Equal(t, sectors[i].Data, sec.Data, "sector %d after jittered decode", i)
	}
}

func TestDecodeBitsValidatesParams(t *testing.T) {
	track := &uft.FluxTrack{SampleFreqHz: 24000000, Samples: []uint32{100, 100}}
	params := DefaultDecoderParams()
	params.Gain = 1.5
	_, err := DecodeBits(track, params)
	assert.Error(t, err)

	_, err = DecodeBits(&uft.FluxTrack{}, DefaultDecoderParams())
	assert.Error(t, err)
}

func TestDecodeBitsIsDeterministic(t *testing.T) {
	sectors := makeSectors(2, 256, 0x10)
	bs, _ := EncodeTrackMFM(sectors)
	track, _ := EncodeFlux(bs, FluxParams{BitPeriodNs: 2000, SampleFreqHz: 24000000, JitterPct: 2})

	params := DefaultDecoderParams()
	params.IndexSync = false
	first, err := DecodeBits(track, params)
	require.NoError(t, err)
	second, err := DecodeBits(track, params)
	require.NoError(t, err)
	assert.Equal(t, bitsOf(first), bitsOf(second))
}

func TestEncodeFluxNoFluxBand(t *testing.T) {
	bs := NewBitstream(64)
	bs.AppendBits(0xAAAA, 16) // regular cells
	for i := 0; i < 40; i++ {
		bs.AppendBit(0) // silent band
	}
	bs.AppendBit(1)

	track, err := EncodeFlux(bs, FluxParams{BitPeriodNs: 2000, SampleFreqHz: 24000000})
	require.NoError(t, err)
	require.NotEmpty(t, track.Samples)
	// The silent band shows up as one long final interval.
	last := track.Samples[len(track.Samples)-1]
	assert.Greater(t, last, uint32(40*48-100), "no-flux band must stretch the last interval")
}
