package detect

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floppykit/uft"
)

func TestDetectD64BySize(t *testing.T) {
	data := make([]byte, 174848)
	result := Identify(data, Hints{})

	require.NotEmpty(t, result.Candidates)
	best := result.Candidates[result.Best]
	assert.Equal(t, uft.FormatD64, best.Format)
	assert.Equal(t, "35-track", best.Variant)
	assert.GreaterOrEqual(t, best.Confidence, float32(0.70))
	assert.Empty(t, result.Warnings)
}

func TestDetectSCPByMagic(t *testing.T) {
	data := make([]byte, 1024)
	copy(data, "SCP")
	data[5] = 2 // revolutions
	data[6] = 0
	data[7] = 83
	result := Identify(data, Hints{})
	assert.Equal(t, uft.FormatSCP, result.BestFormat())
	assert.GreaterOrEqual(t, result.Candidates[result.Best].Confidence, float32(0.95))
}

func TestDetectInvalidMagicStructureIsDowngraded(t *testing.T) {
	data := make([]byte, 64)
	copy(data, "SCP")
	data[5] = 200 // implausible revolution count
	result := Identify(data, Hints{})
	best := result.Candidates[result.Best]
	if best.Format == uft.FormatSCP {
		assert.Less(t, best.Confidence, float32(0.5))
	}
	assert.NotEmpty(t, result.Warnings)
}

func TestDetectNothingYieldsAuto(t *testing.T) {
	result := Identify([]byte{1, 2, 3}, Hints{})
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, uft.FormatAuto, result.Candidates[0].Format)
	assert.Zero(t, result.Candidates[0].Confidence)
	assert.NotEmpty(t, result.Warnings)
}

func TestDetectAmbiguousSizeWarns(t *testing.T) {
	// 737280 bytes: PC 720K and ST 720K share the size.
	data := make([]byte, 737280)
	result := Identify(data, Hints{})
	require.GreaterOrEqual(t, len(result.Candidates), 2)
	warned := false
	for _, w := range result.Warnings {
		if len(w) > 0 {
			warned = true
		}
	}
	assert.True(t, warned, "ambiguous sizes must warn")
}

func TestExtensionHintBreaksSizeTie(t *testing.T) {
	data := make([]byte, 737280)
	result := Identify(data, Hints{Filename: "game.st"})
	assert.Equal(t, uft.FormatST, result.BestFormat())
}

func TestContentHeuristicBoostsADF(t *testing.T) {
	data := make([]byte, 901120)
	copy(data, "DOS\x01")
	result := Identify(data, Hints{})
	best := result.Candidates[result.Best]
	assert.Equal(t, uft.FormatADF, best.Format)
	assert.Equal(t, "ffs", best.Variant)
	assert.GreaterOrEqual(t, best.Confidence, float32(0.85))
}

func TestContentHeuristicBoostsD64BAM(t *testing.T) {
	data := make([]byte, 174848)
	data[0x16500] = 18
	data[0x16501] = 1
	data[0x16502] = 'A'
	result := Identify(data, Hints{})
	best := result.Candidates[result.Best]
	assert.Equal(t, uft.FormatD64, best.Format)
	assert.GreaterOrEqual(t, best.Confidence, float32(0.85))
}

func TestConfidenceSaturates(t *testing.T) {
	data := make([]byte, 901120)
	copy(data, "DOS\x00")
	result := Identify(data, Hints{Filename: "disk.adf", Platform: "amiga"})
	best := result.Candidates[result.Best]
	assert.LessOrEqual(t, best.Confidence, float32(1.0))
}

func TestATRMagicAndVariant(t *testing.T) {
	data := make([]byte, 16+720*128)
	binary.LittleEndian.PutUint16(data[0:2], 0x0296)
	binary.LittleEndian.PutUint16(data[2:4], uint16(720*128/16))
	binary.LittleEndian.PutUint16(data[4:6], 128)
	result := Identify(data, Hints{})
	best := result.Candidates[result.Best]
	assert.Equal(t, uft.FormatATR, best.Format)
	assert.Equal(t, "128-byte sectors", best.Variant)
}

func TestWOZValidatorRequiresINFO(t *testing.T) {
	data := make([]byte, 64)
	copy(data, "WOZ2")
	data[4], data[5], data[6], data[7] = 0xFF, 0x0A, 0x0D, 0x0A
	copy(data[12:16], "INFO")
	binary.LittleEndian.PutUint32(data[16:20], 60)
	result := Identify(data, Hints{})
	assert.Equal(t, uft.FormatWOZ, result.BestFormat())
	assert.GreaterOrEqual(t, result.Candidates[result.Best].Confidence, float32(0.95))
}
