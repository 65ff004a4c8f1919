package flux

import (
	"encoding/binary"

	uerrors "github.com/floppykit/uft/errors"
)

// Variable-length wire encoding for flux samples, as exchanged with serial
// samplers. One sample is the tick count between two transitions.
//
//	byte in [1, 249]    sample = byte
//	byte in [250, 254]  sample = (byte-249)*250 + next          (2 bytes)
//	byte 255            sample = 250 + uint16le(next two)       (3 bytes)
//	byte 0              control: opcode byte follows
//
// Control opcodes: 0x00 terminates the stream (the full terminator is three
// zero bytes), 0x01 carries a 32-bit index-pulse tick offset, 0x02 carries a
// 32-bit space that is folded into the next emitted sample. Spaces are how
// samples too large for the 3-byte form — including deliberate no-flux
// bands — survive the wire.

const (
	streamOpEnd   = 0x00
	streamOpIndex = 0x01
	streamOpSpace = 0x02

	maxDirect   = 249
	maxTwoByte  = 1505
	maxInline   = 250 + 0xFFFF
	spacePayload = maxDirect
)

// EncodeSample appends the least-cost encoding of one sample to dst.
func EncodeSample(dst []byte, sample uint32) []byte {
	switch {
	case sample == 0:
		// A zero sample cannot occur between two real transitions; drop it.
		return dst
	case sample <= maxDirect:
		return append(dst, byte(sample))
	case sample <= maxTwoByte:
		k := sample / 250
		if sample-k*250 > 255 {
			k--
		}
		if k > 5 {
			k = 5
		}
		return append(dst, byte(249+k), byte(sample-k*250))
	case sample <= maxInline:
		rem := sample - 250
		return append(dst, 255, byte(rem), byte(rem>>8))
	default:
		// Too long for the inline forms: emit the excess as a space and a
		// small closing sample.
		dst = append(dst, streamOpEnd, streamOpSpace)
		dst = binary.LittleEndian.AppendUint32(dst, sample-spacePayload)
		return append(dst, byte(spacePayload))
	}
}

// EncodeStream encodes a full sample sequence, interleaving index-pulse
// markers at the tick offsets in indexTimes, and closes the stream with the
// three-zero-byte terminator.
func EncodeStream(samples []uint32, indexTimes []uint32) []byte {
	out := make([]byte, 0, len(samples)+8)
	var ticks uint64
	nextIndex := 0
	for _, s := range samples {
		for nextIndex < len(indexTimes) && uint64(indexTimes[nextIndex]) <= ticks {
			out = append(out, streamOpEnd, streamOpIndex)
			out = binary.LittleEndian.AppendUint32(out, indexTimes[nextIndex])
			nextIndex++
		}
		out = EncodeSample(out, s)
		ticks += uint64(s)
	}
	for nextIndex < len(indexTimes) {
		out = append(out, streamOpEnd, streamOpIndex)
		out = binary.LittleEndian.AppendUint32(out, indexTimes[nextIndex])
		nextIndex++
	}
	return append(out, streamOpEnd, streamOpEnd, streamOpEnd)
}

// DecodeStream decodes a wire stream back into samples and index times. The
// stream must be terminated; a stream that runs out mid-encoding reports a
// format error with the offending offset.
func DecodeStream(data []byte) (samples []uint32, indexTimes []uint32, err error) {
	var space uint64
	i := 0
	emit := func(s uint64) {
		samples = append(samples, uint32(s+space))
		space = 0
	}
	for i < len(data) {
		b := data[i]
		switch {
		case b == 0:
			if i+1 >= len(data) {
				return nil, nil, uerrors.ErrFormat.AtOffset(int64(i), "truncated control marker")
			}
			op := data[i+1]
			switch op {
			case streamOpEnd:
				if i+2 >= len(data) || data[i+2] != 0 {
					return nil, nil, uerrors.ErrFormat.AtOffset(int64(i), "malformed stream terminator")
				}
				return samples, indexTimes, nil
			case streamOpIndex:
				if i+6 > len(data) {
					return nil, nil, uerrors.ErrFormat.AtOffset(int64(i), "truncated index marker")
				}
				indexTimes = append(indexTimes, binary.LittleEndian.Uint32(data[i+2:i+6]))
				i += 6
			case streamOpSpace:
				if i+6 > len(data) {
					return nil, nil, uerrors.ErrFormat.AtOffset(int64(i), "truncated space marker")
				}
				space += uint64(binary.LittleEndian.Uint32(data[i+2 : i+6]))
				i += 6
			default:
				return nil, nil, uerrors.ErrFormat.AtOffset(int64(i+1), "unknown stream opcode")
			}
		case b <= maxDirect:
			emit(uint64(b))
			i++
		case b <= 254:
			if i+2 > len(data) {
				return nil, nil, uerrors.ErrFormat.AtOffset(int64(i), "truncated two-byte sample")
			}
			emit(uint64(b-249)*250 + uint64(data[i+1]))
			i += 2
		default: // 255
			if i+3 > len(data) {
				return nil, nil, uerrors.ErrFormat.AtOffset(int64(i), "truncated three-byte sample")
			}
			emit(250 + uint64(data[i+1]) + uint64(data[i+2])<<8)
			i += 3
		}
	}
	return nil, nil, uerrors.ErrFormat.AtOffset(int64(len(data)), "stream not terminated")
}
