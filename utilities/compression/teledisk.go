// Package compression implements the block codecs used by compressed disk
// image containers, currently the Teledisk sector-data encodings.
package compression

import (
	"encoding/binary"
	"fmt"
)

// Teledisk stores each sector's payload as one of three encodings: raw
// bytes, a whole-sector two-byte repeat, or a run of fragments where each
// fragment is either a copied block or a repeated word.
const (
	TelediskRaw      = 0
	TelediskRepeated = 1
	TelediskRLE      = 2
)

// DecodeTelediskSector expands an encoded sector payload. `want` is the
// sector size declared by the surrounding header; a payload expanding to a
// different length is an error.
func DecodeTelediskSector(encoding byte, payload []byte, want int) ([]byte, error) {
	switch encoding {
	case TelediskRaw:
		if len(payload) != want {
			return nil, fmt.Errorf("raw sector holds %d bytes, expected %d", len(payload), want)
		}
		out := make([]byte, want)
		copy(out, payload)
		return out, nil

	case TelediskRepeated:
		// A count of 16-bit patterns filling the whole sector.
		if len(payload) < 4 {
			return nil, fmt.Errorf("repeated-pattern sector truncated")
		}
		count := int(binary.LittleEndian.Uint16(payload[0:2]))
		if count*2 != want {
			return nil, fmt.Errorf("pattern count %d disagrees with sector size %d", count, want)
		}
		out := make([]byte, 0, want)
		for i := 0; i < count; i++ {
			out = append(out, payload[2], payload[3])
		}
		return out, nil

	case TelediskRLE:
		out := make([]byte, 0, want)
		i := 0
		for i < len(payload) {
			kind := payload[i]
			switch kind {
			case 0: // literal block: length byte, then bytes
				if i+1 >= len(payload) {
					return nil, fmt.Errorf("literal fragment truncated at %d", i)
				}
				n := int(payload[i+1])
				if i+2+n > len(payload) {
					return nil, fmt.Errorf("literal fragment overruns payload at %d", i)
				}
				out = append(out, payload[i+2:i+2+n]...)
				i += 2 + n
			case 1: // repeated word: count byte, then the two pattern bytes
				if i+4 > len(payload) {
					return nil, fmt.Errorf("repeat fragment truncated at %d", i)
				}
				n := int(payload[i+1])
				for j := 0; j < n; j++ {
					out = append(out, payload[i+2], payload[i+3])
				}
				i += 4
			default:
				return nil, fmt.Errorf("unknown RLE fragment kind %d at %d", kind, i)
			}
		}
		if len(out) != want {
			return nil, fmt.Errorf("RLE sector expanded to %d bytes, expected %d", len(out), want)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown sector encoding %d", encoding)
	}
}

// EncodeTelediskSector picks the cheapest encoding for a payload: the
// whole-sector repeat when the data is one 16-bit pattern, otherwise raw.
// The fragment encoding is only ever read, never produced, matching what
// Teledisk's own later versions emit.
func EncodeTelediskSector(payload []byte) (byte, []byte) {
	if len(payload) >= 4 && len(payload)%2 == 0 {
		uniform := true
		for i := 2; i < len(payload); i += 2 {
			if payload[i] != payload[0] || payload[i+1] != payload[1] {
				uniform = false
				break
			}
		}
		if uniform {
			out := make([]byte, 4)
			binary.LittleEndian.PutUint16(out[0:2], uint16(len(payload)/2))
			out[2] = payload[0]
			out[3] = payload[1]
			return TelediskRepeated, out
		}
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return TelediskRaw, out
}
