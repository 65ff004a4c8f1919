package formats

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
	"github.com/floppykit/uft/flux"
)

// HFE v1 (HxC floppy emulator): a 512-byte header, a 512-byte track lookup
// table, then per-track data in 512-byte blocks holding 256 bytes per side
// interleaved. Bits are stored LSB-first within each byte, the reverse of
// the scanner's order.
const (
	hfeMagic     = "HXCPICFE"
	hfeBlockSize = 512
)

type hfeHeader struct {
	Signature      [8]byte
	FormatRevision uint8
	NumberOfTrack  uint8
	NumberOfSide   uint8
	TrackEncoding  uint8
	BitRate        uint16
	FloppyRPM      uint16
	InterfaceMode  uint8
	DNU            uint8
	TrackListBlock uint16
	WriteAllowed   uint8
}

type hfeTrackEntry struct {
	Offset uint16
	Length uint16
}

type hfePlugin struct{}

func (hfePlugin) Name() string          { return "hfe" }
func (hfePlugin) Formats() []uft.Format { return []uft.Format{uft.FormatHFE} }
func (hfePlugin) Capabilities() uft.Capabilities {
	return uft.CapRead | uft.CapWrite | uft.CapFlux
}

func (hfePlugin) Probe(data []byte) float32 {
	if len(data) >= hfeBlockSize && bytes.HasPrefix(data, []byte(hfeMagic)) {
		return 0.95
	}
	return 0
}

// reverseBits reverses the bit order within a byte, converting between the
// HFE cell order and the scanner's MSB-first order.
var reverseBits = func() [256]byte {
	var table [256]byte
	for i := 0; i < 256; i++ {
		b := byte(i)
		b = (b&0xF0)>>4 | (b&0x0F)<<4
		b = (b&0xCC)>>2 | (b&0x33)<<2
		b = (b&0xAA)>>1 | (b&0x55)<<1
		table[i] = b
	}
	return table
}()

func (p hfePlugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}
	if p.Probe(data) == 0 {
		return nil, uerrors.ErrFormat.AtOffset(0, "missing HXCPICFE signature")
	}
	var header hfeHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, uerrors.ErrFormat.WrapError(err)
	}
	if header.NumberOfTrack == 0 || header.NumberOfSide == 0 || header.NumberOfSide > 2 {
		return nil, uerrors.ErrFormat.AtOffset(9, "implausible track/side counts")
	}

	lutOffset := int(header.TrackListBlock) * hfeBlockSize
	if lutOffset+int(header.NumberOfTrack)*4 > len(data) {
		return nil, uerrors.ErrFormat.AtOffset(int64(lutOffset), "track lookup table truncated")
	}

	geometry := uft.Geometry{
		Cylinders:       int(header.NumberOfTrack),
		Heads:           int(header.NumberOfSide),
		SectorsPerTrack: 9,
		BytesPerSector:  512,
		FirstSectorID:   1,
		Encoding:        uft.EncodingMFM,
	}
	img := uft.NewDiskImage(uft.FormatHFE, geometry)
	img.Metadata["bitrate"] = fmt.Sprintf("%d", header.BitRate)
	img.Metadata["rpm"] = fmt.Sprintf("%d", header.FloppyRPM)

	for cyl := 0; cyl < int(header.NumberOfTrack); cyl++ {
		var entry hfeTrackEntry
		entryBytes := data[lutOffset+cyl*4 : lutOffset+cyl*4+4]
		entry.Offset = binary.LittleEndian.Uint16(entryBytes[0:2])
		entry.Length = binary.LittleEndian.Uint16(entryBytes[2:4])

		start := int(entry.Offset) * hfeBlockSize
		length := int(entry.Length)
		if start+length > len(data) {
			return nil, uerrors.ErrFormat.AtOffset(int64(start), "track data outside file")
		}
		raw := data[start : start+length]

		// De-interleave the 512-byte blocks into per-side streams.
		for head := 0; head < int(header.NumberOfSide); head++ {
			var sideBits []byte
			for block := 0; block*hfeBlockSize < len(raw); block++ {
				half := raw[block*hfeBlockSize+head*256:]
				if len(half) > 256 {
					half = half[:256]
				}
				for _, b := range half {
					sideBits = append(sideBits, reverseBits[b])
				}
			}
			track, err := img.EnsureTrack(cyl, head)
			if err != nil {
				return nil, err
			}
			track.RawBits = sideBits
			track.RawBitLen = len(sideBits) * 8
			bs, err := flux.BitstreamFromBytes(sideBits, len(sideBits)*8)
			if err != nil {
				return nil, err
			}
			track.Sectors = flux.ScanMFM(bs)
			track.SortSectors()
		}
	}
	markReadOnly(img, readOnly)
	return img, nil
}

func (hfePlugin) Save(img *uft.DiskImage, path string) error {
	if img.Metadata["read-only"] == "true" {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	g := img.Geometry
	sides := g.Heads

	// Serialize each track side to raw cells, preferring preserved bits.
	sideBits := make([][]byte, g.Cylinders*sides)
	maxLen := 0
	for cyl := 0; cyl < g.Cylinders; cyl++ {
		for head := 0; head < sides; head++ {
			track := img.Track(cyl, head)
			var cells []byte
			if track != nil && track.RawBits != nil {
				cells = track.RawBits
			} else if track != nil && len(track.Sectors) > 0 {
				bs, err := flux.EncodeTrackMFM(track.Sectors)
				if err != nil {
					return err
				}
				cells = bs.Bytes()
			}
			sideBits[cyl*sides+head] = cells
			if len(cells) > maxLen {
				maxLen = len(cells)
			}
		}
	}

	header := hfeHeader{
		FormatRevision: 0,
		NumberOfTrack:  uint8(g.Cylinders),
		NumberOfSide:   uint8(sides),
		TrackEncoding:  0, // ISOIBM_MFM
		BitRate:        250,
		FloppyRPM:      300,
		InterfaceMode:  7, // GENERIC_SHUGART
		TrackListBlock: 1,
		WriteAllowed:   0xFF,
	}
	copy(header.Signature[:], hfeMagic)

	var headerBuf bytes.Buffer
	if err := binary.Write(&headerBuf, binary.LittleEndian, &header); err != nil {
		return uerrors.ErrIo.WrapError(err)
	}
	headerBlock := make([]byte, hfeBlockSize)
	copy(headerBlock, headerBuf.Bytes())

	lut := make([]byte, hfeBlockSize)
	var body []byte
	nextBlock := 2
	for cyl := 0; cyl < g.Cylinders; cyl++ {
		// Interleave both sides into shared 512-byte blocks.
		longest := 0
		for head := 0; head < sides; head++ {
			if n := len(sideBits[cyl*sides+head]); n > longest {
				longest = n
			}
		}
		blocks := (longest + 255) / 256
		if blocks == 0 {
			blocks = 1
		}
		trackData := make([]byte, blocks*hfeBlockSize)
		for head := 0; head < sides; head++ {
			cells := sideBits[cyl*sides+head]
			for i, b := range cells {
				block := i / 256
				trackData[block*hfeBlockSize+head*256+i%256] = reverseBits[b]
			}
		}

		binary.LittleEndian.PutUint16(lut[cyl*4:], uint16(nextBlock))
		binary.LittleEndian.PutUint16(lut[cyl*4+2:], uint16(len(trackData)))
		body = append(body, trackData...)
		nextBlock += blocks
	}

	out := append(headerBlock, lut...)
	out = append(out, body...)
	return writeImageFile(path, out)
}

func init() {
	uft.RegisterPlugin(hfePlugin{})
}
