package formats

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
	"github.com/floppykit/uft/flux"
)

// WOZ (Applesauce): chunked container for Apple II bit recordings. The
// WOZ2 track store is block-aligned with per-track bit counts; WOZ1 uses
// fixed 6656-byte track records. Reads handle both; writes always emit
// WOZ2.
const (
	wozBlockSize    = 512
	wozTMAPEntries  = 160
	woz1TrackSize   = 6656
	woz1TrackBits   = 6646
)

type wozPlugin struct{}

func (wozPlugin) Name() string          { return "woz" }
func (wozPlugin) Formats() []uft.Format { return []uft.Format{uft.FormatWOZ} }
func (wozPlugin) Capabilities() uft.Capabilities {
	return uft.CapRead | uft.CapWrite | uft.CapFlux
}

func (wozPlugin) Probe(data []byte) float32 {
	if len(data) < 12 {
		return 0
	}
	if bytes.HasPrefix(data, []byte("WOZ1")) || bytes.HasPrefix(data, []byte("WOZ2")) {
		if data[4] == 0xFF && data[5] == 0x0A && data[6] == 0x0D && data[7] == 0x0A {
			return 0.95
		}
	}
	return 0
}

func (p wozPlugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}
	if p.Probe(data) == 0 {
		return nil, uerrors.ErrFormat.AtOffset(0, "not a WOZ file")
	}
	isWOZ2 := bytes.HasPrefix(data, []byte("WOZ2"))

	geometry := uft.Geometry{
		Cylinders: 40, Heads: 1, SectorsPerTrack: 16,
		BytesPerSector: 256, FirstSectorID: 0, Encoding: uft.EncodingGCR,
	}
	img := uft.NewDiskImage(uft.FormatWOZ, geometry)
	if isWOZ2 {
		img.Metadata["variant"] = "woz2"
	} else {
		img.Metadata["variant"] = "woz1"
	}

	var tmap []byte
	var trks []byte

	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkLen := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		if offset+8+chunkLen > len(data) {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset), "chunk overruns file")
		}
		chunk := data[offset+8 : offset+8+chunkLen]
		switch chunkID {
		case "INFO":
			if chunkLen < 60 {
				return nil, uerrors.ErrFormat.AtOffset(int64(offset), "INFO chunk too short")
			}
			img.Metadata["creator"] = trimPadded(chunk[5:37])
		case "TMAP":
			tmap = chunk
		case "TRKS":
			trks = chunk
		case "META":
			img.Metadata["meta"] = string(chunk)
		}
		offset += 8 + chunkLen
	}
	if tmap == nil || trks == nil {
		return nil, uerrors.ErrFormat.WithMessage("WOZ file lacks TMAP or TRKS chunk")
	}

	for cyl := 0; cyl < geometry.Cylinders; cyl++ {
		quarter := cyl * 4
		if quarter >= len(tmap) || tmap[quarter] == 0xFF {
			continue
		}
		index := int(tmap[quarter])

		var bits []byte
		var bitCount int
		if isWOZ2 {
			if (index+1)*8 > len(trks) {
				return nil, uerrors.ErrFormat.WithMessage("TRKS entry outside chunk")
			}
			entry := trks[index*8 : index*8+8]
			startBlock := int(binary.LittleEndian.Uint16(entry[0:2]))
			blockCount := int(binary.LittleEndian.Uint16(entry[2:4]))
			bitCount = int(binary.LittleEndian.Uint32(entry[4:8]))
			byteStart := startBlock * wozBlockSize
			byteEnd := byteStart + blockCount*wozBlockSize
			if byteEnd > len(data) {
				return nil, uerrors.ErrFormat.AtOffset(int64(byteStart), "track bits outside file")
			}
			bits = data[byteStart:byteEnd]
		} else {
			start := index * woz1TrackSize
			if start+woz1TrackSize > len(trks) {
				return nil, uerrors.ErrFormat.WithMessage("WOZ1 track record outside chunk")
			}
			record := trks[start : start+woz1TrackSize]
			bitCount = int(binary.LittleEndian.Uint16(record[woz1TrackBits+2 : woz1TrackBits+4]))
			bits = record[:woz1TrackBits]
		}

		track, err := img.EnsureTrack(cyl, 0)
		if err != nil {
			return nil, err
		}
		track.RawBits = append([]byte(nil), bits...)
		track.RawBitLen = bitCount
		bs, err := flux.BitstreamFromBytes(track.RawBits, bitCount)
		if err != nil {
			return nil, err
		}
		track.Sectors = flux.ScanGCRApple(bs)
		for s := range track.Sectors {
			track.Sectors[s].ID.Cylinder = uint8(cyl)
		}
		track.SortSectors()
	}
	markReadOnly(img, readOnly)
	return img, nil
}

func (wozPlugin) Save(img *uft.DiskImage, path string) error {
	if img.Metadata["read-only"] == "true" {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}

	info := make([]byte, 60)
	info[0] = 2 // INFO version
	info[1] = 1 // 5.25" disk
	copy(info[5:37], padded("uft", 32))
	info[37] = 1    // disk sides
	info[38] = 1    // boot sector format: 16-sector
	info[39] = 32   // optimal bit timing, 125ns units

	tmap := bytes.Repeat([]byte{0xFF}, wozTMAPEntries)

	// Collect per-track bits, preferring preserved cells.
	type trackBits struct {
		bits     []byte
		bitCount int
	}
	var stored []trackBits
	largestBlocks := 0
	for cyl := 0; cyl < img.Geometry.Cylinders && cyl*4 < wozTMAPEntries; cyl++ {
		track := img.Track(cyl, 0)
		if track == nil {
			continue
		}
		var tb trackBits
		if track.RawBits != nil {
			tb = trackBits{bits: track.RawBits, bitCount: track.RawBitLen}
		} else if len(track.Sectors) > 0 {
			bs, err := flux.EncodeGCRApple(254, cyl, track.Sectors)
			if err != nil {
				return err
			}
			tb = trackBits{bits: bs.Bytes(), bitCount: bs.Length}
		} else {
			continue
		}
		tmap[cyl*4] = byte(len(stored))
		if cyl*4 > 0 {
			tmap[cyl*4-1] = byte(len(stored))
		}
		if cyl*4+1 < wozTMAPEntries {
			tmap[cyl*4+1] = byte(len(stored))
		}
		stored = append(stored, tb)
		if blocks := (len(tb.bits) + wozBlockSize - 1) / wozBlockSize; blocks > largestBlocks {
			largestBlocks = blocks
		}
	}
	binary.LittleEndian.PutUint16(info[44:46], uint16(largestBlocks))

	// TRKS: 160 entries then block-aligned bit data. The chunk header sits at
	// file offset 248 in the canonical layout: 12-byte header, INFO (68),
	// TMAP (168); the entries run from 256 to 256+1280 = 1536, so the first
	// data block is 3.
	trksEntries := make([]byte, wozTMAPEntries*8)
	var bitData []byte
	const firstDataBlock = 3
	nextBlock := firstDataBlock
	for i, tb := range stored {
		blocks := (len(tb.bits) + wozBlockSize - 1) / wozBlockSize
		entry := trksEntries[i*8 : i*8+8]
		binary.LittleEndian.PutUint16(entry[0:2], uint16(nextBlock))
		binary.LittleEndian.PutUint16(entry[2:4], uint16(blocks))
		binary.LittleEndian.PutUint32(entry[4:8], uint32(tb.bitCount))
		padded := make([]byte, blocks*wozBlockSize)
		copy(padded, tb.bits)
		bitData = append(bitData, padded...)
		nextBlock += blocks
	}

	var out bytes.Buffer
	out.WriteString("WOZ2")
	out.Write([]byte{0xFF, 0x0A, 0x0D, 0x0A})
	out.Write(make([]byte, 4)) // CRC placeholder

	writeChunk := func(id string, payload []byte) {
		out.WriteString(id)
		var size [4]byte
		binary.LittleEndian.PutUint32(size[:], uint32(len(payload)))
		out.Write(size[:])
		out.Write(payload)
	}
	writeChunk("INFO", info)
	writeChunk("TMAP", tmap)
	writeChunk("TRKS", append(trksEntries, bitData...))

	data := out.Bytes()
	crc := crc32.ChecksumIEEE(data[12:])
	binary.LittleEndian.PutUint32(data[8:12], crc)
	return writeImageFile(path, data)
}

func padded(s string, n int) []byte {
	out := bytes.Repeat([]byte{' '}, n)
	copy(out, s)
	return out
}

func init() {
	uft.RegisterPlugin(wozPlugin{})
}
