package formats

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
)

// Amstrad DSK and extended DSK. Both wrap a 256-byte disk information
// block and per-track blocks led by "Track-Info\r\n"; the extended form
// replaces the uniform track size with a one-byte-per-track table and can
// record oversized sectors for copy-protection data.
const (
	dskMagic      = "MV - CPC"
	edskMagic     = "EXTENDED"
	dskTrackMagic = "Track-Info"
	dskHeaderLen  = 256
	dskTrackLead  = 0x100
)

type edskPlugin struct{}

func (edskPlugin) Name() string { return "edsk" }
func (edskPlugin) Formats() []uft.Format {
	return []uft.Format{uft.FormatEDSK, uft.FormatDSKCPC}
}
func (edskPlugin) Capabilities() uft.Capabilities {
	return uft.CapRead | uft.CapWrite | uft.CapWeak
}

func (edskPlugin) Probe(data []byte) float32 {
	if len(data) < dskHeaderLen {
		return 0
	}
	if bytes.HasPrefix(data, []byte(edskMagic)) {
		return 0.95
	}
	if bytes.HasPrefix(data, []byte(dskMagic)) {
		return 0.90
	}
	return 0
}

func (p edskPlugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}
	if p.Probe(data) == 0 {
		return nil, uerrors.ErrFormat.AtOffset(0, "not a CPC DSK image")
	}
	extended := bytes.HasPrefix(data, []byte(edskMagic))

	tracks := int(data[0x30])
	sides := int(data[0x31])
	if tracks == 0 || sides == 0 || sides > 2 {
		return nil, uerrors.ErrFormat.AtOffset(0x30, fmt.Sprintf(
			"implausible track/side counts %d/%d", tracks, sides))
	}

	format := uft.FormatDSKCPC
	if extended {
		format = uft.FormatEDSK
	}
	geometry := uft.Geometry{
		Cylinders: tracks, Heads: sides, SectorsPerTrack: 9,
		BytesPerSector: 512, FirstSectorID: 1, Encoding: uft.EncodingMFM,
	}
	img := uft.NewDiskImage(format, geometry)
	img.Metadata["creator"] = trimPadded(data[0x22:0x30])

	offset := dskHeaderLen
	uniformTrackSize := int(binary.LittleEndian.Uint16(data[0x32:0x34]))
	for i := 0; i < tracks*sides; i++ {
		trackSize := uniformTrackSize
		if extended {
			trackSize = int(data[0x34+i]) * 256
		}
		if trackSize == 0 {
			continue
		}
		if offset+dskTrackLead > len(data) {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset), "track block truncated")
		}
		block := data[offset : offset+trackSize]
		if !bytes.HasPrefix(block, []byte(dskTrackMagic)) {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset), "missing Track-Info block")
		}

		cyl := int(block[0x10])
		head := int(block[0x11])
		sectorCount := int(block[0x15])

		track, err := img.EnsureTrack(cyl, head)
		if err != nil {
			return nil, err
		}

		dataOffset := dskTrackLead
		for s := 0; s < sectorCount; s++ {
			info := 0x18 + s*8
			if info+8 > len(block) {
				return nil, uerrors.ErrFormat.AtOffset(int64(offset+info), "sector info truncated")
			}
			id := uft.SectorID{
				Cylinder: block[info],
				Head:     block[info+1],
				Sector:   block[info+2],
				SizeCode: block[info+3] & 0x03,
			}
			declared := id.SizeBytes()
			stored := declared
			if extended {
				stored = int(binary.LittleEndian.Uint16(block[info+6 : info+8]))
			}
			if dataOffset+stored > len(block) {
				return nil, uerrors.ErrFormat.AtOffset(int64(offset+dataOffset), "sector data truncated")
			}
			payload := block[dataOffset : dataOffset+stored]
			dataOffset += stored

			sector := uft.Sector{ID: id, Status: uft.SectorOK}
			st1, st2 := block[info+4], block[info+5]
			switch {
			case st2&0x20 != 0 || st1&0x20 != 0:
				sector.Status = uft.SectorCRCError
			case st2&0x40 != 0:
				sector.Status = uft.SectorDeleted
			}
			if extended && stored > declared && stored%declared == 0 {
				// Multiple copies of the sector were stored: the classic
				// weak-sector representation. Keep the first copy and mark
				// the bytes that differ across copies.
				copies := stored / declared
				sector.Data = append([]byte(nil), payload[:declared]...)
				mask := weakMaskFromCopies(payload, declared, copies)
				if mask != nil {
					sector.WeakMask = mask
					sector.Status = uft.SectorWeak
				}
			} else {
				sector.Data = append([]byte(nil), payload[:minInt(declared, stored)]...)
				if stored < declared {
					sector.Data = append(sector.Data, make([]byte, declared-stored)...)
				}
			}
			track.Sectors = append(track.Sectors, sector)
		}
		offset += trackSize
	}
	markReadOnly(img, readOnly)
	return img, nil
}

func weakMaskFromCopies(payload []byte, size, copies int) []byte {
	var mask []byte
	for i := 0; i < size; i++ {
		for c := 1; c < copies; c++ {
			if payload[c*size+i] != payload[i] {
				if mask == nil {
					mask = make([]byte, (size+7)/8)
				}
				mask[i/8] |= 1 << (7 - uint(i%8))
				break
			}
		}
	}
	return mask
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (edskPlugin) Save(img *uft.DiskImage, path string) error {
	if img.Metadata["read-only"] == "true" {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	g := img.Geometry

	header := make([]byte, dskHeaderLen)
	copy(header, "EXTENDED CPC DSK File\r\nDisk-Info\r\n")
	copy(header[0x22:], "uft")
	header[0x30] = byte(g.Cylinders)
	header[0x31] = byte(g.Heads)

	var body []byte
	sizeTable := make([]byte, g.Cylinders*g.Heads)
	for cyl := 0; cyl < g.Cylinders; cyl++ {
		for head := 0; head < g.Heads; head++ {
			track := img.Track(cyl, head)
			if track == nil || len(track.Sectors) == 0 {
				continue
			}

			block := make([]byte, dskTrackLead)
			copy(block, "Track-Info\r\n")
			block[0x10] = byte(cyl)
			block[0x11] = byte(head)
			block[0x14] = track.Sectors[0].ID.SizeCode
			block[0x15] = byte(len(track.Sectors))
			block[0x16] = 0x4E
			block[0x17] = 0xE5

			var payloads []byte
			for i := range track.Sectors {
				sec := &track.Sectors[i]
				info := 0x18 + i*8
				block[info] = sec.ID.Cylinder
				block[info+1] = sec.ID.Head
				block[info+2] = sec.ID.Sector
				block[info+3] = sec.ID.SizeCode
				if sec.Status == uft.SectorCRCError {
					block[info+4] = 0x20
					block[info+5] = 0x20
				}
				if sec.Status == uft.SectorDeleted {
					block[info+5] = 0x40
				}
				payload := sectorPayload(sec, g.Encoding)
				binary.LittleEndian.PutUint16(block[info+6:info+8], uint16(len(payload)))
				payloads = append(payloads, payload...)
			}

			full := append(block, payloads...)
			// Track blocks are padded to a 256-byte boundary.
			if rem := len(full) % 256; rem != 0 {
				full = append(full, make([]byte, 256-rem)...)
			}
			sizeTable[cyl*g.Heads+head] = byte(len(full) / 256)
			body = append(body, full...)
		}
	}
	copy(header[0x34:], sizeTable)
	return writeImageFile(path, append(header, body...))
}

func trimPadded(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == 0 || b[end-1] == ' ') {
		end--
	}
	return string(b[:end])
}

func init() {
	uft.RegisterPlugin(edskPlugin{})
}
