package formats

import (
	"encoding/binary"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
)

// TRS-80 containers beyond the raw JV1: JV3 prefixes the data with a table
// of 2901 three-byte sector headers; DMK stores whole raw tracks behind a
// 16-byte header with per-track IDAM offset tables.

const (
	jv3HeaderEntries = 2901
	jv3HeaderSize    = jv3HeaderEntries*3 + 1
	jv3Free          = 0xFF
)

type jv3Plugin struct{}

func (jv3Plugin) Name() string          { return "jv3" }
func (jv3Plugin) Formats() []uft.Format { return []uft.Format{uft.FormatJV3} }
func (jv3Plugin) Capabilities() uft.Capabilities {
	return uft.CapRead | uft.CapWrite
}

func (jv3Plugin) Probe(data []byte) float32 {
	if len(data) < jv3HeaderSize {
		return 0
	}
	// A JV3 header is a run of plausible {track, sector, flags} triples
	// followed by 0xFF free entries.
	plausible := 0
	for i := 0; i < 64; i++ {
		track := data[i*3]
		sector := data[i*3+1]
		if track == jv3Free {
			break
		}
		if track > 96 || sector > 31 {
			return 0
		}
		plausible++
	}
	if plausible < 10 {
		return 0
	}
	return 0.60
}

func jv3SectorSize(flags byte) int {
	// Bits 0-1 hold the size code XORed with 1 for used entries:
	// 0=256, 1=128, 2=1024, 3=512.
	switch flags & 0x03 {
	case 0:
		return 256
	case 1:
		return 128
	case 2:
		return 1024
	default:
		return 512
	}
}

func (p jv3Plugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < jv3HeaderSize {
		return nil, uerrors.ErrFormat.WithMessage("file too short for a JV3 header")
	}

	maxCyl, maxSector := 0, 0
	offset := jv3HeaderSize
	type entry struct {
		track, sector, flags byte
		payload              []byte
	}
	var entries []entry
	for i := 0; i < jv3HeaderEntries; i++ {
		track := data[i*3]
		sector := data[i*3+1]
		flags := data[i*3+2]
		if track == jv3Free {
			continue
		}
		size := jv3SectorSize(flags)
		if offset+size > len(data) {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset), "sector data truncated")
		}
		entries = append(entries, entry{track, sector, flags, data[offset : offset+size]})
		offset += size
		if int(track) > maxCyl {
			maxCyl = int(track)
		}
		if int(sector) > maxSector {
			maxSector = int(sector)
		}
	}
	if len(entries) == 0 {
		return nil, uerrors.ErrFormat.WithMessage("JV3 image holds no sectors")
	}

	heads := 1
	for _, e := range entries {
		if e.flags&0x10 != 0 {
			heads = 2
			break
		}
	}
	geometry := uft.Geometry{
		Cylinders:       maxCyl + 1,
		Heads:           heads,
		SectorsPerTrack: maxSector + 1,
		BytesPerSector:  256,
		FirstSectorID:   0,
		Encoding:        uft.EncodingFM,
	}
	img := uft.NewDiskImage(uft.FormatJV3, geometry)
	for _, e := range entries {
		head := 0
		if e.flags&0x10 != 0 {
			head = 1
		}
		track, err := img.EnsureTrack(int(e.track), head)
		if err != nil {
			return nil, err
		}
		if e.flags&0x80 != 0 {
			track.Encoding = uft.EncodingMFM
		}
		code, _ := uft.SizeCodeForBytes(len(e.payload))
		sector := uft.Sector{
			ID: uft.SectorID{
				Cylinder: e.track,
				Head:     uint8(head),
				Sector:   e.sector,
				SizeCode: code,
			},
			Status: uft.SectorOK,
			Data:   append([]byte(nil), e.payload...),
		}
		if e.flags&0x08 != 0 {
			sector.Status = uft.SectorCRCError
		}
		if e.flags&0x20 != 0 {
			sector.Status = uft.SectorDeleted
		}
		track.Sectors = append(track.Sectors, sector)
	}
	markReadOnly(img, readOnly)
	return img, nil
}

func (jv3Plugin) Save(img *uft.DiskImage, path string) error {
	if img.Metadata["read-only"] == "true" {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	header := make([]byte, jv3HeaderSize)
	for i := range header {
		header[i] = jv3Free
	}
	header[jv3HeaderSize-1] = 0xFF // write-enabled

	var body []byte
	entryIndex := 0
	for _, track := range img.Tracks {
		if track == nil {
			continue
		}
		for i := range track.Sectors {
			if entryIndex >= jv3HeaderEntries {
				return uerrors.ErrDiskFull.WithMessage("image exceeds the JV3 sector table")
			}
			sec := &track.Sectors[i]
			flags := byte(0)
			switch sec.ID.SizeBytes() {
			case 128:
				flags |= 1
			case 1024:
				flags |= 2
			case 512:
				flags |= 3
			}
			if track.Head == 1 {
				flags |= 0x10
			}
			if track.Encoding == uft.EncodingMFM {
				flags |= 0x80
			}
			if sec.Status == uft.SectorCRCError {
				flags |= 0x08
			}
			if sec.Status == uft.SectorDeleted {
				flags |= 0x20
			}
			header[entryIndex*3] = uint8(track.Cylinder)
			header[entryIndex*3+1] = sec.ID.Sector
			header[entryIndex*3+2] = flags
			entryIndex++
			body = append(body, sectorPayload(sec, track.Encoding)...)
		}
	}
	return writeImageFile(path, append(header, body...))
}

// DMK: 16-byte header {write protect, tracks, track length LE16, options},
// then per-track blocks beginning with a 64-entry IDAM offset table.
const (
	dmkHeaderSize = 16
	dmkIDAMTable  = 128
)

type dmkPlugin struct{}

func (dmkPlugin) Name() string          { return "dmk" }
func (dmkPlugin) Formats() []uft.Format { return []uft.Format{uft.FormatDMK} }
func (dmkPlugin) Capabilities() uft.Capabilities {
	return uft.CapRead
}

func (dmkPlugin) Probe(data []byte) float32 {
	if len(data) < dmkHeaderSize+dmkIDAMTable {
		return 0
	}
	if data[0] != 0 && data[0] != 0xFF {
		return 0
	}
	tracks := int(data[1])
	trackLen := int(binary.LittleEndian.Uint16(data[2:4]))
	if tracks == 0 || tracks > 96 || trackLen < 0x80 || trackLen > 0x4000 {
		return 0
	}
	if dmkHeaderSize+tracks*trackLen > len(data)*2 {
		return 0
	}
	return 0.55
}

func (p dmkPlugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}
	if p.Probe(data) == 0 {
		return nil, uerrors.ErrFormat.AtOffset(0, "not a DMK image")
	}
	tracks := int(data[1])
	trackLen := int(binary.LittleEndian.Uint16(data[2:4]))
	options := data[4]
	sides := 2
	if options&0x10 != 0 {
		sides = 1
	}
	singleDensity := options&0x40 != 0

	geometry := uft.Geometry{
		Cylinders:       tracks,
		Heads:           sides,
		SectorsPerTrack: 18,
		BytesPerSector:  256,
		FirstSectorID:   0,
		Encoding:        uft.EncodingMFM,
	}
	if singleDensity {
		geometry.Encoding = uft.EncodingFM
	}
	img := uft.NewDiskImage(uft.FormatDMK, geometry)
	if data[0] == 0xFF {
		img.Metadata["write-protected"] = "true"
	}

	offset := dmkHeaderSize
	for cyl := 0; cyl < tracks; cyl++ {
		for head := 0; head < sides; head++ {
			if offset+trackLen > len(data) {
				markReadOnly(img, readOnly)
				return img, nil
			}
			raw := data[offset : offset+trackLen]
			offset += trackLen

			track, err := img.EnsureTrack(cyl, head)
			if err != nil {
				return nil, err
			}
			// Walk the IDAM pointer table; each pointer locates an FE byte
			// inside the raw track, with bit 15 flagging double density.
			for i := 0; i < 64; i++ {
				pointer := binary.LittleEndian.Uint16(raw[i*2 : i*2+2])
				if pointer == 0 {
					break
				}
				idamOffset := int(pointer & 0x3FFF)
				if idamOffset+7 > len(raw) || raw[idamOffset] != 0xFE {
					continue
				}
				id := uft.SectorID{
					Cylinder: raw[idamOffset+1],
					Head:     raw[idamOffset+2],
					Sector:   raw[idamOffset+3],
					SizeCode: raw[idamOffset+4] & 0x03,
				}
				// The data field follows the ID field; scan forward for the
				// DAM within the gap distance.
				size := id.SizeBytes()
				var payload []byte
				status := uft.SectorMissing
				for scan := idamOffset + 7; scan < idamOffset+60 && scan < len(raw); scan++ {
					if raw[scan] == 0xFB || raw[scan] == 0xF8 {
						if scan+1+size <= len(raw) {
							payload = append([]byte(nil), raw[scan+1:scan+1+size]...)
							status = uft.SectorOK
							if raw[scan] == 0xF8 {
								status = uft.SectorDeleted
							}
						}
						break
					}
				}
				track.Sectors = append(track.Sectors, uft.Sector{
					ID: id, Status: status, Data: payload,
				})
			}
			track.SortSectors()
		}
	}
	markReadOnly(img, readOnly)
	return img, nil
}

func (dmkPlugin) Save(img *uft.DiskImage, path string) error {
	return uerrors.ErrUnsupported.WithMessage("writing DMK images is not supported")
}

func init() {
	uft.RegisterPlugin(jv3Plugin{})
	uft.RegisterPlugin(dmkPlugin{})
}
