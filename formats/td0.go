package formats

import (
	"fmt"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
	"github.com/floppykit/uft/utilities/compression"
)

// Teledisk TD0. "TD" images store track and sector records with per-sector
// payload encodings; "td" images additionally pass the whole stream through
// LZSS ("advanced compression"), which the tool detects and declines.
const td0HeaderSize = 12

type td0Plugin struct{}

func (td0Plugin) Name() string          { return "td0" }
func (td0Plugin) Formats() []uft.Format { return []uft.Format{uft.FormatTD0} }
func (td0Plugin) Capabilities() uft.Capabilities {
	return uft.CapRead
}

func (td0Plugin) Probe(data []byte) float32 {
	if len(data) < td0HeaderSize {
		return 0
	}
	if (data[0] == 'T' && data[1] == 'D') || (data[0] == 't' && data[1] == 'd') {
		if data[2] == 0 {
			return 0.85
		}
	}
	return 0
}

func (p td0Plugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}
	if p.Probe(data) == 0 {
		return nil, uerrors.ErrFormat.AtOffset(0, "not a Teledisk image")
	}
	if data[0] == 't' {
		return nil, uerrors.ErrUnsupported.WithMessage(
			"Teledisk advanced (LZSS) compression is not supported")
	}

	sides := int(data[9])
	if sides < 1 {
		sides = 1
	}
	if sides > 2 {
		sides = 2
	}
	hasComment := data[7]&0x80 != 0

	offset := td0HeaderSize
	if hasComment {
		if offset+10 > len(data) {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset), "comment header truncated")
		}
		commentLen := int(data[offset+2]) | int(data[offset+3])<<8
		offset += 10 + commentLen
		if offset > len(data) {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset), "comment data truncated")
		}
	}

	type staged struct{ track *uft.Track }
	var tracks []staged
	maxCyl, maxSectors, sectorBytes := 0, 0, 0

	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset), "track header truncated")
		}
		numSectors := int(data[offset])
		if numSectors == 0xFF {
			break // end-of-image marker
		}
		cyl := int(data[offset+1])
		head := int(data[offset+2] & 0x7F)
		offset += 4

		track := &uft.Track{Cylinder: cyl, Head: head, Encoding: uft.EncodingMFM}
		if data[offset-2]&0x80 != 0 {
			track.Encoding = uft.EncodingFM
		}
		for s := 0; s < numSectors; s++ {
			if offset+6 > len(data) {
				return nil, uerrors.ErrFormat.AtOffset(int64(offset), "sector header truncated")
			}
			id := uft.SectorID{
				Cylinder: data[offset],
				Head:     data[offset+1],
				Sector:   data[offset+2],
				SizeCode: data[offset+3] & 0x03,
			}
			flags := data[offset+4]
			offset += 6

			sector := uft.Sector{ID: id, Status: uft.SectorOK}
			if flags&0x02 != 0 {
				sector.Status = uft.SectorCRCError
			}
			if flags&0x04 != 0 {
				sector.Status = uft.SectorDeleted
			}

			if flags&0x30 == 0 { // data block present
				if offset+3 > len(data) {
					return nil, uerrors.ErrFormat.AtOffset(int64(offset), "data block truncated")
				}
				blockLen := int(data[offset]) | int(data[offset+1])<<8
				encoding := data[offset+2]
				offset += 3
				if offset+blockLen-1 > len(data) {
					return nil, uerrors.ErrFormat.AtOffset(int64(offset), "data payload truncated")
				}
				payload := data[offset : offset+blockLen-1]
				offset += blockLen - 1

				decoded, err := compression.DecodeTelediskSector(encoding, payload, id.SizeBytes())
				if err != nil {
					return nil, uerrors.ErrFormat.AtOffset(int64(offset), err.Error())
				}
				sector.Data = decoded
			} else {
				sector.Status = uft.SectorMissing
			}
			track.Sectors = append(track.Sectors, sector)

			if id.SizeBytes() > sectorBytes {
				sectorBytes = id.SizeBytes()
			}
		}
		track.SortSectors()
		tracks = append(tracks, staged{track: track})
		if cyl > maxCyl {
			maxCyl = cyl
		}
		if numSectors > maxSectors {
			maxSectors = numSectors
		}
	}
	if len(tracks) == 0 {
		return nil, uerrors.ErrFormat.WithMessage("Teledisk image holds no tracks")
	}
	if sectorBytes == 0 {
		sectorBytes = 512
	}

	geometry := uft.Geometry{
		Cylinders:       maxCyl + 1,
		Heads:           sides,
		SectorsPerTrack: maxSectors,
		BytesPerSector:  sectorBytes,
		FirstSectorID:   1,
		Encoding:        uft.EncodingMFM,
	}
	img := uft.NewDiskImage(uft.FormatTD0, geometry)
	for _, st := range tracks {
		if st.track.Head >= sides {
			continue
		}
		if err := img.SetTrack(st.track); err != nil {
			return nil, err
		}
	}
	markReadOnly(img, readOnly)
	return img, nil
}

func (td0Plugin) Save(img *uft.DiskImage, path string) error {
	return uerrors.ErrUnsupported.WithMessage(
		fmt.Sprintf("writing %s images is not supported", img.Format))
}

func init() {
	uft.RegisterPlugin(td0Plugin{})
}
