package formats

import (
	"bytes"
	"fmt"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
)

// ImageDisk (IMD): an ASCII header and comment terminated by 0x1A, then
// binary track records. Sector payloads are stored verbatim or as a single
// fill byte for uniform sectors, with the record type encoding the
// normal/deleted/error combinations.
const imdCommentEnd = 0x1A

var imdModeEncoding = [6]uft.Encoding{
	uft.EncodingFM, uft.EncodingFM, uft.EncodingFM,
	uft.EncodingMFM, uft.EncodingMFM, uft.EncodingMFM,
}

type imdPlugin struct{}

func (imdPlugin) Name() string          { return "imd" }
func (imdPlugin) Formats() []uft.Format { return []uft.Format{uft.FormatIMD} }
func (imdPlugin) Capabilities() uft.Capabilities {
	return uft.CapRead | uft.CapWrite
}

func (imdPlugin) Probe(data []byte) float32 {
	if bytes.HasPrefix(data, []byte("IMD ")) {
		return 0.95
	}
	return 0
}

func (p imdPlugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}
	if p.Probe(data) == 0 {
		return nil, uerrors.ErrFormat.AtOffset(0, "missing IMD signature")
	}
	commentEnd := bytes.IndexByte(data, imdCommentEnd)
	if commentEnd < 0 {
		return nil, uerrors.ErrFormat.WithMessage("IMD comment is not terminated")
	}

	// Geometry is discovered while walking the records; tracks land in a
	// staging list first.
	type staged struct {
		track   *uft.Track
		sectors int
	}
	var tracks []staged
	maxCyl, maxHead, maxSectors, sectorBytes := 0, 0, 0, 0
	encoding := uft.EncodingMFM

	offset := commentEnd + 1
	for offset < len(data) {
		if offset+5 > len(data) {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset), "track record truncated")
		}
		mode := data[offset]
		cyl := int(data[offset+1])
		headByte := data[offset+2]
		numSectors := int(data[offset+3])
		sizeCode := data[offset+4]
		offset += 5
		if mode > 5 {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset-5), fmt.Sprintf("bad track mode %d", mode))
		}
		if sizeCode > 6 {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset-1), "custom sector sizes are not supported")
		}
		head := int(headByte & 0x3F)
		hasCylMap := headByte&0x80 != 0
		hasHeadMap := headByte&0x40 != 0
		size := 128 << sizeCode

		if offset+numSectors > len(data) {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset), "sector number map truncated")
		}
		numberMap := data[offset : offset+numSectors]
		offset += numSectors

		cylMap := make([]byte, 0)
		if hasCylMap {
			if offset+numSectors > len(data) {
				return nil, uerrors.ErrFormat.AtOffset(int64(offset), "cylinder map truncated")
			}
			cylMap = data[offset : offset+numSectors]
			offset += numSectors
		}
		headMap := make([]byte, 0)
		if hasHeadMap {
			if offset+numSectors > len(data) {
				return nil, uerrors.ErrFormat.AtOffset(int64(offset), "head map truncated")
			}
			headMap = data[offset : offset+numSectors]
			offset += numSectors
		}

		track := &uft.Track{Cylinder: cyl, Head: head, Encoding: imdModeEncoding[mode]}
		encoding = imdModeEncoding[mode]
		for s := 0; s < numSectors; s++ {
			if offset >= len(data) {
				return nil, uerrors.ErrFormat.AtOffset(int64(offset), "sector record truncated")
			}
			recordType := data[offset]
			offset++

			idCyl := uint8(cyl)
			if len(cylMap) > 0 {
				idCyl = cylMap[s]
			}
			idHead := uint8(head)
			if len(headMap) > 0 {
				idHead = headMap[s]
			}
			code := sizeCode
			if code > 3 {
				code = 3
			}
			sector := uft.Sector{
				ID: uft.SectorID{
					Cylinder: idCyl,
					Head:     idHead,
					Sector:   numberMap[s],
					SizeCode: code,
				},
			}
			switch recordType {
			case 0:
				sector.Status = uft.SectorMissing
			case 1, 3, 5, 7:
				if offset+size > len(data) {
					return nil, uerrors.ErrFormat.AtOffset(int64(offset), "sector data truncated")
				}
				sector.Data = append([]byte(nil), data[offset:offset+size]...)
				offset += size
				sector.Status = imdRecordStatus(recordType)
			case 2, 4, 6, 8:
				if offset >= len(data) {
					return nil, uerrors.ErrFormat.AtOffset(int64(offset), "fill byte truncated")
				}
				fill := data[offset]
				offset++
				sector.Data = bytes.Repeat([]byte{fill}, size)
				sector.Status = imdRecordStatus(recordType - 1)
			default:
				return nil, uerrors.ErrFormat.AtOffset(int64(offset-1), fmt.Sprintf(
					"unknown sector record type %d", recordType))
			}
			track.Sectors = append(track.Sectors, sector)
		}
		tracks = append(tracks, staged{track: track, sectors: numSectors})

		if cyl > maxCyl {
			maxCyl = cyl
		}
		if head > maxHead {
			maxHead = head
		}
		if numSectors > maxSectors {
			maxSectors = numSectors
		}
		if size > sectorBytes {
			sectorBytes = size
		}
	}
	if len(tracks) == 0 {
		return nil, uerrors.ErrFormat.WithMessage("IMD file holds no tracks")
	}

	geometry := uft.Geometry{
		Cylinders:       maxCyl + 1,
		Heads:           maxHead + 1,
		SectorsPerTrack: maxSectors,
		BytesPerSector:  sectorBytes,
		FirstSectorID:   1,
		Encoding:        encoding,
	}
	img := uft.NewDiskImage(uft.FormatIMD, geometry)
	img.Metadata["comment"] = string(data[4:commentEnd])
	for _, st := range tracks {
		if err := img.SetTrack(st.track); err != nil {
			return nil, err
		}
	}
	markReadOnly(img, readOnly)
	return img, nil
}

func imdRecordStatus(recordType byte) uft.SectorStatus {
	switch recordType {
	case 3:
		return uft.SectorDeleted
	case 5, 7:
		return uft.SectorCRCError
	default:
		return uft.SectorOK
	}
}

func (imdPlugin) Save(img *uft.DiskImage, path string) error {
	if img.Metadata["read-only"] == "true" {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}

	var out bytes.Buffer
	comment := img.Metadata["comment"]
	if comment == "" {
		comment = "IMD 1.18: UFT image"
	}
	out.WriteString("IMD ")
	out.WriteString(comment)
	out.WriteByte(imdCommentEnd)

	for _, track := range img.Tracks {
		if track == nil || len(track.Sectors) == 0 {
			continue
		}
		mode := byte(5) // 250kbps MFM
		if track.Encoding == uft.EncodingFM {
			mode = 2
		}
		sizeCode := track.Sectors[0].ID.SizeCode
		out.WriteByte(mode)
		out.WriteByte(byte(track.Cylinder))
		out.WriteByte(byte(track.Head))
		out.WriteByte(byte(len(track.Sectors)))
		out.WriteByte(sizeCode)
		for i := range track.Sectors {
			out.WriteByte(track.Sectors[i].ID.Sector)
		}
		for i := range track.Sectors {
			sec := &track.Sectors[i]
			if sec.Data == nil {
				out.WriteByte(0)
				continue
			}
			payload := sectorPayload(sec, track.Encoding)
			recordType := byte(1)
			switch sec.Status {
			case uft.SectorDeleted:
				recordType = 3
			case uft.SectorCRCError:
				recordType = 5
			}
			if fill, uniform := uniformByte(payload); uniform {
				out.WriteByte(recordType + 1)
				out.WriteByte(fill)
			} else {
				out.WriteByte(recordType)
				out.Write(payload)
			}
		}
	}
	return writeImageFile(path, out.Bytes())
}

func uniformByte(payload []byte) (byte, bool) {
	if len(payload) == 0 {
		return 0, false
	}
	for _, b := range payload[1:] {
		if b != payload[0] {
			return 0, false
		}
	}
	return payload[0], true
}

func init() {
	uft.RegisterPlugin(imdPlugin{})
}
