package formats

import (
	"encoding/binary"
	"fmt"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
)

// Atari ST MSA (Magic Shadow Archiver): big-endian header, then one record
// per track, each either stored verbatim or run-length packed with 0xE5 as
// the escape byte.
const (
	msaMagic   = 0x0E0F
	msaRLEByte = 0xE5
)

type msaPlugin struct{}

func (msaPlugin) Name() string          { return "msa" }
func (msaPlugin) Formats() []uft.Format { return []uft.Format{uft.FormatMSA} }
func (msaPlugin) Capabilities() uft.Capabilities {
	return uft.CapRead | uft.CapWrite
}

func (msaPlugin) Probe(data []byte) float32 {
	if len(data) < 10 {
		return 0
	}
	if binary.BigEndian.Uint16(data[0:2]) != msaMagic {
		return 0
	}
	sectors := binary.BigEndian.Uint16(data[2:4])
	sides := binary.BigEndian.Uint16(data[4:6])
	if sectors < 1 || sectors > 36 || sides > 1 {
		return 0
	}
	return 0.85
}

func (p msaPlugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}
	if p.Probe(data) == 0 {
		return nil, uerrors.ErrFormat.AtOffset(0, "not an MSA archive")
	}
	sectorsPerTrack := int(binary.BigEndian.Uint16(data[2:4]))
	sides := int(binary.BigEndian.Uint16(data[4:6])) + 1
	startTrack := int(binary.BigEndian.Uint16(data[6:8]))
	endTrack := int(binary.BigEndian.Uint16(data[8:10]))
	if endTrack < startTrack {
		return nil, uerrors.ErrFormat.AtOffset(8, "end track before start track")
	}

	geometry := uft.Geometry{
		Cylinders:       endTrack + 1,
		Heads:           sides,
		SectorsPerTrack: sectorsPerTrack,
		BytesPerSector:  512,
		FirstSectorID:   1,
		Encoding:        uft.EncodingMFM,
	}
	img := uft.NewDiskImage(uft.FormatST, geometry)
	img.Format = uft.FormatMSA
	img.FormatName = uft.FormatMSA.String()

	trackBytes := sectorsPerTrack * 512
	offset := 10
	for cyl := startTrack; cyl <= endTrack; cyl++ {
		for head := 0; head < sides; head++ {
			if offset+2 > len(data) {
				return nil, uerrors.ErrFormat.AtOffset(int64(offset), "track record truncated")
			}
			recLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
			if offset+recLen > len(data) {
				return nil, uerrors.ErrFormat.AtOffset(int64(offset), "track data truncated")
			}
			record := data[offset : offset+recLen]
			offset += recLen

			var payload []byte
			if recLen == trackBytes {
				payload = record
			} else {
				payload, err = msaUnpack(record, trackBytes)
				if err != nil {
					return nil, err
				}
			}

			track, err := img.EnsureTrack(cyl, head)
			if err != nil {
				return nil, err
			}
			for s := 0; s < sectorsPerTrack; s++ {
				sectorData := make([]byte, 512)
				copy(sectorData, payload[s*512:(s+1)*512])
				track.Sectors = append(track.Sectors, uft.Sector{
					ID: uft.SectorID{
						Cylinder: uint8(cyl),
						Head:     uint8(head),
						Sector:   uint8(s + 1),
						SizeCode: 2,
					},
					Status: uft.SectorOK,
					Data:   sectorData,
				})
			}
		}
	}
	markReadOnly(img, readOnly)
	return img, nil
}

func msaUnpack(record []byte, want int) ([]byte, error) {
	out := make([]byte, 0, want)
	for i := 0; i < len(record); {
		b := record[i]
		if b != msaRLEByte {
			out = append(out, b)
			i++
			continue
		}
		if i+4 > len(record) {
			return nil, uerrors.ErrFormat.AtOffset(int64(i), "truncated RLE run")
		}
		value := record[i+1]
		count := int(binary.BigEndian.Uint16(record[i+2 : i+4]))
		for j := 0; j < count; j++ {
			out = append(out, value)
		}
		i += 4
	}
	if len(out) != want {
		return nil, uerrors.ErrFormat.WithMessage(fmt.Sprintf(
			"track unpacked to %d bytes, wanted %d", len(out), want))
	}
	return out, nil
}

// msaPack run-length packs a track; it returns the input unchanged when
// packing would not shrink it, which mirrors how the original archiver
// chooses per track.
func msaPack(payload []byte) []byte {
	var out []byte
	for i := 0; i < len(payload); {
		b := payload[i]
		run := 1
		for i+run < len(payload) && payload[i+run] == b {
			run++
		}
		if run >= 4 || b == msaRLEByte {
			chunk := make([]byte, 4)
			chunk[0] = msaRLEByte
			chunk[1] = b
			binary.BigEndian.PutUint16(chunk[2:4], uint16(run))
			out = append(out, chunk...)
		} else {
			for j := 0; j < run; j++ {
				out = append(out, b)
			}
		}
		i += run
	}
	if len(out) >= len(payload) {
		return payload
	}
	return out
}

func (msaPlugin) Save(img *uft.DiskImage, path string) error {
	if img.Metadata["read-only"] == "true" {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	g := img.Geometry
	if g.BytesPerSector != 512 {
		return uerrors.ErrUnsupported.WithMessage("MSA tracks are 512-byte sectored")
	}

	header := make([]byte, 10)
	binary.BigEndian.PutUint16(header[0:2], msaMagic)
	binary.BigEndian.PutUint16(header[2:4], uint16(g.SectorsPerTrack))
	binary.BigEndian.PutUint16(header[4:6], uint16(g.Heads-1))
	binary.BigEndian.PutUint16(header[6:8], 0)
	binary.BigEndian.PutUint16(header[8:10], uint16(g.Cylinders-1))

	out := header
	for cyl := 0; cyl < g.Cylinders; cyl++ {
		for head := 0; head < g.Heads; head++ {
			track := img.Track(cyl, head)
			payload := make([]byte, 0, g.SectorsPerTrack*512)
			for s := 0; s < g.SectorsPerTrack; s++ {
				var sec *uft.Sector
				if track != nil {
					sec = track.FindSector(uint8(s + 1))
				}
				payload = append(payload, sectorPayload(sec, g.Encoding)...)
			}
			packed := msaPack(payload)
			rec := make([]byte, 2)
			binary.BigEndian.PutUint16(rec, uint16(len(packed)))
			out = append(out, rec...)
			out = append(out, packed...)
		}
	}
	return writeImageFile(path, out)
}

func init() {
	uft.RegisterPlugin(msaPlugin{})
}
