package formats

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
	"github.com/floppykit/uft/flux"
)

// G64: GCR-coded 1541 tracks stored as raw surface bytes. The container
// has 84 half-track slots; whole tracks occupy the even slots. Decoded
// sectors are attached next to the raw bitstream so filesystem code can
// work on a G64 directly.
const (
	g64Magic      = "GCR-1541"
	g64TrackSlots = 84
)

type g64Plugin struct{}

func (g64Plugin) Name() string          { return "g64" }
func (g64Plugin) Formats() []uft.Format { return []uft.Format{uft.FormatG64} }
func (g64Plugin) Capabilities() uft.Capabilities {
	return uft.CapRead | uft.CapWrite | uft.CapFlux
}

func (g64Plugin) Probe(data []byte) float32 {
	if len(data) > 12 && bytes.HasPrefix(data, []byte(g64Magic)) {
		return 0.95
	}
	return 0
}

func (p g64Plugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}
	if p.Probe(data) == 0 {
		return nil, uerrors.ErrFormat.AtOffset(0, "missing GCR-1541 magic")
	}
	if len(data) < 12+g64TrackSlots*8 {
		return nil, uerrors.ErrFormat.AtOffset(12, "track tables truncated")
	}
	trackCount := int(data[9])
	if trackCount > g64TrackSlots {
		return nil, uerrors.ErrFormat.AtOffset(9, fmt.Sprintf(
			"track count %d exceeds the %d slots", trackCount, g64TrackSlots))
	}

	geometry := uft.Geometry{
		Cylinders: 42, Heads: 1, SectorsPerTrack: 21,
		BytesPerSector: 256, FirstSectorID: 0, Encoding: uft.EncodingGCR,
	}
	img := uft.NewDiskImage(uft.FormatG64, geometry)
	img.Metadata["version"] = fmt.Sprintf("%d", data[8])

	offsetTable := data[12 : 12+g64TrackSlots*4]
	for slot := 0; slot < trackCount; slot += 2 {
		offset := binary.LittleEndian.Uint32(offsetTable[slot*4 : slot*4+4])
		if offset == 0 {
			continue
		}
		if int(offset)+2 > len(data) {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset), "track data outside file")
		}
		size := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
		if int(offset)+2+size > len(data) {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset), "track data truncated")
		}
		raw := data[offset+2 : int(offset)+2+size]

		cyl := slot / 2
		track, err := img.EnsureTrack(cyl, 0)
		if err != nil {
			return nil, err
		}
		bs, err := flux.BitstreamFromBytes(append([]byte(nil), raw...), size*8)
		if err != nil {
			return nil, err
		}
		track.Sectors = flux.ScanGCRCommodore(bs)
		for i := range track.Sectors {
			track.Sectors[i].ID.Cylinder = uint8(cyl)
		}
		track.SortSectors()
	}
	markReadOnly(img, readOnly)
	return img, nil
}

func (g64Plugin) Save(img *uft.DiskImage, path string) error {
	if img.Metadata["read-only"] == "true" {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}

	type encodedTrack struct {
		slot int
		data []byte
	}
	var tracks []encodedTrack
	maxSize := 0
	diskID := [2]byte{'U', 'F'}
	for cyl := 0; cyl < img.Geometry.Cylinders && cyl < g64TrackSlots/2; cyl++ {
		track := img.Track(cyl, 0)
		if track == nil || len(track.Sectors) == 0 {
			continue
		}
		bs, err := flux.EncodeGCRCommodore(cyl+1, track.Sectors, diskID)
		if err != nil {
			return err
		}
		raw := bs.Bytes()
		tracks = append(tracks, encodedTrack{slot: cyl * 2, data: raw})
		if len(raw) > maxSize {
			maxSize = len(raw)
		}
	}

	header := make([]byte, 12+g64TrackSlots*8)
	copy(header, g64Magic)
	header[8] = 0
	header[9] = g64TrackSlots
	binary.LittleEndian.PutUint16(header[10:12], uint16(maxSize))

	offset := len(header)
	body := make([]byte, 0, maxSize*len(tracks))
	for _, t := range tracks {
		binary.LittleEndian.PutUint32(header[12+t.slot*4:], uint32(offset))
		// Speed zone from the physical track number.
		zone := uint32(speedZone(t.slot/2 + 1))
		binary.LittleEndian.PutUint32(header[12+g64TrackSlots*4+t.slot*4:], zone)

		entry := make([]byte, 2+len(t.data))
		binary.LittleEndian.PutUint16(entry, uint16(len(t.data)))
		copy(entry[2:], t.data)
		body = append(body, entry...)
		offset += len(entry)
	}
	return writeImageFile(path, append(header, body...))
}

func speedZone(track int) int {
	switch {
	case track <= 17:
		return 3
	case track <= 24:
		return 2
	case track <= 30:
		return 1
	default:
		return 0
	}
}

func init() {
	uft.RegisterPlugin(g64Plugin{})
}
