package formats

import (
	"bytes"
	"encoding/binary"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
	"github.com/floppykit/uft/flux"
)

// NIB (mnib): raw 1541 GCR track dumps. Each record carries the physical
// track number in half-track units, the speed-zone density, and the raw
// surface bytes.
const nibMagic = "MNIB-1541-RAW"

type nibPlugin struct{}

func (nibPlugin) Name() string          { return "nib" }
func (nibPlugin) Formats() []uft.Format { return []uft.Format{uft.FormatNIB} }
func (nibPlugin) Capabilities() uft.Capabilities {
	return uft.CapRead | uft.CapWrite | uft.CapFlux
}

func (nibPlugin) Probe(data []byte) float32 {
	if bytes.HasPrefix(data, []byte(nibMagic)) {
		return 0.95
	}
	return 0
}

func (p nibPlugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}
	if p.Probe(data) == 0 {
		return nil, uerrors.ErrFormat.AtOffset(0, "missing MNIB-1541-RAW magic")
	}
	if len(data) < len(nibMagic)+1 {
		return nil, uerrors.ErrFormat.AtOffset(int64(len(data)), "header truncated")
	}
	trackCount := int(data[len(nibMagic)])

	geometry := uft.Geometry{
		Cylinders: 42, Heads: 1, SectorsPerTrack: 21,
		BytesPerSector: 256, FirstSectorID: 0, Encoding: uft.EncodingGCR,
	}
	img := uft.NewDiskImage(uft.FormatNIB, geometry)

	offset := len(nibMagic) + 1
	for i := 0; i < trackCount; i++ {
		if offset+4 > len(data) {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset), "track record truncated")
		}
		halfTrack := int(data[offset])
		density := data[offset+1]
		size := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4
		if offset+size > len(data) {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset), "track data truncated")
		}
		raw := data[offset : offset+size]
		offset += size

		cyl := halfTrack/2 - 1
		if cyl < 0 || cyl >= geometry.Cylinders {
			continue
		}
		track, err := img.EnsureTrack(cyl, 0)
		if err != nil {
			return nil, err
		}
		bs, err := flux.BitstreamFromBytes(append([]byte(nil), raw...), size*8)
		if err != nil {
			return nil, err
		}
		track.Sectors = flux.ScanGCRCommodore(bs)
		for s := range track.Sectors {
			track.Sectors[s].ID.Cylinder = uint8(cyl)
		}
		track.SortSectors()
		_ = density
	}
	markReadOnly(img, readOnly)
	return img, nil
}

func (nibPlugin) Save(img *uft.DiskImage, path string) error {
	if img.Metadata["read-only"] == "true" {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	var records []byte
	count := 0
	diskID := [2]byte{'U', 'F'}
	for cyl := 0; cyl < img.Geometry.Cylinders; cyl++ {
		track := img.Track(cyl, 0)
		if track == nil || len(track.Sectors) == 0 {
			continue
		}
		bs, err := flux.EncodeGCRCommodore(cyl+1, track.Sectors, diskID)
		if err != nil {
			return err
		}
		raw := bs.Bytes()
		header := make([]byte, 4)
		header[0] = byte((cyl + 1) * 2)
		header[1] = byte(speedZone(cyl + 1))
		binary.BigEndian.PutUint16(header[2:4], uint16(len(raw)))
		records = append(records, header...)
		records = append(records, raw...)
		count++
	}
	out := make([]byte, 0, len(nibMagic)+1+len(records))
	out = append(out, nibMagic...)
	out = append(out, byte(count))
	out = append(out, records...)
	return writeImageFile(path, out)
}

func init() {
	uft.RegisterPlugin(nibPlugin{})
}
