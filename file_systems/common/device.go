package common

import (
	"fmt"
	"io"

	"github.com/xaionaro-go/bytesextra"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
)

// Device presents a disk image as a linear array of logical sectors, which
// is the addressing model every supported filesystem works in. Logical
// index n maps to cylinder n/(heads*spt), head (n/spt)%heads, sector
// FirstSectorID + n%spt.
type Device struct {
	img      *uft.DiskImage
	readOnly bool
}

// NewDevice wraps an image. The image must be fully populated; missing
// tracks read as errors, not zeros.
func NewDevice(img *uft.DiskImage) *Device {
	return &Device{img: img, readOnly: img.Metadata["read-only"] == "true"}
}

// Geometry exposes the wrapped image's geometry.
func (d *Device) Geometry() uft.Geometry { return d.img.Geometry }

// Image exposes the wrapped image for callers that need to hand it to
// another layer (detection, plugins) after filesystem mutations.
func (d *Device) Image() *uft.DiskImage { return d.img }

// ReadOnly reports whether mutations are refused.
func (d *Device) ReadOnly() bool { return d.readOnly }

// SectorSize is the per-sector payload size.
func (d *Device) SectorSize() int { return d.img.Geometry.BytesPerSector }

// TotalSectors is the logical sector count of the whole image.
func (d *Device) TotalSectors() int { return d.img.Geometry.TotalSectors() }

func (d *Device) locate(index int) (cyl, head, sector int, err error) {
	g := d.img.Geometry
	if index < 0 || index >= g.TotalSectors() {
		return 0, 0, 0, uerrors.ErrInvalidParam.WithMessage(fmt.Sprintf(
			"logical sector %d outside image of %d sectors", index, g.TotalSectors()))
	}
	perCyl := g.Heads * g.SectorsPerTrack
	cyl = index / perCyl
	head = (index % perCyl) / g.SectorsPerTrack
	sector = g.FirstSectorID + index%g.SectorsPerTrack
	return cyl, head, sector, nil
}

// ReadSector returns the payload of the logical sector. Sectors flagged
// with CRC damage are still returned; missing payloads are an error.
func (d *Device) ReadSector(index int) ([]byte, error) {
	cyl, head, sector, err := d.locate(index)
	if err != nil {
		return nil, err
	}
	sec, err := d.img.ReadSector(cyl, head, sector)
	if err != nil {
		return nil, err
	}
	if sec.Data == nil {
		return nil, uerrors.ErrCorrupt.WithMessage(fmt.Sprintf(
			"sector %d.%d.%d has no recoverable data", cyl, head, sector))
	}
	return sec.Data, nil
}

// WriteSector replaces the payload of the logical sector.
func (d *Device) WriteSector(index int, data []byte) error {
	if d.readOnly {
		return uerrors.ErrReadOnly.WithMessage("device is read-only")
	}
	cyl, head, sector, err := d.locate(index)
	if err != nil {
		return err
	}
	return d.img.WriteSector(cyl, head, sector, data)
}

// ReadSectors reads `count` consecutive logical sectors into one slice.
func (d *Device) ReadSectors(index, count int) ([]byte, error) {
	out := make([]byte, 0, count*d.SectorSize())
	for i := 0; i < count; i++ {
		data, err := d.ReadSector(index + i)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// WriteSectors writes a slice spanning consecutive logical sectors. The
// data length must be a multiple of the sector size.
func (d *Device) WriteSectors(index int, data []byte) error {
	size := d.SectorSize()
	if len(data)%size != 0 {
		return uerrors.ErrInvalidParam.WithMessage("write is not sector aligned")
	}
	for i := 0; i*size < len(data); i++ {
		if err := d.WriteSector(index+i, data[i*size:(i+1)*size]); err != nil {
			return err
		}
	}
	return nil
}

// Stream returns an io.ReadWriteSeeker over a copy of the linear device
// contents, for parsers that want stream access (boot records, FAT
// tables). Mutations on the stream do not write through; callers flush
// explicitly with WriteSectors.
func (d *Device) Stream() (io.ReadWriteSeeker, error) {
	data, err := d.ReadSectors(0, d.TotalSectors())
	if err != nil {
		return nil, err
	}
	return bytesextra.NewReadWriteSeeker(data), nil
}
