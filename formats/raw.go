package formats

import (
	"fmt"

	"github.com/floppykit/uft"
	"github.com/floppykit/uft/disks"
	uerrors "github.com/floppykit/uft/errors"
)

// rawPlugin handles headerless sector images whose layout is implied by the
// file size: plain PC/ST/MSX dumps, Atari XFD, BBC SSD/DSD, TRS-80 JV1,
// Spectrum TRD. Geometry resolution goes
// through the disks database so each format family only declares which
// database rows belong to it.
type rawPlugin struct {
	name    string
	formats []uft.Format
	// formatNames filters disks.Definition rows to the ones this plugin
	// owns.
	formatNames map[string]bool
}

func newRawPlugin(name string, formats ...uft.Format) *rawPlugin {
	names := make(map[string]bool, len(formats))
	for _, f := range formats {
		names[f.String()] = true
	}
	return &rawPlugin{name: name, formats: formats, formatNames: names}
}

func (p *rawPlugin) Name() string            { return p.name }
func (p *rawPlugin) Formats() []uft.Format   { return p.formats }
func (p *rawPlugin) Capabilities() uft.Capabilities {
	return uft.CapRead | uft.CapWrite
}

// layoutForSize finds the database row matching a file size, restricted to
// the plugin's formats.
func (p *rawPlugin) layoutForSize(size int64) (disks.Definition, bool) {
	for _, def := range disks.BySize(size) {
		if p.formatNames[def.Format] {
			return def, true
		}
	}
	return disks.Definition{}, false
}

func (p *rawPlugin) Probe(data []byte) float32 {
	if _, ok := p.layoutForSize(int64(len(data))); ok {
		return 0.70
	}
	return 0
}

func (p *rawPlugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}
	def, ok := p.layoutForSize(int64(len(data)))
	if !ok {
		return nil, uerrors.ErrFormat.WithMessage(fmt.Sprintf(
			"no %s geometry matches a %d-byte image", p.name, len(data)))
	}
	img, err := imageFromLinear(def.FormatID(), def.Geometry(), data)
	if err != nil {
		return nil, err
	}
	img.Metadata["geometry"] = def.Slug
	if readOnly {
		img.Metadata["read-only"] = "true"
	}
	return img, nil
}

func (p *rawPlugin) Save(img *uft.DiskImage, path string) error {
	if img.Metadata["read-only"] == "true" {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	data, err := linearFromImage(img)
	if err != nil {
		return err
	}
	return writeImageFile(path, data)
}

// imageFromLinear slices a headerless dump into tracks and sectors. Tracks
// are laid out cylinder-major with heads interleaved, which is the
// convention shared by every raw format the tool reads.
func imageFromLinear(format uft.Format, geometry uft.Geometry, data []byte) (*uft.DiskImage, error) {
	if len(data) != geometry.TotalBytes() {
		return nil, uerrors.ErrFormat.WithMessage(fmt.Sprintf(
			"image is %d bytes, geometry wants %d", len(data), geometry.TotalBytes()))
	}
	sizeCode, err := uft.SizeCodeForBytes(geometry.BytesPerSector)
	if err != nil {
		return nil, err
	}

	img := uft.NewDiskImage(format, geometry)
	offset := 0
	for cyl := 0; cyl < geometry.Cylinders; cyl++ {
		for head := 0; head < geometry.Heads; head++ {
			track := &uft.Track{Cylinder: cyl, Head: head, Encoding: geometry.Encoding}
			for s := 0; s < geometry.SectorsPerTrack; s++ {
				payload := make([]byte, geometry.BytesPerSector)
				copy(payload, data[offset:offset+geometry.BytesPerSector])
				offset += geometry.BytesPerSector
				track.Sectors = append(track.Sectors, uft.Sector{
					ID: uft.SectorID{
						Cylinder: uint8(cyl),
						Head:     uint8(head),
						Sector:   uint8(geometry.FirstSectorID + s),
						SizeCode: sizeCode,
					},
					Status: uft.SectorOK,
					Data:   payload,
				})
			}
			if err := img.SetTrack(track); err != nil {
				return nil, err
			}
		}
	}
	return img, nil
}

// linearFromImage is the inverse of imageFromLinear. Missing tracks and
// unrecoverable sectors are written with the canonical bad fill so the
// output stays well-formed.
func linearFromImage(img *uft.DiskImage) ([]byte, error) {
	g := img.Geometry
	out := make([]byte, 0, g.TotalBytes())
	for cyl := 0; cyl < g.Cylinders; cyl++ {
		for head := 0; head < g.Heads; head++ {
			track := img.Track(cyl, head)
			for s := 0; s < g.SectorsPerTrack; s++ {
				var sec *uft.Sector
				if track != nil {
					sec = track.FindSector(uint8(g.FirstSectorID + s))
				}
				payload := sectorPayload(sec, g.Encoding)
				if len(payload) != g.BytesPerSector {
					return nil, uerrors.ErrFormat.WithMessage(fmt.Sprintf(
						"sector %d on track %d.%d is %d bytes, geometry wants %d",
						g.FirstSectorID+s, cyl, head, len(payload), g.BytesPerSector))
				}
				out = append(out, payload...)
			}
		}
	}
	return out, nil
}

func init() {
	uft.RegisterPlugin(newRawPlugin("img", uft.FormatIMG, uft.FormatIMA, uft.FormatDSK))
	uft.RegisterPlugin(newRawPlugin("st", uft.FormatST))
	uft.RegisterPlugin(newRawPlugin("xfd", uft.FormatXFD))
	uft.RegisterPlugin(newRawPlugin("ssd", uft.FormatSSD, uft.FormatDSD))
	uft.RegisterPlugin(newRawPlugin("jv1", uft.FormatJV1))
	uft.RegisterPlugin(newRawPlugin("trd", uft.FormatTRD))
}
