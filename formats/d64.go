package formats

import (
	"fmt"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
)

// Commodore sector images. D64 and D71 use the 1541's zoned recording —
// outer tracks hold more sectors than inner ones — so their geometry cannot
// be expressed as a flat rectangle; D81 is a plain MFM 800K layout.
//
// Optional trailing error maps (one byte per sector) are preserved in the
// per-sector status and round-tripped on save.

// cbmZoneSectors gives sectors-per-track for 1541 track numbers (1-based).
func cbmZoneSectors(track int) int {
	switch {
	case track <= 17:
		return 21
	case track <= 24:
		return 19
	case track <= 30:
		return 18
	default:
		return 17
	}
}

func cbmTotalSectors(tracks int) int {
	total := 0
	for t := 1; t <= tracks; t++ {
		total += cbmZoneSectors(t)
	}
	return total
}

type d64Layout struct {
	format    uft.Format
	tracks    int
	sides     int
	errorMap  bool
	variant   string
}

// d64Layouts maps file size to layout, covering 35/40/42-track images with
// and without error maps, and the double-sided D71.
var d64Layouts = map[int64]d64Layout{
	174848: {uft.FormatD64, 35, 1, false, "35-track"},
	175531: {uft.FormatD64, 35, 1, true, "35-track+errors"},
	196608: {uft.FormatD64, 40, 1, false, "40-track"},
	197376: {uft.FormatD64, 40, 1, true, "40-track+errors"},
	205312: {uft.FormatD64, 42, 1, false, "42-track"},
	206114: {uft.FormatD64, 42, 1, true, "42-track+errors"},
	349696: {uft.FormatD71, 35, 2, false, "70-track"},
	351062: {uft.FormatD71, 35, 2, true, "70-track+errors"},
}

type d64Plugin struct{}

func (d64Plugin) Name() string          { return "d64" }
func (d64Plugin) Formats() []uft.Format { return []uft.Format{uft.FormatD64, uft.FormatD71, uft.FormatD81} }
func (d64Plugin) Capabilities() uft.Capabilities {
	return uft.CapRead | uft.CapWrite
}

func (d64Plugin) Probe(data []byte) float32 {
	if _, ok := d64Layouts[int64(len(data))]; ok {
		return 0.70
	}
	if len(data) == 819200 {
		return 0.40
	}
	return 0
}

func (d64Plugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}

	if len(data) == 819200 {
		// D81: a flat MFM image.
		geometry := uft.Geometry{
			Cylinders: 80, Heads: 2, SectorsPerTrack: 10,
			BytesPerSector: 512, FirstSectorID: 1, Encoding: uft.EncodingMFM,
		}
		img, err := imageFromLinear(uft.FormatD81, geometry, data)
		if err != nil {
			return nil, err
		}
		markReadOnly(img, readOnly)
		return img, nil
	}

	layout, ok := d64Layouts[int64(len(data))]
	if !ok {
		return nil, uerrors.ErrFormat.WithMessage(fmt.Sprintf(
			"no Commodore layout matches a %d-byte image", len(data)))
	}

	totalSectors := cbmTotalSectors(layout.tracks) * layout.sides
	geometry := uft.Geometry{
		Cylinders:       layout.tracks,
		Heads:           layout.sides,
		SectorsPerTrack: 21,
		BytesPerSector:  256,
		FirstSectorID:   0,
		Encoding:        uft.EncodingGCR,
	}
	img := uft.NewDiskImage(layout.format, geometry)
	img.Metadata["variant"] = layout.variant

	var errMap []byte
	if layout.errorMap {
		errMap = data[totalSectors*256:]
	}

	offset := 0
	sectorIndex := 0
	for side := 0; side < layout.sides; side++ {
		for t := 1; t <= layout.tracks; t++ {
			track := &uft.Track{Cylinder: t - 1, Head: side, Encoding: uft.EncodingGCR}
			for s := 0; s < cbmZoneSectors(t); s++ {
				payload := make([]byte, 256)
				copy(payload, data[offset:offset+256])
				offset += 256
				sector := uft.Sector{
					ID: uft.SectorID{
						Cylinder: uint8(t - 1),
						Head:     uint8(side),
						Sector:   uint8(s),
						SizeCode: 1,
					},
					Status: uft.SectorOK,
					Data:   payload,
				}
				if errMap != nil && sectorIndex < len(errMap) {
					sector.Status = cbmErrorToStatus(errMap[sectorIndex])
				}
				sectorIndex++
				track.Sectors = append(track.Sectors, sector)
			}
			if err := img.SetTrack(track); err != nil {
				return nil, err
			}
		}
	}
	markReadOnly(img, readOnly)
	return img, nil
}

func (d64Plugin) Save(img *uft.DiskImage, path string) error {
	if img.Metadata["read-only"] == "true" {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	if img.Format == uft.FormatD81 {
		data, err := linearFromImage(img)
		if err != nil {
			return err
		}
		return writeImageFile(path, data)
	}

	tracks := img.Geometry.Cylinders
	sides := img.Geometry.Heads
	withErrors := hasErrorSectors(img)

	out := make([]byte, 0, cbmTotalSectors(tracks)*sides*256)
	var errMap []byte
	for side := 0; side < sides; side++ {
		for t := 1; t <= tracks; t++ {
			track := img.Track(t-1, side)
			for s := 0; s < cbmZoneSectors(t); s++ {
				var sec *uft.Sector
				if track != nil {
					sec = track.FindSector(uint8(s))
				}
				out = append(out, sectorPayload(sec, uft.EncodingGCR)...)
				if withErrors {
					errMap = append(errMap, cbmStatusToError(sec))
				}
			}
		}
	}
	out = append(out, errMap...)
	return writeImageFile(path, out)
}

// 1541 job error codes: 0 and 1 mean "no error". On read, header not found
// (2, 3) maps to missing and every other code to a CRC error; on save a
// missing sector is written as 2 and any other damage as 5, so only 1, 2
// and 5 survive a round trip (a header checksum error, 9, comes back as 5).
func cbmErrorToStatus(code byte) uft.SectorStatus {
	switch code {
	case 0, 1:
		return uft.SectorOK
	case 2, 3:
		return uft.SectorMissing
	case 9:
		return uft.SectorCRCError
	case 5:
		return uft.SectorCRCError
	default:
		return uft.SectorCRCError
	}
}

func cbmStatusToError(sec *uft.Sector) byte {
	if sec == nil {
		return 2
	}
	switch sec.Status {
	case uft.SectorOK, uft.SectorWeak, uft.SectorDeleted:
		return 1
	case uft.SectorMissing:
		return 2
	default:
		return 5
	}
}

func hasErrorSectors(img *uft.DiskImage) bool {
	if img.Metadata["variant"] != "" &&
		len(img.Metadata["variant"]) > 9 &&
		img.Metadata["variant"][len(img.Metadata["variant"])-7:] == "+errors" {
		return true
	}
	for _, track := range img.Tracks {
		if track == nil {
			continue
		}
		for i := range track.Sectors {
			if track.Sectors[i].Status != uft.SectorOK {
				return true
			}
		}
	}
	return false
}

func markReadOnly(img *uft.DiskImage, readOnly bool) {
	if readOnly {
		img.Metadata["read-only"] = "true"
	}
}

func init() {
	uft.RegisterPlugin(d64Plugin{})
}
