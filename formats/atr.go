package formats

import (
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
)

// Atari ATR: a 16-byte header in front of the raw sector data. The size
// field counts 16-byte paragraphs. Double-density images still store the
// first three sectors as 128 bytes, which is the main quirk to honor.
const (
	atrMagic      = 0x0296
	atrHeaderSize = 16
)

type atrPlugin struct{}

func (atrPlugin) Name() string          { return "atr" }
func (atrPlugin) Formats() []uft.Format { return []uft.Format{uft.FormatATR} }
func (atrPlugin) Capabilities() uft.Capabilities {
	return uft.CapRead | uft.CapWrite
}

func (atrPlugin) Probe(data []byte) float32 {
	if len(data) < atrHeaderSize {
		return 0
	}
	if binary.LittleEndian.Uint16(data[0:2]) != atrMagic {
		return 0
	}
	sectorSize := binary.LittleEndian.Uint16(data[4:6])
	if sectorSize != 128 && sectorSize != 256 && sectorSize != 512 {
		return 0
	}
	return 0.85
}

func (p atrPlugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}
	if p.Probe(data) == 0 {
		return nil, uerrors.ErrFormat.AtOffset(0, "not an ATR image")
	}
	sectorSize := int(binary.LittleEndian.Uint16(data[4:6]))
	paragraphs := int(binary.LittleEndian.Uint16(data[2:4])) |
		int(data[6])<<16
	payload := data[atrHeaderSize:]
	if len(payload) < paragraphs*16 {
		return nil, uerrors.ErrFormat.AtOffset(2, fmt.Sprintf(
			"header declares %d bytes but file holds %d", paragraphs*16, len(payload)))
	}
	payload = payload[:paragraphs*16]

	// The first three sectors are always 128 bytes regardless of density.
	bootBytes := 3 * 128
	if sectorSize == 128 {
		bootBytes = 0
	}
	var totalSectors int
	if sectorSize == 128 {
		totalSectors = len(payload) / 128
	} else {
		totalSectors = 3 + (len(payload)-bootBytes)/sectorSize
	}

	geometry, err := atrGeometry(totalSectors, sectorSize)
	if err != nil {
		return nil, err
	}
	img := uft.NewDiskImage(uft.FormatATR, geometry)
	sizeCode, _ := uft.SizeCodeForBytes(sectorSize)

	offset := 0
	for num := 1; num <= totalSectors; num++ {
		size := sectorSize
		if sectorSize != 128 && num <= 3 {
			size = 128
		}
		payloadBytes := make([]byte, sectorSize)
		copy(payloadBytes, payload[offset:offset+size])
		offset += size

		cyl := (num - 1) / geometry.SectorsPerTrack
		secInTrack := (num-1)%geometry.SectorsPerTrack + 1
		track, err := img.EnsureTrack(cyl, 0)
		if err != nil {
			return nil, err
		}
		code := sizeCode
		if size == 128 {
			code = 0
			payloadBytes = payloadBytes[:128]
		}
		track.Sectors = append(track.Sectors, uft.Sector{
			ID: uft.SectorID{
				Cylinder: uint8(cyl),
				Sector:   uint8(secInTrack),
				SizeCode: code,
			},
			Status: uft.SectorOK,
			Data:   payloadBytes,
		})
	}
	markReadOnly(img, readOnly)
	return img, nil
}

func atrGeometry(totalSectors, sectorSize int) (uft.Geometry, error) {
	perTrack := 18
	encoding := uft.EncodingFM
	switch {
	case sectorSize == 128 && totalSectors%26 == 0:
		perTrack = 26
		encoding = uft.EncodingMFM
	case sectorSize == 128:
		perTrack = 18
	default:
		perTrack = 18
		encoding = uft.EncodingMFM
	}
	cylinders := (totalSectors + perTrack - 1) / perTrack
	if cylinders == 0 {
		return uft.Geometry{}, uerrors.ErrFormat.WithMessage("ATR image holds no sectors")
	}
	return uft.Geometry{
		Cylinders:       cylinders,
		Heads:           1,
		SectorsPerTrack: perTrack,
		BytesPerSector:  sectorSize,
		FirstSectorID:   1,
		Encoding:        encoding,
	}, nil
}

func (atrPlugin) Save(img *uft.DiskImage, path string) error {
	if img.Metadata["read-only"] == "true" {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	g := img.Geometry

	var body []byte
	num := 0
	for cyl := 0; cyl < g.Cylinders; cyl++ {
		track := img.Track(cyl, 0)
		for s := 0; s < g.SectorsPerTrack; s++ {
			num++
			var sec *uft.Sector
			if track != nil {
				sec = track.FindSector(uint8(s + 1))
			}
			payload := sectorPayload(sec, g.Encoding)
			if g.BytesPerSector != 128 && num <= 3 && len(payload) > 128 {
				payload = payload[:128]
			}
			body = append(body, payload...)
		}
	}

	header := make([]byte, atrHeaderSize)
	w := bytewriter.New(header)
	paragraphs := len(body) / 16
	binary.Write(w, binary.LittleEndian, uint16(atrMagic))
	binary.Write(w, binary.LittleEndian, uint16(paragraphs&0xFFFF))
	binary.Write(w, binary.LittleEndian, uint16(g.BytesPerSector))
	w.Write([]byte{byte(paragraphs >> 16)})

	return writeImageFile(path, append(header, body...))
}

func init() {
	uft.RegisterPlugin(atrPlugin{})
}
