package formats

import (
	"bytes"
	"encoding/binary"
	"strconv"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
)

// Apple II sector-order images. DO and PO are headerless 140K dumps that
// differ only in which logical order the sixteen 256-byte sectors of each
// track are stored; 2MG wraps either order (or raw nibbles) in a 64-byte
// header.

var appleGeometry = uft.Geometry{
	Cylinders: 35, Heads: 1, SectorsPerTrack: 16,
	BytesPerSector: 256, FirstSectorID: 0, Encoding: uft.EncodingGCR,
}

const appleImageSize = 143360

type applePlugin struct{}

func (applePlugin) Name() string          { return "do" }
func (applePlugin) Formats() []uft.Format { return []uft.Format{uft.FormatDO, uft.FormatPO} }
func (applePlugin) Capabilities() uft.Capabilities {
	return uft.CapRead | uft.CapWrite
}

func (applePlugin) Probe(data []byte) float32 {
	if len(data) != appleImageSize {
		return 0
	}
	// The VTOC distinguishes a DOS 3.3 image from any other 140K dump.
	const vtocOffset = 17 * 16 * 256
	if data[vtocOffset+1] == 17 && data[vtocOffset+3] == 3 {
		return 0.90
	}
	return 0.40
}

func (applePlugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) != appleImageSize {
		return nil, uerrors.ErrFormat.WithMessage("not a 140K Apple II image")
	}
	format := uft.FormatDO
	order := "dos"
	if len(path) > 3 && (path[len(path)-3:] == ".po" || path[len(path)-3:] == ".PO") {
		format = uft.FormatPO
		order = "prodos"
	}
	img, err := imageFromLinear(format, appleGeometry, data)
	if err != nil {
		return nil, err
	}
	img.Metadata["order"] = order
	markReadOnly(img, readOnly)
	return img, nil
}

func (applePlugin) Save(img *uft.DiskImage, path string) error {
	if img.Metadata["read-only"] == "true" {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	data, err := linearFromImage(img)
	if err != nil {
		return err
	}
	return writeImageFile(path, data)
}

// 2MG: a small header in front of a DOS-order, ProDOS-order or nibble
// image, with optional comment and creator blobs after the data.
const (
	twoMGMagic      = "2IMG"
	twoMGHeaderSize = 64
)

type twoMGPlugin struct{}

func (twoMGPlugin) Name() string          { return "2mg" }
func (twoMGPlugin) Formats() []uft.Format { return []uft.Format{uft.Format2MG} }
func (twoMGPlugin) Capabilities() uft.Capabilities {
	return uft.CapRead | uft.CapWrite
}

func (twoMGPlugin) Probe(data []byte) float32 {
	if len(data) >= twoMGHeaderSize && bytes.HasPrefix(data, []byte(twoMGMagic)) {
		return 0.95
	}
	return 0
}

func (p twoMGPlugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}
	if p.Probe(data) == 0 {
		return nil, uerrors.ErrFormat.AtOffset(0, "missing 2IMG magic")
	}
	imageFormat := binary.LittleEndian.Uint32(data[12:16])
	dataOffset := int(binary.LittleEndian.Uint32(data[24:28]))
	dataLen := int(binary.LittleEndian.Uint32(data[28:32]))
	if dataOffset+dataLen > len(data) {
		return nil, uerrors.ErrFormat.AtOffset(24, "data region outside file")
	}
	payload := data[dataOffset : dataOffset+dataLen]

	switch imageFormat {
	case 0, 1: // DOS order, ProDOS order
		if dataLen == appleImageSize {
			img, err := imageFromLinear(uft.Format2MG, appleGeometry, payload)
			if err != nil {
				return nil, err
			}
			if imageFormat == 0 {
				img.Metadata["order"] = "dos"
			} else {
				img.Metadata["order"] = "prodos"
			}
			markReadOnly(img, readOnly)
			return img, nil
		}
		// Larger ProDOS volumes: 512-byte blocks on an abstract geometry.
		blocks := dataLen / 512
		geometry := uft.Geometry{
			Cylinders: (blocks + 15) / 16, Heads: 1, SectorsPerTrack: 16,
			BytesPerSector: 512, FirstSectorID: 0, Encoding: uft.EncodingMFM,
		}
		padded := make([]byte, geometry.TotalBytes())
		copy(padded, payload)
		img, err := imageFromLinear(uft.Format2MG, geometry, padded)
		if err != nil {
			return nil, err
		}
		img.Metadata["order"] = "prodos"
		img.Metadata["blocks"] = strconv.Itoa(blocks)
		markReadOnly(img, readOnly)
		return img, nil
	default:
		return nil, uerrors.ErrUnsupported.WithMessage("2IMG nibble images are not supported")
	}
}

func (twoMGPlugin) Save(img *uft.DiskImage, path string) error {
	if img.Metadata["read-only"] == "true" {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	payload, err := linearFromImage(img)
	if err != nil {
		return err
	}
	header := make([]byte, twoMGHeaderSize)
	copy(header[0:4], twoMGMagic)
	copy(header[4:8], "UFT!")
	binary.LittleEndian.PutUint16(header[8:10], twoMGHeaderSize)
	binary.LittleEndian.PutUint16(header[10:12], 1)
	var formatCode uint32
	if img.Metadata["order"] == "prodos" {
		formatCode = 1
		binary.LittleEndian.PutUint32(header[20:24], uint32(len(payload)/512))
	}
	binary.LittleEndian.PutUint32(header[12:16], formatCode)
	binary.LittleEndian.PutUint32(header[24:28], twoMGHeaderSize)
	binary.LittleEndian.PutUint32(header[28:32], uint32(len(payload)))
	return writeImageFile(path, append(header, payload...))
}

func init() {
	uft.RegisterPlugin(applePlugin{})
	uft.RegisterPlugin(twoMGPlugin{})
}
