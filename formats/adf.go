package formats

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
)

// Amiga ADF images are headerless 11-sectors-per-track MFM dumps; ADZ is
// the same payload behind gzip. The bootblock's fourth byte selects the
// filesystem flavor (OFS or FFS) and is surfaced as metadata.

var adfGeometries = map[int64]uft.Geometry{
	901120:  {Cylinders: 80, Heads: 2, SectorsPerTrack: 11, BytesPerSector: 512, FirstSectorID: 0, Encoding: uft.EncodingMFM},
	1802240: {Cylinders: 80, Heads: 2, SectorsPerTrack: 22, BytesPerSector: 512, FirstSectorID: 0, Encoding: uft.EncodingMFM},
}

type adfPlugin struct{}

func (adfPlugin) Name() string          { return "adf" }
func (adfPlugin) Formats() []uft.Format { return []uft.Format{uft.FormatADF, uft.FormatADZ} }
func (adfPlugin) Capabilities() uft.Capabilities {
	return uft.CapRead | uft.CapWrite
}

func (adfPlugin) Probe(data []byte) float32 {
	if _, ok := adfGeometries[int64(len(data))]; ok {
		if len(data) >= 4 && bytes.Equal(data[:3], []byte("DOS")) {
			return 0.90
		}
		return 0.70
	}
	if len(data) >= 2 && data[0] == 0x1F && data[1] == 0x8B {
		// Possibly ADZ; only the extension can say for sure.
		return 0.20
	}
	return 0
}

func (adfPlugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}
	format := uft.FormatADF
	if len(data) >= 2 && data[0] == 0x1F && data[1] == 0x8B {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, uerrors.ErrFormat.WrapError(err)
		}
		defer zr.Close()
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, uerrors.ErrFormat.WrapError(err)
		}
		format = uft.FormatADZ
	}
	geometry, ok := adfGeometries[int64(len(data))]
	if !ok {
		return nil, uerrors.ErrFormat.WithMessage(fmt.Sprintf(
			"no ADF geometry matches a %d-byte image", len(data)))
	}
	img, err := imageFromLinear(format, geometry, data)
	if err != nil {
		return nil, err
	}
	if len(data) >= 4 && bytes.Equal(data[:3], []byte("DOS")) {
		if data[3]&1 == 1 {
			img.Metadata["filesystem"] = "ffs"
		} else {
			img.Metadata["filesystem"] = "ofs"
		}
	}
	markReadOnly(img, readOnly)
	return img, nil
}

func (adfPlugin) Save(img *uft.DiskImage, path string) error {
	if img.Metadata["read-only"] == "true" {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	data, err := linearFromImage(img)
	if err != nil {
		return err
	}
	if img.Format == uft.FormatADZ {
		f, err := os.Create(path)
		if err != nil {
			return uerrors.ErrIo.WrapError(err)
		}
		defer f.Close()
		zw := gzip.NewWriter(f)
		if _, err := zw.Write(data); err != nil {
			zw.Close()
			return uerrors.ErrIo.WrapError(err)
		}
		if err := zw.Close(); err != nil {
			return uerrors.ErrIo.WrapError(err)
		}
		return nil
	}
	return writeImageFile(path, data)
}

func init() {
	uft.RegisterPlugin(adfPlugin{})
}
