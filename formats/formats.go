// Package formats implements the sector-image and flux-image format
// plugins. Every plugin satisfies uft.Plugin and registers itself at init,
// keyed by the format identifiers it handles.
package formats

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/floppykit/uft"
	"github.com/floppykit/uft/detect"
	uerrors "github.com/floppykit/uft/errors"
)

// readImageFile slurps a file for parsing, mapping OS failures onto the
// error taxonomy.
func readImageFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, uerrors.ErrNotFound.WrapError(err)
		}
		return nil, uerrors.ErrIo.WrapError(err)
	}
	return data, nil
}

// writeImageFile writes a serialized image.
func writeImageFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return uerrors.ErrIo.WrapError(err)
	}
	return nil
}

// badFill returns the canonical fill byte written in place of an
// unrecoverable sector.
func badFill(encoding uft.Encoding) byte {
	if encoding == uft.EncodingGCR {
		return 0x00
	}
	return 0xF6
}

// sectorPayload returns a sector's bytes, substituting the canonical bad
// fill when the payload was unrecoverable.
func sectorPayload(sec *uft.Sector, encoding uft.Encoding) []byte {
	if sec != nil && sec.Data != nil {
		return sec.Data
	}
	size := 128
	if sec != nil {
		size = sec.ID.SizeBytes()
	}
	fill := badFill(encoding)
	data := make([]byte, size)
	for i := range data {
		data[i] = fill
	}
	return data
}

// Open identifies a file and parses it with the matching plugin. The
// detection result is returned alongside the image so callers can surface
// warnings.
func Open(path string, readOnly bool) (*uft.DiskImage, *detect.Result, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, nil, err
	}
	result := detect.Identify(data, detect.Hints{Filename: path})
	format := result.BestFormat()
	if format == uft.FormatAuto {
		return nil, &result, uerrors.ErrUnsupported.WithMessage("file matched no known format")
	}
	plugin, err := uft.PluginFor(format)
	if err != nil {
		return nil, &result, err
	}
	img, err := plugin.Open(path, readOnly)
	if err != nil {
		return nil, &result, err
	}
	return img, &result, nil
}

// Summary tallies per-sector outcomes of a conversion. Issues aggregates
// one CRC-mismatch error per CRC-failed sector for callers that want the
// detail; missing sectors are only counted.
type Summary struct {
	SectorsOK  int
	SectorsBad int
	CRCErrors  int
	Missing    int
	Issues     error
}

// Convert re-serializes an image into the target format. Unrecoverable
// sectors do not abort the conversion; they are written with the canonical
// bad fill and tallied in the summary.
func Convert(img *uft.DiskImage, target uft.Format, path string) (Summary, error) {
	var summary Summary
	var scanErrs *multierror.Error
	for _, track := range img.Tracks {
		if track == nil {
			continue
		}
		for i := range track.Sectors {
			switch track.Sectors[i].Status {
			case uft.SectorOK, uft.SectorWeak, uft.SectorDeleted:
				summary.SectorsOK++
			case uft.SectorCRCError:
				summary.SectorsBad++
				summary.CRCErrors++
				scanErrs = multierror.Append(scanErrs, uerrors.ErrCRCMismatch.WithMessage(
					trackSectorLabel(track, i)))
			case uft.SectorMissing:
				summary.SectorsBad++
				summary.Missing++
			}
		}
	}

	plugin, err := uft.PluginFor(target)
	if err != nil {
		return summary, err
	}
	if !plugin.Capabilities().CanWrite() {
		return summary, uerrors.ErrUnsupported.WithMessage(
			"target format " + target.String() + " is read-only")
	}
	if err := plugin.Save(img, path); err != nil {
		return summary, err
	}
	// Per-sector damage is informational once the output is written.
	summary.Issues = scanErrs.ErrorOrNil()
	return summary, nil
}

func trackSectorLabel(track *uft.Track, i int) string {
	sec := track.Sectors[i]
	return fmt.Sprintf("sector %d on track %d.%d",
		sec.ID.Sector, track.Cylinder, track.Head)
}
