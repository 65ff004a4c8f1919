// Package disks carries the database of canonical raw-image geometries:
// every fixed-size format the tool knows, keyed by slug and by total byte
// size. The detection engine uses it for size fingerprinting and the format
// command uses it to build blank images.
package disks

import (
	_ "embed"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/floppykit/uft"
)

// Definition is one canonical disk layout. A size shared by several rows is
// inherently ambiguous and fingerprinting weights it accordingly.
type Definition struct {
	Slug            string `csv:"slug"`
	Name            string `csv:"name"`
	Platform        string `csv:"platform"`
	Format          string `csv:"format"`
	Cylinders       int    `csv:"cylinders"`
	Heads           int    `csv:"heads"`
	SectorsPerTrack int    `csv:"sectors_per_track"`
	BytesPerSector  int    `csv:"bytes_per_sector"`
	FirstSectorID   int    `csv:"first_sector_id"`
	Encoding        string `csv:"encoding"`
}

// Geometry converts the row to the core geometry type.
func (d *Definition) Geometry() uft.Geometry {
	enc := uft.EncodingMFM
	switch strings.ToUpper(d.Encoding) {
	case "FM":
		enc = uft.EncodingFM
	case "GCR":
		enc = uft.EncodingGCR
	}
	return uft.Geometry{
		Cylinders:       d.Cylinders,
		Heads:           d.Heads,
		SectorsPerTrack: d.SectorsPerTrack,
		BytesPerSector:  d.BytesPerSector,
		FirstSectorID:   d.FirstSectorID,
		Encoding:        enc,
	}
}

// TotalSizeBytes gives the byte length of a raw image with this layout.
func (d *Definition) TotalSizeBytes() int64 {
	return int64(d.Cylinders) * int64(d.Heads) *
		int64(d.SectorsPerTrack) * int64(d.BytesPerSector)
}

// FormatID resolves the row's format column.
func (d *Definition) FormatID() uft.Format {
	f, err := uft.ParseFormat(d.Format)
	if err != nil {
		return uft.FormatAuto
	}
	return f
}

//go:embed disk-geometries.csv
var definitionsRawCSV string

var definitionsBySlug map[string]Definition
var definitionsBySize map[int64][]Definition

// BySlug looks up a definition by its slug.
func BySlug(slug string) (Definition, error) {
	def, ok := definitionsBySlug[strings.ToLower(slug)]
	if !ok {
		return Definition{}, fmt.Errorf("no predefined disk geometry with slug %q", slug)
	}
	return def, nil
}

// BySize returns every definition whose raw image is exactly `size` bytes.
func BySize(size int64) []Definition {
	return definitionsBySize[size]
}

// Slugs lists every known slug in undefined order.
func Slugs() []string {
	out := make([]string, 0, len(definitionsBySlug))
	for slug := range definitionsBySlug {
		out = append(out, slug)
	}
	return out
}

func init() {
	definitionsBySlug = make(map[string]Definition)
	definitionsBySize = make(map[int64][]Definition)

	reader := strings.NewReader(definitionsRawCSV)
	err := gocsv.UnmarshalToCallback(reader, func(row Definition) error {
		slug := strings.ToLower(row.Slug)
		if _, exists := definitionsBySlug[slug]; exists {
			return fmt.Errorf("duplicate disk geometry slug %q", row.Slug)
		}
		definitionsBySlug[slug] = row
		size := row.TotalSizeBytes()
		definitionsBySize[size] = append(definitionsBySize[size], row)
		return nil
	})
	if err != nil && err != io.EOF {
		panic(err)
	}
}
