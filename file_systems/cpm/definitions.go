package cpm

import (
	_ "embed"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/floppykit/uft"
)

// Definition couples a physical geometry with its DPB and skew. The
// embedded table carries the machine formats the tool ships with; callers
// can also construct definitions by hand for oddball disks.
type Definition struct {
	Name           string `csv:"name"`
	Description    string `csv:"description"`
	Cylinders      int    `csv:"cylinders"`
	Heads          int    `csv:"heads"`
	Sectors        int    `csv:"sectors_per_track"`
	SectorSize     int    `csv:"sector_size"`
	FirstSectorID  int    `csv:"first_sector_id"`
	Skew           int    `csv:"skew"`
	BootTracks     int    `csv:"boot_tracks"`
	BSH            int    `csv:"bsh"`
	DRM            int    `csv:"drm"`
	EncodingName   string `csv:"encoding"`
}

// DPB derives the full parameter block from the definition.
func (def *Definition) DPB() DPB {
	blockSize := 128 << def.BSH
	dataTracks := def.Cylinders*def.Heads - def.BootTracks
	dataBytes := dataTracks * def.Sectors * def.SectorSize
	dsm := dataBytes/blockSize - 1

	dpb := DPB{
		SPT: def.Sectors * def.SectorSize / 128,
		BSH: def.BSH,
		BLM: (1 << def.BSH) - 1,
		DSM: dsm,
		DRM: def.DRM,
		OFF: def.BootTracks,
	}
	dpb.EXM = deriveEXM(blockSize, dpb.Use16BitPointers())
	dpb.AL0, dpb.AL1 = deriveALBitmap(dpb.DirBlocks())
	return dpb
}

// SkewTable expands the skew factor into a logical-to-physical sector
// permutation. Skew 0 or 1 is the identity.
func (def *Definition) SkewTable() []int {
	table := make([]int, def.Sectors)
	if def.Skew <= 1 {
		for i := range table {
			table[i] = i
		}
		return table
	}
	used := make([]bool, def.Sectors)
	pos := 0
	for i := 0; i < def.Sectors; i++ {
		for used[pos] {
			pos = (pos + 1) % def.Sectors
		}
		table[i] = pos
		used[pos] = true
		pos = (pos + def.Skew) % def.Sectors
	}
	return table
}

// Geometry converts to the core geometry type.
func (def *Definition) Geometry() uft.Geometry {
	enc := uft.EncodingMFM
	if strings.EqualFold(def.EncodingName, "FM") {
		enc = uft.EncodingFM
	}
	return uft.Geometry{
		Cylinders:       def.Cylinders,
		Heads:           def.Heads,
		SectorsPerTrack: def.Sectors,
		BytesPerSector:  def.SectorSize,
		FirstSectorID:   def.FirstSectorID,
		Encoding:        enc,
	}
}

//go:embed definitions.csv
var definitionsRawCSV string

var definitionsByName map[string]Definition
var definitionOrder []string

// LookupDefinition finds a definition by name, case-insensitively.
func LookupDefinition(name string) (Definition, error) {
	def, ok := definitionsByName[strings.ToLower(name)]
	if !ok {
		return Definition{}, fmt.Errorf("no CP/M disk definition named %q", name)
	}
	return def, nil
}

// MatchDefinition finds the first definition whose physical shape matches
// the geometry.
func MatchDefinition(g uft.Geometry) (Definition, bool) {
	for _, name := range definitionOrder {
		def := definitionsByName[name]
		if def.Cylinders == g.Cylinders && def.Heads == g.Heads &&
			def.Sectors == g.SectorsPerTrack && def.SectorSize == g.BytesPerSector {
			return def, true
		}
	}
	return Definition{}, false
}

// DefinitionNames lists the embedded definitions in table order.
func DefinitionNames() []string {
	return append([]string(nil), definitionOrder...)
}

func init() {
	definitionsByName = make(map[string]Definition)
	reader := strings.NewReader(definitionsRawCSV)
	err := gocsv.UnmarshalToCallback(reader, func(row Definition) error {
		key := strings.ToLower(row.Name)
		if _, exists := definitionsByName[key]; exists {
			return fmt.Errorf("duplicate CP/M definition %q", row.Name)
		}
		definitionsByName[key] = row
		definitionOrder = append(definitionOrder, key)
		return nil
	})
	if err != nil && err != io.EOF {
		panic(err)
	}
}
