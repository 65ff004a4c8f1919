// Package detect implements the format-identification engine: given a byte
// blob and optional filename and platform hints, it produces a ranked list
// of format candidates with confidences in [0, 1].
//
// Identification is a seven-phase pipeline with additive confidence: magic
// bytes, header self-consistency, size fingerprinting, content heuristics,
// extension hints, disambiguation, and sub-variant probing. The engine
// performs no I/O.
package detect

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/floppykit/uft"
	"github.com/floppykit/uft/disks"
)

// Hints carries the optional context for identification.
type Hints struct {
	Filename string
	Platform string
}

// Candidate is one possible identification.
type Candidate struct {
	Format     uft.Format
	Variant    string
	Confidence float32
	Reason     string
}

// Result is a ranked candidate list. Best indexes Candidates; a file that
// matched nothing yields a single FormatAuto candidate at confidence 0.
type Result struct {
	Candidates []Candidate
	Best       int
	Warnings   []string
}

// BestFormat is a convenience accessor for the top candidate's format.
func (r *Result) BestFormat() uft.Format {
	if len(r.Candidates) == 0 {
		return uft.FormatAuto
	}
	return r.Candidates[r.Best].Format
}

const (
	ambiguityGap     = 0.20
	lowConfidence    = 0.50
	magicSizeBoost   = 0.15
	uniqueSizeWeight = 0.70
	sharedSizeWeight = 0.40
	extBoost         = 0.05
	extWeight        = 0.30
)

// magicEntry matches a byte prefix at a fixed offset.
type magicEntry struct {
	offset     int
	pattern    []byte
	format     uft.Format
	confidence float32
	// validate, when set, checks the declared internal structure for
	// self-consistency (phase 2).
	validate func(data []byte) bool
}

var magicTable = []magicEntry{
	{0, []byte("SCP"), uft.FormatSCP, 0.95, validateSCP},
	{0, []byte("WOZ1"), uft.FormatWOZ, 0.95, validateWOZ},
	{0, []byte("WOZ2"), uft.FormatWOZ, 0.95, validateWOZ},
	{0, []byte("CAPS"), uft.FormatIPF, 0.95, nil},
	{0, []byte("IMD "), uft.FormatIMD, 0.95, nil},
	{0, []byte("EXTENDED"), uft.FormatEDSK, 0.95, validateEDSK},
	{0, []byte("MV -"), uft.FormatDSKCPC, 0.90, nil},
	{0, []byte("HXCPICFE"), uft.FormatHFE, 0.95, validateHFE},
	{0, []byte("GCR-1541"), uft.FormatG64, 0.95, nil},
	{0, []byte("MNIB-1541-RAW"), uft.FormatNIB, 0.95, nil},
	{0, []byte("2IMG"), uft.Format2MG, 0.95, nil},
	{0, []byte{0x96, 0x02}, uft.FormatATR, 0.85, validateATR},
	{0, []byte("AT8X"), uft.FormatATX, 0.95, nil},
	{0, []byte("A2R2"), uft.FormatA2R, 0.95, nil},
	{0, []byte("A2R3"), uft.FormatA2R, 0.95, nil},
	{0, []byte{0x0E, 0x0F}, uft.FormatMSA, 0.85, validateMSA},
	{0, []byte("TD"), uft.FormatTD0, 0.85, validateTD0},
	{0, []byte("td"), uft.FormatTD0, 0.85, validateTD0},
	{0, []byte("Formatted"), uft.FormatFDI, 0.90, nil},
	{0, []byte("SINCLAIR"), uft.FormatSCL, 0.90, nil},
	{0, []byte("PSI\x1A"), uft.FormatPSI, 0.95, nil},
	{0, []byte("PRI\x1A"), uft.FormatPRI, 0.95, nil},
	{0, []byte("RX-DOS"), uft.FormatSTX, 0.85, nil},
	{0x10, []byte("KryoFluxStream"), uft.FormatKFStream, 0.90, nil},
}

var extensionTable = map[string]uft.Format{
	".d64": uft.FormatD64,
	".d71": uft.FormatD71,
	".d81": uft.FormatD81,
	".g64": uft.FormatG64,
	".nib": uft.FormatNIB,
	".adf": uft.FormatADF,
	".adz": uft.FormatADZ,
	".img": uft.FormatIMG,
	".ima": uft.FormatIMA,
	".dsk": uft.FormatDSK,
	".edsk": uft.FormatEDSK,
	".imd": uft.FormatIMD,
	".td0": uft.FormatTD0,
	".psi": uft.FormatPSI,
	".pri": uft.FormatPRI,
	".st":  uft.FormatST,
	".msa": uft.FormatMSA,
	".stx": uft.FormatSTX,
	".atr": uft.FormatATR,
	".xfd": uft.FormatXFD,
	".atx": uft.FormatATX,
	".do":  uft.FormatDO,
	".po":  uft.FormatPO,
	".woz": uft.FormatWOZ,
	".2mg": uft.Format2MG,
	".a2r": uft.FormatA2R,
	".ssd": uft.FormatSSD,
	".dsd": uft.FormatDSD,
	".dmk": uft.FormatDMK,
	".jv1": uft.FormatJV1,
	".jv3": uft.FormatJV3,
	".trd": uft.FormatTRD,
	".scl": uft.FormatSCL,
	".fdi": uft.FormatFDI,
	".d88": uft.FormatD88,
	".hfe": uft.FormatHFE,
	".scp": uft.FormatSCP,
	".ipf": uft.FormatIPF,
	".mfm": uft.FormatMFM,
	".raw": uft.FormatKFStream,
}

// Zoned Commodore images have no flat geometry; their sizes are matched
// directly. The variant names follow common emulator usage.
var commodoreSizes = map[int64]struct {
	format  uft.Format
	variant string
}{
	174848: {uft.FormatD64, "35-track"},
	175531: {uft.FormatD64, "35-track+errors"},
	196608: {uft.FormatD64, "40-track"},
	197376: {uft.FormatD64, "40-track+errors"},
	205312: {uft.FormatD64, "42-track"},
	206114: {uft.FormatD64, "42-track+errors"},
	349696: {uft.FormatD71, "70-track"},
	351062: {uft.FormatD71, "70-track+errors"},
}

// Identify classifies a byte blob. All confidence arithmetic saturates at
// 1.0; a blob matching nothing is reported as FormatAuto with confidence 0
// plus a warning.
func Identify(data []byte, hints Hints) Result {
	acc := newAccumulator()

	// Phase 1+2: magic bytes, with structural validation where the magic
	// alone is ambiguous.
	for _, entry := range magicTable {
		if entry.offset+len(entry.pattern) > len(data) {
			continue
		}
		if !bytes.Equal(data[entry.offset:entry.offset+len(entry.pattern)], entry.pattern) {
			continue
		}
		confidence := entry.confidence
		reason := fmt.Sprintf("magic bytes at offset %d", entry.offset)
		if entry.validate != nil && !entry.validate(data) {
			confidence = 0.30
			reason = "magic bytes present but header structure is inconsistent"
			acc.warn(fmt.Sprintf("%s magic found but header validation failed", entry.format))
		}
		acc.add(entry.format, confidence, reason)
	}

	// Phase 3: size fingerprinting.
	size := int64(len(data))
	if zoned, ok := commodoreSizes[size]; ok {
		acc.addSized(zoned.format, uniqueSizeWeight, fmt.Sprintf("exact size %d", size))
		acc.setVariant(zoned.format, zoned.variant)
	}
	if defs := disks.BySize(size); len(defs) > 0 {
		weight := float32(uniqueSizeWeight)
		formats := map[uft.Format]bool{}
		for _, def := range defs {
			formats[def.FormatID()] = true
		}
		if len(formats) > 1 {
			weight = sharedSizeWeight
		}
		for f := range formats {
			acc.addSized(f, weight, fmt.Sprintf("canonical size %d", size))
		}
	}

	// Phase 4: content heuristics for raw images identified by size alone.
	applyContentHeuristics(acc, data)

	// Phase 5: extension hint.
	if hints.Filename != "" {
		ext := strings.ToLower(filepath.Ext(hints.Filename))
		if f, ok := extensionTable[ext]; ok {
			acc.addExtension(f, fmt.Sprintf("filename extension %q", ext))
		}
	}

	// A platform hint nudges candidates native to that platform.
	if hints.Platform != "" {
		acc.applyPlatformHint(strings.ToLower(hints.Platform))
	}

	result := acc.finish()

	// Phase 7: sub-variant probing for the winner.
	if len(result.Candidates) > 0 {
		probeVariant(&result.Candidates[result.Best], data)
	}
	return result
}

type accumulator struct {
	candidates map[uft.Format]*Candidate
	warnings   []string
}

func newAccumulator() *accumulator {
	return &accumulator{candidates: make(map[uft.Format]*Candidate)}
}

func (a *accumulator) warn(msg string) {
	a.warnings = append(a.warnings, msg)
}

func saturate(c float32) float32 {
	if c > 1 {
		return 1
	}
	return c
}

func (a *accumulator) add(format uft.Format, confidence float32, reason string) {
	if cand, ok := a.candidates[format]; ok {
		cand.Confidence = saturate(cand.Confidence + confidence)
		cand.Reason += "; " + reason
		return
	}
	a.candidates[format] = &Candidate{Format: format, Confidence: saturate(confidence), Reason: reason}
}

// addSized applies the phase-3 rule: a fresh candidate gets the size weight,
// but a candidate already found by magic only gets a boost.
func (a *accumulator) addSized(format uft.Format, weight float32, reason string) {
	if cand, ok := a.candidates[format]; ok {
		cand.Confidence = saturate(cand.Confidence + magicSizeBoost)
		cand.Reason += "; " + reason
		return
	}
	a.candidates[format] = &Candidate{Format: format, Confidence: saturate(weight), Reason: reason}
}

func (a *accumulator) addExtension(format uft.Format, reason string) {
	if cand, ok := a.candidates[format]; ok {
		cand.Confidence = saturate(cand.Confidence + extBoost)
		cand.Reason += "; " + reason
		return
	}
	a.candidates[format] = &Candidate{Format: format, Confidence: extWeight, Reason: reason}
}

func (a *accumulator) setVariant(format uft.Format, variant string) {
	if cand, ok := a.candidates[format]; ok && cand.Variant == "" {
		cand.Variant = variant
	}
}

var platformFormats = map[string][]uft.Format{
	"commodore": {uft.FormatD64, uft.FormatD71, uft.FormatD81, uft.FormatG64, uft.FormatNIB},
	"amiga":     {uft.FormatADF, uft.FormatADZ, uft.FormatIPF},
	"apple2":    {uft.FormatDO, uft.FormatPO, uft.FormatWOZ, uft.Format2MG, uft.FormatA2R},
	"atarist":   {uft.FormatST, uft.FormatMSA, uft.FormatSTX},
	"atari8":    {uft.FormatATR, uft.FormatXFD, uft.FormatATX},
	"pc":        {uft.FormatIMG, uft.FormatIMA, uft.FormatDSK},
	"bbc":       {uft.FormatSSD, uft.FormatDSD},
	"trs80":     {uft.FormatJV1, uft.FormatJV3, uft.FormatDMK},
	"spectrum":  {uft.FormatTRD, uft.FormatSCL, uft.FormatFDI},
}

func (a *accumulator) applyPlatformHint(platform string) {
	formats, ok := platformFormats[platform]
	if !ok {
		return
	}
	for _, f := range formats {
		if cand, ok := a.candidates[f]; ok {
			cand.Confidence = saturate(cand.Confidence + extBoost)
			cand.Reason += "; platform hint"
		}
	}
}

// finish sorts candidates and applies the phase-6 disambiguation warnings.
func (a *accumulator) finish() Result {
	result := Result{Warnings: a.warnings}
	for _, cand := range a.candidates {
		result.Candidates = append(result.Candidates, *cand)
	}
	sort.SliceStable(result.Candidates, func(i, j int) bool {
		if result.Candidates[i].Confidence != result.Candidates[j].Confidence {
			return result.Candidates[i].Confidence > result.Candidates[j].Confidence
		}
		return result.Candidates[i].Format < result.Candidates[j].Format
	})

	if len(result.Candidates) == 0 {
		result.Candidates = []Candidate{{Format: uft.FormatAuto, Reason: "no match"}}
		result.Warnings = append(result.Warnings, "file matched no known format")
		return result
	}
	if len(result.Candidates) > 1 {
		gap := result.Candidates[0].Confidence - result.Candidates[1].Confidence
		if gap < ambiguityGap {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"ambiguous identification: %s and %s are within %.2f",
				result.Candidates[0].Format, result.Candidates[1].Format, gap))
		}
	}
	if result.Candidates[0].Confidence < lowConfidence {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"low confidence: best candidate %s at %.2f",
			result.Candidates[0].Format, result.Candidates[0].Confidence))
	}
	return result
}

// applyContentHeuristics probes structural signatures inside raw sector
// images whose size alone is ambiguous.
func applyContentHeuristics(acc *accumulator, data []byte) {
	// C64 BAM at track 18 sector 0: first directory track/sector pointer.
	const bamOffset = 0x16500
	if len(data) > bamOffset+3 &&
		data[bamOffset] == 18 && data[bamOffset+1] == 1 && data[bamOffset+2] == 'A' {
		acc.add(uft.FormatD64, 0.20, "C64 BAM signature at track 18")
	}

	// Amiga bootblock: "DOS" then the filesystem revision byte.
	if len(data) >= 4 && bytes.Equal(data[:3], []byte("DOS")) && data[3] <= 5 {
		acc.add(uft.FormatADF, 0.20, "Amiga bootblock signature")
	}

	// FAT boot sector: plausible BPB plus the 0x55AA boot signature.
	if len(data) >= 512 && data[510] == 0x55 && data[511] == 0xAA {
		bps := binary.LittleEndian.Uint16(data[11:13])
		if bps == 512 {
			acc.add(uft.FormatIMG, 0.15, "FAT boot parameter block")
			acc.add(uft.FormatST, 0.15, "FAT boot parameter block")
		}
	}

	// Apple DOS 3.3 VTOC at track 17 sector 0.
	const vtocOffset = 17 * 16 * 256
	if len(data) > vtocOffset+4 &&
		data[vtocOffset+1] == 17 && data[vtocOffset+3] == 3 {
		acc.add(uft.FormatDO, 0.25, "Apple DOS 3.3 VTOC at track 17")
	}
}

// probeVariant refines the winning candidate with a sub-variant label.
func probeVariant(cand *Candidate, data []byte) {
	switch cand.Format {
	case uft.FormatD64, uft.FormatD71:
		if zoned, ok := commodoreSizes[int64(len(data))]; ok && zoned.format == cand.Format {
			cand.Variant = zoned.variant
		}
	case uft.FormatADF:
		if len(data) >= 4 && bytes.Equal(data[:3], []byte("DOS")) {
			if data[3]&1 == 1 {
				cand.Variant = "ffs"
			} else {
				cand.Variant = "ofs"
			}
		}
	case uft.FormatWOZ:
		if len(data) >= 4 {
			cand.Variant = strings.ToLower(string(data[:4]))
		}
	case uft.FormatEDSK:
		if edskHasWeakSectors(data) {
			cand.Variant = "weak-sectors"
		}
	case uft.FormatATR:
		if len(data) >= 6 {
			sectorSize := binary.LittleEndian.Uint16(data[4:6])
			cand.Variant = fmt.Sprintf("%d-byte sectors", sectorSize)
		}
	}
}

// Phase-2 validators. Each returns true when the declared internal
// structure is self-consistent.

func validateSCP(data []byte) bool {
	// Header: magic, version, disk type, revolutions, start/end track.
	if len(data) < 0x10 {
		return false
	}
	revolutions := data[5]
	start, end := data[6], data[7]
	return revolutions >= 1 && revolutions <= 5 && start <= end
}

func validateWOZ(data []byte) bool {
	// The 8-byte magic ends FF 0A 0D 0A, then chunks follow; the INFO chunk
	// must come first with a plausible length.
	if len(data) < 20 {
		return false
	}
	if data[4] != 0xFF {
		return false
	}
	if !bytes.Equal(data[12:16], []byte("INFO")) {
		return false
	}
	infoLen := binary.LittleEndian.Uint32(data[16:20])
	return infoLen == 60
}

func validateEDSK(data []byte) bool {
	// The track-size table must not claim more data than the file holds.
	if len(data) < 256 {
		return false
	}
	tracks := int(data[0x30])
	sides := int(data[0x31])
	if tracks == 0 || sides == 0 || sides > 2 || tracks*sides > 0xCC {
		return false
	}
	total := 256
	for i := 0; i < tracks*sides; i++ {
		total += int(data[0x34+i]) * 256
	}
	return total <= len(data)
}

func validateHFE(data []byte) bool {
	if len(data) < 512 {
		return false
	}
	nTracks := data[9]
	nSides := data[10]
	return nTracks > 0 && nSides >= 1 && nSides <= 2
}

func validateATR(data []byte) bool {
	if len(data) < 16 {
		return false
	}
	sectorSize := binary.LittleEndian.Uint16(data[4:6])
	return sectorSize == 128 || sectorSize == 256 || sectorSize == 512
}

func validateMSA(data []byte) bool {
	if len(data) < 10 {
		return false
	}
	sectorsPerTrack := binary.BigEndian.Uint16(data[2:4])
	sides := binary.BigEndian.Uint16(data[4:6])
	return sectorsPerTrack >= 1 && sectorsPerTrack <= 36 && sides <= 1
}

func validateTD0(data []byte) bool {
	// Teledisk: signature then a CRC-protected 12-byte header; the volume
	// byte at offset 4 distinguishes real images from text files starting
	// with "TD".
	if len(data) < 12 {
		return false
	}
	return data[2] == 0 && data[4] <= 0x80
}

func edskHasWeakSectors(data []byte) bool {
	// Weak sectors manifest as a track block whose sector entries declare
	// more stored data than one copy of the sector.
	if len(data) < 256 || !bytes.HasPrefix(data, []byte("EXTENDED")) {
		return false
	}
	tracks := int(data[0x30])
	sides := int(data[0x31])
	offset := 256
	for i := 0; i < tracks*sides && i < 0xCC; i++ {
		trackLen := int(data[0x34+i]) * 256
		if trackLen == 0 {
			continue
		}
		if offset+24 > len(data) {
			return false
		}
		sectorCount := int(data[offset+0x15])
		for s := 0; s < sectorCount; s++ {
			info := offset + 24 + s*8
			if info+8 > len(data) {
				return false
			}
			declared := int(binary.LittleEndian.Uint16(data[info+6 : info+8]))
			sizeCode := data[info+3]
			if sizeCode <= 3 && declared > 128<<sizeCode {
				return true
			}
		}
		offset += trackLen
	}
	return false
}
