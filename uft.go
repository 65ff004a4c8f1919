// Package uft is the shared core of the Universal Floppy Tool: the neutral
// disk-image data model that every format plugin, filesystem module, and
// hardware driver speaks, plus the plugin registry that binds concrete
// on-disk formats to their implementations.
//
// The model is a strict tree: a DiskImage owns its tracks, a track owns its
// sectors and optional flux, and cross-track references (filesystem block
// chains) are expressed as cylinder/head/sector triples, never as pointers.
package uft

import (
	"fmt"
	"sort"
	"strings"

	uerrors "github.com/floppykit/uft/errors"
)

// Format identifies a concrete on-disk image format. FormatAuto is the
// sentinel for "not identified yet".
type Format int

const (
	FormatAuto Format = iota

	// Commodore
	FormatD64
	FormatD71
	FormatD81
	FormatG64
	FormatNIB

	// Amiga
	FormatADF
	FormatADZ

	// PC / generic raw
	FormatIMG
	FormatIMA
	FormatDSK
	FormatDSKCPC
	FormatEDSK
	FormatIMD
	FormatTD0
	FormatPSI
	FormatPRI

	// Atari ST
	FormatST
	FormatMSA
	FormatSTX

	// Atari 8-bit
	FormatATR
	FormatXFD
	FormatATX

	// Apple II
	FormatDO
	FormatPO
	FormatNIBApple
	FormatWOZ
	Format2MG
	FormatA2R

	// BBC Micro
	FormatSSD
	FormatDSD

	// TRS-80
	FormatDMK
	FormatJV1
	FormatJV3

	// Spectrum
	FormatTRD
	FormatSCL
	FormatFDI

	// NEC PC-88/98
	FormatD88

	// Flux containers
	FormatHFE
	FormatSCP
	FormatIPF
	FormatMFM
	FormatKFStream

	formatCount
)

var formatNames = map[Format]string{
	FormatAuto:     "auto",
	FormatD64:      "d64",
	FormatD71:      "d71",
	FormatD81:      "d81",
	FormatG64:      "g64",
	FormatNIB:      "nib",
	FormatADF:      "adf",
	FormatADZ:      "adz",
	FormatIMG:      "img",
	FormatIMA:      "ima",
	FormatDSK:      "dsk",
	FormatDSKCPC:   "dsk-cpc",
	FormatEDSK:     "edsk",
	FormatIMD:      "imd",
	FormatTD0:      "td0",
	FormatPSI:      "psi",
	FormatPRI:      "pri",
	FormatST:       "st",
	FormatMSA:      "msa",
	FormatSTX:      "stx",
	FormatATR:      "atr",
	FormatXFD:      "xfd",
	FormatATX:      "atx",
	FormatDO:       "do",
	FormatPO:       "po",
	FormatNIBApple: "nib-a2",
	FormatWOZ:      "woz",
	Format2MG:      "2mg",
	FormatA2R:      "a2r",
	FormatSSD:      "ssd",
	FormatDSD:      "dsd",
	FormatDMK:      "dmk",
	FormatJV1:      "jv1",
	FormatJV3:      "jv3",
	FormatTRD:      "trd",
	FormatSCL:      "scl",
	FormatFDI:      "fdi",
	FormatD88:      "d88",
	FormatHFE:      "hfe",
	FormatSCP:      "scp",
	FormatIPF:      "ipf",
	FormatMFM:      "mfm",
	FormatKFStream: "kf-stream",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// ParseFormat resolves a format name as printed by Format.String. It is
// case-insensitive. Unknown names resolve to FormatAuto with an error.
func ParseFormat(name string) (Format, error) {
	lower := strings.ToLower(name)
	for f, n := range formatNames {
		if n == lower {
			return f, nil
		}
	}
	return FormatAuto, uerrors.ErrInvalidParam.WithMessage(
		fmt.Sprintf("unknown format name %q", name))
}

// Encoding is the bit-level recording scheme of a track.
type Encoding uint8

const (
	EncodingUnknown Encoding = iota
	EncodingFM
	EncodingMFM
	EncodingGCR
	EncodingRaw
)

func (e Encoding) String() string {
	switch e {
	case EncodingFM:
		return "FM"
	case EncodingMFM:
		return "MFM"
	case EncodingGCR:
		return "GCR"
	case EncodingRaw:
		return "raw"
	}
	return "unknown"
}

// Geometry describes the physical layout of a disk image.
type Geometry struct {
	Cylinders       int
	Heads           int
	SectorsPerTrack int
	BytesPerSector  int
	FirstSectorID   int
	Encoding        Encoding
}

// Validate checks the track-payload invariant: between 128 bytes and 16 KiB
// of data per track.
func (g Geometry) Validate() error {
	perTrack := g.SectorsPerTrack * g.BytesPerSector
	if perTrack < 128 || perTrack > 16384 {
		return uerrors.ErrInvalidParam.WithMessage(fmt.Sprintf(
			"%d bytes per track outside the supported range [128, 16384]", perTrack))
	}
	if g.Cylinders < 1 || g.Heads < 1 || g.Heads > 2 {
		return uerrors.ErrInvalidParam.WithMessage(fmt.Sprintf(
			"implausible geometry %dx%d", g.Cylinders, g.Heads))
	}
	return nil
}

// TotalSectors gives the number of sectors addressable by this geometry.
func (g Geometry) TotalSectors() int {
	return g.Cylinders * g.Heads * g.SectorsPerTrack
}

// TotalBytes gives the payload size of a fixed-layout raw image with this
// geometry.
func (g Geometry) TotalBytes() int {
	return g.TotalSectors() * g.BytesPerSector
}

// SectorStatus records the outcome of decoding a single sector.
type SectorStatus uint8

const (
	SectorOK SectorStatus = iota
	SectorCRCError
	SectorMissing
	SectorWeak
	SectorDeleted
)

func (s SectorStatus) String() string {
	switch s {
	case SectorOK:
		return "ok"
	case SectorCRCError:
		return "crc-error"
	case SectorMissing:
		return "missing"
	case SectorWeak:
		return "weak"
	case SectorDeleted:
		return "deleted"
	}
	return "invalid"
}

// SectorID is the CHS address and size code recorded in a sector's ID field.
// Size codes 0 through 3 map to 128 << code bytes.
type SectorID struct {
	Cylinder uint8
	Head     uint8
	Sector   uint8
	SizeCode uint8
}

// SizeBytes converts the sector size code to a byte count.
func (id SectorID) SizeBytes() int {
	return 128 << (id.SizeCode & 0x03)
}

// SizeCodeForBytes is the inverse of SectorID.SizeBytes. Only 128, 256, 512
// and 1024 have codes; any other size reports an error.
func SizeCodeForBytes(size int) (uint8, error) {
	for code := uint8(0); code <= 3; code++ {
		if 128<<code == size {
			return code, nil
		}
	}
	return 0, uerrors.ErrInvalidParam.WithMessage(
		fmt.Sprintf("no sector size code for %d bytes", size))
}

// Sector is one decoded sector. Data is nil when the address mark was found
// but the payload could not be recovered. WeakMask, when present, has one
// bit per data byte marking positions that read unstably.
type Sector struct {
	ID       SectorID
	Status   SectorStatus
	Data     []byte
	WeakMask []byte
}

// FluxTrack is a raw flux capture of a single track. Samples are tick counts
// between successive transitions; SampleFreqHz converts ticks to seconds.
// IndexTimes are the tick offsets of index pulses from the start of capture.
type FluxTrack struct {
	SampleFreqHz uint32
	Samples      []uint32
	IndexTimes   []uint32
	Revolutions  uint8
}

// Track is one physical track. It may carry decoded sectors, raw flux, or
// both (e.g. a flux capture with its decoded interpretation attached).
// RawBits, when present, preserves the exact surface bit cells a container
// stored, so an unmodified track round-trips bit-for-bit; writers must drop
// it when they change sector payloads.
type Track struct {
	Cylinder  int
	Head      int
	Encoding  Encoding
	Sectors   []Sector
	Flux      *FluxTrack
	RawBits   []byte
	RawBitLen int
}

// FindSector returns the first sector with the given ID number, or nil.
func (t *Track) FindSector(sector uint8) *Sector {
	for i := range t.Sectors {
		if t.Sectors[i].ID.Sector == sector {
			return &t.Sectors[i]
		}
	}
	return nil
}

// SortSectors orders the track's sectors by ascending ID. Decoders append
// sectors in the order they appear on the surface, which is usually
// interleaved.
func (t *Track) SortSectors() {
	sort.SliceStable(t.Sectors, func(i, j int) bool {
		return t.Sectors[i].ID.Sector < t.Sectors[j].ID.Sector
	})
}

// DiskImage is the neutral in-memory representation of a floppy disk. The
// track slice is indexed by cylinder*Heads+head and always has exactly
// Cylinders*Heads entries; a nil entry is a track that was never read.
type DiskImage struct {
	Format     Format
	FormatName string
	Geometry   Geometry
	Tracks     []*Track
	Metadata   map[string]string
}

// NewDiskImage allocates an empty image with the track table sized to the
// geometry.
func NewDiskImage(format Format, geometry Geometry) *DiskImage {
	return &DiskImage{
		Format:     format,
		FormatName: format.String(),
		Geometry:   geometry,
		Tracks:     make([]*Track, geometry.Cylinders*geometry.Heads),
		Metadata:   make(map[string]string),
	}
}

func (img *DiskImage) trackIndex(cylinder, head int) (int, error) {
	if cylinder < 0 || cylinder >= img.Geometry.Cylinders ||
		head < 0 || head >= img.Geometry.Heads {
		return 0, uerrors.ErrInvalidParam.WithMessage(fmt.Sprintf(
			"track %d.%d outside geometry %dx%d",
			cylinder, head, img.Geometry.Cylinders, img.Geometry.Heads))
	}
	return cylinder*img.Geometry.Heads + head, nil
}

// Track returns the track at the given physical position, or nil if it has
// not been populated. Out-of-range positions return nil.
func (img *DiskImage) Track(cylinder, head int) *Track {
	idx, err := img.trackIndex(cylinder, head)
	if err != nil {
		return nil
	}
	return img.Tracks[idx]
}

// SetTrack installs a track at its physical position, replacing any
// previous content.
func (img *DiskImage) SetTrack(track *Track) error {
	idx, err := img.trackIndex(track.Cylinder, track.Head)
	if err != nil {
		return err
	}
	img.Tracks[idx] = track
	return nil
}

// EnsureTrack returns the track at the given position, creating an empty one
// with the image's encoding if necessary.
func (img *DiskImage) EnsureTrack(cylinder, head int) (*Track, error) {
	idx, err := img.trackIndex(cylinder, head)
	if err != nil {
		return nil, err
	}
	if img.Tracks[idx] == nil {
		img.Tracks[idx] = &Track{
			Cylinder: cylinder,
			Head:     head,
			Encoding: img.Geometry.Encoding,
		}
	}
	return img.Tracks[idx], nil
}

// ReadSector returns the sector at the given CHS address. Sector numbering
// follows the geometry's FirstSectorID.
func (img *DiskImage) ReadSector(cylinder, head, sector int) (*Sector, error) {
	track := img.Track(cylinder, head)
	if track == nil {
		return nil, uerrors.ErrNotFound.WithMessage(fmt.Sprintf(
			"track %d.%d not present in image", cylinder, head))
	}
	sec := track.FindSector(uint8(sector))
	if sec == nil {
		return nil, uerrors.ErrNotFound.WithMessage(fmt.Sprintf(
			"sector %d not found on track %d.%d", sector, cylinder, head))
	}
	return sec, nil
}

// WriteSector replaces the payload of the sector at the given CHS address.
// The sector must already exist in the track table.
func (img *DiskImage) WriteSector(cylinder, head, sector int, data []byte) error {
	sec, err := img.ReadSector(cylinder, head, sector)
	if err != nil {
		return err
	}
	if len(data) != sec.ID.SizeBytes() {
		return uerrors.ErrInvalidParam.WithMessage(fmt.Sprintf(
			"sector %d.%d.%d holds %d bytes, got %d",
			cylinder, head, sector, sec.ID.SizeBytes(), len(data)))
	}
	sec.Data = append(sec.Data[:0], data...)
	sec.Status = SectorOK
	// The preserved surface bits no longer match the payload.
	track := img.Track(cylinder, head)
	track.RawBits = nil
	track.RawBitLen = 0
	return nil
}

// FillSectors populates every track of the image with formatted sectors
// containing the fill byte. Existing tracks are replaced.
func (img *DiskImage) FillSectors(fill byte) {
	g := img.Geometry
	for cyl := 0; cyl < g.Cylinders; cyl++ {
		for head := 0; head < g.Heads; head++ {
			track := &Track{Cylinder: cyl, Head: head, Encoding: g.Encoding}
			for s := 0; s < g.SectorsPerTrack; s++ {
				data := make([]byte, g.BytesPerSector)
				for i := range data {
					data[i] = fill
				}
				code, _ := SizeCodeForBytes(g.BytesPerSector)
				track.Sectors = append(track.Sectors, Sector{
					ID: SectorID{
						Cylinder: uint8(cyl),
						Head:     uint8(head),
						Sector:   uint8(g.FirstSectorID + s),
						SizeCode: code,
					},
					Status: SectorOK,
					Data:   data,
				})
			}
			img.Tracks[cyl*g.Heads+head] = track
		}
	}
}

// Capabilities describes what a format plugin can do.
type Capabilities uint8

const (
	CapRead Capabilities = 1 << iota
	CapWrite
	CapFlux
	CapWeak
	CapMultiRev
)

func (c Capabilities) CanRead() bool     { return c&CapRead != 0 }
func (c Capabilities) CanWrite() bool    { return c&CapWrite != 0 }
func (c Capabilities) HasFlux() bool     { return c&CapFlux != 0 }
func (c Capabilities) HasWeak() bool     { return c&CapWeak != 0 }
func (c Capabilities) HasMultiRev() bool { return c&CapMultiRev != 0 }

// Plugin is the capability set shared by all sector- and flux-image format
// implementations. Probe inspects a byte slice without I/O; Open and Save
// work on files.
type Plugin interface {
	// Name returns the plugin's primary format name.
	Name() string
	// Formats lists every format identifier the plugin handles.
	Formats() []Format
	// Probe returns a confidence in [0, 1] that the data is in one of the
	// plugin's formats, or 0 if it definitely is not.
	Probe(data []byte) float32
	// Open parses a file into the neutral disk-image model.
	Open(path string, readOnly bool) (*DiskImage, error)
	// Save serializes an image back to the plugin's on-disk format.
	Save(img *DiskImage, path string) error
	// Capabilities reports what the plugin supports.
	Capabilities() Capabilities
}

var pluginsByFormat = map[Format]Plugin{}
var pluginOrder []Plugin

// RegisterPlugin binds a plugin to every format it declares. Plugins are
// process-wide constants registered from package init functions; later
// registrations for the same format win, which lets specialized plugins
// shadow generic ones.
func RegisterPlugin(p Plugin) {
	pluginOrder = append(pluginOrder, p)
	for _, f := range p.Formats() {
		pluginsByFormat[f] = p
	}
}

// PluginFor returns the plugin registered for a format.
func PluginFor(format Format) (Plugin, error) {
	p, ok := pluginsByFormat[format]
	if !ok {
		return nil, uerrors.ErrUnsupported.WithMessage(fmt.Sprintf(
			"no plugin registered for format %q", format))
	}
	return p, nil
}

// Plugins returns every registered plugin in registration order.
func Plugins() []Plugin {
	return pluginOrder
}
