// Package trsdos implements TRS-80 DOS family filesystem access. The
// family (TRSDOS 2.3, TRSDOS 1.3, TRSDOS 6 / LS-DOS, LDOS 5, NewDOS/80,
// DOS+, MultiDOS, and the CoCo's RS-DOS) shares one allocation model: a
// Granule Allocation Table on the directory track where each bit stands
// for one granule, a fixed run of sectors. Directory entries hold extent
// runs of granules plus the 16-bit password hashes.
package trsdos

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
	"github.com/floppykit/uft/file_systems/common"
)

// Version enumerates the DOS flavors the module recognizes.
type Version int

const (
	VersionUnknown Version = iota
	VersionTRSDOS23
	VersionTRSDOS13
	VersionTRSDOS6
	VersionLDOS5
	VersionNewDOS80
	VersionDOSPlus
	VersionMultiDOS
	VersionRSDOS
)

func (v Version) String() string {
	switch v {
	case VersionTRSDOS23:
		return "TRSDOS 2.3"
	case VersionTRSDOS13:
		return "TRSDOS 1.3"
	case VersionTRSDOS6:
		return "TRSDOS 6 / LS-DOS"
	case VersionLDOS5:
		return "LDOS 5"
	case VersionNewDOS80:
		return "NewDOS/80"
	case VersionDOSPlus:
		return "DOS+"
	case VersionMultiDOS:
		return "MultiDOS"
	case VersionRSDOS:
		return "RS-DOS"
	}
	return "unknown"
}

const (
	dirTrack        = 17
	sectorSize      = 256
	dirEntrySize    = 32
	granuleSectors  = 5 // TRSDOS granule; RS-DOS uses 9
	granulesPerTrk  = 2

	attrInUse     = 0x10
	attrSystem    = 0x40
	attrInvisible = 0x08

	extentFree = 0xFF
)

// HashPassword folds a password to the family's 16-bit hash: left shift
// and XOR over the upper-cased characters.
func HashPassword(password string) uint16 {
	var hash uint16
	for _, c := range strings.ToUpper(password) {
		hash = hash<<1 ^ uint16(byte(c))
	}
	return hash
}

// blankPasswordHash is the hash of eight spaces, the family's "no
// password" convention.
var blankPasswordHash = HashPassword("        ")

// DetectVersion applies the family's identification heuristics to an
// image: boot-sector jump patterns, plausible GAT free-bit counts, hash
// index table population, and printable directory names with small file
// types.
func DetectVersion(img *uft.DiskImage) Version {
	dev := common.NewDevice(img)
	if dev.SectorSize() != sectorSize {
		return VersionUnknown
	}

	boot, err := dev.ReadSector(0)
	if err != nil || len(boot) < 3 {
		return VersionUnknown
	}
	// Z80 JP or JR at offset 0, or a 0x00 0xFE pair; the 6809 CoCo boots
	// differently.
	jumpZ80 := boot[0] == 0xC3 || boot[0] == 0x18 || boot[0] == 0x00 && boot[1] == 0xFE
	jump6809 := boot[0] == 0x7E || boot[0] == 0xBD

	g := img.Geometry
	if g.SectorsPerTrack == 18 && jump6809 {
		return VersionRSDOS
	}

	gatIndex := dirTrack * g.Heads * g.SectorsPerTrack
	gat, err := dev.ReadSector(gatIndex)
	if err != nil {
		return VersionUnknown
	}
	freeBits := 0
	for _, b := range gat[:minInt(len(gat), 0x60)] {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) == 0 {
				freeBits++
			}
		}
	}
	if freeBits < 10 || freeBits > 700 {
		return VersionUnknown
	}

	hit, err := dev.ReadSector(gatIndex + 1)
	if err != nil {
		return VersionUnknown
	}
	hashNonzero := 0
	for _, b := range hit {
		if b != 0 {
			hashNonzero++
		}
	}

	// Directory sectors: printable names with file types in [0, 3].
	printable := 0
	for s := 2; s < g.SectorsPerTrack; s++ {
		dir, err := dev.ReadSector(gatIndex + s)
		if err != nil {
			break
		}
		for e := 0; e+dirEntrySize <= len(dir); e += dirEntrySize {
			entry := dir[e : e+dirEntrySize]
			if entry[0]&attrInUse == 0 {
				continue
			}
			if entry[0]&0x07 > 3 {
				continue
			}
			ok := true
			for _, c := range entry[4:12] {
				if c != ' ' && (c < '0' || c > 'Z') {
					ok = false
					break
				}
			}
			if ok {
				printable++
			}
		}
	}

	switch {
	case !jumpZ80 && !jump6809:
		return VersionUnknown
	case printable == 0 && hashNonzero == 0:
		return VersionUnknown
	case g.SectorsPerTrack == 10 && g.Cylinders <= 40:
		return VersionTRSDOS23
	case g.SectorsPerTrack == 18 && g.BytesPerSector == 256:
		return VersionTRSDOS6
	default:
		return VersionLDOS5
	}
}

// FS is a TRSDOS-family filesystem. The directory track is excluded from
// the GAT; granule numbering covers data tracks only.
type FS struct {
	dev     *common.Device
	version Version
	// granule geometry
	granSectors int
	gransPerTrk int
	tracks      int
	alloc       *common.Allocator // one unit per granule, directory track skipped
}

// New opens a TRSDOS-family filesystem, detecting the version when the
// caller passes VersionUnknown.
func New(img *uft.DiskImage, version Version) (*FS, error) {
	dev := common.NewDevice(img)
	if dev.SectorSize() != sectorSize {
		return nil, uerrors.ErrUnsupported.WithMessage("TRSDOS images use 256-byte sectors")
	}
	if version == VersionUnknown {
		version = DetectVersion(img)
	}
	fs := &FS{
		dev:         dev,
		version:     version,
		granSectors: granuleSectors,
		gransPerTrk: granulesPerTrk,
		tracks:      img.Geometry.Cylinders,
	}
	if version == VersionRSDOS {
		fs.granSectors = 9
	}
	if fs.gransPerTrk*fs.granSectors > img.Geometry.SectorsPerTrack*img.Geometry.Heads {
		return nil, uerrors.ErrUnsupported.WithMessage(fmt.Sprintf(
			"track of %d sectors cannot hold %d granules of %d",
			img.Geometry.SectorsPerTrack*img.Geometry.Heads, fs.gransPerTrk, fs.granSectors))
	}
	if err := fs.loadGAT(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FS) Name() string { return "trsdos" }

// Version reports the detected or requested flavor.
func (fs *FS) Version() Version { return fs.version }

func (fs *FS) dirSectorIndex(s int) int {
	g := fs.dev.Geometry()
	return dirTrack*g.Heads*g.SectorsPerTrack + s
}

// granuleToSector maps a granule number to its first logical sector. The
// directory track is skipped in granule numbering.
func (fs *FS) granuleToSector(gran int) int {
	track := gran / fs.gransPerTrk
	if track >= dirTrack {
		track++
	}
	g := fs.dev.Geometry()
	return track*g.Heads*g.SectorsPerTrack + (gran%fs.gransPerTrk)*fs.granSectors
}

func (fs *FS) totalGranules() int {
	return (fs.tracks - 1) * fs.gransPerTrk
}

// loadGAT reads the granule bitmap from the directory track's first
// sector. One byte per data track, bit n = granule n; set means in use.
func (fs *FS) loadGAT() error {
	gat, err := fs.dev.ReadSector(fs.dirSectorIndex(0))
	if err != nil {
		return err
	}
	fs.alloc = common.NewAllocator(fs.totalGranules())
	for gran := 0; gran < fs.totalGranules(); gran++ {
		track := gran / fs.gransPerTrk
		if track >= len(gat) {
			fs.alloc.Set(gran, true)
			continue
		}
		used := gat[track]&(1<<uint(gran%fs.gransPerTrk)) != 0
		fs.alloc.Set(gran, used)
	}
	return nil
}

func (fs *FS) flushGAT() error {
	gat, err := fs.dev.ReadSector(fs.dirSectorIndex(0))
	if err != nil {
		return err
	}
	buf := append([]byte(nil), gat...)
	dataTracks := fs.tracks - 1
	// Bits above the per-track granule count are always set, as is every
	// byte past the last data track; only real granules read as free.
	for track := 0; track < 0x60 && track < len(buf); track++ {
		if track >= dataTracks {
			buf[track] = 0xFF
			continue
		}
		b := byte(0xFF) << uint(fs.gransPerTrk)
		for g := 0; g < fs.gransPerTrk; g++ {
			if fs.alloc.InUse(track*fs.gransPerTrk + g) {
				b |= 1 << uint(g)
			}
		}
		buf[track] = b
	}
	return fs.dev.WriteSector(fs.dirSectorIndex(0), buf)
}

// Directory entry layout (32 bytes):
//
//	+0      attributes: 0x10 in use, 0x40 system, 0x08 invisible,
//	        low 3 bits protection level
//	+1..+3  reserved / EOF offset / record length
//	+4..+11 name, +12..+14 extension
//	+15,+16 owner password hash, +17,+18 user password hash (LE)
//	+19..+21 file size in bytes (LE, 24-bit)
//	+22..+31 five extent pairs: byte 0 is the starting granule, numbered
//	        across the data tracks, byte 1 its contiguous count;
//	        0xFF 0xFF is a free slot
type dirSlot struct {
	sector, index int
	entry         []byte
}

func (fs *FS) dirSectors() int {
	return fs.dev.Geometry().SectorsPerTrack*fs.dev.Geometry().Heads - 2
}

func (fs *FS) walkDirectory(visit func(slot dirSlot) (bool, error)) error {
	for s := 0; s < fs.dirSectors(); s++ {
		data, err := fs.dev.ReadSector(fs.dirSectorIndex(2 + s))
		if err != nil {
			return err
		}
		for i := 0; i+dirEntrySize <= len(data); i += dirEntrySize {
			stop, err := visit(dirSlot{
				sector: 2 + s,
				index:  i / dirEntrySize,
				entry:  data[i : i+dirEntrySize],
			})
			if err != nil || stop {
				return err
			}
		}
	}
	return nil
}

func entryName(entry []byte) string {
	name := strings.TrimRight(string(entry[4:12]), " ")
	ext := strings.TrimRight(string(entry[12:15]), " ")
	if ext == "" {
		return name
	}
	return name + "/" + ext
}

// splitName handles the family's NAME/EXT convention while accepting
// NAME.EXT too.
func splitName(full string) (string, string) {
	sep := strings.LastIndexAny(full, "/.")
	if sep < 0 {
		return strings.ToUpper(full), ""
	}
	return strings.ToUpper(full[:sep]), strings.ToUpper(full[sep+1:])
}

func (fs *FS) entryExtents(entry []byte) [][2]int {
	var out [][2]int
	for i := 0; i < 5; i++ {
		start := entry[22+i*2]
		count := entry[23+i*2]
		if start == extentFree {
			break
		}
		out = append(out, [2]int{int(start), int(count)})
	}
	return out
}

func (fs *FS) describe(slot dirSlot) common.FileInfo {
	entry := slot.entry
	size := int64(entry[19]) | int64(entry[20])<<8 | int64(entry[21])<<16
	granules := 0
	for _, ext := range fs.entryExtents(entry) {
		granules += ext[1]
	}
	name, ext := entryName(entry), ""
	if sep := strings.IndexByte(name, '/'); sep >= 0 {
		name, ext = name[:sep], name[sep+1:]
	}
	info := common.FileInfo{
		Name:        name,
		Extension:   ext,
		SizeBytes:   size,
		RecordCount: int((size + sectorSize - 1) / sectorSize),
		BlockCount:  granules,
		FirstExtent: slot.sector<<8 | slot.index,
		Attributes: common.Attributes{
			System: entry[0]&attrSystem != 0,
			Hidden: entry[0]&attrInvisible != 0,
		},
		UserNumber: -1,
	}
	ownerHash := binary.LittleEndian.Uint16(entry[15:17])
	if ownerHash != 0 && ownerHash != blankPasswordHash {
		info.Attributes.Locked = true
		info.Attributes.ReadOnly = true
	}
	return info
}

// ListDirectory enumerates live entries, system files included (the native
// DIR command hides them); callers filter on the System attribute.
func (fs *FS) ListDirectory() ([]common.FileInfo, error) {
	var out []common.FileInfo
	err := fs.walkDirectory(func(slot dirSlot) (bool, error) {
		if slot.entry[0]&attrInUse == 0 {
			return false, nil
		}
		out = append(out, fs.describe(slot))
		return false, nil
	})
	return out, err
}

// Find locates a file by NAME/EXT.
func (fs *FS) Find(name string, user int) (*common.FileInfo, error) {
	base, ext := splitName(name)
	var found *common.FileInfo
	err := fs.walkDirectory(func(slot dirSlot) (bool, error) {
		if slot.entry[0]&attrInUse == 0 {
			return false, nil
		}
		info := fs.describe(slot)
		if common.NamesEqual(info.Name, base) && common.NamesEqual(info.Extension, ext) {
			found = &info
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, uerrors.ErrNotFound.WithMessage(name)
	}
	return found, nil
}

func (fs *FS) entryAt(ref int) ([]byte, error) {
	data, err := fs.dev.ReadSector(fs.dirSectorIndex(ref >> 8))
	if err != nil {
		return nil, err
	}
	index := ref & 0xFF
	return data[index*dirEntrySize : (index+1)*dirEntrySize], nil
}

// ReadFile concatenates the extent granules and trims to the stored size.
func (fs *FS) ReadFile(info *common.FileInfo) ([]byte, error) {
	entry, err := fs.entryAt(info.FirstExtent)
	if err != nil {
		return nil, err
	}
	var out []byte
	granulesRead := 0
	for _, ext := range fs.entryExtents(entry) {
		for g := 0; g < ext[1]; g++ {
			if granulesRead > fs.totalGranules() {
				return nil, uerrors.ErrCorrupt.WithMessage("extents exceed the disk's granule count")
			}
			start := fs.granuleToSector(ext[0] + g)
			data, err := fs.dev.ReadSectors(start, fs.granSectors)
			if err != nil {
				return nil, err
			}
			out = append(out, data...)
			granulesRead++
		}
	}
	if int64(len(out)) > info.SizeBytes {
		out = out[:info.SizeBytes]
	}
	return out, nil
}

// WriteFile creates or replaces a file, packing it into as few extents as
// the free granules allow.
func (fs *FS) WriteFile(name string, user int, data []byte) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	if _, err := fs.Find(name, user); err == nil {
		if err := fs.DeleteFile(name, user); err != nil {
			return err
		}
	}

	granBytes := fs.granSectors * sectorSize
	granulesNeeded := (len(data) + granBytes - 1) / granBytes
	if granulesNeeded == 0 {
		granulesNeeded = 1
	}
	if granulesNeeded > fs.alloc.FreeCount() {
		return uerrors.ErrDiskFull.WithMessage(fmt.Sprintf(
			"%d granules needed, %d free", granulesNeeded, fs.alloc.FreeCount()))
	}

	granules := make([]int, 0, granulesNeeded)
	cursor := 0
	for i := 0; i < granulesNeeded; i++ {
		gran, err := fs.alloc.Allocate(cursor)
		if err != nil {
			return err
		}
		cursor = gran + 1
		granules = append(granules, gran)
	}

	// Coalesce into extent runs; five runs is the hard limit of the entry.
	type run struct{ start, count int }
	var runs []run
	for _, gran := range granules {
		if len(runs) > 0 && runs[len(runs)-1].start+runs[len(runs)-1].count == gran {
			runs[len(runs)-1].count++
			continue
		}
		runs = append(runs, run{gran, 1})
	}
	if len(runs) > 5 {
		for _, gran := range granules {
			_ = fs.alloc.Free(gran)
		}
		return uerrors.ErrDiskFull.WithMessage("free space is too fragmented for five extents")
	}

	for i, gran := range granules {
		buf := make([]byte, granBytes)
		chunk := data[i*granBytes:]
		if len(chunk) > granBytes {
			chunk = chunk[:granBytes]
		}
		copy(buf, chunk)
		if err := fs.dev.WriteSectors(fs.granuleToSector(gran), buf); err != nil {
			return err
		}
	}

	// Claim a directory slot.
	var slotFound *dirSlot
	err := fs.walkDirectory(func(slot dirSlot) (bool, error) {
		if slot.entry[0]&attrInUse == 0 {
			s := slot
			slotFound = &s
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if slotFound == nil {
		return uerrors.ErrDirFull.WithMessage("directory track is full")
	}

	dirData, err := fs.dev.ReadSector(fs.dirSectorIndex(slotFound.sector))
	if err != nil {
		return err
	}
	buf := append([]byte(nil), dirData...)
	entry := buf[slotFound.index*dirEntrySize : (slotFound.index+1)*dirEntrySize]
	for i := range entry {
		entry[i] = 0
	}
	base, ext := splitName(name)
	entry[0] = attrInUse
	copy(entry[4:12], common.PadName(base, 8))
	copy(entry[12:15], common.PadName(ext, 3))
	binary.LittleEndian.PutUint16(entry[15:17], blankPasswordHash)
	binary.LittleEndian.PutUint16(entry[17:19], blankPasswordHash)
	entry[19] = byte(len(data))
	entry[20] = byte(len(data) >> 8)
	entry[21] = byte(len(data) >> 16)
	for i := range runs {
		entry[22+i*2] = byte(runs[i].start)
		entry[23+i*2] = byte(runs[i].count)
	}
	for i := len(runs); i < 5; i++ {
		entry[22+i*2] = extentFree
		entry[23+i*2] = extentFree
	}
	if err := fs.dev.WriteSector(fs.dirSectorIndex(slotFound.sector), buf); err != nil {
		return err
	}
	return fs.flushGAT()
}

// DeleteFile frees the extents and clears the in-use flag.
func (fs *FS) DeleteFile(name string, user int) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	info, err := fs.Find(name, user)
	if err != nil {
		return err
	}
	entry, err := fs.entryAt(info.FirstExtent)
	if err != nil {
		return err
	}
	for _, ext := range fs.entryExtents(entry) {
		for g := 0; g < ext[1]; g++ {
			fs.alloc.Set(ext[0]+g, false)
		}
	}

	dirData, err := fs.dev.ReadSector(fs.dirSectorIndex(info.FirstExtent >> 8))
	if err != nil {
		return err
	}
	buf := append([]byte(nil), dirData...)
	buf[(info.FirstExtent&0xFF)*dirEntrySize] &^= attrInUse
	if err := fs.dev.WriteSector(fs.dirSectorIndex(info.FirstExtent>>8), buf); err != nil {
		return err
	}
	return fs.flushGAT()
}

// Rename rewrites the name fields.
func (fs *FS) Rename(oldName, newName string, user int) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	if _, err := fs.Find(newName, user); err == nil {
		return uerrors.ErrExists.WithMessage(newName)
	}
	info, err := fs.Find(oldName, user)
	if err != nil {
		return err
	}
	dirData, err := fs.dev.ReadSector(fs.dirSectorIndex(info.FirstExtent >> 8))
	if err != nil {
		return err
	}
	buf := append([]byte(nil), dirData...)
	entry := buf[(info.FirstExtent&0xFF)*dirEntrySize:]
	base, ext := splitName(newName)
	copy(entry[4:12], common.PadName(base, 8))
	copy(entry[12:15], common.PadName(ext, 3))
	return fs.dev.WriteSector(fs.dirSectorIndex(info.FirstExtent>>8), buf)
}

// SetAttributes maps System/Hidden onto the native bits; ReadOnly sets
// protection level 5 (read-only).
func (fs *FS) SetAttributes(name string, attrs common.Attributes) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	info, err := fs.Find(name, 0)
	if err != nil {
		return err
	}
	dirData, err := fs.dev.ReadSector(fs.dirSectorIndex(info.FirstExtent >> 8))
	if err != nil {
		return err
	}
	buf := append([]byte(nil), dirData...)
	entry := buf[(info.FirstExtent&0xFF)*dirEntrySize:]
	entry[0] &^= attrSystem | attrInvisible | 0x07
	if attrs.System {
		entry[0] |= attrSystem
	}
	if attrs.Hidden {
		entry[0] |= attrInvisible
	}
	if attrs.ReadOnly || attrs.Locked {
		entry[0] |= 0x05 // read-only protection level
	}
	return fs.dev.WriteSector(fs.dirSectorIndex(info.FirstExtent>>8), buf)
}

// FreeSpace reports granule-level free space.
func (fs *FS) FreeSpace() (int64, int64, error) {
	granBytes := int64(fs.granSectors) * sectorSize
	return int64(fs.alloc.FreeCount()) * granBytes,
		int64(fs.totalGranules()) * granBytes, nil
}

// Format clears the GAT, hash index table, and directory sectors.
func (fs *FS) Format() error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	empty := make([]byte, sectorSize)
	g := fs.dev.Geometry()
	for s := 0; s < g.SectorsPerTrack*g.Heads; s++ {
		if err := fs.dev.WriteSector(fs.dirSectorIndex(s), empty); err != nil {
			return err
		}
	}
	fs.alloc = common.NewAllocator(fs.totalGranules())
	return fs.flushGAT()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
