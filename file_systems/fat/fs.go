package fat

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
	"github.com/floppykit/uft/file_systems/common"
)

const (
	dirEntrySize  = 32
	entryFree     = 0x00
	entryDeleted  = 0xE5

	attrReadOnly = 0x01
	attrHidden   = 0x02
	attrSystem   = 0x04
	attrVolume   = 0x08
	attrArchive  = 0x20

	fatEOC12 = 0xFFF
	fatEOC16 = 0xFFFF
)

// Variant selects name handling: plain ST FAT or Human68k's Shift-JIS
// filenames.
type Variant int

const (
	VariantAtariST Variant = iota
	VariantHuman68k
)

// FS is a FAT12/16 filesystem over a disk image.
type FS struct {
	dev     *common.Device
	bpb     *BPB
	variant Variant
	fat     []byte // first FAT copy, mutated in memory and flushed to all copies
}

// New opens a FAT filesystem and parses its boot sector.
func New(img *uft.DiskImage, variant Variant) (*FS, error) {
	dev := common.NewDevice(img)
	boot, err := dev.ReadSector(0)
	if err != nil {
		return nil, err
	}
	bpb, err := ParseBPB(boot)
	if err != nil {
		return nil, err
	}
	if bpb.TotalSectors > dev.TotalSectors() {
		return nil, uerrors.ErrFormat.WithMessage(fmt.Sprintf(
			"BPB claims %d sectors, image holds %d", bpb.TotalSectors, dev.TotalSectors()))
	}
	fs := &FS{dev: dev, bpb: bpb, variant: variant}
	fs.fat, err = dev.ReadSectors(bpb.ReservedSectors, bpb.SectorsPerFAT)
	if err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FS) Name() string {
	if fs.variant == VariantHuman68k {
		return "human68k"
	}
	return "fat"
}

// BPB exposes the parsed boot parameters.
func (fs *FS) BPB() *BPB { return fs.bpb }

// fatEntry reads cluster n's FAT value.
func (fs *FS) fatEntry(n int) int {
	if fs.bpb.use16() {
		return int(binary.LittleEndian.Uint16(fs.fat[n*2 : n*2+2]))
	}
	offset := n * 3 / 2
	if n%2 == 0 {
		return int(fs.fat[offset]) | int(fs.fat[offset+1]&0x0F)<<8
	}
	return int(fs.fat[offset]>>4) | int(fs.fat[offset+1])<<4
}

func (fs *FS) setFATEntry(n, value int) {
	if fs.bpb.use16() {
		binary.LittleEndian.PutUint16(fs.fat[n*2:n*2+2], uint16(value))
		return
	}
	offset := n * 3 / 2
	if n%2 == 0 {
		fs.fat[offset] = byte(value)
		fs.fat[offset+1] = fs.fat[offset+1]&0xF0 | byte(value>>8)&0x0F
	} else {
		fs.fat[offset] = fs.fat[offset]&0x0F | byte(value<<4)
		fs.fat[offset+1] = byte(value >> 4)
	}
}

func (fs *FS) endOfChain(value int) bool {
	if fs.bpb.use16() {
		return value >= 0xFFF8
	}
	return value >= 0xFF8
}

// flushFAT writes the in-memory FAT to every on-disk copy.
func (fs *FS) flushFAT() error {
	for c := 0; c < fs.bpb.FATCount; c++ {
		start := fs.bpb.ReservedSectors + c*fs.bpb.SectorsPerFAT
		if err := fs.dev.WriteSectors(start, fs.fat); err != nil {
			return err
		}
	}
	return nil
}

// clusterSector maps cluster n (n >= 2) to its first sector.
func (fs *FS) clusterSector(n int) int {
	return fs.bpb.dataStart() + (n-2)*fs.bpb.SectorsPerCluster
}

// chain returns a file's cluster list, bounded by the cluster count so a
// corrupt FAT cannot loop.
func (fs *FS) chain(start int) ([]int, error) {
	var out []int
	limit := fs.bpb.totalClusters() + 2
	for cluster := start; cluster >= 2 && !fs.endOfChain(cluster); {
		if len(out) > limit {
			return nil, uerrors.ErrCorrupt.WithMessage("FAT chain loops")
		}
		out = append(out, cluster)
		cluster = fs.fatEntry(cluster)
		if cluster == 0 {
			return nil, uerrors.ErrCorrupt.WithMessage("FAT chain walks into free space")
		}
	}
	return out, nil
}

// decodeName renders the 8.3 field; Human68k names may carry Shift-JIS
// lead bytes, which map to '?' since the tool stores raw bytes only.
func (fs *FS) decodeName(field []byte) (string, string) {
	decode := func(raw []byte) string {
		var sb strings.Builder
		skip := false
		for _, b := range raw {
			if skip {
				// Trail byte of a Shift-JIS pair; the pair became one '?'.
				skip = false
				continue
			}
			if fs.variant == VariantHuman68k &&
				(b >= 0x81 && b <= 0x9F || b >= 0xE0 && b <= 0xFC) {
				sb.WriteByte('?')
				skip = true
				continue
			}
			sb.WriteByte(b)
		}
		return strings.TrimRight(sb.String(), " ")
	}
	return decode(field[0:8]), decode(field[8:11])
}

type dirSlot struct {
	sector, offset int
	entry          []byte
}

// walkRoot visits the fixed root directory.
func (fs *FS) walkRoot(visit func(slot dirSlot) (bool, error)) error {
	start := fs.bpb.ReservedSectors + fs.bpb.FATCount*fs.bpb.SectorsPerFAT
	for s := 0; s < fs.bpb.rootDirSectors(); s++ {
		data, err := fs.dev.ReadSector(start + s)
		if err != nil {
			return err
		}
		for o := 0; o+dirEntrySize <= len(data); o += dirEntrySize {
			stop, err := visit(dirSlot{sector: start + s, offset: o, entry: data[o : o+dirEntrySize]})
			if err != nil || stop {
				return err
			}
		}
	}
	return nil
}

func (fs *FS) describe(slot dirSlot) common.FileInfo {
	entry := slot.entry
	name, ext := fs.decodeName(entry)
	size := int64(binary.LittleEndian.Uint32(entry[0x1C:0x20]))
	cluster := int(binary.LittleEndian.Uint16(entry[0x1A:0x1C]))
	clusterBytes := fs.bpb.SectorsPerCluster * fs.bpb.BytesPerSector
	return common.FileInfo{
		Name:        name,
		Extension:   ext,
		SizeBytes:   size,
		RecordCount: int((size + int64(clusterBytes) - 1) / int64(clusterBytes)),
		BlockCount:  int((size + int64(clusterBytes) - 1) / int64(clusterBytes)),
		FirstExtent: cluster,
		Attributes: common.Attributes{
			ReadOnly: entry[0x0B]&attrReadOnly != 0,
			Hidden:   entry[0x0B]&attrHidden != 0,
			System:   entry[0x0B]&attrSystem != 0,
			Archived: entry[0x0B]&attrArchive != 0,
		},
		UserNumber: -1,
	}
}

func liveEntry(entry []byte) bool {
	return entry[0] != entryFree && entry[0] != entryDeleted &&
		entry[0x0B]&attrVolume == 0
}

// ListDirectory enumerates the root directory.
func (fs *FS) ListDirectory() ([]common.FileInfo, error) {
	var out []common.FileInfo
	err := fs.walkRoot(func(slot dirSlot) (bool, error) {
		if slot.entry[0] == entryFree {
			return true, nil
		}
		if !liveEntry(slot.entry) {
			return false, nil
		}
		out = append(out, fs.describe(slot))
		return false, nil
	})
	return out, err
}

// Find locates a root-directory file.
func (fs *FS) Find(name string, user int) (*common.FileInfo, error) {
	var found *common.FileInfo
	err := fs.walkRoot(func(slot dirSlot) (bool, error) {
		if slot.entry[0] == entryFree {
			return true, nil
		}
		if !liveEntry(slot.entry) {
			return false, nil
		}
		info := fs.describe(slot)
		if common.NamesEqual(info.FullName(), name) {
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

// ReadFile walks the FAT chain and trims to the directory's size field.
func (fs *FS) ReadFile(info *common.FileInfo) ([]byte, error) {
	if info.FirstExtent < 2 {
		return nil, nil
	}
	clusters, err := fs.chain(info.FirstExtent)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, cluster := range clusters {
		data, err := fs.dev.ReadSectors(fs.clusterSector(cluster), fs.bpb.SectorsPerCluster)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	if int64(len(out)) > info.SizeBytes {
		out = out[:info.SizeBytes]
	}
	return out, nil
}

// freeClusters lists unallocated clusters.
func (fs *FS) freeClusters() []int {
	var out []int
	for c := 2; c < fs.bpb.totalClusters()+2; c++ {
		if fs.fatEntry(c) == 0 {
			out = append(out, c)
		}
	}
	return out
}

// WriteFile creates or replaces a root-directory file.
func (fs *FS) WriteFile(name string, user int, data []byte) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	if _, err := fs.Find(name, user); err == nil {
		if err := fs.DeleteFile(name, user); err != nil {
			return err
		}
	}

	clusterBytes := fs.bpb.SectorsPerCluster * fs.bpb.BytesPerSector
	clustersNeeded := (len(data) + clusterBytes - 1) / clusterBytes
	free := fs.freeClusters()
	if clustersNeeded > len(free) {
		return uerrors.ErrDiskFull.WithMessage(fmt.Sprintf(
			"%d clusters needed, %d free", clustersNeeded, len(free)))
	}

	eoc := fatEOC12
	if fs.bpb.use16() {
		eoc = fatEOC16
	}
	firstCluster := 0
	for i := 0; i < clustersNeeded; i++ {
		cluster := free[i]
		if i == 0 {
			firstCluster = cluster
		} else {
			fs.setFATEntry(free[i-1], cluster)
		}
		fs.setFATEntry(cluster, eoc)

		buf := make([]byte, clusterBytes)
		chunk := data[i*clusterBytes:]
		if len(chunk) > clusterBytes {
			chunk = chunk[:clusterBytes]
		}
		copy(buf, chunk)
		if err := fs.dev.WriteSectors(fs.clusterSector(cluster), buf); err != nil {
			return err
		}
	}

	// Claim a root slot.
	var slotFound *dirSlot
	err := fs.walkRoot(func(slot dirSlot) (bool, error) {
		if slot.entry[0] == entryFree || slot.entry[0] == entryDeleted {
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
		return uerrors.ErrDirFull.WithMessage("root directory is full")
	}

	sectorData, err := fs.dev.ReadSector(slotFound.sector)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), sectorData...)
	entry := buf[slotFound.offset : slotFound.offset+dirEntrySize]
	for i := range entry {
		entry[i] = 0
	}
	base, ext := common.SplitName(name, 8, 3)
	copy(entry[0:8], common.PadName(base, 8))
	copy(entry[8:11], common.PadName(ext, 3))
	entry[0x0B] = attrArchive
	binary.LittleEndian.PutUint16(entry[0x1A:0x1C], uint16(firstCluster))
	binary.LittleEndian.PutUint32(entry[0x1C:0x20], uint32(len(data)))
	if err := fs.dev.WriteSector(slotFound.sector, buf); err != nil {
		return err
	}
	return fs.flushFAT()
}

// DeleteFile frees the chain and marks the entry deleted.
func (fs *FS) DeleteFile(name string, user int) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	deleted := false
	err := fs.walkRoot(func(slot dirSlot) (bool, error) {
		if slot.entry[0] == entryFree {
			return true, nil
		}
		if !liveEntry(slot.entry) {
			return false, nil
		}
		info := fs.describe(slot)
		if !common.NamesEqual(info.FullName(), name) {
			return false, nil
		}
		if info.FirstExtent >= 2 {
			clusters, err := fs.chain(info.FirstExtent)
			if err == nil {
				for _, c := range clusters {
					fs.setFATEntry(c, 0)
				}
			}
		}
		sectorData, err := fs.dev.ReadSector(slot.sector)
		if err != nil {
			return false, err
		}
		buf := append([]byte(nil), sectorData...)
		buf[slot.offset] = entryDeleted
		deleted = true
		return true, fs.dev.WriteSector(slot.sector, buf)
	})
	if err != nil {
		return err
	}
	if !deleted {
		return uerrors.ErrNotFound.WithMessage(name)
	}
	return fs.flushFAT()
}

// Rename rewrites the 8.3 name field.
func (fs *FS) Rename(oldName, newName string, user int) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	if _, err := fs.Find(newName, user); err == nil {
		return uerrors.ErrExists.WithMessage(newName)
	}
	renamed := false
	err := fs.walkRoot(func(slot dirSlot) (bool, error) {
		if slot.entry[0] == entryFree {
			return true, nil
		}
		if !liveEntry(slot.entry) {
			return false, nil
		}
		info := fs.describe(slot)
		if !common.NamesEqual(info.FullName(), oldName) {
			return false, nil
		}
		sectorData, err := fs.dev.ReadSector(slot.sector)
		if err != nil {
			return false, err
		}
		buf := append([]byte(nil), sectorData...)
		entry := buf[slot.offset:]
		base, ext := common.SplitName(newName, 8, 3)
		copy(entry[0:8], common.PadName(base, 8))
		copy(entry[8:11], common.PadName(ext, 3))
		renamed = true
		return true, fs.dev.WriteSector(slot.sector, buf)
	})
	if err != nil {
		return err
	}
	if !renamed {
		return uerrors.ErrNotFound.WithMessage(oldName)
	}
	return nil
}

// SetAttributes rewrites the attribute byte.
func (fs *FS) SetAttributes(name string, attrs common.Attributes) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	updated := false
	err := fs.walkRoot(func(slot dirSlot) (bool, error) {
		if slot.entry[0] == entryFree {
			return true, nil
		}
		if !liveEntry(slot.entry) {
			return false, nil
		}
		info := fs.describe(slot)
		if !common.NamesEqual(info.FullName(), name) {
			return false, nil
		}
		sectorData, err := fs.dev.ReadSector(slot.sector)
		if err != nil {
			return false, err
		}
		buf := append([]byte(nil), sectorData...)
		var b byte
		if attrs.ReadOnly {
			b |= attrReadOnly
		}
		if attrs.Hidden {
			b |= attrHidden
		}
		if attrs.System {
			b |= attrSystem
		}
		if attrs.Archived {
			b |= attrArchive
		}
		buf[slot.offset+0x0B] = b
		updated = true
		return true, fs.dev.WriteSector(slot.sector, buf)
	})
	if err != nil {
		return err
	}
	if !updated {
		return uerrors.ErrNotFound.WithMessage(name)
	}
	return nil
}

// FreeSpace reports cluster-level free space.
func (fs *FS) FreeSpace() (int64, int64, error) {
	clusterBytes := int64(fs.bpb.SectorsPerCluster) * int64(fs.bpb.BytesPerSector)
	return int64(len(fs.freeClusters())) * clusterBytes,
		int64(fs.bpb.totalClusters()) * clusterBytes, nil
}

// Format writes a fresh boot sector, empty FATs, and an empty root
// directory, using the ST's preferred two-sector clusters.
func (fs *FS) Format() error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	g := fs.dev.Geometry()
	total := g.TotalSectors()
	clusters := total / 2
	fatBytes := (clusters*3 + 1) / 2
	bpb := &BPB{
		BytesPerSector:    g.BytesPerSector,
		SectorsPerCluster: 2,
		ReservedSectors:   1,
		FATCount:          2,
		RootEntries:       112,
		TotalSectors:      total,
		SectorsPerFAT:     (fatBytes + g.BytesPerSector - 1) / g.BytesPerSector,
		SectorsPerTrack:   g.SectorsPerTrack,
		Heads:             g.Heads,
		Serial:            0x24601,
	}

	boot := make([]byte, g.BytesPerSector)
	bpb.Serialize(boot[:512], false)
	if err := fs.dev.WriteSector(0, boot); err != nil {
		return err
	}

	fs.bpb = bpb
	fs.fat = make([]byte, bpb.SectorsPerFAT*g.BytesPerSector)
	fs.setFATEntry(0, 0xFF9)
	fs.setFATEntry(1, fatEOC12)
	if err := fs.flushFAT(); err != nil {
		return err
	}

	empty := make([]byte, g.BytesPerSector)
	start := bpb.ReservedSectors + bpb.FATCount*bpb.SectorsPerFAT
	for s := 0; s < bpb.rootDirSectors(); s++ {
		if err := fs.dev.WriteSector(start+s, empty); err != nil {
			return err
		}
	}
	return nil
}
