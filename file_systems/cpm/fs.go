package cpm

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
	"github.com/floppykit/uft/file_systems/common"
)

const (
	dirEntrySize = 32
	deletedUser  = 0xE5
	maxUser      = 15
	recordSize   = 128
	// recordsPerExtent is the capacity of one logical 16K extent.
	recordsPerExtent = 16384 / recordSize
	textPadByte      = 0x1A
)

// rawEntry mirrors one 32-byte directory entry.
type rawEntry struct {
	User    byte
	Name    [8]byte
	Ext     [3]byte // attribute bits ride on the high bits
	Extent  byte    // low 5 bits of the extent number
	S1      byte
	S2      byte // high bits of the extent number
	RC      byte
	Alloc   [16]byte
}

func (e *rawEntry) extentNumber() int {
	return int(e.Extent&0x1F) | int(e.S2&0x3F)<<5
}

func (e *rawEntry) setExtentNumber(n int) {
	e.Extent = byte(n & 0x1F)
	e.S2 = byte(n >> 5)
}

func (e *rawEntry) nameString() string {
	name := make([]byte, 8)
	for i := range name {
		name[i] = e.Name[i] & 0x7F
	}
	return string(bytes.TrimRight(name, " "))
}

func (e *rawEntry) extString() string {
	ext := make([]byte, 3)
	for i := range ext {
		ext[i] = e.Ext[i] & 0x7F
	}
	return string(bytes.TrimRight(ext, " "))
}

func (e *rawEntry) attributes() common.Attributes {
	return common.Attributes{
		ReadOnly: e.Ext[0]&0x80 != 0,
		System:   e.Ext[1]&0x80 != 0,
		Archived: e.Ext[2]&0x80 != 0,
		Hidden:   e.Ext[1]&0x80 != 0,
	}
}

func (e *rawEntry) marshal() []byte {
	out := make([]byte, dirEntrySize)
	out[0] = e.User
	copy(out[1:9], e.Name[:])
	copy(out[9:12], e.Ext[:])
	out[12] = e.Extent
	out[13] = e.S1
	out[14] = e.S2
	out[15] = e.RC
	copy(out[16:32], e.Alloc[:])
	return out
}

func unmarshalEntry(data []byte) rawEntry {
	var e rawEntry
	e.User = data[0]
	copy(e.Name[:], data[1:9])
	copy(e.Ext[:], data[9:12])
	e.Extent = data[12]
	e.S1 = data[13]
	e.S2 = data[14]
	e.RC = data[15]
	copy(e.Alloc[:], data[16:32])
	return e
}

// FS is a CP/M filesystem over a disk image.
type FS struct {
	dev   *common.Device
	def   Definition
	dpb   DPB
	skew  []int
	// entries is the in-memory directory, one slot per DRM+1 entries.
	entries []rawEntry
	alloc   *common.Allocator
}

// New opens a CP/M filesystem. When def is nil the definition is matched
// from the image geometry.
func New(img *uft.DiskImage, def *Definition) (*FS, error) {
	dev := common.NewDevice(img)
	var definition Definition
	if def != nil {
		definition = *def
	} else {
		matched, ok := MatchDefinition(img.Geometry)
		if !ok {
			return nil, uerrors.ErrUnsupported.WithMessage(fmt.Sprintf(
				"no CP/M definition matches geometry %dx%dx%dx%d",
				img.Geometry.Cylinders, img.Geometry.Heads,
				img.Geometry.SectorsPerTrack, img.Geometry.BytesPerSector))
		}
		definition = matched
	}
	dpb := definition.DPB()
	if err := dpb.Validate(); err != nil {
		return nil, err
	}
	fs := &FS{
		dev:  dev,
		def:  definition,
		dpb:  dpb,
		skew: definition.SkewTable(),
	}
	if err := fs.loadDirectory(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FS) Name() string { return "cpm" }

// DPB exposes the derived parameter block, mainly for diagnostics.
func (fs *FS) DPB() DPB { return fs.dpb }

// physicalSector maps a data-area sector index to a logical device sector,
// applying boot-track offset and skew.
func (fs *FS) physicalSector(dataSector int) int {
	perTrack := fs.def.Sectors
	track := dataSector / perTrack
	logical := dataSector % perTrack
	return (fs.dpb.OFF+track)*perTrack + fs.skew[logical]
}

// readDataBytes reads `count` bytes from the data area starting at byte
// offset `start`.
func (fs *FS) readDataBytes(start, count int) ([]byte, error) {
	sectorSize := fs.def.SectorSize
	out := make([]byte, 0, count)
	for count > 0 {
		sector := start / sectorSize
		within := start % sectorSize
		data, err := fs.dev.ReadSector(fs.physicalSector(sector))
		if err != nil {
			return nil, err
		}
		n := sectorSize - within
		if n > count {
			n = count
		}
		out = append(out, data[within:within+n]...)
		start += n
		count -= n
	}
	return out, nil
}

func (fs *FS) writeDataBytes(start int, payload []byte) error {
	sectorSize := fs.def.SectorSize
	for len(payload) > 0 {
		sector := start / sectorSize
		within := start % sectorSize
		physical := fs.physicalSector(sector)
		data, err := fs.dev.ReadSector(physical)
		if err != nil {
			return err
		}
		buf := append([]byte(nil), data...)
		n := sectorSize - within
		if n > len(payload) {
			n = len(payload)
		}
		copy(buf[within:], payload[:n])
		if err := fs.dev.WriteSector(physical, buf); err != nil {
			return err
		}
		start += n
		payload = payload[n:]
	}
	return nil
}

func (fs *FS) loadDirectory() error {
	dirBytes, err := fs.readDataBytes(0, (fs.dpb.DRM+1)*dirEntrySize)
	if err != nil {
		return err
	}
	fs.entries = make([]rawEntry, fs.dpb.DRM+1)
	for i := range fs.entries {
		fs.entries[i] = unmarshalEntry(dirBytes[i*dirEntrySize : (i+1)*dirEntrySize])
	}
	fs.rebuildAllocation()
	return nil
}

func (fs *FS) flushDirectory() error {
	out := make([]byte, 0, len(fs.entries)*dirEntrySize)
	for i := range fs.entries {
		out = append(out, fs.entries[i].marshal()...)
	}
	return fs.writeDataBytes(0, out)
}

// rebuildAllocation scans the live directory into the block bitmap.
func (fs *FS) rebuildAllocation() {
	fs.alloc = common.NewAllocator(fs.dpb.DSM + 1)
	for b := 0; b < fs.dpb.DirBlocks(); b++ {
		fs.alloc.Set(b, true)
	}
	for i := range fs.entries {
		e := &fs.entries[i]
		if e.User > maxUser {
			continue
		}
		for _, block := range fs.entryBlocks(e) {
			fs.alloc.Set(block, true)
		}
	}
}

// entryBlocks lists the allocation blocks referenced by one entry.
func (fs *FS) entryBlocks(e *rawEntry) []int {
	var blocks []int
	if fs.dpb.Use16BitPointers() {
		for i := 0; i < 16; i += 2 {
			block := int(e.Alloc[i]) | int(e.Alloc[i+1])<<8
			if block != 0 && block <= fs.dpb.DSM {
				blocks = append(blocks, block)
			}
		}
	} else {
		for i := 0; i < 16; i++ {
			block := int(e.Alloc[i])
			if block != 0 && block <= fs.dpb.DSM {
				blocks = append(blocks, block)
			}
		}
	}
	return blocks
}

// fileEntries returns the directory slots for (user, name, ext), sorted by
// extent number.
func (fs *FS) fileEntries(name string, user int) []int {
	base, ext := common.SplitName(name, 8, 3)
	var slots []int
	for i := range fs.entries {
		e := &fs.entries[i]
		if int(e.User) != user {
			continue
		}
		if common.NamesEqual(e.nameString(), base) && common.NamesEqual(e.extString(), ext) {
			slots = append(slots, i)
		}
	}
	sort.Slice(slots, func(a, b int) bool {
		return fs.entries[slots[a]].extentNumber() < fs.entries[slots[b]].extentNumber()
	})
	return slots
}

// ListDirectory enumerates files across all user areas.
func (fs *FS) ListDirectory() ([]common.FileInfo, error) {
	type key struct {
		user      byte
		name, ext string
	}
	seen := map[key][]int{}
	var order []key
	for i := range fs.entries {
		e := &fs.entries[i]
		if e.User > maxUser {
			continue
		}
		k := key{e.User, e.nameString(), e.extString()}
		if _, ok := seen[k]; !ok {
			order = append(order, k)
		}
		seen[k] = append(seen[k], i)
	}

	var out []common.FileInfo
	for _, k := range order {
		slots := seen[k]
		sort.Slice(slots, func(a, b int) bool {
			return fs.entries[slots[a]].extentNumber() < fs.entries[slots[b]].extentNumber()
		})
		out = append(out, fs.describe(slots))
	}
	return out, nil
}

func (fs *FS) describe(slots []int) common.FileInfo {
	first := &fs.entries[slots[0]]
	blocks := 0
	for _, slot := range slots {
		blocks += len(fs.entryBlocks(&fs.entries[slot]))
	}
	// Full entries hold their whole capacity; the final entry holds its
	// complete logical extents plus RC records in the last one. RC 0x80
	// means the extent is full.
	records := (len(slots) - 1) * fs.dpb.RecordsPerEntry()
	last := &fs.entries[slots[len(slots)-1]]
	records += (last.extentNumber() & fs.dpb.EXM) * recordsPerExtent
	if last.RC >= 0x80 {
		records += recordsPerExtent
	} else {
		records += int(last.RC)
	}

	return common.FileInfo{
		Name:        first.nameString(),
		Extension:   first.extString(),
		SizeBytes:   int64(records) * recordSize,
		RecordCount: records,
		Attributes:  first.attributes(),
		FirstExtent: first.extentNumber(),
		BlockCount:  blocks,
		UserNumber:  int(first.User),
	}
}

// Find locates a file in one user area.
func (fs *FS) Find(name string, user int) (*common.FileInfo, error) {
	slots := fs.fileEntries(name, user)
	if len(slots) == 0 {
		return nil, uerrors.ErrNotFound.WithMessage(fmt.Sprintf(
			"%s (user %d)", name, user))
	}
	info := fs.describe(slots)
	return &info, nil
}

// ReadFile gathers a file's blocks in extent order. Reads are bounded by
// the disk's block count so a corrupt chain cannot loop.
func (fs *FS) ReadFile(info *common.FileInfo) ([]byte, error) {
	slots := fs.fileEntries(info.FullName(), info.UserNumber)
	if len(slots) == 0 {
		return nil, uerrors.ErrNotFound.WithMessage(info.FullName())
	}
	blockSize := fs.dpb.BlockSize()
	maxBlocks := fs.dpb.DSM + 1

	var out []byte
	blocksRead := 0
	for _, slot := range slots {
		e := &fs.entries[slot]
		for _, block := range fs.entryBlocks(e) {
			if blocksRead >= maxBlocks {
				return nil, uerrors.ErrCorrupt.WithMessage(
					"extent chain exceeds the disk's block count")
			}
			data, err := fs.readDataBytes(block*blockSize, blockSize)
			if err != nil {
				return nil, err
			}
			out = append(out, data...)
			blocksRead++
		}
	}
	total := info.RecordCount * recordSize
	if total > len(out) {
		total = len(out)
	}
	return out[:total], nil
}

// WriteFile creates or replaces a file. Payloads are padded to the record
// boundary with 0x1A, the CP/M text terminator.
func (fs *FS) WriteFile(name string, user int, data []byte) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	if user < 0 || user > maxUser {
		return uerrors.ErrInvalidParam.WithMessage(fmt.Sprintf("user %d outside [0, 15]", user))
	}
	if existing := fs.fileEntries(name, user); len(existing) > 0 {
		if err := fs.DeleteFile(name, user); err != nil {
			return err
		}
	}

	blockSize := fs.dpb.BlockSize()
	records := (len(data) + recordSize - 1) / recordSize
	if records == 0 {
		records = 1
	}
	padded := make([]byte, records*recordSize)
	for i := copy(padded, data); i < len(padded); i++ {
		padded[i] = textPadByte
	}

	blocksNeeded := (len(padded) + blockSize - 1) / blockSize
	if blocksNeeded > fs.alloc.FreeCount() {
		return uerrors.ErrDiskFull.WithMessage(fmt.Sprintf(
			"%d blocks needed, %d free", blocksNeeded, fs.alloc.FreeCount()))
	}
	entriesNeeded := (records + fs.dpb.RecordsPerEntry() - 1) / fs.dpb.RecordsPerEntry()
	if entriesNeeded == 0 {
		entriesNeeded = 1
	}
	freeSlots := fs.freeSlots()
	if len(freeSlots) < entriesNeeded {
		return uerrors.ErrDirFull.WithMessage(fmt.Sprintf(
			"%d directory entries needed, %d free", entriesNeeded, len(freeSlots)))
	}

	// Allocate and write data blocks.
	blocks := make([]int, 0, blocksNeeded)
	cursor := fs.dpb.DirBlocks()
	for i := 0; i < blocksNeeded; i++ {
		block, err := fs.alloc.Allocate(cursor)
		if err != nil {
			return err
		}
		cursor = block + 1
		blocks = append(blocks, block)
		chunk := padded[i*blockSize:]
		if len(chunk) > blockSize {
			chunk = chunk[:blockSize]
		}
		full := make([]byte, blockSize)
		copy(full, chunk)
		if err := fs.writeDataBytes(block*blockSize, full); err != nil {
			return err
		}
	}

	// Build directory entries.
	base, ext := common.SplitName(name, 8, 3)
	pointersPerEntry := fs.dpb.PointersPerEntry()
	recordsPerEntry := fs.dpb.RecordsPerEntry()
	extentsPerEntry := fs.dpb.EXM + 1
	for i := 0; i < entriesNeeded; i++ {
		e := rawEntry{User: byte(user)}
		copy(e.Name[:], common.PadName(base, 8))
		copy(e.Ext[:], common.PadName(ext, 3))

		remaining := records - i*recordsPerEntry
		if remaining >= recordsPerEntry {
			// Full entry: extent field sits at its last logical extent
			// and RC marks that extent full.
			e.setExtentNumber((i+1)*extentsPerEntry - 1)
			e.RC = 0x80
		} else {
			fullExtents := (remaining - 1) / recordsPerExtent
			e.setExtentNumber(i*extentsPerEntry + fullExtents)
			rc := remaining - fullExtents*recordsPerExtent
			if rc >= recordsPerExtent {
				e.RC = 0x80
			} else {
				e.RC = byte(rc)
			}
		}
		for p := 0; p < pointersPerEntry; p++ {
			blockIndex := i*pointersPerEntry + p
			if blockIndex >= len(blocks) {
				break
			}
			if fs.dpb.Use16BitPointers() {
				e.Alloc[p*2] = byte(blocks[blockIndex])
				e.Alloc[p*2+1] = byte(blocks[blockIndex] >> 8)
			} else {
				e.Alloc[p] = byte(blocks[blockIndex])
			}
		}
		fs.entries[freeSlots[i]] = e
	}
	if err := fs.flushDirectory(); err != nil {
		return err
	}
	fs.rebuildAllocation()
	return nil
}

func (fs *FS) freeSlots() []int {
	var out []int
	for i := range fs.entries {
		if fs.entries[i].User > maxUser {
			out = append(out, i)
		}
	}
	return out
}

// DeleteFile marks every extent deleted and frees its blocks.
func (fs *FS) DeleteFile(name string, user int) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	slots := fs.fileEntries(name, user)
	if len(slots) == 0 {
		return uerrors.ErrNotFound.WithMessage(name)
	}
	for _, slot := range slots {
		fs.entries[slot].User = deletedUser
	}
	if err := fs.flushDirectory(); err != nil {
		return err
	}
	fs.rebuildAllocation()
	return nil
}

// Rename rewrites the name fields of every extent.
func (fs *FS) Rename(oldName, newName string, user int) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	if existing := fs.fileEntries(newName, user); len(existing) > 0 {
		return uerrors.ErrExists.WithMessage(newName)
	}
	slots := fs.fileEntries(oldName, user)
	if len(slots) == 0 {
		return uerrors.ErrNotFound.WithMessage(oldName)
	}
	base, ext := common.SplitName(newName, 8, 3)
	for _, slot := range slots {
		e := &fs.entries[slot]
		attrs := [3]byte{e.Ext[0] & 0x80, e.Ext[1] & 0x80, e.Ext[2] & 0x80}
		copy(e.Name[:], common.PadName(base, 8))
		copy(e.Ext[:], common.PadName(ext, 3))
		for i := range e.Ext {
			e.Ext[i] |= attrs[i]
		}
	}
	return fs.flushDirectory()
}

// SetAttributes updates the attribute bits riding on the extension field.
func (fs *FS) SetAttributes(name string, attrs common.Attributes) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	// Attributes apply across every user area holding the name.
	found := false
	for user := 0; user <= maxUser; user++ {
		for _, slot := range fs.fileEntries(name, user) {
			e := &fs.entries[slot]
			e.Ext[0] = e.Ext[0]&0x7F | boolBit(attrs.ReadOnly)
			e.Ext[1] = e.Ext[1]&0x7F | boolBit(attrs.System || attrs.Hidden)
			e.Ext[2] = e.Ext[2]&0x7F | boolBit(attrs.Archived)
			found = true
		}
	}
	if !found {
		return uerrors.ErrNotFound.WithMessage(name)
	}
	return fs.flushDirectory()
}

func boolBit(b bool) byte {
	if b {
		return 0x80
	}
	return 0
}

// FreeSpace reports free and total data bytes.
func (fs *FS) FreeSpace() (int64, int64, error) {
	blockSize := int64(fs.dpb.BlockSize())
	total := int64(fs.dpb.DSM+1-fs.dpb.DirBlocks()) * blockSize
	free := int64(fs.alloc.FreeCount()) * blockSize
	return free, total, nil
}

// Format wipes the directory area to 0xE5 fill.
func (fs *FS) Format() error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	dirBytes := make([]byte, (fs.dpb.DRM+1)*dirEntrySize)
	for i := range dirBytes {
		dirBytes[i] = deletedUser
	}
	if err := fs.writeDataBytes(0, dirBytes); err != nil {
		return err
	}
	return fs.loadDirectory()
}
