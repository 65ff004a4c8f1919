// Package ataridos implements Atari DOS 2.x filesystem access: the sector
// 360 VTOC bitmap, the eight-sector directory at 361, and the three-byte
// sector links that chain file data together.
package ataridos

import (
	"encoding/binary"
	"fmt"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
	"github.com/floppykit/uft/file_systems/common"
)

const (
	vtocSector      = 360
	dirFirstSector  = 361
	dirSectorCount  = 8
	dirEntrySize    = 16
	dirEntriesTotal = dirSectorCount * 8

	flagDeleted = 0x80
	flagInUse   = 0x40
	flagLocked  = 0x20
	flagDOS2    = 0x02

	// Data bytes per sector: the last three bytes are the link.
	linkBytes = 3
)

// FS is an Atari DOS filesystem over a single-density or enhanced-density
// image.
type FS struct {
	dev        *common.Device
	sectorSize int
	dataBytes  int
	totalSecs  int
	alloc      *common.Allocator
}

// New opens an Atari DOS filesystem. The image is expected to use 1-based
// sector numbering, 128- or 256-byte sectors.
func New(img *uft.DiskImage) (*FS, error) {
	dev := common.NewDevice(img)
	size := dev.SectorSize()
	if size != 128 && size != 256 {
		return nil, uerrors.ErrUnsupported.WithMessage(fmt.Sprintf(
			"Atari DOS uses 128- or 256-byte sectors, image has %d", size))
	}
	total := dev.TotalSectors()
	if total < dirFirstSector+dirSectorCount {
		return nil, uerrors.ErrFormat.WithMessage("image too small for an Atari DOS directory")
	}
	fs := &FS{
		dev:        dev,
		sectorSize: size,
		dataBytes:  size - linkBytes,
		totalSecs:  total,
	}
	if err := fs.loadVTOC(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FS) Name() string { return "ataridos" }

// sector reads a 1-based sector number.
func (fs *FS) sector(num int) ([]byte, error) {
	return fs.dev.ReadSector(num - 1)
}

func (fs *FS) writeSector(num int, data []byte) error {
	return fs.dev.WriteSector(num-1, data)
}

// loadVTOC pulls the sector bitmap into the allocator. A set VTOC bit
// means the sector is free, the inverse of the allocator's convention.
func (fs *FS) loadVTOC() error {
	vtoc, err := fs.sector(vtocSector)
	if err != nil {
		return err
	}
	fs.alloc = common.NewAllocator(fs.totalSecs + 1)
	for sec := 0; sec <= fs.totalSecs; sec++ {
		byteIndex := 10 + sec/8
		if byteIndex >= len(vtoc) {
			fs.alloc.Set(sec, true)
			continue
		}
		free := vtoc[byteIndex]&(0x80>>uint(sec%8)) != 0
		fs.alloc.Set(sec, !free)
	}
	// Sector 0 does not exist on the medium; boot and system sectors are
	// marked used by the bitmap itself.
	fs.alloc.Set(0, true)
	return nil
}

// flushVTOC serializes the allocator back to sector 360, updating the
// free-sector count.
func (fs *FS) flushVTOC() error {
	vtoc, err := fs.sector(vtocSector)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), vtoc...)
	free := 0
	for sec := 0; sec <= fs.totalSecs; sec++ {
		byteIndex := 10 + sec/8
		if byteIndex >= len(buf) {
			continue
		}
		mask := byte(0x80 >> uint(sec%8))
		if fs.alloc.InUse(sec) {
			buf[byteIndex] &^= mask
		} else {
			buf[byteIndex] |= mask
			free++
		}
	}
	binary.LittleEndian.PutUint16(buf[3:5], uint16(free))
	return fs.writeSector(vtocSector, buf)
}

// FreeSectors reports the current free-sector count from the bitmap.
func (fs *FS) FreeSectors() int {
	return fs.alloc.FreeCount()
}

type dirSlot struct {
	sector int // 1-based directory sector
	index  int // entry within the sector
	entry  []byte
}

func (fs *FS) walkDirectory(visit func(slot dirSlot, fileNo int) (bool, error)) error {
	fileNo := 0
	for s := 0; s < dirSectorCount; s++ {
		data, err := fs.sector(dirFirstSector + s)
		if err != nil {
			return err
		}
		for i := 0; i < len(data)/dirEntrySize && i < 8; i++ {
			entry := data[i*dirEntrySize : (i+1)*dirEntrySize]
			stop, err := visit(dirSlot{sector: dirFirstSector + s, index: i, entry: entry}, fileNo)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
			fileNo++
		}
	}
	return nil
}

func entryName(entry []byte) string {
	name := string(trimSpaces(entry[5:13]))
	ext := string(trimSpaces(entry[13:16]))
	if ext == "" {
		return name
	}
	return name + "." + ext
}

func trimSpaces(b []byte) []byte {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return b[:end]
}

func (fs *FS) describe(entry []byte) common.FileInfo {
	name := trimSpaces(entry[5:13])
	ext := trimSpaces(entry[13:16])
	sectors := int(binary.LittleEndian.Uint16(entry[1:3]))
	return common.FileInfo{
		Name:        string(name),
		Extension:   string(ext),
		SizeBytes:   int64(sectors) * int64(fs.dataBytes),
		BlockCount:  sectors,
		RecordCount: sectors,
		FirstExtent: int(binary.LittleEndian.Uint16(entry[3:5])),
		Attributes:  common.Attributes{Locked: entry[0]&flagLocked != 0},
		UserNumber:  -1,
	}
}

// ListDirectory enumerates live files.
func (fs *FS) ListDirectory() ([]common.FileInfo, error) {
	var out []common.FileInfo
	err := fs.walkDirectory(func(slot dirSlot, fileNo int) (bool, error) {
		flags := slot.entry[0]
		if flags == 0 {
			return true, nil // end of directory
		}
		if flags&flagDeleted != 0 || flags&flagInUse == 0 {
			return false, nil
		}
		info := fs.describe(slot.entry)
		info.SizeBytes = 0 // recomputed below from the chain
		size, err := fs.chainSize(&info)
		if err == nil {
			info.SizeBytes = size
		}
		out = append(out, info)
		return false, nil
	})
	return out, err
}

// chainSize walks a file's sector chain summing the bytes-used counts.
func (fs *FS) chainSize(info *common.FileInfo) (int64, error) {
	var size int64
	sector := info.FirstExtent
	for steps := 0; sector != 0; steps++ {
		if steps > fs.totalSecs {
			return size, uerrors.ErrCorrupt.WithMessage("sector chain loops")
		}
		data, err := fs.sector(sector)
		if err != nil {
			return size, err
		}
		used := int(data[fs.sectorSize-1])
		size += int64(used)
		sector = fs.nextInChain(data)
	}
	return size, nil
}

func (fs *FS) nextInChain(sectorData []byte) int {
	hi := int(sectorData[fs.sectorSize-3] & 0x03)
	lo := int(sectorData[fs.sectorSize-2])
	return hi<<8 | lo
}

// Find locates a file by name. Atari DOS has no user areas; user is
// ignored.
func (fs *FS) Find(name string, user int) (*common.FileInfo, error) {
	var found *common.FileInfo
	err := fs.walkDirectory(func(slot dirSlot, fileNo int) (bool, error) {
		flags := slot.entry[0]
		if flags == 0 {
			return true, nil
		}
		if flags&flagDeleted != 0 || flags&flagInUse == 0 {
			return false, nil
		}
		if common.NamesEqual(entryName(slot.entry), name) {
			info := fs.describe(slot.entry)
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

// ReadFile walks the chain returning exactly the bytes the link trailers
// declare used.
func (fs *FS) ReadFile(info *common.FileInfo) ([]byte, error) {
	var out []byte
	sector := info.FirstExtent
	for steps := 0; sector != 0; steps++ {
		if steps > fs.totalSecs {
			return nil, uerrors.ErrCorrupt.WithMessage("sector chain loops")
		}
		data, err := fs.sector(sector)
		if err != nil {
			return nil, err
		}
		used := int(data[fs.sectorSize-1])
		if used > fs.dataBytes {
			used = fs.dataBytes
		}
		out = append(out, data[:used]...)
		sector = fs.nextInChain(data)
	}
	return out, nil
}

// WriteFile creates or replaces a file, consuming ceil(len/dataBytes)
// sectors and linking them with the file number in each trailer.
func (fs *FS) WriteFile(name string, user int, data []byte) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	if _, err := fs.Find(name, user); err == nil {
		if err := fs.DeleteFile(name, user); err != nil {
			return err
		}
	}

	sectorsNeeded := (len(data) + fs.dataBytes - 1) / fs.dataBytes
	if sectorsNeeded == 0 {
		sectorsNeeded = 1
	}
	if sectorsNeeded > fs.alloc.FreeCount() {
		return uerrors.ErrDiskFull.WithMessage(fmt.Sprintf(
			"%d sectors needed, %d free", sectorsNeeded, fs.alloc.FreeCount()))
	}

	// Claim a directory slot first.
	slotSector, slotIndex, fileNo, err := fs.findFreeSlot()
	if err != nil {
		return err
	}

	// Allocate the chain.
	sectors := make([]int, 0, sectorsNeeded)
	cursor := 1
	for i := 0; i < sectorsNeeded; i++ {
		sec, err := fs.alloc.Allocate(cursor)
		if err != nil {
			return err
		}
		cursor = sec + 1
		sectors = append(sectors, sec)
	}

	for i, sec := range sectors {
		buf := make([]byte, fs.sectorSize)
		chunk := data[i*fs.dataBytes:]
		if len(chunk) > fs.dataBytes {
			chunk = chunk[:fs.dataBytes]
		}
		copy(buf, chunk)
		next := 0
		if i+1 < len(sectors) {
			next = sectors[i+1]
		}
		buf[fs.sectorSize-3] = byte(fileNo<<2) | byte(next>>8)
		buf[fs.sectorSize-2] = byte(next)
		buf[fs.sectorSize-1] = byte(len(chunk))
		if err := fs.writeSector(sec, buf); err != nil {
			return err
		}
	}

	// Write the directory entry.
	dirData, err := fs.sector(slotSector)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), dirData...)
	entry := buf[slotIndex*dirEntrySize : (slotIndex+1)*dirEntrySize]
	base, ext := common.SplitName(name, 8, 3)
	entry[0] = flagInUse | flagDOS2
	binary.LittleEndian.PutUint16(entry[1:3], uint16(len(sectors)))
	binary.LittleEndian.PutUint16(entry[3:5], uint16(sectors[0]))
	copy(entry[5:13], common.PadName(base, 8))
	copy(entry[13:16], common.PadName(ext, 3))
	if err := fs.writeSector(slotSector, buf); err != nil {
		return err
	}
	return fs.flushVTOC()
}

func (fs *FS) findFreeSlot() (sector, index, fileNo int, err error) {
	sector, index, fileNo = -1, -1, -1
	walkErr := fs.walkDirectory(func(slot dirSlot, no int) (bool, error) {
		flags := slot.entry[0]
		if flags == 0 || flags&flagDeleted != 0 {
			sector, index, fileNo = slot.sector, slot.index, no
			return true, nil
		}
		return false, nil
	})
	if walkErr != nil {
		return 0, 0, 0, walkErr
	}
	if sector < 0 {
		return 0, 0, 0, uerrors.ErrDirFull.WithMessage("all 64 directory entries are in use")
	}
	return sector, index, fileNo, nil
}

// DeleteFile frees the chain and flags the entry deleted.
func (fs *FS) DeleteFile(name string, user int) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	info, err := fs.Find(name, user)
	if err != nil {
		return err
	}

	sector := info.FirstExtent
	for steps := 0; sector != 0; steps++ {
		if steps > fs.totalSecs {
			break
		}
		data, readErr := fs.sector(sector)
		if readErr != nil {
			return readErr
		}
		next := fs.nextInChain(data)
		if freeErr := fs.alloc.Free(sector); freeErr != nil {
			// A doubly-referenced sector: keep going, the bitmap wins.
			_ = freeErr
		}
		sector = next
	}

	err = fs.walkDirectory(func(slot dirSlot, fileNo int) (bool, error) {
		if slot.entry[0] == 0 {
			return true, nil
		}
		if slot.entry[0]&flagDeleted == 0 && common.NamesEqual(entryName(slot.entry), name) {
			dirData, readErr := fs.sector(slot.sector)
			if readErr != nil {
				return false, readErr
			}
			buf := append([]byte(nil), dirData...)
			buf[slot.index*dirEntrySize] = flagDeleted
			if writeErr := fs.writeSector(slot.sector, buf); writeErr != nil {
				return false, writeErr
			}
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	return fs.flushVTOC()
}

// Rename rewrites the entry's name fields in place.
func (fs *FS) Rename(oldName, newName string, user int) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	if _, err := fs.Find(newName, user); err == nil {
		return uerrors.ErrExists.WithMessage(newName)
	}
	renamed := false
	err := fs.walkDirectory(func(slot dirSlot, fileNo int) (bool, error) {
		if slot.entry[0] == 0 {
			return true, nil
		}
		if slot.entry[0]&flagDeleted != 0 || slot.entry[0]&flagInUse == 0 {
			return false, nil
		}
		if !common.NamesEqual(entryName(slot.entry), oldName) {
			return false, nil
		}
		dirData, err := fs.sector(slot.sector)
		if err != nil {
			return false, err
		}
		buf := append([]byte(nil), dirData...)
		entry := buf[slot.index*dirEntrySize : (slot.index+1)*dirEntrySize]
		base, ext := common.SplitName(newName, 8, 3)
		copy(entry[5:13], common.PadName(base, 8))
		copy(entry[13:16], common.PadName(ext, 3))
		renamed = true
		return true, fs.writeSector(slot.sector, buf)
	})
	if err != nil {
		return err
	}
	if !renamed {
		return uerrors.ErrNotFound.WithMessage(oldName)
	}
	return nil
}

// SetAttributes maps Locked onto the DOS 2 lock flag.
func (fs *FS) SetAttributes(name string, attrs common.Attributes) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	updated := false
	err := fs.walkDirectory(func(slot dirSlot, fileNo int) (bool, error) {
		if slot.entry[0] == 0 {
			return true, nil
		}
		if slot.entry[0]&flagDeleted != 0 || !common.NamesEqual(entryName(slot.entry), name) {
			return false, nil
		}
		dirData, err := fs.sector(slot.sector)
		if err != nil {
			return false, err
		}
		buf := append([]byte(nil), dirData...)
		if attrs.Locked || attrs.ReadOnly {
			buf[slot.index*dirEntrySize] |= flagLocked
		} else {
			buf[slot.index*dirEntrySize] &^= flagLocked
		}
		updated = true
		return true, fs.writeSector(slot.sector, buf)
	})
	if err != nil {
		return err
	}
	if !updated {
		return uerrors.ErrNotFound.WithMessage(name)
	}
	return nil
}

// FreeSpace reports free and total payload capacity.
func (fs *FS) FreeSpace() (int64, int64, error) {
	free := int64(fs.alloc.FreeCount()) * int64(fs.dataBytes)
	total := int64(fs.totalSecs) * int64(fs.dataBytes)
	return free, total, nil
}

// Format writes a fresh VTOC and empty directory.
func (fs *FS) Format() error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	vtoc := make([]byte, fs.sectorSize)
	vtoc[0] = 2 // DOS 2.0 signature
	binary.LittleEndian.PutUint16(vtoc[1:3], uint16(fs.totalSecs-12))
	fs.alloc = common.NewAllocator(fs.totalSecs + 1)
	// Sectors 1-3 boot, 360-368 VTOC and directory; everything else free.
	for sec := 1; sec <= 3; sec++ {
		fs.alloc.Set(sec, true)
	}
	for sec := vtocSector; sec < dirFirstSector+dirSectorCount; sec++ {
		fs.alloc.Set(sec, true)
	}
	fs.alloc.Set(0, true)
	if err := fs.writeSector(vtocSector, vtoc); err != nil {
		return err
	}
	empty := make([]byte, fs.sectorSize)
	for s := 0; s < dirSectorCount; s++ {
		if err := fs.writeSector(dirFirstSector+s, empty); err != nil {
			return err
		}
	}
	return fs.flushVTOC()
}
