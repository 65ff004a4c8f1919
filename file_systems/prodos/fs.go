// Package prodos implements Apple ProDOS volume access: 512-byte blocks,
// the volume directory chain starting at block 2, the volume bitmap, and
// seedling/sapling/tree file storage.
package prodos

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
	"github.com/floppykit/uft/file_systems/common"
)

const (
	blockSize      = 512
	volDirBlock    = 2
	entryLength    = 39
	entriesPerBlk  = 13

	storageDeleted  = 0x0
	storageSeedling = 0x1
	storageSapling  = 0x2
	storageTree     = 0x3
	storageVolume   = 0xF

	accessDestroy = 0x80
	accessRename  = 0x40
	accessWrite   = 0x02
	accessRead    = 0x01
	accessDefault = 0xC3
)

// FS is a ProDOS volume over a block-addressable image. Images whose
// sector size is 256 bytes (DO/PO order) pair consecutive sectors into
// blocks.
type FS struct {
	dev          *common.Device
	sectorsPerBk int
	totalBlocks  int
	volumeName   string
	bitmapBlock  int
	alloc        *common.Allocator
}

// New opens a ProDOS volume.
func New(img *uft.DiskImage) (*FS, error) {
	dev := common.NewDevice(img)
	secSize := dev.SectorSize()
	if blockSize%secSize != 0 {
		return nil, uerrors.ErrUnsupported.WithMessage("sector size does not divide 512")
	}
	fs := &FS{
		dev:          dev,
		sectorsPerBk: blockSize / secSize,
	}
	fs.totalBlocks = dev.TotalSectors() / fs.sectorsPerBk
	if err := fs.loadVolume(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FS) Name() string { return "prodos" }

// VolumeName returns the volume's directory name.
func (fs *FS) VolumeName() string { return fs.volumeName }

func (fs *FS) readBlock(n int) ([]byte, error) {
	if n < 0 || n >= fs.totalBlocks {
		return nil, uerrors.ErrCorrupt.WithMessage(fmt.Sprintf("block %d outside volume", n))
	}
	return fs.dev.ReadSectors(n*fs.sectorsPerBk, fs.sectorsPerBk)
}

func (fs *FS) writeBlock(n int, data []byte) error {
	if len(data) != blockSize {
		return uerrors.ErrInvalidParam.WithMessage("blocks are 512 bytes")
	}
	return fs.dev.WriteSectors(n*fs.sectorsPerBk, data)
}

func (fs *FS) loadVolume() error {
	dir, err := fs.readBlock(volDirBlock)
	if err != nil {
		return err
	}
	header := dir[4 : 4+entryLength]
	if header[0]>>4 != storageVolume {
		return uerrors.ErrFormat.AtOffset(volDirBlock*blockSize+4,
			"volume directory header has wrong storage type")
	}
	nameLen := int(header[0] & 0x0F)
	fs.volumeName = string(header[1 : 1+nameLen])
	fs.bitmapBlock = int(binary.LittleEndian.Uint16(header[0x23:0x25]))
	declared := int(binary.LittleEndian.Uint16(header[0x25:0x27]))
	if declared > 0 && declared <= fs.totalBlocks {
		fs.totalBlocks = declared
	}
	return fs.loadBitmap()
}

func (fs *FS) loadBitmap() error {
	fs.alloc = common.NewAllocator(fs.totalBlocks)
	blocksNeeded := (fs.totalBlocks + blockSize*8 - 1) / (blockSize * 8)
	block := 0
	for b := 0; b < blocksNeeded; b++ {
		data, err := fs.readBlock(fs.bitmapBlock + b)
		if err != nil {
			return err
		}
		for _, by := range data {
			for bit := 7; bit >= 0 && block < fs.totalBlocks; bit-- {
				free := by&(1<<uint(bit)) != 0
				fs.alloc.Set(block, !free)
				block++
			}
		}
	}
	return nil
}

func (fs *FS) flushBitmap() error {
	blocksNeeded := (fs.totalBlocks + blockSize*8 - 1) / (blockSize * 8)
	block := 0
	for b := 0; b < blocksNeeded; b++ {
		buf := make([]byte, blockSize)
		for i := range buf {
			var by byte
			for bit := 7; bit >= 0; bit-- {
				if block < fs.totalBlocks && !fs.alloc.InUse(block) {
					by |= 1 << uint(bit)
				}
				block++
			}
			buf[i] = by
		}
		if err := fs.writeBlock(fs.bitmapBlock+b, buf); err != nil {
			return err
		}
	}
	return nil
}

type dirSlot struct {
	block, index int
	entry        []byte
}

// walkDirectory visits every file entry of the volume directory chain.
func (fs *FS) walkDirectory(visit func(slot dirSlot) (bool, error)) error {
	block := volDirBlock
	first := true
	for steps := 0; block != 0; steps++ {
		if steps > fs.totalBlocks {
			return uerrors.ErrCorrupt.WithMessage("directory chain loops")
		}
		data, err := fs.readBlock(block)
		if err != nil {
			return err
		}
		start := 0
		if first {
			start = 1 // slot zero is the volume header
			first = false
		}
		for i := start; i < entriesPerBlk; i++ {
			offset := 4 + i*entryLength
			if offset+entryLength > len(data) {
				break
			}
			stop, err := visit(dirSlot{block: block, index: i, entry: data[offset : offset+entryLength]})
			if err != nil || stop {
				return err
			}
		}
		block = int(binary.LittleEndian.Uint16(data[2:4]))
	}
	return nil
}

func entryName(entry []byte) string {
	nameLen := int(entry[0] & 0x0F)
	return string(entry[1 : 1+nameLen])
}

func (fs *FS) describe(slot dirSlot) common.FileInfo {
	entry := slot.entry
	eof := int(entry[0x15]) | int(entry[0x16])<<8 | int(entry[0x17])<<16
	access := entry[0x1E]
	return common.FileInfo{
		Name:        entryName(entry),
		Extension:   fmt.Sprintf("$%02X", entry[0x10]),
		SizeBytes:   int64(eof),
		RecordCount: (eof + blockSize - 1) / blockSize,
		BlockCount:  int(binary.LittleEndian.Uint16(entry[0x13:0x15])),
		FirstExtent: int(binary.LittleEndian.Uint16(entry[0x11:0x13])),
		Attributes: common.Attributes{
			ReadOnly: access&accessWrite == 0,
			Locked:   access&(accessDestroy|accessRename|accessWrite) == 0,
		},
		UserNumber: -1,
	}
}

// ListDirectory enumerates the volume directory.
func (fs *FS) ListDirectory() ([]common.FileInfo, error) {
	var out []common.FileInfo
	err := fs.walkDirectory(func(slot dirSlot) (bool, error) {
		if slot.entry[0]>>4 == storageDeleted {
			return false, nil
		}
		out = append(out, fs.describe(slot))
		return false, nil
	})
	return out, err
}

// Find locates a file in the volume directory.
func (fs *FS) Find(name string, user int) (*common.FileInfo, error) {
	var found *common.FileInfo
	err := fs.walkDirectory(func(slot dirSlot) (bool, error) {
		if slot.entry[0]>>4 == storageDeleted {
			return false, nil
		}
		if common.NamesEqual(entryName(slot.entry), name) {
			info := fs.describe(slot)
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

// dataBlocks resolves a file's block list according to its storage type.
func (fs *FS) dataBlocks(storage int, keyBlock, blocksUsed int) ([]int, error) {
	switch storage {
	case storageSeedling:
		return []int{keyBlock}, nil
	case storageSapling:
		index, err := fs.readBlock(keyBlock)
		if err != nil {
			return nil, err
		}
		return fs.indexEntries(index, 256)
	case storageTree:
		master, err := fs.readBlock(keyBlock)
		if err != nil {
			return nil, err
		}
		indexes, err := fs.indexEntries(master, 128)
		if err != nil {
			return nil, err
		}
		var out []int
		for _, idx := range indexes {
			if idx == 0 {
				out = append(out, 0)
				continue
			}
			index, err := fs.readBlock(idx)
			if err != nil {
				return nil, err
			}
			blocks, err := fs.indexEntries(index, 256)
			if err != nil {
				return nil, err
			}
			out = append(out, blocks...)
		}
		return out, nil
	default:
		return nil, uerrors.ErrUnsupported.WithMessage(fmt.Sprintf(
			"storage type %d", storage))
	}
}

// indexEntries decodes a ProDOS index block: low bytes first, high bytes
// in the second half. Trailing zero pointers are trimmed.
func (fs *FS) indexEntries(index []byte, max int) ([]int, error) {
	var out []int
	for i := 0; i < max; i++ {
		block := int(index[i]) | int(index[256+i])<<8
		out = append(out, block)
	}
	for len(out) > 0 && out[len(out)-1] == 0 {
		out = out[:len(out)-1]
	}
	for _, b := range out {
		if b >= fs.totalBlocks {
			return nil, uerrors.ErrCorrupt.WithMessage("index points outside the volume")
		}
	}
	return out, nil
}

// ReadFile reads a file's blocks up to its EOF. Sparse blocks (pointer 0)
// read as zeros.
func (fs *FS) ReadFile(info *common.FileInfo) ([]byte, error) {
	var storage int
	found := false
	err := fs.walkDirectory(func(slot dirSlot) (bool, error) {
		if slot.entry[0]>>4 == storageDeleted {
			return false, nil
		}
		if common.NamesEqual(entryName(slot.entry), info.Name) {
			storage = int(slot.entry[0] >> 4)
			found = true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, uerrors.ErrNotFound.WithMessage(info.Name)
	}

	blocks, err := fs.dataBlocks(storage, info.FirstExtent, info.BlockCount)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, b := range blocks {
		if b == 0 {
			out = append(out, make([]byte, blockSize)...)
			continue
		}
		data, err := fs.readBlock(b)
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

// WriteFile stores a file as a seedling or sapling; payloads beyond one
// index block (128 KB) are refused with ErrUnsupported, since tree files
// are read but not written.
func (fs *FS) WriteFile(name string, user int, data []byte) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	if len(name) > 15 {
		return uerrors.ErrInvalidParam.WithMessage("ProDOS names are at most 15 characters")
	}
	if _, err := fs.Find(name, user); err == nil {
		if err := fs.DeleteFile(name, user); err != nil {
			return err
		}
	}

	dataBlocks := (len(data) + blockSize - 1) / blockSize
	if dataBlocks == 0 {
		dataBlocks = 1
	}
	if dataBlocks > 256 {
		return uerrors.ErrUnsupported.WithMessage("tree files are read-only in this release")
	}

	storage := storageSeedling
	overhead := 0
	if dataBlocks > 1 {
		storage = storageSapling
		overhead = 1
	}
	if fs.alloc.FreeCount() < dataBlocks+overhead {
		return uerrors.ErrDiskFull.WithMessage(fmt.Sprintf(
			"%d blocks needed, %d free", dataBlocks+overhead, fs.alloc.FreeCount()))
	}

	blocks := make([]int, dataBlocks)
	for i := range blocks {
		b, err := fs.alloc.Allocate(fs.bitmapBlock + 1)
		if err != nil {
			return err
		}
		blocks[i] = b
		buf := make([]byte, blockSize)
		chunk := data[i*blockSize:]
		if len(chunk) > blockSize {
			chunk = chunk[:blockSize]
		}
		copy(buf, chunk)
		if err := fs.writeBlock(b, buf); err != nil {
			return err
		}
	}

	keyBlock := blocks[0]
	if storage == storageSapling {
		idx, err := fs.alloc.Allocate(fs.bitmapBlock + 1)
		if err != nil {
			return err
		}
		index := make([]byte, blockSize)
		for i, b := range blocks {
			index[i] = byte(b)
			index[256+i] = byte(b >> 8)
		}
		if err := fs.writeBlock(idx, index); err != nil {
			return err
		}
		keyBlock = idx
	}

	// Claim a directory slot.
	var slotFound *dirSlot
	err := fs.walkDirectory(func(slot dirSlot) (bool, error) {
		if slot.entry[0]>>4 == storageDeleted {
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
		return uerrors.ErrDirFull.WithMessage("volume directory is full")
	}

	dirData, err := fs.readBlock(slotFound.block)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), dirData...)
	entry := buf[4+slotFound.index*entryLength : 4+(slotFound.index+1)*entryLength]
	for i := range entry {
		entry[i] = 0
	}
	upper := strings.ToUpper(name)
	entry[0] = byte(storage)<<4 | byte(len(upper))
	copy(entry[1:16], upper)
	entry[0x10] = 0x06 // BIN
	binary.LittleEndian.PutUint16(entry[0x11:0x13], uint16(keyBlock))
	binary.LittleEndian.PutUint16(entry[0x13:0x15], uint16(dataBlocks+overhead))
	entry[0x15] = byte(len(data))
	entry[0x16] = byte(len(data) >> 8)
	entry[0x17] = byte(len(data) >> 16)
	entry[0x1E] = accessDefault
	binary.LittleEndian.PutUint16(entry[0x25:0x27], volDirBlock)
	if err := fs.writeBlock(slotFound.block, buf); err != nil {
		return err
	}

	// Bump the header's file count.
	if err := fs.adjustFileCount(1); err != nil {
		return err
	}
	return fs.flushBitmap()
}

func (fs *FS) adjustFileCount(delta int) error {
	dir, err := fs.readBlock(volDirBlock)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), dir...)
	header := buf[4 : 4+entryLength]
	count := int(binary.LittleEndian.Uint16(header[0x21:0x23])) + delta
	if count < 0 {
		count = 0
	}
	binary.LittleEndian.PutUint16(header[0x21:0x23], uint16(count))
	return fs.writeBlock(volDirBlock, buf)
}

// DeleteFile frees the file's blocks and zeroes its storage type.
func (fs *FS) DeleteFile(name string, user int) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	deleted := false
	err := fs.walkDirectory(func(slot dirSlot) (bool, error) {
		if slot.entry[0]>>4 == storageDeleted ||
			!common.NamesEqual(entryName(slot.entry), name) {
			return false, nil
		}
		storage := int(slot.entry[0] >> 4)
		keyBlock := int(binary.LittleEndian.Uint16(slot.entry[0x11:0x13]))
		blocks, err := fs.dataBlocks(storage, keyBlock, 0)
		if err == nil {
			for _, b := range blocks {
				if b != 0 {
					fs.alloc.Set(b, false)
				}
			}
			if storage != storageSeedling {
				fs.alloc.Set(keyBlock, false)
			}
			if storage == storageTree {
				master, err := fs.readBlock(keyBlock)
				if err == nil {
					indexes, _ := fs.indexEntries(master, 128)
					for _, idx := range indexes {
						if idx != 0 {
							fs.alloc.Set(idx, false)
						}
					}
				}
			}
		}

		dirData, err := fs.readBlock(slot.block)
		if err != nil {
			return false, err
		}
		buf := append([]byte(nil), dirData...)
		buf[4+slot.index*entryLength] = 0
		deleted = true
		return true, fs.writeBlock(slot.block, buf)
	})
	if err != nil {
		return err
	}
	if !deleted {
		return uerrors.ErrNotFound.WithMessage(name)
	}
	if err := fs.adjustFileCount(-1); err != nil {
		return err
	}
	return fs.flushBitmap()
}

// Rename rewrites the entry's name field.
func (fs *FS) Rename(oldName, newName string, user int) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	if len(newName) > 15 {
		return uerrors.ErrInvalidParam.WithMessage("ProDOS names are at most 15 characters")
	}
	if _, err := fs.Find(newName, user); err == nil {
		return uerrors.ErrExists.WithMessage(newName)
	}
	renamed := false
	err := fs.walkDirectory(func(slot dirSlot) (bool, error) {
		if slot.entry[0]>>4 == storageDeleted ||
			!common.NamesEqual(entryName(slot.entry), oldName) {
			return false, nil
		}
		dirData, err := fs.readBlock(slot.block)
		if err != nil {
			return false, err
		}
		buf := append([]byte(nil), dirData...)
		entry := buf[4+slot.index*entryLength:]
		upper := strings.ToUpper(newName)
		entry[0] = entry[0]&0xF0 | byte(len(upper))
		for i := 0; i < 15; i++ {
			c := byte(0)
			if i < len(upper) {
				c = upper[i]
			}
			entry[1+i] = c
		}
		renamed = true
		return true, fs.writeBlock(slot.block, buf)
	})
	if err != nil {
		return err
	}
	if !renamed {
		return uerrors.ErrNotFound.WithMessage(oldName)
	}
	return nil
}

// SetAttributes maps ReadOnly/Locked onto the access byte.
func (fs *FS) SetAttributes(name string, attrs common.Attributes) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	updated := false
	err := fs.walkDirectory(func(slot dirSlot) (bool, error) {
		if slot.entry[0]>>4 == storageDeleted ||
			!common.NamesEqual(entryName(slot.entry), name) {
			return false, nil
		}
		dirData, err := fs.readBlock(slot.block)
		if err != nil {
			return false, err
		}
		buf := append([]byte(nil), dirData...)
		entry := buf[4+slot.index*entryLength:]
		access := byte(accessDefault)
		if attrs.ReadOnly || attrs.Locked {
			access = accessRead
		}
		entry[0x1E] = access
		updated = true
		return true, fs.writeBlock(slot.block, buf)
	})
	if err != nil {
		return err
	}
	if !updated {
		return uerrors.ErrNotFound.WithMessage(name)
	}
	return nil
}

// FreeSpace reports the bitmap's view.
func (fs *FS) FreeSpace() (int64, int64, error) {
	return int64(fs.alloc.FreeCount()) * blockSize,
		int64(fs.totalBlocks) * blockSize, nil
}

// Format writes a fresh volume directory and bitmap.
func (fs *FS) Format() error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	name := fs.volumeName
	if name == "" {
		name = "UNTITLED"
	}
	bitmapBlocks := (fs.totalBlocks + blockSize*8 - 1) / (blockSize * 8)
	fs.bitmapBlock = volDirBlock + 4

	// Four directory blocks chained 2 -> 3 -> 4 -> 5.
	for b := 0; b < 4; b++ {
		buf := make([]byte, blockSize)
		if b > 0 {
			binary.LittleEndian.PutUint16(buf[0:2], uint16(volDirBlock+b-1))
		}
		if b < 3 {
			binary.LittleEndian.PutUint16(buf[2:4], uint16(volDirBlock+b+1))
		}
		if b == 0 {
			header := buf[4 : 4+entryLength]
			header[0] = storageVolume<<4 | byte(len(name))
			copy(header[1:16], strings.ToUpper(name))
			header[0x1F] = entryLength
			header[0x20] = entriesPerBlk
			binary.LittleEndian.PutUint16(header[0x23:0x25], uint16(fs.bitmapBlock))
			binary.LittleEndian.PutUint16(header[0x25:0x27], uint16(fs.totalBlocks))
		}
		if err := fs.writeBlock(volDirBlock+b, buf); err != nil {
			return err
		}
	}

	fs.alloc = common.NewAllocator(fs.totalBlocks)
	for b := 0; b < volDirBlock+4+bitmapBlocks; b++ {
		fs.alloc.Set(b, true)
	}
	fs.volumeName = strings.ToUpper(name)
	return fs.flushBitmap()
}
