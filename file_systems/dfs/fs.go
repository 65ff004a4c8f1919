// Package dfs implements Acorn DFS catalogs as used on BBC Micro SSD/DSD
// images: a two-sector catalog per side, contiguous file storage, and
// 18-bit load/exec addresses packed into the catalog's extra-bits byte.
package dfs

import (
	"fmt"
	"sort"
	"strings"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
	"github.com/floppykit/uft/file_systems/common"
)

const (
	sectorSize  = 256
	maxFiles    = 31
	entrySize   = 8
	defaultDir  = '$'
)

// entry is one decoded catalog slot.
type entry struct {
	Name      string
	Dir       byte
	Locked    bool
	Load      uint32
	Exec      uint32
	Length    int
	StartSec  int
}

// FS is a DFS catalog over one side of a disk image.
type FS struct {
	dev     *common.Device
	side    int
	title   string
	boot    int
	total   int // total sectors on this side, from the catalog
	entries []entry
}

// New opens the catalog on the given side (head) of the image.
func New(img *uft.DiskImage, side int) (*FS, error) {
	dev := common.NewDevice(img)
	if dev.SectorSize() != sectorSize {
		return nil, uerrors.ErrUnsupported.WithMessage("DFS images use 256-byte sectors")
	}
	if side < 0 || side >= img.Geometry.Heads {
		return nil, uerrors.ErrInvalidParam.WithMessage(fmt.Sprintf("no side %d on this image", side))
	}
	fs := &FS{dev: dev, side: side}
	if err := fs.loadCatalog(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FS) Name() string { return "dfs" }

// Title returns the volume title.
func (fs *FS) Title() string { return fs.title }

// BootOption returns the *OPT 4 boot option bits.
func (fs *FS) BootOption() int { return fs.boot }

// sideSector maps a side-local sector number to a device logical sector.
// DFS sides are whole surfaces: sector n of side s lives on cylinder
// n/spt, head s.
func (fs *FS) sideSector(n int) int {
	g := fs.dev.Geometry()
	track := n / g.SectorsPerTrack
	return track*g.Heads*g.SectorsPerTrack + fs.side*g.SectorsPerTrack + n%g.SectorsPerTrack
}

func (fs *FS) readSector(n int) ([]byte, error) {
	return fs.dev.ReadSector(fs.sideSector(n))
}

func (fs *FS) writeSector(n int, data []byte) error {
	return fs.dev.WriteSector(fs.sideSector(n), data)
}

func (fs *FS) loadCatalog() error {
	s0, err := fs.readSector(0)
	if err != nil {
		return err
	}
	s1, err := fs.readSector(1)
	if err != nil {
		return err
	}

	fs.title = strings.TrimRight(string(s0[0:8])+string(s1[0:4]), " \x00")
	count := int(s1[5]) / entrySize
	fs.boot = int(s1[6]>>4) & 0x03
	fs.total = int(s1[7]) | int(s1[6]&0x03)<<8

	fs.entries = fs.entries[:0]
	for i := 0; i < count && i < maxFiles; i++ {
		nameField := s0[8+i*entrySize : 8+(i+1)*entrySize]
		infoField := s1[8+i*entrySize : 8+(i+1)*entrySize]

		extra := infoField[6]
		e := entry{
			Name:     strings.TrimRight(string(clearTopBits(nameField[0:7])), " "),
			Dir:      nameField[7] & 0x7F,
			Locked:   nameField[7]&0x80 != 0,
			Load:     uint32(infoField[0]) | uint32(infoField[1])<<8 | uint32(extra&0x0C)<<14,
			Exec:     uint32(infoField[2]) | uint32(infoField[3])<<8 | uint32(extra&0xC0)<<10,
			Length:   int(infoField[4]) | int(infoField[5])<<8 | int(extra&0x30)<<12,
			StartSec: int(infoField[7]) | int(extra&0x03)<<8,
		}
		fs.entries = append(fs.entries, e)
	}
	return nil
}

func clearTopBits(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] & 0x7F
	}
	return out
}

func (fs *FS) flushCatalog() error {
	s0 := make([]byte, sectorSize)
	s1 := make([]byte, sectorSize)

	title := common.PadName(fs.title, 12)
	copy(s0[0:8], title[0:8])
	copy(s1[0:4], title[8:12])
	s1[5] = byte(len(fs.entries) * entrySize)
	s1[6] = byte(fs.boot<<4) | byte(fs.total>>8)&0x03
	s1[7] = byte(fs.total)

	for i, e := range fs.entries {
		nameField := s0[8+i*entrySize : 8+(i+1)*entrySize]
		infoField := s1[8+i*entrySize : 8+(i+1)*entrySize]
		copy(nameField[0:7], common.PadName(e.Name, 7))
		dir := e.Dir
		if dir == 0 {
			dir = defaultDir
		}
		if e.Locked {
			dir |= 0x80
		}
		nameField[7] = dir

		infoField[0] = byte(e.Load)
		infoField[1] = byte(e.Load >> 8)
		infoField[2] = byte(e.Exec)
		infoField[3] = byte(e.Exec >> 8)
		infoField[4] = byte(e.Length)
		infoField[5] = byte(e.Length >> 8)
		infoField[6] = byte(e.StartSec>>8)&0x03 |
			byte(e.Load>>14)&0x0C |
			byte(e.Length>>12)&0x30 |
			byte(e.Exec>>10)&0xC0
		infoField[7] = byte(e.StartSec)
	}
	if err := fs.writeSector(0, s0); err != nil {
		return err
	}
	return fs.writeSector(1, s1)
}

func (fs *FS) describe(e *entry) common.FileInfo {
	sectors := (e.Length + sectorSize - 1) / sectorSize
	return common.FileInfo{
		Name:        string(e.Dir) + "." + e.Name,
		SizeBytes:   int64(e.Length),
		RecordCount: sectors,
		BlockCount:  sectors,
		FirstExtent: e.StartSec,
		Attributes:  common.Attributes{Locked: e.Locked, ReadOnly: e.Locked},
		UserNumber:  -1,
		LoadAddress: e.Load,
		ExecAddress: e.Exec,
	}
}

// splitDFSName separates the directory character from the name; a bare
// name lands in directory '$'.
func splitDFSName(name string) (byte, string) {
	if len(name) > 2 && name[1] == '.' {
		return name[0], name[2:]
	}
	return defaultDir, name
}

func (fs *FS) findEntry(name string) int {
	dir, base := splitDFSName(name)
	for i := range fs.entries {
		e := &fs.entries[i]
		if e.Dir == dir && common.NamesEqual(e.Name, base) {
			return i
		}
	}
	return -1
}

// ListDirectory enumerates the catalog.
func (fs *FS) ListDirectory() ([]common.FileInfo, error) {
	out := make([]common.FileInfo, 0, len(fs.entries))
	for i := range fs.entries {
		out = append(out, fs.describe(&fs.entries[i]))
	}
	return out, nil
}

// Find locates a file; names are "d.name" or bare for directory '$'.
func (fs *FS) Find(name string, user int) (*common.FileInfo, error) {
	i := fs.findEntry(name)
	if i < 0 {
		return nil, uerrors.ErrNotFound.WithMessage(name)
	}
	info := fs.describe(&fs.entries[i])
	return &info, nil
}

// ReadFile returns a file's contiguous run.
func (fs *FS) ReadFile(info *common.FileInfo) ([]byte, error) {
	out := make([]byte, 0, info.SizeBytes)
	remaining := int(info.SizeBytes)
	sec := info.FirstExtent
	for remaining > 0 {
		data, err := fs.readSector(sec)
		if err != nil {
			return nil, err
		}
		n := remaining
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n]...)
		remaining -= n
		sec++
	}
	return out, nil
}

// usedRuns returns the occupied sector runs sorted by start, including the
// catalog itself.
func (fs *FS) usedRuns() [][2]int {
	runs := [][2]int{{0, 2}}
	for i := range fs.entries {
		e := &fs.entries[i]
		runs = append(runs, [2]int{e.StartSec, (e.Length + sectorSize - 1) / sectorSize})
	}
	sort.Slice(runs, func(a, b int) bool { return runs[a][0] < runs[b][0] })
	return runs
}

// WriteFile places the payload in the first gap large enough; DFS has no
// allocation map, gaps are recomputed from the catalog.
func (fs *FS) WriteFile(name string, user int, data []byte) error {
	return fs.WriteFileAt(name, 0, 0, data)
}

// WriteFileAt is WriteFile with explicit load and execute addresses, which
// DFS stores in the catalog rather than in the file.
func (fs *FS) WriteFileAt(name string, load, exec uint32, data []byte) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	if i := fs.findEntry(name); i >= 0 {
		if err := fs.DeleteFile(name, 0); err != nil {
			return err
		}
	}
	if len(fs.entries) >= maxFiles {
		return uerrors.ErrDirFull.WithMessage("catalog holds at most 31 files")
	}

	sectors := (len(data) + sectorSize - 1) / sectorSize
	if sectors == 0 {
		sectors = 1
	}
	start, err := fs.findGap(sectors)
	if err != nil {
		return err
	}

	for i := 0; i < sectors; i++ {
		buf := make([]byte, sectorSize)
		chunk := data[i*sectorSize:]
		if len(chunk) > sectorSize {
			chunk = chunk[:sectorSize]
		}
		copy(buf, chunk)
		if err := fs.writeSector(start+i, buf); err != nil {
			return err
		}
	}

	dir, base := splitDFSName(name)
	fs.entries = append(fs.entries, entry{
		Name:     strings.ToUpper(base),
		Dir:      dir,
		Load:     load,
		Exec:     exec,
		Length:   len(data),
		StartSec: start,
	})
	return fs.flushCatalog()
}

func (fs *FS) findGap(sectors int) (int, error) {
	runs := fs.usedRuns()
	cursor := 0
	for _, run := range runs {
		if run[0]-cursor >= sectors {
			return cursor, nil
		}
		end := run[0] + run[1]
		if end > cursor {
			cursor = end
		}
	}
	if fs.total-cursor >= sectors {
		return cursor, nil
	}
	return 0, uerrors.ErrDiskFull.WithMessage(fmt.Sprintf(
		"no contiguous gap of %d sectors", sectors))
}

// DeleteFile removes the catalog slot; the data sectors become part of a
// gap automatically.
func (fs *FS) DeleteFile(name string, user int) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	i := fs.findEntry(name)
	if i < 0 {
		return uerrors.ErrNotFound.WithMessage(name)
	}
	if fs.entries[i].Locked {
		return uerrors.ErrReadOnly.WithMessage(name + " is locked")
	}
	fs.entries = append(fs.entries[:i], fs.entries[i+1:]...)
	return fs.flushCatalog()
}

// Rename changes a catalog slot's name.
func (fs *FS) Rename(oldName, newName string, user int) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	if fs.findEntry(newName) >= 0 {
		return uerrors.ErrExists.WithMessage(newName)
	}
	i := fs.findEntry(oldName)
	if i < 0 {
		return uerrors.ErrNotFound.WithMessage(oldName)
	}
	dir, base := splitDFSName(newName)
	fs.entries[i].Dir = dir
	fs.entries[i].Name = strings.ToUpper(base)
	return fs.flushCatalog()
}

// SetAttributes maps Locked/ReadOnly onto the DFS lock bit.
func (fs *FS) SetAttributes(name string, attrs common.Attributes) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	i := fs.findEntry(name)
	if i < 0 {
		return uerrors.ErrNotFound.WithMessage(name)
	}
	fs.entries[i].Locked = attrs.Locked || attrs.ReadOnly
	return fs.flushCatalog()
}

// FreeSpace sums the gaps.
func (fs *FS) FreeSpace() (int64, int64, error) {
	used := 2
	for i := range fs.entries {
		used += (fs.entries[i].Length + sectorSize - 1) / sectorSize
	}
	free := fs.total - used
	if free < 0 {
		free = 0
	}
	return int64(free) * sectorSize, int64(fs.total) * sectorSize, nil
}

// Format writes an empty catalog covering the whole side.
func (fs *FS) Format() error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	g := fs.dev.Geometry()
	fs.entries = nil
	fs.total = g.Cylinders * g.SectorsPerTrack
	fs.boot = 0
	return fs.flushCatalog()
}

// SetTitle updates the volume title.
func (fs *FS) SetTitle(title string) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	fs.title = title
	return fs.flushCatalog()
}
