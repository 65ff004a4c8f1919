// Package common defines the interface shared by every filesystem module
// and the support types they build on: the sector-addressed block device
// over a disk image, and the bitmap allocator behind the various free-space
// structures (CP/M allocation vectors, Atari VTOCs, TRSDOS GATs, ProDOS
// volume bitmaps).
package common

import (
	"strings"
)

// Attributes is the union of the file attribute flags the supported
// filesystems expose. Each module maps its native bits onto these.
type Attributes struct {
	ReadOnly bool
	System   bool
	Archived bool
	Hidden   bool
	Locked   bool
}

// FileInfo describes one directory entry.
type FileInfo struct {
	Name        string
	Extension   string
	SizeBytes   int64
	RecordCount int
	Attributes  Attributes
	// FirstExtent is the filesystem-specific anchor of the file: the first
	// extent number for CP/M, start sector for Atari DOS and for DFS.
	FirstExtent int
	BlockCount  int
	// UserNumber is meaningful only on filesystems with user areas (CP/M);
	// it is -1 elsewhere.
	UserNumber int
	// LoadAddress and ExecAddress carry the DFS/Atari-style file metadata
	// where the catalog stores them; zero elsewhere.
	LoadAddress uint32
	ExecAddress uint32
}

// FullName joins name and extension the way the filesystem displays them.
func (fi *FileInfo) FullName() string {
	if fi.Extension == "" {
		return fi.Name
	}
	return fi.Name + "." + fi.Extension
}

// Filesystem is the operation set every module implements. Methods that
// mutate return ErrReadOnly when the underlying image was opened read-only.
type Filesystem interface {
	// Name identifies the filesystem family, e.g. "cpm" or "dfs".
	Name() string
	ListDirectory() ([]FileInfo, error)
	Find(name string, user int) (*FileInfo, error)
	ReadFile(info *FileInfo) ([]byte, error)
	WriteFile(name string, user int, data []byte) error
	DeleteFile(name string, user int) error
	Rename(oldName, newName string, user int) error
	SetAttributes(name string, attrs Attributes) error
	// FreeSpace reports free and total payload bytes.
	FreeSpace() (free int64, total int64, err error)
	// Format initializes empty filesystem structures on the image.
	Format() error
}

// NamesEqual compares filenames the way the old systems did: case
// insensitively, ignoring trailing padding.
func NamesEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimRight(a, " "), strings.TrimRight(b, " "))
}

// SplitName splits "NAME.EXT" into its padded fixed-width fields. Names
// longer than the fields are truncated, which is what the native tools do.
func SplitName(full string, nameLen, extLen int) (string, string) {
	name := full
	ext := ""
	if dot := strings.LastIndexByte(full, '.'); dot >= 0 {
		name = full[:dot]
		ext = full[dot+1:]
	}
	if len(name) > nameLen {
		name = name[:nameLen]
	}
	if len(ext) > extLen {
		ext = ext[:extLen]
	}
	return strings.ToUpper(name), strings.ToUpper(ext)
}

// PadName space-pads a name to a fixed field width.
func PadName(name string, width int) []byte {
	field := make([]byte, width)
	for i := range field {
		field[i] = ' '
	}
	copy(field, name)
	return field
}
