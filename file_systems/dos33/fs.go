// Package dos33 implements Apple DOS 3.3 filesystem access: the VTOC at
// track 17 sector 0 with its per-track free bitmaps, the linked catalog
// sectors, and track/sector-list files.
package dos33

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
	"github.com/floppykit/uft/file_systems/common"
)

const (
	vtocTrack   = 17
	sectorSize  = 256
	fileDescLen = 35
	descPerSec  = 7
	tsPairsMax  = 122

	fileTypeLocked = 0x80
)

// FS is a DOS 3.3 filesystem over a 16-sector image.
type FS struct {
	dev       *common.Device
	tracks    int
	sectors   int
	alloc     *common.Allocator // one unit per (track*sectors + sector)
	catTrack  int
	catSector int
}

// New opens a DOS 3.3 filesystem. The VTOC is validated before anything
// else is touched.
func New(img *uft.DiskImage) (*FS, error) {
	dev := common.NewDevice(img)
	if dev.SectorSize() != sectorSize {
		return nil, uerrors.ErrUnsupported.WithMessage("DOS 3.3 images use 256-byte sectors")
	}
	fs := &FS{
		dev:     dev,
		tracks:  img.Geometry.Cylinders,
		sectors: img.Geometry.SectorsPerTrack,
	}
	if err := fs.loadVTOC(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FS) Name() string { return "dos33" }

func (fs *FS) sectorIndex(track, sector int) int {
	return track*fs.sectors + sector
}

func (fs *FS) readTS(track, sector int) ([]byte, error) {
	if track < 0 || track >= fs.tracks || sector < 0 || sector >= fs.sectors {
		return nil, uerrors.ErrCorrupt.WithMessage(fmt.Sprintf(
			"track/sector %d/%d outside disk", track, sector))
	}
	return fs.dev.ReadSector(fs.sectorIndex(track, sector))
}

func (fs *FS) writeTS(track, sector int, data []byte) error {
	return fs.dev.WriteSector(fs.sectorIndex(track, sector), data)
}

func (fs *FS) loadVTOC() error {
	vtoc, err := fs.readTS(vtocTrack, 0)
	if err != nil {
		return err
	}
	fs.catTrack = int(vtoc[0x01])
	fs.catSector = int(vtoc[0x02])
	if fs.catTrack == 0 || fs.catTrack >= fs.tracks {
		return uerrors.ErrFormat.AtOffset(1, "VTOC catalog pointer is implausible")
	}
	if n := int(vtoc[0x34]); n != 0 {
		fs.tracks = minInt(fs.tracks, n)
	}
	if n := int(vtoc[0x35]); n != 0 && n <= fs.sectors {
		fs.sectors = n
	}

	// Per-track bitmaps: four bytes per track at 0x38, high bit of the
	// first byte is sector 15 ... bit ordering follows Beneath Apple DOS.
	fs.alloc = common.NewAllocator(fs.tracks * fs.sectors)
	for t := 0; t < fs.tracks; t++ {
		offset := 0x38 + t*4
		if offset+4 > len(vtoc) {
			break
		}
		bits := binary.BigEndian.Uint32(vtoc[offset : offset+4])
		for s := 0; s < fs.sectors; s++ {
			free := bits&(1<<uint(16+s)) != 0
			fs.alloc.Set(fs.sectorIndex(t, s), !free)
		}
	}
	return nil
}

func (fs *FS) flushVTOC() error {
	vtoc, err := fs.readTS(vtocTrack, 0)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), vtoc...)
	for t := 0; t < fs.tracks; t++ {
		offset := 0x38 + t*4
		if offset+4 > len(buf) {
			break
		}
		var bits uint32
		for s := 0; s < fs.sectors; s++ {
			if !fs.alloc.InUse(fs.sectorIndex(t, s)) {
				bits |= 1 << uint(16+s)
			}
		}
		binary.BigEndian.PutUint32(buf[offset:offset+4], bits)
	}
	return fs.writeTS(vtocTrack, 0, buf)
}

// catalogSlot identifies one 35-byte file descriptor in the catalog chain.
type catalogSlot struct {
	track, sector, index int
	desc                 []byte
}

func (fs *FS) walkCatalog(visit func(slot catalogSlot) (bool, error)) error {
	track, sector := fs.catTrack, fs.catSector
	for steps := 0; track != 0; steps++ {
		if steps > fs.tracks*fs.sectors {
			return uerrors.ErrCorrupt.WithMessage("catalog chain loops")
		}
		data, err := fs.readTS(track, sector)
		if err != nil {
			return err
		}
		for i := 0; i < descPerSec; i++ {
			desc := data[0x0B+i*fileDescLen : 0x0B+(i+1)*fileDescLen]
			stop, err := visit(catalogSlot{track: track, sector: sector, index: i, desc: desc})
			if err != nil || stop {
				return err
			}
		}
		track, sector = int(data[0x01]), int(data[0x02])
	}
	return nil
}

// descName decodes the high-bit-ASCII padded name.
func descName(desc []byte) string {
	name := make([]byte, 30)
	for i := range name {
		name[i] = desc[3+i] & 0x7F
	}
	return strings.TrimRight(string(name), " ")
}

var fileTypeNames = map[byte]string{
	0x00: "T", 0x01: "I", 0x02: "A", 0x04: "B",
	0x08: "S", 0x10: "R", 0x20: "A2", 0x40: "B2",
}

func (fs *FS) describe(slot catalogSlot) common.FileInfo {
	desc := slot.desc
	sectors := int(binary.LittleEndian.Uint16(desc[33:35]))
	fileType := desc[2]
	return common.FileInfo{
		Name:        descName(desc),
		Extension:   fileTypeNames[fileType&0x7F],
		SizeBytes:   int64(sectors) * sectorSize,
		RecordCount: sectors,
		BlockCount:  sectors,
		FirstExtent: int(desc[0])<<8 | int(desc[1]),
		Attributes:  common.Attributes{Locked: fileType&fileTypeLocked != 0},
		UserNumber:  -1,
	}
}

// ListDirectory enumerates live catalog entries.
func (fs *FS) ListDirectory() ([]common.FileInfo, error) {
	var out []common.FileInfo
	err := fs.walkCatalog(func(slot catalogSlot) (bool, error) {
		if slot.desc[0] == 0 || slot.desc[0] == 0xFF {
			return false, nil // empty or deleted
		}
		out = append(out, fs.describe(slot))
		return false, nil
	})
	return out, err
}

// Find locates a file by name.
func (fs *FS) Find(name string, user int) (*common.FileInfo, error) {
	var found *common.FileInfo
	err := fs.walkCatalog(func(slot catalogSlot) (bool, error) {
		if slot.desc[0] == 0 || slot.desc[0] == 0xFF {
			return false, nil
		}
		if common.NamesEqual(descName(slot.desc), name) {
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

// tsPairs walks a file's track/sector-list chain and returns its data
// sector addresses in order.
func (fs *FS) tsPairs(firstTrack, firstSector int) ([][2]int, error) {
	var pairs [][2]int
	track, sector := firstTrack, firstSector
	for steps := 0; track != 0 || sector != 0; steps++ {
		if steps > fs.tracks*fs.sectors {
			return nil, uerrors.ErrCorrupt.WithMessage("track/sector list loops")
		}
		data, err := fs.readTS(track, sector)
		if err != nil {
			return nil, err
		}
		for i := 0; i < tsPairsMax; i++ {
			t := int(data[0x0C+i*2])
			s := int(data[0x0C+i*2+1])
			if t == 0 && s == 0 {
				continue
			}
			pairs = append(pairs, [2]int{t, s})
		}
		track, sector = int(data[0x01]), int(data[0x02])
	}
	return pairs, nil
}

// ReadFile concatenates the data sectors in T/S-list order. DOS 3.3 files
// carry no byte-exact length; callers get whole sectors.
func (fs *FS) ReadFile(info *common.FileInfo) ([]byte, error) {
	tsTrack := info.FirstExtent >> 8
	tsSector := info.FirstExtent & 0xFF
	pairs, err := fs.tsPairs(tsTrack, tsSector)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, pair := range pairs {
		data, err := fs.readTS(pair[0], pair[1])
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// allocateSector claims a free sector, preferring tracks outward from the
// catalog the way DOS does.
func (fs *FS) allocateSector() (int, int, error) {
	unit, err := fs.alloc.Allocate(fs.sectorIndex(vtocTrack+1, 0))
	if err != nil {
		return 0, 0, err
	}
	return unit / fs.sectors, unit % fs.sectors, nil
}

// WriteFile stores a binary (type B) file.
func (fs *FS) WriteFile(name string, user int, data []byte) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	if _, err := fs.Find(name, user); err == nil {
		if err := fs.DeleteFile(name, user); err != nil {
			return err
		}
	}

	dataSectors := (len(data) + sectorSize - 1) / sectorSize
	if dataSectors == 0 {
		dataSectors = 1
	}
	tsListSectors := (dataSectors + tsPairsMax - 1) / tsPairsMax
	if fs.alloc.FreeCount() < dataSectors+tsListSectors {
		return uerrors.ErrDiskFull.WithMessage(fmt.Sprintf(
			"%d sectors needed, %d free", dataSectors+tsListSectors, fs.alloc.FreeCount()))
	}

	// Allocate the T/S list chain and data sectors.
	type ts struct{ t, s int }
	tsList := make([]ts, tsListSectors)
	for i := range tsList {
		t, s, err := fs.allocateSector()
		if err != nil {
			return err
		}
		tsList[i] = ts{t, s}
	}
	dataTS := make([]ts, dataSectors)
	for i := range dataTS {
		t, s, err := fs.allocateSector()
		if err != nil {
			return err
		}
		dataTS[i] = ts{t, s}
	}

	// Write data sectors.
	for i, pair := range dataTS {
		buf := make([]byte, sectorSize)
		chunk := data[i*sectorSize:]
		if len(chunk) > sectorSize {
			chunk = chunk[:sectorSize]
		}
		copy(buf, chunk)
		if err := fs.writeTS(pair.t, pair.s, buf); err != nil {
			return err
		}
	}

	// Write the T/S list chain.
	for i, pair := range tsList {
		buf := make([]byte, sectorSize)
		if i+1 < len(tsList) {
			buf[0x01] = byte(tsList[i+1].t)
			buf[0x02] = byte(tsList[i+1].s)
		}
		binary.LittleEndian.PutUint16(buf[0x05:0x07], uint16(i*tsPairsMax))
		for j := 0; j < tsPairsMax; j++ {
			idx := i*tsPairsMax + j
			if idx >= len(dataTS) {
				break
			}
			buf[0x0C+j*2] = byte(dataTS[idx].t)
			buf[0x0C+j*2+1] = byte(dataTS[idx].s)
		}
		if err := fs.writeTS(pair.t, pair.s, buf); err != nil {
			return err
		}
	}

	// Claim a catalog slot.
	var slotFound *catalogSlot
	err := fs.walkCatalog(func(slot catalogSlot) (bool, error) {
		if slot.desc[0] == 0 || slot.desc[0] == 0xFF {
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
		return uerrors.ErrDirFull.WithMessage("catalog is full")
	}

	catData, err := fs.readTS(slotFound.track, slotFound.sector)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), catData...)
	desc := buf[0x0B+slotFound.index*fileDescLen : 0x0B+(slotFound.index+1)*fileDescLen]
	desc[0] = byte(tsList[0].t)
	desc[1] = byte(tsList[0].s)
	desc[2] = 0x04 // type B
	upper := strings.ToUpper(name)
	for i := 0; i < 30; i++ {
		c := byte(' ')
		if i < len(upper) {
			c = upper[i]
		}
		desc[3+i] = c | 0x80
	}
	binary.LittleEndian.PutUint16(desc[33:35], uint16(dataSectors+tsListSectors))
	if err := fs.writeTS(slotFound.track, slotFound.sector, buf); err != nil {
		return err
	}
	return fs.flushVTOC()
}

// DeleteFile frees the T/S list and data sectors and pokes 0xFF into the
// descriptor's first byte, the DOS 3.3 deletion marker.
func (fs *FS) DeleteFile(name string, user int) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	found := false
	err := fs.walkCatalog(func(slot catalogSlot) (bool, error) {
		if slot.desc[0] == 0 || slot.desc[0] == 0xFF {
			return false, nil
		}
		if !common.NamesEqual(descName(slot.desc), name) {
			return false, nil
		}
		found = true

		tsTrack := int(slot.desc[0])
		tsSector := int(slot.desc[1])
		// Free the chain and every data sector it references.
		track, sector := tsTrack, tsSector
		for steps := 0; (track != 0 || sector != 0) && steps <= fs.tracks*fs.sectors; steps++ {
			data, err := fs.readTS(track, sector)
			if err != nil {
				break
			}
			for i := 0; i < tsPairsMax; i++ {
				t := int(data[0x0C+i*2])
				s := int(data[0x0C+i*2+1])
				if t == 0 && s == 0 {
					continue
				}
				if t < fs.tracks && s < fs.sectors {
					fs.alloc.Set(fs.sectorIndex(t, s), false)
				}
			}
			fs.alloc.Set(fs.sectorIndex(track, sector), false)
			track, sector = int(data[0x01]), int(data[0x02])
		}

		catData, err := fs.readTS(slot.track, slot.sector)
		if err != nil {
			return false, err
		}
		buf := append([]byte(nil), catData...)
		desc := buf[0x0B+slot.index*fileDescLen:]
		desc[32] = desc[0] // DOS stashes the old track in the last name byte
		desc[0] = 0xFF
		return true, fs.writeTS(slot.track, slot.sector, buf)
	})
	if err != nil {
		return err
	}
	if !found {
		return uerrors.ErrNotFound.WithMessage(name)
	}
	return fs.flushVTOC()
}

// Rename rewrites the padded high-ASCII name field.
func (fs *FS) Rename(oldName, newName string, user int) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	if _, err := fs.Find(newName, user); err == nil {
		return uerrors.ErrExists.WithMessage(newName)
	}
	renamed := false
	err := fs.walkCatalog(func(slot catalogSlot) (bool, error) {
		if slot.desc[0] == 0 || slot.desc[0] == 0xFF ||
			!common.NamesEqual(descName(slot.desc), oldName) {
			return false, nil
		}
		catData, err := fs.readTS(slot.track, slot.sector)
		if err != nil {
			return false, err
		}
		buf := append([]byte(nil), catData...)
		desc := buf[0x0B+slot.index*fileDescLen:]
		upper := strings.ToUpper(newName)
		for i := 0; i < 30; i++ {
			c := byte(' ')
			if i < len(upper) {
				c = upper[i]
			}
			desc[3+i] = c | 0x80
		}
		renamed = true
		return true, fs.writeTS(slot.track, slot.sector, buf)
	})
	if err != nil {
		return err
	}
	if !renamed {
		return uerrors.ErrNotFound.WithMessage(oldName)
	}
	return nil
}

// SetAttributes toggles the lock bit in the file type byte.
func (fs *FS) SetAttributes(name string, attrs common.Attributes) error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	updated := false
	err := fs.walkCatalog(func(slot catalogSlot) (bool, error) {
		if slot.desc[0] == 0 || slot.desc[0] == 0xFF ||
			!common.NamesEqual(descName(slot.desc), name) {
			return false, nil
		}
		catData, err := fs.readTS(slot.track, slot.sector)
		if err != nil {
			return false, err
		}
		buf := append([]byte(nil), catData...)
		desc := buf[0x0B+slot.index*fileDescLen:]
		if attrs.Locked || attrs.ReadOnly {
			desc[2] |= fileTypeLocked
		} else {
			desc[2] &^= fileTypeLocked
		}
		updated = true
		return true, fs.writeTS(slot.track, slot.sector, buf)
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
	free := int64(fs.alloc.FreeCount()) * sectorSize
	total := int64(fs.tracks*fs.sectors) * sectorSize
	return free, total, nil
}

// Format writes a default VTOC and an empty catalog chain on track 17.
func (fs *FS) Format() error {
	if fs.dev.ReadOnly() {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	vtoc := make([]byte, sectorSize)
	vtoc[0x01] = vtocTrack
	vtoc[0x02] = 0x0F
	vtoc[0x03] = 3 // DOS release
	vtoc[0x06] = 0xFE
	vtoc[0x27] = tsPairsMax
	vtoc[0x30] = vtocTrack + 1
	vtoc[0x31] = 1
	vtoc[0x34] = byte(fs.tracks)
	vtoc[0x35] = byte(fs.sectors)
	binary.LittleEndian.PutUint16(vtoc[0x36:0x38], sectorSize)
	if err := fs.writeTS(vtocTrack, 0, vtoc); err != nil {
		return err
	}

	// Catalog chain: sectors 15 down to 1 on the catalog track.
	for s := fs.sectors - 1; s >= 1; s-- {
		buf := make([]byte, sectorSize)
		if s > 1 {
			buf[0x01] = vtocTrack
			buf[0x02] = byte(s - 1)
		}
		if err := fs.writeTS(vtocTrack, s, buf); err != nil {
			return err
		}
	}

	fs.catTrack, fs.catSector = vtocTrack, fs.sectors-1
	fs.alloc = common.NewAllocator(fs.tracks * fs.sectors)
	// Tracks 0-2 hold the DOS image; track 17 is the catalog.
	for t := 0; t < 3; t++ {
		for s := 0; s < fs.sectors; s++ {
			fs.alloc.Set(fs.sectorIndex(t, s), true)
		}
	}
	for s := 0; s < fs.sectors; s++ {
		fs.alloc.Set(fs.sectorIndex(vtocTrack, s), true)
	}
	return fs.flushVTOC()
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
