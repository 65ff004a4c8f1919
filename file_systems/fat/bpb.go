// Package fat implements the FAT12/16 variants found on Atari ST disks and
// Sharp X68000 Human68k media: BIOS parameter block parsing, the ST's
// big-endian boot checksum, 12-bit FAT chains, and the fixed root
// directory.
package fat

import (
	"encoding/binary"

	uerrors "github.com/floppykit/uft/errors"
)

// BPB is the decoded BIOS parameter block.
type BPB struct {
	BytesPerSector    int
	SectorsPerCluster int
	ReservedSectors   int
	FATCount          int
	RootEntries       int
	TotalSectors      int
	SectorsPerFAT     int
	SectorsPerTrack   int
	Heads             int
	// Serial is the ST's 24-bit volume serial number at offset 8.
	Serial uint32
	// Bootable reports the ST boot checksum: the big-endian 16-bit sum of
	// all 256 words of the boot sector equals 0x1234.
	Bootable bool
}

// stKnownSectors are the total-sector counts of the standard ST formats.
var stKnownSectors = map[int]bool{
	720: true, 1440: true, 1600: true, 1760: true, 2880: true, 5760: true,
}

// StandardSTFormat reports whether a sector count is one of the layouts
// TOS itself formats.
func StandardSTFormat(totalSectors int) bool {
	return stKnownSectors[totalSectors]
}

// ParseBPB decodes a boot sector. The ST writes a 68000 BRA.S (0x60 nn)
// where PCs put a 8086 jump; both are accepted.
func ParseBPB(sector []byte) (*BPB, error) {
	if len(sector) < 512 {
		return nil, uerrors.ErrFormat.WithMessage("boot sector shorter than 512 bytes")
	}
	bpb := &BPB{
		BytesPerSector:    int(binary.LittleEndian.Uint16(sector[11:13])),
		SectorsPerCluster: int(sector[13]),
		ReservedSectors:   int(binary.LittleEndian.Uint16(sector[14:16])),
		FATCount:          int(sector[16]),
		RootEntries:       int(binary.LittleEndian.Uint16(sector[17:19])),
		TotalSectors:      int(binary.LittleEndian.Uint16(sector[19:21])),
		SectorsPerFAT:     int(binary.LittleEndian.Uint16(sector[22:24])),
		SectorsPerTrack:   int(binary.LittleEndian.Uint16(sector[24:26])),
		Heads:             int(binary.LittleEndian.Uint16(sector[26:28])),
		Serial:            uint32(sector[8]) | uint32(sector[9])<<8 | uint32(sector[10])<<16,
	}
	if bpb.BytesPerSector != 512 && bpb.BytesPerSector != 1024 {
		return nil, uerrors.ErrFormat.AtOffset(11, "implausible bytes per sector")
	}
	if bpb.SectorsPerCluster == 0 || bpb.FATCount == 0 || bpb.RootEntries == 0 {
		return nil, uerrors.ErrFormat.WithMessage("BPB holds zero cluster/FAT/root values")
	}
	var sum uint16
	for i := 0; i < 512; i += 2 {
		sum += binary.BigEndian.Uint16(sector[i : i+2])
	}
	bpb.Bootable = sum == 0x1234
	return bpb, nil
}

// Serialize writes the BPB back into a 512-byte boot sector. When
// bootable, the checksum word at offset 510 is adjusted so the big-endian
// word sum lands on 0x1234.
func (bpb *BPB) Serialize(serialized []byte, bootable bool) {
	serialized[0] = 0x60 // BRA.S
	serialized[1] = 0x38
	serialized[8] = byte(bpb.Serial)
	serialized[9] = byte(bpb.Serial >> 8)
	serialized[10] = byte(bpb.Serial >> 16)
	binary.LittleEndian.PutUint16(serialized[11:13], uint16(bpb.BytesPerSector))
	serialized[13] = byte(bpb.SectorsPerCluster)
	binary.LittleEndian.PutUint16(serialized[14:16], uint16(bpb.ReservedSectors))
	serialized[16] = byte(bpb.FATCount)
	binary.LittleEndian.PutUint16(serialized[17:19], uint16(bpb.RootEntries))
	binary.LittleEndian.PutUint16(serialized[19:21], uint16(bpb.TotalSectors))
	serialized[21] = 0xF9
	binary.LittleEndian.PutUint16(serialized[22:24], uint16(bpb.SectorsPerFAT))
	binary.LittleEndian.PutUint16(serialized[24:26], uint16(bpb.SectorsPerTrack))
	binary.LittleEndian.PutUint16(serialized[26:28], uint16(bpb.Heads))

	binary.BigEndian.PutUint16(serialized[510:512], 0)
	var sum uint16
	for i := 0; i < 510; i += 2 {
		sum += binary.BigEndian.Uint16(serialized[i : i+2])
	}
	if bootable {
		binary.BigEndian.PutUint16(serialized[510:512], 0x1234-sum)
	} else if 0x1234-sum == binary.BigEndian.Uint16(serialized[510:512]) {
		// Make very sure a non-bootable sector does not sum to the magic.
		serialized[511]++
	}
}

// rootDirSectors is the size of the fixed root directory.
func (bpb *BPB) rootDirSectors() int {
	return (bpb.RootEntries*32 + bpb.BytesPerSector - 1) / bpb.BytesPerSector
}

// dataStart is the first sector of the cluster area.
func (bpb *BPB) dataStart() int {
	return bpb.ReservedSectors + bpb.FATCount*bpb.SectorsPerFAT + bpb.rootDirSectors()
}

// totalClusters counts the clusters in the data area.
func (bpb *BPB) totalClusters() int {
	return (bpb.TotalSectors - bpb.dataStart()) / bpb.SectorsPerCluster
}

// use16 reports FAT16 entries; floppy-scale media stays FAT12.
func (bpb *BPB) use16() bool {
	return bpb.totalClusters() >= 4085
}
