// Package cpm implements CP/M 2.2 filesystem access over disk images: the
// 32-byte directory entry format, extent chains, and the Disk Parameter
// Block arithmetic that maps blocks onto physical sectors.
package cpm

import (
	"fmt"

	uerrors "github.com/floppykit/uft/errors"
)

// DPB is the CP/M Disk Parameter Block: the per-format constants the BDOS
// uses for all allocation arithmetic.
type DPB struct {
	// SPT is the number of 128-byte records per track.
	SPT int
	// BSH and BLM encode the block size: block = 128 << BSH, BLM = block/128 - 1.
	BSH int
	BLM int
	// EXM is the extent mask: how many logical 16K extents one directory
	// entry spans, minus one.
	EXM int
	// DSM is the highest block number; blocks DSM+1 and up do not exist.
	DSM int
	// DRM is the highest directory entry number.
	DRM int
	// AL0 and AL1 are the directory-reservation bitmap, MSB-first over the
	// first sixteen blocks.
	AL0 byte
	AL1 byte
	// OFF is the number of reserved boot tracks before the data area.
	OFF int
}

// BlockSize returns the allocation block size in bytes.
func (d *DPB) BlockSize() int { return 128 << d.BSH }

// Use16BitPointers reports whether allocation entries are 16-bit block
// numbers; true whenever more than 256 blocks exist.
func (d *DPB) Use16BitPointers() bool { return d.DSM > 255 }

// PointersPerEntry is the number of allocation slots in one directory
// entry: sixteen 8-bit or eight 16-bit.
func (d *DPB) PointersPerEntry() int {
	if d.Use16BitPointers() {
		return 8
	}
	return 16
}

// RecordsPerEntry is the file capacity of one directory entry in 128-byte
// records: its allocation slots times the block size.
func (d *DPB) RecordsPerEntry() int {
	return d.PointersPerEntry() * d.BlockSize() / 128
}

// DirBlocks is the number of allocation blocks the directory occupies.
func (d *DPB) DirBlocks() int {
	entries := d.DRM + 1
	return (entries*32 + d.BlockSize() - 1) / d.BlockSize()
}

// DirSectors converts the directory size to physical sectors.
func (d *DPB) DirSectors(sectorSize int) int {
	return (d.DirBlocks()*d.BlockSize() + sectorSize - 1) / sectorSize
}

// Validate cross-checks the derived fields.
func (d *DPB) Validate() error {
	if d.BSH < 3 || d.BSH > 7 {
		return uerrors.ErrInvalidParam.WithMessage(fmt.Sprintf("BSH %d outside [3, 7]", d.BSH))
	}
	if d.BLM != (1<<d.BSH)-1 {
		return uerrors.ErrInvalidParam.WithMessage("BLM disagrees with BSH")
	}
	if d.DSM < d.DirBlocks() {
		return uerrors.ErrInvalidParam.WithMessage("directory does not fit the disk")
	}
	return nil
}

// deriveEXM computes the extent mask from the block size and pointer
// width: one entry spans (slots × block) bytes, and each logical extent is
// 16 KB.
func deriveEXM(blockSize int, sixteenBit bool) int {
	slots := 16
	if sixteenBit {
		slots = 8
	}
	exm := slots*blockSize/16384 - 1
	if exm < 0 {
		exm = 0
	}
	return exm
}

// deriveALBitmap builds AL0/AL1 reserving the first n blocks for the
// directory.
func deriveALBitmap(n int) (byte, byte) {
	var al0, al1 byte
	for i := 0; i < n && i < 16; i++ {
		if i < 8 {
			al0 |= 0x80 >> uint(i)
		} else {
			al1 |= 0x80 >> uint(i-8)
		}
	}
	return al0, al1
}
