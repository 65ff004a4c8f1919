package common

import (
	"fmt"

	"github.com/boljen/go-bitmap"

	uerrors "github.com/floppykit/uft/errors"
)

// Allocator is a bitmap block allocator. A set bit means the unit is in
// use. The filesystem modules load their native free-space structure into
// one of these, allocate or free against it, then serialize it back out in
// the native form.
type Allocator struct {
	bits       bitmap.Bitmap
	totalUnits int
}

// NewAllocator creates an allocator with every unit free.
func NewAllocator(totalUnits int) *Allocator {
	return &Allocator{bits: bitmap.New(totalUnits), totalUnits: totalUnits}
}

// TotalUnits is the number of allocation units managed.
func (a *Allocator) TotalUnits() int { return a.totalUnits }

// InUse reports whether a unit is allocated.
func (a *Allocator) InUse(unit int) bool {
	if unit < 0 || unit >= a.totalUnits {
		return true
	}
	return a.bits.Get(unit)
}

// Set marks a unit allocated or free without the already-allocated checks;
// used while loading a native bitmap.
func (a *Allocator) Set(unit int, inUse bool) {
	if unit >= 0 && unit < a.totalUnits {
		a.bits.Set(unit, inUse)
	}
}

// Allocate claims the first free unit at or after `from` and returns its
// index.
func (a *Allocator) Allocate(from int) (int, error) {
	if from < 0 {
		from = 0
	}
	for i := from; i < a.totalUnits; i++ {
		if !a.bits.Get(i) {
			a.bits.Set(i, true)
			return i, nil
		}
	}
	// Wrap around once; some filesystems allocate from a moving cursor.
	for i := 0; i < from && i < a.totalUnits; i++ {
		if !a.bits.Get(i) {
			a.bits.Set(i, true)
			return i, nil
		}
	}
	return 0, uerrors.ErrDiskFull.WithMessage("no free allocation units")
}

// Free releases a unit. Freeing a free unit reports corruption, since it
// means the caller's chain walked into unallocated space.
func (a *Allocator) Free(unit int) error {
	if unit < 0 || unit >= a.totalUnits {
		return uerrors.ErrInvalidParam.WithMessage(fmt.Sprintf(
			"unit %d outside [0, %d)", unit, a.totalUnits))
	}
	if !a.bits.Get(unit) {
		return uerrors.ErrCorrupt.WithMessage(fmt.Sprintf("unit %d is already free", unit))
	}
	a.bits.Set(unit, false)
	return nil
}

// FreeCount returns the number of unallocated units.
func (a *Allocator) FreeCount() int {
	count := 0
	for i := 0; i < a.totalUnits; i++ {
		if !a.bits.Get(i) {
			count++
		}
	}
	return count
}
