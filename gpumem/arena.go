package gpumem

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memutils"
)

// Arena is a bump allocator over a fixed byte range, used for transient
// per-frame data: instance transforms, draw parameters and other payloads
// written fresh every frame. Individual allocations are never freed;
// Reset recycles the whole arena once the frame that used it retires.
//
// Arena is not goroutine-safe. Each frame slot owns its own arena and
// records from a single goroutine.
type Arena struct {
	size   int
	cursor int
	allocs int
	// peak is the high-water cursor across resets, for sizing diagnostics
	peak int
}

// NewArena creates an arena over size bytes. Size must be positive.
func NewArena(size int) *Arena {
	if size <= 0 {
		panic("transient arena size must be positive")
	}
	return &Arena{size: size}
}

// Alloc reserves size bytes at the given alignment and returns the byte
// offset of the reservation. Alignment must be a power of two.
func (a *Arena) Alloc(size int, alignment uint) (int, error) {
	if size <= 0 {
		return 0, cerrors.Newf("attempted to allocate %d bytes from a transient arena", size)
	}
	if err := memutils.CheckPow2(alignment, "transient arena alignment"); err != nil {
		return 0, err
	}

	offset := memutils.AlignUp(a.cursor, alignment)
	if offset+size > a.size {
		return 0, cerrors.Wrapf(ErrArenaExhausted,
			"%d bytes requested with %d of %d in use", size, a.cursor, a.size)
	}

	a.cursor = offset + size
	a.allocs++
	if a.cursor > a.peak {
		a.peak = a.cursor
	}
	return offset, nil
}

// Reset recycles every allocation at once. Call only after the frame that
// wrote the arena has retired on the device.
func (a *Arena) Reset() {
	a.cursor = 0
	a.allocs = 0
}

// Size returns the arena's capacity in bytes
func (a *Arena) Size() int { return a.size }

// Used returns the bytes consumed since the last reset, including
// alignment padding
func (a *Arena) Used() int { return a.cursor }

// AllocationCount returns the number of live reservations since the last
// reset
func (a *Arena) AllocationCount() int { return a.allocs }

// Peak returns the high-water usage across the arena's lifetime
func (a *Arena) Peak() int { return a.peak }
