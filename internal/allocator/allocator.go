// Package allocator implements a generic first-fit, alignment-respecting,
// coalescing free-list allocator over a contiguous device address range.
package allocator

import (
	"fmt"
	"sort"
)

// Error is the allocator's own narrow error type; the root package wraps
// these into tapasco.Error via WrapError at the call sites that use them.
type Error struct {
	Kind string
	Size uint64
	Ptr  uint64
}

func (e *Error) Error() string {
	switch e.Kind {
	case "out_of_memory":
		return fmt.Sprintf("no memory of size %d available", e.Size)
	case "invalid_size":
		return fmt.Sprintf("invalid memory size %d", e.Size)
	case "invalid_alignment":
		return fmt.Sprintf("invalid memory alignment %d", e.Size)
	case "unknown_memory":
		return fmt.Sprintf("can't free unknown memory address %d", e.Ptr)
	default:
		return "allocator error"
	}
}

func errOutOfMemory(size uint64) error     { return &Error{Kind: "out_of_memory", Size: size} }
func errInvalidSize(size uint64) error     { return &Error{Kind: "invalid_size", Size: size} }
func errInvalidAlignment(a uint64) error   { return &Error{Kind: "invalid_alignment", Size: a} }
func errUnknownMemory(ptr uint64) error    { return &Error{Kind: "unknown_memory", Ptr: ptr} }

// IsOutOfMemory, IsInvalidSize, IsInvalidAlignment, IsUnknownMemory classify
// an error returned by this package.
func IsOutOfMemory(err error) bool      { return kindOf(err) == "out_of_memory" }
func IsInvalidSize(err error) bool      { return kindOf(err) == "invalid_size" }
func IsInvalidAlignment(err error) bool { return kindOf(err) == "invalid_alignment" }
func IsUnknownMemory(err error) bool    { return kindOf(err) == "unknown_memory" }

func kindOf(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ""
}

// Segment is a {base, size} free or used memory record.
type Segment struct {
	Base uint64
	Size uint64
}

// Allocator is the minimal interface both the generic and driver-delegating
// allocators satisfy.
type Allocator interface {
	Allocate(size uint64) (uint64, error)
	AllocateFixed(size, offset uint64) (uint64, error)
	Free(ptr uint64) error
}

// Generic is a free-list allocator over one contiguous address range.
// The free list is always kept sorted by Base and maximally coalesced.
type Generic struct {
	base      uint64
	free      []Segment
	used      []Segment
	alignment uint64
}

// New constructs a Generic allocator covering [address, address+size).
func New(address, size, alignment uint64) (*Generic, error) {
	if size == 0 {
		return nil, errInvalidSize(size)
	}
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return nil, errInvalidAlignment(alignment)
	}
	return &Generic{
		base:      address,
		free:      []Segment{{Base: address, Size: size}},
		alignment: alignment,
	}, nil
}

func (a *Generic) fixAlignment(size uint64) uint64 {
	return (size + (a.alignment - 1)) &^ (a.alignment - 1)
}

// mergeMemory coalesces adjacent free segments in a single left-to-right
// pass; the free list is kept sorted by Base by every caller that inserts
// into it, so adjacency only ever needs to be checked against the next
// element.
func (a *Generic) mergeMemory() {
	i := 0
	for i < len(a.free) {
		n := i + 1
		if n < len(a.free) && a.free[i].Base+a.free[i].Size == a.free[n].Base {
			a.free[i].Size += a.free[n].Size
			a.free = append(a.free[:n], a.free[n+1:]...)
		} else {
			i++
		}
	}
}

// Allocate rounds size up to the configured alignment and returns the base
// of the first free segment with enough room, splitting it (and removing it
// from the free list if it becomes empty).
func (a *Generic) Allocate(size uint64) (uint64, error) {
	return a.allocate(size, nil)
}

// AllocateFixed behaves like Allocate but requires the returned address to
// equal offset; it fails if the free segment covering offset cannot
// accommodate the request.
func (a *Generic) AllocateFixed(size, offset uint64) (uint64, error) {
	return a.allocate(size, &offset)
}

func (a *Generic) allocate(size uint64, fixed *uint64) (uint64, error) {
	if size == 0 {
		return 0, errInvalidSize(size)
	}
	sizeAligned := a.fixAlignment(size)

	if fixed == nil {
		for i := range a.free {
			s := &a.free[i]
			if s.Size < sizeAligned {
				continue
			}
			addr := s.Base
			a.used = append(a.used, Segment{Base: addr, Size: sizeAligned})
			s.Size -= sizeAligned
			s.Base += sizeAligned
			if s.Size == 0 {
				a.free = append(a.free[:i], a.free[i+1:]...)
			}
			return addr, nil
		}
		return 0, errOutOfMemory(sizeAligned)
	}

	offset := *fixed
	for i := range a.free {
		s := a.free[i]
		if offset < s.Base || offset+sizeAligned > s.Base+s.Size {
			continue
		}

		a.used = append(a.used, Segment{Base: offset, Size: sizeAligned})

		var replacement []Segment
		if offset > s.Base {
			replacement = append(replacement, Segment{Base: s.Base, Size: offset - s.Base})
		}
		if tail := s.Base + s.Size - (offset + sizeAligned); tail > 0 {
			replacement = append(replacement, Segment{Base: offset + sizeAligned, Size: tail})
		}
		a.free = append(a.free[:i], append(replacement, a.free[i+1:]...)...)
		return offset, nil
	}

	// offset 0 is ambiguous with "no fixed offset requested"; when the
	// allocator's own base is 0 and the free list's head isn't (i.e. offset
	// 0 isn't actually free), report it as a bad alignment request rather
	// than ordinary exhaustion.
	if offset == 0 && a.base == 0 && (len(a.free) == 0 || a.free[0].Base != 0) {
		return 0, errInvalidAlignment(0)
	}
	return 0, errOutOfMemory(sizeAligned)
}

// Free looks up the used record by base equality, removes it, reinserts it
// into the sorted free list, and coalesces adjacent runs.
func (a *Generic) Free(ptr uint64) error {
	idx := -1
	for i, s := range a.used {
		if s.Base == ptr {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errUnknownMemory(ptr)
	}

	m := a.used[idx]
	a.used = append(a.used[:idx], a.used[idx+1:]...)

	pos := sort.Search(len(a.free), func(i int) bool { return a.free[i].Base > m.Base })
	a.free = append(a.free, Segment{})
	copy(a.free[pos+1:], a.free[pos:])
	a.free[pos] = m

	a.mergeMemory()
	return nil
}

// Driver is a no-op allocator that keeps no host-side bookkeeping of device
// addresses: Allocate and AllocateFixed always fail with out-of-memory, and
// Free accepts any address and does nothing.
type Driver struct{}

// NewDriver constructs a Driver allocator.
func NewDriver() *Driver { return &Driver{} }

func (d *Driver) Allocate(size uint64) (uint64, error) { return 0, errOutOfMemory(size) }

func (d *Driver) AllocateFixed(size, offset uint64) (uint64, error) {
	return 0, errOutOfMemory(size)
}

func (d *Driver) Free(ptr uint64) error { return nil }
