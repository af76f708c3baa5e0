// Package grant manages capsule-owned state allocated inside process memory.
//
// A grant is identified by a small integer index fixed at kernel build time,
// one per registered capsule. Storage is carved lazily from the tail of the
// owning process's RAM on first entry and lives until the process is torn
// down. Access is serialized by a single-borrow discipline: entering a grant
// that is already entered fails with ErrAlreadyInUse instead of aliasing,
// which is what lets capsules hold long-lived state on behalf of a process
// without reference counting or a collector.
package grant

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInUse is returned on reentrant entry of the same grant.
	ErrAlreadyInUse = errors.New("grant already in use")

	// ErrOutOfMemory is returned when the process's free RAM cannot hold
	// a new grant allocation.
	ErrOutOfMemory = errors.New("out of grant memory")

	// ErrInvalidProcess is returned when the owning process has been
	// torn down.
	ErrInvalidProcess = errors.New("invalid process")

	// ErrBadIndex is returned for a grant index outside the registered
	// range.
	ErrBadIndex = errors.New("grant index out of range")
)

// Reserver carves size bytes out of the owning process's RAM tail. It is
// supplied by the process and fails when the grant break would collide with
// the stack/heap break.
type Reserver func(size uint64) error

type slot struct {
	allocated bool
	inUse     bool
	size      uint64
	state     any
}

// Region is the grant bookkeeping for one process. It is not safe for
// concurrent use; the kernel's single-core execution model is the
// serialization mechanism, and the inUse flags catch reentrancy within it.
type Region struct {
	slots   []slot
	reserve Reserver
	alive   bool
}

// NewRegion creates the grant region for a process with numGrants slots.
func NewRegion(numGrants int, reserve Reserver) *Region {
	return &Region{
		slots:   make([]slot, numGrants),
		reserve: reserve,
		alive:   true,
	}
}

// Enter runs fn with exclusive access to the grant's state. On first entry
// the slot is allocated: size bytes are reserved from the process RAM tail
// and the state value is produced by init. Subsequent entries reuse the
// same state. fn's error is returned as-is; entry errors are ErrBadIndex,
// ErrInvalidProcess, ErrAlreadyInUse, or ErrOutOfMemory.
func (r *Region) Enter(idx int, size uint64, init func() any, fn func(state any) error) error {
	if idx < 0 || idx >= len(r.slots) {
		return fmt.Errorf("%w: %d", ErrBadIndex, idx)
	}
	if !r.alive {
		return ErrInvalidProcess
	}

	s := &r.slots[idx]
	if s.inUse {
		return ErrAlreadyInUse
	}
	if !s.allocated {
		if err := r.reserve(size); err != nil {
			return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
		}
		s.allocated = true
		s.size = size
		s.state = init()
	}

	s.inUse = true
	defer func() { s.inUse = false }()
	return fn(s.state)
}

// IsAllocated reports whether the slot has been allocated.
func (r *Region) IsAllocated(idx int) bool {
	if idx < 0 || idx >= len(r.slots) {
		return false
	}
	return r.slots[idx].allocated
}

// Allocated returns the total bytes reserved by allocated grants.
func (r *Region) Allocated() uint64 {
	var total uint64
	for _, s := range r.slots {
		if s.allocated {
			total += s.size
		}
	}
	return total
}

// Alive reports whether the region still belongs to a live process.
func (r *Region) Alive() bool {
	return r.alive
}

// Teardown invalidates the region and drops all grant state. Any later
// Enter fails with ErrInvalidProcess.
func (r *Region) Teardown() {
	r.alive = false
	for i := range r.slots {
		r.slots[i] = slot{}
	}
}
