package process

import (
	"fmt"

	"github.com/patsv99/tock/pkg/mpu"
)

// Per-slot virtual memory windows. Slot i's flash segment starts at
// FlashBase + i*SlotWindow and its RAM segment at RAMBase + i*SlotWindow,
// so no two processes' segments can overlap by construction and a stray
// address from one process can never fall inside another's window of the
// same kind.
const (
	FlashBase  = uint64(0x4000_0000)
	RAMBase    = uint64(0x2000_0000)
	SlotWindow = uint64(0x0010_0000) // 1 MiB

	// grantAlign is the allocation granularity of the grant tail.
	grantAlign = uint64(8)
)

// FlashBaseForSlot returns the flash window base of a slot.
func FlashBaseForSlot(slot int) uint64 {
	return FlashBase + uint64(slot)*SlotWindow
}

// RAMBaseForSlot returns the RAM window base of a slot.
func RAMBaseForSlot(slot int) uint64 {
	return RAMBase + uint64(slot)*SlotWindow
}

// initMemory resets the RAM partition to its load-time shape.
func (p *Process) initMemory() {
	p.heapBrk = p.ramBase + p.stackSize
	p.grantBrk = p.ramBase + uint64(len(p.ram))
}

// initRegisters resets the register file so the process resumes at its
// entry point with the stack pointer at the top of its stack.
func (p *Process) initRegisters() {
	p.regs = abiEntryRegisters(p.flashBase+uint64(p.image.Entry), p.ramBase+p.stackSize)
}

// reserveGrant carves size bytes from the grant tail. Fails when the grant
// break would cross the heap break.
func (p *Process) reserveGrant(size uint64) error {
	size = (size + grantAlign - 1) &^ (grantAlign - 1)
	if size > p.grantBrk || p.grantBrk-size < p.heapBrk {
		return fmt.Errorf("grant of %d bytes collides with heap break 0x%x", size, p.heapBrk)
	}
	p.grantBrk -= size
	return nil
}

// FlashRange returns the [start, end) addresses of the flash segment.
func (p *Process) FlashRange() (uint64, uint64) {
	return p.flashBase, p.flashBase + uint64(len(p.flash))
}

// RAMRange returns the [start, end) addresses of the RAM segment.
func (p *Process) RAMRange() (uint64, uint64) {
	return p.ramBase, p.ramBase + uint64(len(p.ram))
}

// Brk returns the current heap break.
func (p *Process) Brk() uint64 { return p.heapBrk }

// GrantBrk returns the current grant break.
func (p *Process) GrantBrk() uint64 { return p.grantBrk }

// SetBrk moves the heap break to an absolute address. The break may move
// anywhere between the top of the stack and the grant break.
func (p *Process) SetBrk(addr uint64) error {
	if addr < p.ramBase+p.stackSize || addr > p.grantBrk {
		return fmt.Errorf("%w: 0x%x not in [0x%x, 0x%x]", ErrBadBreak,
			addr, p.ramBase+p.stackSize, p.grantBrk)
	}
	p.heapBrk = addr
	return nil
}

// SBrk adjusts the heap break by a signed delta and returns the previous
// break.
func (p *Process) SBrk(delta int64) (uint64, error) {
	old := p.heapBrk
	var target uint64
	if delta >= 0 {
		target = old + uint64(delta)
		if target < old {
			return 0, fmt.Errorf("%w: sbrk overflow", ErrBadBreak)
		}
	} else {
		mag := uint64(-delta)
		if mag > old {
			return 0, fmt.Errorf("%w: sbrk underflow", ErrBadBreak)
		}
		target = old - mag
	}
	if err := p.SetBrk(target); err != nil {
		return 0, err
	}
	return old, nil
}

// ValidateBuffer checks that [addr, addr+size) lies entirely within the
// process's own accessible memory and returns the backing slice. Writable
// buffers must lie in accessible RAM (below the grant break); read-only
// buffers may also lie in flash. The check runs on every call and is never
// cached: segment shape changes between calls (brk, grant growth) and a
// stale validation would be a memory-safety hole.
func (p *Process) ValidateBuffer(addr, size uint64, writable bool) ([]byte, error) {
	if size == 0 {
		// A zero-length buffer is how a process revokes a prior allow.
		return nil, nil
	}
	if addr > ^uint64(0)-size {
		return nil, fmt.Errorf("%w: address overflow at 0x%x", ErrBadBuffer, addr)
	}

	if addr >= p.ramBase && addr+size <= p.grantBrk {
		off := addr - p.ramBase
		return p.ram[off : off+size], nil
	}
	if !writable {
		if addr >= p.flashBase && addr+size <= p.flashBase+uint64(len(p.flash)) {
			off := addr - p.flashBase
			return p.flash[off : off+size], nil
		}
	}
	return nil, fmt.Errorf("%w: [0x%x, 0x%x) writable=%v", ErrBadBuffer, addr, addr+size, writable)
}

// MPURegions returns the protection regions for the process: read/execute
// over flash and read/write over accessible RAM. The RAM length is floored
// to the granule so the rounded region can never expose the grant tail to
// the process.
func (p *Process) MPURegions(granule uint64) []mpu.Region {
	ramLen := (p.grantBrk - p.ramBase) &^ (granule - 1)
	return []mpu.Region{
		{Base: p.flashBase, Length: uint64(len(p.flash)), Perms: mpu.PermReadExecute},
		{Base: p.ramBase, Length: ramLen, Perms: mpu.PermReadWrite},
	}
}

// MemoryStats is a point-in-time view of a process's memory accounting.
type MemoryStats struct {
	FlashSize uint64
	RAMSize   uint64
	StackSize uint64
	HeapUsed  uint64
	GrantUsed uint64
	FreeBytes uint64
}

// Stats returns the process's memory accounting.
func (p *Process) Stats() MemoryStats {
	return MemoryStats{
		FlashSize: uint64(len(p.flash)),
		RAMSize:   uint64(len(p.ram)),
		StackSize: p.stackSize,
		HeapUsed:  p.heapBrk - (p.ramBase + p.stackSize),
		GrantUsed: p.ramBase + uint64(len(p.ram)) - p.grantBrk,
		FreeBytes: p.grantBrk - p.heapBrk,
	}
}

// WriteRAM copies into process RAM. For boundary implementations that
// emulate process stores; protection checks are the caller's job.
func (p *Process) WriteRAM(addr uint64, data []byte) error {
	size := uint64(len(data))
	if addr < p.ramBase || addr+size > p.ramBase+uint64(len(p.ram)) {
		return fmt.Errorf("%w: [0x%x, 0x%x)", ErrBadBuffer, addr, addr+size)
	}
	copy(p.ram[addr-p.ramBase:], data)
	return nil
}

// ReadRAM copies out of process RAM for inspection. Kernel-side use only.
func (p *Process) ReadRAM(addr, size uint64) ([]byte, error) {
	if addr < p.ramBase || addr+size > p.ramBase+uint64(len(p.ram)) {
		return nil, fmt.Errorf("%w: [0x%x, 0x%x)", ErrBadBuffer, addr, addr+size)
	}
	off := addr - p.ramBase
	out := make([]byte, size)
	copy(out, p.ram[off:off+size])
	return out, nil
}
