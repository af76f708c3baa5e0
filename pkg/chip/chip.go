// Package chip defines the interface the kernel consumes from a chip
// implementation: the protection hardware, the preemption timer, and the
// architecture-specific boundary that transfers control into a process and
// reports how it trapped back. The core depends only on these contracts and
// never assumes a specific instruction set; pkg/chip/hosted provides the
// software implementation used by tests and the hosted board.
package chip

import (
	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/abi"
	"github.com/patsv99/tock/pkg/mpu"
	"github.com/patsv99/tock/pkg/process"
)

// TrapReason classifies how a process returned control to the kernel.
type TrapReason int

// Trap reasons.
const (
	// TrapSyscall is a voluntary trap carrying one decoded syscall.
	TrapSyscall TrapReason = iota

	// TrapFault is an illegal access caught by the protection hardware.
	TrapFault

	// TrapTimeslice is a preemption by the systick timer.
	TrapTimeslice
)

// String implements fmt.Stringer.
func (r TrapReason) String() string {
	switch r {
	case TrapSyscall:
		return "syscall"
	case TrapFault:
		return "fault"
	case TrapTimeslice:
		return "timeslice"
	}
	return "unknown"
}

// Trap is the outcome of one entry into userspace.
type Trap struct {
	Reason  TrapReason
	Syscall abi.Syscall // valid when Reason == TrapSyscall

	// FaultAddr is the offending address for TrapFault, when known.
	FaultAddr uint64
}

// Resumption tells the boundary how to resume a process.
type Resumption int

// Resumption kinds.
const (
	// ResumeReturn resumes with the syscall return already marshaled
	// into the saved registers.
	ResumeReturn Resumption = iota

	// ResumeUpcall resumes into an upcall frame: the saved PC holds the
	// subscribed upcall pointer and r0-r3 carry the three arguments and
	// the subscriber's userdata.
	ResumeUpcall
)

// Systick is the preemption timer.
type Systick interface {
	// Start arms the timer with a timeslice, in ticks.
	Start(ticks uint32)

	// Expired reports whether the armed timeslice has elapsed.
	Expired() bool

	// Ticks returns a monotonic tick counter.
	Ticks() uint64
}

// Boundary is the userspace/kernel switching primitive. SwitchTo transfers
// control to the process (restoring its saved register context) and returns
// when it traps; the trapped register file has been saved back into the
// process before SwitchTo returns.
type Boundary interface {
	SwitchTo(p *process.Process, how Resumption) (Trap, error)

	// Release tells the boundary a process ID is dead: any retained
	// execution state for it must be discarded. Called on termination
	// and restart, before the ID is reused or retired.
	Release(pid types.ProcessID)
}

// Chip bundles the hardware capabilities the kernel consumes.
type Chip interface {
	Name() string
	MPU() mpu.MPU
	Systick() Systick
	Boundary() Boundary
}
