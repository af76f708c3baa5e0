// Package abi defines the system call ABI between processes and the kernel.
//
// A trapping process presents one syscall per trap, identified by a numeric
// class plus, for driver-directed classes, a driver number and sub-operation
// number. Arguments travel in the four argument registers r0-r3; the kernel
// marshals results back into the same registers before the process resumes.
package abi

import (
	"fmt"

	"github.com/patsv99/tock/internal/types"
)

// SyscallClass is the numeric class of a trapped system call.
type SyscallClass uint32

// Syscall classes.
const (
	ClassYield          SyscallClass = 0
	ClassSubscribe      SyscallClass = 1
	ClassCommand        SyscallClass = 2
	ClassAllowReadWrite SyscallClass = 3
	ClassAllowReadOnly  SyscallClass = 4
	ClassMemop          SyscallClass = 5
	ClassExit           SyscallClass = 6
)

// String implements fmt.Stringer.
func (c SyscallClass) String() string {
	switch c {
	case ClassYield:
		return "yield"
	case ClassSubscribe:
		return "subscribe"
	case ClassCommand:
		return "command"
	case ClassAllowReadWrite:
		return "allow-rw"
	case ClassAllowReadOnly:
		return "allow-ro"
	case ClassMemop:
		return "memop"
	case ClassExit:
		return "exit"
	}
	return fmt.Sprintf("class-%d", uint32(c))
}

// Yield variants (r0 of a yield syscall).
const (
	YieldNoWait  uint32 = 0 // deliver one queued upcall if present, never block
	YieldWait    uint32 = 1 // block until any upcall is delivered
	YieldWaitFor uint32 = 2 // block until an upcall from (r1=driver, r2=sub)
)

// Memop operation numbers.
const (
	MemopBrk        uint32 = 0 // set the heap break to r1 (absolute address)
	MemopSBrk       uint32 = 1 // adjust the heap break by signed r1, returns old break
	MemopFlashStart uint32 = 2
	MemopFlashEnd   uint32 = 3
	MemopRAMStart   uint32 = 4
	MemopRAMEnd     uint32 = 5
)

// Exit variants (r0 of an exit syscall).
const (
	ExitTerminate uint32 = 0
	ExitRestart   uint32 = 1
)

// RegisterFile is the architecture-neutral view of the saved register
// context the kernel needs: the program counter, the stack pointer, and the
// four argument/return registers of the syscall convention.
type RegisterFile struct {
	PC uint64
	SP uint64
	R  [4]uint64
}

// Syscall is one decoded trapped request.
type Syscall struct {
	Class  SyscallClass
	Driver types.DriverNum

	// Sub is the sub-operation number for driver-directed classes, the
	// variant number for yield/memop/exit.
	Sub uint32

	// Args are the remaining raw argument registers, meaning depends on
	// the class: command args, an allow (address, length) pair, a
	// subscribe (upcall pointer, userdata) pair, or a memop argument.
	Args [2]uint64
}

// String implements fmt.Stringer.
func (s Syscall) String() string {
	switch s.Class {
	case ClassYield, ClassMemop, ClassExit:
		return fmt.Sprintf("%s(%d)", s.Class, s.Sub)
	default:
		return fmt.Sprintf("%s(driver=%s, sub=%d)", s.Class, s.Driver, s.Sub)
	}
}
