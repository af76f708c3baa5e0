package hosted

import (
	gort "runtime"

	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/abi"
	"github.com/patsv99/tock/pkg/chip"
)

// upcallPtrBase is where Env starts minting fake upcall code pointers. The
// kernel treats upcall pointers as opaque words; the value only has to be
// nonzero and unique per registered callback.
const upcallPtrBase = uint64(0x1000_0000)

// UpcallFunc is a hosted application's upcall handler. args are the three
// argument words scheduled by the capsule; userdata is the word the app
// passed at subscribe time.
type UpcallFunc func(args [3]uint32, userdata uint64)

// Env is the system call interface of a hosted application. All methods
// must be called from the app's own goroutine; each trapping call hands
// control to the kernel and blocks until the kernel resumes the process.
type Env struct {
	rt   *Runtime
	task *task
	regs abi.RegisterFile

	callbacks map[uint64]UpcallFunc
	nextPtr   uint64
}

// await parks until the kernel resumes this task. If the process is
// released first the goroutine exits here.
func (e *Env) await() resumeMsg {
	select {
	case msg := <-e.task.resume:
		return msg
	case <-e.task.quit:
		gort.Goexit()
	}
	panic("unreachable")
}

func (e *Env) sendTrap(msg trapMsg) {
	select {
	case e.task.trap <- msg:
	case <-e.task.quit:
		gort.Goexit()
	}
}

// syscall traps with one syscall, blocks for the resume, and reports how
// the kernel resumed. The decoded return is only meaningful for
// ResumeReturn; an upcall resumption overwrites the argument registers
// with the upcall frame.
func (e *Env) syscall(sc abi.Syscall) (abi.SyscallReturn, chip.Resumption) {
	e.sendTrap(trapMsg{
		trap:     chip.Trap{Reason: chip.TrapSyscall, Syscall: sc},
		regs:     e.regs,
		saveRegs: true,
	})
	msg := e.await()
	e.regs = msg.regs
	return abi.DecodeReturn(e.regs), msg.how
}

// fault reports an illegal access and parks the goroutine; a faulted
// process is never resumed, only released.
func (e *Env) fault(addr uint64) {
	e.sendTrap(trapMsg{trap: chip.Trap{Reason: chip.TrapFault, FaultAddr: addr}})
	e.await()
	panic("resumed a faulted task")
}

// runUpcall dispatches a delivered upcall frame: the saved PC selects the
// callback, r0-r2 carry the arguments, r3 the subscriber's userdata.
func (e *Env) runUpcall() {
	fn := e.callbacks[e.regs.PC]
	if fn == nil {
		return
	}
	fn([3]uint32{uint32(e.regs.R[0]), uint32(e.regs.R[1]), uint32(e.regs.R[2])}, e.regs.R[3])
}

// PID returns the process ID the app is currently running under. Changes
// across restarts.
func (e *Env) PID() types.ProcessID { return e.task.proc.ID() }

// Command issues a command syscall to a driver.
func (e *Env) Command(driver types.DriverNum, sub, arg0, arg1 uint32) abi.SyscallReturn {
	ret, _ := e.syscall(abi.Syscall{
		Class:  abi.ClassCommand,
		Driver: driver,
		Sub:    sub,
		Args:   [2]uint64{uint64(arg0), uint64(arg1)},
	})
	return ret
}

// Subscribe registers fn for a driver's upcall number, replacing any prior
// registration. A nil fn unsubscribes. userdata is passed back verbatim to
// the callback.
func (e *Env) Subscribe(driver types.DriverNum, sub uint32, fn UpcallFunc, userdata uint64) abi.SyscallReturn {
	var ptr uint64
	if fn != nil {
		ptr = e.nextPtr
		e.nextPtr += 4
		e.callbacks[ptr] = fn
	}

	ret, _ := e.syscall(abi.Syscall{
		Class:  abi.ClassSubscribe,
		Driver: driver,
		Sub:    sub,
		Args:   [2]uint64{ptr, userdata},
	})
	if !ret.IsSuccess() {
		delete(e.callbacks, ptr)
		return ret
	}
	if old := ret.Values[0]; old != 0 && old != ptr {
		delete(e.callbacks, old)
	}
	return ret
}

// AllowReadWrite shares [addr, addr+length) with a driver for reading and
// writing. Length zero revokes the share.
func (e *Env) AllowReadWrite(driver types.DriverNum, sub uint32, addr, length uint64) abi.SyscallReturn {
	ret, _ := e.syscall(abi.Syscall{
		Class:  abi.ClassAllowReadWrite,
		Driver: driver,
		Sub:    sub,
		Args:   [2]uint64{addr, length},
	})
	return ret
}

// AllowReadOnly shares [addr, addr+length) with a driver for reading.
// Length zero revokes the share.
func (e *Env) AllowReadOnly(driver types.DriverNum, sub uint32, addr, length uint64) abi.SyscallReturn {
	ret, _ := e.syscall(abi.Syscall{
		Class:  abi.ClassAllowReadOnly,
		Driver: driver,
		Sub:    sub,
		Args:   [2]uint64{addr, length},
	})
	return ret
}

// Yield blocks until an upcall is delivered and runs its callback.
func (e *Env) Yield() {
	_, how := e.syscall(abi.Syscall{Class: abi.ClassYield, Sub: abi.YieldWait})
	if how == chip.ResumeUpcall {
		e.runUpcall()
	}
}

// YieldNoWait runs one pending upcall if there is one and reports whether
// an upcall was delivered. Never blocks the process's turn.
func (e *Env) YieldNoWait() bool {
	_, how := e.syscall(abi.Syscall{Class: abi.ClassYield, Sub: abi.YieldNoWait})
	if how == chip.ResumeUpcall {
		e.runUpcall()
		return true
	}
	return false
}

// YieldFor blocks until an upcall from the given driver and upcall number
// arrives, runs its callback, and returns the upcall's argument words.
func (e *Env) YieldFor(driver types.DriverNum, sub uint32) [3]uint32 {
	_, how := e.syscall(abi.Syscall{
		Class: abi.ClassYield,
		Sub:   abi.YieldWaitFor,
		Args:  [2]uint64{uint64(driver), uint64(sub)},
	})
	if how != chip.ResumeUpcall {
		return [3]uint32{}
	}
	args := [3]uint32{uint32(e.regs.R[0]), uint32(e.regs.R[1]), uint32(e.regs.R[2])}
	e.runUpcall()
	return args
}

// Memop issues a raw memop syscall.
func (e *Env) Memop(op uint32, arg uint64) abi.SyscallReturn {
	ret, _ := e.syscall(abi.Syscall{Class: abi.ClassMemop, Sub: op, Args: [2]uint64{arg}})
	return ret
}

// SBrk grows (or shrinks) the heap by delta bytes and returns the previous
// break, or false on failure.
func (e *Env) SBrk(delta int64) (uint64, bool) {
	ret := e.Memop(abi.MemopSBrk, uint64(delta))
	if !ret.IsSuccess() {
		return 0, false
	}
	return ret.Values[0], true
}

// RAMStart returns the base of the process's RAM segment.
func (e *Env) RAMStart() uint64 { return e.Memop(abi.MemopRAMStart, 0).Values[0] }

// RAMEnd returns the first address past the process-usable RAM.
func (e *Env) RAMEnd() uint64 { return e.Memop(abi.MemopRAMEnd, 0).Values[0] }

// FlashStart returns the base of the process's flash segment.
func (e *Env) FlashStart() uint64 { return e.Memop(abi.MemopFlashStart, 0).Values[0] }

// FlashEnd returns the first address past the process's flash segment.
func (e *Env) FlashEnd() uint64 { return e.Memop(abi.MemopFlashEnd, 0).Values[0] }

// Exit terminates or restarts the process. Does not return.
func (e *Env) Exit(variant uint32) {
	for {
		// A successful exit never resumes; the kernel releases the
		// task instead. Resuming means the variant was rejected, so
		// fall back to plain termination.
		e.syscall(abi.Syscall{Class: abi.ClassExit, Sub: variant})
		variant = abi.ExitTerminate
	}
}

// Store writes data into process memory at addr. An access outside the
// active protection configuration faults the process, exactly like a wild
// store on hardware.
func (e *Env) Store(addr uint64, data []byte) {
	if !e.rt.chip.mpuUnit.Active().Allows(addr, uint64(len(data)), true) {
		e.fault(addr)
	}
	if err := e.task.proc.WriteRAM(addr, data); err != nil {
		e.fault(addr)
	}
}

// Load reads size bytes of process memory at addr, faulting on a
// protection violation.
func (e *Env) Load(addr, size uint64) []byte {
	if !e.rt.chip.mpuUnit.Active().Allows(addr, size, false) {
		e.fault(addr)
	}
	mem, err := e.task.proc.ValidateBuffer(addr, size, false)
	if err != nil {
		e.fault(addr)
	}
	out := make([]byte, size)
	copy(out, mem)
	return out
}

// Work simulates n ticks of computation, charging the preemption timer. If
// the timeslice expires the app traps and waits to be rescheduled before
// continuing.
func (e *Env) Work(n uint32) {
	clock := e.rt.chip.clock
	clock.Consume(n)
	if !clock.Expired() {
		return
	}
	e.sendTrap(trapMsg{
		trap:     chip.Trap{Reason: chip.TrapTimeslice},
		regs:     e.regs,
		saveRegs: true,
	})
	msg := e.await()
	e.regs = msg.regs
}
