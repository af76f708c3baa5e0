package kernel

import (
	"fmt"

	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/abi"
	"github.com/patsv99/tock/pkg/capsule"
	"github.com/patsv99/tock/pkg/process"
)

// dispatch decodes one trapped syscall and routes it. Driver-directed
// classes resolve through the capsule registry; yield/memop/exit are
// kernel services. Buffer-passing operations re-validate the supplied
// pointer and length against the calling process's own segments on every
// call; bad bounds are a memory-safety violation attempt and fault the
// process instead of returning an error code.
func (k *Kernel) dispatch(s *procSlot, sc abi.Syscall) {
	p := s.proc

	switch sc.Class {
	case abi.ClassYield:
		k.doYield(s, sc)
	case abi.ClassSubscribe:
		p.SetReturn(k.doSubscribe(s, sc))
	case abi.ClassCommand:
		p.SetReturn(k.doCommand(s, sc))
	case abi.ClassAllowReadWrite:
		k.doAllow(s, sc, true)
	case abi.ClassAllowReadOnly:
		k.doAllow(s, sc, false)
	case abi.ClassMemop:
		p.SetReturn(k.doMemop(s, sc))
	case abi.ClassExit:
		k.doExit(s, sc)
	default:
		p.SetReturn(abi.Failure(types.CodeNoSupport))
	}
}

// doYield handles the three yield variants. The process's queue has been
// scrubbed of undeliverable entries before eligibility was computed; doing
// it again here keeps yield-no-wait truthful when subscriptions changed
// during this very round.
func (k *Kernel) doYield(s *procSlot, sc abi.Syscall) {
	p := s.proc
	k.scrubQueue(s)

	switch sc.Sub {
	case abi.YieldNoWait:
		if s.queue.len() == 0 {
			// Nothing pending: report "no upcall delivered" and
			// keep running.
			p.SetReturn(abi.SuccessU32(0))
			return
		}
		// An upcall is pending; it is delivered when the process is
		// next scheduled, which the non-empty queue guarantees is
		// immediate.
		if err := p.SetYielded(); err != nil {
			k.faultProcess(s, fmt.Sprintf("yield: %v", err))
		}
	case abi.YieldWait:
		if err := p.SetYielded(); err != nil {
			k.faultProcess(s, fmt.Sprintf("yield: %v", err))
		}
	case abi.YieldWaitFor:
		target := process.WaitTarget{
			Driver: types.DriverNum(sc.Args[0]),
			Sub:    uint32(sc.Args[1]),
		}
		if err := p.SetYieldedFor(target); err != nil {
			k.faultProcess(s, fmt.Sprintf("yield: %v", err))
		}
	default:
		p.SetReturn(abi.Failure(types.CodeNoSupport))
	}
}

// doSubscribe swaps the upcall registered for (driver, sub) and returns
// the previous subscription to the caller, Tock-style: the process always
// gets its old upcall pointer back so it can reclaim the closure behind it.
func (k *Kernel) doSubscribe(s *procSlot, sc abi.Syscall) abi.SyscallReturn {
	d, ok := k.registry.Get(sc.Driver)
	if !ok {
		return abi.Failure(types.CodeNoDevice)
	}

	key := subKey{sc.Driver, sc.Sub}
	old := s.subs[key]
	next := capsule.Subscription{UpcallPtr: sc.Args[0], UserData: sc.Args[1]}
	s.subs[key] = next

	if code := d.Subscribe(sc.Sub, next, s.proc.ID()); code != types.CodeOK {
		s.subs[key] = old
		return abi.FailureU32U32(code, old.UpcallPtr, old.UserData)
	}
	return abi.SuccessU32U32(old.UpcallPtr, old.UserData)
}

func (k *Kernel) doCommand(s *procSlot, sc abi.Syscall) abi.SyscallReturn {
	d, ok := k.registry.Get(sc.Driver)
	if !ok {
		return abi.Failure(types.CodeNoDevice)
	}
	return d.Command(sc.Sub, uint32(sc.Args[0]), uint32(sc.Args[1]), s.proc.ID())
}

// doAllow validates the supplied buffer against the calling process's own
// memory and hands the capsule a checked handle. Invalid bounds fault the
// process. On success the previous share's (address, length) is returned
// to the process.
func (k *Kernel) doAllow(s *procSlot, sc abi.Syscall, writable bool) {
	p := s.proc

	d, ok := k.registry.Get(sc.Driver)
	if !ok {
		p.SetReturn(abi.Failure(types.CodeNoDevice))
		return
	}

	addr, length := sc.Args[0], sc.Args[1]
	mem, err := p.ValidateBuffer(addr, length, writable)
	if err != nil {
		k.faultProcess(s, fmt.Sprintf("allow: %v", err))
		return
	}
	buf := capsule.NewBuffer(p.ID(), addr, mem, !writable)

	key := subKey{sc.Driver, sc.Sub}
	allows := s.roAllows
	if writable {
		allows = s.rwAllows
	}
	old := allows[key]

	var code types.ErrorCode
	if writable {
		code = d.AllowReadWrite(sc.Sub, buf, p.ID())
	} else {
		code = d.AllowReadOnly(sc.Sub, buf, p.ID())
	}
	if code != types.CodeOK {
		p.SetReturn(abi.FailureU32U32(code, old.addr, old.length))
		return
	}

	allows[key] = allowRecord{addr: addr, length: length}
	p.SetReturn(abi.SuccessU32U32(old.addr, old.length))
}

func (k *Kernel) doMemop(s *procSlot, sc abi.Syscall) abi.SyscallReturn {
	p := s.proc

	switch sc.Sub {
	case abi.MemopBrk:
		if err := p.SetBrk(sc.Args[0]); err != nil {
			return abi.Failure(types.CodeInvalid)
		}
		return abi.Success()
	case abi.MemopSBrk:
		old, err := p.SBrk(int64(sc.Args[0]))
		if err != nil {
			return abi.Failure(types.CodeNoMem)
		}
		return abi.SuccessU32(old)
	case abi.MemopFlashStart:
		start, _ := p.FlashRange()
		return abi.SuccessU32(start)
	case abi.MemopFlashEnd:
		_, end := p.FlashRange()
		return abi.SuccessU32(end)
	case abi.MemopRAMStart:
		start, _ := p.RAMRange()
		return abi.SuccessU32(start)
	case abi.MemopRAMEnd:
		// The process-visible end of RAM is the grant break; the
		// grant tail above it is capsule-owned.
		return abi.SuccessU32(p.GrantBrk())
	default:
		return abi.Failure(types.CodeNoSupport)
	}
}

func (k *Kernel) doExit(s *procSlot, sc abi.Syscall) {
	switch sc.Sub {
	case abi.ExitTerminate:
		k.terminateSlot(s)
	case abi.ExitRestart:
		k.restartSlot(s)
	default:
		s.proc.SetReturn(abi.Failure(types.CodeNoSupport))
	}
}
