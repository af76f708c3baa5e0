// Package alarm is the timer driver. A process arms an alarm a number of
// ticks into the future and receives an upcall carrying the tick it fired
// at. One alarm per process; re-arming replaces the pending one. The
// per-process deadline lives in the capsule's grant, so a process restart
// discards it with the rest of the grant region.
package alarm

import (
	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/abi"
	"github.com/patsv99/tock/pkg/capsule"
)

// DriverNum is the alarm's driver number.
const DriverNum = types.DriverNum(0x0)

// Driver sub-operations.
const (
	CmdExists    = 0
	CmdFrequency = 1
	CmdNow       = 2
	CmdStop      = 3
	CmdSet       = 4 // arg0 = ticks from now

	// UpcallFired completes an armed alarm; arg0 is the tick it fired
	// at, arg1 the tick it was armed for.
	UpcallFired = 0
)

// Frequency is the nominal tick rate reported to processes. The hosted
// board advances one tick per scheduling round; the value exists so
// userspace code written against a real tick rate keeps working.
const Frequency = uint32(1000)

const grantSize = 16

// Alarm implements capsule.Driver for driver number 0x0 and fires pending
// alarms from the kernel's tick pulse.
type Alarm struct {
	kern capsule.Kernel
	now  uint64

	// armed tracks which processes hold a pending alarm, so Tick only
	// enters grants that can fire.
	armed map[types.ProcessID]struct{}
}

type alarmGrant struct {
	deadline uint64
	pending  bool
}

// New creates the alarm capsule.
func New(kern capsule.Kernel) *Alarm {
	return &Alarm{
		kern:  kern,
		armed: make(map[types.ProcessID]struct{}),
	}
}

// Command implements capsule.Driver.
func (a *Alarm) Command(sub, arg0, _ uint32, pid types.ProcessID) abi.SyscallReturn {
	switch sub {
	case CmdExists:
		return abi.Success()
	case CmdFrequency:
		return abi.SuccessU32(uint64(Frequency))
	case CmdNow:
		return abi.SuccessU32(a.now)
	case CmdStop:
		err := a.enter(pid, func(g *alarmGrant) error {
			g.pending = false
			return nil
		})
		if err != nil {
			return abi.Failure(types.CodeNoMem)
		}
		delete(a.armed, pid)
		return abi.Success()
	case CmdSet:
		deadline := a.now + uint64(arg0)
		err := a.enter(pid, func(g *alarmGrant) error {
			g.deadline = deadline
			g.pending = true
			return nil
		})
		if err != nil {
			return abi.Failure(types.CodeNoMem)
		}
		a.armed[pid] = struct{}{}
		return abi.SuccessU32(deadline)
	}
	return abi.Failure(types.CodeNoSupport)
}

// Subscribe implements capsule.Driver.
func (a *Alarm) Subscribe(sub uint32, _ capsule.Subscription, _ types.ProcessID) types.ErrorCode {
	if sub != UpcallFired {
		return types.CodeNoSupport
	}
	return types.CodeOK
}

// AllowReadWrite implements capsule.Driver.
func (a *Alarm) AllowReadWrite(_ uint32, _ capsule.Buffer, _ types.ProcessID) types.ErrorCode {
	return types.CodeNoSupport
}

// AllowReadOnly implements capsule.Driver.
func (a *Alarm) AllowReadOnly(_ uint32, _ capsule.Buffer, _ types.ProcessID) types.ErrorCode {
	return types.CodeNoSupport
}

// Tick implements capsule.Ticker: fire every alarm whose deadline has
// passed. A full upcall queue retries on the next tick rather than losing
// the alarm.
func (a *Alarm) Tick(now uint64) {
	a.now = now
	for pid := range a.armed {
		if !a.kern.ProcessAlive(pid) {
			delete(a.armed, pid)
			continue
		}
		fired := false
		var deadline uint64
		err := a.enter(pid, func(g *alarmGrant) error {
			if g.pending && now >= g.deadline {
				g.pending = false
				fired = true
				deadline = g.deadline
			}
			return nil
		})
		if err != nil || !fired {
			continue
		}
		err = a.kern.ScheduleUpcall(pid, capsule.Upcall{
			Driver: DriverNum,
			Sub:    UpcallFired,
			Args:   [3]uint32{uint32(now), uint32(deadline)},
		})
		if err != nil {
			// Queue full: re-arm and retry next tick.
			a.enter(pid, func(g *alarmGrant) error {
				g.pending = true
				return nil
			})
			continue
		}
		delete(a.armed, pid)
	}
}

func (a *Alarm) enter(pid types.ProcessID, fn func(*alarmGrant) error) error {
	return a.kern.EnterGrant(pid, DriverNum, grantSize,
		func() any { return &alarmGrant{} },
		func(state any) error { return fn(state.(*alarmGrant)) })
}
