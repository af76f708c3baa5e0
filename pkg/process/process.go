// Package process implements the process control block and the loader that
// constructs it from a validated application image.
//
// Each process owns two memory segments at per-slot virtual bases: a
// read/execute flash segment holding the placed application payload and a
// read/write RAM segment. RAM is partitioned low-to-high as stack (fixed
// size, stack pointer starts at its top and grows down), heap (break grows
// up), free space, and the grant tail (break grows down from the RAM end,
// owned by capsules and inaccessible to the process). The two breaks are
// movable for the process's whole lifetime; an allocation that would make
// them collide fails rather than overlapping.
package process

import (
	"errors"
	"fmt"

	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/abi"
	"github.com/patsv99/tock/pkg/appbin"
	"github.com/patsv99/tock/pkg/grant"
)

var (
	// ErrInsufficientMemory is returned when an image's declared sizes
	// exceed the slot's memory budget.
	ErrInsufficientMemory = errors.New("image requirements exceed memory budget")

	// ErrInvalidImage is returned for a structurally invalid image.
	ErrInvalidImage = errors.New("invalid process image")

	// ErrBadBuffer is returned when a process-supplied buffer does not
	// lie entirely within that process's accessible memory.
	ErrBadBuffer = errors.New("buffer outside process memory")

	// ErrBadBreak is returned for a brk/sbrk target outside the heap's
	// legal range.
	ErrBadBreak = errors.New("break outside heap range")

	// ErrBadTransition is returned for a state transition the lifecycle
	// does not permit.
	ErrBadTransition = errors.New("invalid process state transition")

	// ErrBadStackPointer is returned when a saved context's stack
	// pointer lies outside the process's stack region.
	ErrBadStackPointer = errors.New("stack pointer outside stack region")
)

// State is the closed set of process lifecycle states. Only Running
// processes (and Unstarted ones, for their first entry) are eligible for
// scheduling.
type State int

// Process states.
const (
	Unstarted State = iota
	Running
	Yielded
	YieldedFor
	Faulted
	Stopped
	Terminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Running:
		return "running"
	case Yielded:
		return "yielded"
	case YieldedFor:
		return "yielded-for"
	case Faulted:
		return "faulted"
	case Stopped:
		return "stopped"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state-%d", int(s))
}

// FaultPolicy selects what the kernel does when a process faults.
type FaultPolicy int

// Fault policies.
const (
	// PolicyRestart reloads the process from its original image,
	// discarding all state.
	PolicyRestart FaultPolicy = iota

	// PolicyStop leaves the process in Stopped, retaining memory for
	// inspection but excluding it from scheduling.
	PolicyStop

	// PolicyPanicKernel panics the kernel. For processes whose failure
	// compromises kernel integrity.
	PolicyPanicKernel
)

// String implements fmt.Stringer.
func (p FaultPolicy) String() string {
	switch p {
	case PolicyRestart:
		return "restart"
	case PolicyStop:
		return "stop"
	case PolicyPanicKernel:
		return "panic-kernel"
	}
	return fmt.Sprintf("policy-%d", int(p))
}

// WaitTarget identifies the completion a YieldedFor process is waiting on.
type WaitTarget struct {
	Driver types.DriverNum
	Sub    uint32
}

// Process is one loaded application.
type Process struct {
	id    types.ProcessID
	appID types.AppID
	name  string

	state      State
	waitTarget WaitTarget

	regs abi.RegisterFile

	flashBase uint64
	flash     []byte

	ramBase   uint64
	ram       []byte
	stackSize uint64
	heapBrk   uint64 // absolute address, grows up
	grantBrk  uint64 // absolute address, grows down

	grants    *grant.Region
	numGrants int

	policy   FaultPolicy
	priority int

	image *appbin.Image // retained for restart

	faults   int
	restarts int
}

// ID returns the process identifier.
func (p *Process) ID() types.ProcessID { return p.id }

// AppID returns the content address of the process's image.
func (p *Process) AppID() types.AppID { return p.appID }

// Name returns the application name from the image header.
func (p *Process) Name() string { return p.name }

// State returns the current lifecycle state.
func (p *Process) State() State { return p.state }

// Policy returns the configured fault policy.
func (p *Process) Policy() FaultPolicy { return p.policy }

// Priority returns the scheduling priority (higher runs first under a
// priority policy).
func (p *Process) Priority() int { return p.priority }

// Faults returns the number of faults the process has taken.
func (p *Process) Faults() int { return p.faults }

// Restarts returns how many times the process has been restarted.
func (p *Process) Restarts() int { return p.restarts }

// WaitingOn returns the wait target of a YieldedFor process.
func (p *Process) WaitingOn() WaitTarget { return p.waitTarget }

// Grants returns the process's grant region.
func (p *Process) Grants() *grant.Region { return p.grants }

// Registers returns a copy of the saved register context.
func (p *Process) Registers() abi.RegisterFile { return p.regs }

// SetReturn marshals a syscall return into the saved registers.
func (p *Process) SetReturn(ret abi.SyscallReturn) {
	ret.Encode(&p.regs)
}

// SaveContext stores a trapped register file, enforcing that the stack
// pointer still lies within the stack region.
func (p *Process) SaveContext(regs abi.RegisterFile) error {
	if regs.SP < p.ramBase || regs.SP > p.ramBase+p.stackSize {
		return fmt.Errorf("%w: sp=0x%x stack=[0x%x, 0x%x]", ErrBadStackPointer,
			regs.SP, p.ramBase, p.ramBase+p.stackSize)
	}
	p.regs = regs
	return nil
}

// Schedulable reports whether the scheduler may select the process.
func (p *Process) Schedulable() bool {
	return p.state == Running || p.state == Unstarted
}

// Alive reports whether the process still occupies its slot.
func (p *Process) Alive() bool {
	return p.state != Terminated
}

// transition table: for each state, the states it may move to.
var transitions = map[State][]State{
	Unstarted:  {Running, Faulted, Stopped, Terminated},
	Running:    {Yielded, YieldedFor, Faulted, Stopped, Terminated},
	Yielded:    {Running, Faulted, Stopped, Terminated},
	YieldedFor: {Running, Faulted, Stopped, Terminated},
	Faulted:    {Unstarted, Stopped, Terminated},
	Stopped:    {Running, Unstarted, Terminated},
	Terminated: {},
}

func (p *Process) setState(next State) error {
	for _, ok := range transitions[p.state] {
		if next == ok {
			p.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrBadTransition, p.state, next)
}

// SetRunning marks the process runnable.
func (p *Process) SetRunning() error { return p.setState(Running) }

// SetYielded marks the process as waiting for any upcall.
func (p *Process) SetYielded() error { return p.setState(Yielded) }

// SetYieldedFor marks the process as waiting for a specific completion.
func (p *Process) SetYieldedFor(target WaitTarget) error {
	if err := p.setState(YieldedFor); err != nil {
		return err
	}
	p.waitTarget = target
	return nil
}

// SetFaulted records a fault. The caller applies the fault policy.
func (p *Process) SetFaulted() error {
	if err := p.setState(Faulted); err != nil {
		return err
	}
	p.faults++
	return nil
}

// SetStopped excludes the process from scheduling, retaining its memory.
func (p *Process) SetStopped() error { return p.setState(Stopped) }

// Terminate tears the process down: grants are discarded and the slot can
// be reclaimed. Terminal.
func (p *Process) Terminate() error {
	if err := p.setState(Terminated); err != nil {
		return err
	}
	p.grants.Teardown()
	return nil
}

// Restart reloads the process from its retained image under a fresh
// process ID: RAM is zeroed, the register file and breaks return to their
// initial values, and all grants are discarded so a later grant entry
// behaves as a first-ever entry.
func (p *Process) Restart(newID types.ProcessID) error {
	switch p.state {
	case Terminated:
		return fmt.Errorf("%w: restart of terminated process", ErrBadTransition)
	}

	p.grants.Teardown()
	for i := range p.ram {
		p.ram[i] = 0
	}

	p.id = newID
	p.state = Unstarted
	p.waitTarget = WaitTarget{}
	p.initMemory()
	p.initRegisters()
	p.grants = grant.NewRegion(p.numGrants, p.reserveGrant)
	p.restarts++
	return nil
}
