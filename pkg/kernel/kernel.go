// Package kernel implements the process isolation and scheduling core: the
// syscall dispatcher, the scheduler, per-process upcall queues, and fault
// handling.
//
// The kernel runs one scheduling round at a time on a single core. Each
// round advances the tick counter, services capsule time pulses, asks the
// scheduling policy for the next eligible process, activates that process's
// memory protection configuration, and transfers control until the process
// traps. Capsule completions are never invoked into process context
// directly: they are queued as upcall records and delivered when the target
// process is next scheduled.
package kernel

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/appbin"
	"github.com/patsv99/tock/pkg/capsule"
	"github.com/patsv99/tock/pkg/chip"
	"github.com/patsv99/tock/pkg/process"
)

var (
	// ErrInvalidProcess is returned for operations on a process ID that
	// no longer names a live process.
	ErrInvalidProcess = errors.New("invalid process")

	// ErrNoFreeSlot is returned when every process slot is occupied.
	ErrNoFreeSlot = errors.New("no free process slot")

	// ErrCredentialRequired is returned when the kernel only accepts
	// credentialed images and the image has none or an untrusted one.
	ErrCredentialRequired = errors.New("image credential required")

	// ErrNoSuchDriver is returned for grant entry against an
	// unregistered driver number.
	ErrNoSuchDriver = errors.New("no such driver")
)

// Config holds kernel configuration.
type Config struct {
	// NumSlots is the number of process slots.
	NumSlots int

	// Budget is the per-slot memory budget.
	Budget process.MemoryBudget

	// UpcallQueueDepth bounds each process's pending upcall queue.
	// Overflow rejects the newest entry (see ErrQueueFull).
	UpcallQueueDepth int

	// Timeslice is the preemption timeslice in systick ticks.
	Timeslice uint32

	// Policy selects the scheduling policy. Defaults to round-robin.
	Policy Policy

	// TrustedKeys, when non-empty, makes the kernel refuse images whose
	// credential does not verify under one of these keys.
	TrustedKeys []ed25519.PublicKey

	// MaxRestarts stops a process instead of restarting it after this
	// many restarts under the restart fault policy. Zero means
	// unlimited.
	MaxRestarts int

	// Logf receives kernel log lines. Nil disables logging.
	Logf func(format string, args ...any)

	// OnFault is called when a process faults, before the fault policy
	// is applied.
	OnFault func(pid types.ProcessID, name string, reason string)

	// OnExit is called when a process terminates.
	OnExit func(pid types.ProcessID, name string)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		NumSlots:         4,
		Budget:           process.MemoryBudget{FlashSize: 64 * 1024, RAMSize: 16 * 1024},
		UpcallQueueDepth: 8,
		Timeslice:        10,
	}
}

type subKey struct {
	driver types.DriverNum
	sub    uint32
}

type allowRecord struct {
	addr   uint64
	length uint64
}

// procSlot is the kernel-side bookkeeping for one process slot: the
// process itself plus the subscription, allow, and upcall state that
// belongs to the kernel rather than to the process image.
type procSlot struct {
	proc     *process.Process
	queue    *upcallQueue
	subs     map[subKey]capsule.Subscription
	rwAllows map[subKey]allowRecord
	roAllows map[subKey]allowRecord
}

func (s *procSlot) reset() {
	s.queue.clear()
	s.subs = make(map[subKey]capsule.Subscription)
	s.rwAllows = make(map[subKey]allowRecord)
	s.roAllows = make(map[subKey]allowRecord)
}

// Kernel is the core. Create with New, register capsules, load processes,
// then drive with Run or Step.
type Kernel struct {
	mu       sync.Mutex
	cfg      Config
	chip     chip.Chip
	registry *capsule.Registry
	tickers  []capsule.Ticker
	slots    []*procSlot
	nextPID  types.ProcessID
	tick     uint64
}

// New creates a kernel on a chip. Register all capsules before loading the
// first process: the number of registered capsules fixes the per-process
// grant table size.
func New(c chip.Chip, cfg Config) *Kernel {
	def := DefaultConfig()
	if cfg.NumSlots == 0 {
		cfg.NumSlots = def.NumSlots
	}
	if cfg.Budget == (process.MemoryBudget{}) {
		cfg.Budget = def.Budget
	}
	if cfg.UpcallQueueDepth == 0 {
		cfg.UpcallQueueDepth = def.UpcallQueueDepth
	}
	if cfg.Timeslice == 0 {
		cfg.Timeslice = def.Timeslice
	}
	if cfg.Policy == nil {
		cfg.Policy = NewRoundRobin()
	}

	k := &Kernel{
		cfg:      cfg,
		chip:     c,
		registry: capsule.NewRegistry(),
		slots:    make([]*procSlot, cfg.NumSlots),
		nextPID:  1,
	}
	for i := range k.slots {
		k.slots[i] = &procSlot{queue: newUpcallQueue(cfg.UpcallQueueDepth)}
		k.slots[i].reset()
	}
	return k
}

// Register binds a capsule to its driver number.
func (k *Kernel) Register(num types.DriverNum, d capsule.Driver) error {
	if err := k.registry.Register(num, d); err != nil {
		return err
	}
	if t, ok := d.(capsule.Ticker); ok {
		k.tickers = append(k.tickers, t)
	}
	return nil
}

// Registry exposes the capsule registry (read-only use).
func (k *Kernel) Registry() *capsule.Registry { return k.registry }

func (k *Kernel) logf(format string, args ...any) {
	if k.cfg.Logf != nil {
		k.cfg.Logf(format, args...)
	}
}

// LoadOptions are the per-process load knobs.
type LoadOptions struct {
	Policy   process.FaultPolicy
	Priority int
}

// LoadProcess validates an image against the kernel's credential policy
// and a free slot's memory budget, constructs the process, and installs
// it. On any error no slot state is modified.
func (k *Kernel) LoadProcess(img *appbin.Image, opts LoadOptions) (types.ProcessID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.cfg.TrustedKeys) > 0 {
		if err := img.VerifyCredential(k.cfg.TrustedKeys); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCredentialRequired, err)
		}
	}

	slotIdx := -1
	for i, s := range k.slots {
		if s.proc == nil || !s.proc.Alive() {
			slotIdx = i
			break
		}
	}
	if slotIdx == -1 {
		return 0, ErrNoFreeSlot
	}

	pid := k.allocPID()
	p, err := process.Load(process.LoadParams{
		Slot:      slotIdx,
		ID:        pid,
		Image:     img,
		Budget:    k.cfg.Budget,
		NumGrants: k.registry.Len(),
		Policy:    opts.Policy,
		Priority:  opts.Priority,
	})
	if err != nil {
		return 0, err
	}

	s := k.slots[slotIdx]
	s.proc = p
	s.reset()
	k.logf("loaded %s (%s) into slot %d as %s", p.Name(), p.AppID().Short(), slotIdx, pid)
	return pid, nil
}

func (k *Kernel) allocPID() types.ProcessID {
	pid := k.nextPID
	k.nextPID++
	return pid
}

// slotFor returns the slot holding a live process with the given ID.
func (k *Kernel) slotFor(pid types.ProcessID) *procSlot {
	for _, s := range k.slots {
		if s.proc != nil && s.proc.Alive() && s.proc.ID() == pid {
			return s
		}
	}
	return nil
}

// ScheduleUpcall implements capsule.Kernel. Kernel-context use only
// (capsule methods and tickers run inside the scheduling round).
func (k *Kernel) ScheduleUpcall(pid types.ProcessID, up capsule.Upcall) error {
	s := k.slotFor(pid)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrInvalidProcess, pid)
	}
	return s.queue.push(up)
}

// EnterGrant implements capsule.Kernel.
func (k *Kernel) EnterGrant(pid types.ProcessID, driver types.DriverNum, size uint64, init func() any, fn func(state any) error) error {
	s := k.slotFor(pid)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrInvalidProcess, pid)
	}
	idx, ok := k.registry.GrantIndex(driver)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchDriver, driver)
	}
	return s.proc.Grants().Enter(idx, size, init, fn)
}

// ProcessAlive implements capsule.Kernel.
func (k *Kernel) ProcessAlive(pid types.ProcessID) bool {
	return k.slotFor(pid) != nil
}

// AppIDFor implements capsule.Kernel.
func (k *Kernel) AppIDFor(pid types.ProcessID) (types.AppID, bool) {
	s := k.slotFor(pid)
	if s == nil {
		return types.AppID{}, false
	}
	return s.proc.AppID(), true
}

// Ticks returns the kernel's monotonic scheduling tick counter.
func (k *Kernel) Ticks() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tick
}

// Step executes one scheduling round: advance time, service capsule
// ticks, then run at most one process until it traps and handle the trap.
// Returns true if a process ran.
func (k *Kernel) Step() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.step()
}

func (k *Kernel) step() bool {
	k.tick++
	for _, t := range k.tickers {
		t.Tick(k.tick)
	}

	cands := k.eligible()
	if len(cands) == 0 {
		return false
	}
	pick := k.cfg.Policy.Next(cands)
	k.execute(k.slots[cands[pick].Slot])
	return true
}

// eligible collects the schedulable processes: Running or Unstarted ones,
// plus yielded ones with a deliverable upcall pending.
func (k *Kernel) eligible() []Candidate {
	var cands []Candidate
	for i, s := range k.slots {
		p := s.proc
		if p == nil || !p.Alive() {
			continue
		}
		ok := false
		switch p.State() {
		case process.Unstarted, process.Running:
			ok = true
		case process.Yielded:
			k.scrubQueue(s)
			ok = s.queue.len() > 0
		case process.YieldedFor:
			t := p.WaitingOn()
			ok = s.queue.hasMatching(uint32(t.Driver), t.Sub)
		}
		if ok {
			cands = append(cands, Candidate{PID: p.ID(), Slot: i, Priority: p.Priority()})
		}
	}
	return cands
}

// scrubQueue drops queued upcalls whose subscription has been swapped to
// null; delivering them would jump through a null pointer.
func (k *Kernel) scrubQueue(s *procSlot) {
	n := s.queue.len()
	for i := 0; i < n; i++ {
		up, ok := s.queue.pop()
		if !ok {
			break
		}
		if sub, ok := s.subs[subKey{up.Driver, up.Sub}]; ok && !sub.IsNull() {
			s.queue.push(up)
		}
	}
}

// execute runs one process until it traps. The protection configuration is
// recomputed from the process's current segment shape and activated before
// control transfers; this is the only place protection hardware state is
// mutated.
func (k *Kernel) execute(s *procSlot) {
	p := s.proc

	m := k.chip.MPU()
	mpuCfg, err := m.Validate(p.MPURegions(m.Granule()))
	if err != nil {
		k.faultProcess(s, fmt.Sprintf("mpu config: %v", err))
		return
	}
	m.Activate(mpuCfg)

	how := chip.ResumeReturn
	switch p.State() {
	case process.Unstarted:
		if err := p.SetRunning(); err != nil {
			k.faultProcess(s, fmt.Sprintf("start: %v", err))
			return
		}
	case process.Yielded:
		up, ok := s.queue.pop()
		if !ok {
			return
		}
		if !k.deliverUpcall(s, up) {
			return
		}
		how = chip.ResumeUpcall
	case process.YieldedFor:
		t := p.WaitingOn()
		up, ok := s.queue.popMatching(uint32(t.Driver), t.Sub)
		if !ok {
			return
		}
		if !k.deliverUpcall(s, up) {
			return
		}
		how = chip.ResumeUpcall
	}

	k.chip.Systick().Start(k.cfg.Timeslice)
	trap, err := k.chip.Boundary().SwitchTo(p, how)
	if err != nil {
		k.faultProcess(s, fmt.Sprintf("boundary: %v", err))
		return
	}

	switch trap.Reason {
	case chip.TrapFault:
		k.faultProcess(s, fmt.Sprintf("illegal access at 0x%x", trap.FaultAddr))
	case chip.TrapTimeslice:
		// Preempted; stays Running and rejoins the ready set.
	case chip.TrapSyscall:
		k.dispatch(s, trap.Syscall)
	}
}

// deliverUpcall builds the upcall frame in the saved registers: PC set to
// the subscribed upcall pointer, r0-r2 the arguments, r3 the subscriber's
// userdata. Returns false if the subscription is gone (upcall dropped).
func (k *Kernel) deliverUpcall(s *procSlot, up capsule.Upcall) bool {
	sub, ok := s.subs[subKey{up.Driver, up.Sub}]
	if !ok || sub.IsNull() {
		return false
	}
	p := s.proc
	if err := p.SetRunning(); err != nil {
		k.faultProcess(s, fmt.Sprintf("deliver: %v", err))
		return false
	}
	regs := p.Registers()
	regs.PC = sub.UpcallPtr
	regs.R[0] = uint64(up.Args[0])
	regs.R[1] = uint64(up.Args[1])
	regs.R[2] = uint64(up.Args[2])
	regs.R[3] = sub.UserData
	if err := p.SaveContext(regs); err != nil {
		k.faultProcess(s, fmt.Sprintf("deliver: %v", err))
		return false
	}
	return true
}

// faultProcess records a fault and applies the process's fault policy.
// Faults are never silently recovered.
func (k *Kernel) faultProcess(s *procSlot, reason string) {
	p := s.proc
	k.logf("process %s (%s) fault: %s", p.ID(), p.Name(), reason)
	if k.cfg.OnFault != nil {
		k.cfg.OnFault(p.ID(), p.Name(), reason)
	}

	if p.Policy() == process.PolicyPanicKernel {
		panic(fmt.Sprintf("kernel: integrity-critical process %s (%s) faulted: %s", p.ID(), p.Name(), reason))
	}

	if err := p.SetFaulted(); err != nil {
		k.logf("process %s: %v", p.ID(), err)
	}

	switch p.Policy() {
	case process.PolicyRestart:
		if k.cfg.MaxRestarts > 0 && p.Restarts() >= k.cfg.MaxRestarts {
			k.logf("process %s (%s): restart limit reached, stopping", p.ID(), p.Name())
			if err := p.SetStopped(); err != nil {
				k.logf("process %s: %v", p.ID(), err)
			}
			return
		}
		k.restartSlot(s)
	case process.PolicyStop:
		if err := p.SetStopped(); err != nil {
			k.logf("process %s: %v", p.ID(), err)
		}
	}
}

// restartSlot reloads the slot's process from its retained image under a
// fresh process ID, discarding subscriptions, allows, and queued upcalls.
func (k *Kernel) restartSlot(s *procSlot) {
	old := s.proc.ID()
	k.chip.Boundary().Release(old)
	s.reset()
	newPID := k.allocPID()
	if err := s.proc.Restart(newPID); err != nil {
		k.logf("restart of %s failed: %v", old, err)
		return
	}
	k.logf("restarted %s as %s", old, newPID)
}

// terminateSlot tears the slot's process down and frees the slot.
func (k *Kernel) terminateSlot(s *procSlot) {
	p := s.proc
	k.chip.Boundary().Release(p.ID())
	if err := p.Terminate(); err != nil {
		k.logf("terminate of %s: %v", p.ID(), err)
	}
	s.reset()
	k.logf("process %s (%s) exited", p.ID(), p.Name())
	if k.cfg.OnExit != nil {
		k.cfg.OnExit(p.ID(), p.Name())
	}
}

// anyAlive reports whether any slot holds a live process.
func (k *Kernel) anyAlive() bool {
	for _, s := range k.slots {
		if s.proc != nil && s.proc.Alive() {
			return true
		}
	}
	return false
}

// Run drives scheduling rounds until the context is cancelled or no live
// process remains. Idle rounds (no eligible process) sleep briefly, the
// hosted stand-in for waiting on an interrupt.
func (k *Kernel) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ran := k.Step()

		k.mu.Lock()
		alive := k.anyAlive()
		k.mu.Unlock()
		if !alive {
			return nil
		}
		if !ran {
			time.Sleep(200 * time.Microsecond)
		}
	}
}
