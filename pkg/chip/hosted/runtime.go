package hosted

import (
	"errors"
	"fmt"
	"sync"

	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/abi"
	"github.com/patsv99/tock/pkg/chip"
	"github.com/patsv99/tock/pkg/process"
)

var (
	// ErrAppExists is returned when registering a duplicate app name.
	ErrAppExists = errors.New("app already registered")

	// ErrNoSuchApp is returned when a loaded process names an app no
	// entry function was registered for.
	ErrNoSuchApp = errors.New("no registered app for process")
)

// AppMain is the entry function of a hosted application. It runs on its own
// goroutine and talks to the kernel exclusively through env.
type AppMain func(env *Env)

// Runtime implements chip.Boundary. Each live process ID maps to one task:
// a goroutine running the app's entry function plus the rendezvous channels
// that pass control back and forth. The handoff is strict: SwitchTo blocks
// until the task traps, and the task blocks until the next SwitchTo, so
// kernel and application never run concurrently.
type Runtime struct {
	chip *Chip
	logf func(format string, args ...any)

	mu    sync.Mutex
	apps  map[string]AppMain
	tasks map[types.ProcessID]*task
}

type resumeMsg struct {
	how  chip.Resumption
	regs abi.RegisterFile
}

type trapMsg struct {
	trap chip.Trap
	regs abi.RegisterFile

	// saveRegs is false for fault traps: the register context at a
	// fault is not a well-formed save state.
	saveRegs bool
}

type task struct {
	proc   *process.Process
	resume chan resumeMsg
	trap   chan trapMsg
	quit   chan struct{}
}

func newRuntime(c *Chip, logf func(string, ...any)) *Runtime {
	return &Runtime{
		chip:  c,
		logf:  logf,
		apps:  make(map[string]AppMain),
		tasks: make(map[types.ProcessID]*task),
	}
}

// RegisterApp binds an entry function to an app name. A loaded process
// whose image name matches runs this function.
func (r *Runtime) RegisterApp(name string, main AppMain) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.apps[name]; ok {
		return fmt.Errorf("%w: %q", ErrAppExists, name)
	}
	r.apps[name] = main
	return nil
}

// SwitchTo implements chip.Boundary. The first switch to a process ID
// spawns its task goroutine; subsequent switches resume it. Returns when
// the task traps.
func (r *Runtime) SwitchTo(p *process.Process, how chip.Resumption) (chip.Trap, error) {
	r.mu.Lock()
	t, ok := r.tasks[p.ID()]
	if !ok {
		main, found := r.apps[p.Name()]
		if !found {
			r.mu.Unlock()
			return chip.Trap{}, fmt.Errorf("%w: %q", ErrNoSuchApp, p.Name())
		}
		t = &task{
			proc:   p,
			resume: make(chan resumeMsg),
			trap:   make(chan trapMsg),
			quit:   make(chan struct{}),
		}
		r.tasks[p.ID()] = t
		go r.runApp(t, main)
	}
	r.mu.Unlock()

	t.resume <- resumeMsg{how: how, regs: p.Registers()}
	msg := <-t.trap

	if msg.saveRegs {
		if err := p.SaveContext(msg.regs); err != nil {
			return chip.Trap{Reason: chip.TrapFault, FaultAddr: msg.regs.SP}, nil
		}
	}
	return msg.trap, nil
}

// Release implements chip.Boundary. The task goroutine, parked waiting for
// its next resume, observes the closed quit channel and exits.
func (r *Runtime) Release(pid types.ProcessID) {
	r.mu.Lock()
	t := r.tasks[pid]
	delete(r.tasks, pid)
	r.mu.Unlock()
	if t != nil {
		close(t.quit)
	}
}

func (r *Runtime) runApp(t *task, main AppMain) {
	env := &Env{
		rt:        r,
		task:      t,
		callbacks: make(map[uint64]UpcallFunc),
		nextPtr:   upcallPtrBase,
	}

	// Wait for the initial dispatch before entering the app.
	msg := env.await()
	env.regs = msg.regs

	defer func() {
		if rec := recover(); rec != nil {
			if r.logf != nil {
				r.logf("app %q panicked: %v", t.proc.Name(), rec)
			}
			env.sendTrap(trapMsg{trap: chip.Trap{Reason: chip.TrapFault, FaultAddr: env.regs.PC}})
			env.await()
		}
	}()

	main(env)

	// Falling off the end of main is a clean exit.
	env.Exit(abi.ExitTerminate)
}
