package kernel

import (
	"sort"

	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/process"
)

// ProcessInfo is a point-in-time snapshot of one loaded process, safe to
// hold after the kernel lock is released.
type ProcessInfo struct {
	PID      types.ProcessID     `json:"pid"`
	AppID    string              `json:"app_id"`
	Name     string              `json:"name"`
	Slot     int                 `json:"slot"`
	State    string              `json:"state"`
	Policy   string              `json:"policy"`
	Priority int                 `json:"priority"`
	Faults   int                 `json:"faults"`
	Restarts int                 `json:"restarts"`
	Pending  int                 `json:"pending_upcalls"`
	Memory   process.MemoryStats `json:"memory"`
}

// Processes snapshots every occupied slot, live or not, ordered by slot.
func (k *Kernel) Processes() []ProcessInfo {
	k.mu.Lock()
	defer k.mu.Unlock()

	var infos []ProcessInfo
	for i, s := range k.slots {
		if s.proc == nil {
			continue
		}
		infos = append(infos, k.snapshotSlot(i, s))
	}
	sort.Slice(infos, func(a, b int) bool { return infos[a].Slot < infos[b].Slot })
	return infos
}

// Process snapshots the live process with the given ID.
func (k *Kernel) Process(pid types.ProcessID) (ProcessInfo, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for i, s := range k.slots {
		if s.proc != nil && s.proc.ID() == pid {
			return k.snapshotSlot(i, s), true
		}
	}
	return ProcessInfo{}, false
}

func (k *Kernel) snapshotSlot(slot int, s *procSlot) ProcessInfo {
	p := s.proc
	return ProcessInfo{
		PID:      p.ID(),
		AppID:    p.AppID().String(),
		Name:     p.Name(),
		Slot:     slot,
		State:    p.State().String(),
		Policy:   p.Policy().String(),
		Priority: p.Priority(),
		Faults:   p.Faults(),
		Restarts: p.Restarts(),
		Pending:  s.queue.len(),
		Memory:   p.Stats(),
	}
}

// StopProcess moves a live process to the stopped state. It keeps its slot
// and memory and can be resumed by RestartProcess.
func (k *Kernel) StopProcess(pid types.ProcessID) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	s := k.slotFor(pid)
	if s == nil {
		return ErrInvalidProcess
	}
	return s.proc.SetStopped()
}

// RestartProcess restarts the identified process from its retained image
// under a fresh process ID, discarding all run-time state. Works on live,
// faulted, and stopped processes alike.
func (k *Kernel) RestartProcess(pid types.ProcessID) (types.ProcessID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, s := range k.slots {
		if s.proc != nil && s.proc.ID() == pid && s.proc.State() != process.Terminated {
			k.restartSlot(s)
			return s.proc.ID(), nil
		}
	}
	return 0, ErrInvalidProcess
}

// TerminateProcess tears a live process down and frees its slot.
func (k *Kernel) TerminateProcess(pid types.ProcessID) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	s := k.slotFor(pid)
	if s == nil {
		return ErrInvalidProcess
	}
	k.terminateSlot(s)
	return nil
}
