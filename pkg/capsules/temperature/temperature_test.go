package temperature

import (
	"errors"
	"testing"

	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/capsule"
)

type scheduled struct {
	pid types.ProcessID
	up  capsule.Upcall
}

type fakeKernel struct {
	dead    map[types.ProcessID]bool
	full    bool
	upcalls []scheduled
}

func (f *fakeKernel) ScheduleUpcall(pid types.ProcessID, up capsule.Upcall) error {
	if f.full {
		return errors.New("upcall queue full")
	}
	f.upcalls = append(f.upcalls, scheduled{pid, up})
	return nil
}

func (f *fakeKernel) EnterGrant(types.ProcessID, types.DriverNum, uint64, func() any, func(any) error) error {
	return nil
}

func (f *fakeKernel) ProcessAlive(pid types.ProcessID) bool { return !f.dead[pid] }

func (f *fakeKernel) AppIDFor(types.ProcessID) (types.AppID, bool) { return types.AppID{}, true }

func TestConversionAtReference(t *testing.T) {
	s := New(&fakeKernel{}, Config{})
	if got := s.convert(DefaultV27); got != 2700 {
		t.Errorf("convert(V27) = %d, want 2700", got)
	}
}

func TestConversionSlope(t *testing.T) {
	s := New(&fakeKernel{}, Config{})
	// One degree hotter drops the diode voltage by one slope unit.
	if got := s.convert(DefaultV27 - DefaultSlope); got != 2800 {
		t.Errorf("convert(V27 - slope) = %d, want 2800", got)
	}
}

func TestSplitPhaseRead(t *testing.T) {
	fk := &fakeKernel{}
	s := New(fk, Config{Sample: func() float64 { return DefaultV27 }})
	pid := types.ProcessID(1)

	if ret := s.Command(CmdRead, 0, 0, pid); !ret.IsSuccess() {
		t.Fatalf("read command = %+v, want success", ret)
	}
	if len(fk.upcalls) != 0 {
		t.Fatal("reading completed synchronously")
	}

	s.Tick(1)
	if len(fk.upcalls) != 1 {
		t.Fatalf("got %d upcalls, want 1", len(fk.upcalls))
	}
	up := fk.upcalls[0].up
	if up.Sub != UpcallReading || int32(up.Args[0]) != 2700 {
		t.Errorf("reading upcall = %+v, want 2700 centidegrees", up)
	}
}

func TestQueueArbitratesFIFO(t *testing.T) {
	fk := &fakeKernel{}
	s := New(fk, Config{})

	s.Command(CmdRead, 0, 0, types.ProcessID(1))
	s.Command(CmdRead, 0, 0, types.ProcessID(2))

	s.Tick(1)
	s.Tick(2)
	if len(fk.upcalls) != 2 {
		t.Fatalf("got %d upcalls, want 2", len(fk.upcalls))
	}
	if fk.upcalls[0].pid != 1 || fk.upcalls[1].pid != 2 {
		t.Errorf("completion order = %d, %d, want 1, 2", fk.upcalls[0].pid, fk.upcalls[1].pid)
	}
}

func TestOneSamplePerTick(t *testing.T) {
	fk := &fakeKernel{}
	s := New(fk, Config{})
	s.Command(CmdRead, 0, 0, types.ProcessID(1))
	s.Command(CmdRead, 0, 0, types.ProcessID(2))

	s.Tick(1)
	if len(fk.upcalls) != 1 {
		t.Errorf("completed %d reads in one tick, want 1", len(fk.upcalls))
	}
}

func TestDuplicateReadIsBusy(t *testing.T) {
	s := New(&fakeKernel{}, Config{})
	pid := types.ProcessID(1)
	s.Command(CmdRead, 0, 0, pid)
	if ret := s.Command(CmdRead, 0, 0, pid); ret.IsSuccess() || ret.Code != types.CodeBusy {
		t.Errorf("second read = %+v, want BUSY failure", ret)
	}
}

func TestFullQueueRetriesNextTick(t *testing.T) {
	fk := &fakeKernel{}
	s := New(fk, Config{Sample: func() float64 { return DefaultV27 }})
	pid := types.ProcessID(1)
	s.Command(CmdRead, 0, 0, pid)

	fk.full = true
	s.Tick(1)
	if len(fk.upcalls) != 0 {
		t.Fatal("upcall scheduled into a full queue")
	}

	fk.full = false
	s.Tick(2)
	if len(fk.upcalls) != 1 || fk.upcalls[0].pid != pid {
		t.Fatalf("upcalls = %+v, want one completion for pid 1", fk.upcalls)
	}
	if got := int32(fk.upcalls[0].up.Args[0]); got != 2700 {
		t.Errorf("reading = %d, want 2700", got)
	}
}

func TestDeadRequesterSkipped(t *testing.T) {
	fk := &fakeKernel{dead: map[types.ProcessID]bool{1: true}}
	s := New(fk, Config{})
	s.Command(CmdRead, 0, 0, types.ProcessID(1))
	s.Command(CmdRead, 0, 0, types.ProcessID(2))

	s.Tick(1)
	if len(fk.upcalls) != 1 || fk.upcalls[0].pid != 2 {
		t.Errorf("upcalls = %+v, want single completion for pid 2", fk.upcalls)
	}
}
