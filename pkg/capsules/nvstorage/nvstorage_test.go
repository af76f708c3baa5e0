package nvstorage

import (
	"bytes"
	"errors"
	"testing"

	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/capsule"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(StoreConfig{InMemory: true, RegionSize: 256})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func appID(b byte) types.AppID {
	var id types.AppID
	id[0] = b
	return id
}

func TestStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	id := appID(1)

	if err := s.Write(id, 10, []byte("persist")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, 7)
	if err := s.Read(id, 10, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte("persist")) {
		t.Errorf("Read = %q, want persist", got)
	}
}

func TestStoreUnwrittenReadsZero(t *testing.T) {
	s := openTestStore(t)
	got := []byte{0xff, 0xff, 0xff}
	if err := s.Read(appID(1), 0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte{0, 0, 0}) {
		t.Errorf("unwritten region = %v, want zeros", got)
	}
}

func TestStoreRegionsAreIsolated(t *testing.T) {
	s := openTestStore(t)
	if err := s.Write(appID(1), 0, []byte("secret")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, 6)
	if err := s.Read(appID(2), 0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, make([]byte, 6)) {
		t.Errorf("other app's region = %q, want zeros", got)
	}
}

func TestStoreRangeChecks(t *testing.T) {
	s := openTestStore(t)
	if err := s.Write(appID(1), 250, make([]byte, 16)); err == nil {
		t.Error("write past region end succeeded")
	}
	if err := s.Read(appID(1), -1, make([]byte, 4)); err == nil {
		t.Error("read at negative offset succeeded")
	}
}

func TestStoreDiskPersistence(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultStoreConfig(dir)
	cfg.RegionSize = 128

	s, err := OpenStore(cfg)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := s.Write(appID(3), 0, []byte("durable")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = OpenStore(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got := make([]byte, 7)
	if err := s.Read(appID(3), 0, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte("durable")) {
		t.Errorf("after reopen = %q, want durable", got)
	}
}

type scheduled struct {
	pid types.ProcessID
	up  capsule.Upcall
}

type fakeKernel struct {
	appIDs  map[types.ProcessID]types.AppID
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

func (f *fakeKernel) ProcessAlive(pid types.ProcessID) bool {
	_, ok := f.appIDs[pid]
	return ok
}

func (f *fakeKernel) AppIDFor(pid types.ProcessID) (types.AppID, bool) {
	id, ok := f.appIDs[pid]
	return id, ok
}

func TestCapsuleWriteThenRead(t *testing.T) {
	fk := &fakeKernel{appIDs: map[types.ProcessID]types.AppID{1: appID(1)}}
	c := New(fk, openTestStore(t))
	pid := types.ProcessID(1)

	src := []byte("saved state")
	c.AllowReadOnly(AllowWriteBuffer, capsule.NewBuffer(pid, 0x2000_0100, src, true), pid)
	if ret := c.Command(CmdWrite, 0, uint32(len(src)), pid); !ret.IsSuccess() {
		t.Fatalf("write command = %+v, want success", ret)
	}
	c.Tick(1)

	if len(fk.upcalls) != 1 {
		t.Fatalf("got %d upcalls after write, want 1", len(fk.upcalls))
	}
	up := fk.upcalls[0].up
	if up.Sub != UpcallWriteDone || up.Args[0] != uint32(types.CodeOK) || up.Args[1] != uint32(len(src)) {
		t.Fatalf("write completion = %+v, want OK count %d", up, len(src))
	}

	dst := make([]byte, len(src))
	c.AllowReadWrite(AllowReadBuffer, capsule.NewBuffer(pid, 0x2000_0200, dst, false), pid)
	if ret := c.Command(CmdRead, 0, uint32(len(src)), pid); !ret.IsSuccess() {
		t.Fatalf("read command = %+v, want success", ret)
	}
	c.Tick(2)

	if !bytes.Equal(dst, src) {
		t.Errorf("read back %q, want %q", dst, src)
	}
	up = fk.upcalls[1].up
	if up.Sub != UpcallReadDone || up.Args[0] != uint32(types.CodeOK) {
		t.Errorf("read completion = %+v, want OK", up)
	}
}

func TestCapsuleFullQueueRetriesNextTick(t *testing.T) {
	fk := &fakeKernel{appIDs: map[types.ProcessID]types.AppID{1: appID(1)}}
	c := New(fk, openTestStore(t))
	pid := types.ProcessID(1)

	src := []byte("saved state")
	c.AllowReadOnly(AllowWriteBuffer, capsule.NewBuffer(pid, 0x2000_0100, src, true), pid)
	if ret := c.Command(CmdWrite, 0, uint32(len(src)), pid); !ret.IsSuccess() {
		t.Fatalf("write command = %+v, want success", ret)
	}

	fk.full = true
	c.Tick(1)
	if len(fk.upcalls) != 0 {
		t.Fatal("upcall scheduled into a full queue")
	}

	fk.full = false
	c.Tick(2)
	if len(fk.upcalls) != 1 {
		t.Fatalf("got %d upcalls after retry, want 1", len(fk.upcalls))
	}
	up := fk.upcalls[0].up
	if up.Sub != UpcallWriteDone || up.Args[0] != uint32(types.CodeOK) || up.Args[1] != uint32(len(src)) {
		t.Errorf("write completion = %+v, want OK count %d", up, len(src))
	}
}

func TestCapsuleDeadProcessSharesPruned(t *testing.T) {
	fk := &fakeKernel{appIDs: map[types.ProcessID]types.AppID{1: appID(1), 2: appID(2)}}
	c := New(fk, openTestStore(t))

	c.AllowReadOnly(AllowWriteBuffer, capsule.NewBuffer(1, 0x2000_0100, []byte("x"), true), 1)
	c.AllowReadWrite(AllowReadBuffer, capsule.NewBuffer(1, 0x2000_0200, make([]byte, 4), false), 1)
	c.AllowReadOnly(AllowWriteBuffer, capsule.NewBuffer(2, 0x2000_0100, []byte("y"), true), 2)

	delete(fk.appIDs, 1)
	c.Tick(1)

	if _, ok := c.ro[1]; ok {
		t.Error("read-only share for dead process retained")
	}
	if _, ok := c.rw[1]; ok {
		t.Error("read-write share for dead process retained")
	}
	if _, ok := c.ro[2]; !ok {
		t.Error("share for live process dropped")
	}
}

func TestCapsuleRequestsAreSplitPhase(t *testing.T) {
	fk := &fakeKernel{appIDs: map[types.ProcessID]types.AppID{1: appID(1)}}
	c := New(fk, openTestStore(t))
	pid := types.ProcessID(1)

	c.AllowReadOnly(AllowWriteBuffer, capsule.NewBuffer(pid, 0x2000_0100, []byte("x"), true), pid)
	c.Command(CmdWrite, 0, 1, pid)
	if len(fk.upcalls) != 0 {
		t.Error("write completed synchronously")
	}
	if ret := c.Command(CmdRead, 0, 1, pid); ret.IsSuccess() || ret.Code != types.CodeBusy {
		t.Errorf("second in-flight request = %+v, want BUSY", ret)
	}
}

func TestCapsuleRangeRejectedUpFront(t *testing.T) {
	fk := &fakeKernel{appIDs: map[types.ProcessID]types.AppID{1: appID(1)}}
	c := New(fk, openTestStore(t))

	ret := c.Command(CmdRead, 250, 16, types.ProcessID(1))
	if ret.IsSuccess() || ret.Code != types.CodeSize {
		t.Errorf("out-of-range read = %+v, want SIZE failure", ret)
	}
}

func TestCapsuleReadWithoutShare(t *testing.T) {
	fk := &fakeKernel{appIDs: map[types.ProcessID]types.AppID{1: appID(1)}}
	c := New(fk, openTestStore(t))
	pid := types.ProcessID(1)

	c.Command(CmdRead, 0, 8, pid)
	c.Tick(1)
	if len(fk.upcalls) != 1 {
		t.Fatalf("got %d upcalls, want 1", len(fk.upcalls))
	}
	if fk.upcalls[0].up.Args[0] != uint32(types.CodeNoMem) {
		t.Errorf("completion status = %d, want NOMEM", fk.upcalls[0].up.Args[0])
	}
}

func TestCapsuleCapacity(t *testing.T) {
	fk := &fakeKernel{appIDs: map[types.ProcessID]types.AppID{}}
	c := New(fk, openTestStore(t))
	if ret := c.Command(CmdCapacity, 0, 0, 1); ret.Values[0] != 256 {
		t.Errorf("capacity = %d, want 256", ret.Values[0])
	}
}
