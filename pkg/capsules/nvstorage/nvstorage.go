// Package nvstorage is the nonvolatile storage driver: each application
// owns a fixed-size persistent byte region, keyed by its AppID so the data
// survives restarts and upgrades of the process but is unreachable from any
// other application.
//
// Operations are split-phase. Read and write commands take a (offset,
// length) range against the process's allowed buffer, enqueue the request,
// and complete with an upcall on a later tick. One request per process may
// be in flight.
package nvstorage

import (
	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/abi"
	"github.com/patsv99/tock/pkg/capsule"
)

// DriverNum is the nonvolatile storage driver number.
const DriverNum = types.DriverNum(0x50001)

// Driver sub-operations.
const (
	CmdExists   = 0
	CmdCapacity = 1
	CmdRead     = 2 // arg0 = offset, arg1 = length
	CmdWrite    = 3 // arg0 = offset, arg1 = length

	// UpcallReadDone completes a read: arg0 = status code, arg1 = bytes
	// copied into the read-write share.
	UpcallReadDone = 0

	// UpcallWriteDone completes a write: arg0 = status code, arg1 =
	// bytes persisted from the read-only share.
	UpcallWriteDone = 1

	// AllowReadBuffer is the read-write share reads complete into.
	AllowReadBuffer = 0

	// AllowWriteBuffer is the read-only share writes persist from.
	AllowWriteBuffer = 0
)

const (
	opRead = iota
	opWrite
)

type request struct {
	pid    types.ProcessID
	op     int
	offset uint32
	length uint32
}

// Capsule implements capsule.Driver for driver number 0x50001 on top of a
// Store.
type Capsule struct {
	kern  capsule.Kernel
	store *Store

	queue []request
	ro    map[types.ProcessID]capsule.Buffer
	rw    map[types.ProcessID]capsule.Buffer
}

// New creates the storage capsule over an open store.
func New(kern capsule.Kernel, store *Store) *Capsule {
	return &Capsule{
		kern:  kern,
		store: store,
		ro:    make(map[types.ProcessID]capsule.Buffer),
		rw:    make(map[types.ProcessID]capsule.Buffer),
	}
}

// Command implements capsule.Driver.
func (c *Capsule) Command(sub, arg0, arg1 uint32, pid types.ProcessID) abi.SyscallReturn {
	switch sub {
	case CmdExists:
		return abi.Success()
	case CmdCapacity:
		return abi.SuccessU32(uint64(c.store.RegionSize()))
	case CmdRead:
		return c.enqueue(request{pid: pid, op: opRead, offset: arg0, length: arg1})
	case CmdWrite:
		return c.enqueue(request{pid: pid, op: opWrite, offset: arg0, length: arg1})
	}
	return abi.Failure(types.CodeNoSupport)
}

func (c *Capsule) enqueue(req request) abi.SyscallReturn {
	for _, q := range c.queue {
		if q.pid == req.pid {
			return abi.Failure(types.CodeBusy)
		}
	}
	if int(req.offset)+int(req.length) > c.store.RegionSize() {
		return abi.Failure(types.CodeSize)
	}
	c.queue = append(c.queue, req)
	return abi.Success()
}

// Subscribe implements capsule.Driver.
func (c *Capsule) Subscribe(sub uint32, _ capsule.Subscription, _ types.ProcessID) types.ErrorCode {
	if sub != UpcallReadDone && sub != UpcallWriteDone {
		return types.CodeNoSupport
	}
	return types.CodeOK
}

// AllowReadWrite implements capsule.Driver.
func (c *Capsule) AllowReadWrite(sub uint32, buf capsule.Buffer, pid types.ProcessID) types.ErrorCode {
	if sub != AllowReadBuffer {
		return types.CodeNoSupport
	}
	if buf.IsNull() {
		delete(c.rw, pid)
	} else {
		c.rw[pid] = buf
	}
	return types.CodeOK
}

// AllowReadOnly implements capsule.Driver.
func (c *Capsule) AllowReadOnly(sub uint32, buf capsule.Buffer, pid types.ProcessID) types.ErrorCode {
	if sub != AllowWriteBuffer {
		return types.CodeNoSupport
	}
	if buf.IsNull() {
		delete(c.ro, pid)
	} else {
		c.ro[pid] = buf
	}
	return types.CodeOK
}

// Tick implements capsule.Ticker: prune shares held by dead processes,
// then complete one queued request.
func (c *Capsule) Tick(_ uint64) {
	for pid := range c.ro {
		if !c.kern.ProcessAlive(pid) {
			delete(c.ro, pid)
		}
	}
	for pid := range c.rw {
		if !c.kern.ProcessAlive(pid) {
			delete(c.rw, pid)
		}
	}

	for len(c.queue) > 0 {
		req := c.queue[0]
		c.queue = c.queue[1:]
		if !c.kern.ProcessAlive(req.pid) {
			continue
		}
		if !c.complete(req) {
			// Queue full. Put the request back at the head and retry
			// next tick so the completion is never lost.
			c.queue = append([]request{req}, c.queue...)
		}
		return
	}
}

// complete performs the store operation and delivers the completion
// upcall. It reports false when the upcall could not be queued.
func (c *Capsule) complete(req request) bool {
	appID, ok := c.kern.AppIDFor(req.pid)
	if !ok {
		return true
	}

	status := types.CodeOK
	count := uint32(0)
	upcall := uint32(UpcallReadDone)

	switch req.op {
	case opRead:
		buf := c.rw[req.pid]
		n := int(req.length)
		if n > buf.Len() {
			n = buf.Len()
		}
		if n == 0 {
			status = types.CodeNoMem
			break
		}
		scratch := make([]byte, n)
		if err := c.store.Read(appID, int(req.offset), scratch); err != nil {
			status = types.CodeFail
			break
		}
		if err := buf.Write(0, scratch); err != nil {
			status = types.CodeFail
			break
		}
		count = uint32(n)
	case opWrite:
		upcall = UpcallWriteDone
		buf := c.ro[req.pid]
		n := int(req.length)
		if n > buf.Len() {
			n = buf.Len()
		}
		if n == 0 {
			status = types.CodeNoMem
			break
		}
		if err := c.store.Write(appID, int(req.offset), buf.Bytes()[:n]); err != nil {
			status = types.CodeFail
			break
		}
		count = uint32(n)
	}

	err := c.kern.ScheduleUpcall(req.pid, capsule.Upcall{
		Driver: DriverNum,
		Sub:    upcall,
		Args:   [3]uint32{uint32(status), count},
	})
	return err == nil
}
