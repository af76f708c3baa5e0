// Package console is the print driver: a process shares a read-only buffer,
// issues a write command with a length, and receives a completion upcall
// once the bytes reach the board's output sink.
package console

import (
	"io"
	"sync"

	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/abi"
	"github.com/patsv99/tock/pkg/capsule"
)

// DriverNum is the console's driver number.
const DriverNum = types.DriverNum(0x1)

// Driver sub-operations.
const (
	CmdExists = 0
	CmdWrite  = 1

	// UpcallWriteDone completes a write; arg0 carries the byte count.
	UpcallWriteDone = 1

	// AllowWriteBuffer is the read-only share holding outgoing bytes.
	AllowWriteBuffer = 1
)

// Config configures the console capsule.
type Config struct {
	// Output receives process writes. Defaults to io.Discard.
	Output io.Writer
}

// Console implements capsule.Driver for driver number 0x1.
type Console struct {
	kern capsule.Kernel
	out  io.Writer

	mu   sync.Mutex
	bufs map[types.ProcessID]capsule.Buffer
}

// New creates the console capsule.
func New(kern capsule.Kernel, cfg Config) *Console {
	out := cfg.Output
	if out == nil {
		out = io.Discard
	}
	return &Console{
		kern: kern,
		out:  out,
		bufs: make(map[types.ProcessID]capsule.Buffer),
	}
}

// Command implements capsule.Driver. Sub 1 writes arg0 bytes from the
// process's shared buffer to the output sink and schedules the completion
// upcall with the count written.
func (c *Console) Command(sub, arg0, _ uint32, pid types.ProcessID) abi.SyscallReturn {
	switch sub {
	case CmdExists:
		return abi.Success()
	case CmdWrite:
		c.mu.Lock()
		buf := c.bufs[pid]
		c.mu.Unlock()
		if buf.IsNull() {
			return abi.Failure(types.CodeNoMem)
		}
		n := int(arg0)
		if n > buf.Len() {
			n = buf.Len()
		}
		data := buf.Bytes()[:n]
		if _, err := c.out.Write(data); err != nil {
			return abi.Failure(types.CodeFail)
		}
		err := c.kern.ScheduleUpcall(pid, capsule.Upcall{
			Driver: DriverNum,
			Sub:    UpcallWriteDone,
			Args:   [3]uint32{uint32(n)},
		})
		if err != nil {
			return abi.Failure(types.CodeBusy)
		}
		return abi.Success()
	}
	return abi.Failure(types.CodeNoSupport)
}

// Subscribe implements capsule.Driver.
func (c *Console) Subscribe(sub uint32, _ capsule.Subscription, _ types.ProcessID) types.ErrorCode {
	if sub != UpcallWriteDone {
		return types.CodeNoSupport
	}
	return types.CodeOK
}

// AllowReadWrite implements capsule.Driver. The console has no readable
// stream; nothing accepts a writable share.
func (c *Console) AllowReadWrite(_ uint32, _ capsule.Buffer, _ types.ProcessID) types.ErrorCode {
	return types.CodeNoSupport
}

// Tick implements capsule.Ticker: drop shares held by processes that no
// longer exist. Process IDs are never reused, so stale entries would
// otherwise accumulate for the kernel's lifetime.
func (c *Console) Tick(_ uint64) {
	c.mu.Lock()
	for pid := range c.bufs {
		if !c.kern.ProcessAlive(pid) {
			delete(c.bufs, pid)
		}
	}
	c.mu.Unlock()
}

// AllowReadOnly implements capsule.Driver.
func (c *Console) AllowReadOnly(sub uint32, buf capsule.Buffer, pid types.ProcessID) types.ErrorCode {
	if sub != AllowWriteBuffer {
		return types.CodeNoSupport
	}
	c.mu.Lock()
	if buf.IsNull() {
		delete(c.bufs, pid)
	} else {
		c.bufs[pid] = buf
	}
	c.mu.Unlock()
	return types.CodeOK
}
