package capsule

import (
	"fmt"

	"github.com/patsv99/tock/internal/types"
)

// Buffer is a validated window into the sharing process's memory. The
// dispatcher re-validates bounds on every allow syscall before constructing
// one, so a Buffer in a capsule's hands is always inside the owner's own
// segments. The zero Buffer is the revoked/null share.
type Buffer struct {
	pid      types.ProcessID
	addr     uint64
	data     []byte
	readOnly bool
}

// NewBuffer wraps a validated slice of process memory. Kernel use only;
// capsules receive Buffers, they do not make them.
func NewBuffer(pid types.ProcessID, addr uint64, data []byte, readOnly bool) Buffer {
	return Buffer{pid: pid, addr: addr, data: data, readOnly: readOnly}
}

// Owner returns the sharing process.
func (b Buffer) Owner() types.ProcessID { return b.pid }

// Addr returns the buffer's address in the owner's address space.
func (b Buffer) Addr() uint64 { return b.addr }

// Len returns the buffer length.
func (b Buffer) Len() int { return len(b.data) }

// IsNull reports whether the buffer is the revoked/null share.
func (b Buffer) IsNull() bool { return len(b.data) == 0 }

// ReadOnly reports whether the owner shared the buffer read-only.
func (b Buffer) ReadOnly() bool { return b.readOnly }

// Read copies from the buffer at off into p and returns the count copied.
func (b Buffer) Read(off int, p []byte) int {
	if off < 0 || off >= len(b.data) {
		return 0
	}
	return copy(p, b.data[off:])
}

// Bytes returns a copy of the buffer contents.
func (b Buffer) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Write copies p into the buffer at off. Fails on read-only buffers and
// out-of-range writes; partial writes do not occur.
func (b Buffer) Write(off int, p []byte) error {
	if b.readOnly {
		return ErrReadOnlyBuffer
	}
	if off < 0 || off+len(p) > len(b.data) {
		return fmt.Errorf("write of %d bytes at %d exceeds %d byte buffer", len(p), off, len(b.data))
	}
	copy(b.data[off:], p)
	return nil
}
