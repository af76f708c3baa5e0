package capsule

import (
	"errors"
	"testing"

	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/abi"
)

type nopDriver struct{}

func (nopDriver) Command(sub, arg0, arg1 uint32, pid types.ProcessID) abi.SyscallReturn {
	return abi.Success()
}
func (nopDriver) Subscribe(sub uint32, s Subscription, pid types.ProcessID) types.ErrorCode {
	return types.CodeOK
}
func (nopDriver) AllowReadWrite(sub uint32, buf Buffer, pid types.ProcessID) types.ErrorCode {
	return types.CodeOK
}
func (nopDriver) AllowReadOnly(sub uint32, buf Buffer, pid types.ProcessID) types.ErrorCode {
	return types.CodeOK
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(0x0, nopDriver{}); err != nil {
		t.Fatalf("Register(0x0) failed: %v", err)
	}
	if err := r.Register(0x60000, nopDriver{}); err != nil {
		t.Fatalf("Register(0x60000) failed: %v", err)
	}
	if err := r.Register(0x0, nopDriver{}); !errors.Is(err, ErrDriverExists) {
		t.Errorf("Register(duplicate) = %v, want ErrDriverExists", err)
	}

	if _, ok := r.Get(0x60000); !ok {
		t.Error("Get(0x60000) = false, want registered driver")
	}
	if _, ok := r.Get(0x1); ok {
		t.Error("Get(0x1) = true, want no driver")
	}

	idx0, _ := r.GrantIndex(0x0)
	idx1, _ := r.GrantIndex(0x60000)
	if idx0 != 0 || idx1 != 1 {
		t.Errorf("grant indexes = %d, %d, want 0, 1 (registration order)", idx0, idx1)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestBufferWrite(t *testing.T) {
	backing := make([]byte, 8)
	rw := NewBuffer(1, 0x20000100, backing, false)

	if err := rw.Write(2, []byte{0xaa, 0xbb}); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if backing[2] != 0xaa || backing[3] != 0xbb {
		t.Error("Write() did not reach the backing memory")
	}

	if err := rw.Write(6, []byte{1, 2, 3}); err == nil {
		t.Error("Write(past end) succeeded, want error")
	}

	ro := NewBuffer(1, 0x20000100, backing, true)
	if err := ro.Write(0, []byte{1}); !errors.Is(err, ErrReadOnlyBuffer) {
		t.Errorf("Write(read-only) = %v, want ErrReadOnlyBuffer", err)
	}
}

func TestBufferRead(t *testing.T) {
	backing := []byte{1, 2, 3, 4}
	b := NewBuffer(1, 0x20000100, backing, true)

	p := make([]byte, 2)
	if n := b.Read(1, p); n != 2 || p[0] != 2 || p[1] != 3 {
		t.Errorf("Read(1) = %d, %v, want 2, [2 3]", n, p)
	}
	if n := b.Read(10, p); n != 0 {
		t.Errorf("Read(10) = %d, want 0", n)
	}
}
