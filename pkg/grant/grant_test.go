package grant

import (
	"errors"
	"testing"
)

type counterState struct {
	n int
}

func newCounter() any { return &counterState{} }

func unlimited(size uint64) error { return nil }

func TestEnterAllocatesOnce(t *testing.T) {
	var reserved uint64
	r := NewRegion(4, func(size uint64) error {
		reserved += size
		return nil
	})

	for i := 0; i < 3; i++ {
		err := r.Enter(1, 64, newCounter, func(state any) error {
			state.(*counterState).n++
			return nil
		})
		if err != nil {
			t.Fatalf("Enter() failed on round %d: %v", i, err)
		}
	}

	if reserved != 64 {
		t.Errorf("reserved = %d, want 64 (single allocation)", reserved)
	}

	err := r.Enter(1, 64, newCounter, func(state any) error {
		if got := state.(*counterState).n; got != 3 {
			t.Errorf("counter = %d, want 3 (state persists across entries)", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Enter() failed: %v", err)
	}
}

func TestEnterReentrantFails(t *testing.T) {
	r := NewRegion(2, unlimited)

	err := r.Enter(0, 16, newCounter, func(state any) error {
		inner := r.Enter(0, 16, newCounter, func(any) error {
			t.Error("inner Enter() body ran; single-borrow violated")
			return nil
		})
		if !errors.Is(inner, ErrAlreadyInUse) {
			t.Errorf("reentrant Enter() = %v, want ErrAlreadyInUse", inner)
		}

		// A different grant index is fine from inside the closure.
		if other := r.Enter(1, 16, newCounter, func(any) error { return nil }); other != nil {
			t.Errorf("Enter(other index) = %v, want nil", other)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Enter() failed: %v", err)
	}

	// The borrow is released on exit.
	if err := r.Enter(0, 16, newCounter, func(any) error { return nil }); err != nil {
		t.Errorf("Enter() after release = %v, want nil", err)
	}
}

func TestEnterOutOfMemory(t *testing.T) {
	r := NewRegion(2, func(size uint64) error {
		return errors.New("grant break would cross stack break")
	})

	err := r.Enter(0, 1024, newCounter, func(any) error { return nil })
	if !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Enter() = %v, want ErrOutOfMemory", err)
	}
	if r.IsAllocated(0) {
		t.Error("IsAllocated(0) = true after failed allocation")
	}
}

func TestEnterAfterTeardown(t *testing.T) {
	r := NewRegion(2, unlimited)
	if err := r.Enter(0, 16, newCounter, func(any) error { return nil }); err != nil {
		t.Fatalf("Enter() failed: %v", err)
	}

	r.Teardown()

	err := r.Enter(0, 16, newCounter, func(any) error { return nil })
	if !errors.Is(err, ErrInvalidProcess) {
		t.Errorf("Enter() after Teardown() = %v, want ErrInvalidProcess", err)
	}
}

func TestEnterBadIndex(t *testing.T) {
	r := NewRegion(2, unlimited)
	if err := r.Enter(2, 16, newCounter, func(any) error { return nil }); !errors.Is(err, ErrBadIndex) {
		t.Errorf("Enter(2) = %v, want ErrBadIndex", err)
	}
	if err := r.Enter(-1, 16, newCounter, func(any) error { return nil }); !errors.Is(err, ErrBadIndex) {
		t.Errorf("Enter(-1) = %v, want ErrBadIndex", err)
	}
}

func TestAllocatedAccounting(t *testing.T) {
	r := NewRegion(4, unlimited)
	r.Enter(0, 100, newCounter, func(any) error { return nil })
	r.Enter(2, 28, newCounter, func(any) error { return nil })

	if got := r.Allocated(); got != 128 {
		t.Errorf("Allocated() = %d, want 128", got)
	}
}
