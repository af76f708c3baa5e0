package kernel

import (
	"errors"

	"github.com/patsv99/tock/pkg/capsule"
)

var (
	// ErrQueueFull is returned when an upcall cannot be enqueued because
	// the process's queue is at capacity. The overflow policy is
	// reject-newest: the queued upcalls are untouched and the caller
	// observes the failure. This is part of the kernel's observable
	// contract, not an incidental detail.
	ErrQueueFull = errors.New("upcall queue full")
)

// upcallQueue is a bounded FIFO of pending upcalls for one process.
// Delivery order equals enqueue order; YieldWaitFor may take a matching
// entry out of turn, which is the one documented exception.
type upcallQueue struct {
	buf   []capsule.Upcall
	head  int
	count int
}

func newUpcallQueue(capacity int) *upcallQueue {
	return &upcallQueue{buf: make([]capsule.Upcall, capacity)}
}

func (q *upcallQueue) len() int { return q.count }

func (q *upcallQueue) push(up capsule.Upcall) error {
	if q.count == len(q.buf) {
		return ErrQueueFull
	}
	q.buf[(q.head+q.count)%len(q.buf)] = up
	q.count++
	return nil
}

// pop removes and returns the oldest upcall.
func (q *upcallQueue) pop() (capsule.Upcall, bool) {
	if q.count == 0 {
		return capsule.Upcall{}, false
	}
	up := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return up, true
}

// popMatching removes and returns the oldest upcall from (driver, sub).
func (q *upcallQueue) popMatching(driver uint32, sub uint32) (capsule.Upcall, bool) {
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % len(q.buf)
		up := q.buf[idx]
		if uint32(up.Driver) != driver || up.Sub != sub {
			continue
		}
		// Close the gap, preserving order of the rest.
		for j := i; j > 0; j-- {
			cur := (q.head + j) % len(q.buf)
			prev := (q.head + j - 1) % len(q.buf)
			q.buf[cur] = q.buf[prev]
		}
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		return up, true
	}
	return capsule.Upcall{}, false
}

func (q *upcallQueue) hasMatching(driver uint32, sub uint32) bool {
	for i := 0; i < q.count; i++ {
		up := q.buf[(q.head+i)%len(q.buf)]
		if uint32(up.Driver) == driver && up.Sub == sub {
			return true
		}
	}
	return false
}

func (q *upcallQueue) clear() {
	q.head = 0
	q.count = 0
}
