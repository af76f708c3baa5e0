// Package capsule defines the contract driver modules implement to
// participate in syscall dispatch and upcall delivery.
//
// A capsule is trusted kernel-resident code mediating process access to a
// resource. Capsules never hold a process's memory by raw address across
// scheduling points: they receive validated Buffer handles from the
// dispatcher and keep per-process state in grants entered through the
// Kernel interface. A capsule may be shared by any number of processes;
// arbitration for a busy resource is the capsule's own responsibility.
package capsule

import (
	"errors"
	"fmt"

	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/abi"
)

var (
	// ErrDriverExists is returned when registering a duplicate driver
	// number.
	ErrDriverExists = errors.New("driver number already registered")

	// ErrNoSuchDriver is returned when no capsule is registered at a
	// driver number.
	ErrNoSuchDriver = errors.New("no such driver")

	// ErrReadOnlyBuffer is returned on a write to a read-only buffer.
	ErrReadOnlyBuffer = errors.New("write to read-only buffer")
)

// Upcall is a pending notification for a process: the source capsule's
// driver number, the subscription it completes, and an opaque argument
// payload delivered bit-for-bit.
type Upcall struct {
	Driver types.DriverNum
	Sub    uint32
	Args   [3]uint32
}

// Subscription is a process's registered upcall target for one
// (driver, sub) slot: the upcall function pointer and caller userdata, both
// opaque to the kernel.
type Subscription struct {
	UpcallPtr uint64
	UserData  uint64
}

// IsNull reports whether the subscription is the null subscription.
func (s Subscription) IsNull() bool {
	return s.UpcallPtr == 0
}

// Driver is the interface capsules implement. The calling process has
// already been validated by the dispatcher: buffers lie within its own
// memory and the process is live. Methods run on the kernel's single core;
// there is no parallelism to guard against, only interleaving across
// scheduling points.
type Driver interface {
	// Command executes a synchronous driver operation.
	Command(sub, arg0, arg1 uint32, pid types.ProcessID) abi.SyscallReturn

	// Subscribe is notified after the kernel has recorded the process's
	// upcall subscription for (sub). Returning a non-OK code rolls the
	// subscription back.
	Subscribe(sub uint32, subscription Subscription, pid types.ProcessID) types.ErrorCode

	// AllowReadWrite hands the capsule a writable buffer shared by the
	// process. A zero-length buffer revokes the previous share.
	AllowReadWrite(sub uint32, buf Buffer, pid types.ProcessID) types.ErrorCode

	// AllowReadOnly hands the capsule a readable buffer shared by the
	// process. A zero-length buffer revokes the previous share.
	AllowReadOnly(sub uint32, buf Buffer, pid types.ProcessID) types.ErrorCode
}

// Kernel is the view of kernel services a capsule consumes, passed to
// capsule constructors at board setup.
type Kernel interface {
	// ScheduleUpcall enqueues an upcall for a process. It fails with the
	// kernel's queue-full error when the process's bounded upcall queue
	// is at capacity (the kernel rejects the newest entry; see the
	// kernel package) and with an invalid-process error after teardown.
	ScheduleUpcall(pid types.ProcessID, up Upcall) error

	// EnterGrant enters the capsule's grant for a process. The grant
	// index is the one assigned to the capsule's driver number at
	// registration.
	EnterGrant(pid types.ProcessID, driver types.DriverNum, size uint64, init func() any, fn func(state any) error) error

	// ProcessAlive reports whether a process ID refers to a live
	// process.
	ProcessAlive(pid types.ProcessID) bool

	// AppIDFor returns the application identity of a live process.
	// Capsules that persist state across restarts key it by AppID, not
	// by the ephemeral process ID.
	AppIDFor(pid types.ProcessID) (types.AppID, bool)
}

// Ticker is implemented by capsules that need a time pulse. The kernel
// calls Tick once per scheduling round with its monotonic tick counter,
// from kernel context with no process running.
type Ticker interface {
	Tick(now uint64)
}

// Registry maps driver numbers to capsule instances and assigns each
// registered capsule its grant index. Registration happens at board setup,
// before the kernel loop starts; dispatch-time lookups are read-only.
type Registry struct {
	drivers map[types.DriverNum]Driver
	indexes map[types.DriverNum]int
	order   []types.DriverNum
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[types.DriverNum]Driver),
		indexes: make(map[types.DriverNum]int),
	}
}

// Register binds a capsule to a driver number and assigns the next grant
// index.
func (r *Registry) Register(num types.DriverNum, d Driver) error {
	if _, ok := r.drivers[num]; ok {
		return fmt.Errorf("%w: %s", ErrDriverExists, num)
	}
	r.drivers[num] = d
	r.indexes[num] = len(r.order)
	r.order = append(r.order, num)
	return nil
}

// Get resolves a driver number.
func (r *Registry) Get(num types.DriverNum) (Driver, bool) {
	d, ok := r.drivers[num]
	return d, ok
}

// GrantIndex returns the grant index assigned to a driver number.
func (r *Registry) GrantIndex(num types.DriverNum) (int, bool) {
	idx, ok := r.indexes[num]
	return idx, ok
}

// Len returns the number of registered capsules.
func (r *Registry) Len() int {
	return len(r.order)
}

// Drivers returns the registered driver numbers in registration order.
func (r *Registry) Drivers() []types.DriverNum {
	out := make([]types.DriverNum, len(r.order))
	copy(out, r.order)
	return out
}
