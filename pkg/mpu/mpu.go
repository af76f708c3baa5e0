// Package mpu abstracts the memory protection hardware.
//
// The kernel describes the memory a process may touch as an ordered list of
// region descriptors and asks the chip's MPU to validate them against its
// slot count and granularity. The resulting Config is explicit data: the
// scheduler activates it on every transition into a process, and tests can
// assert on the currently active configuration rather than on implicit
// hardware state.
package mpu

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedLayout is returned when a region set cannot be
	// represented by the protection hardware (too many regions, or
	// base/length not expressible at the hardware granularity).
	ErrUnsupportedLayout = errors.New("memory layout not representable by protection hardware")
)

// Permissions describes the access a region grants to the running process.
type Permissions uint8

// Region permissions.
const (
	PermNone Permissions = iota
	PermRead
	PermReadWrite
	PermReadExecute
)

// String implements fmt.Stringer.
func (p Permissions) String() string {
	switch p {
	case PermNone:
		return "---"
	case PermRead:
		return "r--"
	case PermReadWrite:
		return "rw-"
	case PermReadExecute:
		return "r-x"
	}
	return "???"
}

// CanRead reports whether the permission allows reads.
func (p Permissions) CanRead() bool {
	return p == PermRead || p == PermReadWrite || p == PermReadExecute
}

// CanWrite reports whether the permission allows writes.
func (p Permissions) CanWrite() bool {
	return p == PermReadWrite
}

// CanExecute reports whether the permission allows instruction fetch.
func (p Permissions) CanExecute() bool {
	return p == PermReadExecute
}

// Region is one protection region descriptor.
type Region struct {
	// Base is the start address. Must be aligned to the hardware granule.
	Base uint64

	// Length is the region size in bytes. Rounded up to the granule by
	// Validate; zero-length regions are rejected.
	Length uint64

	// Perms are the access permissions granted inside the region.
	Perms Permissions
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Base + r.Length
}

// Contains reports whether [addr, addr+size) lies entirely inside the region.
func (r Region) Contains(addr, size uint64) bool {
	if size > 0 && addr > ^uint64(0)-size {
		return false
	}
	return addr >= r.Base && addr+size <= r.End()
}

// Overlaps reports whether two regions share any address.
func (r Region) Overlaps(other Region) bool {
	return r.Base < other.End() && other.Base < r.End()
}

// String implements fmt.Stringer.
func (r Region) String() string {
	return fmt.Sprintf("[0x%x, 0x%x) %s", r.Base, r.End(), r.Perms)
}

// Config is a validated, hardware-representable protection configuration.
// It is immutable once produced by Validate.
type Config struct {
	regions []Region
}

// Regions returns the region descriptors of the configuration.
func (c Config) Regions() []Region {
	return c.regions
}

// Allows reports whether the configuration permits an access of size bytes
// at addr with the given requirement. An access allowed by any region is
// allowed by the configuration.
func (c Config) Allows(addr, size uint64, write bool) bool {
	for _, r := range c.regions {
		if !r.Contains(addr, size) {
			continue
		}
		if write && !r.Perms.CanWrite() {
			continue
		}
		if !write && !r.Perms.CanRead() {
			continue
		}
		return true
	}
	return false
}

// MPU is the protection-hardware capability the core consumes. A chip crate
// provides the one concrete implementation; the core never programs
// protection hardware directly.
type MPU interface {
	// NumRegions returns the number of hardware region slots.
	NumRegions() int

	// Granule returns the alignment and size granularity in bytes.
	// Always a power of two.
	Granule() uint64

	// Validate checks that the requested regions are representable and
	// returns the applied configuration with lengths rounded up to the
	// granule. Fails with ErrUnsupportedLayout otherwise.
	Validate(regions []Region) (Config, error)

	// Activate programs the hardware with the configuration. Must only
	// be called from the scheduling transition, with interrupts in a
	// known state.
	Activate(cfg Config)

	// Active returns the currently programmed configuration.
	Active() Config
}

// ValidateRegions implements the common validation logic shared by MPU
// implementations: slot count, granule alignment of bases, length rounding,
// and rejection of zero-length or overflowing regions.
func ValidateRegions(regions []Region, numSlots int, granule uint64) (Config, error) {
	if len(regions) > numSlots {
		return Config{}, fmt.Errorf("%w: %d regions, %d hardware slots", ErrUnsupportedLayout, len(regions), numSlots)
	}
	out := make([]Region, 0, len(regions))
	for _, r := range regions {
		if r.Length == 0 {
			return Config{}, fmt.Errorf("%w: zero-length region at 0x%x", ErrUnsupportedLayout, r.Base)
		}
		if r.Base%granule != 0 {
			return Config{}, fmt.Errorf("%w: base 0x%x not aligned to granule %d", ErrUnsupportedLayout, r.Base, granule)
		}
		length := (r.Length + granule - 1) &^ (granule - 1)
		if length < r.Length || r.Base > ^uint64(0)-length {
			return Config{}, fmt.Errorf("%w: region at 0x%x overflows address space", ErrUnsupportedLayout, r.Base)
		}
		out = append(out, Region{Base: r.Base, Length: length, Perms: r.Perms})
	}
	return Config{regions: out}, nil
}
