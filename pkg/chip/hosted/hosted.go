// Package hosted is the software chip: a protection unit, preemption timer,
// and userspace boundary implemented in-process. Applications are plain Go
// functions registered by name and executed on their own goroutine; control
// passes between kernel and application over a strict rendezvous, so exactly
// one of the two runs at any moment, same as a single-core target.
package hosted

import (
	"github.com/patsv99/tock/pkg/chip"
	"github.com/patsv99/tock/pkg/mpu"
)

// Config sets the simulated hardware parameters.
type Config struct {
	// NumMPURegions is the number of protection region slots. Default 8.
	NumMPURegions int

	// Granule is the protection alignment granularity in bytes. Must be
	// a power of two. Default 32.
	Granule uint64

	// Logf receives boundary diagnostics. Nil disables them.
	Logf func(format string, args ...any)
}

// Chip implements chip.Chip in software.
type Chip struct {
	mpuUnit *SoftMPU
	clock   *Systick
	rt      *Runtime
}

// New creates a hosted chip.
func New(cfg Config) *Chip {
	if cfg.NumMPURegions == 0 {
		cfg.NumMPURegions = 8
	}
	if cfg.Granule == 0 {
		cfg.Granule = 32
	}
	c := &Chip{
		mpuUnit: &SoftMPU{numRegions: cfg.NumMPURegions, granule: cfg.Granule},
		clock:   &Systick{},
	}
	c.rt = newRuntime(c, cfg.Logf)
	return c
}

// Name implements chip.Chip.
func (c *Chip) Name() string { return "hosted" }

// MPU implements chip.Chip.
func (c *Chip) MPU() mpu.MPU { return c.mpuUnit }

// Systick implements chip.Chip.
func (c *Chip) Systick() chip.Systick { return c.clock }

// Boundary implements chip.Chip.
func (c *Chip) Boundary() chip.Boundary { return c.rt }

// Runtime returns the application runtime for registering app binaries'
// entry functions.
func (c *Chip) Runtime() *Runtime { return c.rt }
