// Package temperature is the sampled temperature sensor driver, modeled on
// the RP2350's on-die sensor: the sensor diode's voltage falls linearly
// with temperature, and readings convert as T = 27 - (V - V27) / slope.
//
// Reads are split-phase. A read command enqueues the caller and returns; at
// most one sample is in flight, requests from any number of processes queue
// behind it in FIFO order, and each caller receives its own completion
// upcall carrying the temperature in hundredths of a degree Celsius.
package temperature

import (
	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/abi"
	"github.com/patsv99/tock/pkg/capsule"
)

// DriverNum is the temperature sensor's driver number.
const DriverNum = types.DriverNum(0x60000)

// Driver sub-operations.
const (
	CmdExists = 0
	CmdRead   = 1

	// UpcallReading completes a read; arg0 is the temperature in
	// hundredths of a degree Celsius, as a signed value in a uint32.
	UpcallReading = 0
)

// Default conversion constants for the RP2350 sensor diode.
const (
	DefaultSlope = 0.001721 // volts per degree
	DefaultV27   = 0.706    // volts at 27 degrees
)

const maxQueued = 8

// Config configures the sensor capsule.
type Config struct {
	// Sample reads the sensor voltage. Defaults to a constant V27
	// (a steady 27 degrees).
	Sample func() float64

	// Slope is the voltage change per degree. Defaults to DefaultSlope.
	Slope float64

	// V27 is the sensor voltage at 27 degrees. Defaults to DefaultV27.
	V27 float64
}

// Sensor implements capsule.Driver for driver number 0x60000.
type Sensor struct {
	kern   capsule.Kernel
	sample func() float64
	slope  float64
	v27    float64

	// queue holds processes awaiting a sample, oldest first.
	queue []types.ProcessID
}

// New creates the sensor capsule.
func New(kern capsule.Kernel, cfg Config) *Sensor {
	s := &Sensor{
		kern:   kern,
		sample: cfg.Sample,
		slope:  cfg.Slope,
		v27:    cfg.V27,
	}
	if s.slope == 0 {
		s.slope = DefaultSlope
	}
	if s.v27 == 0 {
		s.v27 = DefaultV27
	}
	if s.sample == nil {
		v := s.v27
		s.sample = func() float64 { return v }
	}
	return s
}

// Command implements capsule.Driver. A read enqueues the caller; a process
// with a read already pending gets BUSY.
func (s *Sensor) Command(sub, _, _ uint32, pid types.ProcessID) abi.SyscallReturn {
	switch sub {
	case CmdExists:
		return abi.Success()
	case CmdRead:
		for _, waiting := range s.queue {
			if waiting == pid {
				return abi.Failure(types.CodeBusy)
			}
		}
		if len(s.queue) >= maxQueued {
			return abi.Failure(types.CodeBusy)
		}
		s.queue = append(s.queue, pid)
		return abi.Success()
	}
	return abi.Failure(types.CodeNoSupport)
}

// Subscribe implements capsule.Driver.
func (s *Sensor) Subscribe(sub uint32, _ capsule.Subscription, _ types.ProcessID) types.ErrorCode {
	if sub != UpcallReading {
		return types.CodeNoSupport
	}
	return types.CodeOK
}

// AllowReadWrite implements capsule.Driver.
func (s *Sensor) AllowReadWrite(_ uint32, _ capsule.Buffer, _ types.ProcessID) types.ErrorCode {
	return types.CodeNoSupport
}

// AllowReadOnly implements capsule.Driver.
func (s *Sensor) AllowReadOnly(_ uint32, _ capsule.Buffer, _ types.ProcessID) types.ErrorCode {
	return types.CodeNoSupport
}

// Tick implements capsule.Ticker: complete one queued read per tick.
func (s *Sensor) Tick(_ uint64) {
	for len(s.queue) > 0 {
		pid := s.queue[0]
		s.queue = s.queue[1:]
		if !s.kern.ProcessAlive(pid) {
			continue
		}
		centi := s.convert(s.sample())
		err := s.kern.ScheduleUpcall(pid, capsule.Upcall{
			Driver: DriverNum,
			Sub:    UpcallReading,
			Args:   [3]uint32{uint32(centi)},
		})
		if err != nil {
			// Queue full. Put the request back at the head and retry
			// next tick so the completion is never lost.
			s.queue = append([]types.ProcessID{pid}, s.queue...)
		}
		return
	}
}

// convert turns a sensor voltage into hundredths of a degree Celsius.
func (s *Sensor) convert(volts float64) int32 {
	deg := 27.0 - (volts-s.v27)/s.slope
	return int32(deg * 100)
}
