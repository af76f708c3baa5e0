package hosted

import (
	"sync"

	"github.com/patsv99/tock/pkg/mpu"
)

// SoftMPU is a protection unit in software. It holds the active
// configuration as data; the boundary consults it on every emulated memory
// access, so an out-of-bounds store by an application traps exactly as it
// would on real protection hardware.
type SoftMPU struct {
	numRegions int
	granule    uint64

	mu     sync.Mutex
	active mpu.Config
}

// NumRegions implements mpu.MPU.
func (m *SoftMPU) NumRegions() int { return m.numRegions }

// Granule implements mpu.MPU.
func (m *SoftMPU) Granule() uint64 { return m.granule }

// Validate implements mpu.MPU.
func (m *SoftMPU) Validate(regions []mpu.Region) (mpu.Config, error) {
	return mpu.ValidateRegions(regions, m.numRegions, m.granule)
}

// Activate implements mpu.MPU.
func (m *SoftMPU) Activate(cfg mpu.Config) {
	m.mu.Lock()
	m.active = cfg
	m.mu.Unlock()
}

// Active implements mpu.MPU.
func (m *SoftMPU) Active() mpu.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
