package hosted

import "sync"

// Systick is the preemption timer in software. Real hardware decrements on
// a clock; here applications charge ticks explicitly through Env.Work, and
// the timer expires when the armed timeslice is consumed.
type Systick struct {
	mu        sync.Mutex
	remaining uint32
	expired   bool
	ticks     uint64
}

// Start implements chip.Systick.
func (s *Systick) Start(ticks uint32) {
	s.mu.Lock()
	s.remaining = ticks
	s.expired = ticks == 0
	s.mu.Unlock()
}

// Expired implements chip.Systick.
func (s *Systick) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

// Ticks implements chip.Systick.
func (s *Systick) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Consume charges n ticks against the armed timeslice.
func (s *Systick) Consume(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks += uint64(n)
	if n >= s.remaining {
		s.remaining = 0
		s.expired = true
		return
	}
	s.remaining -= n
}
