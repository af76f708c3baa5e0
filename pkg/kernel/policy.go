package kernel

import "github.com/patsv99/tock/internal/types"

// Candidate is one schedulable process presented to the policy.
type Candidate struct {
	PID      types.ProcessID
	Slot     int
	Priority int
}

// Policy selects the next process to run from the eligible candidates.
// Next returns an index into the candidates slice; candidates is never
// empty when Next is called.
type Policy interface {
	Name() string
	Next(candidates []Candidate) int
}

// RoundRobin cycles through eligible processes in slot order, giving each
// one timeslice before moving on. Priorities are ignored.
type RoundRobin struct {
	last int
}

// NewRoundRobin creates a round-robin policy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{last: -1}
}

// Name implements Policy.
func (r *RoundRobin) Name() string { return "round-robin" }

// Next implements Policy: the first candidate whose slot follows the last
// scheduled slot, wrapping around.
func (r *RoundRobin) Next(candidates []Candidate) int {
	best := 0
	found := false
	for i, c := range candidates {
		if c.Slot > r.last {
			best = i
			found = true
			break
		}
	}
	if !found {
		best = 0 // wrap
	}
	r.last = candidates[best].Slot
	return best
}

// Priority runs the highest-priority eligible process, breaking ties
// round-robin among equals. A high-priority process that stays Running
// starves lower priorities; that is the policy's contract.
type Priority struct {
	rr RoundRobin
}

// NewPriority creates a priority policy.
func NewPriority() *Priority {
	return &Priority{rr: RoundRobin{last: -1}}
}

// Name implements Policy.
func (p *Priority) Name() string { return "priority" }

// Next implements Policy.
func (p *Priority) Next(candidates []Candidate) int {
	top := candidates[0].Priority
	for _, c := range candidates[1:] {
		if c.Priority > top {
			top = c.Priority
		}
	}
	peers := make([]Candidate, 0, len(candidates))
	index := make([]int, 0, len(candidates))
	for i, c := range candidates {
		if c.Priority == top {
			peers = append(peers, c)
			index = append(index, i)
		}
	}
	return index[p.rr.Next(peers)]
}
