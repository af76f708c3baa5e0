package kernel

import "testing"

func TestRoundRobinRotates(t *testing.T) {
	p := NewRoundRobin()
	cands := []Candidate{
		{PID: 1, Slot: 0},
		{PID: 2, Slot: 1},
		{PID: 3, Slot: 2},
	}

	var got []int
	for i := 0; i < 6; i++ {
		got = append(got, cands[p.Next(cands)].Slot)
	}
	want := []int{0, 1, 2, 0, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestRoundRobinSkipsIneligible(t *testing.T) {
	p := NewRoundRobin()
	p.Next([]Candidate{{PID: 1, Slot: 0}, {PID: 2, Slot: 1}})

	// Slot 1 dropped out; the wheel moves past it.
	pick := p.Next([]Candidate{{PID: 1, Slot: 0}, {PID: 3, Slot: 2}})
	if slot := []int{0, 2}[pick]; slot != 2 {
		t.Errorf("picked slot %d, want 2", slot)
	}
}

func TestPriorityPicksHighest(t *testing.T) {
	p := NewPriority()
	cands := []Candidate{
		{PID: 1, Slot: 0, Priority: 0},
		{PID: 2, Slot: 1, Priority: 5},
		{PID: 3, Slot: 2, Priority: 1},
	}
	if pick := p.Next(cands); cands[pick].PID != 2 {
		t.Errorf("picked %v, want pid 2", cands[pick].PID)
	}
}

func TestPriorityRoundRobinsAmongPeers(t *testing.T) {
	p := NewPriority()
	cands := []Candidate{
		{PID: 1, Slot: 0, Priority: 3},
		{PID: 2, Slot: 1, Priority: 3},
		{PID: 3, Slot: 2, Priority: 0},
	}

	first := cands[p.Next(cands)].PID
	second := cands[p.Next(cands)].PID
	if first == second {
		t.Errorf("peers not alternated: %v then %v", first, second)
	}
	if first == 3 || second == 3 {
		t.Error("low-priority process scheduled ahead of peers")
	}
}
