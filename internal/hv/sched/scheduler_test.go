package sched

import "testing"

func TestRoundRobin(t *testing.T) {
	s := NewScheduler()
	s.Add(0)
	s.Add(1)
	s.Add(2)

	for want := 0; want < 2; want++ {
		for _, expect := range []int{0, 1, 2} {
			got, ok := s.PickNext()
			if !ok || got != expect {
				t.Fatalf("PickNext round %d = (%d, %v), want %d", want, got, ok, expect)
			}
			s.SetReady(got)
		}
	}
}

func TestBlockExcludesFromPick(t *testing.T) {
	s := NewScheduler()
	s.Add(0)
	s.Add(1)
	id, _ := s.PickNext() // running 0
	s.Block(id)
	s.SetReady(1 - id) // requeue the other without running it yet

	next, ok := s.PickNext()
	if !ok || next == id {
		t.Fatalf("PickNext after Block(%d) = (%d, %v), should skip the blocked vcpu", id, next, ok)
	}
}

func TestPickNextUnblocksWhenAllBlocked(t *testing.T) {
	s := NewScheduler()
	s.Add(0)
	s.Add(1)
	s.PickNext()
	s.PickNext()
	s.Block(0)
	s.Block(1)

	id, ok := s.PickNext()
	if !ok {
		t.Fatal("PickNext should unblock-all and retry rather than report no vcpu runnable")
	}
	_ = id
}

func TestRemove(t *testing.T) {
	s := NewScheduler()
	s.Add(0)
	s.Add(1)
	s.Remove(0)
	if _, ok := s.State(0); ok {
		t.Fatal("vcpu 0 should no longer be managed after Remove")
	}
	id, ok := s.PickNext()
	if !ok || id != 1 {
		t.Fatalf("PickNext after removing 0 = (%d, %v), want (1, true)", id, ok)
	}
}
