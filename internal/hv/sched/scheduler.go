// Package sched implements the cooperative round-robin scheduler and
// the 1:1-affinity run loop spec.md §4.5 describes, driving the
// per-iteration sequence (drain CPU_ON, wake pending vCPUs, pick_next,
// drain the UART ring, inject pending interrupts, arm the preemption
// timer, enter the guest, classify the exit) through an injectable
// Hooks boundary rather than a real ERET, the same dependency-injected
// shape internal/hv/vcpu's Backend and internal/hv/stage2's Mapper use
// to stay hardware-free and unit-testable. Grounded on the scheduling
// loop in tinyrange-cc's hv/riscv/rv64/hypervisor.go (its run()
// method's fetch-dispatch-classify shape, generalized here from one
// vCPU to a multiplexed set) and on hv/kvm/kvm_arm64.go's KVM_RUN ioctl
// loop for the enter-guest/classify-exit split.
package sched

// State is a vCPU's cooperative-scheduling state (spec.md §4.5),
// distinct from vcpu.VCPUState's lifecycle: only vCPUs the scheduler
// currently manages (online, not yet terminally exited) have one.
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	default:
		return "invalid"
	}
}

// Scheduler is a round-robin picker over a set of vCPU ids (spec.md
// §4.5's pick_next): None -> Ready on Add, Ready -> Running on
// PickNext, Running -> Ready on SetReady (yield or preemption),
// Ready/Running -> Blocked on Block (WFI trap), Blocked -> Ready on
// SetReady (pending SGI/SPI arrival).
type Scheduler struct {
	states map[int]State
	order  []int
	cursor int
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{states: make(map[int]State)}
}

// Add brings a vCPU under scheduling, in the Ready state. A vCPU
// already managed is left untouched.
func (s *Scheduler) Add(id int) {
	if _, ok := s.states[id]; ok {
		return
	}
	s.states[id] = StateReady
	s.order = append(s.order, id)
}

// Remove drops a vCPU from scheduling entirely (a terminal PSCI exit
// or an unrecoverable guest fault, spec.md §4.5's "PSCI terminal exit
// -> removed").
func (s *Scheduler) Remove(id int) {
	delete(s.states, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.cursor >= len(s.order) {
		s.cursor = 0
	}
}

// Block moves id to Blocked (a WFI trap while other vCPUs are online).
func (s *Scheduler) Block(id int) {
	if _, ok := s.states[id]; ok {
		s.states[id] = StateBlocked
	}
}

// SetReady moves id to Ready regardless of its current state: used
// both for a yield/preemption (from Running) and a pending-interrupt
// wakeup (from Blocked).
func (s *Scheduler) SetReady(id int) {
	if _, ok := s.states[id]; ok {
		s.states[id] = StateReady
	}
}

// State reports id's current scheduling state and whether it is
// managed at all.
func (s *Scheduler) State(id int) (State, bool) {
	st, ok := s.states[id]
	return st, ok
}

// Managed reports the vCPU ids currently under scheduling, in
// round-robin order.
func (s *Scheduler) Managed() []int {
	out := make([]int, len(s.order))
	copy(out, s.order)
	return out
}

// PickNext returns the next Ready vCPU starting just after the last
// one picked, round-robin. If every managed vCPU is Blocked or
// Running, it unblocks every Blocked vCPU once and retries — spec.md
// §4.5's fallback for "nothing is Ready right now" rather than
// spinning the pCPU on an empty Ready set forever.
func (s *Scheduler) PickNext() (int, bool) {
	if len(s.order) == 0 {
		return 0, false
	}
	if id, ok := s.tryPick(); ok {
		return id, true
	}
	for id, st := range s.states {
		if st == StateBlocked {
			s.states[id] = StateReady
		}
	}
	return s.tryPick()
}

func (s *Scheduler) tryPick() (int, bool) {
	n := len(s.order)
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		id := s.order[idx]
		if s.states[id] == StateReady {
			s.cursor = (idx + 1) % n
			s.states[id] = StateRunning
			return id, true
		}
	}
	return 0, false
}
