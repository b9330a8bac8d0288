package sched

import (
	"github.com/tinyrange/elh/internal/hv/boardcfg"
	"github.com/tinyrange/elh/internal/hv/diag"
	"github.com/tinyrange/elh/internal/hv/gic"
	"github.com/tinyrange/elh/internal/hv/psci"
	"github.com/tinyrange/elh/internal/hv/state"
	"github.com/tinyrange/elh/internal/hv/trap"
	"github.com/tinyrange/elh/internal/hv/vcpu"
)

// Hooks are the hardware-touching operations one scheduling iteration
// needs. Production code wires these to internal/arch's assembly
// boundary and the device manager; tests supply fakes, so RunLoop.Step
// itself stays exercisable without ever linking hardware.
type Hooks struct {
	// EnterGuest runs v until it yields back to the scheduler (blocks,
	// exits, faults fatally, or is preempted) and returns the
	// classification that decision was based on. It is responsible for
	// ArchState.Save/Restore around the guest's execution.
	EnterGuest func(v *vcpu.VCPU) trap.Result

	// ArmPreemptionTimer arms the EL2 hypervisor timer (spec.md §4.5
	// step 7), only called when more than one vCPU is online.
	ArmPreemptionTimer func()

	// ReenableTimerIRQ re-enables INTID 26 at the physical GICR0 before
	// every vCPU entry (spec.md §4.5 step 8 / §4.4's "keeping the
	// hypervisor timer enabled").
	ReenableTimerIRQ func()

	// DeliverUARTByte hands one drained physical-UART RX byte to the
	// virtual PL011's RX FIFO (spec.md §4.5 step 5).
	DeliverUARTByte func(b byte)
}

// StepOutcome reports what RunLoop.Step just did, for the caller's own
// termination/logging decisions.
type StepOutcome int

const (
	// StepContinue means at least one vCPU ran or is ready to; call
	// Step again.
	StepContinue StepOutcome = iota
	// StepIdle means no vCPU is Ready or Blocked: every online vCPU has
	// exited. The caller should stop calling Step.
	StepIdle
	// StepHalted means PSCI SYSTEM_OFF/SYSTEM_RESET was called; the
	// whole VM should stop.
	StepHalted
)

// RunLoop drives the cooperative-SMP scheduling loop of spec.md §4.5
// for one VM.
type RunLoop struct {
	VM    *vcpu.VM
	State *state.VM
	Dist  *gic.Distributor
	PSCI  *psci.Handler
	Sched *Scheduler
	Hooks Hooks

	// Trace records a vCPU lifecycle transition that Step rejected,
	// instead of discarding it. Optional; nil drops the record (tests
	// that never wire a Trace still run without it). NewRunLoop's own
	// transitions run before Trace can be set and are never recorded.
	Trace *diag.Trace
}

// NewRunLoop builds a RunLoop seeded with every vCPU st already reports
// online (spec.md §3's "boot vCPU starts online"), moving each from
// Uninitialized to Ready so VCPU.State tracks the scheduler from the
// first Step.
func NewRunLoop(vm *vcpu.VM, st *state.VM, dist *gic.Distributor, ps *psci.Handler, hooks Hooks) *RunLoop {
	r := &RunLoop{VM: vm, State: st, Dist: dist, PSCI: ps, Sched: NewScheduler(), Hooks: hooks}
	for _, v := range vm.VCPUs {
		if st.IsOnline(v.ID) {
			r.Sched.Add(v.ID)
			r.transition(v, vcpu.VCPUReady)
		}
	}
	return r
}

// transition drives v's lifecycle state machine, recording (rather than
// discarding) a transition the state machine rejects: that indicates a
// scheduler bug, not something Step should ever hide.
func (r *RunLoop) transition(v *vcpu.VCPU, next vcpu.VCPUState) {
	if err := v.Transition(next); err != nil && r.Trace != nil {
		r.Trace.Writef("sched", "%v", err)
	}
}

func injectBitmap(arch *vcpu.ArchState, bits uint32, base uint32, hw bool, pintidOf func(intid uint32) uint32) uint32 {
	remaining := bits
	for i := uint32(0); i < 32 && remaining != 0; i++ {
		bit := uint32(1) << i
		if remaining&bit == 0 {
			continue
		}
		intid := base + i
		var pintid uint32
		if pintidOf != nil {
			pintid = pintidOf(intid)
		}
		if gic.InjectScheduled(arch, intid, hw, pintid) {
			remaining &^= bit
		}
	}
	return remaining
}

// Step runs one scheduling iteration: drain CPU_ON, wake vCPUs with a
// pending interrupt, pick the next Ready vCPU, drain the UART RX ring,
// inject pending SGIs/SPIs into its list registers, arm the preemption
// timer, enter the guest, and classify the result (spec.md §4.5's
// ten-step sequence).
func (r *RunLoop) Step() (StepOutcome, int, trap.Result) {
	for _, req := range r.State.TakeCPUOnRequests() {
		psci.BootSecondary(r.VM.VCPUs[req.Target], r.State, req.Entry, req.ContextID)
		r.Sched.Add(req.Target)
	}

	for _, id := range r.Sched.Managed() {
		if r.State.HasPendingInterrupt(id) {
			r.Sched.SetReady(id)
		}
	}

	id, ok := r.Sched.PickNext()
	if !ok {
		return StepIdle, -1, trap.Result{}
	}
	v := r.VM.VCPUs[id]
	r.transition(v, vcpu.VCPURunning)

	if b, drained := r.State.UARTRX.Pop(); drained {
		if r.Hooks.DeliverUARTByte != nil {
			r.Hooks.DeliverUARTByte(b)
		}
		if r.Dist != nil {
			target := r.Dist.Route(boardcfg.UARTSPI)
			r.State.SetPendingSPI(target, boardcfg.UARTSPI-32)
		}
	}

	sgiBits := r.State.TakePendingSGI(id)
	if remaining := injectBitmap(v.Arch, sgiBits, 0, false, nil); remaining != 0 {
		r.State.RequeuePendingSGI(id, remaining)
	}
	spiBits := r.State.TakePendingSPI(id)
	pintidOf := func(intid uint32) uint32 {
		if intid == boardcfg.UARTSPI {
			return 0
		}
		return 0
	}
	if remaining := injectBitmap(v.Arch, spiBits, 32, false, pintidOf); remaining != 0 {
		r.State.RequeuePendingSPI(id, remaining)
	}

	if r.State.OnlineCount() > 1 && r.Hooks.ArmPreemptionTimer != nil {
		r.Hooks.ArmPreemptionTimer()
	}
	if r.Hooks.ReenableTimerIRQ != nil {
		r.Hooks.ReenableTimerIRQ()
	}

	result := r.Hooks.EnterGuest(v)

	preempted := r.State.PreemptionExit.Swap(false)
	terminal := r.State.TerminalExit(id)

	switch {
	case terminal:
		r.State.ClearTerminalExit(id)
		r.Sched.Remove(id)
		r.transition(v, vcpu.VCPUStopped)
	case preempted:
		r.Sched.SetReady(id)
		r.transition(v, vcpu.VCPUReady)
	case result.Outcome == trap.OutcomeBlock:
		r.Sched.Block(id)
		r.transition(v, vcpu.VCPUReady)
	case result.Outcome == trap.OutcomeExit, result.Outcome == trap.OutcomeFatal:
		r.Sched.Remove(id)
		r.transition(v, vcpu.VCPUStopped)
	default:
		r.Sched.SetReady(id)
		r.transition(v, vcpu.VCPUReady)
	}

	if r.State.SystemHalted.Load() {
		return StepHalted, id, result
	}
	return StepContinue, id, result
}

// Run calls Step until it reports StepIdle or StepHalted, invoking
// onExit (if non-nil) for every vCPU that leaves scheduling with a
// terminal result.
func (r *RunLoop) Run(onExit func(vcpuID int, result trap.Result)) {
	for {
		outcome, id, result := r.Step()
		if (result.Outcome == trap.OutcomeExit || result.Outcome == trap.OutcomeFatal) && onExit != nil {
			onExit(id, result)
		}
		if outcome == StepIdle || outcome == StepHalted {
			return
		}
	}
}
