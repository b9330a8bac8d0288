package sched

import (
	"github.com/tinyrange/elh/internal/hv/state"
	"github.com/tinyrange/elh/internal/hv/trap"
	"github.com/tinyrange/elh/internal/hv/vcpu"
)

// AffinityLoop runs a single vCPU pinned 1:1 to one pCPU with no
// scheduler at all (spec.md §4.5's affinity mode): every interrupt
// destined for this vCPU is injected at the next entry, and a WFI
// simply spins the hook until a pending interrupt or the halt flag
// appears, since there is no other vCPU to switch to.
type AffinityLoop struct {
	VCPU  *vcpu.VCPU
	State *state.VM
	Hooks Hooks

	// WaitForWork is called when the vCPU traps with a WFI/WFE and no
	// interrupt is pending yet; production code blocks the host thread
	// briefly (e.g. on a condition variable signaled by the physical
	// GICR0 IRQ handler), a test fake can just return immediately.
	WaitForWork func()
}

// Run enters the vCPU repeatedly until it exits, a fatal trap occurs,
// or SystemHalted is set, delivering pending SGIs/SPIs into its list
// registers before every entry (spec.md §4.5 step 6, minus the
// round-robin pick_next this mode has no use for).
func (a *AffinityLoop) Run() trap.Result {
	id := a.VCPU.ID
	for {
		if b, drained := a.State.UARTRX.Pop(); drained && a.Hooks.DeliverUARTByte != nil {
			a.Hooks.DeliverUARTByte(b)
		}

		sgiBits := a.State.TakePendingSGI(id)
		if remaining := injectBitmap(a.VCPU.Arch, sgiBits, 0, false, nil); remaining != 0 {
			a.State.RequeuePendingSGI(id, remaining)
		}
		spiBits := a.State.TakePendingSPI(id)
		if remaining := injectBitmap(a.VCPU.Arch, spiBits, 32, false, nil); remaining != 0 {
			a.State.RequeuePendingSPI(id, remaining)
		}

		if a.Hooks.ReenableTimerIRQ != nil {
			a.Hooks.ReenableTimerIRQ()
		}

		result := a.Hooks.EnterGuest(a.VCPU)

		if a.State.SystemHalted.Load() {
			return result
		}
		if a.State.TerminalExit(id) {
			a.State.ClearTerminalExit(id)
			_ = a.VCPU.Transition(vcpu.VCPUStopped)
			return result
		}
		switch result.Outcome {
		case trap.OutcomeExit, trap.OutcomeFatal:
			return result
		case trap.OutcomeBlock:
			for !a.State.HasPendingInterrupt(id) && !a.State.SystemHalted.Load() {
				if a.WaitForWork != nil {
					a.WaitForWork()
				} else {
					return result
				}
			}
		}
	}
}
