// Package state holds the lock-free, shared mutable state the scheduler
// touches on every iteration without taking a lock: per-vCPU pending
// SGI/SPI bitmaps, the online mask, terminal-exit flags, pending
// CPU_ON requests and the physical UART's RX byte ring (spec.md §3,
// §4.5). Every field is an atomic so the trap path (running on one
// pCPU) and the interrupt-delivery sweep (running on another, in
// affinity mode) can touch the same VM's state without a mutex, the
// same lock-free-handoff approach tinyrange-cc's internal/timeslice
// uses for its writer/reader channel split, generalized here to a
// plain atomic array since the payload is a handful of bits rather
// than a byte stream.
package state

import (
	"sync/atomic"

	"github.com/tinyrange/elh/internal/hv/vcpu"
)

// CPUOnRequest is a secondary vCPU boot request recorded by PSCI
// CPU_ON and consumed by the scheduler's per-iteration drain step
// (spec.md §4.5 step 1, §4.6).
type CPUOnRequest struct {
	Target    int
	Entry     uint64
	ContextID uint64
}

// VM is the atomic state shared by every subsystem that touches one
// VM's vCPUs without synchronizing through the scheduler: the vGIC
// (internal/hv/gic), PSCI (internal/hv/psci) and the scheduler itself
// (internal/hv/sched).
type VM struct {
	pendingSGI [vcpu.MaxVCPUs]atomic.Uint32
	pendingSPI [vcpu.MaxVCPUs]atomic.Uint32

	terminalExit [vcpu.MaxVCPUs]atomic.Bool
	cpuOnReq     [vcpu.MaxVCPUs]atomic.Pointer[CPUOnRequest]

	onlineMask atomic.Uint64

	// SystemHalted is set by PSCI SYSTEM_OFF/SYSTEM_RESET (spec.md
	// §4.6): the whole VM should stop, not just the calling vCPU.
	SystemHalted atomic.Bool

	// PreemptionExit is set when the EL2 hypervisor timer armed by the
	// scheduler (spec.md §4.5 step 7) fires while a vCPU is running,
	// forcing a voluntary exit back to the scheduler.
	PreemptionExit atomic.Bool

	UARTRX RXRing
}

// NewVM returns a VM state block with vCPU 0 online, matching spec.md
// §3's "the boot vCPU starts online; every other vCPU starts offline
// until PSCI CPU_ON brings it up".
func NewVM() *VM {
	v := &VM{}
	v.SetOnline(0)
	return v
}

// SetPendingSGI ORs intid (0..15) into target's pending-SGI bitmap.
func (v *VM) SetPendingSGI(target int, intid uint32) {
	v.pendingSGI[target].Or(1 << intid)
}

// TakePendingSGI atomically reads and clears target's pending-SGI
// bitmap, for the scheduler to inject into list registers.
func (v *VM) TakePendingSGI(target int) uint32 {
	return v.pendingSGI[target].Swap(0)
}

// RequeuePendingSGI ORs bits back in when list-register injection runs
// out of slots (spec.md §4.5 step 5's "re-queue on overflow").
func (v *VM) RequeuePendingSGI(target int, bits uint32) {
	if bits != 0 {
		v.pendingSGI[target].Or(bits)
	}
}

// SetPendingSPI ORs bit (n = INTID-32) into target's pending-SPI
// bitmap.
func (v *VM) SetPendingSPI(target int, bit uint32) {
	v.pendingSPI[target].Or(1 << bit)
}

// TakePendingSPI atomically reads and clears target's pending-SPI
// bitmap.
func (v *VM) TakePendingSPI(target int) uint32 {
	return v.pendingSPI[target].Swap(0)
}

// RequeuePendingSPI ORs bits back in on list-register overflow.
func (v *VM) RequeuePendingSPI(target int, bits uint32) {
	if bits != 0 {
		v.pendingSPI[target].Or(bits)
	}
}

// HasPendingInterrupt reports whether target has a non-zero pending
// SGI or SPI bitmap, without consuming either — the non-destructive
// check the scheduler's wake-pending sweep uses (spec.md §4.5 step 2)
// before a consuming TakePendingSGI/TakePendingSPI at injection time.
func (v *VM) HasPendingInterrupt(target int) bool {
	return v.pendingSGI[target].Load() != 0 || v.pendingSPI[target].Load() != 0
}

// SetOnline marks vCPU id online (spec.md §4.6's PSCI CPU_ON effect).
func (v *VM) SetOnline(id int) { v.onlineMask.Or(1 << uint(id)) }

// SetOffline marks vCPU id offline (PSCI CPU_OFF).
func (v *VM) SetOffline(id int) { v.onlineMask.And(^uint64(1 << uint(id))) }

// IsOnline reports whether vCPU id is online.
func (v *VM) IsOnline(id int) bool { return v.onlineMask.Load()&(1<<uint(id)) != 0 }

// OnlineMask returns the raw online bitmap (bit n = vCPU n online).
func (v *VM) OnlineMask() uint64 { return v.onlineMask.Load() }

// OnlineCount returns the number of online vCPUs, deciding the
// WFx-triggers-timer-injection branch of spec.md §4.2/§4.5.
func (v *VM) OnlineCount() int {
	mask := v.onlineMask.Load()
	n := 0
	for mask != 0 {
		n += int(mask & 1)
		mask >>= 1
	}
	return n
}

// SetTerminalExit marks vCPU id for removal from scheduling once its
// current trap resumes (PSCI CPU_OFF, or an unrecoverable guest exit).
func (v *VM) SetTerminalExit(id int) { v.terminalExit[id].Store(true) }

// TerminalExit reports whether vCPU id has been marked for removal.
func (v *VM) TerminalExit(id int) bool { return v.terminalExit[id].Load() }

// ClearTerminalExit resets the flag once the scheduler has actually
// removed the vCPU from its ready set.
func (v *VM) ClearTerminalExit(id int) { v.terminalExit[id].Store(false) }

// RequestCPUOn records a pending secondary-vCPU boot request, replacing
// any request already pending for the same target (PSCI's
// ON_PENDING/ALREADY_ON logic belongs to internal/hv/psci, which reads
// the current slot before calling this).
func (v *VM) RequestCPUOn(req CPUOnRequest) {
	v.cpuOnReq[req.Target].Store(&req)
}

// PeekCPUOn reports whether a CPU_ON request is pending for target,
// without consuming it.
func (v *VM) PeekCPUOn(target int) (CPUOnRequest, bool) {
	p := v.cpuOnReq[target].Load()
	if p == nil {
		return CPUOnRequest{}, false
	}
	return *p, true
}

// TakeCPUOnRequests drains every pending CPU_ON request across all
// vCPU slots, for the scheduler's per-iteration drain step (spec.md
// §4.5 step 1).
func (v *VM) TakeCPUOnRequests() []CPUOnRequest {
	var out []CPUOnRequest
	for i := range v.cpuOnReq {
		if p := v.cpuOnReq[i].Swap(nil); p != nil {
			out = append(out, *p)
		}
	}
	return out
}
