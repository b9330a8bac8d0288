// Package psci implements the PSCI v0.2 call interface a guest reaches
// through an HVC whose function ID has bit 31 set (spec.md §4.2,
// §4.6): CPU_ON/CPU_OFF/CPU_SUSPEND, SYSTEM_OFF/SYSTEM_RESET,
// AFFINITY_INFO, FEATURES and MIGRATE_INFO_TYPE. Grounded on spec.md
// §4.6's call table directly (PSCI has no tinyrange-cc equivalent to
// imitate; the closest shape in the pack is hv/kvm/kvm_arm64.go's
// hypercall-dispatch switch, which this package's Handler.HandlePSCI
// mirrors: one function-ID switch statement returning a value or an
// error the caller folds into the guest's x0).
package psci

import (
	"github.com/tinyrange/elh/internal/hv/state"
	"github.com/tinyrange/elh/internal/hv/vcpu"
)

// PSCI v0.2 function identifiers this core recognizes (spec.md §4.6).
const (
	FnVersion         = 0x84000000
	FnCPUSuspend      = 0xC4000001
	FnCPUOff          = 0x84000002
	FnCPUOn           = 0xC4000003
	FnAffinityInfo    = 0xC4000004
	FnMigrateInfoType = 0x84000006
	FnSystemOff       = 0x84000008
	FnSystemReset     = 0x84000009
	FnFeatures        = 0x8400000A
)

// Return codes, PSCI v0.2 §5.1.
const (
	Success         = 0
	NotSupported    = ^uint64(0)           // -1
	InvalidParams   = ^uint64(0) - 1        // -2
	Denied          = ^uint64(0) - 2        // -3
	AlreadyOn       = ^uint64(0) - 3        // -4
	OnPending       = ^uint64(0) - 4        // -5
	InternalFailure = ^uint64(0) - 5        // -6
)

// AffinityInfo return values.
const (
	AffinityOn        = 0
	AffinityOff       = 1
	AffinityOnPending = 2
)

// Version this core reports: PSCI v0.2.
const Version = 0x00000002

// MigrateNotRequired is MIGRATE_INFO_TYPE's return value for a
// single-VM host that never migrates a guest.
const MigrateNotRequired = 2

// spsrEL1hDAIFMasked is the SPSR_EL2 value a secondary vCPU boots with:
// mode EL1h (SP_EL1), with all four DAIF bits set (spec.md §4.6: "all
// exceptions masked").
const spsrEL1hDAIFMasked = 0x3C5

// Secondary-boot architectural defaults (spec.md §4.6).
const (
	bootSCTLREL1 = 0x30D00800
	bootCPACREL1 = 0x300000
	bootICHHCR   = (1 << 13) | 1 // TALL1 | En
)

// Handler implements trap.PSCIHandler for one VM.
type Handler struct {
	VM    *vcpu.VM
	State *state.VM
}

// NewHandler returns a Handler wired to vm's vCPU set and its shared
// atomic state block.
func NewHandler(vm *vcpu.VM, st *state.VM) *Handler {
	return &Handler{VM: vm, State: st}
}

// HandlePSCI implements trap.PSCIHandler.
func (h *Handler) HandlePSCI(vcpuID int, functionID uint64, args [3]uint64) (uint64, error) {
	switch functionID {
	case FnVersion:
		return Version, nil

	case FnCPUSuspend:
		// This core never actually power-gates a pCPU; CPU_SUSPEND is a
		// no-op success (spec.md §4.6).
		return Success, nil

	case FnCPUOff:
		h.State.SetOffline(vcpuID)
		h.State.SetTerminalExit(vcpuID)
		return Success, nil

	case FnCPUOn:
		return h.cpuOn(args), nil

	case FnAffinityInfo:
		target := int(args[0] & 0xFF)
		if target < 0 || target >= len(h.VM.VCPUs) {
			return InvalidParams, nil
		}
		if h.State.IsOnline(target) {
			return AffinityOn, nil
		}
		if _, pending := h.State.PeekCPUOn(target); pending {
			return AffinityOnPending, nil
		}
		return AffinityOff, nil

	case FnMigrateInfoType:
		return MigrateNotRequired, nil

	case FnSystemOff, FnSystemReset:
		h.State.SystemHalted.Store(true)
		h.State.SetTerminalExit(vcpuID)
		return Success, nil

	case FnFeatures:
		if isKnownFunction(args[0]) {
			return Success, nil
		}
		return NotSupported, nil

	default:
		return NotSupported, nil
	}
}

func isKnownFunction(id uint64) bool {
	switch id {
	case FnVersion, FnCPUSuspend, FnCPUOff, FnCPUOn, FnAffinityInfo,
		FnMigrateInfoType, FnSystemOff, FnSystemReset, FnFeatures:
		return true
	default:
		return false
	}
}

// cpuOn validates and records a CPU_ON request; the scheduler's
// per-iteration drain step (spec.md §4.5 step 1) actually boots the
// target vCPU via BootSecondary once it observes the request.
func (h *Handler) cpuOn(args [3]uint64) uint64 {
	target := int(args[0] & 0xFF)
	entry := args[1]
	contextID := args[2]

	if target < 0 || target >= len(h.VM.VCPUs) {
		return InvalidParams
	}
	if h.State.IsOnline(target) {
		return AlreadyOn
	}
	if _, pending := h.State.PeekCPUOn(target); pending {
		return OnPending
	}

	h.State.RequestCPUOn(state.CPUOnRequest{Target: target, Entry: entry, ContextID: contextID})
	return Success
}

// BootSecondary initializes v's Context and ArchState for a first run
// at the given entry point and context_id, per the boot defaults
// spec.md §4.6 mandates for a PSCI CPU_ON target, and marks it online
// in st.
func BootSecondary(v *vcpu.VCPU, st *state.VM, entry, contextID uint64) {
	v.Context = vcpu.Context{}
	v.Context.PC = entry
	v.Context.X[0] = contextID
	v.Context.SPSR = spsrEL1hDAIFMasked

	v.Arch.SctlrEL1 = bootSCTLREL1
	v.Arch.CpacrEL1 = bootCPACREL1
	v.Arch.MPIDR = uint64(v.ID) & 0xFF
	v.Arch.GIC.HCR = bootICHHCR

	st.SetOnline(v.ID)
	st.ClearTerminalExit(v.ID)

	if err := v.Transition(vcpu.VCPUReady); err != nil {
		// A secondary vCPU is always Uninitialized when CPU_ON targets
		// it for the first time (spec.md §4.6); a second CPU_ON after it
		// has already run would be rejected by cpuOn's AlreadyOn check
		// before BootSecondary is ever called again.
		_ = err
	}
}
