// Package vcpu holds the per-vCPU state split spec.md §3 calls for: a
// fixed-layout Context shared with the assembly entry/exit stubs, and a
// separately allocated ArchState for everything the common trap path
// does not touch and the scheduler must swap on a context switch.
package vcpu

import (
	"unsafe"

	"github.com/tinyrange/elh/internal/arch"
)

// ExitReason tags why a vCPU last returned from Context.Run (spec.md
// §3's "decoded exit reason (tagged variant)").
type ExitReason int

const (
	ExitReasonNone ExitReason = iota
	ExitReasonWFI
	ExitReasonWFE
	ExitReasonHVC
	ExitReasonSMC
	ExitReasonSysReg
	ExitReasonDataAbort
	ExitReasonInstructionAbort
	ExitReasonFPTrap
	ExitReasonUnknown
)

func (r ExitReason) String() string {
	switch r {
	case ExitReasonNone:
		return "none"
	case ExitReasonWFI:
		return "wfi"
	case ExitReasonWFE:
		return "wfe"
	case ExitReasonHVC:
		return "hvc"
	case ExitReasonSMC:
		return "smc"
	case ExitReasonSysReg:
		return "sysreg"
	case ExitReasonDataAbort:
		return "data_abort"
	case ExitReasonInstructionAbort:
		return "instruction_abort"
	case ExitReasonFPTrap:
		return "fp_trap"
	default:
		return "unknown"
	}
}

// Context is the ABI-shared guest register record (spec.md §3): 31
// general-purpose registers, SP/PC/SPSR, and the diagnostic ESR/FAR/HCR
// snapshot the vector-table stub captures before calling into the
// dispatcher. Field order is the single source of truth for the
// assembly entry/exit stubs' offsets — see the init() assertions below
// instead of a generated offsets file (spec.md §3, §9).
type Context struct {
	X      [31]uint64 // x0..x30
	SP     uint64     // guest SP_EL1 (restored via SP_EL1, not ELR)
	PC     uint64     // restored to ELR_EL2
	SPSR   uint64     // restored to SPSR_EL2

	ESREL2 uint64
	FAREL2 uint64
	HCREL2 uint64

	ExitReason ExitReason
}

// Offsets of every Context field from the record's base, computed once
// at init() by pointer subtraction (arch.OffsetOf) so a reader — or a
// real assembly stub — has one source of truth instead of a second,
// hand-maintained table (spec.md §9's first design note, resolved in
// DESIGN.md by computing offsets at init instead of assembly-offset
// codegen since this repo never invokes the Go assembler on a real .s
// file). Only the X and SP offsets are asserted; the rest are recorded.
var (
	offsetX          uintptr
	offsetSP         uintptr
	offsetPC         uintptr
	offsetSPSR       uintptr
	offsetESREL2     uintptr
	offsetFAREL2     uintptr
	offsetHCREL2     uintptr
	offsetExitReason uintptr
)

func fieldOffset(base, field unsafe.Pointer) uintptr {
	return arch.OffsetOf(base, field)
}

func init() {
	var c Context
	base := unsafe.Pointer(&c)
	offsetX = fieldOffset(base, unsafe.Pointer(&c.X[0]))
	offsetSP = fieldOffset(base, unsafe.Pointer(&c.SP))
	offsetPC = fieldOffset(base, unsafe.Pointer(&c.PC))
	offsetSPSR = fieldOffset(base, unsafe.Pointer(&c.SPSR))
	offsetESREL2 = fieldOffset(base, unsafe.Pointer(&c.ESREL2))
	offsetFAREL2 = fieldOffset(base, unsafe.Pointer(&c.FAREL2))
	offsetHCREL2 = fieldOffset(base, unsafe.Pointer(&c.HCREL2))
	offsetExitReason = fieldOffset(base, unsafe.Pointer(&c.ExitReason))

	// The assembly entry stub saves x0..x30 as one contiguous run
	// starting at offset 0; if a future field reorder broke that, every
	// save/restore in the (not-present-in-this-repo) .s file would
	// silently corrupt guest state, so this is asserted rather than
	// merely documented.
	if offsetX != 0 {
		panic("vcpu: Context.X must be the first field (assembly entry stub ABI)")
	}
	if offsetSP != offsetX+uintptr(len(c.X))*8 {
		panic("vcpu: Context.SP must immediately follow X[30]")
	}
}
