// Package mmio decodes a guest MMIO access into a direction-tagged,
// width-tagged Access: the ISS fast path when ESR_EL2.ISS.ISV=1, and a
// register-plus-immediate LDR/STR-family instruction decoder as the
// required fallback for the accesses that don't set ISV (spec.md
// §4.3). Grounded on tinyrange-cc's hv/kvm/kvm_arm64.go KVM_EXIT_MMIO
// direction/width recovery (the ISS fast path mirrors KVM's
// kvm_run.mmio fields exactly) and, for the instruction-decode slow
// path, the bitfield-extraction style of hv/riscv/rv64/execute.go.
package mmio

import (
	"fmt"

	"github.com/tinyrange/elh/internal/hv"
)

// RegZero is the Access.Reg sentinel for Rt==31: AArch64 load/store
// instructions treat register 31 as the zero register (XZR), never the
// stack pointer, so it is never one of the 0..30 general registers
// spec.md §4.3 enumerates.
const RegZero = -1

// Access is the decoded shape of one MMIO instruction: which register,
// how many bytes, which direction, and (for a load) whether the value
// should be sign-extended.
type Access struct {
	Write      bool
	Reg        int // 0..30, or RegZero
	Size       int // 1, 2, 4, or 8
	SignExtend bool
}

func regOrZero(rt uint32) int {
	if rt == 31 {
		return RegZero
	}
	return int(rt)
}

// Data Abort ISS field layout for EC=0x24 (spec.md §4.3's "ISS path").
const (
	issISVBit   = 1 << 24
	issSASShift = 22
	issSASMask  = 0x3
	issSSEBit   = 1 << 21
	issSRTShift = 16
	issSRTMask  = 0x1F
	issWnRBit   = 1 << 6
)

// DecodeISS extracts SAS/SSE/SRT/WNR from a Data Abort ISS, the fast
// path used when ISV=1 (spec.md §4.3). ok is false when ISV=0, in
// which case the caller must fall back to DecodeInstruction.
func DecodeISS(iss uint32) (access Access, ok bool) {
	if iss&issISVBit == 0 {
		return Access{}, false
	}
	sas := (iss >> issSASShift) & issSASMask
	return Access{
		Write:      iss&issWnRBit != 0,
		Reg:        regOrZero((iss >> issSRTShift) & issSRTMask),
		Size:       1 << sas,
		SignExtend: iss&issSSEBit != 0,
	}, true
}

// LDR/STR (immediate, unsigned offset) field layout, A64 C4.1.3.
const (
	insnFixedMask  = 0x3F000000 // bits [29:24], the class bits isLoadStoreImmUnsigned checks
	insnSizeShift  = 30
	insnOpcShift   = 22
	insnOpcMask    = 0x3
	insnRtMask     = 0x1F
)

// isLoadStoreImmUnsigned reports whether word matches the fixed bits of
// the "LDR/STR (immediate) - unsigned offset" encoding class: bits
// [29:27]=0b111, bit 26 (V)=0 (general-purpose register, not
// SIMD/FP), bits [25:24]=0b01.
func isLoadStoreImmUnsigned(word uint32) bool {
	const fixedMask = 0x3F000000
	const fixedValue = 0x39000000
	return word&fixedMask == fixedValue
}

// DecodeInstruction decodes the LDR/STR/LDRB/STRB/LDRH/STRH
// register-plus-immediate (unsigned offset) forms from a raw 32-bit
// instruction word, the required slow path for aborts that don't set
// ISV (spec.md §4.3). The signed loads of the same class (LDRSB, LDRSH,
// LDRSW) decode with SignExtend set. Any other encoding, including the
// SIMD/FP variants this core has no use for, is reported as
// undecodable via *hv.DecodeError.
func DecodeInstruction(word uint32, pc uint64) (Access, error) {
	if !isLoadStoreImmUnsigned(word) {
		return Access{}, &hv.DecodeError{Subsystem: "hv/mmio", PC: pc, Word: word}
	}

	size := (word >> insnSizeShift) & 0x3
	opc := (word >> insnOpcShift) & insnOpcMask
	rt := word & insnRtMask

	switch {
	case opc == 0b00:
		return Access{Write: true, Reg: regOrZero(rt), Size: 1 << size}, nil
	case opc == 0b01:
		return Access{Write: false, Reg: regOrZero(rt), Size: 1 << size, SignExtend: false}, nil
	case opc == 0b10 && size != 0b11:
		return Access{Write: false, Reg: regOrZero(rt), Size: 1 << size, SignExtend: true}, nil
	case opc == 0b11 && size <= 0b01:
		return Access{Write: false, Reg: regOrZero(rt), Size: 1 << size, SignExtend: true}, nil
	default:
		// size=11,opc=10 is unallocated; size=11,opc=11 is PRFM
		// (prefetch, no register transfer); size=10,opc=11 is
		// unallocated. None of these is a load/store this core
		// emulates.
		return Access{}, &hv.DecodeError{Subsystem: "hv/mmio", PC: pc, Word: word}
	}
}

// Direction, used only for readable error messages and logging.
func (a Access) String() string {
	dir := "load"
	if a.Write {
		dir = "store"
	}
	reg := fmt.Sprintf("x%d", a.Reg)
	if a.Reg == RegZero {
		reg = "xzr"
	}
	return fmt.Sprintf("%s %s, size=%d, sign_extend=%v", dir, reg, a.Size, a.SignExtend)
}
