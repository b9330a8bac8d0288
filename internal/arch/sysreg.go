package arch

import _ "unsafe" // for go:linkname

// SysRegID packs an AArch64 system-register's (op0, op1, CRn, CRm, op2)
// MRS/MSR operand encoding into one value, directly grounded on
// tinyrange-cc's kvm_arm64.go arm64SysReg() helper (which builds the
// same encoding for KVM's ONE_REG ioctl interface) — generalized here
// to address the assembly MRS/MSR boundary instead of an ioctl.
type SysRegID uint64

func sysReg(op0, op1, crn, crm, op2 uint64) SysRegID {
	return SysRegID(
		(op0&0x3)<<14 |
			(op1&0x7)<<11 |
			(crn&0xF)<<7 |
			(crm&0xF)<<3 |
			(op2 & 0x7),
	)
}

// EL1 system registers swapped by VcpuArchState.Save/Restore (spec.md
// §3), with the same encodings tinyrange-cc's kvm_arm64.go uses for its
// arm64OptionalSysRegIDs table.
var (
	SCTLREL1      = sysReg(3, 0, 1, 0, 0)
	TTBR0EL1      = sysReg(3, 0, 2, 0, 0)
	TTBR1EL1      = sysReg(3, 0, 2, 0, 1)
	TCREL1        = sysReg(3, 0, 2, 0, 2)
	MAIREL1       = sysReg(3, 0, 10, 2, 0)
	VBAREL1       = sysReg(3, 0, 12, 0, 0)
	CPACREL1      = sysReg(3, 0, 1, 0, 2)
	CONTEXTIDREL1 = sysReg(3, 0, 13, 0, 1)
	TPIDREL0      = sysReg(3, 3, 13, 0, 2)
	TPIDREL1      = sysReg(3, 0, 13, 0, 4)
	TPIDRROEL0    = sysReg(3, 3, 13, 0, 3)
	PAREL1        = sysReg(3, 0, 7, 4, 0)
	CNTKCTLEL1    = sysReg(3, 0, 14, 1, 0)
	SPEL1         = sysReg(3, 4, 4, 1, 0)
	SPEL0         = sysReg(3, 0, 4, 1, 0)
	ELREL1        = sysReg(3, 0, 4, 0, 1)
	SPSREL1       = sysReg(3, 0, 4, 0, 0)
	AFSR0EL1      = sysReg(3, 0, 5, 1, 0)
	AFSR1EL1      = sysReg(3, 0, 5, 1, 1)
	ESREL1        = sysReg(3, 0, 5, 2, 0)
	FAREL1        = sysReg(3, 0, 6, 0, 0)
	AMAIREL1      = sysReg(3, 0, 10, 3, 0)
	MDSCREL1      = sysReg(2, 0, 0, 2, 2)

	CNTVCTLEL0  = sysReg(3, 3, 14, 3, 1)
	CNTVCVALEL0 = sysReg(3, 3, 14, 3, 2)

	// Pointer-authentication key pairs (ARMv8.3), five lo/hi pairs.
	APIAKeyLo = sysReg(3, 0, 2, 1, 0)
	APIAKeyHi = sysReg(3, 0, 2, 1, 1)
	APIBKeyLo = sysReg(3, 0, 2, 1, 2)
	APIBKeyHi = sysReg(3, 0, 2, 1, 3)
	APDAKeyLo = sysReg(3, 0, 2, 2, 0)
	APDAKeyHi = sysReg(3, 0, 2, 2, 1)
	APDBKeyLo = sysReg(3, 0, 2, 2, 2)
	APDBKeyHi = sysReg(3, 0, 2, 2, 3)
	APGAKeyLo = sysReg(3, 0, 2, 3, 0)
	APGAKeyHi = sysReg(3, 0, 2, 3, 1)

	// Virtual GIC CPU-interface registers (EL2), four list registers
	// plus VMCR/HCR control.
	ICHLR0   = sysReg(3, 4, 12, 12, 0)
	ICHLR1   = sysReg(3, 4, 12, 12, 1)
	ICHLR2   = sysReg(3, 4, 12, 12, 2)
	ICHLR3   = sysReg(3, 4, 12, 12, 3)
	ICHVMCR  = sysReg(3, 4, 12, 11, 7)
	ICHHCR   = sysReg(3, 4, 12, 11, 0)
)

// ICHLR returns the SysRegID for list register n (0..3).
func ICHLR(n int) SysRegID {
	switch n {
	case 0:
		return ICHLR0
	case 1:
		return ICHLR1
	case 2:
		return ICHLR2
	case 3:
		return ICHLR3
	default:
		panic("arch: list register index out of range")
	}
}

// PACKeyRegs returns the (lo, hi) SysRegIDs for PAC key pair n (0..4:
// APIA, APIB, APDA, APDB, APGA).
func PACKeyRegs(n int) (lo, hi SysRegID) {
	switch n {
	case 0:
		return APIAKeyLo, APIAKeyHi
	case 1:
		return APIBKeyLo, APIBKeyHi
	case 2:
		return APDAKeyLo, APDAKeyHi
	case 3:
		return APDBKeyLo, APDBKeyHi
	case 4:
		return APGAKeyLo, APGAKeyHi
	default:
		panic("arch: PAC key pair index out of range")
	}
}

//go:linkname readSysReg read_sysreg
//go:nosplit
func readSysReg(id uint64) uint64

//go:linkname writeSysReg write_sysreg
//go:nosplit
func writeSysReg(id uint64, v uint64)

// ReadSysReg and WriteSysReg perform an MRS/MSR of the named register
// through the single generic assembly entry point every other
// SysRegID-addressed register uses (the same "one encoded ID, one pair
// of trampolines" shape as kvm_arm64.go's ONE_REG path, adapted from an
// ioctl call to an inline MRS/MSR instruction pair).
func ReadSysReg(id SysRegID) uint64    { return readSysReg(uint64(id)) }
func WriteSysReg(id SysRegID, v uint64) { writeSysReg(uint64(id), v) }
