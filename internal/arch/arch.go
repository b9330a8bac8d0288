// Package arch is the boundary between this repository's Go code and the
// handful of operations that can only be expressed in AArch64 assembly:
// reading/writing EL2 system registers, barriers, and ERET/WFI/WFE.
//
// A real freestanding build supplies these as Go assembly (or links them
// in via //go:linkname from a small .s file assembled alongside this
// package), the same way a bare-metal Go kernel declares its EL1
// equivalents. Nothing in this package is exercised by tests; everything
// that calls into it is pure Go and is tested without it.
package arch

import "unsafe"

// Barrier kinds used by the Stage-2 TLB invalidate sequence and by
// VcpuArchState.restore(). Named rather than free-form strings so callers
// can't typo an invalid barrier.
type Barrier int

const (
	DSBISH Barrier = iota
	ISB
)

//go:linkname readVbarEl2 read_vbar_el2
//go:nosplit
func readVbarEl2() uint64

//go:linkname writeVbarEl2 write_vbar_el2
//go:nosplit
func writeVbarEl2(v uint64)

//go:linkname readHcrEl2 read_hcr_el2
//go:nosplit
func readHcrEl2() uint64

//go:linkname writeHcrEl2 write_hcr_el2
//go:nosplit
func writeHcrEl2(v uint64)

//go:linkname readVttbrEl2 read_vttbr_el2
//go:nosplit
func readVttbrEl2() uint64

//go:linkname writeVttbrEl2 write_vttbr_el2
//go:nosplit
func writeVttbrEl2(v uint64)

//go:linkname readVtcrEl2 read_vtcr_el2
//go:nosplit
func readVtcrEl2() uint64

//go:linkname writeVtcrEl2 write_vtcr_el2
//go:nosplit
func writeVtcrEl2(v uint64)

//go:linkname readEsrEl2 read_esr_el2
//go:nosplit
func readEsrEl2() uint64

//go:linkname readFarEl2 read_far_el2
//go:nosplit
func readFarEl2() uint64

//go:linkname readHpfarEl2 read_hpfar_el2
//go:nosplit
func readHpfarEl2() uint64

//go:linkname readElrEl2 read_elr_el2
//go:nosplit
func readElrEl2() uint64

//go:linkname writeElrEl2 write_elr_el2
//go:nosplit
func writeElrEl2(v uint64)

//go:linkname tlbiIpas2e1is tlbi_ipas2e1is
//go:nosplit
func tlbiIpas2e1is(ipa uint64)

//go:linkname tlbiVmalle1is tlbi_vmalle1is
//go:nosplit
func tlbiVmalle1is()

//go:linkname dsbIsh dsb_ish
//go:nosplit
func dsbIsh()

//go:linkname isb isb_barrier
//go:nosplit
func isb()

//go:linkname wfi wait_for_interrupt
//go:nosplit
func wfi()

//go:linkname wfe wait_for_event
//go:nosplit
func wfe()

//go:linkname sev send_event
//go:nosplit
func sev()

//go:linkname eret exception_return
//go:nosplit
func eret()

// ReadVBAREL2 and WriteVBAREL2 access the EL2 vector base address
// register; the vector table installer calls WriteVBAREL2 exactly once
// during boot.
func ReadVBAREL2() uint64    { return readVbarEl2() }
func WriteVBAREL2(v uint64)  { writeVbarEl2(v) }

// ReadHCREL2 and WriteHCREL2 access the hypervisor configuration
// register configured once at init per spec.md §4.2/§6.
func ReadHCREL2() uint64   { return readHcrEl2() }
func WriteHCREL2(v uint64) { writeHcrEl2(v) }

// ReadVTTBREL2/WriteVTTBREL2 and ReadVTCREL2/WriteVTCREL2 install the
// Stage-2 translation base/control computed by internal/hv/stage2.
func ReadVTTBREL2() uint64   { return readVttbrEl2() }
func WriteVTTBREL2(v uint64) { writeVttbrEl2(v) }
func ReadVTCREL2() uint64    { return readVtcrEl2() }
func WriteVTCREL2(v uint64)  { writeVtcrEl2(v) }

// ReadESREL2, ReadFAREL2 and ReadHPFAREL2 are read by the exception
// dispatcher to classify and locate a trap.
func ReadESREL2() uint64   { return readEsrEl2() }
func ReadFAREL2() uint64   { return readFarEl2() }
func ReadHPFAREL2() uint64 { return readHpfarEl2() }

// ReadELREL2 and WriteELREL2 access the guest return address; handlers
// use WriteELREL2 to implement the PC-advancement rules of spec.md §4.2.
func ReadELREL2() uint64   { return readElrEl2() }
func WriteELREL2(v uint64) { writeElrEl2(v) }

// InvalidateStage2Page runs the exact sequence spec.md §4.1 mandates
// after unmap_4kb_page: TLBI IPAS2E1IS(ipa) ; DSB ISH ; TLBI VMALLE1IS ;
// DSB ISH ; ISB.
func InvalidateStage2Page(ipa uint64) {
	tlbiIpas2e1is(ipa >> 12)
	dsbIsh()
	tlbiVmalle1is()
	dsbIsh()
	isb()
}

// WaitForInterrupt and WaitForEvent issue WFI/WFE; SendEvent issues SEV
// to wake cores blocked in WFE (spec.md GLOSSARY).
func WaitForInterrupt() { wfi() }
func WaitForEvent()     { wfe() }
func SendEvent()        { sev() }

// ExceptionReturn issues ERET, resuming the guest at ELR_EL2/SPSR_EL2.
// Handlers must never have touched SPSR_EL2 before calling this
// (spec.md §4.2, §9).
func ExceptionReturn() { eret() }

// InstructionSyncBarrier issues ISB; VcpuArchState.restore() must call
// this after loading hardware registers (spec.md §3).
func InstructionSyncBarrier() { isb() }

// OffsetOf is a small helper used by package vcpu to assert, at
// init(), that the ABI-shared VcpuContext record has the field layout
// the (not-present-in-this-repo) assembly entry/exit stubs assume. It
// exists so that single source of truth is the struct declaration
// itself, per spec.md §9's first design note.
func OffsetOf(base, field unsafe.Pointer) uintptr {
	return uintptr(field) - uintptr(base)
}
