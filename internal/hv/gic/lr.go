// Package gic emulates the GICv3 distributor and per-vCPU redistributor
// frames a guest sees (spec.md §4.4), and manages the four hardware
// list registers (ICH_LR0..3_EL2) used to inject a virtual interrupt
// into a running or about-to-run vCPU. Grounded on tinyrange-cc's
// hvf_gic_emulation_darwin_arm64.go (the GICD/GICR register-offset
// table and its MMIO dispatch-by-address-range shape) and on
// hv/kvm/kvm_arm64_vgic.go (the KVM_DEV_ARM_VGIC_GRP_* addressing
// idiom this package's distributor/redistributor split mirrors).
package gic

import "github.com/tinyrange/elh/internal/hv/vcpu"

// List-register bit layout (ICH_LR<n>_EL2), spec.md §4.4's "4 hardware
// list registers".
const (
	lrStateShift  = 62
	lrStateMask   = 0x3
	lrHWBit       = 1 << 61
	lrGroupBit    = 1 << 60
	lrPriorityShift = 48
	lrPriorityMask  = 0xFF
	lrPINTIDShift   = 32
	lrPINTIDMask    = 0x3FF
	lrVINTIDMask    = 0xFFFFFFFF
)

// LRState is the Arm-defined list-register state field.
type LRState uint8

const (
	LRInvalid        LRState = 0b00
	LRPending        LRState = 0b01
	LRActive         LRState = 0b10
	LRPendingActive  LRState = 0b11
)

// DefaultPriority is the priority this core assigns every injected
// virtual interrupt; nothing in spec.md §4.4 requires priority
// ordering between SGIs/SPIs, so one fixed value keeps the LR encoding
// simple.
const DefaultPriority = 0xA0

// EncodeLR packs a list-register value. hw selects whether the
// interrupt is backed by a physical INTID that must be deactivated in
// hardware on EOI (pintid is ignored when hw is false).
func EncodeLR(vintid uint32, state LRState, group bool, priority uint8, hw bool, pintid uint32) uint64 {
	v := uint64(state&lrStateMask) << lrStateShift
	v |= uint64(vintid) & lrVINTIDMask
	if group {
		v |= lrGroupBit
	}
	v |= uint64(priority&lrPriorityMask) << lrPriorityShift
	if hw {
		v |= lrHWBit
		v |= (uint64(pintid) & lrPINTIDMask) << lrPINTIDShift
	}
	return v
}

// DecodedLR is EncodeLR's value taken apart, for tests and diagnostics.
type DecodedLR struct {
	VINTID   uint32
	State    LRState
	Group    bool
	Priority uint8
	HW       bool
	PINTID   uint32
}

// DecodeLR unpacks a list-register value.
func DecodeLR(v uint64) DecodedLR {
	return DecodedLR{
		VINTID:   uint32(v & lrVINTIDMask),
		State:    LRState((v >> lrStateShift) & lrStateMask),
		Group:    v&lrGroupBit != 0,
		Priority: uint8((v >> lrPriorityShift) & lrPriorityMask),
		HW:       v&lrHWBit != 0,
		PINTID:   uint32((v >> lrPINTIDShift) & lrPINTIDMask),
	}
}

// InjectScheduled writes a pending virtual interrupt into the first
// free (State==LRInvalid) slot of arch's four list registers — the
// scheduler-path injector used just before a vCPU is resumed (spec.md
// §4.5 step 5). It reports false when all four slots are occupied, so
// the caller can re-queue the INTID in the pending bitmap for the next
// iteration instead of dropping it.
func InjectScheduled(arch *vcpu.ArchState, vintid uint32, hw bool, pintid uint32) bool {
	for i := range arch.GIC.LR {
		if DecodeLR(arch.GIC.LR[i]).State == LRInvalid {
			arch.GIC.LR[i] = EncodeLR(vintid, LRPending, true, DefaultPriority, hw, pintid)
			return true
		}
	}
	return false
}

// Backend is the register-access boundary InjectLive uses, the same
// shape vcpu.Backend exposes (it is not that interface directly so
// this package does not import internal/arch's SysRegID type into its
// own vocabulary, but any vcpu.HardwareBackend-backed reader can
// implement it trivially).
type Backend interface {
	ReadLR(n int) uint64
	WriteLR(n int, v uint64)
}

// InjectLive writes directly into the currently-running vCPU's
// hardware list registers through b, for the case where the target of
// an SGI or SPI is the vCPU that is live on this pCPU right now (the
// "inject immediately" branch of spec.md §4.4's SGI dispatch). It
// returns false if no free list register is available, exactly like
// InjectScheduled.
func InjectLive(b Backend, vintid uint32, hw bool, pintid uint32) bool {
	for i := 0; i < 4; i++ {
		if DecodeLR(b.ReadLR(i)).State == LRInvalid {
			b.WriteLR(i, EncodeLR(vintid, LRPending, true, DefaultPriority, hw, pintid))
			return true
		}
	}
	return false
}
