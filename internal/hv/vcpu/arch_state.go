package vcpu

import "github.com/tinyrange/elh/internal/arch"

// PACKeyPair is one of the five ARMv8.3 pointer-authentication key
// pairs (APIAKey, APIBKey, APDAKey, APDBKey, APGAKey) tracked per-vCPU.
type PACKeyPair struct {
	Lo, Hi uint64
}

// GICInterfaceState is the virtual GIC CPU-interface state that must be
// swapped alongside the rest of ArchState: four hardware list
// registers, VMCR, and the virtual HCR control bit (spec.md §3).
type GICInterfaceState struct {
	LR   [4]uint64
	VMCR uint32
	HCR  uint32
}

// VirtualTimerState is the vCPU's virtual generic-timer control and
// compare value (CNTV_CTL_EL0 / CNTV_CVAL_EL0 shadow).
type VirtualTimerState struct {
	Ctl  uint64
	Cval uint64
}

// Backend is the register-access boundary ArchState.Save/Restore use.
// Production code passes HardwareBackend, which performs the real
// MRS/MSR through internal/arch; the test suite passes a fake in-memory
// backend so the save()/restore() round-trip law from spec.md §8 can be
// checked without the hardware boundary ever being linked — the same
// dependency-injection shape internal/hv/stage2's Mapper.Invalidate
// hook uses for the TLB invalidate sequence.
type Backend interface {
	Read(id arch.SysRegID) uint64
	Write(id arch.SysRegID, v uint64)
	InstructionSyncBarrier()
}

// HardwareBackend is the production Backend: every Read/Write is a real
// MRS/MSR via internal/arch. Nothing in this repository's test suite
// constructs one.
type HardwareBackend struct{}

func (HardwareBackend) Read(id arch.SysRegID) uint64      { return arch.ReadSysReg(id) }
func (HardwareBackend) Write(id arch.SysRegID, v uint64)  { arch.WriteSysReg(id, v) }
func (HardwareBackend) InstructionSyncBarrier()           { arch.InstructionSyncBarrier() }

// ArchState is the separately allocated record holding every EL1
// register the common trap save/restore path does not touch (spec.md
// §3's "Per-vCPU Architectural State"). It is swapped in/out on
// scheduling decisions via Save/Restore, grounded on the EL1 system
// register set in tinyrange-cc's kvm_arm64.go
// (arm64OptionalSysRegIDs) and on the hot/cold-state split in
// hv/riscv/rv64/cpu.go between the trap-path register file and the
// less frequently touched CPU state.
type ArchState struct {
	SctlrEL1      uint64
	Ttbr0EL1      uint64
	Ttbr1EL1      uint64
	TcrEL1        uint64
	MairEL1       uint64
	VbarEL1       uint64
	CpacrEL1      uint64
	ContextidrEL1 uint64
	TpidrEL0      uint64
	TpidrEL1      uint64
	TpidrroEL0    uint64
	ParEL1        uint64
	CntkctlEL1    uint64
	SpEL1         uint64
	ElrEL1        uint64
	SpsrEL1       uint64
	Afsr0EL1      uint64
	Afsr1EL1      uint64
	EsrEL1        uint64
	FarEL1        uint64
	AmairEL1      uint64
	MdscrEL1      uint64

	// SpEL0 is Linux's per-CPU task pointer; it must persist across
	// switches even though it is an EL0 register (spec.md §3).
	SpEL0 uint64

	PACKeys [5]PACKeyPair

	GIC   GICInterfaceState
	Timer VirtualTimerState

	// MPIDR is the virtual MPIDR_EL1 this vCPU presents to the guest;
	// Aff0 is set to the vCPU's id at creation and never changes
	// (spec.md §3).
	MPIDR uint64
}

const (
	vmcrVPMRShift = 24
	vmcrVENG1Bit  = 1 << 1

	hcrTALL1Bit = 1 << 13
	hcrEnBit    = 1 << 0
)

// NewArchState returns an ArchState initialized for a vCPU with the
// given id: virtual MPIDR.Aff0 = id, and the vGIC defaults spec.md §3
// mandates (VPMR=0xFF, VENG1 set, TALL1|En set on the virtual
// interface's HCR).
func NewArchState(id int) *ArchState {
	return &ArchState{
		MPIDR: uint64(id) & 0xFF,
		GIC: GICInterfaceState{
			VMCR: (0xFF << vmcrVPMRShift) | vmcrVENG1Bit,
			HCR:  hcrTALL1Bit | hcrEnBit,
		},
	}
}

// Save copies the live EL1/vGIC/timer register state from b into s.
// Called before ERET-out of the vCPU currently running, before the
// scheduler hands the pCPU to a different vCPU (spec.md §3).
func (s *ArchState) Save(b Backend) {
	s.SctlrEL1 = b.Read(arch.SCTLREL1)
	s.Ttbr0EL1 = b.Read(arch.TTBR0EL1)
	s.Ttbr1EL1 = b.Read(arch.TTBR1EL1)
	s.TcrEL1 = b.Read(arch.TCREL1)
	s.MairEL1 = b.Read(arch.MAIREL1)
	s.VbarEL1 = b.Read(arch.VBAREL1)
	s.CpacrEL1 = b.Read(arch.CPACREL1)
	s.ContextidrEL1 = b.Read(arch.CONTEXTIDREL1)
	s.TpidrEL0 = b.Read(arch.TPIDREL0)
	s.TpidrEL1 = b.Read(arch.TPIDREL1)
	s.TpidrroEL0 = b.Read(arch.TPIDRROEL0)
	s.ParEL1 = b.Read(arch.PAREL1)
	s.CntkctlEL1 = b.Read(arch.CNTKCTLEL1)
	s.SpEL1 = b.Read(arch.SPEL1)
	s.ElrEL1 = b.Read(arch.ELREL1)
	s.SpsrEL1 = b.Read(arch.SPSREL1)
	s.Afsr0EL1 = b.Read(arch.AFSR0EL1)
	s.Afsr1EL1 = b.Read(arch.AFSR1EL1)
	s.EsrEL1 = b.Read(arch.ESREL1)
	s.FarEL1 = b.Read(arch.FAREL1)
	s.AmairEL1 = b.Read(arch.AMAIREL1)
	s.MdscrEL1 = b.Read(arch.MDSCREL1)
	s.SpEL0 = b.Read(arch.SPEL0)

	for i := range s.PACKeys {
		lo, hi := arch.PACKeyRegs(i)
		s.PACKeys[i].Lo = b.Read(lo)
		s.PACKeys[i].Hi = b.Read(hi)
	}

	for i := range s.GIC.LR {
		s.GIC.LR[i] = b.Read(arch.ICHLR(i))
	}
	s.GIC.VMCR = uint32(b.Read(arch.ICHVMCR))
	s.GIC.HCR = uint32(b.Read(arch.ICHHCR))

	s.Timer.Ctl = b.Read(arch.CNTVCTLEL0)
	s.Timer.Cval = b.Read(arch.CNTVCVALEL0)
}

// Restore writes s back into b's registers, followed by an
// instruction-synchronization barrier (spec.md §3: "restore() called
// before ERET-in, with an instruction-synchronization barrier after
// restore").
func (s *ArchState) Restore(b Backend) {
	b.Write(arch.SCTLREL1, s.SctlrEL1)
	b.Write(arch.TTBR0EL1, s.Ttbr0EL1)
	b.Write(arch.TTBR1EL1, s.Ttbr1EL1)
	b.Write(arch.TCREL1, s.TcrEL1)
	b.Write(arch.MAIREL1, s.MairEL1)
	b.Write(arch.VBAREL1, s.VbarEL1)
	b.Write(arch.CPACREL1, s.CpacrEL1)
	b.Write(arch.CONTEXTIDREL1, s.ContextidrEL1)
	b.Write(arch.TPIDREL0, s.TpidrEL0)
	b.Write(arch.TPIDREL1, s.TpidrEL1)
	b.Write(arch.TPIDRROEL0, s.TpidrroEL0)
	b.Write(arch.PAREL1, s.ParEL1)
	b.Write(arch.CNTKCTLEL1, s.CntkctlEL1)
	b.Write(arch.SPEL1, s.SpEL1)
	b.Write(arch.ELREL1, s.ElrEL1)
	b.Write(arch.SPSREL1, s.SpsrEL1)
	b.Write(arch.AFSR0EL1, s.Afsr0EL1)
	b.Write(arch.AFSR1EL1, s.Afsr1EL1)
	b.Write(arch.ESREL1, s.EsrEL1)
	b.Write(arch.FAREL1, s.FarEL1)
	b.Write(arch.AMAIREL1, s.AmairEL1)
	b.Write(arch.MDSCREL1, s.MdscrEL1)
	b.Write(arch.SPEL0, s.SpEL0)

	for i := range s.PACKeys {
		lo, hi := arch.PACKeyRegs(i)
		b.Write(lo, s.PACKeys[i].Lo)
		b.Write(hi, s.PACKeys[i].Hi)
	}

	for i := range s.GIC.LR {
		b.Write(arch.ICHLR(i), s.GIC.LR[i])
	}
	b.Write(arch.ICHVMCR, uint64(s.GIC.VMCR))
	b.Write(arch.ICHHCR, uint64(s.GIC.HCR))

	b.Write(arch.CNTVCTLEL0, s.Timer.Ctl)
	b.Write(arch.CNTVCVALEL0, s.Timer.Cval)

	b.InstructionSyncBarrier()
}
