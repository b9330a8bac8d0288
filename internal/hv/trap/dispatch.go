package trap

import (
	"fmt"

	"github.com/tinyrange/elh/internal/hv"
)

// Outcome is what the scheduling loop should do after a Dispatcher
// call returns.
type Outcome int

const (
	// OutcomeResume means the vCPU should be restored and ERET'd back
	// into the guest, after advancing ELR_EL2 by Result.AdvancePC.
	OutcomeResume Outcome = iota
	// OutcomeBlock means the vCPU should not be scheduled again until
	// an interrupt or event wakes it (a WFI/WFE trap).
	OutcomeBlock
	// OutcomeExit means the guest requested a terminal exit (HVC
	// function ID 1); Result.ExitCode carries the guest's exit code.
	OutcomeExit
	// OutcomeFatal means the trap could not be handled; the caller
	// should print the diagnostic in Result.Err and halt this vCPU.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResume:
		return "resume"
	case OutcomeBlock:
		return "block"
	case OutcomeExit:
		return "exit"
	case OutcomeFatal:
		return "fatal"
	default:
		return "invalid"
	}
}

// Result is what a Dispatcher.Handle call decides for one trap.
type Result struct {
	Outcome Outcome

	// AdvancePC is the number of bytes to add to ELR_EL2 before ERET,
	// 0 or 4 depending on the exception class (spec.md §4.2's PC
	// advancement rules, notably HVC/SMC's asymmetry: SMC advances,
	// HVC does not, because ELR_EL2 already points past an HVC).
	AdvancePC uint64

	// Value is the guest-visible return value for exception classes
	// that produce one (SMC's x0, a trapped MRS's destination
	// register, PSCI's return code). Zero when not applicable.
	Value uint64

	// ExitCode is valid only when Outcome == OutcomeExit.
	ExitCode uint64

	// Err carries a diagnostic for OutcomeFatal, or a non-fatal
	// classification note (ErrUnknownSMC, ErrUnknownHVC) the caller
	// may log without halting.
	Err error
}

// Request is everything a Dispatcher needs to classify and handle one
// synchronous trap. Building this from the live hardware registers
// (ESR_EL2/FAR_EL2/HPFAR_EL2/ELR_EL2 and the trapped GPRs) is the
// scheduling loop's job; Dispatcher.Handle itself never touches
// internal/arch.
type Request struct {
	VCPUID int

	ESR   ESR
	FAR   uint64
	HPFAR uint64

	// X0 is the guest's x0 at the time of the trap: the HVC/SMC
	// function ID, or the value to write for a trapped MSR.
	X0 uint64
	// Args holds x1..x3, the PSCI/SMC call's remaining arguments.
	Args [3]uint64

	// OnlineVCPUCount is the number of vCPUs currently online in this
	// trap's VM, deciding the WFx handling branch of spec.md §4.2.
	OnlineVCPUCount int
}

const hvcFunctionPrintChar = 0
const hvcFunctionExit = 1
const hvcFunctionPSCIBit = 1 << 31
const hvcImmediateJailhouseConsole = 0x4A48

// Dispatcher classifies an EL2 synchronous exception by ESR_EL2.EC and
// calls the matching Handlers entry (spec.md §4.2's "Classification by
// ESR_EL2.EC"). One Dispatcher serves one pCPU; it owns that pCPU's
// RunawayCounter.
type Dispatcher struct {
	Handlers Handlers
	Runaway  RunawayCounter
}

// NewDispatcher returns a Dispatcher wired to h.
func NewDispatcher(h Handlers) *Dispatcher {
	return &Dispatcher{Handlers: h}
}

// Handle classifies req.ESR.EC() and dispatches to the matching
// handler, per spec.md §4.2. A handler that cannot service the trap
// yields the fallback the spec mandates for that class rather than an
// arbitrary error.
func (d *Dispatcher) Handle(req Request) Result {
	if d.Runaway.Increment() {
		return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("%w: vcpu %d exceeded %d consecutive exceptions", hv.ErrRunaway, req.VCPUID, RunawayThreshold)}
	}

	switch req.ESR.EC() {
	case ECWFxTrap:
		return d.handleWFx(req)
	case ECHVC64:
		return d.handleHVC(req)
	case ECSMC64:
		return d.handleSMC(req)
	case ECSysRegTrap:
		return d.handleSysReg(req)
	case ECDataAbortLowerEL:
		return d.handleDataAbort(req)
	case ECInstrAbortLowerEL:
		return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("hv/trap: instruction abort from lower el at ipa=0x%x (fatal)", FaultIPA(req.HPFAR, req.FAR))}
	case ECFPTrap, ECSVETrap:
		d.Runaway.ResetOnProductiveStep()
		return Result{Outcome: OutcomeResume, AdvancePC: 4}
	default:
		return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("%w: ec=0x%02x", hv.ErrUnknownExceptionClass, req.ESR.EC())}
	}
}

func (d *Dispatcher) handleWFx(req Request) Result {
	if req.OnlineVCPUCount > 1 && d.Handlers.Timer != nil {
		d.Handlers.Timer.InjectPendingVirtualTimer(req.VCPUID)
	}
	d.Runaway.ResetOnProductiveStep()
	return Result{Outcome: OutcomeBlock, AdvancePC: 4}
}

// handleHVC never advances PC: ELR_EL2 already points past the HVC
// instruction (spec.md §4.2).
func (d *Dispatcher) handleHVC(req Request) Result {
	iss := DecodeHVC(req.ESR.ISS())

	if iss.Immediate == hvcImmediateJailhouseConsole {
		if d.Handlers.Console == nil {
			return Result{Outcome: OutcomeResume, Err: hv.ErrUnknownHVC}
		}
		d.Runaway.ResetOnProductiveStep()
		if req.X0 == 0 {
			d.Handlers.Console.Putc(byte(req.Args[0]))
			return Result{Outcome: OutcomeResume}
		}
		b, ok := d.Handlers.Console.Getc()
		if !ok {
			return Result{Outcome: OutcomeResume, Value: ^uint64(0)}
		}
		return Result{Outcome: OutcomeResume, Value: uint64(b)}
	}

	if iss.Immediate != 0 {
		return Result{Outcome: OutcomeResume, Err: hv.ErrUnknownHVC}
	}

	switch {
	case req.X0 == hvcFunctionPrintChar:
		if d.Handlers.Console != nil {
			d.Handlers.Console.Putc(byte(req.Args[0]))
		}
		d.Runaway.ResetOnProductiveStep()
		return Result{Outcome: OutcomeResume}
	case req.X0 == hvcFunctionExit:
		return Result{Outcome: OutcomeExit, ExitCode: req.Args[0]}
	case req.X0&hvcFunctionPSCIBit != 0:
		if d.Handlers.PSCI == nil {
			return Result{Outcome: OutcomeResume, Value: ^uint64(0), Err: hv.ErrUnknownHVC}
		}
		v, err := d.Handlers.PSCI.HandlePSCI(req.VCPUID, req.X0, req.Args)
		if err != nil {
			return Result{Outcome: OutcomeResume, Value: v, Err: err}
		}
		d.Runaway.ResetOnProductiveStep()
		return Result{Outcome: OutcomeResume, Value: v}
	default:
		return Result{Outcome: OutcomeResume, Value: ^uint64(0), Err: hv.ErrUnknownHVC}
	}
}

// handleSMC always advances PC by 4 (spec.md §4.2), unlike HVC.
func (d *Dispatcher) handleSMC(req Request) Result {
	if d.Handlers.SMC != nil {
		v, handled := d.Handlers.SMC.HandleSMC(req.VCPUID, req.X0, req.Args)
		if handled {
			d.Runaway.ResetOnProductiveStep()
			return Result{Outcome: OutcomeResume, AdvancePC: 4, Value: v}
		}
	}
	return Result{Outcome: OutcomeResume, AdvancePC: 4, Value: ^uint64(0), Err: hv.ErrUnknownSMC}
}

func (d *Dispatcher) handleSysReg(req Request) Result {
	reg := DecodeSysReg(req.ESR.ISS())
	if d.Handlers.SysReg == nil {
		return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("%w: msr/mrs op0=%d op1=%d crn=%d crm=%d op2=%d", hv.ErrUnknownExceptionClass, reg.Op0, reg.Op1, reg.CRn, reg.CRm, reg.Op2)}
	}
	v, err := d.Handlers.SysReg.HandleSysReg(req.VCPUID, reg, req.X0)
	if err != nil {
		return Result{Outcome: OutcomeFatal, Err: err}
	}
	d.Runaway.ResetOnProductiveStep()
	return Result{Outcome: OutcomeResume, AdvancePC: 4, Value: v}
}

func (d *Dispatcher) handleDataAbort(req Request) Result {
	if d.Handlers.DataAbort == nil {
		return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("%w: no mmio device manager configured", hv.ErrUnknownExceptionClass)}
	}
	ipa := FaultIPA(req.HPFAR, req.FAR)
	if err := d.Handlers.DataAbort.HandleDataAbort(req.VCPUID, ipa, req.ESR.ISS()); err != nil {
		return Result{Outcome: OutcomeFatal, Err: err}
	}
	d.Runaway.ResetOnProductiveStep()
	return Result{Outcome: OutcomeResume, AdvancePC: 4}
}
