package trap

import (
	"errors"
	"testing"

	"github.com/tinyrange/elh/internal/hv"
)

func esrFor(ec EC, iss uint32) ESR {
	return ESR(uint64(ec)<<esrECShift | uint64(iss)&esrISSMask | esrILBit)
}

func TestESRFieldExtraction(t *testing.T) {
	e := esrFor(ECDataAbortLowerEL, 0x1A4)
	if e.EC() != ECDataAbortLowerEL {
		t.Fatalf("EC = 0x%x, want 0x%x", e.EC(), ECDataAbortLowerEL)
	}
	if e.ISS() != 0x1A4 {
		t.Fatalf("ISS = 0x%x, want 0x1A4", e.ISS())
	}
	if !e.ILValid() {
		t.Fatal("IL bit lost")
	}
}

func TestFaultIPARecoversPageAndOffset(t *testing.T) {
	// HPFAR_EL2.FIPA[39:4] = IPA[47:12]; construct HPFAR for IPA page
	// 0x4100_0000 and confirm the low offset comes from FAR_EL2.
	const wantIPA = 0x4100_0ABC
	hpfar := (uint64(wantIPA) >> 12) << 4
	far := uint64(wantIPA) & 0xFFF
	if got := FaultIPA(hpfar, far); got != wantIPA {
		t.Fatalf("FaultIPA = 0x%x, want 0x%x", got, wantIPA)
	}
}

func TestDecodeSysRegDirection(t *testing.T) {
	// ICC_SGI1R_EL1: op0=3 op1=0 crn=12 crm=11 op2=5, a write (IsRead
	// must be false since SGI1R is write-only).
	iss := uint32(3)<<20 | uint32(5)<<17 | uint32(0)<<14 | uint32(12)<<10 | uint32(7)<<5 | uint32(11)<<1 | 0
	reg := DecodeSysReg(iss)
	if reg.Op0 != 3 || reg.Op1 != 0 || reg.CRn != 12 || reg.CRm != 11 || reg.Op2 != 5 {
		t.Fatalf("decoded fields wrong: %+v", reg)
	}
	if reg.Rt != 7 {
		t.Fatalf("Rt = %d, want 7", reg.Rt)
	}
	if reg.IsRead {
		t.Fatal("IsRead true for a write-only register access encoded as write")
	}
}

type fakeConsole struct {
	out []byte
	in  []byte
}

func (c *fakeConsole) Putc(b byte) { c.out = append(c.out, b) }
func (c *fakeConsole) Getc() (byte, bool) {
	if len(c.in) == 0 {
		return 0, false
	}
	b := c.in[0]
	c.in = c.in[1:]
	return b, true
}

func TestHVCPrintCharDoesNotAdvancePC(t *testing.T) {
	con := &fakeConsole{}
	d := NewDispatcher(Handlers{Console: con})
	req := Request{ESR: esrFor(ECHVC64, 0), X0: 0, Args: [3]uint64{'A'}}
	res := d.Handle(req)
	if res.Outcome != OutcomeResume {
		t.Fatalf("outcome = %s, want resume", res.Outcome)
	}
	if res.AdvancePC != 0 {
		t.Fatalf("AdvancePC = %d, want 0 (HVC must not advance PC)", res.AdvancePC)
	}
	if len(con.out) != 1 || con.out[0] != 'A' {
		t.Fatalf("console output = %v, want ['A']", con.out)
	}
}

func TestHVCExit(t *testing.T) {
	d := NewDispatcher(Handlers{})
	res := d.Handle(Request{ESR: esrFor(ECHVC64, 0), X0: 1, Args: [3]uint64{42}})
	if res.Outcome != OutcomeExit {
		t.Fatalf("outcome = %s, want exit", res.Outcome)
	}
	if res.ExitCode != 42 {
		t.Fatalf("ExitCode = %d, want 42", res.ExitCode)
	}
}

type fakePSCI struct {
	calledWith uint64
}

func (p *fakePSCI) HandlePSCI(vcpuID int, functionID uint64, args [3]uint64) (uint64, error) {
	p.calledWith = functionID
	return 0, nil
}

func TestHVCPSCIBitRoutesToPSCIHandler(t *testing.T) {
	psci := &fakePSCI{}
	d := NewDispatcher(Handlers{PSCI: psci})
	fn := uint64(1) << 31
	res := d.Handle(Request{ESR: esrFor(ECHVC64, 0), X0: fn})
	if res.Outcome != OutcomeResume || res.Err != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if psci.calledWith != fn {
		t.Fatalf("psci called with 0x%x, want 0x%x", psci.calledWith, fn)
	}
}

func TestHVCUnknownFunctionReturnsErrUnknownHVC(t *testing.T) {
	d := NewDispatcher(Handlers{})
	res := d.Handle(Request{ESR: esrFor(ECHVC64, 0), X0: 0x1234})
	if !errors.Is(res.Err, hv.ErrUnknownHVC) {
		t.Fatalf("err = %v, want ErrUnknownHVC", res.Err)
	}
	if res.Value != ^uint64(0) {
		t.Fatalf("value = 0x%x, want all-ones (-1)", res.Value)
	}
}

type fakeSMC struct {
	handle func(fn uint64) (uint64, bool)
}

func (s *fakeSMC) HandleSMC(vcpuID int, functionID uint64, args [3]uint64) (uint64, bool) {
	return s.handle(functionID)
}

func TestSMCAdvancesPCWhenHandled(t *testing.T) {
	smc := &fakeSMC{handle: func(fn uint64) (uint64, bool) { return 0x99, true }}
	d := NewDispatcher(Handlers{SMC: smc})
	res := d.Handle(Request{ESR: esrFor(ECSMC64, 0), X0: 7})
	if res.Outcome != OutcomeResume || res.AdvancePC != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Value != 0x99 {
		t.Fatalf("value = 0x%x, want 0x99", res.Value)
	}
}

func TestSMCUnknownReturnsAllOnesAndAdvancesPC(t *testing.T) {
	d := NewDispatcher(Handlers{})
	res := d.Handle(Request{ESR: esrFor(ECSMC64, 0), X0: 7})
	if res.AdvancePC != 4 {
		t.Fatal("SMC must advance PC by 4 even when unhandled")
	}
	if res.Value != ^uint64(0) {
		t.Fatalf("value = 0x%x, want -1", res.Value)
	}
	if !errors.Is(res.Err, hv.ErrUnknownSMC) {
		t.Fatalf("err = %v, want ErrUnknownSMC", res.Err)
	}
}

func TestWFxSingleVCPUBlocksWithoutTimerHandler(t *testing.T) {
	d := NewDispatcher(Handlers{})
	res := d.Handle(Request{ESR: esrFor(ECWFxTrap, 1), OnlineVCPUCount: 1})
	if res.Outcome != OutcomeBlock || res.AdvancePC != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

type fakeTimer struct{ injectedFor int }

func (t *fakeTimer) InjectPendingVirtualTimer(vcpuID int) { t.injectedFor = vcpuID }

func TestWFxMultiVCPUInjectsTimer(t *testing.T) {
	timer := &fakeTimer{injectedFor: -1}
	d := NewDispatcher(Handlers{Timer: timer})
	d.Handle(Request{VCPUID: 3, ESR: esrFor(ECWFxTrap, 0), OnlineVCPUCount: 4})
	if timer.injectedFor != 3 {
		t.Fatalf("timer injected for vcpu %d, want 3", timer.injectedFor)
	}
}

type fakeDataAbort struct {
	gotIPA uint64
	err    error
}

func (d *fakeDataAbort) HandleDataAbort(vcpuID int, ipa uint64, iss uint32) error {
	d.gotIPA = ipa
	return d.err
}

func TestDataAbortRecoversIPAAndAdvancesPC(t *testing.T) {
	da := &fakeDataAbort{}
	d := NewDispatcher(Handlers{DataAbort: da})
	const wantIPA = 0x0900_0010 // PL011 UART data register
	hpfar := (uint64(wantIPA) >> 12) << 4
	far := uint64(wantIPA) & 0xFFF
	res := d.Handle(Request{ESR: esrFor(ECDataAbortLowerEL, 0), HPFAR: hpfar, FAR: far})
	if res.Outcome != OutcomeResume || res.AdvancePC != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if da.gotIPA != wantIPA {
		t.Fatalf("ipa = 0x%x, want 0x%x", da.gotIPA, wantIPA)
	}
}

func TestDataAbortWithoutHandlerIsFatal(t *testing.T) {
	d := NewDispatcher(Handlers{})
	res := d.Handle(Request{ESR: esrFor(ECDataAbortLowerEL, 0)})
	if res.Outcome != OutcomeFatal {
		t.Fatalf("outcome = %s, want fatal", res.Outcome)
	}
}

func TestInstructionAbortIsAlwaysFatal(t *testing.T) {
	d := NewDispatcher(Handlers{})
	res := d.Handle(Request{ESR: esrFor(ECInstrAbortLowerEL, 0)})
	if res.Outcome != OutcomeFatal {
		t.Fatalf("outcome = %s, want fatal", res.Outcome)
	}
}

func TestFPAndSVETrapsAdvancePCAndResume(t *testing.T) {
	d := NewDispatcher(Handlers{})
	for _, ec := range []EC{ECFPTrap, ECSVETrap} {
		res := d.Handle(Request{ESR: esrFor(ec, 0)})
		if res.Outcome != OutcomeResume || res.AdvancePC != 4 {
			t.Fatalf("ec=%s: unexpected result %+v", ec, res)
		}
	}
}

func TestUnknownECIsFatal(t *testing.T) {
	d := NewDispatcher(Handlers{})
	res := d.Handle(Request{ESR: esrFor(ECUnknown, 0)})
	if res.Outcome != OutcomeFatal {
		t.Fatalf("outcome = %s, want fatal", res.Outcome)
	}
	if !errors.Is(res.Err, hv.ErrUnknownExceptionClass) {
		t.Fatalf("err = %v, want ErrUnknownExceptionClass", res.Err)
	}
}

func TestRunawayThresholdHaltsAfterNonProductiveTraps(t *testing.T) {
	d := NewDispatcher(Handlers{})
	var last Result
	for i := 0; i < RunawayThreshold+1; i++ {
		// Unknown EC is never a productive step, so the counter never
		// resets.
		last = d.Handle(Request{ESR: esrFor(ECUnknown, 0)})
	}
	if last.Outcome != OutcomeFatal {
		t.Fatalf("outcome = %s, want fatal", last.Outcome)
	}
	if !errors.Is(last.Err, hv.ErrRunaway) {
		t.Fatalf("err = %v, want ErrRunaway", last.Err)
	}
}

func TestRunawayCounterResetsOnProductiveStep(t *testing.T) {
	da := &fakeDataAbort{}
	d := NewDispatcher(Handlers{DataAbort: da})
	for i := 0; i < RunawayThreshold-1; i++ {
		d.Handle(Request{ESR: esrFor(ECDataAbortLowerEL, 0)})
	}
	// Every data abort above resolved successfully and reset the
	// counter, so one more should resume normally rather than halt.
	res := d.Handle(Request{ESR: esrFor(ECDataAbortLowerEL, 0)})
	if res.Outcome != OutcomeResume {
		t.Fatalf("outcome = %s, want resume (counter should have reset each iteration)", res.Outcome)
	}
}

func TestVectorEntryActive(t *testing.T) {
	if !EntrySyncLowerELAArch64.Active() || !EntryIRQLowerELAArch64.Active() {
		t.Fatal("the two populated entries must report Active")
	}
	if VectorEntry(0).Active() {
		t.Fatal("entry 0 must not be active")
	}
}

func TestHCREL2MultiPCPUClearsTWI(t *testing.T) {
	if HCREL2Base&hcrTWI == 0 {
		t.Fatal("base HCR_EL2 must trap WFI")
	}
	if HCREL2MultiPCPU&hcrTWI != 0 {
		t.Fatal("multi-pCPU HCR_EL2 must clear TWI")
	}
}
