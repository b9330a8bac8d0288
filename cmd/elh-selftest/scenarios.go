package main

// Each scenario reproduces one of spec.md §8's worked examples against
// the live packages, the same composition internal/hv/scenario_test.go
// exercises under `go test` — this command runs them as a standalone
// host binary instead, for a driver that isn't coupled to the Go test
// harness (useful from a CI step that just wants an exit code and a
// one-line-per-scenario report).

import (
	"bytes"
	"fmt"

	"github.com/tinyrange/elh/internal/devices/uart"
	"github.com/tinyrange/elh/internal/hv"
	"github.com/tinyrange/elh/internal/hv/boardcfg"
	"github.com/tinyrange/elh/internal/hv/gic"
	"github.com/tinyrange/elh/internal/hv/mmio"
	"github.com/tinyrange/elh/internal/hv/psci"
	"github.com/tinyrange/elh/internal/hv/sched"
	"github.com/tinyrange/elh/internal/hv/state"
	"github.com/tinyrange/elh/internal/hv/trap"
	"github.com/tinyrange/elh/internal/hv/vcpu"
)

type scenario struct {
	name string
	run  func() error
}

var scenarios = []scenario{
	{"hello-z", scenarioHelloZ},
	{"sgi", scenarioSGIRouting},
	{"spi", scenarioIROUTERRoutesSPI},
	{"stage2", scenarioStage2Fault},
	{"wfi", scenarioWFIBlockWake},
	{"preempt", scenarioPreemption},
}

func esrFor(ec trap.EC, iss uint32) trap.ESR {
	const ecShift = 26
	const ilBit = 1 << 25
	const issMask = 0x1FFFFFF
	return trap.ESR(uint64(ec)<<ecShift | uint64(iss)&issMask | ilBit)
}

func dataAbortESR(ipa uint64, iss uint32) (esr trap.ESR, far, hpfar uint64) {
	return esrFor(trap.ECDataAbortLowerEL, iss), ipa & 0xFFF, (ipa >> 12) << 4
}

func newUARTHarness() (*vcpu.VM, *vcpu.VCPU, *bytes.Buffer, *trap.Dispatcher, error) {
	vm := vcpu.NewVM(0)
	v, err := vm.AddVCPU()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	var tx bytes.Buffer
	dev := uart.New(boardcfg.UARTBase, boardcfg.UARTSize, boardcfg.UARTSPI, &tx)
	devices := hv.NewDeviceManager()
	devices.Register(dev)
	d := trap.NewDispatcher(trap.Handlers{DataAbort: &mmio.Bridge{VM: vm, Devices: devices}})
	return vm, v, &tx, d, nil
}

func scenarioHelloZ() error {
	_, v, tx, d, err := newUARTHarness()
	if err != nil {
		return err
	}

	v.Context.X[1] = 'Z'
	iss := uint32(1)<<24 | uint32(2)<<22 | uint32(1)<<16 | 1<<6
	esr, far, hpfar := dataAbortESR(boardcfg.UARTBase, iss)
	res := d.Handle(trap.Request{VCPUID: v.ID, ESR: esr, FAR: far, HPFAR: hpfar})
	if res.Outcome != trap.OutcomeResume || res.AdvancePC != 4 {
		return fmt.Errorf("DR store result = %+v", res)
	}
	if tx.String() != "Z" {
		return fmt.Errorf("uart tx = %q, want %q", tx.String(), "Z")
	}

	exit := d.Handle(trap.Request{VCPUID: v.ID, ESR: esrFor(trap.ECHVC64, 0), X0: 1, Args: [3]uint64{0}})
	if exit.Outcome != trap.OutcomeExit || exit.ExitCode != 0 {
		return fmt.Errorf("HVC exit result = %+v", exit)
	}
	return nil
}

func scenarioSGIRouting() error {
	st := state.NewVM()
	st.SetOnline(1)

	const targetVCPU = 1
	const intid = 3
	value := uint64(1)<<targetVCPU | uint64(intid)<<24
	sgi := gic.DecodeSGI(value)

	targets := gic.RouteSGI(0, sgi, st.OnlineMask(), 2)
	if len(targets) != 1 || targets[0] != targetVCPU {
		return fmt.Errorf("RouteSGI targets = %v, want [%d]", targets, targetVCPU)
	}
	for _, id := range targets {
		st.SetPendingSGI(id, uint32(sgi.INTID))
	}
	if st.HasPendingInterrupt(0) {
		return fmt.Errorf("sender vcpu 0 should have no pending interrupt")
	}
	if bits := st.TakePendingSGI(targetVCPU); bits != 1<<intid {
		return fmt.Errorf("vcpu %d pending SGI bits = 0x%x, want 0x%x", targetVCPU, bits, uint32(1<<intid))
	}
	return nil
}

func scenarioIROUTERRoutesSPI() error {
	const numVCPUs = 3
	const spi = 48
	const targetVCPU = 2

	dist := gic.NewDistributor(numVCPUs)
	const offIROUTER = 0x6100
	addr := boardcfg.GICDBase + offIROUTER + 8*uint64(spi-32)
	var buf [8]byte
	buf[0] = targetVCPU
	if err := dist.WriteMMIO(nil, addr, buf[:]); err != nil {
		return err
	}

	got := dist.Route(spi)
	if got != targetVCPU {
		return fmt.Errorf("Route(%d) = %d, want %d", spi, got, targetVCPU)
	}

	st := state.NewVM()
	st.SetPendingSPI(got, spi-32)
	for id := 0; id < numVCPUs; id++ {
		if id != targetVCPU && st.HasPendingInterrupt(id) {
			return fmt.Errorf("vcpu %d should have no pending SPI", id)
		}
	}
	if bits := st.TakePendingSPI(targetVCPU); bits != 1<<(spi-32) {
		return fmt.Errorf("vcpu %d pending SPI bits = 0x%x, want 0x%x", targetVCPU, bits, uint32(1<<(spi-32)))
	}
	return nil
}

func scenarioStage2Fault() error {
	board, err := boardcfg.ParseBoard([]byte("name: scenario4\n"))
	if err != nil {
		return err
	}
	machine, err := board.Build(nil)
	if err != nil {
		return err
	}
	if _, valid, _ := machine.Mapper.Translate(boardcfg.UARTBase); valid {
		return fmt.Errorf("UART page should be a Stage-2 hole, got a valid mapping")
	}
	if _, valid, _ := machine.Mapper.Translate(board.RAMBase); !valid {
		return fmt.Errorf("RAM base should be a valid Stage-2 mapping")
	}

	vm, v, tx, d, err := newUARTHarness()
	if err != nil {
		return err
	}
	vm.VTTBR, vm.VTCR = machine.VTTBR, machine.VTCR

	v.Context.X[1] = 'A'
	v.Context.PC = 0x4000_1000
	iss := uint32(1)<<24 | uint32(2)<<22 | uint32(1)<<16 | 1<<6
	esr, far, hpfar := dataAbortESR(boardcfg.UARTBase, iss)
	res := d.Handle(trap.Request{VCPUID: v.ID, ESR: esr, FAR: far, HPFAR: hpfar})
	if res.Outcome != trap.OutcomeResume || res.AdvancePC != 4 {
		return fmt.Errorf("data abort result = %+v, want resume/advance 4", res)
	}
	if tx.String() != "A" {
		return fmt.Errorf("uart tx = %q, want %q", tx.String(), "A")
	}
	return nil
}

func newRunLoop(n int, enter func(v *vcpu.VCPU) trap.Result) *sched.RunLoop {
	vm := vcpu.NewVM(0)
	for i := 0; i < n; i++ {
		vm.AddVCPU()
	}
	st := state.NewVM()
	dist := gic.NewDistributor(n)
	ps := psci.NewHandler(vm, st)
	return sched.NewRunLoop(vm, st, dist, ps, sched.Hooks{EnterGuest: enter})
}

func scenarioWFIBlockWake() error {
	r := newRunLoop(2, func(v *vcpu.VCPU) trap.Result {
		if v.ID == 1 {
			return trap.Result{Outcome: trap.OutcomeBlock, AdvancePC: 4}
		}
		return trap.Result{Outcome: trap.OutcomeResume, AdvancePC: 4}
	})
	r.State.SetOnline(1)
	r.Sched.Add(1)

	for i := 0; i < 2; i++ {
		r.Step()
	}
	if st, ok := r.Sched.State(1); !ok || st != sched.StateBlocked {
		return fmt.Errorf("vcpu 1 state = %v, %v, want Blocked", st, ok)
	}

	r.State.SetPendingSGI(1, 5)
	for i := 0; i < 4; i++ {
		_, id, _ := r.Step()
		if id != 1 {
			continue
		}
		for _, lr := range r.VM.VCPUs[1].Arch.GIC.LR {
			if gic.DecodeLR(lr).VINTID == 5 {
				return nil
			}
		}
	}
	return fmt.Errorf("INTID 5 never reached a list register after wakeup")
}

func scenarioPreemption() error {
	var st *state.VM
	r := newRunLoop(2, func(v *vcpu.VCPU) trap.Result {
		if v.ID == 0 {
			st.PreemptionExit.Store(true)
		}
		return trap.Result{Outcome: trap.OutcomeResume, AdvancePC: 4}
	})
	st = r.State
	r.State.SetOnline(1)
	r.Sched.Add(1)

	_, firstID, _ := r.Step()
	if firstID != 0 {
		return fmt.Errorf("first scheduled vcpu = %d, want 0", firstID)
	}
	if s, _ := r.Sched.State(0); s != sched.StateReady {
		return fmt.Errorf("vcpu 0 state after preemption = %v, want Ready", s)
	}
	_, secondID, _ := r.Step()
	if secondID != 1 {
		return fmt.Errorf("second scheduled vcpu = %d, want 1", secondID)
	}
	return nil
}
