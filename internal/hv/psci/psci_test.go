package psci

import (
	"testing"

	"github.com/tinyrange/elh/internal/hv/state"
	"github.com/tinyrange/elh/internal/hv/vcpu"
)

func newTestVM(t *testing.T, n int) (*vcpu.VM, *state.VM) {
	t.Helper()
	vm := vcpu.NewVM(0)
	for i := 0; i < n; i++ {
		if _, err := vm.AddVCPU(); err != nil {
			t.Fatalf("AddVCPU: %v", err)
		}
	}
	return vm, state.NewVM()
}

func TestVersion(t *testing.T) {
	vm, st := newTestVM(t, 1)
	h := NewHandler(vm, st)
	v, err := h.HandlePSCI(0, FnVersion, [3]uint64{})
	if err != nil || v != Version {
		t.Fatalf("HandlePSCI(VERSION) = (0x%x, %v)", v, err)
	}
}

func TestCPUOnThenBoot(t *testing.T) {
	vm, st := newTestVM(t, 2)
	h := NewHandler(vm, st)

	v, err := h.HandlePSCI(0, FnCPUOn, [3]uint64{1, 0x4000_1000, 0xDEAD})
	if err != nil || v != Success {
		t.Fatalf("HandlePSCI(CPU_ON) = (0x%x, %v)", v, err)
	}
	if st.IsOnline(1) {
		t.Fatal("vcpu 1 should not be online until the scheduler boots it")
	}
	req, ok := st.PeekCPUOn(1)
	if !ok || req.Entry != 0x4000_1000 || req.ContextID != 0xDEAD {
		t.Fatalf("PeekCPUOn(1) = %+v, %v", req, ok)
	}

	reqs := st.TakeCPUOnRequests()
	if len(reqs) != 1 {
		t.Fatalf("TakeCPUOnRequests = %+v", reqs)
	}
	BootSecondary(vm.VCPUs[1], st, reqs[0].Entry, reqs[0].ContextID)

	if !st.IsOnline(1) {
		t.Fatal("vcpu 1 should be online after BootSecondary")
	}
	if vm.VCPUs[1].Context.PC != 0x4000_1000 || vm.VCPUs[1].Context.X[0] != 0xDEAD {
		t.Fatalf("boot context = %+v", vm.VCPUs[1].Context)
	}
	if vm.VCPUs[1].Context.SPSR != spsrEL1hDAIFMasked {
		t.Fatalf("boot SPSR = 0x%x, want 0x%x", vm.VCPUs[1].Context.SPSR, spsrEL1hDAIFMasked)
	}
}

func TestCPUOnRejectsAlreadyOnline(t *testing.T) {
	vm, st := newTestVM(t, 2)
	h := NewHandler(vm, st)
	st.SetOnline(1)
	v, _ := h.HandlePSCI(0, FnCPUOn, [3]uint64{1, 0, 0})
	if v != AlreadyOn {
		t.Fatalf("HandlePSCI(CPU_ON) on an online target = 0x%x, want AlreadyOn", v)
	}
}

func TestAffinityInfo(t *testing.T) {
	vm, st := newTestVM(t, 2)
	h := NewHandler(vm, st)
	if v, _ := h.HandlePSCI(0, FnAffinityInfo, [3]uint64{1, 0, 0}); v != AffinityOff {
		t.Fatalf("AFFINITY_INFO(1) = 0x%x, want AffinityOff", v)
	}
	st.SetOnline(1)
	if v, _ := h.HandlePSCI(0, FnAffinityInfo, [3]uint64{1, 0, 0}); v != AffinityOn {
		t.Fatalf("AFFINITY_INFO(1) = 0x%x, want AffinityOn", v)
	}
}

func TestCPUOffSetsTerminalExit(t *testing.T) {
	vm, st := newTestVM(t, 1)
	st.SetOnline(0)
	h := NewHandler(vm, st)
	if v, _ := h.HandlePSCI(0, FnCPUOff, [3]uint64{}); v != Success {
		t.Fatalf("CPU_OFF = 0x%x", v)
	}
	if st.IsOnline(0) {
		t.Fatal("vcpu 0 should be offline after CPU_OFF")
	}
	if !st.TerminalExit(0) {
		t.Fatal("vcpu 0 should be marked for terminal exit after CPU_OFF")
	}
}

func TestSystemOffHaltsVM(t *testing.T) {
	vm, st := newTestVM(t, 1)
	h := NewHandler(vm, st)
	if v, _ := h.HandlePSCI(0, FnSystemOff, [3]uint64{}); v != Success {
		t.Fatalf("SYSTEM_OFF = 0x%x", v)
	}
	if !st.SystemHalted.Load() {
		t.Fatal("SYSTEM_OFF should set SystemHalted")
	}
}

func TestFeatures(t *testing.T) {
	vm, st := newTestVM(t, 1)
	h := NewHandler(vm, st)
	if v, _ := h.HandlePSCI(0, FnFeatures, [3]uint64{FnCPUOn, 0, 0}); v != Success {
		t.Fatalf("FEATURES(CPU_ON) = 0x%x, want Success", v)
	}
	if v, _ := h.HandlePSCI(0, FnFeatures, [3]uint64{0x12345678, 0, 0}); v != NotSupported {
		t.Fatalf("FEATURES(unknown) = 0x%x, want NotSupported", v)
	}
}

func TestMigrateInfoType(t *testing.T) {
	vm, st := newTestVM(t, 1)
	h := NewHandler(vm, st)
	if v, _ := h.HandlePSCI(0, FnMigrateInfoType, [3]uint64{}); v != MigrateNotRequired {
		t.Fatalf("MIGRATE_INFO_TYPE = 0x%x, want %d", v, MigrateNotRequired)
	}
}
