package vcpu

import "fmt"

// MaxVCPUs is the per-VM vCPU limit (spec.md §3).
const MaxVCPUs = 8

// VMState is the VM lifecycle state machine (spec.md §3).
type VMState int

const (
	VMUninitialized VMState = iota
	VMReady
	VMRunning
	VMPaused
	VMStopped
)

func (s VMState) String() string {
	switch s {
	case VMUninitialized:
		return "uninitialized"
	case VMReady:
		return "ready"
	case VMRunning:
		return "running"
	case VMPaused:
		return "paused"
	case VMStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// VCPUState is the per-vCPU lifecycle state machine (spec.md §3).
type VCPUState int

const (
	VCPUUninitialized VCPUState = iota
	VCPUReady
	VCPURunning
	VCPUStopped
)

func (s VCPUState) String() string {
	switch s {
	case VCPUUninitialized:
		return "uninitialized"
	case VCPUReady:
		return "ready"
	case VCPURunning:
		return "running"
	case VCPUStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// VCPU is one guest virtual CPU: its ABI-shared trap context and its
// separately swapped architectural state (spec.md §3).
type VCPU struct {
	ID    int
	State VCPUState

	Context Context
	Arch    *ArchState
}

// NewVCPU returns a vCPU in the Uninitialized state with freshly
// defaulted architectural state.
func NewVCPU(id int) *VCPU {
	return &VCPU{ID: id, State: VCPUUninitialized, Arch: NewArchState(id)}
}

// validVCPUTransitions enumerates the legal VCPUState edges; anything
// else is rejected rather than silently allowed, since an out-of-order
// transition (e.g. Running without first being Ready) indicates a
// scheduler bug.
var validVCPUTransitions = map[VCPUState]map[VCPUState]bool{
	VCPUUninitialized: {VCPUReady: true},
	VCPUReady:         {VCPURunning: true, VCPUStopped: true},
	VCPURunning:       {VCPUReady: true, VCPUStopped: true},
	VCPUStopped:       {},
}

// Transition moves the vCPU to next, rejecting a transition not in
// validVCPUTransitions.
func (v *VCPU) Transition(next VCPUState) error {
	if !validVCPUTransitions[v.State][next] {
		return fmt.Errorf("hv/vcpu: vcpu %d: invalid transition %s -> %s", v.ID, v.State, next)
	}
	v.State = next
	return nil
}

// validVMTransitions enumerates the legal VMState edges (spec.md §3).
var validVMTransitions = map[VMState]map[VMState]bool{
	VMUninitialized: {VMReady: true},
	VMReady:         {VMRunning: true, VMStopped: true},
	VMRunning:       {VMPaused: true, VMStopped: true},
	VMPaused:        {VMRunning: true, VMStopped: true},
	VMStopped:       {},
}

// VM owns up to MaxVCPUs vCPUs plus the Stage-2 translation config that
// applies to all of them (spec.md §3).
type VM struct {
	ID    int
	State VMState

	VCPUs []*VCPU

	VTTBR uint64
	VTCR  uint64
}

// NewVM returns a VM in the Uninitialized state with no vCPUs.
func NewVM(id int) *VM {
	return &VM{ID: id, State: VMUninitialized}
}

// Transition moves the VM to next, rejecting a transition not in
// validVMTransitions.
func (vm *VM) Transition(next VMState) error {
	if !validVMTransitions[vm.State][next] {
		return fmt.Errorf("hv/vcpu: vm %d: invalid transition %s -> %s", vm.ID, vm.State, next)
	}
	vm.State = next
	return nil
}

// AddVCPU appends a new vCPU, rejecting a 9th (spec.md §3's "up to 8
// vCPUs").
func (vm *VM) AddVCPU() (*VCPU, error) {
	if len(vm.VCPUs) >= MaxVCPUs {
		return nil, fmt.Errorf("hv/vcpu: vm %d: cannot exceed %d vcpus", vm.ID, MaxVCPUs)
	}
	v := NewVCPU(len(vm.VCPUs))
	vm.VCPUs = append(vm.VCPUs, v)
	return v, nil
}
