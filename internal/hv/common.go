// Package hv holds the error taxonomy and device-manager contract shared
// by every subsystem of the EL2 hypervisor core: Stage-2 (internal/hv/stage2),
// vCPU state (internal/hv/vcpu), the exception dispatcher (internal/hv/trap),
// the MMIO decoder (internal/hv/mmio), the vGIC (internal/hv/gic), the
// scheduler (internal/hv/sched) and PSCI (internal/hv/psci).
package hv

import (
	"errors"
	"fmt"
)

// Error taxonomy, spec.md §7.
var (
	// ErrOutOfMemory is returned when the Stage-2 dynamic mapper's bump
	// allocator has no page left for a required intermediate table.
	ErrOutOfMemory = errors.New("hv: out of memory")

	// ErrUnknownSMC and ErrUnknownHVC are reported to the guest via
	// return code -1; control resumes (spec.md §4.2, §7).
	ErrUnknownSMC = errors.New("hv: unknown SMC function")
	ErrUnknownHVC = errors.New("hv: unknown HVC function")

	// ErrUnknownExceptionClass is the diagnostic+exit path for an ESR_EL2.EC
	// this core does not classify.
	ErrUnknownExceptionClass = errors.New("hv: unknown exception class")

	// ErrRunaway fires when a pCPU's exception counter crosses the
	// configured threshold without a productive step (spec.md §4.2, §5).
	ErrRunaway = errors.New("hv: runaway exception loop")
)

// ConfigurationError wraps a fatal, construction-time misconfiguration:
// an invalid T0SZ/SL0 pair, an unmappable IPA alignment, or an
// unsupported EL on reset (spec.md §7).
type ConfigurationError struct {
	Subsystem string
	Detail    string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: configuration error: %s", e.Subsystem, e.Detail)
}

// DecodeError reports that the MMIO instruction fetched at ELR_EL2 could
// not be decoded; the trap is fatal for that vCPU (spec.md §4.3, §7).
type DecodeError struct {
	Subsystem string
	PC        uint64
	Word      uint32
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: cannot decode instruction 0x%08x at PC=0x%x", e.Subsystem, e.Word, e.PC)
}

// OverlappingMappingError is returned by Stage-2 map_region when the
// requested region overlaps one already installed (spec.md §4.1).
type OverlappingMappingError struct {
	StartIPA, Size uint64
}

func (e *OverlappingMappingError) Error() string {
	return fmt.Sprintf("hv/stage2: region [0x%x, 0x%x) overlaps an existing mapping", e.StartIPA, e.StartIPA+e.Size)
}

// ExitContext is handed to a device's ReadMMIO/WriteMMIO so it can learn
// which vCPU faulted — needed by the vGIC's SPI-to-vCPU routing through
// IROUTER (spec.md §4.4) and by devices that raise an SPI back at the
// faulting vCPU's VM.
type ExitContext interface {
	// VCPUID is the index of the vCPU that caused the MMIO access.
	VCPUID() int
}

// MMIORegion is a [Address, Address+Size) range a device claims on the
// guest's IPA space.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether addr falls in the region.
func (r MMIORegion) Contains(addr uint64) bool {
	return addr >= r.Address && addr < r.Address+r.Size
}

// MemoryMappedIODevice is the contract the core requires from every
// emulated device (spec.md §3 "Device Manager"): a set of claimed IPA
// regions, width-aware read/write, and an edge-triggered pending/ack
// pair for devices that raise an interrupt line.
type MemoryMappedIODevice interface {
	Name() string

	MMIORegions() []MMIORegion

	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

// InterruptSource is implemented by devices whose output line is
// edge-triggered and must be drained by the scheduler's per-iteration
// SPI sweep (spec.md §4.5 step 5, e.g. the PL011 and virtio-mmio
// devices).
type InterruptSource interface {
	// PendingIRQ reports whether the device has a latched interrupt
	// condition awaiting delivery.
	PendingIRQ() bool
	// AckIRQ clears the latched condition once delivery has been
	// handed off to the vGIC.
	AckIRQ()
	// SPI is the shared peripheral interrupt number (32+) this device
	// raises.
	SPI() uint32
}

// DeviceManager maps a faulting IPA to at most one registered device
// (spec.md §3's "address-dispatch helper"). A miss is permissive by
// policy: loads return 0, stores are dropped, execution continues
// (spec.md §7 DeviceMiss) — early Linux device probing depends on this.
type DeviceManager struct {
	devices []MemoryMappedIODevice
}

// NewDeviceManager returns an empty device manager.
func NewDeviceManager() *DeviceManager {
	return &DeviceManager{}
}

// Register adds a device to the dispatch set. Registration does not
// check for overlapping regions; where two devices claim the same
// address, Lookup returns the one registered first.
func (m *DeviceManager) Register(dev MemoryMappedIODevice) {
	m.devices = append(m.devices, dev)
}

// Devices returns the registered device set, for iteration by the
// per-iteration SPI-drain sweep.
func (m *DeviceManager) Devices() []MemoryMappedIODevice {
	return m.devices
}

// Lookup returns the device claiming addr, or nil on a miss.
func (m *DeviceManager) Lookup(addr uint64) MemoryMappedIODevice {
	for _, dev := range m.devices {
		for _, r := range dev.MMIORegions() {
			if r.Contains(addr) {
				return dev
			}
		}
	}
	return nil
}

// Read dispatches a load of len(data) bytes at addr. A DeviceMiss
// returns a zeroed buffer and no error, per spec.md §7.
func (m *DeviceManager) Read(ctx ExitContext, addr uint64, data []byte) error {
	dev := m.Lookup(addr)
	if dev == nil {
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	return dev.ReadMMIO(ctx, addr, data)
}

// Write dispatches a store of len(data) bytes at addr. A DeviceMiss is
// silently dropped, per spec.md §7.
func (m *DeviceManager) Write(ctx ExitContext, addr uint64, data []byte) error {
	dev := m.Lookup(addr)
	if dev == nil {
		return nil
	}
	return dev.WriteMMIO(ctx, addr, data)
}
