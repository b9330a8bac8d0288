package mmio

import (
	"encoding/binary"

	"github.com/tinyrange/elh/internal/hv"
	"github.com/tinyrange/elh/internal/hv/vcpu"
)

// InstructionFetcher reads the 32-bit instruction word at pc, needed
// only by the ISV=0 slow path (spec.md §4.3). A nil Bridge.Fetch means
// this board never exercises ISV=0 traps (every device here reports
// ISV=1), and that path surfaces a *hv.DecodeError instead of a panic.
type InstructionFetcher func(vcpuID int, pc uint64) (uint32, error)

// Bridge implements trap.DataAbortHandler by decoding an Access (fast
// ISS path when available, instruction-fetch fallback otherwise) and
// dispatching the resulting load/store through a device manager,
// reading or writing the faulting vCPU's GPR file directly — the glue
// spec.md §4.3 describes but leaves to "the caller", grounded on
// tinyrange-cc's KVM_EXIT_MMIO handling in hv/kvm/kvm_arm64.go where
// the same decode-then-dispatch-then-writeback shape appears.
type Bridge struct {
	VM      *vcpu.VM
	Devices *hv.DeviceManager
	Fetch   InstructionFetcher
}

// exitContext is the minimal hv.ExitContext a data-abort trap can
// supply: which vCPU faulted.
type exitContext struct{ vcpuID int }

func (c exitContext) VCPUID() int { return c.vcpuID }

// HandleDataAbort implements trap.DataAbortHandler.
func (b *Bridge) HandleDataAbort(vcpuID int, ipa uint64, iss uint32) error {
	access, ok := DecodeISS(iss)
	if !ok {
		if b.Fetch == nil {
			return &hv.DecodeError{Subsystem: "hv/mmio", PC: b.VM.VCPUs[vcpuID].Context.PC}
		}
		word, err := b.Fetch(vcpuID, b.VM.VCPUs[vcpuID].Context.PC)
		if err != nil {
			return err
		}
		access, err = DecodeInstruction(word, b.VM.VCPUs[vcpuID].Context.PC)
		if err != nil {
			return err
		}
	}

	ctx := exitContext{vcpuID: vcpuID}
	var buf [8]byte
	data := buf[:access.Size]

	if access.Write {
		if access.Reg != RegZero {
			binary.LittleEndian.PutUint64(buf[:8], b.VM.VCPUs[vcpuID].Context.X[access.Reg])
		}
		return b.Devices.Write(ctx, ipa, data)
	}

	if err := b.Devices.Read(ctx, ipa, data); err != nil {
		return err
	}
	if access.Reg == RegZero {
		return nil
	}
	var value uint64
	switch access.Size {
	case 1:
		value = uint64(data[0])
		if access.SignExtend && data[0]&0x80 != 0 {
			value |= ^uint64(0xFF)
		}
	case 2:
		value = uint64(binary.LittleEndian.Uint16(data))
		if access.SignExtend && value&0x8000 != 0 {
			value |= ^uint64(0xFFFF)
		}
	case 4:
		value = uint64(binary.LittleEndian.Uint32(data))
		if access.SignExtend && value&0x8000_0000 != 0 {
			value |= ^uint64(0xFFFF_FFFF)
		}
	case 8:
		value = binary.LittleEndian.Uint64(data)
	}
	b.VM.VCPUs[vcpuID].Context.X[access.Reg] = value
	return nil
}
