package mmio

import (
	"testing"

	"github.com/tinyrange/elh/internal/hv"
	"github.com/tinyrange/elh/internal/hv/vcpu"
)

type regDevice struct {
	base, size uint64
	value      uint32
}

func (d *regDevice) Name() string                    { return "reg" }
func (d *regDevice) MMIORegions() []hv.MMIORegion    { return []hv.MMIORegion{{Address: d.base, Size: d.size}} }
func (d *regDevice) ReadMMIO(_ hv.ExitContext, _ uint64, data []byte) error {
	data[0] = byte(d.value)
	data[1] = byte(d.value >> 8)
	data[2] = byte(d.value >> 16)
	data[3] = byte(d.value >> 24)
	return nil
}
func (d *regDevice) WriteMMIO(_ hv.ExitContext, _ uint64, data []byte) error {
	d.value = uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	return nil
}

func TestBridgeReadWritesGPR(t *testing.T) {
	vm := vcpu.NewVM(0)
	v, _ := vm.AddVCPU()
	dev := &regDevice{base: 0x1000, size: 4, value: 0xDEADBEEF}
	devices := hv.NewDeviceManager()
	devices.Register(dev)
	b := &Bridge{VM: vm, Devices: devices}

	iss := uint32(1)<<24 | uint32(2)<<22 | uint32(5)<<16 // ISV=1, size=4 bytes, Rt=5, read
	if err := b.HandleDataAbort(v.ID, 0x1000, iss); err != nil {
		t.Fatalf("HandleDataAbort: %v", err)
	}
	if v.Context.X[5] != 0xDEADBEEF {
		t.Fatalf("X[5] = 0x%x, want 0xDEADBEEF", v.Context.X[5])
	}
}

func TestBridgeWriteDispatchesStore(t *testing.T) {
	vm := vcpu.NewVM(0)
	v, _ := vm.AddVCPU()
	v.Context.X[3] = 0x1234
	dev := &regDevice{base: 0x2000, size: 4}
	devices := hv.NewDeviceManager()
	devices.Register(dev)
	b := &Bridge{VM: vm, Devices: devices}

	iss := uint32(1)<<24 | uint32(2)<<22 | uint32(3)<<16 | 1<<6 // ISV=1, size=4, Rt=3, write
	if err := b.HandleDataAbort(v.ID, 0x2000, iss); err != nil {
		t.Fatalf("HandleDataAbort: %v", err)
	}
	if dev.value != 0x1234 {
		t.Fatalf("device value = 0x%x, want 0x1234", dev.value)
	}
}

func TestBridgeISV0WithoutFetchReturnsDecodeError(t *testing.T) {
	vm := vcpu.NewVM(0)
	v, _ := vm.AddVCPU()
	devices := hv.NewDeviceManager()
	b := &Bridge{VM: vm, Devices: devices}

	if err := b.HandleDataAbort(v.ID, 0x1000, 0); err == nil {
		t.Fatal("expected a decode error when ISV=0 and no Fetch is configured")
	}
}
