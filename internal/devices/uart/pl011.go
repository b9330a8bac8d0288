// Package uart adapts tinyrange-cc's output-only PL011 device model
// into a full trap-and-emulate PL011 (spec.md §6): a real RX FIFO fed
// from the shared lock-free ring, and IMSC/RIS/MIS interrupt tracking
// wired to hv.InterruptSource so the scheduler's SPI-drain sweep can
// deliver INTID 33. Register offsets, the Init/MMIORegions/ReadMMIO/
// WriteMMIO shape and the TX-side DR write are kept from
// tinyrange-cc's internal/devices/arm64/serial/pl011_device.go; the
// RX half (DR read, FR.RXFE, RIS/MIS/IMSC, ICR) is new.
package uart

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/elh/internal/hv"
)

const (
	regDR   = 0x00
	regRSR  = 0x04
	regFR   = 0x18
	regILPR = 0x20
	regIBRD = 0x24
	regFBRD = 0x28
	regLCRH = 0x2C
	regCR   = 0x30
	regIFLS = 0x34
	regIMSC = 0x38
	regRIS  = 0x3C
	regMIS  = 0x40
	regICR  = 0x44
	regDMAC = 0x48

	flagTxEmpty = 1 << 7
	flagRxEmpty = 1 << 4

	// Interrupt bit positions shared by IMSC/RIS/MIS (PL011 TRM).
	intRX = 1 << 4
	intTX = 1 << 5
	intRT = 1 << 6

	rxFIFODepth = 16
)

// Device is a trap-and-emulate PL011: TX is a direct write to out,
// byte by byte, the same "polled, single-producer per pCPU" model
// spec.md §5 mandates; RX is a small FIFO drained from an external
// byte source (the scheduler's per-iteration UART-ring drain, spec.md
// §4.5 step 5) rather than a live host read.
type Device struct {
	base uint64
	size uint64
	spi  uint32

	out io.Writer

	mu    sync.Mutex
	cr    uint32
	lcrh  uint32
	ibrd  uint32
	fbrd  uint32
	ifls  uint32
	imsc  uint32
	dmacr uint32

	rxFIFO    [rxFIFODepth]byte
	rxHead    int
	rxTail    int
	rxCount   int
	rxEdge    bool // a byte arrived since the last AckIRQ
}

// New returns a PL011 device claiming [base, base+size), raising spi
// on RX, writing guest TX bytes to out.
func New(base, size uint64, spi uint32, out io.Writer) *Device {
	if out == nil {
		out = io.Discard
	}
	return &Device{base: base, size: size, spi: spi, out: out}
}

func (d *Device) Name() string { return "pl011" }

func (d *Device) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: d.base, Size: d.size}}
}

// PushRX appends a byte to the RX FIFO, dropping it if the FIFO is
// full (spec.md §6's 64-byte RX ring upstream already applies its own
// backpressure; a full 16-byte device FIFO on top of that means the
// guest simply isn't draining DR fast enough). A successful push sets
// the RX interrupt edge when RXIM is enabled.
func (d *Device) PushRX(b byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rxCount >= rxFIFODepth {
		return
	}
	d.rxFIFO[d.rxTail] = b
	d.rxTail = (d.rxTail + 1) % rxFIFODepth
	d.rxCount++
	if d.imsc&intRX != 0 {
		d.rxEdge = true
	}
}

func (d *Device) popRX() (byte, bool) {
	if d.rxCount == 0 {
		return 0, false
	}
	b := d.rxFIFO[d.rxHead]
	d.rxHead = (d.rxHead + 1) % rxFIFODepth
	d.rxCount--
	return b, true
}

// ris computes the raw interrupt status from current FIFO occupancy;
// RXIM's RIS bit follows live FIFO state (level-triggered, per the
// PL011 TRM), unlike the edge latch PendingIRQ/AckIRQ use for the
// scheduler's handoff.
func (d *Device) ris() uint32 {
	var v uint32
	if d.rxCount > 0 {
		v |= intRX
	}
	return v
}

func (d *Device) ReadMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	if err := d.checkBounds(addr, len(data)); err != nil {
		return err
	}
	offset := addr - d.base

	d.mu.Lock()
	value := d.readRegister(offset)
	d.mu.Unlock()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	copy(data, buf[:len(data)])
	return nil
}

func (d *Device) WriteMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	if err := d.checkBounds(addr, len(data)); err != nil {
		return err
	}
	offset := addr - d.base
	var value uint32
	for i := 0; i < len(data); i++ {
		value |= uint32(data[i]) << (8 * i)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeRegister(offset, value)
}

func (d *Device) checkBounds(addr uint64, size int) error {
	if addr < d.base || addr+uint64(size) > d.base+d.size {
		return fmt.Errorf("uart: access out of range (addr=0x%x size=%d)", addr, size)
	}
	if size == 0 || size > 4 {
		return fmt.Errorf("uart: unsupported access size %d", size)
	}
	return nil
}

func (d *Device) readRegister(offset uint64) uint32 {
	switch offset {
	case regDR:
		b, ok := d.popRX()
		if !ok {
			return 0
		}
		return uint32(b)
	case regRSR:
		return 0
	case regFR:
		v := uint32(flagTxEmpty)
		if d.rxCount == 0 {
			v |= flagRxEmpty
		}
		return v
	case regILPR:
		return 0
	case regIBRD:
		return d.ibrd
	case regFBRD:
		return d.fbrd
	case regLCRH:
		return d.lcrh
	case regCR:
		return d.cr
	case regIFLS:
		return d.ifls
	case regIMSC:
		return d.imsc
	case regRIS:
		return d.ris()
	case regMIS:
		return d.ris() & d.imsc
	case regICR:
		return 0
	case regDMAC:
		return d.dmacr
	default:
		return 0
	}
}

func (d *Device) writeRegister(offset uint64, value uint32) error {
	switch offset {
	case regDR:
		b := [1]byte{byte(value & 0xFF)}
		if _, err := d.out.Write(b[:]); err != nil {
			return fmt.Errorf("uart: write output: %w", err)
		}
	case regRSR:
		// writes clear errors, nothing tracked
	case regILPR:
		// IrDA low-power not supported
	case regIBRD:
		d.ibrd = value
	case regFBRD:
		d.fbrd = value
	case regLCRH:
		d.lcrh = value
	case regCR:
		d.cr = value
	case regIFLS:
		d.ifls = value
	case regIMSC:
		d.imsc = value
	case regICR:
		// write-1-to-clear against RIS; this model has no latched
		// error bits, so ICR has nothing left to clear
	case regDMAC:
		d.dmacr = value
	default:
		// silently ignore unimplemented registers
	}
	return nil
}

// PendingIRQ implements hv.InterruptSource: the edge set by PushRX
// while RXIM is enabled.
func (d *Device) PendingIRQ() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rxEdge
}

// AckIRQ implements hv.InterruptSource.
func (d *Device) AckIRQ() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rxEdge = false
}

// SPI implements hv.InterruptSource.
func (d *Device) SPI() uint32 { return d.spi }

var (
	_ hv.MemoryMappedIODevice = (*Device)(nil)
	_ hv.InterruptSource      = (*Device)(nil)
)
