// Package vswitch is a minimal L2 hub connecting each VM's virtio-net
// port to the others: source-MAC learning and unicast/broadcast frame
// delivery, grounded on tinyrange-cc's internal/netstack MAC-learning
// fields (hostMAC/guestMAC/observedGuestMAC as atomic.Uint64, macAddr
// as a packed uint64). Per-frame forwarding semantics (ARP, IPv4,
// TCP/UDP) are a host-side concern this core does not model — a Port
// only learns addresses and relays opaque Ethernet frames; it never
// parses payloads. Each Port also claims a small diagnostic MMIO
// window so it satisfies the device-manager contract on its own,
// independent of whichever virtio-net front end eventually drains it.
package vswitch

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/elh/internal/hv"
)

type macAddr uint64

const macUnset macAddr = ^macAddr(0)

func macFromBytes(b []byte) macAddr {
	if len(b) < 6 {
		return macUnset
	}
	return macAddr(uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5]))
}

// Switch is a host-side L2 hub. Its zero value is not usable; use New.
type Switch struct {
	mu    sync.Mutex
	ports map[int]*Port
	learn map[macAddr]int
	next  int
}

// New returns an empty Switch.
func New() *Switch {
	return &Switch{ports: make(map[int]*Port), learn: make(map[macAddr]int)}
}

// NewPort attaches a new Port to the switch, claiming [base, base+size)
// for its diagnostic MMIO window, and returns it.
func (s *Switch) NewPort(base, size uint64) *Port {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	p := &Port{sw: s, id: id, base: base, size: size}
	s.ports[id] = p
	return p
}

// Detach removes a port from the switch and forgets every MAC learned
// against it; a later frame addressed to one of those MACs is treated
// as an unknown destination and flooded to the remaining ports.
func (s *Switch) Detach(p *Port) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ports, p.id)
	for mac, id := range s.learn {
		if id == p.id {
			delete(s.learn, mac)
		}
	}
}

// forward learns frame's source MAC against from, then delivers the
// frame to its destination: the single learned port for a known
// unicast destination, or every other attached port otherwise.
func (s *Switch) forward(from *Port, frame []byte) {
	if len(frame) < 12 {
		return
	}
	dst := macFromBytes(frame[0:6])
	src := macFromBytes(frame[6:12])

	s.mu.Lock()
	if src != macUnset {
		s.learn[src] = from.id
	}
	var targets []*Port
	if id, ok := s.learn[dst]; ok {
		if p, ok := s.ports[id]; ok && p != from {
			targets = []*Port{p}
		}
	} else {
		for id, p := range s.ports {
			if id != from.id {
				targets = append(targets, p)
			}
		}
	}
	s.mu.Unlock()

	for _, p := range targets {
		p.deliver(frame)
	}
}

// Port is one VM's attachment point on the switch.
type Port struct {
	sw   *Switch
	id   int
	base uint64
	size uint64

	onRx atomic.Pointer[func([]byte)]

	txFrames atomic.Uint64
	rxFrames atomic.Uint64
	linkUp   atomic.Bool
}

// OnReceive registers the callback invoked (synchronously, on the
// sending port's goroutine) whenever another port forwards a frame to
// p. Passing nil disables delivery without detaching the port.
func (p *Port) OnReceive(f func(frame []byte)) {
	if f == nil {
		p.onRx.Store(nil)
		return
	}
	p.onRx.Store(&f)
}

// Send forwards frame through the switch on behalf of p, learning
// frame's source MAC against this port.
func (p *Port) Send(frame []byte) {
	p.txFrames.Add(1)
	p.sw.forward(p, frame)
}

func (p *Port) deliver(frame []byte) {
	p.rxFrames.Add(1)
	if cb := p.onRx.Load(); cb != nil {
		(*cb)(frame)
	}
}

// SetLinkUp reports the port's emulated carrier state through its
// diagnostic MMIO window.
func (p *Port) SetLinkUp(up bool) { p.linkUp.Store(up) }

func (p *Port) Name() string { return fmt.Sprintf("vswitch-port[%d]", p.id) }

func (p *Port) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: p.base, Size: p.size}}
}

// Diagnostic register offsets: a read-only status word followed by
// two 64-bit frame counters. There is no guest-visible control surface
// — a real virtio-net front end owns the queue/feature negotiation;
// this window exists purely so vswitch satisfies the device-manager
// contract on its own and so a self-test scenario can assert forwarding
// happened without reaching into host-side state.
const (
	portOffStatus   = 0x00
	portOffTxFrames = 0x08
	portOffRxFrames = 0x10

	portStatusLinkUp = 1 << 0
)

func (p *Port) ReadMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	offset := addr - p.base
	var value uint64
	switch offset {
	case portOffStatus:
		if p.linkUp.Load() {
			value = portStatusLinkUp
		}
	case portOffTxFrames:
		value = p.txFrames.Load()
	case portOffRxFrames:
		value = p.rxFrames.Load()
	default:
		return fmt.Errorf("vswitch: read of unimplemented register 0x%x", offset)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	copy(data, buf[:len(data)])
	return nil
}

func (p *Port) WriteMMIO(_ hv.ExitContext, addr uint64, _ []byte) error {
	offset := addr - p.base
	switch offset {
	case portOffStatus, portOffTxFrames, portOffRxFrames:
		// diagnostic registers are read-only; writes are ignored
		return nil
	default:
		return fmt.Errorf("vswitch: write of unimplemented register 0x%x", offset)
	}
}

var _ hv.MemoryMappedIODevice = (*Port)(nil)
