package gic

import (
	"encoding/binary"
	"sync"

	"github.com/tinyrange/elh/internal/hv"
	"github.com/tinyrange/elh/internal/hv/boardcfg"
)

// Distributor-local register offsets (GICv3 architecture, the subset
// spec.md §4.4 requires this core to emulate).
const (
	offCTLR  = 0x0000
	offTYPER = 0x0004
	offIIDR  = 0x0008

	offIGROUPR    = 0x0080
	offISENABLER  = 0x0100
	offICENABLER  = 0x0180
	offIPRIORITYR = 0x0400
	offICFGR      = 0x0C00
	offIROUTER    = 0x6100
	offPIDR2      = 0xFFE8

	maxINTIDWords = 3  // covers INTID 0..95
	maxINTIDBytes = 96 // one priority byte per INTID
	maxSPIs       = 64 // IROUTER entries, INTID 32..95

	gicIIDR  = 0x43B
	gicPIDR2 = 0x30

	ctlrAREns = 1 << 4 // GICD_CTLR.ARE_NS, wired to 1 (spec.md §4.4)
)

// Distributor emulates GICD: the shared set of SPI enable/group/
// priority/config bits and each SPI's IROUTER target vCPU. One
// Distributor serves the whole VM, registered once in its device
// manager (spec.md §4.4).
type Distributor struct {
	mu sync.Mutex

	numVCPUs int

	ctlr      uint32
	igroupr   [maxINTIDWords]uint32
	ienable   [maxINTIDWords]uint32
	priority  [maxINTIDBytes]uint8
	config    [maxINTIDWords * 2]uint32 // 2 bits/INTID, 16 INTID/word
	irouter   [maxSPIs]uint64
}

// NewDistributor returns a Distributor for a board with numVCPUs
// online-capable vCPUs (spec.md §4.4's TYPER.CPUNumber = numVCPUs-1).
func NewDistributor(numVCPUs int) *Distributor {
	return &Distributor{numVCPUs: numVCPUs, ctlr: ctlrAREns}
}

func (d *Distributor) Name() string { return "gicd" }

func (d *Distributor) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: boardcfg.GICDBase, Size: boardcfg.GICDSize}}
}

// spiIndex maps an SPI's INTID (32..) to its 0-based array index, or
// -1 if intid is not an SPI this distributor tracks.
func spiIndex(intid uint32) int {
	if intid < 32 || int(intid) >= 32+maxSPIs {
		return -1
	}
	return int(intid) - 32
}

// IsSPIEnabled reports whether SPI intid has been enabled by the guest
// via ISENABLER, consulted by the SPI-delivery sweep before routing an
// interrupt (spec.md §4.4/§4.5).
func (d *Distributor) IsSPIEnabled(intid uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	word, bit := intid/32, intid%32
	if int(word) >= len(d.ienable) {
		return false
	}
	return d.ienable[word]&(1<<bit) != 0
}

// Route returns the target vCPU id an SPI's IROUTER field names,
// clamped to vCPU 0 if the guest programmed an affinity value with no
// corresponding vCPU (spec.md §4.4: "Aff0 out of range clamps to vCPU
// 0").
func (d *Distributor) Route(intid uint32) int {
	idx := spiIndex(intid)
	if idx < 0 {
		return 0
	}
	d.mu.Lock()
	aff0 := int(d.irouter[idx] & 0xFF)
	d.mu.Unlock()
	if aff0 < 0 || aff0 >= d.numVCPUs {
		return 0
	}
	return aff0
}

func (d *Distributor) ReadMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	off := addr - boardcfg.GICDBase
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case off == offCTLR:
		binary.LittleEndian.PutUint32(data, d.ctlr)
	case off == offTYPER:
		typer := uint32(maxSPIs/32-1)&0x1F | (uint32(d.numVCPUs-1) << 5)
		binary.LittleEndian.PutUint32(data, typer)
	case off == offIIDR:
		binary.LittleEndian.PutUint32(data, gicIIDR)
	case off == offPIDR2:
		binary.LittleEndian.PutUint32(data, gicPIDR2)
	case off >= offIGROUPR && off < offIGROUPR+4*maxINTIDWords:
		w := (off - offIGROUPR) / 4
		binary.LittleEndian.PutUint32(data, d.igroupr[w])
	case off >= offISENABLER && off < offISENABLER+4*maxINTIDWords:
		w := (off - offISENABLER) / 4
		binary.LittleEndian.PutUint32(data, d.ienable[w])
	case off >= offICENABLER && off < offICENABLER+4*maxINTIDWords:
		w := (off - offICENABLER) / 4
		binary.LittleEndian.PutUint32(data, d.ienable[w])
	case off >= offIPRIORITYR && off < offIPRIORITYR+maxINTIDBytes:
		i := off - offIPRIORITYR
		for n := range data {
			if int(i)+n < maxINTIDBytes {
				data[n] = d.priority[int(i)+n]
			}
		}
	case off >= offICFGR && off < offICFGR+4*uint64(len(d.config)):
		w := (off - offICFGR) / 4
		binary.LittleEndian.PutUint32(data, d.config[w])
	case off >= offIROUTER && off < offIROUTER+8*maxSPIs:
		i := (off - offIROUTER) / 8
		binary.LittleEndian.PutUint64(data, d.irouter[i])
	default:
		for i := range data {
			data[i] = 0
		}
	}
	return nil
}

func (d *Distributor) WriteMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	off := addr - boardcfg.GICDBase
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case off == offCTLR:
		d.ctlr = binary.LittleEndian.Uint32(data) | ctlrAREns
	case off == offTYPER, off == offIIDR, off == offPIDR2:
		// read-only
	case off >= offIGROUPR && off < offIGROUPR+4*maxINTIDWords:
		w := (off - offIGROUPR) / 4
		d.igroupr[w] = binary.LittleEndian.Uint32(data)
	case off >= offISENABLER && off < offISENABLER+4*maxINTIDWords:
		w := (off - offISENABLER) / 4
		d.ienable[w] |= binary.LittleEndian.Uint32(data)
	case off >= offICENABLER && off < offICENABLER+4*maxINTIDWords:
		w := (off - offICENABLER) / 4
		d.ienable[w] &^= binary.LittleEndian.Uint32(data)
	case off >= offIPRIORITYR && off < offIPRIORITYR+maxINTIDBytes:
		i := off - offIPRIORITYR
		for n := range data {
			if int(i)+n < maxINTIDBytes {
				d.priority[int(i)+n] = data[n]
			}
		}
	case off >= offICFGR && off < offICFGR+4*uint64(len(d.config)):
		w := (off - offICFGR) / 4
		d.config[w] = binary.LittleEndian.Uint32(data)
	case off >= offIROUTER && off < offIROUTER+8*maxSPIs:
		i := (off - offIROUTER) / 8
		d.irouter[i] = binary.LittleEndian.Uint64(data)
	}
	return nil
}
