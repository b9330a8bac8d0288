package gic

import (
	"encoding/binary"
	"sync"

	"github.com/tinyrange/elh/internal/hv"
	"github.com/tinyrange/elh/internal/hv/boardcfg"
)

// Redistributor-local register offsets, RD_base frame (spec.md §4.4).
const (
	rdOffCTLR  = 0x0000
	rdOffIIDR  = 0x0004
	rdOffTYPER = 0x0008
	rdOffWAKER = 0x0014
	rdOffPIDR2 = 0xFFE8
)

// SGI_base frame starts 64KB into the GICR frame pair.
const sgiFrameOffset = 0x10000

const (
	sgiOffIGROUPR0   = sgiFrameOffset + 0x0080
	sgiOffISENABLER0 = sgiFrameOffset + 0x0100
	sgiOffICENABLER0 = sgiFrameOffset + 0x0180
	sgiOffIPRIORITYR = sgiFrameOffset + 0x0400
	sgiOffICFGR0     = sgiFrameOffset + 0x0C00
	sgiOffICFGR1     = sgiFrameOffset + 0x0C04
)

const rdTyperLastBit = 1 << 4

// Redistributor emulates one vCPU's GICR frame pair: RD_base (power
// state and identification) and SGI_base (the SGI/PPI group, enable,
// priority and configuration registers spec.md §4.4 names). One
// Redistributor per vCPU, registered at boardcfg.GICRBaseFor(id).
type Redistributor struct {
	mu sync.Mutex

	vcpuID   int
	numVCPUs int

	igroupr0   uint32
	isenabler0 uint32
	priority   [8]uint32 // INTID 0..31, 4 bytes each word -> 8 words
	icfgr1     uint32    // PPIs 16..31; ICFGR0 (SGIs) is read-only, always edge
}

// NewRedistributor returns the Redistributor for vcpuID in a board
// with numVCPUs vCPUs (needed for TYPER's Last bit).
func NewRedistributor(vcpuID, numVCPUs int) *Redistributor {
	return &Redistributor{vcpuID: vcpuID, numVCPUs: numVCPUs}
}

func (r *Redistributor) Name() string { return "gicr" }

func (r *Redistributor) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: boardcfg.GICRBaseFor(r.vcpuID), Size: boardcfg.GICRFrame}}
}

func (r *Redistributor) ReadMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	off := addr - boardcfg.GICRBaseFor(r.vcpuID)
	r.mu.Lock()
	defer r.mu.Unlock()

	switch off {
	case rdOffCTLR:
		binary.LittleEndian.PutUint32(data, 0)
	case rdOffIIDR:
		binary.LittleEndian.PutUint32(data, gicIIDR)
	case rdOffTYPER:
		lower := uint32(r.vcpuID) << 8 // Processor_Number
		if r.vcpuID == r.numVCPUs-1 {
			lower |= rdTyperLastBit
		}
		upper := uint32(r.vcpuID) // Affinity_Value.Aff0
		binary.LittleEndian.PutUint64(data, uint64(lower)|uint64(upper)<<32)
	case rdOffTYPER + 4:
		binary.LittleEndian.PutUint32(data, uint32(r.vcpuID))
	case rdOffWAKER:
		// Always awake: ChildrenAsleep and ProcessorSleep both read 0
		// (spec.md §4.4: this core never power-gates a vCPU).
		binary.LittleEndian.PutUint32(data, 0)
	case rdOffPIDR2:
		binary.LittleEndian.PutUint32(data, gicPIDR2)
	case sgiOffIGROUPR0:
		binary.LittleEndian.PutUint32(data, r.igroupr0)
	case sgiOffISENABLER0, sgiOffICENABLER0:
		binary.LittleEndian.PutUint32(data, r.isenabler0)
	case sgiOffICFGR0:
		// SGIs are architecturally always edge-triggered: report every
		// SGI's config bit pair as 0b10 (edge).
		binary.LittleEndian.PutUint32(data, 0xAAAAAAAA)
	case sgiOffICFGR1:
		binary.LittleEndian.PutUint32(data, r.icfgr1)
	default:
		if off >= sgiOffIPRIORITYR && off < sgiOffIPRIORITYR+32 {
			w := (off - sgiOffIPRIORITYR) / 4
			binary.LittleEndian.PutUint32(data, r.priority[w])
			return nil
		}
		for i := range data {
			data[i] = 0
		}
	}
	return nil
}

func (r *Redistributor) WriteMMIO(_ hv.ExitContext, addr uint64, data []byte) error {
	off := addr - boardcfg.GICRBaseFor(r.vcpuID)
	r.mu.Lock()
	defer r.mu.Unlock()

	switch off {
	case rdOffCTLR, rdOffIIDR, rdOffTYPER, rdOffTYPER + 4, rdOffPIDR2, rdOffWAKER, sgiOffICFGR0:
		// read-only or no-op (WAKER writes never power-gate a vCPU here)
	case sgiOffIGROUPR0:
		r.igroupr0 = binary.LittleEndian.Uint32(data)
	case sgiOffISENABLER0:
		r.isenabler0 |= binary.LittleEndian.Uint32(data)
	case sgiOffICENABLER0:
		r.isenabler0 &^= binary.LittleEndian.Uint32(data)
	case sgiOffICFGR1:
		r.icfgr1 = binary.LittleEndian.Uint32(data)
	default:
		if off >= sgiOffIPRIORITYR && off < sgiOffIPRIORITYR+32 {
			w := (off - sgiOffIPRIORITYR) / 4
			r.priority[w] = binary.LittleEndian.Uint32(data)
		}
	}
	return nil
}

// SGIEnabled reports whether intid (0..15) is enabled on this
// redistributor's SGI frame, consulted before an SGI is actually
// injected (spec.md §4.4).
func (r *Redistributor) SGIEnabled(intid uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isenabler0&(1<<intid) != 0
}
