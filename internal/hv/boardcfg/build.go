package boardcfg

import (
	"fmt"

	"github.com/tinyrange/elh/internal/hv/stage2"
)

// Machine is the runtime state a Board descriptor composes into: a
// built Stage-2 table with this board's "holes by policy" applied, and
// the (VTTBR, VTCR) pair that table implies (spec.md §4.1).
type Machine struct {
	Mapper *stage2.Mapper
	VTTBR  uint64
	VTCR   uint64
}

// Build installs this board's RAM window as a Normal write-back Stage-2
// mapping and otherwise leaves the table untouched: GICD, every GICR
// frame, the PL011 and the virtio-mmio slots are never registered, so a
// guest access to any of them takes a Stage-2 data abort straight to
// the device manager, exactly as spec.md §4.1's "holes by policy"
// requires. heap backs the dynamic mapper's own intermediate-table
// storage when non-nil (itself never guest-IPA-mapped, so it is
// already a hole too); a nil heap builds the no-heap static mapper
// instead, the path the Stage-2 fault-path self-test scenario uses.
func (b Board) Build(heap stage2.PhysMem) (*Machine, error) {
	width := stage2.IPAWidth(b.IPAWidth)

	var (
		mapper *stage2.Mapper
		err    error
	)
	if heap != nil {
		mapper, err = stage2.NewDynamicMapper(width, heap)
	} else {
		mapper, err = stage2.NewStaticMapper(width)
	}
	if err != nil {
		return nil, fmt.Errorf("boardcfg: build stage2 mapper: %w", err)
	}

	if err := mapper.MapRegion(b.RAMBase, b.RAMSize, stage2.AttrNormal); err != nil {
		return nil, fmt.Errorf("boardcfg: map ram [0x%x, 0x%x): %w", b.RAMBase, b.RAMBase+b.RAMSize, err)
	}

	cfg := stage2.Config{Width: width}
	return &Machine{Mapper: mapper, VTTBR: cfg.VTTBR(mapper.RootPA()), VTCR: cfg.VTCR()}, nil
}
