package stage2

import (
	"errors"
	"fmt"

	"github.com/tinyrange/elh/internal/hv"
)

// errConfigurationInvalid is wrapped into subsystem-prefixed
// ConfigurationError-shaped messages throughout this package; callers
// needing the taxonomy sentinel from spec.md §7 should match on
// hv.ErrOutOfMemory / the OverlappingMappingError type instead of this
// internal marker.
var errConfigurationInvalid = errors.New("invalid configuration")

// ErrOutOfMemory is the stage2-local alias of the shared taxonomy
// sentinel (spec.md §7): returned when the dynamic mapper's table
// allocator has no space left for a required intermediate table.
var ErrOutOfMemory = hv.ErrOutOfMemory

// ErrOverlappingMapping is returned by MapRegion when the requested
// region overlaps one already installed with different attributes.
var ErrOverlappingMapping = errors.New("stage2: overlapping mapping")

const (
	blockGranule = uint64(1) << 21 // 2MB, map_region's granularity
	pageGranule  = uint64(1) << 12 // 4KB
)

// tableAllocator hands out zero-initialized intermediate Table storage.
// The static mapper draws from a small fixed pool (no heap); the
// dynamic mapper bump-allocates from a PhysMem region.
type tableAllocator interface {
	allocTable() (*Table, uint64, error)
}

// staticAllocator is a fixed-size pool of tables, allocated once as a
// single Go slice when the mapper is built and never grown. It needs no
// PhysMem table heap, but the pool itself lives on the Go heap, not in
// stack or BSS storage. Its pool address space is an arbitrary, table-allocator-local
// numbering scheme distinct from guest IPA space, exactly like the
// dynamic allocator's PhysMem offsets.
type staticAllocator struct {
	pool []Table
	next int
}

func newStaticAllocator(capacity int) *staticAllocator {
	return &staticAllocator{pool: make([]Table, capacity)}
}

func (a *staticAllocator) allocTable() (*Table, uint64, error) {
	if a.next >= len(a.pool) {
		return nil, 0, ErrOutOfMemory
	}
	t := &a.pool[a.next]
	pa := uint64(a.next) * tableSize
	a.next++
	return t, pa, nil
}

// dynamicAllocator bump-allocates table storage from a PhysMem region.
// Tables are never reclaimed (spec.md §4.1: "never freed once
// installed"), so a bump pointer is sufficient — there is no need for
// the free-list half of a general-purpose heap allocator.
type dynamicAllocator struct {
	mem  PhysMem
	next uint64
}

func newDynamicAllocator(mem PhysMem) *dynamicAllocator {
	return &dynamicAllocator{mem: mem}
}

func (a *dynamicAllocator) allocTable() (*Table, uint64, error) {
	if a.next+tableSize > a.mem.Size() {
		return nil, 0, ErrOutOfMemory
	}
	pa := a.next
	a.next += tableSize

	buf := a.mem.Bytes(pa, tableSize)
	for i := range buf {
		buf[i] = 0
	}
	return bytesToTable(buf), pa, nil
}

// Mapper is the shared walk/map/split/unmap logic for both the static
// and dynamic variants named in spec.md §3. A nil Invalidate means "no
// hardware to invalidate" — the test suite runs this way; production
// wiring can set it to internal/arch.InvalidateStage2Page so
// UnmapPage issues the exact TLBI IPAS2E1IS/DSB/TLBI VMALLE1IS/DSB/ISB
// sequence spec.md §4.1 mandates. Nothing in this repository sets it
// outside the tests (Board.Build leaves it nil). Keeping this a callback instead of a
// direct import of internal/arch is what lets this package's tests run
// without the hardware boundary ever being linked in.
type Mapper struct {
	alloc      tableAllocator
	root       *Table
	startLevel int
	dynamic    bool

	// Invalidate, if set, is called with the faulting IPA after
	// UnmapPage zeroes the leaf entry.
	Invalidate func(ipa uint64)
}

// NewStaticMapper builds a no-heap mapper from a fixed table pool sized
// for a small self-test board (one L1/L0 root, a handful of L2 tables —
// capacity 8 covers the six end-to-end scenarios' device and RAM
// layout with headroom).
func NewStaticMapper(width IPAWidth) (*Mapper, error) {
	level, err := width.startLevel()
	if err != nil {
		return nil, err
	}
	alloc := newStaticAllocator(8)
	root, _, err := alloc.allocTable()
	if err != nil {
		return nil, err
	}
	return &Mapper{alloc: alloc, root: root, startLevel: level, dynamic: false}, nil
}

// NewDynamicMapper builds a heap-backed mapper whose intermediate
// tables are bump-allocated from mem.
func NewDynamicMapper(width IPAWidth, mem PhysMem) (*Mapper, error) {
	level, err := width.startLevel()
	if err != nil {
		return nil, err
	}
	alloc := newDynamicAllocator(mem)
	root, _, err := alloc.allocTable()
	if err != nil {
		return nil, err
	}
	return &Mapper{alloc: alloc, root: root, startLevel: level, dynamic: true}, nil
}

// RootPA is the table-allocator-local address of the root table, the
// value VTTBR's lower bits are built from. Both allocators hand out the
// root as their first allocation, so this is always 0.
func (m *Mapper) RootPA() uint64 { return 0 }

// walk descends from the root to level, creating intermediate Table
// entries along the way when create is true. It returns the table at
// level and the index of ipa's entry within it.
func (m *Mapper) walk(ipa uint64, level int, create bool) (*Table, int, error) {
	t := m.root
	for l := m.startLevel; l < level; l++ {
		idx := indexForLevel(ipa, l)
		e := t.Entries[idx]

		if !e.Valid() {
			if !create {
				return nil, 0, nil
			}
			child, pa, err := m.alloc.allocTable()
			if err != nil {
				return nil, 0, err
			}
			t.Entries[idx] = newTableEntry(pa)
			t = child
			continue
		}

		if !e.IsTableOrPage() {
			// A block already occupies this span at a level above the
			// one we need — map_region never requests a sub-block walk
			// through an existing block, so this indicates a caller
			// error; report it as an overlap.
			return nil, 0, ErrOverlappingMapping
		}

		t = m.tableAt(e.OutputAddress())
	}
	return t, indexForLevel(ipa, level), nil
}

func (m *Mapper) tableAt(pa uint64) *Table {
	if sa, ok := m.alloc.(*staticAllocator); ok {
		idx := int(pa / tableSize)
		return &sa.pool[idx]
	}
	da := m.alloc.(*dynamicAllocator)
	return bytesToTable(da.mem.Bytes(pa, tableSize))
}

// MapRegion installs 2MB block entries for as many aligned blocks as
// fit in [startIPA, startIPA+size) (spec.md §4.1). startIPA and size
// must both be 2MB-aligned. Re-mapping an identical region is a no-op,
// except that a block already split into pages has its unmapped pages
// mapped again; mapping a different attribute over an already-mapped
// block or page is an overlap error.
func (m *Mapper) MapRegion(startIPA, size uint64, attr MemAttr) error {
	if startIPA%blockGranule != 0 || size%blockGranule != 0 {
		return fmt.Errorf("stage2: map_region: ipa=0x%x size=0x%x not 2MB-aligned", startIPA, size)
	}

	for off := uint64(0); off < size; off += blockGranule {
		ipa := startIPA + off
		tbl, idx, err := m.walk(ipa, 2, true)
		if err != nil {
			return err
		}
		want := newLeaf(ipa, attr, false)
		existing := tbl.Entries[idx]
		if existing.Valid() && existing.IsTableOrPage() {
			// A split block: refill unmapped pages, check the rest.
			l3 := m.tableAt(existing.OutputAddress())
			for i := range l3.Entries {
				page := newLeaf(ipa+uint64(i)*pageGranule, attr, true)
				if !l3.Entries[i].Valid() {
					l3.Entries[i] = page
				} else if l3.Entries[i].Attr() != attr {
					return fmt.Errorf("hv/stage2: region [0x%x, 0x%x) overlaps an existing mapping: %w",
						startIPA, startIPA+size, ErrOverlappingMapping)
				}
			}
			continue
		}
		if existing.Valid() {
			if existing == want {
				continue
			}
			return fmt.Errorf("hv/stage2: region [0x%x, 0x%x) overlaps an existing mapping: %w",
				startIPA, startIPA+size, ErrOverlappingMapping)
		}
		tbl.Entries[idx] = want
	}
	return nil
}

// Translate walks ipa to a leaf and reports whether it resolves to a
// valid mapping, and if so the identity physical address (equal to ipa
// for every mapping this package installs) and whether the access flag
// is set.
func (m *Mapper) Translate(ipa uint64) (pa uint64, valid bool, accessFlag bool) {
	tbl, idx, err := m.walk(ipa, 2, false)
	if err != nil || tbl == nil {
		return 0, false, false
	}
	e := tbl.Entries[idx]
	if e.Valid() && !e.IsTableOrPage() {
		return e.OutputAddress() | (ipa & (blockGranule - 1)), true, e.AccessFlag()
	}
	if e.Valid() && e.IsTableOrPage() {
		// Split into pages; descend one more level.
		l3 := m.tableAt(e.OutputAddress())
		pe := l3.Entries[indexForLevel(ipa, 3)]
		if pe.Valid() {
			return pe.OutputAddress() | (ipa & (pageGranule - 1)), true, pe.AccessFlag()
		}
	}
	return 0, false, false
}

// SplitBlock replaces the 2MB block covering ipa with a table of 512
// identity-mapped 4KB pages carrying the same attribute, access flag
// and software bits the block had. Idempotent: splitting an
// already-split region is a no-op. Dynamic mapper only.
func (m *Mapper) SplitBlock(ipa uint64) error {
	if !m.dynamic {
		return fmt.Errorf("stage2: split_2mb_block requires the dynamic mapper")
	}

	tbl, idx, err := m.walk(ipa, 2, false)
	if err != nil {
		return err
	}
	if tbl == nil {
		return fmt.Errorf("stage2: split_2mb_block: ipa=0x%x has no mapping", ipa)
	}
	e := tbl.Entries[idx]
	if !e.Valid() {
		return fmt.Errorf("stage2: split_2mb_block: ipa=0x%x has no mapping", ipa)
	}
	if e.IsTableOrPage() {
		return nil // already split
	}

	l3, pa, err := m.alloc.allocTable()
	if err != nil {
		return err
	}
	blockBase := ipa &^ (blockGranule - 1)
	for i := 0; i < 512; i++ {
		frame := blockBase + uint64(i)*pageGranule
		leaf := newLeaf(frame, e.Attr(), true)
		leaf = withSWBits(leaf, e.SWBits())
		l3.Entries[i] = leaf
	}
	tbl.Entries[idx] = newTableEntry(pa)
	return nil
}

// UnmapPage ensures the covering L2 is a table (splitting the block if
// needed), zeroes the corresponding L3 entry, and — if Invalidate is
// set — runs the TLB invalidate sequence spec.md §4.1 mandates. Dynamic
// mapper only.
func (m *Mapper) UnmapPage(ipa uint64) error {
	if !m.dynamic {
		return fmt.Errorf("stage2: unmap_4kb_page requires the dynamic mapper")
	}

	tbl, idx, err := m.walk(ipa, 2, false)
	if err != nil {
		return err
	}
	if tbl == nil || !tbl.Entries[idx].Valid() {
		return fmt.Errorf("stage2: unmap_4kb_page: ipa=0x%x has no mapping", ipa)
	}
	if !tbl.Entries[idx].IsTableOrPage() {
		if err := m.SplitBlock(ipa); err != nil {
			return err
		}
		tbl, idx, err = m.walk(ipa, 2, false)
		if err != nil {
			return err
		}
	}

	l3 := m.tableAt(tbl.Entries[idx].OutputAddress())
	l3.Entries[indexForLevel(ipa, 3)] = PTE(0)

	if m.Invalidate != nil {
		m.Invalidate(ipa)
	}
	return nil
}

// ReadSWBits walks to the leaf PTE covering ipa (block or page) and
// returns its two software-reserved bits.
func (m *Mapper) ReadSWBits(ipa uint64) (uint8, error) {
	tbl, idx, err := m.walk(ipa, 2, false)
	if err != nil {
		return 0, err
	}
	if tbl == nil || !tbl.Entries[idx].Valid() {
		return 0, fmt.Errorf("stage2: read_sw_bits: ipa=0x%x has no mapping", ipa)
	}
	e := tbl.Entries[idx]
	if e.IsTableOrPage() {
		l3 := m.tableAt(e.OutputAddress())
		return l3.Entries[indexForLevel(ipa, 3)].SWBits(), nil
	}
	return e.SWBits(), nil
}

// WriteSWBits sets the two software-reserved bits of the leaf PTE
// covering ipa. No TLB invalidation is required — hardware ignores
// these bits (spec.md §4.1).
func (m *Mapper) WriteSWBits(ipa uint64, value uint8) error {
	tbl, idx, err := m.walk(ipa, 2, false)
	if err != nil {
		return err
	}
	if tbl == nil || !tbl.Entries[idx].Valid() {
		return fmt.Errorf("stage2: write_sw_bits: ipa=0x%x has no mapping", ipa)
	}
	e := tbl.Entries[idx]
	if e.IsTableOrPage() {
		l3 := m.tableAt(e.OutputAddress())
		l3idx := indexForLevel(ipa, 3)
		l3.Entries[l3idx] = withSWBits(l3.Entries[l3idx], value)
		return nil
	}
	tbl.Entries[idx] = withSWBits(e, value)
	return nil
}
