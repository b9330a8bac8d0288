package stage2

import (
	"errors"
	"testing"
)

func newTestDynamicMapper(t *testing.T) *Mapper {
	t.Helper()
	mem := NewSliceMemory(1 << 20) // 1MB of table-heap, plenty for these tests
	m, err := NewDynamicMapper(Width40, mem)
	if err != nil {
		t.Fatalf("NewDynamicMapper: %v", err)
	}
	return m
}

func TestMapRegionIdentityAndAccessFlag(t *testing.T) {
	m := newTestDynamicMapper(t)
	const base = uint64(0x4000_0000)
	const size = uint64(4 << 20) // 4MB, two 2MB blocks

	if err := m.MapRegion(base, size, AttrNormal); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}

	for _, a := range []uint64{base, base + 0x1000, base + size - 1} {
		pa, valid, af := m.Translate(a)
		if !valid {
			t.Fatalf("Translate(0x%x): not valid", a)
		}
		if !af {
			t.Fatalf("Translate(0x%x): access flag not set", a)
		}
		if pa != a {
			t.Fatalf("Translate(0x%x) = 0x%x, want identity", a, pa)
		}
	}
}

func TestUnmappedRegionHasNoValidLeaf(t *testing.T) {
	m := newTestDynamicMapper(t)
	if err := m.MapRegion(0x4000_0000, 2<<20, AttrNormal); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	_, valid, _ := m.Translate(0x0900_0000) // UART hole, never mapped
	if valid {
		t.Fatal("expected unmapped IPA to have no valid leaf")
	}
}

func TestUnmapThenRemapIsValidAgain(t *testing.T) {
	m := newTestDynamicMapper(t)
	const base = uint64(0x4000_0000)
	const size = uint64(2 << 20)
	const target = base + 0x3000

	if err := m.MapRegion(base, size, AttrNormal); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if err := m.UnmapPage(target); err != nil {
		t.Fatalf("UnmapPage: %v", err)
	}
	if _, valid, _ := m.Translate(target); valid {
		t.Fatal("expected page to be unmapped")
	}

	// Re-covering the same block with the identical attribute is a no-op
	// per spec.md §8's round-trip law, so the region is valid again.
	if err := m.MapRegion(base, size, AttrNormal); err != nil {
		t.Fatalf("re-MapRegion: %v", err)
	}
	if _, valid, _ := m.Translate(target); !valid {
		t.Fatal("expected page valid again after re-mapping the covering region")
	}
}

func TestSWBitsRoundTripDoesNotTouchOtherBits(t *testing.T) {
	m := newTestDynamicMapper(t)
	const ipa = uint64(0x4000_0000)
	if err := m.MapRegion(ipa, 2<<20, AttrNormal); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}

	paBefore, _, afBefore := m.Translate(ipa)

	for _, v := range []uint8{0, 1, 2, 3} {
		if err := m.WriteSWBits(ipa, v); err != nil {
			t.Fatalf("WriteSWBits(%d): %v", v, err)
		}
		got, err := m.ReadSWBits(ipa)
		if err != nil {
			t.Fatalf("ReadSWBits: %v", err)
		}
		if got != v&0x3 {
			t.Fatalf("ReadSWBits after WriteSWBits(%d) = %d", v, got)
		}
		paAfter, _, afAfter := m.Translate(ipa)
		if paAfter != paBefore || afAfter != afBefore {
			t.Fatalf("sw_bits write changed unrelated PTE fields: pa %x->%x af %v->%v", paBefore, paAfter, afBefore, afAfter)
		}
	}
}

func TestSplitBlockIsIdempotent(t *testing.T) {
	m := newTestDynamicMapper(t)
	const ipa = uint64(0x4000_0000)
	if err := m.MapRegion(ipa, 2<<20, AttrNormal); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if err := m.SplitBlock(ipa); err != nil {
		t.Fatalf("first SplitBlock: %v", err)
	}
	pa1, valid1, af1 := m.Translate(ipa)
	if err := m.SplitBlock(ipa); err != nil {
		t.Fatalf("second SplitBlock: %v", err)
	}
	pa2, valid2, af2 := m.Translate(ipa)
	if pa1 != pa2 || valid1 != valid2 || af1 != af2 {
		t.Fatal("SplitBlock is not idempotent")
	}

	// The whole block must still translate identically after the split.
	for off := uint64(0); off < 2<<20; off += pageGranule {
		pa, valid, _ := m.Translate(ipa + off)
		if !valid || pa != ipa+off {
			t.Fatalf("after split, offset 0x%x: pa=0x%x valid=%v", off, pa, valid)
		}
	}
}

func TestUnmapPageInvokesInvalidateExactlyOnce(t *testing.T) {
	m := newTestDynamicMapper(t)
	const ipa = uint64(0x4000_0000)
	if err := m.MapRegion(ipa, 2<<20, AttrNormal); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}

	var calls []uint64
	m.Invalidate = func(a uint64) { calls = append(calls, a) }

	if err := m.UnmapPage(ipa + 0x2000); err != nil {
		t.Fatalf("UnmapPage: %v", err)
	}
	if len(calls) != 1 || calls[0] != ipa+0x2000 {
		t.Fatalf("Invalidate calls = %v, want exactly one call with 0x%x", calls, ipa+0x2000)
	}
}

func TestMapRegionRejectsMisalignedArguments(t *testing.T) {
	m := newTestDynamicMapper(t)
	if err := m.MapRegion(0x4000_0001, 2<<20, AttrNormal); err == nil {
		t.Fatal("expected misaligned start IPA to be rejected")
	}
	if err := m.MapRegion(0x4000_0000, 0x1000, AttrNormal); err == nil {
		t.Fatal("expected non-2MB-aligned size to be rejected")
	}
}

func TestMapRegionSameArgsIsNoOp(t *testing.T) {
	m := newTestDynamicMapper(t)
	if err := m.MapRegion(0x4000_0000, 2<<20, AttrNormal); err != nil {
		t.Fatalf("first MapRegion: %v", err)
	}
	if err := m.MapRegion(0x4000_0000, 2<<20, AttrNormal); err != nil {
		t.Fatalf("identical re-MapRegion should be a no-op, got: %v", err)
	}
}

func TestMapRegionDifferentAttrOverlapErrors(t *testing.T) {
	m := newTestDynamicMapper(t)
	if err := m.MapRegion(0x4000_0000, 2<<20, AttrNormal); err != nil {
		t.Fatalf("first MapRegion: %v", err)
	}
	if err := m.MapRegion(0x4000_0000, 2<<20, AttrDevice); !errors.Is(err, ErrOverlappingMapping) {
		t.Fatalf("expected overlapping-mapping error, got %v", err)
	}
}

func TestStaticMapperHasNoHeapDependency(t *testing.T) {
	m, err := NewStaticMapper(Width40)
	if err != nil {
		t.Fatalf("NewStaticMapper: %v", err)
	}
	if err := m.MapRegion(0x4000_0000, 4<<20, AttrNormal); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if _, valid, af := m.Translate(0x4000_0000); !valid || !af {
		t.Fatalf("static mapper: valid=%v af=%v", valid, af)
	}
	if err := m.SplitBlock(0x4000_0000); err == nil {
		t.Fatal("expected split_2mb_block to be rejected on the static mapper")
	}
	if err := m.UnmapPage(0x4000_0000); err == nil {
		t.Fatal("expected unmap_4kb_page to be rejected on the static mapper")
	}
}

func TestVTCRAndVTTBREncoding(t *testing.T) {
	cfg := Config{Width: Width40, VMID: 7}
	vtcr := cfg.VTCR()
	if got := vtcr & 0x3F; got != 24 {
		t.Fatalf("T0SZ = %d, want 24 for a 40-bit IPA space", got)
	}
	if got := (vtcr >> 6) & 0x3; got != 2 {
		t.Fatalf("SL0 = %d, want 2 (start at L0) for a 40-bit IPA space", got)
	}

	vttbr := cfg.VTTBR(0x1234_5000)
	if got := vttbr >> 48; got != 7 {
		t.Fatalf("VTTBR VMID field = %d, want 7", got)
	}
}

func TestWidth48StartsAtL0(t *testing.T) {
	cfg := Config{Width: Width48, VMID: 0}
	if got := (cfg.VTCR() >> 6) & 0x3; got != 2 {
		t.Fatalf("SL0 = %d, want 2 (start at L0) for a 48-bit IPA space", got)
	}
}

func TestUnsupportedIPAWidthRejected(t *testing.T) {
	if _, err := NewDynamicMapper(IPAWidth(44), NewSliceMemory(1<<16)); err == nil {
		t.Fatal("expected unsupported IPA width to be rejected at construction")
	}
}
