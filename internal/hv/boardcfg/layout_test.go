package boardcfg

import "testing"

func TestNewBoardLayoutNoOverlap(t *testing.T) {
	l, err := NewBoardLayout(0x4000_0000, 0x4000_0000, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	regions := l.Regions()
	// ram + gicd + 4 gicr + uart + blk + net
	if want := 1 + 1 + 4 + 1 + 1 + 1; len(regions) != want {
		t.Fatalf("got %d regions, want %d", len(regions), want)
	}
}

func TestMemoryLayoutRejectsOverlap(t *testing.T) {
	l := NewMemoryLayout(0x4000_0000, 0x1000)
	if err := l.Register("x", 0x4000_0000, 0x100); err == nil {
		t.Fatal("expected overlap with RAM to be rejected")
	}
	if err := l.Register("y", 0x5000_0000, 0x1000); err != nil {
		t.Fatalf("unexpected error registering disjoint region: %v", err)
	}
	if err := l.Register("z", 0x5000_0500, 0x10); err == nil {
		t.Fatal("expected overlap with previously registered region to be rejected")
	}
}

func TestMemoryLayoutRejectsZeroSize(t *testing.T) {
	l := NewMemoryLayout(0x4000_0000, 0x1000)
	if err := l.Register("x", 0x5000_0000, 0); err == nil {
		t.Fatal("expected zero-size region to be rejected")
	}
}

func TestGICRBaseForIsContiguous(t *testing.T) {
	if got, want := GICRBaseFor(0), GICRBase; got != want {
		t.Fatalf("GICRBaseFor(0) = 0x%x, want 0x%x", got, want)
	}
	if got, want := GICRBaseFor(1), GICRBase+GICRFrame; got != want {
		t.Fatalf("GICRBaseFor(1) = 0x%x, want 0x%x", got, want)
	}
}

func TestVirtioMMIOBaseForSPI(t *testing.T) {
	base, spi := VirtioMMIOBaseFor(0)
	if base != VirtioMMIOBase || spi != 48 {
		t.Fatalf("slot 0: base=0x%x spi=%d, want base=0x%x spi=48", base, spi, VirtioMMIOBase)
	}
	base, spi = VirtioMMIOBaseFor(1)
	if base != VirtioMMIOBase+VirtioMMIOSlot || spi != 49 {
		t.Fatalf("slot 1: base=0x%x spi=%d", base, spi)
	}
}
