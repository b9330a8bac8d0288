package gic

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/elh/internal/hv/boardcfg"
	"github.com/tinyrange/elh/internal/hv/vcpu"
)

func TestEncodeDecodeLR(t *testing.T) {
	v := EncodeLR(33, LRPending, true, 0xA0, true, 27)
	d := DecodeLR(v)
	if d.VINTID != 33 || d.State != LRPending || !d.Group || d.Priority != 0xA0 || !d.HW || d.PINTID != 27 {
		t.Fatalf("DecodeLR(EncodeLR(...)) = %+v", d)
	}
}

func TestInjectScheduledFillsFreeSlotsThenFails(t *testing.T) {
	arch := vcpu.NewArchState(0)
	for i := 0; i < 4; i++ {
		if !InjectScheduled(arch, uint32(32+i), false, 0) {
			t.Fatalf("InjectScheduled failed on slot %d, expected a free LR", i)
		}
	}
	if InjectScheduled(arch, 99, false, 0) {
		t.Fatal("InjectScheduled should fail once all 4 LRs are occupied")
	}
}

func TestDecodeSGI(t *testing.T) {
	// TargetList=0b0101, INTID=3, Aff1=0, IRM=0
	value := uint64(0x5) | (uint64(3) << sgiINTIDShift)
	sgi := DecodeSGI(value)
	if sgi.TargetList != 0x5 || sgi.INTID != 3 || sgi.IRM {
		t.Fatalf("DecodeSGI = %+v", sgi)
	}
}

func TestRouteSGITargetList(t *testing.T) {
	sgi := SGIWrite{TargetList: 0b0110, INTID: 1}
	targets := RouteSGI(0, sgi, 0xF, 4)
	if len(targets) != 2 || targets[0] != 1 || targets[1] != 2 {
		t.Fatalf("RouteSGI = %v", targets)
	}
}

func TestRouteSGIIRMExcludesSelf(t *testing.T) {
	sgi := SGIWrite{IRM: true, INTID: 1}
	targets := RouteSGI(0, sgi, 0x3, 2)
	if len(targets) != 1 || targets[0] != 1 {
		t.Fatalf("RouteSGI with IRM = %v", targets)
	}
}

func TestRouteSGIRejectsOuterAffinity(t *testing.T) {
	sgi := SGIWrite{TargetList: 0x1, Aff2: 1}
	if targets := RouteSGI(0, sgi, 0x1, 4); targets != nil {
		t.Fatalf("expected no targets for non-zero Aff2, got %v", targets)
	}
}

func TestDistributorIROUTERRouting(t *testing.T) {
	d := NewDistributor(4)
	buf := make([]byte, 8)
	buf[0] = 1 // Aff0 = vCPU 1
	if err := d.WriteMMIO(nil, boardcfg.GICDBase+offIROUTER, buf); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}
	if got := d.Route(32); got != 1 {
		t.Fatalf("Route(32) = %d, want 1", got)
	}
}

func TestDistributorIROUTERClampsOutOfRangeAff0(t *testing.T) {
	d := NewDistributor(2)
	buf := make([]byte, 8)
	buf[0] = 7 // no vCPU 7 on a 2-vCPU board
	if err := d.WriteMMIO(nil, boardcfg.GICDBase+offIROUTER, buf); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}
	if got := d.Route(32); got != 0 {
		t.Fatalf("Route(32) = %d, want 0 (clamped)", got)
	}
}

func readCTLR(t *testing.T, d *Distributor) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if err := d.ReadMMIO(nil, boardcfg.GICDBase+offCTLR, buf); err != nil {
		t.Fatalf("ReadMMIO CTLR: %v", err)
	}
	return binary.LittleEndian.Uint32(buf)
}

func TestDistributorCTLRStartsWithAREnsSet(t *testing.T) {
	d := NewDistributor(1)
	if ctlr := readCTLR(t, d); ctlr&ctlrAREns == 0 {
		t.Fatalf("CTLR = 0x%x, want ARE_NS (bit 4) set at construction", ctlr)
	}
}

func TestDistributorCTLRWritePreservesAREns(t *testing.T) {
	d := NewDistributor(1)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0) // guest tries to clear everything, including ARE_NS
	if err := d.WriteMMIO(nil, boardcfg.GICDBase+offCTLR, buf); err != nil {
		t.Fatalf("WriteMMIO CTLR: %v", err)
	}
	if ctlr := readCTLR(t, d); ctlr&ctlrAREns == 0 {
		t.Fatalf("CTLR = 0x%x after a guest write of 0, want ARE_NS still set", ctlr)
	}
}
