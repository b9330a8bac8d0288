package boardcfg

import "testing"

func TestParseBoardDefaults(t *testing.T) {
	b, err := ParseBoard([]byte("name: minimal\n"))
	if err != nil {
		t.Fatalf("ParseBoard: %v", err)
	}
	if b.VCPUs != DefaultVCPUs {
		t.Errorf("VCPUs = %d, want %d", b.VCPUs, DefaultVCPUs)
	}
	if b.Scheduling != SchedulingAffinity {
		t.Errorf("Scheduling = %s, want %s", b.Scheduling, SchedulingAffinity)
	}
	if b.IPAWidth != DefaultIPAWidth {
		t.Errorf("IPAWidth = %d, want %d", b.IPAWidth, DefaultIPAWidth)
	}
}

func TestParseBoardCooperativeDefault(t *testing.T) {
	b, err := ParseBoard([]byte("name: smp\nvcpus: 4\n"))
	if err != nil {
		t.Fatalf("ParseBoard: %v", err)
	}
	if b.Scheduling != SchedulingCooperative {
		t.Errorf("Scheduling = %s, want %s", b.Scheduling, SchedulingCooperative)
	}
}

func TestParseBoardRejectsTooManyVCPUs(t *testing.T) {
	_, err := ParseBoard([]byte("name: toobig\nvcpus: 9\nscheduling: cooperative\n"))
	if err == nil {
		t.Fatal("expected an error for vcpus=9")
	}
}

func TestParseBoardRejectsAffinityWithSMP(t *testing.T) {
	_, err := ParseBoard([]byte("name: bad\nvcpus: 2\nscheduling: affinity\n"))
	if err == nil {
		t.Fatal("expected an error for affinity scheduling with vcpus=2")
	}
}

func TestParseBoardAccepts48BitIPA(t *testing.T) {
	b, err := ParseBoard([]byte("name: wide\nipaWidth: 48\n"))
	if err != nil {
		t.Fatalf("ParseBoard: %v", err)
	}
	if b.IPAWidth != 48 {
		t.Errorf("IPAWidth = %d, want 48", b.IPAWidth)
	}
}

func TestParseBoardRejectsUnsupportedIPAWidth(t *testing.T) {
	_, err := ParseBoard([]byte("name: bad\nipaWidth: 36\n"))
	if err == nil {
		t.Fatal("expected an error for ipaWidth=36")
	}
}

func TestBoardLayout(t *testing.T) {
	b, err := ParseBoard([]byte("name: two\nvcpus: 2\nscheduling: cooperative\n"))
	if err != nil {
		t.Fatalf("ParseBoard: %v", err)
	}
	layout, err := b.Layout()
	if err != nil {
		t.Fatalf("Layout: %v", err)
	}
	if layout.RAMBase() != DefaultRAMBase {
		t.Errorf("RAMBase = 0x%x, want 0x%x", layout.RAMBase(), DefaultRAMBase)
	}
	if len(layout.Regions()) == 0 {
		t.Error("expected registered regions")
	}
}
