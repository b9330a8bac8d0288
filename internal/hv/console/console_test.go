package console

import (
	"strings"
	"testing"
)

func TestWriteRendersPlainText(t *testing.T) {
	c := New(20, 4)
	defer c.Close()

	if _, err := c.Write([]byte("hello\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	snap := c.Snapshot()
	lines := strings.Split(snap, "\n")
	if len(lines) < 1 || lines[0] != "hello" {
		t.Fatalf("Snapshot first line = %q, want %q", lines[0], "hello")
	}
}

func TestCursorAdvancesWithOutput(t *testing.T) {
	c := New(20, 4)
	defer c.Close()

	x0, y0 := c.CursorPosition()
	if _, err := c.Write([]byte("ab")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	x1, y1 := c.CursorPosition()
	if x1 == x0 && y1 == y0 {
		t.Fatal("cursor position should advance after writing visible characters")
	}
}

func TestDefaultsAppliedForNonPositiveDimensions(t *testing.T) {
	c := New(0, 0)
	defer c.Close()
	if c.emu.Width() != DefaultCols || c.emu.Height() != DefaultRows {
		t.Fatalf("dimensions = %dx%d, want %dx%d", c.emu.Width(), c.emu.Height(), DefaultCols, DefaultRows)
	}
}

func TestRawSessionNoopWithoutTerminal(t *testing.T) {
	s, err := NewRawSession()
	if err != nil {
		t.Fatalf("NewRawSession: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
