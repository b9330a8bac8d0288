// Package console renders the emulated PL011's TX byte stream through
// a VT100 state machine so a self-test scenario can assert on what the
// guest actually printed (cursor position, visible text), rather than
// just the raw byte stream. It also offers the teacher's cmd/cc
// raw-mode terminal passthrough (golang.org/x/term's MakeRaw/Restore,
// gated on term.IsTerminal, exactly as cmd/cc/main.go does it) for a
// human operator attached to a running scenario.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/x/vt"
	"golang.org/x/term"
)

const (
	DefaultCols = 80
	DefaultRows = 24
)

// Console feeds guest console output (the PL011's DR writes) through a
// VT100 emulator and exposes the resulting screen as plain text.
type Console struct {
	emu *vt.SafeEmulator
}

// New returns a Console with a cols x rows screen.
func New(cols, rows int) *Console {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return &Console{emu: vt.NewSafeEmulator(cols, rows)}
}

// Write implements io.Writer so a Console can be passed directly as a
// uart.Device's TX sink.
func (c *Console) Write(p []byte) (int, error) {
	if c == nil || c.emu == nil {
		return 0, io.EOF
	}
	return c.emu.Write(p)
}

// Close releases the underlying emulator.
func (c *Console) Close() error {
	if c == nil || c.emu == nil {
		return nil
	}
	return c.emu.Close()
}

// CursorPosition reports the emulator's current cursor cell.
func (c *Console) CursorPosition() (x, y int) {
	p := c.emu.CursorPosition()
	return p.X, p.Y
}

// Snapshot renders the visible screen as plain text, one line per row,
// trailing blank cells on each row trimmed, for use in scenario
// assertions ("the guest printed Hello, Z" rather than byte-exact
// escape sequences).
func (c *Console) Snapshot() string {
	var sb strings.Builder
	width := c.emu.Width()
	height := c.emu.Height()
	for y := 0; y < height; y++ {
		var line strings.Builder
		for x := 0; x < width; x++ {
			cell := c.emu.CellAt(x, y)
			if cell == nil || cell.Content == "" {
				line.WriteByte(' ')
				continue
			}
			line.WriteString(cell.Content)
		}
		sb.WriteString(strings.TrimRight(line.String(), " "))
		if y != height-1 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

// RawSession puts the host's stdin into raw passthrough mode for the
// duration of an interactive scenario attach, restoring it on Close.
// A no-terminal stdin (piped input, CI) makes NewRawSession a no-op, matching
// cmd/cc's term.IsTerminal gate.
type RawSession struct {
	fd       int
	oldState *term.State
}

// NewRawSession enables raw mode on stdin if it is an interactive
// terminal.
func NewRawSession() (*RawSession, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return &RawSession{fd: fd}, nil
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("console: enable raw mode: %w", err)
	}
	return &RawSession{fd: fd, oldState: old}, nil
}

// Close restores the terminal's prior mode, if raw mode was enabled.
func (s *RawSession) Close() error {
	if s == nil || s.oldState == nil {
		return nil
	}
	return term.Restore(s.fd, s.oldState)
}
