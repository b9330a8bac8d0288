package diag

import (
	"fmt"
	"io"
)

// FaultRegisters is the register snapshot a fatal diagnostic dumps
// (spec.md §7: "a one-line summary plus hex dumps of ESR_EL2, FAR_EL2,
// HPFAR_EL2, ELR_EL2").
type FaultRegisters struct {
	ESR   uint64
	FAR   uint64
	HPFAR uint64
	ELR   uint64
}

// Fatal writes a one-line summary followed by a hex dump of regs to w
// — the physical UART, reached directly rather than through Stage-2,
// since the trap that triggers this may itself be a Stage-2 fault and
// the guest's own device model cannot be trusted to still work
// (spec.md §7's "diagnostics are emitted via the physical UART
// directly, bypassing Stage-2"). w's Write errors are ignored: there
// is nothing further this core can do if even the physical UART
// write fails during a fatal unwind.
func Fatal(w io.Writer, vcpuID int, summary string, regs FaultRegisters) {
	fmt.Fprintf(w, "hv: fatal trap on vcpu %d: %s\r\n", vcpuID, summary)
	fmt.Fprintf(w, "  esr_el2=0x%016x far_el2=0x%016x\r\n", regs.ESR, regs.FAR)
	fmt.Fprintf(w, "  hpfar_el2=0x%016x elr_el2=0x%016x\r\n", regs.HPFAR, regs.ELR)
}
