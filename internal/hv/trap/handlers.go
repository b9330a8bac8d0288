package trap

// Handlers are the injectable boundaries a Dispatcher calls into for
// every exception class that needs more than a fixed PC-advancement
// rule. None of these interfaces touch internal/arch directly — the
// caller that owns the scheduling loop supplies concrete
// implementations (internal/hv/psci, internal/hv/gic,
// internal/hv/mmio) and the Dispatcher's own classification logic
// stays exercisable without ever linking hardware, the same shape
// internal/hv/stage2's Mapper.Invalidate and internal/hv/vcpu's
// Backend use.

// ConsoleHandler serves HVC function ID 0 ("print a character") and
// the Jailhouse-style debug console carried in HVC immediate 0x4A48.
type ConsoleHandler interface {
	Putc(b byte)
	Getc() (b byte, ok bool)
}

// PSCIHandler serves an HVC whose function ID (x0) has bit 31 set
// (spec.md §4.2's "immediate 0 with bit 31 set is PSCI").
type PSCIHandler interface {
	HandlePSCI(vcpuID int, functionID uint64, args [3]uint64) (result uint64, err error)
}

// SMCHandler serves an SMC trap when an external proxy (FF-A) is
// enabled; handled reports whether functionID was recognized, per
// spec.md §4.2's "otherwise return SMC_UNKNOWN (-1)".
type SMCHandler interface {
	HandleSMC(vcpuID int, functionID uint64, args [3]uint64) (value uint64, handled bool)
}

// SysRegHandler serves a trapped MSR/MRS to one of the short list of
// Linux-required system registers (spec.md §4.2: MDSCR, OSLAR/OSLSR/
// OSDLR, PMU registers read-as-zero, ICC_SGI1R_EL1 routed to the SGI
// dispatcher).
type SysRegHandler interface {
	HandleSysReg(vcpuID int, reg SysRegISS, valueIn uint64) (valueOut uint64, err error)
}

// DataAbortHandler serves a Stage-2 data-abort trap: ipa is already
// recovered from HPFAR_EL2/FAR_EL2 by the Dispatcher.
type DataAbortHandler interface {
	HandleDataAbort(vcpuID int, ipa uint64, iss uint32) error
}

// TimerHandler injects a ready virtual timer interrupt on a WFx trap
// when more than one vCPU is online (spec.md §4.2).
type TimerHandler interface {
	InjectPendingVirtualTimer(vcpuID int)
}

// Handlers bundles every injectable handler a Dispatcher may call. A
// nil field means that exception class is unsupported in the current
// configuration; the Dispatcher reports the documented fallback
// (SMC_UNKNOWN, ErrUnknownHVC, or a fatal diagnostic) instead of
// panicking on a nil interface.
type Handlers struct {
	Console   ConsoleHandler
	PSCI      PSCIHandler
	SMC       SMCHandler
	SysReg    SysRegHandler
	DataAbort DataAbortHandler
	Timer     TimerHandler
}
