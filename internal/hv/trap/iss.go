package trap

// WFxISS decodes the ISS of a WFI/WFE trap (EC 0x01): bit 0 (TI)
// selects which instruction trapped.
type WFxISS struct {
	IsWFI bool
}

// DecodeWFx extracts the WFx ISS fields.
func DecodeWFx(iss uint32) WFxISS {
	return WFxISS{IsWFI: iss&0x1 != 0}
}

// HVCISS decodes the ISS of an HVC trap (EC 0x16): a 16-bit immediate
// operand from the HVC #imm instruction.
type HVCISS struct {
	Immediate uint16
}

// DecodeHVC extracts the HVC immediate.
func DecodeHVC(iss uint32) HVCISS {
	return HVCISS{Immediate: uint16(iss & 0xFFFF)}
}

// SysRegISS decodes the ISS of a trapped MSR/MRS system-register access
// (EC 0x18): Op0/Op1/CRn/CRm/Op2 identify the register, Rt the general
// register, Direction whether the guest is reading (true) or writing
// (false) it. Field layout per the ESR_EL2 ISS encoding for EC=0x18.
type SysRegISS struct {
	Op0, Op1, Op2 uint8
	CRn, CRm      uint8
	Rt            uint8
	IsRead        bool
}

// DecodeSysReg extracts the trapped MSR/MRS ISS fields.
func DecodeSysReg(iss uint32) SysRegISS {
	return SysRegISS{
		Op0:    uint8((iss >> 20) & 0x3),
		Op2:    uint8((iss >> 17) & 0x7),
		Op1:    uint8((iss >> 14) & 0x7),
		CRn:    uint8((iss >> 10) & 0xF),
		Rt:     uint8((iss >> 5) & 0x1F),
		CRm:    uint8((iss >> 1) & 0xF),
		IsRead: iss&0x1 != 0,
	}
}
