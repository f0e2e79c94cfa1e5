package aps2

import "fmt"

// firmware versions which select the memory map
const (
	VersionR5  = 0x5
	VersionELL = 0x10

	// VersionMask isolates the firmware version from the version register,
	// whose upper bits carry PLL status
	VersionMask = 0x1FF
)

// waveform and link-list limits
const (
	MaxWFLenSamples = 4092
	MaxWFAmpSamples = 8192
	WFModulus       = 4
	MaxWFOffset     = 0xFFF
	MaxLLLength     = 64
	MaxLLLengthELL  = 512
	ELLEntryLength  = 4
)

// bits of the PLL status register
const (
	PLLGlobalXORBit     = 15
	PLL02XORBit         = 14
	PLL13XORBit         = 13
	PLL02LockBit        = 12
	PLL13LockBit        = 11
	ReferencePLLLockBit = 10
)

// TRIGLED register masks
const (
	TrigLEDEnvSWTrig = 0x1
	TrigLEDPhsSWTrig = 0x2
	TrigLEDWfmTrig02 = 0x4
	TrigLEDWfmTrig13 = 0x8
	TrigLEDMode      = 0x10
	TrigLEDSWLED0    = 0x20
	TrigLEDSWLED1    = 0x40
)

// register offsets within the register file.  0x0-0x13 are fixed by the
// firmware; 0x14 and up are the APS2 additions.
const (
	OffCSR          = 0x0
	OffTrigLED      = 0x1
	OffEnvOff       = 0x2
	OffEnvSize      = 0x3
	OffPhsOff       = 0x4
	OffPhsSize      = 0x5
	OffVersion      = 0x6
	OffLLCtrl       = 0x7
	OffEnvLLACtrl   = 0x7
	OffEnvLLBCtrl   = 0x8
	OffEnvLLRepeat  = 0x9
	OffPhsLLACtrl   = 0xA
	OffPhsLLBCtrl   = 0xB
	OffPhsLLRepeat  = 0xC
	OffDataChecksum = 0xD
	OffAddrChecksum = 0xE
	OffDAC02Zero    = 0x10
	OffDAC13Zero    = 0x11
	OffDAC02TrigDly = 0x12
	OffDAC13TrigDly = 0x13
	OffPhaseA       = 0x14
	OffPhaseB       = 0x15
	OffTrigInterval = 0x16 // upper word; lower word at +1
	OffEnvLLCurAddr = 0x18
	OffPhsLLCurAddr = 0x19
	OffMiniLLStart  = 0x1A
	OffStatusCtrl   = 0x1B

	// RegisterFileSize is the number of addressable registers
	RegisterFileSize = 0x20
)

// link-list control register bits of the plain firmware, which shares one
// register between the pairs
const (
	LLSizeEnvShift = 0
	LLSizePhsShift = 8
	LLMskEnvEnable = 0x40
	LLMskEnvMode   = 0x80
	LLMskPhsEnable = 0x4000
	LLMskPhsMode   = 0x8000
	llSizeMask     = 0x3F
)

// Pair identifies one of the two DAC pairs. Channels 0 and 2 are on pair A
// (the "envelope" side of the firmware), 1 and 3 on pair B ("phase").
type Pair int

const (
	// PairA holds channels 0 and 2
	PairA Pair = iota
	// PairB holds channels 1 and 3
	PairB
)

// String satisfies fmt.Stringer
func (p Pair) String() string {
	if p == PairA {
		return "A"
	}
	return "B"
}

// PairOf returns the DAC pair that a channel belongs to
func PairOf(ch int) Pair {
	return Pair(ch % 2)
}

// CSRMasks holds the control/status register fields for each pair.  A zero
// mask means the firmware does not implement the field.
type CSRMasks struct {
	// SMRun releases the pair's sequencing state machine when set
	SMRun [2]uint32

	// PLLReset holds the pair's PLL in reset when set
	PLLReset [2]uint32

	// DDR enables the double data rate clock domain
	DDR [2]uint32

	// MemLock locks waveform memory (1 = locked)
	MemLock [2]uint32

	// TrigSrc selects the trigger source (1 = external, 0 = internal)
	TrigSrc [2]uint32

	// OutMode selects the output mode (1 = link list, 0 = waveform)
	OutMode [2]uint32

	// LLMode selects repeat mode (1 = one-shot, 0 = continuous)
	LLMode [2]uint32

	// LLStatus reports the active bank (1 = LL A, 0 = LL B)
	LLStatus [2]uint32
}

// Both returns the OR of the pair A and pair B masks in m
func Both(m [2]uint32) uint32 {
	return m[0] | m[1]
}

// MemoryMap is the address layout of one firmware family
type MemoryMap struct {
	// Name is a human readable label
	Name string

	// Version is the firmware version this map describes
	Version uint32

	// RegWrite and RegRead are the bases of the register file
	RegWrite, RegRead uint32

	// SyncRegRead is the base of the synchronously sampled register file,
	// from which PLL status and phases are read
	SyncRegRead uint32

	// WFWrite is the base of each pair's waveform memory
	WFWrite [2]uint32

	// LLWrite is the base of each pair's on-board link-list memory (bank A
	// on extended firmware, the offset table on plain)
	LLWrite [2]uint32

	// LLBankB is the base of the second link-list bank of extended
	// firmware; zero on plain
	LLBankB [2]uint32

	// LLCount is the base of each pair's count table on plain firmware;
	// zero on extended
	LLCount [2]uint32

	// LLCapacity is the number of entries the board's link-list memory holds
	LLCapacity int

	// EntryWords is the number of 16-bit words one link-list entry
	// occupies in LLWrite
	EntryWords int

	// SharedLLCtrl is true when both pairs' link-list lengths share
	// OffLLCtrl, packed at LLSizeEnvShift and LLSizePhsShift
	SharedLLCtrl bool

	CSR CSRMasks
}

// PlainMap is the layout of version 5 firmware
var PlainMap = MemoryMap{
	Name:         "plain",
	Version:      VersionR5,
	RegWrite:     0x0000,
	RegRead:      0x1000,
	SyncRegRead:  0x1000,
	WFWrite:      [2]uint32{0x2000, 0x4000},
	LLWrite:      [2]uint32{0xA000, 0xC000},
	LLCount:      [2]uint32{0xB000, 0xD000},
	LLCapacity:   MaxLLLength,
	EntryWords:   1,
	SharedLLCtrl: true,
	CSR: CSRMasks{
		SMRun:   [2]uint32{0x4, 0x80},
		MemLock: [2]uint32{0x8, 0x100},
		TrigSrc: [2]uint32{0x10, 0x200},
	},
}

// ELLMap is the layout of extended link-list firmware, which the APS2 ships with
var ELLMap = MemoryMap{
	Name:        "ELL",
	Version:     VersionELL,
	RegWrite:    0x0000,
	RegRead:     0x8000,
	SyncRegRead: 0xF000,
	WFWrite:     [2]uint32{0x1000, 0x4000},
	LLWrite:     [2]uint32{0x3000, 0x6000},
	LLBankB:     [2]uint32{0x3800, 0x6800},
	LLCapacity:  MaxLLLengthELL,
	EntryWords:  ELLEntryLength,
	CSR: CSRMasks{
		SMRun:    [2]uint32{0x1, 0x100},
		PLLReset: [2]uint32{0x2, 0x200},
		DDR:      [2]uint32{0x4, 0x400},
		MemLock:  [2]uint32{0x8, 0x800},
		TrigSrc:  [2]uint32{0x10, 0x1000},
		OutMode:  [2]uint32{0x20, 0x2000},
		LLMode:   [2]uint32{0x40, 0x4000},
		LLStatus: [2]uint32{0x80, 0x8000},
	},
}

// VersionAddr is the address the firmware version is read from before
// the memory map is known
const VersionAddr = 0x8006

// MapForVersion selects the memory map for a firmware version.  The version
// is masked with VersionMask first.
func MapForVersion(v uint32) (MemoryMap, error) {
	v &= VersionMask
	switch {
	case v >= VersionELL:
		return ELLMap, nil
	case v == VersionR5:
		return PlainMap, nil
	default:
		return MemoryMap{}, fmt.Errorf("firmware version 0x%X has no known memory map: %w", v, ErrInvalidConfiguration)
	}
}

// Reg returns the write address of a register
func (m MemoryMap) Reg(off uint32) uint32 { return m.RegWrite + off }

// RegR returns the read address of a register
func (m MemoryMap) RegR(off uint32) uint32 { return m.RegRead + off }

// SyncR returns the synchronous read address of a register
func (m MemoryMap) SyncR(off uint32) uint32 { return m.SyncRegRead + off }

// PLLStatusAddr is where lock and XOR bits are read from
func (m MemoryMap) PLLStatusAddr() uint32 { return m.SyncR(OffVersion) }

// WFLengthReg returns the waveform length register of a pair
func (m MemoryMap) WFLengthReg(p Pair) uint32 {
	if p == PairA {
		return m.Reg(OffEnvSize)
	}
	return m.Reg(OffPhsSize)
}

// WFOffsetReg returns the waveform start offset register of a pair
func (m MemoryMap) WFOffsetReg(p Pair) uint32 {
	if p == PairA {
		return m.Reg(OffEnvOff)
	}
	return m.Reg(OffPhsOff)
}

// LLLengthReg returns the link-list length register of a pair
func (m MemoryMap) LLLengthReg(p Pair) uint32 {
	switch {
	case m.SharedLLCtrl:
		return m.Reg(OffLLCtrl)
	case p == PairA:
		return m.Reg(OffEnvLLACtrl)
	default:
		return m.Reg(OffPhsLLACtrl)
	}
}

// LLRepeatReg returns the link-list repeat register of a pair
func (m MemoryMap) LLRepeatReg(p Pair) uint32 {
	if p == PairA {
		return m.Reg(OffEnvLLRepeat)
	}
	return m.Reg(OffPhsLLRepeat)
}

// ZeroReg returns the zero offset register of a pair
func (m MemoryMap) ZeroReg(p Pair) uint32 {
	if p == PairA {
		return m.Reg(OffDAC02Zero)
	}
	return m.Reg(OffDAC13Zero)
}

// TrigDelayReg returns the trigger delay register of a pair
func (m MemoryMap) TrigDelayReg(p Pair) uint32 {
	if p == PairA {
		return m.Reg(OffDAC02TrigDly)
	}
	return m.Reg(OffDAC13TrigDly)
}

// PhaseReg returns the synchronous phase register of a pair
func (m MemoryMap) PhaseReg(p Pair) uint32 {
	if p == PairA {
		return m.SyncR(OffPhaseA)
	}
	return m.SyncR(OffPhaseB)
}

// LLCurAddrReg returns the currently playing link-list address register of a pair
func (m MemoryMap) LLCurAddrReg(p Pair) uint32 {
	if p == PairA {
		return m.RegR(OffEnvLLCurAddr)
	}
	return m.RegR(OffPhsLLCurAddr)
}
