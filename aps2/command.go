package aps2

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// APS2 command codes, the cmd field of a Command
const (
	CmdReset          = 0x0
	CmdUserIOAck      = 0x1
	CmdUserIONack     = 0x9
	CmdEPROMIO        = 0x2
	CmdChipConfigIO   = 0x3
	CmdRunChipConfig  = 0x4
	CmdFPGAConfigAck  = 0x5
	CmdFPGAConfigNack = 0xD
	CmdConfigList     = 0x6
	CmdStatus         = 0x7
)

// reset modes, the mode_stat field of a CmdReset
const (
	ResetReconfigBaselineEPROM = 0x0
	ResetReconfigUserEPROM     = 0x1
	ResetSoftResetHostUser     = 0x2
	ResetSoftResetUserOnly     = 0x3
)

const (
	// CommandBytes is the length of an encoded command word
	CommandBytes = 4

	// AddressBytes is the length of an encoded address
	AddressBytes = 4

	// MaxWordsPerCommand is the largest payload carried by one command record;
	// longer writes are split into several records
	MaxWordsPerCommand = 256

	recordHeader = CommandBytes + AddressBytes
)

var (
	// ErrShortPacket is generated when a packet ends inside a record
	ErrShortPacket = errors.New("packet truncated")

	// ErrNotWrite is generated by DecodeWrite for records which are not user writes
	ErrNotWrite = errors.New("record is not a user write")
)

// Command is the 32-bit APS2 command word
type Command struct {
	Ack      bool
	Seq      bool
	Sel      bool
	Read     bool
	Cmd      uint8 // 4 bits
	ModeStat uint8
	Cnt      uint16
}

// Pack returns the wire representation of c
func (c Command) Pack() uint32 {
	var w uint32
	w |= uint32(c.Cnt)
	w |= uint32(c.ModeStat) << 16
	w |= uint32(c.Cmd&0xF) << 24
	w |= b2u(c.Read) << 28
	w |= b2u(c.Sel) << 29
	w |= b2u(c.Seq) << 30
	w |= b2u(c.Ack) << 31
	return w
}

// UnpackCommand parses a command word
func UnpackCommand(w uint32) Command {
	return Command{
		Cnt:      uint16(w),
		ModeStat: uint8(w >> 16),
		Cmd:      uint8(w>>24) & 0xF,
		Read:     w&(1<<28) != 0,
		Sel:      w&(1<<29) != 0,
		Seq:      w&(1<<30) != 0,
		Ack:      w&(1<<31) != 0,
	}
}

// String prints the fields of c for diagnostics
func (c Command) String() string {
	return fmt.Sprintf("%08X = ACK: %d SEQ: %d SEL: %d R/W: %d CMD: %X MODE/STAT: %X cnt: %d",
		c.Pack(), b2u(c.Ack), b2u(c.Seq), b2u(c.Sel), b2u(c.Read), c.Cmd, c.ModeStat, c.Cnt)
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// ChipTarget selects the chip a chip-config command is routed to
type ChipTarget uint8

const (
	// TargetPause is the chip-config pause pseudo-target
	TargetPause ChipTarget = iota
	// TargetDAC0 is the first DAC chip
	TargetDAC0
	// TargetDAC1 is the second DAC chip
	TargetDAC1
	// TargetPLL is the clock distribution chip
	TargetPLL
	// TargetVCXO is the voltage controlled oscillator
	TargetVCXO
)

// String satisfies fmt.Stringer
func (t ChipTarget) String() string {
	switch t {
	case TargetPause:
		return "PAUSE"
	case TargetDAC0:
		return "DAC_0"
	case TargetDAC1:
		return "DAC_1"
	case TargetPLL:
		return "PLL"
	case TargetVCXO:
		return "VCXO"
	default:
		return fmt.Sprintf("ChipTarget(%d)", uint8(t))
	}
}

// ChipConfigCommand is the word that precedes SPI traffic in a CmdChipConfigIO
type ChipConfigCommand struct {
	Target     ChipTarget
	SPICntData uint8
	Instr      uint16
}

// Pack returns the wire representation of c
func (c ChipConfigCommand) Pack() uint32 {
	return uint32(c.Target)<<24 | uint32(c.SPICntData)<<16 | uint32(c.Instr)
}

// UnpackChipConfig parses a chip-config command word
func UnpackChipConfig(w uint32) ChipConfigCommand {
	return ChipConfigCommand{Target: ChipTarget(w >> 24), SPICntData: uint8(w >> 16), Instr: uint16(w)}
}

func (c ChipConfigCommand) String() string {
	return fmt.Sprintf("%08X = Target: %s SPICNT_DATA: %X INSTR: %X", c.Pack(), c.Target, c.SPICntData, c.Instr)
}

// PLLInstruction builds the 16 bit SPI instruction of the PLL chip:
// bit 15 read, bits 14:13 byte count - 1 (3 means streaming), bits 12:0 address
func PLLInstruction(read bool, addr uint16, n int) uint16 {
	cnt := uint16(n-1) & 0x3
	if n > 3 {
		cnt = 3
	}
	return uint16(b2u(read))<<15 | cnt<<13 | addr&0x1FFF
}

// DACInstruction builds the 8 bit SPI instruction of a DAC chip:
// bit 7 read, bits 6:5 byte count - 1, bits 4:0 address.  Callers put the
// DAC select in the address bits 6:5, which this function keeps.
func DACInstruction(read bool, addr uint16) uint16 {
	return uint16(b2u(read))<<7 | addr&0x7F
}

// CmdByteOffsets returns the offsets within a write packet of n words at
// which a command word begins.  Each command word is CommandBytes long.
func CmdByteOffsets(n int) []int {
	if n <= 0 {
		return nil
	}
	records := (n + MaxWordsPerCommand - 1) / MaxWordsPerCommand
	offsets := make([]int, records)
	for i := range offsets {
		offsets[i] = i * (recordHeader + 2*MaxWordsPerCommand)
	}
	return offsets
}

// RecordAddrs returns the address of each command record emitted for a
// write of n words starting at addr
func RecordAddrs(addr uint32, n int) []uint32 {
	out := make([]uint32, 0, len(CmdByteOffsets(n)))
	for i := 0; i < n; i += MaxWordsPerCommand {
		out = append(out, addr+uint32(i))
	}
	return out
}

// EncodeWrite formats a user write of data starting at addr.  Writes longer
// than MaxWordsPerCommand are emitted as consecutive records.
func EncodeWrite(addr uint32, data []uint16) []byte {
	buf := make([]byte, 0, len(CmdByteOffsets(len(data)))*recordHeader+2*len(data))
	for start := 0; start < len(data); start += MaxWordsPerCommand {
		stop := start + MaxWordsPerCommand
		if stop > len(data) {
			stop = len(data)
		}
		buf = appendRecord(buf, Command{Cmd: CmdUserIOAck, Cnt: uint16(stop - start)}, addr+uint32(start), data[start:stop])
	}
	return buf
}

// EncodeRead formats a request to read n words from addr
func EncodeRead(addr uint32, n int) []byte {
	return appendRecord(nil, Command{Cmd: CmdUserIOAck, Read: true, Cnt: uint16(n)}, addr, nil)
}

// EncodeCommand formats a bare command word
func EncodeCommand(c Command) []byte {
	buf := make([]byte, CommandBytes)
	binary.BigEndian.PutUint32(buf, c.Pack())
	return buf
}

func appendRecord(buf []byte, c Command, addr uint32, data []uint16) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], c.Pack())
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], addr)
	buf = append(buf, tmp[:]...)
	for _, w := range data {
		buf = append(buf, byte(w>>8), byte(w))
	}
	return buf
}

// Record is one decoded command record
type Record struct {
	Command Command
	Addr    uint32
	Data    []uint16
}

// DecodeRecords splits a packet into its command records.  Read requests
// carry no payload; every other record carries Cnt words.
func DecodeRecords(packet []byte) ([]Record, error) {
	var out []Record
	for len(packet) > 0 {
		if len(packet) < recordHeader {
			return out, ErrShortPacket
		}
		c := UnpackCommand(binary.BigEndian.Uint32(packet))
		addr := binary.BigEndian.Uint32(packet[CommandBytes:])
		packet = packet[recordHeader:]
		n := int(c.Cnt)
		if c.Read && !c.Ack {
			n = 0
		}
		if len(packet) < 2*n {
			return out, ErrShortPacket
		}
		data := make([]uint16, n)
		for i := range data {
			data[i] = binary.BigEndian.Uint16(packet[2*i:])
		}
		packet = packet[2*n:]
		out = append(out, Record{Command: c, Addr: addr, Data: data})
	}
	return out, nil
}

// DecodeWrite is the inverse of EncodeWrite.  The records must be user
// writes to contiguous addresses.
func DecodeWrite(packet []byte) (uint32, []uint16, error) {
	recs, err := DecodeRecords(packet)
	if err != nil {
		return 0, nil, err
	}
	if len(recs) == 0 {
		return 0, nil, ErrShortPacket
	}
	addr := recs[0].Addr
	var data []uint16
	for _, r := range recs {
		if r.Command.Cmd != CmdUserIOAck || r.Command.Read {
			return 0, nil, fmt.Errorf("%w: %s", ErrNotWrite, r.Command)
		}
		if r.Addr != addr+uint32(len(data)) {
			return 0, nil, fmt.Errorf("record at 0x%X does not follow 0x%X", r.Addr, addr+uint32(len(data)))
		}
		data = append(data, r.Data...)
	}
	return addr, data, nil
}
