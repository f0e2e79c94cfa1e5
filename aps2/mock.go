package aps2

import (
	"errors"
	"math"
	"sync"
)

// ErrMockClosed is returned by a MockBoard which is not connected
var ErrMockClosed = errors.New("mock board is not connected")

// SPITransfer is one byte written to a chip by a MockBoard's SPI bus
type SPITransfer struct {
	Target ChipTarget
	Addr   uint16
	Data   byte
}

// MockBoard is an in-memory APS2 implementing Transport.  It models the
// register file, waveform and link-list memory, the checksum registers, and
// enough of the PLL and DAC chips to run synchronization and calibration.
// Exported fields may be changed between calls while holding the lock.
type MockBoard struct {
	sync.Mutex

	// Version is the firmware version reported by the version register
	Version uint32

	// BootVersion, if nonzero, replaces Version when an image is selected
	BootVersion uint32

	// Phase is the phase of each pair relative to the reference, in degrees
	Phase [2]float64

	// XORHigh is how many of every XORWindow status reads see the global XOR bit high
	XORHigh   int
	XORWindow int

	// Unlocked clears the lock bits of the PLL status register
	Unlocked bool

	// OnPLLReset is called with the lock held when a CSR write raises PLL reset bits
	OnPLLReset func(m *MockBoard, mask uint32)

	// DACSetupEdge and DACHoldEdge are the delays at which each DAC
	// stops seeing valid data
	DACSetupEdge [NumChannels]int
	DACHoldEdge  [NumChannels]int

	// Fail, if not nil, is returned by every transport call
	Fail error

	// Status is replied to resets
	Status StatusRegisters

	Regs   [RegisterFileSize]uint32
	Memory map[uint32]uint16
	SPI    map[ChipTarget]map[uint16]byte
	SPILog []SPITransfer

	// Bitfile holds the bytes written by ProgramFPGA
	Bitfile []byte

	// counters
	PLLResets, Resets, Connects, Disconnects, Packets, Dropped int

	connected   bool
	statusReads int
	addrSum     uint16
	dataSum     uint16
}

// NewMockBoard returns a locked, in-phase board with extended firmware
// running at 1200 MHz
func NewMockBoard() *MockBoard {
	m := &MockBoard{
		Version:   VersionELL,
		XORWindow: 20,
		Memory:    make(map[uint32]uint16),
		SPI:       make(map[ChipTarget]map[uint16]byte),
	}
	for i := range m.DACSetupEdge {
		m.DACSetupEdge[i] = 6
		m.DACHoldEdge[i] = 10
	}
	m.setSPI(TargetPLL, PLLCyclesAddr, 0x00)
	m.setSPI(TargetPLL, PLLBypassAddr, 0x80)
	return m
}

func (m *MockBoard) memoryMap() MemoryMap {
	mm, err := MapForVersion(m.Version)
	if err != nil {
		return ELLMap
	}
	return mm
}

func (m *MockBoard) check() error {
	if m.Fail != nil {
		return m.Fail
	}
	if !m.connected {
		return ErrMockClosed
	}
	return nil
}

// Connect opens the board
func (m *MockBoard) Connect() error {
	m.Lock()
	defer m.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.connected = true
	m.Connects++
	return nil
}

// Disconnect closes the board
func (m *MockBoard) Disconnect() error {
	m.Lock()
	defer m.Unlock()
	m.connected = false
	m.Disconnects++
	return nil
}

// Connected reports if the board is open
func (m *MockBoard) Connected() bool {
	m.Lock()
	defer m.Unlock()
	return m.connected
}

// WriteRegister writes one word.  Checksums are not affected.
func (m *MockBoard) WriteRegister(addr, value uint32) error {
	m.Lock()
	defer m.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.write(addr, value)
	return nil
}

func (m *MockBoard) write(addr, value uint32) {
	mm := m.memoryMap()
	if addr >= mm.RegWrite && addr < mm.RegWrite+RegisterFileSize {
		m.writeReg(addr-mm.RegWrite, value)
		return
	}
	m.Memory[addr] = uint16(value)
}

func (m *MockBoard) writeReg(off, value uint32) {
	switch off {
	case OffDataChecksum:
		if value == 0 {
			m.dataSum = 0
		}
		return
	case OffAddrChecksum:
		if value == 0 {
			m.addrSum = 0
		}
		return
	case OffStatusCtrl:
		value &= 1
	case OffCSR:
		reset := Both(m.memoryMap().CSR.PLLReset)
		if rising := value &^ m.Regs[OffCSR] & reset; rising != 0 {
			m.PLLResets++
			if m.OnPLLReset != nil {
				m.OnPLLReset(m, rising)
			}
		}
	}
	m.Regs[off] = value
}

// ReadRegister reads one word
func (m *MockBoard) ReadRegister(addr uint32) (uint32, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	mm := m.memoryMap()
	switch {
	case addr == mm.PLLStatusAddr():
		v := m.statusWord()
		m.statusReads++
		return v, nil
	case addr == VersionAddr:
		return m.statusWord(), nil
	case addr == mm.PhaseReg(PairA):
		return phaseRaw(m.Phase[0]), nil
	case addr == mm.PhaseReg(PairB):
		return phaseRaw(m.Phase[1]), nil
	case addr == mm.RegR(OffAddrChecksum):
		return uint32(m.addrSum), nil
	case addr == mm.RegR(OffDataChecksum):
		return uint32(m.dataSum), nil
	case addr >= mm.RegRead && addr < mm.RegRead+RegisterFileSize:
		return m.Regs[addr-mm.RegRead], nil
	default:
		return uint32(m.Memory[addr]), nil
	}
}

func (m *MockBoard) statusWord() uint32 {
	v := m.Version & VersionMask
	if !m.Unlocked {
		v |= 1<<PLL02LockBit | 1<<PLL13LockBit | 1<<ReferencePLLLockBit
	}
	if m.XORWindow > 0 && m.statusReads%m.XORWindow < m.XORHigh {
		v |= 1 << PLLGlobalXORBit
	}
	return v
}

func phaseRaw(deg float64) uint32 {
	raw := int(math.Round(deg * 256 / 180))
	if raw < 0 {
		raw += 512
	}
	return uint32(raw) & 0x1FF
}

// WriteBlock applies a packet of user writes.  As on the board, a packet
// holding anything but plain writes to the 16 bit address space is dropped
// whole and leaves the checksums untouched.
func (m *MockBoard) WriteBlock(packet []byte, offsets []int) (int, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	m.Packets++
	recs, err := DecodeRecords(packet)
	if err != nil {
		m.Dropped++
		return len(packet), nil
	}
	for _, r := range recs {
		c := r.Command
		if c.Cmd != CmdUserIOAck || c.Ack || c.Seq || c.Sel || c.Read || c.ModeStat != 0 ||
			c.Cnt == 0 || r.Addr > 0xFFFF {
			m.Dropped++
			return len(packet), nil
		}
	}
	for _, r := range recs {
		m.addrSum += uint16(r.Addr)
		for i, w := range r.Data {
			m.dataSum += w
			m.write(r.Addr+uint32(i), uint32(w))
		}
	}
	return len(packet), nil
}

func (m *MockBoard) setSPI(target ChipTarget, addr uint16, b byte) {
	regs, ok := m.SPI[target]
	if !ok {
		regs = make(map[uint16]byte)
		m.SPI[target] = regs
	}
	regs[addr] = b
}

// WriteSPI writes consecutive chip registers
func (m *MockBoard) WriteSPI(target ChipTarget, addr uint16, data []byte) error {
	m.Lock()
	defer m.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for i, b := range data {
		a := addr + uint16(i)
		m.SPILog = append(m.SPILog, SPITransfer{Target: target, Addr: a, Data: b})
		m.setSPI(target, a, b)
	}
	return nil
}

// ReadSPI reads a chip register.  The DAC sample delay register reports
// data valid in bit 0 according to DACSetupEdge and DACHoldEdge.
func (m *MockBoard) ReadSPI(target ChipTarget, addr uint16) (byte, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	v := m.SPI[target][addr]
	if (target == TargetDAC0 || target == TargetDAC1) && addr&0x1F == dacSDReg {
		dac := int(addr>>5) & 0x3
		msd := m.SPI[target][dacReg(dac, dacMSDMHDReg)]
		setup, hold := int(msd>>4), int(msd&0xF)
		v &^= 1
		if setup < m.DACSetupEdge[dac] && hold < m.DACHoldEdge[dac] {
			v |= 1
		}
	}
	return v, nil
}

// SPIReg returns the last byte written to a chip register
func (m *MockBoard) SPIReg(target ChipTarget, addr uint16) byte {
	m.Lock()
	defer m.Unlock()
	return m.SPI[target][addr]
}

// ProgramFPGA stores the bitfile
func (m *MockBoard) ProgramFPGA(bitfile []byte) (int, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	m.Bitfile = append([]byte(nil), bitfile...)
	return len(bitfile), nil
}

// SelectFPGAImage boots the stored bitfile
func (m *MockBoard) SelectFPGAImage() error {
	m.Lock()
	defer m.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if m.BootVersion != 0 {
		m.Version = m.BootVersion
	}
	return nil
}

// SendCommand answers resets with the status registers
func (m *MockBoard) SendCommand(c Command) ([]uint32, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	if c.Cmd != CmdReset {
		return nil, nil
	}
	m.Resets++
	st := m.Status
	st.UserFirmwareVersion = m.Version
	return st.Words(), nil
}

// Words returns n words of memory starting at addr
func (m *MockBoard) Words(addr uint32, n int) []uint16 {
	m.Lock()
	defer m.Unlock()
	out := make([]uint16, n)
	for i := range out {
		out[i] = m.Memory[addr+uint32(i)]
	}
	return out
}

// Reg returns a register of the register file
func (m *MockBoard) Reg(off uint32) uint32 {
	m.Lock()
	defer m.Unlock()
	return m.Regs[off]
}

// Checksums returns the board's address and data checksums
func (m *MockBoard) Checksums() Checksum {
	m.Lock()
	defer m.Unlock()
	return Checksum{Address: m.addrSum, Data: m.dataSum}
}
