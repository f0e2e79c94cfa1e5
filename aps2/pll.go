package aps2

import (
	"fmt"

	"github.com/golang/glog"

	"github.jpl.nasa.gov/bdube/apsctl/util"
)

// SPI addresses of the PLL chip
const (
	PLLCyclesAddr  = 0x190
	PLLBypassAddr  = 0x191
	PLLDAC0Enable  = 0xF0
	PLLDAC1Enable  = 0xF1
	PLLUpdateAddr  = 0x232
	pllCalibrate   = 0x18
	pllOutDisable  = 0x2
	pllOutEnable   = 0x0
	pllUpdateValue = 0x1
)

// SPIWrite is one address/data pair of a chip programming routine
type SPIWrite struct {
	Addr uint16
	Data byte
}

// two 1.2 GHz outputs and one 300 MHz output from a 125 MHz reference
var pllSetupRoutine = []SPIWrite{
	{0x0, 0x99},  // SDO, long instruction mode
	{0x10, 0x7C}, // enable PLL, charge pump 4.8 mA
	{0x11, 0x5},  // R = 5, 125 MHz reference to 25 MHz
	{0x14, 0x06}, // B = 6
	{0x16, 0x5},  // P = 16, N = P*B = 96
	{0x17, 0x4},  // N divider on STATUS
	{0x18, 0x60}, // VCO calibration divider 2, lock detect count 255
	{0x1A, 0x2D}, // PLL lock on LOCK
	{0x1C, 0x7},  // differential reference
	{0xF0, 0x00}, // OUT0-OUT5 enabled, 400 mV
	{0xF1, 0x00},
	{0xF2, 0x00},
	{0xF3, 0x00},
	{0xF4, 0x00},
	{0xF5, 0x00},
	{0x190, 0x00}, // no division on channel 0
	{0x191, 0x80}, // bypass channel 0 divider
	{0x193, 0x11}, // 1.2 GHz / 4 = 300 MHz reference
	{0x196, 0x00}, // no division on channel 2
	{0x197, 0x80}, // bypass channel 2 divider
	{0x1E0, 0x0},  // VCO post divide 2
	{0x1E1, 0x2},  // VCO drives the VCO divider
}

// calibrating the VCO needs a rising edge on the calibrate bit, each write
// latched by an update
var pllCalibrateRoutine = []SPIWrite{
	{PLLUpdateAddr, pllUpdateValue},
	{pllCalibrate, 0x71},
	{PLLUpdateAddr, pllUpdateValue},
	{pllCalibrate, 0x70},
	{PLLUpdateAddr, pllUpdateValue},
}

// VCXO register images, most significant byte first
var (
	vcxoReg00 = []byte{0x8, 0x60, 0x0, 0x4}
	vcxoReg01 = []byte{0x64, 0x91, 0x0, 0x61}
)

// pllDividers maps a sample rate in MHz to the channel 0 divider and bypass values
var pllDividers = map[int][2]byte{
	200:  {0x22, 0x00},
	300:  {0x11, 0x00},
	600:  {0x00, 0x00},
	1200: {0x00, 0x80},
}

// SampleRates lists the rates in MHz SetSampleRate accepts
var SampleRates = []int{200, 300, 600, 1200}

func (d *Device) writeSPIRoutine(target ChipTarget, routine []SPIWrite) error {
	for _, w := range routine {
		if err := d.writeSPI(target, w.Addr, w.Data); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) writeSPI(target ChipTarget, addr uint16, data ...byte) error {
	glog.V(2).Infof("SPI write %s 0x%03X = %X", target, addr, data)
	return transportErr("WriteSPI", uint32(addr), d.t.WriteSPI(target, addr, data))
}

func (d *Device) readSPI(target ChipTarget, addr uint16) (byte, error) {
	b, err := d.t.ReadSPI(target, addr)
	return b, transportErr("ReadSPI", uint32(addr), err)
}

func (d *Device) requireMask(name string, mask uint32) error {
	if mask == 0 {
		return fmt.Errorf("%s firmware has no %s control: %w", d.mm.Name, name, ErrInvalidConfiguration)
	}
	return nil
}

// disableDataClocks clears DDR and the DAC FIFOs ahead of reprogramming clocks
func (d *Device) disableDataClocks() error {
	ddr := Both(d.mm.CSR.DDR)
	if err := d.requireMask("DDR", ddr); err != nil {
		return err
	}
	if err := d.csr.Clear(ddr); err != nil {
		return err
	}
	for dac := 0; dac < NumChannels; dac++ {
		if err := d.disableDACFIFO(dac); err != nil {
			return err
		}
	}
	return nil
}

// SetupPLL programs the PLL to its default state and leaves the board at 1200 MHz
func (d *Device) SetupPLL() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	glog.Info("setting up PLL")
	if err := d.disableDataClocks(); err != nil {
		return err
	}
	if err := d.writeSPIRoutine(TargetPLL, pllSetupRoutine); err != nil {
		return err
	}
	if err := d.writeSPIRoutine(TargetPLL, pllCalibrateRoutine); err != nil {
		return err
	}
	if err := d.enableOscillator(); err != nil {
		return err
	}
	if err := d.csr.Set(Both(d.mm.CSR.DDR)); err != nil {
		return err
	}
	d.sampleRate = 1200
	return nil
}

// SetPLLFreq reprograms the PLL divider for a sample rate of freq MHz
// without resynchronizing.  Prefer SetSampleRate.
func (d *Device) SetPLLFreq(freq int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	return d.setPLLFreq(freq)
}

func (d *Device) setPLLFreq(freq int) error {
	div, ok := pllDividers[freq]
	if !ok {
		return fmt.Errorf("sample rate %d MHz, must be one of %v: %w", freq, SampleRates, ErrInvalidConfiguration)
	}
	glog.V(1).Infof("setting PLL cycles 0x%02X bypass 0x%02X for %d MHz", div[0], div[1], freq)
	if err := d.disableDataClocks(); err != nil {
		return err
	}
	if err := d.disableOscillator(); err != nil {
		return err
	}
	routine := append([]SPIWrite{{PLLCyclesAddr, div[0]}, {PLLBypassAddr, div[1]}}, pllCalibrateRoutine[1:]...)
	if err := d.writeSPIRoutine(TargetPLL, routine); err != nil {
		return err
	}
	if err := d.enableOscillator(); err != nil {
		return err
	}
	if err := d.csr.Set(Both(d.mm.CSR.DDR)); err != nil {
		return err
	}
	d.sampleRate = freq
	return nil
}

// PLLFreq reads the sample rate in MHz back from the PLL divider
func (d *Device) PLLFreq() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return 0, err
	}
	return d.pllFreq()
}

func (d *Device) pllFreq() (int, error) {
	cycles, err := d.readSPI(TargetPLL, PLLCyclesAddr)
	if err != nil {
		return 0, err
	}
	bypass, err := d.readSPI(TargetPLL, PLLBypassAddr)
	if err != nil {
		return 0, err
	}
	if bypass == 0x80 && cycles == 0x00 {
		return 1200, nil
	}
	switch cycles {
	case 0xEE:
		return 40, nil
	case 0xBB:
		return 50, nil
	case 0x55:
		return 100, nil
	case 0x22:
		return 200, nil
	case 0x11:
		return 300, nil
	case 0x00:
		return 600, nil
	default:
		return 0, fmt.Errorf("PLL cycles 0x%02X bypass 0x%02X: %w", cycles, bypass, ErrInvalidConfiguration)
	}
}

// SetupVCXO writes the standard VCXO configuration with the oscillator disabled
func (d *Device) SetupVCXO() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	glog.Info("setting up VCXO")
	if err := d.disableOscillator(); err != nil {
		return err
	}
	if err := d.writeSPI(TargetVCXO, 0, vcxoReg00...); err != nil {
		return err
	}
	return d.writeSPI(TargetVCXO, 0, vcxoReg01...)
}

// PLLLocked reports if both DAC pair PLLs and the reference PLL are locked
func (d *Device) PLLLocked() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return false, err
	}
	return d.pllLocked()
}

var lockBits = []uint{PLL02LockBit, PLL13LockBit, ReferencePLLLockBit}

func (d *Device) pllLocked() (bool, error) {
	return d.pllStatus(lockBits...)
}

// pllStatus is true if every listed bit of the PLL status register is set
func (d *Device) pllStatus(bits ...uint) (bool, error) {
	v, err := d.readReg(d.mm.PLLStatusAddr())
	if err != nil {
		return false, err
	}
	for _, b := range bits {
		if !util.GetBit(v, b) {
			glog.V(2).Infof("PLL status 0x%04X: bit %d clear", v, b)
			return false, nil
		}
	}
	return true, nil
}

// ResetStatusCtrl enables the oscillator through the status control register
func (d *Device) ResetStatusCtrl() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	return d.enableOscillator()
}

// ClearStatusCtrl disables the oscillator through the status control register
func (d *Device) ClearStatusCtrl() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	return d.disableOscillator()
}

func (d *Device) enableOscillator() error  { return d.setStatusCtrl(1) }
func (d *Device) disableOscillator() error { return d.setStatusCtrl(0) }

func (d *Device) setStatusCtrl(v uint32) error {
	if err := d.writeReg(d.mm.Reg(OffStatusCtrl), v); err != nil {
		return err
	}
	got, err := d.readReg(d.mm.RegR(OffStatusCtrl))
	if err != nil {
		return err
	}
	if got&1 != v {
		return fmt.Errorf("status control reads %d after writing %d: %w", got, v, ErrInvalidConfiguration)
	}
	return nil
}
