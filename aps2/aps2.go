/*Package aps2 controls the BBN APS2 arbitrary waveform generator.

A Device drives one board through a Transport, which carries register
reads, block writes, SPI traffic to the PLL, VCXO, and DAC chips, and FPGA
programming.  The comm package provides the network, serial, and USB
transports; MockBoard is an in-memory board for tests and dry runs.

Four logical channels are grouped into two DAC pairs which share a
waveform memory, link-list memory, and state machine.  Channels 0 and 2
are pair A and channels 1 and 3 pair B.

Link lists longer than the board's link-list memory are kept in software.
WriteLLRange places any window of such a list into memory, wrapping at the
end, so a caller may refill the board as the sequencer advances by polling
LLAddr.
*/
package aps2

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// NumChannels is the number of logical output channels
const NumChannels = 4

// ErrBitfileVersion is generated when the version register never reports
// the expected value after programming a bitfile
var ErrBitfileVersion = errors.New("bitfile version mismatch after programming")

// Transport moves commands to and from the board.  The Device shares but
// does not own its Transport.
type Transport interface {
	RegisterAccessor
	BlockWriter

	// Connect opens the link to the board
	Connect() error

	// Disconnect closes the link to the board
	Disconnect() error

	// WriteSPI writes data to a chip register over the board's SPI bus
	WriteSPI(target ChipTarget, addr uint16, data []byte) error

	// ReadSPI reads one byte from a chip register
	ReadSPI(target ChipTarget, addr uint16) (byte, error)

	// ProgramFPGA writes a bitfile image and returns the number of bytes programmed
	ProgramFPGA(bitfile []byte) (int, error)

	// SelectFPGAImage boots the FPGA from the image written by ProgramFPGA
	SelectFPGAImage() error

	// SendCommand sends a bare command word and returns the words of the reply
	SendCommand(c Command) ([]uint32, error)
}

// State is the lifecycle state of a Device
type State int

const (
	// Disconnected devices have no open transport
	Disconnected State = iota
	// Connected devices have an open transport but have not been initialized
	Connected
	// Initialized devices are synchronized and calibrated
	Initialized
	// Running devices have at least one state machine released
	Running
	// Stopped devices have both state machines held in reset
	Stopped
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configure a Device
type Options struct {
	// VerifyChecksums resets the checksum registers before each waveform
	// write and compares them after
	VerifyChecksums bool

	// Sync holds the PLL synchronization thresholds
	Sync SyncConfig

	// StopHold is how long Stop waits with the trigger disarmed before
	// resetting the state machines
	StopHold time.Duration

	// VersionPolls is how many times the version register is read after
	// programming a bitfile
	VersionPolls int

	// VersionPollDelay is the wait between version polls
	VersionPollDelay time.Duration

	// DefaultSampleRate is the rate, in MHz, Init configures
	DefaultSampleRate int
}

// DefaultOptions returns the options the APS2 is normally operated with
func DefaultOptions() Options {
	return Options{
		Sync:              DefaultSyncConfig(),
		StopHold:          time.Millisecond,
		VersionPolls:      20,
		VersionPollDelay:  time.Millisecond,
		DefaultSampleRate: 1200,
	}
}

// Bitfile is an FPGA image
type Bitfile struct {
	// Name labels the image in logs
	Name string

	Data []byte

	// ExpectedVersion is the firmware version the image reports once
	// booted.  Negative values skip the check.
	ExpectedVersion int
}

// InitOptions control Init
type InitOptions struct {
	// ForceReload runs the full reset sequence even if the board reports
	// its PLLs locked
	ForceReload bool

	// Bitfile is programmed after the reset if not nil.  Otherwise the
	// board keeps the image it booted from flash.
	Bitfile *Bitfile
}

// Device is an APS2 arbitrary waveform generator.  Its methods may be
// called from multiple goroutines; each holds the device for its duration.
type Device struct {
	// Serial identifies the board, e.g. in state cache file names
	Serial string

	mu         sync.Mutex
	t          Transport
	opts       Options
	state      State
	mm         MemoryMap
	csr        *ControlStatusRegister
	queue      *WriteQueue
	channels   [NumChannels]Channel
	sampleRate int
}

// New returns a Device talking over t.  The device starts Disconnected and
// assumes extended firmware until it can read the version register.
func New(serial string, t Transport, opts Options) *Device {
	d := &Device{Serial: serial, t: t, opts: opts, queue: NewWriteQueue(t)}
	for i := range d.channels {
		d.channels[i] = NewChannel()
	}
	d.useMap(ELLMap)
	return d
}

func (d *Device) useMap(m MemoryMap) {
	d.mm = m
	d.csr = NewControlStatusRegister(d.t, m.RegR(OffCSR), m.Reg(OffCSR))
}

// State returns the lifecycle state of the device
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// MemoryMap returns the memory map in use
func (d *Device) MemoryMap() MemoryMap {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mm
}

// CSR returns the guarded control/status register of the device
func (d *Device) CSR() *ControlStatusRegister {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.csr
}

func (d *Device) requireConnected() error {
	if d.state == Disconnected {
		return ErrNotConnected
	}
	return nil
}

// Connect opens the transport and selects the memory map from the firmware
// version.  Connecting a connected device is a no-op.
func (d *Device) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Disconnected {
		return nil
	}
	if err := d.t.Connect(); err != nil {
		return transportErr("Connect", 0, err)
	}
	if err := d.detectMap(); err != nil {
		if derr := d.t.Disconnect(); derr != nil {
			glog.Warningf("closing APS2 %s after a failed connect: %v", d.Serial, derr)
		}
		return err
	}
	d.state = Connected
	if rate, err := d.pllFreq(); err == nil {
		d.sampleRate = rate
	} else {
		glog.Warningf("APS2 %s: sample rate unknown until Init: %v", d.Serial, err)
	}
	glog.Infof("opened connection to APS2 %s (%s firmware)", d.Serial, d.mm.Name)
	return nil
}

// Disconnect closes the transport.  Disconnecting a disconnected device is a no-op.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Disconnected {
		return nil
	}
	if err := d.t.Disconnect(); err != nil {
		return transportErr("Disconnect", 0, err)
	}
	d.state = Disconnected
	glog.Infof("closed connection to APS2 %s", d.Serial)
	return nil
}

func (d *Device) detectMap() error {
	v, err := d.t.ReadRegister(VersionAddr)
	if err != nil {
		return transportErr("ReadRegister", VersionAddr, err)
	}
	m, err := MapForVersion(v)
	if err != nil {
		return err
	}
	d.useMap(m)
	return nil
}

// Init brings the board to a synchronized, calibrated state.  The full
// sequence (reset, bitfile, sample rate, PLL sync, DAC calibration, clear)
// runs when ForceReload is set or the PLLs are not locked.
func (d *Device) Init(ctx context.Context, o InitOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	locked, err := d.pllLocked()
	if err != nil {
		return err
	}
	if o.ForceReload || !locked {
		glog.Infof("resetting APS2 %s (force: %v, PLL locked: %v)", d.Serial, o.ForceReload, locked)
		if _, err := d.reset(ResetReconfigBaselineEPROM); err != nil {
			return err
		}
		if o.Bitfile != nil {
			if err := d.programFPGA(ctx, *o.Bitfile); err != nil {
				return err
			}
		}
		if err := d.setPLLFreq(d.opts.DefaultSampleRate); err != nil {
			return err
		}
		if err := d.testPLLSync(ctx); err != nil {
			return fmt.Errorf("init: %w", err)
		}
		if err := d.setupDACs(ctx); err != nil {
			return fmt.Errorf("init: %w", err)
		}
		if err := d.clearChannelData(); err != nil {
			return err
		}
	}
	rate, err := d.pllFreq()
	if err != nil {
		return err
	}
	d.sampleRate = rate
	d.state = Initialized
	return nil
}

// Reset sends a hard reset which reconfigures the DACs, PLL, and VCXO from
// EPROM, and returns the status registers the board replies with
func (d *Device) Reset() (StatusRegisters, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return StatusRegisters{}, err
	}
	return d.reset(ResetReconfigBaselineEPROM)
}

func (d *Device) reset(mode uint8) (StatusRegisters, error) {
	words, err := d.t.SendCommand(Command{Cmd: CmdReset, ModeStat: mode})
	if err != nil {
		return StatusRegisters{}, transportErr("SendCommand", 0, err)
	}
	st := ParseStatusRegisters(words)
	glog.V(1).Infof("status after reset:\n%s", st)
	return st, nil
}

// ProgramFPGA writes a bitfile, boots it, and waits for the expected version
func (d *Device) ProgramFPGA(ctx context.Context, bf Bitfile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	return d.programFPGA(ctx, bf)
}

func (d *Device) programFPGA(ctx context.Context, bf Bitfile) error {
	n, err := d.t.ProgramFPGA(bf.Data)
	if err != nil {
		return transportErr("ProgramFPGA", 0, err)
	}
	glog.Infof("programmed %d bytes from bitfile %s", n, bf.Name)
	if err := d.t.SelectFPGAImage(); err != nil {
		return transportErr("SelectFPGAImage", 0, err)
	}
	if bf.ExpectedVersion < 0 {
		return d.detectMap()
	}
	var (
		version uint32
		readErr error
	)
	for i := 0; i < d.opts.VersionPolls; i++ {
		version, readErr = d.bitfileVersion()
		if readErr != nil {
			// the board may not answer while the new image boots
			glog.V(1).Infof("version poll %d: %v", i, readErr)
		} else if version == uint32(bf.ExpectedVersion) {
			return d.detectMap()
		}
		if err := sleep(ctx, d.opts.VersionPollDelay); err != nil {
			return err
		}
	}
	if readErr != nil {
		return readErr
	}
	return fmt.Errorf("read 0x%X, expected 0x%X: %w", version, bf.ExpectedVersion, ErrBitfileVersion)
}

// BitfileVersion reads the firmware version of the running image
func (d *Device) BitfileVersion() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return 0, err
	}
	return d.bitfileVersion()
}

func (d *Device) bitfileVersion() (uint32, error) {
	v, err := d.t.ReadRegister(VersionAddr)
	if err != nil {
		return 0, transportErr("ReadRegister", VersionAddr, err)
	}
	v &= VersionMask
	glog.V(1).Infof("bitfile version is 0x%X", v)
	return v, nil
}

// SetSampleRate reprograms the PLL for freq MHz and resynchronizes.  It is a
// no-op when the cached rate already equals freq.
func (d *Device) SetSampleRate(ctx context.Context, freq int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	if d.sampleRate == freq {
		return nil
	}
	if err := d.setPLLFreq(freq); err != nil {
		return err
	}
	return d.testPLLSync(ctx)
}

// SampleRate returns the sample rate in MHz as read from the PLL
func (d *Device) SampleRate() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return 0, err
	}
	return d.pllFreq()
}

// ResetChecksums zeroes the board's checksum registers and the software accumulators
func (d *Device) ResetChecksums() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	return d.resetChecksums()
}

func (d *Device) resetChecksums() error {
	for _, off := range []uint32{OffDataChecksum, OffAddrChecksum} {
		addr := d.mm.Reg(off)
		if err := d.t.WriteRegister(addr, 0); err != nil {
			return transportErr("WriteRegister", addr, err)
		}
	}
	d.queue.ResetChecksum()
	return nil
}

// VerifyChecksums compares the board's checksum registers with the software accumulators
func (d *Device) VerifyChecksums() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	return d.verifyChecksums()
}

func (d *Device) verifyChecksums() error {
	var board Checksum
	for _, f := range []struct {
		off uint32
		dst *uint16
	}{{OffAddrChecksum, &board.Address}, {OffDataChecksum, &board.Data}} {
		addr := d.mm.RegR(f.off)
		v, err := d.t.ReadRegister(addr)
		if err != nil {
			return transportErr("ReadRegister", addr, err)
		}
		*f.dst = uint16(v)
	}
	sw := d.queue.Checksum()
	glog.V(1).Infof("checksums: address 0x%04X/0x%04X data 0x%04X/0x%04X (board/software)", board.Address, sw.Address, board.Data, sw.Data)
	if board != sw {
		return fmt.Errorf("board address 0x%04X data 0x%04X, software address 0x%04X data 0x%04X: %w",
			board.Address, board.Data, sw.Address, sw.Data, ErrChecksumMismatch)
	}
	return nil
}

// Flush writes any queued data to the board
func (d *Device) Flush() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return 0, err
	}
	return d.queue.Flush()
}

// writeReg writes a single register outside of the queue
func (d *Device) writeReg(addr, value uint32) error {
	return transportErr("WriteRegister", addr, d.t.WriteRegister(addr, value))
}

func (d *Device) readReg(addr uint32) (uint32, error) {
	v, err := d.t.ReadRegister(addr)
	return v, transportErr("ReadRegister", addr, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
