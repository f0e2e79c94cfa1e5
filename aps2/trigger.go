package aps2

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/golang/glog"
)

// TriggerSource selects what starts the sequencers
type TriggerSource int

const (
	// TriggerInternal uses the board's interval timer
	TriggerInternal TriggerSource = iota
	// TriggerExternal uses the front panel trigger input
	TriggerExternal
)

func (t TriggerSource) String() string {
	if t == TriggerExternal {
		return "external"
	}
	return "internal"
}

// ParseTriggerSource is the inverse of TriggerSource.String, case insensitive
func ParseTriggerSource(s string) (TriggerSource, error) {
	switch strings.ToLower(s) {
	case "internal":
		return TriggerInternal, nil
	case "external":
		return TriggerExternal, nil
	default:
		return 0, fmt.Errorf("trigger source %q, must be internal or external: %w", s, ErrInvalidConfiguration)
	}
}

// RunMode selects what the sequencers play
type RunMode int

const (
	// RunWaveform plays the waveform memory directly
	RunWaveform RunMode = iota
	// RunLinkList plays the link list
	RunLinkList
)

func (m RunMode) String() string {
	if m == RunLinkList {
		return "linklist"
	}
	return "waveform"
}

// RepeatMode selects how often the sequencers play
type RepeatMode int

const (
	// RepeatContinuous loops until stopped
	RepeatContinuous RepeatMode = iota
	// RepeatOneShot plays once per trigger
	RepeatOneShot
)

func (m RepeatMode) String() string {
	if m == RepeatOneShot {
		return "oneshot"
	}
	return "continuous"
}

// ParseRunMode is the inverse of RunMode.String, case insensitive
func ParseRunMode(s string) (RunMode, error) {
	switch strings.ToLower(s) {
	case "waveform":
		return RunWaveform, nil
	case "linklist":
		return RunLinkList, nil
	default:
		return 0, fmt.Errorf("run mode %q, must be waveform or linklist: %w", s, ErrInvalidConfiguration)
	}
}

// ParseRepeatMode is the inverse of RepeatMode.String, case insensitive
func ParseRepeatMode(s string) (RepeatMode, error) {
	switch strings.ToLower(s) {
	case "continuous":
		return RepeatContinuous, nil
	case "oneshot":
		return RepeatOneShot, nil
	default:
		return 0, fmt.Errorf("repeat mode %q, must be continuous or oneshot: %w", s, ErrInvalidConfiguration)
	}
}

// the fpga trigger counter runs at a quarter of the sample rate
const triggerClockRatio = 0.25

// SetTriggerSource selects the trigger of both pairs
func (d *Device) SetTriggerSource(src TriggerSource) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	mask := Both(d.mm.CSR.TrigSrc)
	if err := d.requireMask("trigger source", mask); err != nil {
		return err
	}
	glog.V(1).Infof("setting trigger source to %s", src)
	return d.csr.Assign(mask, src == TriggerExternal)
}

// TriggerSource reads the trigger source from the pair A field
func (d *Device) TriggerSource() (TriggerSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return 0, err
	}
	mask := d.mm.CSR.TrigSrc[0]
	if err := d.requireMask("trigger source", mask); err != nil {
		return 0, err
	}
	ext, err := d.csr.Test(mask)
	if err != nil {
		return 0, err
	}
	if ext {
		return TriggerExternal, nil
	}
	return TriggerInternal, nil
}

// TriggerCycles converts an interval in seconds to the count the trigger
// timer is loaded with at rate MHz
func TriggerCycles(secs float64, rate int) (uint32, error) {
	cycles := math.Round(secs*triggerClockRatio*float64(rate)*1e6) - 2
	if math.IsNaN(cycles) || cycles < 0 || cycles > math.MaxUint32 {
		return 0, fmt.Errorf("trigger interval %v s at %d MHz is %v cycles: %w", secs, rate, cycles, ErrOutOfRange)
	}
	return uint32(cycles), nil
}

// TriggerSeconds is the inverse of TriggerCycles
func TriggerSeconds(cycles uint32, rate int) float64 {
	return (float64(cycles) + 2) / (triggerClockRatio * float64(rate) * 1e6)
}

// SetTriggerInterval sets the period of the internal trigger in seconds
func (d *Device) SetTriggerInterval(secs float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	if d.sampleRate == 0 {
		return fmt.Errorf("sample rate unknown, Init first: %w", ErrInvalidConfiguration)
	}
	cycles, err := TriggerCycles(secs, d.sampleRate)
	if err != nil {
		return err
	}
	glog.V(1).Infof("setting trigger interval to %v s (%d cycles)", secs, cycles)
	return d.writeTriggerCycles(cycles)
}

func (d *Device) writeTriggerCycles(cycles uint32) error {
	return d.queue.WriteImmediate(d.mm.Reg(OffTrigInterval), []uint16{uint16(cycles >> 16), uint16(cycles)})
}

func (d *Device) readTriggerCycles() (uint32, error) {
	upper, err := d.readReg(d.mm.RegR(OffTrigInterval))
	if err != nil {
		return 0, err
	}
	lower, err := d.readReg(d.mm.RegR(OffTrigInterval + 1))
	if err != nil {
		return 0, err
	}
	return (upper&0xFFFF)<<16 | lower&0xFFFF, nil
}

// TriggerInterval reads the period of the internal trigger in seconds
func (d *Device) TriggerInterval() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return 0, err
	}
	if d.sampleRate == 0 {
		return 0, fmt.Errorf("sample rate unknown, Init first: %w", ErrInvalidConfiguration)
	}
	cycles, err := d.readTriggerCycles()
	if err != nil {
		return 0, err
	}
	return TriggerSeconds(cycles, d.sampleRate), nil
}

// SetTriggerDelay delays the trigger of a channel's pair by delay cycles
func (d *Device) SetTriggerDelay(ch int, delay uint16) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	return d.writeReg(d.mm.TrigDelayReg(PairOf(ch)), uint32(delay))
}

// SetRunMode selects waveform or link-list playback on a channel's pair
func (d *Device) SetRunMode(ch int, mode RunMode) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	mask := d.mm.CSR.OutMode[PairOf(ch)]
	if err := d.requireMask("output mode", mask); err != nil {
		return err
	}
	return d.csr.Assign(mask, mode == RunLinkList)
}

// SetRepeatMode selects continuous or one-shot playback on a channel's pair
func (d *Device) SetRepeatMode(ch int, mode RepeatMode) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	mask := d.mm.CSR.LLMode[PairOf(ch)]
	if err := d.requireMask("repeat mode", mask); err != nil {
		return err
	}
	return d.csr.Assign(mask, mode == RepeatOneShot)
}

// Run releases the state machine of every pair with an enabled channel
func (d *Device) Run() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	if err := d.requireMask("state machine", Both(d.mm.CSR.SMRun)); err != nil {
		return err
	}
	var mask uint32
	for ch, c := range d.channels {
		if c.Enabled {
			mask |= d.mm.CSR.SMRun[PairOf(ch)]
		}
	}
	if mask == 0 {
		glog.Warningf("run called on APS2 %s with no channels enabled", d.Serial)
		return nil
	}
	glog.Infof("releasing state machines of APS2 %s (CSR 0x%04X)", d.Serial, mask)
	if err := d.csr.Set(mask); err != nil {
		return err
	}
	d.state = Running
	return nil
}

// Stop holds both state machines in reset.  The trigger is disarmed while
// they are reset so no partial sequence plays, then the interval and source
// are restored, even if Stop fails or ctx is cancelled partway.
func (d *Device) Stop(ctx context.Context) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	smRun := Both(d.mm.CSR.SMRun)
	if err := d.requireMask("state machine", smRun); err != nil {
		return err
	}
	cycles, err := d.readTriggerCycles()
	if err != nil {
		return err
	}
	trigSrc := Both(d.mm.CSR.TrigSrc)
	ext, err := d.csr.Test(d.mm.CSR.TrigSrc[0])
	if err != nil {
		return err
	}

	defer func() {
		rerr := d.writeTriggerCycles(cycles)
		if rerr == nil {
			rerr = d.csr.Assign(trigSrc, ext)
		}
		if rerr != nil {
			glog.Errorf("APS2 %s: restoring trigger after stop: %v", d.Serial, rerr)
			if err == nil {
				err = rerr
			}
		}
	}()
	if err := d.writeTriggerCycles(math.MaxUint32); err != nil {
		return err
	}
	if err := d.csr.Clear(trigSrc); err != nil {
		return err
	}
	if err := sleep(ctx, d.opts.StopHold); err != nil {
		return err
	}
	if err := d.csr.Clear(smRun); err != nil {
		return err
	}
	glog.Infof("stopped APS2 %s", d.Serial)
	d.state = Stopped
	return nil
}
