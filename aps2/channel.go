package aps2

import (
	"fmt"
	"math"

	"github.com/golang/glog"
)

// Channel is the configuration of one logical output
type Channel struct {
	Enabled bool `yaml:"enabled"`

	// Offset is the DC offset in normalized full scale, [-1,1]
	Offset float64 `yaml:"offset"`

	// Scale is a linear gain applied to the waveform
	Scale float64 `yaml:"scale"`

	// Waveform holds the samples as loaded, before scaling or padding
	Waveform []int16 `yaml:"waveform,flow"`

	LinkList LLBank `yaml:"linkList"`
}

// NewChannel returns a disabled channel with unity scale
func NewChannel() Channel {
	return Channel{Scale: 1}
}

// PaddedLength is the smallest multiple of WFModulus >= n
func PaddedLength(n int) int {
	return (n + WFModulus - 1) / WFModulus * WFModulus
}

// WFLengthRegister is the value of the waveform length register for a
// prepared waveform of n samples
func WFLengthRegister(n int) uint32 {
	return uint32(n/WFModulus - 1)
}

// PrepareWaveform scales raw samples and zero pads them to a multiple of
// WFModulus.  The offset is not applied; the board adds it from the zero
// register.
func PrepareWaveform(raw []int16, scale float64) ([]int16, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty waveform: %w", ErrOutOfRange)
	}
	if math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("scale %v: %w", scale, ErrOutOfRange)
	}
	n := PaddedLength(len(raw))
	if n > MaxWFLenSamples {
		return nil, fmt.Errorf("waveform of %d samples exceeds %d: %w", n, MaxWFLenSamples, ErrOutOfRange)
	}
	out := make([]int16, n)
	for i, s := range raw {
		v := math.Round(float64(s) * scale)
		if v >= MaxWFAmpSamples || v < -MaxWFAmpSamples {
			return nil, fmt.Errorf("sample %d scales to %v, outside [%d,%d): %w",
				i, v, -MaxWFAmpSamples, MaxWFAmpSamples, ErrOutOfRange)
		}
		out[i] = int16(v)
	}
	return out, nil
}

func checkChannel(ch int) error {
	if ch < 0 || ch >= NumChannels {
		return channelErr(ch)
	}
	return nil
}

// SetChannelEnabled marks a channel for release by Run
func (d *Device) SetChannelEnabled(ch int, enabled bool) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[ch].Enabled = enabled
	return nil
}

// ChannelEnabled reports if a channel is enabled
func (d *Device) ChannelEnabled(ch int) (bool, error) {
	if err := checkChannel(ch); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[ch].Enabled, nil
}

// SetChannelOffset writes the zero register of the channel's pair and
// rewrites its waveform, if one is loaded
func (d *Device) SetChannelOffset(ch int, offset float64) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	if math.IsNaN(offset) || offset < -1 || offset > 1 {
		return fmt.Errorf("offset %v outside [-1,1]: %w", offset, ErrOutOfRange)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	d.channels[ch].Offset = offset
	if err := d.writeOffsetRegister(ch, offset); err != nil {
		return err
	}
	if len(d.channels[ch].Waveform) == 0 {
		return nil
	}
	return d.writeChannelWaveform(ch, d.channels[ch].Waveform, d.channels[ch].Scale)
}

// ChannelOffset returns the offset of a channel
func (d *Device) ChannelOffset(ch int) (float64, error) {
	if err := checkChannel(ch); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[ch].Offset, nil
}

// SetChannelScale changes the gain of a channel and rewrites its waveform,
// if one is loaded.  A scale which would overflow the loaded waveform is
// rejected and the previous scale kept.
func (d *Device) SetChannelScale(ch int, scale float64) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	wf := d.channels[ch].Waveform
	if len(wf) == 0 {
		if math.IsNaN(scale) || math.IsInf(scale, 0) {
			return fmt.Errorf("scale %v: %w", scale, ErrOutOfRange)
		}
		d.channels[ch].Scale = scale
		return nil
	}
	if err := d.requireConnected(); err != nil {
		return err
	}
	if err := d.writeChannelWaveform(ch, wf, scale); err != nil {
		return err
	}
	d.channels[ch].Scale = scale
	return nil
}

// ChannelScale returns the scale of a channel
func (d *Device) ChannelScale(ch int) (float64, error) {
	if err := checkChannel(ch); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[ch].Scale, nil
}

// SetWaveform loads samples into a channel and writes them to the board
func (d *Device) SetWaveform(ch int, samples []int16) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	return d.setWaveform(ch, samples)
}

func (d *Device) setWaveform(ch int, samples []int16) error {
	if err := d.writeChannelWaveform(ch, samples, d.channels[ch].Scale); err != nil {
		return err
	}
	d.channels[ch].Waveform = append([]int16(nil), samples...)
	return nil
}

// Waveform returns a copy of the samples loaded into a channel
func (d *Device) Waveform(ch int) ([]int16, error) {
	if err := checkChannel(ch); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int16(nil), d.channels[ch].Waveform...), nil
}

// Channel returns a copy of a channel's configuration
func (d *Device) Channel(ch int) (Channel, error) {
	if err := checkChannel(ch); err != nil {
		return Channel{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.channels[ch]
	c.Waveform = append([]int16(nil), c.Waveform...)
	c.LinkList.Entries = append([]LLEntry(nil), c.LinkList.Entries...)
	return c, nil
}

func (d *Device) writeChannelWaveform(ch int, raw []int16, scale float64) error {
	prepared, err := PrepareWaveform(raw, scale)
	if err != nil {
		return err
	}
	return d.writeWaveform(PairOf(ch), prepared)
}

// writeWaveform writes prepared samples to a pair's waveform memory
func (d *Device) writeWaveform(p Pair, wf []int16) error {
	length := WFLengthRegister(len(wf))
	glog.Infof("loading waveform of %d samples (FPGA count %d) into pair %s", len(wf), length, p)
	if err := d.writeReg(d.mm.WFLengthReg(p), length); err != nil {
		return err
	}
	if d.opts.VerifyChecksums {
		if err := d.resetChecksums(); err != nil {
			return err
		}
	}
	words := make([]uint16, len(wf))
	for i, s := range wf {
		words[i] = uint16(s)
	}
	d.queue.Enqueue(d.mm.WFWrite[p], words)
	if _, err := d.queue.Flush(); err != nil {
		return err
	}
	if d.opts.VerifyChecksums {
		if err := d.verifyChecksums(); err != nil {
			return fmt.Errorf("after writing waveform to pair %s: %w", p, err)
		}
	}
	return nil
}

func (d *Device) writeOffsetRegister(ch int, offset float64) error {
	scaled := int16(offset * MaxWFAmpSamples)
	if offset >= 1 {
		scaled = MaxWFAmpSamples - 1
	}
	glog.Infof("setting channel %d zero register to %d", ch, scaled)
	return d.writeReg(d.mm.ZeroReg(PairOf(ch)), uint32(uint16(scaled)))
}

// ClearChannelData empties every channel's waveform and link list and
// zeroes the length registers
func (d *Device) ClearChannelData() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	return d.clearChannelData()
}

func (d *Device) clearChannelData() error {
	glog.Infof("clearing all channel data for APS2 %s", d.Serial)
	for i := range d.channels {
		d.channels[i].Waveform = nil
		d.channels[i].LinkList = LLBank{}
	}
	for _, p := range []Pair{PairA, PairB} {
		if err := d.writeReg(d.mm.WFLengthReg(p), 0); err != nil {
			return err
		}
		if err := d.writeReg(d.mm.LLLengthReg(p), 0); err != nil {
			return err
		}
	}
	_, err := d.queue.Flush()
	return err
}
