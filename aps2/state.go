package aps2

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/golang/glog"
	yaml "gopkg.in/yaml.v2"
)

// Snapshot is the software model of a device, as written to its state cache
type Snapshot struct {
	Serial     string    `yaml:"serial"`
	Firmware   string    `yaml:"firmware"`
	SampleRate int       `yaml:"sampleRate"`
	Channels   []Channel `yaml:"channels"`
}

// StateFileName is the name of a board's state cache file
func StateFileName(serial string) string {
	return fmt.Sprintf("cache_%s.yml", serial)
}

// Snapshot returns a deep copy of the software model
func (d *Device) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Snapshot{Serial: d.Serial, Firmware: d.mm.Name, SampleRate: d.sampleRate}
	for _, c := range d.channels {
		c.Waveform = append([]int16(nil), c.Waveform...)
		c.LinkList.Entries = append([]LLEntry(nil), c.LinkList.Entries...)
		s.Channels = append(s.Channels, c)
	}
	return s
}

// SaveState writes the software model to w as YAML
func (d *Device) SaveState(w io.Writer) error {
	s := d.Snapshot()
	b, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// LoadState replaces the software model with one read by SaveState.
// Nothing is written to the board; call LoadSequence or SetWaveform to
// push the restored model.  Channel settings are held to the same limits
// as SetChannelOffset and SetChannelScale, and a state which breaks them
// leaves the model untouched.
func (d *Device) LoadState(r io.Reader) error {
	var s Snapshot
	if err := yaml.NewDecoder(r).Decode(&s); err != nil {
		return fmt.Errorf("decoding state: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(s.Channels) > NumChannels {
		return fmt.Errorf("state has %d channels, device %d: %w", len(s.Channels), NumChannels, ErrInvalidConfiguration)
	}
	if s.Serial != "" && s.Serial != d.Serial {
		return fmt.Errorf("state of APS2 %s loaded into %s: %w", s.Serial, d.Serial, ErrInvalidConfiguration)
	}
	for i := range s.Channels {
		c := &s.Channels[i]
		if c.Scale == 0 && len(c.Waveform) == 0 {
			c.Scale = 1
		}
		if err := checkChannelState(i, *c); err != nil {
			return err
		}
	}
	for i, c := range s.Channels {
		d.channels[i] = c
	}
	if s.SampleRate != 0 {
		d.sampleRate = s.SampleRate
	}
	return nil
}

// checkChannelState applies the limits of the channel setters to a
// restored channel
func checkChannelState(ch int, c Channel) error {
	if math.IsNaN(c.Offset) || c.Offset < -1 || c.Offset > 1 {
		return fmt.Errorf("channel %d offset %v outside [-1,1]: %w", ch, c.Offset, ErrOutOfRange)
	}
	if math.IsNaN(c.Scale) || math.IsInf(c.Scale, 0) {
		return fmt.Errorf("channel %d scale %v: %w", ch, c.Scale, ErrOutOfRange)
	}
	if len(c.Waveform) > 0 {
		if _, err := PrepareWaveform(c.Waveform, c.Scale); err != nil {
			return fmt.Errorf("channel %d: %w", ch, err)
		}
	}
	return nil
}

// SaveStateFile writes the state cache into dir and returns its path
func (d *Device) SaveStateFile(dir string) (string, error) {
	path := filepath.Join(dir, StateFileName(d.Serial))
	f, err := os.Create(path)
	if err != nil {
		return path, err
	}
	defer f.Close()
	if err := d.SaveState(f); err != nil {
		return path, err
	}
	glog.V(1).Infof("wrote state of APS2 %s to %s", d.Serial, path)
	return path, f.Close()
}

// LoadStateFile reads the state cache from dir
func (d *Device) LoadStateFile(dir string) error {
	path := filepath.Join(dir, StateFileName(d.Serial))
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	glog.V(1).Infof("loading state of APS2 %s from %s", d.Serial, path)
	return d.LoadState(f)
}
