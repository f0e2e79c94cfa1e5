package aps2

import (
	"fmt"

	"github.com/golang/glog"
)

// SequenceLoader supplies the waveforms and link lists of a sequence
type SequenceLoader interface {
	// LoadWaveform returns the samples of a channel, or nil if the
	// sequence does not use it
	LoadWaveform(ch int) ([]int16, error)

	// LoadLinkList returns the link list of a channel, or an empty bank
	LoadLinkList(ch int) (LLBank, error)

	// MiniLLRepeat is the number of times each mini link list repeats
	MiniLLRepeat() uint16
}

// LoadSequence clears the channels and loads every waveform and link list
// the sequence supplies.  Link lists too long for the board are kept in
// software only.
func (d *Device) LoadSequence(seq SequenceLoader) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	if err := d.clearChannelData(); err != nil {
		return err
	}
	loaded := 0
	for ch := 0; ch < NumChannels; ch++ {
		wf, err := seq.LoadWaveform(ch)
		if err != nil {
			return fmt.Errorf("channel %d waveform: %w", ch, err)
		}
		if len(wf) > 0 {
			if err := d.setWaveform(ch, wf); err != nil {
				return fmt.Errorf("channel %d waveform: %w", ch, err)
			}
			loaded++
		}
		ll, err := seq.LoadLinkList(ch)
		if err != nil {
			return fmt.Errorf("channel %d link list: %w", ch, err)
		}
		if ll.Len() > 0 {
			if err := d.setLinkList(ch, ll); err != nil {
				return fmt.Errorf("channel %d link list: %w", ch, err)
			}
			if ll.Len() > d.mm.LLCapacity {
				glog.Warningf("channel %d link list of %d entries exceeds board memory of %d, not written",
					ch, ll.Len(), d.mm.LLCapacity)
			}
		}
	}
	if err := d.setMiniLLRepeat(seq.MiniLLRepeat()); err != nil {
		return err
	}
	glog.Infof("loaded sequence with %d waveforms into APS2 %s", loaded, d.Serial)
	return nil
}
