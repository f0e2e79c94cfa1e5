package aps2

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.jpl.nasa.gov/bdube/apsctl/util"
)

// DAC SPI register addresses; the DAC select goes in bits 6:5
const (
	dacSyncReg       = 0x0
	dacInterruptReg  = 0x1
	dacMSDMHDReg     = 0x4
	dacSDReg         = 0x5
	dacControllerReg = 0x6
	dacFIFOStatReg   = 0x7

	dacFIFOSyncBit = 2
	dacDelaySteps  = 16
)

func dacReg(dac int, reg uint16) uint16 {
	return reg | uint16(dac)<<5
}

// dacTarget is the chip a DAC is reached through
func dacTarget(dac int) ChipTarget {
	return TargetDAC0 + ChipTarget(PairOf(dac))
}

// DACTiming is the outcome of calibrating one DAC
type DACTiming struct {
	// SetupEdge is the first setup delay at which data went invalid
	SetupEdge int

	// HoldEdge is the first hold delay at which data went invalid
	HoldEdge int

	// SampleDelay is the delay written, midway between the edges
	SampleDelay int
}

// SetupDACs aligns the data valid window of every DAC
func (d *Device) SetupDACs(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	return d.setupDACs(ctx)
}

func (d *Device) setupDACs(ctx context.Context) error {
	for dac := 0; dac < NumChannels; dac++ {
		if _, err := d.setupDAC(ctx, dac); err != nil {
			return err
		}
	}
	return nil
}

// SetupDAC aligns the data valid window of one DAC with the FPGA output.
// The setup delay is stepped up from 0 until the DAC flags invalid data,
// then the hold delay likewise, and the sample delay is set midway.
func (d *Device) SetupDAC(ctx context.Context, dac int) (DACTiming, error) {
	if err := checkChannel(dac); err != nil {
		return DACTiming{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return DACTiming{}, err
	}
	return d.setupDAC(ctx, dac)
}

func (d *Device) setupDAC(ctx context.Context, dac int) (DACTiming, error) {
	var timing DACTiming
	target := dacTarget(dac)
	msdMhd := dacReg(dac, dacMSDMHDReg)
	sd := dacReg(dac, dacSDReg)
	glog.Infof("setting up DAC %d", dac)

	if glog.V(2) {
		for _, reg := range []uint16{dacInterruptReg, dacMSDMHDReg, dacSDReg, dacControllerReg} {
			v, err := d.readSPI(target, dacReg(dac, reg))
			if err != nil {
				return timing, err
			}
			glog.Infof("DAC %d reg 0x%X = 0x%02X", dac, reg, v)
		}
	}

	// surveillance and auto modes off
	if err := d.writeSPI(target, dacReg(dac, dacControllerReg), 0); err != nil {
		return timing, err
	}
	if err := d.writeSPI(target, sd, 0); err != nil {
		return timing, err
	}

	scan := func(shift uint) (int, error) {
		step := 0
		for ; step < dacDelaySteps; step++ {
			if err := ctx.Err(); err != nil {
				return step, err
			}
			if err := d.writeSPI(target, msdMhd, byte(step<<shift)); err != nil {
				return step, err
			}
			v, err := d.readSPI(target, sd)
			if err != nil {
				return step, err
			}
			if v&1 == 0 {
				break
			}
		}
		return step, nil
	}

	var err error
	if timing.SetupEdge, err = scan(4); err != nil {
		return timing, err
	}
	glog.V(1).Infof("DAC %d setup edge %d", dac, timing.SetupEdge)
	if timing.HoldEdge, err = scan(0); err != nil {
		return timing, err
	}
	glog.V(1).Infof("DAC %d hold edge %d", dac, timing.HoldEdge)

	timing.SampleDelay = (timing.HoldEdge - timing.SetupEdge) / 2
	if timing.SampleDelay < 0 || timing.SampleDelay >= dacDelaySteps {
		glog.Warningf("DAC %d sample delay %d outside the 4 bit field, clamping", dac, timing.SampleDelay)
		if timing.SampleDelay < 0 {
			timing.SampleDelay = 0
		} else {
			timing.SampleDelay = dacDelaySteps - 1
		}
	}
	glog.V(1).Infof("DAC %d sample delay %d", dac, timing.SampleDelay)

	if err := d.writeSPI(target, msdMhd, 0); err != nil {
		return timing, err
	}
	if err := d.writeSPI(target, sd, byte(timing.SampleDelay<<4)); err != nil {
		return timing, err
	}
	return timing, nil
}

// EnableDACFIFO turns on a DAC's sync FIFO and returns its phase
func (d *Device) EnableDACFIFO(dac int) (int, error) {
	if err := checkChannel(dac); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return 0, err
	}
	return d.enableDACFIFO(dac)
}

func (d *Device) enableDACFIFO(dac int) (int, error) {
	target := dacTarget(dac)
	addr := dacReg(dac, dacSyncReg)
	v, err := d.readSPI(target, addr)
	if err != nil {
		return 0, err
	}
	if err := d.writeSPI(target, addr, util.SetBit(v, dacFIFOSyncBit, true)); err != nil {
		return 0, err
	}
	stat, err := d.readSPI(target, dacReg(dac, dacFIFOStatReg))
	if err != nil {
		return 0, err
	}
	phase := int(stat&0x70) >> 4
	glog.V(1).Infof("DAC %d FIFO phase %d", dac, phase)
	return phase, nil
}

// DisableDACFIFO turns off a DAC's sync FIFO
func (d *Device) DisableDACFIFO(dac int) error {
	if err := checkChannel(dac); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	return d.disableDACFIFO(dac)
}

func (d *Device) disableDACFIFO(dac int) error {
	target := dacTarget(dac)
	addr := dacReg(dac, dacSyncReg)
	v, err := d.readSPI(target, addr)
	if err != nil {
		return err
	}
	glog.V(2).Infof("disabling DAC %d FIFO", dac)
	return d.writeSPI(target, addr, util.SetBit(v, dacFIFOSyncBit, false))
}

func (d *Device) enableDACFIFOs() error {
	for dac := 0; dac < NumChannels; dac++ {
		if _, err := d.enableDACFIFO(dac); err != nil {
			return fmt.Errorf("enabling DAC %d FIFO: %w", dac, err)
		}
	}
	return nil
}
