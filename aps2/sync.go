package aps2

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/golang/glog"
)

// SyncConfig holds the thresholds and iteration caps of the PLL
// synchronization procedure
type SyncConfig struct {
	// XORSamples is how many times the global XOR bit is sampled per test
	XORSamples int `koanf:"xorSamples" yaml:"xorSamples"`

	// XORCutoff is the most samples the XOR bit may be high and still pass
	XORCutoff int `koanf:"xorCutoff" yaml:"xorCutoff"`

	// LowPhase and HighPhase bound, in degrees, the band in which a DAC
	// pair is considered out of phase with the reference
	LowPhase  float64 `koanf:"lowPhase" yaml:"lowPhase"`
	HighPhase float64 `koanf:"highPhase" yaml:"highPhase"`

	// MaxPhaseTests caps the iterations of each phase loop
	MaxPhaseTests int `koanf:"maxPhaseTests" yaml:"maxPhaseTests"`

	// LockPolls caps the reads of the lock bits after a PLL reset
	LockPolls int `koanf:"lockPolls" yaml:"lockPolls"`

	// GlobalRetries is how many times the whole procedure is repeated
	// before giving up
	GlobalRetries int `koanf:"globalRetries" yaml:"globalRetries"`

	// PollDelay is the wait between lock polls
	PollDelay time.Duration `koanf:"pollDelay" yaml:"pollDelay"`
}

// DefaultSyncConfig returns the thresholds the APS2 is calibrated with
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		XORSamples:    20,
		XORCutoff:     5,
		LowPhase:      45,
		HighPhase:     135,
		MaxPhaseTests: 40,
		LockPolls:     20,
		GlobalRetries: 2,
		PollDelay:     time.Millisecond,
	}
}

// PhaseDegrees converts a phase register, a 9 bit two's complement count
// of 180/256 degree steps, to degrees
func PhaseDegrees(raw uint32) float64 {
	v := int(raw & 0x1FF)
	if v > 256 {
		v -= 512
	}
	return float64(v) * 180 / 256
}

var pairLockBits = [2]uint{PLL02LockBit, PLL13LockBit}

var pairDACEnable = [2]uint16{PLLDAC0Enable, PLLDAC1Enable}

// TestPLLSync brings both DAC pairs into phase with the reference clock.
// Data clocks are disabled for the duration and re-enabled on return,
// whether or not the pairs synchronized.
func (d *Device) TestPLLSync(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	return d.testPLLSync(ctx)
}

func (d *Device) testPLLSync(ctx context.Context) (err error) {
	cfg := d.opts.Sync
	if err := d.requireMask("PLL reset", Both(d.mm.CSR.PLLReset)); err != nil {
		return err
	}
	glog.Infof("running PLL sync test on APS2 %s", d.Serial)
	if err := d.disableDataClocks(); err != nil {
		return err
	}
	// the board is left with DDR on, synchronized or not
	ddrOn := false
	defer func() {
		if ddrOn {
			return
		}
		if serr := d.csr.Set(Both(d.mm.CSR.DDR)); serr != nil {
			glog.Errorf("APS2 %s: re-enabling DDR: %v", d.Serial, serr)
			if err == nil {
				err = serr
			}
		}
	}()
	if err := d.waitForLock(ctx, true, lockBits...); err != nil {
		return err
	}

	for retries := cfg.GlobalRetries; ; retries-- {
		if err := d.xorSync(ctx); err != nil {
			return err
		}
		ok, err := d.channelSync(ctx)
		if err != nil {
			return err
		}
		if ok {
			ok, err = d.pairsInPhase()
			if err != nil {
				return err
			}
		}
		if ok {
			break
		}
		if retries <= 0 {
			glog.Errorf("APS2 %s failed to synchronize", d.Serial)
			return ErrGlobalSyncFailed
		}
		glog.Warningf("PLL sync failed, %d retries left", retries)
		for p := PairA; p <= PairB; p++ {
			if err := d.cycleDACOutput(p); err != nil {
				return err
			}
		}
		if err := d.csr.Pulse(Both(d.mm.CSR.PLLReset)); err != nil {
			return err
		}
		if err := d.waitForLock(ctx, false, lockBits...); err != nil {
			return err
		}
	}

	if err := d.csr.Set(Both(d.mm.CSR.DDR)); err != nil {
		return err
	}
	ddrOn = true
	if err := d.enableDACFIFOs(); err != nil {
		return err
	}
	glog.Infof("APS2 %s PLL sync succeeded", d.Serial)
	return nil
}

// xorSync resets the PLLs until the global XOR bit is mostly low and
// neither pair sits near quadrature
func (d *Device) xorSync(ctx context.Context) error {
	cfg := d.opts.Sync
	for i := 0; i < cfg.MaxPhaseTests; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		xor := 0
		for j := 0; j < cfg.XORSamples; j++ {
			high, err := d.pllStatus(PLLGlobalXORBit)
			if err != nil {
				return err
			}
			if high {
				xor++
			}
		}
		phases, err := d.readPhases()
		if err != nil {
			return err
		}
		glog.V(1).Infof("XOR test %d: %d/%d high, phases %.1f %.1f", i, xor, cfg.XORSamples, phases[0], phases[1])

		var inBand []Pair
		for p, ph := range phases {
			if a := math.Abs(ph); a >= cfg.LowPhase && a <= cfg.HighPhase {
				inBand = append(inBand, Pair(p))
			}
		}
		if xor <= cfg.XORCutoff && len(inBand) == 0 {
			return nil
		}

		for _, p := range inBand {
			if err := d.cycleDACOutput(p); err != nil {
				return err
			}
		}
		if err := d.csr.Pulse(Both(d.mm.CSR.PLLReset)); err != nil {
			return err
		}
		if err := d.waitForLock(ctx, false, lockBits...); err != nil {
			return err
		}
	}
	return fmt.Errorf("XOR test did not pass in %d tries: %w", cfg.MaxPhaseTests, ErrPhaseSyncTimeout)
}

// channelSync resets each pair's PLL on its own until the pair is within
// LowPhase of the reference.  It returns false if a pair did not get
// there within MaxPhaseTests resets.
func (d *Device) channelSync(ctx context.Context) (bool, error) {
	cfg := d.opts.Sync
	for p := PairA; p <= PairB; p++ {
		synced := false
		for i := 0; i < cfg.MaxPhaseTests; i++ {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			raw, err := d.readReg(d.mm.PhaseReg(p))
			if err != nil {
				return false, err
			}
			ph := PhaseDegrees(raw)
			glog.V(1).Infof("pair %s phase test %d: %.1f degrees", p, i, ph)
			if math.Abs(ph) < cfg.LowPhase {
				synced = true
				break
			}
			if err := d.csr.Pulse(d.mm.CSR.PLLReset[p]); err != nil {
				return false, err
			}
			if err := d.waitForLock(ctx, false, pairLockBits[p]); err != nil {
				return false, fmt.Errorf("pair %s: %v: %w", p, err, ErrChannelSyncTimeout)
			}
		}
		if !synced {
			glog.Warningf("pair %s did not sync in %d tries", p, cfg.MaxPhaseTests)
			return false, nil
		}
	}
	return true, nil
}

func (d *Device) readPhases() ([2]float64, error) {
	var out [2]float64
	for p := PairA; p <= PairB; p++ {
		raw, err := d.readReg(d.mm.PhaseReg(p))
		if err != nil {
			return out, err
		}
		out[p] = PhaseDegrees(raw)
	}
	return out, nil
}

func (d *Device) pairsInPhase() (bool, error) {
	phases, err := d.readPhases()
	if err != nil {
		return false, err
	}
	for _, ph := range phases {
		if math.Abs(ph) >= d.opts.Sync.LowPhase {
			return false, nil
		}
	}
	return true, nil
}

// cycleDACOutput turns a pair's PLL output off and back on
func (d *Device) cycleDACOutput(p Pair) error {
	return d.writeSPIRoutine(TargetPLL, []SPIWrite{
		{pairDACEnable[p], pllOutDisable},
		{PLLUpdateAddr, pllUpdateValue},
		{pairDACEnable[p], pllOutEnable},
		{PLLUpdateAddr, pllUpdateValue},
	})
}

// waitForLock polls until every listed status bit is set.  With reset, the
// PLL reset bits are cleared before each poll instead of sleeping.
func (d *Device) waitForLock(ctx context.Context, reset bool, bits ...uint) error {
	cfg := d.opts.Sync
	for i := 0; i < cfg.LockPolls; i++ {
		if reset {
			if err := d.csr.Clear(Both(d.mm.CSR.PLLReset)); err != nil {
				return err
			}
		} else if i > 0 {
			if err := sleep(ctx, cfg.PollDelay); err != nil {
				return err
			}
		}
		locked, err := d.pllStatus(bits...)
		if err != nil {
			return err
		}
		if locked {
			return nil
		}
	}
	return fmt.Errorf("status bits %v not set after %d polls: %w", bits, cfg.LockPolls, ErrPllLockTimeout)
}
