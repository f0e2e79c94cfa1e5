package aps2

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Sync.PollDelay = 0
	opts.StopHold = 0
	opts.VersionPollDelay = 0
	return opts
}

func connectedDevice(t *testing.T, opts Options) (*Device, *MockBoard) {
	t.Helper()
	m := NewMockBoard()
	d := New("A2-01", m, opts)
	if err := d.Connect(); err != nil {
		t.Fatal(err)
	}
	return d, m
}

func initializedDevice(t *testing.T) (*Device, *MockBoard) {
	t.Helper()
	d, m := connectedDevice(t, testOptions())
	if err := d.Init(context.Background(), InitOptions{ForceReload: true}); err != nil {
		t.Fatal(err)
	}
	return d, m
}

func hasSPI(m *MockBoard, w SPITransfer) bool {
	m.Lock()
	defer m.Unlock()
	for _, x := range m.SPILog {
		if x == w {
			return true
		}
	}
	return false
}

func TestConnectDisconnectIdempotent(t *testing.T) {
	m := NewMockBoard()
	d := New("A2-01", m, testOptions())
	if err := d.SetWaveform(0, []int16{1}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before Connect, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := d.Connect(); err != nil {
			t.Fatal(err)
		}
	}
	if m.Connects != 1 {
		t.Errorf("transport connected %d times", m.Connects)
	}
	if d.State() != Connected {
		t.Errorf("state %s after Connect", d.State())
	}
	if d.MemoryMap().Name != ELLMap.Name {
		t.Errorf("selected %s memory map for version 0x%X", d.MemoryMap().Name, m.Version)
	}
	for i := 0; i < 2; i++ {
		if err := d.Disconnect(); err != nil {
			t.Fatal(err)
		}
	}
	if m.Disconnects != 1 {
		t.Errorf("transport disconnected %d times", m.Disconnects)
	}
	if d.State() != Disconnected {
		t.Errorf("state %s after Disconnect", d.State())
	}
}

func TestConnectSelectsPlainMap(t *testing.T) {
	m := NewMockBoard()
	m.Version = VersionR5
	d := New("A2-01", m, testOptions())
	if err := d.Connect(); err != nil {
		t.Fatal(err)
	}
	if d.MemoryMap().Name != PlainMap.Name {
		t.Fatalf("selected %s memory map for version 5", d.MemoryMap().Name)
	}
}

func TestConnectUnknownFirmware(t *testing.T) {
	m := NewMockBoard()
	m.Version = 0x3
	d := New("A2-01", m, testOptions())
	if err := d.Connect(); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
	if m.Connected() {
		t.Error("transport left open after a failed Connect")
	}
}

func TestTransportErrorsAreWrapped(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	m.Fail = errors.New("cable unplugged")
	err := d.SetWaveform(0, []int16{1, 2, 3, 4})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "WriteRegister" {
		t.Fatalf("expected a WriteRegister TransportError, got %v", err)
	}
}

func TestInitFromReset(t *testing.T) {
	d, m := initializedDevice(t)
	if d.State() != Initialized {
		t.Fatalf("state %s after Init", d.State())
	}
	if m.Resets != 1 {
		t.Errorf("board reset %d times", m.Resets)
	}
	if rate, err := d.SampleRate(); err != nil || rate != 1200 {
		t.Errorf("sample rate %d, %v", rate, err)
	}
	if csr := m.Reg(OffCSR); csr&Both(ELLMap.CSR.DDR) != Both(ELLMap.CSR.DDR) {
		t.Errorf("DDR not enabled after Init, CSR 0x%04X", csr)
	}
	for dac := 0; dac < NumChannels; dac++ {
		target := dacTarget(dac)
		if sd := m.SPIReg(target, dacReg(dac, dacSDReg)); sd != 2<<4 {
			t.Errorf("DAC %d sample delay register 0x%02X", dac, sd)
		}
		if sync := m.SPIReg(target, dacReg(dac, dacSyncReg)); sync&(1<<dacFIFOSyncBit) == 0 {
			t.Errorf("DAC %d FIFO not enabled", dac)
		}
	}
}

func TestInitSkippedWhenLocked(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	if err := d.Init(context.Background(), InitOptions{}); err != nil {
		t.Fatal(err)
	}
	if m.Resets != 0 {
		t.Errorf("locked board reset %d times", m.Resets)
	}
	if d.State() != Initialized {
		t.Errorf("state %s", d.State())
	}
}

func TestInitProgramsBitfile(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	m.BootVersion = 0x11
	bf := &Bitfile{Name: "aps2_0x11.bit", Data: []byte{1, 2, 3}, ExpectedVersion: 0x11}
	if err := d.Init(context.Background(), InitOptions{ForceReload: true, Bitfile: bf}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(m.Bitfile, bf.Data) {
		t.Errorf("board holds bitfile %v", m.Bitfile)
	}

	d, m = connectedDevice(t, testOptions())
	bf.ExpectedVersion = 0x12
	m.BootVersion = 0x11
	err := d.Init(context.Background(), InitOptions{ForceReload: true, Bitfile: bf})
	if !errors.Is(err, ErrBitfileVersion) {
		t.Fatalf("expected ErrBitfileVersion, got %v", err)
	}
}

// slowBoot fails the first reads of the version register, as a board
// booting a new image does
type slowBoot struct {
	*MockBoard
	fails int
}

func (b *slowBoot) ReadRegister(addr uint32) (uint32, error) {
	if addr == VersionAddr && b.fails > 0 {
		b.fails--
		return 0, errors.New("no reply")
	}
	return b.MockBoard.ReadRegister(addr)
}

func TestProgramFPGARetriesVersionReads(t *testing.T) {
	b := &slowBoot{MockBoard: NewMockBoard()}
	b.BootVersion = 0x11
	d := New("A2-01", b, testOptions())
	if err := d.Connect(); err != nil {
		t.Fatal(err)
	}
	bf := Bitfile{Name: "aps2_0x11.bit", Data: []byte{1, 2, 3}, ExpectedVersion: 0x11}
	b.fails = 3
	if err := d.ProgramFPGA(context.Background(), bf); err != nil {
		t.Fatalf("version reads failing 3 times: %v", err)
	}
	b.fails = 1000
	err := d.ProgramFPGA(context.Background(), bf)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport once the polls run out, got %v", err)
	}
	if want := 1000 - testOptions().VersionPolls; b.fails != want {
		t.Errorf("version read %d times, expected %d", 1000-b.fails, testOptions().VersionPolls)
	}
}

// stuckClose is a board whose link cannot be closed
type stuckClose struct {
	*MockBoard
}

func (b stuckClose) Disconnect() error { return errors.New("socket stuck") }

func TestConnectReportsMapErrorOverCloseError(t *testing.T) {
	b := stuckClose{NewMockBoard()}
	b.Version = 0x3
	d := New("A2-01", b, testOptions())
	if err := d.Connect(); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
	if d.State() != Disconnected {
		t.Errorf("state %s after a failed Connect", d.State())
	}
}

func TestInitLockTimeout(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	m.Unlocked = true
	err := d.Init(context.Background(), InitOptions{})
	if !errors.Is(err, ErrPllLockTimeout) {
		t.Fatalf("expected ErrPllLockTimeout, got %v", err)
	}
	if d.State() == Initialized {
		t.Error("device initialized without lock")
	}
}

func TestSyncXORRecovery(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	m.XORHigh = 10
	m.Phase = [2]float64{90, 0}
	m.OnPLLReset = func(m *MockBoard, mask uint32) {
		m.XORHigh = 0
		m.Phase[0] = 0
	}
	if err := d.TestPLLSync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.PLLResets != 1 {
		t.Errorf("PLLs reset %d times", m.PLLResets)
	}
	if !hasSPI(m, SPITransfer{TargetPLL, PLLDAC0Enable, pllOutDisable}) {
		t.Error("pair A output was not power cycled")
	}
	if hasSPI(m, SPITransfer{TargetPLL, PLLDAC1Enable, pllOutDisable}) {
		t.Error("pair B output was power cycled while in phase")
	}
}

func TestSyncChannelRecovery(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	m.Phase = [2]float64{0, 180}
	m.OnPLLReset = func(m *MockBoard, mask uint32) {
		if mask == ELLMap.CSR.PLLReset[PairB] {
			m.Phase[1] = 10
		}
	}
	if err := d.TestPLLSync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.PLLResets != 1 {
		t.Errorf("PLLs reset %d times", m.PLLResets)
	}
}

func TestSyncGlobalFailure(t *testing.T) {
	opts := testOptions()
	opts.Sync.MaxPhaseTests = 3
	d, m := connectedDevice(t, opts)
	m.Phase = [2]float64{0, 180}
	err := d.TestPLLSync(context.Background())
	if !errors.Is(err, ErrGlobalSyncFailed) {
		t.Fatalf("expected ErrGlobalSyncFailed, got %v", err)
	}
	if csr := m.Reg(OffCSR); csr&Both(ELLMap.CSR.DDR) == 0 {
		t.Error("DDR left disabled after a failed sync")
	}
	// each attempt resets pair B MaxPhaseTests times, and each retry resets both
	if want := (opts.Sync.GlobalRetries+1)*opts.Sync.MaxPhaseTests + opts.Sync.GlobalRetries; m.PLLResets != want {
		t.Errorf("PLLs reset %d times, expected %d", m.PLLResets, want)
	}
}

func ddrEnabled(m *MockBoard) bool {
	ddr := Both(ELLMap.CSR.DDR)
	return m.Reg(OffCSR)&ddr == ddr
}

func countSPI(m *MockBoard, w SPITransfer) int {
	m.Lock()
	defer m.Unlock()
	n := 0
	for _, x := range m.SPILog {
		if x == w {
			n++
		}
	}
	return n
}

func TestSyncXORTimeout(t *testing.T) {
	opts := testOptions()
	opts.Sync.MaxPhaseTests = 4
	d, m := connectedDevice(t, opts)
	m.XORHigh = 20
	if err := d.TestPLLSync(context.Background()); !errors.Is(err, ErrPhaseSyncTimeout) {
		t.Fatalf("expected ErrPhaseSyncTimeout, got %v", err)
	}
	if !ddrEnabled(m) {
		t.Error("DDR left disabled after the XOR test timed out")
	}
}

func TestSyncLockTimeoutEnablesDDR(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	m.Unlocked = true
	if err := d.TestPLLSync(context.Background()); !errors.Is(err, ErrPllLockTimeout) {
		t.Fatalf("expected ErrPllLockTimeout, got %v", err)
	}
	if !ddrEnabled(m) {
		t.Error("DDR left disabled after the PLLs failed to lock")
	}
}

func TestSyncChannelTimeoutEnablesDDR(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	m.Phase = [2]float64{0, 180}
	m.OnPLLReset = func(m *MockBoard, mask uint32) {
		if mask == ELLMap.CSR.PLLReset[PairB] {
			m.Unlocked = true
		}
	}
	if err := d.TestPLLSync(context.Background()); !errors.Is(err, ErrChannelSyncTimeout) {
		t.Fatalf("expected ErrChannelSyncTimeout, got %v", err)
	}
	if !ddrEnabled(m) {
		t.Error("DDR left disabled after pair B failed to relock")
	}
}

func TestSyncInPhaseNeedsNoResets(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	m.Phase = [2]float64{10, 5}
	m.XORHigh = 2
	if err := d.TestPLLSync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.PLLResets != 0 {
		t.Errorf("PLLs reset %d times", m.PLLResets)
	}
	for _, reg := range []uint16{PLLDAC0Enable, PLLDAC1Enable} {
		if n := countSPI(m, SPITransfer{TargetPLL, reg, pllOutDisable}); n != 0 {
			t.Errorf("PLL output 0x%X disabled %d times", reg, n)
		}
	}
}

func TestSyncQuadratureCyclesEachPairOnce(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	m.Phase = [2]float64{90, 90}
	m.XORHigh = 20
	m.OnPLLReset = func(m *MockBoard, mask uint32) {
		m.XORHigh = 0
		m.Phase = [2]float64{0, 0}
	}
	if err := d.TestPLLSync(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, reg := range []uint16{PLLDAC0Enable, PLLDAC1Enable} {
		if n := countSPI(m, SPITransfer{TargetPLL, reg, pllOutDisable}); n != 1 {
			t.Errorf("PLL output 0x%X disabled %d times, expected 1", reg, n)
		}
		if n := countSPI(m, SPITransfer{TargetPLL, reg, pllOutEnable}); n != 1 {
			t.Errorf("PLL output 0x%X enabled %d times, expected 1", reg, n)
		}
	}
	if m.PLLResets != 1 {
		t.Errorf("PLLs reset %d times", m.PLLResets)
	}
}

func TestSyncCancelled(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	m.XORHigh = 20
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.TestPLLSync(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPhaseDegrees(t *testing.T) {
	for _, deg := range []float64{0, 10, 45, 90, -45, -90, 179} {
		got := PhaseDegrees(phaseRaw(deg))
		if math.Abs(got-deg) > 180.0/256 {
			t.Errorf("%v degrees read back as %v", deg, got)
		}
	}
	if got := PhaseDegrees(256); got != 180 {
		t.Errorf("raw 256 read as %v, expected 180", got)
	}
	if got := PhaseDegrees(257); got >= -179 {
		t.Errorf("raw 257 read as %v", got)
	}
}

func TestSetupDACFindsWindow(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	m.DACSetupEdge[3] = 2
	m.DACHoldEdge[3] = 12
	timing, err := d.SetupDAC(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	want := DACTiming{SetupEdge: 2, HoldEdge: 12, SampleDelay: 5}
	if timing != want {
		t.Errorf("timing %+v, expected %+v", timing, want)
	}
	if sd := m.SPIReg(TargetDAC1, dacReg(3, dacSDReg)); sd != 5<<4 {
		t.Errorf("sample delay register 0x%02X", sd)
	}
	if _, err := d.SetupDAC(context.Background(), 4); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange for DAC 4, got %v", err)
	}
}

func TestSetupDACClampsDelay(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	m.DACSetupEdge[0] = 10
	m.DACHoldEdge[0] = 2
	timing, err := d.SetupDAC(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if timing.SampleDelay != 0 {
		t.Errorf("sample delay %d, expected clamp to 0", timing.SampleDelay)
	}
}

func TestSampleRate(t *testing.T) {
	d, m := initializedDevice(t)
	if err := d.SetSampleRate(context.Background(), 300); err != nil {
		t.Fatal(err)
	}
	if m.SPIReg(TargetPLL, PLLCyclesAddr) != 0x11 {
		t.Errorf("PLL cycles 0x%02X for 300 MHz", m.SPIReg(TargetPLL, PLLCyclesAddr))
	}
	if rate, err := d.SampleRate(); err != nil || rate != 300 {
		t.Errorf("sample rate %d, %v", rate, err)
	}
	if err := d.SetSampleRate(context.Background(), 250); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration for 250 MHz, got %v", err)
	}
}

func TestTriggerIntervalRoundTrip(t *testing.T) {
	d, m := initializedDevice(t)
	if err := d.SetTriggerInterval(1e-3); err != nil {
		t.Fatal(err)
	}
	if upper, lower := m.Reg(OffTrigInterval), m.Reg(OffTrigInterval+1); upper<<16|lower != 299998 {
		t.Errorf("trigger registers 0x%04X 0x%04X", upper, lower)
	}
	got, err := d.TriggerInterval()
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-1e-3) > 1e-12 {
		t.Errorf("interval read back as %v", got)
	}
	if err := d.SetTriggerInterval(1.0); err != nil {
		t.Fatal(err)
	}
	got, err = d.TriggerInterval()
	if err != nil {
		t.Fatal(err)
	}
	if resolution := 1 / (0.25 * 1200e6); math.Abs(got-1.0) > resolution {
		t.Errorf("1 s read back as %v", got)
	}
	for _, secs := range []float64{-1, 100} {
		if err := d.SetTriggerInterval(secs); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("expected ErrOutOfRange for %v s, got %v", secs, err)
		}
	}
}

func TestTriggerIntervalNeedsRate(t *testing.T) {
	m := NewMockBoard()
	m.setSPI(TargetPLL, PLLCyclesAddr, 0x33)
	d := New("A2-01", m, testOptions())
	if err := d.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := d.SetTriggerInterval(1e-3); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration with the PLL in an unknown state, got %v", err)
	}
}

func TestConnectReadsSampleRate(t *testing.T) {
	m := NewMockBoard()
	m.setSPI(TargetPLL, PLLCyclesAddr, 0x11)
	d := New("A2-01", m, testOptions())
	if err := d.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := d.SetTriggerInterval(1e-3); err != nil {
		t.Fatal(err)
	}
	// 1 ms at 300 MHz
	if upper, lower := m.Reg(OffTrigInterval), m.Reg(OffTrigInterval+1); upper<<16|lower != 74998 {
		t.Errorf("trigger registers 0x%04X 0x%04X", upper, lower)
	}
}

func TestTriggerSource(t *testing.T) {
	d, m := initializedDevice(t)
	if err := d.SetTriggerSource(TriggerExternal); err != nil {
		t.Fatal(err)
	}
	if m.Reg(OffCSR)&Both(ELLMap.CSR.TrigSrc) != Both(ELLMap.CSR.TrigSrc) {
		t.Errorf("CSR 0x%04X", m.Reg(OffCSR))
	}
	src, err := d.TriggerSource()
	if err != nil || src != TriggerExternal {
		t.Errorf("source %s, %v", src, err)
	}
	if s, err := ParseTriggerSource("Internal"); err != nil || s != TriggerInternal {
		t.Errorf("parsed %s, %v", s, err)
	}
}

func TestRunStop(t *testing.T) {
	d, m := initializedDevice(t)
	if err := d.SetTriggerInterval(1e-4); err != nil {
		t.Fatal(err)
	}
	if err := d.SetTriggerSource(TriggerExternal); err != nil {
		t.Fatal(err)
	}
	upper, lower := m.Reg(OffTrigInterval), m.Reg(OffTrigInterval+1)
	if err := d.SetChannelEnabled(1, true); err != nil {
		t.Fatal(err)
	}
	if err := d.Run(); err != nil {
		t.Fatal(err)
	}
	if csr := m.Reg(OffCSR); csr&Both(ELLMap.CSR.SMRun) != ELLMap.CSR.SMRun[PairB] {
		t.Errorf("CSR 0x%04X after running channel 1", csr)
	}
	if d.State() != Running {
		t.Errorf("state %s", d.State())
	}

	if err := d.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	csr := m.Reg(OffCSR)
	if csr&Both(ELLMap.CSR.SMRun) != 0 {
		t.Errorf("state machines running after Stop, CSR 0x%04X", csr)
	}
	if csr&Both(ELLMap.CSR.TrigSrc) != Both(ELLMap.CSR.TrigSrc) {
		t.Errorf("external trigger not restored, CSR 0x%04X", csr)
	}
	if m.Reg(OffTrigInterval) != upper || m.Reg(OffTrigInterval+1) != lower {
		t.Error("trigger interval not restored")
	}
	if d.State() != Stopped {
		t.Errorf("state %s", d.State())
	}
}

func TestStopRestoresTriggerWhenCancelled(t *testing.T) {
	d, m := initializedDevice(t)
	if err := d.SetTriggerInterval(1e-4); err != nil {
		t.Fatal(err)
	}
	if err := d.SetTriggerSource(TriggerExternal); err != nil {
		t.Fatal(err)
	}
	upper, lower := m.Reg(OffTrigInterval), m.Reg(OffTrigInterval+1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Stop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if m.Reg(OffTrigInterval) != upper || m.Reg(OffTrigInterval+1) != lower {
		t.Errorf("trigger interval 0x%04X 0x%04X after a cancelled stop", m.Reg(OffTrigInterval), m.Reg(OffTrigInterval+1))
	}
	if src, err := d.TriggerSource(); err != nil || src != TriggerExternal {
		t.Errorf("trigger source %s, %v after a cancelled stop", src, err)
	}
}

func TestPrepareWaveform(t *testing.T) {
	got, err := PrepareWaveform([]int16{1, 2, 3, 4, 5}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int16{2, 4, 6, 8, 10, 0, 0, 0}, got); diff != "" {
		t.Errorf("prepared waveform (-want +got):\n%s", diff)
	}
	if WFLengthRegister(len(got)) != 1 {
		t.Errorf("length register %d", WFLengthRegister(len(got)))
	}
	if _, err := PrepareWaveform(make([]int16, MaxWFLenSamples), 1); err != nil {
		t.Errorf("full length waveform rejected: %v", err)
	}
	bad := []struct {
		name  string
		raw   []int16
		scale float64
	}{
		{"empty", nil, 1},
		{"too long", make([]int16, MaxWFLenSamples+1), 1},
		{"overflow", []int16{5000}, 2},
		{"underflow", []int16{-5000}, 2},
		{"NaN scale", []int16{1}, math.NaN()},
	}
	for _, c := range bad {
		if _, err := PrepareWaveform(c.raw, c.scale); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("%s: expected ErrOutOfRange, got %v", c.name, err)
		}
	}
}

func TestSetWaveformWritesPair(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	if err := d.SetWaveform(1, []int16{1, -1, 2, -2, 3}); err != nil {
		t.Fatal(err)
	}
	want := []uint16{1, 0xFFFF, 2, 0xFFFE, 3, 0, 0, 0}
	if diff := cmp.Diff(want, m.Words(ELLMap.WFWrite[PairB], 8)); diff != "" {
		t.Errorf("pair B memory (-want +got):\n%s", diff)
	}
	if m.Reg(OffPhsSize) != 1 {
		t.Errorf("pair B length register %d", m.Reg(OffPhsSize))
	}
	if err := d.SetWaveform(4, []int16{1}); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange for channel 4, got %v", err)
	}
}

func TestChannelScaleKeptOnOverflow(t *testing.T) {
	d, _ := connectedDevice(t, testOptions())
	if err := d.SetWaveform(0, []int16{4000}); err != nil {
		t.Fatal(err)
	}
	if err := d.SetChannelScale(0, 3); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
	if s, _ := d.ChannelScale(0); s != 1 {
		t.Errorf("scale %v after rejected change", s)
	}
}

func TestChannelOffsetRegister(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	cases := []struct {
		offset float64
		want   uint32
	}{
		{0.5, 4096},
		{1, 8191},
		{-1, uint32(uint16(0xE000))},
	}
	for _, c := range cases {
		if err := d.SetChannelOffset(2, c.offset); err != nil {
			t.Fatal(err)
		}
		if got := m.Reg(OffDAC02Zero); got != c.want {
			t.Errorf("offset %v wrote 0x%04X, expected 0x%04X", c.offset, got, c.want)
		}
	}
	if err := d.SetChannelOffset(2, 1.5); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func testSamples(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(i%100 + 1)
	}
	return out
}

func TestChecksumsMatch(t *testing.T) {
	opts := testOptions()
	opts.VerifyChecksums = true
	d, _ := connectedDevice(t, opts)
	if err := d.SetWaveform(0, testSamples(300)); err != nil {
		t.Fatal(err)
	}
}

// corruptingBoard flips one bit of every block it forwards
type corruptingBoard struct {
	*MockBoard
	at int
}

func (c *corruptingBoard) WriteBlock(packet []byte, offsets []int) (int, error) {
	p := append([]byte(nil), packet...)
	p[c.at] ^= 0x01
	return c.MockBoard.WriteBlock(p, offsets)
}

func TestChecksumsCatchCorruption(t *testing.T) {
	opts := testOptions()
	opts.VerifyChecksums = true
	samples := testSamples(300)
	size := len(EncodeWrite(0, make([]uint16, len(samples))))
	for at := 0; at < size; at++ {
		m := NewMockBoard()
		d := New("A2-01", &corruptingBoard{MockBoard: m, at: at}, opts)
		if err := d.Connect(); err != nil {
			t.Fatal(err)
		}
		if err := d.SetWaveform(0, samples); !errors.Is(err, ErrChecksumMismatch) {
			t.Fatalf("bit flip at byte %d: expected ErrChecksumMismatch, got %v", at, err)
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	d, _ := initializedDevice(t)
	if err := d.SetWaveform(1, []int16{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := d.SetChannelOffset(1, 0.25); err != nil {
		t.Fatal(err)
	}
	if err := d.SetChannelEnabled(1, true); err != nil {
		t.Fatal(err)
	}
	bank, _ := NewLLBank([]uint16{0, 4}, []uint16{4, 2}, []uint16{1, 0}, []uint16{0, 1}, []uint16{0, 3})
	if err := d.SetLinkList(3, bank); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := d.SaveState(&buf); err != nil {
		t.Fatal(err)
	}

	d2 := New("A2-01", NewMockBoard(), testOptions())
	if err := d2.LoadState(&buf); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(d.Snapshot(), d2.Snapshot(), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("restored state (-want +got):\n%s", diff)
	}

	d3 := New("A2-99", NewMockBoard(), testOptions())
	buf.Reset()
	d.SaveState(&buf)
	if err := d3.LoadState(&buf); !errors.Is(err, ErrInvalidConfiguration) {
		t.Errorf("expected ErrInvalidConfiguration for another board's state, got %v", err)
	}
}

func TestLoadStateChecksLimits(t *testing.T) {
	d, _ := connectedDevice(t, testOptions())
	if err := d.SetChannelOffset(0, 0.5); err != nil {
		t.Fatal(err)
	}
	docs := []string{
		"serial: A2-01\nchannels:\n- offset: 2\n  scale: 1\n",
		"serial: A2-01\nchannels:\n- offset: 0\n  scale: 100\n  waveform: [1000]\n",
		"serial: A2-01\nchannels:\n- offset: 0\n  scale: .nan\n",
	}
	for _, doc := range docs {
		if err := d.LoadState(bytes.NewBufferString(doc)); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("expected ErrOutOfRange for\n%s, got %v", doc, err)
		}
	}
	if off, _ := d.ChannelOffset(0); off != 0.5 {
		t.Errorf("offset %v after rejected states", off)
	}
}

func TestStateFile(t *testing.T) {
	d, _ := connectedDevice(t, testOptions())
	dir := t.TempDir()
	path, err := d.SaveStateFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	if want := StateFileName(d.Serial); len(path) < len(want) || path[len(path)-len(want):] != want {
		t.Errorf("state written to %s", path)
	}
	if err := d.LoadStateFile(dir); err != nil {
		t.Fatal(err)
	}
}

type fakeSequence struct {
	wf     map[int][]int16
	ll     map[int]LLBank
	repeat uint16
}

func (s fakeSequence) LoadWaveform(ch int) ([]int16, error) { return s.wf[ch], nil }

func (s fakeSequence) LoadLinkList(ch int) (LLBank, error) { return s.ll[ch], nil }

func (s fakeSequence) MiniLLRepeat() uint16 { return s.repeat }

func TestLoadSequence(t *testing.T) {
	d, m := initializedDevice(t)
	bank, _ := NewLLBank([]uint16{0}, []uint16{2}, []uint16{1}, []uint16{0}, []uint16{0})
	seq := fakeSequence{
		wf:     map[int][]int16{0: {5, 6, 7, 8}},
		ll:     map[int]LLBank{0: bank},
		repeat: 3,
	}
	if err := d.LoadSequence(seq); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint16{5, 6, 7, 8}, m.Words(ELLMap.WFWrite[PairA], 4)); diff != "" {
		t.Errorf("pair A memory (-want +got):\n%s", diff)
	}
	if m.Reg(OffEnvLLRepeat) != 3 || m.Reg(OffPhsLLRepeat) != 3 {
		t.Errorf("mini link-list repeat %d %d", m.Reg(OffEnvLLRepeat), m.Reg(OffPhsLLRepeat))
	}
	ll, _ := d.LinkList(0)
	if diff := cmp.Diff(bank, ll); diff != "" {
		t.Errorf("link list (-want +got):\n%s", diff)
	}
}

func TestClearChannelData(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	if err := d.SetWaveform(0, []int16{1, 2, 3, 4, 5}); err != nil {
		t.Fatal(err)
	}
	if err := d.ClearChannelData(); err != nil {
		t.Fatal(err)
	}
	if wf, _ := d.Waveform(0); len(wf) != 0 {
		t.Errorf("waveform %v after clear", wf)
	}
	if m.Reg(OffEnvSize) != 0 {
		t.Errorf("length register %d after clear", m.Reg(OffEnvSize))
	}
}

func TestStatusCtrl(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	if err := d.ResetStatusCtrl(); err != nil {
		t.Fatal(err)
	}
	if m.Reg(OffStatusCtrl) != 1 {
		t.Error("oscillator not enabled")
	}
	if err := d.ClearStatusCtrl(); err != nil {
		t.Fatal(err)
	}
	if m.Reg(OffStatusCtrl) != 0 {
		t.Error("oscillator not disabled")
	}
}

func TestReset(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	m.Status.Uptime = 42
	st, err := d.Reset()
	if err != nil {
		t.Fatal(err)
	}
	if st.Uptime != 42 || st.UserFirmwareVersion != VersionELL {
		t.Errorf("status %+v", st)
	}
}
