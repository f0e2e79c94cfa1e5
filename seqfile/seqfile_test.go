package seqfile_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.jpl.nasa.gov/bdube/apsctl/aps2"
	"github.jpl.nasa.gov/bdube/apsctl/seqfile"
)

func testSequence() *seqfile.Sequence {
	s := &seqfile.Sequence{Repeat: 3}
	s.Waveforms[0] = []int16{0, 100, -100, 8191, -8192, 1, 2, 3}
	s.Waveforms[3] = []int16{4, 5, 6, 7}
	bank, err := aps2.NewLLBank(
		[]uint16{0, 2, 4},
		[]uint16{1, 1, 2},
		[]uint16{1, 0, 0},
		[]uint16{0, 0, 1},
		[]uint16{0, 5, 0})
	if err != nil {
		panic(err)
	}
	s.LinkLists[0] = bank
	return s
}

func TestRoundTrip(t *testing.T) {
	want := testSequence()
	var buf bytes.Buffer
	if err := seqfile.Write(&buf, want); err != nil {
		t.Fatal(err)
	}
	got, err := seqfile.Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("sequence (-want +got):\n%s", diff)
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seq.fits")
	want := testSequence()
	want.LinkLists[0].IQMode = false
	for i := range want.LinkLists[0].Entries {
		want.LinkLists[0].Entries[i].IQ = false
	}
	if err := seqfile.Save(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := seqfile.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("sequence (-want +got):\n%s", diff)
	}
}

func TestLoaderChannelRange(t *testing.T) {
	s := testSequence()
	if _, err := s.LoadWaveform(4); !errors.Is(err, aps2.ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if _, err := s.LoadLinkList(-1); !errors.Is(err, aps2.ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestLoadIntoDevice(t *testing.T) {
	m := aps2.NewMockBoard()
	d := aps2.New("A2-01", m, aps2.DefaultOptions())
	if err := d.Connect(); err != nil {
		t.Fatal(err)
	}
	s := testSequence()
	if err := d.LoadSequence(s); err != nil {
		t.Fatal(err)
	}
	wf, err := d.Waveform(3)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(s.Waveforms[3], wf); diff != "" {
		t.Errorf("channel 3 waveform (-want +got):\n%s", diff)
	}
	ll, err := d.LinkList(0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(s.LinkLists[0], ll, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("channel 0 link list (-want +got):\n%s", diff)
	}
	if m.Reg(aps2.OffEnvLLRepeat) != 3 {
		t.Errorf("repeat register %d", m.Reg(aps2.OffEnvLLRepeat))
	}
}
