package aps2

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testBank(n int) LLBank {
	b := LLBank{IQMode: true}
	for i := 0; i < n; i++ {
		b.Entries = append(b.Entries, LLEntry{
			Addr:     uint16(i * 4),
			Count:    uint16(i + 1),
			Repeat:   uint16(i % 3),
			TriggerA: i%2 == 0,
			TriggerB: i%3 == 0,
			IQ:       true,
		})
	}
	return b
}

func TestLLEntryPackUnpack(t *testing.T) {
	e := LLEntry{Addr: 0x123, Count: 7, Repeat: 2, TriggerB: true, IQ: true}
	w := e.Pack()
	if w[2] != llFlagTrigB|llFlagIQ {
		t.Errorf("flags word 0x%04X", w[2])
	}
	if got := UnpackLLEntry(w); got != e {
		t.Errorf("%+v unpacked as %+v", e, got)
	}
}

func TestNewLLBankColumnLengths(t *testing.T) {
	_, err := NewLLBank([]uint16{1, 2}, []uint16{1}, []uint16{0, 0}, []uint16{0, 0}, []uint16{0, 0})
	if !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestEntriesToWrite(t *testing.T) {
	cases := []struct{ length, start, stop, want int }{
		{10, 0, 10, 10},
		{10, 2, 5, 3},
		{10, 8, 2, 4},
		{10, 5, 5, 0},
		{0, 0, 0, 0},
	}
	for _, c := range cases {
		if got := EntriesToWrite(c.length, c.start, c.stop); got != c.want {
			t.Errorf("EntriesToWrite(%d, %d, %d) = %d, expected %d", c.length, c.start, c.stop, got, c.want)
		}
	}
}

func TestBankSliceWraps(t *testing.T) {
	b := testBank(5)
	got := b.Slice(3, 1)
	want := []LLEntry{b.Entries[3], b.Entries[4], b.Entries[0]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("slice (-want +got):\n%s", diff)
	}
}

// every accepted plan covers the requested range exactly once and stays in memory
func TestPlanLLWriteCoversRange(t *testing.T) {
	for length := 1; length <= 12; length++ {
		for capacity := 1; capacity <= 12; capacity++ {
			for addr := 0; addr < capacity; addr++ {
				for start := 0; start < length; start++ {
					for stop := 0; stop <= length; stop++ {
						spans, err := PlanLLWrite(length, capacity, addr, start, stop)
						n := EntriesToWrite(length, start, stop)
						if n > capacity {
							if !errors.Is(err, ErrInvalidConfiguration) {
								t.Fatalf("%d entries into %d: expected ErrInvalidConfiguration, got %v", n, capacity, err)
							}
							continue
						}
						if err != nil {
							t.Fatalf("PlanLLWrite(%d, %d, %d, %d, %d): %v", length, capacity, addr, start, stop, err)
						}
						total := 0
						next := start
						for i, s := range spans {
							k := EntriesToWrite(length, s.From, s.To)
							if s.From != next {
								t.Fatalf("span %d starts at %d, expected %d", i, s.From, next)
							}
							if s.Addr+k > capacity {
								t.Fatalf("span %d of %d entries at %d overruns %d", i, k, s.Addr, capacity)
							}
							if i > 0 && s.Addr != 0 {
								t.Fatalf("wrapped span written at %d", s.Addr)
							}
							total += k
							next = s.To
						}
						if total != n {
							t.Fatalf("PlanLLWrite(%d, %d, %d, %d, %d) covers %d entries, expected %d",
								length, capacity, addr, start, stop, total, n)
						}
					}
				}
			}
		}
	}
}

func TestPlanLLWriteRejectsBadRanges(t *testing.T) {
	cases := []struct{ length, capacity, addr, start, stop int }{
		{4, 8, 8, 0, 4},
		{4, 8, -1, 0, 4},
		{4, 8, 0, 4, 1},
		{4, 8, 0, 0, 5},
		{0, 8, 0, 0, 1},
	}
	for _, c := range cases {
		if _, err := PlanLLWrite(c.length, c.capacity, c.addr, c.start, c.stop); !errors.Is(err, ErrInvalidConfiguration) {
			t.Errorf("%+v: expected ErrInvalidConfiguration, got %v", c, err)
		}
	}
}

func readELL(m *MockBoard, base uint32, entry, n int) []LLEntry {
	words := m.Words(base+uint32(entry*ELLEntryLength), n*ELLEntryLength)
	out := make([]LLEntry, n)
	for i := range out {
		var w [ELLEntryLength]uint16
		copy(w[:], words[i*ELLEntryLength:])
		out[i] = UnpackLLEntry(w)
	}
	return out
}

func TestSetLinkListWritesELL(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	bank := testBank(6)
	if err := d.SetLinkList(0, bank); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(bank.Entries, readELL(m, ELLMap.LLWrite[PairA], 0, 6)); diff != "" {
		t.Errorf("link-list memory (-want +got):\n%s", diff)
	}
	if m.Reg(OffEnvLLACtrl) != 5 {
		t.Errorf("length register %d", m.Reg(OffEnvLLACtrl))
	}
}

func TestWriteLLRangeWrapsMemory(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	bank := testBank(6)
	// a list longer than memory is held in software only
	big := testBank(MaxLLLengthELL + 1)
	if err := d.SetLinkList(1, big); err != nil {
		t.Fatal(err)
	}
	if m.Packets != 0 {
		t.Fatalf("oversize link list written in %d packets", m.Packets)
	}
	if err := d.SetLinkList(1, bank); err != nil {
		t.Fatal(err)
	}
	start := MaxLLLengthELL - 2
	if err := d.WriteLLRange(1, start, 0, 6, false); err != nil {
		t.Fatal(err)
	}
	base := ELLMap.LLWrite[PairB]
	if diff := cmp.Diff(bank.Entries[:2], readELL(m, base, start, 2)); diff != "" {
		t.Errorf("end of memory (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(bank.Entries[2:], readELL(m, base, 0, 4)); diff != "" {
		t.Errorf("start of memory (-want +got):\n%s", diff)
	}
	if err := d.WriteLLRange(1, 0, 0, 0, true); err != nil {
		t.Errorf("empty range: %v", err)
	}
	if err := d.WriteLLRange(1, 0, 2, 2, false); err != nil {
		t.Errorf("empty range: %v", err)
	}
}

func TestSetLinkListPlainTables(t *testing.T) {
	m := NewMockBoard()
	m.Version = VersionR5
	d := New("A2-01", m, testOptions())
	if err := d.Connect(); err != nil {
		t.Fatal(err)
	}
	bank := testBank(3)
	if err := d.SetLinkList(1, bank); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint16{0, 4, 8}, m.Words(PlainMap.LLWrite[PairB], 3)); diff != "" {
		t.Errorf("offset table (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint16{1, 2, 3}, m.Words(PlainMap.LLCount[PairB], 3)); diff != "" {
		t.Errorf("count table (-want +got):\n%s", diff)
	}
	if ctrl := m.Reg(OffLLCtrl); ctrl != 2<<LLSizePhsShift {
		t.Errorf("link-list control 0x%04X", ctrl)
	}
	if err := d.SetLinkList(0, testBank(MaxLLLength)); err != nil {
		t.Fatal(err)
	}
	if ctrl := m.Reg(OffLLCtrl); ctrl != 2<<LLSizePhsShift|(MaxLLLength-1)<<LLSizeEnvShift {
		t.Errorf("link-list control 0x%04X after writing pair A", ctrl)
	}
}

func TestMiniLLRepeat(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	if err := d.SetMiniLLRepeat(9); err != nil {
		t.Fatal(err)
	}
	if m.Reg(OffEnvLLRepeat) != 9 || m.Reg(OffPhsLLRepeat) != 9 {
		t.Errorf("repeat registers %d %d", m.Reg(OffEnvLLRepeat), m.Reg(OffPhsLLRepeat))
	}
}

func TestWriteLLRangeBadLengthQueuesNothing(t *testing.T) {
	d, m := connectedDevice(t, testOptions())
	if err := d.SetLinkList(1, testBank(6)); err != nil {
		t.Fatal(err)
	}
	packets := m.Packets
	if err := d.WriteLLRange(1, 0, 2, 0, true); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
	if n := d.queue.Len(); n != 0 {
		t.Errorf("%d writes left queued", n)
	}
	if m.Packets != packets {
		t.Errorf("%d packets sent for a rejected range", m.Packets-packets)
	}
}

func TestWriteLLRangeControlReadFailure(t *testing.T) {
	m := NewMockBoard()
	m.Version = VersionR5
	d := New("A2-01", m, testOptions())
	if err := d.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := d.SetLinkList(1, testBank(3)); err != nil {
		t.Fatal(err)
	}
	m.Fail = errors.New("link down")
	if err := d.WriteLLRange(1, 0, 0, 3, true); err == nil {
		t.Fatal("expected an error reading the link-list control register")
	}
	if n := d.queue.Len(); n != 0 {
		t.Errorf("%d writes left queued", n)
	}
}
