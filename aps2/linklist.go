package aps2

import (
	"fmt"

	"github.com/golang/glog"

	"github.jpl.nasa.gov/bdube/apsctl/util"
)

// link-list entry flag word bits
const (
	llFlagTrigA = 0x1
	llFlagTrigB = 0x2
	llFlagIQ    = 0x8000
)

// LLEntry is one waveform segment descriptor of a link list
type LLEntry struct {
	// Addr is the start of the segment in waveform memory, in units of WFModulus samples
	Addr uint16 `yaml:"addr"`

	// Count is the length of the segment, in units of WFModulus samples
	Count uint16 `yaml:"count"`

	// Repeat is the number of times the segment plays
	Repeat uint16 `yaml:"repeat"`

	TriggerA bool `yaml:"trigA"`
	TriggerB bool `yaml:"trigB"`
	IQ       bool `yaml:"iq"`
}

// Pack returns the ELLEntryLength words the entry occupies in extended link-list memory
func (e LLEntry) Pack() [ELLEntryLength]uint16 {
	var flags uint16
	if e.TriggerA {
		flags |= llFlagTrigA
	}
	if e.TriggerB {
		flags |= llFlagTrigB
	}
	if e.IQ {
		flags |= llFlagIQ
	}
	return [ELLEntryLength]uint16{e.Addr, e.Count, flags, e.Repeat}
}

// UnpackLLEntry is the inverse of LLEntry.Pack
func UnpackLLEntry(w [ELLEntryLength]uint16) LLEntry {
	return LLEntry{
		Addr:     w[0],
		Count:    w[1],
		TriggerA: w[2]&llFlagTrigA != 0,
		TriggerB: w[2]&llFlagTrigB != 0,
		IQ:       w[2]&llFlagIQ != 0,
		Repeat:   w[3],
	}
}

// LLBank is a link list, addressed as a ring of Len entries
type LLBank struct {
	Entries []LLEntry `yaml:"entries"`
	IQMode  bool      `yaml:"iqMode"`
}

// NewLLBank builds a bank from parallel columns.  A nonzero trigger value
// sets the entry's trigger flag.
func NewLLBank(addr, count, trigger1, trigger2, repeat []uint16) (LLBank, error) {
	n := len(addr)
	if len(count) != n || len(trigger1) != n || len(trigger2) != n || len(repeat) != n {
		return LLBank{}, fmt.Errorf("link-list columns have lengths %d %d %d %d %d: %w",
			len(addr), len(count), len(trigger1), len(trigger2), len(repeat), ErrInvalidConfiguration)
	}
	b := LLBank{Entries: make([]LLEntry, n), IQMode: true}
	for i := range b.Entries {
		b.Entries[i] = LLEntry{
			Addr:     addr[i],
			Count:    count[i],
			Repeat:   repeat[i],
			TriggerA: trigger1[i] != 0,
			TriggerB: trigger2[i] != 0,
			IQ:       true,
		}
	}
	return b, nil
}

// Len is the number of entries in the ring
func (b LLBank) Len() int { return len(b.Entries) }

// EntriesToWrite is the number of entries in the ring range [start, stop)
func EntriesToWrite(length, start, stop int) int {
	if stop > start {
		return stop - start
	}
	if length == 0 {
		return 0
	}
	return util.Mod(stop-start, length)
}

// Slice returns the entries of the ring range [start, stop)
func (b LLBank) Slice(start, stop int) []LLEntry {
	n := EntriesToWrite(b.Len(), start, stop)
	out := make([]LLEntry, n)
	for i := range out {
		out[i] = b.Entries[(start+i)%b.Len()]
	}
	return out
}

// LLSpan is one contiguous write of ring entries [From, To) to board
// link-list memory starting at entry Addr
type LLSpan struct {
	Addr     int
	From, To int
}

// PlanLLWrite splits the ring range [startIdx, stopIdx) of a bank of
// length entries into the writes needed to place it in a board memory of
// capacity entries starting at startAddr.  When the range would run past the
// end of memory, the remainder wraps to address 0.
func PlanLLWrite(length, capacity, startAddr, startIdx, stopIdx int) ([]LLSpan, error) {
	if length == 0 {
		if startIdx == 0 && stopIdx == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("range [%d,%d) of empty link list: %w", startIdx, stopIdx, ErrInvalidConfiguration)
	}
	if startIdx < 0 || startIdx >= length || stopIdx < 0 || stopIdx > length {
		return nil, fmt.Errorf("range [%d,%d) outside link list of %d entries: %w", startIdx, stopIdx, length, ErrInvalidConfiguration)
	}
	if startAddr < 0 || startAddr >= capacity {
		return nil, fmt.Errorf("start address %d outside link-list memory of %d entries: %w", startAddr, capacity, ErrInvalidConfiguration)
	}
	n := EntriesToWrite(length, startIdx, stopIdx)
	if n == 0 {
		return nil, nil
	}
	if n > capacity {
		return nil, fmt.Errorf("%d entries do not fit in link-list memory of %d: %w", n, capacity, ErrInvalidConfiguration)
	}
	if startAddr+n > capacity {
		tmpStop := ((capacity - startAddr) + startIdx) % length
		return []LLSpan{
			{Addr: startAddr, From: startIdx, To: tmpStop},
			{Addr: 0, From: tmpStop, To: stopIdx},
		}, nil
	}
	return []LLSpan{{Addr: startAddr, From: startIdx, To: stopIdx}}, nil
}

// SetLinkList stores a link list in a channel.  Lists that fit in the
// board's link-list memory are written immediately.
func (d *Device) SetLinkList(ch int, bank LLBank) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	return d.setLinkList(ch, bank)
}

func (d *Device) setLinkList(ch int, bank LLBank) error {
	bank.Entries = append([]LLEntry(nil), bank.Entries...)
	d.channels[ch].LinkList = bank
	if bank.Len() == 0 || bank.Len() > d.mm.LLCapacity {
		return nil
	}
	return d.writeLLRange(ch, 0, 0, bank.Len(), true)
}

// LinkList returns a copy of a channel's link list
func (d *Device) LinkList(ch int) (LLBank, error) {
	if err := checkChannel(ch); err != nil {
		return LLBank{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.channels[ch].LinkList
	b.Entries = append([]LLEntry(nil), b.Entries...)
	return b, nil
}

// WriteLLRange writes the ring range [startIdx, stopIdx) of a channel's
// link list to the board starting at entry startAddr, wrapping to entry 0
// when it reaches the end of link-list memory.  If writeLength is true, the
// pair's link-list length register is set to stopIdx-1.
func (d *Device) WriteLLRange(ch, startAddr, startIdx, stopIdx int, writeLength bool) error {
	if err := checkChannel(ch); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	return d.writeLLRange(ch, startAddr, startIdx, stopIdx, writeLength)
}

func (d *Device) writeLLRange(ch, startAddr, startIdx, stopIdx int, writeLength bool) error {
	bank := d.channels[ch].LinkList
	spans, err := PlanLLWrite(bank.Len(), d.mm.LLCapacity, startAddr, startIdx, stopIdx)
	if err != nil {
		return err
	}
	if len(spans) == 0 {
		return nil
	}
	p := PairOf(ch)
	// the length word is settled before anything is queued so a bad
	// length leaves the queue as it was
	var lengthWord uint16
	if writeLength {
		if stopIdx == 0 {
			return fmt.Errorf("link-list length register from stop index 0: %w", ErrInvalidConfiguration)
		}
		if lengthWord, err = d.llLengthWord(p, uint32(stopIdx-1)); err != nil {
			return err
		}
	}
	for _, s := range spans {
		entries := bank.Slice(s.From, s.To)
		glog.V(1).Infof("writing %d link-list entries [%d,%d) to pair %s address %d", len(entries), s.From, s.To, p, s.Addr)
		d.enqueueLL(p, s.Addr, entries)
	}
	if writeLength {
		d.queue.Enqueue(d.mm.LLLengthReg(p), []uint16{lengthWord})
	}
	_, err = d.queue.Flush()
	return err
}

func (d *Device) enqueueLL(p Pair, addr int, entries []LLEntry) {
	if d.mm.EntryWords == ELLEntryLength {
		words := make([]uint16, 0, len(entries)*ELLEntryLength)
		for _, e := range entries {
			w := e.Pack()
			words = append(words, w[:]...)
		}
		d.queue.Enqueue(d.mm.LLWrite[p]+uint32(addr*ELLEntryLength), words)
		return
	}
	// plain firmware keeps addresses and counts in separate tables
	offs := make([]uint16, len(entries))
	cnts := make([]uint16, len(entries))
	for i, e := range entries {
		offs[i] = e.Addr
		cnts[i] = e.Count
	}
	d.queue.Enqueue(d.mm.LLWrite[p]+uint32(addr), offs)
	d.queue.Enqueue(d.mm.LLCount[p]+uint32(addr), cnts)
}

// llLengthWord returns the word which sets pair p's link-list length
// register to n.  Firmware sharing one control register between the pairs
// needs the other pair's field read back.
func (d *Device) llLengthWord(p Pair, n uint32) (uint16, error) {
	if !d.mm.SharedLLCtrl {
		return uint16(n), nil
	}
	if n > llSizeMask {
		return 0, fmt.Errorf("link-list length %d exceeds %d: %w", n+1, llSizeMask+1, ErrInvalidConfiguration)
	}
	ctrl, err := d.readReg(d.mm.RegR(OffLLCtrl))
	if err != nil {
		return 0, err
	}
	shift := uint(LLSizeEnvShift)
	if p == PairB {
		shift = LLSizePhsShift
	}
	ctrl = ctrl&^(llSizeMask<<shift) | n<<shift
	return uint16(ctrl), nil
}

// SetMiniLLRepeat sets how many times each mini link list repeats
func (d *Device) SetMiniLLRepeat(n uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return err
	}
	return d.setMiniLLRepeat(n)
}

func (d *Device) setMiniLLRepeat(n uint16) error {
	for _, p := range []Pair{PairA, PairB} {
		if err := d.writeReg(d.mm.LLRepeatReg(p), uint32(n)); err != nil {
			return err
		}
	}
	return nil
}

// LLAddr reads the link-list address currently playing on a channel's pair
func (d *Device) LLAddr(ch int) (uint32, error) {
	if err := checkChannel(ch); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return 0, err
	}
	return d.readReg(d.mm.LLCurAddrReg(PairOf(ch)))
}

// MiniLLStartAddr reads the start of the currently playing mini link list
func (d *Device) MiniLLStartAddr() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireConnected(); err != nil {
		return 0, err
	}
	return d.readReg(d.mm.RegR(OffMiniLLStart))
}
