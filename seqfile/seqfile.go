/*Package seqfile reads and writes APS2 sequence files.

A sequence file is a FITS file.  The primary HDU is empty save for the
MINILLRP card, the mini link-list repeat count.  Each channel with a
waveform has an image extension CHAN_<n> holding its int16 samples.  Each
channel with a link list has a binary table extension LL_<n> with int32
columns ADDR, COUNT, TRIG1, TRIG2, and REPEAT, one row per entry, and a
logical IQ card for the bank's IQ mode.

*Sequence implements aps2.SequenceLoader.
*/
package seqfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/astrogo/fitsio"

	"github.jpl.nasa.gov/bdube/apsctl/aps2"
)

const (
	repeatCard = "MINILLRP"
	iqCard     = "IQ"
)

var (
	// ErrNotSequence is generated when a FITS file lacks the primary header cards of a sequence
	ErrNotSequence = errors.New("FITS file is not an APS2 sequence")

	llColumns = []string{"ADDR", "COUNT", "TRIG1", "TRIG2", "REPEAT"}
)

// Sequence holds the waveforms and link lists of every channel
type Sequence struct {
	Waveforms [aps2.NumChannels][]int16
	LinkLists [aps2.NumChannels]aps2.LLBank
	Repeat    uint16
}

func checkChannel(ch int) error {
	if ch < 0 || ch >= aps2.NumChannels {
		return fmt.Errorf("channel %d: %w", ch, aps2.ErrOutOfRange)
	}
	return nil
}

// LoadWaveform returns the samples of channel ch
func (s *Sequence) LoadWaveform(ch int) ([]int16, error) {
	if err := checkChannel(ch); err != nil {
		return nil, err
	}
	return s.Waveforms[ch], nil
}

// LoadLinkList returns the link list of channel ch
func (s *Sequence) LoadLinkList(ch int) (aps2.LLBank, error) {
	if err := checkChannel(ch); err != nil {
		return aps2.LLBank{}, err
	}
	return s.LinkLists[ch], nil
}

// MiniLLRepeat returns the mini link-list repeat count
func (s *Sequence) MiniLLRepeat() uint16 {
	return s.Repeat
}

func waveformName(ch int) string { return fmt.Sprintf("CHAN_%d", ch+1) }

func linkListName(ch int) string { return fmt.Sprintf("LL_%d", ch+1) }

// Write encodes s as a FITS file
func Write(w io.Writer, s *Sequence) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer f.Close()

	primary := fitsio.NewImage(8, nil)
	defer primary.Close()
	err = primary.Header().Append(fitsio.Card{Name: repeatCard, Value: int(s.Repeat), Comment: "mini link-list repeat count"})
	if err != nil {
		return err
	}
	if err = f.Write(primary); err != nil {
		return err
	}

	for ch, wf := range s.Waveforms {
		if len(wf) == 0 {
			continue
		}
		if err = writeWaveform(f, ch, wf); err != nil {
			return fmt.Errorf("channel %d waveform: %w", ch, err)
		}
	}
	for ch, bank := range s.LinkLists {
		if bank.Len() == 0 {
			continue
		}
		if err = writeLinkList(f, ch, bank); err != nil {
			return fmt.Errorf("channel %d link list: %w", ch, err)
		}
	}
	return nil
}

func writeWaveform(f *fitsio.File, ch int, wf []int16) error {
	im := fitsio.NewImage(16, []int{len(wf)})
	defer im.Close()
	err := im.Header().Append(fitsio.Card{Name: "EXTNAME", Value: waveformName(ch)})
	if err != nil {
		return err
	}
	if err = im.Write(wf); err != nil {
		return err
	}
	return f.Write(im)
}

func writeLinkList(f *fitsio.File, ch int, bank aps2.LLBank) error {
	cols := make([]fitsio.Column, len(llColumns))
	for i, name := range llColumns {
		cols[i] = fitsio.Column{Name: name, Format: "J"}
	}
	tbl, err := fitsio.NewTable(linkListName(ch), cols, fitsio.BINARY_TBL)
	if err != nil {
		return err
	}
	defer tbl.Close()
	err = tbl.Header().Append(fitsio.Card{Name: iqCard, Value: bank.IQMode, Comment: "IQ mode"})
	if err != nil {
		return err
	}
	for _, e := range bank.Entries {
		var (
			addr   = int32(e.Addr)
			count  = int32(e.Count)
			trig1  = b2i(e.TriggerA)
			trig2  = b2i(e.TriggerB)
			repeat = int32(e.Repeat)
		)
		if err = tbl.Write(&addr, &count, &trig1, &trig2, &repeat); err != nil {
			return err
		}
	}
	return f.Write(tbl)
}

func b2i(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// Read decodes a sequence written by Write
func Read(r io.Reader) (*Sequence, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hdus := f.HDUs()
	if len(hdus) == 0 {
		return nil, ErrNotSequence
	}
	card := hdus[0].Header().Get(repeatCard)
	if card == nil {
		return nil, ErrNotSequence
	}
	repeat, err := cardInt(card)
	if err != nil {
		return nil, err
	}
	s := &Sequence{Repeat: uint16(repeat)}

	for ch := 0; ch < aps2.NumChannels; ch++ {
		if name := waveformName(ch); f.Has(name) {
			img, ok := f.Get(name).(fitsio.Image)
			if !ok {
				return nil, fmt.Errorf("HDU %s is not an image: %w", name, ErrNotSequence)
			}
			var wf []int16
			if err := img.Read(&wf); err != nil {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
			s.Waveforms[ch] = wf
		}
		if name := linkListName(ch); f.Has(name) {
			tbl, ok := f.Get(name).(*fitsio.Table)
			if !ok {
				return nil, fmt.Errorf("HDU %s is not a table: %w", name, ErrNotSequence)
			}
			bank, err := readLinkList(tbl)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
			s.LinkLists[ch] = bank
		}
	}
	return s, nil
}

func readLinkList(tbl *fitsio.Table) (aps2.LLBank, error) {
	n := tbl.NumRows()
	cols := make([][]uint16, len(llColumns))
	for i := range cols {
		cols[i] = make([]uint16, 0, n)
	}
	rows, err := tbl.Read(0, n)
	if err != nil {
		return aps2.LLBank{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var v [5]int32
		if err := rows.Scan(&v[0], &v[1], &v[2], &v[3], &v[4]); err != nil {
			return aps2.LLBank{}, err
		}
		for i := range cols {
			cols[i] = append(cols[i], uint16(v[i]))
		}
	}
	if err := rows.Err(); err != nil {
		return aps2.LLBank{}, err
	}
	bank, err := aps2.NewLLBank(cols[0], cols[1], cols[2], cols[3], cols[4])
	if err != nil {
		return bank, err
	}
	if card := tbl.Header().Get(iqCard); card != nil {
		if iq, ok := card.Value.(bool); ok && !iq {
			bank.IQMode = false
			for i := range bank.Entries {
				bank.Entries[i].IQ = false
			}
		}
	}
	return bank, nil
}

func cardInt(c *fitsio.Card) (int, error) {
	switch v := c.Value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("card %s holds %T: %w", c.Name, c.Value, ErrNotSequence)
	}
}

// Load reads a sequence file from disk
func Load(path string) (*Sequence, error) {
	fid, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fid.Close()
	return Read(bufio.NewReader(fid))
}

// Save writes a sequence file to disk
func Save(path string, s *Sequence) error {
	fid, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fid.Close()
	w := bufio.NewWriter(fid)
	if err := Write(w, s); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return fid.Close()
}
