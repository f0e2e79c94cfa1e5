package comm

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/glog"

	"github.jpl.nasa.gov/bdube/apsctl/aps2"
)

// Emulator answers framed requests on behalf of a Transport, usually an
// aps2.MockBoard, so a Link can be exercised without hardware.
type Emulator struct {
	board  aps2.Transport
	staged []byte
}

// NewEmulator returns an emulator fronting board.  The board must already be connected.
func NewEmulator(board aps2.Transport) *Emulator {
	return &Emulator{board: board}
}

// Serve answers requests read from rw until it returns an error.  io.EOF
// is reported as nil.
func (e *Emulator) Serve(rw io.ReadWriter) error {
	rd := bufio.NewReader(rw)
	for {
		frame, err := rd.ReadBytes(frameEnd)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		packet, _, err := Unframe(frame)
		if err != nil {
			glog.Warningf("emulator: dropping frame: %v", err)
			continue
		}
		reply := e.Handle(packet)
		if _, err := rw.Write(Frame(reply, []int{0})); err != nil {
			return err
		}
	}
}

func nack(c aps2.Command) []byte {
	c.Ack = false
	if c.Cmd == aps2.CmdFPGAConfigAck {
		c.Cmd = aps2.CmdFPGAConfigNack
	} else {
		c.Cmd = aps2.CmdUserIONack
	}
	return aps2.EncodeCommand(c)
}

func ack(c aps2.Command, words ...uint32) []byte {
	c.Ack = true
	buf := aps2.EncodeCommand(c)
	for _, w := range words {
		buf = appendUint32(buf, w)
	}
	return buf
}

// Handle returns the reply packet to one request packet
func (e *Emulator) Handle(packet []byte) []byte {
	if len(packet) < aps2.CommandBytes {
		return nack(aps2.Command{})
	}
	c := aps2.UnpackCommand(binary.BigEndian.Uint32(packet))
	reply, err := e.dispatch(c, packet)
	if err != nil {
		glog.Warningf("emulator: %s: %v", c, err)
		return nack(c)
	}
	return reply
}

func (e *Emulator) dispatch(c aps2.Command, packet []byte) ([]byte, error) {
	switch c.Cmd {
	case aps2.CmdUserIOAck:
		if c.Read {
			return e.read(packet)
		}
		return e.write(c, packet)
	case aps2.CmdChipConfigIO:
		return e.chipConfig(c, packet)
	case aps2.CmdFPGAConfigAck:
		return e.fpgaChunk(c, packet)
	case aps2.CmdReset:
		if c.ModeStat == aps2.ResetReconfigUserEPROM && len(e.staged) > 0 {
			if _, err := e.board.ProgramFPGA(e.staged); err != nil {
				return nil, err
			}
			e.staged = nil
			if err := e.board.SelectFPGAImage(); err != nil {
				return nil, err
			}
			return ack(c), nil
		}
		fallthrough
	default:
		words, err := e.board.SendCommand(c)
		if err != nil {
			return nil, err
		}
		return ack(c, words...), nil
	}
}

// a single one-word record is a register write and is kept out of the
// board's checksums, as WriteRegister is
func (e *Emulator) write(c aps2.Command, packet []byte) ([]byte, error) {
	recs, err := aps2.DecodeRecords(packet)
	if err != nil {
		return nil, err
	}
	if len(recs) == 1 && len(recs[0].Data) == 1 {
		if err := e.board.WriteRegister(recs[0].Addr, uint32(recs[0].Data[0])); err != nil {
			return nil, err
		}
		return ack(c), nil
	}
	if _, err := e.board.WriteBlock(packet, nil); err != nil {
		return nil, err
	}
	return ack(c), nil
}

func (e *Emulator) read(packet []byte) ([]byte, error) {
	recs, err := aps2.DecodeRecords(packet)
	if err != nil {
		return nil, err
	}
	if len(recs) != 1 {
		return nil, fmt.Errorf("%d records in read request: %w", len(recs), ErrBadReply)
	}
	r := recs[0]
	data := make([]uint16, r.Command.Cnt)
	for i := range data {
		v, err := e.board.ReadRegister(r.Addr + uint32(i))
		if err != nil {
			return nil, err
		}
		data[i] = uint16(v)
	}
	c := r.Command
	c.Ack = true
	buf := aps2.EncodeCommand(c)
	buf = appendUint32(buf, r.Addr)
	for _, w := range data {
		buf = append(buf, byte(w>>8), byte(w))
	}
	return buf, nil
}

func (e *Emulator) chipConfig(c aps2.Command, packet []byte) ([]byte, error) {
	if len(packet) < 2*aps2.CommandBytes {
		return nil, aps2.ErrShortPacket
	}
	cc := aps2.UnpackChipConfig(binary.BigEndian.Uint32(packet[aps2.CommandBytes:]))
	var (
		read bool
		addr uint16
	)
	if cc.Target == aps2.TargetDAC0 || cc.Target == aps2.TargetDAC1 {
		read, addr = cc.Instr&0x80 != 0, cc.Instr&0x7F
	} else {
		read, addr = cc.Instr&0x8000 != 0, cc.Instr&0x1FFF
	}
	if read {
		v, err := e.board.ReadSPI(cc.Target, addr)
		if err != nil {
			return nil, err
		}
		return ack(c, uint32(v)), nil
	}
	data := packet[2*aps2.CommandBytes:]
	n := int(cc.SPICntData)
	if len(data) < n {
		return nil, aps2.ErrShortPacket
	}
	if err := e.board.WriteSPI(cc.Target, addr, data[:n]); err != nil {
		return nil, err
	}
	return ack(c), nil
}

// bitfile chunks are staged until the image is selected
func (e *Emulator) fpgaChunk(c aps2.Command, packet []byte) ([]byte, error) {
	const hdr = aps2.CommandBytes + aps2.AddressBytes
	n := int(c.Cnt)
	if len(packet) < hdr+n {
		return nil, aps2.ErrShortPacket
	}
	offset := int(binary.BigEndian.Uint32(packet[aps2.CommandBytes:]))
	if offset != len(e.staged) {
		return nil, fmt.Errorf("bitfile chunk at byte %d, expected %d", offset, len(e.staged))
	}
	e.staged = append(e.staged, packet[hdr:hdr+n]...)
	return ack(c), nil
}

func appendUint32(buf []byte, w uint32) []byte {
	return append(buf, byte(w>>24), byte(w>>16), byte(w>>8), byte(w))
}
