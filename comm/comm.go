/*Package comm carries APS2 command packets to a board over TCP, a serial
port, or USB bulk endpoints.

Every request is one frame (see Frame) and is answered by one frame.  The
answer to a write or a bare command begins with the request's command word
with the ack bit set; reads answer with a record holding the data.  A nack
command word reports a request the board refused.

Link implements aps2.Transport:

	link := comm.NewTCP("192.168.2.2:2000")
	dev := aps2.New("A2-01", link, aps2.DefaultOptions())
	if err := dev.Connect(); err != nil {
		return err
	}
	defer dev.Disconnect()
*/
package comm

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/apsctl/aps2"
	"github.jpl.nasa.gov/bdube/apsctl/util"
)

var (
	// ErrNotConnected is generated when a request is made before Connect
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrNack is generated when the board refuses a request
	ErrNack = errors.New("request not acknowledged")

	// ErrBadReply is generated when a reply does not answer the request
	ErrBadReply = errors.New("malformed reply")
)

const (
	// DefaultTimeout bounds each request/reply exchange
	DefaultTimeout = 3 * time.Second

	// fpgaChunk is the number of bitfile bytes sent per request
	fpgaChunk = 1024
)

// DialFunc opens a new connection to a board
type DialFunc func() (io.ReadWriteCloser, error)

// Link is a framed connection to one board.  It is safe for concurrent
// use; requests are serialized.
type Link struct {
	// Addr labels the link in errors
	Addr string

	// Timeout bounds each exchange on connections with deadlines
	Timeout time.Duration

	dial    DialFunc
	limiter *rate.Limiter

	mu   sync.Mutex
	conn io.ReadWriteCloser
	rd   *bufio.Reader
}

// NewLink returns a link which opens connections with dial
func NewLink(addr string, dial DialFunc) *Link {
	return &Link{Addr: addr, Timeout: DefaultTimeout, dial: dial, limiter: rate.NewLimiter(rate.Inf, 1)}
}

// NewTCP returns a link to a board's network interface
func NewTCP(addr string) *Link {
	l := NewLink(addr, nil)
	l.dial = func() (io.ReadWriteCloser, error) {
		return util.TCPSetup(addr, l.Timeout)
	}
	return l
}

// NewSerial returns a link over a serial port
func NewSerial(port string, baud int) *Link {
	l := NewLink(port, nil)
	l.dial = func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(&serial.Config{
			Name:        port,
			Baud:        baud,
			Size:        8,
			Parity:      serial.ParityNone,
			StopBits:    serial.Stop1,
			ReadTimeout: l.Timeout})
	}
	return l
}

// NewUSB returns a link over the bulk endpoints of a USB device
func NewUSB(vid, pid uint16) *Link {
	return NewLink(fmt.Sprintf("usb:%04x:%04x", vid, pid), func() (io.ReadWriteCloser, error) {
		return OpenUSB(vid, pid, DefaultUSBEndpoint)
	})
}

// SetRate limits the link to packetsPerSecond requests.  Zero removes the limit.
func (l *Link) SetRate(packetsPerSecond float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if packetsPerSecond <= 0 {
		l.limiter = rate.NewLimiter(rate.Inf, 1)
		return
	}
	l.limiter = rate.NewLimiter(rate.Limit(packetsPerSecond), 1)
}

// Connect opens the connection.  Boards do not like being connection
// thrashed, so dialing is retried with an exponential backoff.
func (l *Link) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}
	var conn io.ReadWriteCloser
	op := func() error {
		var err error
		conn, err = l.dial()
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", l.Addr, err)
	}
	l.conn = conn
	l.rd = bufio.NewReader(conn)
	return nil
}

// Disconnect closes the connection
func (l *Link) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	l.rd = nil
	return err
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// exchange sends one frame and returns the unframed reply packet
func (l *Link) exchange(packet []byte, offsets []int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil, ErrNotConnected
	}
	if err := l.limiter.Wait(context.Background()); err != nil {
		return nil, err
	}
	if d, ok := l.conn.(deadliner); ok && l.Timeout > 0 {
		if err := d.SetDeadline(time.Now().Add(l.Timeout)); err != nil {
			return nil, err
		}
	}
	if _, err := l.conn.Write(Frame(packet, offsets)); err != nil {
		return nil, err
	}
	frame, err := l.rd.ReadBytes(frameEnd)
	if err != nil {
		// drop any partial frame so the next reply is read from its start
		l.rd.Reset(l.conn)
		return nil, err
	}
	reply, _, err := Unframe(frame)
	return reply, err
}

// request sends a packet and checks the reply's command word
func (l *Link) request(packet []byte, offsets []int) (aps2.Command, []byte, error) {
	reply, err := l.exchange(packet, offsets)
	if err != nil {
		return aps2.Command{}, nil, err
	}
	if len(reply) < aps2.CommandBytes {
		return aps2.Command{}, nil, fmt.Errorf("%d byte reply: %w", len(reply), ErrBadReply)
	}
	c := aps2.UnpackCommand(binary.BigEndian.Uint32(reply))
	switch {
	case c.Cmd == aps2.CmdUserIONack || c.Cmd == aps2.CmdFPGAConfigNack:
		return c, nil, fmt.Errorf("%s: %w", c, ErrNack)
	case !c.Ack:
		return c, nil, fmt.Errorf("%s: %w", c, ErrBadReply)
	}
	return c, reply, nil
}

// WriteBlock sends a packet of encoded write records
func (l *Link) WriteBlock(packet []byte, offsets []int) (int, error) {
	if _, _, err := l.request(packet, offsets); err != nil {
		return 0, err
	}
	return len(packet), nil
}

// WriteRegister writes the low 16 bits of value to addr
func (l *Link) WriteRegister(addr, value uint32) error {
	_, err := l.WriteBlock(aps2.EncodeWrite(addr, []uint16{uint16(value)}), []int{0})
	return err
}

// ReadRegister reads one word from addr
func (l *Link) ReadRegister(addr uint32) (uint32, error) {
	_, reply, err := l.request(aps2.EncodeRead(addr, 1), []int{0})
	if err != nil {
		return 0, err
	}
	recs, err := aps2.DecodeRecords(reply)
	if err != nil {
		return 0, err
	}
	if len(recs) != 1 || len(recs[0].Data) != 1 || recs[0].Addr != addr {
		return 0, fmt.Errorf("read of 0x%X: %w", addr, ErrBadReply)
	}
	return uint32(recs[0].Data[0]), nil
}

// EncodeSPI formats a chip-config request.  A nil data is a one byte read.
func EncodeSPI(target aps2.ChipTarget, addr uint16, data []byte) []byte {
	read := data == nil
	n := len(data)
	if read {
		n = 1
	}
	var instr uint16
	if target == aps2.TargetDAC0 || target == aps2.TargetDAC1 {
		instr = aps2.DACInstruction(read, addr)
	} else {
		instr = aps2.PLLInstruction(read, addr, n)
	}
	cc := aps2.ChipConfigCommand{Target: target, SPICntData: uint8(n), Instr: instr}
	words := (len(data) + 3) / 4
	buf := make([]byte, 8, 8+4*words)
	binary.BigEndian.PutUint32(buf, aps2.Command{Cmd: aps2.CmdChipConfigIO, Cnt: uint16(1 + words)}.Pack())
	binary.BigEndian.PutUint32(buf[4:], cc.Pack())
	buf = append(buf, data...)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

// WriteSPI writes bytes to consecutive chip registers.  DACs take one
// byte per instruction.
func (l *Link) WriteSPI(target aps2.ChipTarget, addr uint16, data []byte) error {
	if target == aps2.TargetDAC0 || target == aps2.TargetDAC1 {
		for i, b := range data {
			if _, _, err := l.request(EncodeSPI(target, addr+uint16(i), []byte{b}), []int{0}); err != nil {
				return err
			}
		}
		return nil
	}
	_, _, err := l.request(EncodeSPI(target, addr, data), []int{0})
	return err
}

// ReadSPI reads one byte from a chip register
func (l *Link) ReadSPI(target aps2.ChipTarget, addr uint16) (byte, error) {
	_, reply, err := l.request(EncodeSPI(target, addr, nil), []int{0})
	if err != nil {
		return 0, err
	}
	if len(reply) < aps2.CommandBytes+4 {
		return 0, fmt.Errorf("SPI read of %s 0x%X: %w", target, addr, ErrBadReply)
	}
	return reply[aps2.CommandBytes+3], nil
}

// ProgramFPGA sends a bitfile in chunks, each addressed by its byte offset
func (l *Link) ProgramFPGA(bitfile []byte) (int, error) {
	sent := 0
	for sent < len(bitfile) {
		stop := sent + fpgaChunk
		if stop > len(bitfile) {
			stop = len(bitfile)
		}
		chunk := bitfile[sent:stop]
		words := make([]uint16, (len(chunk)+1)/2)
		for i, b := range chunk {
			words[i/2] |= uint16(b) << (8 * uint(1-i%2))
		}
		packet := make([]byte, 8, 8+2*len(words))
		binary.BigEndian.PutUint32(packet, aps2.Command{Cmd: aps2.CmdFPGAConfigAck, Cnt: uint16(len(chunk))}.Pack())
		binary.BigEndian.PutUint32(packet[4:], uint32(sent))
		for _, w := range words {
			packet = append(packet, byte(w>>8), byte(w))
		}
		if _, _, err := l.request(packet, []int{0}); err != nil {
			return sent, err
		}
		sent = stop
	}
	return sent, nil
}

// SelectFPGAImage boots the image most recently programmed
func (l *Link) SelectFPGAImage() error {
	_, err := l.SendCommand(aps2.Command{Cmd: aps2.CmdReset, ModeStat: aps2.ResetReconfigUserEPROM})
	return err
}

// SendCommand sends a bare command word and returns the 32-bit words of the reply
func (l *Link) SendCommand(c aps2.Command) ([]uint32, error) {
	_, reply, err := l.request(aps2.EncodeCommand(c), []int{0})
	if err != nil {
		return nil, err
	}
	reply = reply[aps2.CommandBytes:]
	out := make([]uint32, len(reply)/4)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(reply[4*i:])
	}
	return out, nil
}
