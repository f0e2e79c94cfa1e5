package aps2

import (
	"sync"

	"github.com/golang/glog"
)

// BlockWriter issues a block transfer of encoded command records.  offsets
// marks the first byte of every command word in packet.
type BlockWriter interface {
	WriteBlock(packet []byte, offsets []int) (int, error)
}

// Checksum holds the running address and data checksums of a write sequence.
// Both wrap at 16 bits, as the board's registers do.
type Checksum struct {
	Address uint16 `yaml:"address"`
	Data    uint16 `yaml:"data"`
}

// Add accumulates a write of data to addr, one address term per command
// record the write is encoded as
func (c *Checksum) Add(addr uint32, data []uint16) {
	for _, a := range RecordAddrs(addr, len(data)) {
		c.Address += uint16(a & 0xFFFF)
	}
	for _, w := range data {
		c.Data += w
	}
}

// WriteQueue batches register writes into one block transfer
type WriteQueue struct {
	mu      sync.Mutex
	w       BlockWriter
	buf     []byte
	offsets []int
	sum     Checksum
}

// NewWriteQueue returns an empty queue which flushes to w
func NewWriteQueue(w BlockWriter) *WriteQueue {
	return &WriteQueue{w: w}
}

// Enqueue encodes a write and appends it to the queue
func (q *WriteQueue) Enqueue(addr uint32, data []uint16) {
	if len(data) == 0 {
		return
	}
	packet := EncodeWrite(addr, data)
	q.mu.Lock()
	defer q.mu.Unlock()
	base := len(q.buf)
	for _, off := range CmdByteOffsets(len(data)) {
		q.offsets = append(q.offsets, off+base)
	}
	q.buf = append(q.buf, packet...)
	q.sum.Add(addr, data)
}

// WriteImmediate bypasses the queue and writes directly to the board.
// The checksums are updated even if the transfer fails, since the board
// may have seen part of it.
func (q *WriteQueue) WriteImmediate(addr uint32, data []uint16) error {
	if len(data) == 0 {
		return nil
	}
	packet := EncodeWrite(addr, data)
	q.mu.Lock()
	q.sum.Add(addr, data)
	q.mu.Unlock()
	_, err := q.w.WriteBlock(packet, CmdByteOffsets(len(data)))
	return transportErr("WriteBlock", addr, err)
}

// Flush writes the queue to the board in one block transfer and empties it.
// An empty queue is a no-op.  On failure the queue is left intact so the
// flush may be retried.
func (q *WriteQueue) Flush() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return 0, nil
	}
	n, err := q.w.WriteBlock(q.buf, q.offsets)
	if err != nil {
		return n, transportErr("WriteBlock", 0, err)
	}
	glog.V(1).Infof("flushed %d bytes (%d commands) to device", n, len(q.offsets))
	q.buf = q.buf[:0]
	q.offsets = q.offsets[:0]
	return n, nil
}

// Len returns the number of queued bytes
func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Offsets returns a copy of the queued command word offsets
func (q *WriteQueue) Offsets() []int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int(nil), q.offsets...)
}

// Checksum returns the accumulated checksums
func (q *WriteQueue) Checksum() Checksum {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sum
}

// ResetChecksum zeroes the accumulated checksums
func (q *WriteQueue) ResetChecksum() {
	q.mu.Lock()
	q.sum = Checksum{}
	q.mu.Unlock()
}
