package aps2

import (
	"sync"

	"github.com/golang/glog"
)

// RegisterAccessor reads and writes single registers
type RegisterAccessor interface {
	WriteRegister(addr, value uint32) error
	ReadRegister(addr uint32) (uint32, error)
}

// ControlStatusRegister guards read-modify-write access to a bitfield
// register.  Every helper holds the lock for its whole sequence.
type ControlStatusRegister struct {
	mu    sync.Mutex
	t     RegisterAccessor
	read  uint32
	write uint32
}

// NewControlStatusRegister returns a CSR read at read and written at write
func NewControlStatusRegister(t RegisterAccessor, read, write uint32) *ControlStatusRegister {
	return &ControlStatusRegister{t: t, read: read, write: write}
}

// CSRTx is a view of the register valid inside Do
type CSRTx struct {
	c *ControlStatusRegister
}

// Read the register
func (tx CSRTx) Read() (uint32, error) {
	v, err := tx.c.t.ReadRegister(tx.c.read)
	return v, transportErr("ReadRegister", tx.c.read, err)
}

// Write the register
func (tx CSRTx) Write(v uint32) error {
	return transportErr("WriteRegister", tx.c.write, tx.c.t.WriteRegister(tx.c.write, v))
}

// Update replaces the register with f(current)
func (tx CSRTx) Update(f func(uint32) uint32) error {
	v, err := tx.Read()
	if err != nil {
		return err
	}
	return tx.Write(f(v))
}

// Set sets the bits in mask
func (tx CSRTx) Set(mask uint32) error {
	glog.V(2).Infof("CSR set 0x%04X", mask)
	return tx.Update(func(v uint32) uint32 { return v | mask })
}

// Clear clears the bits in mask
func (tx CSRTx) Clear(mask uint32) error {
	glog.V(2).Infof("CSR clear 0x%04X", mask)
	return tx.Update(func(v uint32) uint32 { return v &^ mask })
}

// Do runs f with exclusive access to the register
func (c *ControlStatusRegister) Do(f func(CSRTx) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return f(CSRTx{c})
}

// Read the register
func (c *ControlStatusRegister) Read() (uint32, error) {
	var v uint32
	err := c.Do(func(tx CSRTx) error {
		var err error
		v, err = tx.Read()
		return err
	})
	return v, err
}

// Set sets the bits in mask
func (c *ControlStatusRegister) Set(mask uint32) error {
	return c.Do(func(tx CSRTx) error { return tx.Set(mask) })
}

// Clear clears the bits in mask
func (c *ControlStatusRegister) Clear(mask uint32) error {
	return c.Do(func(tx CSRTx) error { return tx.Clear(mask) })
}

// Assign sets mask if on is true, else clears it
func (c *ControlStatusRegister) Assign(mask uint32, on bool) error {
	if on {
		return c.Set(mask)
	}
	return c.Clear(mask)
}

// Pulse sets then clears mask without releasing the lock in between
func (c *ControlStatusRegister) Pulse(mask uint32) error {
	return c.Do(func(tx CSRTx) error {
		if err := tx.Set(mask); err != nil {
			return err
		}
		return tx.Clear(mask)
	})
}

// Test returns true if any bit of mask is set
func (c *ControlStatusRegister) Test(mask uint32) (bool, error) {
	v, err := c.Read()
	return v&mask != 0, err
}
