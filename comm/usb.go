package comm

import (
	"errors"

	"github.com/google/gousb"
)

// DefaultUSBEndpoint is the bulk endpoint number used for both directions
const DefaultUSBEndpoint = 2

// ErrUSBNotFound is generated when no device matches the vendor and product ID
var ErrUSBNotFound = errors.New("USB device not found")

// USBConn is an io.ReadWriteCloser over a pair of bulk endpoints
type USBConn struct {
	ctx    *gousb.Context
	device *gousb.Device
	closer func()
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
}

// OpenUSB opens the device with the given vendor and product ID and claims
// its default interface
func OpenUSB(vid, pid uint16, endpoint int) (*USBConn, error) {
	c := &USBConn{ctx: gousb.NewContext()}
	var err error
	c.device, err = c.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		c.Close()
		return nil, err
	}
	if c.device == nil {
		c.Close()
		return nil, ErrUSBNotFound
	}
	if err = c.device.SetAutoDetach(true); err != nil {
		c.Close()
		return nil, err
	}
	var iface *gousb.Interface
	iface, c.closer, err = c.device.DefaultInterface()
	if err != nil {
		c.Close()
		return nil, err
	}
	if c.in, err = iface.InEndpoint(endpoint); err != nil {
		c.Close()
		return nil, err
	}
	if c.out, err = iface.OutEndpoint(endpoint); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Read reads one bulk transfer
func (c *USBConn) Read(p []byte) (int, error) {
	return c.in.Read(p)
}

// Write writes p as bulk transfers
func (c *USBConn) Write(p []byte) (int, error) {
	return c.out.Write(p)
}

// Close releases the interface, device, and context
func (c *USBConn) Close() error {
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
	var err error
	if c.device != nil {
		err = c.device.Close()
		c.device = nil
	}
	if c.ctx != nil {
		if err2 := c.ctx.Close(); err == nil {
			err = err2
		}
		c.ctx = nil
	}
	return err
}
