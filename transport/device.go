package transport

import (
	"fmt"
	"sync"
)

// Device is a physical resource (a radio, a socket session) that several
// logical adapters may share. It is powered on by the first Hold and
// powered off by the last Release, so one adapter disconnecting never takes
// the device away from another.
type Device struct {
	name string
	on   func() error
	off  func() error

	mu   sync.Mutex
	refs int
}

// NewDevice creates a device. on and off may be nil.
func NewDevice(name string, on, off func() error) *Device {
	return &Device{name: name, on: on, off: off}
}

// Hold takes a reference, powering the device on if it was unused.
// If powering on fails no reference is taken.
func (d *Device) Hold() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs == 0 && d.on != nil {
		if err := d.on(); err != nil {
			return fmt.Errorf("device %s: power on: %w", d.name, err)
		}
	}
	d.refs++
	return nil
}

// Release drops a reference, powering the device off when it was the last one.
func (d *Device) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs == 0 {
		return fmt.Errorf("device %s: release without hold", d.name)
	}
	d.refs--
	if d.refs == 0 && d.off != nil {
		if err := d.off(); err != nil {
			return fmt.Errorf("device %s: power off: %w", d.name, err)
		}
	}
	return nil
}

// Refs returns the number of current holders.
func (d *Device) Refs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refs
}
