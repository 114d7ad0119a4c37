// Package fake provides a scriptable transport.Driver for tests.
//
// In auto mode every Connect/Disconnect completes synchronously with the
// configured outcome. In manual mode completions are parked until the test
// calls CompleteConnect / CompleteDisconnect, which makes it possible to
// observe every intermediate state of a transaction.
package fake

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrBroken is what Receive returns after Break.
var ErrBroken = errors.New("fake link broken")

// Driver is an in-memory transport.Driver.
type Driver struct {
	mu           sync.Mutex
	manual       bool
	connectOK    bool
	disconnectOK bool

	pendingConnect    []func(bool)
	pendingDisconnect []func(bool)
	connects          int
	disconnects       int

	sent   bytes.Buffer
	sendFn func(p []byte) (int, error)
	in     chan []byte
	rbuf   []byte
	down   chan struct{}
	err    error
}

// New returns an auto-completing driver whose operations succeed.
func New() *Driver {
	return &Driver{connectOK: true, disconnectOK: true, in: make(chan []byte, 256), down: closedChan()}
}

// NewManual returns a driver whose completions wait for the test.
func NewManual() *Driver {
	d := New()
	d.manual = true
	return d
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// SetResults sets the outcome of future auto-completed operations.
func (d *Driver) SetResults(connectOK, disconnectOK bool) {
	d.mu.Lock()
	d.connectOK, d.disconnectOK = connectOK, disconnectOK
	d.mu.Unlock()
}

// SetSendFunc replaces the default Send behaviour (append to Sent()).
func (d *Driver) SetSendFunc(fn func(p []byte) (int, error)) {
	d.mu.Lock()
	d.sendFn = fn
	d.mu.Unlock()
}

func (d *Driver) Connect(onDone func(ok bool)) {
	d.mu.Lock()
	d.connects++
	if d.manual {
		d.pendingConnect = append(d.pendingConnect, onDone)
		d.mu.Unlock()
		return
	}
	ok := d.connectOK
	if ok {
		d.upLocked()
	}
	d.mu.Unlock()
	onDone(ok)
}

func (d *Driver) Disconnect(onDone func(ok bool)) {
	d.mu.Lock()
	d.disconnects++
	if d.manual {
		d.pendingDisconnect = append(d.pendingDisconnect, onDone)
		d.mu.Unlock()
		return
	}
	ok := d.disconnectOK
	if ok {
		d.downLocked(io.EOF)
	}
	d.mu.Unlock()
	onDone(ok)
}

// CompleteConnect finishes the oldest parked Connect. Returns false if none was parked.
func (d *Driver) CompleteConnect(ok bool) bool {
	d.mu.Lock()
	if len(d.pendingConnect) == 0 {
		d.mu.Unlock()
		return false
	}
	cb := d.pendingConnect[0]
	d.pendingConnect = d.pendingConnect[1:]
	if ok {
		d.upLocked()
	}
	d.mu.Unlock()
	cb(ok)
	return true
}

// CompleteDisconnect finishes the oldest parked Disconnect.
func (d *Driver) CompleteDisconnect(ok bool) bool {
	d.mu.Lock()
	if len(d.pendingDisconnect) == 0 {
		d.mu.Unlock()
		return false
	}
	cb := d.pendingDisconnect[0]
	d.pendingDisconnect = d.pendingDisconnect[1:]
	if ok {
		d.downLocked(io.EOF)
	}
	d.mu.Unlock()
	cb(ok)
	return true
}

// PendingConnects is the number of parked Connect completions.
func (d *Driver) PendingConnects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pendingConnect)
}

// PendingDisconnects is the number of parked Disconnect completions.
func (d *Driver) PendingDisconnects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pendingDisconnect)
}

// Counts returns how many times Connect and Disconnect were called.
func (d *Driver) Counts() (connects, disconnects int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects, d.disconnects
}

func (d *Driver) upLocked() {
	d.down = make(chan struct{})
	d.err = nil
	d.rbuf = nil
}

func (d *Driver) downLocked(err error) {
	select {
	case <-d.down:
	default:
		d.err = err
		close(d.down)
	}
}

// Break makes pending and future Receive calls fail, as a dropped radio link would.
func (d *Driver) Break() {
	d.mu.Lock()
	d.downLocked(ErrBroken)
	d.mu.Unlock()
}

// Inject queues bytes for Receive.
func (d *Driver) Inject(p []byte) {
	b := make([]byte, len(p))
	copy(b, p)
	d.in <- b
}

// Sent returns a copy of everything written through Send.
func (d *Driver) Sent() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.sent.Bytes()...)
}

func (d *Driver) Send(p []byte) (int, error) {
	d.mu.Lock()
	fn := d.sendFn
	d.mu.Unlock()
	if fn != nil {
		return fn(p)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent.Write(p)
}

func (d *Driver) Receive(p []byte) (int, error) {
	for {
		d.mu.Lock()
		if len(d.rbuf) > 0 {
			n := copy(p, d.rbuf)
			d.rbuf = d.rbuf[n:]
			d.mu.Unlock()
			return n, nil
		}
		down := d.down
		d.mu.Unlock()

		select {
		case b := <-d.in:
			d.mu.Lock()
			d.rbuf = append(d.rbuf, b...)
			d.mu.Unlock()
		case <-down:
			d.mu.Lock()
			err := d.err
			d.mu.Unlock()
			return 0, err
		}
	}
}
