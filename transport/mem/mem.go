// Package mem is an in-process transport.Driver pair built on net.Pipe.
// Useful for tests and as a stand-in for a link whose two ends live in the
// same process.
package mem

import (
	"net"
	"sync"

	"github.com/risa-org/linkpool/transport"
)

// Link is the rendezvous point shared by the two ends of an in-memory link.
// Whichever side connects first creates a fresh pipe and parks the other
// end for its peer.
type Link struct {
	name    string
	mu      sync.Mutex
	pending [2]net.Conn
}

// NewPair creates a link and returns a driver for each end of it.
func NewPair(name string) (*Driver, *Driver) {
	l := &Link{name: name}
	return &Driver{link: l, side: 0}, &Driver{link: l, side: 1}
}

// Driver is one end of a Link.
type Driver struct {
	link *Link
	side int

	mu   sync.Mutex
	conn net.Conn
}

var _ transport.Driver = (*Driver)(nil)

// Connect takes the end parked by the peer, or creates a new pipe.
// It completes synchronously; the peer does not need to be connected yet.
func (d *Driver) Connect(onDone func(ok bool)) {
	l := d.link
	l.mu.Lock()
	conn := l.pending[d.side]
	l.pending[d.side] = nil
	if conn == nil {
		mine, theirs := net.Pipe()
		other := 1 - d.side
		if stale := l.pending[other]; stale != nil {
			_ = stale.Close()
		}
		l.pending[other] = theirs
		conn = mine
	}
	l.mu.Unlock()

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	onDone(true)
}

// Disconnect closes this end. The peer's reads fail with io.EOF.
func (d *Driver) Disconnect(onDone func(ok bool)) {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	onDone(true)
}

// Sever closes the current pipe from outside, as if the medium failed.
func (d *Driver) Sever() {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (d *Driver) current() (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil, transport.ErrTransportClosed
	}
	return d.conn, nil
}

func (d *Driver) Send(p []byte) (int, error) {
	c, err := d.current()
	if err != nil {
		return 0, err
	}
	return c.Write(p)
}

func (d *Driver) Receive(p []byte) (int, error) {
	c, err := d.current()
	if err != nil {
		return 0, err
	}
	return c.Read(p)
}
