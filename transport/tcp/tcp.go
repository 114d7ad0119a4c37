// Package tcp is a transport.Driver over a single TCP connection.
//
// TCP is a byte stream with no message boundaries. That is fine here: the
// link pool frames every segment with its own fixed header, so the driver
// only moves bytes.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/risa-org/linkpool/transport"
)

// Mode says which side of the connection this driver plays.
type Mode int

const (
	Dial   Mode = iota // connect out to Addr
	Listen             // accept one connection on Addr per Connect
)

// DefaultDialTimeout bounds a single dial attempt.
const DefaultDialTimeout = 5 * time.Second

// Options configure a Driver.
type Options struct {
	Mode        Mode
	Addr        string
	DialTimeout time.Duration
	Log         *zap.Logger
}

// Driver implements transport.Driver over one net.Conn at a time.
// Each Connect establishes a fresh connection; Disconnect closes it.
type Driver struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	conn     net.Conn
	listener net.Listener
	closed   bool
}

var _ transport.Driver = (*Driver)(nil)

// New creates a driver. Nothing touches the network until Connect.
func New(opts Options) *Driver {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{opts: opts, log: log.Named("tcp").With(zap.String("addr", opts.Addr))}
}

// Addr returns the bound listen address once the listener exists,
// otherwise the configured address. Useful with ":0".
func (d *Driver) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener != nil {
		return d.listener.Addr().String()
	}
	return d.opts.Addr
}

// Bind opens the listener ahead of the first Connect.
func (d *Driver) Bind() error {
	_, err := d.ensureListener()
	return err
}

func (d *Driver) ensureListener() (net.Listener, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, transport.ErrTransportClosed
	}
	if d.listener != nil {
		return d.listener, nil
	}
	ln, err := net.Listen("tcp", d.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", d.opts.Addr, err)
	}
	d.listener = ln
	return ln, nil
}

// Connect dials or accepts in the background and reports the outcome.
func (d *Driver) Connect(onDone func(ok bool)) {
	go func() {
		conn, err := d.establish()
		if err != nil {
			d.log.Warn("connect failed", zap.Error(err))
			onDone(false)
			return
		}
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			_ = conn.Close()
			onDone(false)
			return
		}
		d.conn = conn
		d.mu.Unlock()
		d.log.Debug("connected", zap.String("remote", conn.RemoteAddr().String()))
		onDone(true)
	}()
}

func (d *Driver) establish() (net.Conn, error) {
	if d.opts.Mode == Listen {
		ln, err := d.ensureListener()
		if err != nil {
			return nil, err
		}
		return ln.Accept()
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.DialTimeout)
	defer cancel()
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", d.opts.Addr)
}

// Disconnect closes the current connection. The peer sees io.EOF.
func (d *Driver) Disconnect(onDone func(ok bool)) {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			d.log.Warn("close failed", zap.Error(err))
		}
	}
	onDone(true)
}

// Close releases the listener. Safe to call more than once.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	var err error
	if d.listener != nil {
		err = d.listener.Close()
	}
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
	return err
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
