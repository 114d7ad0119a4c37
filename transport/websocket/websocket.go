// Package websocket is a transport.Driver over a binary WebSocket stream.
//
// The connection is used through websocket.NetConn, so segment framing is
// the same as on any other byte stream and message boundaries are ignored.
package websocket

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/risa-org/linkpool/transport"
)

const DefaultDialTimeout = 5 * time.Second

// Driver dials a WebSocket URL, or in server mode takes connections handed
// to it by its http.Handler.
type Driver struct {
	url         string
	dialTimeout time.Duration
	log         *zap.Logger
	accepted    chan net.Conn

	mu     sync.Mutex
	conn   net.Conn
	cancel context.CancelFunc
}

var _ transport.Driver = (*Driver)(nil)

// NewDialer returns a driver that dials url (ws:// or wss://) on Connect.
func NewDialer(url string, log *zap.Logger) *Driver {
	return newDriver(url, log)
}

// NewServer returns a driver whose Connect waits for the next connection
// accepted by Handler.
func NewServer(log *zap.Logger) *Driver {
	d := newDriver("", log)
	d.accepted = make(chan net.Conn)
	return d
}

func newDriver(url string, log *zap.Logger) *Driver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{url: url, dialTimeout: DefaultDialTimeout, log: log.Named("websocket")}
}

// Handler upgrades requests and hands them to a pending Connect.
// Requests that arrive while nobody is connecting are refused.
func (d *Driver) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			d.log.Warn("accept failed", zap.Error(err))
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		conn := websocket.NetConn(ctx, c, websocket.MessageBinary)
		select {
		case d.accepted <- &cancelConn{Conn: conn, cancel: cancel}:
		case <-r.Context().Done():
			cancel()
			_ = c.Close(websocket.StatusTryAgainLater, "no pending connect")
		}
	})
}

func (d *Driver) Connect(onDone func(ok bool)) {
	go func() {
		conn, err := d.establish()
		if err != nil {
			d.log.Warn("connect failed", zap.Error(err))
			onDone(false)
			return
		}
		d.mu.Lock()
		d.conn = conn
		d.mu.Unlock()
		onDone(true)
	}()
}

func (d *Driver) establish() (net.Conn, error) {
	if d.accepted != nil {
		return <-d.accepted, nil
	}
	dialCtx, cancelDial := context.WithTimeout(context.Background(), d.dialTimeout)
	defer cancelDial()
	c, _, err := websocket.Dial(dialCtx, d.url, nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &cancelConn{Conn: websocket.NetConn(ctx, c, websocket.MessageBinary), cancel: cancel}, nil
}

// Disconnect closes with StatusNormalClosure; the peer's reads return io.EOF.
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

// cancelConn ties the NetConn context to the connection's lifetime.
type cancelConn struct {
	net.Conn
	cancel context.CancelFunc
}

func (c *cancelConn) Close() error {
	err := c.Conn.Close()
	c.cancel()
	return err
}
