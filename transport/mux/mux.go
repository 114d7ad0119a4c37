// Package mux carries several logical adapters over one physical connection
// using yamux streams. The physical connection is a transport.Device: it is
// opened by the first adapter that connects and closed when the last one
// disconnects.
//
// The dialing side opens a stream per adapter and writes the adapter id as
// a two-byte big-endian preamble; the accepting side routes each stream to
// the driver registered under that id.
package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	"go.uber.org/zap"

	"github.com/risa-org/linkpool/transport"
)

const DefaultAcceptTimeout = 30 * time.Second

var ErrAcceptTimeout = errors.New("mux: no stream for adapter")

// Opener returns the physical connection the session multiplexes.
type Opener func() (io.ReadWriteCloser, error)

// Session owns the yamux session and the device refcount around it.
type Session struct {
	name          string
	server        bool
	open          Opener
	log           *zap.Logger
	dev           *transport.Device
	acceptTimeout time.Duration

	mu      sync.Mutex
	sess    *yamux.Session
	inbound map[uint16]chan net.Conn
}

// NewSession creates a session. server selects the yamux role and whether
// streams are opened (client) or accepted (server).
func NewSession(name string, open Opener, server bool, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		name:          name,
		server:        server,
		open:          open,
		log:           log.Named("mux").With(zap.String("session", name), zap.Bool("server", server)),
		acceptTimeout: DefaultAcceptTimeout,
		inbound:       make(map[uint16]chan net.Conn),
	}
	s.dev = transport.NewDevice(name, s.powerOn, s.powerOff)
	return s
}

// Device exposes the shared refcount, mostly for tests and metrics.
func (s *Session) Device() *transport.Device { return s.dev }

func yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	return cfg
}

func (s *Session) powerOn() error {
	conn, err := s.open()
	if err != nil {
		return err
	}
	var sess *yamux.Session
	if s.server {
		sess, err = yamux.Server(conn, yamuxConfig())
	} else {
		sess, err = yamux.Client(conn, yamuxConfig())
	}
	if err != nil {
		_ = conn.Close()
		return err
	}
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
	if s.server {
		go s.acceptLoop(sess)
	}
	s.log.Debug("session up")
	return nil
}

func (s *Session) powerOff() error {
	s.mu.Lock()
	sess := s.sess
	s.sess = nil
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	s.log.Debug("session down")
	return sess.Close()
}

func (s *Session) acceptLoop(sess *yamux.Session) {
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			if !sess.IsClosed() {
				s.log.Warn("accept stream failed", zap.Error(err))
			}
			return
		}
		var pre [2]byte
		if _, err := io.ReadFull(stream, pre[:]); err != nil {
			_ = stream.Close()
			continue
		}
		id := binary.BigEndian.Uint16(pre[:])
		select {
		case s.slot(id) <- stream:
		default:
			s.log.Warn("dropping stream, adapter already has one waiting", zap.Uint16("id", id))
			_ = stream.Close()
		}
	}
}

func (s *Session) slot(id uint16) chan net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.inbound[id]
	if !ok {
		ch = make(chan net.Conn, 1)
		s.inbound[id] = ch
	}
	return ch
}

func (s *Session) openStream(id uint16) (net.Conn, error) {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		return nil, transport.ErrTransportClosed
	}
	stream, err := sess.OpenStream()
	if err != nil {
		return nil, err
	}
	var pre [2]byte
	binary.BigEndian.PutUint16(pre[:], id)
	if _, err := stream.Write(pre[:]); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return stream, nil
}

func (s *Session) acceptStream(id uint16) (net.Conn, error) {
	select {
	case c := <-s.slot(id):
		return c, nil
	case <-time.After(s.acceptTimeout):
		return nil, fmt.Errorf("%w %d", ErrAcceptTimeout, id)
	}
}

// Driver returns the driver for adapter id on this session.
func (s *Session) Driver(id uint16) *Driver {
	return &Driver{s: s, id: id}
}

// Driver is one logical link on a Session.
type Driver struct {
	s  *Session
	id uint16

	mu   sync.Mutex
	conn net.Conn
}

var _ transport.Driver = (*Driver)(nil)

func (d *Driver) Connect(onDone func(ok bool)) {
	go func() {
		if err := d.s.dev.Hold(); err != nil {
			d.s.log.Warn("device hold failed", zap.Uint16("id", d.id), zap.Error(err))
			onDone(false)
			return
		}
		var conn net.Conn
		var err error
		if d.s.server {
			conn, err = d.s.acceptStream(d.id)
		} else {
			conn, err = d.s.openStream(d.id)
		}
		if err != nil {
			d.s.log.Warn("stream setup failed", zap.Uint16("id", d.id), zap.Error(err))
			_ = d.s.dev.Release()
			onDone(false)
			return
		}
		d.mu.Lock()
		d.conn = conn
		d.mu.Unlock()
		onDone(true)
	}()
}

// Disconnect closes this adapter's stream and drops its device reference.
func (d *Driver) Disconnect(onDone func(ok bool)) {
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn == nil {
		onDone(true)
		return
	}
	_ = conn.Close()
	if err := d.s.dev.Release(); err != nil {
		d.s.log.Warn("device release failed", zap.Uint16("id", d.id), zap.Error(err))
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
