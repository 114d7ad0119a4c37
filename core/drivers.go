package core

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/risa-org/linkpool/config"
	"github.com/risa-org/linkpool/transport"
	"github.com/risa-org/linkpool/transport/mux"
	"github.com/risa-org/linkpool/transport/tcp"
	"github.com/risa-org/linkpool/transport/websocket"
)

// closers collects listeners and servers opened for configured drivers.
type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

// RegisterFromConfig builds a driver for every configured adapter and
// registers the control adapter and data adapters in order. The returned
// closer releases listeners and servers the drivers opened.
func (c *Core) RegisterFromConfig(cfg config.AdaptersConfig) (io.Closer, error) {
	b := &builder{log: c.opts.Log, sessions: map[string]*mux.Session{}}
	if cfg.Control.Driver == "" && len(cfg.Data) == 0 {
		return b.closers, nil
	}

	d, err := b.driver(cfg.Control)
	if err != nil {
		return b.closers, err
	}
	if _, err := c.RegisterControlAdapter(cfg.Control.ID, cfg.Control.Name, d); err != nil {
		return b.closers, err
	}
	for _, ac := range cfg.Data {
		d, err := b.driver(ac)
		if err != nil {
			return b.closers, err
		}
		if _, err := c.RegisterDataAdapter(ac.ID, ac.Name, d); err != nil {
			return b.closers, err
		}
	}
	return b.closers, nil
}

type builder struct {
	log      *zap.Logger
	sessions map[string]*mux.Session
	closers  closers
}

func (b *builder) driver(ac config.AdapterConfig) (transport.Driver, error) {
	listen := ac.Mode == "listen"
	switch ac.Driver {
	case "tcp":
		mode := tcp.Dial
		if listen {
			mode = tcp.Listen
		}
		d := tcp.New(tcp.Options{Mode: mode, Addr: ac.Addr, Log: b.log})
		b.closers = append(b.closers, d)
		return d, nil

	case "websocket":
		if !listen {
			return websocket.NewDialer(ac.Addr, b.log), nil
		}
		d := websocket.NewServer(b.log)
		srv := &http.Server{Addr: ac.Addr, Handler: d.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				b.log.Error("websocket listener failed", zap.String("addr", ac.Addr), zap.Error(err))
			}
		}()
		b.closers = append(b.closers, srv)
		return d, nil

	case "mux":
		key := ac.Mode + "|" + ac.Addr
		s, ok := b.sessions[key]
		if !ok {
			open, closer := tcpOpener(listen, ac.Addr)
			s = mux.NewSession(ac.Addr, open, listen, b.log)
			b.sessions[key] = s
			b.closers = append(b.closers, closer)
		}
		return s.Driver(ac.ID), nil

	default:
		return nil, fmt.Errorf("unknown driver %q for adapter %d", ac.Driver, ac.ID)
	}
}

// tcpOpener returns an opener for the physical connection under a mux
// session: a dial, or one accept on a lazily bound listener.
func tcpOpener(listen bool, addr string) (mux.Opener, io.Closer) {
	if !listen {
		return func() (io.ReadWriteCloser, error) {
			return net.DialTimeout("tcp", addr, tcp.DefaultDialTimeout)
		}, closeFunc(func() error { return nil })
	}

	var mu sync.Mutex
	var ln net.Listener
	open := func() (io.ReadWriteCloser, error) {
		mu.Lock()
		if ln == nil {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				mu.Unlock()
				return nil, err
			}
			ln = l
		}
		l := ln
		mu.Unlock()
		return l.Accept()
	}
	closer := closeFunc(func() error {
		mu.Lock()
		defer mu.Unlock()
		if ln == nil {
			return nil
		}
		return ln.Close()
	})
	return open, closer
}
