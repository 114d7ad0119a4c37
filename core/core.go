// Package core is the application-facing facade: adapter registration,
// start/stop, and the send/receive pipeline over the segment queues.
//
//	uninitialized --Start--> starting --ok--> ready --Stop--> stopping --ok--> uninitialized
//
// A failed start or stop returns to the state it began in.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/risa-org/linkpool/control"
	"github.com/risa-org/linkpool/linkpool"
	"github.com/risa-org/linkpool/protocol"
	"github.com/risa-org/linkpool/segment"
	"github.com/risa-org/linkpool/switcher"
	"github.com/risa-org/linkpool/transport"
)

var (
	ErrNotReady       = errors.New("core not ready")
	ErrAlreadyStarted = errors.New("core already started")
	ErrBusy           = errors.New("core start or stop in progress")
	ErrNotIdle        = errors.New("adapters can only be registered while idle")
	ErrNoAdapters     = errors.New("start needs a control adapter and a data adapter")
)

// unwindTimeout bounds how long a failed start waits for in-flight
// connects and disconnects before giving up on them.
const unwindTimeout = 30 * time.Second

// State is the facade's lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateStarting
	StateReady
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ControlMessageListener receives private data the peer sent for an adapter.
type ControlMessageListener func(adapterID uint16, payload []byte)

// Options configure a Core. Zero values pick the package defaults.
type Options struct {
	SegmentCapacity   int
	FreeHigh          int
	FreeLow           int
	MaxPrivateData    int
	ControlRetry      time.Duration
	ControlMaxRetries int
	ReconnectInterval time.Duration
	SwitchTimeout     time.Duration
	Policy            linkpool.Policy
	// OnTransaction observes every finished adapter transaction.
	OnTransaction func(switcher.Result)
	Log           *zap.Logger
}

// Core ties the segment pool, codec, link pool and switch engine together.
type Core struct {
	opts   Options
	log    *zap.Logger
	pool   *segment.Pool
	queues *segment.Queues
	codec  *protocol.Codec
	links  *linkpool.Manager
	engine *switcher.Engine

	mu     sync.Mutex
	state  State
	settle chan struct{} // closed once a failed start is unwound

	lmu       sync.RWMutex
	listeners []ControlMessageListener
}

// New assembles a core. No adapter is registered and nothing is connected.
func New(opts Options) (*Core, error) {
	if opts.SegmentCapacity == 0 {
		opts.SegmentCapacity = segment.DefaultCapacity
	}
	if opts.FreeHigh == 0 && opts.FreeLow == 0 {
		opts.FreeHigh, opts.FreeLow = segment.DefaultFreeHigh, segment.DefaultFreeLow
	}
	if opts.MaxPrivateData <= 0 {
		opts.MaxPrivateData = control.MaxPrivateData
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	pool, err := segment.NewPool(opts.SegmentCapacity, opts.FreeHigh, opts.FreeLow)
	if err != nil {
		return nil, err
	}
	queues := segment.NewQueues(opts.Log)
	links := linkpool.New(linkpool.Options{
		Pool:              pool,
		Queues:            queues,
		Policy:            opts.Policy,
		ReconnectInterval: opts.ReconnectInterval,
		Control: control.Options{
			MaxPrivateData: opts.MaxPrivateData,
			RetryInterval:  opts.ControlRetry,
			MaxRetries:     opts.ControlMaxRetries,
		},
		Log: opts.Log,
	})
	engine := switcher.New(links, switcher.Options{
		Timeout:  opts.SwitchTimeout,
		OnResult: opts.OnTransaction,
		Log:      opts.Log,
	})

	c := &Core{
		opts:   opts,
		log:    opts.Log.Named("core"),
		pool:   pool,
		queues: queues,
		codec:  protocol.NewCodec(pool, queues, opts.Log),
		links:  links,
		engine: engine,
	}
	links.SetDispatcher(dispatcher{c})
	links.SetRecoverer(engine.Recoverer())
	// the core starts closed; Start reopens the queues
	queues.Close()
	return c, nil
}

// State returns the lifecycle state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Core) Links() *linkpool.Manager   { return c.links }
func (c *Core) Engine() *switcher.Engine   { return c.engine }
func (c *Core) Queues() *segment.Queues    { return c.queues }
func (c *Core) SegmentPool() *segment.Pool { return c.pool }

func (c *Core) register(id uint16, role transport.Role, name string, d transport.Driver) (*transport.Adapter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUninitialized {
		return nil, fmt.Errorf("%w (state %s)", ErrNotIdle, c.state)
	}
	a := transport.NewAdapter(id, role, name, d, c.opts.Log)
	var err error
	if role == transport.RoleControl {
		err = c.links.InstallControl(a)
	} else {
		err = c.links.InstallData(a)
	}
	if err != nil {
		return nil, err
	}
	c.log.Info("adapter registered", zap.Stringer("adapter", a), zap.Stringer("role", role))
	return a, nil
}

// RegisterControlAdapter installs the control adapter.
func (c *Core) RegisterControlAdapter(id uint16, name string, d transport.Driver) (*transport.Adapter, error) {
	return c.register(id, transport.RoleControl, name, d)
}

// RegisterDataAdapter adds a data adapter. The first one registered is the
// one Start connects.
func (c *Core) RegisterDataAdapter(id uint16, name string, d transport.Driver) (*transport.Adapter, error) {
	return c.register(id, transport.RoleData, name, d)
}

// AddControlMessageListener registers fn for private data from the peer.
func (c *Core) AddControlMessageListener(fn ControlMessageListener) {
	c.lmu.Lock()
	c.listeners = append(c.listeners, fn)
	c.lmu.Unlock()
}

func (c *Core) notifyListeners(id uint16, payload []byte) int {
	c.lmu.RLock()
	ls := append([]ControlMessageListener(nil), c.listeners...)
	c.lmu.RUnlock()
	for _, fn := range ls {
		fn(id, payload)
	}
	return len(ls)
}

// Start connects the control adapter and then the first data adapter, and
// blocks until both are up, the start fails, or ctx ends.
func (c *Core) Start(ctx context.Context) error {
	if err := c.awaitSettle(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	switch c.state {
	case StateReady:
		c.mu.Unlock()
		return ErrAlreadyStarted
	case StateStarting, StateStopping:
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrBusy, c.state)
	}
	if _, ok := c.links.DataAt(0); !ok || c.links.Control() == nil {
		c.mu.Unlock()
		return ErrNoAdapters
	}
	c.state = StateStarting
	c.mu.Unlock()

	c.queues.Reset()
	c.codec.Reset()
	c.links.Open()

	res, err := c.transact(ctx, c.engine.Start)
	if err == nil && !res.Success {
		err = res.Err
	}
	if err != nil {
		c.queues.Close()
		c.links.Close()
		c.unwind()
		c.log.Warn("start failed", zap.Error(err))
		return err
	}
	c.setState(StateReady)
	c.log.Info("core ready", zap.Int("data_adapters", c.links.ConnectedDataCount()))
	return nil
}

// Stop disconnects the control adapter and every data adapter. The core
// returns to uninitialized only if all of them went down.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateUninitialized:
		c.mu.Unlock()
		return ErrNotReady
	case StateStarting, StateStopping:
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrBusy, c.state)
	}
	c.state = StateStopping
	c.mu.Unlock()

	res, err := c.transact(ctx, c.engine.Stop)
	if err == nil && !res.Success {
		err = res.Err
	}
	if err != nil {
		c.setState(StateReady)
		c.log.Warn("stop failed", zap.Error(err))
		return err
	}
	c.queues.Close()
	c.links.Close()
	c.pool.Drain()
	c.setState(StateUninitialized)
	c.log.Info("core stopped")
	return nil
}

// unwind returns the core to uninitialized and takes down in the background
// whatever the abandoned start left connected, including connects that
// complete after Start returned.
func (c *Core) unwind() {
	done := make(chan struct{})
	c.mu.Lock()
	c.state = StateUninitialized
	c.settle = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), unwindTimeout)
		defer cancel()
		if err := c.links.Reset(ctx); err != nil {
			c.log.Warn("could not unwind failed start", zap.Error(err))
		}
	}()
}

// awaitSettle blocks until a previous unwind has finished.
func (c *Core) awaitSettle(ctx context.Context) error {
	c.mu.Lock()
	done := c.settle
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Core) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// transact runs a transaction, waiting for the engine slot if a recovery
// holds it, and waits for the result. If ctx ends first the transaction is
// aborted.
func (c *Core) transact(ctx context.Context, begin func() (<-chan switcher.Result, error)) (switcher.Result, error) {
	for {
		ch, err := begin()
		if errors.Is(err, switcher.ErrConflict) {
			if werr := c.engine.WaitIdle(ctx); werr != nil {
				return switcher.Result{}, werr
			}
			continue
		}
		if err != nil {
			return switcher.Result{}, err
		}
		select {
		case r := <-ch:
			return r, nil
		case <-ctx.Done():
			c.engine.Abort()
			return switcher.Result{}, ctx.Err()
		}
	}
}

func (c *Core) ready() error {
	if s := c.State(); s != StateReady {
		return fmt.Errorf("%w (state %s)", ErrNotReady, s)
	}
	return nil
}

// Send frames p onto the data send queue and returns len(p).
func (c *Core) Send(p []byte) (int, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	return c.codec.Send(p, false)
}

// Receive blocks until a whole payload has arrived on the data channel.
func (c *Core) Receive() ([]byte, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	b, err := c.codec.Receive(false)
	if errors.Is(err, segment.ErrClosed) {
		return nil, fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	return b, err
}

// SendControl is Send on the control segment queues.
func (c *Core) SendControl(p []byte) (int, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	return c.codec.Send(p, true)
}

// ReceiveControl is Receive on the control segment queues.
func (c *Core) ReceiveControl() ([]byte, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	b, err := c.codec.Receive(true)
	if errors.Is(err, segment.ErrClosed) {
		return nil, fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	return b, err
}

// SendRequestConnect asks the peer to connect adapter id.
func (c *Core) SendRequestConnect(id uint16) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.links.SendControlMessage(control.Request{Code: control.CodeConnectAdapter, AdapterID: id})
}

// SendPrivateData sends adapter-specific data (an address, a passphrase)
// to the peer over the control channel.
func (c *Core) SendPrivateData(id uint16, data []byte) error {
	if err := c.ready(); err != nil {
		return err
	}
	if len(data) > c.opts.MaxPrivateData {
		return fmt.Errorf("%w: %d > %d", control.ErrPayloadTooLarge, len(data), c.opts.MaxPrivateData)
	}
	return c.links.SendControlMessage(control.Request{Code: control.CodePrivateData, AdapterID: id, Payload: data})
}

// Switch moves traffic from data adapter prev to next.
func (c *Core) Switch(prev, next uint16) (<-chan switcher.Result, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.engine.Switch(prev, next)
}

// IncreaseAdapter brings one more data adapter up.
func (c *Core) IncreaseAdapter() (<-chan switcher.Result, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.engine.Increase()
}

// DecreaseAdapter takes one data adapter down, never the last.
func (c *Core) DecreaseAdapter() (<-chan switcher.Result, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.engine.Decrease()
}
