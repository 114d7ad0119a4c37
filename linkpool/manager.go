// Package linkpool owns the control adapter and the data adapters, tracks
// the aggregate transport state and runs the per-adapter workers that move
// segments between the queues and the links.
package linkpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/risa-org/linkpool/control"
	"github.com/risa-org/linkpool/segment"
	"github.com/risa-org/linkpool/store/memory"
	"github.com/risa-org/linkpool/transport"
)

var (
	ErrInvalidState   = errors.New("invalid transport state")
	ErrBusy           = errors.New("adapter scaling already in progress")
	ErrNoCandidate    = errors.New("no adapter eligible")
	ErrUnknownAdapter = errors.New("unknown adapter")
	ErrNoControl      = errors.New("no control adapter installed")
)

// DefaultReconnectInterval paces worker retries.
const DefaultReconnectInterval = 200 * time.Millisecond

const resetPoll = 5 * time.Millisecond

// Recoverer is asked to repair an adapter whose link failed underneath it.
// Both calls may be refused (for example while another transaction is
// ongoing); the worker retries until the adapter leaves StateConnected.
type Recoverer interface {
	// Reconnect cycles a failed adapter: disconnect, then connect.
	Reconnect(a *transport.Adapter) error
	// Drop takes down an adapter whose peer closed it cleanly.
	Drop(a *transport.Adapter) error
}

// Options configure a Manager.
type Options struct {
	Pool              *segment.Pool
	Queues            *segment.Queues
	Policy            Policy
	ReconnectInterval time.Duration
	Control           control.Options
	Log               *zap.Logger
}

// Manager is the link pool manager. The zero value is not usable; call New.
type Manager struct {
	opts   Options
	log    *zap.Logger
	pool   *segment.Pool
	queues *segment.Queues
	policy Policy

	mu        sync.Mutex // transport state and control slot
	state     State
	ctrl      *transport.Adapter
	listeners []func(from, to State)

	data *memory.Store

	hooksMu    sync.RWMutex
	dispatcher control.Dispatcher
	recoverer  Recoverer

	wmu     sync.Mutex
	root    context.Context
	stop    context.CancelFunc
	workers map[*transport.Adapter]*workerSet
	wake    chan struct{}
}

// New creates a manager in StateIdle with no adapters.
func New(opts Options) *Manager {
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy{}
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Manager{
		opts:    opts,
		log:     opts.Log.Named("linkpool"),
		pool:    opts.Pool,
		queues:  opts.Queues,
		policy:  opts.Policy,
		data:    memory.New(),
		root:    context.Background(),
		workers: make(map[*transport.Adapter]*workerSet),
		wake:    make(chan struct{}, 1),
	}
}

// SetDispatcher installs the handler for requests arriving on the control channel.
func (m *Manager) SetDispatcher(d control.Dispatcher) {
	m.hooksMu.Lock()
	m.dispatcher = d
	m.hooksMu.Unlock()
}

// SetRecoverer installs the component that repairs failed adapters.
func (m *Manager) SetRecoverer(r Recoverer) {
	m.hooksMu.Lock()
	m.recoverer = r
	m.hooksMu.Unlock()
}

// OnStateChange registers a transport state observer. Register before use.
func (m *Manager) OnStateChange(fn func(from, to State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// State returns the transport state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves to next if the current state is one of from (any state
// when from is empty) and the table allows it. Observers run after the lock
// is released.
func (m *Manager) transition(next State, from ...State) (State, bool) {
	m.mu.Lock()
	cur := m.state
	if len(from) > 0 && !containsState(from, cur) {
		m.mu.Unlock()
		return cur, false
	}
	if !isValidTransition(cur, next) {
		m.mu.Unlock()
		return cur, false
	}
	m.state = next
	ls := append([]func(from, to State){}, m.listeners...)
	m.mu.Unlock()

	m.log.Debug("transport state changed", zap.Stringer("from", cur), zap.Stringer("to", next))
	for _, fn := range ls {
		fn(cur, next)
	}
	return cur, true
}

func containsState(list []State, s State) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// InstallControl sets the control adapter. Only while idle, and only once.
func (m *Manager) InstallControl(a *transport.Adapter) error {
	if a.Role() != transport.RoleControl {
		return fmt.Errorf("%w: %s is not a control adapter", ErrInvalidState, a)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return fmt.Errorf("%w: install control in %s", ErrInvalidState, m.state)
	}
	if m.ctrl != nil {
		return fmt.Errorf("%w: control adapter already installed", ErrInvalidState)
	}
	m.ctrl = a
	a.OnStateChange(m.observe)
	return nil
}

// RemoveControl uninstalls the control adapter. Only while idle.
func (m *Manager) RemoveControl() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return fmt.Errorf("%w: remove control in %s", ErrInvalidState, m.state)
	}
	if m.ctrl == nil {
		return ErrNoControl
	}
	if m.ctrl.State() != transport.StateDisconnected {
		return fmt.Errorf("%w: control adapter is %s", ErrInvalidState, m.ctrl.State())
	}
	m.ctrl = nil
	return nil
}

// InstallData adds a data adapter at the end of the registration order.
func (m *Manager) InstallData(a *transport.Adapter) error {
	if a.Role() != transport.RoleData {
		return fmt.Errorf("%w: %s is not a data adapter", ErrInvalidState, a)
	}
	if err := m.data.Add(a); err != nil {
		return err
	}
	a.OnStateChange(m.observe)
	return nil
}

// RemoveData unregisters a disconnected data adapter.
func (m *Manager) RemoveData(id uint16) error {
	a, ok := m.data.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAdapter, id)
	}
	if a.State() != transport.StateDisconnected {
		return fmt.Errorf("%w: data adapter %s is %s", ErrInvalidState, a, a.State())
	}
	m.data.Delete(id)
	return nil
}

// Control returns the control adapter, nil if none is installed.
func (m *Manager) Control() *transport.Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctrl
}

// Data looks a data adapter up by id.
func (m *Manager) Data(id uint16) (*transport.Adapter, bool) { return m.data.Get(id) }

// DataAt returns the data adapter at registration index i.
func (m *Manager) DataAt(i int) (*transport.Adapter, bool) { return m.data.At(i) }

// DataAdapters returns the data adapters in registration order.
func (m *Manager) DataAdapters() []*transport.Adapter { return m.data.All() }

// Adapter looks up the control or a data adapter by id.
func (m *Manager) Adapter(id uint16) (*transport.Adapter, bool) {
	if c := m.Control(); c != nil && c.ID() == id {
		return c, true
	}
	return m.data.Get(id)
}

// IsDataAdapterOn reports whether any data adapter is connected.
func (m *Manager) IsDataAdapterOn() bool { return m.ConnectedDataCount() > 0 }

// ConnectedDataCount returns the number of connected data adapters.
func (m *Manager) ConnectedDataCount() int { return len(m.data.Connected()) }

// ConnectControl brings the control adapter up: idle -> connecting_control
// -> control_ready, or data_ready when data adapters are already up (a
// control reconnect). On failure the state rolls back to idle.
func (m *Manager) ConnectControl(done func(ok bool)) error {
	c := m.Control()
	if c == nil {
		return ErrNoControl
	}
	if cur, ok := m.transition(StateConnectingControl, StateIdle); !ok {
		return fmt.Errorf("%w: connect control in %s", ErrInvalidState, cur)
	}
	err := c.Connect(func(ok bool) {
		if ok {
			m.transition(StateControlReady, StateConnectingControl)
			if m.IsDataAdapterOn() {
				m.transition(StateDataReady, StateControlReady)
			}
		} else {
			m.transition(StateIdle, StateConnectingControl)
		}
		done(ok)
	})
	if err != nil {
		m.transition(StateIdle, StateConnectingControl)
		return err
	}
	return nil
}

// DisconnectControl tears the control adapter down. On success the
// transport is idle whatever data adapters remain up.
func (m *Manager) DisconnectControl(done func(ok bool)) error {
	c := m.Control()
	if c == nil {
		return ErrNoControl
	}
	return c.Disconnect(func(ok bool) {
		if ok {
			m.transition(StateIdle)
		}
		done(ok)
	})
}

// ConnectData brings a data adapter up. The first one to connect moves
// control_ready to data_ready.
func (m *Manager) ConnectData(a *transport.Adapter, done func(ok bool)) error {
	return a.Connect(func(ok bool) {
		if ok {
			m.transition(StateDataReady, StateControlReady)
		}
		done(ok)
	})
}

// DisconnectData tears a data adapter down. When the last one goes,
// data_ready falls back to control_ready.
func (m *Manager) DisconnectData(a *transport.Adapter, done func(ok bool)) error {
	return a.Disconnect(func(ok bool) {
		if ok && !m.IsDataAdapterOn() {
			m.transition(StateControlReady, StateDataReady)
		}
		done(ok)
	})
}

// Reset takes every adapter down and returns the transport to idle. Connects
// and disconnects already in flight are waited out first, so a completion
// that lands after its transaction was abandoned is still undone.
func (m *Manager) Reset(ctx context.Context) error {
	adapters := m.DataAdapters()
	if c := m.Control(); c != nil {
		adapters = append(adapters, c)
	}
	for _, a := range adapters {
		if err := m.takeDown(ctx, a); err != nil {
			return fmt.Errorf("reset %s: %w", a, err)
		}
	}
	m.transition(StateIdle)
	return nil
}

func (m *Manager) takeDown(ctx context.Context, a *transport.Adapter) error {
	tick := time.NewTicker(resetPoll)
	defer tick.Stop()
	for {
		switch a.State() {
		case transport.StateDisconnected:
			return nil
		case transport.StateConnected:
			// a refused or failed disconnect is retried on the next tick
			if a.Role() == transport.RoleControl {
				_ = m.DisconnectControl(func(bool) {})
			} else {
				_ = m.DisconnectData(a, func(bool) {})
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// IncreaseAdapter connects one more data adapter chosen by the policy and
// tells the peer which one, so it can bring up its end. Valid only in
// data_ready; a second scale operation meanwhile gets ErrBusy.
func (m *Manager) IncreaseAdapter(done func(ok bool)) error {
	a, err := m.beginScale(StateIncreasing, m.policy.SelectIncrease)
	if err != nil {
		return err
	}
	if err := m.SendControlMessage(control.Request{Code: control.CodeIncreaseAdapter, AdapterID: a.ID()}); err != nil {
		m.log.Warn("could not notify peer of increase", zap.Stringer("adapter", a), zap.Error(err))
	}
	return m.runScale(a, a.Connect, done)
}

// IncreaseAdapterByID connects a specific data adapter, at the peer's request.
func (m *Manager) IncreaseAdapterByID(id uint16, done func(ok bool)) error {
	a, err := m.beginScale(StateIncreasing, m.byID(id, transport.StateDisconnected))
	if err != nil {
		return err
	}
	return m.runScale(a, a.Connect, done)
}

// DecreaseAdapter disconnects one data adapter chosen by the policy.
// The peer is not notified; it sees the link close.
func (m *Manager) DecreaseAdapter(done func(ok bool)) error {
	a, err := m.beginScale(StateDecreasing, m.policy.SelectDecrease)
	if err != nil {
		return err
	}
	return m.runScale(a, a.Disconnect, done)
}

// DecreaseAdapterByID disconnects a specific data adapter, never the last
// connected one.
func (m *Manager) DecreaseAdapterByID(id uint16, done func(ok bool)) error {
	sel := m.byID(id, transport.StateConnected)
	a, err := m.beginScale(StateDecreasing, func(all []*transport.Adapter) (*transport.Adapter, bool) {
		if len(m.data.Connected()) < 2 {
			return nil, false
		}
		return sel(all)
	})
	if err != nil {
		return err
	}
	return m.runScale(a, a.Disconnect, done)
}

func (m *Manager) byID(id uint16, want transport.State) func([]*transport.Adapter) (*transport.Adapter, bool) {
	return func(all []*transport.Adapter) (*transport.Adapter, bool) {
		for _, a := range all {
			if a.ID() == id && a.State() == want {
				return a, true
			}
		}
		return nil, false
	}
}

func (m *Manager) beginScale(next State, sel func([]*transport.Adapter) (*transport.Adapter, bool)) (*transport.Adapter, error) {
	m.mu.Lock()
	cur := m.state
	m.mu.Unlock()
	switch cur {
	case StateIncreasing, StateDecreasing:
		return nil, ErrBusy
	case StateDataReady:
	default:
		return nil, fmt.Errorf("%w: %s in %s", ErrInvalidState, next, cur)
	}

	a, ok := sel(m.data.All())
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoCandidate, next)
	}
	if _, ok := m.transition(next, StateDataReady); !ok {
		return nil, ErrBusy
	}
	return a, nil
}

func (m *Manager) runScale(a *transport.Adapter, op func(func(bool)) error, done func(bool)) error {
	err := op(func(ok bool) {
		m.transition(StateDataReady, StateIncreasing, StateDecreasing)
		m.log.Info("adapter scaled", zap.Stringer("adapter", a), zap.Bool("ok", ok), zap.Int("connected", m.ConnectedDataCount()))
		done(ok)
	})
	if err != nil {
		m.transition(StateDataReady, StateIncreasing, StateDecreasing)
		return err
	}
	return nil
}

// SendControlMessage writes one control request to the peer.
func (m *Manager) SendControlMessage(req control.Request) error {
	c := m.Control()
	if c == nil {
		return ErrNoControl
	}
	b, err := req.Encode()
	if err != nil {
		return err
	}
	_, err = c.Send(b)
	return err
}
