package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Named errors let callers check the exact cause with errors.Is().
var (
	// ErrInvalidState is a usage error: connect/disconnect from the wrong state.
	ErrInvalidState = errors.New("invalid adapter state")
	// ErrNotConnected is a usage error: send/receive on an adapter that is not connected.
	ErrNotConnected = errors.New("adapter not connected")
	// ErrLinkFailure wraps a driver read or write that returned nothing or failed.
	ErrLinkFailure = errors.New("link failure")
	// ErrTransportClosed is returned by drivers whose underlying link is gone.
	ErrTransportClosed = errors.New("transport closed")
)

// Role says what an adapter carries.
type Role int

const (
	RoleData    Role = iota // application segments
	RoleControl             // control-channel requests
)

func (r Role) String() string {
	if r == RoleControl {
		return "control"
	}
	return "data"
}

// State is the per-adapter connection state.
type State int

const (
	StateDisconnected  State = iota // 0 - initial and final
	StateConnecting                 // 1 - driver connect in flight
	StateConnected                  // 2 - send/receive allowed
	StateDisconnecting              // 3 - driver disconnect in flight
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Driver is the contract every physical or virtual link must satisfy.
// The link pool only ever talks to this interface; Bluetooth, Wi-Fi Direct,
// TCP and the rest live behind it.
type Driver interface {
	// Connect brings the link up. onDone is called exactly once with the
	// outcome, either before Connect returns or later from any goroutine.
	Connect(onDone func(ok bool))

	// Disconnect tears the link down, with the same callback rules as Connect.
	Disconnect(onDone func(ok bool))

	// Send writes p to the link and returns the number of bytes written.
	Send(p []byte) (int, error)

	// Receive blocks until at least one byte is available and reads up to len(p).
	Receive(p []byte) (int, error)
}

// StateObserver is called after every adapter state change, outside any lock.
type StateObserver func(a *Adapter, from, to State)

// Adapter wraps a Driver with the connect/disconnect state machine:
//
//	disconnected --Connect--> connecting --ok--> connected
//	connected --Disconnect--> disconnecting --ok--> disconnected
//
// A failed driver operation puts the adapter back into the state it started from.
type Adapter struct {
	id     uint16
	role   Role
	name   string
	driver Driver
	log    *zap.Logger

	mu          sync.Mutex
	state       State
	connectedAt time.Time
	observers   []StateObserver
	privateData func(payload []byte)

	writeMu sync.Mutex // one writer at a time, drivers are not required to be write-safe
}

// NewAdapter creates a disconnected adapter around driver.
func NewAdapter(id uint16, role Role, name string, driver Driver, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	if name == "" {
		name = fmt.Sprintf("%s-%d", role, id)
	}
	return &Adapter{
		id:     id,
		role:   role,
		name:   name,
		driver: driver,
		log:    log.Named("adapter").With(zap.String("adapter", name), zap.Uint16("id", id)),
	}
}

func (a *Adapter) ID() uint16     { return a.id }
func (a *Adapter) Role() Role     { return a.role }
func (a *Adapter) Name() string   { return a.name }
func (a *Adapter) Driver() Driver { return a.driver }

func (a *Adapter) String() string { return a.name }

// State returns the current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsConnected is State() == StateConnected.
func (a *Adapter) IsConnected() bool { return a.State() == StateConnected }

// ConnectedAt is when the adapter last reached StateConnected.
// Zero if it never did.
func (a *Adapter) ConnectedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectedAt
}

// OnStateChange registers an observer. Register before the adapter is used.
func (a *Adapter) OnStateChange(fn StateObserver) {
	a.mu.Lock()
	a.observers = append(a.observers, fn)
	a.mu.Unlock()
}

// SetPrivateDataHandler installs the handler for private data the peer sends
// about this adapter over the control channel (e.g. a Wi-Fi Direct address).
func (a *Adapter) SetPrivateDataHandler(fn func(payload []byte)) {
	a.mu.Lock()
	a.privateData = fn
	a.mu.Unlock()
}

// DeliverPrivateData hands payload to the private data handler, if any.
// Returns false when no handler is installed.
func (a *Adapter) DeliverPrivateData(payload []byte) bool {
	a.mu.Lock()
	fn := a.privateData
	a.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(payload)
	return true
}

// Connect starts bringing the adapter up. It returns ErrInvalidState without
// calling onDone if the adapter is not disconnected; otherwise onDone is
// called exactly once with the outcome.
func (a *Adapter) Connect(onDone func(ok bool)) error {
	return a.transition(StateDisconnected, StateConnecting, StateConnected, a.driver.Connect, onDone)
}

// Disconnect starts tearing the adapter down. Same rules as Connect, from
// StateConnected.
func (a *Adapter) Disconnect(onDone func(ok bool)) error {
	return a.transition(StateConnected, StateDisconnecting, StateDisconnected, a.driver.Disconnect, onDone)
}

func (a *Adapter) transition(from, during, to State, op func(func(bool)), onDone func(bool)) error {
	a.mu.Lock()
	if a.state != from {
		cur := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w: %s cannot go %s from %s", ErrInvalidState, a.name, during, cur)
	}
	a.state = during
	a.mu.Unlock()
	a.notify(from, during)

	var once sync.Once
	op(func(ok bool) {
		fired := false
		once.Do(func() { fired = true })
		if !fired {
			a.log.Warn("driver reported completion twice, ignoring", zap.Stringer("op", during))
			return
		}

		next := to
		if !ok {
			next = from
		}
		a.mu.Lock()
		a.state = next
		if next == StateConnected {
			a.connectedAt = time.Now()
		}
		a.mu.Unlock()

		if ok {
			a.log.Debug("adapter state changed", zap.Stringer("state", next))
		} else {
			a.log.Warn("driver operation failed", zap.Stringer("op", during), zap.Stringer("state", next))
		}
		a.notify(during, next)
		if onDone != nil {
			onDone(ok)
		}
	})
	return nil
}

func (a *Adapter) notify(from, to State) {
	a.mu.Lock()
	obs := make([]StateObserver, len(a.observers))
	copy(obs, a.observers)
	a.mu.Unlock()
	for _, fn := range obs {
		fn(a, from, to)
	}
}

// Send writes all of p through the driver.
// Returns ErrNotConnected outside StateConnected and an ErrLinkFailure
// wrapped error when the driver fails.
func (a *Adapter) Send(p []byte) (int, error) {
	if !a.IsConnected() {
		return 0, fmt.Errorf("%w: send on %s", ErrNotConnected, a.name)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	written := 0
	for written < len(p) {
		n, err := a.driver.Send(p[written:])
		if err != nil {
			return written, fmt.Errorf("%w: %s send: %w", ErrLinkFailure, a.name, err)
		}
		if n <= 0 {
			return written, fmt.Errorf("%w: %s send returned %d", ErrLinkFailure, a.name, n)
		}
		written += n
	}
	return written, nil
}

// Receive reads up to len(p) bytes, blocking until some arrive.
func (a *Adapter) Receive(p []byte) (int, error) {
	if !a.IsConnected() {
		return 0, fmt.Errorf("%w: receive on %s", ErrNotConnected, a.name)
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := a.driver.Receive(p)
	if err != nil {
		return n, fmt.Errorf("%w: %s receive: %w", ErrLinkFailure, a.name, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %s receive returned %d", ErrLinkFailure, a.name, n)
	}
	return n, nil
}

// ReceiveFull reads exactly len(p) bytes.
func (a *Adapter) ReceiveFull(p []byte) error {
	_, err := io.ReadFull(a, p)
	return err
}

// Read makes an Adapter an io.Reader over Receive.
func (a *Adapter) Read(p []byte) (int, error) { return a.Receive(p) }

// Write makes an Adapter an io.Writer over Send.
func (a *Adapter) Write(p []byte) (int, error) { return a.Send(p) }
