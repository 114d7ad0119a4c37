// Package switcher runs the adapter transactions (start, stop, switch,
// connect, reconnect, increase, decrease) one at a time.
//
// A transaction is a chain of asynchronous adapter operations. Every step
// callback checks that its transaction still owns the engine's single slot;
// callbacks of an aborted or timed-out transaction are ignored.
package switcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/risa-org/linkpool/control"
	"github.com/risa-org/linkpool/transport"
)

var (
	ErrConflict       = errors.New("another adapter transaction is ongoing")
	ErrAborted        = errors.New("transaction aborted")
	ErrTimeout        = errors.New("transaction timed out")
	ErrStepFailed     = errors.New("adapter operation failed")
	ErrPartial        = errors.New("transaction partially applied")
	ErrUnknownAdapter = errors.New("unknown adapter")
)

// Kind names a transaction type.
type Kind int

const (
	KindStart Kind = iota
	KindStop
	KindSwitch
	KindConnect
	KindDisconnect
	KindReconnect
	KindIncrease
	KindDecrease
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindStop:
		return "stop"
	case KindSwitch:
		return "switch"
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindReconnect:
		return "reconnect"
	case KindIncrease:
		return "increase"
	case KindDecrease:
		return "decrease"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is delivered exactly once per accepted transaction.
type Result struct {
	Kind    Kind
	ID      uuid.UUID
	Success bool
	// Partial: some steps took effect, the rest did not (switch connected
	// the new adapter but could not release the old one).
	Partial bool
	// RequireRestart: the adapter could be neither released nor
	// re-established and the session needs a full restart.
	RequireRestart bool
	Err            error
}

// Pool is what the engine drives. *linkpool.Manager implements it.
type Pool interface {
	Adapter(id uint16) (*transport.Adapter, bool)
	Control() *transport.Adapter
	DataAt(i int) (*transport.Adapter, bool)
	DataAdapters() []*transport.Adapter

	ConnectControl(done func(ok bool)) error
	DisconnectControl(done func(ok bool)) error
	ConnectData(a *transport.Adapter, done func(ok bool)) error
	DisconnectData(a *transport.Adapter, done func(ok bool)) error

	IncreaseAdapter(done func(ok bool)) error
	DecreaseAdapter(done func(ok bool)) error
	IncreaseAdapterByID(id uint16, done func(ok bool)) error
	DecreaseAdapterByID(id uint16, done func(ok bool)) error

	SendControlMessage(req control.Request) error
}

// Options configure an Engine.
type Options struct {
	// Timeout aborts a transaction that has not finished in time. 0 disables it.
	Timeout time.Duration
	// OnResult observes every finished transaction, for metrics.
	OnResult func(Result)
	Log      *zap.Logger
}

type txn struct {
	id    uuid.UUID
	kind  Kind
	out   chan Result
	timer *time.Timer
}

// Engine serializes adapter transactions.
type Engine struct {
	pool Pool
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	ongoing *txn
	idle    chan struct{}
}

// New creates an engine driving pool.
func New(pool Pool, opts Options) *Engine {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Engine{pool: pool, opts: opts, log: opts.Log.Named("switcher"), idle: idle}
}

// Ongoing reports the transaction holding the slot, if any.
func (e *Engine) Ongoing() (uuid.UUID, Kind, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ongoing == nil {
		return uuid.Nil, 0, false
	}
	return e.ongoing.id, e.ongoing.kind, true
}

// WaitIdle blocks until no transaction is ongoing or ctx ends.
func (e *Engine) WaitIdle(ctx context.Context) error {
	for {
		e.mu.Lock()
		if e.ongoing == nil {
			e.mu.Unlock()
			return nil
		}
		idle := e.idle
		e.mu.Unlock()
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Abort ends the ongoing transaction with ErrAborted. Its remaining step
// callbacks are ignored when they arrive.
func (e *Engine) Abort() bool {
	e.mu.Lock()
	t := e.ongoing
	e.mu.Unlock()
	if t == nil {
		return false
	}
	e.finish(t, Result{Err: ErrAborted})
	return true
}

func (e *Engine) begin(kind Kind) (*txn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ongoing != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrConflict, e.ongoing.kind, e.ongoing.id)
	}
	t := &txn{id: uuid.New(), kind: kind, out: make(chan Result, 1)}
	e.ongoing = t
	e.idle = make(chan struct{})
	// the timer only ends the transaction; an adapter operation still in
	// flight completes later and its callback is dropped by step
	if e.opts.Timeout > 0 {
		t.timer = time.AfterFunc(e.opts.Timeout, func() {
			e.finish(t, Result{Err: ErrTimeout})
		})
	}
	e.log.Debug("transaction started", zap.Stringer("kind", kind), zap.Stringer("id", t.id))
	return t, nil
}

// release frees the slot without a result; used when the first step is
// refused synchronously and the caller gets the error directly. Unlike
// finish it sends nothing on t.out, which nobody will ever read.
func (e *Engine) release(t *txn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ongoing != t {
		return
	}
	e.ongoing = nil
	close(e.idle)
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (e *Engine) current(t *txn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ongoing == t
}

// finish delivers r and frees the slot. The timer, Abort and the last step
// can all race to finish the same transaction; only the first one still
// finds t in the slot, so t.out (buffered, size 1) never blocks.
func (e *Engine) finish(t *txn, r Result) {
	e.mu.Lock()
	if e.ongoing != t {
		e.mu.Unlock()
		e.log.Debug("stale transaction result ignored", zap.Stringer("kind", t.kind), zap.Stringer("id", t.id))
		return
	}
	e.ongoing = nil
	close(e.idle)
	e.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}

	r.Kind, r.ID = t.kind, t.id
	r.Success = r.Err == nil
	if r.Success {
		e.log.Info("transaction finished", zap.Stringer("kind", t.kind), zap.Stringer("id", t.id))
	} else {
		e.log.Warn("transaction failed",
			zap.Stringer("kind", t.kind),
			zap.Stringer("id", t.id),
			zap.Bool("partial", r.Partial),
			zap.Bool("require_restart", r.RequireRestart),
			zap.Error(r.Err),
		)
	}
	if e.opts.OnResult != nil {
		e.opts.OnResult(r)
	}
	t.out <- r
}

// step wraps a callback so it only runs while t still owns the slot.
// Driver callbacks may arrive on any goroutine at any time after the
// transaction ended, so every continuation goes through here.
func (e *Engine) step(t *txn, fn func(ok bool)) func(ok bool) {
	return func(ok bool) {
		// the check and fn are not atomic: a finish in between makes fn's
		// own finish a stale no-op
		if !e.current(t) {
			e.log.Debug("stale step callback ignored", zap.Stringer("kind", t.kind), zap.Stringer("id", t.id), zap.Bool("ok", ok))
			return
		}
		fn(ok)
	}
}

// run takes the slot and starts a transaction. If the first step is
// refused synchronously the slot is released and the error returned.
func (e *Engine) run(kind Kind, first func(t *txn) error) (<-chan Result, error) {
	t, err := e.begin(kind)
	if err != nil {
		return nil, err
	}
	if err := first(t); err != nil {
		e.release(t)
		return nil, err
	}
	return t.out, nil
}
