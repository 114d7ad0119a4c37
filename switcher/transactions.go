package switcher

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/risa-org/linkpool/control"
	"github.com/risa-org/linkpool/transport"
)

func failed(op string, a *transport.Adapter) error {
	return fmt.Errorf("%w: %s %s", ErrStepFailed, op, a)
}

// Start connects the control adapter, then the first data adapter. If the
// data adapter fails the control adapter is taken down again.
func (e *Engine) Start() (<-chan Result, error) {
	data, ok := e.pool.DataAt(0)
	if !ok {
		return nil, fmt.Errorf("%w: no data adapter registered", ErrUnknownAdapter)
	}
	ctrl := e.pool.Control()
	if ctrl == nil {
		return nil, fmt.Errorf("%w: no control adapter registered", ErrUnknownAdapter)
	}

	return e.run(KindStart, func(t *txn) error {
		return e.pool.ConnectControl(e.step(t, func(ok bool) {
			if !ok {
				e.finish(t, Result{Err: failed("connect", ctrl)})
				return
			}
			err := e.pool.ConnectData(data, e.step(t, func(ok bool) {
				if ok {
					e.finish(t, Result{})
					return
				}
				e.rollbackControl(t, failed("connect", data))
			}))
			if err != nil {
				e.rollbackControl(t, err)
			}
		}))
	})
}

func (e *Engine) rollbackControl(t *txn, cause error) {
	err := e.pool.DisconnectControl(e.step(t, func(bool) {
		e.finish(t, Result{Err: cause})
	}))
	if err != nil {
		e.finish(t, Result{Err: cause})
	}
}

// Stop disconnects the control adapter, then every data adapter that is
// up. It succeeds only if all of them went down.
func (e *Engine) Stop() (<-chan Result, error) {
	return e.run(KindStop, func(t *txn) error {
		ctrl := e.pool.Control()
		if ctrl == nil || ctrl.State() == transport.StateDisconnected {
			e.stopData(t)
			return nil
		}
		return e.pool.DisconnectControl(e.step(t, func(ok bool) {
			if !ok {
				e.finish(t, Result{Err: failed("disconnect", ctrl)})
				return
			}
			e.stopData(t)
		}))
	})
}

// stopData takes the data adapters down one after another.
func (e *Engine) stopData(t *txn) {
	var up []*transport.Adapter
	for _, a := range e.pool.DataAdapters() {
		if a.State() != transport.StateDisconnected {
			up = append(up, a)
		}
	}
	var firstErr error
	var next func(i int)
	next = func(i int) {
		if i == len(up) {
			e.finish(t, Result{Err: firstErr})
			return
		}
		a := up[i]
		err := e.pool.DisconnectData(a, e.step(t, func(ok bool) {
			if !ok && firstErr == nil {
				firstErr = failed("disconnect", a)
			}
			next(i + 1)
		}))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			next(i + 1)
		}
	}
	next(0)
}

// Switch moves traffic from prev to next: the peer is asked to bring up
// next, next is connected, then prev is disconnected. If next fails nothing
// changed. If prev cannot be released the result is Partial: next is
// carrying traffic and prev is left connected.
func (e *Engine) Switch(prev, next uint16) (<-chan Result, error) {
	from, ok := e.pool.Adapter(prev)
	if !ok || from.Role() != transport.RoleData {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAdapter, prev)
	}
	to, ok := e.pool.Adapter(next)
	if !ok || to.Role() != transport.RoleData {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAdapter, next)
	}
	if !from.IsConnected() {
		return nil, fmt.Errorf("%w: switch from %s which is %s", transport.ErrInvalidState, from, from.State())
	}
	if to.State() != transport.StateDisconnected {
		return nil, fmt.Errorf("%w: switch to %s which is %s", transport.ErrInvalidState, to, to.State())
	}

	return e.run(KindSwitch, func(t *txn) error {
		if err := e.pool.SendControlMessage(control.Request{Code: control.CodeConnectAdapter, AdapterID: next}); err != nil {
			e.log.Warn("could not ask peer to connect", zap.Uint16("adapter", next), zap.Error(err))
		}
		return e.pool.ConnectData(to, e.step(t, func(ok bool) {
			if !ok {
				e.finish(t, Result{Err: failed("connect", to)})
				return
			}
			err := e.pool.DisconnectData(from, e.step(t, func(ok bool) {
				if ok {
					e.finish(t, Result{})
					return
				}
				e.log.Warn("switch left previous adapter connected", zap.Stringer("adapter", from))
				e.finish(t, Result{Partial: true, Err: fmt.Errorf("%w: %w", ErrPartial, failed("disconnect", from))})
			}))
			if err != nil {
				e.finish(t, Result{Partial: true, Err: fmt.Errorf("%w: %w", ErrPartial, err)})
			}
		}))
	})
}

// ConnectRequest connects one adapter, control or data, by id.
func (e *Engine) ConnectRequest(id uint16) (<-chan Result, error) {
	a, ok := e.pool.Adapter(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAdapter, id)
	}
	return e.run(KindConnect, func(t *txn) error {
		return e.connect(a, e.step(t, func(ok bool) {
			if ok {
				e.finish(t, Result{})
			} else {
				e.finish(t, Result{Err: failed("connect", a)})
			}
		}))
	})
}

// DisconnectRequest disconnects one adapter, control or data, by id.
func (e *Engine) DisconnectRequest(id uint16) (<-chan Result, error) {
	a, ok := e.pool.Adapter(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAdapter, id)
	}
	return e.run(KindDisconnect, func(t *txn) error {
		return e.disconnect(a, e.step(t, func(ok bool) {
			if ok {
				e.finish(t, Result{})
			} else {
				e.finish(t, Result{Err: failed("disconnect", a)})
			}
		}))
	})
}

// Reconnect cycles an adapter: disconnect, then connect. When both steps
// fail the result asks for a restart.
func (e *Engine) Reconnect(a *transport.Adapter) (<-chan Result, error) {
	return e.run(KindReconnect, func(t *txn) error {
		reconnect := func(released bool) {
			err := e.connect(a, e.step(t, func(ok bool) {
				switch {
				case ok:
					e.finish(t, Result{})
				case !released:
					e.finish(t, Result{RequireRestart: true, Err: failed("reconnect", a)})
				default:
					e.finish(t, Result{Err: failed("connect", a)})
				}
			}))
			if err != nil {
				e.finish(t, Result{RequireRestart: !released, Err: err})
			}
		}
		return e.disconnect(a, e.step(t, reconnect))
	})
}

// Increase adds a data adapter chosen by the pool's policy.
func (e *Engine) Increase() (<-chan Result, error) {
	return e.scale(KindIncrease, e.pool.IncreaseAdapter)
}

// Decrease removes a data adapter chosen by the pool's policy.
func (e *Engine) Decrease() (<-chan Result, error) {
	return e.scale(KindDecrease, e.pool.DecreaseAdapter)
}

// IncreaseByID adds the data adapter the peer asked for.
func (e *Engine) IncreaseByID(id uint16) (<-chan Result, error) {
	return e.scale(KindIncrease, func(done func(bool)) error { return e.pool.IncreaseAdapterByID(id, done) })
}

// DecreaseByID removes the data adapter the peer asked for.
func (e *Engine) DecreaseByID(id uint16) (<-chan Result, error) {
	return e.scale(KindDecrease, func(done func(bool)) error { return e.pool.DecreaseAdapterByID(id, done) })
}

func (e *Engine) scale(kind Kind, op func(done func(bool)) error) (<-chan Result, error) {
	return e.run(kind, func(t *txn) error {
		return op(e.step(t, func(ok bool) {
			if ok {
				e.finish(t, Result{})
			} else {
				e.finish(t, Result{Err: fmt.Errorf("%w: %s", ErrStepFailed, kind)})
			}
		}))
	})
}

func (e *Engine) connect(a *transport.Adapter, done func(bool)) error {
	if a.Role() == transport.RoleControl {
		return e.pool.ConnectControl(done)
	}
	return e.pool.ConnectData(a, done)
}

func (e *Engine) disconnect(a *transport.Adapter, done func(bool)) error {
	if a.Role() == transport.RoleControl {
		return e.pool.DisconnectControl(done)
	}
	return e.pool.DisconnectData(a, done)
}
