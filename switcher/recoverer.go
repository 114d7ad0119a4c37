package switcher

import (
	"go.uber.org/zap"

	"github.com/risa-org/linkpool/linkpool"
	"github.com/risa-org/linkpool/transport"
)

// Recoverer adapts the engine to linkpool.Recoverer so workers can repair
// failed links through the same single transaction slot.
func (e *Engine) Recoverer() linkpool.Recoverer { return recoverer{e} }

type recoverer struct{ e *Engine }

func (r recoverer) Reconnect(a *transport.Adapter) error {
	ch, err := r.e.Reconnect(a)
	if err != nil {
		return err
	}
	go r.e.logOutcome(a, ch)
	return nil
}

func (r recoverer) Drop(a *transport.Adapter) error {
	ch, err := r.e.DisconnectRequest(a.ID())
	if err != nil {
		return err
	}
	go r.e.logOutcome(a, ch)
	return nil
}

func (e *Engine) logOutcome(a *transport.Adapter, ch <-chan Result) {
	res := <-ch
	if res.RequireRestart {
		e.log.Error("adapter lost, session needs a restart", zap.Stringer("adapter", a), zap.Error(res.Err))
	}
}
