package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/risa-org/linkpool/switcher"
)

// peerRequestWait bounds how long a peer request waits for a local
// transaction (usually a link recovery) to free the engine.
const peerRequestWait = 5 * time.Second

// dispatcher turns control requests from the peer into engine transactions.
// Requests the engine refuses are reported back to the control loop, which
// logs them.
type dispatcher struct{ c *Core }

func (d dispatcher) track(op string, id uint16, begin func(uint16) (<-chan switcher.Result, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), peerRequestWait)
	defer cancel()

	ch, err := begin(id)
	for errors.Is(err, switcher.ErrConflict) {
		if werr := d.c.engine.WaitIdle(ctx); werr != nil {
			return err
		}
		ch, err = begin(id)
	}
	if err != nil {
		return err
	}
	go func() {
		r := <-ch
		d.c.log.Debug("peer request finished",
			zap.String("op", op), zap.Uint16("adapter_id", id), zap.Bool("success", r.Success), zap.Error(r.Err))
	}()
	return nil
}

func (d dispatcher) ConnectAdapter(id uint16) error {
	return d.track("connect", id, d.c.engine.ConnectRequest)
}

func (d dispatcher) IncreaseAdapter(id uint16) error {
	return d.track("increase", id, d.c.engine.IncreaseByID)
}

func (d dispatcher) DecreaseAdapter(id uint16) error {
	return d.track("decrease", id, d.c.engine.DecreaseByID)
}

func (d dispatcher) DisconnectAdapter(id uint16) error {
	return d.track("disconnect", id, d.c.engine.DisconnectRequest)
}

// PrivateData goes to the adapter's own handler and to every listener.
func (d dispatcher) PrivateData(id uint16, payload []byte) error {
	handled := false
	if a, ok := d.c.links.Adapter(id); ok {
		handled = a.DeliverPrivateData(payload)
	}
	if d.c.notifyListeners(id, payload) > 0 {
		handled = true
	}
	if !handled {
		return fmt.Errorf("private data for adapter %d: nobody is listening", id)
	}
	return nil
}
