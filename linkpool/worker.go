package linkpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/risa-org/linkpool/control"
	"github.com/risa-org/linkpool/protocol"
	"github.com/risa-org/linkpool/segment"
	"github.com/risa-org/linkpool/transport"
)

// workerSet is the goroutines serving one connection of one adapter.
// ctx ends when the adapter reaches StateDisconnected.
type workerSet struct {
	ctx       context.Context
	cancel    context.CancelFunc
	recvAlive atomic.Bool
}

// Open starts the shared control-segment sender. Workers for adapters that
// connect afterwards are children of the context Open creates.
func (m *Manager) Open() {
	m.wmu.Lock()
	if m.stop != nil {
		m.stop()
	}
	m.root, m.stop = context.WithCancel(context.Background())
	root := m.root
	m.wmu.Unlock()
	go m.controlSegmentLoop(root)
}

// Close stops every worker. Goroutines blocked on a queue exit once the
// queues are closed.
func (m *Manager) Close() {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
	for a, w := range m.workers {
		w.cancel()
		delete(m.workers, a)
	}
}

func (m *Manager) observe(a *transport.Adapter, _, to transport.State) {
	switch to {
	case transport.StateConnected:
		m.ensureWorkers(a)
	case transport.StateDisconnected:
		m.stopWorkers(a)
	}
}

func (m *Manager) ensureWorkers(a *transport.Adapter) {
	m.wmu.Lock()
	defer m.wmu.Unlock()

	w := m.workers[a]
	if w == nil {
		ctx, cancel := context.WithCancel(m.root)
		w = &workerSet{ctx: ctx, cancel: cancel}
		m.workers[a] = w
		if a.Role() == transport.RoleData {
			go m.sendLoop(a, w)
		}
	}
	if w.recvAlive.CompareAndSwap(false, true) {
		if a.Role() == transport.RoleData {
			go m.receiveLoop(a, w)
		} else {
			go m.controlLoop(a, w)
		}
	}
	if a.Role() == transport.RoleData {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) stopWorkers(a *transport.Adapter) {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if w, ok := m.workers[a]; ok {
		w.cancel()
		delete(m.workers, a)
	}
}

func (m *Manager) limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(m.opts.ReconnectInterval), 1)
}

// sendLoop moves data segments from the send queue onto one adapter.
// A segment it could not write goes back to the head of the queue, where
// this or another adapter's sender picks it up again. The loop ends when
// the adapter disconnects, even while the queue is empty.
func (m *Manager) sendLoop(a *transport.Adapter, w *workerSet) {
	log := m.log.With(zap.Stringer("adapter", a))
	lim := m.limiter()
	for {
		s, err := m.queues.DequeueContext(w.ctx, segment.SendData)
		if err != nil {
			return
		}
		// every connected adapter runs a sender on the same queue; one that
		// is going away hands its segment back to the others
		if w.ctx.Err() != nil {
			m.queues.Requeue(segment.SendData, s)
			return
		}
		if err := protocol.WriteSegment(a, s); err != nil {
			m.queues.Requeue(segment.SendData, s)
			log.Debug("send failed, segment requeued", zap.Uint32("seq", s.Seq), zap.Error(err))
			if lim.Wait(w.ctx) != nil {
				return
			}
			continue
		}
		s.Release()
	}
}

// receiveLoop reads segments off one adapter and routes them by their
// control flag.
func (m *Manager) receiveLoop(a *transport.Adapter, w *workerSet) {
	for {
		s, err := protocol.ReadSegment(a, m.pool)
		if err != nil {
			// a read fails when our own disconnect closes the link; if that
			// disconnect is refused the link stays up and reading resumes
			if m.settled(a, w) {
				continue
			}
			if w.ctx.Err() != nil || !a.IsConnected() {
				w.recvAlive.Store(false)
				return
			}
			// an adapter that comes back connected without passing through
			// disconnected keeps w; ensureWorkers then starts a new reader
			w.recvAlive.Store(false)
			m.recover(a, w, err)
			return
		}
		qt := segment.RecvData
		if s.IsControl() {
			qt = segment.RecvControl
		}
		m.queues.Enqueue(qt, s)
	}
}

// controlLoop serves the control channel for as long as the control
// adapter stays connected.
func (m *Manager) controlLoop(a *transport.Adapter, w *workerSet) {
	for {
		opts := m.opts.Control
		opts.Alive = a.IsConnected
		opts.Log = m.log
		err := control.Serve(w.ctx, a, m.currentDispatcher(), opts)
		if m.settled(a, w) {
			continue
		}
		w.recvAlive.Store(false)
		if w.ctx.Err() != nil || !a.IsConnected() {
			return
		}
		m.log.Warn("control channel lost, reconnecting", zap.Stringer("adapter", a), zap.Error(err))
		m.recover(a, w, err)
		return
	}
}

// settled waits out an in-flight disconnect. It returns true if the
// disconnect failed and the adapter is connected again, so the caller
// should carry on with the same connection.
//
// Without it a worker could not tell a link torn down on purpose from one
// that broke, and would ask for a reconnect in the middle of our own
// disconnect.
func (m *Manager) settled(a *transport.Adapter, w *workerSet) bool {
	waited := false
	for a.State() == transport.StateDisconnecting {
		waited = true
		select {
		case <-w.ctx.Done():
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
	return waited && w.ctx.Err() == nil && a.IsConnected()
}

// recover hands a failed adapter to the recoverer. The recoverer runs
// transactions on the switch engine, which refuses while another one is
// ongoing, so the request is retried at the reconnect interval until it is
// taken or the adapter is no longer connected (someone else took it down).
func (m *Manager) recover(a *transport.Adapter, w *workerSet, cause error) {
	m.hooksMu.RLock()
	rec := m.recoverer
	m.hooksMu.RUnlock()
	log := m.log.With(zap.Stringer("adapter", a))
	if rec == nil {
		log.Warn("link failed and no recoverer is installed", zap.Error(cause))
		return
	}

	// a clean close of a data link means the peer took it down on purpose
	drop := a.Role() == transport.RoleData && errors.Is(cause, io.EOF)
	lim := m.limiter()
	for {
		var err error
		if drop {
			err = rec.Drop(a)
		} else {
			err = rec.Reconnect(a)
		}
		if err == nil {
			log.Info("link recovery started", zap.Bool("drop", drop), zap.NamedError("cause", cause))
			return
		}
		log.Debug("link recovery deferred", zap.Error(err))
		if lim.Wait(w.ctx) != nil || !a.IsConnected() {
			return
		}
	}
}

// controlSegmentLoop sends control-flagged segments over the first
// connected data adapter, waiting for one when none is up.
//
// A single loop serves the whole pool so control segments keep their order
// whichever data adapter carries them. While it holds a segment it cannot
// write, ensureWorkers pokes m.wake as soon as a data adapter connects; the
// channel has room for one token, so pokes that arrive while the loop is busy
// collapse into one and never block the caller. The timer covers a write that
// failed on an adapter that still looks connected.
func (m *Manager) controlSegmentLoop(ctx context.Context) {
	for {
		s, err := m.queues.DequeueContext(ctx, segment.SendControl)
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			m.queues.Requeue(segment.SendControl, s)
			return
		}
		for {
			if conn := m.data.Connected(); len(conn) > 0 {
				if err := protocol.WriteSegment(conn[0], s); err == nil {
					s.Release()
					break
				}
			}
			select {
			case <-ctx.Done():
				m.queues.Requeue(segment.SendControl, s)
				return
			case <-m.wake:
			case <-time.After(m.opts.ReconnectInterval):
			}
		}
	}
}

func (m *Manager) currentDispatcher() control.Dispatcher {
	m.hooksMu.RLock()
	defer m.hooksMu.RUnlock()
	if m.dispatcher == nil {
		return refuseAll{}
	}
	return m.dispatcher
}

var errNoDispatcher = errors.New("no control request handler installed")

// refuseAll rejects every request; used until a dispatcher is installed.
type refuseAll struct{}

func (refuseAll) ConnectAdapter(id uint16) error    { return fmt.Errorf("%w: connect %d", errNoDispatcher, id) }
func (refuseAll) IncreaseAdapter(id uint16) error   { return fmt.Errorf("%w: increase %d", errNoDispatcher, id) }
func (refuseAll) DecreaseAdapter(id uint16) error   { return fmt.Errorf("%w: decrease %d", errNoDispatcher, id) }
func (refuseAll) DisconnectAdapter(id uint16) error { return fmt.Errorf("%w: disconnect %d", errNoDispatcher, id) }
func (refuseAll) PrivateData(id uint16, _ []byte) error {
	return fmt.Errorf("%w: private data for %d", errNoDispatcher, id)
}
