package linkpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risa-org/linkpool/control"
	"github.com/risa-org/linkpool/segment"
	"github.com/risa-org/linkpool/transport"
	"github.com/risa-org/linkpool/transport/fake"
)

type harness struct {
	m      *Manager
	queues *segment.Queues
	ctrl   *fake.Driver
	data   []*fake.Driver
}

func newHarness(t *testing.T, dataCount int) *harness {
	t.Helper()
	pool := segment.MustNewPool(32, segment.DefaultFreeHigh, segment.DefaultFreeLow)
	queues := segment.NewQueues(nil)
	m := New(Options{
		Pool:              pool,
		Queues:            queues,
		ReconnectInterval: 5 * time.Millisecond,
		Control:           control.Options{RetryInterval: time.Millisecond, MaxRetries: 2},
	})
	h := &harness{m: m, queues: queues, ctrl: fake.New()}

	require.NoError(t, m.InstallControl(transport.NewAdapter(100, transport.RoleControl, "", h.ctrl, nil)))
	for i := 0; i < dataCount; i++ {
		d := fake.New()
		h.data = append(h.data, d)
		require.NoError(t, m.InstallData(transport.NewAdapter(uint16(i+1), transport.RoleData, "", d, nil)))
	}
	m.Open()
	t.Cleanup(func() {
		queues.Close()
		m.Close()
	})
	return h
}

func (h *harness) adapter(t *testing.T, id uint16) *transport.Adapter {
	t.Helper()
	a, ok := h.m.Data(id)
	require.True(t, ok)
	return a
}

func okDone(t *testing.T) func(bool) {
	return func(ok bool) { assert.True(t, ok) }
}

// bringUp connects control and the first data adapter.
func (h *harness) bringUp(t *testing.T) {
	t.Helper()
	require.NoError(t, h.m.ConnectControl(okDone(t)))
	require.NoError(t, h.m.ConnectData(h.adapter(t, 1), okDone(t)))
	require.Equal(t, StateDataReady, h.m.State())
}

func TestTransportStateFollowsAdapters(t *testing.T) {
	h := newHarness(t, 1)
	var seen []State
	h.m.OnStateChange(func(_, to State) { seen = append(seen, to) })

	h.bringUp(t)
	require.NoError(t, h.m.DisconnectData(h.adapter(t, 1), okDone(t)))
	assert.Equal(t, StateControlReady, h.m.State())
	require.NoError(t, h.m.DisconnectControl(okDone(t)))
	assert.Equal(t, StateIdle, h.m.State())

	assert.Equal(t, []State{
		StateConnectingControl, StateControlReady, StateDataReady, StateControlReady, StateIdle,
	}, seen)
}

func TestControlConnectFailureRollsBack(t *testing.T) {
	h := newHarness(t, 1)
	h.ctrl.SetResults(false, true)

	var got *bool
	require.NoError(t, h.m.ConnectControl(func(ok bool) { got = &ok }))
	require.NotNil(t, got)
	assert.False(t, *got)
	assert.Equal(t, StateIdle, h.m.State())
}

func TestConnectControlOutsideIdle(t *testing.T) {
	h := newHarness(t, 1)
	h.bringUp(t)
	assert.ErrorIs(t, h.m.ConnectControl(func(bool) {}), ErrInvalidState)
	assert.Equal(t, StateDataReady, h.m.State())
}

func TestInstallRules(t *testing.T) {
	h := newHarness(t, 1)

	err := h.m.InstallControl(transport.NewAdapter(101, transport.RoleControl, "", fake.New(), nil))
	assert.ErrorIs(t, err, ErrInvalidState, "second control adapter")

	err = h.m.InstallData(transport.NewAdapter(5, transport.RoleControl, "", fake.New(), nil))
	assert.ErrorIs(t, err, ErrInvalidState, "control role as data")

	h.bringUp(t)
	assert.ErrorIs(t, h.m.RemoveData(1), ErrInvalidState)
	assert.ErrorIs(t, h.m.RemoveControl(), ErrInvalidState)
	assert.ErrorIs(t, h.m.RemoveData(42), ErrUnknownAdapter)

	a, ok := h.m.Adapter(100)
	require.True(t, ok)
	assert.Equal(t, transport.RoleControl, a.Role())
}

func TestIncreaseNotifiesPeerAndConnects(t *testing.T) {
	h := newHarness(t, 3)
	h.bringUp(t)

	require.NoError(t, h.m.IncreaseAdapter(okDone(t)))
	assert.Equal(t, StateDataReady, h.m.State())
	assert.Equal(t, 2, h.m.ConnectedDataCount())
	assert.True(t, h.adapter(t, 2).IsConnected(), "first disconnected adapter is chosen")

	assert.Equal(t, []byte{byte(control.CodeIncreaseAdapter), 0x00, 0x02}, h.ctrl.Sent())
}

func TestDecreaseDoesNotNotifyPeer(t *testing.T) {
	h := newHarness(t, 2)
	h.bringUp(t)
	time.Sleep(2 * time.Millisecond) // ConnectedAt ordering
	require.NoError(t, h.m.ConnectData(h.adapter(t, 2), okDone(t)))

	require.NoError(t, h.m.DecreaseAdapter(okDone(t)))
	assert.False(t, h.adapter(t, 2).IsConnected(), "most recently connected adapter goes first")
	assert.Empty(t, h.ctrl.Sent())

	// never the last one
	assert.ErrorIs(t, h.m.DecreaseAdapter(func(bool) {}), ErrNoCandidate)
	assert.ErrorIs(t, h.m.DecreaseAdapterByID(1, func(bool) {}), ErrNoCandidate)
	assert.Equal(t, StateDataReady, h.m.State())
}

func TestScaleOperationsAreExclusive(t *testing.T) {
	h := newHarness(t, 3)
	h.bringUp(t)

	manual := fake.NewManual()
	require.NoError(t, h.m.InstallData(transport.NewAdapter(9, transport.RoleData, "", manual, nil)))
	require.NoError(t, h.m.IncreaseAdapterByID(9, func(bool) {}))
	assert.Equal(t, StateIncreasing, h.m.State())

	assert.ErrorIs(t, h.m.IncreaseAdapter(func(bool) {}), ErrBusy)
	assert.ErrorIs(t, h.m.DecreaseAdapter(func(bool) {}), ErrBusy)

	require.True(t, manual.CompleteConnect(false))
	assert.Equal(t, StateDataReady, h.m.State())
}

func TestScaleRequiresDataReady(t *testing.T) {
	h := newHarness(t, 2)
	assert.ErrorIs(t, h.m.IncreaseAdapter(func(bool) {}), ErrInvalidState)

	require.NoError(t, h.m.ConnectControl(okDone(t)))
	assert.ErrorIs(t, h.m.IncreaseAdapter(func(bool) {}), ErrInvalidState)
}

func TestControlReconnectKeepsDataReady(t *testing.T) {
	h := newHarness(t, 1)
	h.bringUp(t)

	require.NoError(t, h.m.DisconnectControl(okDone(t)))
	assert.Equal(t, StateIdle, h.m.State())
	require.NoError(t, h.m.ConnectControl(okDone(t)))
	assert.Equal(t, StateDataReady, h.m.State())
}

type recorder struct {
	mu         sync.Mutex
	reconnects []uint16
	drops      []uint16
}

func (r *recorder) Reconnect(a *transport.Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnects = append(r.reconnects, a.ID())
	return nil
}

func (r *recorder) Drop(a *transport.Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drops = append(r.drops, a.ID())
	return nil
}

func (r *recorder) snapshot() (reconnects, drops []uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint16(nil), r.reconnects...), append([]uint16(nil), r.drops...)
}

func TestBrokenLinkAsksForReconnect(t *testing.T) {
	h := newHarness(t, 1)
	rec := &recorder{}
	h.m.SetRecoverer(rec)
	h.bringUp(t)

	h.data[0].Break()
	require.Eventually(t, func() bool {
		r, _ := rec.snapshot()
		return len(r) == 1 && r[0] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPeerCloseAsksForDrop(t *testing.T) {
	h := newHarness(t, 1)
	rec := &recorder{}
	h.m.SetRecoverer(rec)
	h.bringUp(t)

	// the link closes cleanly underneath the connected adapter
	h.data[0].Disconnect(func(bool) {})
	require.Eventually(t, func() bool {
		_, d := rec.snapshot()
		return len(d) == 1
	}, time.Second, 5*time.Millisecond)
	r, _ := rec.snapshot()
	assert.Empty(t, r)
}

func TestLocalDisconnectIsNotAFailure(t *testing.T) {
	h := newHarness(t, 1)
	rec := &recorder{}
	h.m.SetRecoverer(rec)
	h.bringUp(t)

	require.NoError(t, h.m.DisconnectData(h.adapter(t, 1), okDone(t)))
	time.Sleep(30 * time.Millisecond)
	r, d := rec.snapshot()
	assert.Empty(t, r)
	assert.Empty(t, d)
}

func TestSendLoopWritesSegments(t *testing.T) {
	h := newHarness(t, 1)
	h.bringUp(t)

	s := segment.MustNewPool(32, 4, 2).Get()
	s.Seq = 0
	s.SetPayload([]byte("abc"))
	h.queues.Enqueue(segment.SendData, s)

	require.Eventually(t, func() bool {
		return len(h.data[0].Sent()) == segment.HeaderSize+3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "abc", string(h.data[0].Sent()[segment.HeaderSize:]))
}

func TestReceiveLoopRoutesByControlFlag(t *testing.T) {
	h := newHarness(t, 1)
	h.bringUp(t)

	var hdr [segment.HeaderSize]byte
	segment.EncodeHeader(hdr[:], 0, segment.FlagControl, 2)
	h.data[0].Inject(append(hdr[:], 'h', 'i'))
	segment.EncodeHeader(hdr[:], 0, 0, 1)
	h.data[0].Inject(append(hdr[:], 'd'))

	require.Eventually(t, func() bool {
		return h.queues.Len(segment.RecvControl) == 1 && h.queues.Len(segment.RecvData) == 1
	}, time.Second, 5*time.Millisecond)
}

type dispatched struct {
	mu   sync.Mutex
	reqs []control.Request
}

func (d *dispatched) add(r control.Request) error {
	d.mu.Lock()
	d.reqs = append(d.reqs, r)
	d.mu.Unlock()
	return nil
}

func (d *dispatched) ConnectAdapter(id uint16) error {
	return d.add(control.Request{Code: control.CodeConnectAdapter, AdapterID: id})
}
func (d *dispatched) IncreaseAdapter(id uint16) error {
	return d.add(control.Request{Code: control.CodeIncreaseAdapter, AdapterID: id})
}
func (d *dispatched) DecreaseAdapter(id uint16) error {
	return d.add(control.Request{Code: control.CodeDecreaseAdapter, AdapterID: id})
}
func (d *dispatched) DisconnectAdapter(id uint16) error {
	return d.add(control.Request{Code: control.CodeDisconnectAdapter, AdapterID: id})
}
func (d *dispatched) PrivateData(id uint16, p []byte) error {
	return d.add(control.Request{Code: control.CodePrivateData, AdapterID: id, Payload: p})
}

func (d *dispatched) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.reqs)
}

func TestControlLoopDispatches(t *testing.T) {
	h := newHarness(t, 1)
	disp := &dispatched{}
	h.m.SetDispatcher(disp)
	h.bringUp(t)

	req := control.Request{Code: control.CodePrivateData, AdapterID: 1, Payload: []byte("10.0.0.2")}
	b, err := req.Encode()
	require.NoError(t, err)
	h.ctrl.Inject(b)

	require.Eventually(t, func() bool { return disp.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, req, disp.reqs[0])
}

func TestControlLossAsksForReconnect(t *testing.T) {
	h := newHarness(t, 1)
	rec := &recorder{}
	h.m.SetRecoverer(rec)
	h.bringUp(t)

	h.ctrl.Break()
	require.Eventually(t, func() bool {
		r, _ := rec.snapshot()
		return len(r) == 1 && r[0] == 100
	}, 2*time.Second, 5*time.Millisecond)
}

func TestResetTakesEverythingDown(t *testing.T) {
	h := newHarness(t, 2)
	h.bringUp(t)
	require.NoError(t, h.m.ConnectData(h.adapter(t, 2), okDone(t)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.m.Reset(ctx))
	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, 0, h.m.ConnectedDataCount())
	assert.False(t, h.m.Control().IsConnected())
}

func TestResetUndoesLateConnect(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.m.RemoveControl())
	ctrl := fake.NewManual()
	require.NoError(t, h.m.InstallControl(transport.NewAdapter(100, transport.RoleControl, "", ctrl, nil)))

	// the caller of this connect has already given up on it
	require.NoError(t, h.m.ConnectControl(func(bool) {}))
	require.Equal(t, StateConnectingControl, h.m.State())

	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		errc <- h.m.Reset(ctx)
	}()

	require.True(t, ctrl.CompleteConnect(true))
	require.Eventually(t, func() bool { return ctrl.PendingDisconnects() == 1 }, time.Second, time.Millisecond)
	require.True(t, ctrl.CompleteDisconnect(true))

	require.NoError(t, <-errc)
	assert.Equal(t, StateIdle, h.m.State())
	assert.Equal(t, transport.StateDisconnected, h.m.Control().State())
}

func TestResetGivesUpWithContext(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.m.RemoveControl())
	ctrl := fake.NewManual()
	require.NoError(t, h.m.InstallControl(transport.NewAdapter(100, transport.RoleControl, "", ctrl, nil)))
	require.NoError(t, h.m.ConnectControl(func(bool) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.m.Reset(ctx), context.DeadlineExceeded)
	assert.Equal(t, StateConnectingControl, h.m.State())
}

func TestSenderLeavesWithItsAdapter(t *testing.T) {
	h := newHarness(t, 2)
	h.bringUp(t)

	// adapter 1's sender is parked on the empty queue when it goes down
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, h.m.DisconnectData(h.adapter(t, 1), okDone(t)))
	require.NoError(t, h.m.ConnectData(h.adapter(t, 2), okDone(t)))

	for i := uint32(0); i < 3; i++ {
		s := segment.MustNewPool(32, 4, 2).Get()
		s.Seq = i
		s.SetPayload([]byte{byte('a' + i)})
		h.queues.Enqueue(segment.SendData, s)
	}

	require.Eventually(t, func() bool {
		return len(h.data[1].Sent()) == 3*(segment.HeaderSize+1)
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.data[0].Sent())
	assert.Equal(t, 0, h.queues.Len(segment.SendData))
}
