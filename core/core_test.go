package core

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/risa-org/linkpool/config"
	"github.com/risa-org/linkpool/control"
	"github.com/risa-org/linkpool/linkpool"
	"github.com/risa-org/linkpool/segment"
	"github.com/risa-org/linkpool/transport/fake"
)

const (
	ctrlID = 100
	dataID = 1
)

func newCore(t *testing.T, ctrl, data *fake.Driver) *Core {
	t.Helper()
	c, err := New(Options{
		SegmentCapacity:   64,
		ControlRetry:      time.Millisecond,
		ControlMaxRetries: 2,
		ReconnectInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	_, err = c.RegisterControlAdapter(ctrlID, "", ctrl)
	require.NoError(t, err)
	_, err = c.RegisterDataAdapter(dataID, "", data)
	require.NoError(t, err)
	return c
}

func startedCore(t *testing.T) (*Core, *fake.Driver, *fake.Driver) {
	t.Helper()
	ctrl, data := fake.New(), fake.New()
	c := newCore(t, ctrl, data)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		if c.State() == StateReady {
			_ = c.Stop(context.Background())
		}
	})
	return c, ctrl, data
}

func TestStartStopLifecycle(t *testing.T) {
	c, _, _ := startedCore(t)
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, linkpool.StateDataReady, c.Links().State())

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateUninitialized, c.State())
	assert.Equal(t, linkpool.StateIdle, c.Links().State())
	assert.ErrorIs(t, c.Stop(context.Background()), ErrNotReady)

	// a stopped core can start again
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateReady, c.State())
}

func TestReadyOnlyAfterBothLinksConnect(t *testing.T) {
	ctrl, data := fake.NewManual(), fake.NewManual()
	c := newCore(t, ctrl, data)

	errc := make(chan error, 1)
	go func() { errc <- c.Start(context.Background()) }()

	require.Eventually(t, func() bool { return ctrl.PendingConnects() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateStarting, c.State())
	require.True(t, ctrl.CompleteConnect(true))

	require.Eventually(t, func() bool { return data.PendingConnects() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateStarting, c.State())
	require.True(t, data.CompleteConnect(true))

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("start did not finish")
	}
	assert.Equal(t, StateReady, c.State())

	errc2 := make(chan error, 1)
	go func() { errc2 <- c.Stop(context.Background()) }()
	require.Eventually(t, func() bool { return ctrl.PendingDisconnects() == 1 }, time.Second, time.Millisecond)
	require.True(t, ctrl.CompleteDisconnect(true))
	require.Eventually(t, func() bool { return data.PendingDisconnects() == 1 }, time.Second, time.Millisecond)
	require.True(t, data.CompleteDisconnect(true))
	require.NoError(t, <-errc2)
	assert.Equal(t, StateUninitialized, c.State())
}

func TestFailedStartReturnsToUninitialized(t *testing.T) {
	ctrl, data := fake.New(), fake.New()
	data.SetResults(false, true)
	c := newCore(t, ctrl, data)

	assert.Error(t, c.Start(context.Background()))
	assert.Equal(t, StateUninitialized, c.State())
	assert.Equal(t, linkpool.StateIdle, c.Links().State())
	assert.False(t, c.Links().Control().IsConnected(), "control left up after a failed start")
}

func TestStartCancelled(t *testing.T) {
	ctrl, data := fake.NewManual(), fake.NewManual()
	c := newCore(t, ctrl, data)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Start(ctx) }()
	require.Eventually(t, func() bool { return ctrl.PendingConnects() == 1 }, time.Second, time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Equal(t, StateUninitialized, c.State())
	_, _, busy := c.Engine().Ongoing()
	assert.False(t, busy)
}

func TestCancelledStartUnwindsLateConnect(t *testing.T) {
	ctrl, data := fake.NewManual(), fake.NewManual()
	c := newCore(t, ctrl, data)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Start(ctx) }()
	require.Eventually(t, func() bool { return ctrl.PendingConnects() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	// the driver finishes the connect nobody is waiting for any more
	require.True(t, ctrl.CompleteConnect(true))
	require.Eventually(t, func() bool { return ctrl.PendingDisconnects() == 1 }, time.Second, time.Millisecond)
	require.True(t, ctrl.CompleteDisconnect(true))
	require.Eventually(t, func() bool {
		return c.Links().State() == linkpool.StateIdle && !c.Links().Control().IsConnected()
	}, time.Second, time.Millisecond)

	go func() { errc <- c.Start(context.Background()) }()
	require.Eventually(t, func() bool { return ctrl.PendingConnects() == 1 }, time.Second, time.Millisecond)
	require.True(t, ctrl.CompleteConnect(true))
	require.Eventually(t, func() bool { return data.PendingConnects() == 1 }, time.Second, time.Millisecond)
	require.True(t, data.CompleteConnect(true))

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("restart did not finish")
	}
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, linkpool.StateDataReady, c.Links().State())
}

func TestStartWaitsForUnwind(t *testing.T) {
	ctrl, data := fake.NewManual(), fake.NewManual()
	c := newCore(t, ctrl, data)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Start(ctx) }()
	require.Eventually(t, func() bool { return ctrl.PendingConnects() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	// the control connect is still in flight, so a new start has to wait
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, c.Start(short), context.DeadlineExceeded)
	assert.Equal(t, 1, ctrl.PendingConnects())

	require.True(t, ctrl.CompleteConnect(false))
	settleCtx, cancelSettle := context.WithTimeout(context.Background(), time.Second)
	defer cancelSettle()
	require.NoError(t, c.awaitSettle(settleCtx))
	assert.Equal(t, linkpool.StateIdle, c.Links().State())
}

func TestStartNeedsAdapters(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Start(context.Background()), ErrNoAdapters)

	_, err = c.RegisterControlAdapter(ctrlID, "", fake.New())
	require.NoError(t, err)
	assert.ErrorIs(t, c.Start(context.Background()), ErrNoAdapters)
}

func TestOperationsRequireReady(t *testing.T) {
	c := newCore(t, fake.New(), fake.New())

	_, err := c.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = c.Receive()
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = c.SendControl([]byte("x"))
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = c.ReceiveControl()
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, c.SendRequestConnect(dataID), ErrNotReady)
	assert.ErrorIs(t, c.SendPrivateData(dataID, []byte("x")), ErrNotReady)
	_, err = c.Switch(1, 2)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = c.IncreaseAdapter()
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = c.DecreaseAdapter()
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestRegisterOnlyWhileIdle(t *testing.T) {
	c, _, _ := startedCore(t)
	_, err := c.RegisterDataAdapter(2, "", fake.New())
	assert.ErrorIs(t, err, ErrNotIdle)
}

func TestSendReachesDataLink(t *testing.T) {
	c, _, data := startedCore(t)

	n, err := c.Send([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.Eventually(t, func() bool {
		return len(data.Sent()) == segment.HeaderSize+5
	}, time.Second, time.Millisecond)
	seq, flags, length := segment.DecodeHeader(data.Sent())
	assert.Equal(t, uint32(0), seq)
	assert.False(t, flags.Has(segment.FlagControl))
	assert.Equal(t, 5, length)
	assert.Equal(t, "hello", string(data.Sent()[segment.HeaderSize:]))
}

func TestReceiveFromDataLink(t *testing.T) {
	c, _, data := startedCore(t)

	wire := make([]byte, segment.HeaderSize+5)
	segment.EncodeHeader(wire, 0, 0, 5)
	copy(wire[segment.HeaderSize:], "world")
	data.Inject(wire)

	got, err := c.Receive()
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))
}

func TestStopUnblocksReceive(t *testing.T) {
	c, _, _ := startedCore(t)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Receive()
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Stop(context.Background()))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrNotReady)
	case <-time.After(time.Second):
		t.Fatal("receive still blocked after stop")
	}
}

func TestSendPrivateData(t *testing.T) {
	c, ctrl, _ := startedCore(t)

	err := c.SendPrivateData(dataID, make([]byte, control.MaxPrivateData+1))
	assert.ErrorIs(t, err, control.ErrPayloadTooLarge)
	assert.Empty(t, ctrl.Sent())

	require.NoError(t, c.SendPrivateData(dataID, []byte("192.168.49.1")))
	want, err := control.Request{Code: control.CodePrivateData, AdapterID: dataID, Payload: []byte("192.168.49.1")}.Encode()
	require.NoError(t, err)
	assert.Equal(t, want, ctrl.Sent())
}

func TestSendRequestConnect(t *testing.T) {
	c, ctrl, _ := startedCore(t)
	require.NoError(t, c.SendRequestConnect(7))
	assert.Equal(t, []byte{byte(control.CodeConnectAdapter), 0, 7}, ctrl.Sent())
}

func TestPrivateDataFromPeerReachesListeners(t *testing.T) {
	ctrl, data := fake.New(), fake.New()
	c := newCore(t, ctrl, data)

	type msg struct {
		id      uint16
		payload string
	}
	got := make(chan msg, 2)
	c.AddControlMessageListener(func(id uint16, p []byte) { got <- msg{id, string(p)} })
	a, ok := c.Links().Data(dataID)
	require.True(t, ok)
	a.SetPrivateDataHandler(func(p []byte) { got <- msg{0, string(p)} })

	require.NoError(t, c.Start(context.Background()))
	defer func() { _ = c.Stop(context.Background()) }()

	b, err := control.Request{Code: control.CodePrivateData, AdapterID: dataID, Payload: []byte("pass")}.Encode()
	require.NoError(t, err)
	ctrl.Inject(b)

	seen := map[msg]bool{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-got:
			seen[m] = true
		case <-time.After(time.Second):
			t.Fatal("private data not delivered")
		}
	}
	assert.True(t, seen[msg{dataID, "pass"}])
	assert.True(t, seen[msg{0, "pass"}])
}

func TestModuleWithoutAdaptersStaysIdle(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Outputs = []string{"stderr"}
	cfg.Log.Level = "error"

	var c *Core
	var reg *prometheus.Registry
	app := fxtest.New(t, Module(cfg), fx.Populate(&c, &reg))
	app.RequireStart()

	assert.Equal(t, StateUninitialized, c.State())
	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["linkpool_pool_free"])
	assert.True(t, names["linkpool_transport_state"])

	app.RequireStop()
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Switcher.Timeout = 3 * time.Second
	opts := OptionsFromConfig(cfg, nil)
	assert.Equal(t, cfg.Segment.Capacity, opts.SegmentCapacity)
	assert.Equal(t, cfg.Control.MaxRetries, opts.ControlMaxRetries)
	assert.Equal(t, 3*time.Second, opts.SwitchTimeout)
}
