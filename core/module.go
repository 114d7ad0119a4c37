package core

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/risa-org/linkpool/config"
	"github.com/risa-org/linkpool/metrics"
	"github.com/risa-org/linkpool/observability"
)

// Module wires a Core, its logger, its metrics and the configured adapters
// into an fx application. The core is started in the background once the
// app starts and stopped when it stops.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("linkpool",
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newRegistry,
			newMetrics,
			NewFromConfig,
		),
		fx.Invoke(runCore, serveMetrics),
	)
}

// OptionsFromConfig maps the configuration onto core options.
func OptionsFromConfig(cfg *config.Config, log *zap.Logger) Options {
	return Options{
		SegmentCapacity:   cfg.Segment.Capacity,
		FreeHigh:          cfg.Segment.FreeHigh,
		FreeLow:           cfg.Segment.FreeLow,
		MaxPrivateData:    cfg.Control.MaxPrivateData,
		ControlRetry:      cfg.Control.RetryInterval,
		ControlMaxRetries: cfg.Control.MaxRetries,
		ReconnectInterval: cfg.Link.ReconnectInterval,
		SwitchTimeout:     cfg.Switcher.Timeout,
		Log:               log,
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	return log.With(zap.String("node", cfg.Node)), nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newMetrics(reg *prometheus.Registry) (*metrics.Metrics, error) {
	return metrics.New(reg)
}

// Adapters are the resources opened for the configured drivers.
type Adapters struct {
	io.Closer
	// Configured is false when the config names no adapters.
	Configured bool
}

// NewFromConfig builds a core with metrics attached and the configured
// adapters registered.
func NewFromConfig(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*Core, *Adapters, error) {
	opts := OptionsFromConfig(cfg, log)
	opts.OnTransaction = m.ObserveTransaction
	c, err := New(opts)
	if err != nil {
		return nil, nil, err
	}
	if err := m.Attach(c.Queues(), c.SegmentPool(), c.Links()); err != nil {
		return nil, nil, err
	}
	closer, err := c.RegisterFromConfig(cfg.Adapters)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return c, &Adapters{Closer: closer, Configured: cfg.Adapters.Control.Driver != ""}, nil
}

func runCore(lc fx.Lifecycle, c *Core, adapters *Adapters, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if !adapters.Configured {
				log.Info("no adapters configured, core left idle")
				close(done)
				return nil
			}
			// links may need the peer to come up first, so start runs past OnStart
			go func() {
				defer close(done)
				if err := c.Start(ctx); err != nil {
					log.Error("core start failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
			if c.State() == StateReady {
				return errors.Join(c.Stop(stopCtx), adapters.Close())
			}
			// closing the drivers fails any connect a cancelled start left in flight
			err := adapters.Close()
			return errors.Join(err, c.awaitSettle(stopCtx))
		},
	})
}

func serveMetrics(lc fx.Lifecycle, cfg *config.Config, reg *prometheus.Registry, log *zap.Logger) {
	if cfg.Metrics.Listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.Metrics.Listen)
			if err != nil {
				return err
			}
			log.Info("metrics endpoint listening", zap.Stringer("addr", ln.Addr()), zap.String("path", cfg.Metrics.Path))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics endpoint failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
