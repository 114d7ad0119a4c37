package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrControlLost means the control stream can no longer be trusted and the
// control adapter has to be reconnected before the session can continue.
var ErrControlLost = errors.New("control channel lost")

// Dispatcher receives decoded requests.
// The control package only knows this behaviour, not who implements it.
type Dispatcher interface {
	ConnectAdapter(id uint16) error
	IncreaseAdapter(id uint16) error
	DecreaseAdapter(id uint16) error
	DisconnectAdapter(id uint16) error
	PrivateData(id uint16, payload []byte) error
}

// Options tune Serve. Zero values pick the defaults.
type Options struct {
	// MaxPrivateData bounds a private data payload. Default MaxPrivateData.
	MaxPrivateData int
	// RetryInterval paces retries after a failed read between requests. Default 100ms.
	RetryInterval time.Duration
	// MaxRetries is how many consecutive failed reads are tolerated. Default 10.
	MaxRetries int
	// Alive reports whether the underlying adapter is still connected.
	// A read failure while !Alive() is treated as a clean close.
	Alive func() bool
	Log   *zap.Logger
}

func (o *Options) defaults() {
	if o.MaxPrivateData <= 0 {
		o.MaxPrivateData = MaxPrivateData
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 100 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}

// Serve reads and dispatches requests from r until the stream is lost or
// ctx ends. It returns ctx.Err() on cancellation and an ErrControlLost
// wrapped error otherwise.
//
// A failed read between requests is retried with backoff. A clean close,
// a failure inside a request, an unknown code, or an oversized payload ends
// the loop: after any of those the stream position is unknown.
func Serve(ctx context.Context, r io.Reader, d Dispatcher, opts Options) error {
	opts.defaults()
	log := opts.Log.Named("control")
	limiter := rate.NewLimiter(rate.Every(opts.RetryInterval), 1)
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		code, err := readCode(r)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if clean(err, opts.Alive) {
				log.Info("control channel closed", zap.Error(err))
				return fmt.Errorf("%w: %w", ErrControlLost, err)
			}
			failures++
			if failures > opts.MaxRetries {
				log.Warn("control read keeps failing, giving up", zap.Int("failures", failures), zap.Error(err))
				return fmt.Errorf("%w: %w", ErrControlLost, err)
			}
			log.Debug("control read failed, backing off", zap.Int("failures", failures), zap.Error(err))
			if werr := limiter.Wait(ctx); werr != nil {
				return ctx.Err()
			}
			continue
		}
		failures = 0

		req, err := readBody(r, code, opts.MaxPrivateData)
		if err != nil {
			log.Warn("malformed control request", zap.Stringer("code", code), zap.Error(err))
			return fmt.Errorf("%w: %w", ErrControlLost, err)
		}

		if err := Dispatch(d, req); err != nil {
			log.Warn("control request rejected",
				zap.Stringer("code", req.Code),
				zap.Uint16("adapter_id", req.AdapterID),
				zap.Error(err),
			)
			continue
		}
		log.Debug("control request handled", zap.Stringer("code", req.Code), zap.Uint16("adapter_id", req.AdapterID))
	}
}

// Dispatch routes one request to d.
func Dispatch(d Dispatcher, req Request) error {
	switch req.Code {
	case CodeConnectAdapter:
		return d.ConnectAdapter(req.AdapterID)
	case CodeIncreaseAdapter:
		return d.IncreaseAdapter(req.AdapterID)
	case CodeDecreaseAdapter:
		return d.DecreaseAdapter(req.AdapterID)
	case CodeDisconnectAdapter:
		return d.DisconnectAdapter(req.AdapterID)
	case CodePrivateData:
		return d.PrivateData(req.AdapterID, req.Payload)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCode, req.Code)
	}
}

func clean(err error, alive func() bool) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return alive != nil && !alive()
}
