package rerank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kozaktomas/reid-catalog/internal/feature"
)

type timeoutOracle struct {
	next    Oracle
	timeout time.Duration
}

// WithTimeout bounds every call to o. A call that exceeds d returns ErrTimeout
// even when o ignores its context. A non-positive d returns o unchanged.
func WithTimeout(o Oracle, d time.Duration) Oracle {
	if d <= 0 {
		return o
	}
	return &timeoutOracle{next: o, timeout: d}
}

type rerankResult struct {
	d   Distances
	err error
}

func (t *timeoutOracle) Rerank(ctx context.Context, query, gallery feature.Matrix, p Params) (Distances, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	ch := make(chan rerankResult, 1)
	go func() {
		d, err := t.next.Rerank(ctx, query, gallery, p)
		ch <- rerankResult{d: d, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return Distances{}, fmt.Errorf("%w after %s", ErrTimeout, t.timeout)
		}
		return r.d, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Distances{}, fmt.Errorf("%w after %s", ErrTimeout, t.timeout)
		}
		return Distances{}, ctx.Err()
	}
}

// RetryConfig bounds WithRetry.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type retryOracle struct {
	next   Oracle
	cfg    RetryConfig
	logger *slog.Logger
}

// WithRetry retries failed calls to o with exponential backoff.
// Invalid input, malformed output and context cancellation are not retried.
func WithRetry(o Oracle, cfg RetryConfig, logger *slog.Logger) Oracle {
	if cfg.MaxRetries == 0 {
		return o
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retryOracle{next: o, cfg: cfg, logger: logger}
}

func (r *retryOracle) Rerank(ctx context.Context, query, gallery feature.Matrix, p Params) (Distances, error) {
	var out Distances
	op := func() error {
		d, err := r.next.Rerank(ctx, query, gallery, p)
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = d
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.cfg.MaxRetries), ctx)

	notify := func(err error, wait time.Duration) {
		r.logger.Warn("oracle call failed, retrying", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return Distances{}, err
	}
	return out, nil
}

func permanent(err error) bool {
	return errors.Is(err, ErrInvalidParams) ||
		errors.Is(err, ErrMalformedDistances) ||
		errors.Is(err, feature.ErrShape) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
