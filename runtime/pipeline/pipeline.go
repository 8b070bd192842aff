// Package pipeline implements the per-handler input/output middleware chain,
// retry policy with exponential backoff, and error-disposition hook (C4),
// per spec.md §4.4.
package pipeline

import (
	"context"
	"errors"
	"math"
	"time"

	"goa.design/substrate/runtime/broker"
	"goa.design/substrate/runtime/event"
)

// InputMiddleware transforms an inbound event before the handler body runs.
// Returning the event unchanged is equivalent to the spec's "void" return
// (leave unchanged). Config holds a single InputMiddleware, which Build runs
// once before the body; there is no multi-stage input chain.
type InputMiddleware func(ctx context.Context, evt event.Event) (event.Event, error)

// Body produces zero or more outbound events for a single inbound event.
// Body is the only part of the pipeline retried on failure.
type Body func(ctx context.Context, evt event.Event) ([]event.Event, error)

// PerEventOutputMiddleware is applied to each outbound event individually.
type PerEventOutputMiddleware func(ctx context.Context, out event.Event) (event.Event, error)

// BulkOutputMiddleware is applied once to the entire batch of outbound
// events produced by a single invocation.
type BulkOutputMiddleware func(ctx context.Context, outs []event.Event) ([]event.Event, error)

// Disposition is returned by an OnError callback to decide how an
// unrecoverable handler error is handled after retries are exhausted.
type Disposition int

const (
	// Throw re-raises the error to the broker's error hook (logged; input
	// consumed). This is the default disposition.
	Throw Disposition = iota
	// Suppress swallows the error; the broker error hook is not invoked.
	Suppress
)

// RetryPolicy configures exponential backoff retry of Body on error.
// Sleep duration for attempt n (1-indexed) is InitialDelay *
// BackoffExponent^(n-1).
type RetryPolicy struct {
	MaxRetries      int
	InitialDelay    time.Duration
	BackoffExponent float64
	// Sleep overrides time.Sleep; intended for deterministic tests.
	Sleep func(time.Duration)
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	exp := p.BackoffExponent
	if exp <= 0 {
		exp = 1
	}
	factor := math.Pow(exp, float64(attempt-1))
	return time.Duration(float64(p.InitialDelay) * factor)
}

func (p RetryPolicy) sleep(d time.Duration) {
	if p.Sleep != nil {
		p.Sleep(d)
		return
	}
	time.Sleep(d)
}

// Config assembles a handler's full pipeline.
type Config struct {
	Input InputMiddleware
	Body  Body
	// Exactly one of PerEventOutput or BulkOutput should be set.
	PerEventOutput PerEventOutputMiddleware
	BulkOutput     BulkOutputMiddleware

	Retry *RetryPolicy

	// OnError is consulted after retries (if any) are exhausted. A nil
	// OnError defaults to always returning Throw.
	OnError func(ctx context.Context, evt event.Event, err error) Disposition
}

// ErrBothOutputMiddlewareSet is returned by Build when both PerEventOutput
// and BulkOutput are configured for the same handler.
var ErrBothOutputMiddlewareSet = errors.New("pipeline: exactly one of PerEventOutput or BulkOutput must be set")

// Build composes cfg into a broker.Handler: input middleware chain, the
// retried body, output middleware, and the error-disposition hook.
func Build(cfg Config) (broker.Handler, error) {
	if cfg.PerEventOutput != nil && cfg.BulkOutput != nil {
		return nil, ErrBothOutputMiddlewareSet
	}
	if cfg.Body == nil {
		return nil, errors.New("pipeline: Body must not be nil")
	}

	return func(ctx context.Context, evt event.Event, pub broker.PublishFunc) error {
		in := evt
		if cfg.Input != nil {
			var err error
			in, err = cfg.Input(ctx, in)
			if err != nil {
				return err
			}
		}

		outs, err := runBodyWithRetry(ctx, cfg, in)
		if err != nil {
			disposition := Throw
			if cfg.OnError != nil {
				disposition = cfg.OnError(ctx, in, err)
			}
			if disposition == Suppress {
				return nil
			}
			return err
		}

		if cfg.BulkOutput != nil {
			outs, err = cfg.BulkOutput(ctx, outs)
			if err != nil {
				return err
			}
		} else if cfg.PerEventOutput != nil {
			for i, out := range outs {
				outs[i], err = cfg.PerEventOutput(ctx, out)
				if err != nil {
					return err
				}
			}
		}

		for _, out := range outs {
			if err := pub(ctx, out); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func runBodyWithRetry(ctx context.Context, cfg Config, in event.Event) ([]event.Event, error) {
	if cfg.Retry == nil {
		return cfg.Body(ctx, in)
	}
	var lastErr error
	attempts := cfg.Retry.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		outs, err := cfg.Body(ctx, in)
		if err == nil {
			return outs, nil
		}
		lastErr = err
		if attempt < attempts {
			cfg.Retry.sleep(cfg.Retry.delay(attempt))
		}
	}
	return nil, lastErr
}
