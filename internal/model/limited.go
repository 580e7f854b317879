package model

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limited wraps a Generator with a request-rate limiter and retries calls the
// provider rejected for rate limiting. Any other error is returned at once.
type Limited struct {
	next       Generator
	limiter    *rate.Limiter
	maxElapsed time.Duration
	initial    time.Duration
	maxDelay   time.Duration
	logger     *zap.Logger

	// OnRateLimit is called once per rejected call.
	OnRateLimit func()
}

type LimitOptions struct {
	// RequestsPerMinute of zero or less disables the limiter.
	RequestsPerMinute int
	// MaxElapsed bounds the total time spent retrying one call.
	MaxElapsed time.Duration
	// InitialInterval and MaxInterval tune the exponential backoff.
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func NewLimited(next Generator, opts LimitOptions, logger *zap.Logger) *Limited {
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 5 * time.Minute
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 2 * time.Second
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = time.Minute
	}
	return &Limited{
		next:       next,
		limiter:    rate.NewLimiter(limit, 1),
		maxElapsed: opts.MaxElapsed,
		initial:    opts.InitialInterval,
		maxDelay:   opts.MaxInterval,
		logger:     logger.Named("model"),
	}
}

func (l *Limited) Generate(ctx context.Context, req Request) (*Response, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.initial
	b.MaxInterval = l.maxDelay

	attempt := 0
	op := func() (*Response, error) {
		attempt++
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := l.next.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		var rl *RateLimitError
		if !errors.As(err, &rl) {
			return nil, backoff.Permanent(err)
		}
		if l.OnRateLimit != nil {
			l.OnRateLimit()
		}
		l.logger.Warn("rate limited, backing off",
			zap.String("task", req.TaskID),
			zap.Int("iteration", req.Iteration),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if rl.RetryAfter > 0 {
			return nil, backoff.RetryAfter(int((rl.RetryAfter + time.Second - 1) / time.Second))
		}
		return nil, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(l.maxElapsed))
}
