package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"mandi-price-engine/internal/breaker"
	"mandi-price-engine/internal/market"
)

// ResilienceOptions bound each call to a source.
type ResilienceOptions struct {
	// Timeout applies to every attempt.
	Timeout time.Duration
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// RatePerSecond and Burst size the limiter. Zero disables limiting.
	RatePerSecond float64
	Burst         int
}

func (o ResilienceOptions) withDefaults() ResilienceOptions {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 200 * time.Millisecond
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	return o
}

// Resilient wraps a Source with a rate limiter, its circuit breaker, a
// per-attempt timeout and bounded retries.
type Resilient struct {
	source  Source
	breaker *breaker.Breaker
	limiter *rate.Limiter
	opts    ResilienceOptions
	logger  zerolog.Logger
}

// NewResilient wraps source. cb must be the breaker owned by this source.
func NewResilient(source Source, cb *breaker.Breaker, opts ResilienceOptions, logger zerolog.Logger) *Resilient {
	opts = opts.withDefaults()
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst)
	}
	return &Resilient{
		source:  source,
		breaker: cb,
		limiter: limiter,
		opts:    opts,
		logger:  logger.With().Str("component", "source").Str("source", string(source.ID())).Logger(),
	}
}

// ID implements Source.
func (r *Resilient) ID() market.SourceID { return r.source.ID() }

// Breaker exposes the breaker guarding this source.
func (r *Resilient) Breaker() *breaker.Breaker { return r.breaker }

// Fetch implements Source. Every failure is returned wrapped in
// market.ErrSourceUnavailable. The breaker sees one outcome per Fetch, after
// retries are exhausted; an open breaker fails fast without reaching the
// source.
func (r *Resilient) Fetch(ctx context.Context, commodity, location string) ([]market.Observation, error) {
	backoff := retry.NewExponential(r.opts.BaseDelay)
	backoff = retry.WithJitterPercent(20, backoff)
	backoff = retry.WithMaxRetries(uint64(r.opts.MaxRetries), backoff)

	var observations []market.Observation
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		attempt := 0
		return retry.Do(ctx, backoff, func(ctx context.Context) error {
			attempt++
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx); err != nil {
					return err
				}
			}

			attemptCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
			defer cancel()

			obs, err := r.source.Fetch(attemptCtx, commodity, location)
			if err == nil {
				observations = obs
				return nil
			}
			if ctx.Err() != nil {
				return err
			}
			r.logger.Debug().Err(err).Int("attempt", attempt).Str("commodity", commodity).Msg("fetch attempt failed")
			return retry.RetryableError(err)
		})
	})
	if err != nil {
		if errors.Is(err, market.ErrSourceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", market.ErrSourceUnavailable, r.source.ID(), err)
	}
	return observations, nil
}

var _ Source = (*Resilient)(nil)
