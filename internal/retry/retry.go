// Package retry holds the retry policy shared by every call to an external
// provider.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"regdoc-rag/internal/config"
	"regdoc-rag/internal/ragerr"
)

// Policy retries an operation with exponential backoff while Retryable
// accepts its error.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor applied to each interval (0 disables it).
	Jitter    float64
	Retryable func(error) bool
}

func Default() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		Jitter:          0.1,
		Retryable:       ragerr.Retryable,
	}
}

func FromConfig(cfg config.RetryConfig) Policy {
	p := Default()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval > 0 {
		p.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		p.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier >= 1 {
		p.Multiplier = cfg.Multiplier
	}
	return p
}

// Schedule returns the delays the policy would wait between attempts,
// ignoring jitter. It has MaxAttempts-1 elements.
func (p Policy) Schedule() []time.Duration {
	var delays []time.Duration
	d := p.InitialInterval
	for i := 1; i < p.MaxAttempts; i++ {
		delays = append(delays, d)
		d = time.Duration(float64(d) * p.Multiplier)
		if d > p.MaxInterval {
			d = p.MaxInterval
		}
	}
	return delays
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, returns a non-retryable error, or the
// attempts are used up. The error of the last attempt is returned as is.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = ragerr.Retryable
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Debug().Err(err).Str("op", name).Int("attempt", attempt).Dur("next", next).Msg("retrying after failure")
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	if err != nil && attempt > 1 {
		log.Warn().Err(err).Str("op", name).Int("attempts", attempt).Msg("giving up")
	}
	return err
}
