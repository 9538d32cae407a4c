// Copyright 2021 Molecula Corp. All rights reserved.
package filtermerge

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/molecula/filtermerge/errors"
	"github.com/molecula/filtermerge/logger"
)

const (
	defaultMaxAttempts     = 50
	defaultInitialInterval = 10 * time.Millisecond
	defaultMaxInterval     = time.Second
)

// CounterConfig bounds the retries of Counter.Increment.
type CounterConfig struct {
	// MaxAttempts is the number of read-compare-write cycles attempted
	// before giving up. Zero retries forever.
	MaxAttempts     int           `toml:"max-attempts"`
	InitialInterval time.Duration `toml:"initial-interval"`
	MaxInterval     time.Duration `toml:"max-interval"`
}

// NewCounterConfig returns the default CounterConfig.
func NewCounterConfig() CounterConfig {
	return CounterConfig{
		MaxAttempts:     defaultMaxAttempts,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
	}
}

// Counter increments Progress fields of a Request through a RequestStore
// using optimistic concurrency.
type Counter struct {
	Store  RequestStore
	Config CounterConfig

	// OnConflict, if set, is called each time a CompareAndSwap loses a race.
	OnConflict func(Field)

	Logger logger.Logger
}

// NewCounter returns a Counter over store using cfg.
func NewCounter(store RequestStore, cfg CounterConfig, log logger.Logger) *Counter {
	if log == nil {
		log = logger.NopLogger
	}
	return &Counter{
		Store:  store,
		Config: cfg,
		Logger: log,
	}
}

var errConflict = errors.Errorf("compare-and-swap conflict")

// Increment adds delta to field and returns the new value. Each attempt
// re-reads the current value, so a lost race never loses an update.
func (c *Counter) Increment(ctx context.Context, id RequestID, field Field, delta int64) (int64, error) {
	var next int64
	attempts := 0
	op := func() error {
		attempts++
		req, err := c.Store.Request(ctx, id)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "reading request"))
		}
		cur, err := req.Progress.Get(field)
		if err != nil {
			return backoff.Permanent(err)
		}
		ok, err := c.Store.CompareAndSwap(ctx, id, field, cur, cur+delta)
		if err != nil {
			return backoff.Permanent(errors.Wrapf(err, "swapping %s", field))
		}
		if !ok {
			c.conflict(id, field, attempts)
			return errConflict
		}
		next = cur + delta
		return nil
	}

	if err := backoff.Retry(op, c.backOff(ctx)); err != nil {
		if err == errConflict {
			return 0, NewErrConflictRetriesExhausted(id, field, attempts)
		}
		return 0, err
	}
	return next, nil
}

// Claim sets field from 0 to 1 and reports whether this caller made that
// change. Exactly one of any number of concurrent callers wins.
func (c *Counter) Claim(ctx context.Context, id RequestID, field Field) (bool, error) {
	ok, err := c.Store.CompareAndSwap(ctx, id, field, 0, 1)
	if err != nil {
		return false, errors.Wrapf(err, "claiming %s", field)
	}
	return ok, nil
}

func (c *Counter) conflict(id RequestID, field Field, attempt int) {
	if c.OnConflict != nil {
		c.OnConflict(field)
	}
	if c.Logger != nil {
		c.Logger.Debugf("conflict incrementing %s of %s (attempt %d)", field, id, attempt)
	}
}

func (c *Counter) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.Config.InitialInterval
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = defaultInitialInterval
	}
	eb.MaxInterval = c.Config.MaxInterval
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = defaultMaxInterval
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	var b backoff.BackOff = eb
	if c.Config.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(eb, uint64(c.Config.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}
