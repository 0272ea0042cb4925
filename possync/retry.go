// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig bounds a retry loop around one network call.
type RetryConfig struct {
	Attempts   int           // total tries, including the first
	BackoffMin time.Duration // delay before the first retry
	BackoffMax time.Duration // cap on the computed delay
}

// DefaultRetryConfig matches the engine defaults: up to 4 tries with
// 1s, 2s, 4s delays (plus jitter).
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:   4,
		BackoffMin: 1 * time.Second,
		BackoffMax: 30 * time.Second,
	}
}

// Retry runs fn until it succeeds, returns a non-transient error, or the
// attempt budget is spent. The delay before retry n is BackoffMin*2^(n-1),
// capped at BackoffMax, with up to 25% random jitter added to avoid devices
// reconnecting in lockstep after an outage.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	var err error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 {
			if serr := sleepWithContext(ctx, backoffDelay(cfg, attempt)); serr != nil {
				return serr
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
	}
	return err
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	d := cfg.BackoffMin << (attempt - 1)
	if d > cfg.BackoffMax || d <= 0 {
		d = cfg.BackoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
