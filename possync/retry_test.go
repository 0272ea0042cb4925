// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{Attempts: attempts, BackoffMin: time.Millisecond, BackoffMax: 5 * time.Millisecond}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(4), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewBackendError(KindTransient, "upsert", "products", errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetry_StopsOnNonTransient(t *testing.T) {
	calls := 0
	rejection := NewBackendError(KindSchemaRejected, "upsert", "products", errors.New("unknown column"))
	err := Retry(context.Background(), fastRetry(4), func(ctx context.Context) error {
		calls++
		return rejection
	})
	require.ErrorIs(t, err, rejection.Err)
	require.Equal(t, 1, calls, "schema rejections must not be retried")
}

func TestRetry_BudgetExhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestRetry_UnclassifiedErrorIsTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(2), func(ctx context.Context) error {
		calls++
		return errors.New("something odd")
	})
	require.Error(t, err)
	require.Equal(t, 2, calls)
}

func TestRetry_ContextCancelStopsSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{Attempts: 5, BackoffMin: time.Hour, BackoffMax: time.Hour}
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, cfg, func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindTransient, KindOf(errors.New("anonymous")))
	require.Equal(t, KindConflict,
		KindOf(NewBackendError(KindConflict, "upsert", "app_users", errors.New("duplicate email"))))

	// Classification survives fmt wrapping.
	wrapped := NewBackendError(KindSchemaRejected, "upsert", "sales", errors.New("bad column"))
	require.True(t, IsSchemaRejected(wrapErr(wrapped)))
}

func wrapErr(err error) error {
	return errors.Join(errors.New("push sales"), err)
}
