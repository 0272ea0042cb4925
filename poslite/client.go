// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creativos/pos-sync/possync"
)

// Config holds the tunables of the device engine.
type Config struct {
	MaxAttempts       int           // per-task retry ceiling
	ChunkSize         int           // rows per upsert request
	ChunkDelay        time.Duration // pause between chunks of one table
	DriftMargin       time.Duration // clock-skew safety margin on watermarks
	HighWater         int           // pending count that triggers a purge
	Retry             possync.RetryConfig
	DrainInterval     time.Duration // idle period between background drains
	PullInterval      time.Duration // idle period between background pulls
	ReconcileInterval time.Duration // period of the reconciliation auditor
	RealtimeTables    []string      // tables accelerated by the change feed
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:       possync.DefaultMaxAttempts,
		ChunkSize:         possync.DefaultChunkSize,
		ChunkDelay:        possync.DefaultChunkDelay,
		DriftMargin:       possync.DefaultDriftMargin,
		HighWater:         possync.DefaultHighWater,
		Retry:             possync.DefaultRetryConfig(),
		DrainInterval:     30 * time.Second,
		PullInterval:      45 * time.Second,
		ReconcileInterval: 10 * time.Minute,
		RealtimeTables:    []string{"sales", "settings"},
	}
}

// Client drives synchronization for one device: it drains the outbox, runs
// push and pull against the injected backend, applies realtime events and
// schedules the reconciliation auditor. The backend is an explicit
// dependency; nothing here lives in package-level state.
type Client struct {
	store   *Store
	backend possync.Backend
	config  *Config
	logger  *slog.Logger

	// writeMu serializes whole sync phases against each other, so a manual
	// sync cannot interleave with a background drain.
	writeMu sync.Mutex

	// draining guards ProcessQueue reentrancy.
	draining int32

	// kick wakes the drain loop after a local write (capacity 1: repeated
	// writes during a drain coalesce into one follow-up drain).
	kick chan struct{}

	// Pause switches for tests and controlled shutdown.
	pushPaused int32
	pullPaused int32
}

// NewClient wires the engine together. The store gains a write hook that
// wakes the background drain after every committed business write.
func NewClient(store *Store, backend possync.Backend, config *Config, logger *slog.Logger) (*Client, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		store:   store,
		backend: backend,
		config:  config,
		logger:  logger.With("component", "poslite"),
		kick:    make(chan struct{}, 1),
	}
	store.onWrite = c.TriggerDrain
	return c, nil
}

// Store returns the local store for business reads and writes.
func (c *Client) Store() *Store { return c.store }

// PausePush suspends outbox drains and pushes.
func (c *Client) PausePush() { atomic.StoreInt32(&c.pushPaused, 1) }

// ResumePush resumes outbox drains and pushes.
func (c *Client) ResumePush() { atomic.StoreInt32(&c.pushPaused, 0) }

// PausePull suspends delta pulls and realtime applies.
func (c *Client) PausePull() { atomic.StoreInt32(&c.pullPaused, 1) }

// ResumePull resumes delta pulls and realtime applies.
func (c *Client) ResumePull() { atomic.StoreInt32(&c.pullPaused, 0) }

// TriggerDrain requests an asynchronous outbox drain. Never blocks.
func (c *Client) TriggerDrain() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Start launches the background loops. They stop when ctx is done.
func (c *Client) Start(ctx context.Context) error {
	go c.drainLoop(ctx)
	go c.pullLoop(ctx)
	go c.reconcileLoop(ctx)
	if len(c.config.RealtimeTables) > 0 {
		if err := c.startRealtime(ctx); err != nil {
			// Realtime is an acceleration path; pull still converges.
			c.logger.Warn("realtime subscription unavailable", "error", err)
		}
	}
	return nil
}

// ManualSync drives push and pull synchronously for a user-initiated
// "sync now" action. Unlike background sync, failures surface to the caller.
func (c *Client) ManualSync(ctx context.Context, forceFull bool) (*possync.SyncReport, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	report := &possync.SyncReport{StartedAt: time.Now()}
	defer func() {
		report.Took = time.Since(report.StartedAt)
		if n, err := c.store.UnsyncedCount(ctx); err == nil {
			report.UnsyncedRemaining = n
		}
	}()

	if err := c.processQueueLocked(ctx, report); err != nil {
		return report, fmt.Errorf("outbox drain failed: %w", err)
	}
	if err := c.syncAllLocked(ctx, forceFull); err != nil {
		return report, fmt.Errorf("push failed: %w", err)
	}
	pulled, err := c.pullDeltaLocked(ctx)
	report.RowsPulled = pulled
	if err != nil {
		return report, fmt.Errorf("pull failed: %w", err)
	}
	return report, nil
}

// UnsyncedCount reports rows not yet confirmed by the backend.
func (c *Client) UnsyncedCount(ctx context.Context) (int, error) {
	return c.store.UnsyncedCount(ctx)
}

// drainLoop drains the outbox when kicked by a write or on the idle timer,
// with exponential backoff after failures.
func (c *Client) drainLoop(ctx context.Context) {
	backoff := c.config.Retry.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
		case <-time.After(c.config.DrainInterval):
		}
		if atomic.LoadInt32(&c.pushPaused) == 1 {
			continue
		}
		if err := c.ProcessQueue(ctx); err != nil {
			c.logger.Debug("background drain failed", "error", err)
			if serr := sleepCtx(ctx, backoff); serr != nil {
				return
			}
			backoff = minDuration(backoff*2, c.config.Retry.BackoffMax)
		} else {
			backoff = c.config.Retry.BackoffMin
		}
	}
}

// pullLoop periodically pulls the delta window, with backoff on failure.
func (c *Client) pullLoop(ctx context.Context) {
	backoff := c.config.Retry.BackoffMin
	for {
		if serr := sleepCtx(ctx, c.config.PullInterval); serr != nil {
			return
		}
		if atomic.LoadInt32(&c.pullPaused) == 1 {
			continue
		}
		c.writeMu.Lock()
		_, err := c.pullDeltaLocked(ctx)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Debug("background pull failed", "error", err)
			if serr := sleepCtx(ctx, backoff); serr != nil {
				return
			}
			backoff = minDuration(backoff*2, c.config.Retry.BackoffMax)
		} else {
			backoff = c.config.Retry.BackoffMin
		}
	}
}

// reconcileLoop runs the auditor on its own schedule. Failures are logged,
// never surfaced: reconciliation must not interrupt point-of-sale operation.
func (c *Client) reconcileLoop(ctx context.Context) {
	for {
		if serr := sleepCtx(ctx, c.config.ReconcileInterval); serr != nil {
			return
		}
		if err := c.Reconcile(ctx); err != nil {
			c.logger.Warn("reconciliation pass failed", "error", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
