// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/creativos/pos-sync/possync"
)

// PullDelta fetches rows changed in the cloud since the pull watermark
// (minus the drift margin) and merges them into the local store. Returns the
// number of rows applied.
func (c *Client) PullDelta(ctx context.Context) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.pullDeltaLocked(ctx)
}

func (c *Client) pullDeltaLocked(ctx context.Context) (int, error) {
	_, lastSync, err := c.store.Watermarks(ctx)
	if err != nil {
		return 0, err
	}
	var since time.Time
	if !lastSync.IsZero() {
		since = lastSync.Add(-c.config.DriftMargin)
	}

	applied := 0
	for _, spec := range c.store.reg.Specs() {
		spec := spec
		if spec.Heavy {
			// Full history logs are excluded from the fast delta path.
			continue
		}
		var rows []possync.Row
		err := possync.Retry(ctx, c.config.Retry, func(ctx context.Context) error {
			var serr error
			rows, serr = c.backend.Select(ctx, spec.Name, possync.Query{
				UpdatedSince: since,
				Limit:        spec.DeltaLimit,
			})
			return serr
		})
		if err != nil {
			return applied, fmt.Errorf("pull %s: %w", spec.Name, err)
		}
		for _, remote := range rows {
			did, err := c.applyRemoteRow(ctx, &spec, remote)
			if err != nil {
				return applied, fmt.Errorf("merge %s: %w", spec.Name, err)
			}
			if did {
				applied++
			}
		}
	}

	// Advance even when nothing changed, so an unchanged window is not
	// re-requested forever. Pull progress is independent of push progress.
	if err := c.store.SetLastCloudSync(ctx, time.Now()); err != nil {
		return applied, err
	}
	return applied, nil
}

// applyRemoteRow merges one remote row into the local store through the
// shared merge policy. Reports whether the local store changed.
func (c *Client) applyRemoteRow(ctx context.Context, spec *possync.TableSpec, remote possync.Row) (bool, error) {
	id, _ := remote["id"].(string)
	if id == "" {
		c.logger.Warn("remote row without id ignored", "table", spec.Name)
		return false, nil
	}

	local, err := c.store.Get(ctx, spec.Name, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}

	// The local inventory ledger outranks a stale remote snapshot for stock.
	stockAuthoritative := false
	if spec.StockBearing && local != nil {
		remoteT := spec.RowTime(remote)
		stockAuthoritative, err = c.store.HasMovementsAfter(ctx, id, remoteT)
		if err != nil {
			return false, err
		}
	}

	res := possync.Merge(spec, local, remote, stockAuthoritative)
	if !res.Apply {
		return false, nil
	}

	merged := res.Row
	if local != nil {
		merged = overlayRow(local, merged)
	}
	merged["synced"] = 1

	tx, err := c.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin merge tx: %w", err)
	}
	defer tx.Rollback()
	if err := c.store.upsertInTx(ctx, tx, spec.Name, merged); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit merge: %w", err)
	}
	return true, nil
}

// startRealtime subscribes to the backend change feed for the configured
// high-value tables. Events flow through the identical merge path as pull,
// so the two can never disagree on an outcome.
func (c *Client) startRealtime(ctx context.Context) error {
	cancel, err := c.backend.Subscribe(ctx, c.config.RealtimeTables, func(ev possync.ChangeEvent) {
		if atomic.LoadInt32(&c.pullPaused) == 1 {
			return
		}
		if err := c.HandleChange(ctx, ev); err != nil {
			c.logger.Warn("realtime event not applied",
				"table", ev.Table, "id", ev.ID, "error", err)
		}
	})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return nil
}

// HandleChange applies a single change-feed event idempotently.
func (c *Client) HandleChange(ctx context.Context, ev possync.ChangeEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	spec, err := c.store.reg.Lookup(ev.Table)
	if err != nil {
		return err
	}
	if ev.Action == possync.ActionDelete {
		_, err := c.store.DB.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM "%s" WHERE id = ?`, spec.Name), ev.ID)
		if err != nil {
			return fmt.Errorf("failed to apply remote delete: %w", err)
		}
		return nil
	}
	if ev.Row == nil {
		return fmt.Errorf("%s event for %s.%s has no row", ev.Action, ev.Table, ev.ID)
	}
	_, err = c.applyRemoteRow(ctx, spec, ev.Row)
	return err
}
