// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"context"
	"fmt"
	"time"

	"github.com/creativos/pos-sync/possync"
)

// SyncAll pushes local tables to the backend. When forceFull is false only
// rows changed since the push watermark (minus the drift margin) are sent;
// when true every row is sent, which is the disaster-recovery and first-boot
// bootstrap path.
func (c *Client) SyncAll(ctx context.Context, forceFull bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.syncAllLocked(ctx, forceFull)
}

func (c *Client) syncAllLocked(ctx context.Context, forceFull bool) error {
	lastPush, _, err := c.store.Watermarks(ctx)
	if err != nil {
		return err
	}
	since := time.Time{}
	if !forceFull && !lastPush.IsZero() {
		since = lastPush.Add(-c.config.DriftMargin)
	}

	for _, spec := range c.store.reg.Specs() {
		if spec.Singleton {
			continue // settings go last
		}
		if err := c.pushTable(ctx, &spec, since); err != nil {
			return err
		}
	}
	if err := c.pushSettings(ctx); err != nil {
		return err
	}

	// Advancing the watermark is the last step of a successful sync; a crash
	// mid-sync must not mark work as done.
	return c.store.SetLastCloudPush(ctx, time.Now())
}

func (c *Client) pushTable(ctx context.Context, spec *possync.TableSpec, since time.Time) error {
	all, err := c.store.Read(ctx, spec.Name, nil)
	if err != nil {
		return err
	}

	var outgoing []possync.Row
	for _, row := range all {
		if !since.IsZero() {
			t := spec.RowTime(row)
			if !t.IsZero() && t.Before(since) {
				continue
			}
		}
		outgoing = append(outgoing, c.store.reg.Project(spec, row))
	}
	if len(outgoing) == 0 {
		return nil
	}

	if spec.PerRecord {
		return c.pushPerRecord(ctx, spec, outgoing)
	}
	return c.pushChunked(ctx, spec, outgoing)
}

// pushChunked transmits rows in fixed-size chunks with a short pause between
// them, staying under the backend's request size and time limits.
func (c *Client) pushChunked(ctx context.Context, spec *possync.TableSpec, rows []possync.Row) error {
	size := c.config.ChunkSize
	if size <= 0 {
		size = len(rows)
	}
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		err := possync.Retry(ctx, c.config.Retry, func(ctx context.Context) error {
			return c.backend.Upsert(ctx, spec.Name, chunk)
		})
		if err != nil {
			return fmt.Errorf("push %s rows %d-%d: %w", spec.Name, start, end-1, err)
		}
		c.markChunkSynced(ctx, spec, chunk)
		if end < len(rows) {
			if serr := sleepCtx(ctx, c.config.ChunkDelay); serr != nil {
				return serr
			}
		}
	}
	return nil
}

// pushPerRecord transmits one row per request. Used for tables with natural
// uniqueness constraints where one bad record would reject a whole batch;
// failures are logged per record and do not block the rest.
func (c *Client) pushPerRecord(ctx context.Context, spec *possync.TableSpec, rows []possync.Row) error {
	for _, row := range rows {
		row := row
		err := possync.Retry(ctx, c.config.Retry, func(ctx context.Context) error {
			return c.backend.Upsert(ctx, spec.Name, []possync.Row{row})
		})
		switch {
		case err == nil:
			c.markChunkSynced(ctx, spec, []possync.Row{row})
		case possync.IsConflict(err):
			c.logger.Warn("record conflicts with existing backend row; skipping",
				"table", spec.Name, "id", row["id"], "error", err)
		case possync.IsTransient(err):
			return fmt.Errorf("push %s record %v: %w", spec.Name, row["id"], err)
		default:
			c.logger.Error("record rejected by backend; skipping",
				"table", spec.Name, "id", row["id"], "error", err)
		}
	}
	return nil
}

// pushSettings folds the cloud copy into the local singleton before pushing,
// so a device can only ever raise the shared counters. Pushing the raw local
// view would let a till with a lower invoice counter overwrite a higher one
// issued elsewhere.
func (c *Client) pushSettings(ctx context.Context) error {
	spec, err := c.store.reg.Lookup("settings")
	if err != nil {
		return err
	}
	settings, err := c.store.Settings(ctx)
	if err != nil {
		return err
	}

	var remoteRows []possync.Row
	err = possync.Retry(ctx, c.config.Retry, func(ctx context.Context) error {
		var serr error
		remoteRows, serr = c.backend.Select(ctx, spec.Name, possync.Query{})
		return serr
	})
	if err != nil {
		return fmt.Errorf("read cloud settings: %w", err)
	}
	for _, remote := range remoteRows {
		if remote["id"] != possync.SettingsID {
			continue
		}
		merged := possync.MergeSettings(spec, settings, remote)
		if possync.ParseTime(settings[spec.TimeField]).After(possync.ParseTime(merged[spec.TimeField])) {
			merged[spec.TimeField] = settings[spec.TimeField]
		}
		settings = overlayRow(settings, merged)
	}

	tx, err := c.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin settings merge tx: %w", err)
	}
	defer tx.Rollback()
	if err := c.store.upsertInTx(ctx, tx, spec.Name, settings); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settings merge: %w", err)
	}

	row := c.store.reg.Project(spec, settings)
	err = possync.Retry(ctx, c.config.Retry, func(ctx context.Context) error {
		return c.backend.Upsert(ctx, spec.Name, []possync.Row{row})
	})
	if err != nil {
		return fmt.Errorf("push settings: %w", err)
	}
	c.markChunkSynced(ctx, spec, []possync.Row{settings})
	return nil
}

func (c *Client) markChunkSynced(ctx context.Context, spec *possync.TableSpec, rows []possync.Row) {
	for _, row := range rows {
		id, _ := row["id"].(string)
		if id == "" {
			continue
		}
		if err := c.store.markSyncedAt(ctx, spec.Name, id, row); err != nil {
			c.logger.Warn("failed to flag row synced", "table", spec.Name, "id", id, "error", err)
		}
	}
}
