// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/creativos/pos-sync/possync"
)

// Enqueue appends a mutation task and wakes the background drain. Unknown
// tables and malformed mutations are rejected here, at the boundary; storage
// failures are logged and swallowed so a transient local problem never
// surfaces into a till operation.
func (c *Client) Enqueue(ctx context.Context, table, action string, payload possync.Row) error {
	table = strings.ToLower(table)
	entityID := ""
	if payload != nil {
		entityID, _ = payload["id"].(string)
	}
	if err := c.store.reg.ValidateTask(table, action, entityID); err != nil {
		return err
	}
	task := possync.MutationTask{
		Table:    table,
		Action:   action,
		EntityID: entityID,
		Payload:  payload,
	}
	if action == possync.ActionDelete {
		task.Payload = nil
	}
	if err := c.store.enqueue(ctx, task); err != nil {
		c.logger.Error("failed to enqueue mutation", "table", table, "id", entityID, "error", err)
		return nil
	}
	c.TriggerDrain()
	return nil
}

// ProcessQueue drains the outbox once. Reentrant-safe: overlapping calls
// return immediately while a drain is in progress.
func (c *Client) ProcessQueue(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.draining, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&c.draining, 0)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.processQueueLocked(ctx, nil)
}

func (c *Client) processQueueLocked(ctx context.Context, report *possync.SyncReport) error {
	tasks, err := c.store.PendingTasks(ctx)
	if err != nil {
		return err
	}

	// Circuit breaker: a queue past the high-water mark is growing because of
	// a structural failure, not a transient one. Shed exhausted tasks first.
	if len(tasks) > c.config.HighWater {
		purged, err := c.store.purgeExhausted(ctx, c.config.MaxAttempts)
		if err != nil {
			return err
		}
		if purged > 0 {
			c.logger.Warn("purged exhausted tasks above high-water mark",
				"purged", purged, "pending", len(tasks))
			tasks, err = c.store.PendingTasks(ctx)
			if err != nil {
				return err
			}
		}
	}

	// Attempts ceiling: drop before sending, log as permanent failures.
	kept := tasks[:0]
	for _, task := range tasks {
		if task.Attempts >= c.config.MaxAttempts {
			c.logger.Error("dropping mutation after max attempts",
				"table", task.Table, "id", task.EntityID,
				"attempts", task.Attempts, "last_error", task.LastError)
			if err := c.store.deleteTasks(ctx, []int64{task.ID}); err != nil {
				return err
			}
			if report != nil {
				report.TasksDiscarded++
			}
			continue
		}
		kept = append(kept, task)
	}

	groups := dedupTasks(kept)
	for _, group := range groups {
		err := c.sendGroup(ctx, group)
		switch {
		case err == nil:
			if derr := c.store.deleteTasks(ctx, group.ids); derr != nil {
				return derr
			}
			if group.send.Action != possync.ActionDelete {
				if merr := c.store.markSyncedAt(ctx, group.send.Table, group.send.EntityID, group.send.Payload); merr != nil {
					return merr
				}
			}
			if report != nil {
				report.TasksSent++
			}

		case possync.IsConflict(err):
			// The cloud already holds a row with this natural key. Accept it
			// as correct and discard the task; one irreconcilable record must
			// not wedge the rest of the queue.
			c.logger.Warn("discarding mutation on uniqueness conflict",
				"table", group.send.Table, "id", group.send.EntityID, "error", err)
			if derr := c.store.deleteTasks(ctx, group.ids); derr != nil {
				return derr
			}
			if report != nil {
				report.TasksDiscarded++
			}

		case possync.IsSchemaRejected(err):
			// Retrying cannot help and discarding would lose data. The task
			// stays queued and visible in diagnostics; attempts are not
			// consumed.
			c.logger.Error("mutation rejected by backend schema; run the pending schema migration",
				"table", group.send.Table, "id", group.send.EntityID, "error", err)

		default:
			// Transient: assume connectivity is down for the whole batch.
			// Charge an attempt to every original task for this entity and
			// stop draining; the next trigger retries. A task that just hit
			// the ceiling stays queued so the next drain's ceiling pass logs
			// the permanent failure before deleting it.
			if berr := c.store.bumpAttempts(ctx, group.ids, err.Error()); berr != nil {
				return berr
			}
			return err
		}
	}
	return nil
}

// sendGroup applies one deduplicated mutation to the backend, with bounded
// backoff on transient failures. Singleton upserts go through the merging
// settings push so a queued snapshot cannot lower a counter another device
// already raised.
func (c *Client) sendGroup(ctx context.Context, group taskGroup) error {
	task := group.send
	spec, err := c.store.reg.Lookup(task.Table)
	if err != nil {
		return err
	}
	if spec.Singleton && task.Action != possync.ActionDelete {
		return c.pushSettings(ctx)
	}
	return possync.Retry(ctx, c.config.Retry, func(ctx context.Context) error {
		if task.Action == possync.ActionDelete {
			return c.backend.Delete(ctx, task.Table, task.EntityID)
		}
		row := c.store.reg.Project(spec, task.Payload)
		return c.backend.Upsert(ctx, task.Table, []possync.Row{row})
	})
}

// taskGroup is the set of queued tasks for one entity, collapsed to the
// single mutation actually worth sending.
type taskGroup struct {
	send possync.MutationTask
	ids  []int64 // every original task id for the entity, pre-dedup
}

// dedupTasks coalesces tasks per (table, entity): the most recently enqueued
// non-delete survives, except that a DELETE beats everything enqueued before
// it. Groups keep the queue order of their surviving task.
func dedupTasks(tasks []possync.MutationTask) []taskGroup {
	type agg struct {
		latest       possync.MutationTask
		latestDelete possync.MutationTask
		hasDelete    bool
		ids          []int64
	}
	byEntity := make(map[string]*agg)
	var order []string

	for _, task := range tasks {
		key := task.Table + "\x00" + task.EntityID
		a, ok := byEntity[key]
		if !ok {
			a = &agg{}
			byEntity[key] = a
			order = append(order, key)
		}
		a.ids = append(a.ids, task.ID)
		if task.Action == possync.ActionDelete {
			a.hasDelete = true
			a.latestDelete = task
		}
		if task.ID >= a.latest.ID {
			a.latest = task
		}
	}

	groups := make([]taskGroup, 0, len(order))
	for _, key := range order {
		a := byEntity[key]
		send := a.latest
		// A DELETE wins over earlier INSERT/UPDATE tasks. Only a non-delete
		// enqueued after it (entity re-created) overrides it.
		if a.hasDelete && a.latest.ID <= a.latestDelete.ID {
			send = a.latestDelete
		}
		groups = append(groups, taskGroup{send: send, ids: a.ids})
	}
	return groups
}

// --- queue storage ---

func (s *Store) enqueue(ctx context.Context, task possync.MutationTask) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin enqueue tx: %w", err)
	}
	defer tx.Rollback()
	if err := s.enqueueInTx(ctx, tx, task); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) enqueueInTx(ctx context.Context, tx *sql.Tx, task possync.MutationTask) error {
	payload, err := marshalPayload(task.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_queue (table_name, action, entity_id, payload, enqueued_at, attempts)
		VALUES (?, ?, ?, ?, ?, 0)
	`, task.Table, task.Action, task.EntityID, payload, possync.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s %s.%s: %w", task.Action, task.Table, task.EntityID, err)
	}
	return nil
}

// PendingTasks returns the outbox in enqueue order.
func (s *Store) PendingTasks(ctx context.Context) ([]possync.MutationTask, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, table_name, action, entity_id, payload, enqueued_at, attempts, COALESCE(last_error, '')
		FROM sync_queue
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var tasks []possync.MutationTask
	for rows.Next() {
		var task possync.MutationTask
		var payload sql.NullString
		var enqueuedAt string
		if err := rows.Scan(&task.ID, &task.Table, &task.Action, &task.EntityID,
			&payload, &enqueuedAt, &task.Attempts, &task.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.EnqueuedAt = possync.ParseTime(enqueuedAt)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &task.Payload); err != nil {
				return nil, fmt.Errorf("corrupt payload for task %d: %w", task.ID, err)
			}
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync queue: %w", err)
	}
	return tasks, nil
}

// PendingCount reports the outbox depth.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	return n, nil
}

func (s *Store) deleteTasks(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args := inClause(`DELETE FROM sync_queue WHERE id IN (%s)`, ids)
	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete tasks: %w", err)
	}
	return nil
}

func (s *Store) bumpAttempts(ctx context.Context, ids []int64, lastError string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(lastError) > 500 {
		lastError = lastError[:500]
	}
	query, args := inClause(`UPDATE sync_queue SET attempts = attempts + 1, last_error = ? WHERE id IN (%s)`, ids)
	args = append([]any{lastError}, args...)
	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to bump attempts: %w", err)
	}
	return nil
}

func (s *Store) purgeExhausted(ctx context.Context, maxAttempts int) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sync_queue WHERE attempts >= ?`, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to purge exhausted tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// markSyncedAt flags the entity synced only if it has not been mutated again
// since the pushed snapshot was taken.
func (s *Store) markSyncedAt(ctx context.Context, table, id string, snapshot possync.Row) error {
	updatedAt, _ := snapshot["updated_at"].(string)
	if updatedAt == "" {
		return s.MarkSynced(ctx, table, id)
	}
	_, err := s.DB.ExecContext(ctx,
		fmt.Sprintf(`UPDATE "%s" SET synced = 1 WHERE id = ? AND updated_at = ?`, table),
		id, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to mark %s.%s synced: %w", table, id, err)
	}
	return nil
}

func inClause(format string, ids []int64) (string, []any) {
	ph := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return fmt.Sprintf(format, ph), args
}
