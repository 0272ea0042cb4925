// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/creativos/pos-sync/possync"
)

// balanceEpsilon is the rounding tolerance when comparing stored and
// recomputed balances.
const balanceEpsilon = 0.005

// Reconcile runs the auditor once: the unsynced sweep and the derived-value
// repair. Both passes are independent; the sweep guarantees every unsynced
// row reaches the outbox eventually, the repair corrects drift between a
// sale's stored balance and its authoritative credit ledger.
func (c *Client) Reconcile(ctx context.Context) error {
	if err := c.sweepUnsynced(ctx); err != nil {
		return err
	}
	return c.repairBalances(ctx)
}

// sweepUnsynced re-enqueues every row still flagged unsynced. This is the
// backstop for any write path that mutated the store but, through a crash or
// a bug, never enqueued.
func (c *Client) sweepUnsynced(ctx context.Context) error {
	pending, err := c.store.PendingTasks(ctx)
	if err != nil {
		return err
	}
	queued := make(map[string]struct{}, len(pending))
	for _, task := range pending {
		queued[task.Table+"\x00"+task.EntityID] = struct{}{}
	}

	requeued := 0
	for _, spec := range c.store.reg.Specs() {
		rows, err := c.store.UnsyncedRows(ctx, spec.Name)
		if err != nil {
			return err
		}
		for _, row := range rows {
			id, _ := row["id"].(string)
			if id == "" {
				continue
			}
			if _, already := queued[spec.Name+"\x00"+id]; already {
				continue
			}
			if err := c.store.enqueue(ctx, possync.MutationTask{
				Table:    spec.Name,
				Action:   possync.ActionUpdate,
				EntityID: id,
				Payload:  row,
			}); err != nil {
				return err
			}
			requeued++
		}
	}
	if requeued > 0 {
		c.logger.Info("re-enqueued unsynced rows", "count", requeued)
		c.TriggerDrain()
	}
	return nil
}

// repairBalances recomputes every credit-linked sale's balance from its
// credit account, the authoritative ledger. Corrections are marked unsynced
// so they propagate like any other write. A fully paid sale stuck in a
// pending fulfillment is advanced, never regressed.
func (c *Client) repairBalances(ctx context.Context) error {
	credits, err := c.store.Read(ctx, "credit_accounts", nil)
	if err != nil {
		return err
	}
	repaired := 0
	for _, credit := range credits {
		saleID, _ := credit["sale_id"].(string)
		if saleID == "" {
			continue
		}
		sale, err := c.store.Get(ctx, "sales", saleID)
		if err != nil {
			continue // sale not present locally yet; nothing to repair
		}

		total := numericValue(credit["total_amount"])
		paid := numericValue(credit["paid_amount"])
		want := math.Max(0, total-paid)
		stored := numericValue(sale["balance"])
		if math.Abs(stored-want) <= balanceEpsilon {
			continue
		}

		fix := possync.Row{"id": saleID, "balance": want}
		if want == 0 {
			if fulfillment, _ := sale["fulfillment"].(string); fulfillment == "pending" {
				fix["fulfillment"] = "fulfilled"
			}
		}
		if err := c.store.Write(ctx, "sales", fix); err != nil {
			return fmt.Errorf("repair sale %s: %w", saleID, err)
		}
		repaired++
		c.logger.Info("repaired sale balance from credit ledger",
			"sale", saleID, "stored", stored, "computed", want)
	}
	if repaired > 0 {
		c.TriggerDrain()
	}
	return nil
}

// ReconcileEvery runs the auditor immediately and then on the given period
// until ctx is done. Convenience for app-foreground hooks.
func (c *Client) ReconcileEvery(ctx context.Context, period time.Duration) {
	if err := c.Reconcile(ctx); err != nil {
		c.logger.Warn("reconciliation pass failed", "error", err)
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Reconcile(ctx); err != nil {
				c.logger.Warn("reconciliation pass failed", "error", err)
			}
		}
	}
}

func numericValue(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int64:
		return float64(x)
	case int:
		return float64(x)
	default:
		return 0
	}
}
