// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/creativos/pos-sync/possync"
)

func TestReconcile_SweepReenqueuesUnsyncedRows(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)
	ctx := context.Background()

	row := possync.Row{"name": "Coffee"}
	require.NoError(t, client.store.Write(ctx, "products", row))

	// Simulate a crash between the business write and the enqueue surviving:
	// the row is unsynced but the outbox lost its task.
	_, err := client.store.DB.Exec(`DELETE FROM sync_queue`)
	require.NoError(t, err)

	require.NoError(t, client.Reconcile(ctx))

	tasks, err := client.store.PendingTasks(ctx)
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, task := range tasks {
		ids[task.Table+"/"+task.EntityID] = true
	}
	require.True(t, ids["products/"+row["id"].(string)])
}

func TestReconcile_SweepSkipsAlreadyQueuedEntities(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)
	ctx := context.Background()

	require.NoError(t, client.store.MarkSynced(ctx, "settings", possync.SettingsID))
	require.NoError(t, client.store.Write(ctx, "products", possync.Row{"name": "Coffee"}))
	before, err := client.store.PendingCount(ctx)
	require.NoError(t, err)

	require.NoError(t, client.Reconcile(ctx))

	after, err := client.store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after, "queued entities are not duplicated")
}

func TestReconcile_RepairsBalanceFromCreditLedger(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)
	ctx := context.Background()

	sale := possync.Row{"total": 100.0, "balance": 100.0, "fulfillment": "pending"}
	require.NoError(t, client.store.Write(ctx, "sales", sale))
	saleID := sale["id"].(string)

	require.NoError(t, client.store.Write(ctx, "credit_accounts", possync.Row{
		"sale_id": saleID, "total_amount": 100.0, "paid_amount": 60.0,
	}))
	// A payment recorded on another device drifted past this sale's balance.
	require.NoError(t, client.Reconcile(ctx))

	got, err := client.store.Get(ctx, "sales", saleID)
	require.NoError(t, err)
	require.InDelta(t, 40.0, got["balance"].(float64), 0.001)
	require.Equal(t, "pending", got["fulfillment"], "a partial payment does not fulfill the sale")
	require.EqualValues(t, 0, got["synced"], "the correction propagates like any write")
}

func TestReconcile_FullyPaidSaleIsFulfilled(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)
	ctx := context.Background()

	sale := possync.Row{"total": 100.0, "balance": 35.0, "fulfillment": "pending"}
	require.NoError(t, client.store.Write(ctx, "sales", sale))
	saleID := sale["id"].(string)

	require.NoError(t, client.store.Write(ctx, "credit_accounts", possync.Row{
		"sale_id": saleID, "total_amount": 100.0, "paid_amount": 100.0,
	}))
	require.NoError(t, client.Reconcile(ctx))

	got, err := client.store.Get(ctx, "sales", saleID)
	require.NoError(t, err)
	require.InDelta(t, 0.0, got["balance"].(float64), 0.001)
	require.Equal(t, "fulfilled", got["fulfillment"])
}

func TestReconcile_NeverRegressesFulfillment(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)
	ctx := context.Background()

	sale := possync.Row{"total": 100.0, "balance": 0.0, "fulfillment": "fulfilled"}
	require.NoError(t, client.store.Write(ctx, "sales", sale))
	saleID := sale["id"].(string)

	// The ledger says money is still owed; the balance is corrected but the
	// completed fulfillment stands.
	require.NoError(t, client.store.Write(ctx, "credit_accounts", possync.Row{
		"sale_id": saleID, "total_amount": 100.0, "paid_amount": 70.0,
	}))
	require.NoError(t, client.Reconcile(ctx))

	got, err := client.store.Get(ctx, "sales", saleID)
	require.NoError(t, err)
	require.InDelta(t, 30.0, got["balance"].(float64), 0.001)
	require.Equal(t, "fulfilled", got["fulfillment"])
}

func TestReconcile_OverpaymentClampsToZero(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)
	ctx := context.Background()

	sale := possync.Row{"total": 100.0, "balance": 20.0, "fulfillment": "pending"}
	require.NoError(t, client.store.Write(ctx, "sales", sale))
	saleID := sale["id"].(string)

	require.NoError(t, client.store.Write(ctx, "credit_accounts", possync.Row{
		"sale_id": saleID, "total_amount": 100.0, "paid_amount": 120.0,
	}))
	require.NoError(t, client.Reconcile(ctx))

	got, err := client.store.Get(ctx, "sales", saleID)
	require.NoError(t, err)
	require.InDelta(t, 0.0, got["balance"].(float64), 0.001)
}

func TestReconcile_ToleratesRoundingNoise(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)
	ctx := context.Background()

	sale := possync.Row{"total": 10.0, "balance": 3.334, "fulfillment": "pending"}
	require.NoError(t, client.store.Write(ctx, "sales", sale))
	saleID := sale["id"].(string)

	require.NoError(t, client.store.Write(ctx, "credit_accounts", possync.Row{
		"sale_id": saleID, "total_amount": 10.0, "paid_amount": 6.667,
	}))

	synced, err := client.store.Get(ctx, "sales", saleID)
	require.NoError(t, err)
	stampBefore := synced["updated_at"]

	require.NoError(t, client.Reconcile(ctx))

	got, err := client.store.Get(ctx, "sales", saleID)
	require.NoError(t, err)
	require.Equal(t, stampBefore, got["updated_at"], "sub-epsilon noise is not rewritten")
}

func TestReconcile_ConvergesAcrossWholeLedger(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)
	ctx := context.Background()

	const n = 250
	saleIDs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sale := possync.Row{
			"total": 50.0, "balance": 50.0, "fulfillment": "pending",
			"payment_method": "credit", "items": fmt.Sprintf(`[{"line":%d}]`, i),
		}
		require.NoError(t, client.store.Write(ctx, "sales", sale))
		saleID := sale["id"].(string)
		saleIDs = append(saleIDs, saleID)
		require.NoError(t, client.store.Write(ctx, "credit_accounts", possync.Row{
			"sale_id": saleID, "total_amount": 50.0, "paid_amount": 50.0,
		}))
	}

	require.NoError(t, client.Reconcile(ctx))

	mismatched := 0
	for _, id := range saleIDs {
		got, err := client.store.Get(ctx, "sales", id)
		require.NoError(t, err)
		if math.Abs(got["balance"].(float64)) > 0.005 || got["fulfillment"] != "fulfilled" {
			mismatched++
		}
	}
	require.Equal(t, 0, mismatched, "one pass repairs the whole ledger")

	// A second pass finds nothing left to do.
	before, err := client.store.PendingCount(ctx)
	require.NoError(t, err)
	require.NoError(t, client.Reconcile(ctx))
	after, err := client.store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
}
