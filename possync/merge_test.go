// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func productSpec(t *testing.T) *TableSpec {
	t.Helper()
	spec, err := DefaultRegistry().Lookup("products")
	require.NoError(t, err)
	return spec
}

func settingsSpec(t *testing.T) *TableSpec {
	t.Helper()
	spec, err := DefaultRegistry().Lookup("settings")
	require.NoError(t, err)
	return spec
}

func customerSpec(t *testing.T) *TableSpec {
	t.Helper()
	spec, err := DefaultRegistry().Lookup("customers")
	require.NoError(t, err)
	return spec
}

func TestMergeGeneric_NoLocalRow(t *testing.T) {
	remote := Row{"id": "c1", "name": "Ana", "updated_at": "2026-03-01T10:00:00Z"}
	res := MergeGeneric(customerSpec(t), nil, remote)
	require.True(t, res.Apply)
	require.Equal(t, "Ana", res.Row["name"])
}

func TestMergeGeneric_RemoteNewerWins(t *testing.T) {
	local := Row{"id": "c1", "name": "Ana", "updated_at": "2026-03-01T10:00:00Z"}
	remote := Row{"id": "c1", "name": "Ana Maria", "updated_at": "2026-03-01T11:00:00Z"}
	res := MergeGeneric(customerSpec(t), local, remote)
	require.True(t, res.Apply)
	require.Equal(t, "Ana Maria", res.Row["name"])
}

func TestMergeGeneric_LocalNewerKept(t *testing.T) {
	local := Row{"id": "c1", "name": "Ana", "updated_at": "2026-03-01T12:00:00Z"}
	remote := Row{"id": "c1", "name": "Stale", "updated_at": "2026-03-01T11:00:00Z"}
	res := MergeGeneric(customerSpec(t), local, remote)
	require.False(t, res.Apply)
}

func TestMergeGeneric_TieKeepsLocal(t *testing.T) {
	local := Row{"id": "c1", "name": "Ana", "updated_at": "2026-03-01T10:00:00Z"}
	remote := Row{"id": "c1", "name": "Ana", "updated_at": "2026-03-01T10:00:00Z"}
	res := MergeGeneric(customerSpec(t), local, remote)
	require.False(t, res.Apply, "re-applying an already merged row must be a no-op")
}

func TestMergeGeneric_UnreadableRemoteTimestampKeepsLocal(t *testing.T) {
	local := Row{"id": "c1", "name": "Ana", "updated_at": "2026-03-01T10:00:00Z"}
	remote := Row{"id": "c1", "name": "Mystery", "updated_at": "not-a-time"}
	res := MergeGeneric(customerSpec(t), local, remote)
	require.False(t, res.Apply)
}

func TestMerge_SaleDateFallback(t *testing.T) {
	spec, err := DefaultRegistry().Lookup("sales")
	require.NoError(t, err)

	// Legacy rows carry only the business date.
	local := Row{"id": "s1", "total": 10.0, "sale_date": "2026-03-01"}
	remote := Row{"id": "s1", "total": 12.0, "updated_at": "2026-03-02T09:00:00Z"}
	res := Merge(spec, local, remote, false)
	require.True(t, res.Apply)
	require.Equal(t, 12.0, res.Row["total"])
}

func TestMerge_StockBearingKeepsLocalStock(t *testing.T) {
	local := Row{"id": "p1", "name": "Coffee", "stock": 7.0, "updated_at": "2026-03-01T10:00:00Z"}
	remote := Row{"id": "p1", "name": "Coffee 250g", "stock": 99.0, "updated_at": "2026-03-01T11:00:00Z"}

	res := Merge(productSpec(t), local, remote, true)
	require.True(t, res.Apply)
	require.Equal(t, "Coffee 250g", res.Row["name"], "non-stock fields follow the newer row")
	require.Equal(t, 7.0, res.Row["stock"], "local ledger owns the quantity")
}

func TestMerge_StockBearingWithoutNewerMovements(t *testing.T) {
	local := Row{"id": "p1", "stock": 7.0, "updated_at": "2026-03-01T10:00:00Z"}
	remote := Row{"id": "p1", "stock": 99.0, "updated_at": "2026-03-01T11:00:00Z"}

	res := Merge(productSpec(t), local, remote, false)
	require.True(t, res.Apply)
	require.Equal(t, 99.0, res.Row["stock"])
}

func TestMergeSettings_CountersTakeMax(t *testing.T) {
	spec := settingsSpec(t)
	local := Row{
		"id":             SettingsID,
		"invoice_number": int64(120), "ticket_number": int64(10),
		"product_code_seq": int64(55), "quote_number": int64(3),
	}
	remote := Row{
		"id":             SettingsID,
		"invoice_number": float64(118), "ticket_number": float64(14),
		"product_code_seq": float64(55), "quote_number": float64(1),
	}

	merged := MergeSettings(spec, local, remote)
	require.Equal(t, int64(120), counterValue(merged["invoice_number"]))
	require.Equal(t, int64(14), counterValue(merged["ticket_number"]))
	require.Equal(t, int64(55), counterValue(merged["product_code_seq"]))
	require.Equal(t, int64(3), counterValue(merged["quote_number"]))
}

func TestMergeSettings_LocalFieldsSurvive(t *testing.T) {
	spec := settingsSpec(t)
	local := Row{
		"id":              SettingsID,
		"device_id":       "device-a",
		"backend_url":     "https://pos.example.com",
		"backend_key":     "secret",
		"last_cloud_push": "2026-03-01T10:00:00Z",
		"last_cloud_sync": "2026-03-01T10:05:00Z",
		"store_name":      "Old Name",
	}
	remote := Row{
		"id":         SettingsID,
		"store_name": "Creativos Centro",
		"device_id":  "device-b",
	}

	merged := MergeSettings(spec, local, remote)
	require.Equal(t, "Creativos Centro", merged["store_name"], "shared fields follow the cloud")
	require.Equal(t, "device-a", merged["device_id"])
	require.Equal(t, "https://pos.example.com", merged["backend_url"])
	require.Equal(t, "secret", merged["backend_key"])
	require.Equal(t, "2026-03-01T10:00:00Z", merged["last_cloud_push"])
	require.Equal(t, "2026-03-01T10:05:00Z", merged["last_cloud_sync"])
}

func TestMergeSettings_NoLocalRow(t *testing.T) {
	remote := Row{"id": SettingsID, "store_name": "Creativos Centro"}
	merged := MergeSettings(settingsSpec(t), nil, remote)
	require.Equal(t, "Creativos Centro", merged["store_name"])
}

func TestMergeSettings_IsIdempotent(t *testing.T) {
	spec := settingsSpec(t)
	local := Row{"id": SettingsID, "device_id": "device-a", "invoice_number": int64(7)}
	remote := Row{"id": SettingsID, "invoice_number": int64(5), "store_name": "Centro"}

	once := MergeSettings(spec, local, remote)
	twice := MergeSettings(spec, once, remote)
	require.Equal(t, once, twice)
}
