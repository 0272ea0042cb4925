// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package possync

import "time"

// Action constants for mutation tasks and change events
const (
	ActionInsert = "INSERT"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// SettingsID is the fixed primary key of the singleton settings row.
// Every device uses the same id so the row upserts cleanly in the backend.
const SettingsID = "app-settings"

// Sync engine defaults
const (
	// DefaultMaxAttempts is the per-task retry ceiling. A task that fails this
	// many times is dropped from the queue and logged as a permanent failure.
	DefaultMaxAttempts = 5

	// DefaultChunkSize bounds the number of rows per upsert request.
	DefaultChunkSize = 50

	// DefaultChunkDelay is the pause between consecutive chunks of one table.
	DefaultChunkDelay = 150 * time.Millisecond

	// DefaultDriftMargin is subtracted from watermarks before filtering.
	// Device clocks drift by minutes, not seconds; redundant transfer inside
	// the margin is the price of guaranteed no-miss delivery.
	DefaultDriftMargin = 10 * time.Minute

	// DefaultHighWater is the pending-queue size above which exhausted tasks
	// are purged before a drain.
	DefaultHighWater = 1000

	// DefaultDeltaLimit caps rows fetched per table in one delta pull.
	DefaultDeltaLimit = 500
)
