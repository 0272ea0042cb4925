// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

// Package possync holds the shared types and policy of the POS sync engine:
// the schema registry, the mutation-task model, the backend contract, the
// error taxonomy and the merge rules applied to incoming remote rows.
//
// The device-side engine lives in package poslite; backend adapters live in
// cloudrest (HTTPS) and cloudpg (Postgres).
package possync

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Row is an entity snapshot keyed by column name, as stored locally and as
// moved over the wire. Values are plain JSON-compatible scalars plus strings
// holding serialized JSON for JSON-typed columns.
type Row map[string]any

// MutationTask is one durable outbox entry: a pending local mutation that has
// not yet been confirmed by the shared backend.
type MutationTask struct {
	ID         int64  // local sequence (AUTOINCREMENT)
	Table      string // registered table name
	Action     string // INSERT, UPDATE or DELETE
	EntityID   string // business entity id (client-generated uuid)
	Payload    Row    // entity snapshot at enqueue time (nil for DELETE)
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
}

// Query filters a backend select.
type Query struct {
	UpdatedSince time.Time // include rows with a timestamp at or after this
	Limit        int       // 0 means backend default
}

// ChangeEvent is a single row-level change delivered by a backend change feed.
type ChangeEvent struct {
	Table  string `json:"table"`
	Action string `json:"action"`
	ID     string `json:"id"`
	Row    Row    `json:"row,omitempty"`
}

// SyncReport summarizes one user-initiated sync for display.
type SyncReport struct {
	StartedAt         time.Time     `json:"started_at"`
	Took              time.Duration `json:"took"`
	TasksSent         int           `json:"tasks_sent"`
	TasksDiscarded    int           `json:"tasks_discarded"`
	RowsPulled        int           `json:"rows_pulled"`
	UnsyncedRemaining int           `json:"unsynced_remaining"`
}

// Backend is the contract the engine expects from the shared relational
// store. Any transport offering row-level upsert, filtered select, delete and
// a change-feed subscription satisfies it. Implementations classify their
// failures with BackendError so the engine can tell transient outages from
// structural rejections.
type Backend interface {
	// Upsert inserts or replaces rows by primary key. Implementations must
	// ignore an incoming row whose timestamp is older than the stored one, so
	// a device pushing stale state cannot roll a shared row backwards.
	Upsert(ctx context.Context, table string, rows []Row) error

	// Select returns rows matching the query, ordered by their timestamp.
	Select(ctx context.Context, table string, q Query) ([]Row, error)

	// Delete removes a row by primary key. Deleting a missing row is not an
	// error.
	Delete(ctx context.Context, table string, id string) error

	// Subscribe starts delivering change events for the given tables until
	// the returned cancel func is called or ctx is done. The handler is
	// invoked sequentially.
	Subscribe(ctx context.Context, tables []string, handler func(ChangeEvent)) (cancel func(), err error)
}

// NewEntityID returns a fresh client-generated entity id.
func NewEntityID() string {
	return uuid.New().String()
}

// Timestamp layouts accepted when reading entity time fields. Local rows are
// written with TimeLayout; remote rows may arrive in any of the accepted
// forms depending on the backend.
const TimeLayout = time.RFC3339Nano

var acceptedTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// FormatTime renders t for storage and transfer.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a stored or transferred timestamp. Returns the zero time
// when the value is absent or unreadable; callers treat that as "no
// timestamp" and fall back per the merge rules.
func ParseTime(v any) time.Time {
	switch x := v.(type) {
	case time.Time:
		return x
	case string:
		for _, layout := range acceptedTimeLayouts {
			if t, err := time.Parse(layout, x); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}
