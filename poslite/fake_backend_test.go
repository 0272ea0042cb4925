// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package poslite

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/creativos/pos-sync/possync"
)

// fakeBackend is an in-memory possync.Backend shared by tests; two clients
// pointed at the same instance behave like two devices behind one cloud.
type fakeBackend struct {
	mu     sync.Mutex
	tables map[string]map[string]possync.Row

	upsertCalls int
	deleteCalls []string

	upsertErr func(table string) error
	deleteErr func(table, id string) error

	handler func(possync.ChangeEvent)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{tables: make(map[string]map[string]possync.Row)}
}

func (f *fakeBackend) Upsert(ctx context.Context, table string, rows []possync.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if f.upsertErr != nil {
		if err := f.upsertErr(table); err != nil {
			return err
		}
	}
	bucket := f.tables[table]
	if bucket == nil {
		bucket = make(map[string]possync.Row)
		f.tables[table] = bucket
	}
	for _, row := range rows {
		id, _ := row["id"].(string)
		if id == "" {
			continue
		}
		// Same stale-write guard as the real backends: a row older than the
		// stored one is ignored.
		if existing, ok := bucket[id]; ok && rowStamp(existing).After(rowStamp(row)) {
			continue
		}
		clone := make(possync.Row, len(row))
		for k, v := range row {
			clone[k] = v
		}
		bucket[id] = clone
	}
	return nil
}

func (f *fakeBackend) Select(ctx context.Context, table string, q possync.Query) ([]possync.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []possync.Row
	for _, row := range f.tables[table] {
		t := rowStamp(row)
		if !q.UpdatedSince.IsZero() && t.Before(q.UpdatedSince) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		return rowStamp(out[i]).Before(rowStamp(out[j]))
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *fakeBackend) Delete(ctx context.Context, table, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, table+"/"+id)
	if f.deleteErr != nil {
		if err := f.deleteErr(table, id); err != nil {
			return err
		}
	}
	delete(f.tables[table], id)
	return nil
}

func (f *fakeBackend) Subscribe(ctx context.Context, tables []string, handler func(possync.ChangeEvent)) (func(), error) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
	return func() {}, nil
}

// emit pushes one change event to the current subscriber.
func (f *fakeBackend) emit(ev possync.ChangeEvent) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func (f *fakeBackend) row(table, id string) possync.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tables[table][id]
}

func (f *fakeBackend) count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

func rowStamp(row possync.Row) time.Time {
	if t := possync.ParseTime(row["updated_at"]); !t.IsZero() {
		return t
	}
	return possync.ParseTime(row["sale_date"])
}

// testConfig keeps retries and pauses short enough for unit tests.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Retry = possync.RetryConfig{Attempts: 1, BackoffMin: time.Millisecond, BackoffMax: 2 * time.Millisecond}
	cfg.ChunkDelay = 0
	return cfg
}

func newTestClient(t *testing.T, backend possync.Backend) *Client {
	t.Helper()
	store, err := Open(":memory:", possync.DefaultRegistry(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client, err := NewClient(store, backend, testConfig(), testLogger())
	require.NoError(t, err)
	return client
}
