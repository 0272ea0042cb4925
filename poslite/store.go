// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

// Package poslite is the device-side synchronization engine: an embedded
// SQLite store holding the business tables plus the outbox queue and the
// singleton settings row, and the push/pull/reconcile machinery that keeps it
// converging with the shared backend.
package poslite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/creativos/pos-sync/possync"
)

// ErrNotFound is returned by Get for a missing entity.
var ErrNotFound = errors.New("entity not found")

// Store is the local transactional store. All business writes go through it
// first; it is the only source of truth for what the device believes "now".
type Store struct {
	DB     *sql.DB
	reg    *possync.Registry
	logger *slog.Logger

	// onWrite, when set, is invoked after every committed business write so
	// the engine can trigger a background drain.
	onWrite func()
}

// Open opens (creating if needed) the local database at path. Use ":memory:"
// for tests.
func Open(path string, reg *possync.Registry, logger *slog.Logger) (*Store, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; WAL readers do not block it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{DB: db, reg: reg, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.bootstrapSettings(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.DB.Close() }

// Registry returns the schema registry the store was opened with.
func (s *Store) Registry() *possync.Registry { return s.reg }

func (s *Store) createSchema() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			code        TEXT,
			price       REAL NOT NULL DEFAULT 0,
			cost        REAL NOT NULL DEFAULT 0,
			stock       REAL NOT NULL DEFAULT 0,
			category    TEXT,
			tax_rate    REAL NOT NULL DEFAULT 0,
			image_refs  TEXT NOT NULL DEFAULT '[]',
			created_at  TEXT,
			updated_at  TEXT,
			synced      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_products_code ON products(code)`,

		`CREATE TABLE IF NOT EXISTS customers (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			email       TEXT,
			phone       TEXT,
			points      REAL NOT NULL DEFAULT 0,
			notes       TEXT,
			created_at  TEXT,
			updated_at  TEXT,
			synced      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_customers_email ON customers(email)`,

		`CREATE TABLE IF NOT EXISTS sales (
			id              TEXT PRIMARY KEY,
			customer_id     TEXT,
			items           TEXT NOT NULL DEFAULT '[]',
			total           REAL NOT NULL DEFAULT 0,
			balance         REAL NOT NULL DEFAULT 0,
			payment_method  TEXT,
			fulfillment     TEXT NOT NULL DEFAULT 'pending',
			invoice_number  INTEGER,
			sale_date       TEXT,
			updated_at      TEXT,
			synced          INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sales_fulfillment ON sales(fulfillment)`,

		`CREATE TABLE IF NOT EXISTS credit_accounts (
			id            TEXT PRIMARY KEY,
			sale_id       TEXT,
			customer_id   TEXT,
			total_amount  REAL NOT NULL DEFAULT 0,
			paid_amount   REAL NOT NULL DEFAULT 0,
			payments      TEXT NOT NULL DEFAULT '[]',
			updated_at    TEXT,
			synced        INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_accounts_sale ON credit_accounts(sale_id)`,

		`CREATE TABLE IF NOT EXISTS app_users (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL DEFAULT '',
			email       TEXT,
			role        TEXT NOT NULL DEFAULT 'cashier',
			pin_hash    TEXT,
			updated_at  TEXT,
			synced      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_app_users_email ON app_users(email)`,

		`CREATE TABLE IF NOT EXISTS inventory_movements (
			id          TEXT PRIMARY KEY,
			product_id  TEXT NOT NULL,
			delta       REAL NOT NULL DEFAULT 0,
			reason      TEXT,
			created_at  TEXT,
			updated_at  TEXT,
			synced      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inventory_movements_product ON inventory_movements(product_id)`,

		`CREATE TABLE IF NOT EXISTS activity_logs (
			id          TEXT PRIMARY KEY,
			actor       TEXT,
			action      TEXT,
			details     TEXT NOT NULL DEFAULT '{}',
			created_at  TEXT,
			updated_at  TEXT,
			synced      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_logs_created ON activity_logs(created_at)`,

		// Singleton settings row, keyed by a constant id. Watermarks, device
		// identity and backend credentials never leave this device; the push
		// whitelist excludes them.
		`CREATE TABLE IF NOT EXISTS settings (
			id                TEXT PRIMARY KEY,
			device_id         TEXT NOT NULL,
			backend_url       TEXT,
			backend_key       TEXT,
			store_name        TEXT,
			receipt_footer    TEXT,
			invoice_number    INTEGER NOT NULL DEFAULT 0,
			ticket_number     INTEGER NOT NULL DEFAULT 0,
			product_code_seq  INTEGER NOT NULL DEFAULT 0,
			quote_number      INTEGER NOT NULL DEFAULT 0,
			last_cloud_push   TEXT,
			last_cloud_sync   TEXT,
			updated_at        TEXT,
			synced            INTEGER NOT NULL DEFAULT 0
		)`,

		// Outbox: durable ordered log of pending mutations.
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name   TEXT NOT NULL,
			action       TEXT NOT NULL CHECK (action IN ('INSERT','UPDATE','DELETE')),
			entity_id    TEXT NOT NULL,
			payload      TEXT,
			enqueued_at  TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_entity ON sync_queue(table_name, entity_id)`,
	}
	for _, ddl := range tables {
		if _, err := s.DB.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *Store) bootstrapSettings() error {
	_, err := s.DB.Exec(`
		INSERT OR IGNORE INTO settings (id, device_id, updated_at, synced)
		VALUES (?, ?, ?, 0)
	`, possync.SettingsID, uuid.New().String(), possync.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to bootstrap settings row: %w", err)
	}
	return nil
}

// Write persists a business row, marks it unsynced and enqueues the mutation,
// all in one local transaction. The entity id is generated when absent.
func (s *Store) Write(ctx context.Context, table string, row possync.Row) error {
	spec, err := s.reg.Lookup(table)
	if err != nil {
		return err
	}
	id, _ := row["id"].(string)
	if id == "" {
		id = possync.NewEntityID()
		row["id"] = id
	}
	row["updated_at"] = possync.FormatTime(time.Now())
	row["synced"] = 0

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.getInTx(ctx, tx, spec.Name, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	action := possync.ActionInsert
	full := row
	if existing != nil {
		action = possync.ActionUpdate
		full = overlayRow(existing, row)
	}
	if err := s.upsertInTx(ctx, tx, spec.Name, full); err != nil {
		return err
	}
	if err := s.enqueueInTx(ctx, tx, possync.MutationTask{
		Table:    spec.Name,
		Action:   action,
		EntityID: id,
		Payload:  full,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write: %w", err)
	}
	s.notifyWrite()
	return nil
}

// DeleteEntity removes a business row and enqueues the deletion.
func (s *Store) DeleteEntity(ctx context.Context, table, id string) error {
	spec, err := s.reg.Lookup(table)
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM "%s" WHERE id = ?`, spec.Name), id); err != nil {
		return fmt.Errorf("failed to delete %s.%s: %w", spec.Name, id, err)
	}
	if err := s.enqueueInTx(ctx, tx, possync.MutationTask{
		Table:    spec.Name,
		Action:   possync.ActionDelete,
		EntityID: id,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	s.notifyWrite()
	return nil
}

// Get loads one entity by id. Returns ErrNotFound for missing rows.
func (s *Store) Get(ctx context.Context, table, id string) (possync.Row, error) {
	spec, err := s.reg.Lookup(table)
	if err != nil {
		return nil, err
	}
	rows, err := s.queryRows(ctx,
		fmt.Sprintf(`SELECT * FROM "%s" WHERE id = ?`, spec.Name), id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// Read returns rows matching the equality filter, which may be empty to read
// the whole table. Callers always read merged local state.
func (s *Store) Read(ctx context.Context, table string, where map[string]any) ([]possync.Row, error) {
	spec, err := s.reg.Lookup(table)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT * FROM "%s"`, spec.Name)
	var args []any
	if len(where) > 0 {
		cols := make([]string, 0, len(where))
		for col := range where {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		conds := make([]string, 0, len(cols))
		for _, col := range cols {
			conds = append(conds, fmt.Sprintf(`"%s" = ?`, col))
			args = append(args, where[col])
		}
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	return s.queryRows(ctx, query, args...)
}

// Settings returns the singleton settings row.
func (s *Store) Settings(ctx context.Context) (possync.Row, error) {
	return s.Get(ctx, "settings", possync.SettingsID)
}

// UpdateSettings merges the given columns into the settings row and enqueues
// the change like any business write.
func (s *Store) UpdateSettings(ctx context.Context, fields possync.Row) error {
	fields["id"] = possync.SettingsID
	return s.Write(ctx, "settings", fields)
}

// Watermarks returns (lastCloudPush, lastCloudSync). Zero times mean the
// device has never pushed or pulled.
func (s *Store) Watermarks(ctx context.Context) (push, pull time.Time, err error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return possync.ParseTime(settings["last_cloud_push"]),
		possync.ParseTime(settings["last_cloud_sync"]), nil
}

// SetLastCloudPush advances the push watermark. Device-local: no unsynced
// marking, no enqueue.
func (s *Store) SetLastCloudPush(ctx context.Context, t time.Time) error {
	return s.setWatermark(ctx, "last_cloud_push", t)
}

// SetLastCloudSync advances the pull watermark.
func (s *Store) SetLastCloudSync(ctx context.Context, t time.Time) error {
	return s.setWatermark(ctx, "last_cloud_sync", t)
}

func (s *Store) setWatermark(ctx context.Context, column string, t time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		fmt.Sprintf(`UPDATE settings SET "%s" = ? WHERE id = ?`, column),
		possync.FormatTime(t), possync.SettingsID)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", column, err)
	}
	return nil
}

// UnsyncedCount reports rows still flagged unsynced across all registered
// tables. Diagnostic for the UI and the manual sync report.
func (s *Store) UnsyncedCount(ctx context.Context) (int, error) {
	total := 0
	for _, spec := range s.reg.Specs() {
		var n int
		err := s.DB.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM "%s" WHERE synced = 0`, spec.Name)).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("failed to count unsynced in %s: %w", spec.Name, err)
		}
		total += n
	}
	return total, nil
}

// UnsyncedRows returns the rows of one table still flagged unsynced.
func (s *Store) UnsyncedRows(ctx context.Context, table string) ([]possync.Row, error) {
	spec, err := s.reg.Lookup(table)
	if err != nil {
		return nil, err
	}
	return s.queryRows(ctx,
		fmt.Sprintf(`SELECT * FROM "%s" WHERE synced = 0`, spec.Name))
}

// MarkSynced flags an entity as confirmed by the backend.
func (s *Store) MarkSynced(ctx context.Context, table, id string) error {
	spec, err := s.reg.Lookup(table)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		fmt.Sprintf(`UPDATE "%s" SET synced = 1 WHERE id = ?`, spec.Name), id)
	if err != nil {
		return fmt.Errorf("failed to mark %s.%s synced: %w", spec.Name, id, err)
	}
	return nil
}

// HasMovementsAfter reports whether the inventory ledger holds a movement for
// the product newer than the given instant. Timestamps are compared parsed,
// not lexically, since stored fractions vary in width.
func (s *Store) HasMovementsAfter(ctx context.Context, productID string, since time.Time) (bool, error) {
	rows, err := s.queryRows(ctx,
		`SELECT updated_at, created_at FROM inventory_movements WHERE product_id = ?`,
		productID)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		t := possync.ParseTime(row["updated_at"])
		if t.IsZero() {
			t = possync.ParseTime(row["created_at"])
		}
		if t.After(since) {
			return true, nil
		}
	}
	return false, nil
}

// upsertInTx stores a complete row with INSERT OR REPLACE. Callers overlay
// partial rows onto the existing state first.
func (s *Store) upsertInTx(ctx context.Context, tx *sql.Tx, table string, row possync.Row) error {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	colStr := ""
	phStr := ""
	values := make([]any, 0, len(cols))
	for i, col := range cols {
		if i > 0 {
			colStr += ", "
			phStr += ", "
		}
		colStr += `"` + col + `"`
		phStr += "?"
		values = append(values, row[col])
	}
	query := fmt.Sprintf(`INSERT OR REPLACE INTO "%s" (%s) VALUES (%s)`, table, colStr, phStr)
	if _, err := tx.ExecContext(ctx, query, values...); err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", table, err)
	}
	return nil
}

func (s *Store) getInTx(ctx context.Context, tx *sql.Tx, table, id string) (possync.Row, error) {
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT * FROM "%s" WHERE id = ?`, table), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()
	parsed, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(parsed) == 0 {
		return nil, ErrNotFound
	}
	return parsed[0], nil
}

func (s *Store) queryRows(ctx context.Context, query string, args ...any) ([]possync.Row, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]possync.Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	var results []possync.Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(possync.Row, len(columns))
		for i, col := range columns {
			val := values[i]
			if b, ok := val.([]byte); ok {
				val = string(b)
			}
			row[col] = val
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return results, nil
}

// overlayRow returns base with incoming written over it.
func overlayRow(base, incoming possync.Row) possync.Row {
	out := make(possync.Row, len(base)+len(incoming))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

func (s *Store) notifyWrite() {
	if s.onWrite != nil {
		s.onWrite()
	}
}

// marshalPayload renders a task payload for the queue; nil stays NULL.
func marshalPayload(row possync.Row) (any, error) {
	if row == nil {
		return nil, nil
	}
	b, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(b), nil
}
