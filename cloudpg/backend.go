// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

// Package cloudpg implements the possync.Backend contract directly against a
// shared PostgreSQL database. Stores that self-host skip the REST tier and
// point every register at the same pool.
package cloudpg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creativos/pos-sync/possync"
)

// Backend is a Postgres-backed possync.Backend. Safe for concurrent use.
type Backend struct {
	pool   *pgxpool.Pool
	reg    *possync.Registry
	logger *slog.Logger
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string, reg *possync.Registry, logger *slog.Logger) (*Backend, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Backend{
		pool:   pool,
		reg:    reg,
		logger: logger.With("component", "cloudpg"),
	}, nil
}

// Close releases the pool.
func (b *Backend) Close() { b.pool.Close() }

// Pool exposes the underlying pool for migrations and diagnostics.
func (b *Backend) Pool() *pgxpool.Pool { return b.pool }

// Upsert writes rows by primary key in one transaction. An incoming row older
// than the stored one is ignored, so a device pushing stale state cannot roll
// the shared row backwards.
func (b *Backend) Upsert(ctx context.Context, table string, rows []possync.Row) error {
	if len(rows) == 0 {
		return nil
	}
	spec, err := b.reg.Lookup(table)
	if err != nil {
		return possync.NewBackendError(possync.KindSchemaRejected, "upsert", table, err)
	}
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return classifyPG("upsert", table, fmt.Errorf("failed to begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	for _, row := range rows {
		query, args, err := b.upsertSQL(spec, row)
		if err != nil {
			return possync.NewBackendError(possync.KindSchemaRejected, "upsert", table, err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return classifyPG("upsert", table, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPG("upsert", table, fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// upsertSQL builds one INSERT .. ON CONFLICT statement from the row's columns.
func (b *Backend) upsertSQL(spec *possync.TableSpec, row possync.Row) (string, []any, error) {
	if id, _ := row["id"].(string); id == "" {
		return "", nil, fmt.Errorf("row has no id")
	}
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	sets := make([]string, 0, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = `"` + col + `"`
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = encodeValue(spec, col, row[col])
		if col != "id" {
			sets = append(sets, fmt.Sprintf(`"%s" = EXCLUDED."%s"`, col, col))
		}
	}

	query := fmt.Sprintf(
		`INSERT INTO "%s" (%s) VALUES (%s)
		 ON CONFLICT (id) DO UPDATE SET %s
		 WHERE "%s"."%s" IS NULL OR EXCLUDED."%s" >= "%s"."%s"`,
		spec.Name,
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(sets, ", "),
		spec.Name, spec.TimeField, spec.TimeField, spec.Name, spec.TimeField,
	)
	return query, args, nil
}

// Select returns rows changed at or after the query timestamp, oldest first.
func (b *Backend) Select(ctx context.Context, table string, q possync.Query) ([]possync.Row, error) {
	spec, err := b.reg.Lookup(table)
	if err != nil {
		return nil, possync.NewBackendError(possync.KindSchemaRejected, "select", table, err)
	}

	query, args := selectSQL(spec, q)
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPG("select", table, err)
	}
	defer rows.Close()

	var out []possync.Row
	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, classifyPG("select", table, err)
		}
		row := make(possync.Row, len(fields))
		for i, fd := range fields {
			row[fd.Name] = decodeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG("select", table, err)
	}
	return out, nil
}

// selectSQL builds the delta query. The window is inclusive: a row stamped
// exactly at the drifted watermark must still be fetched, or it is skipped
// forever once the watermark advances past it.
func selectSQL(spec *possync.TableSpec, q possync.Query) (string, []any) {
	timeExpr := fmt.Sprintf(`"%s"`, spec.TimeField)
	if spec.DateFallback != "" {
		timeExpr = fmt.Sprintf(`COALESCE("%s", "%s")`, spec.TimeField, spec.DateFallback)
	}

	cols := make([]string, len(spec.Fields))
	for i, col := range spec.Fields {
		cols[i] = `"` + col + `"`
	}
	query := fmt.Sprintf(`SELECT %s FROM "%s"`, strings.Join(cols, ", "), spec.Name)
	var args []any
	if !q.UpdatedSince.IsZero() {
		query += fmt.Sprintf(" WHERE %s >= $1", timeExpr)
		args = append(args, q.UpdatedSince)
	}
	query += fmt.Sprintf(" ORDER BY %s ASC", timeExpr)
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return query, args
}

// Delete removes a row by primary key. A missing row is not an error.
func (b *Backend) Delete(ctx context.Context, table, id string) error {
	spec, err := b.reg.Lookup(table)
	if err != nil {
		return possync.NewBackendError(possync.KindSchemaRejected, "delete", table, err)
	}
	_, err = b.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM "%s" WHERE id = $1`, spec.Name), id)
	if err != nil {
		return classifyPG("delete", table, err)
	}
	return nil
}

// encodeValue converts wire values to Postgres parameter types: RFC 3339
// strings become timestamps for the time columns, everything else passes
// through.
func encodeValue(spec *possync.TableSpec, col string, v any) any {
	if !isTimeColumn(spec, col) {
		return v
	}
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		return x
	default:
		t := possync.ParseTime(v)
		if t.IsZero() {
			return nil
		}
		return t
	}
}

// decodeValue converts scanned Postgres values back to wire values.
func decodeValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return possync.FormatTime(x)
	case []byte:
		return string(x)
	default:
		return v
	}
}

func isTimeColumn(spec *possync.TableSpec, col string) bool {
	return col == spec.TimeField || (spec.DateFallback != "" && col == spec.DateFallback) ||
		col == "created_at"
}

// classifyPG maps a pgx failure to the engine's error taxonomy by SQLSTATE.
func classifyPG(op, table string, err error) error {
	kind := possync.KindTransient
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		state := pgErr.SQLState()
		switch {
		case state == "23505":
			// unique_violation
			kind = possync.KindConflict
		case strings.HasPrefix(state, "42") || state == "23502" ||
			state == "23514" || state == "22P02":
			// undefined column/table, not-null, check, bad text representation
			kind = possync.KindSchemaRejected
		case state == "40001" || state == "40P01" || state == "55P03" ||
			state == "57P03" || strings.HasPrefix(state, "08") ||
			strings.HasPrefix(state, "53"):
			// serialization, deadlock, lock timeout, connection, resources
			kind = possync.KindTransient
		default:
			kind = possync.KindPermanent
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		kind = possync.KindPermanent
	}
	return possync.NewBackendError(kind, op, table, err)
}
