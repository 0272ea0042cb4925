// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"fmt"
	"strings"
	"time"
)

// TableSpec describes one synchronizable table: which columns cross the wire,
// how its rows are timestamped, and which merge rule applies to it. The
// registry is the single schema authority consulted by push projection, pull
// merge and the enqueue boundary.
type TableSpec struct {
	Name string

	// Fields is the push whitelist: only these columns are transmitted.
	// Columns that exist locally but not here (sync flags, device-local
	// credentials) never leave the device.
	Fields []string

	// JSONFields are nullable JSON-typed columns. A nil value is normalized
	// to the named empty container before transmission so backend schema
	// validation does not reject the row.
	JSONFields map[string]string // column -> "{}" or "[]"

	// TimeField is the column carrying the last-mutation timestamp.
	// DateFallback, when set, is consulted for rows missing TimeField
	// (legacy rows that predate timestamping carry a business date instead).
	TimeField    string
	DateFallback string

	// DeltaLimit caps rows fetched for this table per delta pull.
	DeltaLimit int

	// Heavy excludes the table from the fast delta pull path. Heavy tables
	// are append-only history and are still pushed through the outbox.
	Heavy bool

	// PerRecord forces record-by-record push instead of batching, so one row
	// tripping a uniqueness constraint cannot reject a whole batch.
	PerRecord bool

	// StockBearing marks tables whose quantity column is owned by the local
	// inventory ledger (merge rule 2).
	StockBearing bool

	// Singleton marks the settings row (merge rule 1).
	Singleton bool

	// LocalFields are preserved verbatim from the device row during a
	// singleton merge (credentials, device identity, watermarks).
	LocalFields []string

	// CounterFields are monotonic sequence counters merged with max().
	CounterFields []string
}

// fieldSet returns the whitelist as a set, lazily built per call; specs are
// small so this is not worth caching.
func (s *TableSpec) fieldSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		set[f] = struct{}{}
	}
	return set
}

// RowTime extracts the best available timestamp from a row: TimeField first,
// then DateFallback. Zero when neither is readable.
func (s *TableSpec) RowTime(row Row) time.Time {
	if t := ParseTime(row[s.TimeField]); !t.IsZero() {
		return t
	}
	if s.DateFallback != "" {
		return ParseTime(row[s.DateFallback])
	}
	return time.Time{}
}

// Registry holds the ordered set of synchronizable tables. Order is the push
// and pull processing order, so dependencies (products before movements,
// sales before credits) sync first.
type Registry struct {
	specs  []TableSpec
	byName map[string]*TableSpec
}

// NewRegistry builds a registry from specs, rejecting duplicates.
func NewRegistry(specs []TableSpec) (*Registry, error) {
	r := &Registry{
		specs:  make([]TableSpec, 0, len(specs)),
		byName: make(map[string]*TableSpec, len(specs)),
	}
	for i := range specs {
		spec := specs[i]
		name := strings.ToLower(spec.Name)
		if name == "" {
			return nil, fmt.Errorf("table spec %d has no name", i)
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("duplicate table spec %q", name)
		}
		spec.Name = name
		if spec.TimeField == "" {
			spec.TimeField = "updated_at"
		}
		if spec.DeltaLimit == 0 {
			spec.DeltaLimit = DefaultDeltaLimit
		}
		// specs is sized up front, so these pointers into it stay valid.
		r.specs = append(r.specs, spec)
		r.byName[name] = &r.specs[len(r.specs)-1]
	}
	return r, nil
}

// Lookup returns the spec for table, or an error for unknown tables. Unknown
// tables are rejected at the enqueue boundary, not at push time.
func (r *Registry) Lookup(table string) (*TableSpec, error) {
	spec, ok := r.byName[strings.ToLower(table)]
	if !ok {
		return nil, fmt.Errorf("table %q is not registered for sync", table)
	}
	return spec, nil
}

// Specs returns the registered tables in processing order.
func (r *Registry) Specs() []TableSpec { return r.specs }

// Project applies the push whitelist to a row and normalizes nil JSON-typed
// columns to their empty container. Columns outside the whitelist are
// dropped, which keeps local-only fields off the wire and prevents
// schema-validation rejections for columns the backend does not know.
func (r *Registry) Project(spec *TableSpec, row Row) Row {
	allowed := spec.fieldSet()
	out := make(Row, len(allowed))
	for col, val := range row {
		if _, ok := allowed[col]; !ok {
			continue
		}
		out[col] = val
	}
	for col, empty := range spec.JSONFields {
		if _, ok := allowed[col]; !ok {
			continue
		}
		if v, present := out[col]; !present || v == nil || v == "" {
			out[col] = empty
		}
	}
	return out
}

// ValidateTask checks a mutation at the enqueue boundary: the table must be
// registered and the entity id present.
func (r *Registry) ValidateTask(table, action, entityID string) error {
	if _, err := r.Lookup(table); err != nil {
		return err
	}
	switch action {
	case ActionInsert, ActionUpdate, ActionDelete:
	default:
		return fmt.Errorf("unknown action %q", action)
	}
	if entityID == "" {
		return fmt.Errorf("mutation for %s has no entity id", table)
	}
	return nil
}
