// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a backend failure for the retry and outbox policy.
type ErrorKind string

const (
	// KindTransient covers timeouts, connection failures and "temporarily
	// unavailable" responses. Retried with backoff, bounded by MaxAttempts.
	KindTransient ErrorKind = "transient"

	// KindSchemaRejected covers unknown columns and type mismatches.
	// Retrying cannot help; the task stays queued for diagnostics until a
	// schema migration resolves it.
	KindSchemaRejected ErrorKind = "schema_rejected"

	// KindConflict covers uniqueness violations on natural keys. The cloud's
	// existing row is accepted as correct and the task is discarded so one
	// irreconcilable record cannot wedge the queue.
	KindConflict ErrorKind = "conflict"

	// KindPermanent covers everything else that is known not to recover.
	KindPermanent ErrorKind = "permanent"
)

// BackendError is the typed failure returned by Backend implementations.
type BackendError struct {
	Kind  ErrorKind
	Op    string // "upsert", "select", "delete", "subscribe"
	Table string
	Err   error
}

func (e *BackendError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Table, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// NewBackendError wraps err with a classification.
func NewBackendError(kind ErrorKind, op, table string, err error) *BackendError {
	return &BackendError{Kind: kind, Op: op, Table: table, Err: err}
}

// KindOf extracts the classification of err. Unclassified errors report
// KindTransient: an unknown failure is assumed to be connectivity, which is
// the safe default for a queue that must never silently lose a write.
func KindOf(err error) ErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransient
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsSchemaRejected reports whether err is a non-retryable schema rejection.
func IsSchemaRejected(err error) bool { return KindOf(err) == KindSchemaRejected }

// IsConflict reports whether err is a uniqueness conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }
