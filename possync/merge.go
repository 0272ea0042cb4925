// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package possync

// Merge policy: the ordered per-entity rules applied to every remote row,
// whether it arrives through a delta pull or through the realtime feed. Both
// paths call Merge, so they cannot disagree on the outcome for the same
// input.
//
// Known limitation, by contract: across devices this is optimistic
// last-write-wins without a central sequencer. Two devices editing the same
// entity inside the drift window converge on the later updated_at and the
// other edit is discarded.

// MergeResult is the decision for one remote row.
type MergeResult struct {
	// Apply is false when the existing local row is kept untouched.
	Apply bool
	// Row is the row to store locally when Apply is true.
	Row Row
}

func keepLocal() MergeResult       { return MergeResult{} }
func applyRow(row Row) MergeResult { return MergeResult{Apply: true, Row: row} }

// Merge resolves one incoming remote row against the local row (nil when the
// entity does not exist locally). localStockAuthoritative reports whether the
// local inventory ledger has movements newer than the remote snapshot; it is
// only consulted for stock-bearing tables.
func Merge(spec *TableSpec, local, remote Row, localStockAuthoritative bool) MergeResult {
	switch {
	case spec.Singleton:
		return applyRow(MergeSettings(spec, local, remote))
	case spec.StockBearing:
		return mergeStockBearing(spec, local, remote, localStockAuthoritative)
	default:
		return MergeGeneric(spec, local, remote)
	}
}

// MergeGeneric is rule 3: insert when no local row exists; otherwise the
// strictly newer row wins whole. Equal or indeterminate timestamps keep the
// local row, so re-applying an already-merged row is a no-op.
func MergeGeneric(spec *TableSpec, local, remote Row) MergeResult {
	if local == nil {
		return applyRow(remote)
	}
	localT := spec.RowTime(local)
	remoteT := spec.RowTime(remote)
	if remoteT.After(localT) {
		return applyRow(remote)
	}
	return keepLocal()
}

// mergeStockBearing is rule 2: the generic rule decides the winner, but when
// the local ledger is more recent than the remote snapshot the remote stock
// figure is stale and the local quantity is carried into the merged row.
func mergeStockBearing(spec *TableSpec, local, remote Row, localStockAuthoritative bool) MergeResult {
	res := MergeGeneric(spec, local, remote)
	if !res.Apply || local == nil || !localStockAuthoritative {
		return res
	}
	merged := cloneRow(res.Row)
	merged["stock"] = local["stock"]
	return applyRow(merged)
}

// MergeSettings is rule 1: the cloud row is the base, device-local fields are
// kept verbatim, and each sequence counter becomes max(local, remote) so two
// devices can never reissue the same invoice or ticket number.
func MergeSettings(spec *TableSpec, local, remote Row) Row {
	merged := cloneRow(remote)
	if local == nil {
		return merged
	}
	for _, f := range spec.LocalFields {
		if v, ok := local[f]; ok {
			merged[f] = v
		}
	}
	for _, c := range spec.CounterFields {
		lv := counterValue(local[c])
		rv := counterValue(remote[c])
		if lv > rv {
			merged[c] = lv
		} else {
			merged[c] = rv
		}
	}
	return merged
}

func cloneRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// counterValue coerces a counter cell to int64. SQLite hands back int64,
// JSON decoding hands back float64, and absent cells are zero.
func counterValue(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	case float32:
		return int64(x)
	default:
		return 0
	}
}
