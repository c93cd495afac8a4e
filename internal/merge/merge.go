// Package merge combines measurement batches without ever admitting
// the same observation twice.
//
// Two paths exist. Merge is the incremental path: it appends the novel
// part of a fetched batch onto an existing archive, preserving input
// order. Reconcile is the bulk path used by the standalone merge tool:
// it deduplicates one combined list and re-sorts the survivors. Both
// use record.Key as the sole notion of identity and both are
// idempotent.
package merge

import (
	"sort"

	"aqsync/internal/record"
)

// Merge appends the records from incoming that are not already present
// in existing, judged by record.Key. The key set covers both existing
// records and records admitted earlier from the same batch, so a batch
// that re-paged an overlapping window cannot duplicate itself.
//
// The result is existing ++ admitted, in input order; no re-sort.
// Re-running with the same inputs admits nothing and reports every
// incoming record as a duplicate.
func Merge(existing, incoming []record.Measurement) (merged []record.Measurement, added, duplicates int) {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, m := range existing {
		seen[record.Key(m)] = struct{}{}
	}

	merged = make([]record.Measurement, 0, len(existing)+len(incoming))
	merged = append(merged, existing...)

	for _, m := range incoming {
		k := record.Key(m)
		if _, dup := seen[k]; dup {
			duplicates++
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, m)
		added++
	}
	return merged, added, duplicates
}

// Reconcile deduplicates a single combined list, keeping the first
// occurrence of each key, then sorts the survivors ascending by
// period.datetimeFrom.utc. Used when an archive may have accumulated
// duplicates from multiple writers (the explicit backup-and-replace
// tool path).
func Reconcile(records []record.Measurement) (unique []record.Measurement, duplicates int) {
	seen := make(map[string]struct{}, len(records))
	unique = make([]record.Measurement, 0, len(records))

	for _, m := range records {
		k := record.Key(m)
		if _, dup := seen[k]; dup {
			duplicates++
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, m)
	}

	sort.SliceStable(unique, func(i, j int) bool {
		return unique[i].Period.DatetimeFrom.UTC < unique[j].Period.DatetimeFrom.UTC
	})
	return unique, duplicates
}

// MaxDatetimeTo returns the maximum period.datetimeTo.utc across the
// records, or "" when none carries one. RFC 3339 UTC strings order
// lexicographically, so string comparison is sufficient. The result is
// the cursor value a successful run advances to.
func MaxDatetimeTo(records []record.Measurement) string {
	var latest string
	for _, m := range records {
		if ts := m.Period.DatetimeTo.UTC; ts > latest {
			latest = ts
		}
	}
	return latest
}
