package reconcile

import "rentcal/internal/model"

// DedupeIncoming returns the records of incoming whose signature is not
// already present in existing, in input order. Repeats inside incoming are
// collapsed onto their first occurrence. existing is only read.
func DedupeIncoming(existing, incoming []model.IntervalRecord) []model.IntervalRecord {
	out := make([]model.IntervalRecord, 0, len(incoming))
	if len(incoming) == 0 {
		return out
	}

	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, r := range existing {
		seen[Signature(r)] = struct{}{}
	}

	for _, r := range incoming {
		sig := Signature(r)
		if _, dup := seen[sig]; dup {
			continue
		}
		seen[sig] = struct{}{}
		out = append(out, r)
	}
	return out
}
