package reconcile

import (
	"sort"
	"time"

	"rentcal/internal/model"
)

// span is a closed [start, end] instant range.
type span struct {
	start time.Time
	end   time.Time
}

// IsSubsumed reports whether candidate is already fully covered by the union
// of the existing records that describe the same unit and source.
//
// A comparison record must share the candidate's unit. When both sides name
// a provider the providers must match; otherwise the normalized titles must.
// Containment is closed and compares instants, not calendar days.
func IsSubsumed(candidate model.IntervalRecord, existing []model.IntervalRecord) bool {
	unit := model.CanonicalUnitKey(candidate.UnitKey)
	title := model.NormalizeTitle(candidate.Title)

	spans := make([]span, 0)
	for _, r := range existing {
		if model.CanonicalUnitKey(r.UnitKey) != unit {
			continue
		}
		if candidate.ProviderKey != "" && r.ProviderKey != "" {
			if candidate.ProviderKey != r.ProviderKey {
				continue
			}
		} else if model.NormalizeTitle(r.Title) != title {
			continue
		}
		spans = append(spans, span{start: r.Start, end: r.End})
	}
	if len(spans) == 0 {
		return false
	}

	for _, m := range mergeSpans(spans) {
		if !m.start.After(candidate.Start) && !m.end.Before(candidate.End) {
			return true
		}
	}
	return false
}

// FilterSubsumed splits incoming into records still worth importing and
// records already covered by existing. Candidates are only compared against
// existing, never against each other.
func FilterSubsumed(existing, incoming []model.IntervalRecord) (kept, subsumed []model.IntervalRecord) {
	kept = make([]model.IntervalRecord, 0, len(incoming))
	for _, r := range incoming {
		if IsSubsumed(r, existing) {
			subsumed = append(subsumed, r)
			continue
		}
		kept = append(kept, r)
	}
	return kept, subsumed
}

// mergeSpans sorts spans by start and collapses them into maximal runs. A
// span opens a new run only when it starts after the current run ends.
// spans is reordered in place.
func mergeSpans(spans []span) []span {
	sort.Slice(spans, func(i, j int) bool {
		return spans[i].start.Before(spans[j].start)
	})

	out := make([]span, 0, len(spans))
	cur := spans[0]
	for _, s := range spans[1:] {
		if s.start.After(cur.end) {
			out = append(out, cur)
			cur = s
			continue
		}
		if s.end.After(cur.end) {
			cur.end = s.end
		}
	}
	return append(out, cur)
}
