package reconcile

import (
	"sort"

	"rentcal/internal/model"
)

// MergeByUnitAndTitle collapses records of the same (unit, title) group whose
// spans overlap or touch into one record per maximal run.
//
// Touching counts: feeds often publish back-to-back day blocks that stand
// for one continuous unavailability. The surviving record keeps the first
// member's metadata (id, colour, provider, origin) with End extended.
//
// Groups appear in the order their first member appears in records; each
// group is chronological. Running the merge twice changes nothing.
func MergeByUnitAndTitle(records []model.IntervalRecord) []model.IntervalRecord {
	out := make([]model.IntervalRecord, 0, len(records))
	if len(records) == 0 {
		return out
	}

	order := make([]groupKey, 0)
	groups := make(map[groupKey][]model.IntervalRecord)
	for _, r := range records {
		k := groupOf(r)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	for _, k := range order {
		out = append(out, mergeGroup(groups[k])...)
	}
	return out
}

func mergeGroup(group []model.IntervalRecord) []model.IntervalRecord {
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].Start.Before(group[j].Start)
	})

	out := make([]model.IntervalRecord, 0, len(group))
	acc := group[0]
	for _, r := range group[1:] {
		if r.Start.After(acc.End) {
			out = append(out, acc)
			acc = r
			continue
		}
		if r.End.After(acc.End) {
			acc.End = r.End
		}
	}
	return append(out, acc)
}
