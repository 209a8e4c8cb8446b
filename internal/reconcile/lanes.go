package reconcile

import (
	"sort"
	"time"

	"rentcal/internal/model"
)

// LaneLayout is the display-lane assignment for one unit's visible records.
// It is recomputed on demand and never persisted.
type LaneLayout struct {
	LaneByID  map[string]int `json:"lanes"`
	LaneCount int            `json:"lane_count"`
}

// PackLanes assigns each record the lowest lane whose previous record has
// ended by the time this one starts. Intervals are treated as half-open, so
// a stay that starts the day another ends shares its lane.
//
// Records are visited by start, then end, then id, which makes the result
// independent of input order. The lane count is the largest number of
// records open at any instant, where a zero-length record counts as open at
// its own instant: one that falls inside another stay gets a lane of its own.
func PackLanes(records []model.IntervalRecord) LaneLayout {
	layout := LaneLayout{LaneByID: make(map[string]int, len(records))}
	if len(records) == 0 {
		return layout
	}

	sorted := make([]model.IntervalRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if !a.End.Equal(b.End) {
			return a.End.Before(b.End)
		}
		return a.ID < b.ID
	})

	// lastEnd[i] is the end of the record most recently placed in lane i.
	lastEnd := make([]time.Time, 0, 4)
	for _, r := range sorted {
		lane := -1
		for i, end := range lastEnd {
			if !end.After(r.Start) {
				lane = i
				break
			}
		}
		if lane < 0 {
			lane = len(lastEnd)
			lastEnd = append(lastEnd, r.End)
		} else {
			lastEnd[lane] = r.End
		}
		layout.LaneByID[r.ID] = lane
	}

	layout.LaneCount = len(lastEnd)
	return layout
}
