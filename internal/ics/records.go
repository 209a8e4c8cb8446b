package ics

import (
	"strconv"
	"strings"
	"time"

	"rentcal/internal/model"
)

// ToRecords tags feed occurrences with their source and turns them into
// interval records.
//
// Identity: a single event keeps its UID; a recurring instance gets
// "<uid>@<start>" so every instance is distinct yet stable across fetches.
// Events without a UID get a synthetic id that is marked unstable, so
// reconciliation falls back to signature matching for them. The id carries
// unit and provider so mirrored blocks from two feeds stay distinct.
//
// Records are not validated here; that happens at the store boundary.
func ToRecords(src Source, occurrences []Occurrence) []model.IntervalRecord {
	out := make([]model.IntervalRecord, 0, len(occurrences))
	unit := model.CanonicalUnitKey(src.Unit)
	color := src.Color
	if color == "" {
		color = model.UnitColor(unit)
	}

	for i, occ := range occurrences {
		ev := occ.Event
		title := strings.TrimSpace(ev.Summary)
		if title == "" {
			title = model.DefaultTitle
		}

		r := model.IntervalRecord{
			Title:       title,
			Description: ev.Description,
			Start:       occ.Start,
			End:         occ.End,
			UnitKey:     unit,
			ProviderKey: src.Provider,
			Origin:      model.OriginImported,
			Color:       color,
		}

		switch {
		case ev.UID != "" && occ.Recurring:
			r.ID = ev.UID + "@" + occ.InstanceStart.UTC().Format(time.RFC3339)
			r.StableID = true
		case ev.UID != "":
			r.ID = ev.UID
			r.StableID = true
		default:
			r.ID = "imported-" + unit + "-" + src.Provider + "-" + occ.Start.UTC().Format(time.RFC3339) + "-" +
				occ.End.UTC().Format(time.RFC3339) + "-" + strconv.Itoa(i)
		}

		out = append(out, r)
	}
	return out
}
