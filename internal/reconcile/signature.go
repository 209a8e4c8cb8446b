// Package reconcile holds the pure interval algorithms behind the booking
// timeline: identity, dedupe, subsumption, merging and lane packing.
//
// Nothing here keeps state between calls or performs I/O. Callers own the
// record set and pass snapshots in.
package reconcile

import (
	"strings"
	"time"

	"rentcal/internal/model"
)

// isoLayout is RFC 3339 in UTC with fixed millisecond precision. Feeds carry
// whole seconds, so starts that differ only below a millisecond share a
// signature.
const isoLayout = "2006-01-02T15:04:05.000Z"

// Signature returns the identity key of a record.
//
//	uid:<id>                                   stable native id
//	sig:<title>|<startISO>|<endISO>|<unit>     everything else
//
// Colour, origin, provider and description do not take part.
func Signature(r model.IntervalRecord) string {
	if r.StableID && r.ID != "" {
		return "uid:" + r.ID
	}

	var b strings.Builder
	b.WriteString("sig:")
	b.WriteString(model.NormalizeTitle(r.Title))
	b.WriteByte('|')
	b.WriteString(isoInstant(r.Start))
	b.WriteByte('|')
	b.WriteString(isoInstant(r.End))
	b.WriteByte('|')
	b.WriteString(model.CanonicalUnitKey(r.UnitKey))
	return b.String()
}

func isoInstant(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

// groupKey is the (unit, title) pair records are merged under.
type groupKey struct {
	unit  string
	title string
}

func groupOf(r model.IntervalRecord) groupKey {
	return groupKey{
		unit:  model.CanonicalUnitKey(r.UnitKey),
		title: model.NormalizeTitle(r.Title),
	}
}
