package model

import (
	"strings"
	"time"
)

// Origin tells where an interval record came from.
type Origin string

const (
	OriginImported Origin = "imported"
	OriginManual   Origin = "manual"
)

// DefaultTitle is used for feed events that carry no SUMMARY.
const DefaultTitle = "Untitled Event"

// IntervalRecord is a single booking or unavailability block for one unit.
//
// Start and End are instants; Start must not be after End. Records that
// violate this never enter the reconciled set.
type IntervalRecord struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	UnitKey     string    `json:"unit"`
	ProviderKey string    `json:"provider,omitempty"`
	Origin      Origin    `json:"origin"`
	Color       string    `json:"color,omitempty"`

	// StableID is true when ID is a provider-native UID (or a persisted
	// manual id). Synthetic ids minted for UID-less feed events change
	// between fetches and must not be used for identity.
	StableID bool `json:"stable_id"`
}

// Valid reports whether the record's span is well-formed.
func (r IntervalRecord) Valid() bool {
	return !r.Start.After(r.End)
}

// Overlaps reports whether r intersects the half-open window [from, to).
// A zero-length record counts when its instant falls inside the window.
func (r IntervalRecord) Overlaps(from, to time.Time) bool {
	if r.Start.Equal(r.End) {
		return !r.Start.Before(from) && r.Start.Before(to)
	}
	return r.Start.Before(to) && r.End.After(from)
}

// NormalizeTitle is the title form used for identity and grouping.
func NormalizeTitle(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
