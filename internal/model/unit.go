package model

import "strings"

// FallbackUnitKey is assigned to records that name no unit at all.
const FallbackUnitKey = "unit-1"

// CanonicalUnitKey maps the many spellings of a unit ("Red", "ap-9-red",
// "Unit Red") onto one slug. It is total and idempotent.
//
// The colour rules are substring matches, so a unit called "redwood" lands
// on unit-red. Units outside the colour scheme should be configured with an
// explicit unit-* key. Such keys are slugged like any other name, so
// "unit-Foo_Bar" becomes "unit-foo-bar" while an already lower-case slug is
// returned unchanged.
func CanonicalUnitKey(s string) string {
	k := strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.Contains(k, "red"):
		return "unit-red"
	case strings.Contains(k, "grey"), strings.Contains(k, "gray"):
		return "unit-grey"
	case strings.Contains(k, "green"):
		return "unit-green"
	}

	slug := slugify(k)
	if slug == "" {
		return FallbackUnitKey
	}
	return slug
}

// slugify lower-cases s and collapses every run of characters outside
// [a-z0-9] into a single dash.
func slugify(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
			continue
		}
		dash = true
	}
	return b.String()
}

// Default display colours per canonical unit, matching the feed colours the
// booking dashboard has always used.
var unitColors = map[string]string{
	"unit-red":   "#EF4444",
	"unit-grey":  "#9CA3AF",
	"unit-green": "#10B981",
}

// DefaultColor is used for units without a configured or known colour.
const DefaultColor = "#4F46E5"

// UnitColor returns the default colour for a canonical unit key.
func UnitColor(unitKey string) string {
	if c, ok := unitColors[CanonicalUnitKey(unitKey)]; ok {
		return c
	}
	return DefaultColor
}
