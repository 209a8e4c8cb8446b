package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "rentcal/internal/log"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd bound the recurrence instances that are
	// generated. Non-recurring events are always kept; whether they are
	// visible is decided by the timeline window, not here.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single RRULE. Zero means
	// defaultMaxOccurrencesPerEvent.
	MaxOccurrencesPerEvent int
}

// Occurrence is one concrete instance of a feed event.
type Occurrence struct {
	Event ParsedEvent
	Start time.Time
	End   time.Time

	// Recurring is set for instances generated from an RRULE; InstanceStart
	// is then the rule-generated start, before any override moved it.
	Recurring     bool
	InstanceStart time.Time
}

// ExpandResult wraps the expanded occurrences and the UIDs that hit the cap.
type ExpandResult struct {
	Occurrences     []Occurrence
	TruncatedEvents []string
}

// ExpandOccurrences turns parsed events into concrete occurrences:
//
//   - single events pass through unchanged (booking feeds are mostly these)
//   - RRULE events are expanded inside [RangeStart, RangeEnd]
//   - EXDATE removes instances, RECURRENCE-ID overrides replace them
//
// Occurrences are ordered by start, then UID.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Overrides only make sense for events with a UID to attach to.
	overridesByUID := make(map[string][]ParsedEvent)
	base := make([]ParsedEvent, 0, len(events))
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil && ev.UID != "" {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		base = append(base, ev)
	}

	out := make([]Occurrence, 0, len(base))
	truncated := make(map[string]bool)

	for _, ev := range base {
		if ev.RawRRule == "" {
			out = append(out, Occurrence{Event: ev, Start: ev.Start, End: ev.End})
			continue
		}
		occ, hitCap := expandRecurringEvent(ev, overridesByUID[ev.UID], cfg)
		if hitCap && !truncated[ev.UID] {
			truncated[ev.UID] = true
			result.TruncatedEvents = append(result.TruncatedEvents, ev.UID)
			appLog.Warn("expand: truncated occurrences for UID due to cap",
				"uid", ev.UID,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
		out = append(out, occ...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].Event.UID < out[j].Event.UID
	})

	result.Occurrences = out
	return result, nil
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Occurrence, bool) {
	out := make([]Occurrence, 0)

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		// Keep the first instance rather than losing the booking.
		return []Occurrence{{Event: ev, Start: ev.Start, End: ev.End}}, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	rangeStart := cfg.RangeStart.In(ev.Start.Location())
	rangeEnd := cfg.RangeEnd.In(ev.Start.Location())
	occTimes := set.Between(rangeStart, rangeEnd, true)

	hitCap := false
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	dur := ev.End.Sub(ev.Start)
	for _, occStart := range occTimes {
		occ := Occurrence{Event: ev, Start: occStart, End: occStart.Add(dur), Recurring: true, InstanceStart: occStart}
		if ev.AllDay {
			// Keep whole-day alignment across DST shifts.
			days := int(dur.Round(24*time.Hour) / (24 * time.Hour))
			occ.End = occStart.AddDate(0, 0, max(days, 1))
		}
		if o, ok := findOverrideForStart(overrides, occStart); ok {
			occ.Event = o
			occ.Start = o.Start
			occ.End = o.End
		}
		out = append(out, occ)
	}

	return out, hitCap
}

// findOverrideForStart finds an override event whose RECURRENCE-ID matches
// the given instance start.
func findOverrideForStart(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}
