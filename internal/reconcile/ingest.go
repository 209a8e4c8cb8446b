package reconcile

import (
	"strings"

	"rentcal/internal/model"
)

// Rejection describes a record refused at the ingestion boundary.
type Rejection struct {
	Record model.IntervalRecord `json:"record"`
	Reason string               `json:"reason"`
}

// ReasonInverted marks records whose start is after their end.
const ReasonInverted = "start after end"

// ValidateBatch re-checks records handed over by a feed or a form before they
// reach the reconciled set. Inverted spans are rejected; survivors get a
// canonical unit key and a non-empty title. Input order is preserved.
func ValidateBatch(records []model.IntervalRecord) (accepted []model.IntervalRecord, rejected []Rejection) {
	accepted = make([]model.IntervalRecord, 0, len(records))
	for _, r := range records {
		if !r.Valid() {
			rejected = append(rejected, Rejection{Record: r, Reason: ReasonInverted})
			continue
		}
		r.UnitKey = model.CanonicalUnitKey(r.UnitKey)
		if strings.TrimSpace(r.Title) == "" {
			r.Title = model.DefaultTitle
		}
		accepted = append(accepted, r)
	}
	return accepted, rejected
}

// FoldResult reports what happened to one incoming batch.
type FoldResult struct {
	Records    []model.IntervalRecord
	Accepted   int
	Subsumed   int
	Duplicates int
	Rejected   []Rejection
}

// Fold runs one incoming batch through the full pipeline against existing:
// validate, drop subsumed, drop duplicates, append, merge. It returns the
// new record set; existing is not modified.
func Fold(existing, incoming []model.IntervalRecord) FoldResult {
	valid, rejected := ValidateBatch(incoming)
	fresh, subsumed := FilterSubsumed(existing, valid)
	unique := DedupeIncoming(existing, fresh)

	next := make([]model.IntervalRecord, 0, len(existing)+len(unique))
	next = append(next, existing...)
	next = append(next, unique...)

	return FoldResult{
		Records:    MergeByUnitAndTitle(next),
		Accepted:   len(unique),
		Subsumed:   len(subsumed),
		Duplicates: len(fresh) - len(unique),
		Rejected:   rejected,
	}
}
