package reconcile

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentcal/internal/model"
)

func mar(day int) time.Time {
	return time.Date(2025, time.March, day, 0, 0, 0, 0, time.UTC)
}

func rec(id, title, unit string, start, end time.Time) model.IntervalRecord {
	return model.IntervalRecord{
		ID:      id,
		Title:   title,
		Start:   start,
		End:     end,
		UnitKey: unit,
		Origin:  model.OriginImported,
	}
}

func TestSignatureStable(t *testing.T) {
	r := rec("x", "Reserved", "unit-red", mar(1), mar(3))
	assert.Equal(t, Signature(r), Signature(r))
	assert.Equal(t, "sig:reserved|2025-03-01T00:00:00.000Z|2025-03-03T00:00:00.000Z|unit-red", Signature(r))

	variants := []model.IntervalRecord{
		rec("x", "Blocked", "unit-red", mar(1), mar(3)),
		rec("x", "Reserved", "unit-red", mar(2), mar(3)),
		rec("x", "Reserved", "unit-red", mar(1), mar(4)),
		rec("x", "Reserved", "unit-green", mar(1), mar(3)),
	}
	for _, v := range variants {
		assert.NotEqual(t, Signature(r), Signature(v))
	}

	recolored := r
	recolored.Color = "#000000"
	recolored.Origin = model.OriginManual
	assert.Equal(t, Signature(r), Signature(recolored))
}

func TestSignatureNormalizes(t *testing.T) {
	a := rec("1", "  Reserved ", "Ap. 9 - Red", mar(1), mar(3))
	b := rec("2", "reserved", "unit-red", mar(1).In(time.FixedZone("X", 3600)), mar(3))
	assert.Equal(t, Signature(a), Signature(b))
}

func TestSignatureMillisecondPrecision(t *testing.T) {
	r := rec("x", "Reserved", "unit-red", mar(1), mar(3))

	bySecond := r
	bySecond.Start = r.Start.Add(time.Second)
	assert.NotEqual(t, Signature(r), Signature(bySecond))

	byMilli := r
	byMilli.Start = r.Start.Add(time.Millisecond)
	assert.NotEqual(t, Signature(r), Signature(byMilli))

	byMicro := r
	byMicro.Start = r.Start.Add(time.Microsecond)
	assert.Equal(t, Signature(r), Signature(byMicro))
}

func TestSignaturePrefersStableID(t *testing.T) {
	r := rec("abc@airbnb.com", "Reserved", "unit-red", mar(1), mar(3))
	r.StableID = true
	assert.Equal(t, "uid:abc@airbnb.com", Signature(r))

	moved := r
	moved.End = mar(9)
	assert.Equal(t, Signature(r), Signature(moved))
}

func TestDedupeIncoming(t *testing.T) {
	a := rec("a", "Reserved", "unit-red", mar(1), mar(3))
	b := rec("b", "Reserved", "unit-red", mar(5), mar(7))
	c := rec("c", "Reserved", "unit-red", mar(9), mar(11))

	existing := []model.IntervalRecord{a}
	got := DedupeIncoming(existing, []model.IntervalRecord{c, a, b, c})
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Len(t, existing, 1)

	assert.Empty(t, DedupeIncoming(existing, nil))
}

func TestDedupeIdempotentReimport(t *testing.T) {
	batch := []model.IntervalRecord{
		rec("a", "Reserved", "unit-red", mar(1), mar(3)),
		rec("b", "Blocked", "unit-green", mar(2), mar(8)),
		rec("c", "Reserved", "unit-grey", mar(4), mar(4)),
	}
	assert.Empty(t, DedupeIncoming(batch, batch))
}

func TestIsSubsumedScenario(t *testing.T) {
	existing := []model.IntervalRecord{
		rec("e", "booking reservations", "unit-green", mar(1), mar(10)),
	}

	inside := rec("c1", "booking reservations", "unit-green", mar(3), mar(5))
	assert.True(t, IsSubsumed(inside, existing))

	past := rec("c2", "booking reservations", "unit-green", mar(9), mar(12))
	assert.False(t, IsSubsumed(past, existing))
}

func TestIsSubsumedContainmentLaw(t *testing.T) {
	existing := []model.IntervalRecord{rec("e", "Reserved", "unit-red", mar(1), mar(10))}

	exact := rec("c", "Reserved", "unit-red", mar(1), mar(10))
	assert.True(t, IsSubsumed(exact, existing))

	late := exact
	late.End = mar(10).Add(time.Nanosecond)
	assert.False(t, IsSubsumed(late, existing))

	early := exact
	early.Start = mar(1).Add(-time.Nanosecond)
	assert.False(t, IsSubsumed(early, existing))
}

func TestIsSubsumedUnionOfRecords(t *testing.T) {
	existing := []model.IntervalRecord{
		rec("a", "Reserved", "unit-red", mar(5), mar(8)),
		rec("b", "Reserved", "unit-red", mar(1), mar(5)),
		rec("c", "Reserved", "unit-red", mar(12), mar(14)),
	}
	assert.True(t, IsSubsumed(rec("x", "Reserved", "unit-red", mar(2), mar(7)), existing))
	assert.False(t, IsSubsumed(rec("x", "Reserved", "unit-red", mar(7), mar(13)), existing))
}

func TestIsSubsumedComparisonSet(t *testing.T) {
	wide := rec("wide", "Not available", "unit-red", mar(1), mar(30))

	t.Run("empty", func(t *testing.T) {
		assert.False(t, IsSubsumed(wide, nil))
	})

	t.Run("other unit", func(t *testing.T) {
		existing := []model.IntervalRecord{rec("a", "Not available", "unit-green", mar(1), mar(30))}
		assert.False(t, IsSubsumed(wide, existing))
	})

	t.Run("provider match beats title", func(t *testing.T) {
		cand := wide
		cand.ProviderKey = "airbnb"
		other := rec("a", "Reserved", "Unit Red", mar(1), mar(30))
		other.ProviderKey = "airbnb"
		assert.True(t, IsSubsumed(cand, []model.IntervalRecord{other}))

		other.ProviderKey = "booking"
		other.Title = "Not available"
		assert.False(t, IsSubsumed(cand, []model.IntervalRecord{other}))
	})

	t.Run("title fallback when a provider is missing", func(t *testing.T) {
		cand := wide
		cand.ProviderKey = "airbnb"
		manual := rec("m", "NOT AVAILABLE", "unit-red", mar(1), mar(30))
		assert.True(t, IsSubsumed(cand, []model.IntervalRecord{manual}))

		manual.Title = "Owner stay"
		assert.False(t, IsSubsumed(cand, []model.IntervalRecord{manual}))
	})
}

func TestMergeTouching(t *testing.T) {
	a := rec("A", "Reserved", "unit-red", mar(1), mar(3))
	a.Color = "#EF4444"
	a.ProviderKey = "airbnb"
	b := rec("B", "Reserved", "unit-red", mar(3), mar(5))
	b.ProviderKey = "booking"

	got := MergeByUnitAndTitle([]model.IntervalRecord{b, a})
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].ID)
	assert.Equal(t, mar(1), got[0].Start)
	assert.Equal(t, mar(5), got[0].End)
	assert.Equal(t, "#EF4444", got[0].Color)
	assert.Equal(t, "airbnb", got[0].ProviderKey)
}

func TestMergeKeepsGroupsApart(t *testing.T) {
	in := []model.IntervalRecord{
		rec("r1", "Reserved", "unit-red", mar(1), mar(4)),
		rec("g1", "Reserved", "unit-green", mar(2), mar(6)),
		rec("r2", "Blocked", "unit-red", mar(2), mar(3)),
		rec("r3", "reserved ", "Red", mar(4), mar(8)),
		rec("r4", "Reserved", "unit-red", mar(10), mar(12)),
		rec("r5", "Reserved", "unit-red", mar(2), mar(3)),
	}
	got := MergeByUnitAndTitle(in)

	ids := make([]string, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"r1", "r4", "g1", "r2"}, ids)
	assert.Equal(t, mar(8), got[0].End)
	assert.Equal(t, mar(12), got[1].End)
}

func TestMergeIdempotent(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 50; round++ {
		in := randomRecords(rng, 40)
		once := MergeByUnitAndTitle(in)
		twice := MergeByUnitAndTitle(once)
		require.Equal(t, once, twice, "round %d", round)
		assertNoMergeableNeighbours(t, once)
	}
}

func assertNoMergeableNeighbours(t *testing.T, records []model.IntervalRecord) {
	t.Helper()
	for i := range records {
		for j := i + 1; j < len(records); j++ {
			a, b := records[i], records[j]
			if groupOf(a) != groupOf(b) {
				continue
			}
			touching := !a.Start.After(b.End) && !b.Start.After(a.End)
			assert.False(t, touching, "%s and %s should have merged", a.ID, b.ID)
		}
	}
}

func TestPackLanesScenario(t *testing.T) {
	in := []model.IntervalRecord{
		rec("C", "Reserved", "unit-red", mar(6), mar(9)),
		rec("A", "Reserved", "unit-red", mar(1), mar(5)),
		rec("B", "Reserved", "unit-red", mar(3), mar(7)),
	}
	got := PackLanes(in)
	assert.Equal(t, 2, got.LaneCount)
	assert.Equal(t, map[string]int{"A": 0, "B": 1, "C": 0}, got.LaneByID)
}

func TestPackLanesTouchingShareLane(t *testing.T) {
	in := []model.IntervalRecord{
		rec("A", "Stay", "unit-red", mar(1), mar(3)),
		rec("B", "Stay", "unit-red", mar(3), mar(5)),
	}
	got := PackLanes(in)
	assert.Equal(t, 1, got.LaneCount)
	assert.Equal(t, 0, got.LaneByID["B"])
}

func TestPackLanesZeroLength(t *testing.T) {
	in := []model.IntervalRecord{
		rec("x", "Stay", "unit-red", mar(1), mar(10)),
		rec("y", "Cleaning", "unit-red", mar(5), mar(5)),
		rec("z", "Check-out", "unit-red", mar(10), mar(10)),
	}
	got := PackLanes(in)
	assert.Equal(t, 2, got.LaneCount)
	assert.Equal(t, map[string]int{"x": 0, "y": 1, "z": 0}, got.LaneByID)
}

func TestPackLanesEmpty(t *testing.T) {
	got := PackLanes(nil)
	assert.Equal(t, 0, got.LaneCount)
	assert.Empty(t, got.LaneByID)
}

func TestPackLanesAgainstOracle(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for round := 0; round < 200; round++ {
		in := randomRecords(rng, 1+rng.IntN(30))
		for i := range in {
			if !in[i].End.After(in[i].Start) {
				in[i].End = in[i].Start.Add(time.Hour)
			}
		}

		layout := PackLanes(in)
		require.Len(t, layout.LaneByID, len(in))

		for i := range in {
			for j := i + 1; j < len(in); j++ {
				if layout.LaneByID[in[i].ID] != layout.LaneByID[in[j].ID] {
					continue
				}
				a, b := in[i], in[j]
				overlap := a.Start.Before(b.End) && b.Start.Before(a.End)
				require.False(t, overlap, "round %d: %s and %s share a lane", round, a.ID, b.ID)
			}
		}
		require.Equal(t, maxOpen(in), layout.LaneCount, "round %d", round)
	}
}

// maxOpen counts, at every record start, how many half-open intervals
// contain that instant. The maximum over all starts is the clique number.
func maxOpen(records []model.IntervalRecord) int {
	best := 0
	for _, probe := range records {
		n := 0
		for _, r := range records {
			if !r.Start.After(probe.Start) && r.End.After(probe.Start) {
				n++
			}
		}
		best = max(best, n)
	}
	return best
}

func TestPackLanesOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	in := randomRecords(rng, 25)
	want := PackLanes(in)

	shuffled := make([]model.IntervalRecord, len(in))
	copy(shuffled, in)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	assert.Equal(t, want, PackLanes(shuffled))
}

func TestValidateBatch(t *testing.T) {
	in := []model.IntervalRecord{
		rec("ok", "", "Ap. 9 - Red", mar(1), mar(2)),
		rec("bad", "Reserved", "unit-red", mar(5), mar(2)),
		rec("point", "Reserved", "unit-green", mar(3), mar(3)),
	}
	accepted, rejected := ValidateBatch(in)

	require.Len(t, accepted, 2)
	assert.Equal(t, "unit-red", accepted[0].UnitKey)
	assert.Equal(t, model.DefaultTitle, accepted[0].Title)
	assert.Equal(t, "point", accepted[1].ID)

	require.Len(t, rejected, 1)
	assert.Equal(t, "bad", rejected[0].Record.ID)
	assert.Equal(t, ReasonInverted, rejected[0].Reason)
}

func TestFoldTwiceMatchesOnce(t *testing.T) {
	batch := []model.IntervalRecord{
		stable(rec("u1", "Airbnb (Not available)", "unit-green", mar(1), mar(3)), "airbnb"),
		stable(rec("u2", "Airbnb (Not available)", "unit-green", mar(3), mar(6)), "airbnb"),
		stable(rec("u3", "Reserved", "unit-green", mar(8), mar(12)), "airbnb"),
		withProvider(rec("imported-x-0", "Reserved", "unit-green", mar(14), mar(15)), "airbnb"),
		rec("bad", "Reserved", "unit-green", mar(20), mar(19)),
	}

	once := Fold(nil, batch)
	require.Len(t, once.Records, 3)
	assert.Equal(t, 4, once.Accepted)
	assert.Len(t, once.Rejected, 1)
	assert.Equal(t, "u1", once.Records[0].ID)
	assert.Equal(t, mar(6), once.Records[0].End)

	twice := Fold(once.Records, batch)

	assert.Equal(t, once.Records, twice.Records)
	assert.Equal(t, 0, twice.Accepted)
	assert.Equal(t, 4, twice.Subsumed)
	assert.Equal(t, fmt.Sprint(once.Records), fmt.Sprint(twice.Records))
}

func stable(r model.IntervalRecord, provider string) model.IntervalRecord {
	r.StableID = true
	r.ProviderKey = provider
	return r
}

func withProvider(r model.IntervalRecord, provider string) model.IntervalRecord {
	r.ProviderKey = provider
	return r
}

func randomRecords(rng *rand.Rand, n int) []model.IntervalRecord {
	units := []string{"unit-red", "unit-green", "Grey"}
	titles := []string{"Reserved", "Not available", "reserved "}
	base := mar(1)
	out := make([]model.IntervalRecord, n)
	for i := range out {
		start := base.Add(time.Duration(rng.IntN(60*24)) * time.Hour)
		end := start.Add(time.Duration(rng.IntN(5*24)) * time.Hour)
		out[i] = rec(fmt.Sprintf("r%02d", i), titles[rng.IntN(len(titles))], units[rng.IntN(len(units))], start, end)
	}
	return out
}
