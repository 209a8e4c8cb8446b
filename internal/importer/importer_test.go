package importer

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentcal/internal/ics"
	"rentcal/internal/store"
)

const greenFeed = `BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VEVENT
DTSTART;VALUE=DATE:20250301
DTEND;VALUE=DATE:20250303
UID:g1@airbnb.com
SUMMARY:Reserved
END:VEVENT
BEGIN:VEVENT
DTSTART;VALUE=DATE:20250303
DTEND;VALUE=DATE:20250306
UID:g2@airbnb.com
SUMMARY:Reserved
END:VEVENT
BEGIN:VEVENT
DTSTART;VALUE=DATE:20250310
DTEND;VALUE=DATE:20250311
SUMMARY:Airbnb (Not available)
END:VEVENT
END:VCALENDAR
`

const redFeed = `BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VEVENT
DTSTART;VALUE=DATE:20250305
DTEND;VALUE=DATE:20250309
UID:r1@booking.com
SUMMARY:CLOSED - Not available
END:VEVENT
END:VCALENDAR
`

type fakeFetcher struct {
	bodies map[string]string
	calls  atomic.Int32
}

func (f *fakeFetcher) FetchOne(_ context.Context, src ics.Source) (ics.FetchResult, error) {
	f.calls.Add(1)
	body, ok := f.bodies[src.URL]
	if !ok {
		return ics.FetchResult{}, errors.New("connection refused")
	}
	return ics.FetchResult{Source: src, Body: []byte(strings.ReplaceAll(body, "\n", "\r\n"))}, nil
}

func sources() []ics.Source {
	return []ics.Source{
		{Unit: "unit-green", Provider: "airbnb", URL: "green-airbnb"},
		{Unit: "unit-green", Provider: "booking", URL: "green-booking"},
		{Unit: "unit-red", Provider: "booking", URL: "red-booking"},
	}
}

func newFixture(t *testing.T) (*Importer, *store.Store, *fakeFetcher) {
	t.Helper()
	db, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := store.New(context.Background(), db)
	require.NoError(t, err)

	f := &fakeFetcher{bodies: map[string]string{
		"green-airbnb": greenFeed,
		"red-booking":  redFeed,
	}}
	im := New(Config{Sources: sources(), Concurrency: 2}, f, st)
	im.now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	return im, st, f
}

func TestRunOnceIsolatesFailures(t *testing.T) {
	im, st, f := newFixture(t)

	report := im.RunOnce(context.Background())
	assert.Equal(t, int32(3), f.calls.Load())

	require.Len(t, report.Failures, 1)
	assert.Equal(t, "unit-green/booking", report.Failures[0].Source)
	assert.Equal(t, "fetch", report.Failures[0].Stage)
	assert.Error(t, report.Err())

	require.Len(t, report.Results, 2)

	green := st.Records("unit-green")
	require.Len(t, green, 2)
	assert.Equal(t, "g1@airbnb.com", green[0].ID)
	assert.Equal(t, time.Date(2025, 3, 6, 0, 0, 0, 0, time.UTC), green[0].End)
	assert.False(t, green[1].StableID)

	red := st.Records("unit-red")
	require.Len(t, red, 1)
	assert.Equal(t, "booking", red[0].ProviderKey)
	assert.Equal(t, "#EF4444", red[0].Color)
}

func TestRunOnceTwiceLeavesSetUnchanged(t *testing.T) {
	im, st, _ := newFixture(t)
	ctx := context.Background()

	im.RunOnce(ctx)
	once := st.Snapshot()

	report := im.RunOnce(ctx)
	for _, r := range report.Results {
		assert.Zero(t, r.Accepted, r.Source)
	}
	assert.Equal(t, once.Version, st.Snapshot().Version)
	assert.Equal(t, once.Records, st.Snapshot().Records)
}

func TestRunOnceParseFailure(t *testing.T) {
	im, _, f := newFixture(t)
	f.bodies["green-booking"] = ""

	report := im.RunOnce(context.Background())
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "parse", report.Failures[0].Stage)
}

type countingRunner struct {
	runs atomic.Int32
}

func (c *countingRunner) RunOnce(context.Context) Report {
	c.runs.Add(1)
	return Report{}
}

func TestSchedulerFires(t *testing.T) {
	r := &countingRunner{}
	s, err := NewScheduler(context.Background(), "@every 1s", time.UTC, time.Second, r)
	require.NoError(t, err)

	s.Start()
	defer s.Stop(context.Background())

	assert.False(t, s.Next().IsZero())
	require.Eventually(t, func() bool { return r.runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	_, err := NewScheduler(context.Background(), "every now and then", nil, 0, &countingRunner{})
	assert.Error(t, err)
}
