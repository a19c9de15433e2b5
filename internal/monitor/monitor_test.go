package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recallguard/internal/experience"
)

var t0 = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestMonitor(t *testing.T) (*Monitor, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	m, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, path
}

func returned(id string, src experience.Source, rank int) Item {
	return Item{ExperienceID: id, Score: 0.9, Source: src, TrustLevel: 1, Rank: rank}
}

func filtered(id string) Item {
	return Item{ExperienceID: id, Score: 0.95, Source: experience.SourceUnverified, TrustLevel: 0.5, Rank: -1, Filtered: true, FilterReason: FilterBelowMinTrust}
}

func record(t *testing.T, m *Monitor, at time.Time, query string, items ...Item) *Event {
	t.Helper()
	ev, err := m.Record(context.Background(), &Event{Timestamp: at, Query: query, K: 5, Items: items})
	require.NoError(t, err)
	return ev
}

func TestRecordAndEvents(t *testing.T) {
	m, _ := newTestMonitor(t)
	ctx := context.Background()

	in := &Event{Query: "clean orders", K: 3, MinTrust: 0.6, Items: []Item{
		returned("v1", experience.SourceVerified, 0),
		filtered("u1"),
	}}
	stored, err := m.Record(ctx, in)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.Timestamp.IsZero())
	assert.Empty(t, in.ID, "caller's event is not modified")

	events, err := m.Events(ctx, All)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, stored.ID, events[0].ID)
	assert.Equal(t, "clean orders", events[0].Query)
	assert.Len(t, events[0].Returned(), 1)
	assert.Len(t, events[0].Filtered(), 1)
	assert.Equal(t, FilterBelowMinTrust, events[0].Filtered()[0].FilterReason)

	_, err = m.Record(ctx, nil)
	assert.ErrorIs(t, err, experience.ErrValidation)
}

func TestPoisonRate(t *testing.T) {
	m, _ := newTestMonitor(t)
	ctx := context.Background()
	window := Window{From: t0, To: t0.Add(time.Hour)}

	rate, err := m.PoisonRate(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rate)

	record(t, m, t0.Add(time.Minute), "q",
		returned("v1", experience.SourceVerified, 0),
		returned("v2", experience.SourceVerified, 1),
		filtered("u9"),
	)
	rate, err = m.PoisonRate(ctx, window)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rate, "filtered items never count as returned")

	prev := rate
	for i := 0; i < 3; i++ {
		record(t, m, t0.Add(time.Duration(i+2)*time.Minute), "q",
			returned("u1", experience.SourceUnverified, 0))
		rate, err = m.PoisonRate(ctx, window)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, rate, prev)
		prev = rate
	}
	assert.InDelta(t, 3.0/5.0, rate, 1e-9)

	// A disjoint window starts from scratch.
	next := Window{From: t0.Add(time.Hour), To: t0.Add(2 * time.Hour)}
	rate, err = m.PoisonRate(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, 0.0, rate)

	record(t, m, t0.Add(90*time.Minute), "q",
		returned("q1", experience.SourceQuarantined, 0),
		returned("v1", experience.SourceVerified, 1))
	rate, err = m.PoisonRate(ctx, next)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rate, 1e-9)

	// The half-open bound excludes events at To.
	record(t, m, t0.Add(time.Hour), "q", returned("u2", experience.SourceUnverified, 0))
	rate, err = m.PoisonRate(ctx, window)
	require.NoError(t, err)
	assert.InDelta(t, 3.0/5.0, rate, 1e-9)
}

func TestSummary(t *testing.T) {
	m, _ := newTestMonitor(t)
	ctx := context.Background()

	record(t, m, t0, "normalize orders",
		returned("v1", experience.SourceVerified, 0),
		returned("u1", experience.SourceUnverified, 1),
		filtered("u2"))
	record(t, m, t0.Add(time.Second), "normalize orders",
		returned("v1", experience.SourceVerified, 0))
	record(t, m, t0.Add(2*time.Second), "deploy", returned("v3", experience.SourceVerified, 0))
	record(t, m, t0.Add(3*time.Second), "empty")

	s, err := m.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, s.TotalEvents)
	assert.Equal(t, 4, s.TotalReturned)
	assert.Equal(t, 1, s.TotalFiltered)
	assert.InDelta(t, 0.25, s.PoisonRate, 1e-9)
	assert.Equal(t, 3, s.ReturnedBySource[experience.SourceVerified])
	assert.Equal(t, 1, s.ReturnedBySource[experience.SourceUnverified])

	require.Len(t, s.TopQueries, 3)
	assert.Equal(t, "normalize orders", s.TopQueries[0].Query)
	assert.Equal(t, 2, s.TopQueries[0].Count)
	assert.Equal(t, 3, s.TopQueries[0].Returned)
	assert.Equal(t, 1, s.TopQueries[0].Poisoned)
	assert.InDelta(t, 1.0/3.0, s.TopQueries[0].PoisonRate, 1e-9)
	// Ties are ordered by query text.
	assert.Equal(t, "deploy", s.TopQueries[1].Query)
	assert.Equal(t, "empty", s.TopQueries[2].Query)
	assert.Equal(t, 0, s.TopQueries[2].Returned)
}

func TestSummary_TopQueriesLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	m, err := Open(context.Background(), path, WithTopQueries(1))
	require.NoError(t, err)
	defer m.Close()

	record(t, m, t0, "a")
	record(t, m, t0, "b")
	s, err := m.Summary(context.Background())
	require.NoError(t, err)
	assert.Len(t, s.TopQueries, 1)
}

func TestExportJSONL(t *testing.T) {
	m, _ := newTestMonitor(t)
	ctx := context.Background()
	record(t, m, t0, "first", returned("v1", experience.SourceVerified, 0))
	record(t, m, t0.Add(time.Hour), "second")

	var buf bytes.Buffer
	n, err := m.Export(ctx, &buf, All)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, "first", ev.Query)
	assert.Equal(t, "v1", ev.Items[0].ExperienceID)

	buf.Reset()
	n, err = m.Export(ctx, &buf, Window{From: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, buf.String(), `"query":"second"`)
}

func TestEventsAreAppendOnly(t *testing.T) {
	m, _ := newTestMonitor(t)
	ctx := context.Background()
	record(t, m, t0, "q", returned("v1", experience.SourceVerified, 0))

	_, err := m.db.ExecContext(ctx, `UPDATE retrieval_events SET query = 'tampered'`)
	assert.Error(t, err)
	_, err = m.db.ExecContext(ctx, `DELETE FROM retrieval_items`)
	assert.Error(t, err)

	events, err := m.Events(ctx, All)
	require.NoError(t, err)
	assert.Equal(t, "q", events[0].Query)
}

func TestSurvivesReopen(t *testing.T) {
	m, path := newTestMonitor(t)
	record(t, m, t0, "q", returned("u1", experience.SourceUnverified, 0))
	require.NoError(t, m.Close())

	reopened, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer reopened.Close()

	rate, err := reopened.PoisonRate(context.Background(), All)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rate)
}
