package tracking

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unklstewy/securelinks/internal/models"
	"github.com/unklstewy/securelinks/internal/store"
	"github.com/unklstewy/securelinks/internal/store/memory"
	"go.uber.org/zap"
)

var now = time.Date(2025, 4, 16, 9, 30, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.AccessEvent
}

func (p *recordingPublisher) PublishViolation(_ context.Context, ev *models.AccessEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type staticGeo struct{}

func (staticGeo) Resolve(context.Context, string) (models.Geo, bool) {
	return models.Geo{Country: "NL", City: "Amsterdam"}, true
}

type failingEvents struct{ *memory.EventStore }

func (failingEvents) Insert(context.Context, *models.AccessEvent) error {
	return errors.New("db down")
}

type fixture struct {
	engine    *Engine
	events    *memory.EventStore
	links     *memory.LinkStore
	publisher *recordingPublisher
	link      *models.SecureLink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		events:    memory.NewEventStore(),
		links:     memory.NewLinkStore(),
		publisher: &recordingPublisher{},
	}
	f.link = &models.SecureLink{MediaID: 1, Hash: "h1", ExpiresAt: now.Add(time.Hour), Active: true}
	require.NoError(t, f.links.Create(context.Background(), f.link))

	f.engine = NewEngine(f.events, f.links, zap.NewNop(),
		WithClock(func() time.Time { return now }),
		WithGeoResolver(staticGeo{}),
		WithPublisher(f.publisher))
	return f
}

func ptr(v int64) *int64 { return &v }

func TestTrackUsage(t *testing.T) {
	ctx := context.Background()

	t.Run("records an authorized download and bumps the counter", func(t *testing.T) {
		f := newFixture(t)
		f.engine.TrackUsage(ctx, Record{LinkID: &f.link.ID, Action: models.ActionDownload, Authorized: true, ClientIP: "192.0.2.1"})

		events := f.events.All()
		require.Len(t, events, 1)
		assert.True(t, events[0].Authorized)
		assert.Equal(t, models.ViolationNone, events[0].Violation)
		assert.Equal(t, "NL", events[0].Country)

		link, err := f.links.GetByID(ctx, f.link.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), link.DownloadCount)
		assert.Empty(t, f.publisher.events)
	})

	t.Run("views never bump counters", func(t *testing.T) {
		f := newFixture(t)
		f.engine.TrackUsage(ctx, Record{LinkID: &f.link.ID, Action: models.ActionView, Authorized: true})

		link, err := f.links.GetByID(ctx, f.link.ID)
		require.NoError(t, err)
		assert.Zero(t, link.DownloadCount)
		assert.Zero(t, link.CopyCount)
		assert.Len(t, f.events.All(), 1)
	})

	t.Run("denied copies never bump counters", func(t *testing.T) {
		f := newFixture(t)
		f.engine.TrackUsage(ctx, Record{LinkID: &f.link.ID, Action: models.ActionCopy, Violation: models.ViolationPermissionDenied})

		link, err := f.links.GetByID(ctx, f.link.ID)
		require.NoError(t, err)
		assert.Zero(t, link.CopyCount)
		require.Len(t, f.publisher.events, 1)
		assert.Equal(t, models.ViolationPermissionDenied, f.publisher.events[0].Violation)
	})

	t.Run("unknown link ids are stored as null with link_not_found", func(t *testing.T) {
		f := newFixture(t)
		f.engine.TrackUsage(ctx, Record{LinkID: ptr(999), Action: models.ActionDownload, Authorized: true, Violation: models.ViolationNone})

		events := f.events.All()
		require.Len(t, events, 1)
		assert.Nil(t, events[0].LinkID)
		assert.False(t, events[0].Authorized)
		assert.Equal(t, models.ViolationLinkNotFound, events[0].Violation)
	})

	t.Run("keeps the caller's classification when no link was resolved", func(t *testing.T) {
		f := newFixture(t)
		f.engine.TrackUsage(ctx, Record{Action: models.ActionDownload, Violation: models.ViolationRateLimited})

		events := f.events.All()
		require.Len(t, events, 1)
		assert.Equal(t, models.ViolationRateLimited, events[0].Violation)
	})

	t.Run("prefers a supplied location over the resolver", func(t *testing.T) {
		f := newFixture(t)
		f.engine.TrackUsage(ctx, Record{LinkID: &f.link.ID, Action: models.ActionView, Authorized: true,
			ClientIP: "192.0.2.1", Geo: &models.Geo{Country: "DE"}})
		assert.Equal(t, "DE", f.events.All()[0].Country)
	})

	t.Run("survives a cancelled request context", func(t *testing.T) {
		f := newFixture(t)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		f.engine.TrackUsage(cancelled, Record{LinkID: &f.link.ID, Action: models.ActionDownload, Authorized: true})
		assert.Len(t, f.events.All(), 1)
	})

	t.Run("storage failures are swallowed", func(t *testing.T) {
		f := newFixture(t)
		engine := NewEngine(failingEvents{f.events}, f.links, nil)
		assert.NotPanics(t, func() {
			engine.TrackUsage(ctx, Record{LinkID: &f.link.ID, Action: models.ActionDownload, Authorized: true})
		})
	})

	t.Run("writes one event per call under concurrency", func(t *testing.T) {
		f := newFixture(t)
		var wg sync.WaitGroup
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f.engine.TrackUsage(ctx, Record{LinkID: &f.link.ID, Action: models.ActionDownload, Authorized: true})
			}()
		}
		wg.Wait()

		assert.Len(t, f.events.All(), 40)
		link, err := f.links.GetByID(ctx, f.link.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(40), link.DownloadCount)
	})
}

func TestCleanupOldTracking(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, age := range []time.Duration{0, 10 * 24 * time.Hour, 40 * 24 * time.Hour} {
		require.NoError(t, f.events.Insert(ctx, &models.AccessEvent{Action: models.ActionView, CreatedAt: now.Add(-age)}))
	}

	deleted, err := f.engine.CleanupOldTracking(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = f.engine.CleanupOldTracking(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Len(t, f.events.All(), 2)

	_, err = f.engine.CleanupOldTracking(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidRetention)
}

func seedEvents(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()
	events := []models.AccessEvent{
		{LinkID: &f.link.ID, Action: models.ActionDownload, Authorized: true, ClientIP: "192.0.2.1", CreatedAt: now.Add(-time.Hour)},
		{LinkID: &f.link.ID, Action: models.ActionView, Authorized: true, ClientIP: "192.0.2.2", CreatedAt: now.Add(-2 * 24 * time.Hour)},
		{Action: models.ActionDownload, ClientIP: "198.51.100.1", Domain: "bad.example", Violation: models.ViolationExpired, CreatedAt: now.Add(-3 * time.Hour)},
		{Action: models.ActionCopy, ClientIP: "198.51.100.1", Violation: models.ViolationPermissionDenied, CreatedAt: now.Add(-40 * 24 * time.Hour)},
	}
	for i := range events {
		require.NoError(t, f.events.Insert(ctx, &events[i]))
	}
}

func TestGetGlobalStatistics(t *testing.T) {
	f := newFixture(t)
	seedEvents(t, f)

	stats, err := f.engine.GetGlobalStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalEvents)
	assert.Equal(t, int64(2), stats.Authorized)
	assert.Equal(t, int64(2), stats.Denied)
	assert.InDelta(t, 50.0, stats.AuthorizedPercent, 0.001)
	assert.Equal(t, int64(2), stats.ByAction[models.ActionDownload])
	assert.Equal(t, int64(1), stats.ByAction[models.ActionCopy])
	assert.Equal(t, int64(1), stats.ByAction[models.ActionView])
	assert.Equal(t, int64(3), stats.UniqueIPs)
	assert.Equal(t, int64(2), stats.Last24Hours)
	assert.Equal(t, int64(1), stats.ActiveLinks)
	assert.Len(t, stats.TopViolations, 2)
}

func TestGetChartData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedEvents(t, f)

	t.Run("daily actions over thirty days", func(t *testing.T) {
		chart, err := f.engine.GetChartData(ctx, MetricActions, models.PeriodDay)
		require.NoError(t, err)
		require.Len(t, chart.Labels, 30)
		assert.Equal(t, "2025-04-16", chart.Labels[29])
		assert.Equal(t, int64(2), chart.Series["download"][29])
		assert.Equal(t, int64(1), chart.Series["view"][27])
		// the 40 day old copy falls outside the window
		var copies int64
		for _, n := range chart.Series["copy"] {
			copies += n
		}
		assert.Zero(t, copies)
	})

	t.Run("authorized versus denied", func(t *testing.T) {
		chart, err := f.engine.GetChartData(ctx, MetricAuthorized, models.PeriodDay)
		require.NoError(t, err)
		assert.Equal(t, int64(1), chart.Series["authorized"][29])
		assert.Equal(t, int64(1), chart.Series["denied"][29])
	})

	t.Run("violations by classification per month", func(t *testing.T) {
		chart, err := f.engine.GetChartData(ctx, MetricViolations, models.PeriodMonth)
		require.NoError(t, err)
		require.Len(t, chart.Labels, 12)
		assert.Equal(t, "2025-04", chart.Labels[11])
		assert.Equal(t, int64(1), chart.Series[string(models.ViolationExpired)][11])
		assert.Equal(t, int64(1), chart.Series[string(models.ViolationPermissionDenied)][10])
	})

	t.Run("weekly buckets start on monday", func(t *testing.T) {
		chart, err := f.engine.GetChartData(ctx, MetricActions, models.PeriodWeek)
		require.NoError(t, err)
		require.Len(t, chart.Labels, 12)
		assert.Equal(t, "2025-04-14", chart.Labels[11])
	})

	t.Run("rejects unknown metrics and periods", func(t *testing.T) {
		_, err := f.engine.GetChartData(ctx, "bytes", models.PeriodDay)
		assert.ErrorIs(t, err, ErrInvalidQuery)
		_, err = f.engine.GetChartData(ctx, MetricActions, models.Period("year"))
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})
}

func TestGetTrackingData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedEvents(t, f)

	page, err := f.engine.GetTrackingData(ctx, store.EventFilter{}, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Events, 3)

	denied := false
	page, err = f.engine.GetTrackingData(ctx, store.EventFilter{Authorized: &denied, Search: "bad.example"}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, 20, page.PerPage)
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedEvents(t, f)

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, f.engine.Export(ctx, now.Add(-7*24*time.Hour), time.Time{}, FormatCSV, &buf))

		rows, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 4)
		assert.Equal(t, csvHeader, rows[0])
		// oldest first
		assert.Equal(t, "view", rows[1][2])
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, f.engine.Export(ctx, time.Time{}, time.Time{}, FormatJSON, &buf))

		var events []models.AccessEvent
		require.NoError(t, json.Unmarshal(buf.Bytes(), &events))
		assert.Len(t, events, 4)
	})

	t.Run("unknown format", func(t *testing.T) {
		err := f.engine.Export(ctx, time.Time{}, time.Time{}, "xml", &bytes.Buffer{})
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})
}
