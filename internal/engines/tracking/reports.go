package tracking

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/unklstewy/securelinks/internal/models"
	"github.com/unklstewy/securelinks/internal/store"
)

// Chart metrics.
const (
	MetricActions    = "actions"
	MetricViolations = "violations"
	MetricAuthorized = "authorized"
)

// Export formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

const (
	defaultPerPage = 20
	maxPerPage     = 200
)

// ErrInvalidQuery is returned for unknown metrics, periods or export formats.
var ErrInvalidQuery = errors.New("invalid tracking query")

// GlobalStatistics summarises every recorded access attempt.
type GlobalStatistics struct {
	TotalEvents       int64                       `json:"total_events"`
	Authorized        int64                       `json:"authorized"`
	Denied            int64                       `json:"denied"`
	AuthorizedPercent float64                     `json:"authorized_percent"`
	ByAction          map[models.ActionKind]int64 `json:"by_action"`
	TopViolations     []ViolationCount            `json:"top_violations"`
	UniqueIPs         int64                       `json:"unique_ips"`
	Last24Hours       int64                       `json:"last_24_hours"`
	ActiveLinks       int64                       `json:"active_links"`
}

// ViolationCount is the number of events with one classification.
type ViolationCount struct {
	Violation models.Violation `json:"violation"`
	Count     int64            `json:"count"`
}

// ChartData is a set of aligned time series.
type ChartData struct {
	Metric string             `json:"metric"`
	Period models.Period      `json:"period"`
	Labels []string           `json:"labels"`
	Series map[string][]int64 `json:"series"`
}

// Page is one page of access events.
type Page struct {
	Events     []*models.AccessEvent `json:"events"`
	Total      int                   `json:"total"`
	Page       int                   `json:"page"`
	PerPage    int                   `json:"per_page"`
	TotalPages int                   `json:"total_pages"`
}

// GetGlobalStatistics returns totals across all stored events.
func (e *Engine) GetGlobalStatistics(ctx context.Context) (*GlobalStatistics, error) {
	now := e.now().UTC()

	all, err := e.events.Summary(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to summarise events: %w", err)
	}
	recent, err := e.events.Summary(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to summarise recent events: %w", err)
	}
	active, err := e.links.CountActive(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to count active links: %w", err)
	}

	stats := &GlobalStatistics{
		TotalEvents: all.Total,
		Authorized:  all.Authorized,
		Denied:      all.Total - all.Authorized,
		ByAction:    make(map[models.ActionKind]int64, len(models.AllActions)),
		UniqueIPs:   all.UniqueIPs,
		Last24Hours: recent.Total,
		ActiveLinks: active,
	}
	for _, a := range models.AllActions {
		stats.ByAction[a] = all.ByAction[a]
	}
	if all.Total > 0 {
		stats.AuthorizedPercent = float64(all.Authorized) * 100 / float64(all.Total)
	}

	for v, n := range all.ByViolation {
		stats.TopViolations = append(stats.TopViolations, ViolationCount{Violation: v, Count: n})
	}
	sort.Slice(stats.TopViolations, func(i, j int) bool {
		if stats.TopViolations[i].Count != stats.TopViolations[j].Count {
			return stats.TopViolations[i].Count > stats.TopViolations[j].Count
		}
		return stats.TopViolations[i].Violation < stats.TopViolations[j].Violation
	})
	return stats, nil
}

// GetChartData buckets events into a trailing window of 30 days, 12 weeks or
// 12 months ending with the current bucket.
func (e *Engine) GetChartData(ctx context.Context, metric string, period models.Period) (*ChartData, error) {
	var series []string
	switch metric {
	case MetricActions:
		for _, a := range models.AllActions {
			series = append(series, string(a))
		}
	case MetricAuthorized:
		series = []string{"authorized", "denied"}
	case MetricViolations:
	default:
		return nil, fmt.Errorf("%w: unknown metric %q", ErrInvalidQuery, metric)
	}
	if !period.Valid() {
		return nil, fmt.Errorf("%w: unknown period %q", ErrInvalidQuery, period)
	}

	buckets := bucketStarts(e.now(), period)
	index := make(map[int64]int, len(buckets))
	labels := make([]string, len(buckets))
	for i, b := range buckets {
		index[b.Unix()] = i
		labels[i] = bucketLabel(b, period)
	}

	points, err := e.events.Series(ctx, buckets[0], period)
	if err != nil {
		return nil, fmt.Errorf("failed to load event series: %w", err)
	}

	chart := &ChartData{Metric: metric, Period: period, Labels: labels, Series: make(map[string][]int64)}
	for _, name := range series {
		chart.Series[name] = make([]int64, len(buckets))
	}

	for _, p := range points {
		i, ok := index[store.TruncateTime(p.Bucket, period).Unix()]
		if !ok {
			continue
		}
		var name string
		switch metric {
		case MetricActions:
			name = string(p.Action)
		case MetricAuthorized:
			name = "denied"
			if p.Authorized {
				name = "authorized"
			}
		case MetricViolations:
			if p.Authorized {
				continue
			}
			name = string(p.Violation)
		}
		if _, ok := chart.Series[name]; !ok {
			chart.Series[name] = make([]int64, len(buckets))
		}
		chart.Series[name][i] += p.Count
	}
	return chart, nil
}

// GetTrackingData returns one page of events, newest first. Pages start at 1.
func (e *Engine) GetTrackingData(ctx context.Context, filter store.EventFilter, page, perPage int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	events, total, err := e.events.Query(ctx, filter, perPage, (page-1)*perPage)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	return &Page{
		Events:     events,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: (total + perPage - 1) / perPage,
	}, nil
}

var csvHeader = []string{
	"id", "link_id", "action", "authorized", "client_ip", "domain", "country", "city",
	"user_agent", "referrer", "violation", "created_at",
}

// Export streams events created in [from, to) to w as CSV or a JSON array.
// Zero bounds are open.
func (e *Engine) Export(ctx context.Context, from, to time.Time, format string, w io.Writer) error {
	filter := store.EventFilter{From: from, To: to}

	switch format {
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		err := e.events.Export(ctx, filter, func(ev *models.AccessEvent) error {
			return cw.Write(csvRow(ev))
		})
		if err != nil {
			return fmt.Errorf("failed to export events: %w", err)
		}
		cw.Flush()
		return cw.Error()

	case FormatJSON:
		if _, err := io.WriteString(w, "["); err != nil {
			return err
		}
		first := true
		enc := json.NewEncoder(w)
		err := e.events.Export(ctx, filter, func(ev *models.AccessEvent) error {
			if !first {
				if _, err := io.WriteString(w, ","); err != nil {
					return err
				}
			}
			first = false
			return enc.Encode(ev)
		})
		if err != nil {
			return fmt.Errorf("failed to export events: %w", err)
		}
		_, err = io.WriteString(w, "]\n")
		return err
	}

	return fmt.Errorf("%w: unknown export format %q", ErrInvalidQuery, format)
}

func csvRow(ev *models.AccessEvent) []string {
	linkID := ""
	if ev.LinkID != nil {
		linkID = strconv.FormatInt(*ev.LinkID, 10)
	}
	return []string{
		strconv.FormatInt(ev.ID, 10),
		linkID,
		string(ev.Action),
		strconv.FormatBool(ev.Authorized),
		ev.ClientIP,
		ev.Domain,
		ev.Country,
		ev.City,
		ev.UserAgent,
		ev.Referrer,
		string(ev.Violation),
		ev.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func bucketStarts(now time.Time, period models.Period) []time.Time {
	current := store.TruncateTime(now, period)
	var n int
	step := func(t time.Time, k int) time.Time { return t.AddDate(0, 0, k) }
	switch period {
	case models.PeriodWeek:
		n = 12
		step = func(t time.Time, k int) time.Time { return t.AddDate(0, 0, 7*k) }
	case models.PeriodMonth:
		n = 12
		step = func(t time.Time, k int) time.Time { return t.AddDate(0, k, 0) }
	default:
		n = 30
	}

	out := make([]time.Time, n)
	for i := 0; i < n; i++ {
		out[i] = step(current, i-(n-1))
	}
	return out
}

func bucketLabel(t time.Time, period models.Period) string {
	if period == models.PeriodMonth {
		return t.Format("2006-01")
	}
	return t.Format("2006-01-02")
}
