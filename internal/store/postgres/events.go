package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/unklstewy/securelinks/internal/models"
	"github.com/unklstewy/securelinks/internal/store"
)

const eventColumns = `id, link_id, action, authorized, client_ip, domain, country, city, user_agent, referrer, violation, created_at`

// EventStore persists access events in the access_events table.
type EventStore struct {
	db DB
}

// NewEventStore creates an event store on db.
func NewEventStore(db DB) *EventStore {
	return &EventStore{db: db}
}

func scanEvent(row pgx.Row) (*models.AccessEvent, error) {
	var e models.AccessEvent
	err := row.Scan(&e.ID, &e.LinkID, &e.Action, &e.Authorized, &e.ClientIP, &e.Domain,
		&e.Country, &e.City, &e.UserAgent, &e.Referrer, &e.Violation, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// Insert appends event and fills in its ID and CreatedAt.
func (s *EventStore) Insert(ctx context.Context, event *models.AccessEvent) error {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO access_events
			(link_id, action, authorized, client_ip, domain, country, city, user_agent, referrer, violation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		event.LinkID, string(event.Action), event.Authorized, event.ClientIP, event.Domain,
		event.Country, event.City, event.UserAgent, event.Referrer, string(event.Violation), createdAt,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert access event: %w", err)
	}
	event.CreatedAt = event.CreatedAt.UTC()
	return nil
}

func eventWhere(filter store.EventFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter.LinkID != nil {
		args = append(args, *filter.LinkID)
		conds = append(conds, fmt.Sprintf("link_id = $%d", len(args)))
	}
	if filter.Action != "" {
		args = append(args, string(filter.Action))
		conds = append(conds, fmt.Sprintf("action = $%d", len(args)))
	}
	if filter.Authorized != nil {
		args = append(args, *filter.Authorized)
		conds = append(conds, fmt.Sprintf("authorized = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		conds = append(conds, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(client_ip ILIKE $%d OR domain ILIKE $%d OR user_agent ILIKE $%d OR violation ILIKE $%d)", n, n, n, n))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Query returns one page of matching events, newest first, and the total match count.
func (s *EventStore) Query(ctx context.Context, filter store.EventFilter, limit, offset int) ([]*models.AccessEvent, int, error) {
	where, args := eventWhere(filter)

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM access_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count access events: %w", err)
	}

	query := `SELECT ` + eventColumns + ` FROM access_events` + where + ` ORDER BY created_at DESC, id DESC`
	query += limitClause(&args, limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query access events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.AccessEvent, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan access event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating access event rows: %w", err)
	}
	return events, total, nil
}

// Export streams matching events oldest first without buffering the result set.
func (s *EventStore) Export(ctx context.Context, filter store.EventFilter, fn func(*models.AccessEvent) error) error {
	where, args := eventWhere(filter)
	rows, err := s.db.Query(ctx, `SELECT `+eventColumns+` FROM access_events`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return fmt.Errorf("failed to query access events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return fmt.Errorf("failed to scan access event: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ViolationCounts groups access-control violations by client IP and by domain.
func (s *EventStore) ViolationCounts(ctx context.Context, since time.Time) ([]store.SubjectCount, error) {
	query := `
		SELECT 'ip' AS subject_type, client_ip AS value, COUNT(*)
		FROM access_events
		WHERE NOT authorized AND violation = ANY($2) AND created_at >= $1 AND client_ip <> ''
		GROUP BY client_ip
		UNION ALL
		SELECT 'domain', domain, COUNT(*)
		FROM access_events
		WHERE NOT authorized AND violation = ANY($2) AND created_at >= $1 AND domain <> ''
		GROUP BY domain
		ORDER BY 3 DESC, 2
	`
	kinds := make([]string, len(models.AccessControlViolations))
	for i, v := range models.AccessControlViolations {
		kinds[i] = string(v)
	}
	rows, err := s.db.Query(ctx, query, since, kinds)
	if err != nil {
		return nil, fmt.Errorf("failed to count violations: %w", err)
	}
	defer rows.Close()

	out := make([]store.SubjectCount, 0)
	for rows.Next() {
		var (
			c       store.SubjectCount
			subject string
		)
		if err := rows.Scan(&subject, &c.Value, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan violation count: %w", err)
		}
		c.SubjectType = models.SubjectType(subject)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Summary aggregates events at or after since.
func (s *EventStore) Summary(ctx context.Context, since time.Time) (*store.Summary, error) {
	sum := &store.Summary{
		ByAction:    make(map[models.ActionKind]int64),
		ByViolation: make(map[models.Violation]int64),
	}

	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE authorized), COUNT(DISTINCT NULLIF(client_ip, ''))
		FROM access_events WHERE created_at >= $1`, since).
		Scan(&sum.Total, &sum.Authorized, &sum.UniqueIPs)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise access events: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT action, authorized, violation, COUNT(*)
		FROM access_events WHERE created_at >= $1
		GROUP BY action, authorized, violation`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to group access events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			action     string
			authorized bool
			violation  string
			n          int64
		)
		if err := rows.Scan(&action, &authorized, &violation, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event group: %w", err)
		}
		sum.ByAction[models.ActionKind(action)] += n
		if !authorized {
			sum.ByViolation[models.Violation(violation)] += n
		}
	}
	return sum, rows.Err()
}

// Series buckets events since from using date_trunc in UTC.
func (s *EventStore) Series(ctx context.Context, from time.Time, period models.Period) ([]store.SeriesPoint, error) {
	if !period.Valid() {
		return nil, fmt.Errorf("invalid period %q", period)
	}

	query := `
		SELECT date_trunc($1, created_at AT TIME ZONE 'UTC') AS bucket, action, authorized, violation, COUNT(*)
		FROM access_events
		WHERE created_at >= $2
		GROUP BY 1, 2, 3, 4
		ORDER BY 1
	`
	rows, err := s.db.Query(ctx, query, string(period), from)
	if err != nil {
		return nil, fmt.Errorf("failed to query event series: %w", err)
	}
	defer rows.Close()

	out := make([]store.SeriesPoint, 0)
	for rows.Next() {
		var (
			p         store.SeriesPoint
			action    string
			violation string
		)
		if err := rows.Scan(&p.Bucket, &action, &p.Authorized, &violation, &p.Count); err != nil {
			return nil, fmt.Errorf("failed to scan series point: %w", err)
		}
		p.Bucket = p.Bucket.UTC()
		p.Action = models.ActionKind(action)
		p.Violation = models.Violation(violation)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteBefore removes events created before the cutoff.
func (s *EventStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM access_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete access events: %w", err)
	}
	return tag.RowsAffected(), nil
}
