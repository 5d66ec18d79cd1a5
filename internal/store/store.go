// Package store defines the persistence contracts used by the engines.
//
// Two implementations exist: store/postgres backed by pgxpool, and
// store/memory used by tests and single-node development setups.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/unklstewy/securelinks/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a unique value is already taken.
var ErrConflict = errors.New("record already exists")

// LinkStore persists secure links.
type LinkStore interface {
	// Create inserts link and fills in its ID and CreatedAt.
	Create(ctx context.Context, link *models.SecureLink) error
	GetByID(ctx context.Context, id int64) (*models.SecureLink, error)
	GetByHash(ctx context.Context, hash string) (*models.SecureLink, error)
	// FindActive returns the newest active, unexpired link for a media/format pair.
	FindActive(ctx context.Context, mediaID, formatID int64, now time.Time) (*models.SecureLink, error)
	List(ctx context.Context, filter LinkFilter) ([]*models.SecureLink, int, error)
	SetActive(ctx context.Context, id int64, active bool) error
	// DeactivatePair marks every link of a media/format pair inactive.
	DeactivatePair(ctx context.Context, mediaID, formatID int64) (int64, error)
	Delete(ctx context.Context, id int64) error
	// IncrementUsage atomically bumps the counter matching action.
	IncrementUsage(ctx context.Context, id int64, action models.ActionKind) error
	CountActive(ctx context.Context, now time.Time) (int64, error)
}

// PermissionStore persists permission rules.
type PermissionStore interface {
	Create(ctx context.Context, rule *models.PermissionRule) error
	Update(ctx context.Context, rule *models.PermissionRule) error
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*models.PermissionRule, error)
	List(ctx context.Context, filter RuleFilter) ([]*models.PermissionRule, error)
	ListActive(ctx context.Context) ([]*models.PermissionRule, error)
}

// TrackingStore persists access events. Events are append-only apart from
// retention cleanup.
type TrackingStore interface {
	Insert(ctx context.Context, event *models.AccessEvent) error
	Query(ctx context.Context, filter EventFilter, limit, offset int) ([]*models.AccessEvent, int, error)
	// Export streams events matching filter in chronological order.
	Export(ctx context.Context, filter EventFilter, fn func(*models.AccessEvent) error) error
	// ViolationCounts groups access-control violations since the given time by IP
	// and by domain. Asset and internal errors are excluded.
	ViolationCounts(ctx context.Context, since time.Time) ([]SubjectCount, error)
	// Summary aggregates events created at or after since. A zero since covers everything.
	Summary(ctx context.Context, since time.Time) (*Summary, error)
	// Series returns event counts bucketed by period starting at from.
	Series(ctx context.Context, from time.Time, period models.Period) ([]SeriesPoint, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SettingsStore persists JSON encoded key/value settings.
type SettingsStore interface {
	// Get decodes the value stored under key into dst.
	Get(ctx context.Context, key string, dst any) error
	Put(ctx context.Context, key string, value any) error
	// PutIfAbsent stores value only when key is unset and reports whether it did.
	PutIfAbsent(ctx context.Context, key string, value any) (bool, error)
}

// LinkFilter narrows link listings.
type LinkFilter struct {
	MediaID  *int64
	FormatID *int64
	Active   *bool
	Limit    int
	Offset   int
}

// Matches reports whether link passes the filter.
func (f LinkFilter) Matches(link *models.SecureLink) bool {
	if f.MediaID != nil && link.MediaID != *f.MediaID {
		return false
	}
	if f.FormatID != nil && link.FormatID != *f.FormatID {
		return false
	}
	if f.Active != nil && link.Active != *f.Active {
		return false
	}
	return true
}

// RuleFilter narrows rule listings.
type RuleFilter struct {
	SubjectType models.SubjectType
	RuleType    models.RuleType
	Active      *bool
	Search      string
}

// Matches reports whether rule passes the filter.
func (f RuleFilter) Matches(rule *models.PermissionRule) bool {
	if f.SubjectType != "" && rule.SubjectType != f.SubjectType {
		return false
	}
	if f.RuleType != "" && rule.RuleType != f.RuleType {
		return false
	}
	if f.Active != nil && rule.Active != *f.Active {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(rule.Value), q) &&
			!strings.Contains(strings.ToLower(rule.Description), q) {
			return false
		}
	}
	return true
}

// EventFilter narrows event queries and exports.
type EventFilter struct {
	LinkID     *int64
	Action     models.ActionKind
	Authorized *bool
	Search     string
	From       time.Time
	To         time.Time
}

// Matches reports whether event passes the filter. From is inclusive, To exclusive.
func (f EventFilter) Matches(event *models.AccessEvent) bool {
	if f.LinkID != nil && (event.LinkID == nil || *event.LinkID != *f.LinkID) {
		return false
	}
	if f.Action != "" && event.Action != f.Action {
		return false
	}
	if f.Authorized != nil && event.Authorized != *f.Authorized {
		return false
	}
	if !f.From.IsZero() && event.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !event.CreatedAt.Before(f.To) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		fields := []string{event.ClientIP, event.Domain, event.UserAgent, string(event.Violation)}
		found := false
		for _, field := range fields {
			if strings.Contains(strings.ToLower(field), q) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SubjectCount is the number of violations attributed to one IP or domain.
type SubjectCount struct {
	SubjectType models.SubjectType
	Value       string
	Count       int
}

// Summary holds aggregate event counters.
type Summary struct {
	Total       int64
	Authorized  int64
	ByAction    map[models.ActionKind]int64
	ByViolation map[models.Violation]int64
	UniqueIPs   int64
}

// SeriesPoint is one (bucket, action, outcome) aggregate.
type SeriesPoint struct {
	Bucket     time.Time
	Action     models.ActionKind
	Authorized bool
	Violation  models.Violation
	Count      int64
}

// TruncateTime returns the UTC start of the bucket containing t. Weeks start
// on Monday, matching PostgreSQL date_trunc.
func TruncateTime(t time.Time, period models.Period) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch period {
	case models.PeriodWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case models.PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}
