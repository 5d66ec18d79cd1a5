// Package tracking records access attempts and reports on them.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unklstewy/securelinks/internal/models"
	"github.com/unklstewy/securelinks/internal/store"
	"go.uber.org/zap"
)

// ErrInvalidRetention is returned for non-positive retention periods.
var ErrInvalidRetention = errors.New("retention days must be positive")

// writeTimeout bounds event persistence once the request context is detached.
const writeTimeout = 5 * time.Second

// GeoResolver looks up a best-effort location for a client IP.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (models.Geo, bool)
}

// EventPublisher forwards notable events to the event bus.
type EventPublisher interface {
	PublishViolation(ctx context.Context, event *models.AccessEvent) error
}

// Record describes one access attempt.
type Record struct {
	LinkID     *int64
	Action     models.ActionKind
	Authorized bool
	Violation  models.Violation
	ClientIP   string
	Domain     string
	UserAgent  string
	Referrer   string
	// Geo, when set, skips the resolver.
	Geo *models.Geo
}

// Engine records access events and serves statistics.
type Engine struct {
	events    store.TrackingStore
	links     store.LinkStore
	geo       GeoResolver
	publisher EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithGeoResolver sets the resolver used when a record carries no location.
func WithGeoResolver(r GeoResolver) Option {
	return func(e *Engine) { e.geo = r }
}

// WithPublisher sets the violation event publisher.
func WithPublisher(p EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// NewEngine creates a tracking engine.
func NewEngine(events store.TrackingStore, links store.LinkStore, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		events: events,
		links:  links,
		logger: logger.With(zap.String("engine", "tracking")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TrackUsage writes exactly one access event for rec and bumps the link
// counter for authorized downloads and copies. Failures are logged, never
// returned, and the write survives cancellation of ctx.
func (e *Engine) TrackUsage(ctx context.Context, rec Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	event := &models.AccessEvent{
		LinkID:     rec.LinkID,
		Action:     rec.Action,
		Authorized: rec.Authorized,
		Violation:  rec.Violation,
		ClientIP:   rec.ClientIP,
		Domain:     rec.Domain,
		UserAgent:  rec.UserAgent,
		Referrer:   rec.Referrer,
		CreatedAt:  e.now().UTC(),
	}
	if !event.Action.Valid() {
		event.Action = models.ActionDownload
	}

	switch {
	case event.LinkID == nil:
		if event.Violation == models.ViolationNone {
			event.Authorized = false
			event.Violation = models.ViolationLinkNotFound
		}
	default:
		if _, err := e.links.GetByID(ctx, *event.LinkID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				event.LinkID = nil
				event.Authorized = false
				event.Violation = models.ViolationLinkNotFound
			} else {
				e.logger.Warn("Failed to resolve link for access event",
					zap.Int64("link_id", *event.LinkID),
					zap.Error(err))
			}
		}
	}
	if event.Authorized {
		event.Violation = models.ViolationNone
	} else if event.Violation == models.ViolationNone {
		event.Violation = models.ViolationPermissionDenied
	}

	switch {
	case rec.Geo != nil:
		event.Country, event.City = rec.Geo.Country, rec.Geo.City
	case e.geo != nil && event.ClientIP != "":
		if geo, ok := e.geo.Resolve(ctx, event.ClientIP); ok {
			event.Country, event.City = geo.Country, geo.City
		}
	}

	if err := e.events.Insert(ctx, event); err != nil {
		e.logger.Error("Failed to record access event",
			zap.String("client_ip", event.ClientIP),
			zap.String("action", string(event.Action)),
			zap.String("violation", string(event.Violation)),
			zap.Error(err))
	}

	if event.Authorized && event.LinkID != nil && event.Action.CountsUsage() {
		if err := e.links.IncrementUsage(ctx, *event.LinkID, event.Action); err != nil {
			e.logger.Error("Failed to increment link usage",
				zap.Int64("link_id", *event.LinkID),
				zap.Error(err))
		}
	}

	if !event.Authorized {
		e.logger.Info("Access denied",
			zap.String("client_ip", event.ClientIP),
			zap.String("domain", event.Domain),
			zap.String("action", string(event.Action)),
			zap.String("violation", string(event.Violation)))
		if e.publisher != nil {
			if err := e.publisher.PublishViolation(ctx, event); err != nil {
				e.logger.Warn("Failed to publish violation event", zap.Error(err))
			}
		}
	}
}

// CleanupOldTracking deletes events older than retentionDays. Running it
// again with the same cutoff deletes nothing.
func (e *Engine) CleanupOldTracking(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, ErrInvalidRetention
	}
	cutoff := e.now().UTC().AddDate(0, 0, -retentionDays)

	deleted, err := e.events.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up access events: %w", err)
	}

	e.logger.Info("Cleaned up access events",
		zap.Int("retention_days", retentionDays),
		zap.Time("cutoff", cutoff),
		zap.Int64("deleted", deleted))
	return deleted, nil
}

// RunRetention runs cleanup on every tick until ctx is cancelled.
func (e *Engine) RunRetention(ctx context.Context, interval time.Duration, retentionDays int) {
	if interval <= 0 || retentionDays <= 0 {
		e.logger.Info("Retention worker disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.CleanupOldTracking(ctx, retentionDays); err != nil {
				e.logger.Error("Retention cleanup failed", zap.Error(err))
			}
		}
	}
}
