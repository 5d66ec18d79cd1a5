package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/unklstewy/securelinks/internal/models"
	"github.com/unklstewy/securelinks/internal/store"
)

// EventStore is a mutex guarded store.TrackingStore.
type EventStore struct {
	mu     sync.RWMutex
	nextID int64
	events []*models.AccessEvent
}

// NewEventStore creates an empty event store.
func NewEventStore() *EventStore {
	return &EventStore{}
}

func (s *EventStore) Insert(_ context.Context, event *models.AccessEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	event.ID = s.nextID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

// All returns a snapshot of every stored event in insertion order.
func (s *EventStore) All() []models.AccessEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.AccessEvent, len(s.events))
	for i, e := range s.events {
		out[i] = *e
	}
	return out
}

func (s *EventStore) Query(_ context.Context, filter store.EventFilter, limit, offset int) ([]*models.AccessEvent, int, error) {
	matched := s.matching(filter)
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return paginate(matched, limit, offset), len(matched), nil
}

func (s *EventStore) Export(ctx context.Context, filter store.EventFilter, fn func(*models.AccessEvent) error) error {
	matched := s.matching(filter)
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	for _, event := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	return nil
}

func (s *EventStore) ViolationCounts(_ context.Context, since time.Time) ([]store.SubjectCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byIP := make(map[string]int)
	byDomain := make(map[string]int)
	for _, e := range s.events {
		if e.Authorized || !e.Violation.AccessControl() || e.CreatedAt.Before(since) {
			continue
		}
		if e.ClientIP != "" {
			byIP[e.ClientIP]++
		}
		if e.Domain != "" {
			byDomain[e.Domain]++
		}
	}

	out := make([]store.SubjectCount, 0, len(byIP)+len(byDomain))
	for v, n := range byIP {
		out = append(out, store.SubjectCount{SubjectType: models.SubjectIP, Value: v, Count: n})
	}
	for v, n := range byDomain {
		out = append(out, store.SubjectCount{SubjectType: models.SubjectDomain, Value: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	return out, nil
}

func (s *EventStore) Summary(_ context.Context, since time.Time) (*store.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := &store.Summary{
		ByAction:    make(map[models.ActionKind]int64),
		ByViolation: make(map[models.Violation]int64),
	}
	ips := make(map[string]struct{})
	for _, e := range s.events {
		if !since.IsZero() && e.CreatedAt.Before(since) {
			continue
		}
		sum.Total++
		sum.ByAction[e.Action]++
		if e.Authorized {
			sum.Authorized++
		} else {
			sum.ByViolation[e.Violation]++
		}
		if e.ClientIP != "" {
			ips[e.ClientIP] = struct{}{}
		}
	}
	sum.UniqueIPs = int64(len(ips))
	return sum, nil
}

func (s *EventStore) Series(_ context.Context, from time.Time, period models.Period) ([]store.SeriesPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct {
		bucket     time.Time
		action     models.ActionKind
		authorized bool
		violation  models.Violation
	}
	counts := make(map[key]int64)
	for _, e := range s.events {
		if e.CreatedAt.Before(from) {
			continue
		}
		k := key{store.TruncateTime(e.CreatedAt, period), e.Action, e.Authorized, e.Violation}
		counts[k]++
	}

	out := make([]store.SeriesPoint, 0, len(counts))
	for k, n := range counts {
		out = append(out, store.SeriesPoint{
			Bucket:     k.bucket,
			Action:     k.action,
			Authorized: k.authorized,
			Violation:  k.violation,
			Count:      n,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out, nil
}

func (s *EventStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var deleted int64
	for _, e := range s.events {
		if e.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return deleted, nil
}

func (s *EventStore) matching(filter store.EventFilter) []*models.AccessEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.AccessEvent, 0)
	for _, e := range s.events {
		if filter.Matches(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}
