package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/unklstewy/securelinks/internal/models"
	"github.com/unklstewy/securelinks/internal/store"
)

// RuleStore is a mutex guarded store.PermissionStore.
type RuleStore struct {
	mu     sync.RWMutex
	nextID int64
	rules  map[int64]*models.PermissionRule
}

// NewRuleStore creates an empty rule store.
func NewRuleStore() *RuleStore {
	return &RuleStore{rules: make(map[int64]*models.PermissionRule)}
}

func (s *RuleStore) Create(_ context.Context, rule *models.PermissionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	rule.ID = s.nextID
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

func (s *RuleStore) Update(_ context.Context, rule *models.PermissionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[rule.ID]
	if !ok {
		return store.ErrNotFound
	}
	updated := cloneRule(rule)
	updated.CreatedAt = existing.CreatedAt
	s.rules[rule.ID] = updated
	return nil
}

func (s *RuleStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *RuleStore) Get(_ context.Context, id int64) (*models.PermissionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRule(rule), nil
}

func (s *RuleStore) List(_ context.Context, filter store.RuleFilter) ([]*models.PermissionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.PermissionRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if filter.Matches(rule) {
			out = append(out, cloneRule(rule))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *RuleStore) ListActive(ctx context.Context) ([]*models.PermissionRule, error) {
	active := true
	return s.List(ctx, store.RuleFilter{Active: &active})
}

func cloneRule(rule *models.PermissionRule) *models.PermissionRule {
	cp := *rule
	cp.Actions = append([]models.ActionKind(nil), rule.Actions...)
	return &cp
}
