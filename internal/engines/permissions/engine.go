// Package permissions evaluates IP and domain rules and derives blacklist
// suggestions from recorded violations.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/unklstewy/securelinks/internal/models"
	"github.com/unklstewy/securelinks/internal/store"
	"go.uber.org/zap"
)

// ErrInvalidRule is returned when a rule fails validation.
var ErrInvalidRule = errors.New("invalid permission rule")

const (
	// DefaultSuggestionThreshold is the violation count a subject must exceed.
	DefaultSuggestionThreshold = 10
	// DefaultSuggestionWindow is how far back violations are counted.
	DefaultSuggestionWindow = 24 * time.Hour
)

// Config controls rule evaluation.
type Config struct {
	// WhitelistOnly denies requests that match no rule. When false (the
	// default) unmatched requests are allowed.
	WhitelistOnly       bool
	SuggestionThreshold int
	SuggestionWindow    time.Duration
}

// Decision is the outcome of a permission check.
type Decision struct {
	Authorized  bool
	MatchedRule *models.PermissionRule
	Reason      string
}

// Engine evaluates permission rules.
type Engine struct {
	rules  store.PermissionStore
	events store.TrackingStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a permission engine.
func NewEngine(rules store.PermissionStore, events store.TrackingStore, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SuggestionThreshold <= 0 {
		cfg.SuggestionThreshold = DefaultSuggestionThreshold
	}
	if cfg.SuggestionWindow <= 0 {
		cfg.SuggestionWindow = DefaultSuggestionWindow
	}
	e := &Engine{
		rules:  rules,
		events: events,
		cfg:    cfg,
		logger: logger.With(zap.String("engine", "permissions")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckPermissions decides whether ip/domain may perform action.
//
// Only active rules covering action are considered. A matching blacklist rule
// denies regardless of any whitelist match. With no match the request is
// allowed unless the engine runs in whitelist-only mode.
func (e *Engine) CheckPermissions(ctx context.Context, ip, domain string, action models.ActionKind) (Decision, error) {
	if !action.Valid() {
		return Decision{Reason: "invalid action"}, models.ErrInvalidAction
	}

	rules, err := e.rules.ListActive(ctx)
	if err != nil {
		return Decision{Reason: "rules unavailable"}, fmt.Errorf("failed to load permission rules: %w", err)
	}

	subj := newSubject(ip, domain)
	var allow *models.PermissionRule
	for _, rule := range rules {
		if !rule.Active || !rule.Covers(action) || !subj.matches(rule) {
			continue
		}
		if rule.RuleType == models.RuleBlacklist {
			e.logger.Debug("Request denied by rule",
				zap.Int64("rule_id", rule.ID),
				zap.String("client_ip", ip),
				zap.String("domain", domain),
				zap.String("action", string(action)))
			return Decision{Authorized: false, MatchedRule: rule, Reason: "blacklisted"}, nil
		}
		if allow == nil {
			allow = rule
		}
	}

	if allow != nil {
		return Decision{Authorized: true, MatchedRule: allow, Reason: "whitelisted"}, nil
	}
	if e.cfg.WhitelistOnly {
		return Decision{Authorized: false, Reason: "not whitelisted"}, nil
	}
	return Decision{Authorized: true, Reason: "no matching rule"}, nil
}

// CreateRule validates and stores a new rule.
func (e *Engine) CreateRule(ctx context.Context, rule *models.PermissionRule) error {
	normalizeRule(rule)
	if err := ValidateRule(rule); err != nil {
		return err
	}
	if err := e.rules.Create(ctx, rule); err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	e.logger.Info("Permission rule created",
		zap.Int64("rule_id", rule.ID),
		zap.String("subject_type", string(rule.SubjectType)),
		zap.String("value", rule.Value),
		zap.String("rule_type", string(rule.RuleType)))
	return nil
}

// UpdateRule validates and replaces an existing rule.
func (e *Engine) UpdateRule(ctx context.Context, rule *models.PermissionRule) error {
	normalizeRule(rule)
	if err := ValidateRule(rule); err != nil {
		return err
	}
	if err := e.rules.Update(ctx, rule); err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	e.logger.Info("Permission rule updated", zap.Int64("rule_id", rule.ID))
	return nil
}

// DeleteRule removes a rule.
func (e *Engine) DeleteRule(ctx context.Context, id int64) error {
	if err := e.rules.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	e.logger.Info("Permission rule deleted", zap.Int64("rule_id", id))
	return nil
}

// GetRule loads a rule by id.
func (e *Engine) GetRule(ctx context.Context, id int64) (*models.PermissionRule, error) {
	return e.rules.Get(ctx, id)
}

// ListRules returns rules matching filter.
func (e *Engine) ListRules(ctx context.Context, filter store.RuleFilter) ([]*models.PermissionRule, error) {
	return e.rules.List(ctx, filter)
}

func normalizeRule(rule *models.PermissionRule) {
	rule.Value = strings.TrimSpace(rule.Value)
	if rule.SubjectType == models.SubjectDomain {
		rule.Value = strings.ToLower(rule.Value)
	}
}
