package permissions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/unklstewy/securelinks/internal/models"
	"go.uber.org/zap"
)

// AnalyzeViolationsForSuggestions proposes blacklist rules for subjects whose
// violation count inside the window exceeds the threshold. Subjects already
// covered by an active blacklist rule are skipped. Nothing is written.
func (e *Engine) AnalyzeViolationsForSuggestions(ctx context.Context) ([]models.Suggestion, error) {
	since := e.now().Add(-e.cfg.SuggestionWindow)

	counts, err := e.events.ViolationCounts(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count violations: %w", err)
	}
	rules, err := e.rules.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load permission rules: %w", err)
	}

	threshold := e.cfg.SuggestionThreshold
	suggestions := make([]models.Suggestion, 0)
	for _, c := range counts {
		if c.Count <= threshold {
			continue
		}
		if blacklisted(rules, c.SubjectType, c.Value) {
			continue
		}

		suggestions = append(suggestions, models.Suggestion{
			SubjectType:    c.SubjectType,
			Value:          c.Value,
			ViolationCount: c.Count,
			Priority:       priorityFor(c.Count, threshold),
			Reason:         fmt.Sprintf("%d access violations in the last %s", c.Count, formatWindow(e.cfg.SuggestionWindow)),
			SuggestedRule: models.PermissionRule{
				SubjectType: c.SubjectType,
				Value:       c.Value,
				RuleType:    models.RuleBlacklist,
				Actions:     append([]models.ActionKind(nil), models.AllActions...),
				Description: fmt.Sprintf("Auto-suggested after %d violations", c.Count),
				Active:      true,
			},
		})
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].ViolationCount > suggestions[j].ViolationCount
	})
	return suggestions, nil
}

// formatWindow renders d without trailing zero units, e.g. "24h" or "1h30m".
func formatWindow(d time.Duration) string {
	s := d.Round(time.Second).String()
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}

// ApplySuggestion stores the suggested rule.
func (e *Engine) ApplySuggestion(ctx context.Context, s models.Suggestion) (*models.PermissionRule, error) {
	rule := s.SuggestedRule
	rule.ID = 0
	rule.Actions = append([]models.ActionKind(nil), s.SuggestedRule.Actions...)
	if err := e.CreateRule(ctx, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// ApplyAllSuggestions analyzes current violations and stores every suggestion.
func (e *Engine) ApplyAllSuggestions(ctx context.Context) ([]*models.PermissionRule, error) {
	suggestions, err := e.AnalyzeViolationsForSuggestions(ctx)
	if err != nil {
		return nil, err
	}

	created := make([]*models.PermissionRule, 0, len(suggestions))
	for _, s := range suggestions {
		rule, err := e.ApplySuggestion(ctx, s)
		if err != nil {
			return created, err
		}
		created = append(created, rule)
	}

	e.logger.Info("Applied rule suggestions", zap.Int("created", len(created)))
	return created, nil
}

func priorityFor(count, threshold int) models.Priority {
	switch {
	case count >= 3*threshold:
		return models.PriorityHigh
	case count >= 2*threshold:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

func blacklisted(rules []*models.PermissionRule, subjectType models.SubjectType, value string) bool {
	var subj subject
	switch subjectType {
	case models.SubjectIP:
		subj = newSubject(value, "")
	case models.SubjectDomain:
		subj = newSubject("", value)
	default:
		return false
	}
	for _, rule := range rules {
		if rule.Active && rule.RuleType == models.RuleBlacklist && rule.SubjectType == subjectType && subj.matches(rule) {
			return true
		}
	}
	return false
}
