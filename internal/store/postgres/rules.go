package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/unklstewy/securelinks/internal/models"
	"github.com/unklstewy/securelinks/internal/store"
)

const ruleColumns = `id, subject_type, value, rule_type, actions, description, active, created_at`

// RuleStore persists permission rules in the permission_rules table.
type RuleStore struct {
	db DB
}

// NewRuleStore creates a rule store on db.
func NewRuleStore(db DB) *RuleStore {
	return &RuleStore{db: db}
}

func scanRule(row pgx.Row) (*models.PermissionRule, error) {
	var (
		r       models.PermissionRule
		actions []string
	)
	if err := row.Scan(&r.ID, &r.SubjectType, &r.Value, &r.RuleType, &actions, &r.Description, &r.Active, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Actions = make([]models.ActionKind, len(actions))
	for i, a := range actions {
		r.Actions[i] = models.ActionKind(a)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func actionStrings(actions []models.ActionKind) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a)
	}
	return out
}

// Create inserts rule and fills in its ID and CreatedAt.
func (s *RuleStore) Create(ctx context.Context, rule *models.PermissionRule) error {
	query := `
		INSERT INTO permission_rules (subject_type, value, rule_type, actions, description, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		string(rule.SubjectType), rule.Value, string(rule.RuleType), actionStrings(rule.Actions), rule.Description, rule.Active,
	).Scan(&rule.ID, &rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	rule.CreatedAt = rule.CreatedAt.UTC()
	return nil
}

// Update replaces every mutable field of rule.
func (s *RuleStore) Update(ctx context.Context, rule *models.PermissionRule) error {
	query := `
		UPDATE permission_rules
		SET subject_type = $2, value = $3, rule_type = $4, actions = $5, description = $6, active = $7
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query,
		rule.ID, string(rule.SubjectType), rule.Value, string(rule.RuleType), actionStrings(rule.Actions), rule.Description, rule.Active)
	if err != nil {
		return fmt.Errorf("failed to update rule %d: %w", rule.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Delete removes a rule.
func (s *RuleStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM permission_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Get loads a rule by id.
func (s *RuleStore) Get(ctx context.Context, id int64) (*models.PermissionRule, error) {
	rule, err := scanRule(s.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM permission_rules WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %d: %w", id, mapErr(err))
	}
	return rule, nil
}

// List returns rules matching filter ordered by id.
func (s *RuleStore) List(ctx context.Context, filter store.RuleFilter) ([]*models.PermissionRule, error) {
	var (
		conds []string
		args  []any
	)
	if filter.SubjectType != "" {
		args = append(args, string(filter.SubjectType))
		conds = append(conds, fmt.Sprintf("subject_type = $%d", len(args)))
	}
	if filter.RuleType != "" {
		args = append(args, string(filter.RuleType))
		conds = append(conds, fmt.Sprintf("rule_type = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		conds = append(conds, fmt.Sprintf("active = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		conds = append(conds, fmt.Sprintf("(value ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}

	query := `SELECT ` + ruleColumns + ` FROM permission_rules`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	rules := make([]*models.PermissionRule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule rows: %w", err)
	}
	return rules, nil
}

// ListActive returns every active rule.
func (s *RuleStore) ListActive(ctx context.Context) ([]*models.PermissionRule, error) {
	active := true
	return s.List(ctx, store.RuleFilter{Active: &active})
}
