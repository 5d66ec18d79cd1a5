package models

import "time"

// AuthRequest represents an admin login request.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse carries an admin JWT.
type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GenerateLinkRequest asks for a signed link to one media format.
type GenerateLinkRequest struct {
	MediaID   int64      `json:"media_id"`
	FormatID  int64      `json:"format_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// BulkGenerateRequest asks for links covering every media/format combination.
type BulkGenerateRequest struct {
	MediaIDs  []int64    `json:"media_ids"`
	FormatIDs []int64    `json:"format_ids"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// LinkResponse is a link together with its signed URLs.
type LinkResponse struct {
	Link      *SecureLink `json:"link"`
	URL       string      `json:"url"`
	ShortURL  string      `json:"short_url"`
	KeyPairID string      `json:"key_pair_id"`
	Reused    bool        `json:"reused"`
}

// LinkActionRequest targets a stored link by id.
type LinkActionRequest struct {
	LinkID int64 `json:"link_id"`
}

// PermissionCheckRequest evaluates the rule set for a subject.
type PermissionCheckRequest struct {
	ClientIP string     `json:"client_ip"`
	Domain   string     `json:"domain"`
	Action   ActionKind `json:"action"`
}

// PermissionCheckResponse is the outcome of a permission check.
type PermissionCheckResponse struct {
	Authorized  bool            `json:"authorized"`
	Reason      string          `json:"reason,omitempty"`
	MatchedRule *PermissionRule `json:"matched_rule,omitempty"`
}

// RuleIDRequest targets a permission rule by id.
type RuleIDRequest struct {
	RuleID int64 `json:"rule_id"`
}

// CleanupRequest purges access events older than RetentionDays.
type CleanupRequest struct {
	RetentionDays int `json:"retention_days"`
}

// CleanupResponse reports how many events were removed.
type CleanupResponse struct {
	Deleted int64 `json:"deleted"`
}

// StatsRequest selects a time series metric.
type StatsRequest struct {
	Metric string `json:"metric"`
	Period Period `json:"period"`
}

// ErrorResponse is the body of a failed command or API call.
type ErrorResponse struct {
	Error string `json:"error"`
}
