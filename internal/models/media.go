// Package models provides data structures for the secure links service.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidAction is returned when an action string is not a known ActionKind.
var ErrInvalidAction = errors.New("invalid action")

// ActionKind is the kind of access requested for a media asset.
type ActionKind string

const (
	ActionDownload ActionKind = "download"
	ActionCopy     ActionKind = "copy"
	ActionView     ActionKind = "view"
)

// AllActions lists every supported action in a stable order.
var AllActions = []ActionKind{ActionDownload, ActionCopy, ActionView}

// ParseActionKind converts a string into an ActionKind.
func ParseActionKind(s string) (ActionKind, error) {
	a := ActionKind(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
	return a, nil
}

// Valid reports whether a is one of the supported actions.
func (a ActionKind) Valid() bool {
	switch a {
	case ActionDownload, ActionCopy, ActionView:
		return true
	}
	return false
}

// CountsUsage reports whether an authorized access of this kind bumps a link counter.
func (a ActionKind) CountsUsage() bool {
	return a == ActionDownload || a == ActionCopy
}

// SubjectType identifies what a permission rule matches against.
type SubjectType string

const (
	SubjectIP     SubjectType = "ip"
	SubjectDomain SubjectType = "domain"
)

// Valid reports whether t is a known subject type.
func (t SubjectType) Valid() bool {
	return t == SubjectIP || t == SubjectDomain
}

// RuleType is the effect of a permission rule.
type RuleType string

const (
	RuleWhitelist RuleType = "whitelist"
	RuleBlacklist RuleType = "blacklist"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	return t == RuleWhitelist || t == RuleBlacklist
}

// Violation classifies why an access attempt was not served.
type Violation string

const (
	ViolationNone             Violation = ""
	ViolationLinkNotFound     Violation = "link_not_found"
	ViolationExpired          Violation = "expired"
	ViolationInvalidKeyPair   Violation = "invalid_key_pair"
	ViolationInvalidSignature Violation = "invalid_signature"
	ViolationLinkInactive     Violation = "link_inactive"
	ViolationPermissionDenied Violation = "permission_denied"
	ViolationAssetNotFound    Violation = "asset_not_found"
	ViolationRateLimited      Violation = "rate_limited"
	ViolationInternalError    Violation = "internal_error"
)

// AccessControlViolations are the classifications that count against a
// client. Missing assets and internal errors are not the client's doing.
var AccessControlViolations = []Violation{
	ViolationLinkNotFound,
	ViolationExpired,
	ViolationInvalidKeyPair,
	ViolationInvalidSignature,
	ViolationLinkInactive,
	ViolationPermissionDenied,
	ViolationRateLimited,
}

// AccessControl reports whether v is one of AccessControlViolations.
func (v Violation) AccessControl() bool {
	for _, c := range AccessControlViolations {
		if v == c {
			return true
		}
	}
	return false
}

// Period is the bucket size used by time series statistics.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// Valid reports whether p is a supported period.
func (p Period) Valid() bool {
	return p == PeriodDay || p == PeriodWeek || p == PeriodMonth
}

// SecureLink is a persisted, signable reference to one media asset in one format.
type SecureLink struct {
	ID            int64     `json:"id" db:"id"`
	MediaID       int64     `json:"media_id" db:"media_id"`
	FormatID      int64     `json:"format_id" db:"format_id"`
	Hash          string    `json:"hash" db:"link_hash"`
	ExpiresAt     time.Time `json:"expires_at" db:"expires_at"`
	Active        bool      `json:"active" db:"active"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	DownloadCount int64     `json:"download_count" db:"download_count"`
	CopyCount     int64     `json:"copy_count" db:"copy_count"`
}

// Usable reports whether the link is active and not expired at now.
func (l *SecureLink) Usable(now time.Time) bool {
	return l.Active && l.ExpiresAt.After(now)
}

// PermissionRule allows or denies a set of actions for an IP or domain.
type PermissionRule struct {
	ID          int64        `json:"id" db:"id"`
	SubjectType SubjectType  `json:"subject_type" db:"subject_type"`
	Value       string       `json:"value" db:"value"`
	RuleType    RuleType     `json:"rule_type" db:"rule_type"`
	Actions     []ActionKind `json:"actions" db:"actions"`
	Description string       `json:"description" db:"description"`
	Active      bool         `json:"active" db:"active"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
}

// Covers reports whether the rule applies to action.
func (r *PermissionRule) Covers(action ActionKind) bool {
	for _, a := range r.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Geo is a best-effort location for a client.
type Geo struct {
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
}

// AccessEvent is an immutable audit record of one access attempt.
type AccessEvent struct {
	ID         int64      `json:"id" db:"id"`
	LinkID     *int64     `json:"link_id" db:"link_id"`
	Action     ActionKind `json:"action" db:"action"`
	Authorized bool       `json:"authorized" db:"authorized"`
	ClientIP   string     `json:"client_ip" db:"client_ip"`
	Domain     string     `json:"domain" db:"domain"`
	Country    string     `json:"country,omitempty" db:"country"`
	City       string     `json:"city,omitempty" db:"city"`
	UserAgent  string     `json:"user_agent" db:"user_agent"`
	Referrer   string     `json:"referrer,omitempty" db:"referrer"`
	Violation  Violation  `json:"violation,omitempty" db:"violation"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// KeyPair is the persisted form of the signing key pair.
type KeyPair struct {
	ID            string    `json:"id"`
	PublicKeyPEM  string    `json:"public_key"`
	PrivateKeyPEM string    `json:"private_key"`
	CreatedAt     time.Time `json:"created_at"`
}

// Priority ranks a rule suggestion.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Suggestion is a derived, unpersisted recommendation to add a blacklist rule.
type Suggestion struct {
	SubjectType    SubjectType    `json:"subject_type"`
	Value          string         `json:"value"`
	ViolationCount int            `json:"violation_count"`
	Priority       Priority       `json:"priority"`
	Reason         string         `json:"reason"`
	SuggestedRule  PermissionRule `json:"suggested_rule"`
}
