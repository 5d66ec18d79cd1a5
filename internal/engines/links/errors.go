// Package links issues and verifies signed media links.
package links

import (
	"errors"
	"fmt"

	"github.com/unklstewy/securelinks/internal/engines/keys"
	"github.com/unklstewy/securelinks/internal/models"
)

// Verification failures. Each maps to one violation classification.
var (
	ErrLinkNotFound     = errors.New("link not found")
	ErrExpired          = errors.New("link expired")
	ErrInvalidKeyPair   = errors.New("invalid key pair id")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrLinkInactive     = errors.New("link inactive")
)

// Generation failures.
var (
	ErrKeyPairUnavailable = keys.ErrKeyPairUnavailable
	ErrPersistence        = errors.New("link persistence failed")
	ErrInvalidExpiry      = errors.New("expiry must be in the future")
)

// GenerationError reports why a link could not be issued.
type GenerationError struct {
	MediaID  int64
	FormatID int64
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("failed to generate link for media %d format %d: %v", e.MediaID, e.FormatID, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// VerificationError carries the resolved link, when there is one, alongside
// the verification failure.
type VerificationError struct {
	Link *models.SecureLink
	Err  error
}

func (e *VerificationError) Error() string {
	return e.Err.Error()
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// Classify maps a verification error onto its violation classification.
func Classify(err error) models.Violation {
	switch {
	case err == nil:
		return models.ViolationNone
	case errors.Is(err, ErrLinkNotFound):
		return models.ViolationLinkNotFound
	case errors.Is(err, ErrExpired):
		return models.ViolationExpired
	case errors.Is(err, ErrInvalidKeyPair):
		return models.ViolationInvalidKeyPair
	case errors.Is(err, ErrInvalidSignature):
		return models.ViolationInvalidSignature
	case errors.Is(err, ErrLinkInactive):
		return models.ViolationLinkInactive
	default:
		return models.ViolationInternalError
	}
}
