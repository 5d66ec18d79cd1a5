package links

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/unklstewy/securelinks/internal/engines/keys"
	"github.com/unklstewy/securelinks/internal/models"
	"github.com/unklstewy/securelinks/internal/store"
	"go.uber.org/zap"
)

// DefaultExpiry is used when no explicit expiry is requested.
const DefaultExpiry = 3 * 365 * 24 * time.Hour

// KeyProvider supplies the active signing key pair.
type KeyProvider interface {
	Get(ctx context.Context) (*keys.KeyPair, error)
	// Lookup is Get for verification of a link presenting key pair id.
	Lookup(ctx context.Context, id string) (*keys.KeyPair, error)
}

// Config controls link generation.
type Config struct {
	// BaseURL prefixes every generated URL, for example https://cdn.example.com.
	BaseURL       string
	DefaultExpiry time.Duration
}

// MediaFormat identifies one rendition of a media asset.
type MediaFormat struct {
	MediaID  int64 `json:"media_id"`
	FormatID int64 `json:"format_id"`
}

// GeneratedLink is a link row with its signed URLs.
type GeneratedLink struct {
	Link      *models.SecureLink
	URL       string
	ShortURL  string
	Expires   int64
	KeyPairID string
	Reused    bool
}

// Response converts the generated link into its API form.
func (g *GeneratedLink) Response() *models.LinkResponse {
	return &models.LinkResponse{
		Link:      g.Link,
		URL:       g.URL,
		ShortURL:  g.ShortURL,
		KeyPairID: g.KeyPairID,
		Reused:    g.Reused,
	}
}

// Engine issues, verifies and administers signed links.
type Engine struct {
	links  store.LinkStore
	keys   KeyProvider
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

// NewEngine creates a link engine.
func NewEngine(linkStore store.LinkStore, keyProvider KeyProvider, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = DefaultExpiry
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	e := &Engine{
		links:  linkStore,
		keys:   keyProvider,
		cfg:    cfg,
		logger: logger.With(zap.String("engine", "links")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateLink returns a signed link for the media/format pair.
//
// An active, unexpired row for the pair is reused when it outlives the
// requested expiry; with no explicit expiry any usable row is reused and
// signed with its own expiry.
func (e *Engine) GenerateLink(ctx context.Context, mediaID, formatID int64, expiresAt *time.Time) (*GeneratedLink, error) {
	now := e.now()
	fail := func(err error) error {
		return &GenerationError{MediaID: mediaID, FormatID: formatID, Err: err}
	}

	expires, err := e.resolveExpiry(now, expiresAt)
	if err != nil {
		return nil, fail(err)
	}

	kp, err := e.keys.Get(ctx)
	if err != nil {
		return nil, fail(err)
	}

	existing, err := e.links.FindActive(ctx, mediaID, formatID, now)
	switch {
	case err == nil:
		if expiresAt == nil {
			expires = existing.ExpiresAt
		}
		if !existing.ExpiresAt.Before(expires) {
			gen, err := e.sign(existing, expires, kp)
			if err != nil {
				return nil, fail(err)
			}
			gen.Reused = true
			return gen, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, fail(fmt.Errorf("%w: %v", ErrPersistence, err))
	}

	link, err := e.create(ctx, mediaID, formatID, expires, now)
	if err != nil {
		return nil, fail(err)
	}
	return e.signOrFail(link, expires, kp, fail)
}

// Regenerate deactivates every link of the pair and issues a fresh one.
func (e *Engine) Regenerate(ctx context.Context, mediaID, formatID int64, expiresAt *time.Time) (*GeneratedLink, error) {
	now := e.now()
	fail := func(err error) error {
		return &GenerationError{MediaID: mediaID, FormatID: formatID, Err: err}
	}

	expires, err := e.resolveExpiry(now, expiresAt)
	if err != nil {
		return nil, fail(err)
	}
	kp, err := e.keys.Get(ctx)
	if err != nil {
		return nil, fail(err)
	}

	n, err := e.links.DeactivatePair(ctx, mediaID, formatID)
	if err != nil {
		return nil, fail(fmt.Errorf("%w: %v", ErrPersistence, err))
	}

	link, err := e.create(ctx, mediaID, formatID, expires, now)
	if err != nil {
		return nil, fail(err)
	}

	e.logger.Info("Regenerated link",
		zap.Int64("media_id", mediaID),
		zap.Int64("format_id", formatID),
		zap.Int64("deactivated", n))
	return e.signOrFail(link, expires, kp, fail)
}

// BulkGenerate generates links for every pair, stopping at the first failure.
func (e *Engine) BulkGenerate(ctx context.Context, pairs []MediaFormat, expiresAt *time.Time) ([]*GeneratedLink, error) {
	out := make([]*GeneratedLink, 0, len(pairs))
	for _, p := range pairs {
		gen, err := e.GenerateLink(ctx, p.MediaID, p.FormatID, expiresAt)
		if err != nil {
			return out, err
		}
		out = append(out, gen)
	}
	return out, nil
}

// SignedURLFor signs an existing link with its stored expiry.
func (e *Engine) SignedURLFor(ctx context.Context, link *models.SecureLink) (*GeneratedLink, error) {
	kp, err := e.keys.Get(ctx)
	if err != nil {
		return nil, err
	}
	return e.sign(link, link.ExpiresAt, kp)
}

// VerifyLink checks a presented link and returns the stored row when it is valid.
//
// Checks run in a fixed order: hash lookup, presented expiry, stored expiry,
// active flag, key pair id, signature. No permission rules are consulted.
// Failures after the lookup are returned as *VerificationError carrying the link.
func (e *Engine) VerifyLink(ctx context.Context, hash, signature, expires, keyPairID string) (*models.SecureLink, error) {
	if hash == "" {
		return nil, ErrLinkNotFound
	}

	link, err := e.links.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrLinkNotFound
		}
		return nil, fmt.Errorf("failed to load link: %w", err)
	}
	fail := func(err error) (*models.SecureLink, error) {
		return nil, &VerificationError{Link: link, Err: err}
	}

	now := e.now()
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return fail(ErrInvalidSignature)
	}
	if now.Unix() >= exp {
		return fail(ErrExpired)
	}
	if !link.ExpiresAt.After(now) {
		return fail(ErrExpired)
	}
	if !link.Active {
		return fail(ErrLinkInactive)
	}

	kp, err := e.keys.Lookup(ctx, keyPairID)
	if err != nil {
		return fail(err)
	}
	if subtle.ConstantTimeCompare([]byte(keyPairID), []byte(kp.ID)) != 1 {
		return fail(ErrInvalidKeyPair)
	}

	sig, err := DecodeSignature(signature)
	if err != nil {
		return fail(ErrInvalidSignature)
	}
	if err := kp.Verify(CannedPolicy(Resource(link), exp), sig); err != nil {
		return fail(ErrInvalidSignature)
	}

	return link, nil
}

// Get loads a link by id.
func (e *Engine) Get(ctx context.Context, id int64) (*models.SecureLink, error) {
	return e.links.GetByID(ctx, id)
}

// List returns links matching filter and the total match count.
func (e *Engine) List(ctx context.Context, filter store.LinkFilter) ([]*models.SecureLink, int, error) {
	return e.links.List(ctx, filter)
}

// SetActive activates or deactivates a link.
func (e *Engine) SetActive(ctx context.Context, id int64, active bool) error {
	if err := e.links.SetActive(ctx, id, active); err != nil {
		return err
	}
	e.logger.Info("Link state changed", zap.Int64("link_id", id), zap.Bool("active", active))
	return nil
}

// Delete removes a link. Access events keep their historical reference.
func (e *Engine) Delete(ctx context.Context, id int64) error {
	if err := e.links.Delete(ctx, id); err != nil {
		return err
	}
	e.logger.Info("Link deleted", zap.Int64("link_id", id))
	return nil
}

func (e *Engine) resolveExpiry(now time.Time, expiresAt *time.Time) (time.Time, error) {
	expires := now.Add(e.cfg.DefaultExpiry)
	if expiresAt != nil {
		expires = *expiresAt
	}
	// Expires travels as unix seconds
	expires = expires.UTC().Truncate(time.Second)
	if !expires.After(now) {
		return time.Time{}, ErrInvalidExpiry
	}
	return expires, nil
}

func (e *Engine) create(ctx context.Context, mediaID, formatID int64, expires, now time.Time) (*models.SecureLink, error) {
	hash, err := newHash()
	if err != nil {
		return nil, err
	}
	link := &models.SecureLink{
		MediaID:   mediaID,
		FormatID:  formatID,
		Hash:      hash,
		ExpiresAt: expires,
		Active:    true,
		CreatedAt: now.UTC(),
	}
	if err := e.links.Create(ctx, link); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	e.logger.Debug("Created link",
		zap.Int64("link_id", link.ID),
		zap.Int64("media_id", mediaID),
		zap.Int64("format_id", formatID),
		zap.Time("expires_at", expires))
	return link, nil
}

func (e *Engine) signOrFail(link *models.SecureLink, expires time.Time, kp *keys.KeyPair, fail func(error) error) (*GeneratedLink, error) {
	gen, err := e.sign(link, expires, kp)
	if err != nil {
		return nil, fail(err)
	}
	return gen, nil
}

func (e *Engine) sign(link *models.SecureLink, expires time.Time, kp *keys.KeyPair) (*GeneratedLink, error) {
	exp := expires.Unix()
	sig, err := kp.Sign(CannedPolicy(Resource(link), exp))
	if err != nil {
		return nil, err
	}
	query := QueryString(EncodeSignature(sig), exp, kp.ID)

	return &GeneratedLink{
		Link:      link,
		URL:       e.cfg.BaseURL + Resource(link) + "?" + query,
		ShortURL:  e.cfg.BaseURL + ShortResource(link.Hash) + "?" + query,
		Expires:   exp,
		KeyPairID: kp.ID,
	}, nil
}

func newHash() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate link hash: %w", err)
	}
	return hex.EncodeToString(b), nil
}
