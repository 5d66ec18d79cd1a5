// Package keys owns the RSA key pair used to sign media links.
package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/unklstewy/securelinks/internal/models"
	"github.com/unklstewy/securelinks/internal/store"
	"github.com/unklstewy/securelinks/pkg/healthcheck"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SettingKey is the settings entry holding the persisted key pair.
const SettingKey = "signing_key_pair"

// DefaultKeyBits is the RSA modulus size for generated key pairs.
const DefaultKeyBits = 2048

const (
	// DefaultMaxAge is how long a cached key pair is used before the
	// persisted one is read again.
	DefaultMaxAge = time.Minute
	// DefaultLookupCooldown is the minimum gap between reloads triggered by
	// an unknown key pair id.
	DefaultLookupCooldown = 5 * time.Second
)

// ErrKeyPairUnavailable is returned when no usable key pair can be loaded or created.
var ErrKeyPairUnavailable = errors.New("signing key pair unavailable")

// KeyPair is a decoded signing key pair.
type KeyPair struct {
	ID        string
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
	CreatedAt time.Time
}

// Sign returns the RSA PKCS#1 v1.5 SHA-1 signature of payload.
func (kp *KeyPair) Sign(payload []byte) ([]byte, error) {
	digest := sha1.Sum(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, kp.Private, crypto.SHA1, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}
	return sig, nil
}

// Verify checks sig against payload with the public key.
func (kp *KeyPair) Verify(payload, sig []byte) error {
	digest := sha1.Sum(payload)
	return rsa.VerifyPKCS1v15(kp.Public, crypto.SHA1, digest[:], sig)
}

// PublicKeyPEM returns the PEM encoded public key.
func (kp *KeyPair) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(kp.Public)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Store lazily creates, persists and caches the signing key pair. The cache
// is re-read from settings after maxAge, so a rotation made by another
// process is picked up without a restart.
type Store struct {
	settings store.SettingsStore
	logger   *zap.Logger
	bits     int
	now      func() time.Time
	maxAge   time.Duration
	cooldown time.Duration

	group    singleflight.Group
	mu       sync.RWMutex
	cur      *KeyPair
	loadedAt time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithKeyBits overrides the RSA modulus size.
func WithKeyBits(bits int) Option {
	return func(s *Store) {
		if bits > 0 {
			s.bits = bits
		}
	}
}

// WithMaxAge overrides how long a cached key pair is trusted.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.maxAge = d
		}
	}
}

// WithLookupCooldown overrides the minimum gap between reloads in Lookup.
func WithLookupCooldown(d time.Duration) Option {
	return func(s *Store) { s.cooldown = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a key store backed by settings.
func NewStore(settings store.SettingsStore, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		settings: settings,
		logger:   logger.With(zap.String("engine", "keys")),
		bits:     DefaultKeyBits,
		now:      time.Now,
		maxAge:   DefaultMaxAge,
		cooldown: DefaultLookupCooldown,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the active key pair, generating and persisting one on first use.
//
// Concurrent first calls share a single load; if another process wins the
// insert race its key pair is adopted.
func (s *Store) Get(ctx context.Context) (*KeyPair, error) {
	if kp, fresh := s.cached(); kp != nil && fresh {
		return kp, nil
	}
	return s.load(ctx, false)
}

// Lookup returns the active key pair for a request presenting id. When id is
// not the cached pair's, settings are re-read once so a rotation made by
// another process is seen at once. Reloads are spaced by the cooldown.
func (s *Store) Lookup(ctx context.Context, id string) (*KeyPair, error) {
	kp, err := s.Get(ctx)
	if err != nil || kp.ID == id {
		return kp, err
	}

	s.mu.RLock()
	recent := s.now().Sub(s.loadedAt) < s.cooldown
	s.mu.RUnlock()
	if recent {
		return kp, nil
	}
	return s.load(ctx, true)
}

func (s *Store) load(ctx context.Context, force bool) (*KeyPair, error) {
	v, err, _ := s.group.Do("load", func() (interface{}, error) {
		stale, fresh := s.cached()
		if stale != nil && fresh && !force {
			return stale, nil
		}
		kp, err := s.loadOrCreate(ctx)
		if err != nil {
			if stale == nil {
				return nil, err
			}
			s.logger.Warn("Failed to reload signing key pair, keeping cached pair",
				zap.String("key_pair_id", stale.ID),
				zap.Error(err))
			s.setCached(stale)
			return stale, nil
		}
		if stale != nil && stale.ID != kp.ID {
			s.logger.Info("Adopted rotated signing key pair",
				zap.String("previous_key_pair_id", stale.ID),
				zap.String("key_pair_id", kp.ID))
		}
		s.setCached(kp)
		return kp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*KeyPair), nil
}

// Rotate replaces the key pair. Links signed with the previous pair stop verifying.
func (s *Store) Rotate(ctx context.Context) (*KeyPair, error) {
	record, err := Generate(s.bits, s.now())
	if err != nil {
		return nil, err
	}
	kp, err := Decode(record)
	if err != nil {
		return nil, err
	}
	if err := s.settings.Put(ctx, SettingKey, record); err != nil {
		return nil, fmt.Errorf("%w: failed to persist rotated key pair: %v", ErrKeyPairUnavailable, err)
	}
	s.setCached(kp)

	s.logger.Warn("Signing key pair rotated", zap.String("key_pair_id", kp.ID))
	return kp, nil
}

// Name implements healthcheck.Checker.
func (s *Store) Name() string {
	return "signing_keys"
}

// Check reports whether a key pair can be obtained.
func (s *Store) Check(ctx context.Context) *healthcheck.Result {
	result := &healthcheck.Result{
		ComponentName: s.Name(),
		Status:        healthcheck.StatusHealthy,
		Timestamp:     time.Now(),
	}
	kp, err := s.Get(ctx)
	if err != nil {
		result.Status = healthcheck.StatusUnhealthy
		result.Message = err.Error()
		return result
	}
	result.Details = map[string]interface{}{"key_pair_id": kp.ID}
	return result
}

// cached returns the cached pair and whether it is younger than maxAge.
func (s *Store) cached() (*KeyPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur, s.now().Sub(s.loadedAt) < s.maxAge
}

func (s *Store) setCached(kp *KeyPair) {
	s.mu.Lock()
	s.cur = kp
	s.loadedAt = s.now()
	s.mu.Unlock()
}

func (s *Store) loadOrCreate(ctx context.Context) (*KeyPair, error) {
	var record models.KeyPair
	err := s.settings.Get(ctx, SettingKey, &record)
	switch {
	case err == nil:
		return s.decode(record)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %v", ErrKeyPairUnavailable, err)
	}

	record, err = Generate(s.bits, s.now())
	if err != nil {
		return nil, err
	}
	created, err := s.settings.PutIfAbsent(ctx, SettingKey, record)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to persist key pair: %v", ErrKeyPairUnavailable, err)
	}
	if !created {
		// another instance stored its pair first
		if err := s.settings.Get(ctx, SettingKey, &record); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyPairUnavailable, err)
		}
	} else {
		s.logger.Info("Generated signing key pair", zap.String("key_pair_id", record.ID))
	}
	return s.decode(record)
}

func (s *Store) decode(record models.KeyPair) (*KeyPair, error) {
	kp, err := Decode(record)
	if err != nil {
		s.logger.Error("Stored key pair is corrupt", zap.Error(err))
		return nil, err
	}
	return kp, nil
}

// Generate creates a new key pair record.
func Generate(bits int, now time.Time) (models.KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return models.KeyPair{}, fmt.Errorf("%w: failed to generate RSA key: %v", ErrKeyPairUnavailable, err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return models.KeyPair{}, fmt.Errorf("%w: failed to encode public key: %v", ErrKeyPairUnavailable, err)
	}

	return models.KeyPair{
		ID:            KeyPairID(pubDER),
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})),
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		CreatedAt:     now.UTC(),
	}, nil
}

// KeyPairID derives the opaque identifier from a DER encoded public key.
func KeyPairID(pubDER []byte) string {
	sum := sha256.Sum256(pubDER)
	return "K" + strings.ToUpper(hex.EncodeToString(sum[:10]))
}

// Decode parses a persisted record and checks that its halves belong together.
func Decode(record models.KeyPair) (*KeyPair, error) {
	if record.ID == "" {
		return nil, fmt.Errorf("%w: key pair has no id", ErrKeyPairUnavailable)
	}

	privBlock, _ := pem.Decode([]byte(record.PrivateKeyPEM))
	if privBlock == nil {
		return nil, fmt.Errorf("%w: private key is not PEM encoded", ErrKeyPairUnavailable)
	}
	priv, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse private key: %v", ErrKeyPairUnavailable, err)
	}

	pubBlock, _ := pem.Decode([]byte(record.PublicKeyPEM))
	if pubBlock == nil {
		return nil, fmt.Errorf("%w: public key is not PEM encoded", ErrKeyPairUnavailable)
	}
	parsed, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse public key: %v", ErrKeyPairUnavailable, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not RSA", ErrKeyPairUnavailable)
	}
	if !priv.PublicKey.Equal(pub) {
		return nil, fmt.Errorf("%w: public key does not match private key", ErrKeyPairUnavailable)
	}

	return &KeyPair{
		ID:        record.ID,
		Private:   priv,
		Public:    pub,
		CreatedAt: record.CreatedAt,
	}, nil
}
