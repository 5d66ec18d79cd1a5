package links

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unklstewy/securelinks/internal/engines/keys"
	"github.com/unklstewy/securelinks/internal/models"
	"github.com/unklstewy/securelinks/internal/store"
	"github.com/unklstewy/securelinks/internal/store/memory"
	"go.uber.org/zap"
)

var (
	testKeyOnce sync.Once
	testKey     *keys.KeyPair
)

// staticKeys serves a fixed key pair, or err when set.
type staticKeys struct {
	kp  *keys.KeyPair
	err error
}

func (s *staticKeys) Get(context.Context) (*keys.KeyPair, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.kp, nil
}

func (s *staticKeys) Lookup(ctx context.Context, _ string) (*keys.KeyPair, error) {
	return s.Get(ctx)
}

func sharedKey(t *testing.T) *keys.KeyPair {
	t.Helper()
	testKeyOnce.Do(func() {
		record, err := keys.Generate(1024, time.Now())
		if err != nil {
			panic(err)
		}
		testKey, err = keys.Decode(record)
		if err != nil {
			panic(err)
		}
	})
	return testKey
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	engine *Engine
	links  *memory.LinkStore
	keys   *staticKeys
	clock  *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		links: memory.NewLinkStore(),
		keys:  &staticKeys{kp: sharedKey(t)},
		clock: &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.engine = NewEngine(f.links, f.keys, Config{BaseURL: "https://media.example.com/"}, zap.NewNop(), WithClock(f.clock.Now))
	return f
}

// params pulls the signed query parameters out of a generated URL.
func params(t *testing.T, raw string) (hash, sig, expires, keyID string) {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	hash = parts[len(parts)-1]
	q := u.Query()
	return hash, q.Get("Signature"), q.Get("Expires"), q.Get("Key-Pair-Id")
}

func TestGenerateAndVerify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	gen, err := f.engine.GenerateLink(ctx, 42, 7, nil)
	require.NoError(t, err)
	assert.False(t, gen.Reused)
	assert.Len(t, gen.Link.Hash, 64)

	urlPattern := regexp.MustCompile(`^https://media\.example\.com/media/42/7/[0-9a-f]{64}/\?Signature=[A-Za-z0-9\-_~]+&Expires=\d+&Key-Pair-Id=K[0-9A-F]{20}$`)
	assert.Regexp(t, urlPattern, gen.URL)
	assert.True(t, strings.HasPrefix(gen.ShortURL, "https://media.example.com/download/"+gen.Link.Hash+"/?Signature="))

	hash, sig, expires, keyID := params(t, gen.URL)
	link, err := f.engine.VerifyLink(ctx, hash, sig, expires, keyID)
	require.NoError(t, err)
	assert.Equal(t, gen.Link.ID, link.ID)

	// the short form carries the same signature
	shortHash, shortSig, shortExp, shortKey := params(t, gen.ShortURL)
	_, err = f.engine.VerifyLink(ctx, shortHash, shortSig, shortExp, shortKey)
	require.NoError(t, err)
}

func TestVerifyRejectsTampering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	gen, err := f.engine.GenerateLink(ctx, 1, 0, nil)
	require.NoError(t, err)
	hash, sig, expires, keyID := params(t, gen.URL)

	other, err := f.engine.GenerateLink(ctx, 2, 0, nil)
	require.NoError(t, err)
	_, otherSig, otherExp, _ := params(t, other.URL)

	tests := []struct {
		name    string
		hash    string
		sig     string
		expires string
		keyID   string
		want    error
		viol    models.Violation
	}{
		{"unknown hash", strings.Repeat("0", 64), sig, expires, keyID, ErrLinkNotFound, models.ViolationLinkNotFound},
		{"empty hash", "", sig, expires, keyID, ErrLinkNotFound, models.ViolationLinkNotFound},
		{"wrong key pair id", hash, sig, expires, "KDEADBEEF", ErrInvalidKeyPair, models.ViolationInvalidKeyPair},
		{"expires pushed forward", hash, sig, "9999999999", keyID, ErrInvalidSignature, models.ViolationInvalidSignature},
		{"expires not a number", hash, sig, "soon", keyID, ErrInvalidSignature, models.ViolationInvalidSignature},
		{"signature from another link", hash, otherSig, otherExp, keyID, ErrInvalidSignature, models.ViolationInvalidSignature},
		{"garbled signature", hash, "!!!", expires, keyID, ErrInvalidSignature, models.ViolationInvalidSignature},
		{"truncated signature", hash, sig[:len(sig)-4], expires, keyID, ErrInvalidSignature, models.ViolationInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.VerifyLink(ctx, tt.hash, tt.sig, tt.expires, tt.keyID)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.viol, Classify(err))
		})
	}
}

func TestVerifyExpiry(t *testing.T) {
	ctx := context.Background()

	t.Run("presented expiry in the past", func(t *testing.T) {
		f := newFixture(t)
		exp := f.clock.Now().Add(42 * time.Second)
		gen, err := f.engine.GenerateLink(ctx, 1, 1, &exp)
		require.NoError(t, err)

		hash, sig, expires, keyID := params(t, gen.URL)
		_, err = f.engine.VerifyLink(ctx, hash, sig, expires, keyID)
		require.NoError(t, err)

		f.clock.Advance(43 * time.Second)
		_, err = f.engine.VerifyLink(ctx, hash, sig, expires, keyID)
		assert.ErrorIs(t, err, ErrExpired)

		var verr *VerificationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, gen.Link.ID, verr.Link.ID)
	})

	t.Run("stored expiry wins over a forged future expiry", func(t *testing.T) {
		f := newFixture(t)
		exp := f.clock.Now().Add(time.Minute)
		gen, err := f.engine.GenerateLink(ctx, 1, 1, &exp)
		require.NoError(t, err)
		hash, sig, _, keyID := params(t, gen.URL)

		f.clock.Advance(2 * time.Minute)
		_, err = f.engine.VerifyLink(ctx, hash, sig, "9999999999", keyID)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("rejects expiry that is not in the future", func(t *testing.T) {
		f := newFixture(t)
		past := f.clock.Now().Add(-time.Second)
		_, err := f.engine.GenerateLink(ctx, 1, 1, &past)
		var genErr *GenerationError
		require.True(t, errors.As(err, &genErr))
		assert.ErrorIs(t, err, ErrInvalidExpiry)
	})
}

func TestVerifyInactive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	gen, err := f.engine.GenerateLink(ctx, 5, 0, nil)
	require.NoError(t, err)
	require.NoError(t, f.engine.SetActive(ctx, gen.Link.ID, false))

	hash, sig, expires, keyID := params(t, gen.URL)
	_, err = f.engine.VerifyLink(ctx, hash, sig, expires, keyID)
	assert.ErrorIs(t, err, ErrLinkInactive)
	assert.Equal(t, models.ViolationLinkInactive, Classify(err))
}

func TestVerifyAfterRotation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	gen, err := f.engine.GenerateLink(ctx, 5, 0, nil)
	require.NoError(t, err)

	record, err := keys.Generate(1024, time.Now())
	require.NoError(t, err)
	rotated, err := keys.Decode(record)
	require.NoError(t, err)
	f.keys.kp = rotated

	hash, sig, expires, keyID := params(t, gen.URL)
	_, err = f.engine.VerifyLink(ctx, hash, sig, expires, keyID)
	assert.ErrorIs(t, err, ErrInvalidKeyPair)
	f.keys.kp = sharedKey(t)
}

func TestGenerateReusePolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("default expiry reuses the active row", func(t *testing.T) {
		f := newFixture(t)
		first, err := f.engine.GenerateLink(ctx, 3, 1, nil)
		require.NoError(t, err)

		f.clock.Advance(time.Hour)
		second, err := f.engine.GenerateLink(ctx, 3, 1, nil)
		require.NoError(t, err)
		assert.True(t, second.Reused)
		assert.Equal(t, first.Link.ID, second.Link.ID)
		assert.Equal(t, first.Expires, second.Expires)
	})

	t.Run("longer explicit expiry creates a new row", func(t *testing.T) {
		f := newFixture(t)
		short := f.clock.Now().Add(time.Hour)
		first, err := f.engine.GenerateLink(ctx, 3, 1, &short)
		require.NoError(t, err)

		long := f.clock.Now().Add(48 * time.Hour)
		second, err := f.engine.GenerateLink(ctx, 3, 1, &long)
		require.NoError(t, err)
		assert.False(t, second.Reused)
		assert.NotEqual(t, first.Link.ID, second.Link.ID)

		// a shorter request reuses the longer-lived row and signs the shorter expiry
		third, err := f.engine.GenerateLink(ctx, 3, 1, &short)
		require.NoError(t, err)
		assert.True(t, third.Reused)
		assert.Equal(t, second.Link.ID, third.Link.ID)
		assert.Equal(t, short.Unix(), third.Expires)
	})

	t.Run("regenerate deactivates older rows", func(t *testing.T) {
		f := newFixture(t)
		first, err := f.engine.GenerateLink(ctx, 9, 2, nil)
		require.NoError(t, err)

		fresh, err := f.engine.Regenerate(ctx, 9, 2, nil)
		require.NoError(t, err)
		assert.NotEqual(t, first.Link.ID, fresh.Link.ID)

		old, err := f.links.GetByID(ctx, first.Link.ID)
		require.NoError(t, err)
		assert.False(t, old.Active)

		hash, sig, expires, keyID := params(t, first.URL)
		_, err = f.engine.VerifyLink(ctx, hash, sig, expires, keyID)
		assert.ErrorIs(t, err, ErrLinkInactive)
	})
}

func TestBulkGenerate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var pairs []MediaFormat
	for _, media := range []int64{1, 2, 3} {
		for _, format := range []int64{0, 1} {
			pairs = append(pairs, MediaFormat{MediaID: media, FormatID: format})
		}
	}

	generated, err := f.engine.BulkGenerate(ctx, pairs, nil)
	require.NoError(t, err)
	assert.Len(t, generated, 6)

	_, total, err := f.links.List(ctx, store.LinkFilter{})
	require.NoError(t, err)
	assert.Equal(t, 6, total)

	again, err := f.engine.BulkGenerate(ctx, pairs, nil)
	require.NoError(t, err)
	for _, g := range again {
		assert.True(t, g.Reused)
	}
	_, total, err = f.links.List(ctx, store.LinkFilter{})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
}

func TestGenerateKeyUnavailable(t *testing.T) {
	f := newFixture(t)
	f.keys.err = keys.ErrKeyPairUnavailable

	_, err := f.engine.GenerateLink(context.Background(), 1, 1, nil)
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	assert.ErrorIs(t, err, ErrKeyPairUnavailable)
	assert.Equal(t, int64(1), genErr.MediaID)
}

func TestSignatureEncoding(t *testing.T) {
	raw := []byte{0xfb, 0xff, 0xfe, 0x00, 0x10}
	encoded := EncodeSignature(raw)
	assert.NotContains(t, encoded, "+")
	assert.NotContains(t, encoded, "/")
	assert.NotContains(t, encoded, "=")

	decoded, err := DecodeSignature(encoded)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestCannedPolicy(t *testing.T) {
	policy := CannedPolicy("/media/1/0/abc/", 1700000000)
	assert.Equal(t,
		`{"Statement":[{"Resource":"/media/1/0/abc/","Condition":{"DateLessThan":{"AWS:EpochTime":1700000000}}}]}`,
		string(policy))
}
