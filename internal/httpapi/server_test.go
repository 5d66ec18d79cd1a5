package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unklstewy/securelinks/internal/assets"
	"github.com/unklstewy/securelinks/internal/engines/keys"
	"github.com/unklstewy/securelinks/internal/engines/links"
	"github.com/unklstewy/securelinks/internal/engines/permissions"
	"github.com/unklstewy/securelinks/internal/engines/tracking"
	"github.com/unklstewy/securelinks/internal/models"
	"github.com/unklstewy/securelinks/internal/ratelimit"
	"github.com/unklstewy/securelinks/internal/store/memory"
	"github.com/unklstewy/securelinks/pkg/healthcheck"
	"golang.org/x/crypto/bcrypt"
)

const (
	baseURL       = "http://media.test"
	adminPassword = "correct horse battery staple"
	jwtSecret     = "0123456789abcdef0123456789abcdef"
)

type fixture struct {
	server *Server
	links  *memory.LinkStore
	rules  *memory.RuleStore
	events *memory.EventStore
	linkEn *links.Engine
	permEn *permissions.Engine
}

type fixtureOpts struct {
	limiter        ratelimit.Limiter
	rateLimit      int
	trustedProxies []string
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "7", "original"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "7", "original", "song.pdf"), []byte("media bytes"), 0o644))

	f := &fixture{
		links:  memory.NewLinkStore(),
		rules:  memory.NewRuleStore(),
		events: memory.NewEventStore(),
	}
	keyStore := keys.NewStore(memory.NewSettingsStore(), nil, keys.WithKeyBits(1024))
	f.linkEn = links.NewEngine(f.links, keyStore, links.Config{BaseURL: baseURL, DefaultExpiry: time.Hour}, nil)
	f.permEn = permissions.NewEngine(f.rules, f.events, permissions.Config{}, nil)
	trackEn := tracking.NewEngine(f.events, f.links, nil)

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
	require.NoError(t, err)
	auth, err := NewAuthenticator(AuthConfig{Username: "admin", PasswordHash: string(hash), JWTSecret: jwtSecret}, nil)
	require.NoError(t, err)

	health := healthcheck.NewEngine(nil, time.Second)
	health.Register(keyStore)

	f.server, err = NewServer(Config{
		RateLimitRequests: opts.rateLimit,
		RateLimitWindow:   time.Minute,
		TrustedProxies:    opts.trustedProxies,
	}, Deps{
		Links:       f.linkEn,
		Permissions: f.permEn,
		Tracking:    trackEn,
		Keys:        keyStore,
		Assets:      assets.NewFileSystem(root),
		Health:      health,
		Limiter:     opts.limiter,
		Auth:        auth,
	}, nil)
	require.NoError(t, err)
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) generate(t *testing.T, mediaID, formatID int64) *links.GeneratedLink {
	t.Helper()
	gen, err := f.linkEn.GenerateLink(context.Background(), mediaID, formatID, nil)
	require.NoError(t, err)
	return gen
}

func (f *fixture) lastEvent(t *testing.T) models.AccessEvent {
	t.Helper()
	all := f.events.All()
	require.NotEmpty(t, all)
	return all[len(all)-1]
}

func path(u string) string {
	return strings.TrimPrefix(u, baseURL)
}

func TestMediaServe(t *testing.T) {
	ctx := context.Background()

	t.Run("valid link streams the asset", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		gen := f.generate(t, 7, 0)

		w := f.do(t, http.MethodGet, path(gen.URL), nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "media bytes", w.Body.String())
		assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")

		require.Len(t, f.events.All(), 1)
		ev := f.lastEvent(t)
		assert.True(t, ev.Authorized)
		require.NotNil(t, ev.LinkID)
		assert.Equal(t, gen.Link.ID, *ev.LinkID)

		link, err := f.links.GetByID(ctx, gen.Link.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), link.DownloadCount)
	})

	t.Run("short link and copy action", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		gen := f.generate(t, 7, 0)

		w := f.do(t, http.MethodGet, path(gen.ShortURL)+"&action=copy", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)

		link, err := f.links.GetByID(ctx, gen.Link.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), link.CopyCount)
		assert.Zero(t, link.DownloadCount)
	})

	t.Run("view is inline and not counted", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		gen := f.generate(t, 7, 0)

		w := f.do(t, http.MethodGet, path(gen.URL)+"&action=view", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Disposition"), "inline")

		link, err := f.links.GetByID(ctx, gen.Link.ID)
		require.NoError(t, err)
		assert.Zero(t, link.DownloadCount)
		assert.Equal(t, models.ActionView, f.lastEvent(t).Action)
	})

	t.Run("referer becomes the normalised domain", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		gen := f.generate(t, 7, 0)

		w := f.do(t, http.MethodGet, path(gen.URL), nil, http.Header{"Referer": {"https://www.Blog.Example.com/post/1"}})
		require.Equal(t, http.StatusOK, w.Code)
		ev := f.lastEvent(t)
		assert.Equal(t, "blog.example.com", ev.Domain)
		assert.Equal(t, "https://www.Blog.Example.com/post/1", ev.Referrer)
	})
}

func TestMediaGeoHeaders(t *testing.T) {
	edge := http.Header{"Cf-Ipcountry": {"de"}, "Cf-Ipcity": {"Berlin"}}

	t.Run("ignored from an untrusted peer", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		gen := f.generate(t, 7, 0)

		w := f.do(t, http.MethodGet, path(gen.URL), nil, edge)
		require.Equal(t, http.StatusOK, w.Code)
		ev := f.lastEvent(t)
		assert.Empty(t, ev.Country)
		assert.Empty(t, ev.City)
	})

	t.Run("used from a trusted proxy", func(t *testing.T) {
		// httptest requests come from 192.0.2.1
		f := newFixture(t, fixtureOpts{trustedProxies: []string{"192.0.2.0/24"}})
		gen := f.generate(t, 7, 0)

		w := f.do(t, http.MethodGet, path(gen.URL), nil, edge)
		require.Equal(t, http.StatusOK, w.Code)
		ev := f.lastEvent(t)
		assert.Equal(t, "DE", ev.Country)
		assert.Equal(t, "Berlin", ev.City)
	})
}

func TestMediaRejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		prepare   func(t *testing.T, f *fixture, gen *links.GeneratedLink) string
		status    int
		violation models.Violation
		hasLink   bool
	}{
		{
			name: "unknown hash",
			prepare: func(_ *testing.T, _ *fixture, gen *links.GeneratedLink) string {
				return strings.Replace(path(gen.ShortURL), gen.Link.Hash, strings.Repeat("0", 64), 1)
			},
			status:    http.StatusNotFound,
			violation: models.ViolationLinkNotFound,
		},
		{
			name: "tampered signature",
			prepare: func(_ *testing.T, _ *fixture, gen *links.GeneratedLink) string {
				return strings.Replace(path(gen.URL), "Signature=", "Signature=AAAA", 1)
			},
			status:    http.StatusForbidden,
			violation: models.ViolationInvalidSignature,
			hasLink:   true,
		},
		{
			name: "wrong key pair id",
			prepare: func(_ *testing.T, _ *fixture, gen *links.GeneratedLink) string {
				return strings.Replace(path(gen.URL), "Key-Pair-Id="+gen.KeyPairID, "Key-Pair-Id=KDEADBEEF", 1)
			},
			status:    http.StatusForbidden,
			violation: models.ViolationInvalidKeyPair,
			hasLink:   true,
		},
		{
			name: "deactivated link",
			prepare: func(t *testing.T, f *fixture, gen *links.GeneratedLink) string {
				require.NoError(t, f.linkEn.SetActive(ctx, gen.Link.ID, false))
				return path(gen.URL)
			},
			status:    http.StatusForbidden,
			violation: models.ViolationLinkInactive,
			hasLink:   true,
		},
		{
			name: "path names another media",
			prepare: func(_ *testing.T, _ *fixture, gen *links.GeneratedLink) string {
				return strings.Replace(path(gen.URL), "/media/7/0/", "/media/8/0/", 1)
			},
			status:    http.StatusForbidden,
			violation: models.ViolationInvalidSignature,
			hasLink:   true,
		},
		{
			name: "blacklisted ip",
			prepare: func(t *testing.T, f *fixture, gen *links.GeneratedLink) string {
				require.NoError(t, f.permEn.CreateRule(ctx, &models.PermissionRule{
					SubjectType: models.SubjectIP,
					Value:       "192.0.2.0/24",
					RuleType:    models.RuleBlacklist,
					Actions:     []models.ActionKind{models.ActionDownload},
					Active:      true,
				}))
				return path(gen.URL)
			},
			status:    http.StatusForbidden,
			violation: models.ViolationPermissionDenied,
			hasLink:   true,
		},
		{
			name: "missing asset",
			prepare: func(t *testing.T, f *fixture, _ *links.GeneratedLink) string {
				return path(f.generate(t, 9, 2).URL)
			},
			status:    http.StatusNotFound,
			violation: models.ViolationAssetNotFound,
			hasLink:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOpts{})
			gen := f.generate(t, 7, 0)
			target := tt.prepare(t, f, gen)

			w := f.do(t, http.MethodGet, target, nil, nil)
			assert.Equal(t, tt.status, w.Code)
			assert.NotContains(t, w.Body.String(), string(tt.violation), "body must not reveal the cause")

			require.Len(t, f.events.All(), 1)
			ev := f.lastEvent(t)
			assert.False(t, ev.Authorized)
			assert.Equal(t, tt.violation, ev.Violation)
			assert.Equal(t, tt.hasLink, ev.LinkID != nil)

			link, err := f.links.GetByID(ctx, gen.Link.ID)
			require.NoError(t, err)
			assert.Zero(t, link.DownloadCount)
		})
	}
}

func TestMediaRateLimit(t *testing.T) {
	f := newFixture(t, fixtureOpts{limiter: ratelimit.NewMemory(ratelimit.MemoryConfig{}), rateLimit: 1})
	gen := f.generate(t, 7, 0)

	w := f.do(t, http.MethodGet, path(gen.URL), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, path(gen.URL), nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	require.Len(t, f.events.All(), 2)
	assert.Equal(t, models.ViolationRateLimited, f.lastEvent(t).Violation)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	w := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "signing_keys")
}

func login(t *testing.T, f *fixture) http.Header {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/auth/login", models.AuthRequest{Username: "admin", Password: adminPassword}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.AuthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return http.Header{"Authorization": {"Bearer " + resp.Token}}
}

func TestAdminAuth(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	w := f.do(t, http.MethodPost, "/api/v1/auth/login", models.AuthRequest{Username: "admin", Password: "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/rules", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/rules", nil, http.Header{"Authorization": {"Bearer garbage"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/rules", nil, login(t, f))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRules(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	auth := login(t, f)

	rule := models.PermissionRule{
		SubjectType: models.SubjectDomain,
		Value:       "Leech.Example",
		RuleType:    models.RuleBlacklist,
		Actions:     []models.ActionKind{models.ActionDownload, models.ActionCopy},
		Active:      true,
	}
	w := f.do(t, http.MethodPost, "/api/v1/rules", rule, auth)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created models.PermissionRule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "leech.example", created.Value)

	w = f.do(t, http.MethodPost, "/api/v1/rules/check", models.PermissionCheckRequest{
		ClientIP: "198.51.100.4", Domain: "cdn.leech.example", Action: models.ActionDownload,
	}, auth)
	require.Equal(t, http.StatusOK, w.Code)
	var check models.PermissionCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &check))
	assert.False(t, check.Authorized)

	w = f.do(t, http.MethodPost, "/api/v1/rules", models.PermissionRule{SubjectType: models.SubjectIP, Value: "not-an-ip",
		RuleType: models.RuleBlacklist, Actions: []models.ActionKind{models.ActionView}}, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/rules/9999", nil, auth)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/rules/"+itoa(created.ID), nil, auth)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestAdminLinks(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	auth := login(t, f)

	w := f.do(t, http.MethodPost, "/api/v1/links", models.GenerateLinkRequest{MediaID: 7}, auth)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first models.LinkResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.True(t, strings.HasPrefix(first.URL, baseURL+"/media/7/0/"))

	w = f.do(t, http.MethodPost, "/api/v1/links", models.GenerateLinkRequest{MediaID: 7}, auth)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/links/bulk", models.BulkGenerateRequest{MediaIDs: []int64{1, 2}, FormatIDs: []int64{0, 3, 4}}, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":6`)

	w = f.do(t, http.MethodPost, "/api/v1/links/"+itoa(first.Link.ID)+"/regenerate", nil, auth)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/api/v1/links/"+itoa(first.Link.ID), nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.LinkResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.False(t, got.Link.Active, "regenerate deactivates the old row")

	w = f.do(t, http.MethodGet, "/api/v1/links?media_id=7&active=true", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":1`)

	w = f.do(t, http.MethodGet, "/api/v1/links?media_id=abc", nil, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodDelete, "/api/v1/links/"+itoa(first.Link.ID), nil, auth)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(t, http.MethodPost, "/api/v1/links/"+itoa(first.Link.ID)+"/activate", nil, auth)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminTrackingAndSuggestions(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	auth := login(t, f)
	gen := f.generate(t, 7, 0)

	bad := strings.Replace(path(gen.URL), "Signature=", "Signature=AAAA", 1)
	for i := 0; i < 11; i++ {
		f.do(t, http.MethodGet, bad, nil, nil)
	}
	f.do(t, http.MethodGet, path(gen.URL), nil, nil)

	w := f.do(t, http.MethodGet, "/api/v1/tracking/stats", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	var stats tracking.GlobalStatistics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(12), stats.TotalEvents)
	assert.Equal(t, int64(1), stats.Authorized)

	w = f.do(t, http.MethodGet, "/api/v1/tracking?authorized=false&per_page=5", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":11`)

	w = f.do(t, http.MethodGet, "/api/v1/tracking/chart?metric=bogus", nil, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/tracking/export?format=csv", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 13, strings.Count(w.Body.String(), "\n"))

	w = f.do(t, http.MethodGet, "/api/v1/suggestions", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	var suggestions struct {
		Suggestions []models.Suggestion `json:"suggestions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &suggestions))
	require.Len(t, suggestions.Suggestions, 1)
	assert.Equal(t, "192.0.2.1", suggestions.Suggestions[0].Value)

	w = f.do(t, http.MethodPost, "/api/v1/suggestions/apply-all", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"created":1`)

	w = f.do(t, http.MethodPost, "/api/v1/tracking/cleanup", models.CleanupRequest{RetentionDays: 0}, auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(t, http.MethodPost, "/api/v1/tracking/cleanup", models.CleanupRequest{RetentionDays: 30}, auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":0}`, w.Body.String())
}

func TestAdminKeys(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	auth := login(t, f)
	gen := f.generate(t, 7, 0)

	w := f.do(t, http.MethodGet, "/api/v1/keys", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	var key keyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &key))
	assert.Equal(t, gen.KeyPairID, key.ID)
	assert.Contains(t, key.PublicKey, "BEGIN PUBLIC KEY")

	w = f.do(t, http.MethodPost, "/api/v1/keys/rotate", nil, auth)
	require.Equal(t, http.StatusOK, w.Code)
	var rotated keyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rotated))
	assert.NotEqual(t, key.ID, rotated.ID)

	w = f.do(t, http.MethodGet, path(gen.URL), nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "links signed by the old key stop verifying")
	assert.Equal(t, models.ViolationInvalidKeyPair, f.lastEvent(t).Violation)
}

func TestAdminDisabledWithoutAuth(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	deps := f.server.deps
	deps.Auth = nil
	s, err := NewServer(Config{}, deps, nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
