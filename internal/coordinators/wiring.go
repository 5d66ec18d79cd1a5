package coordinators

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/unklstewy/securelinks/internal/assets"
	"github.com/unklstewy/securelinks/internal/bootstrap"
	"github.com/unklstewy/securelinks/internal/config"
	"github.com/unklstewy/securelinks/internal/engines/keys"
	"github.com/unklstewy/securelinks/internal/engines/links"
	"github.com/unklstewy/securelinks/internal/engines/permissions"
	"github.com/unklstewy/securelinks/internal/engines/tracking"
	"github.com/unklstewy/securelinks/internal/geo"
	"github.com/unklstewy/securelinks/internal/httpapi"
	"github.com/unklstewy/securelinks/internal/ratelimit"
	"github.com/unklstewy/securelinks/internal/store"
	"github.com/unklstewy/securelinks/internal/store/memory"
	"github.com/unklstewy/securelinks/internal/store/postgres"
	"github.com/unklstewy/securelinks/pkg/healthcheck"
	"github.com/unklstewy/securelinks/pkg/mqtt"
	"go.uber.org/zap"
)

// Stores groups the persistence backends.
type Stores struct {
	Links    store.LinkStore
	Rules    store.PermissionStore
	Events   store.TrackingStore
	Settings store.SettingsStore

	pool *pgxpool.Pool
}

// OpenStores connects to the configured backend, applying migrations when
// AutoMigrate is set.
func OpenStores(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Stores, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Storage {
	case config.StorageMemory:
		logger.Warn("Using in-memory storage; state is lost on exit")
		return &Stores{
			Links:    memory.NewLinkStore(),
			Rules:    memory.NewRuleStore(),
			Events:   memory.NewEventStore(),
			Settings: memory.NewSettingsStore(),
		}, nil

	case config.StoragePostgres:
		pool, err := postgres.Connect(ctx, cfg.URL, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := bootstrap.NewMigrationRunner(pool, logger).Run(ctx); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return &Stores{
			Links:    postgres.NewLinkStore(pool),
			Rules:    postgres.NewRuleStore(pool),
			Events:   postgres.NewEventStore(pool),
			Settings: postgres.NewSettingsStore(pool),
			pool:     pool,
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}
}

// Checker returns the database health checker, or nil for memory storage.
func (s *Stores) Checker() healthcheck.Checker {
	if s.pool == nil {
		return nil
	}
	return postgres.NewPoolChecker(s.pool)
}

// Close releases the connection pool.
func (s *Stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Engines groups the domain engines.
type Engines struct {
	Keys        *keys.Store
	Links       *links.Engine
	Permissions *permissions.Engine
	Tracking    *tracking.Engine
}

// NewEngines builds the engines over st. publisher may be nil.
func NewEngines(cfg *config.Config, st *Stores, publisher tracking.EventPublisher, logger *zap.Logger) (*Engines, error) {
	table, err := geo.NewTable(cfg.Tracking.GeoTable)
	if err != nil {
		return nil, fmt.Errorf("invalid geo table: %w", err)
	}

	keyStore := keys.NewStore(st.Settings, logger,
		keys.WithKeyBits(cfg.Links.KeyBits),
		keys.WithMaxAge(cfg.Links.KeyRefreshInterval))

	trackingOpts := []tracking.Option{tracking.WithGeoResolver(table)}
	if publisher != nil {
		trackingOpts = append(trackingOpts, tracking.WithPublisher(publisher))
	}

	return &Engines{
		Keys: keyStore,
		Links: links.NewEngine(st.Links, keyStore, links.Config{
			BaseURL:       cfg.Server.BaseURL,
			DefaultExpiry: cfg.Links.DefaultExpiry,
		}, logger),
		Permissions: permissions.NewEngine(st.Rules, st.Events, permissions.Config{
			WhitelistOnly:       cfg.Permissions.WhitelistOnly,
			SuggestionThreshold: cfg.Permissions.SuggestionThreshold,
			SuggestionWindow:    cfg.Permissions.SuggestionWindow,
		}, logger),
		Tracking: tracking.NewEngine(st.Events, st.Links, logger, trackingOpts...),
	}, nil
}

// NewAssetResolver picks the configured asset backend.
func NewAssetResolver(ctx context.Context, cfg config.AssetsConfig) (assets.Resolver, error) {
	switch cfg.Backend {
	case config.AssetsFilesystem:
		return assets.NewFileSystem(cfg.Root), nil
	case config.AssetsS3:
		return assets.NewS3(ctx, assets.S3Config{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Prefix:       cfg.S3.Prefix,
			BaseEndpoint: cfg.S3.BaseEndpoint,
			AccessKey:    cfg.S3.AccessKey,
			SecretKey:    cfg.S3.SecretKey,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown assets backend %q", cfg.Backend)
	}
}

// Build assembles the media coordinator and everything behind it. The
// returned coordinator owns the stores and closes them on Stop.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*MediaCoordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var bus Bus
	if cfg.MQTT.BrokerURL != "" {
		client, err := NewMQTTClient(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create MQTT client: %w", err)
		}
		bus = client
	} else {
		logger.Info("MQTT broker not configured; bus events disabled")
	}

	health := healthcheck.NewEngine(logger, 3*time.Second)
	base := NewBaseCoordinator(mqtt.CoordinatorMedia, bus, health, logger)

	st, err := OpenStores(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	base.RegisterShutdownFunc(func(context.Context) error {
		st.Close()
		return nil
	})
	if checker := st.Checker(); checker != nil {
		health.Register(checker)
	}

	engines, err := NewEngines(cfg, st, ViolationPublisher{Base: base}, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	health.Register(engines.Keys)

	resolver, err := NewAssetResolver(ctx, cfg.Assets)
	if err != nil {
		st.Close()
		return nil, err
	}
	health.Register(healthcheck.Func{ComponentName: "assets", Probe: resolver.Check})

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RedisAddr != "" {
			redisLimiter, err := ratelimit.NewRedis(ratelimit.RedisConfig{
				Addr:     cfg.RateLimit.RedisAddr,
				Password: cfg.RateLimit.RedisPassword,
				DB:       cfg.RateLimit.RedisDB,
			})
			if err != nil {
				st.Close()
				return nil, err
			}
			base.RegisterShutdownFunc(func(context.Context) error { return redisLimiter.Close() })
			health.Register(healthcheck.Func{ComponentName: "redis", Probe: redisLimiter.Check, Degrade: true})
			limiter = redisLimiter
		} else {
			limiter = ratelimit.NewMemory(ratelimit.MemoryConfig{MaxKeys: cfg.RateLimit.MaxKeys})
		}
	}

	if client, ok := bus.(*mqtt.Client); ok {
		health.Register(client)
	}

	var auth *httpapi.Authenticator
	if cfg.Admin.Enabled() {
		auth, err = httpapi.NewAuthenticator(httpapi.AuthConfig{
			Username:      cfg.Admin.Username,
			PasswordHash:  cfg.Admin.PasswordHash,
			JWTSecret:     cfg.Admin.JWTSecret,
			TokenDuration: cfg.Admin.TokenDuration,
		}, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	rateLimitRequests := 0
	if limiter != nil {
		rateLimitRequests = cfg.RateLimit.Requests
	}
	server, err := httpapi.NewServer(httpapi.Config{
		ListenAddress:     cfg.Server.ListenAddress,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		TrustedProxies:    cfg.Server.TrustedProxies,
		RateLimitRequests: rateLimitRequests,
		RateLimitWindow:   cfg.RateLimit.Window,
		Debug:             cfg.Logging.Level == "debug",
	}, httpapi.Deps{
		Links:       engines.Links,
		Permissions: engines.Permissions,
		Tracking:    engines.Tracking,
		Keys:        engines.Keys,
		Assets:      resolver,
		Health:      health,
		Limiter:     limiter,
		Auth:        auth,
	}, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	return NewMediaCoordinator(base, MediaConfig{
		RetentionDays:      cfg.Tracking.RetentionDays,
		CleanupInterval:    cfg.Tracking.CleanupInterval,
		SuggestionInterval: cfg.Permissions.SuggestionInterval,
		HealthInterval:     cfg.MQTT.HealthInterval,
	}, engines.Links, engines.Permissions, engines.Tracking, server), nil
}
