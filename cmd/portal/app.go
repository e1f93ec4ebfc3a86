package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/config"
	"github.com/ehr/portal/internal/domain/identity"
	"github.com/ehr/portal/internal/domain/provisioning"
	"github.com/ehr/portal/internal/domain/role"
	"github.com/ehr/portal/internal/domain/session"
	"github.com/ehr/portal/internal/platform/baas"
	"github.com/ehr/portal/internal/platform/db"
	"github.com/ehr/portal/internal/platform/lockout"
	"github.com/ehr/portal/internal/platform/metrics"
	redisx "github.com/ehr/portal/internal/platform/redis"
	"github.com/ehr/portal/internal/platform/tokencache"
)

const autoRefreshInterval = 30 * time.Second

// app holds the wired dependencies shared by every command.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	client   baas.Client
	http     *baas.HTTPClient
	pool     *pgxpool.Pool
	redis    *redisx.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	profiles identity.ProfileRepository
	resolver *role.Resolver
	store    *session.Store
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// loadConfig reads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp connects the optional stores and builds the session store. The
// store is not started.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	var err error
	if a.redis, err = redisx.New(ctx, cfg.RedisURL); err != nil {
		return nil, err
	}
	if cfg.DatabaseURL != "" {
		a.pool, err = db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect database: %w", err)
		}
	}

	if err := a.buildBackend(); err != nil {
		a.Close()
		return nil, err
	}

	var rpc role.RPCCaller = a.client
	a.profiles = identity.NewProfileRepoBaaS(a.client)
	if a.pool != nil {
		rpc = db.NewFunctions(a.pool)
		a.profiles = identity.NewProfileRepoPG(a.pool)
	}

	a.resolver = role.NewResolver(
		role.DefaultStrategies(rpc, a.profiles, logger),
		logger,
		role.WithTimeout(cfg.RoleResolveTimeout),
		role.WithRecorder(a.metrics),
	)

	guard := provisioning.NewGuard(a.profiles, logger,
		provisioning.WithGraceDelay(cfg.ProvisionGraceDelay),
		provisioning.WithPollAttempts(cfg.ProvisionPollAttempts),
		provisioning.WithRecorder(a.metrics),
	)

	opts := []session.Option{
		session.WithProvisioner(guard),
		session.WithRecorder(a.metrics),
		session.WithSettleDelay(cfg.SignOutSettleDelay),
	}
	if cfg.LockoutEnabled {
		opts = append(opts, session.WithLoginGuard(a.lockoutTracker()))
	}
	a.store = session.NewStore(a.client, a.resolver, logger, opts...)
	return a, nil
}

func (a *app) buildBackend() error {
	if a.cfg.Backend == config.BackendMemory {
		a.logger.Warn().Msg("using the in-memory identity provider; accounts are lost on exit")
		a.client = baas.NewMemoryBackend(a.logger)
		return nil
	}

	storage, err := a.sessionStorage()
	if err != nil {
		return err
	}
	a.http = baas.NewHTTPClient(a.cfg.BaaSURL, a.cfg.BaaSAnonKey, a.logger, baas.WithSessionStorage(storage))
	a.client = a.http
	return nil
}

// sessionStorage persists tokens in Redis when configured, else in a file
// under the user config dir.
func (a *app) sessionStorage() (baas.SessionStorage, error) {
	if a.redis != nil {
		return tokencache.NewRedis(a.redis.Client, a.cfg.SessionStorageKey, tokencache.DefaultTTL), nil
	}
	path, err := tokencache.DefaultFilePath(a.cfg.SessionStorageKey)
	if err != nil {
		return nil, fmt.Errorf("resolve session cache path: %w", err)
	}
	return tokencache.NewFile(path), nil
}

func (a *app) lockoutTracker() *lockout.Tracker {
	var store lockout.Store = lockout.NewMemoryStore()
	if a.redis != nil {
		store = lockout.NewRedisStore(a.redis.Client)
	}
	return lockout.NewTracker(store, lockout.Config{
		MaxAttempts:  a.cfg.LockoutMaxAttempts,
		Window:       a.cfg.LockoutWindow,
		LockDuration: a.cfg.LockoutDuration,
	}, a.logger, lockout.WithRecorder(a.metrics))
}

// start restores any persisted session and, for the hosted provider, keeps
// its tokens fresh until ctx is done.
func (a *app) start(ctx context.Context) error {
	if a.http != nil {
		a.http.StartAutoRefresh(ctx, autoRefreshInterval)
	}
	return a.store.Start(ctx)
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

// withApp loads config, builds the app for a CLI command and tears it down
// afterwards. Command logs go to stderr.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, newLogger(cfg, os.Stderr))
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.start(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}
