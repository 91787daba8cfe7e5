package entitle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/xraph/entitle/cache/memory"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/store"
)

// Engine is the subscription and entitlement engine. It owns no goroutines;
// time-based checks run when the caller invokes SweepSubscriptions.
type Engine struct {
	store      store.Store
	plugins    *plugin.Registry
	logger     *slog.Logger
	clock      Clock
	config     Config
	authorizer Authorizer

	// Feature sets keyed by subscription id.
	features entitlement.Cache

	plans     *expirable.LRU[string, *plan.Plan]
	planGroup singleflight.Group

	subLocks   *keyLock
	usageLocks *keyLock

	skipMigrate bool
}

// New creates an Engine backed by s. The configuration is validated once
// all options have been applied.
func New(s store.Store, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:      s,
		plugins:    plugin.NewRegistry(),
		logger:     slog.Default(),
		clock:      systemClock{},
		config:     DefaultConfig(),
		subLocks:   newKeyLock(),
		usageLocks: newKeyLock(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if err := e.config.Validate(); err != nil {
		return nil, fmt.Errorf("entitle: invalid config: %w", err)
	}

	size := e.config.CacheSize
	if size <= 0 {
		size = DefaultConfig().CacheSize
	}
	e.plans = expirable.NewLRU[string, *plan.Plan](size, nil, e.config.CacheTTL)
	if e.features == nil {
		e.features = memory.New(size, e.config.CacheTTL)
	}

	return e, nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		if err := e.plugins.Register(p); err != nil {
			e.logger.Warn("plugin registration failed", "plugin", p.Name(), "error", err)
		}
	}
}

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.config = cfg }
}

// WithAuthorizer installs the administrator check used by usage overrides,
// resets and suspension. Without one those operations are unrestricted.
func WithAuthorizer(a Authorizer) Option {
	return func(e *Engine) { e.authorizer = a }
}

// WithFeatureCache replaces the in-process feature-set cache, for example
// with the Redis-backed cache shared between replicas.
func WithFeatureCache(c entitlement.Cache) Option {
	return func(e *Engine) { e.features = c }
}

// WithoutMigrate makes Start skip store migrations, for deployments that
// migrate out of band.
func WithoutMigrate() Option {
	return func(e *Engine) { e.skipMigrate = true }
}

// Start migrates the store and initializes plugins.
func (e *Engine) Start(ctx context.Context) error {
	if !e.skipMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
		}
	}

	e.plugins.EmitInit(ctx, e)

	e.logger.Info("entitle started",
		"grace_period_days", e.config.GracePeriodDays,
		"near_limit_threshold", e.config.NearLimitThreshold,
		"cache_ttl", e.config.CacheTTL,
		"plugins", e.plugins.Count(),
	)
	return nil
}

// Stop shuts down plugins and closes the store.
func (e *Engine) Stop(ctx context.Context) error {
	e.plugins.EmitShutdown(ctx)
	e.plans.Purge()
	return e.store.Close()
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() Config { return e.config }

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

func (e *Engine) now() time.Time { return e.clock.Now().UTC() }

// requireAdmin checks the actor stored in ctx when an Authorizer is set.
func (e *Engine) requireAdmin(ctx context.Context, op string) error {
	if e.authorizer == nil {
		return nil
	}
	actor, ok := ActorFrom(ctx)
	if !ok || !e.authorizer.IsAdmin(ctx, actor) {
		e.logger.Warn("admin operation refused", "op", op, "actor", actor)
		return &Error{Op: op, Err: ErrForbidden}
	}
	return nil
}
