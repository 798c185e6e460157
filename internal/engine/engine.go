package engine

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"oidcgate/internal/backchannel"
	"oidcgate/internal/cache"
	"oidcgate/internal/provider"
	"oidcgate/internal/registry"
)

// Config tunes the engine's shared result caches.
type Config struct {
	IntrospectionCacheSize int
	IntrospectionCacheTTL  time.Duration
	UserInfoCacheSize      int
	UserInfoCacheTTL       time.Duration
	CacheSweepInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.IntrospectionCacheSize <= 0 {
		c.IntrospectionCacheSize = 1000
	}
	if c.IntrospectionCacheTTL <= 0 {
		c.IntrospectionCacheTTL = 3 * time.Minute
	}
	if c.UserInfoCacheSize <= 0 {
		c.UserInfoCacheSize = 1000
	}
	if c.UserInfoCacheTTL <= 0 {
		c.UserInfoCacheTTL = 3 * time.Minute
	}
	return c
}

// Engine runs the authentication mechanisms against resolved tenant
// contexts. The introspection and userinfo caches are shared across tenants
// and keyed by the raw credential.
type Engine struct {
	reg *registry.Registry
	log *zap.SugaredLogger

	introCache    *cache.Cache[*provider.Introspection]
	userInfoCache *cache.Cache[map[string]any]
	logoutStore   backchannel.Store

	outcomes *prometheus.CounterVec
}

// SetLogoutStore enables back-channel logout enforcement for code-flow
// sessions.
func (e *Engine) SetLogoutStore(s backchannel.Store) { e.logoutStore = s }

// New builds the engine.
func New(reg *registry.Registry, cfg Config, log *zap.SugaredLogger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		reg:           reg,
		log:           log,
		introCache:    cache.New[*provider.Introspection](cfg.IntrospectionCacheSize, cfg.IntrospectionCacheTTL, cfg.CacheSweepInterval),
		userInfoCache: cache.New[map[string]any](cfg.UserInfoCacheSize, cfg.UserInfoCacheTTL, cfg.CacheSweepInterval),
		outcomes:      outcomeCounter(),
	}
}

// outcomeCounter registers the shared outcome counter, reusing the existing
// collector when several engines live in one process.
func outcomeCounter() *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oidcgate_authentication_outcomes_total",
		Help: "Authentication outcomes per tenant and mechanism.",
	}, []string{"tenant", "mechanism", "outcome"})
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(err)
	}
	return c
}

// Registry exposes the underlying tenant registry.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Close releases the result caches.
func (e *Engine) Close() {
	e.introCache.Close()
	e.userInfoCache.Close()
}

func (e *Engine) countOutcome(tenant, mechanism string, o *Outcome) *Outcome {
	label := "challenge"
	switch {
	case o.Identity != nil:
		label = "authenticated"
	case o.Anonymous:
		label = "anonymous"
	case o.Redirect != nil:
		label = "redirect"
	}
	e.outcomes.WithLabelValues(tenant, mechanism, label).Inc()
	return o
}
