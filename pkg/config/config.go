package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration, loaded from the environment with an
// optional .env overlay. Per-tenant settings live in the tenant store, not
// here.
type Config struct {
	Env      string
	HTTPAddr string

	// Tenant store selection: Postgres when DATABASE_URL is set, otherwise
	// the YAML file, otherwise an empty in-memory store with only env-derived
	// defaults.
	TenantsFile string
	DatabaseURL string

	// Redis backs the shared back-channel logout store when set.
	RedisURL string

	// Shared verification result caches.
	IntrospectionCacheSize int
	IntrospectionCacheTTL  time.Duration
	UserInfoCacheSize      int
	UserInfoCacheTTL       time.Duration

	// Back-channel logout.
	BackchannelPath string
	LogoutMarkerTTL time.Duration
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                    env("OIDCGATE_ENV", "dev"),
		HTTPAddr:               env("OIDCGATE_HTTP_ADDR", ":8080"),
		TenantsFile:            env("TENANTS_FILE", ""),
		DatabaseURL:            env("DATABASE_URL", ""),
		RedisURL:               env("REDIS_URL", ""),
		IntrospectionCacheSize: envInt("INTROSPECTION_CACHE_SIZE", 1000),
		IntrospectionCacheTTL:  envDur("INTROSPECTION_CACHE_TTL_SEC", 180) * time.Second,
		UserInfoCacheSize:      envInt("USERINFO_CACHE_SIZE", 1000),
		UserInfoCacheTTL:       envDur("USERINFO_CACHE_TTL_SEC", 180) * time.Second,
		BackchannelPath:        env("BACKCHANNEL_LOGOUT_PATH", "/back-channel/logout"),
		LogoutMarkerTTL:        envDur("LOGOUT_MARKER_TTL_SEC", 600) * time.Second,
	}
	if cfg.DatabaseURL == "" && cfg.TenantsFile == "" {
		log.Println("[WARN] neither DATABASE_URL nor TENANTS_FILE set, starting with no configured tenants")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i)
		}
	}
	return time.Duration(def)
}
