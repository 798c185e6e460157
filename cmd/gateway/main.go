// cmd/gateway/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"oidcgate/internal/backchannel"
	"oidcgate/internal/engine"
	"oidcgate/internal/registry"
	"oidcgate/pkg/config"
	"oidcgate/pkg/db"
	"oidcgate/pkg/identity"
	"oidcgate/pkg/logger"
	"oidcgate/pkg/middleware"
	"oidcgate/pkg/tenants"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)

	pool := db.MustConnect(cfg, log)
	rdb := db.MustRedis(cfg, log)

	var store tenants.Store
	switch {
	case pool != nil:
		if err := tenants.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		store = tenants.NewPostgresStore(pool, log)
	case cfg.TenantsFile != "":
		def, list, err := tenants.LoadFile(cfg.TenantsFile)
		if err != nil {
			log.Fatalw("tenants file", "err", err)
		}
		if def != nil {
			list = append(list, *def)
		}
		store = tenants.NewMemoryStore(log, list)
	default:
		store = tenants.NewMemoryStore(log, nil)
	}

	reg := registry.New(store, registry.Options{}, log)
	if err := reg.Bootstrap(context.Background()); err != nil {
		log.Fatalw("tenant bootstrap", "err", err)
	}
	defer reg.Close()

	eng := engine.New(reg, engine.Config{
		IntrospectionCacheSize: cfg.IntrospectionCacheSize,
		IntrospectionCacheTTL:  cfg.IntrospectionCacheTTL,
		UserInfoCacheSize:      cfg.UserInfoCacheSize,
		UserInfoCacheTTL:       cfg.UserInfoCacheTTL,
	}, log)
	defer eng.Close()

	var logoutStore backchannel.Store
	if rdb != nil {
		logoutStore = backchannel.NewRedisStore(rdb)
	} else {
		mem := backchannel.NewMemoryStore(10000, cfg.LogoutMarkerTTL, 0)
		defer mem.Close()
		logoutStore = mem
	}
	eng.SetLogoutStore(logoutStore)

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing())
	r.Use(middleware.Metrics())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Method(http.MethodPost, cfg.BackchannelPath, backchannel.NewHandler(reg, logoutStore, log))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(eng, log))
		r.Handle("/*", http.HandlerFunc(whoami))
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.Infow("gateway listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	fmt.Println("gateway stopped")
}

// whoami echoes the authenticated principal; the default handler behind the
// authentication chain.
func whoami(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		w.Write([]byte("anonymous\n"))
		return
	}
	fmt.Fprintf(w, "principal=%s tenant=%s roles=%v\n", id.Principal, id.TenantID(), id.RoleList())
}
