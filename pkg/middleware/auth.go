package middleware

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"oidcgate/internal/engine"
	"oidcgate/internal/registry"
	"oidcgate/pkg/identity"
	"oidcgate/pkg/problems"
	"oidcgate/pkg/tenants"
)

// Authenticate runs the authentication engine and either continues the chain
// with an identity on the context, or writes the redirect or challenge the
// engine decided on. Anonymous requests continue without an identity; pair
// with RequireAuthenticated on routes that need one.
func Authenticate(eng *engine.Engine, log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			o, err := eng.Authenticate(r)
			if err != nil {
				var cfgErr *tenants.ConfigError
				switch {
				case errors.As(err, &cfgErr):
					log.Errorw("tenant misconfigured", "err", err)
					problems.Write(w, http.StatusInternalServerError, "tenant-config", "tenant misconfigured", cfgErr.Error())
				case errors.Is(err, registry.ErrUnknownTenant):
					problems.Write(w, http.StatusUnauthorized, "unknown-tenant", "unknown tenant", "")
				default:
					log.Errorw("authentication failed", "err", err)
					problems.Write(w, http.StatusInternalServerError, "auth", "authentication error", "")
				}
				return
			}
			for _, c := range o.Cookies {
				http.SetCookie(w, c)
			}
			switch {
			case o.Identity != nil:
				next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), o.Identity)))
			case o.Anonymous:
				next.ServeHTTP(w, r)
			default:
				o.Apply(w)
			}
		})
	}
}

// RequireAuthenticated rejects requests that passed the engine anonymously.
func RequireAuthenticated() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := identity.FromContext(r.Context()); !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				problems.Write(w, http.StatusUnauthorized, "unauthenticated", "authentication required", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRoles rejects authenticated callers missing any of the given roles.
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := identity.FromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				problems.Write(w, http.StatusUnauthorized, "unauthenticated", "authentication required", "")
				return
			}
			for _, role := range roles {
				if !id.HasRole(role) {
					problems.Write(w, http.StatusForbidden, "forbidden", "missing role", role)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
