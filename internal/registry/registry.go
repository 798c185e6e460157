package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"oidcgate/internal/token"
	"oidcgate/pkg/tenants"
)

type ctxKey int

const tenantIDKey ctxKey = iota

// WithTenantID pins the tenant for a request, overriding every other
// resolution rule.
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// TenantIDFromContext reads a pinned tenant id.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantIDKey).(string)
	return id, ok
}

// CustomResolver maps a request to a tenant id; empty string means no
// opinion.
type CustomResolver func(r *http.Request) string

// ErrUnknownTenant is returned when a request names a tenant the store does
// not have.
var ErrUnknownTenant = errors.New("unknown tenant")

// Registry holds the tenant contexts and resolves requests to them. Contexts
// are created once per tenant through a singleflight group, so a burst of
// first requests for the same tenant performs one provider discovery.
type Registry struct {
	store    tenants.Store
	resolver CustomResolver
	log      *zap.SugaredLogger

	contexts sync.Map // tenant id -> *Context
	group    singleflight.Group

	// headerTenants maps a custom auth header name to the tenants that claim
	// it. Header-based resolution is disabled for names claimed twice.
	headerMu      sync.RWMutex
	headerTenants map[string][]string
}

// Options configures the registry.
type Options struct {
	CustomResolver CustomResolver
}

// New builds a registry over a tenant store.
func New(store tenants.Store, opts Options, log *zap.SugaredLogger) *Registry {
	return &Registry{
		store:         store,
		resolver:      opts.CustomResolver,
		log:           log,
		headerTenants: make(map[string][]string),
	}
}

// Bootstrap creates contexts for every stored tenant. A configuration error
// aborts startup; an unreachable provider logs and leaves the tenant context
// not-ready for lazy initialization.
func (g *Registry) Bootstrap(ctx context.Context) error {
	list, err := g.store.ListTenants(ctx)
	if err != nil {
		return err
	}
	for _, t := range list {
		tc, err := g.create(ctx, t)
		if err != nil {
			var cfgErr *tenants.ConfigError
			if errors.As(err, &cfgErr) {
				return err
			}
			g.log.Warnw("tenant provider unreachable at startup, deferring initialization",
				"tenant", t.ID, "err", err)
		}
		_ = tc
	}
	return nil
}

// Get returns the context for a tenant id, creating it from the store on
// first use.
func (g *Registry) Get(ctx context.Context, id string) (*Context, error) {
	if v, ok := g.contexts.Load(id); ok {
		return v.(*Context), nil
	}
	v, err, _ := g.group.Do(id, func() (any, error) {
		if v, ok := g.contexts.Load(id); ok {
			return v.(*Context), nil
		}
		t, err := g.store.GetTenant(ctx, id)
		if err != nil {
			if errors.Is(err, tenants.ErrNotFound) {
				return nil, ErrUnknownTenant
			}
			return nil, err
		}
		tc, cerr := g.create(ctx, t)
		if tc == nil {
			return nil, cerr
		}
		// A not-ready context is still registered; it retries lazily.
		return tc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Context), nil
}

// create registers a new context and indexes its custom auth header.
func (g *Registry) create(ctx context.Context, t tenants.Tenant) (*Context, error) {
	t = t.WithDefaults()
	tc, err := NewContext(ctx, t, g.log)
	if err != nil {
		var cfgErr *tenants.ConfigError
		if errors.As(err, &cfgErr) {
			return nil, err
		}
	}
	actual, loaded := g.contexts.LoadOrStore(t.ID, tc)
	if loaded {
		tc.Close()
		return actual.(*Context), nil
	}
	if t.AuthHeaderName != "" {
		g.headerMu.Lock()
		name := http.CanonicalHeaderKey(t.AuthHeaderName)
		g.headerTenants[name] = append(g.headerTenants[name], t.ID)
		if len(g.headerTenants[name]) > 1 {
			g.log.Warnw("custom auth header claimed by multiple tenants, disabling header-based resolution for it",
				"header", name, "tenants", g.headerTenants[name])
		}
		g.headerMu.Unlock()
	}
	return tc, err
}

// Resolve maps a request to its tenant context. Resolution order: pinned
// context value, custom resolver, path prefix, bearer issuer, custom auth
// header, leading path segment, then the default tenant.
func (g *Registry) Resolve(r *http.Request) (*Context, error) {
	ctx := r.Context()

	if id, ok := TenantIDFromContext(ctx); ok {
		return g.Get(ctx, id)
	}
	if g.resolver != nil {
		if id := g.resolver(r); id != "" {
			return g.Get(ctx, id)
		}
	}
	if id := g.matchPathPrefix(r.URL.Path); id != "" {
		return g.Get(ctx, id)
	}
	if tc := g.matchIssuer(r); tc != nil {
		return tc, nil
	}
	if id := g.matchAuthHeader(r); id != "" {
		return g.Get(ctx, id)
	}
	if id := g.matchPathSegment(ctx, r.URL.Path); id != "" {
		return g.Get(ctx, id)
	}
	return g.Get(ctx, tenants.DefaultTenantID)
}

// matchPathPrefix finds the tenant owning the longest configured path prefix
// of the request path.
func (g *Registry) matchPathPrefix(path string) string {
	best := ""
	bestLen := -1
	g.contexts.Range(func(_, v any) bool {
		tc := v.(*Context)
		for _, p := range tc.Tenant.Paths {
			if len(p) > bestLen && pathHasPrefix(path, p) {
				best = tc.Tenant.ID
				bestLen = len(p)
			}
		}
		return true
	})
	return best
}

func pathHasPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/'
}

// matchIssuer compares the unverified iss claim of a bearer token against
// each context's provider issuer. Only enabled non-web-app tenants
// participate, and a tenant's declared required claims must also be present
// in the token for it to claim the request.
func (g *Registry) matchIssuer(r *http.Request) *Context {
	raw := bearerToken(r)
	if raw == "" || token.IsOpaque(raw) {
		return nil
	}
	claims, err := token.DecodeClaims(raw)
	if err != nil || claims == nil {
		return nil
	}
	iss := token.StringClaim(claims, "iss")
	if iss == "" {
		return nil
	}
	var match *Context
	g.contexts.Range(func(_, v any) bool {
		tc := v.(*Context)
		if tc.Tenant.IsWebApp() || tc.Disabled() {
			return true
		}
		if tc.issuer(r.Context()) != iss {
			return true
		}
		if !claimsContain(claims, tc.Tenant.Token.RequiredClaims) {
			return true
		}
		match = tc
		return false
	})
	return match
}

// claimsContain reports whether every required claim is present: scalar
// equality, or containment when the actual claim is an array.
func claimsContain(claims, required map[string]any) bool {
	for name, want := range required {
		actual, ok := claims[name]
		if !ok {
			return false
		}
		if arr, isArr := actual.([]any); isArr {
			found := false
			for _, v := range arr {
				if fmt.Sprint(v) == fmt.Sprint(want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if fmt.Sprint(actual) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// issuer returns the context's effective issuer. A not-ready context gets
// exactly one lazy initialization attempt across all issuer matching, so
// requests do not repeatedly re-run discovery against an unreachable
// provider; until it succeeds the static configuration issuer stands in.
func (c *Context) issuer(ctx context.Context) string {
	if rules := c.Tenant.Token.Issuer; rules != "" && rules != tenants.IssuerAny {
		return rules
	}
	if c.Ready() {
		if rt, err := c.Ensure(ctx); err == nil {
			return rt.Provider.Meta.Issuer
		}
	} else if c.issuerRetried.CompareAndSwap(false, true) {
		if rt, err := c.Ensure(ctx); err == nil {
			return rt.Provider.Meta.Issuer
		}
	}
	return strings.TrimSuffix(c.Tenant.AuthServerURL, "/")
}

// matchAuthHeader resolves by a tenant-specific bearer header, unless the
// header name is ambiguous.
func (g *Registry) matchAuthHeader(r *http.Request) string {
	g.headerMu.RLock()
	defer g.headerMu.RUnlock()
	for name, ids := range g.headerTenants {
		if len(ids) != 1 {
			continue
		}
		if r.Header.Get(name) != "" {
			return ids[0]
		}
	}
	return ""
}

// matchPathSegment treats the first path segment as a tenant id when the
// store knows it.
func (g *Registry) matchPathSegment(ctx context.Context, path string) string {
	seg := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	if seg == "" {
		return ""
	}
	if _, err := g.store.GetTenant(ctx, seg); err != nil {
		return ""
	}
	return seg
}

// Close shuts down every context.
func (g *Registry) Close() {
	g.contexts.Range(func(_, v any) bool {
		v.(*Context).Close()
		return true
	})
}

// bearerToken extracts the standard Authorization bearer credential.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
