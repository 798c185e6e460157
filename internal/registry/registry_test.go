package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"oidcgate/pkg/tenants"
)

// offlineTenant builds a tenant that initializes without any provider
// round-trip.
func offlineTenant(id string) tenants.Tenant {
	return tenants.Tenant{
		ID:                id,
		AuthServerURL:     "https://op-" + id + ".example",
		ClientID:          "client-" + id,
		Credentials:       tenants.Credentials{Secret: "s3cret"},
		DiscoveryDisabled: true,
		Endpoints:         tenants.Endpoints{JWKS: "/jwks"},
	}
}

func newRegistry(t *testing.T, opts Options, list ...tenants.Tenant) *Registry {
	t.Helper()
	log := zap.NewNop().Sugar()
	g := New(tenants.NewMemoryStore(log, list), opts, log)
	t.Cleanup(g.Close)
	require.NoError(t, g.Bootstrap(context.Background()))
	return g
}

// unsignedJWT builds a decodable but unverifiable bearer token. Resolution
// only peeks at the claims, it never trusts them.
func unsignedJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256"}`))
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func resolveID(t *testing.T, g *Registry, r *http.Request) string {
	t.Helper()
	tc, err := g.Resolve(r)
	require.NoError(t, err)
	return tc.Tenant.ID
}

func TestResolvePinnedContext(t *testing.T) {
	g := newRegistry(t, Options{}, offlineTenant(tenants.DefaultTenantID), offlineTenant("acme"))

	r := httptest.NewRequest(http.MethodGet, "/anything", nil)
	r = r.WithContext(WithTenantID(r.Context(), "acme"))
	assert.Equal(t, "acme", resolveID(t, g, r))
}

func TestResolveCustomResolver(t *testing.T) {
	opts := Options{CustomResolver: func(r *http.Request) string {
		return r.URL.Query().Get("tenant")
	}}
	g := newRegistry(t, opts, offlineTenant(tenants.DefaultTenantID), offlineTenant("acme"))

	assert.Equal(t, "acme", resolveID(t, g, httptest.NewRequest(http.MethodGet, "/x?tenant=acme", nil)))
	assert.Equal(t, tenants.DefaultTenantID, resolveID(t, g, httptest.NewRequest(http.MethodGet, "/x", nil)))
}

func TestResolvePathPrefixLongestWins(t *testing.T) {
	api := offlineTenant("api")
	api.Paths = []string{"/api"}
	v2 := offlineTenant("api-v2")
	v2.Paths = []string{"/api/v2"}
	g := newRegistry(t, Options{}, offlineTenant(tenants.DefaultTenantID), api, v2)

	assert.Equal(t, "api-v2", resolveID(t, g, httptest.NewRequest(http.MethodGet, "/api/v2/orders", nil)))
	assert.Equal(t, "api", resolveID(t, g, httptest.NewRequest(http.MethodGet, "/api/other", nil)))
	assert.Equal(t, "api", resolveID(t, g, httptest.NewRequest(http.MethodGet, "/api", nil)))

	// Prefixes match on segment boundaries, not raw string prefixes.
	assert.Equal(t, tenants.DefaultTenantID, resolveID(t, g, httptest.NewRequest(http.MethodGet, "/apiary", nil)))
}

func TestResolveBearerIssuer(t *testing.T) {
	acme := offlineTenant("acme")
	acme.Token.Issuer = "https://issuer.acme.example"
	g := newRegistry(t, Options{}, offlineTenant(tenants.DefaultTenantID), acme)

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "Bearer "+unsignedJWT(t, map[string]any{"iss": "https://issuer.acme.example"}))
	assert.Equal(t, "acme", resolveID(t, g, r))

	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "Bearer "+unsignedJWT(t, map[string]any{"iss": "https://unknown.example"}))
	assert.Equal(t, tenants.DefaultTenantID, resolveID(t, g, r))

	// Opaque credentials carry no issuer to match on.
	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "Bearer opaque-reference")
	assert.Equal(t, tenants.DefaultTenantID, resolveID(t, g, r))
}

func TestResolveBearerIssuerSkipsWebAppTenants(t *testing.T) {
	web := offlineTenant("web")
	web.ApplicationType = tenants.AppWebApp
	web.Token.Issuer = "https://issuer.web.example"
	g := newRegistry(t, Options{}, offlineTenant(tenants.DefaultTenantID), web)

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "Bearer "+unsignedJWT(t, map[string]any{"iss": "https://issuer.web.example"}))
	assert.Equal(t, tenants.DefaultTenantID, resolveID(t, g, r))
}

func TestResolveBearerIssuerRequiredClaims(t *testing.T) {
	acme := offlineTenant("acme")
	acme.Token.Issuer = "https://issuer.acme.example"
	acme.Token.RequiredClaims = map[string]any{"org": "acme"}
	g := newRegistry(t, Options{}, offlineTenant(tenants.DefaultTenantID), acme)

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "Bearer "+unsignedJWT(t, map[string]any{
		"iss": "https://issuer.acme.example",
		"org": "acme",
	}))
	assert.Equal(t, "acme", resolveID(t, g, r))

	// Same issuer without the declared claim does not claim the request.
	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "Bearer "+unsignedJWT(t, map[string]any{
		"iss": "https://issuer.acme.example",
		"org": "umbrella",
	}))
	assert.Equal(t, tenants.DefaultTenantID, resolveID(t, g, r))

	// Array-valued claims match by containment.
	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Authorization", "Bearer "+unsignedJWT(t, map[string]any{
		"iss": "https://issuer.acme.example",
		"org": []string{"umbrella", "acme"},
	}))
	assert.Equal(t, "acme", resolveID(t, g, r))
}

func TestResolveBearerIssuerRetriesNotReadyOnce(t *testing.T) {
	var discoveries int
	op := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		discoveries++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer op.Close()

	flaky := offlineTenant("flaky")
	flaky.AuthServerURL = op.URL
	flaky.DiscoveryDisabled = false
	g := newRegistry(t, Options{}, offlineTenant(tenants.DefaultTenantID), flaky)
	require.Equal(t, 1, discoveries, "bootstrap attempts discovery once")

	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/x", nil)
		r.Header.Set("Authorization", "Bearer "+unsignedJWT(t, map[string]any{"iss": "https://issuer.flaky.example"}))
		assert.Equal(t, tenants.DefaultTenantID, resolveID(t, g, r))
	}
	assert.Equal(t, 2, discoveries, "issuer matching initializes a not-ready tenant at most once")
}

func TestResolveCustomAuthHeader(t *testing.T) {
	acme := offlineTenant("acme")
	acme.AuthHeaderName = "X-Acme-Token"
	g := newRegistry(t, Options{}, offlineTenant(tenants.DefaultTenantID), acme)

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("X-Acme-Token", "tok")
	assert.Equal(t, "acme", resolveID(t, g, r))
}

func TestResolveAmbiguousAuthHeaderDisabled(t *testing.T) {
	a := offlineTenant("a")
	a.AuthHeaderName = "X-Token"
	b := offlineTenant("b")
	b.AuthHeaderName = "X-Token"
	g := newRegistry(t, Options{}, offlineTenant(tenants.DefaultTenantID), a, b)

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("X-Token", "tok")
	assert.Equal(t, tenants.DefaultTenantID, resolveID(t, g, r))
}

func TestResolvePathSegment(t *testing.T) {
	g := newRegistry(t, Options{}, offlineTenant(tenants.DefaultTenantID), offlineTenant("acme"))

	assert.Equal(t, "acme", resolveID(t, g, httptest.NewRequest(http.MethodGet, "/acme/orders", nil)))
	assert.Equal(t, tenants.DefaultTenantID, resolveID(t, g, httptest.NewRequest(http.MethodGet, "/nobody/orders", nil)))
}

func TestGetUnknownTenant(t *testing.T) {
	g := newRegistry(t, Options{}, offlineTenant(tenants.DefaultTenantID))

	_, err := g.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestBootstrapAbortsOnConfigError(t *testing.T) {
	log := zap.NewNop().Sugar()
	bad := offlineTenant("bad")
	bad.ApplicationType = "spaceship"
	g := New(tenants.NewMemoryStore(log, []tenants.Tenant{bad}), Options{}, log)
	defer g.Close()

	err := g.Bootstrap(context.Background())
	var cfgErr *tenants.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestEnsureIsStickyOnConfigError(t *testing.T) {
	bad := offlineTenant("bad")
	bad.PublicKey = "not a pem block"

	tc, err := NewContext(context.Background(), bad.WithDefaults(), zap.NewNop().Sugar())
	require.Error(t, err)
	require.NotNil(t, tc)
	t.Cleanup(tc.Close)

	_, err1 := tc.Ensure(context.Background())
	require.Error(t, err1)
	var cfgErr *tenants.ConfigError
	require.ErrorAs(t, err1, &cfgErr)
	_, err2 := tc.Ensure(context.Background())
	assert.Equal(t, err1, err2, "configuration failures do not retry")
	assert.True(t, tc.Disabled(), "fatally misconfigured tenants are disabled")
}

func TestUserInfoRequiredOverride(t *testing.T) {
	tn := offlineTenant("acme")
	tn.Endpoints.UserInfo = "/userinfo"
	tn.Roles.Source = tenants.RoleSourceUserInfo

	tc, err := NewContext(context.Background(), tn.WithDefaults(), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(tc.Close)

	rt, err := tc.Ensure(context.Background())
	require.NoError(t, err)
	assert.True(t, rt.UserInfoRequired)
	assert.True(t, tc.UserInfoRequired())
	assert.False(t, tc.Tenant.Token.UserInfoRequired, "base configuration stays untouched")
	assert.False(t, tc.Disabled())
}
