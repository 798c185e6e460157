package backchannel

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"oidcgate/internal/registry"
	"oidcgate/pkg/tenants"
)

type logoutFixture struct {
	handler *Handler
	store   *MemoryStore
	priv    jwk.Key
	issuer  string
}

func newLogoutFixture(t *testing.T) *logoutFixture {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "op-key"))
	pub, err := jwk.FromRaw(raw.Public())
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, "op-key"))

	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		set := jwk.NewSet()
		_ = set.AddKey(pub)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	log := zap.NewNop().Sugar()
	tn := tenants.Tenant{
		ID:                tenants.DefaultTenantID,
		AuthServerURL:     srv.URL,
		ClientID:          "client-1",
		Credentials:       tenants.Credentials{Secret: "s3cret"},
		DiscoveryDisabled: true,
		Endpoints:         tenants.Endpoints{JWKS: "/jwks"},
	}
	reg := registry.New(tenants.NewMemoryStore(log, []tenants.Tenant{tn}), registry.Options{}, log)
	t.Cleanup(reg.Close)

	store := NewMemoryStore(100, time.Minute, 0)
	t.Cleanup(store.Close)

	return &logoutFixture{
		handler: NewHandler(reg, store, log),
		store:   store,
		priv:    priv,
		issuer:  srv.URL,
	}
}

func (f *logoutFixture) signLogoutToken(t *testing.T, mutate func(map[string]any)) string {
	t.Helper()
	claims := map[string]any{
		"iss": f.issuer,
		"aud": "client-1",
		"iat": time.Now().Unix(),
		"jti": "jti-1",
		"sub": "alice",
		"sid": "session-9",
		"events": map[string]any{
			logoutEvent: map[string]any{},
		},
	}
	if mutate != nil {
		mutate(claims)
	}
	b := jwt.NewBuilder()
	for k, v := range claims {
		b.Claim(k, v)
	}
	tok, err := b.Build()
	require.NoError(t, err)
	raw, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, f.priv))
	require.NoError(t, err)
	return string(raw)
}

func (f *logoutFixture) post(token string) *httptest.ResponseRecorder {
	form := url.Values{}
	if token != "" {
		form.Set("logout_token", token)
	}
	r := httptest.NewRequest(http.MethodPost, "/back-channel/logout", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func TestLogoutTokenAccepted(t *testing.T) {
	f := newLogoutFixture(t)
	w := f.post(f.signLogoutToken(t, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	ctx := context.Background()
	hit, err := f.store.Consume(ctx, tenants.DefaultTenantID, "alice")
	require.NoError(t, err)
	assert.True(t, hit, "subject marker recorded")
	hit, err = f.store.Consume(ctx, tenants.DefaultTenantID, "session-9")
	require.NoError(t, err)
	assert.True(t, hit, "session marker recorded")
}

func TestLogoutTokenReplayIsIdempotent(t *testing.T) {
	f := newLogoutFixture(t)
	raw := f.signLogoutToken(t, nil)
	assert.Equal(t, http.StatusOK, f.post(raw).Code)
	assert.Equal(t, http.StatusOK, f.post(raw).Code)
}

func TestLogoutTokenSidOnly(t *testing.T) {
	f := newLogoutFixture(t)
	w := f.post(f.signLogoutToken(t, func(c map[string]any) { delete(c, "sub") }))
	assert.Equal(t, http.StatusOK, w.Code)

	hit, err := f.store.Consume(context.Background(), tenants.DefaultTenantID, "session-9")
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestLogoutTokenRejections(t *testing.T) {
	f := newLogoutFixture(t)

	cases := map[string]func(map[string]any){
		"missing events":       func(c map[string]any) { delete(c, "events") },
		"wrong event member":   func(c map[string]any) { c["events"] = map[string]any{"urn:other": map[string]any{}} },
		"nonce present":        func(c map[string]any) { c["nonce"] = "n-1" },
		"neither sub nor sid":  func(c map[string]any) { delete(c, "sub"); delete(c, "sid") },
		"missing iat":          func(c map[string]any) { delete(c, "iat") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			w := f.post(f.signLogoutToken(t, mutate))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestLogoutEndpointRequestShape(t *testing.T) {
	f := newLogoutFixture(t)

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/back-channel/logout", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/back-channel/logout", strings.NewReader(`{"logout_token":"x"}`))
	r.Header.Set("Content-Type", "application/json")
	f.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, http.StatusBadRequest, f.post("").Code)
}

func TestLogoutClaims(t *testing.T) {
	sub, sid, ok := logoutClaims(map[string]any{
		"events": map[string]any{logoutEvent: map[string]any{}},
		"sub":    "alice",
		"sid":    "s-1",
	})
	assert.True(t, ok)
	assert.Equal(t, "alice", sub)
	assert.Equal(t, "s-1", sid)

	_, _, ok = logoutClaims(map[string]any{"sub": "alice"})
	assert.False(t, ok, "events claim is mandatory")
}
