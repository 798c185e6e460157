package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"oidcgate/pkg/tenants"
)

// ErrServerUnavailable classifies exhausted transport-level retries against
// the provider. The tenant context treats it as a degrade-to-not-ready
// condition, not a process failure.
var ErrServerUnavailable = errors.New("oidc server not available")

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Client calls the provider's endpoints with the tenant's client
// authentication strategy. All endpoint calls retry transport-level failures
// up to the configured count; nothing else is retried except the single
// rotated-secret retry after a 401.
type Client struct {
	http   *http.Client
	meta   *Metadata
	tenant *tenants.Tenant
	log    *zap.SugaredLogger

	assertionMu    sync.Mutex
	assertionValue string
	assertionMTime time.Time
}

// NewClient builds the per-tenant HTTP client. The transport is
// otel-instrumented so every provider call shows up in traces.
func NewClient(t *tenants.Tenant, meta *Metadata, log *zap.SugaredLogger) *Client {
	return &Client{
		http: &http.Client{
			Timeout:   t.ConnectionTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		meta:   meta,
		tenant: t,
		log:    log,
	}
}

// HTTP exposes the underlying client for discovery and JWKS fetching.
func (c *Client) HTTP() *http.Client { return c.http }

// Close releases pooled connections. Idempotent.
func (c *Client) Close() { c.http.CloseIdleConnections() }

// JWKS fetches the provider's key set document.
func (c *Client) JWKS(ctx context.Context) ([]byte, error) {
	if c.meta.JWKSURI == "" {
		return nil, fmt.Errorf("tenant %q: no jwks endpoint", c.tenant.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.meta.JWKSURI, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.doWithRetry(req, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// UserInfo calls the userinfo endpoint. isJWT reports a signed response body
// that must itself be verified by the caller.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (body []byte, isJWT bool, err error) {
	if c.meta.UserinfoEndpoint == "" {
		return nil, false, fmt.Errorf("tenant %q: no userinfo endpoint", c.tenant.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.meta.UserinfoEndpoint, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	resp, err := c.doWithRetry(req, nil)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("userinfo endpoint returned status %d", resp.StatusCode)
	}
	body, err = io.ReadAll(resp.Body)
	ct := resp.Header.Get("Content-Type")
	return body, strings.Contains(ct, "application/jwt"), err
}

// Introspect posts the token to the introspection endpoint.
func (c *Client) Introspect(ctx context.Context, token, typeHint string) ([]byte, error) {
	if c.meta.IntrospectionEndpoint == "" {
		return nil, fmt.Errorf("tenant %q: no introspection endpoint", c.tenant.ID)
	}
	form := url.Values{"token": {token}}
	if typeHint != "" {
		form.Set("token_type_hint", typeHint)
	}
	return c.postForm(ctx, c.meta.IntrospectionEndpoint, form, true)
}

// Exchange redeems an authorization code.
func (c *Client) Exchange(ctx context.Context, code, redirectURI, codeVerifier string) (*Tokens, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}
	body, err := c.postForm(ctx, c.meta.TokenEndpoint, form, false)
	if err != nil {
		return nil, err
	}
	return parseTokens(body)
}

// Refresh exchanges a refresh token for new tokens.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	body, err := c.postForm(ctx, c.meta.TokenEndpoint, form, false)
	if err != nil {
		return nil, err
	}
	return parseTokens(body)
}

// Revoke revokes a token; providers without a revocation endpoint are a
// no-op.
func (c *Client) Revoke(ctx context.Context, token, typeHint string) error {
	if c.meta.RevocationEndpoint == "" {
		return nil
	}
	form := url.Values{"token": {token}}
	if typeHint != "" {
		form.Set("token_type_hint", typeHint)
	}
	_, err := c.postForm(ctx, c.meta.RevocationEndpoint, form, false)
	return err
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, forIntrospection bool) ([]byte, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("tenant %q: endpoint not configured", c.tenant.ID)
	}
	build := func() (*http.Request, error) {
		f := cloneValues(form)
		f.Set("client_id", c.tenant.ClientID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader("")) // body set below
		if err != nil {
			return nil, err
		}
		if err := c.applyClientAuth(req, f, forIntrospection); err != nil {
			return nil, err
		}
		encoded := f.Encode()
		req.Body = io.NopCloser(strings.NewReader(encoded))
		req.ContentLength = int64(len(encoded))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}
	req, err := build()
	if err != nil {
		return nil, err
	}
	resp, err := c.doWithRetry(req, build)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	// A rotating secret provider gets exactly one chance to supply a fresh
	// credential after a 401. No other status triggers a retry.
	if resp.StatusCode == http.StatusUnauthorized && c.tenant.Credentials.SecretProvider != nil {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()
		c.log.Debugw("client credential rejected, retrying with refreshed secret", "tenant", c.tenant.ID)
		req2, err := build()
		if err != nil {
			return nil, err
		}
		resp, err = c.doWithRetry(req2, build)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d: %s", endpoint, resp.StatusCode, truncate(body, 256))
	}
	return body, nil
}

// doWithRetry retries connection-level failures up to the tenant's retry
// count. rebuild recreates the request when its body was consumed; nil means
// the request is reusable as-is (GET).
func (c *Client) doWithRetry(req *http.Request, rebuild func() (*http.Request, error)) (*http.Response, error) {
	retries := c.tenant.ConnectionRetryCount
	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.http.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt >= retries {
			break
		}
		c.log.Debugw("provider call failed, retrying", "tenant", c.tenant.ID, "attempt", attempt+1, "err", err)
		if rebuild != nil {
			req, err = rebuild()
			if err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrServerUnavailable, lastErr)
}

// applyClientAuth picks the client authentication strategy by configured
// precedence: introspection basic > secret basic > jwt-bearer assertion >
// post-jwt > secret post > client id only.
func (c *Client) applyClientAuth(req *http.Request, form url.Values, forIntrospection bool) error {
	creds := c.tenant.Credentials
	if forIntrospection && creds.IntrospectionBasicUser != "" {
		req.SetBasicAuth(creds.IntrospectionBasicUser, creds.IntrospectionBasicPass)
		return nil
	}
	secret := creds.ClientSecret()
	method := creds.Method
	if method == "" && secret != "" {
		method = "basic"
	}
	switch method {
	case "basic":
		req.SetBasicAuth(url.QueryEscape(c.tenant.ClientID), url.QueryEscape(secret))
	case "jwt-bearer":
		assertion, err := c.loadAssertion()
		if err != nil {
			return err
		}
		form.Set("client_assertion_type", clientAssertionType)
		form.Set("client_assertion", assertion)
	case "post-jwt":
		assertion, err := c.signedClientAssertion(secret)
		if err != nil {
			return err
		}
		form.Set("client_assertion_type", clientAssertionType)
		form.Set("client_assertion", assertion)
	case "post":
		form.Set("client_secret", secret)
	}
	return nil
}

// loadAssertion reads the externally managed client assertion JWT, reloading
// it whenever the file changes.
func (c *Client) loadAssertion() (string, error) {
	path := c.tenant.Credentials.AssertionFile
	st, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("client assertion file: %w", err)
	}
	c.assertionMu.Lock()
	defer c.assertionMu.Unlock()
	if c.assertionValue != "" && st.ModTime().Equal(c.assertionMTime) {
		return c.assertionValue, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("client assertion file: %w", err)
	}
	c.assertionValue = strings.TrimSpace(string(raw))
	c.assertionMTime = st.ModTime()
	return c.assertionValue, nil
}

// signedClientAssertion mints a short-lived HS256 assertion from the client
// secret.
func (c *Client) signedClientAssertion(secret string) (string, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Issuer(c.tenant.ClientID).
		Subject(c.tenant.ClientID).
		Audience([]string{c.meta.TokenEndpoint}).
		IssuedAt(now).
		Expiration(now.Add(time.Minute)).
		JwtID(uuid.NewString()).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	if err != nil {
		return "", fmt.Errorf("sign client assertion: %w", err)
	}
	return string(signed), nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
