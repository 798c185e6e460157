// Package session serializes code-flow token state into cookies: plain,
// split or encrypted, chunked when a value exceeds the browser-safe limit.
// The cookie is the only session state; any instance can decode any other
// instance's cookie.
package session

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"

	"oidcgate/internal/provider"
	"oidcgate/pkg/tenants"
)

const (
	// ChunkThreshold is the largest cookie value written unchunked. Browsers
	// cap cookies around 4096 bytes including name and attributes.
	ChunkThreshold = 4056

	chunkInfix = "_chunk_"

	sessionCookieBase    = "q_session"
	stateCookieBase      = "q_auth"
	postLogoutCookieBase = "q_post_logout"

	accessTokenSuffix  = "_at"
	refreshTokenSuffix = "_rt"

	// StateCookieAge bounds the transient state cookie.
	StateCookieAge = 30 * time.Minute

	tokenDelimiter = "|"
)

// Codec encodes and decodes one tenant's session state.
type Codec struct {
	tenant *tenants.Tenant
	encKey []byte // 256-bit key-encryption key; nil when encryption is off
}

// NewCodec builds a codec. encKey must be 32 bytes when the tenant requires
// encryption.
func NewCodec(t *tenants.Tenant, encKey []byte) (*Codec, error) {
	if t.Authentication.EncryptionRequired && len(encKey) != 32 {
		return nil, &tenants.ConfigError{TenantID: t.ID, Reason: "session encryption requires a 256-bit key"}
	}
	if !t.Authentication.EncryptionRequired {
		encKey = nil
	}
	return &Codec{tenant: t, encKey: encKey}, nil
}

// cookieName appends the tenant id (non-default tenants) and the configured
// suffix to a base cookie name.
func (c *Codec) cookieName(base string) string {
	if c.tenant.ID != tenants.DefaultTenantID {
		base += "_" + c.tenant.ID
	}
	if s := c.tenant.Authentication.CookieSuffix; s != "" {
		base += "_" + s
	}
	return base
}

// SessionCookieName is the primary token-state cookie name.
func (c *Codec) SessionCookieName() string { return c.cookieName(sessionCookieBase) }

// StateCookieName is the transient anti-CSRF cookie name.
func (c *Codec) StateCookieName() string { return c.cookieName(stateCookieBase) }

// PostLogoutCookieName is the post-logout anti-CSRF cookie name.
func (c *Codec) PostLogoutCookieName() string { return c.cookieName(postLogoutCookieBase) }

// EncodeSession turns tokens into one or more session cookies. maxAge is the
// token lifespan plus the configured grace and extension.
func (c *Codec) EncodeSession(t *provider.Tokens, maxAge time.Duration, secure bool) ([]*http.Cookie, error) {
	var out []*http.Cookie
	emit := func(name, value string) error {
		v, err := c.seal(value)
		if err != nil {
			return err
		}
		out = append(out, c.chunked(name, v, maxAge, secure)...)
		return nil
	}
	if c.tenant.Authentication.SplitTokens {
		if err := emit(c.SessionCookieName(), t.IDToken); err != nil {
			return nil, err
		}
		if t.AccessToken != "" {
			if err := emit(c.SessionCookieName()+accessTokenSuffix, t.AccessToken); err != nil {
				return nil, err
			}
		}
		if t.RefreshToken != "" {
			if err := emit(c.SessionCookieName()+refreshTokenSuffix, t.RefreshToken); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	joined := strings.Join([]string{t.IDToken, t.AccessToken, t.RefreshToken}, tokenDelimiter)
	if err := emit(c.SessionCookieName(), joined); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeSession reads the session cookies back into tokens. A missing
// session cookie yields ok=false and no error.
func (c *Codec) DecodeSession(r *http.Request) (*provider.Tokens, bool, error) {
	primary, found := reassemble(r, c.SessionCookieName())
	if !found {
		return nil, false, nil
	}
	value, err := c.open(primary)
	if err != nil {
		return nil, false, fmt.Errorf("decode session cookie: %w", err)
	}
	t := &provider.Tokens{}
	if c.tenant.Authentication.SplitTokens {
		t.IDToken = value
		if at, ok := reassemble(r, c.SessionCookieName()+accessTokenSuffix); ok {
			if t.AccessToken, err = c.open(at); err != nil {
				return nil, false, fmt.Errorf("decode access token cookie: %w", err)
			}
		}
		if rt, ok := reassemble(r, c.SessionCookieName()+refreshTokenSuffix); ok {
			if t.RefreshToken, err = c.open(rt); err != nil {
				return nil, false, fmt.Errorf("decode refresh token cookie: %w", err)
			}
		}
		return t, true, nil
	}
	parts := strings.SplitN(value, tokenDelimiter, 3)
	t.IDToken = parts[0]
	if len(parts) > 1 {
		t.AccessToken = parts[1]
	}
	if len(parts) > 2 {
		t.RefreshToken = parts[2]
	}
	return t, true, nil
}

// ExpireSession clears every session cookie present on the request,
// including chunk cookies.
func (c *Codec) ExpireSession(r *http.Request, secure bool) []*http.Cookie {
	prefixes := []string{
		c.SessionCookieName() + accessTokenSuffix,
		c.SessionCookieName() + refreshTokenSuffix,
		c.SessionCookieName(),
	}
	var out []*http.Cookie
	seen := map[string]bool{}
	for _, ck := range r.Cookies() {
		for _, p := range prefixes {
			if (ck.Name == p || strings.HasPrefix(ck.Name, p+chunkInfix)) && !seen[ck.Name] {
				seen[ck.Name] = true
				expired := c.cookie(ck.Name, "", 0, secure)
				expired.MaxAge = -1
				out = append(out, expired)
				break
			}
		}
	}
	return out
}

// NewStateCookie writes the transient code-flow state cookie.
func (c *Codec) NewStateCookie(value string, secure bool) *http.Cookie {
	return c.cookie(c.StateCookieName(), value, StateCookieAge, secure)
}

// StateCookieValue reads the state cookie if present.
func (c *Codec) StateCookieValue(r *http.Request) (string, bool) {
	ck, err := r.Cookie(c.StateCookieName())
	if err != nil || ck.Value == "" {
		return "", false
	}
	return ck.Value, true
}

// ExpireStateCookie clears the state cookie after the callback.
func (c *Codec) ExpireStateCookie(secure bool) *http.Cookie {
	ck := c.cookie(c.StateCookieName(), "", 0, secure)
	ck.MaxAge = -1
	return ck
}

// NewPostLogoutCookie writes the post-logout anti-CSRF cookie.
func (c *Codec) NewPostLogoutCookie(value string, secure bool) *http.Cookie {
	return c.cookie(c.PostLogoutCookieName(), value, StateCookieAge, secure)
}

// PostLogoutCookieValue reads the post-logout cookie if present.
func (c *Codec) PostLogoutCookieValue(r *http.Request) (string, bool) {
	ck, err := r.Cookie(c.PostLogoutCookieName())
	if err != nil || ck.Value == "" {
		return "", false
	}
	return ck.Value, true
}

func (c *Codec) cookie(name, value string, maxAge time.Duration, secure bool) *http.Cookie {
	auth := c.tenant.Authentication
	ck := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     auth.CookiePath,
		Domain:   auth.CookieDomain,
		HttpOnly: true,
		Secure:   secure || auth.CookieForceSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge > 0 {
		ck.MaxAge = int(maxAge / time.Second)
	}
	return ck
}

// chunked splits an oversized value into numbered chunk cookies.
func (c *Codec) chunked(name, value string, maxAge time.Duration, secure bool) []*http.Cookie {
	if len(value) <= ChunkThreshold {
		return []*http.Cookie{c.cookie(name, value, maxAge, secure)}
	}
	var out []*http.Cookie
	for i := 0; len(value) > 0; i++ {
		n := ChunkThreshold
		if n > len(value) {
			n = len(value)
		}
		out = append(out, c.cookie(fmt.Sprintf("%s%s%d", name, chunkInfix, i+1), value[:n], maxAge, secure))
		value = value[n:]
	}
	return out
}

// reassemble finds a cookie value, rejoining chunk cookies in ascending
// numeric suffix order.
func reassemble(r *http.Request, name string) (string, bool) {
	if ck, err := r.Cookie(name); err == nil && ck.Value != "" {
		return ck.Value, true
	}
	prefix := name + chunkInfix
	type chunk struct {
		idx   int
		value string
	}
	var chunks []chunk
	for _, ck := range r.Cookies() {
		if !strings.HasPrefix(ck.Name, prefix) {
			continue
		}
		idx, err := strconv.Atoi(ck.Name[len(prefix):])
		if err != nil {
			continue
		}
		chunks = append(chunks, chunk{idx: idx, value: ck.Value})
	}
	if len(chunks) == 0 {
		return "", false
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].idx < chunks[j].idx })
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.value)
	}
	return b.String(), true
}

// seal encrypts the payload when the tenant requires it.
func (c *Codec) seal(value string) (string, error) {
	if c.encKey == nil {
		return value, nil
	}
	sealed, err := jwe.Encrypt([]byte(value),
		jwe.WithKey(jwa.A256GCMKW, c.encKey),
		jwe.WithContentEncryption(jwa.A256GCM))
	if err != nil {
		return "", fmt.Errorf("encrypt session payload: %w", err)
	}
	return string(sealed), nil
}

func (c *Codec) open(value string) (string, error) {
	if c.encKey == nil {
		return value, nil
	}
	plain, err := jwe.Decrypt([]byte(value), jwe.WithKey(jwa.A256GCMKW, c.encKey))
	if err != nil {
		return "", fmt.Errorf("decrypt session payload: %w", err)
	}
	return string(plain), nil
}
