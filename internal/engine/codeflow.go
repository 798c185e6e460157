package engine

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"oidcgate/internal/keys"
	"oidcgate/internal/provider"
	"oidcgate/internal/registry"
	"oidcgate/internal/token"
	"oidcgate/pkg/identity"
	"oidcgate/pkg/tenants"
)

// internalTokenClaim marks ID tokens this service minted itself.
const internalTokenClaim = "internal"

// stateCookie is the parsed transient state cookie: the CSRF state value
// plus the PKCE verifier, nonce and restore path it protects.
type stateCookie struct {
	State       string
	Verifier    string
	Nonce       string
	RestorePath string
}

func (s stateCookie) encode() string {
	enc := base64.RawURLEncoding.EncodeToString
	return strings.Join([]string{
		s.State,
		enc([]byte(s.Verifier)),
		enc([]byte(s.Nonce)),
		enc([]byte(s.RestorePath)),
	}, "|")
}

func parseStateCookie(v string) (stateCookie, bool) {
	parts := strings.Split(v, "|")
	if len(parts) != 4 {
		return stateCookie{}, false
	}
	dec := func(s string) string {
		b, err := base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return ""
		}
		return string(b)
	}
	return stateCookie{
		State:       parts[0],
		Verifier:    dec(parts[1]),
		Nonce:       dec(parts[2]),
		RestorePath: dec(parts[3]),
	}, true
}

// authenticateCodeFlow runs the authorization code flow state machine: an
// existing session authenticates the request, a callback redeems the code,
// anything else starts a new flow.
func (e *Engine) authenticateCodeFlow(r *http.Request, tc *registry.Context) (*Outcome, error) {
	ctx := r.Context()
	t := &tc.Tenant
	rt, err := tc.Ensure(ctx)
	if err != nil {
		return e.degradeOutcome(t.ID, err)
	}

	if t.Logout.Path != "" && r.URL.Path == t.Logout.Path {
		return e.logout(r, rt)
	}
	if t.Logout.PostLogoutPath != "" && r.URL.Path == t.Logout.PostLogoutPath {
		return e.postLogout(r, rt)
	}

	tokens, ok, err := rt.Codec.DecodeSession(r)
	if err != nil {
		e.log.Warnw("session cookie not decodable, discarding session", "tenant", t.ID, "err", err)
		expired := rt.Codec.ExpireSession(r, isSecure(r))
		o := e.startFlow(r, rt)
		o.Cookies = append(expired, o.Cookies...)
		return o, nil
	}
	if ok {
		return e.resumeSession(r, rt, tokens)
	}
	if isCallback(r, t) {
		return e.handleCallback(r, rt)
	}
	return e.startFlow(r, rt), nil
}

// isCallback recognizes the provider redirect back to us.
func isCallback(r *http.Request, t *tenants.Tenant) bool {
	q := r.URL.Query()
	if q.Get("state") == "" {
		return false
	}
	if q.Get("code") == "" && q.Get("error") == "" {
		return false
	}
	if p := t.Authentication.RedirectPath; p != "" && r.URL.Path != p {
		return false
	}
	return true
}

// startFlow builds the authorization redirect and the state cookie that
// protects the callback.
func (e *Engine) startFlow(r *http.Request, rt *registry.Runtime) *Outcome {
	t := rt.Provider.Tenant
	auth := t.Authentication

	sc := stateCookie{State: uuid.NewString()}
	if auth.RestorePathAfterRedirect {
		sc.RestorePath = r.URL.RequestURI()
	}

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {t.ClientID},
		"redirect_uri":  {redirectURI(r, t)},
		"scope":         {strings.Join(auth.Scopes, " ")},
		"state":         {sc.State},
	}
	if auth.PKCERequired {
		sc.Verifier = randomURLSafe(32)
		sum := sha256.Sum256([]byte(sc.Verifier))
		q.Set("code_challenge", base64.RawURLEncoding.EncodeToString(sum[:]))
		q.Set("code_challenge_method", "S256")
	}
	if auth.NonceRequired {
		sc.Nonce = randomURLSafe(16)
		q.Set("nonce", sc.Nonce)
	}

	location := rt.Provider.Meta.AuthorizationEndpoint + "?" + q.Encode()
	status := http.StatusFound
	if auth.JavaScriptWebApp {
		status = StatusAuthRequired
	}
	return redirectOutcome(location, status, rt.Codec.NewStateCookie(sc.encode(), isSecure(r)))
}

// handleCallback redeems the authorization code after checking the state
// cookie against the state query parameter.
func (e *Engine) handleCallback(r *http.Request, rt *registry.Runtime) (*Outcome, error) {
	ctx := r.Context()
	t := rt.Provider.Tenant
	secure := isSecure(r)

	cookieVal, ok := rt.Codec.StateCookieValue(r)
	if !ok {
		e.log.Debugw("callback without a state cookie", "tenant", t.ID)
		return challengeOutcome(http.StatusUnauthorized, ""), nil
	}
	sc, ok := parseStateCookie(cookieVal)
	if !ok || sc.State != r.URL.Query().Get("state") {
		e.log.Warnw("state parameter does not match the state cookie", "tenant", t.ID)
		return challengeOutcome(http.StatusUnauthorized, "", rt.Codec.ExpireStateCookie(secure)), nil
	}
	clearState := rt.Codec.ExpireStateCookie(secure)

	if errCode := r.URL.Query().Get("error"); errCode != "" {
		e.log.Infow("provider returned an authorization error", "tenant", t.ID, "error", errCode)
		return challengeOutcome(http.StatusUnauthorized, "", clearState), nil
	}

	tokens, err := rt.Provider.CodeFlowTokens(ctx, r.URL.Query().Get("code"), redirectURI(r, t), sc.Verifier)
	if err != nil {
		if errors.Is(err, provider.ErrServerUnavailable) {
			return e.degradeOutcome(t.ID, err)
		}
		e.log.Warnw("code exchange failed", "tenant", t.ID, "err", err)
		return challengeOutcome(http.StatusUnauthorized, "", clearState), nil
	}

	if tokens.IDToken == "" {
		if t.Authentication.IDTokenMandatory() {
			e.log.Warnw("provider returned no id token", "tenant", t.ID)
			return challengeOutcome(http.StatusUnauthorized, "", clearState), nil
		}
		lifetime := time.Duration(tokens.ExpiresIn) * time.Second
		if lifetime <= 0 {
			lifetime = 5 * time.Minute
		}
		sub := subjectOf(tokens.AccessToken)
		if tokens.IDToken, err = rt.Provider.MintInternalIDToken(sub, lifetime); err != nil {
			return nil, err
		}
	} else if _, err := rt.Provider.Verify(ctx, tokens.IDToken, sc.Nonce); err != nil {
		// Only an unknown kid warrants a forced JWKS refresh; every other
		// verification failure is final.
		retried := false
		if errors.Is(err, keys.ErrUnresolvableKey) {
			if res, rerr := rt.Provider.RefreshJwksAndVerify(ctx, tokens.IDToken, sc.Nonce); rerr == nil && res != nil {
				retried = true
			}
		}
		if !retried {
			e.log.Warnw("id token verification failed", "tenant", t.ID, "err", err)
			return challengeOutcome(http.StatusUnauthorized, "", clearState), nil
		}
	}

	sessionCookies, err := rt.Codec.EncodeSession(tokens, sessionMaxAge(t, tokens), secure)
	if err != nil {
		return nil, err
	}
	cookies := append(sessionCookies, clearState)

	location := r.URL.Path
	if sc.RestorePath != "" {
		location = sc.RestorePath
	} else if !t.Authentication.RemoveRedirectParams() {
		location = r.URL.RequestURI()
	}
	return redirectOutcome(location, http.StatusFound, cookies...), nil
}

// resumeSession authenticates a request carrying a session cookie, refreshing
// the tokens when expired or inside the proactive refresh window.
func (e *Engine) resumeSession(r *http.Request, rt *registry.Runtime, tokens *provider.Tokens) (*Outcome, error) {
	ctx := r.Context()
	t := rt.Provider.Tenant
	secure := isSecure(r)

	res, err := e.verifyIDToken(ctx, rt, tokens.IDToken)
	switch {
	case err == nil:
		if e.logoutStore != nil {
			for _, key := range sessionLogoutKeys(res.Claims) {
				if hit, _ := e.logoutStore.Consume(ctx, t.ID, key); hit {
					return e.sessionFailure(r, rt, errors.New("session terminated by back-channel logout"))
				}
			}
		}
		// Proactive refresh near expiry keeps the session alive without a new
		// code flow.
		if skew := t.Authentication.RefreshTokenTimeSkew; skew > 0 && tokens.RefreshToken != "" {
			if exp, ok := claimTime(res.Claims, "exp"); ok && time.Until(exp) < skew {
				if refreshed, rerr := e.refreshSession(ctx, rt, tokens); rerr == nil {
					return refreshed.outcome(e, rt, r, secure)
				}
			}
		}
		id, err := e.webIdentity(ctx, rt, tokens, res.Claims)
		if err != nil {
			return e.sessionFailure(r, rt, err)
		}
		return identityOutcome(id), nil

	case provider.IsExpired(err) && t.Authentication.RefreshExpired && tokens.RefreshToken != "":
		refreshed, rerr := e.refreshSession(ctx, rt, tokens)
		if rerr != nil {
			e.log.Debugw("session refresh failed, restarting the flow", "tenant", t.ID, "err", rerr)
			return e.sessionFailure(r, rt, rerr)
		}
		return refreshed.outcome(e, rt, r, secure)

	default:
		return e.sessionFailure(r, rt, err)
	}
}

// refreshedSession is a refreshed token set pending identity construction.
type refreshedSession struct {
	tokens *provider.Tokens
	claims map[string]any
}

func (s *refreshedSession) outcome(e *Engine, rt *registry.Runtime, r *http.Request, secure bool) (*Outcome, error) {
	id, err := e.webIdentity(r.Context(), rt, s.tokens, s.claims)
	if err != nil {
		return e.sessionFailure(r, rt, err)
	}
	cookies, cerr := rt.Codec.EncodeSession(s.tokens, sessionMaxAge(rt.Provider.Tenant, s.tokens), secure)
	if cerr != nil {
		return nil, cerr
	}
	return identityOutcome(id, cookies...), nil
}

// refreshSession exchanges the refresh token and verifies the new ID token.
func (e *Engine) refreshSession(ctx context.Context, rt *registry.Runtime, old *provider.Tokens) (*refreshedSession, error) {
	fresh, err := rt.Provider.RefreshTokens(ctx, old.RefreshToken)
	if err != nil {
		return nil, err
	}
	if fresh.IDToken == "" {
		fresh.IDToken = old.IDToken
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = old.RefreshToken
	}
	res, err := e.verifyIDToken(ctx, rt, fresh.IDToken)
	if err != nil {
		// A provider that does not rotate the ID token leaves the old expired
		// one in place; accept it when the refresh itself succeeded.
		if !(provider.IsExpired(err) && fresh.IDToken == old.IDToken) {
			return nil, err
		}
		claims, _ := token.DecodeClaims(fresh.IDToken)
		res = &provider.Result{Claims: claims}
	}
	return &refreshedSession{tokens: fresh, claims: res.Claims}, nil
}

// verifyIDToken picks the internal or provider verification path. The nonce
// is only checked on the initial callback, never on session resumption.
func (e *Engine) verifyIDToken(ctx context.Context, rt *registry.Runtime, idToken string) (*provider.Result, error) {
	claims, _ := token.DecodeClaims(idToken)
	if b, ok := claims[internalTokenClaim].(bool); ok && b {
		return rt.Provider.VerifySelfSigned(ctx, idToken)
	}
	return rt.Provider.ResolveKeyAndVerify(ctx, idToken, "", false)
}

// sessionFailure discards the broken session and starts a fresh flow.
func (e *Engine) sessionFailure(r *http.Request, rt *registry.Runtime, err error) (*Outcome, error) {
	if errors.Is(err, provider.ErrServerUnavailable) {
		return e.degradeOutcome(rt.Provider.Tenant.ID, err)
	}
	e.log.Debugw("session no longer valid, restarting authentication",
		"tenant", rt.Provider.Tenant.ID, "err", err)
	expired := rt.Codec.ExpireSession(r, isSecure(r))
	o := e.startFlow(r, rt)
	o.Cookies = append(expired, o.Cookies...)
	return o, nil
}

// webIdentity builds the identity of a code-flow session from the verified
// ID token, optionally verifying the access token and fetching userinfo.
func (e *Engine) webIdentity(ctx context.Context, rt *registry.Runtime, tokens *provider.Tokens, idClaims map[string]any) (*identity.Identity, error) {
	t := rt.Provider.Tenant

	rolesClaims := idClaims
	var ui map[string]any
	var err error

	if t.Authentication.VerifyAccessToken && tokens.AccessToken != "" {
		atID, err := e.verifyBearer(ctx, rt, tokens.AccessToken)
		if err != nil {
			return nil, err
		}
		if t.Roles.Source == tenants.RoleSourceAccessToken {
			rolesClaims = atID.Claims
		}
	}
	if rt.UserInfoRequired {
		if ui, err = e.cachedUserInfo(ctx, rt, tokens.AccessToken); err != nil {
			return nil, err
		}
		if t.Roles.Source == tenants.RoleSourceUserInfo {
			rolesClaims = ui
		}
	}

	id := identity.New(principalFrom(idClaims, nil, ui))
	id.Credential = tokens.IDToken
	id.Claims = idClaims
	id.AddRoles(extractRoles(rolesClaims, t.Roles, t.ClientID)...)
	if _, perms := extractPermissions(idClaims); len(perms) > 0 {
		id.Permissions = perms
	}
	id.Attributes[identity.AttrTenantID] = t.ID
	id.Attributes[identity.AttrIDToken] = tokens.IDToken
	if tokens.AccessToken != "" {
		id.Attributes[identity.AttrAccessToken] = tokens.AccessToken
	}
	if tokens.RefreshToken != "" {
		id.Attributes[identity.AttrRefreshToken] = tokens.RefreshToken
	}
	if exp, ok := claimTime(idClaims, "exp"); ok {
		id.Attributes[identity.AttrExpiry] = exp
	}
	if ui != nil {
		id.Attributes[identity.AttrUserInfo] = ui
	}
	return id, nil
}

// logout runs RP-initiated logout: revoke what we hold, clear the session
// and send the user to the provider's end-session endpoint.
func (e *Engine) logout(r *http.Request, rt *registry.Runtime) (*Outcome, error) {
	ctx := r.Context()
	t := rt.Provider.Tenant
	secure := isSecure(r)

	tokens, ok, _ := rt.Codec.DecodeSession(r)
	cookies := rt.Codec.ExpireSession(r, secure)
	if !ok {
		return redirectOutcome("/", http.StatusFound, cookies...), nil
	}

	if tokens.AccessToken != "" {
		if err := rt.Provider.Revoke(ctx, tokens.AccessToken, "access_token"); err != nil {
			e.log.Debugw("access token revocation failed", "tenant", t.ID, "err", err)
		}
	}
	if tokens.RefreshToken != "" {
		if err := rt.Provider.Revoke(ctx, tokens.RefreshToken, "refresh_token"); err != nil {
			e.log.Debugw("refresh token revocation failed", "tenant", t.ID, "err", err)
		}
	}

	endSession := rt.Provider.Meta.EndSessionEndpoint
	if endSession == "" {
		return redirectOutcome("/", http.StatusFound, cookies...), nil
	}
	q := url.Values{"id_token_hint": {tokens.IDToken}, "client_id": {t.ClientID}}
	if t.Logout.PostLogoutPath != "" {
		q.Set("post_logout_redirect_uri", absoluteURL(r, t.Logout.PostLogoutPath))
		state := uuid.NewString()
		q.Set("state", state)
		cookies = append(cookies, rt.Codec.NewPostLogoutCookie(state, secure))
	}
	return redirectOutcome(endSession+"?"+q.Encode(), http.StatusFound, cookies...), nil
}

// postLogout validates the provider's redirect after logout against the
// post-logout state cookie.
func (e *Engine) postLogout(r *http.Request, rt *registry.Runtime) (*Outcome, error) {
	secure := isSecure(r)
	want, ok := rt.Codec.PostLogoutCookieValue(r)
	if !ok || want != r.URL.Query().Get("state") {
		e.log.Warnw("post-logout state mismatch", "tenant", rt.Provider.Tenant.ID)
		return challengeOutcome(http.StatusUnauthorized, ""), nil
	}
	clear := rt.Codec.NewPostLogoutCookie("", secure)
	clear.MaxAge = -1
	return &Outcome{Anonymous: true, Cookies: []*http.Cookie{clear}}, nil
}

// sessionMaxAge is the cookie lifetime: the token lifespan plus the
// configured grace and session age extension.
func sessionMaxAge(t *tenants.Tenant, tokens *provider.Tokens) time.Duration {
	lifespan := time.Duration(tokens.ExpiresIn) * time.Second
	if lifespan <= 0 {
		if claims, _ := token.DecodeClaims(tokens.IDToken); claims != nil {
			if exp, ok := claimTime(claims, "exp"); ok {
				lifespan = time.Until(exp)
			}
		}
	}
	if lifespan < 0 {
		lifespan = 0
	}
	return lifespan + t.Token.LifespanGrace + t.Authentication.SessionAgeExtension
}

// redirectURI computes the registered callback URI for this request.
func redirectURI(r *http.Request, t *tenants.Tenant) string {
	path := t.Authentication.RedirectPath
	if path == "" {
		path = r.URL.Path
	}
	return absoluteURL(r, path)
}

func absoluteURL(r *http.Request, path string) string {
	scheme := "http"
	if isSecure(r) {
		scheme = "https"
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, path)
}

func isSecure(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// sessionLogoutKeys lists the identifiers a back-channel logout may have
// named this session by.
func sessionLogoutKeys(claims map[string]any) []string {
	var out []string
	if sid := token.StringClaim(claims, "sid"); sid != "" {
		out = append(out, sid)
	}
	if sub := token.StringClaim(claims, "sub"); sub != "" {
		out = append(out, sub)
	}
	return out
}

func subjectOf(raw string) string {
	claims, _ := token.DecodeClaims(raw)
	return token.StringClaim(claims, "sub")
}

func randomURLSafe(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
