package provider

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"

	"oidcgate/internal/keys"
	"oidcgate/internal/token"
	"oidcgate/pkg/tenants"
)

// ErrInactiveToken is the distinct failure for an introspection response
// with active=false, as opposed to a rule violation on an active token.
var ErrInactiveToken = errors.New("token introspection: token is not active")

// Provider is the state-free per-tenant facade over the verifier and the
// endpoint client.
type Provider struct {
	Tenant *tenants.Tenant
	Meta   *Metadata

	client      *Client
	resolver    keys.Resolver
	dynamic     *keys.Dynamic // nil unless JWKS-backed resolution
	internalKey []byte        // symmetric key for internally minted ID tokens
	log         *zap.SugaredLogger
	closed      atomic.Bool
}

// New assembles a provider. resolver and dynamic may point at the same
// resolver; dynamic is nil for static-key and cert-chain tenants.
func New(t *tenants.Tenant, meta *Metadata, client *Client, resolver keys.Resolver, dynamic *keys.Dynamic, internalKey []byte, log *zap.SugaredLogger) *Provider {
	return &Provider{
		Tenant:      t,
		Meta:        meta,
		client:      client,
		resolver:    resolver,
		dynamic:     dynamic,
		internalKey: internalKey,
		log:         log,
	}
}

// Close releases the underlying HTTP client and key cache. Idempotent; called
// once per tenant-context destruction.
func (p *Provider) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if p.dynamic != nil {
		p.dynamic.Close()
	}
	p.client.Close()
}

// baseOptions derives VerifyOptions from the tenant's token rules.
func (p *Provider) baseOptions() VerifyOptions {
	rules := p.Tenant.Token
	issuer := rules.Issuer
	if issuer == "" {
		issuer = p.Meta.Issuer
	}
	return VerifyOptions{
		Issuer:           issuer,
		Audience:         rules.Audience,
		AudienceFallback: p.Tenant.ClientID,
		ExpRequired:      true,
		IssuedAtRequired: rules.IssuedAtRequired,
		SubjectRequired:  rules.SubjectRequired,
		MaxAge:           rules.MaxAge,
		ClockSkew:        rules.ClockSkew,
		Algorithms:       rules.SignatureAlgorithms,
		RequiredClaims:   rules.RequiredClaims,
	}
}

// Verify validates a token against the tenant's rules with the configured
// resolver, without any fallback.
func (p *Provider) Verify(ctx context.Context, raw, nonce string, validators ...ClaimValidator) (*Result, error) {
	opts := p.baseOptions()
	opts.Nonce = nonce
	opts.Validators = validators
	claims, err := verifyToken(ctx, raw, p.resolver, opts)
	if err != nil {
		return nil, err
	}
	return &Result{Claims: claims}, nil
}

// ResolveKeyAndVerify is the dynamic-resolver verification path with the
// retry-once-on-unresolvable-key pattern: a key-not-found failure forces a
// key-set refresh (subject to the cool-down) and one re-verification, then
// falls back to remote introspection when the caller allowed it.
func (p *Provider) ResolveKeyAndVerify(ctx context.Context, raw, nonce string, allowIntrospection bool, validators ...ClaimValidator) (*Result, error) {
	res, err := p.Verify(ctx, raw, nonce, validators...)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, keys.ErrUnresolvableKey) || p.dynamic == nil {
		return nil, err
	}
	origErr := err
	refreshed, rerr := p.dynamic.ForceRefresh(ctx)
	if rerr != nil {
		return nil, origErr
	}
	if refreshed {
		if res, err = p.Verify(ctx, raw, nonce, validators...); err == nil {
			return res, nil
		}
	}
	if !allowIntrospection || !p.Tenant.Token.AllowJWTIntrospection {
		return nil, origErr
	}
	intro, ierr := p.Introspect(ctx, raw)
	if ierr != nil {
		return nil, origErr
	}
	// Introspection vouched for the token; keep the locally decoded claims
	// alongside the introspection response.
	claims, _ := token.DecodeClaims(raw)
	return &Result{Claims: claims, Introspection: intro}, nil
}

// RefreshJwksAndVerify forces a key-set refresh before verifying; used by
// callers that already know the local set is stale.
func (p *Provider) RefreshJwksAndVerify(ctx context.Context, raw, nonce string) (*Result, error) {
	if p.dynamic != nil {
		if _, err := p.dynamic.ForceRefresh(ctx); err != nil {
			return nil, err
		}
	}
	return p.Verify(ctx, raw, nonce)
}

// VerifySelfSigned validates an internally minted ID token signed with the
// tenant's symmetric key. Used when the provider issues no ID token.
func (p *Provider) VerifySelfSigned(ctx context.Context, raw string) (*Result, error) {
	if len(p.internalKey) == 0 {
		return nil, &ValidationError{Code: CodeSignature, Msg: "no internal signing key configured"}
	}
	if _, err := jwt.Parse([]byte(raw), jwt.WithKey(jwa.HS256, p.internalKey), jwt.WithValidate(false)); err != nil {
		return nil, &ValidationError{Code: CodeSignature, Msg: "internal token signature invalid", cause: err}
	}
	claims, err := token.DecodeClaims(raw)
	if err != nil || claims == nil {
		return nil, &ValidationError{Code: CodeMalformed, Msg: "internal token claims not decodable", cause: err}
	}
	opts := VerifyOptions{
		Issuer:       p.Tenant.ClientID,
		Audience:     []string{p.Tenant.ClientID},
		ExpRequired:  true,
		ClockSkew:    p.Tenant.Token.ClockSkew,
	}
	if err := validateClaims(ctx, claims, opts); err != nil {
		return nil, err
	}
	return &Result{Claims: claims}, nil
}

// MintInternalIDToken builds the self-signed replacement ID token from code
// flow tokens when the provider returned none.
func (p *Provider) MintInternalIDToken(sub string, lifetime time.Duration) (string, error) {
	if len(p.internalKey) == 0 {
		return "", fmt.Errorf("tenant %q: no internal signing key", p.Tenant.ID)
	}
	now := time.Now()
	builder := jwt.NewBuilder().
		Issuer(p.Tenant.ClientID).
		Audience([]string{p.Tenant.ClientID}).
		IssuedAt(now).
		Expiration(now.Add(lifetime)).
		Claim("internal", true)
	if sub != "" {
		builder = builder.Subject(sub)
	}
	tok, err := builder.Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, p.internalKey))
	if err != nil {
		return "", fmt.Errorf("sign internal id token: %w", err)
	}
	return string(signed), nil
}

// VerifyLogoutToken validates a back-channel logout token. The exp
// requirement is relaxed during structural parsing, but a present exp must
// still be unexpired and the age limit still applies.
func (p *Provider) VerifyLogoutToken(ctx context.Context, raw string) (*Result, error) {
	opts := p.baseOptions()
	opts.ExpRequired = false
	opts.IssuedAtRequired = true
	claims, err := verifyToken(ctx, raw, p.resolver, opts)
	if err != nil {
		if errors.Is(err, keys.ErrUnresolvableKey) && p.dynamic != nil {
			if refreshed, rerr := p.dynamic.ForceRefresh(ctx); rerr == nil && refreshed {
				claims, err = verifyToken(ctx, raw, p.resolver, opts)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return &Result{Claims: claims}, nil
}

// Introspect calls the introspection endpoint and applies the tenant's rules
// to the response: the active flag, expiry, issued-at age, and the
// required-claims map. An inactive token is its own failure, distinct from
// rule violations.
func (p *Provider) Introspect(ctx context.Context, raw string) (*Introspection, error) {
	body, err := p.client.Introspect(ctx, raw, "access_token")
	if err != nil {
		return nil, err
	}
	intro, err := parseIntrospection(body)
	if err != nil {
		return nil, err
	}
	if !intro.Active() {
		return nil, ErrInactiveToken
	}
	now := time.Now()
	rules := p.Tenant.Token
	if exp, ok := intro.Expiration(); ok && now.After(exp.Add(rules.ClockSkew)) {
		return nil, &ValidationError{Code: CodeExpired, Msg: "introspected token has expired"}
	}
	if rules.MaxAge > 0 {
		if iat, ok := intro.IssuedAt(); ok && now.Sub(iat) > rules.MaxAge+rules.ClockSkew {
			return nil, &ValidationError{Code: CodeExpired, Msg: "introspected token exceeds the configured age limit"}
		}
	}
	for name, want := range rules.RequiredClaims {
		v, _ := intro.Get(name)
		if !claimMatches(v, want) {
			return nil, &ValidationError{Code: CodeClaim, Msg: fmt.Sprintf("introspection claim %q does not match", name)}
		}
	}
	return intro, nil
}

// UserInfo fetches the userinfo document. A JWT-signed response is verified
// through the tenant's resolver, with the usual one-shot refresh retry on an
// unresolvable key.
func (p *Provider) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	body, isJWT, err := p.client.UserInfo(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if !isJWT {
		claims, err := token.DecodeJSON(body)
		if err != nil {
			return nil, fmt.Errorf("decode userinfo response: %w", err)
		}
		return claims, nil
	}
	opts := VerifyOptions{
		Issuer:       p.Meta.Issuer,
		SkipAudience: true,
		ClockSkew:    p.Tenant.Token.ClockSkew,
	}
	claims, err := verifyToken(ctx, string(body), p.resolver, opts)
	if err != nil && errors.Is(err, keys.ErrUnresolvableKey) && p.dynamic != nil {
		if refreshed, rerr := p.dynamic.ForceRefresh(ctx); rerr == nil && refreshed {
			claims, err = verifyToken(ctx, string(body), p.resolver, opts)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("verify signed userinfo: %w", err)
	}
	return claims, nil
}

// CodeFlowTokens redeems an authorization code.
func (p *Provider) CodeFlowTokens(ctx context.Context, code, redirectURI, codeVerifier string) (*Tokens, error) {
	return p.client.Exchange(ctx, code, redirectURI, codeVerifier)
}

// RefreshTokens exchanges a refresh token.
func (p *Provider) RefreshTokens(ctx context.Context, refreshToken string) (*Tokens, error) {
	return p.client.Refresh(ctx, refreshToken)
}

// Revoke revokes a token at the provider.
func (p *Provider) Revoke(ctx context.Context, raw, typeHint string) error {
	return p.client.Revoke(ctx, raw, typeHint)
}
