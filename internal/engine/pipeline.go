package engine

import (
	"context"
	"time"

	"oidcgate/internal/provider"
	"oidcgate/internal/registry"
	"oidcgate/internal/token"
	"oidcgate/pkg/identity"
	"oidcgate/pkg/tenants"
)

// verifyBearer validates an access token and builds the caller identity.
// JWTs always verify locally (with the introspection fallback); only opaque
// tokens may use userinfo as the verification itself. For JWTs userinfo is
// fetched after verification, never instead of it.
func (e *Engine) verifyBearer(ctx context.Context, rt *registry.Runtime, raw string) (*identity.Identity, error) {
	t := rt.Provider.Tenant
	if token.IsOpaque(raw) {
		return e.opaqueIdentity(ctx, rt, raw)
	}
	res, err := rt.Provider.ResolveKeyAndVerify(ctx, raw, "", true)
	if err != nil {
		return nil, err
	}
	var ui map[string]any
	if rt.UserInfoRequired || t.Token.VerifyAccessTokenWithUserInfo {
		if ui, err = e.cachedUserInfo(ctx, rt, raw); err != nil {
			return nil, err
		}
	}
	return e.buildIdentity(t, raw, res.Claims, res.Introspection, ui), nil
}

// opaqueIdentity authenticates a token that is not a compact JWS.
func (e *Engine) opaqueIdentity(ctx context.Context, rt *registry.Runtime, raw string) (*identity.Identity, error) {
	t := rt.Provider.Tenant
	if t.Token.VerifyAccessTokenWithUserInfo {
		ui, err := e.cachedUserInfo(ctx, rt, raw)
		if err != nil {
			return nil, err
		}
		return e.buildIdentity(t, raw, nil, nil, ui), nil
	}
	if !t.Token.AllowOpaqueIntrospection {
		return nil, &provider.ValidationError{Code: provider.CodeMalformed, Msg: "opaque tokens are not accepted by this tenant"}
	}
	intro, err := e.cachedIntrospect(ctx, rt, raw)
	if err != nil {
		return nil, err
	}
	var ui map[string]any
	if rt.UserInfoRequired {
		if ui, err = e.cachedUserInfo(ctx, rt, raw); err != nil {
			return nil, err
		}
	}
	return e.buildIdentity(t, raw, nil, intro, ui), nil
}

// cachedIntrospect introspects through the shared result cache. Only active
// verdicts are cached; failures always hit the provider again.
func (e *Engine) cachedIntrospect(ctx context.Context, rt *registry.Runtime, raw string) (*provider.Introspection, error) {
	if intro, ok := e.introCache.Get(introKey(rt, raw)); ok {
		return intro, nil
	}
	intro, err := rt.Provider.Introspect(ctx, raw)
	if err != nil {
		return nil, err
	}
	e.introCache.Put(introKey(rt, raw), intro)
	return intro, nil
}

// cachedUserInfo fetches userinfo through the shared result cache.
func (e *Engine) cachedUserInfo(ctx context.Context, rt *registry.Runtime, accessToken string) (map[string]any, error) {
	if ui, ok := e.userInfoCache.Get(introKey(rt, accessToken)); ok {
		return ui, nil
	}
	ui, err := rt.Provider.UserInfo(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	e.userInfoCache.Put(introKey(rt, accessToken), ui)
	return ui, nil
}

// introKey scopes cache entries to the tenant, so two tenants sharing a
// token string never see each other's results.
func introKey(rt *registry.Runtime, raw string) string {
	return rt.Provider.Tenant.ID + "\x00" + raw
}

// buildIdentity assembles the caller identity from whichever claim sources
// the verification produced.
func (e *Engine) buildIdentity(t *tenants.Tenant, raw string, claims map[string]any, intro *provider.Introspection, ui map[string]any) *identity.Identity {
	id := identity.New(principalFrom(claims, intro, ui))
	id.Credential = raw
	id.Claims = claims
	if id.Claims == nil && ui != nil {
		id.Claims = ui
	}

	id.AddRoles(extractRoles(rolesDocument(t, claims, intro, ui), t.Roles, t.ClientID)...)

	scopeDoc := claims
	if scopeDoc == nil && intro != nil {
		scopeDoc = intro.Claims()
	}
	if scopeDoc != nil {
		_, perms := extractPermissions(scopeDoc)
		id.Permissions = perms
	}

	id.Attributes[identity.AttrTenantID] = t.ID
	if exp, ok := expiryFrom(claims, intro); ok {
		id.Attributes[identity.AttrExpiry] = exp
	}
	if intro != nil {
		id.Attributes[identity.AttrIntrospection] = intro
	}
	if ui != nil {
		id.Attributes[identity.AttrUserInfo] = ui
	}
	return id
}

// rolesDocument picks the claims document roles are read from.
func rolesDocument(t *tenants.Tenant, claims map[string]any, intro *provider.Introspection, ui map[string]any) map[string]any {
	switch t.Roles.Source {
	case tenants.RoleSourceUserInfo:
		return ui
	case tenants.RoleSourceIDToken, tenants.RoleSourceAccessToken:
		return claims
	}
	if claims != nil {
		return claims
	}
	if intro != nil {
		return intro.Claims()
	}
	return ui
}

func principalFrom(claims map[string]any, intro *provider.Introspection, ui map[string]any) string {
	for _, doc := range []map[string]any{claims, ui} {
		for _, name := range []string{"preferred_username", "upn", "sub"} {
			if s := token.StringClaim(doc, name); s != "" {
				return s
			}
		}
	}
	if intro != nil {
		if s, _ := intro.Get("username"); s != nil {
			if str, ok := s.(string); ok && str != "" {
				return str
			}
		}
		return intro.Subject()
	}
	return ""
}

func expiryFrom(claims map[string]any, intro *provider.Introspection) (time.Time, bool) {
	if exp, ok := claimTime(claims, "exp"); ok {
		return exp, true
	}
	if intro != nil {
		return intro.Expiration()
	}
	return time.Time{}, false
}

// claimTime reads a NumericDate claim.
func claimTime(claims map[string]any, name string) (time.Time, bool) {
	if claims == nil {
		return time.Time{}, false
	}
	switch v := claims[name].(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	default:
		return time.Time{}, false
	}
}
