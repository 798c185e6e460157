// Package tenants holds the per-tenant OIDC relying-party configuration and
// the stores it is loaded from.
package tenants

import (
	"fmt"
	"time"
)

// ApplicationType selects the authentication mechanism for a tenant.
type ApplicationType string

const (
	AppService ApplicationType = "service" // bearer tokens only
	AppWebApp  ApplicationType = "web-app" // authorization code flow
	AppHybrid  ApplicationType = "hybrid"  // bearer if header present, else code flow
)

// DefaultTenantID is the id of the fallback tenant.
const DefaultTenantID = "Default"

// IssuerAny disables issuer validation when set as Token.Issuer.
const IssuerAny = "any"

// Role sources for RoleRules.Source.
const (
	RoleSourceIDToken     = "idtoken"
	RoleSourceAccessToken = "accesstoken"
	RoleSourceUserInfo    = "userinfo"
)

// Tenant is one relying-party identity. It is immutable after construction;
// the two runtime-discovered booleans (disabled, userinfo-required) live in a
// separate overrides struct owned by the tenant context, never here.
type Tenant struct {
	ID              string          `yaml:"id"`
	AuthServerURL   string          `yaml:"auth_server_url"`
	ApplicationType ApplicationType `yaml:"application_type"`
	ClientID        string          `yaml:"client_id"`
	Credentials     Credentials     `yaml:"credentials"`

	// Discovery defaults to on; explicit endpoints below override or replace
	// discovered values.
	DiscoveryDisabled bool      `yaml:"discovery_disabled"`
	Endpoints         Endpoints `yaml:"endpoints"`

	// PublicKey switches verification to a single static key (PEM or base64
	// DER) instead of the provider JWKS.
	PublicKey string `yaml:"public_key"`
	// TruststoreFile enables x5c certificate-chain verification.
	TruststoreFile     string `yaml:"truststore_file"`
	TruststorePassword string `yaml:"truststore_password"`

	Token          TokenRules          `yaml:"token"`
	Roles          RoleRules           `yaml:"roles"`
	Authentication AuthenticationRules `yaml:"authentication"`
	Logout         LogoutRules         `yaml:"logout"`

	// Request-to-tenant resolution inputs.
	Paths          []string `yaml:"paths"`            // path prefixes owned by this tenant
	AuthHeaderName string   `yaml:"auth_header_name"` // custom non-Authorization bearer header

	// Provider connection behaviour.
	ConnectionTimeout    time.Duration `yaml:"connection_timeout"`
	ConnectionRetryCount int           `yaml:"connection_retry_count"`
	JWKSFetchEarly       bool          `yaml:"jwks_fetch_early"`
}

// Credentials configures client authentication against the provider.
type Credentials struct {
	Secret string `yaml:"secret"`
	// Method: "basic" (default when a secret is set), "post", "post-jwt",
	// "jwt-bearer" (assertion read from AssertionFile).
	Method        string `yaml:"method"`
	AssertionFile string `yaml:"assertion_file"`
	// Introspection-specific basic auth, highest precedence when set.
	IntrospectionBasicUser string `yaml:"introspection_basic_user"`
	IntrospectionBasicPass string `yaml:"introspection_basic_pass"`
	// SecretProvider supplies rotating secrets; consulted instead of Secret
	// when set, and re-consulted once after a 401.
	SecretProvider func() string `yaml:"-" json:"-"`
}

// ClientSecret returns the effective secret.
func (c Credentials) ClientSecret() string {
	if c.SecretProvider != nil {
		return c.SecretProvider()
	}
	return c.Secret
}

// Endpoints are provider endpoint paths, absolute or relative to
// AuthServerURL.
type Endpoints struct {
	Authorization string `yaml:"authorization"`
	Token         string `yaml:"token"`
	JWKS          string `yaml:"jwks"`
	UserInfo      string `yaml:"userinfo"`
	Introspection string `yaml:"introspection"`
	EndSession    string `yaml:"end_session"`
	Revocation    string `yaml:"revocation"`
}

// TokenRules controls token validation.
type TokenRules struct {
	Issuer              string         `yaml:"issuer"` // "any" disables the check
	Audience            []string       `yaml:"audience"`
	RequiredClaims      map[string]any `yaml:"required_claims"`
	SignatureAlgorithms []string       `yaml:"signature_algorithms"`
	MaxAge              time.Duration  `yaml:"max_age"` // now - iat limit, 0 = unlimited
	ClockSkew           time.Duration  `yaml:"clock_skew"`
	IssuedAtRequired    bool           `yaml:"issued_at_required"`
	SubjectRequired     bool           `yaml:"subject_required"`

	// Introspection fallbacks.
	AllowOpaqueIntrospection bool `yaml:"allow_opaque_introspection"`
	AllowJWTIntrospection    bool `yaml:"allow_jwt_introspection"`

	// UserInfo behaviour.
	UserInfoRequired              bool `yaml:"userinfo_required"`
	VerifyAccessTokenWithUserInfo bool `yaml:"verify_access_token_with_userinfo"`

	// Key resolution.
	ForcedJWKSRefreshCooldown time.Duration `yaml:"forced_jwks_refresh_cooldown"`
	TryAllKeys                bool          `yaml:"try_all_keys"`

	// Lifespan grace added on top of the token lifespan for session cookies.
	LifespanGrace time.Duration `yaml:"lifespan_grace"`
}

// RoleRules controls role extraction from verified tokens.
type RoleRules struct {
	ClaimPath string `yaml:"claim_path"` // nested claim path, jmespath syntax
	Source    string `yaml:"source"`     // idtoken | accesstoken | userinfo
}

// AuthenticationRules controls the code flow and its cookies.
type AuthenticationRules struct {
	Scopes        []string `yaml:"scopes"`
	PKCERequired  bool     `yaml:"pkce_required"`
	NonceRequired bool     `yaml:"nonce_required"`

	RedirectPath             string `yaml:"redirect_path"`
	RestorePathAfterRedirect bool   `yaml:"restore_path_after_redirect"`
	RemoveRedirectParameters *bool  `yaml:"remove_redirect_parameters"` // default true
	JavaScriptWebApp         bool   `yaml:"javascript_web_app"`         // 499 instead of 302

	CookiePath          string        `yaml:"cookie_path"`
	CookieDomain        string        `yaml:"cookie_domain"`
	CookieSuffix        string        `yaml:"cookie_suffix"`
	CookieForceSecure   bool          `yaml:"cookie_force_secure"`
	SessionAgeExtension time.Duration `yaml:"session_age_extension"`

	SplitTokens        bool   `yaml:"split_tokens"`
	EncryptionRequired bool   `yaml:"encryption_required"`
	EncryptionSecret   string `yaml:"encryption_secret"`

	RefreshExpired       bool          `yaml:"refresh_expired"`
	RefreshTokenTimeSkew time.Duration `yaml:"refresh_token_time_skew"` // proactive refresh window
	VerifyAccessToken    bool          `yaml:"verify_access_token"`
	IDTokenRequired      *bool         `yaml:"id_token_required"` // default true; false permits internally minted ID tokens
}

// LogoutRules controls RP-initiated and back-channel logout.
type LogoutRules struct {
	Path            string `yaml:"path"`
	PostLogoutPath  string `yaml:"post_logout_path"`
	BackchannelPath string `yaml:"backchannel_path"`
}

// RemoveRedirectParams resolves the default for redirect parameter cleanup.
func (a AuthenticationRules) RemoveRedirectParams() bool {
	return a.RemoveRedirectParameters == nil || *a.RemoveRedirectParameters
}

// IDTokenMandatory resolves the default for requiring a provider ID token.
func (a AuthenticationRules) IDTokenMandatory() bool {
	return a.IDTokenRequired == nil || *a.IDTokenRequired
}

// IsWebApp reports whether the tenant ever runs the code flow.
func (t *Tenant) IsWebApp() bool {
	return t.ApplicationType == AppWebApp || t.ApplicationType == AppHybrid
}

// ConfigError is fatal at tenant-context construction time.
type ConfigError struct {
	TenantID string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("tenant %q: %s", e.TenantID, e.Reason)
}

// Validate enforces the property combinations that are fatal regardless of
// provider reachability.
func (t *Tenant) Validate() error {
	if t.ID == "" {
		return &ConfigError{TenantID: "?", Reason: "tenant id must be set"}
	}
	if t.IsWebApp() && t.ClientID == "" {
		return &ConfigError{TenantID: t.ID, Reason: "client_id is required for web-app and hybrid applications"}
	}
	if t.PublicKey != "" && t.TruststoreFile != "" {
		return &ConfigError{TenantID: t.ID, Reason: "public_key and truststore_file are mutually exclusive"}
	}
	if t.PublicKey != "" && (t.Token.AllowJWTIntrospection || t.Token.AllowOpaqueIntrospection) {
		return &ConfigError{TenantID: t.ID, Reason: "static public key verification cannot be combined with introspection fallbacks"}
	}
	switch t.Roles.Source {
	case "", RoleSourceIDToken, RoleSourceAccessToken, RoleSourceUserInfo:
	default:
		return &ConfigError{TenantID: t.ID, Reason: fmt.Sprintf("unknown roles source %q", t.Roles.Source)}
	}
	switch t.ApplicationType {
	case "", AppService, AppWebApp, AppHybrid:
	default:
		return &ConfigError{TenantID: t.ID, Reason: fmt.Sprintf("unknown application type %q", t.ApplicationType)}
	}
	return nil
}

// WithDefaults fills unset fields with their defaults and returns the tenant.
func (t Tenant) WithDefaults() Tenant {
	if t.ApplicationType == "" {
		t.ApplicationType = AppService
	}
	if t.Token.ClockSkew == 0 {
		t.Token.ClockSkew = time.Minute
	}
	if t.Token.ForcedJWKSRefreshCooldown == 0 {
		t.Token.ForcedJWKSRefreshCooldown = 10 * time.Second
	}
	if t.ConnectionTimeout == 0 {
		t.ConnectionTimeout = 10 * time.Second
	}
	if len(t.Authentication.Scopes) == 0 && t.IsWebApp() {
		t.Authentication.Scopes = []string{"openid"}
	}
	if t.Authentication.CookiePath == "" {
		t.Authentication.CookiePath = "/"
	}
	return t
}
