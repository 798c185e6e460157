// Package provider wraps one tenant's OIDC provider: endpoint metadata,
// the HTTP client for its endpoints, and token verification against it.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"oidcgate/pkg/tenants"
)

const wellKnownPath = "/.well-known/openid-configuration"

// maxMetadataSize bounds the discovery response body.
const maxMetadataSize = 1 << 20

// Metadata holds the provider's endpoint URIs, discovered or static. Created
// once per tenant context and immutable afterwards; a changed provider means
// a recreated context.
type Metadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	IntrospectionEndpoint string `json:"introspection_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
}

// Discover fetches the well-known configuration document of the issuer.
func Discover(ctx context.Context, client *http.Client, authServerURL string) (*Metadata, error) {
	u := strings.TrimSuffix(authServerURL, "/") + wellKnownPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}
	var m Metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataSize)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode discovery document: %w", err)
	}
	return &m, nil
}

// BuildMetadata overlays the tenant's explicit endpoints on top of the
// discovered document. Relative paths resolve against the auth server URL.
func BuildMetadata(t *tenants.Tenant, discovered *Metadata) *Metadata {
	m := &Metadata{}
	if discovered != nil {
		*m = *discovered
	}
	base := strings.TrimSuffix(t.AuthServerURL, "/")
	if m.Issuer == "" {
		m.Issuer = base
	}
	overlay := func(dst *string, explicit string) {
		if explicit == "" {
			return
		}
		if strings.HasPrefix(explicit, "http://") || strings.HasPrefix(explicit, "https://") {
			*dst = explicit
			return
		}
		*dst = base + "/" + strings.TrimPrefix(explicit, "/")
	}
	overlay(&m.AuthorizationEndpoint, t.Endpoints.Authorization)
	overlay(&m.TokenEndpoint, t.Endpoints.Token)
	overlay(&m.JWKSURI, t.Endpoints.JWKS)
	overlay(&m.UserinfoEndpoint, t.Endpoints.UserInfo)
	overlay(&m.IntrospectionEndpoint, t.Endpoints.Introspection)
	overlay(&m.EndSessionEndpoint, t.Endpoints.EndSession)
	overlay(&m.RevocationEndpoint, t.Endpoints.Revocation)
	return m
}
