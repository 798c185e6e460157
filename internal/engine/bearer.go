package engine

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"oidcgate/internal/provider"
	"oidcgate/internal/registry"
	"oidcgate/pkg/tenants"
)

// Authenticate resolves the tenant for the request and runs the mechanism its
// application type selects. Hybrid tenants use bearer when a token is
// present and fall back to the code flow otherwise.
func (e *Engine) Authenticate(r *http.Request) (*Outcome, error) {
	tc, err := e.reg.Resolve(r)
	if err != nil {
		return nil, err
	}
	t := &tc.Tenant
	switch t.ApplicationType {
	case tenants.AppWebApp:
		o, err := e.authenticateCodeFlow(r, tc)
		if err != nil {
			return nil, err
		}
		return e.countOutcome(t.ID, "code", o), nil
	case tenants.AppHybrid:
		if bearerCredential(r, t) != "" {
			o, err := e.authenticateBearer(r, tc)
			if err != nil {
				return nil, err
			}
			return e.countOutcome(t.ID, "bearer", o), nil
		}
		o, err := e.authenticateCodeFlow(r, tc)
		if err != nil {
			return nil, err
		}
		return e.countOutcome(t.ID, "code", o), nil
	default:
		o, err := e.authenticateBearer(r, tc)
		if err != nil {
			return nil, err
		}
		return e.countOutcome(t.ID, "bearer", o), nil
	}
}

// authenticateBearer runs the bearer mechanism: no credential means
// anonymous continuation, a bad credential means a 401 challenge.
func (e *Engine) authenticateBearer(r *http.Request, tc *registry.Context) (*Outcome, error) {
	ctx := r.Context()
	raw := bearerCredential(r, &tc.Tenant)
	if raw == "" {
		return anonymousOutcome(), nil
	}
	rt, err := tc.Ensure(ctx)
	if err != nil {
		return e.degradeOutcome(tc.Tenant.ID, err)
	}
	id, err := e.verifyBearer(ctx, rt, raw)
	if err != nil {
		return e.bearerChallenge(tc.Tenant.ID, err)
	}
	return identityOutcome(id), nil
}

// bearerChallenge maps a verification failure to its 401 challenge.
func (e *Engine) bearerChallenge(tenantID string, err error) (*Outcome, error) {
	if errors.Is(err, provider.ErrServerUnavailable) {
		return e.degradeOutcome(tenantID, err)
	}
	var ve *provider.ValidationError
	if errors.As(err, &ve) && ve.Code == provider.CodeInsufficientAuth {
		hdr := `Bearer error="insufficient_user_authentication"`
		if len(ve.AcrValues) > 0 {
			hdr += fmt.Sprintf(`, acr_values=%q`, strings.Join(ve.AcrValues, " "))
		}
		return challengeOutcome(http.StatusUnauthorized, hdr), nil
	}
	e.log.Debugw("bearer authentication failed", "tenant", tenantID, "err", err)
	return challengeOutcome(http.StatusUnauthorized, `Bearer error="invalid_token"`), nil
}

// degradeOutcome rejects with 503 when the tenant's provider is unreachable.
// Configuration errors are surfaced so the caller can turn them into a 500.
func (e *Engine) degradeOutcome(tenantID string, err error) (*Outcome, error) {
	var cfgErr *tenants.ConfigError
	if errors.As(err, &cfgErr) {
		return nil, err
	}
	e.log.Warnw("tenant provider unavailable", "tenant", tenantID, "err", err)
	return challengeOutcome(http.StatusServiceUnavailable, ""), nil
}

// bearerCredential extracts the token from the tenant's configured header or
// the standard Authorization bearer scheme.
func bearerCredential(r *http.Request, t *tenants.Tenant) string {
	header := "Authorization"
	if t.AuthHeaderName != "" {
		header = t.AuthHeaderName
	}
	v := r.Header.Get(header)
	if v == "" {
		return ""
	}
	if len(v) > 7 && strings.EqualFold(v[:7], "Bearer ") {
		return strings.TrimSpace(v[7:])
	}
	if header != "Authorization" {
		// Custom headers may carry the bare token.
		return strings.TrimSpace(v)
	}
	return ""
}
