package engine

import (
	"strings"

	"github.com/jmespath/go-jmespath"

	"oidcgate/pkg/tenants"
)

// extractRoles pulls roles out of a claims document. Precedence: the
// configured claim path, then a top-level groups claim, then the Keycloak
// realm and client role containers.
func extractRoles(claims map[string]any, rules tenants.RoleRules, clientID string) []string {
	if claims == nil {
		return nil
	}
	if rules.ClaimPath != "" {
		if v, err := jmespath.Search(rules.ClaimPath, claims); err == nil {
			if roles := toStrings(v); len(roles) > 0 {
				return roles
			}
		}
		return nil
	}
	if roles := toStrings(claims["groups"]); len(roles) > 0 {
		return roles
	}
	var out []string
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		out = append(out, toStrings(realm["roles"])...)
	}
	if resources, ok := claims["resource_access"].(map[string]any); ok {
		if client, ok := resources[clientID].(map[string]any); ok {
			out = append(out, toStrings(client["roles"])...)
		}
	}
	return out
}

// extractPermissions splits the scope claim into permissions. A scope of the
// form "resource:action" is a permission; plain scopes are returned as roles
// alongside.
func extractPermissions(claims map[string]any) (scopes, permissions []string) {
	raw, _ := claims["scope"].(string)
	if raw == "" {
		return nil, nil
	}
	for _, s := range strings.Fields(raw) {
		if strings.Contains(s, ":") {
			permissions = append(permissions, s)
		} else {
			scopes = append(scopes, s)
		}
	}
	return scopes, permissions
}

// toStrings normalizes a claim value into a string slice: a JSON array of
// strings, a single string, or a space- or comma-separated list.
func toStrings(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	case string:
		if val == "" {
			return nil
		}
		sep := " "
		if strings.Contains(val, ",") {
			sep = ","
		}
		parts := strings.Split(val, sep)
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}
