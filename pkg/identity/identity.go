// Package identity is the authenticated-caller representation handed to
// application handlers after a request passed an authentication mechanism.
package identity

import (
	"context"
	"time"
)

// Attribute keys set by the authentication engine.
const (
	AttrTenantID      = "tenant_id"
	AttrUserInfo      = "userinfo"
	AttrIntrospection = "introspection"
	AttrExpiry        = "expiry"
	AttrIDToken       = "id_token"
	AttrAccessToken   = "access_token"
	AttrRefreshToken  = "refresh_token"
)

// Identity is an authenticated caller: the verified principal, the roles and
// permissions extracted from its credential, and the credential itself.
type Identity struct {
	Principal   string
	Roles       map[string]struct{}
	Permissions []string
	Claims      map[string]any
	Attributes  map[string]any

	// Credential is the raw bearer credential the identity was built from.
	Credential string
}

// New builds an identity for a principal.
func New(principal string) *Identity {
	return &Identity{
		Principal:  principal,
		Roles:      make(map[string]struct{}),
		Attributes: make(map[string]any),
	}
}

// HasRole reports membership of a single role.
func (i *Identity) HasRole(role string) bool {
	_, ok := i.Roles[role]
	return ok
}

// AddRoles records roles, ignoring empties.
func (i *Identity) AddRoles(roles ...string) {
	for _, r := range roles {
		if r != "" {
			i.Roles[r] = struct{}{}
		}
	}
}

// RoleList returns the roles as a slice, order unspecified.
func (i *Identity) RoleList() []string {
	out := make([]string, 0, len(i.Roles))
	for r := range i.Roles {
		out = append(out, r)
	}
	return out
}

// TenantID returns the tenant the identity was authenticated under.
func (i *Identity) TenantID() string {
	s, _ := i.Attributes[AttrTenantID].(string)
	return s
}

// Expiry returns the credential expiry when known.
func (i *Identity) Expiry() (time.Time, bool) {
	t, ok := i.Attributes[AttrExpiry].(time.Time)
	return t, ok
}

// UserInfo returns the cached userinfo claims when the pipeline fetched them.
func (i *Identity) UserInfo() (map[string]any, bool) {
	m, ok := i.Attributes[AttrUserInfo].(map[string]any)
	return m, ok
}

type ctxKey int

const identityKey ctxKey = iota

// WithIdentity attaches an identity to a request context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext reads the identity set by the authentication middleware.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}
