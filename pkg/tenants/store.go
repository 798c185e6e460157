package tenants

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no tenant exists under the requested id.
var ErrNotFound = errors.New("tenant not found")

// Store supplies tenant configurations. Static tenants come from the
// application configuration; dynamic tenants from a database-backed store.
type Store interface {
	// GetTenant returns the tenant stored under id.
	GetTenant(ctx context.Context, id string) (Tenant, error)
	// ListTenants returns every known tenant.
	ListTenants(ctx context.Context) ([]Tenant, error)
}
