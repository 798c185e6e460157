package tenants

import (
	"context"

	"go.uber.org/zap"
)

type memStore struct {
	log  *zap.SugaredLogger
	byID map[string]Tenant
}

// NewMemoryStore builds a store over a fixed tenant list. The map key is the
// tenant id; the tenant's own id must match it, so the list is indexed by
// Tenant.ID verbatim.
func NewMemoryStore(log *zap.SugaredLogger, list []Tenant) Store {
	m := &memStore{log: log, byID: make(map[string]Tenant, len(list))}
	for _, t := range list {
		t = t.WithDefaults()
		if _, dup := m.byID[t.ID]; dup {
			log.Warnw("duplicate tenant id, keeping first", "tenant", t.ID)
			continue
		}
		m.byID[t.ID] = t
	}
	return m
}

func (m *memStore) GetTenant(_ context.Context, id string) (Tenant, error) {
	if t, ok := m.byID[id]; ok {
		return t, nil
	}
	return Tenant{}, ErrNotFound
}

func (m *memStore) ListTenants(_ context.Context) ([]Tenant, error) {
	out := make([]Tenant, 0, len(m.byID))
	for _, t := range m.byID {
		out = append(out, t)
	}
	return out, nil
}
