package tenants

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgStore implements Store backed by PostgreSQL, for tenants registered at
// runtime rather than in the static configuration.
type pgStore struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

// NewPostgresStore constructs a PostgreSQL-backed tenant store.
func NewPostgresStore(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Store {
	return &pgStore{dbPool: dbPool, log: log}
}

// EnsureSchema creates the tenants table if it does not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenants (
  id text PRIMARY KEY,
  auth_server_url text NOT NULL,
  application_type text NOT NULL DEFAULT 'service',
  client_id text,
  client_secret text,
  discovery_disabled boolean NOT NULL DEFAULT false,
  endpoints jsonb NOT NULL DEFAULT '{}'::jsonb,
  token_rules jsonb NOT NULL DEFAULT '{}'::jsonb,
  role_rules jsonb NOT NULL DEFAULT '{}'::jsonb,
  auth_rules jsonb NOT NULL DEFAULT '{}'::jsonb,
  logout_rules jsonb NOT NULL DEFAULT '{}'::jsonb,
  paths text[] DEFAULT '{}',
  auth_header_name text,
  connection_timeout_sec int NOT NULL DEFAULT 10,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
`)
	return err
}

const tenantColumns = `id, auth_server_url, application_type, COALESCE(client_id,''),
  COALESCE(client_secret,''), discovery_disabled, endpoints, token_rules, role_rules,
  auth_rules, logout_rules, paths, COALESCE(auth_header_name,''), connection_timeout_sec`

func (p *pgStore) GetTenant(ctx context.Context, id string) (Tenant, error) {
	row := p.dbPool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id=$1`, id)
	return scanTenant(row)
}

func (p *pgStore) ListTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := p.dbPool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()
	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertTenant registers or updates a dynamic tenant.
func UpsertTenant(ctx context.Context, dbPool *pgxpool.Pool, t Tenant) error {
	if err := t.Validate(); err != nil {
		return err
	}
	endpoints, _ := json.Marshal(t.Endpoints)
	tokenRules, _ := json.Marshal(t.Token)
	roleRules, _ := json.Marshal(t.Roles)
	authRules, _ := json.Marshal(t.Authentication)
	logoutRules, _ := json.Marshal(t.Logout)
	_, err := dbPool.Exec(ctx, `INSERT INTO tenants
	  (id, auth_server_url, application_type, client_id, client_secret, discovery_disabled,
	   endpoints, token_rules, role_rules, auth_rules, logout_rules, paths, auth_header_name,
	   connection_timeout_sec, updated_at)
	  VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW())
	  ON CONFLICT (id) DO UPDATE SET
	    auth_server_url=EXCLUDED.auth_server_url,
	    application_type=EXCLUDED.application_type,
	    client_id=EXCLUDED.client_id,
	    client_secret=EXCLUDED.client_secret,
	    discovery_disabled=EXCLUDED.discovery_disabled,
	    endpoints=EXCLUDED.endpoints,
	    token_rules=EXCLUDED.token_rules,
	    role_rules=EXCLUDED.role_rules,
	    auth_rules=EXCLUDED.auth_rules,
	    logout_rules=EXCLUDED.logout_rules,
	    paths=EXCLUDED.paths,
	    auth_header_name=EXCLUDED.auth_header_name,
	    connection_timeout_sec=EXCLUDED.connection_timeout_sec,
	    updated_at=NOW()`,
		t.ID, t.AuthServerURL, string(t.ApplicationType), t.ClientID, t.Credentials.Secret,
		t.DiscoveryDisabled, endpoints, tokenRules, roleRules, authRules, logoutRules,
		t.Paths, t.AuthHeaderName, int(t.ConnectionTimeout/time.Second))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (Tenant, error) {
	var t Tenant
	var appType, secret string
	var endpoints, tokenRules, roleRules, authRules, logoutRules []byte
	var timeoutSec int
	if err := row.Scan(&t.ID, &t.AuthServerURL, &appType, &t.ClientID, &secret,
		&t.DiscoveryDisabled, &endpoints, &tokenRules, &roleRules, &authRules,
		&logoutRules, &t.Paths, &t.AuthHeaderName, &timeoutSec); err != nil {
		return Tenant{}, ErrNotFound
	}
	t.ApplicationType = ApplicationType(appType)
	t.Credentials.Secret = secret
	t.ConnectionTimeout = time.Duration(timeoutSec) * time.Second
	_ = json.Unmarshal(endpoints, &t.Endpoints)
	_ = json.Unmarshal(tokenRules, &t.Token)
	_ = json.Unmarshal(roleRules, &t.Roles)
	_ = json.Unmarshal(authRules, &t.Authentication)
	_ = json.Unmarshal(logoutRules, &t.Logout)
	return t.WithDefaults(), nil
}
