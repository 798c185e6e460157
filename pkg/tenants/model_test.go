package tenants

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestValidate(t *testing.T) {
	ok := Tenant{ID: "acme", AuthServerURL: "https://op.example", ClientID: "c"}
	assert.NoError(t, ok.Validate())

	cases := map[string]Tenant{
		"missing id": {},
		"web app without client id": {
			ID: "acme", ApplicationType: AppWebApp,
		},
		"public key with truststore": {
			ID: "acme", PublicKey: "pk", TruststoreFile: "/certs.pem",
		},
		"public key with introspection fallback": {
			ID: "acme", PublicKey: "pk",
			Token: TokenRules{AllowJWTIntrospection: true},
		},
		"unknown roles source": {
			ID: "acme", Roles: RoleRules{Source: "tea-leaves"},
		},
		"unknown application type": {
			ID: "acme", ApplicationType: "desktop",
		},
	}
	for name, tn := range cases {
		t.Run(name, func(t *testing.T) {
			err := tn.Validate()
			var cfgErr *ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestWithDefaults(t *testing.T) {
	d := Tenant{ID: "acme", ApplicationType: AppWebApp}.WithDefaults()
	assert.Equal(t, time.Minute, d.Token.ClockSkew)
	assert.Equal(t, 10*time.Second, d.Token.ForcedJWKSRefreshCooldown)
	assert.Equal(t, 10*time.Second, d.ConnectionTimeout)
	assert.Equal(t, []string{"openid"}, d.Authentication.Scopes)
	assert.Equal(t, "/", d.Authentication.CookiePath)

	// Service applications do not get the openid scope injected.
	s := Tenant{ID: "acme"}.WithDefaults()
	assert.Equal(t, AppService, s.ApplicationType)
	assert.Empty(t, s.Authentication.Scopes)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default:
  auth_server_url: https://op.example
  client_id: gateway
tenants:
  - id: acme
    auth_server_url: https://acme.op.example
    client_id: acme-client
    application_type: web-app
    paths: ["/acme"]
    authentication:
      pkce_required: true
`), 0o600))

	def, list, err := LoadFile(path)
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, DefaultTenantID, def.ID)
	assert.Equal(t, "gateway", def.ClientID)

	require.Len(t, list, 1)
	assert.Equal(t, "acme", list[0].ID)
	assert.Equal(t, AppWebApp, list[0].ApplicationType)
	assert.True(t, list[0].Authentication.PKCERequired)
	assert.Equal(t, []string{"openid"}, list[0].Authentication.Scopes, "defaults are applied on load")
}

func TestLoadFileRejectsInvalidTenant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tenants:
  - id: broken
    application_type: web-app
`), 0o600))

	_, _, err := LoadFile(path)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestMemoryStoreDuplicateKeepsFirst(t *testing.T) {
	log := zap.NewNop().Sugar()
	s := NewMemoryStore(log, []Tenant{
		{ID: "acme", ClientID: "first"},
		{ID: "acme", ClientID: "second"},
	})
	got, err := s.GetTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "first", got.ClientID)
}
