// Package registry owns the per-tenant runtime contexts and resolves
// incoming requests to one of them.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"oidcgate/internal/keys"
	"oidcgate/internal/provider"
	"oidcgate/internal/session"
	"oidcgate/pkg/tenants"
)

// Runtime is the ready state of a tenant context: the provider facade and the
// session codec, built from reachable provider metadata.
type Runtime struct {
	Provider *provider.Provider
	Codec    *session.Codec

	// UserInfoRequired is the effective value after runtime overrides.
	UserInfoRequired bool
}

// Overrides are the runtime-discovered settings layered over the immutable
// tenant configuration. The base Tenant is never mutated; accessors consult
// the overrides first.
type Overrides struct {
	Disabled         bool
	UserInfoRequired *bool
}

// Context is one tenant's runtime context. It starts not-ready when the
// provider is unreachable at creation and initializes lazily on first use;
// configuration errors are sticky and fail every request for the tenant.
type Context struct {
	Tenant tenants.Tenant

	log *zap.SugaredLogger

	// issuerRetried gates the single lazy initialization attempt that
	// issuer-based resolution is allowed for a not-ready context.
	issuerRetried atomic.Bool

	mu       sync.Mutex
	rt       *Runtime
	ov       Overrides
	fatalErr error
}

// Disabled reports whether the tenant was disabled at runtime. Fatally
// misconfigured tenants are disabled so resolution stops considering them.
func (c *Context) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ov.Disabled
}

// UserInfoRequired returns the effective userinfo requirement, overrides
// first.
func (c *Context) UserInfoRequired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ov.UserInfoRequired != nil {
		return *c.ov.UserInfoRequired
	}
	return c.Tenant.Token.UserInfoRequired
}

// NewContext builds a context and attempts eager initialization. A transport
// failure leaves the context not-ready and is returned for logging; a
// configuration error is fatal and recorded on the context.
func NewContext(ctx context.Context, t tenants.Tenant, log *zap.SugaredLogger) (*Context, error) {
	c := &Context{Tenant: t, log: log.With("tenant", t.ID)}
	_, err := c.Ensure(ctx)
	return c, err
}

// Ready reports whether the provider connection has been established.
func (c *Context) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rt != nil
}

// Ensure returns the runtime, initializing it if this context is still
// not-ready. Each caller gets exactly one initialization attempt; concurrent
// callers share it.
func (c *Context) Ensure(ctx context.Context) (*Runtime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatalErr != nil {
		return nil, c.fatalErr
	}
	if c.rt != nil {
		return c.rt, nil
	}
	rt, err := c.initialize(ctx)
	if err != nil {
		var cfgErr *tenants.ConfigError
		if errors.As(err, &cfgErr) {
			c.fatalErr = err
			c.ov.Disabled = true
		}
		return nil, err
	}
	c.rt = rt
	return rt, nil
}

// Close shuts the provider down. The context must not be used afterwards.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rt != nil {
		c.rt.Provider.Close()
		c.rt = nil
	}
}

// initialize performs discovery, key resolver construction and codec setup.
func (c *Context) initialize(ctx context.Context) (*Runtime, error) {
	t := &c.Tenant
	if err := t.Validate(); err != nil {
		return nil, err
	}

	var meta *provider.Metadata
	if t.DiscoveryDisabled {
		meta = provider.BuildMetadata(t, nil)
	} else {
		discovered, err := provider.Discover(ctx, &http.Client{Timeout: t.ConnectionTimeout}, t.AuthServerURL)
		if err != nil {
			return nil, fmt.Errorf("tenant %q: discovery: %w", t.ID, err)
		}
		meta = provider.BuildMetadata(t, discovered)
	}

	client := provider.NewClient(t, meta, c.log)
	resolver, dynamic, err := c.buildResolver(ctx, t, client)
	if err != nil {
		client.Close()
		return nil, err
	}

	codec, err := session.NewCodec(t, c.encryptionKey())
	if err != nil {
		client.Close()
		return nil, err
	}

	// Sourcing roles from userinfo implies fetching it; recorded as a runtime
	// override, the static configuration stays untouched.
	userInfoRequired := t.Token.UserInfoRequired
	if t.Roles.Source == tenants.RoleSourceUserInfo && !userInfoRequired {
		userInfoRequired = true
		c.ov.UserInfoRequired = &userInfoRequired
	}

	p := provider.New(t, meta, client, resolver, dynamic, c.internalKey(), c.log)
	c.log.Infow("tenant context ready", "issuer", meta.Issuer, "application_type", t.ApplicationType)
	return &Runtime{Provider: p, Codec: codec, UserInfoRequired: userInfoRequired}, nil
}

// buildResolver picks the key resolution strategy: static public key, x5c
// cert chain against a truststore, or the JWKS-backed dynamic resolver.
func (c *Context) buildResolver(ctx context.Context, t *tenants.Tenant, client *provider.Client) (keys.Resolver, *keys.Dynamic, error) {
	if t.PublicKey != "" {
		r, err := keys.NewStatic([]byte(t.PublicKey))
		if err != nil {
			return nil, nil, &tenants.ConfigError{TenantID: t.ID, Reason: err.Error()}
		}
		return r, nil, nil
	}

	var chain *keys.CertChain
	if t.TruststoreFile != "" {
		trusted, err := loadTruststore(t.TruststoreFile)
		if err != nil {
			return nil, nil, &tenants.ConfigError{TenantID: t.ID, Reason: fmt.Sprintf("truststore: %v", err)}
		}
		if chain, err = keys.NewCertChain(trusted); err != nil {
			return nil, nil, &tenants.ConfigError{TenantID: t.ID, Reason: err.Error()}
		}
	}

	dyn := keys.NewDynamic(client.JWKS, keys.DynamicConfig{
		RefreshCooldown: t.Token.ForcedJWKSRefreshCooldown,
		TryAll:          t.Token.TryAllKeys,
		ChainFallback:   chain,
	}, c.log)
	if t.JWKSFetchEarly {
		if err := dyn.Prime(ctx); err != nil {
			dyn.Close()
			return nil, nil, fmt.Errorf("tenant %q: early jwks fetch: %w", t.ID, err)
		}
	}
	return dyn, dyn, nil
}

// internalKey derives the symmetric key for internally minted ID tokens from
// the client secret. Tenants without a secret cannot mint internal tokens.
func (c *Context) internalKey() []byte {
	secret := c.Tenant.Credentials.ClientSecret()
	if secret == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// encryptionKey derives the session encryption key: the configured secret
// when set, otherwise the client secret, otherwise a random per-instance key.
// A random key means sessions do not survive restarts or span instances.
func (c *Context) encryptionKey() []byte {
	if !c.Tenant.Authentication.EncryptionRequired {
		return nil
	}
	material := c.Tenant.Authentication.EncryptionSecret
	if material == "" {
		material = c.Tenant.Credentials.ClientSecret()
	}
	if material != "" {
		sum := sha256.Sum256([]byte(material))
		return sum[:]
	}
	c.log.Warnw("no encryption secret configured, generating a per-instance session key")
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil
	}
	return key
}

// loadTruststore reads a PEM bundle of trusted certificates.
func loadTruststore(path string) ([]*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%s contains no certificates", path)
	}
	return certs, nil
}
