package keys

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"oidcgate/internal/cache"
)

// FetchFunc retrieves the raw JWKS document from the provider.
type FetchFunc func(ctx context.Context) ([]byte, error)

// DynamicConfig tunes the JWKS-backed resolver.
type DynamicConfig struct {
	CacheMaxSize    int
	CacheTTL        time.Duration
	SweepInterval   time.Duration
	RefreshCooldown time.Duration // min gap between key-not-found refreshes
	TryAll          bool          // scan every key when no identifier matches
	ChainFallback   *CertChain    // optional x5c fallback
}

// Dynamic resolves keys against a periodically refreshed JWKS. The current
// Set is an immutable snapshot replaced wholesale on refresh; individual
// resolved keys are additionally cached by the identifier that matched them.
type Dynamic struct {
	fetch             FetchFunc
	cfg               DynamicConfig
	log               *zap.SugaredLogger
	set               atomic.Pointer[Set]
	keyCache          *cache.Cache[jwk.Key]
	lastForcedRefresh atomic.Int64 // unix nanos
}

func NewDynamic(fetch FetchFunc, cfg DynamicConfig, log *zap.SugaredLogger) *Dynamic {
	if cfg.CacheMaxSize <= 0 {
		cfg.CacheMaxSize = 100
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.RefreshCooldown <= 0 {
		cfg.RefreshCooldown = 10 * time.Second
	}
	return &Dynamic{
		fetch:    fetch,
		cfg:      cfg,
		log:      log,
		keyCache: cache.New[jwk.Key](cfg.CacheMaxSize, cfg.CacheTTL, cfg.SweepInterval),
	}
}

// Resolve implements the resolution order of the dynamic strategy: local
// cache, x5c delegation, then JWKS match by kid, x5t#S256, x5t, keyless.
func (d *Dynamic) Resolve(ctx context.Context, hdr TokenHeaders) (jwk.Key, error) {
	if key, ok := d.cachedKey(hdr); ok {
		return key, nil
	}
	// A token carrying only an x5c chain never matches a JWKS entry; hand it
	// to the chain resolver when one is configured.
	if !hdr.HasKeyIdentifier() && hdr.Chain != nil && hdr.Chain.Len() > 0 && d.cfg.ChainFallback != nil {
		return d.cfg.ChainFallback.Resolve(ctx, hdr)
	}
	set := d.set.Load()
	if set == nil {
		var err error
		if set, err = d.refresh(ctx); err != nil {
			return nil, fmt.Errorf("%w: jwks fetch failed: %v", ErrUnresolvableKey, err)
		}
	}
	if key, err := d.matchSet(set, hdr); err == nil {
		return key, nil
	} else if d.cfg.ChainFallback != nil && hdr.Chain != nil && hdr.Chain.Len() > 0 {
		return d.cfg.ChainFallback.Resolve(ctx, hdr)
	} else {
		return nil, err
	}
}

// matchSet applies the strict precedence rules: an identifier that is present
// in the header must match, with no fallback to weaker identifiers.
func (d *Dynamic) matchSet(set *Set, hdr TokenHeaders) (jwk.Key, error) {
	if hdr.Kid != "" {
		key, ok := set.ByKeyID(hdr.Kid)
		if !ok {
			return nil, fmt.Errorf("%w: kid %q not in key set", ErrUnresolvableKey, hdr.Kid)
		}
		d.keyCache.Put(hdr.Kid, key)
		return key, nil
	}
	if hdr.X5TS256 != "" {
		key, ok := set.ByS256Thumbprint(hdr.X5TS256)
		if !ok {
			return nil, fmt.Errorf("%w: x5t#S256 thumbprint not in key set", ErrUnresolvableKey)
		}
		d.keyCache.Put(hdr.X5TS256, key)
		return key, nil
	}
	if hdr.X5T != "" {
		key, ok := set.ByThumbprint(hdr.X5T)
		if !ok {
			return nil, fmt.Errorf("%w: x5t thumbprint not in key set", ErrUnresolvableKey)
		}
		d.keyCache.Put(hdr.X5T, key)
		return key, nil
	}
	if key, ok := set.Keyless(keyTypeForAlg(hdr.Alg)); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: token header carries no usable key identifier", ErrUnresolvableKey)
}

func (d *Dynamic) cachedKey(hdr TokenHeaders) (jwk.Key, bool) {
	for _, id := range []string{hdr.Kid, hdr.X5TS256, hdr.X5T} {
		if id == "" {
			continue
		}
		if key, ok := d.keyCache.Get(id); ok {
			return key, true
		}
	}
	return nil, false
}

// TryAllCandidates returns every key of the current set when try-all
// verification is enabled.
func (d *Dynamic) TryAllCandidates() []jwk.Key {
	if !d.cfg.TryAll {
		return nil
	}
	set := d.set.Load()
	if set == nil {
		return nil
	}
	return set.All()
}

// ForceRefresh refreshes the JWKS in reaction to an unresolvable key. The
// refresh is suppressed when one already happened within the cool-down
// interval, to bound remote fetch storms. Reports whether a refresh ran.
func (d *Dynamic) ForceRefresh(ctx context.Context) (bool, error) {
	now := time.Now().UnixNano()
	last := d.lastForcedRefresh.Load()
	if last != 0 && time.Duration(now-last) < d.cfg.RefreshCooldown {
		return false, nil
	}
	if !d.lastForcedRefresh.CompareAndSwap(last, now) {
		return false, nil
	}
	d.keyCache.Clear()
	if _, err := d.refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Prime fetches the JWKS eagerly; used at tenant-context creation when early
// fetching is configured.
func (d *Dynamic) Prime(ctx context.Context) error {
	_, err := d.refresh(ctx)
	return err
}

// Close releases the key cache sweeper.
func (d *Dynamic) Close() { d.keyCache.Close() }

func (d *Dynamic) refresh(ctx context.Context) (*Set, error) {
	raw, err := d.fetch(ctx)
	if err != nil {
		return nil, err
	}
	set, err := NewSet(raw)
	if err != nil {
		return nil, err
	}
	d.set.Store(set)
	d.log.Debugw("jwks refreshed", "keys", set.Len())
	return set, nil
}

func keyTypeForAlg(alg jwa.SignatureAlgorithm) jwa.KeyType {
	switch alg {
	case jwa.ES256, jwa.ES384, jwa.ES512, jwa.ES256K:
		return jwa.EC
	case jwa.EdDSA:
		return jwa.OKP
	default:
		return jwa.RSA
	}
}
