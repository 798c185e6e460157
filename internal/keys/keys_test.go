package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func rsaPublicJWK(t *testing.T, kid string) jwk.Key {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key, err := jwk.FromRaw(priv.Public())
	require.NoError(t, err)
	if kid != "" {
		require.NoError(t, key.Set(jwk.KeyIDKey, kid))
	}
	return key
}

func jwksJSON(t *testing.T, keys ...jwk.Key) []byte {
	t.Helper()
	set := jwk.NewSet()
	for _, k := range keys {
		require.NoError(t, set.AddKey(k))
	}
	raw, err := json.Marshal(set)
	require.NoError(t, err)
	return raw
}

func TestNewSetIndexesByKid(t *testing.T) {
	k1 := rsaPublicJWK(t, "k1")
	k2 := rsaPublicJWK(t, "k2")
	set, err := NewSet(jwksJSON(t, k1, k2))
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())

	got, ok := set.ByKeyID("k1")
	require.True(t, ok)
	assert.Equal(t, "k1", got.KeyID())

	_, ok = set.ByKeyID("nope")
	assert.False(t, ok)
}

func TestNewSetFiltersEncryptionKeys(t *testing.T) {
	sig := rsaPublicJWK(t, "sig")
	enc := rsaPublicJWK(t, "enc")
	require.NoError(t, enc.Set(jwk.KeyUsageKey, "enc"))
	set, err := NewSet(jwksJSON(t, sig, enc))
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
	_, ok := set.ByKeyID("enc")
	assert.False(t, ok)
}

func TestKeylessSingleAnonymousKey(t *testing.T) {
	anon := rsaPublicJWK(t, "")
	set, err := NewSet(jwksJSON(t, anon))
	require.NoError(t, err)

	_, ok := set.Keyless(jwa.RSA)
	assert.True(t, ok)
	_, ok = set.Keyless(jwa.EC)
	assert.False(t, ok, "keyless match requires the algorithm's key type")

	// Two anonymous keys mean no keyless fallback at all.
	set, err = NewSet(jwksJSON(t, rsaPublicJWK(t, ""), rsaPublicJWK(t, "")))
	require.NoError(t, err)
	_, ok = set.Keyless(jwa.RSA)
	assert.False(t, ok)
}

func TestNewSetBadJSON(t *testing.T) {
	_, err := NewSet([]byte("not json"))
	assert.Error(t, err)
}

func newDynamic(t *testing.T, fetch FetchFunc, cfg DynamicConfig) *Dynamic {
	t.Helper()
	d := NewDynamic(fetch, cfg, zap.NewNop().Sugar())
	t.Cleanup(d.Close)
	return d
}

func TestDynamicResolveByKid(t *testing.T) {
	k1 := rsaPublicJWK(t, "k1")
	fetches := 0
	d := newDynamic(t, func(context.Context) ([]byte, error) {
		fetches++
		return jwksJSON(t, k1), nil
	}, DynamicConfig{})

	got, err := d.Resolve(context.Background(), TokenHeaders{Alg: jwa.RS256, Kid: "k1"})
	require.NoError(t, err)
	assert.Equal(t, "k1", got.KeyID())
	assert.Equal(t, 1, fetches)

	// Second resolve hits the key cache, not the fetcher.
	_, err = d.Resolve(context.Background(), TokenHeaders{Alg: jwa.RS256, Kid: "k1"})
	require.NoError(t, err)
	assert.Equal(t, 1, fetches)
}

func TestDynamicKidMissIsStrict(t *testing.T) {
	d := newDynamic(t, func(context.Context) ([]byte, error) {
		return jwksJSON(t, rsaPublicJWK(t, "")), nil
	}, DynamicConfig{})

	// A kid in the header must match; the anonymous key is no fallback.
	_, err := d.Resolve(context.Background(), TokenHeaders{Alg: jwa.RS256, Kid: "other"})
	assert.ErrorIs(t, err, ErrUnresolvableKey)

	// Without any identifier the anonymous key is used.
	got, err := d.Resolve(context.Background(), TokenHeaders{Alg: jwa.RS256})
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestDynamicFetchFailure(t *testing.T) {
	d := newDynamic(t, func(context.Context) ([]byte, error) {
		return nil, errors.New("boom")
	}, DynamicConfig{})
	_, err := d.Resolve(context.Background(), TokenHeaders{Alg: jwa.RS256, Kid: "k1"})
	assert.ErrorIs(t, err, ErrUnresolvableKey)
}

func TestForceRefreshCooldown(t *testing.T) {
	fetches := 0
	d := newDynamic(t, func(context.Context) ([]byte, error) {
		fetches++
		return jwksJSON(t, rsaPublicJWK(t, fmt.Sprintf("k%d", fetches))), nil
	}, DynamicConfig{RefreshCooldown: time.Hour})

	ran, err := d.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, fetches)

	ran, err = d.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ran, "second refresh within the cool-down is suppressed")
	assert.Equal(t, 1, fetches)
}

func TestTryAllCandidates(t *testing.T) {
	keys := jwksJSON(t, rsaPublicJWK(t, "a"), rsaPublicJWK(t, "b"))
	fetch := func(context.Context) ([]byte, error) { return keys, nil }

	d := newDynamic(t, fetch, DynamicConfig{TryAll: true})
	require.NoError(t, d.Prime(context.Background()))
	assert.Len(t, d.TryAllCandidates(), 2)

	off := newDynamic(t, fetch, DynamicConfig{})
	require.NoError(t, off.Prime(context.Background()))
	assert.Nil(t, off.TryAllCandidates())
}

func TestStaticResolverPEM(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub, err := jwk.FromRaw(priv.Public())
	require.NoError(t, err)
	pem, err := jwk.Pem(pub)
	require.NoError(t, err)

	r, err := NewStatic(pem)
	require.NoError(t, err)
	got, err := r.Resolve(context.Background(), TokenHeaders{Alg: jwa.ES256, Kid: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, jwa.EC, got.KeyType())
}
