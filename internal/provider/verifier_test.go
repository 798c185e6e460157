package provider

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oidcgate/internal/keys"
	"oidcgate/pkg/tenants"
)

type keyPair struct {
	priv jwk.Key
	pub  jwk.Key
}

func newKeyPair(t *testing.T, kid string) keyPair {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	pub, err := jwk.FromRaw(raw.Public())
	require.NoError(t, err)
	if kid != "" {
		require.NoError(t, priv.Set(jwk.KeyIDKey, kid))
		require.NoError(t, pub.Set(jwk.KeyIDKey, kid))
	}
	return keyPair{priv: priv, pub: pub}
}

func signed(t *testing.T, kp keyPair, claims map[string]any) string {
	t.Helper()
	b := jwt.NewBuilder()
	for k, v := range claims {
		b.Claim(k, v)
	}
	tok, err := b.Build()
	require.NoError(t, err)
	raw, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, kp.priv))
	require.NoError(t, err)
	return string(raw)
}

type stubResolver struct {
	key jwk.Key
	err error
}

func (s stubResolver) Resolve(context.Context, keys.TokenHeaders) (jwk.Key, error) {
	return s.key, s.err
}

func baseClaims(extra map[string]any) map[string]any {
	claims := map[string]any{
		"iss": "https://op.example",
		"aud": "client-1",
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	return claims
}

func validationCode(t *testing.T, err error) ValidationCode {
	t.Helper()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	return ve.Code
}

func TestVerifyTokenHappyPath(t *testing.T) {
	kp := newKeyPair(t, "k1")
	raw := signed(t, kp, baseClaims(nil))
	claims, err := verifyToken(context.Background(), raw, stubResolver{key: kp.pub}, VerifyOptions{
		Issuer:           "https://op.example",
		AudienceFallback: "client-1",
		ExpRequired:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", claims["sub"])
}

func TestVerifyTokenMalformed(t *testing.T) {
	kp := newKeyPair(t, "k1")
	_, err := verifyToken(context.Background(), "not-a-jws", stubResolver{key: kp.pub}, VerifyOptions{})
	assert.Equal(t, CodeMalformed, validationCode(t, err))
}

func TestVerifyTokenAlgorithmNotAllowed(t *testing.T) {
	kp := newKeyPair(t, "k1")
	raw := signed(t, kp, baseClaims(nil))
	_, err := verifyToken(context.Background(), raw, stubResolver{key: kp.pub}, VerifyOptions{
		Algorithms: []string{"ES256"},
	})
	assert.Equal(t, CodeSignature, validationCode(t, err))
}

func TestVerifyTokenWrongKey(t *testing.T) {
	kp := newKeyPair(t, "k1")
	other := newKeyPair(t, "k1")
	raw := signed(t, kp, baseClaims(nil))
	_, err := verifyToken(context.Background(), raw, stubResolver{key: other.pub}, VerifyOptions{})
	assert.Equal(t, CodeSignature, validationCode(t, err))
}

func TestVerifyTokenExpired(t *testing.T) {
	kp := newKeyPair(t, "k1")
	raw := signed(t, kp, baseClaims(map[string]any{"exp": time.Now().Add(-time.Hour).Unix()}))
	_, err := verifyToken(context.Background(), raw, stubResolver{key: kp.pub}, VerifyOptions{ExpRequired: true})
	assert.Equal(t, CodeExpired, validationCode(t, err))
	assert.True(t, IsExpired(err))
}

func TestVerifyTokenExpWithinSkew(t *testing.T) {
	kp := newKeyPair(t, "k1")
	raw := signed(t, kp, baseClaims(map[string]any{"exp": time.Now().Add(-10 * time.Second).Unix()}))
	_, err := verifyToken(context.Background(), raw, stubResolver{key: kp.pub}, VerifyOptions{
		ExpRequired: true,
		ClockSkew:   time.Minute,
	})
	assert.NoError(t, err)
}

func TestVerifyTokenExpRequired(t *testing.T) {
	kp := newKeyPair(t, "k1")
	claims := baseClaims(nil)
	delete(claims, "exp")
	raw := signed(t, kp, claims)
	_, err := verifyToken(context.Background(), raw, stubResolver{key: kp.pub}, VerifyOptions{ExpRequired: true})
	assert.Equal(t, CodeExpired, validationCode(t, err))
}

func TestVerifyTokenIssuer(t *testing.T) {
	kp := newKeyPair(t, "k1")
	raw := signed(t, kp, baseClaims(nil))

	_, err := verifyToken(context.Background(), raw, stubResolver{key: kp.pub}, VerifyOptions{Issuer: "https://other.example"})
	assert.Equal(t, CodeIssuer, validationCode(t, err))

	_, err = verifyToken(context.Background(), raw, stubResolver{key: kp.pub}, VerifyOptions{Issuer: tenants.IssuerAny})
	assert.NoError(t, err)
}

func TestVerifyTokenAudience(t *testing.T) {
	kp := newKeyPair(t, "k1")
	raw := signed(t, kp, baseClaims(map[string]any{"aud": []string{"svc-a", "svc-b"}}))

	_, err := verifyToken(context.Background(), raw, stubResolver{key: kp.pub}, VerifyOptions{Audience: []string{"svc-b"}})
	assert.NoError(t, err)

	_, err = verifyToken(context.Background(), raw, stubResolver{key: kp.pub}, VerifyOptions{Audience: []string{"svc-c"}})
	assert.Equal(t, CodeAudience, validationCode(t, err))

	_, err = verifyToken(context.Background(), raw, stubResolver{key: kp.pub}, VerifyOptions{Audience: []string{"svc-c"}, SkipAudience: true})
	assert.NoError(t, err)
}

func TestVerifyTokenNonce(t *testing.T) {
	kp := newKeyPair(t, "k1")
	raw := signed(t, kp, baseClaims(map[string]any{"nonce": "n-1"}))

	_, err := verifyToken(context.Background(), raw, stubResolver{key: kp.pub}, VerifyOptions{Nonce: "n-1"})
	assert.NoError(t, err)

	_, err = verifyToken(context.Background(), raw, stubResolver{key: kp.pub}, VerifyOptions{Nonce: "n-2"})
	assert.Equal(t, CodeNonce, validationCode(t, err))
}

func TestVerifyTokenRequiredClaims(t *testing.T) {
	kp := newKeyPair(t, "k1")
	raw := signed(t, kp, baseClaims(map[string]any{"tier": "gold", "groups": []string{"a", "b"}}))

	opts := VerifyOptions{RequiredClaims: map[string]any{"tier": "gold"}}
	_, err := verifyToken(context.Background(), raw, stubResolver{key: kp.pub}, opts)
	assert.NoError(t, err)

	opts.RequiredClaims = map[string]any{"groups": "b"}
	_, err = verifyToken(context.Background(), raw, stubResolver{key: kp.pub}, opts)
	assert.NoError(t, err, "array claim containment")

	opts.RequiredClaims = map[string]any{"tier": "platinum"}
	_, err = verifyToken(context.Background(), raw, stubResolver{key: kp.pub}, opts)
	assert.Equal(t, CodeClaim, validationCode(t, err))
}

func TestVerifyTokenMaxAge(t *testing.T) {
	kp := newKeyPair(t, "k1")
	raw := signed(t, kp, baseClaims(map[string]any{"iat": time.Now().Add(-time.Hour).Unix()}))
	_, err := verifyToken(context.Background(), raw, stubResolver{key: kp.pub}, VerifyOptions{MaxAge: time.Minute})
	assert.Equal(t, CodeExpired, validationCode(t, err))
}

func TestVerifyTokenStepUp(t *testing.T) {
	kp := newKeyPair(t, "k1")
	raw := signed(t, kp, baseClaims(map[string]any{"acr": "bronze"}))
	validator := func(_ context.Context, claims map[string]any) error {
		if claims["acr"] != "gold" {
			return &StepUpError{AcrValues: []string{"gold"}}
		}
		return nil
	}
	_, err := verifyToken(context.Background(), raw, stubResolver{key: kp.pub}, VerifyOptions{
		Validators: []ClaimValidator{validator},
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, CodeInsufficientAuth, ve.Code)
	assert.Equal(t, []string{"gold"}, ve.AcrValues)
}

type tryAllResolver struct {
	candidates []jwk.Key
}

func (r tryAllResolver) Resolve(context.Context, keys.TokenHeaders) (jwk.Key, error) {
	return nil, keys.ErrUnresolvableKey
}

func (r tryAllResolver) TryAllCandidates() []jwk.Key { return r.candidates }

func TestVerifyTokenTryAllFallback(t *testing.T) {
	kp := newKeyPair(t, "k1")
	decoy := newKeyPair(t, "k2")
	raw := signed(t, kp, baseClaims(nil))

	claims, err := verifyToken(context.Background(), raw,
		tryAllResolver{candidates: []jwk.Key{decoy.pub, kp.pub}}, VerifyOptions{})
	require.NoError(t, err)
	assert.Equal(t, "alice", claims["sub"])

	_, err = verifyToken(context.Background(), raw,
		tryAllResolver{candidates: []jwk.Key{decoy.pub}}, VerifyOptions{})
	assert.ErrorIs(t, err, keys.ErrUnresolvableKey)
}

func TestVerifyTokenUnresolvableKeyPassesThrough(t *testing.T) {
	kp := newKeyPair(t, "k1")
	raw := signed(t, kp, baseClaims(nil))
	_, err := verifyToken(context.Background(), raw, stubResolver{err: keys.ErrUnresolvableKey}, VerifyOptions{})
	assert.True(t, errors.Is(err, keys.ErrUnresolvableKey))
}
