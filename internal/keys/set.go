// Package keys holds the in-memory JSON Web Key Set representation and the
// resolvers that pick a verification key for a token header.
package keys

import (
	"crypto/sha1" //nolint:gosec // x5t thumbprints are defined over SHA-1
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/cert"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Set indexes the keys of a JWKS document by kid and certificate thumbprint.
// A Set is immutable once built; JWKS refreshes publish a new Set.
type Set struct {
	byKid      map[string]jwk.Key
	byThumb    map[string]jwk.Key // x5t (SHA-1, base64url)
	byThumb256 map[string]jwk.Key // x5t#S256
	keyless    jwk.Key
	all        []jwk.Key
}

// NewSet parses a JWKS JSON document. Unsupported key types and non-signature
// keys are filtered out; an empty but valid set is not an error. If exactly
// one key survives filtering with neither kid nor thumbprint it becomes the
// keyless fallback.
func NewSet(jwksJSON []byte) (*Set, error) {
	parsed, err := jwk.Parse(jwksJSON)
	if err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	s := &Set{
		byKid:      map[string]jwk.Key{},
		byThumb:    map[string]jwk.Key{},
		byThumb256: map[string]jwk.Key{},
	}
	var anonymous []jwk.Key
	for i := 0; i < parsed.Len(); i++ {
		key, ok := parsed.Key(i)
		if !ok {
			continue
		}
		switch key.KeyType() {
		case jwa.RSA, jwa.EC, jwa.OKP:
		default:
			continue
		}
		if use := key.KeyUsage(); use != "" && use != "sig" {
			continue
		}
		s.all = append(s.all, key)
		indexed := false
		if kid := key.KeyID(); kid != "" {
			s.byKid[kid] = key
			indexed = true
		}
		if t := thumbprints(key); t != nil {
			if t.sha1 != "" {
				s.byThumb[t.sha1] = key
				indexed = true
			}
			if t.sha256 != "" {
				s.byThumb256[t.sha256] = key
				indexed = true
			}
		}
		if !indexed {
			anonymous = append(anonymous, key)
		}
	}
	if len(anonymous) == 1 {
		s.keyless = anonymous[0]
	}
	return s, nil
}

// ByKeyID returns the key published under kid.
func (s *Set) ByKeyID(kid string) (jwk.Key, bool) {
	k, ok := s.byKid[kid]
	return k, ok
}

// ByThumbprint returns the key whose leaf certificate matches the SHA-1
// thumbprint (the x5t header value).
func (s *Set) ByThumbprint(x5t string) (jwk.Key, bool) {
	k, ok := s.byThumb[x5t]
	return k, ok
}

// ByS256Thumbprint returns the key matching the x5t#S256 header value.
func (s *Set) ByS256Thumbprint(x5tS256 string) (jwk.Key, bool) {
	k, ok := s.byThumb256[x5tS256]
	return k, ok
}

// Keyless returns the single anonymous key of the set when the token header
// carried no key identifier at all.
func (s *Set) Keyless(kty jwa.KeyType) (jwk.Key, bool) {
	if s.keyless == nil || s.keyless.KeyType() != kty {
		return nil, false
	}
	return s.keyless, true
}

// All returns every signature key of the set, for try-all verification.
func (s *Set) All() []jwk.Key { return s.all }

// Len returns the number of usable keys.
func (s *Set) Len() int { return len(s.all) }

type certThumbs struct {
	sha1   string
	sha256 string
}

// thumbprints prefers the x5t/x5t#S256 members of the JWK and falls back to
// hashing the leaf of an embedded certificate chain.
func thumbprints(key jwk.Key) *certThumbs {
	t := &certThumbs{
		sha1:   key.X509CertThumbprint(),
		sha256: key.X509CertThumbprintS256(),
	}
	if t.sha1 != "" || t.sha256 != "" {
		return t
	}
	chain := key.X509CertChain()
	if chain == nil || chain.Len() == 0 {
		return nil
	}
	leaf, err := leafCertificate(chain)
	if err != nil {
		return nil
	}
	h1 := sha1.Sum(leaf.Raw) //nolint:gosec
	h256 := sha256.Sum256(leaf.Raw)
	t.sha1 = base64.RawURLEncoding.EncodeToString(h1[:])
	t.sha256 = base64.RawURLEncoding.EncodeToString(h256[:])
	return t
}

func leafCertificate(chain *cert.Chain) (*x509.Certificate, error) {
	raw, ok := chain.Get(0)
	if !ok {
		return nil, fmt.Errorf("empty certificate chain")
	}
	der, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode x5c entry: %w", err)
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse x5c certificate: %w", err)
	}
	return c, nil
}

func parseChain(chain *cert.Chain) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, chain.Len())
	for i := 0; i < chain.Len(); i++ {
		raw, ok := chain.Get(i)
		if !ok {
			break
		}
		der, err := base64.StdEncoding.DecodeString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("decode x5c entry %d: %w", i, err)
		}
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("parse x5c entry %d: %w", i, err)
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("empty certificate chain")
	}
	return certs, nil
}
