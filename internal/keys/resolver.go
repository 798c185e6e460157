package keys

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ErrUnresolvableKey classifies "no verification key could be found". The
// verifier reacts to it with the refresh-and-retry / introspection fallback
// chain before surfacing it.
var ErrUnresolvableKey = errors.New("verification key not resolvable")

// Resolver picks a verification key for a token's protected headers.
type Resolver interface {
	Resolve(ctx context.Context, hdr TokenHeaders) (jwk.Key, error)
}

// Static always returns the one configured public key.
type Static struct {
	key jwk.Key
}

// NewStatic builds a resolver from a PEM-encoded or base64 DER public key.
func NewStatic(material []byte) (*Static, error) {
	key, err := jwk.ParseKey(material, jwk.WithPEM(true))
	if err != nil {
		// Not PEM: try base64 DER, the other format tenant config accepts.
		der, derr := base64.StdEncoding.DecodeString(string(material))
		if derr != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		pub, perr := x509.ParsePKIXPublicKey(der)
		if perr != nil {
			return nil, fmt.Errorf("parse public key: %w", perr)
		}
		key, err = jwk.FromRaw(pub)
		if err != nil {
			return nil, fmt.Errorf("import public key: %w", err)
		}
	}
	return &Static{key: key}, nil
}

func (s *Static) Resolve(_ context.Context, _ TokenHeaders) (jwk.Key, error) {
	return s.key, nil
}

// CertChain resolves the key from the token's own x5c chain, provided the
// leaf certificate is anchored in the configured truststore.
type CertChain struct {
	trustedThumbs map[string]struct{} // SHA-256 over DER, base64url
	roots         *x509.CertPool
}

// NewCertChain builds a resolver from the trusted certificates of a
// truststore.
func NewCertChain(trusted []*x509.Certificate) (*CertChain, error) {
	if len(trusted) == 0 {
		return nil, fmt.Errorf("truststore has no certificates")
	}
	r := &CertChain{
		trustedThumbs: make(map[string]struct{}, len(trusted)),
		roots:         x509.NewCertPool(),
	}
	for _, c := range trusted {
		sum := sha256.Sum256(c.Raw)
		r.trustedThumbs[base64.RawURLEncoding.EncodeToString(sum[:])] = struct{}{}
		r.roots.AddCert(c)
	}
	return r, nil
}

func (r *CertChain) Resolve(_ context.Context, hdr TokenHeaders) (jwk.Key, error) {
	if hdr.Chain == nil || hdr.Chain.Len() == 0 {
		return nil, fmt.Errorf("%w: token header has no x5c chain", ErrUnresolvableKey)
	}
	certs, err := parseChain(hdr.Chain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvableKey, err)
	}
	leaf := certs[0]
	sum := sha256.Sum256(leaf.Raw)
	if _, ok := r.trustedThumbs[base64.RawURLEncoding.EncodeToString(sum[:])]; !ok {
		return nil, fmt.Errorf("%w: x5c leaf certificate is not trusted", ErrUnresolvableKey)
	}
	if len(certs) == 1 {
		// Single-certificate chain: the certificate must verify its own
		// signature.
		if err := leaf.CheckSignature(leaf.SignatureAlgorithm, leaf.RawTBSCertificate, leaf.Signature); err != nil {
			return nil, fmt.Errorf("%w: self-signature check failed: %v", ErrUnresolvableKey, err)
		}
	} else {
		inter := x509.NewCertPool()
		for _, c := range certs[1:] {
			inter.AddCert(c)
		}
		if _, err := leaf.Verify(x509.VerifyOptions{
			Roots:         r.roots,
			Intermediates: inter,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			return nil, fmt.Errorf("%w: chain validation failed: %v", ErrUnresolvableKey, err)
		}
	}
	key, err := jwk.FromRaw(leaf.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("import leaf public key: %w", err)
	}
	return key, nil
}
