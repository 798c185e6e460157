package keys

import (
	"fmt"

	"github.com/lestrrat-go/jwx/v2/cert"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// TokenHeaders carries the protected-header fields a resolver consults.
type TokenHeaders struct {
	Alg     jwa.SignatureAlgorithm
	Kid     string
	X5T     string
	X5TS256 string
	Chain   *cert.Chain
}

// HeadersFromToken extracts resolver-relevant headers from a compact JWS.
func HeadersFromToken(raw []byte) (TokenHeaders, error) {
	msg, err := jws.Parse(raw)
	if err != nil {
		return TokenHeaders{}, fmt.Errorf("parse jws: %w", err)
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return TokenHeaders{}, fmt.Errorf("token has no signature")
	}
	h := sigs[0].ProtectedHeaders()
	return TokenHeaders{
		Alg:     h.Algorithm(),
		Kid:     h.KeyID(),
		X5T:     h.X509CertThumbprint(),
		X5TS256: h.X509CertThumbprintS256(),
		Chain:   h.X509CertChain(),
	}, nil
}

// HasKeyIdentifier reports whether any of kid, x5t or x5t#S256 is present.
func (h TokenHeaders) HasKeyIdentifier() bool {
	return h.Kid != "" || h.X5T != "" || h.X5TS256 != ""
}
