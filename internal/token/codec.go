// Package token decodes JWT segments without verifying them. It is used for
// pre-verification inspection (picking a key resolution strategy, reading the
// issuer for tenant resolution) and for tokens whose verification is skipped
// deliberately (internally minted ID tokens).
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

var ErrMalformed = errors.New("malformed token")

// IsOpaque reports whether raw is not a compact JWS. Anything that does not
// have exactly three dot-separated segments counts as opaque, including
// five-segment JWE tokens.
func IsOpaque(raw string) bool {
	return strings.Count(raw, ".") != 2
}

// DecodeHeader returns the JOSE header of a compact token as generic JSON.
func DecodeHeader(raw string) (map[string]any, error) {
	i := strings.IndexByte(raw, '.')
	if i <= 0 {
		return nil, ErrMalformed
	}
	return decodeJSONSegment(raw[:i])
}

// DecodeClaims returns the claims set of a three-segment token, or nil when
// the token is opaque or encrypted. It never returns an error for a
// wrong-shaped token, only for a three-segment token whose payload is not
// valid base64url JSON.
func DecodeClaims(raw string) (map[string]any, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, nil
	}
	return decodeJSONSegment(parts[1])
}

// DecodeSegment decodes a single base64url segment without padding.
func DecodeSegment(seg string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
}

func decodeJSONSegment(seg string) (map[string]any, error) {
	b, err := DecodeSegment(seg)
	if err != nil {
		return nil, ErrMalformed
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, ErrMalformed
	}
	return m, nil
}

// DecodeJSON parses a raw JSON object into a claims map.
func DecodeJSON(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// StringClaim reads a top-level string claim from a decoded claims map.
func StringClaim(claims map[string]any, name string) string {
	if claims == nil {
		return ""
	}
	s, _ := claims[name].(string)
	return s
}
