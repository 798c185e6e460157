package provider

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Tokens is the result of a code exchange or refresh call. It is serialized
// into session cookies and never persisted server-side.
type Tokens struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // seconds, 0 when the provider did not say
	Scope        string
}

func parseTokens(body []byte) (*Tokens, error) {
	var raw struct {
		IDToken      string          `json:"id_token"`
		AccessToken  string          `json:"access_token"`
		RefreshToken string          `json:"refresh_token"`
		ExpiresIn    json.RawMessage `json:"expires_in"`
		Scope        string          `json:"scope"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	t := &Tokens{
		IDToken:      raw.IDToken,
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		Scope:        raw.Scope,
	}
	// Some providers quote expires_in.
	if len(raw.ExpiresIn) > 0 {
		s := string(raw.ExpiresIn)
		if len(s) > 1 && s[0] == '"' {
			s = s[1 : len(s)-1]
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.ExpiresIn = n
		}
	}
	return t, nil
}

// Introspection is a parsed RFC 7662 introspection response.
type Introspection struct {
	raw map[string]any
}

func parseIntrospection(body []byte) (*Introspection, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode introspection response: %w", err)
	}
	return &Introspection{raw: m}, nil
}

// Active reports the mandatory active flag.
func (i *Introspection) Active() bool {
	b, _ := i.raw["active"].(bool)
	return b
}

// Get returns an arbitrary introspection member.
func (i *Introspection) Get(name string) (any, bool) {
	v, ok := i.raw[name]
	return v, ok
}

// Claims exposes the full response for role extraction and identity
// attributes.
func (i *Introspection) Claims() map[string]any { return i.raw }

// Subject returns the sub member.
func (i *Introspection) Subject() string {
	s, _ := i.raw["sub"].(string)
	return s
}

// Scope returns the space-separated scope member.
func (i *Introspection) Scope() string {
	s, _ := i.raw["scope"].(string)
	return s
}

// Expiration returns exp when present.
func (i *Introspection) Expiration() (time.Time, bool) {
	return numericDate(i.raw["exp"])
}

// IssuedAt returns iat when present.
func (i *Introspection) IssuedAt() (time.Time, bool) {
	return numericDate(i.raw["iat"])
}

func numericDate(v any) (time.Time, bool) {
	switch n := v.(type) {
	case float64:
		return time.Unix(int64(n), 0), true
	case int64:
		return time.Unix(n, 0), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return time.Unix(i, 0), true
		}
	}
	return time.Time{}, false
}

// Result is the outcome of one verification call: local claims, an
// introspection response, or both when introspection backed up an
// unresolvable-key failure.
type Result struct {
	Claims        map[string]any
	Introspection *Introspection
}
