package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"oidcgate/internal/keys"
	"oidcgate/internal/token"
	"oidcgate/pkg/tenants"
)

// ValidationCode classifies a token validation failure.
type ValidationCode string

const (
	CodeMalformed        ValidationCode = "malformed"
	CodeSignature        ValidationCode = "signature"
	CodeExpired          ValidationCode = "expired"
	CodeIssuer           ValidationCode = "issuer"
	CodeAudience         ValidationCode = "audience"
	CodeNonce            ValidationCode = "nonce"
	CodeIssuedAt         ValidationCode = "issued-at"
	CodeSubject          ValidationCode = "subject"
	CodeClaim            ValidationCode = "claim"
	CodeInsufficientAuth ValidationCode = "insufficient-authentication"
)

// ValidationError is a structural, signature or claim failure. It carries
// enough context for the caller to build a provider-specific challenge.
type ValidationError struct {
	Code      ValidationCode
	Msg       string
	AcrValues []string // set for step-up authentication failures
	cause     error
}

func (e *ValidationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("token validation failed (%s): %s: %v", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("token validation failed (%s): %s", e.Code, e.Msg)
}

func (e *ValidationError) Unwrap() error { return e.cause }

// IsExpired reports whether err is an expiry-classified validation failure.
func IsExpired(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Code == CodeExpired
}

// StepUpError is raised by custom validators to demand a stronger
// authentication context. The verifier preserves it instead of flattening it
// into a generic claim failure.
type StepUpError struct {
	AcrValues []string
}

func (e *StepUpError) Error() string {
	return fmt.Sprintf("insufficient authentication, acr_values required: %v", e.AcrValues)
}

// ClaimValidator is a pluggable claims check run after structural validation.
type ClaimValidator func(ctx context.Context, claims map[string]any) error

// VerifyOptions parameterizes one verification call.
type VerifyOptions struct {
	Issuer           string // empty or tenants.IssuerAny skips the check
	Audience         []string
	AudienceFallback string // used when Audience is empty: derive from client id
	SkipAudience     bool

	ExpRequired      bool
	IssuedAtRequired bool
	SubjectRequired  bool
	Nonce            string

	MaxAge    time.Duration
	ClockSkew time.Duration

	Algorithms     []string
	RequiredClaims map[string]any
	Validators     []ClaimValidator
}

// tryAller is implemented by the dynamic resolver when try-all verification
// is configured.
type tryAller interface {
	TryAllCandidates() []jwk.Key
}

// verifyToken resolves the key, checks the signature and applies the claim
// rules. The returned claims are the decoded payload of the verified token.
func verifyToken(ctx context.Context, raw string, resolver keys.Resolver, opts VerifyOptions) (map[string]any, error) {
	hdr, err := keys.HeadersFromToken([]byte(raw))
	if err != nil {
		return nil, &ValidationError{Code: CodeMalformed, Msg: "not a compact JWS", cause: err}
	}
	if len(opts.Algorithms) > 0 && !containsString(opts.Algorithms, hdr.Alg.String()) {
		return nil, &ValidationError{Code: CodeSignature, Msg: fmt.Sprintf("algorithm %q not allowed", hdr.Alg)}
	}

	key, err := resolver.Resolve(ctx, hdr)
	if err != nil {
		if errors.Is(err, keys.ErrUnresolvableKey) {
			if ta, ok := resolver.(tryAller); ok {
				if k := tryAllVerify(raw, hdr, ta.TryAllCandidates()); k != nil {
					key = k
					err = nil
				}
			}
		}
		if err != nil {
			return nil, err // keeps the unresolvable-key classification
		}
	}

	if _, err := jwt.Parse([]byte(raw), jwt.WithKey(hdr.Alg, key), jwt.WithValidate(false)); err != nil {
		return nil, &ValidationError{Code: CodeSignature, Msg: "signature verification failed", cause: err}
	}
	claims, err := token.DecodeClaims(raw)
	if err != nil || claims == nil {
		return nil, &ValidationError{Code: CodeMalformed, Msg: "claims segment not decodable", cause: err}
	}
	if err := validateClaims(ctx, claims, opts); err != nil {
		return nil, err
	}
	return claims, nil
}

// tryAllVerify scans every candidate key for one that verifies the
// signature.
func tryAllVerify(raw string, hdr keys.TokenHeaders, candidates []jwk.Key) jwk.Key {
	for _, k := range candidates {
		if _, err := jws.Verify([]byte(raw), jws.WithKey(hdr.Alg, k)); err == nil {
			return k
		}
	}
	return nil
}

func validateClaims(ctx context.Context, claims map[string]any, opts VerifyOptions) error {
	now := time.Now()
	skew := opts.ClockSkew

	exp, hasExp := numericDate(claims["exp"])
	if opts.ExpRequired && !hasExp {
		return &ValidationError{Code: CodeExpired, Msg: "exp claim is required"}
	}
	if hasExp && now.After(exp.Add(skew)) {
		return &ValidationError{Code: CodeExpired, Msg: "token has expired"}
	}

	iat, hasIat := numericDate(claims["iat"])
	if opts.IssuedAtRequired && !hasIat {
		return &ValidationError{Code: CodeIssuedAt, Msg: "iat claim is required"}
	}

	if opts.Issuer != "" && opts.Issuer != tenants.IssuerAny {
		if iss := token.StringClaim(claims, "iss"); iss != opts.Issuer {
			return &ValidationError{Code: CodeIssuer, Msg: fmt.Sprintf("issuer %q does not match %q", iss, opts.Issuer)}
		}
	}

	if !opts.SkipAudience {
		expected := opts.Audience
		if len(expected) == 0 && opts.AudienceFallback != "" {
			expected = []string{opts.AudienceFallback}
		}
		if len(expected) > 0 && !audienceMatches(claims["aud"], expected) {
			return &ValidationError{Code: CodeAudience, Msg: "audience does not match"}
		}
	}

	if opts.Nonce != "" {
		if n := token.StringClaim(claims, "nonce"); n != opts.Nonce {
			return &ValidationError{Code: CodeNonce, Msg: "nonce does not match"}
		}
	}

	if opts.SubjectRequired && token.StringClaim(claims, "sub") == "" {
		return &ValidationError{Code: CodeSubject, Msg: "sub claim is required"}
	}

	for name, want := range opts.RequiredClaims {
		if !claimMatches(claims[name], want) {
			return &ValidationError{Code: CodeClaim, Msg: fmt.Sprintf("required claim %q does not match", name)}
		}
	}

	for _, v := range opts.Validators {
		if err := v(ctx, claims); err != nil {
			var stepUp *StepUpError
			if errors.As(err, &stepUp) {
				return &ValidationError{Code: CodeInsufficientAuth, Msg: "stronger authentication required", AcrValues: stepUp.AcrValues, cause: err}
			}
			return &ValidationError{Code: CodeClaim, Msg: "custom validator rejected token", cause: err}
		}
	}

	// Token age is checked even when the expiry requirement was relaxed
	// (logout tokens): a token may carry no exp yet still be too old.
	if opts.MaxAge > 0 && hasIat && now.Sub(iat) > opts.MaxAge+skew {
		return &ValidationError{Code: CodeExpired, Msg: "token exceeds the configured age limit"}
	}
	return nil
}

// claimMatches checks a required claim: scalar equality, or containment when
// the actual claim is an array.
func claimMatches(actual, want any) bool {
	if actual == nil {
		return false
	}
	if arr, ok := actual.([]any); ok {
		for _, v := range arr {
			if fmt.Sprint(v) == fmt.Sprint(want) {
				return true
			}
		}
		return false
	}
	if wantArr, ok := want.([]any); ok {
		for _, w := range wantArr {
			if fmt.Sprint(actual) == fmt.Sprint(w) {
				return true
			}
		}
		return false
	}
	return fmt.Sprint(actual) == fmt.Sprint(want)
}

func audienceMatches(actual any, expected []string) bool {
	var have []string
	switch a := actual.(type) {
	case string:
		have = []string{a}
	case []any:
		for _, v := range a {
			if s, ok := v.(string); ok {
				have = append(have, s)
			}
		}
	default:
		return false
	}
	for _, h := range have {
		for _, e := range expected {
			if h == e {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
