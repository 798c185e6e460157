// Package engine implements the authentication mechanisms: bearer
// verification for services, the authorization code flow for web apps, and
// the identity pipeline shared by both.
package engine

import (
	"net/http"

	"oidcgate/pkg/identity"
)

// StatusAuthRequired is returned instead of a redirect for JavaScript web
// apps, which handle the authorization redirect themselves.
const StatusAuthRequired = 499

// Outcome is the result of running an authentication mechanism over a
// request. Exactly one of the variant fields is set.
type Outcome struct {
	// Identity is set when the request authenticated successfully.
	Identity *identity.Identity
	// Anonymous is set when no credential was presented and the mechanism
	// permits anonymous continuation.
	Anonymous bool
	// Redirect sends the caller to the provider or back to the original URL.
	Redirect *Redirect
	// Challenge rejects the request with an authentication challenge.
	Challenge *Challenge

	// Cookies are written regardless of variant (session refresh, state
	// cleanup).
	Cookies []*http.Cookie
}

// Redirect is a code-flow redirect outcome.
type Redirect struct {
	Location string
	Status   int // http.StatusFound, or StatusAuthRequired for JS apps
}

// Challenge is a 401 (or 400) with a WWW-Authenticate header.
type Challenge struct {
	Status          int
	WWWAuthenticate string
}

func identityOutcome(id *identity.Identity, cookies ...*http.Cookie) *Outcome {
	return &Outcome{Identity: id, Cookies: cookies}
}

func anonymousOutcome() *Outcome { return &Outcome{Anonymous: true} }

func redirectOutcome(location string, status int, cookies ...*http.Cookie) *Outcome {
	return &Outcome{Redirect: &Redirect{Location: location, Status: status}, Cookies: cookies}
}

func challengeOutcome(status int, wwwAuthenticate string, cookies ...*http.Cookie) *Outcome {
	return &Outcome{Challenge: &Challenge{Status: status, WWWAuthenticate: wwwAuthenticate}, Cookies: cookies}
}

// Apply writes a non-identity outcome to the response. Identity outcomes are
// applied by the middleware, which continues the handler chain instead.
func (o *Outcome) Apply(w http.ResponseWriter) {
	for _, c := range o.Cookies {
		http.SetCookie(w, c)
	}
	switch {
	case o.Redirect != nil:
		if o.Redirect.Status == StatusAuthRequired {
			w.Header().Set("Location", o.Redirect.Location)
			w.WriteHeader(StatusAuthRequired)
			return
		}
		w.Header().Set("Location", o.Redirect.Location)
		w.WriteHeader(o.Redirect.Status)
	case o.Challenge != nil:
		if o.Challenge.WWWAuthenticate != "" {
			w.Header().Set("WWW-Authenticate", o.Challenge.WWWAuthenticate)
		}
		w.WriteHeader(o.Challenge.Status)
	}
}
