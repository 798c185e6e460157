package backchannel

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"oidcgate/internal/registry"
	"oidcgate/internal/token"
)

// logoutEvent is the member the events claim must carry.
const logoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// defaultMarkerTTL bounds how long a logout marker outlives its token when
// the token carries no expiry.
const defaultMarkerTTL = 10 * time.Minute

// Handler accepts back-channel logout tokens posted by the provider.
type Handler struct {
	reg   *registry.Registry
	store Store
	log   *zap.SugaredLogger
}

func NewHandler(reg *registry.Registry, store Store, log *zap.SugaredLogger) *Handler {
	return &Handler{reg: reg, store: store, log: log}
}

// ServeHTTP validates the posted logout token and records the logged-out
// subject and session. Replayed valid tokens are accepted idempotently; any
// validation failure is a 400 without detail.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	raw := r.PostForm.Get("logout_token")
	if raw == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	tc, err := h.reg.Resolve(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	rt, err := tc.Ensure(r.Context())
	if err != nil {
		h.log.Warnw("tenant not ready for back-channel logout", "tenant", tc.Tenant.ID, "err", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	res, err := rt.Provider.VerifyLogoutToken(r.Context(), raw)
	if err != nil {
		h.log.Debugw("logout token rejected", "tenant", tc.Tenant.ID, "err", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sub, sid, ok := logoutClaims(res.Claims)
	if !ok {
		h.log.Debugw("logout token claims invalid", "tenant", tc.Tenant.ID)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ttl := defaultMarkerTTL
	if exp, ok := claimTime(res.Claims, "exp"); ok {
		if d := time.Until(exp); d > 0 {
			ttl = d
		}
	}
	for _, key := range dedupe(sub, sid) {
		if err := h.store.MarkLoggedOut(r.Context(), tc.Tenant.ID, key, ttl); err != nil {
			h.log.Errorw("recording logout marker failed", "tenant", tc.Tenant.ID, "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}
	h.log.Infow("back-channel logout accepted", "tenant", tc.Tenant.ID, "has_sub", sub != "", "has_sid", sid != "")
	w.WriteHeader(http.StatusOK)
}

// logoutClaims enforces the structural logout token rules: the logout event
// member, a sub or sid, and no nonce.
func logoutClaims(claims map[string]any) (sub, sid string, ok bool) {
	events, isMap := claims["events"].(map[string]any)
	if !isMap {
		return "", "", false
	}
	if _, present := events[logoutEvent]; !present {
		return "", "", false
	}
	if _, hasNonce := claims["nonce"]; hasNonce {
		return "", "", false
	}
	sub = token.StringClaim(claims, "sub")
	sid = token.StringClaim(claims, "sid")
	if sub == "" && sid == "" {
		return "", "", false
	}
	return sub, sid, true
}

func dedupe(keys ...string) []string {
	var out []string
	for _, k := range keys {
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}

func claimTime(claims map[string]any, name string) (time.Time, bool) {
	switch v := claims[name].(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	default:
		return time.Time{}, false
	}
}
