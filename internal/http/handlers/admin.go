package handlers

import (
	"errors"
	"net/http"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/hapass/internal/config"
	"github.com/dropDatabas3/hapass/internal/ha"
	api "github.com/dropDatabas3/hapass/internal/http"
	"github.com/dropDatabas3/hapass/internal/http/middlewares"
	"github.com/dropDatabas3/hapass/internal/observability/logger"
	"github.com/dropDatabas3/hapass/internal/rate"
	"github.com/dropDatabas3/hapass/internal/security/password"
	"github.com/dropDatabas3/hapass/internal/security/token"
	"github.com/dropDatabas3/hapass/internal/store"
)

const sessionCookie = "hapass_admin"

var slugRe = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Admin serves the session-authenticated management API: login and the
// token CRUD surface.
type Admin struct {
	Cfg      *config.Config
	Store    store.Store
	Registry *ha.Registry
	HA       *ha.Client
	Limiter  *rate.SlidingWindow
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login verifies admin credentials and sets the session cookie. Attempts
// are rate limited per client IP before the password is even looked at.
func (a *Admin) Login(w http.ResponseWriter, r *http.Request) {
	ip := middlewares.ClientIP(r)
	if !a.Limiter.Check("login:"+ip, a.Cfg.Rate.LoginPerMinute) {
		w.Header().Set("Retry-After", "60")
		api.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many login attempts")
		return
	}

	var req loginRequest
	if !api.ReadJSON(w, r, &req) {
		return
	}
	if req.Username != a.Cfg.Admin.Username || !password.Verify(req.Password, a.Cfg.Admin.PasswordHash) {
		logger.From(r.Context()).Warn("admin login failed", logger.ClientIP(ip))
		api.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
		return
	}

	ttl := a.Cfg.SessionTTL()
	sid, err := a.Store.CreateAdminSession(r.Context(), int64(ttl.Seconds()))
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "server_error", "could not create session")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sid,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   middlewares.IsHTTPS(r),
		SameSite: http.SameSiteStrictMode,
	})
	api.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *Admin) Logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		_ = a.Store.DeleteAdminSession(r.Context(), c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	api.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// RequireSession gates the management routes on a valid session cookie.
func (a *Admin) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(sessionCookie)
		if err != nil || c.Value == "" {
			api.WriteError(w, http.StatusUnauthorized, "unauthorized", "admin session required")
			return
		}
		ok, err := a.Store.GetAdminSession(r.Context(), c.Value)
		if err != nil {
			api.WriteError(w, http.StatusInternalServerError, "server_error", "session lookup failed")
			return
		}
		if !ok {
			api.WriteError(w, http.StatusUnauthorized, "unauthorized", "session expired")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type tokenView struct {
	ID           string   `json:"id"`
	Slug         string   `json:"slug"`
	Label        string   `json:"label"`
	CreatedAt    int64    `json:"created_at"`
	ExpiresAt    int64    `json:"expires_at"`
	NeverExpires bool     `json:"never_expires"`
	Revoked      bool     `json:"revoked"`
	LastAccessed *int64   `json:"last_accessed,omitempty"`
	IPAllowlist  []string `json:"ip_allowlist,omitempty"`
	EntityCount  int      `json:"entity_count"`
}

func viewOf(t *store.Token) tokenView {
	return tokenView{
		ID:           t.ID,
		Slug:         t.Slug,
		Label:        t.Label,
		CreatedAt:    t.CreatedAt,
		ExpiresAt:    t.ExpiresAt,
		NeverExpires: t.ExpiresAt == config.NeverExpires,
		Revoked:      t.Revoked,
		LastAccessed: t.LastAccessed,
		IPAllowlist:  t.IPAllowlist,
		EntityCount:  t.EntityCount,
	}
}

type createTokenRequest struct {
	Label        string   `json:"label"`
	Slug         string   `json:"slug"`
	EntityIDs    []string `json:"entity_ids"`
	ExpiresInSec int64    `json:"expires_in_sec"`
	NeverExpires bool     `json:"never_expires"`
	IPAllowlist  []string `json:"ip_allowlist"`
}

// CreateToken mints a new guest token. The slug is caller-chosen or random;
// either way it must be unique since it doubles as the bearer credential.
func (a *Admin) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if !api.ReadJSON(w, r, &req) {
		return
	}
	if req.Label == "" {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", "label is required")
		return
	}
	if len(req.EntityIDs) == 0 {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", "entity_ids must not be empty")
		return
	}
	for _, cidr := range req.IPAllowlist {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			api.WriteError(w, http.StatusBadRequest, "invalid_request", "ip_allowlist entries must be CIDR notation")
			return
		}
	}

	slug := strings.TrimSpace(req.Slug)
	if slug == "" {
		s, err := token.GenerateOpaque(16)
		if err != nil {
			api.WriteError(w, http.StatusInternalServerError, "server_error", "could not generate slug")
			return
		}
		slug = s
	} else if !slugRe.MatchString(slug) {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", "slug must match [a-z0-9_-]{1,64}")
		return
	}

	expiresAt := config.NeverExpires
	if !req.NeverExpires {
		if req.ExpiresInSec <= 0 {
			api.WriteError(w, http.StatusBadRequest, "invalid_request", "expires_in_sec must be positive")
			return
		}
		expiresAt = time.Now().Unix() + req.ExpiresInSec
	}

	tok, err := a.Store.CreateToken(r.Context(), req.Label, slug, req.EntityIDs, expiresAt, req.IPAllowlist)
	if err != nil {
		api.WriteError(w, http.StatusConflict, "slug_taken", "slug already in use")
		return
	}
	logger.From(r.Context()).Info("guest token created",
		logger.TokenID(tok.ID), logger.Slug(tok.Slug))
	api.WriteJSON(w, http.StatusCreated, viewOf(tok))
}

func (a *Admin) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := a.Store.ListTokens(r.Context())
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "server_error", "could not list tokens")
		return
	}
	views := make([]tokenView, 0, len(tokens))
	for i := range tokens {
		views = append(views, viewOf(&tokens[i]))
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"tokens": views})
}

func (a *Admin) GetToken(w http.ResponseWriter, r *http.Request) {
	tok, ok := a.lookupToken(w, r)
	if !ok {
		return
	}
	entities, err := a.Store.GetTokenEntities(r.Context(), tok.ID)
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "server_error", "could not load entities")
		return
	}
	v := viewOf(tok)
	api.WriteJSON(w, http.StatusOK, map[string]any{"token": v, "entity_ids": entities})
}

type updateEntitiesRequest struct {
	EntityIDs []string `json:"entity_ids"`
}

// UpdateEntities rewrites a token's allowlist and invalidates the
// registry's cached copy so live streams pick up the change.
func (a *Admin) UpdateEntities(w http.ResponseWriter, r *http.Request) {
	tok, ok := a.lookupToken(w, r)
	if !ok {
		return
	}
	var req updateEntitiesRequest
	if !api.ReadJSON(w, r, &req) {
		return
	}
	if len(req.EntityIDs) == 0 {
		api.WriteError(w, http.StatusBadRequest, "invalid_request", "entity_ids must not be empty")
		return
	}
	if err := a.Store.UpdateTokenEntities(r.Context(), tok.ID, req.EntityIDs); err != nil {
		api.WriteError(w, http.StatusInternalServerError, "server_error", "could not update entities")
		return
	}
	a.Registry.InvalidateEntityCache(r.Context(), tok.ID)
	api.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type updateExpiryRequest struct {
	ExpiresInSec int64 `json:"expires_in_sec"`
	NeverExpires bool  `json:"never_expires"`
}

// UpdateExpiry extends or shortens a token's lifetime. Setting a new expiry
// also clears a revocation, so "un-revoke" is expressed as a fresh expiry.
func (a *Admin) UpdateExpiry(w http.ResponseWriter, r *http.Request) {
	tok, ok := a.lookupToken(w, r)
	if !ok {
		return
	}
	var req updateExpiryRequest
	if !api.ReadJSON(w, r, &req) {
		return
	}
	expiresAt := config.NeverExpires
	if !req.NeverExpires {
		if req.ExpiresInSec <= 0 {
			api.WriteError(w, http.StatusBadRequest, "invalid_request", "expires_in_sec must be positive")
			return
		}
		expiresAt = time.Now().Unix() + req.ExpiresInSec
	}
	if err := a.Store.UpdateTokenExpiry(r.Context(), tok.ID, expiresAt); err != nil {
		api.WriteError(w, http.StatusInternalServerError, "server_error", "could not update expiry")
		return
	}
	if tok.Revoked {
		if err := a.Store.UnrevokeToken(r.Context(), tok.ID); err != nil {
			api.WriteError(w, http.StatusInternalServerError, "server_error", "could not clear revocation")
			return
		}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// RevokeToken soft-deletes: the row stays for auditing, live streams get a
// token_expired event and shut down.
func (a *Admin) RevokeToken(w http.ResponseWriter, r *http.Request) {
	tok, ok := a.lookupToken(w, r)
	if !ok {
		return
	}
	if err := a.Store.RevokeToken(r.Context(), tok.ID); err != nil {
		api.WriteError(w, http.StatusInternalServerError, "server_error", "could not revoke token")
		return
	}
	a.Registry.BroadcastTokenExpired(tok.ID)
	api.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// DeleteToken removes the row entirely, audit references included.
func (a *Admin) DeleteToken(w http.ResponseWriter, r *http.Request) {
	tok, ok := a.lookupToken(w, r)
	if !ok {
		return
	}
	if err := a.Store.DeleteToken(r.Context(), tok.ID); err != nil {
		api.WriteError(w, http.StatusInternalServerError, "server_error", "could not delete token")
		return
	}
	a.Registry.BroadcastTokenExpired(tok.ID)
	api.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ListEntities proxies the upstream entity list, filtered to the domains a
// guest token could actually control. The admin UI uses it to populate the
// allowlist picker.
func (a *Admin) ListEntities(w http.ResponseWriter, r *http.Request) {
	states, err := a.HA.GetStates(r.Context())
	if err != nil {
		api.WriteError(w, http.StatusBadGateway, "upstream_error", "Home Assistant unreachable")
		return
	}
	out := make([]ha.State, 0, len(states))
	for _, s := range states {
		domain, _, _ := strings.Cut(s.EntityID, ".")
		if _, ok := a.Cfg.Guest.AllowedServices[domain]; ok {
			out = append(out, s)
		}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"entities": out})
}

func (a *Admin) lookupToken(w http.ResponseWriter, r *http.Request) (*store.Token, bool) {
	id := chi.URLParam(r, "id")
	tok, err := a.Store.GetTokenByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.WriteError(w, http.StatusNotFound, "not_found", "token not found")
		} else {
			api.WriteError(w, http.StatusInternalServerError, "server_error", "token lookup failed")
		}
		return nil, false
	}
	return tok, true
}
