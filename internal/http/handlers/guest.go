// Package handlers implements the guest, admin, and health HTTP handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hapass/internal/audit"
	"github.com/dropDatabas3/hapass/internal/command"
	"github.com/dropDatabas3/hapass/internal/ha"
	api "github.com/dropDatabas3/hapass/internal/http"
	"github.com/dropDatabas3/hapass/internal/http/middlewares"
	"github.com/dropDatabas3/hapass/internal/observability/logger"
	"github.com/dropDatabas3/hapass/internal/store"
)

// sseKeepalive is how often an idle stream emits a comment so proxies
// don't cut the connection.
const sseKeepalive = 25 * time.Second

// Guest serves the slug-scoped guest API.
//
// The slug in the URL acts as a bearer token: knowing it grants access.
// State-changing calls carry the slug in the path, not in a cookie, which
// is what keeps CSRF off the table for guests.
type Guest struct {
	Tokens   store.TokenStore
	Registry *ha.Registry
	States   *ha.StatesCache
	Pipeline *command.Pipeline
	Auditor  *audit.Recorder
	// Healthy reports the upstream event connection state, surfaced in the
	// SSE "connected" event so clients know whether to trust live updates.
	Healthy func() bool
}

// validateToken loads and checks the slug's token. Any failure maps to
// 410 Gone except an IP allowlist miss, which is 403.
func (g *Guest) validateToken(w http.ResponseWriter, r *http.Request) *store.Token {
	slug := chi.URLParam(r, "slug")
	if slug == "" || len(slug) > 64 {
		api.WriteError(w, http.StatusGone, "invalid_token", "token not found")
		return nil
	}
	tok, err := g.Tokens.GetTokenBySlug(r.Context(), slug)
	if err != nil {
		api.WriteError(w, http.StatusGone, "invalid_token", "token not found")
		return nil
	}
	now := time.Now().Unix()
	if tok.Revoked || tok.ExpiresAt <= now {
		api.WriteError(w, http.StatusGone, "invalid_token", "token expired or revoked")
		return nil
	}
	if len(tok.IPAllowlist) > 0 {
		addr, err := netip.ParseAddr(middlewares.ClientIP(r))
		if err != nil {
			api.WriteError(w, http.StatusForbidden, "ip_forbidden", "invalid client IP")
			return nil
		}
		allowed := false
		for _, cidr := range tok.IPAllowlist {
			if pfx, err := netip.ParsePrefix(cidr); err == nil && pfx.Contains(addr) {
				allowed = true
				break
			}
		}
		if !allowed {
			api.WriteError(w, http.StatusForbidden, "ip_forbidden", "IP not allowed")
			return nil
		}
	}
	return tok
}

// State returns the allowlisted entities with their current upstream
// states. Entities the upstream doesn't know yet are reported as
// "unavailable" so the client can still render them.
func (g *Guest) State(w http.ResponseWriter, r *http.Request) {
	tok := g.validateToken(w, r)
	if tok == nil {
		return
	}
	ctx := r.Context()

	entityIDs, err := g.Tokens.GetTokenEntities(ctx, tok.ID)
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "server_error", "could not load entities")
		return
	}
	allowed := make(map[string]struct{}, len(entityIDs))
	for _, id := range entityIDs {
		allowed[id] = struct{}{}
	}

	all, err := g.States.Get(ctx)
	if err != nil {
		api.WriteError(w, http.StatusBadGateway, "upstream_error", "Home Assistant unreachable")
		return
	}

	states := make(map[string]ha.State, len(entityIDs))
	for _, s := range all {
		if _, ok := allowed[s.EntityID]; ok {
			states[s.EntityID] = s
		}
	}
	for _, id := range entityIDs {
		if _, ok := states[id]; !ok {
			states[id] = ha.State{EntityID: id, State: "unavailable"}
		}
	}

	_ = g.Tokens.TouchToken(ctx, tok.ID)
	g.Auditor.Record(ctx, store.AccessEntry{
		TokenID:   tok.ID,
		EventType: "page_load",
		IPAddress: middlewares.ClientIP(r),
		UserAgent: r.UserAgent(),
	})

	api.WriteJSON(w, http.StatusOK, map[string]any{
		"entities": entityIDs,
		"states":   states,
	})
}

// Stream is the SSE endpoint: it subscribes the connection to the token's
// event channel and forwards events until the client goes away or the
// token expires.
func (g *Guest) Stream(w http.ResponseWriter, r *http.Request) {
	tok := g.validateToken(w, r)
	if tok == nil {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.WriteError(w, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}

	sub, err := g.Registry.Subscribe(r.Context(), tok.ID)
	if err != nil {
		api.WriteError(w, http.StatusInternalServerError, "server_error", "subscribe failed")
		return
	}
	defer g.Registry.Unsubscribe(tok.ID, sub)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {\"ws_healthy\": %t}\n\n", g.Healthy())
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-sub:
			b, err := json.Marshal(ev)
			if err != nil {
				logger.From(r.Context()).Warn("sse encode failed", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b)
			flusher.Flush()
			if ev.Type == ha.EventTokenExpired {
				return
			}
		}
	}
}

// Command proxies one guest service call through the authorization
// pipeline.
func (g *Guest) Command(w http.ResponseWriter, r *http.Request) {
	tok := g.validateToken(w, r)
	if tok == nil {
		return
	}
	var req command.Request
	if !api.ReadJSON(w, r, &req) {
		return
	}

	result, err := g.Pipeline.Execute(r.Context(), tok.ID, req, command.CallerMeta{
		IP:        middlewares.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "result": json.RawMessage(result)})
}

// writeCommandError maps each pipeline outcome to its own status code.
// Denials are never merged: the client can tell a rate limit from a
// forbidden entity from a broken upstream.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, command.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		api.WriteError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
	case errors.Is(err, command.ErrMalformedService):
		api.WriteError(w, http.StatusUnprocessableEntity, "invalid_service", "invalid service format")
	case errors.Is(err, command.ErrEntityForbidden):
		api.WriteError(w, http.StatusForbidden, "entity_forbidden", "entity not in allowlist")
	case errors.Is(err, command.ErrDomainMismatch):
		api.WriteError(w, http.StatusForbidden, "domain_mismatch", "service domain does not match entity")
	case errors.Is(err, command.ErrServiceNotAllowed):
		api.WriteError(w, http.StatusForbidden, "service_not_allowed", "service not allowed for this domain")
	case errors.Is(err, command.ErrLookupFailed):
		// A store outage is our 500, not the upstream's 502.
		api.WriteError(w, http.StatusInternalServerError, "server_error", "authorization check failed")
	default:
		api.WriteError(w, http.StatusBadGateway, "upstream_error", "Home Assistant service call failed")
	}
}
