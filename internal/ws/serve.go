package ws

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"upstand-realtime/internal/auth"
	"upstand-realtime/internal/models"
)

func (h *Hub) authenticate(w http.ResponseWriter, r *http.Request) (*auth.KindeClaims, bool) {
	token := auth.ExtractTokenFromRequest(r)
	if token == "" {
		slog.Warn("[WS] No token provided", "from", r.RemoteAddr)
		http.Error(w, "Unauthorized: token required", http.StatusUnauthorized)
		return nil, false
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		slog.Warn("[WS] Token validation failed", "from", r.RemoteAddr, "error", err)
		http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
		return nil, false
	}
	return claims, true
}

// queryScope reads teamId and companyId and checks them against claims.
func queryScope(w http.ResponseWriter, r *http.Request, claims *auth.KindeClaims) (models.Scope, bool) {
	q := r.URL.Query()
	scope := models.Scope{TeamID: q.Get("teamId"), CompanyID: q.Get("companyId"), UserID: claims.Subject}
	if err := authorize(claims, scope); err != nil {
		slog.Warn("[WS] Scope denied", "user", claims.Subject, "error", err)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return models.Scope{}, false
	}
	return scope, true
}

// ServeWS upgrades an authenticated request and joins the channels named
// by the teamId and companyId query parameters.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	claims, ok := hub.authenticate(w, r)
	if !ok {
		return
	}
	scope, ok := queryScope(w, r, claims)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("[WS] Failed to upgrade connection", "user", claims.Subject, "error", err)
		return
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		userId:   claims.Subject,
		userName: claims.DisplayName(),
		initial:  channelsOf(scope),
		channels: make(map[string]bool),
	}
	client.session = &session{claims: claims, client: client, scope: scope}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	slog.Info("[WS] Connection upgraded successfully", "user", client.userId, "team", scope.TeamID)
	go client.WritePump()
	go client.ReadPump()
}

// ServePoll answers GET /poll for the polling fallback. A negative cursor
// returns the current position without events; a cursor whose events have
// been evicted answers 410 Gone so the client reconnects.
func ServePoll(hub *Hub, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := hub.authenticate(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	channels := q["channel"]
	if len(channels) == 0 {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}
	for _, channelId := range channels {
		scope, valid := parseChannel(channelId)
		if !valid {
			http.Error(w, "invalid channel "+strconv.Quote(channelId), http.StatusBadRequest)
			return
		}
		if err := authorize(claims, scope); err != nil {
			slog.Warn("[WS] Poll denied", "user", claims.Subject, "error", err)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	cursor := int64(-1)
	if v := q.Get("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = n
	}
	var wait time.Duration
	if v := q.Get("wait"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			http.Error(w, "invalid wait", http.StatusBadRequest)
			return
		}
		wait = min(time.Duration(ms)*time.Millisecond, hub.maxPollWait)
	}

	hub.metrics.RelayConnection("polling", 1)
	resp, err := hub.backlog.Wait(r.Context(), channels, cursor, wait)
	hub.metrics.RelayConnection("polling", -1)

	switch {
	case errors.Is(err, ErrCursorGone):
		http.Error(w, err.Error(), http.StatusGone)
		return
	case err != nil:
		// The poller went away.
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("[WS] Failed to write poll response", "user", claims.Subject, "error", err)
	}
}

// ServeEmit handles POST /emit: one client frame from a polling session.
func ServeEmit(hub *Hub, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, ok := hub.authenticate(w, r)
	if !ok {
		return
	}
	scope, ok := queryScope(w, r, claims)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	env, err := models.ParseEnvelope(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	hub.handleFrame(r.Context(), &session{claims: claims, scope: scope}, env)
	w.WriteHeader(http.StatusAccepted)
}

func parseChannel(channelId string) (models.Scope, bool) {
	switch {
	case strings.HasPrefix(channelId, "team:") && len(channelId) > len("team:"):
		return models.Scope{TeamID: strings.TrimPrefix(channelId, "team:")}, true
	case strings.HasPrefix(channelId, "company:") && len(channelId) > len("company:"):
		return models.Scope{CompanyID: strings.TrimPrefix(channelId, "company:")}, true
	}
	return models.Scope{}, false
}
