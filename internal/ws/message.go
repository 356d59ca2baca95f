package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"upstand-realtime/internal/auth"
	"upstand-realtime/internal/livequery"
	"upstand-realtime/internal/models"
)

// ErrForbidden is returned when a token may not use the requested scope.
var ErrForbidden = errors.New("scope not permitted for this token")

// session is the identity a frame is handled for. WebSocket clients keep
// one for the life of the connection; each /emit request builds its own.
type session struct {
	claims *auth.KindeClaims
	// client is nil for polling sessions.
	client *Client
	scope  models.Scope
}

func (s *session) userId() string   { return s.claims.Subject }
func (s *session) userName() string { return s.claims.DisplayName() }

// authorize checks scope against the organisation and team carried by the
// token. Claims that are absent do not restrict.
func authorize(claims *auth.KindeClaims, scope models.Scope) error {
	if claims.OrgCode != "" && scope.CompanyID != "" && scope.CompanyID != claims.OrgCode {
		return fmt.Errorf("%w: company %q", ErrForbidden, scope.CompanyID)
	}
	if claims.TeamID != "" && scope.TeamID != "" && scope.TeamID != claims.TeamID {
		return fmt.Errorf("%w: team %q", ErrForbidden, scope.TeamID)
	}
	return nil
}

// channelsOf returns the push channels of scope, skipping empty ids.
func channelsOf(scope models.Scope) []string {
	var out []string
	if scope.TeamID != "" {
		out = append(out, scope.TeamChannel())
	}
	if scope.CompanyID != "" {
		out = append(out, scope.CompanyChannel())
	}
	return out
}

func (h *Hub) handleMessage(ctx context.Context, s *session, message []byte) {
	env, err := models.ParseEnvelope(message)
	if err != nil {
		slog.Error("[CLIENT] Error unmarshaling message", "user", s.userId(), "error", err)
		return
	}
	h.handleFrame(ctx, s, env)
}

func (h *Hub) handleFrame(ctx context.Context, s *session, env models.Envelope) {
	h.metrics.RelayMessage(string(env.Type))

	switch env.Type {
	case models.EventJoinChannel:
		scope, ok := h.channelScope(s, env)
		if !ok {
			return
		}
		s.scope = scope
		for _, channelId := range channelsOf(scope) {
			if s.client != nil {
				h.join(s.client, channelId)
			} else if isTeamChannel(channelId) {
				h.publishPresence(channelId, s.userId(), s.userName(), true)
			}
		}

	case models.EventLeaveChannel:
		scope, ok := h.channelScope(s, env)
		if !ok {
			return
		}
		for _, channelId := range channelsOf(scope) {
			if s.client != nil {
				h.leave(s.client, channelId)
			} else if isTeamChannel(channelId) {
				h.publishPresence(channelId, s.userId(), s.userName(), false)
			}
		}

	case models.EventPing:
		if s.client == nil {
			return
		}
		if payload, err := frame(models.EventPong, "", nil); err == nil {
			h.sendTo(s.client, payload)
		}

	case models.EventUserActivity:
		h.handleActivity(ctx, s, env)

	case models.EventStandupSubmitted:
		h.relayStandup(s, env)

	default:
		slog.Warn("[CLIENT] Unknown event type", "type", env.Type, "user", s.userId())
	}
}

func (h *Hub) channelScope(s *session, env models.Envelope) (models.Scope, bool) {
	var data models.ChannelData
	if err := decode(env, &data); err != nil {
		slog.Warn("[CLIENT] Invalid channel payload", "type", env.Type, "user", s.userId(), "error", err)
		return models.Scope{}, false
	}
	scope := models.Scope{TeamID: data.TeamId, CompanyID: data.CompanyId, UserID: s.userId()}
	if err := authorize(s.claims, scope); err != nil {
		slog.Warn("[CLIENT] Channel access denied", "type", env.Type, "user", s.userId(), "error", err)
		return models.Scope{}, false
	}
	return scope, true
}

// handleActivity broadcasts a user-activity frame to the sender's team.
// Typing becomes user_typing; everything else is recorded and sent as
// activity_update.
func (h *Hub) handleActivity(ctx context.Context, s *session, env models.Envelope) {
	var payload models.ActivityPayload
	if err := decode(env, &payload); err != nil || payload.Kind == "" {
		slog.Warn("[CLIENT] Invalid user-activity payload", "user", s.userId(), "error", err)
		return
	}
	if s.scope.TeamID == "" {
		slog.Warn("[CLIENT] user-activity before joining a team", "user", s.userId())
		return
	}
	channelId := s.scope.TeamChannel()

	if payload.Kind == models.ActivityTyping {
		if err := h.publisher.PublishTyping(channelId, s.userId(), s.userName()); err != nil {
			slog.Error("[CLIENT] Failed to publish typing", "user", s.userId(), "channel", channelId, "error", err)
		}
		return
	}

	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}
	item := models.ActivityItem{
		ID:        payload.ID,
		Kind:      payload.Kind,
		ActorID:   s.userId(),
		Timestamp: time.Now(),
		Details:   payload.Details,
	}

	if h.activity != nil {
		doc, err := livequery.ActivityDocument(s.scope.TeamID, s.scope.CompanyID, item)
		if err == nil {
			_, err = h.activity.Put(ctx, livequery.CollectionActivity, doc)
		}
		if err != nil {
			slog.Error("[CLIENT] Failed to record activity", "user", s.userId(), "id", item.ID, "error", err)
		}
	}

	data := models.ActivityData{ActivityItem: item, TeamId: s.scope.TeamID, CompanyId: s.scope.CompanyID}
	if err := h.publisher.PublishActivity(channelId, data); err != nil {
		slog.Error("[CLIENT] Failed to publish activity", "user", s.userId(), "channel", channelId, "error", err)
	}
}

// relayStandup re-broadcasts a bridged standup to the sender's team. A
// standup reporting blockers also raises blocker_detected.
func (h *Hub) relayStandup(s *session, env models.Envelope) {
	var data models.StandupData
	if err := decode(env, &data); err != nil || data.ID == "" {
		slog.Warn("[CLIENT] Invalid standup relay", "user", s.userId(), "error", err)
		return
	}
	if s.scope.TeamID == "" || (data.TeamId != "" && data.TeamId != s.scope.TeamID) {
		slog.Warn("[CLIENT] Standup relay outside the joined team", "user", s.userId(), "team", data.TeamId)
		return
	}

	env.ChannelId = s.scope.TeamChannel()
	if err := h.publisher.PublishEnvelope(env); err != nil {
		slog.Error("[CLIENT] Failed to publish standup", "user", s.userId(), "id", data.ID, "error", err)
		return
	}

	if !hasBlockers(data.Blockers) {
		return
	}
	notification := models.NotificationData{
		NotificationItem: models.NotificationItem{
			ID:        "blocker:" + data.ID,
			Type:      models.NotificationBlocker,
			Title:     "Blocker reported",
			Message:   strings.TrimSpace(data.Blockers),
			Timestamp: data.Timestamp,
		},
		TeamId:    s.scope.TeamID,
		CompanyId: s.scope.CompanyID,
	}
	blocker, err := models.NewEnvelope(models.EventBlockerDetected, env.ChannelId, notification, time.Now())
	if err == nil {
		err = h.publisher.PublishEnvelope(blocker)
	}
	if err != nil {
		slog.Error("[CLIENT] Failed to publish blocker", "user", s.userId(), "id", data.ID, "error", err)
	}
}

func hasBlockers(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "", "none", "no", "n/a", "-":
		return false
	}
	return true
}

func decode(env models.Envelope, out any) error {
	if len(env.Data) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(env.Data, out)
}
