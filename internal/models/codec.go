package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

var (
	// ErrIgnoredEvent is returned for well-formed frames that carry no feed
	// data (pong, connected).
	ErrIgnoredEvent = errors.New("event carries no feed data")
	// ErrUnknownEvent is returned for frames with an unrecognised type.
	ErrUnknownEvent = errors.New("unknown event type")
)

// NewEnvelope marshals data into an Envelope stamped with at.
func NewEnvelope(t EventType, channelID string, data any, at time.Time) (Envelope, error) {
	env := Envelope{Type: t, ChannelId: channelID, Timestamp: at.UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Data = raw
	}
	return env, nil
}

// ParseEnvelope decodes one wire frame.
func ParseEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("decode envelope: missing type")
	}
	return env, nil
}

// DecodeEnvelope converts an inbound frame into a LiveEvent. Wire event
// names are resolved here and nowhere else.
func DecodeEnvelope(env Envelope) (LiveEvent, error) {
	at := time.UnixMilli(env.Timestamp)
	if env.Timestamp == 0 {
		at = time.Time{}
	}
	team, company := channelScope(env.ChannelId)

	var ev LiveEvent
	switch env.Type {
	case EventStandupSubmitted, EventStandupUpdated:
		var d StandupData
		if err := decodeData(env, &d); err != nil {
			return LiveEvent{}, err
		}
		if d.Timestamp.IsZero() {
			d.Timestamp = at
		}
		change := ChangeAdded
		if env.Type == EventStandupUpdated {
			change = ChangeModified
		}
		ev = NewStandupEvent(d.Standup, SourcePush, change)
		team, company = firstNonEmpty(d.TeamId, team), firstNonEmpty(d.CompanyId, company)

	case EventUserOnline, EventUserOffline:
		var d PresenceData
		if err := decodeData(env, &d); err != nil {
			return LiveEvent{}, err
		}
		action := PresenceOnline
		if env.Type == EventUserOffline {
			action = PresenceOffline
		}
		ev = NewPresenceEvent(action, d.UserId, d.UserName, at)
		team = firstNonEmpty(d.TeamId, team)

	case EventUserTyping:
		var d TypingData
		if err := decodeData(env, &d); err != nil {
			return LiveEvent{}, err
		}
		ev = NewPresenceEvent(PresenceTyping, d.UserId, d.UserName, at)
		team = firstNonEmpty(d.TeamId, team)

	case EventBlockerDetected, EventUserMentioned, EventNotification:
		var d NotificationData
		if err := decodeData(env, &d); err != nil {
			return LiveEvent{}, err
		}
		if d.Type == "" {
			switch env.Type {
			case EventBlockerDetected:
				d.Type = NotificationBlocker
			case EventUserMentioned:
				d.Type = NotificationMention
			}
		}
		if d.Timestamp.IsZero() {
			d.Timestamp = at
		}
		ev = NewNotificationEvent(d.NotificationItem, SourcePush, ChangeAdded)
		team, company = firstNonEmpty(d.TeamId, team), firstNonEmpty(d.CompanyId, company)

	case EventSprintUpdated:
		var d SprintData
		if err := decodeData(env, &d); err != nil {
			return LiveEvent{}, err
		}
		// Each update is its own activity entry; untimed frames get a
		// random suffix so they do not collapse into one.
		suffix := fmt.Sprint(env.Timestamp)
		if env.Timestamp == 0 {
			suffix = uuid.NewString()
		}
		item := ActivityItem{
			ID:        "sprint:" + d.ID + ":" + suffix,
			Kind:      ActivitySprintUpdated,
			ActorID:   d.UpdatedBy,
			Timestamp: at,
			Details:   map[string]any{"sprintId": d.ID, "name": d.Name, "status": d.Status},
		}
		ev = NewActivityEvent(item, SourcePush, ChangeAdded)
		team, company = firstNonEmpty(d.TeamId, team), firstNonEmpty(d.CompanyId, company)

	case EventActivityUpdate:
		var d ActivityData
		if err := decodeData(env, &d); err != nil {
			return LiveEvent{}, err
		}
		if d.Timestamp.IsZero() {
			d.Timestamp = at
		}
		ev = NewActivityEvent(d.ActivityItem, SourcePush, ChangeAdded)
		team, company = firstNonEmpty(d.TeamId, team), firstNonEmpty(d.CompanyId, company)

	case EventConnected, EventPong:
		return LiveEvent{}, ErrIgnoredEvent

	default:
		return LiveEvent{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}

	ev.TeamID, ev.CompanyID = team, company
	if err := ev.Validate(); err != nil {
		return LiveEvent{}, fmt.Errorf("%s: %w", env.Type, err)
	}
	return ev, nil
}

// RelayEnvelope builds the standup_submitted frame used to bridge a
// store-observed standup onto the push channel.
func RelayEnvelope(ev LiveEvent, scope Scope, at time.Time) (Envelope, error) {
	if ev.Kind != KindStandup || ev.Standup == nil {
		return Envelope{}, fmt.Errorf("relay: %s events are not relayed", ev.Kind)
	}
	data := StandupData{Standup: *ev.Standup, TeamId: scope.TeamID, CompanyId: scope.CompanyID}
	return NewEnvelope(EventStandupSubmitted, scope.TeamChannel(), data, at)
}

func decodeData(env Envelope, out any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s: decode data: %w", env.Type, err)
	}
	return nil
}

func channelScope(channelID string) (team, company string) {
	switch {
	case strings.HasPrefix(channelID, "team:"):
		return strings.TrimPrefix(channelID, "team:"), ""
	case strings.HasPrefix(channelID, "company:"):
		return "", strings.TrimPrefix(channelID, "company:")
	}
	return "", ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
