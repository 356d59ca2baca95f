package models

import "github.com/goccy/go-json"

// EventType is the wire name of a push event.
type EventType string

// Inbound push events (server -> client).
const (
	EventStandupSubmitted EventType = "standup_submitted"
	EventStandupUpdated   EventType = "standup_updated"
	EventUserOnline       EventType = "user_online"
	EventUserOffline      EventType = "user_offline"
	EventUserTyping       EventType = "user_typing"
	EventBlockerDetected  EventType = "blocker_detected"
	EventUserMentioned    EventType = "user_mentioned"
	EventSprintUpdated    EventType = "sprint_updated"
	EventActivityUpdate   EventType = "activity_update"
	EventNotification     EventType = "notification"
	EventConnected        EventType = "connected"
	EventPong             EventType = "pong"
)

// Outbound emits (client -> server).
const (
	EventJoinChannel  EventType = "join-channel"
	EventLeaveChannel EventType = "leave-channel"
	EventPing         EventType = "ping"
	EventUserActivity EventType = "user-activity"
)

// Envelope is the JSON frame carried on the push connection in both
// directions. Timestamp is unix milliseconds.
type Envelope struct {
	Type      EventType       `json:"type"`
	ChannelId string          `json:"channelId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PollResponse is the body of the relay's GET /poll. Cursor is the sequence
// number of the last event returned; pass it back to receive later events.
type PollResponse struct {
	Cursor int64             `json:"cursor"`
	Events []json.RawMessage `json:"events"`
}

type BroadcastMessage struct {
	ChannelId string
	Payload   []byte
}

// Specific event data structures

type StandupData struct {
	Standup
	TeamId    string `json:"teamId,omitempty"`
	CompanyId string `json:"companyId,omitempty"`
}

type PresenceData struct {
	UserId   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	TeamId   string `json:"teamId,omitempty"`
}

type TypingData struct {
	UserId   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
	TeamId   string `json:"teamId,omitempty"`
}

type NotificationData struct {
	NotificationItem
	RecipientId string `json:"recipientId,omitempty"`
	TeamId      string `json:"teamId,omitempty"`
	CompanyId   string `json:"companyId,omitempty"`
}

type ActivityData struct {
	ActivityItem
	TeamId    string `json:"teamId,omitempty"`
	CompanyId string `json:"companyId,omitempty"`
}

type SprintData struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	UpdatedBy string `json:"updatedBy"`
	TeamId    string `json:"teamId,omitempty"`
	CompanyId string `json:"companyId,omitempty"`
}

// ChannelData is the payload of join-channel and leave-channel.
type ChannelData struct {
	TeamId    string `json:"teamId"`
	CompanyId string `json:"companyId"`
}

// ActivityPayload is the payload of user-activity.
type ActivityPayload struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	ActorId string         `json:"actorId,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}
