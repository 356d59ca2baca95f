package models

import "time"

// Scope identifies the active subscription context.
type Scope struct {
	TeamID    string `json:"teamId" yaml:"team_id"`
	CompanyID string `json:"companyId" yaml:"company_id"`
	UserID    string `json:"userId" yaml:"user_id"`
}

// TeamChannel and CompanyChannel name the push channels for the scope.
func (s Scope) TeamChannel() string    { return TeamChannel(s.TeamID) }
func (s Scope) CompanyChannel() string { return CompanyChannel(s.CompanyID) }

func TeamChannel(teamID string) string       { return "team:" + teamID }
func CompanyChannel(companyID string) string { return "company:" + companyID }

type Standup struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Date      string    `json:"date"`
	Yesterday string    `json:"yesterday"`
	Today     string    `json:"today"`
	Blockers  string    `json:"blockers"`
	Sentiment string    `json:"sentiment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Activity kinds mirrored from the team activity log.
const (
	ActivityStandupSubmitted = "standup_submitted"
	ActivitySprintUpdated    = "sprint_updated"
	ActivityBlockerDetected  = "blocker_detected"
	ActivityUser             = "user_activity"

	// ActivityTyping is only emitted; the relay turns it into user_typing.
	ActivityTyping = "typing"
)

type ActivityItem struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	ActorID   string         `json:"actorId"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

type NotificationType string

const (
	NotificationBlocker NotificationType = "blocker"
	NotificationMention NotificationType = "mention"
	NotificationStandup NotificationType = "standup"
	NotificationSprint  NotificationType = "sprint"
)

// Alerts reports whether the type raises a toast and a desktop notification.
func (t NotificationType) Alerts() bool {
	return t == NotificationBlocker || t == NotificationMention
}

type NotificationItem struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Read      bool             `json:"read"`
	Timestamp time.Time        `json:"timestamp"`
}

type Toast struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Kind      NotificationType `json:"kind"`
	CreatedAt time.Time        `json:"createdAt"`
}

type PresenceEntry struct {
	UserID   string    `json:"userId"`
	UserName string    `json:"userName,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

type TypingEntry struct {
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusBackoff
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusBackoff:
		return "backoff"
	}
	return "unknown"
}

type TransportMode int

const (
	TransportMultiplexed TransportMode = iota
	TransportPollingFallback
)

func (m TransportMode) String() string {
	if m == TransportPollingFallback {
		return "polling"
	}
	return "multiplexed"
}

type ConnectionState struct {
	Status            ConnectionStatus
	ReconnectAttempts int
	TransportMode     TransportMode
}

func (s ConnectionState) Connected() bool { return s.Status == StatusConnected }
