package models

import (
	"fmt"
	"time"
)

// EventKind is the closed set of LiveEvent variants.
type EventKind int

const (
	KindStandup EventKind = iota + 1
	KindActivity
	KindNotification
	KindPresence
	KindConnectionSignal
)

func (k EventKind) String() string {
	switch k {
	case KindStandup:
		return "standup"
	case KindActivity:
		return "activity"
	case KindNotification:
		return "notification"
	case KindPresence:
		return "presence"
	case KindConnectionSignal:
		return "connection"
	}
	return "unknown"
}

// Source says which channel produced an event.
type Source int

const (
	SourcePush Source = iota
	SourceStore
	SourceLocal
)

func (s Source) String() string {
	switch s {
	case SourcePush:
		return "push"
	case SourceStore:
		return "store"
	case SourceLocal:
		return "local"
	}
	return "unknown"
}

// ChangeType tags a diff. Live queries never delete.
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeModified
)

func (c ChangeType) String() string {
	if c == ChangeModified {
		return "modified"
	}
	return "added"
}

type PresenceAction int

const (
	PresenceOnline PresenceAction = iota
	PresenceOffline
	PresenceTyping
)

type Presence struct {
	Action   PresenceAction
	UserID   string
	UserName string
}

type ConnectionSignal struct {
	Status ConnectionStatus
}

// LiveEvent is one raw event from the push connection or a live query.
// Exactly one payload pointer is set, selected by Kind. TeamID and
// CompanyID carry the scope the event was produced for when it is known.
type LiveEvent struct {
	Kind      EventKind
	ID        string
	Timestamp time.Time
	Source    Source
	Change    ChangeType
	TeamID    string
	CompanyID string

	Standup      *Standup
	Activity     *ActivityItem
	Notification *NotificationItem
	Presence     *Presence
	Signal       *ConnectionSignal
}

// Validate checks that the payload matches Kind.
func (e LiveEvent) Validate() error {
	var ok bool
	switch e.Kind {
	case KindStandup:
		ok = e.Standup != nil && e.Standup.ID != ""
	case KindActivity:
		ok = e.Activity != nil && e.Activity.ID != ""
	case KindNotification:
		ok = e.Notification != nil && e.Notification.ID != ""
	case KindPresence:
		ok = e.Presence != nil && e.Presence.UserID != ""
	case KindConnectionSignal:
		ok = e.Signal != nil
	default:
		return fmt.Errorf("unknown event kind %d", e.Kind)
	}
	if !ok {
		return fmt.Errorf("%s event %q has no usable payload", e.Kind, e.ID)
	}
	return nil
}

// InScope reports whether the event's scope tags are compatible with s.
// Untagged events are accepted.
func (e LiveEvent) InScope(s Scope) bool {
	if e.TeamID != "" && e.TeamID != s.TeamID {
		return false
	}
	if e.CompanyID != "" && e.CompanyID != s.CompanyID {
		return false
	}
	return true
}

func NewStandupEvent(s Standup, src Source, change ChangeType) LiveEvent {
	return LiveEvent{Kind: KindStandup, ID: s.ID, Timestamp: s.Timestamp, Source: src, Change: change, Standup: &s}
}

func NewActivityEvent(a ActivityItem, src Source, change ChangeType) LiveEvent {
	return LiveEvent{Kind: KindActivity, ID: a.ID, Timestamp: a.Timestamp, Source: src, Change: change, Activity: &a}
}

func NewNotificationEvent(n NotificationItem, src Source, change ChangeType) LiveEvent {
	return LiveEvent{Kind: KindNotification, ID: n.ID, Timestamp: n.Timestamp, Source: src, Change: change, Notification: &n}
}

func NewPresenceEvent(action PresenceAction, userID, userName string, at time.Time) LiveEvent {
	return LiveEvent{
		Kind:      KindPresence,
		ID:        userID,
		Timestamp: at,
		Source:    SourcePush,
		Presence:  &Presence{Action: action, UserID: userID, UserName: userName},
	}
}

func NewSignalEvent(status ConnectionStatus, at time.Time) LiveEvent {
	return LiveEvent{
		Kind:      KindConnectionSignal,
		ID:        status.String(),
		Timestamp: at,
		Source:    SourcePush,
		Signal:    &ConnectionSignal{Status: status},
	}
}
