package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func mustEnvelope(t *testing.T, typ EventType, channel string, data any) Envelope {
	t.Helper()
	env, err := NewEnvelope(typ, channel, data, time.UnixMilli(1_700_000_000_000))
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func TestDecodeEnvelopeKinds(t *testing.T) {
	tests := []struct {
		name     string
		env      Envelope
		wantKind EventKind
		wantID   string
		wantTeam string
	}{
		{
			name:     "standup submitted",
			env:      mustEnvelope(t, EventStandupSubmitted, "team:t1", StandupData{Standup: Standup{ID: "s1", UserID: "u1"}}),
			wantKind: KindStandup,
			wantID:   "s1",
			wantTeam: "t1",
		},
		{
			name:     "user online",
			env:      mustEnvelope(t, EventUserOnline, "team:t1", PresenceData{UserId: "u2"}),
			wantKind: KindPresence,
			wantID:   "u2",
			wantTeam: "t1",
		},
		{
			name:     "user typing",
			env:      mustEnvelope(t, EventUserTyping, "", TypingData{UserId: "u3", TeamId: "t9"}),
			wantKind: KindPresence,
			wantID:   "u3",
			wantTeam: "t9",
		},
		{
			name:     "sprint updated becomes activity",
			env:      mustEnvelope(t, EventSprintUpdated, "team:t1", SprintData{ID: "sp1", UpdatedBy: "u1"}),
			wantKind: KindActivity,
			wantID:   "sprint:sp1:1700000000000",
			wantTeam: "t1",
		},
		{
			name:     "activity update",
			env:      mustEnvelope(t, EventActivityUpdate, "team:t1", ActivityData{ActivityItem: ActivityItem{ID: "a1", Kind: ActivityUser}}),
			wantKind: KindActivity,
			wantID:   "a1",
			wantTeam: "t1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEnvelope(tt.env)
			if err != nil {
				t.Fatalf("DecodeEnvelope: %v", err)
			}
			if ev.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", ev.Kind, tt.wantKind)
			}
			if ev.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", ev.ID, tt.wantID)
			}
			if ev.TeamID != tt.wantTeam {
				t.Errorf("TeamID = %q, want %q", ev.TeamID, tt.wantTeam)
			}
			if ev.Source != SourcePush {
				t.Errorf("Source = %v, want push", ev.Source)
			}
		})
	}
}

func TestDecodeEnvelopeNotificationTypes(t *testing.T) {
	env := mustEnvelope(t, EventBlockerDetected, "company:c1", NotificationData{NotificationItem: NotificationItem{ID: "n1", Title: "Blocked"}})
	ev, err := DecodeEnvelope(env)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if ev.Notification.Type != NotificationBlocker {
		t.Fatalf("Type = %q, want blocker", ev.Notification.Type)
	}
	if ev.CompanyID != "c1" {
		t.Fatalf("CompanyID = %q", ev.CompanyID)
	}
	if ev.Notification.Timestamp.IsZero() {
		t.Fatal("timestamp not defaulted from envelope")
	}

	env = mustEnvelope(t, EventUserMentioned, "", NotificationData{NotificationItem: NotificationItem{ID: "n2"}})
	ev, err = DecodeEnvelope(env)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if ev.Notification.Type != NotificationMention {
		t.Fatalf("Type = %q, want mention", ev.Notification.Type)
	}
}

func TestDecodeEnvelopeUntimedSprintUpdatesStayDistinct(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 2; i++ {
		env := mustEnvelope(t, EventSprintUpdated, "team:t1", SprintData{ID: "sp1", UpdatedBy: "u1"})
		env.Timestamp = 0
		ev, err := DecodeEnvelope(env)
		if err != nil {
			t.Fatalf("DecodeEnvelope: %v", err)
		}
		if !strings.HasPrefix(ev.ID, "sprint:sp1:") || strings.HasSuffix(ev.ID, ":0") {
			t.Fatalf("ID = %q", ev.ID)
		}
		ids[ev.ID] = true
	}
	if len(ids) != 2 {
		t.Fatalf("untimed sprint updates share an id: %v", ids)
	}
}

func TestDecodeEnvelopeStandupUpdatedIsModification(t *testing.T) {
	env := mustEnvelope(t, EventStandupUpdated, "team:t1", StandupData{Standup: Standup{ID: "s1"}})
	ev, err := DecodeEnvelope(env)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if ev.Change != ChangeModified {
		t.Fatalf("Change = %v, want modified", ev.Change)
	}
}

func TestDecodeEnvelopeErrors(t *testing.T) {
	if _, err := DecodeEnvelope(Envelope{Type: EventPong}); !errors.Is(err, ErrIgnoredEvent) {
		t.Errorf("pong: err = %v, want ErrIgnoredEvent", err)
	}
	if _, err := DecodeEnvelope(Envelope{Type: "standup_deleted"}); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("unknown: err = %v, want ErrUnknownEvent", err)
	}
	if _, err := DecodeEnvelope(Envelope{Type: EventStandupSubmitted}); err == nil {
		t.Error("missing data: expected error")
	}
	env := mustEnvelope(t, EventStandupSubmitted, "team:t1", StandupData{})
	if _, err := DecodeEnvelope(env); err == nil {
		t.Error("standup without id: expected error")
	}
}

func TestParseEnvelopeRoundTrip(t *testing.T) {
	frame := []byte(`{"type":"user_offline","channelId":"team:t1","timestamp":5,"data":{"userId":"u1"}}`)
	env, err := ParseEnvelope(frame)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	ev, err := DecodeEnvelope(env)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if ev.Presence.Action != PresenceOffline {
		t.Fatalf("Action = %v, want offline", ev.Presence.Action)
	}
	if _, err := ParseEnvelope([]byte(`{"channelId":"x"}`)); err == nil {
		t.Fatal("expected error for frame without type")
	}
}

func TestRelayEnvelope(t *testing.T) {
	scope := Scope{TeamID: "t1", CompanyID: "c1", UserID: "me"}
	ev := NewStandupEvent(Standup{ID: "s1", UserID: "u2"}, SourceStore, ChangeAdded)
	env, err := RelayEnvelope(ev, scope, time.Unix(10, 0))
	if err != nil {
		t.Fatalf("RelayEnvelope: %v", err)
	}
	if env.Type != EventStandupSubmitted || env.ChannelId != "team:t1" {
		t.Fatalf("env = %+v", env)
	}
	back, err := DecodeEnvelope(env)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if back.ID != "s1" || back.CompanyID != "c1" {
		t.Fatalf("decoded = %+v", back)
	}

	if _, err := RelayEnvelope(NewPresenceEvent(PresenceOnline, "u1", "", time.Time{}), scope, time.Now()); err == nil {
		t.Fatal("expected error relaying presence event")
	}
}

func TestLiveEventInScope(t *testing.T) {
	scope := Scope{TeamID: "t1", CompanyID: "c1"}
	cases := []struct {
		team, company string
		want          bool
	}{
		{"", "", true},
		{"t1", "", true},
		{"t1", "c1", true},
		{"t2", "c1", false},
		{"", "c2", false},
	}
	for _, c := range cases {
		ev := LiveEvent{TeamID: c.team, CompanyID: c.company}
		if got := ev.InScope(scope); got != c.want {
			t.Errorf("InScope(%q,%q) = %v, want %v", c.team, c.company, got, c.want)
		}
	}
}
