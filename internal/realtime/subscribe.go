package realtime

import (
	"fmt"
	"log/slog"
	"sort"

	"upstand-realtime/internal/models"
)

// Topic selects which part of the state a subscriber follows.
type Topic int

const (
	TopicStandups Topic = iota + 1
	TopicActivity
	TopicNotifications
	TopicPresence
	TopicToasts
	TopicStatus
)

var allTopics = []Topic{TopicStandups, TopicActivity, TopicNotifications, TopicPresence, TopicToasts, TopicStatus}

func (t Topic) String() string {
	switch t {
	case TopicStandups:
		return "standups"
	case TopicActivity:
		return "activity"
	case TopicNotifications:
		return "notifications"
	case TopicPresence:
		return "presence"
	case TopicToasts:
		return "toasts"
	case TopicStatus:
		return "status"
	}
	return fmt.Sprintf("topic(%d)", int(t))
}

// Snapshot is an immutable view of the aggregator state. Feeds are newest
// first; Presence and Typing are sorted by user id.
type Snapshot struct {
	Scope         models.Scope
	Standups      []models.Standup
	Activity      []models.ActivityItem
	Notifications []models.NotificationItem
	Toasts        []models.Toast
	Presence      []models.PresenceEntry
	Typing        []models.TypingEntry
	Connection    models.ConnectionState
	// Stale lists live queries that failed and stopped updating.
	Stale []string
}

// Subscribe registers fn for changes to topic and returns a function that
// removes it. Callbacks run on the aggregator goroutine: they must not
// block or call Flush, SwitchScope or Close. A panicking callback is
// recovered and does not affect the others.
func (a *Aggregator) Subscribe(topic Topic, fn func(Snapshot)) (unsubscribe func()) {
	a.subMu.Lock()
	a.nextSub++
	id := a.nextSub
	if a.subs[topic] == nil {
		a.subs[topic] = make(map[int]func(Snapshot))
	}
	a.subs[topic][id] = fn
	a.subMu.Unlock()

	return func() {
		a.subMu.Lock()
		delete(a.subs[topic], id)
		a.subMu.Unlock()
	}
}

func (a *Aggregator) fanOut(topic Topic, snap Snapshot) {
	a.subMu.Lock()
	ids := make([]int, 0, len(a.subs[topic]))
	for id := range a.subs[topic] {
		ids = append(ids, id)
	}
	fns := make([]func(Snapshot), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, a.subs[topic][id])
	}
	a.subMu.Unlock()

	for _, fn := range fns {
		a.deliver(topic, fn, snap)
	}
}

func (a *Aggregator) deliver(topic Topic, fn func(Snapshot), snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			a.opts.Metrics.SubscriberPanic()
			slog.Error("[AGGREGATOR] Subscriber panicked", "topic", topic, "panic", r)
		}
	}()
	fn(snap)
}
