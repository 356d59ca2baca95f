package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"upstand-realtime/internal/clock"
	"upstand-realtime/internal/livequery"
	"upstand-realtime/internal/metrics"
	"upstand-realtime/internal/models"
)

var (
	testNow = time.Date(2026, 10, 15, 9, 0, 0, 0, time.Local)
	today   = "2026-10-15"

	scopeA = models.Scope{TeamID: "teamA", CompanyID: "companyX", UserID: "me"}
	scopeB = models.Scope{TeamID: "teamB", CompanyID: "companyX", UserID: "me"}
)

type fakeConn struct {
	clock *clock.FakeClock

	mu          sync.Mutex
	state       models.ConnectionState
	scopes      []models.Scope
	sinks       []func(models.LiveEvent)
	disconnects int
	emitted     []models.ActivityPayload
	relayed     []models.LiveEvent
	relayErr    error
}

func (c *fakeConn) Connect(ctx context.Context, scope models.Scope, sink func(models.LiveEvent)) {
	c.mu.Lock()
	c.scopes = append(c.scopes, scope)
	c.sinks = append(c.sinks, sink)
	c.state = models.ConnectionState{Status: models.StatusConnected}
	c.mu.Unlock()
	sink(models.NewSignalEvent(models.StatusConnected, c.clock.Now()))
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.state.Status = models.StatusDisconnected
}

func (c *fakeConn) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) setState(st models.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = st
}

func (c *fakeConn) EmitActivity(payload models.ActivityPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, payload)
}

func (c *fakeConn) Relay(ev models.LiveEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relayErr != nil {
		return c.relayErr
	}
	c.relayed = append(c.relayed, ev)
	return nil
}

func (c *fakeConn) sink(i int) func(models.LiveEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sinks[i]
}

// push delivers ev through the most recent connection.
func (c *fakeConn) push(ev models.LiveEvent) {
	c.mu.Lock()
	sink := c.sinks[len(c.sinks)-1]
	c.mu.Unlock()
	sink(ev)
}

type fakeNotifier struct {
	mu    sync.Mutex
	shown []string
	// hold, when set, keeps ShowDesktop from returning until it is closed
	// or ctx ends.
	hold chan struct{}
}

func (n *fakeNotifier) ShowDesktop(ctx context.Context, item models.NotificationItem) {
	n.mu.Lock()
	hold := n.hold
	n.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, item.ID)
}

func (n *fakeNotifier) holdUntil(release chan struct{}) {
	n.mu.Lock()
	n.hold = release
	n.mu.Unlock()
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.shown)
}

type harness struct {
	t        *testing.T
	agg      *Aggregator
	clock    *clock.FakeClock
	conn     *fakeConn
	store    *livequery.MemoryStore
	notifier *fakeNotifier
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, livequery.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, store *livequery.MemoryStore) *harness {
	t.Helper()
	fc := clock.Fake(testNow)
	h := &harness{
		t:        t,
		clock:    fc,
		conn:     &fakeConn{clock: fc},
		store:    store,
		notifier: &fakeNotifier{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	h.agg = New(Options{
		Conn:     h.conn,
		Listener: livequery.NewListener(livequery.Options{Store: store, Clock: fc}),
		Notifier: h.notifier,
		Clock:    fc,
		Metrics:  h.metrics,
	})
	t.Cleanup(func() { h.agg.Close() })
	if err := h.agg.Start(context.Background(), scopeA); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.flush()
	return h
}

func (h *harness) flush() {
	h.t.Helper()
	if err := h.agg.Flush(); err != nil {
		h.t.Fatalf("Flush: %v", err)
	}
}

// waitAlerts blocks until every desktop notification handed off so far
// has returned.
func (h *harness) waitAlerts() {
	h.agg.alerts.Wait()
}

func (h *harness) advance(d time.Duration) {
	h.t.Helper()
	h.clock.Advance(d)
	h.flush()
}

func (h *harness) push(ev models.LiveEvent) {
	h.t.Helper()
	h.conn.push(ev)
	h.flush()
}

func (h *harness) putStandup(team, id, user string) {
	h.t.Helper()
	doc, err := livequery.StandupDocument(team, "companyX", models.Standup{ID: id, UserID: user, Date: today, Timestamp: h.clock.Now()})
	if err != nil {
		h.t.Fatal(err)
	}
	if _, err := h.store.Put(context.Background(), livequery.CollectionStandups, doc); err != nil {
		h.t.Fatal(err)
	}
	h.flush()
}

func (h *harness) putActivity(team, id string) {
	h.t.Helper()
	doc, err := livequery.ActivityDocument(team, "companyX", models.ActivityItem{ID: id, Kind: models.ActivityUser, ActorID: "u1", Timestamp: h.clock.Now()})
	if err != nil {
		h.t.Fatal(err)
	}
	if _, err := h.store.Put(context.Background(), livequery.CollectionActivity, doc); err != nil {
		h.t.Fatal(err)
	}
	h.flush()
}

func pushedStandup(id, user, team string) models.LiveEvent {
	ev := models.NewStandupEvent(models.Standup{ID: id, UserID: user, Date: today}, models.SourcePush, models.ChangeAdded)
	ev.TeamID = team
	return ev
}

func pushedNotification(id string, typ models.NotificationType) models.LiveEvent {
	ev := models.NewNotificationEvent(models.NotificationItem{ID: id, Type: typ, Title: "t-" + id}, models.SourcePush, models.ChangeAdded)
	ev.CompanyID = "companyX"
	return ev
}

func typingEvent(user string) models.LiveEvent {
	return models.NewPresenceEvent(models.PresenceTyping, user, "", time.Time{})
}

func standupIDs(s []models.Standup) []string {
	out := make([]string, len(s))
	for i, x := range s {
		out[i] = x.ID
	}
	return out
}

func activityIDs(s []models.ActivityItem) []string {
	out := make([]string, len(s))
	for i, x := range s {
		out[i] = x.ID
	}
	return out
}

func typingUsers(s []models.TypingEntry) []string {
	out := make([]string, len(s))
	for i, x := range s {
		out[i] = x.UserID
	}
	return out
}

func toastIDs(s []models.Toast) []string {
	out := make([]string, len(s))
	for i, x := range s {
		out[i] = x.ID
	}
	return out
}
