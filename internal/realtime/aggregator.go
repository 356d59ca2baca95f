// Package realtime merges push events and live-query diffs into bounded,
// deduplicated feeds for one active scope and fans the results out to
// subscribers.
//
// An Aggregator owns a single goroutine that applies every mutation in
// arrival order. Readers see immutable snapshots published after each
// mutation.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"upstand-realtime/internal/clock"
	"upstand-realtime/internal/metrics"
	"upstand-realtime/internal/models"
	"upstand-realtime/internal/schedule"
)

const (
	DefaultStandupCap      = 10
	DefaultActivityCap     = 50
	DefaultNotificationCap = 20
	DefaultToastCap        = 5

	DefaultTypingTimeout      = 3 * time.Second
	DefaultToastTimeout       = 5 * time.Second
	DefaultStatusPollInterval = 5 * time.Second
	DefaultDesktopTimeout     = 10 * time.Second
)

// ErrNotRunning is returned by operations on an Aggregator that was never
// started or has been closed.
var ErrNotRunning = errors.New("aggregator is not running")

// Connection is the push side of the aggregator. *conn.Manager implements it.
type Connection interface {
	Connect(ctx context.Context, scope models.Scope, sink func(models.LiveEvent))
	Disconnect()
	State() models.ConnectionState
	EmitActivity(payload models.ActivityPayload)
	Relay(ev models.LiveEvent) error
}

// QueryListener is the store side. *livequery.Listener implements it.
type QueryListener interface {
	Start(ctx context.Context, scope models.Scope, sink func(models.LiveEvent)) error
	Stop()
	Stale() []string
}

// Notifier shows desktop notifications. *notify.Dispatcher implements it.
type Notifier interface {
	ShowDesktop(ctx context.Context, n models.NotificationItem)
}

type Options struct {
	Conn     Connection
	Listener QueryListener
	Notifier Notifier
	Clock    clock.Clock
	Metrics  *metrics.Metrics

	StandupCap      int
	ActivityCap     int
	NotificationCap int
	ToastCap        int

	TypingTimeout      time.Duration
	ToastTimeout       time.Duration
	StatusPollInterval time.Duration
	// DesktopTimeout bounds one desktop notification.
	DesktopTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.StandupCap <= 0 {
		o.StandupCap = DefaultStandupCap
	}
	if o.ActivityCap <= 0 {
		o.ActivityCap = DefaultActivityCap
	}
	if o.NotificationCap <= 0 {
		o.NotificationCap = DefaultNotificationCap
	}
	if o.ToastCap <= 0 {
		o.ToastCap = DefaultToastCap
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = DefaultTypingTimeout
	}
	if o.ToastTimeout <= 0 {
		o.ToastTimeout = DefaultToastTimeout
	}
	if o.StatusPollInterval <= 0 {
		o.StatusPollInterval = DefaultStatusPollInterval
	}
	if o.DesktopTimeout <= 0 {
		o.DesktopTimeout = DefaultDesktopTimeout
	}
}

// Aggregator is the single merge point for one scope at a time.
type Aggregator struct {
	opts  Options
	clock clock.Clock
	tasks *schedule.Table

	// inbox is an unbounded FIFO so producers never block, even when they
	// run while the loop is tearing them down.
	inboxMu sync.Mutex
	inbox   []func()
	closed  bool
	started bool
	wake    chan struct{}
	done    chan struct{}

	// lifecycle serialises Start, SwitchScope and Close.
	lifecycle sync.Mutex
	gen       atomic.Uint64

	subMu   sync.Mutex
	subs    map[Topic]map[int]func(Snapshot)
	nextSub int

	snap atomic.Pointer[Snapshot]

	// Desktop notifications run off the loop; Close cancels and waits
	// for them.
	alertCtx    context.Context
	alertCancel context.CancelFunc
	alerts      sync.WaitGroup

	// Owned by the loop goroutine.
	scope         models.Scope
	standups      *feed[models.Standup]
	activity      *feed[models.ActivityItem]
	notifications *feed[models.NotificationItem]
	toasts        *feed[models.Toast]
	presence      map[string]models.PresenceEntry
	typing        map[string]models.TypingEntry
	status        models.ConnectionState
	stale         []string
	dirty         map[Topic]bool
}

func New(opts Options) *Aggregator {
	opts.setDefaults()
	a := &Aggregator{
		opts:          opts,
		clock:         opts.Clock,
		tasks:         schedule.NewTable(opts.Clock),
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		subs:          make(map[Topic]map[int]func(Snapshot)),
		standups:      newFeed("standups", opts.StandupCap, func(s models.Standup) string { return s.ID }),
		activity:      newFeed("activity", opts.ActivityCap, func(a models.ActivityItem) string { return a.ID }),
		notifications: newFeed("notifications", opts.NotificationCap, func(n models.NotificationItem) string { return n.ID }),
		toasts:        newFeed("toasts", opts.ToastCap, func(t models.Toast) string { return t.ID }),
		presence:      make(map[string]models.PresenceEntry),
		typing:        make(map[string]models.TypingEntry),
		dirty:         make(map[Topic]bool),
	}
	a.alertCtx, a.alertCancel = context.WithCancel(context.Background())
	a.snap.Store(&Snapshot{})
	return a
}

// Start launches the event loop and activates scope.
func (a *Aggregator) Start(ctx context.Context, scope models.Scope) error {
	a.inboxMu.Lock()
	if a.closed {
		a.inboxMu.Unlock()
		return ErrNotRunning
	}
	if !a.started {
		a.started = true
		go a.run()
	}
	a.inboxMu.Unlock()

	slog.Info("[AGGREGATOR] Started")
	return a.SwitchScope(ctx, scope)
}

// SwitchScope tears the current scope down and activates scope. In order
// it stops the live queries, disconnects the push connection, clears every
// feed, roster, toast and pending timer, then attaches the new scope.
// Events produced for the previous scope are discarded even if they are
// already queued. It must not be called from a subscriber callback.
func (a *Aggregator) SwitchScope(ctx context.Context, scope models.Scope) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	if !a.running() {
		return ErrNotRunning
	}

	gen := a.gen.Add(1)
	a.opts.Listener.Stop()
	a.opts.Conn.Disconnect()
	if err := a.do(func() { a.reset(scope, gen) }); err != nil {
		return err
	}

	slog.Info("[AGGREGATOR] Scope activated", "team", scope.TeamID, "company", scope.CompanyID, "user", scope.UserID)
	sink := a.sinkFor(gen)
	a.opts.Conn.Connect(ctx, scope, sink)
	if err := a.opts.Listener.Start(ctx, scope, sink); err != nil {
		slog.Warn("[AGGREGATOR] Live queries degraded", "team", scope.TeamID, "error", err)
	}
	a.post(func() {
		if a.current(gen) {
			a.refreshStatus()
			a.refreshStale()
		}
	})
	return nil
}

// Close detaches the scope, cancels every timer and stops the loop. It is
// idempotent.
func (a *Aggregator) Close() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.inboxMu.Lock()
	if a.closed {
		a.inboxMu.Unlock()
		return nil
	}
	started := a.started
	a.inboxMu.Unlock()

	a.gen.Add(1)
	a.opts.Listener.Stop()
	a.opts.Conn.Disconnect()
	a.tasks.CancelAll()

	a.inboxMu.Lock()
	a.closed = true
	a.inboxMu.Unlock()
	a.signal()
	if started {
		<-a.done
	}
	a.alertCancel()
	a.alerts.Wait()
	slog.Info("[AGGREGATOR] Closed")
	return nil
}

// Flush waits until every operation queued before the call has been
// applied.
func (a *Aggregator) Flush() error {
	return a.do(func() {})
}

// Snapshot returns the most recently published state.
func (a *Aggregator) Snapshot() Snapshot {
	return *a.snap.Load()
}

func (a *Aggregator) Standups() []models.Standup               { return a.Snapshot().Standups }
func (a *Aggregator) Activity() []models.ActivityItem          { return a.Snapshot().Activity }
func (a *Aggregator) Notifications() []models.NotificationItem { return a.Snapshot().Notifications }
func (a *Aggregator) Toasts() []models.Toast                   { return a.Snapshot().Toasts }
func (a *Aggregator) Presence() []models.PresenceEntry         { return a.Snapshot().Presence }
func (a *Aggregator) Typing() []models.TypingEntry             { return a.Snapshot().Typing }
func (a *Aggregator) ConnectionState() models.ConnectionState  { return a.Snapshot().Connection }

// SendNotification records a locally raised notification. Blockers and
// mentions also raise a toast and a desktop notification.
func (a *Aggregator) SendNotification(n models.NotificationItem) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = a.clock.Now()
	}
	ev := models.NewNotificationEvent(n, models.SourceLocal, models.ChangeAdded)
	return a.postCurrent(func() { a.mergeNotification(ev) })
}

// DismissToast removes a toast before it expires.
func (a *Aggregator) DismissToast(id string) error {
	return a.postCurrent(func() { a.removeToast(id) })
}

// EmitActivity sends a user-activity frame and shows it in the activity
// feed without waiting for the store to echo it.
func (a *Aggregator) EmitActivity(kind string, details map[string]any) error {
	id := uuid.NewString()
	return a.postCurrent(func() {
		item := models.ActivityItem{
			ID:        id,
			Kind:      kind,
			ActorID:   a.scope.UserID,
			Timestamp: a.clock.Now(),
			Details:   details,
		}
		a.opts.Conn.EmitActivity(models.ActivityPayload{ID: id, Kind: kind, ActorId: item.ActorID, Details: details})
		a.mergeActivity(models.NewActivityEvent(item, models.SourceLocal, models.ChangeAdded))
	})
}

// SendTyping tells the team the local user is typing.
func (a *Aggregator) SendTyping() error {
	return a.postCurrent(func() {
		a.opts.Conn.EmitActivity(models.ActivityPayload{
			ID:      uuid.NewString(),
			Kind:    models.ActivityTyping,
			ActorId: a.scope.UserID,
		})
	})
}

func (a *Aggregator) running() bool {
	a.inboxMu.Lock()
	defer a.inboxMu.Unlock()
	return a.started && !a.closed
}

func (a *Aggregator) current(gen uint64) bool { return gen == a.gen.Load() }

func (a *Aggregator) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// post queues op for the loop. It reports false once the aggregator is
// closed.
func (a *Aggregator) post(op func()) bool {
	a.inboxMu.Lock()
	if a.closed {
		a.inboxMu.Unlock()
		return false
	}
	a.inbox = append(a.inbox, op)
	a.inboxMu.Unlock()
	a.signal()
	return true
}

// postCurrent queues op to run against the scope active at call time.
func (a *Aggregator) postCurrent(op func()) error {
	if !a.running() {
		return ErrNotRunning
	}
	gen := a.gen.Load()
	if !a.post(func() {
		if a.current(gen) {
			op()
		}
	}) {
		return ErrNotRunning
	}
	return nil
}

func (a *Aggregator) do(op func()) error {
	if !a.running() {
		return ErrNotRunning
	}
	finished := make(chan struct{})
	if !a.post(func() { op(); a.publish(); close(finished) }) {
		return ErrNotRunning
	}
	select {
	case <-finished:
		return nil
	case <-a.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrNotRunning
		}
	}
}

func (a *Aggregator) run() {
	defer close(a.done)
	for {
		a.inboxMu.Lock()
		ops := a.inbox
		a.inbox = nil
		closed := a.closed
		a.inboxMu.Unlock()

		if len(ops) == 0 {
			if closed {
				return
			}
			<-a.wake
			continue
		}
		for _, op := range ops {
			op()
			a.publish()
		}
	}
}

func (a *Aggregator) sinkFor(gen uint64) func(models.LiveEvent) {
	return func(ev models.LiveEvent) {
		a.post(func() { a.handle(gen, ev) })
	}
}

func (a *Aggregator) reset(scope models.Scope, gen uint64) {
	cancelled := a.tasks.CancelAll()
	a.scope = scope
	a.standups.reset()
	a.activity.reset()
	a.notifications.reset()
	a.toasts.reset()
	clear(a.presence)
	clear(a.typing)
	a.stale = nil
	a.status = a.opts.Conn.State()
	for _, t := range allTopics {
		a.dirty[t] = true
	}

	a.tasks.Every(schedule.Key{Kind: schedule.KindStatusPoll, ID: "connection"}, a.opts.StatusPollInterval, func() {
		a.post(func() {
			if a.current(gen) {
				a.refreshStatus()
			}
		})
	})
	slog.Debug("[AGGREGATOR] State cleared", "team", scope.TeamID, "timers_cancelled", cancelled)
}

func (a *Aggregator) handle(gen uint64, ev models.LiveEvent) {
	if !a.current(gen) {
		a.opts.Metrics.Discard("stale_scope")
		slog.Debug("[AGGREGATOR] Discarding event from previous scope", "kind", ev.Kind, "id", ev.ID)
		return
	}
	if !ev.InScope(a.scope) {
		a.opts.Metrics.Discard("out_of_scope")
		slog.Debug("[AGGREGATOR] Discarding out-of-scope event", "kind", ev.Kind, "id", ev.ID, "team", ev.TeamID, "company", ev.CompanyID)
		return
	}
	if err := ev.Validate(); err != nil {
		a.opts.Metrics.Discard("invalid")
		slog.Warn("[AGGREGATOR] Discarding invalid event", "error", err)
		return
	}

	switch ev.Kind {
	case models.KindStandup:
		a.mergeStandup(ev)
	case models.KindActivity:
		a.mergeActivity(ev)
	case models.KindNotification:
		a.mergeNotification(ev)
	case models.KindPresence:
		a.applyPresence(ev)
	case models.KindConnectionSignal:
		a.refreshStatus()
	}
}

func (a *Aggregator) mergeStandup(ev models.LiveEvent) {
	inserted, evicted := a.standups.merge(*ev.Standup)
	a.recordMerge(ev, inserted, a.standups.name, len(evicted))
	a.dirty[TopicStandups] = true

	if inserted && ev.Source == models.SourceStore && ev.Change == models.ChangeAdded && ev.Standup.UserID != a.scope.UserID {
		a.bridge(ev)
	}
}

// bridge forwards a standup first seen in the store to the push channel so
// teammates without a live query see it. Failures stay here.
func (a *Aggregator) bridge(ev models.LiveEvent) {
	if err := a.opts.Conn.Relay(ev); err != nil {
		a.opts.Metrics.Bridge(false)
		slog.Warn("[AGGREGATOR] Bridge relay failed", "standup", ev.ID, "error", err)
		return
	}
	a.opts.Metrics.Bridge(true)
	slog.Debug("[AGGREGATOR] Bridged standup to push channel", "standup", ev.ID, "user", ev.Standup.UserID)
}

func (a *Aggregator) mergeActivity(ev models.LiveEvent) {
	inserted, evicted := a.activity.merge(*ev.Activity)
	a.recordMerge(ev, inserted, a.activity.name, len(evicted))
	a.dirty[TopicActivity] = true
}

func (a *Aggregator) mergeNotification(ev models.LiveEvent) {
	n := *ev.Notification
	inserted, evicted := a.notifications.merge(n)
	a.recordMerge(ev, inserted, a.notifications.name, len(evicted))
	a.dirty[TopicNotifications] = true

	if !n.Type.Alerts() {
		return
	}
	// Store snapshots replay old notifications and pushes may repeat, so
	// those alert only when fresh. Every local send alerts.
	if ev.Source != models.SourceLocal && (!inserted || ev.Source == models.SourceStore) {
		return
	}
	a.addToast(n)
	a.showDesktop(n)
}

// showDesktop hands n to the notifier on its own goroutine so a slow
// platform helper never stalls the loop.
func (a *Aggregator) showDesktop(n models.NotificationItem) {
	if a.opts.Notifier == nil {
		return
	}
	a.alerts.Add(1)
	go func() {
		defer a.alerts.Done()
		ctx, cancel := context.WithTimeout(a.alertCtx, a.opts.DesktopTimeout)
		defer cancel()
		a.opts.Notifier.ShowDesktop(ctx, n)
	}()
}

func (a *Aggregator) recordMerge(ev models.LiveEvent, inserted bool, feedName string, evicted int) {
	if !inserted {
		a.opts.Metrics.Duplicate(ev.Kind.String())
	}
	a.opts.Metrics.EventMerged(ev.Kind.String(), ev.Source.String())
	a.opts.Metrics.Evicted(feedName, evicted)
}

func (a *Aggregator) addToast(n models.NotificationItem) {
	toast := models.Toast{
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		Kind:      n.Type,
		CreatedAt: a.clock.Now(),
	}
	_, evicted := a.toasts.merge(toast)
	for _, old := range evicted {
		a.tasks.Cancel(toastKey(old.ID))
	}
	a.opts.Metrics.Evicted(a.toasts.name, len(evicted))

	gen := a.gen.Load()
	createdAt := toast.CreatedAt
	a.tasks.After(toastKey(toast.ID), a.opts.ToastTimeout, func() {
		a.post(func() {
			if !a.current(gen) {
				return
			}
			// A re-raised toast with the same id restarts its lifetime.
			for _, t := range a.toasts.items {
				if t.ID == toast.ID && t.CreatedAt.Equal(createdAt) {
					a.removeToast(toast.ID)
					return
				}
			}
		})
	})
	a.dirty[TopicToasts] = true
}

func (a *Aggregator) removeToast(id string) {
	a.tasks.Cancel(toastKey(id))
	if a.toasts.remove(id) {
		a.dirty[TopicToasts] = true
	}
}

func (a *Aggregator) applyPresence(ev models.LiveEvent) {
	p := ev.Presence
	now := a.clock.Now()
	switch p.Action {
	case models.PresenceOnline:
		a.presence[p.UserID] = models.PresenceEntry{UserID: p.UserID, UserName: p.UserName, LastSeen: now}
	case models.PresenceOffline:
		delete(a.presence, p.UserID)
		if _, ok := a.typing[p.UserID]; ok {
			delete(a.typing, p.UserID)
			a.tasks.Cancel(typingKey(p.UserID))
		}
	case models.PresenceTyping:
		if p.UserID == a.scope.UserID {
			return
		}
		a.typing[p.UserID] = models.TypingEntry{UserID: p.UserID, ExpiresAt: now.Add(a.opts.TypingTimeout)}
		gen := a.gen.Load()
		userID := p.UserID
		a.tasks.After(typingKey(userID), a.opts.TypingTimeout, func() {
			a.post(func() {
				if a.current(gen) {
					a.expireTyping(userID)
				}
			})
		})
	}
	a.opts.Metrics.EventMerged(ev.Kind.String(), ev.Source.String())
	a.dirty[TopicPresence] = true
}

func (a *Aggregator) expireTyping(userID string) {
	entry, ok := a.typing[userID]
	if !ok || entry.ExpiresAt.After(a.clock.Now()) {
		return
	}
	delete(a.typing, userID)
	a.dirty[TopicPresence] = true
}

func (a *Aggregator) refreshStatus() {
	st := a.opts.Conn.State()
	if st == a.status {
		return
	}
	if st.Connected() != a.status.Connected() {
		slog.Info("[AGGREGATOR] Connection status changed", "status", st.Status, "transport", st.TransportMode)
	}
	a.status = st
	a.opts.Metrics.SetConnectionStatus(int(st.Status))
	a.dirty[TopicStatus] = true
}

func (a *Aggregator) refreshStale() {
	stale := a.opts.Listener.Stale()
	if len(stale) == 0 && len(a.stale) == 0 {
		return
	}
	a.stale = stale
	a.dirty[TopicStatus] = true
}

func (a *Aggregator) publish() {
	if len(a.dirty) == 0 {
		return
	}

	snap := &Snapshot{
		Scope:         a.scope,
		Standups:      a.standups.snapshot(),
		Activity:      a.activity.snapshot(),
		Notifications: a.notifications.snapshot(),
		Toasts:        a.toasts.snapshot(),
		Presence:      make([]models.PresenceEntry, 0, len(a.presence)),
		Typing:        make([]models.TypingEntry, 0, len(a.typing)),
		Connection:    a.status,
		Stale:         append([]string(nil), a.stale...),
	}
	for _, p := range a.presence {
		snap.Presence = append(snap.Presence, p)
	}
	sort.Slice(snap.Presence, func(i, j int) bool { return snap.Presence[i].UserID < snap.Presence[j].UserID })
	for _, t := range a.typing {
		snap.Typing = append(snap.Typing, t)
	}
	sort.Slice(snap.Typing, func(i, j int) bool { return snap.Typing[i].UserID < snap.Typing[j].UserID })
	a.snap.Store(snap)

	a.opts.Metrics.SetFeedSize(a.standups.name, len(snap.Standups))
	a.opts.Metrics.SetFeedSize(a.activity.name, len(snap.Activity))
	a.opts.Metrics.SetFeedSize(a.notifications.name, len(snap.Notifications))
	a.opts.Metrics.SetFeedSize(a.toasts.name, len(snap.Toasts))

	for _, t := range allTopics {
		if a.dirty[t] {
			a.fanOut(t, *snap)
		}
	}
	clear(a.dirty)
}

func typingKey(userID string) schedule.Key {
	return schedule.Key{Kind: schedule.KindTyping, ID: userID}
}

func toastKey(id string) schedule.Key {
	return schedule.Key{Kind: schedule.KindToast, ID: id}
}
