package livequery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"upstand-realtime/internal/clock"
	"upstand-realtime/internal/metrics"
	"upstand-realtime/internal/models"
)

const (
	DefaultActivityLimit     = 50
	DefaultNotificationLimit = 20

	dateLayout = "2006-01-02"
)

type Options struct {
	Store             Store
	Clock             clock.Clock
	ActivityLimit     int
	NotificationLimit int
	Metrics           *metrics.Metrics
}

// Listener owns the three live queries of one scope. A failed query is
// not retried: its feed stays stale and the failure is reported by Stale.
type Listener struct {
	opts Options

	mu      sync.Mutex
	stops   []func()
	stale   map[string]error
	running bool
}

func NewListener(opts Options) *Listener {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ActivityLimit <= 0 {
		opts.ActivityLimit = DefaultActivityLimit
	}
	if opts.NotificationLimit <= 0 {
		opts.NotificationLimit = DefaultNotificationLimit
	}
	return &Listener{opts: opts, stale: make(map[string]error)}
}

// Queries returns the three queries for scope, evaluated against the
// listener's clock for "today".
func (l *Listener) Queries(scope models.Scope) []Query {
	today := l.opts.Clock.Now().Format(dateLayout)
	return []Query{
		StandupsQuery(scope, today),
		ActivityQuery(scope, l.opts.ActivityLimit),
		NotificationsQuery(scope, l.opts.NotificationLimit),
	}
}

// Start attaches the three live queries. Queries that fail to attach are
// marked stale and reported in the returned error; the others keep
// running.
func (l *Listener) Start(ctx context.Context, scope models.Scope, sink func(models.LiveEvent)) error {
	l.Stop()

	l.mu.Lock()
	l.running = true
	l.stale = make(map[string]error)
	l.mu.Unlock()

	var errs []error
	for _, q := range l.Queries(scope) {
		q := q
		onChange := func(c Change) {
			ev, err := decodeChange(q.Collection, c)
			if err != nil {
				slog.Warn("[LIVEQUERY] Dropping undecodable document", "query", q.Collection, "id", c.Doc.ID, "error", err)
				return
			}
			ev.TeamID = scope.TeamID
			ev.CompanyID = scope.CompanyID
			if q.Collection == CollectionNotifications {
				ev.TeamID = ""
			}
			sink(ev)
		}
		onError := func(err error) {
			l.markStale(q.Collection, err)
		}

		stop, err := l.opts.Store.Watch(ctx, q, onChange, onError)
		if err != nil {
			l.markStale(q.Collection, err)
			errs = append(errs, fmt.Errorf("%s: %w", q.Collection, err))
			continue
		}

		l.mu.Lock()
		if !l.running {
			l.mu.Unlock()
			stop()
			return errors.Join(append(errs, ErrStopped)...)
		}
		l.stops = append(l.stops, stop)
		l.mu.Unlock()
		slog.Debug("[LIVEQUERY] Attached", "query", q.String())
	}
	return errors.Join(errs...)
}

// Stop detaches every live query. It is idempotent.
func (l *Listener) Stop() {
	l.mu.Lock()
	stops := l.stops
	l.stops = nil
	l.running = false
	l.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

// Stale returns the collections whose live query failed, sorted.
func (l *Listener) Stale() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.stale))
	for name := range l.stale {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (l *Listener) markStale(collection string, err error) {
	l.mu.Lock()
	l.stale[collection] = err
	l.mu.Unlock()
	l.opts.Metrics.LiveQueryError(collection)
	slog.Error("[LIVEQUERY] Live query failed, feed is stale until refresh", "query", collection, "error", err)
}

func decodeChange(collection string, c Change) (models.LiveEvent, error) {
	switch collection {
	case CollectionStandups:
		var s models.Standup
		if err := decodeBody(c.Doc, &s); err != nil {
			return models.LiveEvent{}, err
		}
		if s.ID == "" {
			s.ID = c.Doc.ID
		}
		if s.Timestamp.IsZero() {
			s.Timestamp = c.Doc.Timestamp
		}
		return models.NewStandupEvent(s, models.SourceStore, c.Type), nil

	case CollectionActivity:
		var a models.ActivityItem
		if err := decodeBody(c.Doc, &a); err != nil {
			return models.LiveEvent{}, err
		}
		if a.ID == "" {
			a.ID = c.Doc.ID
		}
		if a.Timestamp.IsZero() {
			a.Timestamp = c.Doc.Timestamp
		}
		return models.NewActivityEvent(a, models.SourceStore, c.Type), nil

	case CollectionNotifications:
		var n models.NotificationItem
		if err := decodeBody(c.Doc, &n); err != nil {
			return models.LiveEvent{}, err
		}
		if n.ID == "" {
			n.ID = c.Doc.ID
		}
		if n.Timestamp.IsZero() {
			n.Timestamp = c.Doc.Timestamp
		}
		return models.NewNotificationEvent(n, models.SourceStore, c.Type), nil
	}
	return models.LiveEvent{}, fmt.Errorf("unknown collection %q", collection)
}

func decodeBody(doc Document, out any) error {
	if len(doc.Body) == 0 {
		return nil
	}
	return json.Unmarshal(doc.Body, out)
}

// StandupDocument encodes a standup for the standups collection.
func StandupDocument(teamID, companyID string, s models.Standup) (Document, error) {
	return newDocument(s.ID, s.Timestamp, s, map[string]any{
		FieldTeamID:    teamID,
		FieldCompanyID: companyID,
		FieldDate:      s.Date,
	})
}

// ActivityDocument encodes an activity item for the activity collection.
func ActivityDocument(teamID, companyID string, a models.ActivityItem) (Document, error) {
	return newDocument(a.ID, a.Timestamp, a, map[string]any{
		FieldTeamID:    teamID,
		FieldCompanyID: companyID,
	})
}

// NotificationDocument encodes a notification for the notifications
// collection.
func NotificationDocument(recipientID, companyID string, n models.NotificationItem) (Document, error) {
	return newDocument(n.ID, n.Timestamp, n, map[string]any{
		FieldRecipientID: recipientID,
		FieldCompanyID:   companyID,
		FieldRead:        n.Read,
	})
}

func newDocument(id string, ts time.Time, v any, fields map[string]any) (Document, error) {
	if id == "" {
		return Document{}, errors.New("document id is required")
	}
	body, err := json.Marshal(v)
	if err != nil {
		return Document{}, fmt.Errorf("encode document %s: %w", id, err)
	}
	return Document{ID: id, Timestamp: ts, Fields: fields, Body: body}, nil
}
