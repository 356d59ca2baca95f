// Package livequery maintains the three scope-filtered live queries against
// the document store (today's standups, team activity, unread
// notifications) and turns their incremental diffs into LiveEvents.
package livequery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"upstand-realtime/internal/models"
)

// Collections queried by the listener.
const (
	CollectionStandups      = "standups"
	CollectionActivity      = "activity"
	CollectionNotifications = "notifications"
)

// Filterable document fields.
const (
	FieldTeamID      = "team_id"
	FieldCompanyID   = "company_id"
	FieldDate        = "date"
	FieldRecipientID = "recipient_id"
	FieldRead        = "read"
)

// ErrStopped is reported to error handlers when a watch is torn down by
// the store rather than by its owner.
var ErrStopped = errors.New("live query stopped")

// Document is one stored record. Fields holds the filterable attributes;
// Body is the JSON encoding of the entity.
type Document struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Fields    map[string]any  `json:"fields"`
	Body      json.RawMessage `json:"body"`
}

// Filter is an equality predicate on a document field.
type Filter struct {
	Field string
	Value any
}

// Query selects documents of one collection, newest first.
type Query struct {
	Collection string
	Where      []Filter
	Limit      int
}

func (q Query) String() string {
	return fmt.Sprintf("%s%v limit %d", q.Collection, q.Where, q.Limit)
}

// Matches reports whether doc satisfies every filter.
func (q Query) Matches(doc Document) bool {
	for _, f := range q.Where {
		v, ok := doc.Fields[f.Field]
		if !ok || !equalValues(v, f.Value) {
			return false
		}
	}
	return true
}

// Select applies the filters, newest-first ordering and limit to docs.
func (q Query) Select(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	SortNewestFirst(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func SortNewestFirst(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].Timestamp.After(docs[j].Timestamp)
	})
}

// Change is one incremental diff.
type Change struct {
	Type models.ChangeType
	Doc  Document
}

// Store is the remote document store. Watch delivers the current matching
// documents as Added changes, then every later Added/Modified change, from
// a single goroutine per watch so per-query order is preserved. onError is
// called at most once if the watch fails after attaching.
type Store interface {
	Watch(ctx context.Context, q Query, onChange func(Change), onError func(error)) (stop func(), err error)
}

// Writer upserts documents. Both store backends implement it.
type Writer interface {
	Put(ctx context.Context, collection string, doc Document) (models.ChangeType, error)
}

// StandupsQuery is team=T ∧ company=C ∧ date=today.
func StandupsQuery(scope models.Scope, today string) Query {
	return Query{
		Collection: CollectionStandups,
		Where: []Filter{
			{Field: FieldTeamID, Value: scope.TeamID},
			{Field: FieldCompanyID, Value: scope.CompanyID},
			{Field: FieldDate, Value: today},
		},
	}
}

// ActivityQuery is team=T ∧ company=C, limit 50.
func ActivityQuery(scope models.Scope, limit int) Query {
	return Query{
		Collection: CollectionActivity,
		Where: []Filter{
			{Field: FieldTeamID, Value: scope.TeamID},
			{Field: FieldCompanyID, Value: scope.CompanyID},
		},
		Limit: limit,
	}
}

// NotificationsQuery is recipient=U ∧ company=C ∧ read=false, limit 20.
func NotificationsQuery(scope models.Scope, limit int) Query {
	return Query{
		Collection: CollectionNotifications,
		Where: []Filter{
			{Field: FieldRecipientID, Value: scope.UserID},
			{Field: FieldCompanyID, Value: scope.CompanyID},
			{Field: FieldRead, Value: false},
		},
		Limit: limit,
	}
}

func equalValues(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
