package livequery

import (
	"context"
	"errors"
	"sync"

	"upstand-realtime/internal/models"
)

// MemoryStore is an in-process Store. Changes are delivered synchronously
// from Put, after the store lock is released.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]map[string]Document
	watches  map[int]*memWatch
	nextID   int
	failures map[string]error
}

type memWatch struct {
	query    Query
	onChange func(Change)
	onError  func(error)

	// deliver serialises callbacks so per-query order matches Put order.
	deliver sync.Mutex
	stopped bool
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Writer = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]map[string]Document),
		watches:  make(map[int]*memWatch),
		failures: make(map[string]error),
	}
}

// Put upserts doc into collection and notifies matching watches.
func (s *MemoryStore) Put(ctx context.Context, collection string, doc Document) (models.ChangeType, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if doc.ID == "" {
		return 0, errors.New("put: document id is required")
	}
	s.mu.Lock()
	coll, ok := s.docs[collection]
	if !ok {
		coll = make(map[string]Document)
		s.docs[collection] = coll
	}
	change := models.ChangeAdded
	if _, exists := coll[doc.ID]; exists {
		change = models.ChangeModified
	}
	coll[doc.ID] = doc

	var targets []*memWatch
	for _, w := range s.watches {
		if w.query.Collection == collection && w.query.Matches(doc) {
			targets = append(targets, w)
		}
	}
	s.mu.Unlock()

	for _, w := range targets {
		w.send(Change{Type: change, Doc: doc})
	}
	return change, nil
}

// FailNextWatch makes the next Watch on collection fail with err.
func (s *MemoryStore) FailNextWatch(collection string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[collection] = err
}

// Break fails every active watch on collection with err.
func (s *MemoryStore) Break(collection string, err error) {
	s.mu.Lock()
	var targets []*memWatch
	for id, w := range s.watches {
		if w.query.Collection == collection {
			targets = append(targets, w)
			delete(s.watches, id)
		}
	}
	s.mu.Unlock()

	for _, w := range targets {
		w.fail(err)
	}
}

// Watches returns the number of attached watches.
func (s *MemoryStore) Watches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

func (s *MemoryStore) Watch(ctx context.Context, q Query, onChange func(Change), onError func(error)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if err, ok := s.failures[q.Collection]; ok {
		delete(s.failures, q.Collection)
		s.mu.Unlock()
		return nil, err
	}
	var all []Document
	for _, d := range s.docs[q.Collection] {
		all = append(all, d)
	}
	snapshot := q.Select(all)

	w := &memWatch{query: q, onChange: onChange, onError: onError}
	s.nextID++
	id := s.nextID
	s.watches[id] = w
	// Hold the delivery lock so changes racing with the snapshot queue
	// behind it.
	w.deliver.Lock()
	s.mu.Unlock()

	for i := len(snapshot) - 1; i >= 0; i-- {
		onChange(Change{Type: models.ChangeAdded, Doc: snapshot[i]})
	}
	w.deliver.Unlock()

	stop := func() {
		s.mu.Lock()
		delete(s.watches, id)
		s.mu.Unlock()
		w.deliver.Lock()
		w.stopped = true
		w.deliver.Unlock()
	}
	return stop, nil
}

func (w *memWatch) send(c Change) {
	w.deliver.Lock()
	defer w.deliver.Unlock()
	if w.stopped {
		return
	}
	w.onChange(c)
}

func (w *memWatch) fail(err error) {
	w.deliver.Lock()
	defer w.deliver.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.onError != nil {
		w.onError(err)
	}
}
