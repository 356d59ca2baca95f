// Package schedule keeps every pending timer of a component in one table
// keyed by (kind, id), so a key can be re-armed without stacking timers and
// a whole component can be torn down with one call.
package schedule

import (
	"sync"
	"time"

	"upstand-realtime/internal/clock"
)

// Kind groups related tasks in the table.
type Kind string

const (
	KindTyping     Kind = "typing"
	KindToast      Kind = "toast"
	KindStatusPoll Kind = "status-poll"
	KindKeepalive  Kind = "keepalive"
	KindReconnect  Kind = "reconnect"
)

// Key identifies one scheduled task.
type Key struct {
	Kind Kind
	ID   string
}

type entry struct {
	timer clock.Timer
	token uint64
}

// Table is a set of cancellable scheduled tasks. It is safe for concurrent
// use.
type Table struct {
	clock clock.Clock

	mu      sync.Mutex
	tasks   map[Key]*entry
	counter uint64
}

func NewTable(c clock.Clock) *Table {
	if c == nil {
		c = clock.Real()
	}
	return &Table{
		clock: c,
		tasks: make(map[Key]*entry),
	}
}

// After runs fn once, d from now. An existing task under the same key is
// cancelled first.
func (t *Table) After(key Key, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelLocked(key)
	t.counter++
	token := t.counter
	e := &entry{token: token}
	e.timer = t.clock.AfterFunc(d, func() {
		if !t.claim(key, token, true) {
			return
		}
		fn()
	})
	t.tasks[key] = e
}

// Every runs fn every d until the key is cancelled. The first run happens d
// from now.
func (t *Table) Every(key Key, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelLocked(key)
	t.counter++
	token := t.counter
	e := &entry{token: token}
	t.tasks[key] = e

	var tick func()
	tick = func() {
		if !t.claim(key, token, false) {
			return
		}
		fn()
		t.mu.Lock()
		defer t.mu.Unlock()
		if cur, ok := t.tasks[key]; ok && cur.token == token {
			cur.timer = t.clock.AfterFunc(d, tick)
		}
	}
	e.timer = t.clock.AfterFunc(d, tick)
}

// claim reports whether the firing timer still owns key. One-shot tasks are
// removed from the table when claimed.
func (t *Table) claim(key Key, token uint64, remove bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.tasks[key]
	if !ok || cur.token != token {
		return false
	}
	if remove {
		delete(t.tasks, key)
	}
	return true
}

// Cancel stops the task under key. It reports whether one was pending.
func (t *Table) Cancel(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelLocked(key)
}

func (t *Table) cancelLocked(key Key) bool {
	e, ok := t.tasks[key]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.tasks, key)
	return true
}

// CancelAll stops every pending task.
func (t *Table) CancelAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for key := range t.tasks {
		if t.cancelLocked(key) {
			n++
		}
	}
	return n
}

// Has reports whether a task is pending under key.
func (t *Table) Has(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tasks[key]
	return ok
}

// Len returns the number of pending tasks.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}
