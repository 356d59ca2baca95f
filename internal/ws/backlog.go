package ws

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"upstand-realtime/internal/models"
)

// ErrCursorGone is returned when events after the cursor have already been
// evicted, or the cursor was issued by another process.
var ErrCursorGone = errors.New("cursor is no longer available")

// Backlog keeps the most recent events of each channel under one global
// sequence so a poller can resume from a single cursor across channels.
type Backlog struct {
	size int

	mu       sync.Mutex
	seq      int64
	channels map[string]*ring
	wake     chan struct{}
}

type ring struct {
	entries []entry
	// evicted is the highest sequence number dropped from this channel.
	evicted int64
}

type entry struct {
	seq     int64
	payload []byte
}

func NewBacklog(size int) *Backlog {
	if size <= 0 {
		size = DefaultBacklog
	}
	return &Backlog{
		size:     size,
		channels: make(map[string]*ring),
		wake:     make(chan struct{}),
	}
}

// Append stores payload for channelId and returns its sequence number.
func (b *Backlog) Append(channelId string, payload []byte) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	r := b.channels[channelId]
	if r == nil {
		r = &ring{}
		b.channels[channelId] = r
	}
	r.entries = append(r.entries, entry{seq: b.seq, payload: payload})
	if len(r.entries) > b.size {
		r.evicted = r.entries[0].seq
		r.entries = append(r.entries[:0:0], r.entries[1:]...)
	}

	close(b.wake)
	b.wake = make(chan struct{})
	return b.seq
}

// Since returns the events of channels after cursor, oldest first. A
// negative cursor returns only the current position.
func (b *Backlog) Since(channels []string, cursor int64) (models.PollResponse, error) {
	resp, _, err := b.since(channels, cursor)
	return resp, err
}

func (b *Backlog) since(channels []string, cursor int64) (models.PollResponse, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	resp := models.PollResponse{Cursor: b.seq, Events: []json.RawMessage{}}
	if cursor < 0 {
		return resp, b.wake, nil
	}
	if cursor > b.seq {
		return models.PollResponse{}, nil, ErrCursorGone
	}

	var found []entry
	for _, channelId := range dedupe(channels) {
		r := b.channels[channelId]
		if r == nil {
			continue
		}
		if cursor < r.evicted {
			return models.PollResponse{}, nil, ErrCursorGone
		}
		for _, e := range r.entries {
			if e.seq > cursor {
				found = append(found, e)
			}
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	for _, e := range found {
		resp.Events = append(resp.Events, json.RawMessage(e.payload))
	}
	return resp, b.wake, nil
}

// Wait is Since that blocks up to wait for the first matching event.
func (b *Backlog) Wait(ctx context.Context, channels []string, cursor int64, wait time.Duration) (models.PollResponse, error) {
	resp, wake, err := b.since(channels, cursor)
	if err != nil || len(resp.Events) > 0 || cursor < 0 || wait <= 0 {
		return resp, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-timer.C:
			return resp, nil
		case <-wake:
		}
		resp, wake, err = b.since(channels, cursor)
		if err != nil || len(resp.Events) > 0 {
			return resp, err
		}
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0:0]
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
