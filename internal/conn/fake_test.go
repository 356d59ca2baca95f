package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"upstand-realtime/internal/models"
)

type fakeTransport struct {
	name string

	mu       sync.Mutex
	failNext int
	failAll  bool
	dials    int
	sessions []*fakeSession
}

func (t *fakeTransport) Name() string { return t.name }

func (t *fakeTransport) Dial(ctx context.Context, scope models.Scope) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.failAll || t.failNext > 0 {
		if t.failNext > 0 {
			t.failNext--
		}
		return nil, errors.New("connection refused")
	}
	s := newFakeSession()
	t.sessions = append(t.sessions, s)
	return s, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) last() *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

type fakeSession struct {
	inbound chan []byte
	drop    chan error
	done    chan struct{}

	mu     sync.Mutex
	sent   []models.Envelope
	closed bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		inbound: make(chan []byte, 16),
		drop:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (s *fakeSession) Receive() ([]byte, error) {
	select {
	case frame := <-s.inbound:
		return frame, nil
	case err := <-s.drop:
		return nil, err
	case <-s.done:
		return nil, &CloseError{Err: ErrClosed}
	}
}

func (s *fakeSession) Send(env models.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

func (s *fakeSession) serverClose() {
	s.drop <- &CloseError{ServerInitiated: true, Code: 1001}
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) sentTypes() []models.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.EventType, 0, len(s.sent))
	for _, env := range s.sent {
		out = append(out, env.Type)
	}
	return out
}

func (s *fakeSession) hasSent(t models.EventType) bool {
	for _, got := range s.sentTypes() {
		if got == t {
			return true
		}
	}
	return false
}

type recorder struct {
	mu     sync.Mutex
	events []models.LiveEvent
}

func (r *recorder) add(ev models.LiveEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) signals() []models.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ConnectionStatus
	for _, ev := range r.events {
		if ev.Kind == models.KindConnectionSignal {
			out = append(out, ev.Signal.Status)
		}
	}
	return out
}

func (r *recorder) count(kind models.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
