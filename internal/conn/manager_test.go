package conn

import (
	"context"
	"testing"
	"time"

	"upstand-realtime/internal/clock"
	"upstand-realtime/internal/models"
)

var testScope = models.Scope{TeamID: "teamA", CompanyID: "companyX", UserID: "me"}

func newTestManager(primary, fallback Transport) (*Manager, *clock.FakeClock) {
	fake := clock.Fake(time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	m := NewManager(Options{
		Primary:  primary,
		Fallback: fallback,
		Clock:    fake,
	})
	return m, fake
}

func TestManagerConnectJoinsChannels(t *testing.T) {
	tr := &fakeTransport{name: "websocket"}
	m, _ := newTestManager(tr, nil)
	rec := &recorder{}

	m.Connect(context.Background(), testScope, rec.add)
	defer m.Disconnect()

	st := m.State()
	if st.Status != models.StatusConnected || st.ReconnectAttempts != 0 {
		t.Fatalf("state = %+v", st)
	}
	sess := tr.last()
	waitFor(t, "join-channel", func() bool { return sess.hasSent(models.EventJoinChannel) })
	if got := rec.signals(); len(got) != 1 || got[0] != models.StatusConnected {
		t.Fatalf("signals = %v", got)
	}
}

func TestManagerServerCloseReconnectsAfterDelay(t *testing.T) {
	tr := &fakeTransport{name: "websocket"}
	m, fake := newTestManager(tr, nil)
	rec := &recorder{}
	m.Connect(context.Background(), testScope, rec.add)
	defer m.Disconnect()

	tr.last().serverClose()
	waitFor(t, "disconnected state", func() bool { return m.State().Status == models.StatusDisconnected })

	fake.Advance(999 * time.Millisecond)
	if tr.dialCount() != 1 {
		t.Fatalf("redialed before the reconnect delay (%d dials)", tr.dialCount())
	}
	fake.Advance(time.Millisecond)

	st := m.State()
	if st.Status != models.StatusConnected || st.ReconnectAttempts != 0 {
		t.Fatalf("state after reconnect = %+v", st)
	}
	if tr.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", tr.dialCount())
	}
	want := []models.ConnectionStatus{models.StatusConnected, models.StatusDisconnected, models.StatusConnected}
	got := rec.signals()
	if len(got) != len(want) {
		t.Fatalf("signals = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("signals = %v, want %v", got, want)
		}
	}
}

func TestManagerDowngradesToPollingAfterFiveFailures(t *testing.T) {
	primary := &fakeTransport{name: "websocket", failAll: true}
	fallback := &fakeTransport{name: "polling"}
	m, fake := newTestManager(primary, fallback)
	rec := &recorder{}
	m.Connect(context.Background(), testScope, rec.add)
	defer m.Disconnect()

	if st := m.State(); st.Status != models.StatusBackoff || st.ReconnectAttempts != 1 {
		t.Fatalf("after first failure state = %+v", st)
	}
	for i := 0; i < 4; i++ {
		fake.Advance(time.Second)
	}
	st := m.State()
	if st.ReconnectAttempts != 5 || st.TransportMode != models.TransportPollingFallback {
		t.Fatalf("after five failures state = %+v", st)
	}
	if primary.dialCount() != 5 {
		t.Fatalf("primary dials = %d, want 5", primary.dialCount())
	}

	fake.Advance(time.Second)
	st = m.State()
	if st.Status != models.StatusConnected || st.ReconnectAttempts != 0 {
		t.Fatalf("fallback state = %+v", st)
	}
	if primary.dialCount() != 5 || fallback.dialCount() != 1 {
		t.Fatalf("dials primary=%d fallback=%d", primary.dialCount(), fallback.dialCount())
	}
}

func TestManagerAttemptsStopIncrementingAtCap(t *testing.T) {
	primary := &fakeTransport{name: "websocket", failAll: true}
	m, fake := newTestManager(primary, nil)
	m.Connect(context.Background(), testScope, func(models.LiveEvent) {})
	defer m.Disconnect()

	for i := 0; i < 10; i++ {
		fake.Advance(time.Second)
	}
	st := m.State()
	if st.ReconnectAttempts != 5 {
		t.Fatalf("attempts = %d, want 5", st.ReconnectAttempts)
	}
	if st.TransportMode != models.TransportPollingFallback {
		t.Fatalf("mode = %v, want polling", st.TransportMode)
	}
}

func TestManagerDisconnectIsIdempotent(t *testing.T) {
	tr := &fakeTransport{name: "websocket"}
	m, fake := newTestManager(tr, nil)
	rec := &recorder{}
	m.Connect(context.Background(), testScope, rec.add)
	sess := tr.last()

	m.Disconnect()
	m.Disconnect()

	waitFor(t, "session close", sess.isClosed)
	if !sess.hasSent(models.EventLeaveChannel) {
		t.Fatalf("sent = %v, want leave-channel before close", sess.sentTypes())
	}
	if got := rec.signals(); len(got) != 2 || got[1] != models.StatusDisconnected {
		t.Fatalf("signals = %v", got)
	}

	fake.Advance(time.Minute)
	if tr.dialCount() != 1 {
		t.Fatalf("manager redialed after Disconnect (%d dials)", tr.dialCount())
	}
	if m.State().Status != models.StatusDisconnected {
		t.Fatalf("status = %v", m.State().Status)
	}
}

func TestManagerKeepalivePings(t *testing.T) {
	tr := &fakeTransport{name: "websocket"}
	m, fake := newTestManager(tr, nil)
	m.Connect(context.Background(), testScope, func(models.LiveEvent) {})
	defer m.Disconnect()

	sess := tr.last()
	fake.Advance(29 * time.Second)
	waitFor(t, "join-channel", func() bool { return sess.hasSent(models.EventJoinChannel) })
	if sess.hasSent(models.EventPing) {
		t.Fatal("pinged before the keepalive interval")
	}
	fake.Advance(time.Second)
	waitFor(t, "ping", func() bool { return sess.hasSent(models.EventPing) })
}

func TestManagerDeliversDecodedEvents(t *testing.T) {
	tr := &fakeTransport{name: "websocket"}
	m, _ := newTestManager(tr, nil)
	rec := &recorder{}
	m.Connect(context.Background(), testScope, rec.add)
	defer m.Disconnect()

	sess := tr.last()
	sess.inbound <- []byte(`not json`)
	sess.inbound <- []byte(`{"type":"pong","timestamp":1}`)
	sess.inbound <- []byte(`{"type":"standup_submitted","channelId":"team:teamA","timestamp":1,"data":{"id":"s1","userId":"u2"}}`)

	waitFor(t, "standup event", func() bool { return rec.count(models.KindStandup) == 1 })
}

func TestManagerEmitActivityAndRelay(t *testing.T) {
	tr := &fakeTransport{name: "websocket"}
	m, _ := newTestManager(tr, nil)

	m.EmitActivity(models.ActivityPayload{ID: "a0", Kind: "typing"})
	if err := m.Relay(models.NewStandupEvent(models.Standup{ID: "s1"}, models.SourceStore, models.ChangeAdded)); err != ErrNotConnected {
		t.Fatalf("Relay before connect err = %v, want ErrNotConnected", err)
	}

	m.Connect(context.Background(), testScope, func(models.LiveEvent) {})
	defer m.Disconnect()

	m.EmitActivity(models.ActivityPayload{ID: "a1", Kind: "typing"})
	if err := m.Relay(models.NewStandupEvent(models.Standup{ID: "s1", UserID: "u2"}, models.SourceStore, models.ChangeAdded)); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	sess := tr.last()
	waitFor(t, "outbound frames", func() bool {
		return sess.hasSent(models.EventUserActivity) && sess.hasSent(models.EventStandupSubmitted)
	})
}

func TestManagerReconnectsAfterAbnormalDrop(t *testing.T) {
	tr := &fakeTransport{name: "websocket"}
	m, fake := newTestManager(tr, nil)
	m.Connect(context.Background(), testScope, func(models.LiveEvent) {})
	defer m.Disconnect()

	first := tr.last()
	first.drop <- &CloseError{Err: ErrClosed}
	waitFor(t, "disconnected state", func() bool { return m.State().Status == models.StatusDisconnected })

	tr.mu.Lock()
	tr.failNext = 2
	tr.mu.Unlock()

	fake.Advance(time.Second)
	fake.Advance(time.Second)
	if st := m.State(); st.Status != models.StatusBackoff || st.ReconnectAttempts != 2 {
		t.Fatalf("state = %+v", st)
	}
	fake.Advance(time.Second)
	if st := m.State(); st.Status != models.StatusConnected || st.ReconnectAttempts != 0 {
		t.Fatalf("state = %+v", st)
	}
}
