package conn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"upstand-realtime/internal/clock"
	"upstand-realtime/internal/metrics"
	"upstand-realtime/internal/models"
	"upstand-realtime/internal/schedule"
)

const (
	DefaultReconnectDelay       = time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultPingInterval         = 30 * time.Second
	DefaultDialTimeout          = 15 * time.Second

	sendBufferSize = 256
)

type Options struct {
	// Primary is the multiplexed transport.
	Primary Transport
	// Fallback is used once the retry budget is spent. When nil the
	// manager keeps dialing Primary in fallback mode.
	Fallback Transport

	Clock                clock.Clock
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration
	DialTimeout          time.Duration
	Metrics              *metrics.Metrics
}

// Manager keeps exactly one logical push connection for the active scope.
// Transport failures never reach callers; they only move the state machine
// and are visible through State.
type Manager struct {
	opts  Options
	clock clock.Clock
	tasks *schedule.Table

	mu      sync.Mutex
	ctx     context.Context
	machine *Machine
	scope   models.Scope
	sink    func(models.LiveEvent)
	gen     uint64
	active  *activeSession
}

type activeSession struct {
	transport string
	sess      Session
	send      chan models.Envelope
	closeOnce sync.Once
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	return &Manager{
		opts:    opts,
		clock:   opts.Clock,
		tasks:   schedule.NewTable(opts.Clock),
		ctx:     context.Background(),
		machine: NewMachine(opts.MaxReconnectAttempts),
	}
}

// State returns a copy of the current connection state.
func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.State()
}

// Connect opens the push connection for scope and delivers decoded inbound
// events and connection signals to sink. The first dial happens before
// Connect returns; retries run on the manager's timers. sink must not
// block.
func (m *Manager) Connect(ctx context.Context, scope models.Scope, sink func(models.LiveEvent)) {
	m.Disconnect()

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.ctx = ctx
	m.scope = scope
	m.sink = sink
	m.machine.Reset()
	act := m.machine.Step(InputConnect)
	m.recordStatusLocked()
	m.mu.Unlock()

	slog.Info("[CONN] Connecting", "team", scope.TeamID, "company", scope.CompanyID, "user", scope.UserID)
	if act.Dial {
		m.dial(ctx, gen)
	}
}

// Disconnect leaves the scope's channels and closes the connection. It is
// idempotent; only the first call after a connect emits a signal.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.tasks.CancelAll()
	if a := m.active; a != nil {
		if env, err := models.NewEnvelope(models.EventLeaveChannel, "", m.channelData(), m.clock.Now()); err == nil {
			select {
			case a.send <- env:
			default:
			}
		}
		m.detachLocked()
	}
	act := m.machine.Step(InputDisconnect)
	m.recordStatusLocked()
	sink := m.sink
	team := m.scope.TeamID
	m.mu.Unlock()

	if act.Signal != nil {
		slog.Info("[CONN] Disconnected", "team", team)
		m.emit(sink, *act.Signal)
	}
}

// EmitActivity sends a user-activity frame. Delivery is best effort.
func (m *Manager) EmitActivity(payload models.ActivityPayload) {
	m.mu.Lock()
	channel := m.scope.TeamChannel()
	m.mu.Unlock()

	env, err := models.NewEnvelope(models.EventUserActivity, channel, payload, m.clock.Now())
	if err != nil {
		slog.Error("[CONN] Failed to encode user-activity", "error", err)
		return
	}
	if err := m.enqueue(env); err != nil {
		slog.Debug("[CONN] Dropping user-activity", "kind", payload.Kind, "error", err)
	}
}

// Relay forwards a store-observed event onto the push channel.
func (m *Manager) Relay(ev models.LiveEvent) error {
	m.mu.Lock()
	scope := m.scope
	m.mu.Unlock()

	env, err := models.RelayEnvelope(ev, scope, m.clock.Now())
	if err != nil {
		return err
	}
	return m.enqueue(env)
}

func (m *Manager) enqueue(env models.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.active
	if a == nil || m.machine.State().Status != models.StatusConnected {
		return ErrNotConnected
	}
	select {
	case a.send <- env:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (m *Manager) transportLocked() Transport {
	if m.machine.State().TransportMode == models.TransportPollingFallback && m.opts.Fallback != nil {
		return m.opts.Fallback
	}
	return m.opts.Primary
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	transport := m.transportLocked()
	scope := m.scope
	m.mu.Unlock()

	var (
		sess Session
		err  error
	)
	if transport == nil {
		err = errors.New("no transport configured")
	} else {
		dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
		sess, err = transport.Dial(dctx, scope)
		cancel()
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if sess != nil {
			sess.Close()
		}
		return
	}

	if err != nil {
		act := m.machine.Step(InputDialFailed)
		state := m.machine.State()
		m.recordStatusLocked()
		m.opts.Metrics.ReconnectAttempt()
		slog.Warn("[CONN] Dial failed", "transport", transportName(transport), "attempts", state.ReconnectAttempts, "error", err)
		if act.Downgraded {
			m.opts.Metrics.TransportDowngrade()
			slog.Warn("[CONN] Retry budget spent, switching to polling fallback", "attempts", state.ReconnectAttempts)
		}
		if act.ScheduleRetry {
			m.scheduleRetryLocked(ctx, gen)
		}
		m.mu.Unlock()
		return
	}

	act := m.machine.Step(InputDialSucceeded)
	m.recordStatusLocked()
	a := &activeSession{
		transport: transport.Name(),
		sess:      sess,
		send:      make(chan models.Envelope, sendBufferSize),
	}
	m.active = a
	if env, err := models.NewEnvelope(models.EventJoinChannel, "", m.channelData(), m.clock.Now()); err == nil {
		a.send <- env
	}
	m.tasks.Every(schedule.Key{Kind: schedule.KindKeepalive}, m.opts.PingInterval, func() { m.ping(a) })
	sink := m.sink
	m.mu.Unlock()

	slog.Info("[CONN] Connected", "transport", a.transport, "team", scope.TeamID, "company", scope.CompanyID)
	go m.writePump(a)
	go m.readPump(a, sink)

	if act.Signal != nil {
		m.emit(sink, *act.Signal)
	}
}

func (m *Manager) scheduleRetryLocked(ctx context.Context, gen uint64) {
	m.tasks.After(schedule.Key{Kind: schedule.KindReconnect}, m.opts.ReconnectDelay, func() {
		if ctx.Err() != nil {
			return
		}
		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		act := m.machine.Step(InputRetryDue)
		m.recordStatusLocked()
		m.mu.Unlock()
		if act.Dial {
			m.dial(ctx, gen)
		}
	})
}

func (m *Manager) ping(a *activeSession) {
	env, err := models.NewEnvelope(models.EventPing, "", nil, m.clock.Now())
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != a {
		return
	}
	select {
	case a.send <- env:
	default:
		slog.Warn("[CONN] Send buffer full, skipping ping", "transport", a.transport)
	}
}

// ReadPump pumps frames from the session to the sink.
func (m *Manager) readPump(a *activeSession, sink func(models.LiveEvent)) {
	for {
		frame, err := a.sess.Receive()
		if err != nil {
			m.handleDrop(a, err)
			return
		}

		env, err := models.ParseEnvelope(frame)
		if err != nil {
			slog.Warn("[CONN] Dropping malformed frame", "transport", a.transport, "error", err)
			continue
		}
		ev, err := models.DecodeEnvelope(env)
		if err != nil {
			if !errors.Is(err, models.ErrIgnoredEvent) {
				slog.Warn("[CONN] Dropping undecodable event", "type", env.Type, "error", err)
			}
			continue
		}

		m.mu.Lock()
		current := m.active == a
		m.mu.Unlock()
		if !current {
			return
		}
		sink(ev)
	}
}

// WritePump drains the outbound queue; closing the queue closes the session.
func (m *Manager) writePump(a *activeSession) {
	for env := range a.send {
		if err := a.sess.Send(env); err != nil {
			slog.Warn("[CONN] Failed to send frame", "type", env.Type, "transport", a.transport, "error", err)
		}
	}
	if err := a.sess.Close(); err != nil {
		slog.Debug("[CONN] Close failed", "transport", a.transport, "error", err)
	}
}

func (m *Manager) handleDrop(a *activeSession, err error) {
	m.mu.Lock()
	if m.active != a {
		m.mu.Unlock()
		return
	}
	m.detachLocked()
	input := InputConnectionLost
	if IsServerClose(err) {
		input = InputServerClosed
	}
	act := m.machine.Step(input)
	m.recordStatusLocked()
	if act.ScheduleRetry {
		m.scheduleRetryLocked(m.ctx, m.gen)
	}
	sink := m.sink
	m.mu.Unlock()

	slog.Warn("[CONN] Connection dropped", "transport", a.transport, "input", input.String(), "error", err)
	if act.Signal != nil {
		m.emit(sink, *act.Signal)
	}
}

func (m *Manager) detachLocked() {
	m.tasks.Cancel(schedule.Key{Kind: schedule.KindKeepalive})
	if a := m.active; a != nil {
		a.closeOnce.Do(func() { close(a.send) })
	}
	m.active = nil
}

func (m *Manager) channelData() models.ChannelData {
	return models.ChannelData{TeamId: m.scope.TeamID, CompanyId: m.scope.CompanyID}
}

func (m *Manager) recordStatusLocked() {
	m.opts.Metrics.SetConnectionStatus(int(m.machine.State().Status))
}

func (m *Manager) emit(sink func(models.LiveEvent), status models.ConnectionStatus) {
	if sink == nil {
		return
	}
	sink(models.NewSignalEvent(status, m.clock.Now()))
}

func transportName(t Transport) string {
	if t == nil {
		return "none"
	}
	return t.Name()
}
