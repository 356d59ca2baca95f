package conn

import "upstand-realtime/internal/models"

// Input drives the reconnect state machine.
type Input int

const (
	InputConnect Input = iota
	InputDialSucceeded
	InputDialFailed
	InputServerClosed
	InputConnectionLost
	InputRetryDue
	InputDisconnect
)

func (i Input) String() string {
	switch i {
	case InputConnect:
		return "connect"
	case InputDialSucceeded:
		return "dial-succeeded"
	case InputDialFailed:
		return "dial-failed"
	case InputServerClosed:
		return "server-closed"
	case InputConnectionLost:
		return "connection-lost"
	case InputRetryDue:
		return "retry-due"
	case InputDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// Action is what the owner of a Machine must do after a step.
type Action struct {
	Dial          bool
	ScheduleRetry bool
	Downgraded    bool
	// Signal is set when the step produced a ConnectionSignal.
	Signal *models.ConnectionStatus
}

// Machine is the transport-independent reconnect state machine:
//
//	Disconnected --connect/retry--> Connecting --ok--> Connected
//	Connecting --fail--> Backoff --retry--> Connecting
//	Connected --server close/lost--> Disconnected (retry scheduled)
//	any --disconnect--> Disconnected
//
// Consecutive dial failures are counted up to MaxAttempts; reaching the cap
// switches the transport mode to the polling fallback and freezes the
// counter.
type Machine struct {
	MaxAttempts int
	state       models.ConnectionState
}

func NewMachine(maxAttempts int) *Machine {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxReconnectAttempts
	}
	return &Machine{MaxAttempts: maxAttempts}
}

func (m *Machine) State() models.ConnectionState { return m.state }

// Reset returns the machine to a fresh Disconnected/Multiplexed state.
func (m *Machine) Reset() { m.state = models.ConnectionState{} }

func (m *Machine) Step(in Input) Action {
	switch in {
	case InputConnect, InputRetryDue:
		switch m.state.Status {
		case models.StatusDisconnected, models.StatusBackoff:
			m.state.Status = models.StatusConnecting
			return Action{Dial: true}
		}
		return Action{}

	case InputDialSucceeded:
		if m.state.Status != models.StatusConnecting {
			return Action{}
		}
		m.state.Status = models.StatusConnected
		m.state.ReconnectAttempts = 0
		return Action{Signal: signal(models.StatusConnected)}

	case InputDialFailed:
		if m.state.Status != models.StatusConnecting {
			return Action{}
		}
		m.state.Status = models.StatusBackoff
		var act Action
		if m.state.ReconnectAttempts < m.MaxAttempts {
			m.state.ReconnectAttempts++
		}
		if m.state.ReconnectAttempts >= m.MaxAttempts && m.state.TransportMode == models.TransportMultiplexed {
			m.state.TransportMode = models.TransportPollingFallback
			act.Downgraded = true
		}
		act.ScheduleRetry = true
		return act

	case InputServerClosed, InputConnectionLost:
		if m.state.Status != models.StatusConnected {
			return Action{}
		}
		m.state.Status = models.StatusDisconnected
		return Action{ScheduleRetry: true, Signal: signal(models.StatusDisconnected)}

	case InputDisconnect:
		wasDisconnected := m.state.Status == models.StatusDisconnected
		m.state.Status = models.StatusDisconnected
		if wasDisconnected {
			return Action{}
		}
		return Action{Signal: signal(models.StatusDisconnected)}
	}
	return Action{}
}

func signal(s models.ConnectionStatus) *models.ConnectionStatus { return &s }
