// Package notify shows OS-level desktop notifications for urgent alerts.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"upstand-realtime/internal/models"
)

// Backend is the platform notification facility.
type Backend interface {
	// RequestPermission reports whether notifications may be shown.
	RequestPermission(ctx context.Context) (bool, error)
	Show(ctx context.Context, title, body string) error
}

// Dispatcher gates desktop notifications on a permission asked for once
// per session.
type Dispatcher struct {
	backend Backend

	mu        sync.Mutex
	requested bool
	granted   bool
}

func NewDispatcher(backend Backend) *Dispatcher {
	return &Dispatcher{backend: backend}
}

// RequestPermission asks the backend at most once until ResetPermission.
// Denial and errors leave notifications disabled; neither is returned.
func (d *Dispatcher) RequestPermission(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.requested {
		return d.granted
	}
	d.requested = true
	if d.backend == nil {
		return false
	}

	granted, err := d.backend.RequestPermission(ctx)
	if err != nil {
		slog.Warn("[NOTIFY] Permission request failed, desktop notifications disabled", "error", err)
		granted = false
	}
	d.granted = granted
	slog.Debug("[NOTIFY] Permission resolved", "granted", granted)
	return granted
}

// ResetPermission forgets the previous answer so the next request asks again.
func (d *Dispatcher) ResetPermission() {
	d.mu.Lock()
	d.requested = false
	d.granted = false
	d.mu.Unlock()
}

func (d *Dispatcher) Granted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.granted
}

// ShowDesktop displays n when it is a blocker or mention and permission
// was granted. Backend failures are logged.
func (d *Dispatcher) ShowDesktop(ctx context.Context, n models.NotificationItem) {
	if !n.Type.Alerts() || !d.Granted() {
		return
	}
	if err := d.backend.Show(ctx, n.Title, n.Message); err != nil {
		slog.Warn("[NOTIFY] Desktop notification failed", "id", n.ID, "type", n.Type, "error", err)
	}
}
