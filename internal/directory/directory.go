// Package directory holds the signed-in user's session collections: the
// ordered active list and the ordered closed list. A session id appears in
// exactly one of the two at a time.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"WebhookChat/internal/api"
)

// SessionService is the slice of the backend client the directory needs.
type SessionService interface {
	ListSessions(ctx context.Context) (active []api.Session, closed []api.Session, err error)
	CreateSession(ctx context.Context) (string, error)
}

// Directory caches the active and closed session collections.
type Directory struct {
	mu     sync.Mutex
	svc    SessionService
	logger *slog.Logger
	active []api.Session
	closed []api.Session
}

// New creates an empty Directory backed by svc.
func New(svc SessionService, logger *slog.Logger) *Directory {
	return &Directory{svc: svc, logger: logger}
}

// Refresh fetches both collections from the backend and replaces the local
// ones wholesale. On failure the local collections are left untouched.
func (d *Directory) Refresh(ctx context.Context) error {
	active, closed, err := d.svc.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("refresh sessions: %w", err)
	}

	d.mu.Lock()
	d.active = active
	d.closed = closed
	d.mu.Unlock()

	d.logger.Info("session lists refreshed", "active", len(active), "closed", len(closed))
	return nil
}

// Create requests a new session from the backend, appends it to the active
// collection and returns it for immediate selection.
func (d *Directory) Create(ctx context.Context) (api.Session, error) {
	id, err := d.svc.CreateSession(ctx)
	if err != nil {
		return api.Session{}, fmt.Errorf("create session: %w", err)
	}

	session := api.Session{
		ID:        id,
		CreatedAt: time.Now(),
		IsActive:  true,
	}

	d.mu.Lock()
	d.active = append(d.active, session)
	d.mu.Unlock()

	d.logger.Info("session created", "session_id", id)
	return session, nil
}

// MarkTerminated moves the session from the active collection to the front
// of the closed one. Calling it again for the same id is a no-op.
func (d *Directory) MarkTerminated(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, s := range d.active {
		if s.ID == sessionID {
			d.active = append(d.active[:i], d.active[i+1:]...)
			s.IsActive = false
			d.closed = append([]api.Session{s}, d.closed...)
			d.logger.Info("session marked terminated", "session_id", sessionID)
			return
		}
	}
}

// Sessions returns copies of the active and closed collections.
func (d *Directory) Sessions() ([]api.Session, []api.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	active := make([]api.Session, len(d.active))
	copy(active, d.active)
	closed := make([]api.Session, len(d.closed))
	copy(closed, d.closed)
	return active, closed
}

// Reset drops both collections; used on sign-out.
func (d *Directory) Reset() {
	d.mu.Lock()
	d.active = nil
	d.closed = nil
	d.mu.Unlock()
}
