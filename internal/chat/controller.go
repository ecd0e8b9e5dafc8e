// Package chat orchestrates session selection, sending, termination, and
// sign-out so the directory, the timeline, and the poll loop stay
// consistent with one another.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"WebhookChat/internal/api"
	"WebhookChat/internal/auth"
	"WebhookChat/internal/directory"
	"WebhookChat/internal/poller"
	"WebhookChat/internal/timeline"
)

// Client-side rejections. These are raised before any request is made.
var (
	ErrNoSession     = errors.New("no session selected")
	ErrSessionClosed = errors.New("session is closed")
	ErrSendInFlight  = errors.New("a send is already in flight")
)

// Controller is the session lifecycle controller.
type Controller struct {
	client       *api.Client
	dir          *directory.Directory
	tl           *timeline.Timeline
	logger       *slog.Logger
	pollInterval time.Duration
	onReply      func(sessionID, text string)

	mu             sync.Mutex
	loop           *poller.Loop
	selectedID     string
	selectedActive bool
	sending        bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithPollInterval overrides the webhook poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) { c.pollInterval = d }
}

// WithReplyFunc registers a callback invoked for every assistant reply
// that actually lands in the timeline (after dedup and staleness checks).
func WithReplyFunc(fn func(sessionID, text string)) Option {
	return func(c *Controller) { c.onReply = fn }
}

// New creates a Controller over the given collaborators.
func New(client *api.Client, dir *directory.Directory, tl *timeline.Timeline, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		client:       client,
		dir:          dir,
		tl:           tl,
		logger:       logger,
		pollInterval: poller.DefaultInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BindCredentialSource tears the controller down whenever the credential
// goes away (sign-out or revocation).
func (c *Controller) BindCredentialSource(src *auth.Source) {
	src.OnChange(func(cred *auth.Credential) {
		if cred == nil {
			c.reset()
		}
	})
}

// SelectSession makes the session the current one: the previous poll loop
// is stopped, the timeline is cleared and reloaded, and a new poll loop is
// started iff the session is active. A history load failure is returned
// for the caller to surface, but the selection sticks and polling still
// starts; history is not retried automatically.
func (c *Controller) SelectSession(ctx context.Context, session api.Session) error {
	c.mu.Lock()
	prev := c.loop
	c.loop = nil
	c.selectedID = session.ID
	c.selectedActive = session.IsActive
	c.sending = false
	c.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	loadErr := c.tl.Load(ctx, session.ID)

	if session.IsActive {
		loop := poller.New(session.ID, c.pollInterval, c.client, c.deliverReply, c.handleInactive, c.logger)

		c.mu.Lock()
		if c.selectedID == session.ID && c.loop == nil {
			c.loop = loop
			loop.Start(context.Background())
		}
		c.mu.Unlock()
	}

	c.logger.Info("session selected", "session_id", session.ID, "active", session.IsActive)
	return loadErr
}

// CreateAndSelect creates a new session and immediately selects it.
func (c *Controller) CreateAndSelect(ctx context.Context) (api.Session, error) {
	session, err := c.dir.Create(ctx)
	if err != nil {
		return api.Session{}, err
	}
	if err := c.SelectSession(ctx, session); err != nil {
		return session, err
	}
	return session, nil
}

// SendMessage posts text to the current session. Sends are single-flight:
// a second call while one is pending is rejected, as is any send on a
// closed session. The local echo is appended only after the backend has
// acknowledged the send, so a failed send leaves no ghost message.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	c.mu.Lock()
	switch {
	case c.selectedID == "":
		c.mu.Unlock()
		return ErrNoSession
	case !c.selectedActive:
		c.mu.Unlock()
		return ErrSessionClosed
	case c.sending:
		c.mu.Unlock()
		return ErrSendInFlight
	}
	c.sending = true
	sessionID := c.selectedID
	c.mu.Unlock()

	err := c.client.Send(ctx, sessionID, text)

	c.mu.Lock()
	c.sending = false
	stillSelected := c.selectedID == sessionID
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if stillSelected {
		c.tl.AppendLocalEcho(text)
	}
	return nil
}

// TerminateSession closes the current session on the backend, then stops
// its poll loop, moves it to the closed collection, and flips the local
// active flag so the timeline becomes read-only.
func (c *Controller) TerminateSession(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.selectedID
	active := c.selectedActive
	c.mu.Unlock()

	if sessionID == "" {
		return ErrNoSession
	}
	if !active {
		return ErrSessionClosed
	}

	if err := c.client.TerminateSession(ctx, sessionID); err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}

	c.mu.Lock()
	loop := c.loop
	c.loop = nil
	if c.selectedID == sessionID {
		c.selectedActive = false
	}
	c.mu.Unlock()

	if loop != nil {
		loop.Stop()
	}
	c.dir.MarkTerminated(sessionID)

	c.logger.Info("session terminated", "session_id", sessionID)
	return nil
}

// Selected returns the current selection and whether it is active.
func (c *Controller) Selected() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectedID, c.selectedActive
}

// Close stops any running poll loop; the controller can be reused after a
// new SelectSession.
func (c *Controller) Close() {
	c.mu.Lock()
	loop := c.loop
	c.loop = nil
	c.mu.Unlock()

	if loop != nil {
		loop.Stop()
	}
}

// deliverReply applies a polled assistant reply. A reply for a session
// other than the currently selected one (an in-flight probe that outlived
// a session switch) is discarded here, and the timeline applies the same
// guard plus the duplicate check under its own lock.
func (c *Controller) deliverReply(sessionID, text string) {
	c.mu.Lock()
	selected := c.selectedID
	c.mu.Unlock()

	if sessionID != selected {
		c.logger.Warn("discarding in-flight reply after session switch", "session_id", sessionID, "selected", selected)
		return
	}

	if !c.tl.MergeIncoming(sessionID, text) {
		return
	}
	if c.onReply != nil {
		c.onReply(sessionID, text)
	}
}

// handleInactive reacts to the poll endpoint reporting the session
// inactive: the local active flag flips so further sends are rejected
// before any request, and the directory moves the session to the closed
// collection. Called from the loop goroutine as it exits, so it must not
// wait on the loop.
func (c *Controller) handleInactive(sessionID string) {
	c.mu.Lock()
	if c.selectedID == sessionID {
		c.selectedActive = false
	}
	if c.loop != nil && c.loop.SessionID() == sessionID {
		c.loop = nil
	}
	c.mu.Unlock()

	c.dir.MarkTerminated(sessionID)
}

// reset tears everything down on sign-out: poll loop, timeline, directory,
// and the selection itself.
func (c *Controller) reset() {
	c.mu.Lock()
	loop := c.loop
	c.loop = nil
	c.selectedID = ""
	c.selectedActive = false
	c.sending = false
	c.mu.Unlock()

	if loop != nil {
		loop.Stop()
	}
	c.tl.Clear()
	c.dir.Reset()
	c.logger.Info("signed out, chat state cleared")
}
