// Package timeline is the single source of truth for what one session's
// conversation looks like: persisted history, locally echoed sends, and
// assistant replies merged in from the poll loop.
package timeline

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"WebhookChat/internal/api"
)

// Origin records how a message entered the timeline.
type Origin string

const (
	OriginPersisted Origin = "persisted"
	OriginLocalEcho Origin = "local_echo"
	OriginPolled    Origin = "polled"
)

// Message is one entry in the timeline. Key is unique within the timeline
// and stable across re-renders.
type Message struct {
	Key    string
	Text   string
	Sender api.Sender
	Origin Origin
}

// HistoryFetcher loads persisted history for a session.
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, sessionID string) ([]api.PersistedMessage, error)
}

// Timeline holds the ordered, append-only message sequence for the
// currently selected session. Selecting another session rebuilds it
// wholesale via Load.
type Timeline struct {
	mu        sync.Mutex
	fetcher   HistoryFetcher
	logger    *slog.Logger
	sessionID string
	messages  []Message
	seen      map[string]struct{} // content keys of assistant messages
	echoSeq   int
}

// New creates an empty Timeline backed by fetcher.
func New(fetcher HistoryFetcher, logger *slog.Logger) *Timeline {
	return &Timeline{fetcher: fetcher, logger: logger, seen: make(map[string]struct{})}
}

// contentKey hashes message text for the duplicate check, so the seen set
// does not retain full reply bodies.
func contentKey(text string) string {
	h := sha256.New()
	h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Load rebinds the timeline to sessionID and replaces its contents with
// the persisted history. On failure the timeline is left empty and the
// error is returned for the caller to surface; there is no retry.
func (t *Timeline) Load(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	t.resetLocked(sessionID)
	t.mu.Unlock()

	history, err := t.fetcher.FetchMessages(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load history for session %s: %w", sessionID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// The selection may have moved on while the fetch was in flight.
	if t.sessionID != sessionID {
		return nil
	}

	for i, raw := range history {
		sender := api.NormalizeSender(raw.Sender)
		msg := Message{
			// Persisted ids are not guaranteed unique across reloads, so
			// the position stays part of the key.
			Key:    fmt.Sprintf("%d-%s", i, raw.ID),
			Text:   raw.Text,
			Sender: sender,
			Origin: OriginPersisted,
		}
		t.messages = append(t.messages, msg)
		if sender == api.SenderAssistant {
			t.seen[contentKey(raw.Text)] = struct{}{}
		}
	}

	t.logger.Info("history loaded", "session_id", sessionID, "message_count", len(history))
	return nil
}

// AppendLocalEcho appends the user's own just-sent text. Callers invoke it
// only after the backend has acknowledged the send; a rejected send never
// produces an echo.
func (t *Timeline) AppendLocalEcho(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.echoSeq++
	t.messages = append(t.messages, Message{
		Key:    fmt.Sprintf("echo-%d-%d", t.echoSeq, time.Now().UnixMilli()),
		Text:   text,
		Sender: api.SenderUser,
		Origin: OriginLocalEcho,
	})
}

// MergeIncoming appends an assistant reply delivered by the poll loop and
// reports whether it was kept. Replies for a session other than the bound
// one are discarded, as are replies whose text matches an assistant
// message already present. The dedup is content equality only: two
// genuinely identical consecutive replies collapse to one, which is a
// known limitation of the webhook contract (it exposes no sequence id).
func (t *Timeline) MergeIncoming(sessionID, text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sessionID != t.sessionID {
		t.logger.Warn("discarding reply for stale session", "session_id", sessionID, "current", t.sessionID)
		return false
	}

	key := contentKey(text)
	if _, dup := t.seen[key]; dup {
		t.logger.Debug("duplicate reply suppressed", "session_id", sessionID)
		return false
	}

	t.messages = append(t.messages, Message{
		Key:    fmt.Sprintf("%d-%s-%d", len(t.messages), sessionID, time.Now().UnixMilli()),
		Text:   text,
		Sender: api.SenderAssistant,
		Origin: OriginPolled,
	})
	t.seen[key] = struct{}{}
	return true
}

// Clear empties the timeline; called on session switch and sign-out.
func (t *Timeline) Clear() {
	t.mu.Lock()
	t.resetLocked("")
	t.mu.Unlock()
}

// SessionID returns the session the timeline is currently bound to.
func (t *Timeline) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Messages returns a copy of the timeline in display order.
func (t *Timeline) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *Timeline) resetLocked(sessionID string) {
	t.sessionID = sessionID
	t.messages = nil
	t.seen = make(map[string]struct{})
	t.echoSeq = 0
}
