package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"WebhookChat/internal/api"
	"WebhookChat/internal/auth"
	"WebhookChat/internal/directory"
	"WebhookChat/internal/timeline"
)

// fakeBackend is an in-memory stand-in for the chat backend. The webhook
// endpoint mimics the real responder: once a reply is produced it keeps
// returning the same payload on every subsequent poll until a new one is
// queued, which is exactly the redundant delivery the dedup exists for.
type fakeBackend struct {
	mu        sync.Mutex
	nextID    int
	active    map[string]bool
	replies   map[string][]string
	repeating map[string]string
	pollDelay map[string]time.Duration
	sendBlock chan struct{}
	sendFail  bool
	sendHits  atomic.Int32
	sendBegan chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		active:    make(map[string]bool),
		replies:   make(map[string][]string),
		repeating: make(map[string]string),
		pollDelay: make(map[string]time.Duration),
		sendBegan: make(chan struct{}, 16),
	}
}

func (b *fakeBackend) queueReply(sessionID, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies[sessionID] = append(b.replies[sessionID], text)
}

func (b *fakeBackend) deactivate(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active[sessionID] = false
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/api/sessions" && r.Method == "GET":
		w.Write([]byte(`{"activeSessions":[],"closedSessions":[]}`))

	case r.URL.Path == "/api/sessions/create" && r.Method == "POST":
		b.mu.Lock()
		b.nextID++
		id := fmt.Sprintf("s%d", b.nextID)
		b.active[id] = true
		b.mu.Unlock()
		fmt.Fprintf(w, `{"sessionId":%q}`, id)

	case strings.HasPrefix(r.URL.Path, "/api/sessions/") && strings.HasSuffix(r.URL.Path, "/terminate"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/terminate")
		b.deactivate(id)
		w.WriteHeader(http.StatusOK)

	case strings.HasPrefix(r.URL.Path, "/api/messages/"):
		w.Write([]byte(`{"messages":[]}`))

	case r.URL.Path == "/api/send" && r.Method == "POST":
		b.sendBegan <- struct{}{}
		b.mu.Lock()
		block := b.sendBlock
		fail := b.sendFail
		b.mu.Unlock()
		if block != nil {
			<-block
		}
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		b.sendHits.Add(1)
		w.WriteHeader(http.StatusOK)

	case strings.HasPrefix(r.URL.Path, "/webhook/session/"):
		id := strings.TrimPrefix(r.URL.Path, "/webhook/session/")
		b.mu.Lock()
		delay := b.pollDelay[id]
		b.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if !b.active[id] {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if queued := b.replies[id]; len(queued) > 0 {
			b.repeating[id] = queued[0]
			b.replies[id] = queued[1:]
		}
		if b.repeating[id] == "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		fmt.Fprintf(w, `{"response":%q}`, b.repeating[id])

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type rig struct {
	backend *fakeBackend
	src     *auth.Source
	dir     *directory.Directory
	tl      *timeline.Timeline
	ctrl    *Controller
}

func newRig(t *testing.T) *rig {
	t.Helper()
	backend := newFakeBackend()
	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := auth.NewSource()
	src.Publish(&auth.Credential{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)})

	client := api.NewClient(server.URL, src, logger, otel.Tracer("test"), otel.Meter("test"))
	dir := directory.New(client, logger)
	tl := timeline.New(client, logger)
	ctrl := New(client, dir, tl, logger, WithPollInterval(10*time.Millisecond))
	ctrl.BindCredentialSource(src)
	t.Cleanup(ctrl.Close)

	return &rig{backend: backend, src: src, dir: dir, tl: tl, ctrl: ctrl}
}

func assistantTexts(messages []timeline.Message) []string {
	var out []string
	for _, m := range messages {
		if m.Sender == api.SenderAssistant {
			out = append(out, m.Text)
		}
	}
	return out
}

func TestCreateSendPollAndDedup(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	session, err := r.ctrl.CreateAndSelect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s1", session.ID)
	assert.Empty(t, r.tl.Messages(), "fresh session starts with an empty timeline")

	require.NoError(t, r.ctrl.SendMessage(ctx, "hi"))
	messages := r.tl.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "hi", messages[0].Text)
	assert.Equal(t, api.SenderUser, messages[0].Sender)
	assert.Equal(t, timeline.OriginLocalEcho, messages[0].Origin)

	r.backend.queueReply("s1", "hello")
	require.Eventually(t, func() bool {
		return len(assistantTexts(r.tl.Messages())) == 1
	}, time.Second, 2*time.Millisecond)

	// The webhook keeps answering with the same payload; redundant
	// deliveries must collapse to a single timeline entry.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{"hello"}, assistantTexts(r.tl.Messages()))

	messages = r.tl.Messages()
	require.Len(t, messages, 2)
	assert.Equal(t, "hi", messages[0].Text)
	assert.Equal(t, "hello", messages[1].Text)
}

func TestPollInactiveStopsLoopAndBlocksSends(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.ctrl.CreateAndSelect(ctx)
	require.NoError(t, err)

	r.backend.deactivate("s1")

	require.Eventually(t, func() bool {
		_, active := r.ctrl.Selected()
		return !active
	}, time.Second, 2*time.Millisecond)

	err = r.ctrl.SendMessage(ctx, "too late")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Zero(t, r.backend.sendHits.Load(), "rejected sends must not reach the network")

	_, closed := r.dir.Sessions()
	require.Len(t, closed, 1)
	assert.Equal(t, "s1", closed[0].ID)
}

func TestTerminateSessionMakesTimelineReadOnly(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.ctrl.CreateAndSelect(ctx)
	require.NoError(t, err)
	require.NoError(t, r.ctrl.SendMessage(ctx, "hi"))

	require.NoError(t, r.ctrl.TerminateSession(ctx))

	id, active := r.ctrl.Selected()
	assert.Equal(t, "s1", id)
	assert.False(t, active)

	active2, closed := r.dir.Sessions()
	assert.Empty(t, active2)
	require.Len(t, closed, 1)
	assert.Equal(t, "s1", closed[0].ID)

	assert.ErrorIs(t, r.ctrl.SendMessage(ctx, "more"), ErrSessionClosed)
	// History stays visible after termination.
	require.Len(t, r.tl.Messages(), 1)
	assert.Equal(t, "hi", r.tl.Messages()[0].Text)

	// Terminating again is rejected client-side.
	assert.ErrorIs(t, r.ctrl.TerminateSession(ctx), ErrSessionClosed)
}

func TestSwitchingSessionsDiscardsInFlightReplies(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.ctrl.CreateAndSelect(ctx)
	require.NoError(t, err)

	// s1's webhook is slow and has a reply pending; a probe will be in
	// flight when the selection switches.
	r.backend.mu.Lock()
	r.backend.pollDelay["s1"] = 100 * time.Millisecond
	r.backend.mu.Unlock()
	r.backend.queueReply("s1", "late reply")
	time.Sleep(20 * time.Millisecond)

	session2, err := r.ctrl.CreateAndSelect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s2", session2.ID)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, "s2", r.tl.SessionID())
	for _, m := range r.tl.Messages() {
		assert.NotEqual(t, "late reply", m.Text, "reply from the previous session leaked across the switch")
	}
}

func TestSendsAreSingleFlight(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.ctrl.CreateAndSelect(ctx)
	require.NoError(t, err)

	block := make(chan struct{})
	r.backend.mu.Lock()
	r.backend.sendBlock = block
	r.backend.mu.Unlock()

	firstDone := make(chan error, 1)
	go func() { firstDone <- r.ctrl.SendMessage(ctx, "first") }()

	// Wait until the first send reaches the backend.
	select {
	case <-r.backend.sendBegan:
	case <-time.After(time.Second):
		t.Fatal("first send never started")
	}

	assert.ErrorIs(t, r.ctrl.SendMessage(ctx, "second"), ErrSendInFlight)

	close(block)
	require.NoError(t, <-firstDone)

	messages := r.tl.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "first", messages[0].Text)
}

func TestFailedSendLeavesNoGhostMessage(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.ctrl.CreateAndSelect(ctx)
	require.NoError(t, err)

	r.backend.mu.Lock()
	r.backend.sendFail = true
	r.backend.mu.Unlock()

	require.Error(t, r.ctrl.SendMessage(ctx, "doomed"))
	assert.Empty(t, r.tl.Messages())
}

func TestSendWithoutSelectionIsRejected(t *testing.T) {
	r := newRig(t)
	assert.ErrorIs(t, r.ctrl.SendMessage(context.Background(), "hi"), ErrNoSession)
}

func TestSignOutClearsEverything(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.ctrl.CreateAndSelect(ctx)
	require.NoError(t, err)
	require.NoError(t, r.ctrl.SendMessage(ctx, "hi"))

	r.src.Publish(nil)

	id, active := r.ctrl.Selected()
	assert.Empty(t, id)
	assert.False(t, active)
	assert.Empty(t, r.tl.Messages())

	activeSessions, closedSessions := r.dir.Sessions()
	assert.Empty(t, activeSessions)
	assert.Empty(t, closedSessions)

	assert.ErrorIs(t, r.ctrl.SendMessage(ctx, "hi"), ErrNoSession)
}
