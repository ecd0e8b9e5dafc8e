// Package poller runs the recurring webhook probe for the selected active
// session. The backend is poll-only: replies are produced asynchronously
// and the client must keep asking for them on a fixed cadence.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"WebhookChat/internal/api"
)

// DefaultInterval is the fixed cadence between webhook probes.
const DefaultInterval = 2 * time.Second

// State of a Loop.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

// Prober issues one webhook probe for a session.
type Prober interface {
	PollWebhook(ctx context.Context, sessionID string) (reply string, ok bool, err error)
}

// Loop polls one session's webhook endpoint until the session goes
// inactive or the loop is stopped. Each delivered reply goes through the
// deliver callback together with the session id it belongs to, so the
// receiver can discard results that arrive after the selection moved on.
type Loop struct {
	id         string
	sessionID  string
	interval   time.Duration
	prober     Prober
	deliver    func(sessionID, reply string)
	onInactive func(sessionID string)
	logger     *slog.Logger

	state     atomic.Int32
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	tickCounter  metric.Int64Counter
	replyCounter metric.Int64Counter
}

// New creates an idle Loop for sessionID. interval <= 0 means
// DefaultInterval. onInactive, if non-nil, is invoked once when the poll
// endpoint reports the session inactive.
func New(sessionID string, interval time.Duration, prober Prober, deliver func(sessionID, reply string), onInactive func(sessionID string), logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}

	meter := otel.Meter("webhookchat")
	tickCounter, _ := meter.Int64Counter("chat.poll.ticks",
		metric.WithDescription("Webhook poll probes issued"))
	replyCounter, _ := meter.Int64Counter("chat.poll.replies",
		metric.WithDescription("Assistant replies delivered by polling"))

	return &Loop{
		id:           uuid.NewString()[:8],
		sessionID:    sessionID,
		interval:     interval,
		prober:       prober,
		deliver:      deliver,
		onInactive:   onInactive,
		logger:       logger,
		done:         make(chan struct{}),
		tickCounter:  tickCounter,
		replyCounter: replyCounter,
	}
}

// SessionID returns the session this loop polls.
func (l *Loop) SessionID() string {
	return l.sessionID
}

// State returns the loop's current state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Start begins polling. It is a no-op after the first call.
func (l *Loop) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		l.cancel = cancel
		l.state.Store(int32(StateRunning))
		l.logger.Info("poll loop started", "loop_id", l.id, "session_id", l.sessionID, "interval", l.interval)
		go l.run(ctx)
	})
}

// Stop cancels the recurring probe and waits for the loop goroutine to
// exit. No probe fires after Stop returns; a result already in flight is
// dropped by the session-id guard on delivery.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
			<-l.done
		}
		l.state.Store(int32(StateStopped))
		l.logger.Info("poll loop stopped", "loop_id", l.id, "session_id", l.sessionID)
	})
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	defer l.state.Store(int32(StateStopped))

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.probe(ctx) {
				return
			}
		}
	}
}

// probe issues one poll tick and reports whether the loop should end.
func (l *Loop) probe(ctx context.Context) bool {
	l.tickCounter.Add(ctx, 1)

	reply, ok, err := l.prober.PollWebhook(ctx, l.sessionID)
	if err != nil {
		if errors.Is(err, api.ErrSessionInactive) {
			// Expected terminal signal, not an error.
			l.logger.Info("session no longer active, polling ends", "loop_id", l.id, "session_id", l.sessionID)
			if l.onInactive != nil {
				l.onInactive(l.sessionID)
			}
			return true
		}
		if ctx.Err() != nil {
			return true
		}
		// Transient failures are logged and swallowed; the next tick
		// fires regardless. No backoff, no retry limit.
		l.logger.Warn("poll tick failed", "loop_id", l.id, "session_id", l.sessionID, "error", err)
		return false
	}

	if !ok {
		// No reply yet.
		return false
	}

	if ctx.Err() != nil {
		// Torn down while the probe was in flight; the result must not
		// be applied.
		return true
	}

	l.replyCounter.Add(ctx, 1)
	l.deliver(l.sessionID, reply)
	return false
}
