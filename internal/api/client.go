package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"WebhookChat/internal/auth"
)

// Client talks to the chat backend's REST surface. Every request resolves
// the credential from the Source at call time and carries it as a bearer
// token; with no credential the request is never sent.
type Client struct {
	baseURL    string
	creds      *auth.Source
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL string, creds *auth.Source, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
		tracer:     tracer,
		meter:      meter,
	}
}

// ListSessions fetches the active and closed session collections.
func (c *Client) ListSessions(ctx context.Context) ([]Session, []Session, error) {
	status, payload, err := c.roundTrip(ctx, "list_sessions", "GET", "/api/sessions", nil)
	if err != nil {
		return nil, nil, err
	}
	if status != http.StatusOK {
		return nil, nil, fmt.Errorf("list sessions: unexpected status %d", status)
	}

	var resp sessionsResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal sessions: %w", err)
	}
	return resp.ActiveSessions, resp.ClosedSessions, nil
}

// CreateSession asks the backend to create a new session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	status, payload, err := c.roundTrip(ctx, "create_session", "POST", "/api/sessions/create", struct{}{})
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", fmt.Errorf("create session: unexpected status %d", status)
	}

	var resp createSessionResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("backend returned no session id")
	}
	return resp.SessionID, nil
}

// TerminateSession asks the backend to close the session.
func (c *Client) TerminateSession(ctx context.Context, sessionID string) error {
	status, payload, err := c.roundTrip(ctx, "terminate_session", "POST", "/api/sessions/"+sessionID+"/terminate", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("terminate session: status %d - %s", status, string(payload))
	}
	return nil
}

// FetchMessages loads the persisted message history for a session.
func (c *Client) FetchMessages(ctx context.Context, sessionID string) ([]PersistedMessage, error) {
	status, payload, err := c.roundTrip(ctx, "fetch_messages", "GET", "/api/messages/"+sessionID, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch messages: unexpected status %d", status)
	}

	var resp messagesResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	return resp.Messages, nil
}

// Send posts a user message for the session. The backend forwards it to
// the session's webhook responder; the reply arrives later via polling.
func (c *Client) Send(ctx context.Context, sessionID, text string) error {
	body := sendRequest{
		Message:    text,
		WebhookURL: "/webhook/session/" + sessionID,
	}
	status, payload, err := c.roundTrip(ctx, "send_message", "POST", "/api/send", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("send: status %d - %s", status, string(payload))
	}
	return nil
}

// PollWebhook probes the session's webhook endpoint for a new assistant
// reply. ok is false when the backend has nothing new (204 or empty body).
// A 400 means the session is no longer active and maps to ErrSessionInactive.
func (c *Client) PollWebhook(ctx context.Context, sessionID string) (string, bool, error) {
	status, payload, err := c.roundTrip(ctx, "poll_webhook", "GET", "/webhook/session/"+sessionID, nil)
	if err != nil {
		return "", false, err
	}

	switch {
	case status == http.StatusNoContent || (status == http.StatusOK && len(payload) == 0):
		return "", false, nil
	case status == http.StatusOK:
		var resp webhookResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return "", false, fmt.Errorf("failed to unmarshal webhook response: %w", err)
		}
		if resp.Response == "" {
			return "", false, nil
		}
		return resp.Response, true, nil
	case status == http.StatusBadRequest:
		return "", false, ErrSessionInactive
	default:
		return "", false, fmt.Errorf("webhook poll failed with status %d", status)
	}
}

// roundTrip performs one authenticated request and returns the status and
// raw body. Transport failures map to ErrUnreachable, a 401 to
// ErrUnauthenticated; other statuses are the caller's to interpret.
func (c *Client) roundTrip(ctx context.Context, op, method, path string, body interface{}) (int, []byte, error) {
	cred := c.creds.Current()
	if cred == nil {
		return 0, nil, ErrUnauthenticated
	}

	ctx, span := c.tracer.Start(ctx, op)
	defer span.End()

	start := time.Now()

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	duration := time.Since(start)
	histogram, err := c.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err == nil {
		histogram.Record(ctx, float64(duration.Milliseconds()))
	}

	c.logger.Debug("api request", "op", op, "method", method, "path", path,
		"status", resp.StatusCode, "duration_ms", duration.Milliseconds())

	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, payload, ErrUnauthenticated
	}

	return resp.StatusCode, payload, nil
}
