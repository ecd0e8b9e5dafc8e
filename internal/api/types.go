package api

import (
	"encoding/json"
	"strings"
	"time"
)

// Sender identifies who authored a chat message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// NormalizeSender maps the backend's free-form sender strings onto the two
// senders the client understands. Anything that is not the user is the
// assistant.
func NormalizeSender(raw string) Sender {
	switch strings.ToLower(raw) {
	case "user", "you":
		return SenderUser
	default:
		return SenderAssistant
	}
}

// Session represents a server-tracked conversation context
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
}

// PersistedMessage is one message from the backend's history endpoint.
// IDs are numeric server-side, so they arrive as json.Number.
type PersistedMessage struct {
	ID     json.Number `json:"id"`
	Text   string      `json:"text"`
	Sender string      `json:"sender"`
}

type sessionsResponse struct {
	ActiveSessions []Session `json:"activeSessions"`
	ClosedSessions []Session `json:"closedSessions"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
}

type messagesResponse struct {
	Messages []PersistedMessage `json:"messages"`
}

type sendRequest struct {
	Message    string `json:"message"`
	WebhookURL string `json:"webhookUrl"`
}

type webhookResponse struct {
	Response string `json:"response"`
}
