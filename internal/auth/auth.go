package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Credential is the bearer credential issued by the identity provider.
// It is owned by the Source; every other component reads it through
// Source.Current and never holds on to it across asynchronous gaps.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func (c *Credential) expired() bool {
	return !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt)
}

// Source holds the current credential and notifies listeners whenever it
// changes (login, refresh, sign-out). A nil credential means signed out.
type Source struct {
	mu        sync.RWMutex
	current   *Credential
	listeners []func(*Credential)
}

// NewSource creates an empty Source with no credential.
func NewSource() *Source {
	return &Source{}
}

// Current returns a copy of the current credential, or nil if there is
// none or it has expired. Callers must re-resolve per request rather than
// caching the result.
func (s *Source) Current() *Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil || s.current.expired() {
		return nil
	}
	cred := *s.current
	return &cred
}

// OnChange registers a listener invoked with the new credential (nil on
// sign-out) after every credential change.
func (s *Source) OnChange(fn func(*Credential)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Publish replaces the current credential wholesale and notifies the
// listeners. It is the write path for the identity layer; everything else
// treats the Source as read-only.
func (s *Source) Publish(cred *Credential) {
	s.mu.Lock()
	s.current = cred
	listeners := make([]func(*Credential), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(cred)
	}
}

// tokenResponse represents the identity provider's token grant response
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// Client signs users in against the identity provider and keeps the Source
// and the on-disk token cache in step with the outcome.
type Client struct {
	authURL    string
	anonKey    string
	source     *Source
	store      *TokenStore
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an identity client. store may be nil to disable the
// credential cache.
func NewClient(authURL, anonKey string, source *Source, store *TokenStore, logger *slog.Logger) *Client {
	return &Client{
		authURL:    authURL,
		anonKey:    anonKey,
		source:     source,
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Source returns the credential source this client writes to.
func (c *Client) Source() *Source {
	return c.source
}

// Restore loads a cached credential from the token store, if one is
// present and not expired, and publishes it to the Source.
func (c *Client) Restore() bool {
	if c.store == nil {
		return false
	}
	cred, err := c.store.Load(c.authURL)
	if err != nil {
		c.logger.Warn("failed to load cached credential", "error", err)
		return false
	}
	if cred == nil {
		return false
	}
	c.source.Publish(cred)
	c.logger.Info("restored cached credential", "expires_at", cred.ExpiresAt)
	return true
}

// Login performs a password grant against the identity provider.
func (c *Client) Login(ctx context.Context, email, password string) error {
	body := map[string]string{"email": email, "password": password}
	cred, err := c.tokenGrant(ctx, "password", body)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	c.persist(cred)
	c.logger.Info("signed in", "email", email, "expires_at", cred.ExpiresAt)
	return nil
}

// Refresh exchanges the current refresh token for a fresh credential.
func (c *Client) Refresh(ctx context.Context) error {
	current := c.source.Current()
	if current == nil || current.RefreshToken == "" {
		return fmt.Errorf("no refresh token available")
	}
	body := map[string]string{"refresh_token": current.RefreshToken}
	cred, err := c.tokenGrant(ctx, "refresh_token", body)
	if err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}
	c.persist(cred)
	c.logger.Info("refreshed credential", "expires_at", cred.ExpiresAt)
	return nil
}

// SignOut drops the credential and removes it from the cache. Listeners
// on the Source are notified with nil.
func (c *Client) SignOut() {
	if c.store != nil {
		if err := c.store.Delete(c.authURL); err != nil {
			c.logger.Warn("failed to clear cached credential", "error", err)
		}
	}
	c.source.Publish(nil)
	c.logger.Info("signed out")
}

func (c *Client) persist(cred *Credential) {
	if c.store != nil {
		if err := c.store.Save(c.authURL, cred); err != nil {
			c.logger.Warn("failed to cache credential", "error", err)
		}
	}
	c.source.Publish(cred)
}

func (c *Client) tokenGrant(ctx context.Context, grantType string, body map[string]string) (*Credential, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/auth/v1/token?grant_type=%s", c.authURL, grantType)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity provider error: %s - %s", resp.Status, string(payload))
	}

	var tok tokenResponse
	if err := json.Unmarshal(payload, &tok); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("identity provider returned no access token")
	}

	return &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}, nil
}
