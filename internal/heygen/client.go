package heygen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/avatarecho/internal/bus"
)

// ClientConfig configures the session client
type ClientConfig struct {
	APIKey  string        // account-level shared key (x-api-key header)
	BaseURL string        // e.g., "https://api.heygen.com"
	Timeout time.Duration // HTTP request timeout

	// SettleDelay is the mandatory wait between token issuance and first
	// use of the token. The remote service rejects earlier use; treat it
	// as a hard contract.
	SettleDelay time.Duration

	// PreferLegacySpeak flips the speak attempt order to shared-key first.
	// The dual attempt is a compatibility shim: which convention a tenant
	// accepts was never confirmed.
	PreferLegacySpeak bool

	// DefaultICEServer is used when the response carries no relay list
	// under either known key.
	DefaultICEServer string
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:          "https://api.heygen.com",
		Timeout:          20 * time.Second,
		SettleDelay:      time.Second,
		DefaultICEServer: "stun:stun.l.google.com:19302",
	}
}

// Client manages the lifecycle of streaming-avatar sessions
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
	eventBus   *bus.EventBus
	logger     zerolog.Logger

	mu      sync.Mutex
	current *Session
}

// NewClient creates a new session client
func NewClient(cfg *ClientConfig, eventBus *bus.EventBus, logger zerolog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		eventBus: eventBus,
		logger:   logger.With().Str("component", "heygen-client").Logger(),
	}
}

// Current returns the session this client most recently opened, or nil.
func (c *Client) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// newSessionResponse covers the response shapes seen across tenants: the
// connection descriptor under "offer" or "sdp", the relay list under
// "ice_servers" or "ice_servers2".
type newSessionResponse struct {
	SessionID        string            `json:"session_id"`
	Offer            *sdpPayload       `json:"offer"`
	SDP              *sdpPayload       `json:"sdp"`
	ICEServers       []json.RawMessage `json:"ice_servers"`
	ICEServers2      []json.RawMessage `json:"ice_servers2"`
	RealtimeEndpoint string            `json:"realtime_endpoint"`
}

type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// OpenSession creates a remote session. An existing Ready session is
// stopped first; the old session may still be draining server-side.
func (c *Client) OpenSession(ctx context.Context, avatarID, voiceID string) (*Session, error) {
	c.mu.Lock()
	prior := c.current
	c.mu.Unlock()

	if prior.Ready() {
		c.logger.Info().Str("sessionId", prior.ID).Msg("Stopping prior session before reopen")
		c.StopSession(ctx, prior)
	}

	payload := map[string]string{"avatar_id": avatarID}
	if voiceID != "" {
		payload["voice_id"] = voiceID
	}

	body, status, err := c.post(ctx, "/v1/streaming.new", sharedKeyAuth(c.config.APIKey), payload)
	if err != nil {
		return nil, &TransportError{Op: "streaming.new", Err: err}
	}
	if status < 200 || status >= 300 {
		c.logger.Error().Int("status", status).Str("body", truncateForLog(string(body), 500)).Msg("Session create failed")
		return nil, &TransportError{Op: "streaming.new", Status: status}
	}

	var resp newSessionResponse
	if err := json.Unmarshal(unwrapEnvelope(body), &resp); err != nil {
		return nil, &TransportError{Op: "streaming.new", Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	if resp.SessionID == "" {
		return nil, &ProtocolError{Op: "streaming.new", Missing: "session_id"}
	}

	// Connection descriptor alternates, fixed priority order.
	var sdp string
	switch {
	case resp.Offer != nil && resp.Offer.SDP != "":
		sdp = resp.Offer.SDP
	case resp.SDP != nil && resp.SDP.SDP != "":
		sdp = resp.SDP.SDP
	default:
		return nil, &ProtocolError{Op: "streaming.new", Missing: "connection descriptor"}
	}

	// Relay list alternates, then the single default public entry.
	ice := resp.ICEServers
	if len(ice) == 0 {
		ice = resp.ICEServers2
	}
	if len(ice) == 0 {
		entry, _ := json.Marshal(map[string][]string{"urls": {c.config.DefaultICEServer}})
		ice = []json.RawMessage{entry}
	}

	session := &Session{
		ID:               resp.SessionID,
		SDP:              sdp,
		ICEServers:       ice,
		RealtimeEndpoint: resp.RealtimeEndpoint,
		State:            StateCreated,
		AvatarID:         avatarID,
		VoiceID:          voiceID,
		ContextID:        uuid.NewString(),
		CreatedAt:        time.Now(),
	}

	c.mu.Lock()
	c.current = session
	c.mu.Unlock()

	c.logger.Info().
		Str("sessionId", session.ID).
		Str("contextId", session.ContextID).
		Str("avatarId", avatarID).
		Int("iceEntries", len(ice)).
		Msg("Session created")
	c.publish(bus.EventTypeSessionCreated, session)

	return session, nil
}

type tokenResponse struct {
	Token            string `json:"token"`
	AccessToken      string `json:"access_token"`
	RealtimeEndpoint string `json:"realtime_endpoint"`
}

// IssueToken requests a short-lived access token scoped to the session.
// The token is only valid paired with the session it was issued for.
func (c *Client) IssueToken(ctx context.Context, s *Session) (string, error) {
	if s == nil || s.State != StateCreated {
		return "", fmt.Errorf("issue token: session not in created state")
	}

	body, status, err := c.post(ctx, "/v1/streaming.create_token", sharedKeyAuth(c.config.APIKey), map[string]string{
		"session_id": s.ID,
	})
	if err != nil {
		c.fail(s)
		return "", &TransportError{Op: "streaming.create_token", Err: err}
	}
	if status < 200 || status >= 300 {
		c.fail(s)
		c.logger.Error().Int("status", status).Str("body", truncateForLog(string(body), 500)).Msg("Token create failed")
		return "", &TransportError{Op: "streaming.create_token", Status: status}
	}

	var resp tokenResponse
	if err := json.Unmarshal(unwrapEnvelope(body), &resp); err != nil {
		c.fail(s)
		return "", &TransportError{Op: "streaming.create_token", Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	token := resp.Token
	if token == "" {
		token = resp.AccessToken
	}
	if token == "" {
		c.fail(s)
		return "", &ProtocolError{Op: "streaming.create_token", Missing: "token"}
	}

	c.mu.Lock()
	s.Token = token
	if resp.RealtimeEndpoint != "" {
		s.RealtimeEndpoint = resp.RealtimeEndpoint
	}
	s.State = StateTokenIssued
	c.mu.Unlock()

	c.logger.Info().Str("sessionId", s.ID).Msg("Token issued")
	return token, nil
}

// AwaitReady enforces the settle delay after token issuance. It runs
// exactly once per session; the session is never Ready before the delay
// has elapsed.
func (c *Client) AwaitReady(ctx context.Context, s *Session) error {
	if s == nil || s.State != StateTokenIssued {
		return fmt.Errorf("await ready: session not in token-issued state")
	}

	select {
	case <-time.After(c.config.SettleDelay):
	case <-ctx.Done():
		c.fail(s)
		return ctx.Err()
	}

	c.mu.Lock()
	s.State = StateReady
	c.mu.Unlock()

	c.logger.Info().Str("sessionId", s.ID).Dur("settle", c.config.SettleDelay).Msg("Session ready")
	c.publish(bus.EventTypeSessionReady, s)
	return nil
}

// StartSession runs the full handshake: create, token, settle.
func (c *Client) StartSession(ctx context.Context, avatarID, voiceID string) (*Session, error) {
	session, err := c.OpenSession(ctx, avatarID, voiceID)
	if err != nil {
		return nil, err
	}
	if _, err := c.IssueToken(ctx, session); err != nil {
		return nil, err
	}
	if err := c.AwaitReady(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// speakAttempt is one (route, auth) convention for the speak call.
type speakAttempt struct {
	name string
	path string
	auth func(*http.Request)
}

// Speak sends a "speak this text" instruction to a Ready session. Two
// conventions are tried in configured order; the first 2xx wins. Both
// failing is non-fatal: the session stays Ready.
func (c *Client) Speak(ctx context.Context, s *Session, text string) error {
	if !s.Ready() {
		return fmt.Errorf("speak: session not ready")
	}

	attempts := []speakAttempt{
		{name: "bearer", path: "/v1/streaming/session/" + s.ID + "/speak", auth: bearerAuth(s.Token)},
		{name: "legacy", path: "/v1/streaming.input", auth: sharedKeyAuth(c.config.APIKey)},
	}
	if c.config.PreferLegacySpeak {
		attempts[0], attempts[1] = attempts[1], attempts[0]
	}

	payload := map[string]string{
		"text":       text,
		"session_id": s.ID,
	}

	var lastStatus int
	var lastErr error
	for _, attempt := range attempts {
		body, status, err := c.post(ctx, attempt.path, attempt.auth, payload)
		if err != nil {
			c.logger.Warn().Str("route", attempt.name).Err(err).Msg("Speak attempt failed")
			lastErr = err
			continue
		}
		if status >= 200 && status < 300 {
			c.logger.Info().Str("route", attempt.name).Str("sessionId", s.ID).Int("textLen", len(text)).Msg("Speak dispatched")
			c.publish(bus.EventTypeDispatchOK, s)
			return nil
		}
		c.logger.Warn().Str("route", attempt.name).Int("status", status).Str("body", truncateForLog(string(body), 200)).Msg("Speak attempt rejected")
		lastStatus = status
	}

	c.publish(bus.EventTypeDispatchFailed, s)
	return &TransportError{Op: "speak", Status: lastStatus, Err: lastErr}
}

// StopSession notifies the remote service that the session is done. It is
// best-effort: failures are logged and swallowed, since a stale session
// expiring server-side is acceptable.
func (c *Client) StopSession(ctx context.Context, s *Session) {
	if s == nil || s.State == StateStopped {
		return
	}

	if s.Token != "" {
		body, status, err := c.post(ctx, "/v1/streaming.stop", bearerAuth(s.Token), map[string]string{
			"session_id": s.ID,
		})
		switch {
		case err != nil:
			c.logger.Warn().Str("sessionId", s.ID).Err(err).Msg("Session stop call failed")
		case status < 200 || status >= 300:
			c.logger.Warn().Str("sessionId", s.ID).Int("status", status).Str("body", truncateForLog(string(body), 200)).Msg("Session stop rejected")
		}
	}

	c.mu.Lock()
	s.State = StateStopped
	if c.current == s {
		c.current = nil
	}
	c.mu.Unlock()

	c.logger.Info().Str("sessionId", s.ID).Msg("Session stopped")
	c.publish(bus.EventTypeSessionStopped, s)
}

// avatarListResponse covers both listing shapes: a bare array under
// "data", or an object holding an "avatars" array.
type avatarListResponse struct {
	Avatars []Avatar `json:"avatars"`
}

// ListAvatars fetches the selectable avatar identities for the account.
func (c *Client) ListAvatars(ctx context.Context) ([]Avatar, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/v1/streaming/avatar.list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	sharedKeyAuth(c.config.APIKey)(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "avatar.list", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "avatar.list", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{Op: "avatar.list", Status: resp.StatusCode}
	}

	payload := unwrapEnvelope(body)
	if len(payload) > 0 && payload[0] == '[' {
		var avatars []Avatar
		if err := json.Unmarshal(payload, &avatars); err != nil {
			return nil, &TransportError{Op: "avatar.list", Err: fmt.Errorf("failed to parse response: %w", err)}
		}
		return avatars, nil
	}

	var list avatarListResponse
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, &TransportError{Op: "avatar.list", Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	return list.Avatars, nil
}

// ViewerParams returns the viewer hand-off for a session, descriptor
// passed through unmodified.
func ViewerParamsFor(s *Session) ViewerParams {
	return ViewerParams{
		Token:      s.Token,
		SessionID:  s.ID,
		SDP:        s.SDP,
		ICEServers: s.ICEServers,
	}
}

// post sends a JSON body and returns the raw response body and status.
func (c *Client) post(ctx context.Context, path string, auth func(*http.Request), payload any) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	auth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

func (c *Client) fail(s *Session) {
	c.mu.Lock()
	s.State = StateFailed
	c.mu.Unlock()
	c.publish(bus.EventTypeSessionFailed, s)
}

func (c *Client) publish(eventType bus.EventType, s *Session) {
	if c.eventBus == nil {
		return
	}
	c.eventBus.Publish(bus.Event{
		Type: eventType,
		Data: map[string]any{
			"session_id": s.ID,
			"context_id": s.ContextID,
			"state":      string(s.State),
		},
	})
}

func sharedKeyAuth(apiKey string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("X-Api-Key", apiKey)
	}
}

func bearerAuth(token string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

/// unwrapEnvelope handles both bare payloads and the {"data": ...} wrapper.
func unwrapEnvelope(body []byte) []byte {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 && (env.Data[0] == '{' || env.Data[0] == '[') {
		return env.Data
	}
	return body
}

// truncateForLog truncates a string for logging purposes
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
