package heygen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder tracks which routes were hit, in order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req.Method+" "+req.URL.Path)
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultClientConfig()
	cfg.APIKey = "test-shared-key"
	cfg.BaseURL = server.URL
	cfg.Timeout = 2 * time.Second
	cfg.SettleDelay = 20 * time.Millisecond

	return NewClient(cfg, nil, zerolog.Nop()), server
}

func TestOpenSession_DescriptorKeyAlternates(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "descriptor under offer",
			body: `{"session_id":"s1","offer":{"type":"offer","sdp":"v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"},"ice_servers":[{"urls":["stun:a"]}]}`,
		},
		{
			name: "descriptor under sdp",
			body: `{"session_id":"s1","sdp":{"type":"offer","sdp":"v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"},"ice_servers":[{"urls":["stun:a"]}]}`,
		},
		{
			name: "enveloped response",
			body: `{"data":{"session_id":"s1","offer":{"type":"offer","sdp":"v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"},"ice_servers":[{"urls":["stun:a"]}]}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/streaming.new", r.URL.Path)
				assert.Equal(t, "test-shared-key", r.Header.Get("X-Api-Key"))
				w.Write([]byte(tt.body))
			}))

			session, err := client.OpenSession(context.Background(), "A1", "V1")
			require.NoError(t, err)

			// Same descriptor regardless of key name, whitespace intact.
			assert.Equal(t, "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n", session.SDP)
			assert.Equal(t, "s1", session.ID)
			assert.Equal(t, StateCreated, session.State)
			assert.NotEmpty(t, session.ContextID)
		})
	}
}

func TestOpenSession_ICEAlternatesAndFallback(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantURLs string
	}{
		{
			name:     "primary key",
			body:     `{"session_id":"s1","offer":{"sdp":"x"},"ice_servers":[{"urls":["stun:primary"]}]}`,
			wantURLs: "stun:primary",
		},
		{
			name:     "secondary key",
			body:     `{"session_id":"s1","offer":{"sdp":"x"},"ice_servers2":[{"urls":["stun:secondary"]}]}`,
			wantURLs: "stun:secondary",
		},
		{
			name:     "both absent falls back to default",
			body:     `{"session_id":"s1","offer":{"sdp":"x"}}`,
			wantURLs: "stun:stun.l.google.com:19302",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))

			session, err := client.OpenSession(context.Background(), "A1", "")
			require.NoError(t, err)

			// Never an empty list.
			require.Len(t, session.ICEServers, 1)
			var entry struct {
				URLs []string `json:"urls"`
			}
			require.NoError(t, json.Unmarshal(session.ICEServers[0], &entry))
			require.Len(t, entry.URLs, 1)
			assert.Equal(t, tt.wantURLs, entry.URLs[0])
		})
	}
}

func TestOpenSession_MissingFieldsAreProtocolErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		missing string
	}{
		{
			name:    "no session id",
			body:    `{"offer":{"sdp":"x"}}`,
			missing: "session_id",
		},
		{
			name:    "no descriptor under either key",
			body:    `{"session_id":"s1","ice_servers":[]}`,
			missing: "connection descriptor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				rec.record(r)
				w.Write([]byte(tt.body))
			}))

			session, err := client.OpenSession(context.Background(), "A1", "V1")
			assert.Nil(t, session)

			var protoErr *ProtocolError
			require.ErrorAs(t, err, &protoErr)
			assert.Equal(t, tt.missing, protoErr.Missing)

			// Not retried, and token issuance never attempted.
			assert.Equal(t, []string{"POST /v1/streaming.new"}, rec.Calls())
		})
	}
}

func TestIssueToken_KeyAlternates(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "token key", body: `{"token":"tok-1"}`},
		{name: "access_token key", body: `{"access_token":"tok-1"}`},
		{name: "enveloped", body: `{"data":{"token":"tok-1","realtime_endpoint":"wss://rt.example.com"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/v1/streaming.new" {
					w.Write([]byte(`{"session_id":"s1","offer":{"sdp":"x"}}`))
					return
				}
				assert.Equal(t, "/v1/streaming.create_token", r.URL.Path)
				var req map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "s1", req["session_id"])
				w.Write([]byte(tt.body))
			}))

			session, err := client.OpenSession(context.Background(), "A1", "")
			require.NoError(t, err)

			token, err := client.IssueToken(context.Background(), session)
			require.NoError(t, err)
			assert.Equal(t, "tok-1", token)
			assert.Equal(t, "tok-1", session.Token)
			assert.Equal(t, StateTokenIssued, session.State)
		})
	}
}

func TestIssueToken_MissingTokenIsProtocolError(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/streaming.new" {
			w.Write([]byte(`{"session_id":"s1","offer":{"sdp":"x"}}`))
			return
		}
		w.Write([]byte(`{}`))
	}))

	session, err := client.OpenSession(context.Background(), "A1", "")
	require.NoError(t, err)

	_, err = client.IssueToken(context.Background(), session)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "token", protoErr.Missing)
	assert.Equal(t, StateFailed, session.State)
}

func TestIssueToken_CapturesRealtimeEndpoint(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/streaming.new" {
			w.Write([]byte(`{"session_id":"s1","offer":{"sdp":"x"}}`))
			return
		}
		w.Write([]byte(`{"token":"tok-1","realtime_endpoint":"wss://rt.example.com/ws"}`))
	}))

	session, err := client.OpenSession(context.Background(), "A1", "")
	require.NoError(t, err)
	_, err = client.IssueToken(context.Background(), session)
	require.NoError(t, err)
	assert.Equal(t, "wss://rt.example.com/ws", session.RealtimeEndpoint)
}

func TestAwaitReady_EnforcesSettleDelay(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/streaming.new" {
			w.Write([]byte(`{"session_id":"s1","offer":{"sdp":"x"}}`))
			return
		}
		w.Write([]byte(`{"token":"tok-1"}`))
	}))

	session, err := client.OpenSession(context.Background(), "A1", "")
	require.NoError(t, err)
	_, err = client.IssueToken(context.Background(), session)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, client.AwaitReady(context.Background(), session))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond, "never Ready before the settle delay")
	assert.Equal(t, StateReady, session.State)

	// Exactly once per session.
	assert.Error(t, client.AwaitReady(context.Background(), session))
}

func TestAwaitReady_RequiresTokenFirst(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"session_id":"s1","offer":{"sdp":"x"}}`))
	}))

	session, err := client.OpenSession(context.Background(), "A1", "")
	require.NoError(t, err)

	// Created -> Ready without TokenIssued is not a valid transition.
	assert.Error(t, client.AwaitReady(context.Background(), session))
	assert.Equal(t, StateCreated, session.State)
}

// readySession builds a Ready session against the given speak handlers.
func readySession(t *testing.T, rec *recorder, speakStatus, legacyStatus int) (*Client, *Session) {
	t.Helper()
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		switch r.URL.Path {
		case "/v1/streaming.new":
			w.Write([]byte(`{"session_id":"s1","offer":{"sdp":"x"}}`))
		case "/v1/streaming.create_token":
			w.Write([]byte(`{"token":"tok-1"}`))
		case "/v1/streaming/session/s1/speak":
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			w.WriteHeader(speakStatus)
		case "/v1/streaming.input":
			assert.Equal(t, "test-shared-key", r.Header.Get("X-Api-Key"))
			w.WriteHeader(legacyStatus)
		case "/v1/streaming.stop":
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	session, err := client.StartSession(context.Background(), "A1", "V1")
	require.NoError(t, err)
	require.Equal(t, StateReady, session.State)
	return client, session
}

func TestSpeak_BearerRouteFirst(t *testing.T) {
	rec := &recorder{}
	client, session := readySession(t, rec, http.StatusOK, http.StatusOK)

	require.NoError(t, client.Speak(context.Background(), session, "hello"))

	calls := rec.Calls()
	// handshake (2 calls) + exactly one speak call on the bearer route.
	require.Len(t, calls, 3)
	assert.Equal(t, "POST /v1/streaming/session/s1/speak", calls[2])
}

func TestSpeak_FallsBackToLegacyRoute(t *testing.T) {
	rec := &recorder{}
	client, session := readySession(t, rec, http.StatusNotFound, http.StatusOK)

	require.NoError(t, client.Speak(context.Background(), session, "hello"))

	calls := rec.Calls()
	require.Len(t, calls, 4)
	// Bearer first, then legacy.
	assert.Equal(t, "POST /v1/streaming/session/s1/speak", calls[2])
	assert.Equal(t, "POST /v1/streaming.input", calls[3])
}

func TestSpeak_BothRoutesFailing(t *testing.T) {
	rec := &recorder{}
	client, session := readySession(t, rec, http.StatusNotFound, http.StatusForbidden)

	err := client.Speak(context.Background(), session, "hello")

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.StatusForbidden, transportErr.Status)

	// Non-fatal: the session stays Ready.
	assert.Equal(t, StateReady, session.State)
	assert.Len(t, rec.Calls(), 4)
}

func TestSpeak_LegacyFirstWhenConfigured(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		switch r.URL.Path {
		case "/v1/streaming.new":
			w.Write([]byte(`{"session_id":"s1","offer":{"sdp":"x"}}`))
		case "/v1/streaming.create_token":
			w.Write([]byte(`{"token":"tok-1"}`))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	cfg := DefaultClientConfig()
	cfg.APIKey = "k"
	cfg.BaseURL = server.URL
	cfg.SettleDelay = time.Millisecond
	cfg.PreferLegacySpeak = true
	client := NewClient(cfg, nil, zerolog.Nop())

	session, err := client.StartSession(context.Background(), "A1", "")
	require.NoError(t, err)
	require.NoError(t, client.Speak(context.Background(), session, "hi"))

	calls := rec.Calls()
	assert.Equal(t, "POST /v1/streaming.input", calls[len(calls)-1])
}

func TestSpeak_RequiresReadySession(t *testing.T) {
	client := NewClient(DefaultClientConfig(), nil, zerolog.Nop())
	err := client.Speak(context.Background(), &Session{ID: "s1", State: StateCreated}, "hi")
	assert.Error(t, err)
}

func TestStopSession_SwallowsRemoteFailure(t *testing.T) {
	rec := &recorder{}
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		switch r.URL.Path {
		case "/v1/streaming.new":
			w.Write([]byte(`{"session_id":"s1","offer":{"sdp":"x"}}`))
		case "/v1/streaming.create_token":
			w.Write([]byte(`{"token":"tok-1"}`))
		case "/v1/streaming.stop":
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))

	session, err := client.StartSession(context.Background(), "A1", "")
	require.NoError(t, err)

	// Stop never propagates remote failures.
	client.StopSession(context.Background(), session)
	assert.Equal(t, StateStopped, session.State)
	assert.Nil(t, client.Current())
}

func TestOpenSession_SupersedesReadySession(t *testing.T) {
	rec := &recorder{}
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		switch r.URL.Path {
		case "/v1/streaming.new":
			w.Write([]byte(`{"session_id":"s1","offer":{"sdp":"x"}}`))
		case "/v1/streaming.create_token":
			w.Write([]byte(`{"token":"tok-1"}`))
		case "/v1/streaming.stop":
			w.WriteHeader(http.StatusOK)
		}
	}))

	first, err := client.StartSession(context.Background(), "A1", "")
	require.NoError(t, err)
	require.Equal(t, StateReady, first.State)

	second, err := client.OpenSession(context.Background(), "A1", "")
	require.NoError(t, err)

	assert.Equal(t, StateStopped, first.State, "prior session stopped before reopen")
	assert.Equal(t, StateCreated, second.State)

	var stops int
	for _, call := range rec.Calls() {
		if call == "POST /v1/streaming.stop" {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
}

func TestStartSession_FullScenario(t *testing.T) {
	// Response exposes offer.sdp and ice_servers2; dispatch returns 200
	// on the bearer route.
	rec := &recorder{}
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		switch r.URL.Path {
		case "/v1/streaming.new":
			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "A1", req["avatar_id"])
			assert.Equal(t, "V1", req["voice_id"])
			w.Write([]byte(`{"session_id":"s-a1","offer":{"sdp":"the-descriptor"},"ice_servers2":[{"urls":["turn:relay"]}]}`))
		case "/v1/streaming.create_token":
			w.Write([]byte(`{"access_token":"tok-a1"}`))
		case "/v1/streaming/session/s-a1/speak":
			w.WriteHeader(http.StatusOK)
		}
	}))

	session, err := client.StartSession(context.Background(), "A1", "V1")
	require.NoError(t, err)
	assert.Equal(t, StateReady, session.State)
	assert.Equal(t, "tok-a1", session.Token)

	require.NoError(t, client.Speak(context.Background(), session, "hello"))

	calls := rec.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "POST /v1/streaming/session/s-a1/speak", calls[2])
}

func TestListAvatars(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/streaming/avatar.list", r.URL.Path)
		assert.Equal(t, "test-shared-key", r.Header.Get("X-Api-Key"))
		w.Write([]byte(`{"data":{"avatars":[{"avatar_id":"A1","status":"active","is_public":true},{"avatar_id":"A2"}]}}`))
	}))

	avatars, err := client.ListAvatars(context.Background())
	require.NoError(t, err)
	require.Len(t, avatars, 2)
	assert.Equal(t, "A1", avatars[0].AvatarID)
	assert.True(t, avatars[0].IsPublic)
}

func TestListAvatars_BareArrayShape(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"avatar_id":"A1","status":"active"}]}`))
	}))

	avatars, err := client.ListAvatars(context.Background())
	require.NoError(t, err)
	require.Len(t, avatars, 1)
	assert.Equal(t, "A1", avatars[0].AvatarID)
}

func TestViewerParamsPassthrough(t *testing.T) {
	s := &Session{
		ID:         "s1",
		Token:      "tok",
		SDP:        "v=0\r\n\r\nexact whitespace \n",
		ICEServers: []json.RawMessage{json.RawMessage(`{"urls":["stun:a"]}`)},
	}

	params := ViewerParamsFor(s)
	assert.Equal(t, s.SDP, params.SDP)
	assert.Equal(t, "s1", params.SessionID)
	assert.Equal(t, "tok", params.Token)
	assert.Equal(t, s.ICEServers, params.ICEServers)
}

func TestOpenSession_TransportErrorOnServerFailure(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.OpenSession(context.Background(), "A1", "")
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.StatusUnauthorized, transportErr.Status)

	var protoErr *ProtocolError
	assert.False(t, errors.As(err, &protoErr))
}
