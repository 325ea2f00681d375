package heygen

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/avatarecho/internal/bus"
)

func realtimeServer(t *testing.T, events []string) (*httptest.Server, *string) {
	t.Helper()

	var authHeader string
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for _, e := range events {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(e)); err != nil {
				return
			}
		}
		// Hold the connection open until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return server, &authHeader
}

func TestRealtimeMonitor_ForwardsEvents(t *testing.T) {
	server, authHeader := realtimeServer(t, []string{
		`{"type":"avatar.speaking","payload":{"duration_ms":800}}`,
		`{"type":"avatar.idle"}`,
	})
	defer server.Close()

	var mu sync.Mutex
	var seen []string
	secondEvent := make(chan struct{})

	monitor := NewRealtimeMonitor(bus.NewEventBus(), zerolog.Nop())
	session := &Session{
		ID:               "sess-1",
		Token:            "tok-1",
		RealtimeEndpoint: "ws" + strings.TrimPrefix(server.URL, "http"),
		State:            StateReady,
	}

	err := monitor.Watch(context.Background(), session, func(e RealtimeEvent) {
		mu.Lock()
		seen = append(seen, e.Type)
		if len(seen) == 2 {
			close(secondEvent)
		}
		mu.Unlock()
	})
	require.NoError(t, err)
	defer monitor.Close()

	select {
	case <-secondEvent:
	case <-time.After(2 * time.Second):
		t.Fatal("events not forwarded")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"avatar.speaking", "avatar.idle"}, seen)
	assert.Equal(t, "Bearer tok-1", *authHeader)
}

func TestRealtimeMonitor_NoEndpointIsNoop(t *testing.T) {
	monitor := NewRealtimeMonitor(nil, zerolog.Nop())
	session := &Session{ID: "sess-1", State: StateReady}

	assert.NoError(t, monitor.Watch(context.Background(), session, nil))
	monitor.Close()
}

func TestRealtimeMonitor_DialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not a websocket endpoint", http.StatusForbidden)
	}))
	defer server.Close()

	monitor := NewRealtimeMonitor(nil, zerolog.Nop())
	session := &Session{
		ID:               "sess-1",
		Token:            "tok-1",
		RealtimeEndpoint: "ws" + strings.TrimPrefix(server.URL, "http"),
	}

	err := monitor.Watch(context.Background(), session, nil)
	require.Error(t, err)

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.StatusForbidden, transportErr.Status)
}

func TestRealtimeMonitor_CloseIdempotent(t *testing.T) {
	monitor := NewRealtimeMonitor(nil, zerolog.Nop())
	monitor.Close()
	monitor.Close()
}
