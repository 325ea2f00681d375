package heygen

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/avatarecho/internal/bus"
)

// RealtimeEvent is one server-side event from the session's realtime
// endpoint. The payload is opaque; only the type is interpreted.
type RealtimeEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RealtimeMonitor watches the realtime endpoint some tenants return with
// the session token. It is optional: sessions work without it, the
// monitor only surfaces server events for observability.
type RealtimeMonitor struct {
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}
	closed bool
}

// NewRealtimeMonitor creates an unconnected monitor
func NewRealtimeMonitor(eventBus *bus.EventBus, logger zerolog.Logger) *RealtimeMonitor {
	return &RealtimeMonitor{
		eventBus: eventBus,
		logger:   logger.With().Str("component", "realtime-monitor").Logger(),
	}
}

// Watch dials the session's realtime endpoint and forwards events to the
// handler until the connection drops or Close is called. No reconnects:
// a dropped monitor does not affect the session itself.
func (m *RealtimeMonitor) Watch(ctx context.Context, s *Session, handler func(RealtimeEvent)) error {
	if s.RealtimeEndpoint == "" {
		return nil
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.Token)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, s.RealtimeEndpoint, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		m.logger.Warn().Err(err).Int("status", status).Msg("Realtime dial failed")
		return &TransportError{Op: "realtime", Status: status, Err: err}
	}

	m.mu.Lock()
	m.conn = conn
	m.done = make(chan struct{})
	m.closed = false
	done := m.done
	m.mu.Unlock()

	m.logger.Info().Str("sessionId", s.ID).Msg("Realtime monitor connected")

	go func() {
		defer close(done)
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				m.mu.Lock()
				closed := m.closed
				m.mu.Unlock()
				if !closed {
					m.logger.Debug().Err(err).Msg("Realtime connection ended")
				}
				return
			}

			var event RealtimeEvent
			if err := json.Unmarshal(data, &event); err != nil {
				m.logger.Warn().Err(err).Msg("Unparseable realtime event")
				continue
			}

			if m.eventBus != nil {
				m.eventBus.Publish(bus.Event{
					Type: bus.EventTypeRealtimeEvent,
					Data: map[string]any{
						"session_id": s.ID,
						"event_type": event.Type,
					},
				})
			}
			if handler != nil {
				handler(event)
			}
		}
	}()

	return nil
}

// Close tears down the monitor connection and waits for the read loop.
func (m *RealtimeMonitor) Close() {
	m.mu.Lock()
	conn := m.conn
	done := m.done
	m.closed = true
	m.conn = nil
	m.mu.Unlock()

	if conn == nil {
		return
	}
	conn.Close()
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
}
