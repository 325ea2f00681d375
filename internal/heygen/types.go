// Package heygen provides the session-lifecycle client for the HeyGen
// streaming-avatar API.
package heygen

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionState tracks where a session is in its lifecycle.
type SessionState string

const (
	StateUninitialized SessionState = "uninitialized"
	StateCreated       SessionState = "created"
	StateTokenIssued   SessionState = "token_issued"
	StateReady         SessionState = "ready"
	StateStopped       SessionState = "stopped"
	StateFailed        SessionState = "failed"
)

// Session represents one live connection to the streaming-avatar service.
// The SDP descriptor and ICE entries are opaque to this package; they are
// passed through to the external viewer byte for byte.
type Session struct {
	ID               string            `json:"session_id"`
	Token            string            `json:"token,omitempty"`
	SDP              string            `json:"sdp"`
	ICEServers       []json.RawMessage `json:"ice_servers"`
	RealtimeEndpoint string            `json:"realtime_endpoint,omitempty"`
	State            SessionState      `json:"state"`
	AvatarID         string            `json:"avatar_id"`
	VoiceID          string            `json:"voice_id,omitempty"`
	ContextID        string            `json:"context_id"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Ready reports whether the session can accept speak commands.
func (s *Session) Ready() bool {
	return s != nil && s.State == StateReady
}

// ViewerParams is the hand-off contract for the external video viewer.
// The descriptor is never interpreted or reformatted here.
type ViewerParams struct {
	Token      string            `json:"token"`
	SessionID  string            `json:"session_id"`
	SDP        string            `json:"sdp"`
	ICEServers []json.RawMessage `json:"ice_servers"`
}

// Avatar is one selectable avatar identity from the listing endpoint.
type Avatar struct {
	AvatarID string `json:"avatar_id"`
	Status   string `json:"status,omitempty"`
	IsPublic bool   `json:"is_public,omitempty"`
}

// ProtocolError means the remote response was missing a required field
// after all known alternate key names were tried. It is surfaced
// immediately and never retried.
type ProtocolError struct {
	Op      string // which call produced the response
	Missing string // which field could not be found
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("heygen %s: response missing %s", e.Op, e.Missing)
}

// TransportError means a network failure or non-2xx status exhausted the
// attempts for a single call. Dispatch failures carry this without
// invalidating the session.
type TransportError struct {
	Op     string
	Status int // last HTTP status, 0 if the request never completed
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("heygen %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("heygen %s: status %d", e.Op, e.Status)
}

func (e *TransportError) Unwrap() error { return e.Err }
