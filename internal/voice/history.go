// Package voice tracks utterances dispatched to the avatar.
package voice

import (
	"strings"
	"sync"
	"time"
)

// Utterance is one transcript that was routed to the avatar's speak
// operation.
type Utterance struct {
	Text      string    `json:"text"`
	Fallback  bool      `json:"fallback,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryConfig configures the History behavior.
type HistoryConfig struct {
	// MaxUtterances is the maximum number of utterances to retain (default: 20)
	MaxUtterances int
	// DuplicateWindow suppresses re-dispatch of an identical utterance
	// within this window. Zero disables suppression.
	DuplicateWindow time.Duration
	// InactivityTimeout is the duration after which history expires (default: 5 minutes)
	InactivityTimeout time.Duration
}

// DefaultHistoryConfig returns sensible defaults for utterance tracking.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		MaxUtterances:     20,
		InactivityTimeout: 5 * time.Minute,
	}
}

// History stores recently dispatched utterances. It backs the status
// surface and, when a duplicate window is configured, prevents the
// capture loop from re-speaking text it just heard back.
type History struct {
	mu           sync.RWMutex
	utterances   []Utterance
	lastActivity time.Time
	config       HistoryConfig
}

// NewHistory creates a History with the given config.
func NewHistory(config HistoryConfig) *History {
	if config.MaxUtterances <= 0 {
		config.MaxUtterances = 20
	}
	if config.InactivityTimeout <= 0 {
		config.InactivityTimeout = 5 * time.Minute
	}

	return &History{
		utterances:   make([]Utterance, 0, config.MaxUtterances),
		lastActivity: time.Now(),
		config:       config,
	}
}

// Add records a dispatched utterance, trimming to stay within
// MaxUtterances. Stale history is cleared first.
func (h *History) Add(text string, fallback bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.isExpiredLocked() {
		h.clearLocked()
	}

	h.utterances = append(h.utterances, Utterance{
		Text:      text,
		Fallback:  fallback,
		Timestamp: time.Now(),
	})
	h.lastActivity = time.Now()

	if len(h.utterances) > h.config.MaxUtterances {
		h.utterances = h.utterances[len(h.utterances)-h.config.MaxUtterances:]
	}
}

// IsDuplicate reports whether the same text (case and whitespace
// insensitive) was dispatched within the duplicate window. Always false
// when no window is configured.
func (h *History) IsDuplicate(text string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.config.DuplicateWindow <= 0 || len(h.utterances) == 0 || h.isExpiredLocked() {
		return false
	}

	normalized := normalize(text)
	cutoff := time.Now().Add(-h.config.DuplicateWindow)

	for i := len(h.utterances) - 1; i >= 0; i-- {
		u := h.utterances[i]
		if u.Timestamp.Before(cutoff) {
			return false
		}
		if normalize(u.Text) == normalized {
			return true
		}
	}
	return false
}

// Recent returns up to n most recent utterances, newest last. Nil once
// the history has expired.
func (h *History) Recent(n int) []Utterance {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.isExpiredLocked() || len(h.utterances) == 0 {
		return nil
	}

	start := len(h.utterances) - n
	if n <= 0 || start < 0 {
		start = 0
	}

	out := make([]Utterance, len(h.utterances)-start)
	copy(out, h.utterances[start:])
	return out
}

// Count returns the number of stored utterances.
func (h *History) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.utterances)
}

// Clear removes all history.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clearLocked()
}

func (h *History) clearLocked() {
	h.utterances = make([]Utterance, 0, h.config.MaxUtterances)
}

// IsExpired checks if the history has expired due to inactivity.
func (h *History) IsExpired() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.isExpiredLocked()
}

func (h *History) isExpiredLocked() bool {
	if len(h.utterances) == 0 {
		return false
	}
	return time.Since(h.lastActivity) > h.config.InactivityTimeout
}

// LastActivity returns the timestamp of the most recent dispatch.
func (h *History) LastActivity() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastActivity
}

// Config returns the current configuration.
func (h *History) Config() HistoryConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

func normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}
