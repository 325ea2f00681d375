package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	eventBus := NewEventBus()

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{})

	eventBus.Subscribe(EventTypeSessionReady, func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		close(done)
	})

	eventBus.Publish(Event{
		Type: EventTypeSessionReady,
		Data: map[string]any{"session_id": "abc"},
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, EventTypeSessionReady, received[0].Type)
	assert.Equal(t, "abc", received[0].Data["session_id"])
	assert.False(t, received[0].Time.IsZero())
}

func TestPublish_OnlyMatchingHandlers(t *testing.T) {
	eventBus := NewEventBus()

	wrong := make(chan struct{}, 1)
	eventBus.Subscribe(EventTypeSessionFailed, func(Event) {
		wrong <- struct{}{}
	})

	eventBus.Publish(Event{Type: EventTypeSessionReady})

	select {
	case <-wrong:
		t.Fatal("handler received event of a different type")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRecent_BoundedHistory(t *testing.T) {
	eventBus := NewEventBus()

	for i := 0; i < 150; i++ {
		eventBus.Publish(Event{
			Type: EventTypeAudioIngested,
			Data: map[string]any{"seq": i},
		})
	}

	all := eventBus.Recent(0)
	assert.Len(t, all, 100, "history capped at 100 events")
	// Newest last; oldest surviving entry is seq 50.
	assert.Equal(t, 50, all[0].Data["seq"])
	assert.Equal(t, 149, all[len(all)-1].Data["seq"])

	last := eventBus.Recent(5)
	require.Len(t, last, 5)
	assert.Equal(t, 145, last[0].Data["seq"])
}

func TestClear(t *testing.T) {
	eventBus := NewEventBus()
	eventBus.Subscribe(EventTypeTranscript, func(Event) {})
	eventBus.Publish(Event{Type: EventTypeTranscript})

	eventBus.Clear()
	assert.Empty(t, eventBus.Recent(0))
}
