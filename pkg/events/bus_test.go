package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-host/pkg/logging"
	"github.com/core-tools/hsu-host/pkg/supervisor"
)

var _ supervisor.Notifier = (*Bus)(nil)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(4, logging.NewNopLogger())
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Notify(supervisor.EventConnected, supervisor.ConnectedPayload{Name: "fs", Version: "1.0"})

	for _, ch := range []<-chan Event{a, b} {
		ev := receive(t, ch)
		assert.Equal(t, supervisor.EventConnected, ev.Type)
		assert.Equal(t, supervisor.ConnectedPayload{Name: "fs", Version: "1.0"}, ev.Payload)
		assert.False(t, ev.Time.IsZero())
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(1, logging.NewNopLogger())
	slow := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: "tick"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, slow, 1)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(0, logging.NewNopLogger())
	ch := bus.Subscribe()
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-ch
	assert.False(t, ok)

	bus.Unsubscribe(ch)
	bus.Publish(Event{Type: "ignored"})
}

func TestBus_Close(t *testing.T) {
	bus := NewBus(2, logging.NewNopLogger())
	ch := bus.Subscribe()

	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late := bus.Subscribe()
	_, ok = <-late
	assert.False(t, ok)

	assert.NotPanics(t, func() { bus.Publish(Event{Type: "after-close"}) })
}
