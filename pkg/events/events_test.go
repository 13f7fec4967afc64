package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{Type: EventDomainCreated, Message: "domain example.com created"})

	select {
	case ev := <-sub:
		assert.Equal(t, EventDomainCreated, ev.Type)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())
	_, open := <-sub
	assert.False(t, open)
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	// not started: the queue fills and further events are dropped

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(&Event{Type: EventCheckTransition})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}

	b.Stop()
	b.Stop()
	b.Publish(&Event{Type: EventCheckTransition})
}

func TestSlowSubscriberDoesNotStallOthers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe()
	fast := b.Subscribe()
	_ = slow

	for i := 0; i < 60; i++ {
		b.Publish(&Event{Type: EventSweepStarted})
		// drain fast so it keeps up
		select {
		case <-fast:
		case <-time.After(time.Second):
			require.FailNow(t, "fast subscriber starved")
		}
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sweeps := b.Subscribe(EventSweepStarted, EventSweepCompleted)
	all := b.Subscribe()

	b.Publish(&Event{Type: EventDomainCreated})
	b.Publish(&Event{Type: EventSweepCompleted})

	select {
	case ev := <-sweeps:
		assert.Equal(t, EventSweepCompleted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("sweep event not delivered")
	}

	for _, want := range []EventType{EventDomainCreated, EventSweepCompleted} {
		select {
		case ev := <-all:
			assert.Equal(t, want, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("%s not delivered", want)
		}
	}

	select {
	case ev := <-sweeps:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
