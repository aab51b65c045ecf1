package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	sub1, cancel1 := b.Subscribe(4)
	sub2, cancel2 := b.Subscribe(4)
	defer cancel1()
	defer cancel2()

	b.Publish(BusEvent{Kind: BusThought, Unit: "will", Text: "hmm"})

	ev1 := <-sub1
	ev2 := <-sub2
	assert.Equal(t, "hmm", ev1.Text)
	assert.Equal(t, ev1.Text, ev2.Text)
	assert.False(t, ev1.Timestamp.IsZero())
}

func TestBrokerDropsWhenSubscriberFull(t *testing.T) {
	b := NewBroker()
	sub, cancel := b.Subscribe(1)
	defer cancel()

	b.Publish(BusEvent{Kind: BusThought, Text: "first"})
	b.Publish(BusEvent{Kind: BusThought, Text: "second"}) // dropped, buffer full

	ev := <-sub
	assert.Equal(t, "first", ev.Text)
	select {
	case extra := <-sub:
		t.Fatalf("expected second event to be dropped, got %q", extra.Text)
	default:
	}
}

func TestBrokerCancelClosesChannel(t *testing.T) {
	b := NewBroker()
	sub, cancel := b.Subscribe(1)
	cancel()
	_, open := <-sub
	require.False(t, open)

	// Publishing after cancel must not panic.
	b.Publish(BusEvent{Kind: BusLifecycle, Unit: "quick", Text: "started"})
}

func TestHealthTracker(t *testing.T) {
	h := NewHealthTracker(3)
	assert.False(t, h.Degraded())

	h.Failure()
	h.Failure()
	assert.False(t, h.Degraded())
	h.Failure()
	assert.True(t, h.Degraded())
	assert.Equal(t, 3, h.Failures())

	h.Success()
	assert.False(t, h.Degraded())
	assert.Equal(t, 0, h.Failures())

	// Zero threshold never degrades.
	h0 := NewHealthTracker(0)
	h0.Failure()
	assert.False(t, h0.Degraded())
}
