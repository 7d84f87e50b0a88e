package events_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sandboxd/pkg/events"
)

func TestSubscribeReceivesOnlyMatchingTopic(t *testing.T) {
	bus := events.New()
	ch, unsubscribe := bus.Subscribe("c1", events.KindInstructionProgress)
	defer unsubscribe()

	bus.Publish(events.Event{ContainerID: "c1", Kind: events.KindInstructionCompleted})
	bus.Publish(events.Event{ContainerID: "c2", Kind: events.KindInstructionProgress})
	bus.Publish(events.Event{ContainerID: "c1", Kind: events.KindInstructionProgress, Fields: map[string]any{"percent": 50}})

	select {
	case ev := <-ch:
		require.Equal(t, events.KindInstructionProgress, ev.Kind)
		require.Equal(t, "c1", ev.ContainerID)
		require.Equal(t, 50, ev.Fields["percent"])
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestPublishOrderPreservedPerTopic(t *testing.T) {
	bus := events.New()
	ch, unsubscribe := bus.Subscribe("c1", events.KindInstructionProgress)
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		bus.Publish(events.Event{ContainerID: "c1", Kind: events.KindInstructionProgress, Fields: map[string]any{"i": i}})
	}

	for i := 0; i < 5; i++ {
		ev := <-ch
		require.Equal(t, i, ev.Fields["i"])
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	bus := events.New()
	ch, unsubscribe := bus.Subscribe("c1", events.KindInstructionProgress)
	defer unsubscribe()

	const queueDepth = 1024
	for i := 0; i < queueDepth+10; i++ {
		bus.Publish(events.Event{ContainerID: "c1", Kind: events.KindInstructionProgress, Fields: map[string]any{"i": i}})
	}

	require.GreaterOrEqual(t, bus.Dropped(), uint64(10))

	first := <-ch
	require.Equal(t, 10, first.Fields["i"])
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := events.New()
	ch, unsubscribe := bus.Subscribe("c1", events.KindSessionStarted)
	unsubscribe()

	_, ok := <-ch
	require.False(t, ok)
}
