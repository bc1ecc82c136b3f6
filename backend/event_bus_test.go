package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	var received []Event

	bus.Subscribe("listener", func(e Event) {
		received = append(received, e)
	})

	bus.Publish(SyncCompleted{})
	bus.Publish(NewDocuments{})

	require.Len(t, received, 2)
	assert.IsType(t, SyncCompleted{}, received[0])
	assert.IsType(t, NewDocuments{}, received[1])
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus()
	count := 0

	bus.Subscribe("listener", func(e Event) { count++ })
	bus.Publish(SyncCompleted{})
	bus.Unsubscribe("listener")
	bus.Publish(SyncCompleted{})

	assert.Equal(t, 1, count)
}

func TestEventBus_ResubscribeReplaces(t *testing.T) {
	bus := NewEventBus()
	first, second := 0, 0

	bus.Subscribe("listener", func(e Event) { first++ })
	bus.Subscribe("listener", func(e Event) { second++ })
	bus.Publish(SyncCompleted{})

	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestEventBus_UnsubscribeDuringPublish(t *testing.T) {
	bus := NewEventBus()
	count := 0

	bus.Subscribe("self-removing", func(e Event) {
		count++
		bus.Unsubscribe("self-removing")
	})

	bus.Publish(SyncCompleted{})
	bus.Publish(SyncCompleted{})

	assert.Equal(t, 1, count)
}

func TestEventBus_SubscribeDuringPublish(t *testing.T) {
	bus := NewEventBus()
	lateCount := 0

	bus.Subscribe("first", func(e Event) {
		bus.Subscribe("late", func(e Event) { lateCount++ })
	})

	bus.Publish(SyncCompleted{})
	// 配信中の登録はその配信には参加しない
	assert.Equal(t, 0, lateCount)

	bus.Publish(SyncCompleted{})
	assert.Equal(t, 1, lateCount)
}

func TestEventBus_Close(t *testing.T) {
	bus := NewEventBus()
	count := 0

	bus.Subscribe("listener", func(e Event) { count++ })
	bus.Close()
	bus.Publish(SyncCompleted{})

	assert.Equal(t, 0, count)
}
