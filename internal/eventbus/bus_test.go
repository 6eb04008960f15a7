package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByPrefix(t *testing.T) {
	t.Parallel()
	bus := New()
	all, unsubAll := bus.Subscribe(4)
	defer unsubAll()
	stops, unsubStops := bus.Subscribe(4, "worker.stopped")
	defer unsubStops()

	bus.Publish(Event{Type: "worker.started"})
	bus.Publish(Event{Type: "worker.stopped", Data: 7})

	require.Len(t, all, 2)
	require.Len(t, stops, 1)
	ev := <-stops
	require.Equal(t, "worker.stopped", ev.Type)
	require.Equal(t, 7, ev.Data)
	require.False(t, ev.Time.IsZero())
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	t.Parallel()
	bus := New()
	_, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: "a"})
	bus.Publish(Event{Type: "b"})
	require.Equal(t, uint64(1), bus.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	bus := New()
	ch, unsub := bus.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)
	require.NotPanics(t, func() { bus.Publish(Event{Type: "x"}) })
}
