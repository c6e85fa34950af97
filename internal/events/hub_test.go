package events_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dpswallet/internal/events"
	"dpswallet/internal/ledger"
)

func TestPublishSubscribe(t *testing.T) {
	hub := events.NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()
	require.Equal(t, 1, hub.Subscribers())

	hub.Publish(ledger.JournalEntry{ID: 1, Kind: ledger.KindTransfer, Amount: 10})
	got := <-ch
	require.Equal(t, int64(1), got.ID)
	require.Equal(t, ledger.KindTransfer, got.Kind)
}

func TestCancelClosesChannel(t *testing.T) {
	hub := events.NewHub()
	ch, cancel := hub.Subscribe()
	cancel()
	require.Equal(t, 0, hub.Subscribers())

	_, open := <-ch
	require.False(t, open)

	// Double cancel is harmless.
	cancel()
}

func TestSlowSubscriberDropped(t *testing.T) {
	hub := events.NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	// Overfill the buffer without reading; the hub must not block.
	for i := 0; i < 100; i++ {
		hub.Publish(ledger.JournalEntry{ID: int64(i)})
	}
	require.Equal(t, 0, hub.Subscribers())

	// Buffered entries drain, then the channel is closed.
	n := 0
	for range ch {
		n++
	}
	require.Equal(t, 64, n)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	hub := events.NewHub()
	hub.Publish(ledger.JournalEntry{ID: 1})
	require.Equal(t, 0, hub.Subscribers())
}
