// Package events fans committed journal entries out to subscribers (the
// websocket stream). Delivery is best-effort: a subscriber that cannot keep
// up is dropped rather than allowed to block the ledger path.
package events

import (
	"sync"

	"dpswallet/internal/ledger"
)

const subscriberBuffer = 64

type Hub struct {
	mu   sync.Mutex
	subs map[chan ledger.JournalEntry]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan ledger.JournalEntry]struct{})}
}

// Publish never blocks. Full subscribers are closed and removed.
func (h *Hub) Publish(e ledger.JournalEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// Subscribe returns a receive channel and a cancel func. The channel is
// closed on cancel or when the subscriber falls behind.
func (h *Hub) Subscribe() (<-chan ledger.JournalEntry, func()) {
	ch := make(chan ledger.JournalEntry, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
	return ch, cancel
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
