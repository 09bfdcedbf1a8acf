package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const subscriberBuffer = 32

// Hub fans daemon events out to SSE subscribers. Publishing never blocks the
// sensor loops: a subscriber that falls behind loses events.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped uint64
	closed  bool

	now func() time.Time
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{}), now: time.Now}
}

// Subscribe returns a channel of events. It is closed by Unsubscribe or Close.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	h.subs[ch] = struct{}{}
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// Publish encodes payload and delivers it to every subscriber. A nil hub
// discards events.
func (h *Hub) Publish(name string, payload any) {
	if h == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		logrus.WithError(err).WithField("event", name).Warn("failed to encode event")
		return
	}
	msg := Event{Name: name, Data: b, Ts: h.now().Unix()}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			h.dropped++
			logrus.WithFields(logrus.Fields{
				"event":   name,
				"dropped": h.dropped,
			}).Debug("slow event subscriber, event dropped")
		}
	}
}

// Close releases all subscribers. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
