// Package stream fans broker events out to live websocket watchers. Slow
// subscribers drop events rather than stall the broker.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

const defaultBuffer = 32

// Event is the websocket envelope for one broker event.
type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	evt := Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano)}
	if data != nil {
		evt.Data, _ = json.Marshal(data)
	}
	return evt
}

// Hub tracks watcher channels. Publish never blocks; a full watcher buffer
// loses that event for that watcher only.
type Hub struct {
	mu       sync.RWMutex
	watchers map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{watchers: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.watchers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes the channel. Safe to call twice.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, registered := h.watchers[ch]
	delete(h.watchers, ch)
	h.mu.Unlock()
	if registered {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.watchers {
		select {
		case ch <- evt:
		default:
			// Watcher buffer full, drop for this watcher.
		}
	}
}
