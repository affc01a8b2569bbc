package boardsync

import (
	"log/slog"
	"sync"
)

// BroadcastHandler receives one ephemeral event payload. Handlers run on
// the store's delivery goroutine and should return quickly.
type BroadcastHandler func(payload []byte)

// broadcaster is the generic named-event pub/sub scoped to one board. Pure
// fan-out: no persistence, no ordering guarantee beyond the channel's
// message order, no delivery to disconnected participants. Cursor traffic
// rides on this substrate under a reserved event name.
type broadcaster struct {
	send   func(event string, payload []byte) error
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]BroadcastHandler
}

func newBroadcaster(send func(event string, payload []byte) error, logger *slog.Logger) *broadcaster {
	return &broadcaster{
		send:     send,
		logger:   logger,
		handlers: make(map[string][]BroadcastHandler),
	}
}

// on registers a handler for a named event.
func (b *broadcaster) on(event string, h BroadcastHandler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers[event] = append(b.handlers[event], h)
	b.mu.Unlock()
}

// emit sends an event to the board's subscribers, fire-and-forget.
func (b *broadcaster) emit(event string, payload []byte) error {
	return b.send(event, payload)
}

// dispatch delivers an inbound event to the registered handlers. Events
// nobody listens for are dropped.
func (b *broadcaster) dispatch(event string, payload []byte) {
	b.mu.RLock()
	hs := b.handlers[event]
	b.mu.RUnlock()
	if len(hs) == 0 {
		b.logger.Debug("Dropping broadcast with no handlers", "event", event)
		return
	}
	for _, h := range hs {
		h(payload)
	}
}

// clear unregisters all handlers, for teardown.
func (b *broadcaster) clear() {
	b.mu.Lock()
	b.handlers = make(map[string][]BroadcastHandler)
	b.mu.Unlock()
}
