package eventbus

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClientQueueDepth bounds how many undelivered events a single SSE
// subscriber can hold before events start being dropped for it. A slow
// or stalled HTTP client must never be able to apply backpressure to the
// agent loop publishing events.
const ClientQueueDepth = 32

// ClientEvent is one frame destined for a single `/agents/events` subscriber.
type ClientEvent struct {
	Kind    string
	Payload any
}

// clientQueue is one subscriber's bounded mailbox.
type clientQueue struct {
	id       string
	username string
	ch       chan ClientEvent
}

// ClientHub fans process-wide events out to per-user SSE subscribers. Each
// subscriber gets its own bounded channel (ClientQueueDepth) so one slow
// reader can only ever lose its own events, never block another
// subscriber or the publisher. Adapted from InMemoryBus's handler-fanout
// dispatch loop, narrowed to a single consumer shape (one channel per
// registration instead of a shared handler slice) because SSE needs a
// per-connection backpressure boundary that a shared handler list doesn't
// give you.
type ClientHub struct {
	mu      sync.RWMutex
	clients map[string]*clientQueue
	logger  *zap.Logger
}

// NewClientHub creates an empty hub.
func NewClientHub(logger *zap.Logger) *ClientHub {
	return &ClientHub{
		clients: make(map[string]*clientQueue),
		logger:  logger,
	}
}

// Register opens a new bounded mailbox for username, returning its ID, the
// read-only channel to drain, and an unregister func the caller must
// invoke when the connection closes.
func (h *ClientHub) Register(username string) (id string, events <-chan ClientEvent, unregister func()) {
	id = uuid.New().String()
	q := &clientQueue{
		id:       id,
		username: username,
		ch:       make(chan ClientEvent, ClientQueueDepth),
	}

	h.mu.Lock()
	h.clients[id] = q
	h.mu.Unlock()

	return id, q.ch, func() { h.unregister(id) }
}

func (h *ClientHub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if q, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(q.ch)
	}
}

// Publish fans an event out to every subscriber whose username matches.
// An empty username on the event means "visible to everyone" (used for
// process lifecycle events that aren't scoped to one caller).
func (h *ClientHub) Publish(username string, kind string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, q := range h.clients {
		if username != "" && q.username != username {
			continue
		}
		select {
		case q.ch <- ClientEvent{Kind: kind, Payload: payload}:
		default:
			h.logger.Warn("SSE client queue full, dropping event",
				zap.String("client_id", q.id),
				zap.String("username", q.username),
				zap.String("kind", kind),
			)
		}
	}
}

// SubscriberCount reports how many clients are currently registered,
// mainly for diagnostics.
func (h *ClientHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
