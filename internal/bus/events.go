package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Event represents a progress or lifecycle event for internal pub/sub.
type Event struct {
	Seq       int64          `json:"seq"`                  // assigned by Emit, increasing
	Type      string         `json:"type"`                 // e.g. "turn.appended", "tool.before_execute"
	Source    string         `json:"source"`               // originating component
	SessionID string         `json:"session_id,omitempty"` // empty for process-wide events
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides a topic-based publish/subscribe event system.
// It supports wildcard subscriptions and per-session history replay, so an
// SSE client that reconnects can catch up on what it missed.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
	seq        int64
	nextID     atomic.Int64
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 1000,
	}
}

// On registers a handler for the given event type.
// Use "*" to listen to all events. Returns the handler ID for unsubscription.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	id := eventType + "-" + strconv.FormatInt(eb.nextID.Add(1), 10)
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all registered handlers.
// Handlers are called synchronously in order.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.seq++
	event.Seq = eb.seq
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)

	handlers := make([]namedHandler, 0)
	if h, ok := eb.handlers[event.Type]; ok {
		handlers = append(handlers, h...)
	}
	if h, ok := eb.handlers["*"]; ok {
		handlers = append(handlers, h...)
	}
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// SubscribeSession streams every event of one session into a buffered
// channel. Events are dropped when the subscriber falls behind. The returned
// cancel func unsubscribes; the channel is never closed.
func (eb *EventBus) SubscribeSession(sessionID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	id := eb.On("*", func(e Event) {
		if e.SessionID != sessionID {
			return
		}
		select {
		case ch <- e:
		default:
			eb.logger.Debug("dropping event for slow subscriber", "session", sessionID, "event", e.Type)
		}
	})
	var once sync.Once
	return ch, func() { once.Do(func() { eb.Off("*", id) }) }
}

// ReplaySession returns the retained events of one session with a sequence
// number greater than after, oldest first.
func (eb *EventBus) ReplaySession(sessionID string, after int64) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Seq > after && e.SessionID == sessionID {
			result = append(result, e)
		}
	}
	return result
}

// --- Well-known event types ---
const (
	EventSessionCreated    = "session.created"
	EventSessionExpired    = "session.expired"
	EventTurnAppended      = "turn.appended"
	EventToolBeforeExecute = "tool.before_execute"
	EventToolAfterExecute  = "tool.after_execute"
	EventOutputBlocked     = "security.output_blocked"
	EventProviderError     = "provider.error"
	EventRequestDone       = "request.done"
)
