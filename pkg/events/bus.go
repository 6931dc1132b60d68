package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event type names use a dotted subject.verb scheme so gateway clients can
// filter on prefixes.
const (
	TypeSessionStarted   = "session.started"
	TypeSessionFinished  = "session.finished"
	TypePhaseChanged     = "phase.changed"
	TypeToolCall         = "tool.call"
	TypeToolResult       = "tool.result"
	TypeProviderFailover = "provider.failover"
	TypeCriticVerdict    = "critic.verdict"
	TypeHumanRequest     = "human.request"
	TypeHumanReply       = "human.reply"
	TypeCronFired        = "cron.fired"
)

// Event is one observable step of a session. Seq is assigned by the bus and
// is strictly increasing, so subscribers can re-order or de-duplicate.
type Event struct {
	Seq       uint64                 `json:"seq"`
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Phase     string                 `json:"phase,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Time      time.Time              `json:"time"`
}

// Handler receives published events. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(Event)

// Bus is a small in-process fan-out for session events.
type Bus struct {
	mu       sync.Mutex
	seq      uint64
	nextID   int
	handlers map[int]Handler
	logger   zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Publish stamps the event with a sequence number and timestamp, then
// delivers it to every subscriber.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	b.seq++
	evt.Seq = b.seq
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	b.logger.Debug().
		Str("type", evt.Type).
		Str("session_id", evt.SessionID).
		Uint64("seq", evt.Seq).
		Msg("Event published")

	for _, h := range handlers {
		h(evt)
	}
}

// Emit is shorthand for Publish with the common fields filled in.
func (b *Bus) Emit(eventType, sessionID, phase string, payload map[string]interface{}) {
	b.Publish(Event{
		Type:      eventType,
		SessionID: sessionID,
		Phase:     phase,
		Payload:   payload,
	})
}
