package gateway

import (
	"github.com/rs/zerolog"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/events"
)

// Broadcaster fans bus events out to every authenticated websocket
// client. Events keep the sequence numbers the bus assigned, so the
// stream is ordered and gap-detectable end to end.
type Broadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
}

func NewBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{clients: clients, logger: logger}
}

// Publish forwards one event. Clients whose connection fails the write
// are dropped from the registry; their read loop cleans up the rest.
func (b *Broadcaster) Publish(evt events.Event) {
	subscribers := b.clients.Authenticated()
	if len(subscribers) == 0 {
		return
	}

	env := EventEnvelope{Type: MsgEvent, Event: evt}
	delivered := 0
	for _, client := range subscribers {
		if err := client.send(env); err != nil {
			b.logger.Warn().
				Err(err).
				Str("client_id", client.ID).
				Str("event", evt.Type).
				Msg("Dropping unreachable client")
			client.close()
			b.clients.Remove(client.ID)
			continue
		}
		delivered++
	}

	b.logger.Debug().
		Str("event", evt.Type).
		Uint64("seq", evt.Seq).
		Int("delivered", delivered).
		Msg("Event broadcast")
}
