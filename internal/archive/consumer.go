package archive

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Applier writes events to the durable store.
type Applier interface {
	Apply(ctx context.Context, e Event) error
}

// Consumer decodes events from the bus and applies them, retrying transient
// store failures a few times before giving up on an event.
type Consumer struct {
	store    Applier
	attempts int
	backoff  time.Duration
	timeout  time.Duration
}

// NewConsumer creates a Consumer.
func NewConsumer(store Applier) *Consumer {
	return &Consumer{
		store:    store,
		attempts: 3,
		backoff:  200 * time.Millisecond,
		timeout:  5 * time.Second,
	}
}

// Handle processes one message from the bus. It reports whether the event
// was stored.
func (c *Consumer) Handle(ctx context.Context, data []byte) bool {
	e, err := Decode(data)
	if err != nil {
		log.Warn().Str("module", "archiver").Err(err).Msg("dropping undecodable event")
		return false
	}

	delay := c.backoff
	for attempt := 1; ; attempt++ {
		applyCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err = c.store.Apply(applyCtx, e)
		cancel()
		if err == nil {
			log.Debug().Str("module", "archiver").Str("kind", string(e.Kind)).Str("room", e.RoomID).Msg("stored")
			return true
		}
		if Permanent(err) || attempt >= c.attempts {
			log.Error().Str("module", "archiver").Str("kind", string(e.Kind)).Str("room", e.RoomID).
				Int("attempt", attempt).Err(err).Msg("event not stored")
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay *= 2
	}
}
