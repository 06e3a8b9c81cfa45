package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/whisper/rendezvous/internal/background"
)

// Bus carries encoded events to the archiver.
type Bus interface {
	PublishArchive(kind string, data []byte) error
}

// Publisher is a Sink that hands events to a background pool, which
// publishes them on a Bus. Events of one room keep their order.
type Publisher struct {
	pool *background.Pool
	bus  Bus
}

// NewPublisher creates a Publisher.
func NewPublisher(pool *background.Pool, bus Bus) *Publisher {
	return &Publisher{pool: pool, bus: bus}
}

// Emit queues e for publishing. It never blocks; when the pool is saturated
// the event is dropped and counted by the pool.
func (p *Publisher) Emit(e Event) {
	p.pool.Submit(background.Job{
		Name: "archive." + string(e.Kind),
		Key:  e.RoomID,
		Run: func(context.Context) error {
			data, err := Encode(e)
			if err != nil {
				return err
			}
			return p.bus.PublishArchive(string(e.Kind), data)
		},
	})
}

// Encode serializes an event for the bus.
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("archive: encode %s: %w", e.Kind, err)
	}
	return data, nil
}

// Decode parses an event read from the bus.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("archive: decode: %w", err)
	}
	if e.Kind == "" || e.RoomID == "" {
		return Event{}, fmt.Errorf("archive: decode: missing kind or room id")
	}
	return e, nil
}
