package ws

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// event. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g. protocol.StartLookingMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket events to registered handlers
// by event type. The table is filled once at startup and never rebound per
// connection. Ping is answered internally.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with an event type, replacing any
// handler already registered for it.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses and validates
// the raw bytes, then routes the typed event to its handler. Parse,
// validation and routing failures are reported to the sender only.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Debug().Str("module", "ws").Str("session", conn.ID).Err(err).Msg("dispatch parse error")
		metrics.EventsTotal.WithLabelValues(metricType(msgType, err), "rejected").Inc()
		SendError(conn, protocol.ErrorCode(err), err.Error())
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		send(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Debug().Str("module", "ws").Str("session", conn.ID).Str("type", msgType).Msg("unsupported message type")
		SendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	start := time.Now()
	handler(conn, msg)
	metrics.EventLatency.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
	metrics.EventsTotal.WithLabelValues(msgType, "dispatched").Inc()
}

// metricType keeps label cardinality bounded for unknown types.
func metricType(msgType string, err error) string {
	if msgType == "" || protocol.ErrorCode(err) == protocol.CodeUnsupportedType {
		return "unknown"
	}
	return msgType
}

// SendError sends a structured error event to the connection.
func SendError(conn *Connection, code, message string) {
	send(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func send(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Error().Str("module", "ws").Str("session", conn.ID).Err(err).Msgf("failed to build %s", msgType)
		return
	}
	conn.Send(data)
}
