package types

import "encoding/json"

// ClientMessage is one request frame. Ack, when non-zero, is echoed back on
// the matching ack frame.
type ClientMessage struct {
	Event string          `json:"event"`
	Ack   int64           `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	TypeEvent = "event"
	TypeAck   = "ack"
	TypeError = "error"
)

type ServerMessage struct {
	Type  string `json:"type"` // "event" | "ack" | "error"
	Ack   int64  `json:"ack,omitempty"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func NewEvent(event string, data any) ServerMessage {
	return ServerMessage{Type: TypeEvent, Event: event, Data: data}
}

func NewAck(ack int64, data any) ServerMessage {
	return ServerMessage{Type: TypeAck, Ack: ack, Data: data}
}

func NewError(msg string) ServerMessage {
	return ServerMessage{Type: TypeError, Error: msg}
}
