// internal/message/message.go
// Data structures for frames relayed between clients and the consumer.
package message

import (
	"encoding/json"
	"time"
)

// Direction tags which way a message travels through the hub.
type Direction string

const (
	Inbound  Direction = "inbound"  // from a client to the consumer
	Outbound Direction = "outbound" // from the consumer to every client
)

const envelopeVersion = "1.0"

// Message is one relayed text frame. Payload is never inspected.
type Message struct {
	Direction Direction
	SessionID string // empty for outbound messages
	Payload   string
	Time      time.Time
}

func NewInbound(sessionID, payload string) Message {
	return Message{Direction: Inbound, SessionID: sessionID, Payload: payload, Time: time.Now()}
}

func NewOutbound(payload string) Message {
	return Message{Direction: Outbound, Payload: payload, Time: time.Now()}
}

// Envelope is the bus representation of an inbound message.
type Envelope struct {
	Version   string    `json:"version"`
	Type      Direction `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Data      string    `json:"data"`
	Timestamp int64     `json:"timestamp"`
}

// Envelope wraps m for publishing on a message bus.
func (m Message) Envelope() Envelope {
	return Envelope{
		Version:   envelopeVersion,
		Type:      m.Direction,
		SessionID: m.SessionID,
		Data:      m.Payload,
		Timestamp: m.Time.Unix(),
	}
}

func (m Message) MarshalEnvelope() ([]byte, error) {
	return json.Marshal(m.Envelope())
}
