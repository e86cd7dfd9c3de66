/*Package inbox persists and processes inbound device messages.

Every raw message from the transport is stored first and then folded into
its twin right away, still on the callback path. A message whose apply keeps
hitting write conflicts stays new; a periodic batch sweep picks those up.
Either way the engine keeps a durable record of everything a device ever
sent.
*/
package inbox

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the processing state of an inbound message.
type State string

// Message states
const (
	StateNew   State = "new"
	StateDone  State = "done"
	StateError State = "error"
)

// MessageType classifies the message by its topic.
type MessageType string

// Message types
const (
	TypeStatus    MessageType = "status"
	TypeTelemetry MessageType = "telemetry"
	TypeUnknown   MessageType = "unknown"
)

// Message is one raw inbound device message.
type Message struct {
	ID           int64       `json:"id"`
	Topic        string      `json:"topic"`
	Payload      []byte      `json:"payload"`
	State        State       `json:"state"`
	Error        string      `json:"error,omitempty"`
	ReceivedAt   time.Time   `json:"received_at"`
	ProcessedAt  *time.Time  `json:"processed_at,omitempty"`
	DeviceSerial string      `json:"device_serial"`
	MessageType  MessageType `json:"message_type"`
	DeviceID     *uuid.UUID  `json:"device_id,omitempty"`
}

// NewMessage builds an unpersisted message from a raw transport delivery.
// The device serial and message type are derived from the last two topic
// segments; the serial is normalized to lower case.
func NewMessage(topic string, payload []byte, at time.Time) *Message {
	m := &Message{
		Topic:       topic,
		Payload:     payload,
		State:       StateNew,
		ReceivedAt:  at,
		MessageType: TypeUnknown,
	}
	segments := strings.Split(topic, "/")
	if len(segments) >= 2 {
		m.DeviceSerial = strings.ToLower(strings.TrimSpace(segments[len(segments)-2]))
		switch segments[len(segments)-1] {
		case "status":
			m.MessageType = TypeStatus
		case "telemetry":
			m.MessageType = TypeTelemetry
		}
	}
	return m
}

// Store is the persistence boundary for inbound messages.
type Store interface {
	Create(ctx context.Context, m *Message) error
	// OldestNew returns up to limit unprocessed messages, oldest first.
	OldestNew(ctx context.Context, limit int) ([]*Message, error)
	// MarkProcessed persists the message's final state, error text,
	// processing timestamp and resolved device id.
	MarkProcessed(ctx context.Context, m *Message) error
	// MarkDoneBulk marks the given messages done without per-message state.
	// Used for superseded duplicates within a batch.
	MarkDoneBulk(ctx context.Context, ids []int64, at time.Time) error
	// ListRecent returns up to limit messages, newest first.
	ListRecent(ctx context.Context, limit int) ([]*Message, error)
}
