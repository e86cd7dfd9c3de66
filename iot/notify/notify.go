/*Package notify publishes twin-change events for downstream consumers.

Events are emitted after an inbound report has been folded into a twin.
Delivery is fire-and-forget: a failed emit is logged and never blocks or
fails the report processing itself.
*/
package notify

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/genemingxingma/iot-control-center/core/logger"
)

// Event describes one applied twin change.
type Event struct {
	DeviceID    uuid.UUID `json:"device_id"`
	Serial      string    `json:"serial"`
	MessageType string    `json:"message_type"`
	RelayState  string    `json:"relay_state"`
	At          time.Time `json:"at"`
}

// Notifier receives twin-change events.
type Notifier interface {
	TwinChanged(ctx context.Context, event Event)
}

// KafkaNotifier writes events to a Kafka topic, keyed by serial so one
// device's events stay ordered within a partition.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier returns a notifier writing to the given brokers and topic.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
	}
}

// TwinChanged implements Notifier.
func (n *KafkaNotifier) TwinChanged(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot marshal twin event")
		return
	}
	go func() {
		err := n.writer.WriteMessages(context.Background(), kafka.Message{
			Key:   []byte(event.Serial),
			Value: data,
		})
		if err != nil {
			logger.Default().WithError(err).Warnf("twin event for %s not delivered", event.Serial)
		}
	}()
}

// Close flushes and closes the underlying writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// LogNotifier logs events instead of publishing them. Used when no broker
// is configured, and in tests.
type LogNotifier struct{}

// TwinChanged implements Notifier.
func (LogNotifier) TwinChanged(ctx context.Context, event Event) {
	logger.FromContext(ctx).WithField("serial", event.Serial).
		Debugf("twin changed: %s -> %s", event.MessageType, event.RelayState)
}
