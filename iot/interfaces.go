package iot

// MessagePublisher is an interface to publish a message on the device
// transport. The result reports whether the transport accepted the message.
type MessagePublisher interface {
	Publish(topic string, payload []byte) bool
}
