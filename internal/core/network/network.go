package network

import "errors"

var (
	ErrClosed     = errors.New("pubsub closed")
	ErrEmptyTopic = errors.New("topic is empty")
)

// Message is a payload received on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// PubSub carries opaque payloads between nodes. Subscribe returns a channel of
// incoming messages and a cancel func that closes it.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
	Close() error
}
