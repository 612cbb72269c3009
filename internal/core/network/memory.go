package network

import (
	"sync"

	"github.com/rs/zerolog"
)

const memoryBufferSize = 64

// MemoryPubSub is a process-local PubSub. Several hubs sharing one instance
// behave like nodes on the same gossip network.
type MemoryPubSub struct {
	log zerolog.Logger

	mu     sync.RWMutex
	closed bool
	nextID int
	topics map[string]map[int]chan Message
}

var _ PubSub = (*MemoryPubSub)(nil)

func NewMemoryPubSub(logger zerolog.Logger) *MemoryPubSub {
	return &MemoryPubSub{
		log:    logger.With().Str("component", "memory_pubsub").Logger(),
		topics: make(map[string]map[int]chan Message),
	}
}

func (m *MemoryPubSub) Publish(topic string, payload []byte) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for id, ch := range m.topics[topic] {
		msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
		select {
		case ch <- msg:
		default:
			m.log.Warn().Str("topic", topic).Int("subscription", id).Msg("subscriber buffer full, dropping message")
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	if topic == "" {
		return nil, nil, ErrEmptyTopic
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrClosed
	}
	subs, ok := m.topics[topic]
	if !ok {
		subs = make(map[int]chan Message)
		m.topics[topic] = subs
	}
	id := m.nextID
	m.nextID++
	ch := make(chan Message, memoryBufferSize)
	subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.removeLocked(topic, id)
		})
	}
	return ch, cancel, nil
}

// Close closes every open subscription. Later calls return ErrClosed.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	for topic, subs := range m.topics {
		for id := range subs {
			m.removeLocked(topic, id)
		}
	}
	return nil
}

func (m *MemoryPubSub) removeLocked(topic string, id int) {
	subs, ok := m.topics[topic]
	if !ok {
		return
	}
	if ch, exists := subs[id]; exists {
		delete(subs, id)
		close(ch)
	}
	if len(subs) == 0 {
		delete(m.topics, topic)
	}
}
