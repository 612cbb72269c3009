package httpapi

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"channelcast/internal/observer"
)

const streamBufferSize = 32

type streamEvent struct {
	Channel string    `json:"channel"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// streamSubscriber forwards notifications to one server-sent events
// connection. A slow client loses messages instead of stalling the broadcast.
type streamSubscriber struct {
	out chan []byte
	log zerolog.Logger
}

var _ observer.Subscriber = (*streamSubscriber)(nil)

func newStreamSubscriber(logger zerolog.Logger) *streamSubscriber {
	return &streamSubscriber{
		out: make(chan []byte, streamBufferSize),
		log: logger,
	}
}

func (s *streamSubscriber) Notify(source, payload string) error {
	b, err := json.Marshal(streamEvent{Channel: source, Message: payload, At: time.Now().UTC()})
	if err != nil {
		return err
	}
	select {
	case s.out <- b:
	default:
		s.log.Warn().Str("channel", source).Msg("stream buffer full, dropping message")
	}
	return nil
}
