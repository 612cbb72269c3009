package notifiers

import (
	"github.com/rs/zerolog"

	"channelcast/internal/observer"
)

// Log writes every notification it receives to a logger.
type Log struct {
	name string
	log  zerolog.Logger
}

var _ observer.Subscriber = (*Log)(nil)

func NewLog(name string, logger zerolog.Logger) *Log {
	return &Log{
		name: name,
		log:  logger.With().Str("component", "log_notifier").Str("subscriber", name).Logger(),
	}
}

func (l *Log) Name() string {
	return l.name
}

func (l *Log) Notify(source, payload string) error {
	l.log.Info().Str("channel", source).Str("message", payload).Msg("new message")
	return nil
}
