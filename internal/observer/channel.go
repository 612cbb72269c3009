package observer

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

var (
	ErrNilSubscriber = errors.New("subscriber is nil")
)

// NotifyError reports a subscriber that failed during a broadcast.
type NotifyError struct {
	Channel string
	Index   int
	Err     error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("channel %q: subscriber %d: %v", e.Channel, e.Index, e.Err)
}

func (e *NotifyError) Unwrap() error {
	return e.Err
}

// Metrics receives broadcast outcomes. Implementations must be safe for
// concurrent use since channels may share one.
type Metrics interface {
	BroadcastCompleted(channel string, notified int)
	NotifyFailed(channel string)
}

type noopMetrics struct{}

func (noopMetrics) BroadcastCompleted(string, int) {}
func (noopMetrics) NotifyFailed(string) {}

type Option func(*Channel)

// WithFollowers seeds the channel with a copy of subs, in order.
func WithFollowers(subs ...Subscriber) Option {
	return func(c *Channel) {
		for _, s := range subs {
			if s != nil {
				c.subscribers = append(c.subscribers, s)
			}
		}
	}
}

// WithIsolation makes Broadcast call every subscriber even when some fail.
// The failures are returned together as a *multierror.Error.
func WithIsolation() Option {
	return func(c *Channel) {
		c.isolate = true
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) {
		c.log = logger
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Channel) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Channel is a named publisher. Subscribers are notified synchronously, in the
// order they were registered, once per registration.
type Channel struct {
	name    string
	isolate bool
	log     zerolog.Logger
	metrics Metrics

	mu          sync.RWMutex
	subscribers []Subscriber
}

func NewChannel(name string, opts ...Option) *Channel {
	c := &Channel{
		name:        name,
		log:         zerolog.Nop(),
		metrics:     noopMetrics{},
		subscribers: make([]Subscriber, 0),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("component", "channel").Str("channel", name).Logger()
	return c
}

func (c *Channel) Name() string {
	return c.name
}

// Register appends sub. The same subscriber may be registered more than once.
func (c *Channel) Register(sub Subscriber) error {
	if sub == nil {
		return ErrNilSubscriber
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, sub)
	return nil
}

// Unregister removes the first registration of sub and reports whether one was
// found. Subscribers of uncomparable types (such as SubscriberFunc) cannot be
// matched and are never removed.
func (c *Channel) Unregister(sub Subscriber) bool {
	if sub == nil || !reflect.TypeOf(sub).Comparable() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subscribers {
		if s == sub {
			c.subscribers = append(c.subscribers[:i:i], c.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Channel) Subscribers() []Subscriber {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Subscriber(nil), c.subscribers...)
}

func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers)
}

// Broadcast calls Notify(c.Name(), payload) on every subscriber registered when
// the call starts. Without isolation the first failure stops the broadcast and
// is returned as a *NotifyError.
func (c *Channel) Broadcast(payload string) error {
	subs := c.Subscribers()
	if len(subs) == 0 {
		c.log.Debug().Msg("broadcast with no subscribers")
		c.metrics.BroadcastCompleted(c.name, 0)
		return nil
	}

	var errs *multierror.Error
	notified := 0
	for i, sub := range subs {
		err := sub.Notify(c.name, payload)
		if err == nil {
			notified++
			continue
		}
		c.metrics.NotifyFailed(c.name)
		nerr := &NotifyError{Channel: c.name, Index: i, Err: err}
		c.log.Warn().Err(err).Int("subscriber", i).Msg("subscriber notify failed")
		if !c.isolate {
			c.metrics.BroadcastCompleted(c.name, notified)
			return nerr
		}
		errs = multierror.Append(errs, nerr)
	}

	c.metrics.BroadcastCompleted(c.name, notified)
	c.log.Debug().Int("subscribers", len(subs)).Int("notified", notified).Msg("broadcast complete")
	return errs.ErrorOrNil()
}
