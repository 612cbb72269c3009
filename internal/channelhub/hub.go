package channelhub

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"channelcast/internal/core/network"
	"channelcast/internal/observer"
)

var (
	ErrEmptyName       = errors.New("name is empty")
	ErrChannelExists   = errors.New("channel already exists")
	ErrChannelNotFound = errors.New("channel not found")
	ErrUserExists      = errors.New("user already exists")
	ErrUserNotFound    = errors.New("user not found")
	ErrHubClosed       = errors.New("hub closed")
)

const topicPrefix = "channelcast.channel."

// Envelope is the relayed form of a message sent on a channel.
type Envelope struct {
	Origin  string    `json:"origin"`
	Channel string    `json:"channel"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Config struct {
	// PubSub relays sent messages to hubs on other nodes. Nil keeps the hub local.
	PubSub network.PubSub

	Logger  zerolog.Logger
	Isolate bool
	Metrics observer.Metrics

	// Output is where users created without their own writer render notifications.
	Output io.Writer
}

// Hub owns the named channels and users of one node.
type Hub struct {
	cfg    Config
	origin string
	log    zerolog.Logger

	mu       sync.RWMutex
	closed   bool
	channels map[string]*observer.Channel
	users    map[string]*observer.User
	relays   map[string]func()
}

func NewHub(cfg Config) *Hub {
	origin := uuid.NewString()
	return &Hub{
		cfg:      cfg,
		origin:   origin,
		log:      cfg.Logger.With().Str("component", "hub").Str("origin", origin).Logger(),
		channels: make(map[string]*observer.Channel),
		users:    make(map[string]*observer.User),
		relays:   make(map[string]func()),
	}
}

// Origin identifies this hub in relayed envelopes.
func (h *Hub) Origin() string {
	return h.origin
}

func (h *Hub) CreateChannel(name string) (*observer.Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if _, ok := h.channels[name]; ok {
		return nil, ErrChannelExists
	}

	opts := []observer.Option{observer.WithLogger(h.cfg.Logger)}
	if h.cfg.Isolate {
		opts = append(opts, observer.WithIsolation())
	}
	if h.cfg.Metrics != nil {
		opts = append(opts, observer.WithMetrics(h.cfg.Metrics))
	}
	ch := observer.NewChannel(name, opts...)

	if h.cfg.PubSub != nil {
		msgs, cancel, err := h.cfg.PubSub.Subscribe(topicForChannel(name))
		if err != nil {
			return nil, fmt.Errorf("subscribe relay for %s: %w", name, err)
		}
		h.relays[name] = cancel
		go h.consumeRelay(ch, msgs)
	}

	h.channels[name] = ch
	h.log.Info().Str("channel", name).Msg("channel created")
	return ch, nil
}

func (h *Hub) Channel(name string) (*observer.Channel, error) {
	name = strings.TrimSpace(name)
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[name]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return ch, nil
}

// Channels returns the channel names in sorted order.
func (h *Hub) Channels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.channels))
	for name := range h.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AddUser creates a user rendering to out, or to Config.Output when out is nil.
func (h *Hub) AddUser(name string, out io.Writer) (*observer.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.users[name]; ok {
		return nil, ErrUserExists
	}
	if out == nil {
		out = h.cfg.Output
	}
	u := observer.NewUser(name, out)
	h.users[name] = u
	return u, nil
}

// EnsureUser returns the named user, creating it when missing.
func (h *Hub) EnsureUser(name string) (*observer.User, error) {
	u, err := h.AddUser(name, nil)
	if errors.Is(err, ErrUserExists) {
		return h.User(name)
	}
	return u, err
}

func (h *Hub) User(name string) (*observer.User, error) {
	name = strings.TrimSpace(name)
	h.mu.RLock()
	defer h.mu.RUnlock()
	u, ok := h.users[name]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// Follow registers the user on the channel. Following twice yields two
// notifications per message.
func (h *Hub) Follow(channel, user string) error {
	ch, u, err := h.lookup(channel, user)
	if err != nil {
		return err
	}
	return ch.Register(u)
}

func (h *Hub) Unfollow(channel, user string) (bool, error) {
	ch, u, err := h.lookup(channel, user)
	if err != nil {
		return false, err
	}
	return ch.Unregister(u), nil
}

// Followers lists the names of the channel's named subscribers in
// registration order.
func (h *Hub) Followers(channel string) ([]string, error) {
	ch, err := h.Channel(channel)
	if err != nil {
		return nil, err
	}
	subs := ch.Subscribers()
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		if named, ok := s.(interface{ Name() string }); ok {
			out = append(out, named.Name())
		}
	}
	return out, nil
}

// Send broadcasts message on the named channel and, once every local
// subscriber has been notified, relays it to other nodes.
func (h *Hub) Send(channel, message string) error {
	channel = strings.TrimSpace(channel)
	ch, err := h.Channel(channel)
	if err != nil {
		return err
	}
	if err := ch.Broadcast(message); err != nil {
		return err
	}
	if h.cfg.PubSub == nil {
		return nil
	}
	b, err := json.Marshal(Envelope{Origin: h.origin, Channel: channel, Message: message, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := h.cfg.PubSub.Publish(topicForChannel(channel), b); err != nil {
		return fmt.Errorf("relay %s: %w", channel, err)
	}
	return nil
}

// Close stops relaying. Channels and users stay usable locally.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for name, cancel := range h.relays {
		cancel()
		delete(h.relays, name)
	}
}

func (h *Hub) lookup(channel, user string) (*observer.Channel, *observer.User, error) {
	channel, user = strings.TrimSpace(channel), strings.TrimSpace(user)
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[channel]
	if !ok {
		return nil, nil, ErrChannelNotFound
	}
	u, ok := h.users[user]
	if !ok {
		return nil, nil, ErrUserNotFound
	}
	return ch, u, nil
}

func (h *Hub) consumeRelay(ch *observer.Channel, msgs <-chan network.Message) {
	for msg := range msgs {
		var env Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			h.log.Warn().Err(err).Str("topic", msg.Topic).Msg("drop malformed envelope")
			continue
		}
		if env.Origin == h.origin || env.Channel != ch.Name() {
			continue
		}
		if err := ch.Broadcast(env.Message); err != nil {
			h.log.Warn().Err(err).Str("channel", env.Channel).Str("from", env.Origin).Msg("relayed broadcast failed")
		}
	}
}

func topicForChannel(name string) string {
	return topicPrefix + name
}
