package network

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
)

const (
	DefaultListenAddr = "/ip4/0.0.0.0/tcp/0"
	gossipBufferSize  = 64
)

// GossipOptions configures the libp2p gossipsub transport.
type GossipOptions struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
	Logger          zerolog.Logger
}

// GossipPubSub relays channel messages between nodes over libp2p gossipsub.
type GossipPubSub struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	host      host.Host
	ps        *pubsub.PubSub
	discovery mdns.Service

	mu     sync.Mutex
	closed bool
	topics map[string]*pubsub.Topic
}

var _ PubSub = (*GossipPubSub)(nil)

// ParseMultiaddrs parses raw addresses, skipping blanks.
func ParseMultiaddrs(raw []string) ([]ma.Multiaddr, error) {
	out := make([]ma.Multiaddr, 0, len(raw))
	for _, s := range raw {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid multiaddr %q: %w", s, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func NewGossipPubSub(parent context.Context, opts GossipOptions) (*GossipPubSub, error) {
	listenAddrs, err := ParseMultiaddrs(opts.ListenAddrs)
	if err != nil {
		return nil, err
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr(DefaultListenAddr)
		listenAddrs = append(listenAddrs, a)
	}

	hostOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := identityKey(opts.IdentityKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		hostOpts = append(hostOpts, libp2p.Identity(key))
	}

	ctx, cancel := context.WithCancel(parent)
	h, err := libp2p.New(hostOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	g := &GossipPubSub{
		ctx:    ctx,
		cancel: cancel,
		log:    opts.Logger.With().Str("component", "gossip_pubsub").Str("peer", h.ID().String()).Logger(),
		host:   h,
		ps:     ps,
		topics: make(map[string]*pubsub.Topic),
	}

	if opts.EnableMDNS {
		service := mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h, log: g.log})
		if err := service.Start(); err != nil {
			g.log.Error().Err(err).Msg("mdns start failed")
		} else {
			g.discovery = service
		}
	}

	g.connectBootstrap(opts.Bootstrap)
	return g, nil
}

func (g *GossipPubSub) connectBootstrap(raw []string) {
	for _, s := range raw {
		if s == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			g.log.Warn().Err(err).Str("addr", s).Msg("skip bootstrap addr")
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			g.log.Warn().Err(err).Str("addr", s).Msg("skip bootstrap addr")
			continue
		}
		if err := g.host.Connect(g.ctx, *info); err != nil {
			g.log.Warn().Err(err).Str("bootstrap_peer", info.ID.String()).Msg("bootstrap connect failed")
			continue
		}
		g.log.Info().Str("bootstrap_peer", info.ID.String()).Msg("connected bootstrap peer")
	}
}

func (g *GossipPubSub) Publish(topic string, payload []byte) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	t, err := g.joinTopic(topic)
	if err != nil {
		return err
	}
	return t.Publish(g.ctx, payload)
}

func (g *GossipPubSub) Subscribe(topic string) (<-chan Message, func(), error) {
	if topic == "" {
		return nil, nil, ErrEmptyTopic
	}
	t, err := g.joinTopic(topic)
	if err != nil {
		return nil, nil, err
	}
	sub, err := t.Subscribe(pubsub.WithBufferSize(gossipBufferSize))
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	ctx, stop := context.WithCancel(g.ctx)
	out := make(chan Message, gossipBufferSize)
	go g.forward(ctx, sub, out)

	var once sync.Once
	return out, func() {
		once.Do(func() {
			stop()
			sub.Cancel()
		})
	}, nil
}

// forward copies messages from sub to out until ctx ends or the subscription
// is cancelled. A slow reader blocks it.
func (g *GossipPubSub) forward(ctx context.Context, sub *pubsub.Subscription, out chan<- Message) {
	defer close(out)
	topic := sub.Topic()
	for {
		m, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				g.log.Warn().Err(err).Str("topic", topic).Msg("gossip subscription ended")
			}
			return
		}
		msg := Message{Topic: topic, Payload: append([]byte(nil), m.Data...)}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// Close stops mDNS discovery, leaves every joined topic and shuts the host down.
// Open subscriptions are closed.
func (g *GossipPubSub) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.closed = true
	topics := g.topics
	g.topics = nil
	g.mu.Unlock()

	g.cancel()
	var errs *multierror.Error
	if g.discovery != nil {
		if err := g.discovery.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close mdns: %w", err))
		}
	}
	for _, t := range topics {
		_ = t.Close()
	}
	if err := g.host.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("close host: %w", err))
	}
	return errs.ErrorOrNil()
}

func (g *GossipPubSub) PeerID() string {
	return g.host.ID().String()
}

// ListenAddrs returns dialable addresses including the /p2p/<id> suffix.
func (g *GossipPubSub) ListenAddrs() []string {
	out := make([]string, 0, len(g.host.Addrs()))
	for _, addr := range g.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), g.host.ID().String()))
	}
	return out
}

// TopicPeers lists the peers known to be subscribed to topic.
func (g *GossipPubSub) TopicPeers(topic string) []string {
	ids := g.ps.ListPeers(topic)
	out := make([]string, 0, len(ids))
	for _, pid := range ids {
		out = append(out, pid.String())
	}
	return out
}

func (g *GossipPubSub) Peers() []string {
	peers := g.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

func (g *GossipPubSub) joinTopic(name string) (*pubsub.Topic, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	if t, ok := g.topics[name]; ok {
		return t, nil
	}
	t, err := g.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", name, err)
	}
	g.topics[name] = t
	return t, nil
}

type mdnsNotifee struct {
	host host.Host
	log  zerolog.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.log.Warn().Err(err).Str("found_peer", info.ID.String()).Msg("mdns connect failed")
	}
}

// identityKey returns the private key stored at path. A missing file gets a
// fresh ed25519 key written to it.
func identityKey(path string) (crypto.PrivKey, error) {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := crypto.UnmarshalPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("decode identity key %s: %w", path, err)
		}
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read identity key: %w", err)
	}

	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	if err := storeIdentityKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

func storeIdentityKey(path string, key crypto.PrivKey) error {
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return fmt.Errorf("encode identity key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity key dir: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}
