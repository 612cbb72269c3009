package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"channelcast/internal/channelhub"
	"channelcast/internal/config"
	"channelcast/internal/core/network"
	"channelcast/internal/httpapi"
	"channelcast/internal/metrics"
	"channelcast/internal/notifiers"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the channel HTTP API, optionally relaying over libp2p",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("http-addr", ":8090", "http listen address")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.Bool("isolate", false, "keep notifying subscribers after one fails")
	flags.StringSlice("channel", nil, "channel to create at startup (repeatable)")
	flags.Bool("p2p", false, "relay messages to other nodes over libp2p gossipsub")
	flags.StringSlice("p2p-listen", []string{network.DefaultListenAddr}, "libp2p listen multiaddrs")
	flags.StringSlice("p2p-bootstrap", nil, "libp2p bootstrap peers (/ip4/.../p2p/<id>)")
	flags.String("p2p-identity-key", "", "file holding the node's libp2p private key")

	for key, name := range map[string]string{
		config.KeyHTTPAddr:       "http-addr",
		config.KeyLogLevel:       "log-level",
		config.KeyIsolate:        "isolate",
		config.KeyChannels:       "channel",
		config.KeyP2PEnabled:     "p2p",
		config.KeyP2PListen:      "p2p-listen",
		config.KeyP2PBootstrap:   "p2p-bootstrap",
		config.KeyP2PIdentityKey: "p2p-identity-key",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(cfg.LogLevel).
		With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	hubCfg := channelhub.Config{Logger: logger, Isolate: cfg.Isolate, Metrics: collector}
	var node httpapi.NodeInfo
	if cfg.P2P.Enabled {
		gossip, err := network.NewGossipPubSub(ctx, network.GossipOptions{
			ListenAddrs:     cfg.P2P.Listen,
			Bootstrap:       cfg.P2P.Bootstrap,
			Rendezvous:      cfg.P2P.Rendezvous,
			EnableMDNS:      cfg.P2P.MDNS,
			IdentityKeyFile: cfg.P2P.IdentityKey,
			Logger:          logger,
		})
		if err != nil {
			return fmt.Errorf("start libp2p: %w", err)
		}
		defer gossip.Close()
		for _, addr := range gossip.ListenAddrs() {
			logger.Info().Str("addr", addr).Msg("libp2p listening")
		}
		hubCfg.PubSub = gossip
		node = gossip
	}

	hub := channelhub.NewHub(hubCfg)
	defer hub.Close()
	if err := setupChannels(hub, cfg, logger); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewServer(httpapi.Config{Hub: hub, Logger: logger, Gatherer: reg, Node: node}).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("channelcast listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// setupChannels creates the configured channels and attaches a log notifier to
// each, plus an email notifier per configured recipient.
func setupChannels(hub *channelhub.Hub, cfg config.Config, logger zerolog.Logger) error {
	names := append([]string(nil), cfg.Channels...)
	for name := range cfg.Email.Recipients {
		names = append(names, name)
	}
	for _, name := range names {
		ch, err := hub.CreateChannel(name)
		if errors.Is(err, channelhub.ErrChannelExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("create channel %s: %w", name, err)
		}
		if err := ch.Register(notifiers.NewLog("log", logger)); err != nil {
			return err
		}
	}

	for name, recipients := range cfg.Email.Recipients {
		ch, err := hub.Channel(name)
		if err != nil {
			return err
		}
		for _, to := range recipients {
			email, err := notifiers.NewEmail(notifiers.EmailConfig{
				APIKey: cfg.Email.APIKey,
				From:   cfg.Email.From,
				To:     to,
				Logger: logger,
			})
			if err != nil {
				return fmt.Errorf("email notifier for %s: %w", name, err)
			}
			if err := ch.Register(email); err != nil {
				return err
			}
		}
	}
	return nil
}
