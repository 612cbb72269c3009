package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"channelcast/internal/core/network"
)

const EnvPrefix = "CHANNELCAST"

const (
	KeyHTTPAddr        = "http.addr"
	KeyLogLevel        = "log.level"
	KeyIsolate         = "broadcast.isolate"
	KeyChannels        = "channels"
	KeyP2PEnabled      = "p2p.enabled"
	KeyP2PListen       = "p2p.listen"
	KeyP2PBootstrap    = "p2p.bootstrap"
	KeyP2PRendezvous   = "p2p.rendezvous"
	KeyP2PMDNS         = "p2p.mdns"
	KeyP2PIdentityKey  = "p2p.identity_key"
	KeyEmailAPIKey     = "email.api_key"
	KeyEmailFrom       = "email.from"
	KeyEmailRecipients = "email.recipients"
)

var ErrEmptyHTTPAddr = errors.New("http.addr is empty")

type Config struct {
	HTTPAddr string
	LogLevel zerolog.Level
	Isolate  bool
	Channels []string
	P2P      P2PConfig
	Email    EmailConfig
}

type P2PConfig struct {
	Enabled     bool
	Listen      []string
	Bootstrap   []string
	Rendezvous  string
	MDNS        bool
	IdentityKey string
}

type EmailConfig struct {
	APIKey string
	From   string

	// Recipients maps a channel name to the addresses mailed on every message.
	// Entries are configured as "channel=address".
	Recipients map[string][]string
}

// SetDefaults registers default values and the environment binding on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyHTTPAddr, ":8090")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyIsolate, false)
	v.SetDefault(KeyChannels, []string{})
	v.SetDefault(KeyP2PEnabled, false)
	v.SetDefault(KeyP2PListen, []string{network.DefaultListenAddr})
	v.SetDefault(KeyP2PBootstrap, []string{})
	v.SetDefault(KeyP2PRendezvous, "channelcast")
	v.SetDefault(KeyP2PMDNS, true)
	v.SetDefault(KeyP2PIdentityKey, "")
	v.SetDefault(KeyEmailAPIKey, "")
	v.SetDefault(KeyEmailFrom, "")
	v.SetDefault(KeyEmailRecipients, []string{})

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// LoadDotEnv loads the given .env files into the process environment. Missing
// files are ignored.
func LoadDotEnv(files ...string) {
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// Load reads and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTPAddr: strings.TrimSpace(v.GetString(KeyHTTPAddr)),
		Isolate:  v.GetBool(KeyIsolate),
		Channels: getList(v, KeyChannels),
		P2P: P2PConfig{
			Enabled:     v.GetBool(KeyP2PEnabled),
			Listen:      getList(v, KeyP2PListen),
			Bootstrap:   getList(v, KeyP2PBootstrap),
			Rendezvous:  v.GetString(KeyP2PRendezvous),
			MDNS:        v.GetBool(KeyP2PMDNS),
			IdentityKey: v.GetString(KeyP2PIdentityKey),
		},
		Email: EmailConfig{
			APIKey: v.GetString(KeyEmailAPIKey),
			From:   v.GetString(KeyEmailFrom),
		},
	}

	recipients, err := parseRecipients(getList(v, KeyEmailRecipients))
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", KeyEmailRecipients, err)
	}
	cfg.Email.Recipients = recipients

	if cfg.HTTPAddr == "" {
		return Config{}, ErrEmptyHTTPAddr
	}

	level, err := zerolog.ParseLevel(v.GetString(KeyLogLevel))
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", KeyLogLevel, err)
	}
	cfg.LogLevel = level

	if cfg.P2P.Enabled {
		if _, err := network.ParseMultiaddrs(cfg.P2P.Listen); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", KeyP2PListen, err)
		}
		if _, err := network.ParseMultiaddrs(cfg.P2P.Bootstrap); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", KeyP2PBootstrap, err)
		}
	}
	return cfg, nil
}

// getList reads a list value. Environment variables arrive as one string, so
// entries are also split on commas.
func getList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseRecipients(entries []string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		channel, addr, ok := strings.Cut(e, "=")
		channel, addr = strings.TrimSpace(channel), strings.TrimSpace(addr)
		if !ok || channel == "" || addr == "" {
			return nil, fmt.Errorf("invalid recipient %q, want channel=address", e)
		}
		out[channel] = append(out[channel], addr)
	}
	return out, nil
}
