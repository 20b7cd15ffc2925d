package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/flatmax/jrpc-oo"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// config holds the settings for the serve command.
type config struct {
	Listen           string
	PeerListen       string // raw peer listener; "" for none
	RemoteTimeout    time.Duration
	HandshakeTimeout time.Duration
	LogLevel         zerolog.Level
	CallRate         rate.Limit
	CallBurst        int
}

func defaultConfig() config {
	return config{
		Listen:        "localhost:9000",
		RemoteTimeout: jrpc.DefaultRemoteTimeout,
		LogLevel:      zerolog.InfoLevel,
	}
}

type fileConfig struct {
	Listen           string  `toml:"listen"`
	PeerListen       string  `toml:"peer_listen"`
	RemoteTimeout    string  `toml:"remote_timeout"`
	HandshakeTimeout string  `toml:"handshake_timeout"`
	LogLevel         string  `toml:"log_level"`
	CallRate         float64 `toml:"call_rate"`
	CallBurst        int     `toml:"call_burst"`
}

// loadConfig reads a TOML config file from path. Settings not defined in the
// file keep their default values. If path == "", the defaults are returned.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}
	if undec := meta.Undecoded(); len(undec) != 0 {
		return config{}, fmt.Errorf("load config: unknown keys %q", undec)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("peer_listen") {
		cfg.PeerListen = strings.TrimSpace(raw.PeerListen)
	}
	if meta.IsDefined("remote_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RemoteTimeout))
		if err != nil {
			return config{}, fmt.Errorf("parse remote_timeout: %w", err)
		}
		cfg.RemoteTimeout = d
	}
	if meta.IsDefined("handshake_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HandshakeTimeout))
		if err != nil {
			return config{}, fmt.Errorf("parse handshake_timeout: %w", err)
		}
		cfg.HandshakeTimeout = d
	}
	if meta.IsDefined("log_level") {
		lvl, err := zerolog.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return config{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = lvl
	}
	if meta.IsDefined("call_rate") {
		cfg.CallRate = rate.Limit(raw.CallRate)
	}
	if meta.IsDefined("call_burst") {
		cfg.CallBurst = raw.CallBurst
	}
	return cfg, nil
}

// applyFlags overrides cfg with the settings given on the command line.
func (c *config) applyFlags() error {
	if serveFlags.Listen != "" {
		c.Listen = serveFlags.Listen
	}
	if serveFlags.PeerListen != "" {
		c.PeerListen = serveFlags.PeerListen
	}
	if serveFlags.RemoteTimeout > 0 {
		c.RemoteTimeout = serveFlags.RemoteTimeout
	}
	if serveFlags.LogLevel != "" {
		lvl, err := zerolog.ParseLevel(serveFlags.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		c.LogLevel = lvl
	}
	if serveFlags.CallRate > 0 {
		c.CallRate = rate.Limit(serveFlags.CallRate)
	}
	if serveFlags.CallBurst > 0 {
		c.CallBurst = serveFlags.CallBurst
	}
	return nil
}
