// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

// Package config loads engine settings from a TOML file, filling in
// defaults for anything the file leaves out.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/supermarsx/rfbcore/rfb"
)

// Defaults applied when the file omits a setting.
const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultEventBufferCap   = 1024
)

// Config holds the engine settings.
type Config struct {
	// DialTimeout bounds TCP connection establishment.
	DialTimeout duration `toml:"dial_timeout"`

	// HandshakeTimeout bounds the RFB handshake after connecting.
	HandshakeTimeout duration `toml:"handshake_timeout"`

	// Exclusive requests exclusive desktop access on every connection.
	Exclusive bool `toml:"exclusive"`

	// ViewOnly suppresses keyboard and pointer input at the engine level.
	ViewOnly bool `toml:"view_only"`

	// EventBufferCap caps each session's pending event queue.
	EventBufferCap int `toml:"event_buffer_cap"`

	// SecurityPreference orders security type names by preference, e.g.
	// ["ard", "vnc", "none"]. Empty means the built-in default order.
	SecurityPreference []string `toml:"security_preference"`
}

// duration lets TOML carry Go duration strings like "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns a Config with every setting at its default.
func Default() Config {
	return Config{
		DialTimeout:      duration{DefaultDialTimeout},
		HandshakeTimeout: duration{DefaultHandshakeTimeout},
		EventBufferCap:   DefaultEventBufferCap,
	}
}

// Load reads a TOML configuration file. Settings absent from the file keep
// their defaults; an empty path returns the defaults outright.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("config file %q: %w", path, err)
	}

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config %q: unknown key %q", path, undecoded[0].String())
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DialTimeout.Duration < 0 {
		return fmt.Errorf("dial_timeout must not be negative")
	}
	if c.HandshakeTimeout.Duration < 0 {
		return fmt.Errorf("handshake_timeout must not be negative")
	}
	if c.EventBufferCap < 0 {
		return fmt.Errorf("event_buffer_cap must not be negative")
	}
	if _, err := c.SecurityOrder(); err != nil {
		return err
	}
	return nil
}

// Dial returns the effective dial timeout.
func (c *Config) Dial() time.Duration { return c.DialTimeout.Duration }

// Handshake returns the effective handshake timeout.
func (c *Config) Handshake() time.Duration { return c.HandshakeTimeout.Duration }

// SecurityOrder maps the configured security type names to their protocol
// values. An empty configuration yields nil, selecting the built-in order.
func (c *Config) SecurityOrder() ([]rfb.SecurityType, error) {
	if len(c.SecurityPreference) == 0 {
		return nil, nil
	}

	order := make([]rfb.SecurityType, 0, len(c.SecurityPreference))
	for _, name := range c.SecurityPreference {
		t, err := rfb.ParseSecurityType(name)
		if err != nil {
			return nil, fmt.Errorf("security_preference: %w", err)
		}
		order = append(order, t)
	}
	return order, nil
}
