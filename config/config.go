// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config loads the TOML configuration a Bus is opened with: the
// multicast destination, heartbeat/NAK timing, retransmit ring size, idle
// timeout, MTU bound, and an optional cipher key.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so it decodes from a TOML string like
// "500ms" — time.Duration itself has no UnmarshalText method for
// BurntSushi/toml to find.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Config holds every tunable named in spec.md §6.
type Config struct {
	// PeerID identifies this process in the PeerID header field; it has
	// no meaning beyond distinguishing senders on the wire.
	PeerID uint32 `toml:"peer_id"`

	GroupAddress string `toml:"group_address"`
	GroupPort    int    `toml:"group_port"`

	HeartbeatInterval Duration `toml:"heartbeat_interval"`

	NakInitialDelay Duration `toml:"nak_initial_delay"`
	NakBackoffBase  Duration `toml:"nak_backoff_base"`
	NakBackoffCap   Duration `toml:"nak_backoff_cap"`
	NakDeadline     Duration `toml:"nak_deadline"`

	RetransmitRingSize int      `toml:"retransmit_ring_size"`
	PeerIdleTimeout    Duration `toml:"peer_idle_timeout"`

	// GCInterval is how often the timer task sweeps idle peer state.
	// Load replaces a zero value with PeerIdleTimeout/4; Default leaves it
	// zero.
	GCInterval Duration `toml:"gc_interval"`

	MaxPacketBytes int `toml:"max_packet_bytes"`

	// CipherKeyHex, if non-empty, is the hex-encoded symmetric key. Its
	// absence means payloads are sent in cleartext.
	CipherKeyHex string `toml:"cipher_key_hex"`

	// CipherKeyFile, if non-empty and CipherKeyHex is empty, names a file
	// whose raw contents are the symmetric key.
	CipherKeyFile string `toml:"cipher_key_file"`
}

// Default returns the configuration used when a field is left zero-valued
// after Load.
func Default() Config {
	return Config{
		PeerID:             1,
		GroupAddress:       "239.0.0.1",
		GroupPort:          7645,
		HeartbeatInterval:  Duration(time.Second),
		NakInitialDelay:    Duration(100 * time.Millisecond),
		NakBackoffBase:     Duration(200 * time.Millisecond),
		NakBackoffCap:      Duration(5 * time.Second),
		NakDeadline:        Duration(30 * time.Second),
		RetransmitRingSize: 1024,
		PeerIdleTimeout:    Duration(2 * time.Minute),
		MaxPacketBytes:     1400,
	}
}

// Load reads and decodes a TOML file at path, filling any zero-valued
// field with Default's value.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.GroupAddress == "" {
		cfg.GroupAddress = def.GroupAddress
	}
	if cfg.GroupPort == 0 {
		cfg.GroupPort = def.GroupPort
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.NakInitialDelay == 0 {
		cfg.NakInitialDelay = def.NakInitialDelay
	}
	if cfg.NakBackoffBase == 0 {
		cfg.NakBackoffBase = def.NakBackoffBase
	}
	if cfg.NakBackoffCap == 0 {
		cfg.NakBackoffCap = def.NakBackoffCap
	}
	if cfg.NakDeadline == 0 {
		cfg.NakDeadline = def.NakDeadline
	}
	if cfg.RetransmitRingSize == 0 {
		cfg.RetransmitRingSize = def.RetransmitRingSize
	}
	if cfg.PeerIdleTimeout == 0 {
		cfg.PeerIdleTimeout = def.PeerIdleTimeout
	}
	if cfg.GCInterval == 0 {
		cfg.GCInterval = cfg.PeerIdleTimeout / 4
	}
	if cfg.MaxPacketBytes == 0 {
		cfg.MaxPacketBytes = def.MaxPacketBytes
	}
}

// CipherKey resolves the configured key, if any: CipherKeyHex takes
// priority over CipherKeyFile. It returns (nil, nil) when neither is set,
// meaning payloads are sent in cleartext.
func (c Config) CipherKey() ([]byte, error) {
	if c.CipherKeyHex != "" {
		key, err := hex.DecodeString(c.CipherKeyHex)
		if err != nil {
			return nil, fmt.Errorf("config: cipher_key_hex: %w", err)
		}
		return key, nil
	}
	if c.CipherKeyFile != "" {
		key, err := os.ReadFile(c.CipherKeyFile)
		if err != nil {
			return nil, fmt.Errorf("config: cipher_key_file: %w", err)
		}
		return key, nil
	}
	return nil, nil
}
