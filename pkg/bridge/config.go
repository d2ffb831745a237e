// Copyright 2024-2026 The discord-bridge authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"fmt"
	"os"

	"go.mau.fi/util/dbutil"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

// Config is the parsed bridge configuration file.
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	Bridge     BridgeConfig     `yaml:"bridge"`
}

// HomeserverConfig points the bridge at the homeserver it serves.
type HomeserverConfig struct {
	// Address is the base URL of the homeserver, e.g. https://matrix.example.com
	Address string `yaml:"address"`
	// Domain is the server name part of user ids, e.g. example.com
	Domain string `yaml:"domain"`
}

// BridgeConfig holds bridge-specific settings.
type BridgeConfig struct {
	// Prefix is prepended to every localpart the bridge manages.
	Prefix string `yaml:"prefix"`
	// URL is the address the homeserver reaches the bridge at, written
	// into generated registrations.
	URL string `yaml:"url"`

	Database dbutil.Config `yaml:"database"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the fields the core depends on are set.
func (cfg *Config) Validate() error {
	if cfg.Homeserver.Address == "" {
		return fmt.Errorf("homeserver.address is not set")
	}
	if cfg.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver.domain is not set")
	}
	if cfg.Bridge.Database.URI == "" {
		return fmt.Errorf("bridge.database.uri is not set")
	}
	return nil
}

// BotLocalpart is the localpart of the bridge bot.
func (cfg *Config) BotLocalpart() string {
	return cfg.Bridge.Prefix + "_discordbot"
}

// BotUserID is the full Matrix user id of the bridge bot.
func (cfg *Config) BotUserID() id.UserID {
	return id.NewUserID(cfg.BotLocalpart(), cfg.Homeserver.Domain)
}

// GuestLocalpart is the deterministic localpart of the puppet representing
// the given guest user.
func (cfg *Config) GuestLocalpart(guestID GuestUserID) string {
	return fmt.Sprintf("%s_discord_%s", cfg.Bridge.Prefix, guestID)
}
