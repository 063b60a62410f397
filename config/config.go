// Package config decodes the server's YAML startup file (spec.md #6): the
// instruments to pre-load and the networking addresses to bind/connect.
// Decoding shape (gopkg.in/yaml.v3 into plain structs) follows the
// teacher's own YAML-configured components.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level startup document.
type Config struct {
	Instruments map[string]Instrument `yaml:"instruments"`
	Networking  Networking            `yaml:"networking"`
}

// Instrument describes one instrument to pre-load at startup (spec.md
// #6).
type Instrument struct {
	Type       string         `yaml:"type"`
	Initialize bool           `yaml:"initialize"`
	Address    string         `yaml:"address,omitempty"`
	Init       map[string]any `yaml:"init,omitempty"`
	Polling    PollingRate    `yaml:"pollingRate,omitempty"`
	GUI        map[string]any `yaml:"gui,omitempty"`
}

// PollingRate configures how often a driver's parameters are refreshed in
// the background; zero means never.
type PollingRate struct {
	Default time.Duration            `yaml:"default,omitempty"`
	PerParam map[string]time.Duration `yaml:"perParameter,omitempty"`
}

// Networking configures the server's bind/broadcast addresses (spec.md
// #6).
type Networking struct {
	ListeningAddress  string `yaml:"listeningAddress"`
	ExternalBroadcast bool   `yaml:"externalBroadcast"`
	// BroadcastPort, when set, overrides the default of the primary port
	// plus one (spec.md #6, #9's open question). Naming it explicitly
	// avoids a silent derivation once a server binds more than one
	// request address.
	BroadcastPort int `yaml:"broadcastPort"`
}

// ResolveBroadcastPort returns BroadcastPort if set, otherwise
// primaryPort+1 (spec.md #6's default port scheme).
func (n Networking) ResolveBroadcastPort(primaryPort int) int {
	if n.BroadcastPort != 0 {
		return n.BroadcastPort
	}
	return primaryPort + 1
}

// Load reads and decodes the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}
