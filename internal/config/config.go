// Package config loads the bridge configuration from an optional YAML file
// overlaid by BRIDGE_-prefixed environment variables (env wins).
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the whole bridge configuration.
type Config struct {
	// OAuth application and directory.
	GraphClientID string `yaml:"graph_client_id" envconfig:"GRAPH_CLIENT_ID"`
	GraphTenant   string `yaml:"graph_tenant" envconfig:"GRAPH_TENANT"`
	// Shared secret embedded in every subscription's clientState.
	GraphClientState string `yaml:"graph_client_state" envconfig:"GRAPH_CLIENT_STATE"`
	// Externally reachable base URL the webhook endpoints are reverse-proxied
	// under; notificationUrl/lifecycleNotificationUrl are built from it.
	ExternalURL string `yaml:"external_url" envconfig:"EXTERNAL_URL"`

	ListenHost string `yaml:"listen_host" envconfig:"LISTEN_HOST"`
	ListenPort int    `yaml:"listen_port" envconfig:"LISTEN_PORT"`
	DBPath     string `yaml:"db_path" envconfig:"DB_PATH"`

	DiscordToken   string `yaml:"discord_token" envconfig:"DISCORD_TOKEN"`
	DiscordAPIBase string `yaml:"discord_api_base" envconfig:"DISCORD_API_BASE"`
}

// Load reads the YAML file when present, then applies environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}
	if err := envconfig.Process("bridge", &cfg); err != nil {
		return nil, err
	}
	if cfg.GraphTenant == "" {
		cfg.GraphTenant = "common"
	}
	if cfg.ListenHost == "" {
		cfg.ListenHost = "127.0.0.1"
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = 8083
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "bridge.db"
	}
	return &cfg, nil
}

// BridgeEnabled reports whether the Teams bridge can run at all: without the
// application id, the clientState secret, or a reachable external URL the
// whole feature stays off.
func (c *Config) BridgeEnabled() bool {
	return c.GraphClientID != "" && c.GraphClientState != "" && c.ExternalURL != ""
}
