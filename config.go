package riftproxy

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/viper"
)

// ProxyConfig is one Proxy Instance's persisted bind configuration: the
// config-record-per-id the Manager's SaveConfig/DeleteConfig/Configs
// operations manage (spec_full.md §9's supplemented get_configs/save_config/
// delete_config trio). "default" is always present, even if never explicitly
// saved, matching the original's get_config_by_id fallback.
type ProxyConfig struct {
	ID       string `mapstructure:"id" json:"id"`
	BindAddr string `mapstructure:"bind_addr" json:"bind_addr"`
	Port     string `mapstructure:"port" json:"port"`
}

// DefaultProxyConfig is the bind configuration "default" falls back to when
// nothing has been explicitly saved for it, matching the teacher's
// ProxyState::default port of 8888.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{ID: DefaultProxyID, BindAddr: "127.0.0.1", Port: "8888"}
}

// configStore persists the id-keyed config map as a single YAML document
// under configDir, the way the teacher's options.go WithConfigDir roots a
// viper-backed config file: write-through on every mutation via
// viper.WriteConfig, SafeWriteConfig on first use when the file is absent.
type configStore struct {
	mu   sync.RWMutex
	v    *viper.Viper
	path string
}

func newConfigStore(configDir string) (*configStore, error) {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return nil, fmt.Errorf("riftproxy: creating config dir %s: %w", configDir, err)
	}

	v := viper.New()
	v.SetConfigName("riftproxy_configs")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.SetDefault("configs", map[string]ProxyConfig{})

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if err := v.SafeWriteConfig(); err != nil {
				return nil, fmt.Errorf("riftproxy: writing initial config file: %w", err)
			}
		} else {
			return nil, fmt.Errorf("riftproxy: reading config file: %w", err)
		}
	}

	return &configStore{v: v}, nil
}

func (c *configStore) all() map[string]ProxyConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var raw map[string]ProxyConfig
	if err := c.v.UnmarshalKey("configs", &raw); err != nil || raw == nil {
		raw = make(map[string]ProxyConfig)
	}
	return raw
}

func (c *configStore) get(id string) (ProxyConfig, bool) {
	cfg, ok := c.all()[id]
	return cfg, ok
}

func (c *configStore) save(cfg ProxyConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var raw map[string]ProxyConfig
	if err := c.v.UnmarshalKey("configs", &raw); err != nil || raw == nil {
		raw = make(map[string]ProxyConfig)
	}
	raw[cfg.ID] = cfg
	c.v.Set("configs", raw)
	return c.v.WriteConfig()
}

// delete removes id's saved config. Deleting an id with no saved config is
// not an error (matches the original's idempotent delete_config).
func (c *configStore) delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var raw map[string]ProxyConfig
	if err := c.v.UnmarshalKey("configs", &raw); err != nil || raw == nil {
		raw = make(map[string]ProxyConfig)
	}
	delete(raw, id)
	c.v.Set("configs", raw)
	return c.v.WriteConfig()
}
