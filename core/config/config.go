package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration structure
type Config struct {
	Core    CoreConfig              `toml:"core"`
	Gateway GatewayConfig           `toml:"gateway"`
	Store   StoreConfig             `toml:"store"`
	Cache   CacheConfig             `toml:"cache"`
	Plugins map[string]PluginConfig `toml:"plugins"`
	Include []IncludeConfig         `toml:"include"`
	Raw     map[string]interface{}  `toml:",omitempty"`
}

// CoreConfig contains core daemon configuration
type CoreConfig struct {
	LogLevel        string   `toml:"log_level"`
	PIDFile         string   `toml:"pid_file"`
	PluginDir       string   `toml:"plugin_dir"`
	HotReload       bool     `toml:"hot_reload"`
	CommandPrefixes []string `toml:"command_prefixes"`
}

// GatewayConfig describes the connection to the chat gateway
type GatewayConfig struct {
	Transport        string `toml:"transport"`
	URL              string `toml:"url"`
	ListenAddr       string `toml:"listen_addr"`
	AccessToken      string `toml:"access_token"`
	CallTimeoutMs    int64  `toml:"call_timeout_ms"`
	ReconnectDelayMs int64  `toml:"reconnect_delay_ms"`
	MaxReconnects    int    `toml:"max_reconnects"`
}

// StoreConfig configures the persistent key-value store
type StoreConfig struct {
	Path string `toml:"path"`
}

// CacheConfig configures the volatile cache store
type CacheConfig struct {
	DefaultTTLMs int64 `toml:"default_ttl_ms"`
}

// PluginConfig contains plugin-specific configuration
type PluginConfig struct {
	Enabled bool `toml:"enabled"`
}

// IncludeConfig specifies additional configuration files to include
type IncludeConfig struct {
	Files []string `toml:"files"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Core: CoreConfig{
			LogLevel:        "info",
			PluginDir:       "plugins",
			HotReload:       true,
			CommandPrefixes: []string{"#"},
		},
		Gateway: GatewayConfig{
			Transport:        "ws",
			URL:              "ws://127.0.0.1:6700",
			ListenAddr:       ":6701",
			CallTimeoutMs:    10000,
			ReconnectDelayMs: 3000,
			MaxReconnects:    0,
		},
		Store:   StoreConfig{Path: "kobot.db"},
		Cache:   CacheConfig{DefaultTTLMs: 300000},
		Plugins: make(map[string]PluginConfig),
		Include: []IncludeConfig{},
		Raw:     make(map[string]interface{}),
	}
}

// LoadConfig loads configuration from the specified file
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// Load main config file
	if err := loadConfigFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to load main config: %w", err)
	}

	// Load included files
	baseDir := filepath.Dir(configPath)
	for _, include := range config.Include {
		for _, pattern := range include.Files {
			fullPattern := filepath.Join(baseDir, pattern)
			matches, err := filepath.Glob(fullPattern)
			if err != nil {
				return nil, fmt.Errorf("failed to glob pattern %s: %w", fullPattern, err)
			}

			for _, match := range matches {
				if match == configPath {
					continue // Skip the main config file
				}

				if err := loadConfigFile(match, config); err != nil {
					return nil, fmt.Errorf("failed to load included config %s: %w", match, err)
				}
			}
		}
	}

	return config, nil
}

// loadConfigFile loads a single configuration file and merges it into the existing config
func loadConfigFile(path string, config *Config) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file does not exist: %s", path)
	}

	var tempConfig Config
	md, err := toml.DecodeFile(path, &tempConfig)
	if err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	// Merge configurations
	mergeConfigs(config, &tempConfig, md)

	// Also decode into raw map for plugin-specific configurations
	var rawConfig map[string]interface{}
	if _, err := toml.DecodeFile(path, &rawConfig); err != nil {
		return fmt.Errorf("failed to decode raw config: %w", err)
	}

	for key, value := range rawConfig {
		if !isReservedConfigKey(key) {
			config.Raw[key] = value
		}
	}

	return nil
}

// mergeConfigs merges tempConfig into config
func mergeConfigs(config, tempConfig *Config, md toml.MetaData) {
	// Merge core config (tempConfig takes precedence for non-empty values)
	if tempConfig.Core.LogLevel != "" {
		config.Core.LogLevel = tempConfig.Core.LogLevel
	}
	if tempConfig.Core.PIDFile != "" {
		config.Core.PIDFile = tempConfig.Core.PIDFile
	}
	if tempConfig.Core.PluginDir != "" {
		config.Core.PluginDir = tempConfig.Core.PluginDir
	}
	// Booleans need presence tracking: false is a meaningful override of
	// the default, not an unset zero value.
	if md.IsDefined("core", "hot_reload") {
		config.Core.HotReload = tempConfig.Core.HotReload
	}
	if len(tempConfig.Core.CommandPrefixes) > 0 {
		config.Core.CommandPrefixes = tempConfig.Core.CommandPrefixes
	}

	if tempConfig.Gateway.Transport != "" {
		config.Gateway.Transport = tempConfig.Gateway.Transport
	}
	if tempConfig.Gateway.URL != "" {
		config.Gateway.URL = tempConfig.Gateway.URL
	}
	if tempConfig.Gateway.ListenAddr != "" {
		config.Gateway.ListenAddr = tempConfig.Gateway.ListenAddr
	}
	if tempConfig.Gateway.AccessToken != "" {
		config.Gateway.AccessToken = tempConfig.Gateway.AccessToken
	}
	if tempConfig.Gateway.CallTimeoutMs > 0 {
		config.Gateway.CallTimeoutMs = tempConfig.Gateway.CallTimeoutMs
	}
	if tempConfig.Gateway.ReconnectDelayMs > 0 {
		config.Gateway.ReconnectDelayMs = tempConfig.Gateway.ReconnectDelayMs
	}
	if tempConfig.Gateway.MaxReconnects > 0 {
		config.Gateway.MaxReconnects = tempConfig.Gateway.MaxReconnects
	}

	if tempConfig.Store.Path != "" {
		config.Store.Path = tempConfig.Store.Path
	}
	if tempConfig.Cache.DefaultTTLMs > 0 {
		config.Cache.DefaultTTLMs = tempConfig.Cache.DefaultTTLMs
	}

	// Merge plugins
	for k, v := range tempConfig.Plugins {
		config.Plugins[k] = v
	}

	// Append includes
	config.Include = append(config.Include, tempConfig.Include...)
}

// isReservedConfigKey checks if a config key is reserved for core use
func isReservedConfigKey(key string) bool {
	reserved := []string{"core", "gateway", "store", "cache", "plugins", "include"}
	key = strings.ToLower(key)
	for _, r := range reserved {
		if key == r {
			return true
		}
	}
	return false
}

// GetPluginConfig extracts the raw configuration section for a plugin
func (c *Config) GetPluginConfig(identity string) map[string]interface{} {
	if section, exists := c.Raw[identity]; exists {
		if m, ok := section.(map[string]interface{}); ok {
			return m
		}
	}
	return nil
}

// IsPluginEnabled checks if a plugin is enabled
func (c *Config) IsPluginEnabled(identity string) bool {
	if pluginConfig, exists := c.Plugins[identity]; exists {
		return pluginConfig.Enabled
	}
	return true // Default to enabled if not specified
}
