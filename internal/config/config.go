// Package config handles lancom-ble configuration loading.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
func DefaultSearchPaths() []string {
	paths := []string{"lancom-ble.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "lancom-ble", "config.yaml"))
	}

	paths = append(paths,
		"/config/lancom-ble.yaml",
		"/usr/local/etc/lancom-ble/config.yaml",
		"/etc/lancom-ble/config.yaml",
	)
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all lancom-ble configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	WebhookID     string              `yaml:"webhook_id"`
	AccessPoints  MACList             `yaml:"access_points"`
	Timezone      string              `yaml:"timezone"`
	DataDir       string              `yaml:"data_dir"`
	Registry      RegistryConfig      `yaml:"registry"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"`
	WatchConfig   bool                `yaml:"watch_config"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr renders the listen settings as a host:port string.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// RegistryConfig selects the device registry backend.
type RegistryConfig struct {
	Driver string `yaml:"driver"` // sqlite (default) or memory
}

// MQTTConfig defines the MQTT bridge settings. The bridge is disabled
// when Broker is empty.
type MQTTConfig struct {
	Broker             string `yaml:"broker"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TopicPrefix        string `yaml:"topic_prefix"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_seconds"`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

// HomeAssistantConfig defines the optional Home Assistant connection
// used to mirror device renames into the local registry.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Configured reports whether both URL and token are set.
func (h HomeAssistantConfig) Configured() bool {
	return h.URL != "" && h.Token != ""
}

// MACList accepts either a YAML list of MAC strings or a single
// delimited string, matching what access-point installers have always
// been allowed to paste into the integration. Tokens are kept raw;
// callers normalize and log rejects via the mac package.
type MACList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *MACList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		if s == "" {
			*m = nil
			return nil
		}
		*m = MACList{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*m = MACList(list)
		return nil
	default:
		return fmt.Errorf("access_points must be a string or a list")
	}
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, and unknown keys are rejected
// so typos surface at startup instead of silently doing nothing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Listen:      ListenConfig{Port: 8099},
		WatchConfig: true,
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8099
	}
	if c.WebhookID == "" {
		c.WebhookID = "lancom_ble_webhook"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Registry.Driver == "" {
		c.Registry.Driver = "sqlite"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "auto"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "lancom-ble"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 15
	}
}

// Validate checks the configuration for values that would fail later.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		return err
	}
	switch c.Registry.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("registry.driver %q unknown (valid: sqlite, memory)", c.Registry.Driver)
	}
	if c.MQTT.PublishIntervalSec < 1 {
		return fmt.Errorf("mqtt.publish_interval_seconds must be positive")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("timezone %q: %w", c.Timezone, err)
		}
	}
	return nil
}

// Location resolves the configured timezone, falling back to the
// process-local zone when unset.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
