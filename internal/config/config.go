package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Dreamcatcher  DreamcatcherConfig  `yaml:"dreamcatcher"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Cache         CacheConfig         `yaml:"cache"`
	Panels        []PanelConfig       `yaml:"panels"`
	Log           string              `yaml:"log"`
}

type DreamcatcherConfig struct {
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	InstallationID string        `yaml:"installation_id"`
	DiscoveryURL   string        `yaml:"discovery_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

type MQTTConfig struct {
	ClientID  string `yaml:"client_id"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Keepalive int    `yaml:"keepalive"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	QOS       int    `yaml:"qos"`
	Retain    bool   `yaml:"retain"`
	RetainLog bool   `yaml:"retain_log"`
	Prefix    string `yaml:"prefix"`
	Clean     bool   `yaml:"clean"`
}

type HomeAssistantConfig struct {
	Discovery bool   `yaml:"discovery"`
	Prefix    string `yaml:"prefix"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// PanelConfig overrides the display name of a panel and optionally
// excludes it from the bridge.
type PanelConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Disable bool   `yaml:"disable"`
}

func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if v := os.Getenv("DREAMCATCHER_USERNAME"); v != "" {
		config.Dreamcatcher.Username = v
	}
	if v := os.Getenv("DREAMCATCHER_PASSWORD"); v != "" {
		config.Dreamcatcher.Password = v
	}

	// Set default values
	if config.Dreamcatcher.RequestTimeout == 0 {
		config.Dreamcatcher.RequestTimeout = 15 * time.Second
	}
	if config.Dreamcatcher.PollInterval == 0 {
		config.Dreamcatcher.PollInterval = 60 * time.Second
	}
	if config.MQTT.ClientID == "" {
		config.MQTT.ClientID = "dreamcatcher2mqtt"
	}
	if config.MQTT.Host == "" {
		config.MQTT.Host = "localhost"
	}
	if config.MQTT.Port == 0 {
		config.MQTT.Port = 1883
	}
	if config.MQTT.Keepalive == 0 {
		config.MQTT.Keepalive = 60
	}
	if config.MQTT.Prefix == "" {
		config.MQTT.Prefix = "dreamcatcher2mqtt"
	}
	if config.HomeAssistant.Prefix == "" {
		config.HomeAssistant.Prefix = "homeassistant"
	}
	if config.Metrics.Listen == "" {
		config.Metrics.Listen = ":9464"
	}
	if config.Cache.Path == "" {
		config.Cache.Path = "dreamcatcher2mqtt.db"
	}
	if config.Log == "" {
		config.Log = "info"
	}

	return &config, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Dreamcatcher.Username == "" {
		errs = append(errs, errors.New("dreamcatcher.username is required"))
	}
	if c.Dreamcatcher.Password == "" {
		errs = append(errs, errors.New("dreamcatcher.password is required"))
	}
	if c.MQTT.QOS < 0 || c.MQTT.QOS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QOS))
	}
	return errors.Join(errs...)
}

// Panel returns the override for a panel id, if any.
func (c *Config) Panel(id string) (PanelConfig, bool) {
	for _, p := range c.Panels {
		if p.ID == id {
			return p, true
		}
	}
	return PanelConfig{}, false
}
