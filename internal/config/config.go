// Package config loads server configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// RateLimit configures the per-IP limiter on the create and join
// endpoints. Max of 0 disables limiting.
type RateLimit struct {
	Max    int      `yaml:"max"`
	Window Duration `yaml:"window"`
}

// Config holds all server settings.
type Config struct {
	ListenAddr        string    `yaml:"listen_addr"`
	RedisAddr         string    `yaml:"redis_addr"`
	HeartbeatInterval Duration  `yaml:"heartbeat_interval"`
	RoomTTL           Duration  `yaml:"room_ttl"`
	RateLimit         RateLimit `yaml:"rate_limit"`
}

// Default returns the configuration used when no file or env overrides
// are present.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		RedisAddr:         "localhost:6379",
		HeartbeatInterval: Duration(30 * time.Second),
		RoomTTL:           Duration(24 * time.Hour),
		RateLimit: RateLimit{
			Max:    30,
			Window: Duration(time.Minute),
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path is not
// an error; the defaults are returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv loads the file named by CONFIG_FILE (if set) and applies
// LISTEN_ADDR and REDIS_ADDR overrides on top.
func FromEnv() (Config, error) {
	cfg, err := Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return cfg, err
	}
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	}
	return cfg, nil
}
