// Package config loads the hushd deployment configuration. The file is
// written once by hushctl at deployment time; the auth hash, KDF salt,
// and session secret in it are generated there and never edited by
// hand.
package config

import (
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/thefeshin/hush-sub000/internal/defense"
)

// Config holds the hushd configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database_path"`

	Auth      AuthConfig      `yaml:"auth"`
	Defense   DefenseConfig   `yaml:"defense"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Events    EventsConfig    `yaml:"events"`
	Expiry    ExpiryConfig    `yaml:"expiry"`
}

// AuthConfig holds the authentication material.
type AuthConfig struct {
	// Hash is the base64 SHA-256 hash of the normalized 12 words.
	Hash string `yaml:"hash"`

	// KDFSalt is the base64 deployment salt, served to clients.
	KDFSalt string `yaml:"kdf_salt"`

	// SessionSecret is the base64 HS256 signing secret.
	SessionSecret string `yaml:"session_secret"`

	// SessionTTLMinutes is the fixed session lifetime.
	SessionTTLMinutes int `yaml:"session_ttl_minutes"`
}

// DefenseConfig holds the deployment-time security policy.
type DefenseConfig struct {
	MaxAuthFailures int    `yaml:"max_auth_failures"`
	FailureMode     string `yaml:"failure_mode"`
	IPBlockMinutes  int    `yaml:"ip_block_minutes"`
	PanicMode       bool   `yaml:"panic_mode"`
}

// RateLimitConfig holds the per-IP auth rate limit.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// EventsConfig holds the optional NATS event fanout settings. An empty
// URL disables publishing.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
}

// ExpiryConfig holds the message expiry sweeper settings.
type ExpiryConfig struct {
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
}

// LoadConfig loads configuration from a YAML file, applying defaults
// for anything unset. A missing file yields pure defaults (which will
// then fail validation, since the auth material is mandatory).
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       "127.0.0.1:8420",
		DatabasePath: "hush.db",
		Auth: AuthConfig{
			SessionTTLMinutes: 60,
		},
		Defense: DefenseConfig{
			MaxAuthFailures: 5,
			FailureMode:     string(defense.ModeIPTemp),
			IPBlockMinutes:  60,
			PanicMode:       false,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 10,
			Burst:     5,
		},
		Expiry: ExpiryConfig{
			SweepIntervalMinutes: 5,
		},
	}
}

// Validate checks that the config is deployable.
func (c *Config) Validate() error {
	if c.Auth.Hash == "" {
		return fmt.Errorf("auth.hash is required (run hushctl init)")
	}
	if _, err := base64.StdEncoding.DecodeString(c.Auth.Hash); err != nil {
		return fmt.Errorf("auth.hash is not valid base64")
	}
	if c.Auth.KDFSalt == "" {
		return fmt.Errorf("auth.kdf_salt is required (run hushctl init)")
	}
	if _, err := base64.StdEncoding.DecodeString(c.Auth.KDFSalt); err != nil {
		return fmt.Errorf("auth.kdf_salt is not valid base64")
	}
	if c.Auth.SessionSecret == "" {
		return fmt.Errorf("auth.session_secret is required (run hushctl init)")
	}
	if _, err := base64.StdEncoding.DecodeString(c.Auth.SessionSecret); err != nil {
		return fmt.Errorf("auth.session_secret is not valid base64")
	}
	if !defense.Mode(c.Defense.FailureMode).Valid() {
		return fmt.Errorf("defense.failure_mode %q is not one of ip_temp, ip_perm, db_wipe, db_wipe_shutdown", c.Defense.FailureMode)
	}
	if c.Defense.MaxAuthFailures < 1 {
		return fmt.Errorf("defense.max_auth_failures must be at least 1")
	}
	if c.Defense.IPBlockMinutes < 1 {
		return fmt.Errorf("defense.ip_block_minutes must be at least 1")
	}
	return nil
}
