// Package config loads the server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

// Config is the full server configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// BaseURL is the externally visible URL of this server, used to build
	// reservation URLs handed to clients. No trailing slash.
	BaseURL string `yaml:"base_url"`

	// Database is the SQLite database path.
	Database string `yaml:"database"`

	// Redis is the address of the Redis instance backing job locks. Empty
	// disables locking for single-instance setups.
	Redis string `yaml:"redis"`

	LogLevel string `yaml:"log_level"`

	Reservation ReservationConfig `yaml:"reservation"`
	SSH         SSHConfig         `yaml:"ssh"`
	TeamCity    TeamCityConfig    `yaml:"teamcity"`

	// AuthTokens maps API tokens to usernames.
	AuthTokens map[string]string `yaml:"auth_tokens"`
}

// ReservationConfig bounds reservation lifetimes.
type ReservationConfig struct {
	// MaxMinutes is the hard reservation limit regardless of check-ins.
	MaxMinutes int `yaml:"max_minutes"`

	// CheckinTimeoutMinutes releases a reservation whose client went quiet.
	CheckinTimeoutMinutes int `yaml:"checkin_timeout_minutes"`
}

// Max returns the hard reservation limit.
func (r ReservationConfig) Max() time.Duration {
	return time.Duration(r.MaxMinutes) * time.Minute
}

// CheckinTimeout returns the check-in grace period.
func (r ReservationConfig) CheckinTimeout() time.Duration {
	return time.Duration(r.CheckinTimeoutMinutes) * time.Minute
}

// SSHConfig bounds SSH connects and remote command execution.
type SSHConfig struct {
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	ExecTimeoutSeconds    int `yaml:"exec_timeout_seconds"`
}

// ConnectTimeout returns the SSH dial timeout.
func (s SSHConfig) ConnectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSeconds) * time.Second
}

// ExecTimeout returns the remote command timeout.
func (s SSHConfig) ExecTimeout() time.Duration {
	return time.Duration(s.ExecTimeoutSeconds) * time.Second
}

// TeamCityConfig wires the optional TeamCity integration.
type TeamCityConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ReservationUser is the local username CI reservations are booked
	// under.
	ReservationUser string `yaml:"reservation_user"`
}

// Default returns the configuration defaults applied before the YAML file
// is overlaid.
func Default() *Config {
	return &Config{
		Listen:   ":8000",
		BaseURL:  "http://localhost:8000",
		Database: "quartermaster.db",
		LogLevel: "info",
		Reservation: ReservationConfig{
			MaxMinutes:            10,
			CheckinTimeoutMinutes: 5,
		},
		SSH: SSHConfig{
			ConnectTimeoutSeconds: 10,
			ExecTimeoutSeconds:    30,
		},
	}
}

// Load reads the configuration file at path over the defaults.
func Load(path string) (*Config, error) {
	config := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks constraints the YAML schema cannot express.
func (c *Config) Validate() error {
	var messages []string
	if c.Database == "" {
		messages = append(messages, "database path is required")
	}
	if c.Reservation.MaxMinutes <= 0 {
		messages = append(messages, "reservation.max_minutes must be positive")
	}
	if c.Reservation.CheckinTimeoutMinutes <= 0 {
		messages = append(messages, "reservation.checkin_timeout_minutes must be positive")
	}
	if c.TeamCity.Enabled {
		if c.TeamCity.Host == "" {
			messages = append(messages, "teamcity.host is required when teamcity is enabled")
		}
		if c.TeamCity.ReservationUser == "" {
			messages = append(messages, "teamcity.reservation_user is required when teamcity is enabled")
		}
	}
	if len(messages) > 0 {
		return util.NewConfigurationError("server config", messages...)
	}
	return nil
}
