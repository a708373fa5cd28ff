package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quartermaster-dev/quartermaster/pkg/config"
	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, ":8000", cfg.Listen)
	assert.Equal(t, "quartermaster.db", cfg.Database)
	assert.Equal(t, 10*time.Minute, cfg.Reservation.Max())
	assert.Equal(t, 5*time.Minute, cfg.Reservation.CheckinTimeout())
	assert.Equal(t, 10*time.Second, cfg.SSH.ConnectTimeout())
	assert.Equal(t, 30*time.Second, cfg.SSH.ExecTimeout())
	assert.NoError(t, cfg.Validate(), "defaults should validate")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quartermaster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
base_url: https://qm.example.com
redis: redis.example.com:6379
reservation:
  max_minutes: 30
teamcity:
  enabled: true
  host: https://tc.example.com
  username: qm
  password: hunter2
  reservation_user: teamcity
auth_tokens:
  tok-alice: alice
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 30*time.Minute, cfg.Reservation.Max())
	// Settings the file does not mention keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.Reservation.CheckinTimeout())
	assert.Equal(t, "quartermaster.db", cfg.Database)
	assert.Equal(t, "alice", cfg.AuthTokens["tok-alice"])
	assert.True(t, cfg.TeamCity.Enabled)
	assert.Equal(t, "teamcity", cfg.TeamCity.ReservationUser)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty database", func(c *config.Config) { c.Database = "" }},
		{"nonpositive reservation max", func(c *config.Config) { c.Reservation.MaxMinutes = 0 }},
		{"nonpositive checkin timeout", func(c *config.Config) { c.Reservation.CheckinTimeoutMinutes = -1 }},
		{"teamcity without host", func(c *config.Config) {
			c.TeamCity.Enabled = true
			c.TeamCity.ReservationUser = "teamcity"
		}},
		{"teamcity without user", func(c *config.Config) {
			c.TeamCity.Enabled = true
			c.TeamCity.Host = "https://tc.example.com"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.True(t, errors.Is(err, util.ErrConfiguration), "got %v", err)
		})
	}
}
