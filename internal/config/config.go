package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// FileName is the name of both the global and the per-project config file
const FileName = ".socket-file-sync"

// DefaultPort is the port the server listens on when none is configured
const DefaultPort = 50581

// Config is the global layer: the file in the home directory, environment
// variables and command line flags
type Config struct {
	Secret         string `json:"secret,omitempty" mapstructure:"secret"`
	Port           int    `json:"port" mapstructure:"port"`
	Server         string `json:"server,omitempty" mapstructure:"server"`
	Cwd            string `json:"cwd,omitempty" mapstructure:"cwd"`
	TwoWay         bool   `json:"twoWay" mapstructure:"twoWay"`
	DeleteOnRemote bool   `json:"deleteOnRemote" mapstructure:"deleteOnRemote"`
	DeleteByRemote bool   `json:"deleteByRemote" mapstructure:"deleteByRemote"`

	// Server tuning
	GracePeriod    time.Duration `json:"gracePeriod" mapstructure:"gracePeriod"`
	DebounceWindow time.Duration `json:"debounceWindow" mapstructure:"debounceWindow"`
	SessionTTL     time.Duration `json:"sessionTTL" mapstructure:"sessionTTL"`
	SweepSchedule  string        `json:"sweepSchedule" mapstructure:"sweepSchedule"`
	JournalPath    string        `json:"journalPath,omitempty" mapstructure:"journalPath"`

	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	File   string `json:"file,omitempty" mapstructure:"file"`
	Pretty bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Port:           DefaultPort,
		GracePeriod:    30 * time.Second,
		DebounceWindow: time.Second,
		SessionTTL:     time.Hour,
		SweepSchedule:  "*/5 * * * *",
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// String returns a JSON representation with the secret masked
func (c *Config) String() string {
	cp := *c
	if cp.Secret != "" {
		cp.Secret = Redacted
	}
	data, _ := json.MarshalIndent(cp, "", "  ")
	return string(data)
}

// Validate checks values the schema cannot express
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("gracePeriod must be positive")
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("debounceWindow must be positive")
	}
	if c.SessionTTL < c.GracePeriod {
		return fmt.Errorf("sessionTTL (%s) must not be shorter than gracePeriod (%s)", c.SessionTTL, c.GracePeriod)
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return fmt.Errorf("invalid sweepSchedule %q: %w", c.SweepSchedule, err)
	}
	return nil
}
