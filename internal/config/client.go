package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultServerURL     = "http://127.0.0.1:8080"
	defaultSyncInterval  = 5 * time.Minute
	defaultStaleAfter    = time.Hour
	defaultMaxAge        = 24 * time.Hour
	defaultMaxAttempts   = 3
	defaultMaxRetries    = 3
	defaultBaseDelay     = time.Second
	defaultMaxDelay      = 10 * time.Second
	defaultProbeInterval = 15 * time.Second
	stateDirName         = "mealgate"
)

// ClientConfig captures runtime configuration for the member client.
type ClientConfig struct {
	ServerURL     string
	Token         string
	MemberID      string
	StateDir      string
	LogLevel      string
	SyncInterval  time.Duration
	StaleAfter    time.Duration
	MaxAge        time.Duration
	MaxAttempts   int
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	ProbeInterval time.Duration
	// Cutoff is used only when the server's settings cannot be fetched.
	Cutoff CutoffConfig
}

func applyClientDefaults(configViper *viper.Viper) {
	configViper.SetDefault("client.server_url", defaultServerURL)
	configViper.SetDefault("client.state_dir", defaultStateDir())
	configViper.SetDefault("clock.sync_interval", defaultSyncInterval)
	configViper.SetDefault("clock.stale_after", defaultStaleAfter)
	configViper.SetDefault("clock.max_age", defaultMaxAge)
	configViper.SetDefault("queue.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("retry.max_retries", defaultMaxRetries)
	configViper.SetDefault("retry.base_delay", defaultBaseDelay)
	configViper.SetDefault("retry.max_delay", defaultMaxDelay)
	configViper.SetDefault("connectivity.probe_interval", defaultProbeInterval)
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, stateDirName)
	}
	return "." + stateDirName
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:     strings.TrimSpace(configViper.GetString("client.server_url")),
		Token:         strings.TrimSpace(configViper.GetString("client.token")),
		MemberID:      strings.TrimSpace(configViper.GetString("client.member_id")),
		StateDir:      strings.TrimSpace(configViper.GetString("client.state_dir")),
		LogLevel:      configViper.GetString("log.level"),
		SyncInterval:  configViper.GetDuration("clock.sync_interval"),
		StaleAfter:    configViper.GetDuration("clock.stale_after"),
		MaxAge:        configViper.GetDuration("clock.max_age"),
		MaxAttempts:   configViper.GetInt("queue.max_attempts"),
		MaxRetries:    configViper.GetInt("retry.max_retries"),
		BaseDelay:     configViper.GetDuration("retry.base_delay"),
		MaxDelay:      configViper.GetDuration("retry.max_delay"),
		ProbeInterval: configViper.GetDuration("connectivity.probe_interval"),
		Cutoff:        loadCutoff(configViper),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c ClientConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("client.server_url is required")
	}
	if c.Token == "" {
		return fmt.Errorf("client.token is required")
	}
	if c.MemberID == "" {
		return fmt.Errorf("client.member_id is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("client.state_dir is required")
	}
	if c.SyncInterval <= 0 || c.StaleAfter <= 0 || c.MaxAge <= 0 {
		return fmt.Errorf("clock intervals must be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.BaseDelay <= 0 || c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("retry delays must be positive with max_delay >= base_delay")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("connectivity.probe_interval must be positive")
	}
	return c.Cutoff.validate()
}
