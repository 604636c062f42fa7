package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "MEALGATE"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "mealgate.db"
	defaultLogLevel       = "info"
	defaultTokenTTLMinute = 60 * 24 * 30
	defaultMorningHour    = 8
	defaultNightHour      = 17
	defaultTimezone       = "Asia/Dhaka"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	TokenTTL      time.Duration
	Cutoff        CutoffConfig
}

// CutoffConfig holds the meal cutoff hours and the zone they are evaluated in.
type CutoffConfig struct {
	MorningHour int
	NightHour   int
	Timezone    string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinute)
	configViper.SetDefault("cutoff.morning_hour", defaultMorningHour)
	configViper.SetDefault("cutoff.night_hour", defaultNightHour)
	configViper.SetDefault("cutoff.timezone", defaultTimezone)

	applyClientDefaults(configViper)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		Cutoff:        loadCutoff(configViper),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func loadCutoff(configViper *viper.Viper) CutoffConfig {
	return CutoffConfig{
		MorningHour: configViper.GetInt("cutoff.morning_hour"),
		NightHour:   configViper.GetInt("cutoff.night_hour"),
		Timezone:    configViper.GetString("cutoff.timezone"),
	}
}

// Location resolves the configured timezone.
func (c CutoffConfig) Location() (*time.Location, error) {
	location, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("cutoff.timezone %q: %w", c.Timezone, err)
	}
	return location, nil
}

func (c CutoffConfig) validate() error {
	if c.MorningHour < 0 || c.MorningHour > 23 {
		return fmt.Errorf("cutoff.morning_hour must be between 0 and 23")
	}
	if c.NightHour < 0 || c.NightHour > 23 {
		return fmt.Errorf("cutoff.night_hour must be between 0 and 23")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return c.Cutoff.validate()
}
