package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("MEALGATE_AUTH_SIGNING_SECRET", "secret")
	configViper := NewViper()

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Cutoff.MorningHour != 8 || cfg.Cutoff.NightHour != 17 || cfg.Cutoff.Timezone != "Asia/Dhaka" {
		t.Fatalf("unexpected cutoff defaults %+v", cfg.Cutoff)
	}
	if cfg.TokenTTL != 30*24*time.Hour {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	t.Setenv("MEALGATE_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("MEALGATE_CUTOFF_MORNING_HOUR", "9")
	t.Setenv("MEALGATE_CUTOFF_TIMEZONE", "UTC")
	configViper := NewViper()

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Cutoff.MorningHour != 9 || cfg.Cutoff.Timezone != "UTC" {
		t.Fatalf("environment overrides ignored: %+v", cfg.Cutoff)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]interface{}
		expected string
	}{
		{name: "missing secret", settings: map[string]interface{}{}, expected: "auth.signing_secret"},
		{name: "bad hour", settings: map[string]interface{}{"auth.signing_secret": "s", "cutoff.night_hour": 24}, expected: "cutoff.night_hour"},
		{name: "bad zone", settings: map[string]interface{}{"auth.signing_secret": "s", "cutoff.timezone": "Mars/Olympus"}, expected: "cutoff.timezone"},
		{name: "zero ttl", settings: map[string]interface{}{"auth.signing_secret": "s", "auth.token_ttl_minutes": 0}, expected: "auth.token_ttl_minutes"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.expected) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.expected, err)
			}
		})
	}
}

func TestLoadClient(t *testing.T) {
	configViper := NewViper()
	configViper.Set("client.token", "token")
	configViper.Set("client.member_id", "member-1")
	configViper.Set("client.state_dir", t.TempDir())
	configViper.Set("retry.base_delay", "2s")

	cfg, err := LoadClient(configViper)
	if err != nil {
		t.Fatalf("load client failed: %v", err)
	}
	if cfg.BaseDelay != 2*time.Second || cfg.MaxDelay != defaultMaxDelay {
		t.Fatalf("unexpected retry delays %s/%s", cfg.BaseDelay, cfg.MaxDelay)
	}
	if cfg.MaxAttempts != 3 || cfg.SyncInterval != 5*time.Minute || cfg.MaxAge != 24*time.Hour {
		t.Fatalf("unexpected client defaults %+v", cfg)
	}
}

func TestLoadClientRequiresIdentity(t *testing.T) {
	configViper := NewViper()
	configViper.Set("client.member_id", "member-1")

	if _, err := LoadClient(configViper); err == nil || !strings.Contains(err.Error(), "client.token") {
		t.Fatalf("expected missing token error, got %v", err)
	}
}
