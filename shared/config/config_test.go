package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func setTrackingEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TRACKING_API_URL", "https://tracker.example.com/api")
	t.Setenv("TRACKING_USERNAME", "acme")
	t.Setenv("TRACKING_PASSWORD", "s3cret")
}

func TestLoadDefaults(t *testing.T) {
	setTrackingEnv(t)
	t.Setenv("CONFIG_PATH", "")

	cfg, problems := Load("dispatcher", 3001)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.HTTPPort != 3001 || cfg.ServiceName != "dispatcher" {
		t.Fatalf("unexpected identity: %+v", cfg)
	}
	if cfg.PollPositionsSec != 10 || cfg.PollActivitiesSec != 5 || cfg.PollDevicesSec != 60 || cfg.PollFleetSec != 30 {
		t.Fatalf("unexpected cadences: %+v", cfg)
	}
	if cfg.AlertPruneSec != 300 || cfg.SpeedLimitKmh != 90 || cfg.IdleAlertSec != 1800 {
		t.Fatalf("unexpected alert settings: %+v", cfg)
	}
	if cfg.TrackingTimeout().Seconds() != 30 {
		t.Fatalf("expected 30s tracking timeout, got %s", cfg.TrackingTimeout())
	}
}

func TestLoadMissingTrackingCredentials(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("TRACKING_API_URL", "")
	t.Setenv("TRACKING_USERNAME", "")
	t.Setenv("TRACKING_PASSWORD", "")
	t.Setenv("VITE_LOCTRACKER_API_URL", "")
	t.Setenv("VITE_LOCTRACKER_USERNAME", "")
	t.Setenv("VITE_LOCTRACKER_PASSWORD", "")

	_, problems := Load("dispatcher", 3001)
	fields := map[string]bool{}
	for _, p := range problems {
		fields[p.Field] = true
	}
	for _, want := range []string{"TRACKING_API_URL", "TRACKING_USERNAME", "TRACKING_PASSWORD"} {
		if !fields[want] {
			t.Fatalf("expected problem for %s, got %#v", want, problems)
		}
	}
}

func TestLoadLegacyAliases(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("TRACKING_API_URL", "")
	t.Setenv("TRACKING_USERNAME", "canonical")
	t.Setenv("TRACKING_PASSWORD", "")
	t.Setenv("VITE_LOCTRACKER_API_URL", "https://legacy.example.com")
	t.Setenv("VITE_LOCTRACKER_USERNAME", "legacy")
	t.Setenv("VITE_LOCTRACKER_PASSWORD", "pw")

	cfg, problems := Load("dispatcher", 3001)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.TrackingAPIURL != "https://legacy.example.com" || cfg.TrackingPassword != "pw" {
		t.Fatalf("aliases not applied: %+v", cfg)
	}
	if cfg.TrackingUsername != "canonical" {
		t.Fatalf("canonical name should win, got %q", cfg.TrackingUsername)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	setTrackingEnv(t)
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("POLL_POSITIONS_SECONDS", "0")
	t.Setenv("SPEED_LIMIT_KMH", "fast")

	cfg, problems := Load("dispatcher", 3001)
	if len(problems) != 2 {
		t.Fatalf("expected 2 problems, got %#v", problems)
	}
	if cfg.PollPositionsSec != 10 || cfg.SpeedLimitKmh != 90 {
		t.Fatalf("expected fallback values, got %+v", cfg)
	}
}

func TestLoadConfigFile(t *testing.T) {
	setTrackingEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"poll_fleet_seconds": 45, "kafka_brokers": ["k1:9092", " "], "OTEL_ENABLED": true, "unknown": 1}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("POLL_FLEET_SECONDS", "")

	cfg, problems := Load("dispatcher", 3001)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.PollFleetSec != 45 || !cfg.OtelEnabled {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "k1:9092" {
		t.Fatalf("unexpected brokers: %#v", cfg.KafkaBrokers)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	setTrackingEnv(t)
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))

	_, problems := Load("dispatcher", 3001)
	if len(problems) != 1 || problems[0].Field != "CONFIG_PATH" {
		t.Fatalf("expected CONFIG_PATH problem, got %#v", problems)
	}
}
