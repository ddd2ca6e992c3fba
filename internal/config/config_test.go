package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error
	// (Save and restore CWD to avoid finding the repo's config)
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lancom-ble.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8099\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "lancom-ble.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "lancom-ble.yaml")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "lancom-ble.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8099 {
		t.Errorf("port = %d, want 8099", cfg.Listen.Port)
	}
	if cfg.WebhookID != "lancom_ble_webhook" {
		t.Errorf("webhook_id = %q, want lancom_ble_webhook", cfg.WebhookID)
	}
	if cfg.Registry.Driver != "sqlite" {
		t.Errorf("registry.driver = %q, want sqlite", cfg.Registry.Driver)
	}
	if cfg.MQTT.TopicPrefix != "lancom-ble" {
		t.Errorf("mqtt.topic_prefix = %q, want lancom-ble", cfg.MQTT.TopicPrefix)
	}
	if cfg.MQTT.PublishIntervalSec != 15 {
		t.Errorf("mqtt.publish_interval_seconds = %d, want 15", cfg.MQTT.PublishIntervalSec)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	path := writeConfig(t, "home_assistant:\n  url: http://ha.local:8123\n  token: ${LANCOM_BLE_TEST_TOKEN}\n")
	os.Setenv("LANCOM_BLE_TEST_TOKEN", "secret123")
	defer os.Unsetenv("LANCOM_BLE_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.HomeAssistant.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.HomeAssistant.Token, "secret123")
	}
	if !cfg.HomeAssistant.Configured() {
		t.Error("Configured() = false, want true")
	}
}

func TestLoad_AccessPointsString(t *testing.T) {
	cfg, err := Load(writeConfig(t, `access_points: "AA:BB:CC:DD:EE:FF, 11-22-33-44-55-66"`+"\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.AccessPoints) != 1 {
		t.Fatalf("AccessPoints = %v, want single raw token", cfg.AccessPoints)
	}
}

func TestLoad_AccessPointsList(t *testing.T) {
	cfg, err := Load(writeConfig(t, "access_points:\n  - AA:BB:CC:DD:EE:FF\n  - 11-22-33-44-55-66\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.AccessPoints) != 2 {
		t.Fatalf("AccessPoints = %v, want 2 entries", cfg.AccessPoints)
	}
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	_, err := Load(writeConfig(t, "webook_id: typo\n"))
	if err == nil {
		t.Fatal("Load with unknown key should error")
	}
}

func TestValidate_BadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Listen.Port = 70000 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"bad registry driver", func(c *Config) { c.Registry.Driver = "postgres" }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus_Mons" }},
		{"zero publish interval", func(c *Config) { c.MQTT.PublishIntervalSec = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseLogFormat(t *testing.T) {
	for _, in := range []string{"", "auto", "text", "json", "console", "JSON"} {
		if _, err := ParseLogFormat(in); err != nil {
			t.Errorf("ParseLogFormat(%q) error = %v", in, err)
		}
	}
	if _, err := ParseLogFormat("yaml"); err == nil {
		t.Error("ParseLogFormat(\"yaml\") = nil error, want error")
	}
}

func TestLocation(t *testing.T) {
	cfg := Default()
	cfg.Timezone = "Europe/Berlin"
	if got := cfg.Location().String(); got != "Europe/Berlin" {
		t.Errorf("Location() = %q, want Europe/Berlin", got)
	}

	cfg.Timezone = ""
	if got := cfg.Location(); got != nil && got.String() == "" {
		t.Errorf("Location() with empty timezone = %v, want local", got)
	}
}
