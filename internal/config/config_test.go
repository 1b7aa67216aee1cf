package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `device:
  url: https://10.10.40.11
  password: ${ESS2MQTT_TEST_PASSWD}
mqtt:
  broker: mqtt://koserver.iot:1883
  base_topic: /house/basement/ess/
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, minimalYAML)

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

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(minimalYAML), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("ESS2MQTT_TEST_PASSWD", "secret123")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Device.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.Device.Password, "secret123")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ESS2MQTT_TEST_PASSWD", "secret123")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"base topic trimmed", cfg.MQTT.BaseTopic, "/house/basement/ess"},
		{"agent topic", cfg.MQTT.AgentTopic, "/house/agents/Ess2Mqtt"},
		{"control topic", cfg.MQTT.ControlTopic, "/house/basement/ess/set/wintermode"},
		{"bus log level", cfg.MQTT.LogLevel, "warn"},
		{"telemetry", cfg.Schedule.Telemetry, 30 * time.Second},
		{"heartbeat", cfg.Schedule.Heartbeat, 10 * time.Second},
		{"pump", cfg.Schedule.Pump, 500 * time.Millisecond},
		{"tick", cfg.Schedule.Tick, 250 * time.Millisecond},
		{"device timeout", cfg.Device.Timeout, 10 * time.Second},
		{"skip verify", cfg.Device.SkipVerify(), true},
		{"control enabled", cfg.Control.IsEnabled(), true},
		{"subscriptions", cfg.Heartbeat.IncludeSubscriptions(), true},
		{"season start", cfg.Control.SeasonStart, "1101"},
		{"season stop", cfg.Control.SeasonStop, "0228"},
		{"endpoints", len(cfg.Endpoints), 5},
		{"primary", cfg.Endpoints[0].Namespace, "essinfo_home"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoad_Durations(t *testing.T) {
	t.Setenv("ESS2MQTT_TEST_PASSWD", "x")
	body := minimalYAML + `schedule:
  telemetry: 15s
  tick: 100ms
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Schedule.Telemetry != 15*time.Second {
		t.Errorf("telemetry = %v, want 15s", cfg.Schedule.Telemetry)
	}
	if cfg.Schedule.Tick != 100*time.Millisecond {
		t.Errorf("tick = %v, want 100ms", cfg.Schedule.Tick)
	}
}

func TestLoad_MissingPassword(t *testing.T) {
	t.Setenv("ESS2MQTT_TEST_PASSWD", "")

	_, err := Load(writeConfig(t, minimalYAML))
	if err == nil {
		t.Fatal("Load should fail when the device password is empty")
	}
	if !strings.Contains(err.Error(), "password") {
		t.Errorf("error = %v, want mention of password", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{
			Device: DeviceConfig{URL: "https://ess.local", Password: "pw"},
			MQTT:   MQTTConfig{Broker: "mqtt://broker:1883", BaseTopic: "ess"},
		}
		c.ApplyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"no url", func(c *Config) { c.Device.URL = "" }, true},
		{"url without scheme", func(c *Config) { c.Device.URL = "10.10.40.11" }, true},
		{"no broker", func(c *Config) { c.MQTT.Broker = "" }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"bad bus log level", func(c *Config) { c.MQTT.LogLevel = "loud" }, true},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, true},
		{"bad season start", func(c *Config) { c.Control.SeasonStart = "1301" }, true},
		{"bad season stop", func(c *Config) { c.Control.SeasonStop = "02-28" }, true},
		{"empty namespace", func(c *Config) { c.Endpoints[1].Namespace = "" }, true},
		{"duplicate namespace", func(c *Config) { c.Endpoints[1].Namespace = c.Endpoints[0].Namespace }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDeviceConfig_SkipVerifyExplicitFalse(t *testing.T) {
	off := false
	c := DeviceConfig{InsecureSkipVerify: &off}
	if c.SkipVerify() {
		t.Error("SkipVerify() = true, want false when explicitly disabled")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"trace", LevelTrace, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warning ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", a.Value.String())
	}
}
