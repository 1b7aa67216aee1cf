// Package config handles ess2mqtt configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ess2mqtt/config.yaml, /etc/ess2mqtt/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ess2mqtt", "config.yaml"))
	}

	paths = append(paths, "/etc/ess2mqtt/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all ess2mqtt configuration.
type Config struct {
	Device    DeviceConfig     `yaml:"device"`
	MQTT      MQTTConfig       `yaml:"mqtt"`
	Schedule  ScheduleConfig   `yaml:"schedule"`
	Control   ControlConfig    `yaml:"control"`
	Heartbeat HeartbeatConfig  `yaml:"heartbeat"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
	LogLevel  string           `yaml:"log_level"`
	LogFormat string           `yaml:"log_format"` // text (default) or json
}

// DeviceConfig describes how to reach the ESS local API.
type DeviceConfig struct {
	// URL is the scheme and host of the device, e.g. "https://10.10.40.11".
	URL string `yaml:"url"`
	// Password is the installer password. Normally supplied through
	// ${PASSWDESS} so it never lands in the file itself.
	Password string `yaml:"password"`
	// InsecureSkipVerify disables TLS certificate checks. The device
	// ships a self-signed certificate, so this defaults to true.
	InsecureSkipVerify *bool `yaml:"insecure_skip_verify"`
	// Timeout bounds every single HTTP call (default 10s).
	Timeout time.Duration `yaml:"timeout"`
}

// SkipVerify reports the effective TLS verification setting.
func (c DeviceConfig) SkipVerify() bool {
	return c.InsecureSkipVerify == nil || *c.InsecureSkipVerify
}

// MQTTConfig defines the broker connection and topic layout.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`

	// BaseTopic is the namespace metrics are published under.
	BaseTopic string `yaml:"base_topic"`
	// AgentTopic carries heartbeat, subscriptions, availability and log.
	AgentTopic string `yaml:"agent_topic"`
	// ControlTopic is the single command topic the bridge subscribes to.
	ControlTopic string `yaml:"control_topic"`
	// LogLevel is the minimum level mirrored to the log topic (default warn).
	LogLevel string `yaml:"log_level"`
}

// Configured reports whether enough MQTT configuration is present to
// attempt a broker connection.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.BaseTopic != ""
}

// ScheduleConfig holds the periodic task intervals.
type ScheduleConfig struct {
	Telemetry time.Duration `yaml:"telemetry"` // default 30s
	Heartbeat time.Duration `yaml:"heartbeat"` // default 10s
	Pump      time.Duration `yaml:"pump"`      // default 500ms
	Tick      time.Duration `yaml:"tick"`      // default 250ms
}

// ControlConfig configures the command channel.
type ControlConfig struct {
	Enabled *bool `yaml:"enabled"`
	// SeasonStart and SeasonStop bound the seasonal charging window as
	// MMDD strings (defaults 1101 and 0228).
	SeasonStart string `yaml:"season_start"`
	SeasonStop  string `yaml:"season_stop"`
}

// IsEnabled reports whether the control channel should subscribe.
// Defaults to true.
func (c ControlConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// HeartbeatConfig configures the liveness reporter.
type HeartbeatConfig struct {
	PublishSubscriptions *bool `yaml:"publish_subscriptions"`
}

// IncludeSubscriptions reports whether the subscription catalog is
// published alongside the heartbeat. Defaults to true.
func (c HeartbeatConfig) IncludeSubscriptions() bool {
	return c.PublishSubscriptions == nil || *c.PublishSubscriptions
}

// EndpointConfig maps a device resource path to a metric namespace.
// The first configured endpoint is the primary telemetry document.
type EndpointConfig struct {
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// DefaultEndpoints is the endpoint list used when none is configured.
func DefaultEndpoints() []EndpointConfig {
	return []EndpointConfig{
		{Path: "user/essinfo/home", Namespace: "essinfo_home"},
		{Path: "user/setting/systeminfo", Namespace: "setting_systeminfo"},
		{Path: "user/setting/batt", Namespace: "setting_batt"},
		{Path: "user/essinfo/common", Namespace: "essinfo_common"},
		{Path: "user/setting/network", Namespace: "setting_network"},
	}
}

var mmdd = regexp.MustCompile(`^(0[1-9]|1[0-2])(0[1-9]|[12][0-9]|3[01])$`)

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills zero-value fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Device.Timeout <= 0 {
		c.Device.Timeout = 10 * time.Second
	}

	c.MQTT.BaseTopic = strings.TrimRight(c.MQTT.BaseTopic, "/")
	c.MQTT.AgentTopic = strings.TrimRight(c.MQTT.AgentTopic, "/")
	if c.MQTT.AgentTopic == "" {
		c.MQTT.AgentTopic = "/house/agents/Ess2Mqtt"
	}
	if c.MQTT.ControlTopic == "" && c.MQTT.BaseTopic != "" {
		c.MQTT.ControlTopic = c.MQTT.BaseTopic + "/set/wintermode"
	}
	if c.MQTT.LogLevel == "" {
		c.MQTT.LogLevel = "warn"
	}

	if c.Schedule.Telemetry <= 0 {
		c.Schedule.Telemetry = 30 * time.Second
	}
	if c.Schedule.Heartbeat <= 0 {
		c.Schedule.Heartbeat = 10 * time.Second
	}
	if c.Schedule.Pump <= 0 {
		c.Schedule.Pump = 500 * time.Millisecond
	}
	if c.Schedule.Tick <= 0 {
		c.Schedule.Tick = 250 * time.Millisecond
	}

	if c.Control.SeasonStart == "" {
		c.Control.SeasonStart = "1101"
	}
	if c.Control.SeasonStop == "" {
		c.Control.SeasonStop = "0228"
	}

	if len(c.Endpoints) == 0 {
		c.Endpoints = DefaultEndpoints()
	}
}

// Validate checks the configuration for errors that would prevent the
// bridge from running. It assumes ApplyDefaults has been called.
func (c *Config) Validate() error {
	if c.Device.URL == "" {
		return fmt.Errorf("device.url is required")
	}
	if !strings.HasPrefix(c.Device.URL, "http://") && !strings.HasPrefix(c.Device.URL, "https://") {
		return fmt.Errorf("device.url %q must start with http:// or https://", c.Device.URL)
	}
	if c.Device.Password == "" {
		return fmt.Errorf("device.password is required (set PASSWDESS)")
	}
	if !c.MQTT.Configured() {
		return fmt.Errorf("mqtt.broker and mqtt.base_topic are required")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if _, err := ParseLogLevel(c.MQTT.LogLevel); err != nil {
		return fmt.Errorf("mqtt.log_level: %w", err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q must be text or json", c.LogFormat)
	}
	if !mmdd.MatchString(c.Control.SeasonStart) {
		return fmt.Errorf("control.season_start %q is not MMDD", c.Control.SeasonStart)
	}
	if !mmdd.MatchString(c.Control.SeasonStop) {
		return fmt.Errorf("control.season_stop %q is not MMDD", c.Control.SeasonStop)
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Path == "" || ep.Namespace == "" {
			return fmt.Errorf("endpoints[%d]: path and namespace are required", i)
		}
		if seen[ep.Namespace] {
			return fmt.Errorf("endpoints[%d]: duplicate namespace %q", i, ep.Namespace)
		}
		seen[ep.Namespace] = true
	}
	return nil
}
