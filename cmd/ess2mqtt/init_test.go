package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/ess2mqtt/examples"
	"github.com/nugget/ess2mqtt/internal/config"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := filepath.Join(t.TempDir(), "etc")
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}
	if !bytes.Equal(data, examples.ConfigYAML) {
		t.Error("config.yaml does not match the embedded example")
	}
	if !strings.Contains(buf.String(), "✓") {
		t.Errorf("output should list the written file, got: %s", buf.String())
	}
}

func TestRunInit_SkipsExistingFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("custom: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "custom: true\n" {
		t.Errorf("existing config was overwritten: %q", data)
	}
	if !strings.Contains(buf.String(), "left unchanged") {
		t.Errorf("output should note the skipped file, got: %s", buf.String())
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv("PASSWDESS", "secret")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, examples.ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Device.Password != "secret" {
		t.Errorf("device.password = %q, want expanded PASSWDESS", cfg.Device.Password)
	}
	if cfg.MQTT.ControlTopic != "/house/ess/set/wintermode" {
		t.Errorf("control topic = %q", cfg.MQTT.ControlTopic)
	}
	if len(cfg.Endpoints) != 5 || cfg.Endpoints[0].Namespace != "essinfo_home" {
		t.Errorf("endpoints = %+v", cfg.Endpoints)
	}
}
