package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Path() != filepath.Join(dir, DefaultConfigFile) {
		t.Fatalf("Path() = %s", cfg.Path())
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if r := Validate(cfg); !r.IsValid() {
		t.Fatalf("default config is invalid: %v", r.Errors)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFile)
	if err := os.WriteFile(path, []byte(`{"netplay":{"role":"client","host":"10.0.0.2","port":9000}}`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	n := cfg.GetNetplay()
	if n.Role != "client" || n.Host != "10.0.0.2" || n.Port != 9000 {
		t.Fatalf("file values not applied: %+v", n)
	}
	if n.SnapshotIntervalTicks != 30 || n.ConnectAttempts != 5 {
		t.Fatalf("defaults not kept: %+v", n)
	}
	if n.ConnectBackoff() != time.Second || n.HandshakeTimeout() != 30*time.Second {
		t.Fatalf("durations: %v %v", n.ConnectBackoff(), n.HandshakeTimeout())
	}

	// The file is rewritten with the complete set of fields.
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "snapshot_interval_ticks") {
		t.Fatalf("re-saved config is missing default fields:\n%s", data)
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{not json"), 0644)
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad role", func(c *Config) { c.Netplay.Role = "spectator" }, "netplay.role"},
		{"client without host", func(c *Config) { c.Netplay.Role = "client"; c.Netplay.Host = "" }, "netplay.host"},
		{"bad port", func(c *Config) { c.Netplay.Port = 70000 }, "netplay.port"},
		{"bad transport", func(c *Config) { c.Netplay.Transport = "udp" }, "netplay.transport"},
		{"no attempts", func(c *Config) { c.Netplay.ConnectAttempts = 0 }, "netplay.connect_attempts"},
		{"zero snapshot interval", func(c *Config) { c.Netplay.SnapshotIntervalTicks = 0 }, "netplay.snapshot_interval_ticks"},
		{"bad tick rate", func(c *Config) { c.Netplay.TickRate = 0 }, "netplay.tick_rate"},
		{"mqtt without broker", func(c *Config) {
			c.ApplicationData.MQTT.Enabled = true
			c.ApplicationData.MQTT.BrokerURL = ""
		}, "application_data.mqtt.broker_url"},
		{"database without path", func(c *Config) { c.ApplicationData.Database.Path = " " }, "application_data.database.path"},
		{"inverted thresholds", func(c *Config) {
			c.ApplicationData.Monitor.RTTWarningMS = 300
		}, "application_data.monitor.rtt_warning_ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			r := Validate(cfg)
			if r.IsValid() {
				t.Fatalf("expected an error on %s", tt.field)
			}
			found := false
			for _, e := range r.Errors {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("errors %v do not mention %s", r.Errors, tt.field)
			}
		})
	}
}

func TestValidateWarnings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Netplay.Port = 80
	cfg.Netplay.SnapshotIntervalTicks = 1200
	r := Validate(cfg)
	if !r.IsValid() {
		t.Fatalf("warnings reported as errors: %v", r.Errors)
	}
	if len(r.Warnings) != 2 {
		t.Fatalf("warnings = %v, want 2", r.Warnings)
	}
}

func TestUpdateNetplayField(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.UpdateNetplayField("port", 7600); err != nil {
		t.Fatalf("UpdateNetplayField: %v", err)
	}
	if cfg.GetNetplay().Port != 7600 {
		t.Fatalf("port = %d", cfg.GetNetplay().Port)
	}
	if err := cfg.UpdateNetplayField("no_such_field", 1); err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if err := cfg.UpdateNetplayField("port", "not a number"); err == nil {
		t.Fatalf("expected error for wrong type")
	}
	if cfg.GetNetplay().Port != 7600 {
		t.Fatalf("failed update changed the config")
	}
}

func TestSetupWizard(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)

	answers := strings.Join([]string{
		"client",      // role
		"192.168.1.5", // host
		"",            // port, default
		"websocket",   // transport
		"no",          // api
		"",            // database, default
		"no",          // mqtt
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := RunSetupWizard(cfg, strings.NewReader(answers), &out); err != nil {
		t.Fatalf("RunSetupWizard: %v\n%s", err, out.String())
	}
	n := cfg.GetNetplay()
	if n.Role != "client" || n.Host != "192.168.1.5" || n.Port != DefaultNetplayPort || n.Transport != TransportWebSocket {
		t.Fatalf("netplay = %+v", n)
	}
	if cfg.GetApplicationData().API.Enabled {
		t.Fatalf("api still enabled")
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Fatalf("wizard did not save: %v", err)
	}
}

func TestSetupWizardRejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), DefaultConfigFile)
	answers := "server\n\nudp\nno\nno\nno\n"
	var out bytes.Buffer
	if err := RunSetupWizard(cfg, strings.NewReader(answers), &out); err == nil {
		t.Fatalf("expected validation failure")
	}
	if !strings.Contains(out.String(), "netplay.transport") {
		t.Fatalf("output does not name the bad field:\n%s", out.String())
	}
}
