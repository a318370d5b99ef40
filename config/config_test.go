package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"glasslink/eventchan"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.ServerEndpoint != "http://192.168.1.131:5000" || c.PeripheralDeviceName != "SmartGlass_BT" {
		t.Errorf("defaults = %+v", c)
	}
	if c.ChunkSize != 512 || c.ScanDuration.Duration != 10*time.Second || !c.Cues {
		t.Errorf("defaults = %+v", c)
	}
	if p := c.ReconnectPolicy(); p != eventchan.Bounded(5, time.Second) {
		t.Errorf("policy = %v", p)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	p := writeFile(t, `
server_endpoint = "http://10.0.0.2:5000"
scan_duration = "3s"
reconnect_max_attempts = 0
reconnect_base_delay_ms = 5000
cues = false
`)
	c, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if c.ServerEndpoint != "http://10.0.0.2:5000" || c.ScanDuration.Duration != 3*time.Second || c.Cues {
		t.Errorf("loaded %+v", c)
	}
	if c.PeripheralDeviceName != "SmartGlass_BT" {
		t.Error("unset key lost its default")
	}
	if got := c.ReconnectPolicy(); got != eventchan.FreshStartPolicy {
		t.Errorf("policy = %v, want %v", got, eventchan.FreshStartPolicy)
	}
}

func TestFileErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("explicit missing file accepted")
	}
	if _, err := Load(writeFile(t, `sever_endpoint = "typo"`)); err == nil || !strings.Contains(err.Error(), "sever_endpoint") {
		t.Errorf("unknown key err = %v", err)
	}
	if _, err := Load(writeFile(t, `scan_duration = "soon"`)); err == nil {
		t.Error("bad duration accepted")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeFile(t, `server_endpoint = "http://file:5000"`)
	t.Setenv("GLASSLINK_SERVER", "http://env:5000")
	t.Setenv("GLASSLINK_DEVICE_NAME", "Glass2")
	t.Setenv("GLASSLINK_RECONNECT_DELAY_MS", "250")
	t.Setenv("GLASSLINK_RECONNECT_MAX_ATTEMPTS", " 3 ")

	c, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if c.ServerEndpoint != "http://env:5000" || c.PeripheralDeviceName != "Glass2" {
		t.Errorf("loaded %+v", c)
	}
	if got := c.ReconnectPolicy(); got != eventchan.Bounded(3, 250*time.Millisecond) {
		t.Errorf("policy = %v", got)
	}

	t.Setenv("GLASSLINK_RECONNECT_MAX_ATTEMPTS", "many")
	if _, err := Load(p); err == nil {
		t.Error("non-numeric attempts accepted")
	}
}

func TestFlagsOverrideOnlyWhenSet(t *testing.T) {
	c := Default()
	c.ServerEndpoint = "http://env:5000"

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	if err := fs.Parse([]string{"-device", "Other", "-nocues", "-reconnect-attempts", "0"}); err != nil {
		t.Fatal(err)
	}
	f.Apply(&c)

	if c.ServerEndpoint != "http://env:5000" {
		t.Errorf("unset flag overrode server: %q", c.ServerEndpoint)
	}
	if c.PeripheralDeviceName != "Other" || c.Cues || c.ReconnectMaxAttempts != 0 {
		t.Errorf("flags not applied: %+v", c)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ftp endpoint", func(c *Config) { c.ServerEndpoint = "ftp://x" }, "scheme"},
		{"no host", func(c *Config) { c.ServerEndpoint = "http://" }, "missing host"},
		{"bad service uuid", func(c *Config) { c.ServiceUUID = "1234" }, "service_uuid"},
		{"bad characteristic uuid", func(c *Config) { c.CharacteristicUUID = "" }, "characteristic_uuid"},
		{"zero chunk", func(c *Config) { c.ChunkSize = 0 }, "chunk_size"},
		{"zero scan", func(c *Config) { c.ScanDuration = Duration{} }, "scan_duration"},
		{"negative delay", func(c *Config) { c.ReconnectBaseDelayMs = -1 }, "reconnect_base_delay_ms"},
		{"negative attempts", func(c *Config) { c.ReconnectMaxAttempts = -1 }, "reconnect_max_attempts"},
		{"empty audio path", func(c *Config) { c.AudioPath = "" }, "audio_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestReconnectPolicyBackoff(t *testing.T) {
	c := Default()
	c.ReconnectMaxDelayMs = 5000
	if p := c.ReconnectPolicy(); p != eventchan.SessionPolicy {
		t.Errorf("policy = %+v, want %+v", p, eventchan.SessionPolicy)
	}
}
