// Package config loads settings from built-in defaults, an optional TOML
// file, GLASSLINK_* environment variables and command-line flags, in that
// order of precedence. Nothing is ever written back.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"glasslink/eventchan"
)

// Duration reads values such as "10s" or "1500ms" from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	ServerEndpoint       string   `toml:"server_endpoint"`
	PeripheralDeviceName string   `toml:"peripheral_device_name"`
	ServiceUUID          string   `toml:"service_uuid"`
	CharacteristicUUID   string   `toml:"characteristic_uuid"`
	ChunkSize            int      `toml:"chunk_size"`
	ScanDuration         Duration `toml:"scan_duration"`
	ReconnectBaseDelayMs int      `toml:"reconnect_base_delay_ms"`
	// ReconnectMaxAttempts of zero retries forever.
	ReconnectMaxAttempts int    `toml:"reconnect_max_attempts"`
	ReconnectMaxDelayMs  int    `toml:"reconnect_max_delay_ms"`
	AudioPath            string `toml:"audio_path"`
	Cues                 bool   `toml:"cues"`
}

func Default() Config {
	return Config{
		ServerEndpoint:       "http://192.168.1.131:5000",
		PeripheralDeviceName: "SmartGlass_BT",
		ServiceUUID:          "4fafc201-1fb5-459e-8fcc-c5c9c331914b",
		CharacteristicUUID:   "beb5483e-36e1-4688-b7f5-ea07361b26a8",
		ChunkSize:            512,
		ScanDuration:         Duration{10 * time.Second},
		ReconnectBaseDelayMs: 1000,
		ReconnectMaxAttempts: 5,
		AudioPath:            filepath.Join(os.TempDir(), "glasslink", "temp_audio.wav"),
		Cues:                 true,
	}
}

// DefaultPath is $XDG_CONFIG_HOME/glasslink/config.toml, or the platform
// equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "glasslink", "config.toml")
}

// Load layers the file at path and the environment over the defaults. An
// empty path means DefaultPath, which may be absent.
func Load(path string) (Config, error) {
	c := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := c.loadFile(path); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return c, err
			}
		}
	}
	if err := c.loadEnv(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("%s: %s", path, strict.String())
		}
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	if v := os.Getenv("GLASSLINK_SERVER"); v != "" {
		c.ServerEndpoint = v
	}
	if v := os.Getenv("GLASSLINK_DEVICE_NAME"); v != "" {
		c.PeripheralDeviceName = v
	}
	for _, e := range []struct {
		name string
		dst  *int
	}{
		{"GLASSLINK_RECONNECT_DELAY_MS", &c.ReconnectBaseDelayMs},
		{"GLASSLINK_RECONNECT_MAX_ATTEMPTS", &c.ReconnectMaxAttempts},
	} {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
		*e.dst = n
	}
	return nil
}

// isUUID accepts only the hyphenated 36-character form the BLE stack parses.
func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}

func (c Config) Validate() error {
	u, err := url.Parse(c.ServerEndpoint)
	if err != nil {
		return fmt.Errorf("server_endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("server_endpoint %q: scheme must be http, https, ws or wss", c.ServerEndpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("server_endpoint %q: missing host", c.ServerEndpoint)
	}
	if !isUUID(c.ServiceUUID) {
		return fmt.Errorf("service_uuid %q is not a UUID", c.ServiceUUID)
	}
	if !isUUID(c.CharacteristicUUID) {
		return fmt.Errorf("characteristic_uuid %q is not a UUID", c.CharacteristicUUID)
	}
	switch {
	case c.ChunkSize <= 0:
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	case c.ScanDuration.Duration <= 0:
		return fmt.Errorf("scan_duration must be positive, got %v", c.ScanDuration)
	case c.ReconnectBaseDelayMs < 0:
		return fmt.Errorf("reconnect_base_delay_ms must not be negative, got %d", c.ReconnectBaseDelayMs)
	case c.ReconnectMaxAttempts < 0:
		return fmt.Errorf("reconnect_max_attempts must not be negative, got %d", c.ReconnectMaxAttempts)
	case c.ReconnectMaxDelayMs < 0:
		return fmt.Errorf("reconnect_max_delay_ms must not be negative, got %d", c.ReconnectMaxDelayMs)
	case c.AudioPath == "":
		return errors.New("audio_path must not be empty")
	}
	return nil
}

// ReconnectPolicy converts the reconnect settings for the event channel.
func (c Config) ReconnectPolicy() eventchan.Policy {
	delay := time.Duration(c.ReconnectBaseDelayMs) * time.Millisecond
	p := eventchan.Unbounded(delay)
	if c.ReconnectMaxAttempts > 0 {
		p = eventchan.Bounded(c.ReconnectMaxAttempts, delay)
	}
	if c.ReconnectMaxDelayMs > 0 {
		p = p.WithMaxDelay(time.Duration(c.ReconnectMaxDelayMs) * time.Millisecond)
	}
	return p
}

// Flags binds the command-line overrides. Only flags the user actually set
// are applied.
type Flags struct {
	fs        *flag.FlagSet
	server    string
	device    string
	delayMs   int
	attempts  int
	scan      time.Duration
	audioPath string
	noCues    bool
}

func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.server, "server", "", "perception server endpoint (http://host:port)")
	fs.StringVar(&f.device, "device", "", "peripheral name to prefer when scanning")
	fs.IntVar(&f.delayMs, "reconnect-delay", 0, "reconnect base delay in milliseconds")
	fs.IntVar(&f.attempts, "reconnect-attempts", 0, "reconnect attempts before giving up (0 = forever)")
	fs.DurationVar(&f.scan, "scan-duration", 0, "peripheral scan window")
	fs.StringVar(&f.audioPath, "audio-path", "", "transient file for received audio")
	fs.BoolVar(&f.noCues, "nocues", false, "disable connectivity beeps")
	return f
}

func (f *Flags) Apply(c *Config) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "server":
			c.ServerEndpoint = f.server
		case "device":
			c.PeripheralDeviceName = f.device
		case "reconnect-delay":
			c.ReconnectBaseDelayMs = f.delayMs
		case "reconnect-attempts":
			c.ReconnectMaxAttempts = f.attempts
		case "scan-duration":
			c.ScanDuration = Duration{f.scan}
		case "audio-path":
			c.AudioPath = f.audioPath
		case "nocues":
			c.Cues = !f.noCues
		}
	})
}
