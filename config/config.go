// Package config loads the hostpanel TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"hostpanel/process"
)

// Duration is a time.Duration that decodes from TOML strings like "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the full server configuration.
type Config struct {
	Listen         string `toml:"listen"`
	DataDir        string `toml:"data_dir"`
	LogLevel       string `toml:"log_level"`
	LogDevelopment bool   `toml:"log_development"`

	Exec      Exec      `toml:"exec"`
	Terminal  Terminal  `toml:"terminal"`
	Stream    Stream    `toml:"stream"`
	Transport Transport `toml:"transport"`
	History   History   `toml:"history"`
}

// Exec configures one-shot command runs.
type Exec struct {
	Shell          string            `toml:"shell"`
	LoginShell     bool              `toml:"login_shell"`
	TerminateGrace Duration          `toml:"terminate_grace"`
	Env            map[string]string `toml:"env"`
}

// Terminal configures interactive sessions.
type Terminal struct {
	Shell string `toml:"shell"`
	Cols  int    `toml:"cols"`
	Rows  int    `toml:"rows"`
	Term  string `toml:"term"`
	Dir   string `toml:"dir"`
}

// Stream configures live output fan-out.
type Stream struct {
	SubscriberBuffer int      `toml:"subscriber_buffer"`
	Keepalive        Duration `toml:"keepalive"`
}

// Transport configures the browser-facing endpoints.
type Transport struct {
	// AllowedOrigins lists extra WebSocket origins. Empty means same-origin only.
	AllowedOrigins []string `toml:"allowed_origins"`
}

// History configures run history.
type History struct {
	ExitedSince Duration `toml:"exited_since"`
	Retention   Duration `toml:"retention"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Listen:   "127.0.0.1:7070",
		DataDir:  defaultDataDir(home),
		LogLevel: "info",
		Exec: Exec{
			Shell:          process.UserShell(),
			LoginShell:     true,
			TerminateGrace: Duration{process.DefaultGrace},
		},
		Terminal: Terminal{
			Shell: process.UserShell(),
			Cols:  80,
			Rows:  30,
			Term:  "xterm-color",
			Dir:   home,
		},
		Stream: Stream{
			SubscriberBuffer: 256,
			Keepalive:        Duration{15 * time.Second},
		},
		History: History{
			ExitedSince: Duration{10 * time.Second},
			Retention:   Duration{7 * 24 * time.Hour},
		},
	}
}

func defaultDataDir(home string) string {
	if d := os.Getenv("XDG_STATE_HOME"); d != "" {
		return filepath.Join(d, "hostpanel")
	}
	if home == "" {
		return filepath.Join(os.TempDir(), "hostpanel")
	}
	return filepath.Join(home, ".local", "state", "hostpanel")
}

// Load reads path over the defaults. An empty path or a missing file yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var err error
	if c.Listen == "" {
		err = multierr.Append(err, errors.New("listen must not be empty"))
	}
	if c.DataDir == "" {
		err = multierr.Append(err, errors.New("data_dir must not be empty"))
	}
	if c.Terminal.Cols < 1 || c.Terminal.Rows < 1 {
		err = multierr.Append(err, fmt.Errorf("terminal size %dx%d must be at least 1x1", c.Terminal.Cols, c.Terminal.Rows))
	}
	if c.Stream.SubscriberBuffer < 1 {
		err = multierr.Append(err, errors.New("stream.subscriber_buffer must be positive"))
	}
	if c.Exec.TerminateGrace.Duration < 0 {
		err = multierr.Append(err, errors.New("exec.terminate_grace must not be negative"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	return err
}

// HistoryDir is where run records are stored.
func (c Config) HistoryDir() string { return filepath.Join(c.DataDir, "runs") }

// LogDir is where run output is captured.
func (c Config) LogDir() string { return filepath.Join(c.DataDir, "logs") }
