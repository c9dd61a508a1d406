package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hostpanel.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsWhenAbsent(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.toml")} {
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:7070", cfg.Listen)
		assert.Equal(t, 80, cfg.Terminal.Cols)
		assert.Equal(t, 30, cfg.Terminal.Rows)
		assert.Equal(t, "xterm-color", cfg.Terminal.Term)
		assert.True(t, cfg.Exec.LoginShell)
		assert.Equal(t, 5*time.Second, cfg.Exec.TerminateGrace.Duration)
		assert.Equal(t, 10*time.Second, cfg.History.ExitedSince.Duration)
		assert.Equal(t, 256, cfg.Stream.SubscriberBuffer)
		assert.NoError(t, cfg.Validate())
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen = "0.0.0.0:9000"
data_dir = "/var/lib/hostpanel"
log_level = "debug"

[exec]
shell = "/bin/zsh"
login_shell = false
terminate_grace = "2s"
env = { LANG = "C.UTF-8" }

[terminal]
cols = 120
rows = 40

[stream]
keepalive = "30s"

[transport]
allowed_origins = ["https://panel.example.com"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "/var/lib/hostpanel/runs", cfg.HistoryDir())
	assert.Equal(t, "/var/lib/hostpanel/logs", cfg.LogDir())
	assert.Equal(t, "/bin/zsh", cfg.Exec.Shell)
	assert.False(t, cfg.Exec.LoginShell)
	assert.Equal(t, 2*time.Second, cfg.Exec.TerminateGrace.Duration)
	assert.Equal(t, map[string]string{"LANG": "C.UTF-8"}, cfg.Exec.Env)
	assert.Equal(t, 120, cfg.Terminal.Cols)
	assert.Equal(t, 40, cfg.Terminal.Rows)
	assert.Equal(t, "xterm-color", cfg.Terminal.Term, "unset keys keep defaults")
	assert.Equal(t, 30*time.Second, cfg.Stream.Keepalive.Duration)
	assert.Equal(t, []string{"https://panel.example.com"}, cfg.Transport.AllowedOrigins)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"syntax", `listen = `, "parsing config"},
		{"unknown key", `listn = "x"`, `unknown key "listn"`},
		{"bad duration", "[exec]\nterminate_grace = \"soon\"", "parsing config"},
		{"zero cols", "[terminal]\ncols = 0", "terminal size"},
		{"bad level", `log_level = "loud"`, "log_level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ReportsEverything(t *testing.T) {
	cfg := Default()
	cfg.Listen = ""
	cfg.Stream.SubscriberBuffer = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
	assert.Contains(t, err.Error(), "subscriber_buffer")
}
