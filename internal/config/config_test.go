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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadWith(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.RateLimit.Limit)
	assert.Equal(t, time.Minute, cfg.RateLimit.Interval)
	assert.Equal(t, 10*time.Second, cfg.Call.DisconnectGrace)
	assert.Equal(t, 45*time.Second, cfg.Call.AnswerTimeout)
	assert.Equal(t, "synthetic", cfg.Call.Devices)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Call.ICEServers)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
mode: debug
port: 9000
store:
  driver: sqlite
  dsn: /tmp/calls.db
call:
  user: alice
  name: Alice
  disconnect_grace: 3s
  ice_servers:
    - stun:stun.example.org:3478
`)
	cfg, err := LoadWith(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/calls.db", cfg.Store.DSN)
	assert.Equal(t, "alice", cfg.Call.User)
	assert.Equal(t, 3*time.Second, cfg.Call.DisconnectGrace)
	assert.Equal(t, 45*time.Second, cfg.Call.AnswerTimeout)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.Call.ICEServers)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "call:\n  devices: synthetic\n")
	t.Setenv("MOODCALL_CALL_DEVICES", "hardware")
	t.Setenv("MOODCALL_PORT", "7070")

	cfg, err := LoadWith(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "hardware", cfg.Call.Devices)
	assert.Equal(t, 7070, cfg.Port)
}

func TestFlagStyleOverride(t *testing.T) {
	v := New()
	v.Set("call.relay_url", "ws://relay:1/api/ws/store")

	cfg, err := LoadWith(v, filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "ws://relay:1/api/ws/store", cfg.Call.RelayURL)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"store driver": "store:\n  driver: postgres\n",
		"devices":      "call:\n  devices: webcam\n",
		"grace":        "call:\n  disconnect_grace: 0s\n",
		"rate limit":   "rate_limit:\n  limit: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadWith(New(), writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
