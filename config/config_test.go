package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "farm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	t.Setenv("FARM_BROKER", "10.0.0.5")
	path := writeConfig(t, `
log_level: debug
mqtt:
  host: ${FARM_BROKER}
  device_id: farm001
  retain: false
wifi:
  max_attempts: 5
  retry_interval: 2s
defaults:
  system:
    targets:
      temp_min: 18
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.False(t, cfg.MQTT.Retain)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, 5, cfg.WiFi.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.WiFi.RetryInterval)
	assert.Equal(t, 5*time.Second, cfg.WiFi.CheckInterval)
	assert.Len(t, cfg.Actuators, 3)

	defaults := cfg.CategoryDefaults()
	assert.Equal(t, map[string]any{"temp_min": 18.0}, defaults[System]["targets"])
	assert.Equal(t, "10.0.0.5", defaults[SessionConfig][KeyHost])
	assert.Equal(t, 1883.0, defaults[SessionConfig][KeyPort])
	assert.Equal(t, "farm001", defaults[SessionConfig][KeyDeviceID])
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad level", "log_level: loud\n"},
		{"zero attempts", "wifi:\n  max_attempts: 0\n"},
		{"qos", "mqtt:\n  qos: 3\n"},
		{"restart code", "actuators:\n  - {name: pump, pin: \"1\", on_code: 0, off_code: 2}\n"},
		{"duplicate code", "actuators:\n  - {name: a, pin: \"1\", on_code: 1, off_code: 2}\n  - {name: b, pin: \"2\", on_code: 2, off_code: 3}\n"},
		{"reset time", "publish:\n  daily_reset: noon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")
	got, err := FindConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = FindConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDatabasePath(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	assert.Equal(t, "/data/farmnode.db", cfg.DatabasePath())
	cfg.Database = "/tmp/x.db"
	assert.Equal(t, "/tmp/x.db", cfg.DatabasePath())
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"TRACE":   LevelTrace,
		" debug ": slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	assert.Equal(t, "TRACE", a.Value.String())
	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	assert.Equal(t, slog.LevelInfo, a.Value.Any())
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	id, err := LoadOrCreateInstanceID(dir)
	require.NoError(t, err)
	again, err := LoadOrCreateInstanceID(dir)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	dev := DeviceIDFromInstance(id)
	assert.Len(t, dev, len("farm-")+8)
}
