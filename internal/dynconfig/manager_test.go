package dynconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const sampleConfig = `
server:
  host: 0.0.0.0
  port: 2053
security:
  blacklist:
    - 203.0.113.5
    - ip: 198.51.100.23
      reason: botnet sinkhole
agent_names:
  web-01: Web Server
`

func TestManager_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, sampleConfig)

	m, err := NewManager(path, testLogger())
	require.NoError(t, err)

	snap := m.Current()
	assert.Equal(t, "0.0.0.0", snap.ListenHost)
	assert.Equal(t, 2053, snap.ListenPort)
	assert.Equal(t, 2, snap.BlacklistSize())

	_, ok := snap.Blacklisted("203.0.113.5")
	assert.True(t, ok)
	entry, ok := snap.Blacklisted("198.51.100.23")
	assert.True(t, ok)
	assert.Equal(t, "botnet sinkhole", entry.Reason)
	_, ok = snap.Blacklisted("8.8.8.8")
	assert.False(t, ok)
}

func TestManager_AgentNameFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, sampleConfig)

	m, err := NewManager(path, testLogger())
	require.NoError(t, err)

	snap := m.Current()
	assert.Equal(t, "Web Server", snap.AgentName("web-01"))
	assert.Equal(t, "Agent_db-02", snap.AgentName("db-02"))
}

func TestManager_MissingFileStartsEmpty(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "missing.yaml"), testLogger())
	assert.Error(t, err)
	require.NotNil(t, m)

	snap := m.Current()
	assert.Equal(t, 0, snap.BlacklistSize())
	assert.Equal(t, "Agent_x", snap.AgentName("x"))
}

func TestManager_ReloadSwapsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, sampleConfig)

	m, err := NewManager(path, testLogger())
	require.NoError(t, err)
	before := m.Current()

	writeConfig(t, path, `
security:
  blacklist:
    - 192.0.2.99
`)
	require.NoError(t, m.Reload())

	after := m.Current()
	assert.NotSame(t, before, after)
	assert.Equal(t, 1, after.BlacklistSize())
	_, ok := after.Blacklisted("192.0.2.99")
	assert.True(t, ok)

	// The previous snapshot is untouched: readers holding it keep a
	// consistent view.
	assert.Equal(t, 2, before.BlacklistSize())
}

func TestManager_MalformedReloadKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, sampleConfig)

	m, err := NewManager(path, testLogger())
	require.NoError(t, err)

	cases := []struct {
		name    string
		content string
	}{
		{"broken yaml", "security: [unclosed"},
		{"invalid ip", "security:\n  blacklist:\n    - not-an-ip\n"},
		{"port out of range", "server:\n  port: 99999\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			writeConfig(t, path, tc.content)
			assert.Error(t, m.Reload())

			snap := m.Current()
			assert.Equal(t, 2, snap.BlacklistSize(), "last-known-good snapshot must be retained")
		})
	}
}
