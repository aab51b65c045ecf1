package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
socket: /run/psyche.sock
store:
  backend: sqlite
  path: /var/lib/psyche/psyche.db
model:
  provider: anthropic
  name: claude-sonnet-4-20250514
wits:
  - name: instant
    level: instant
    count_threshold: 8
    quiescence: 3s
    feedback: situation
    sources: ["chat"]
  - name: situation
    level: situation
    recall_limit: 2
will:
  level: situation
  min_interval: 7s
motors:
  enabled: [say, read_file]
  workspace_root: /home/pete
`))
	require.NoError(t, err)

	assert.Equal(t, "/run/psyche.sock", cfg.Socket)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "anthropic", cfg.Model.Provider)
	require.Len(t, cfg.Wits, 2)
	assert.Equal(t, 8, cfg.Wits[0].CountThreshold)
	assert.Equal(t, 3*time.Second, cfg.Wits[0].Quiescence.Std(0))
	assert.Equal(t, "situation", cfg.Wits[0].Feedback)
	assert.Equal(t, 7*time.Second, cfg.Will.MinInterval.Std(0))
	assert.Equal(t, []string{"say", "read_file"}, cfg.Motors.Enabled)
}

func TestDurationFallback(t *testing.T) {
	var d Duration
	assert.Equal(t, 10*time.Second, d.Std(10*time.Second))
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "psyche.yaml")
	require.NoError(t, os.WriteFile(path, []byte("socket: /tmp/test.sock\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.sock", cfg.Socket)
	// Defaults survive partial files.
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"unknown backend", "store:\n  backend: dynamo\n"},
		{"unknown provider", "model:\n  provider: yodel\n"},
		{"unknown wit level", "wits:\n  - name: w\n    level: cosmic\n"},
		{"duplicate wit names", "wits:\n  - name: w\n    level: instant\n  - name: w\n    level: situation\n"},
		{"dangling feedback", "wits:\n  - name: w\n    level: instant\n    feedback: nowhere\n"},
		{"unknown will level", "will:\n  level: cosmic\n"},
		{"unknown motor", "motors:\n  enabled: [teleport]\n"},
		{"bad duration", "will:\n  min_interval: soon\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}
