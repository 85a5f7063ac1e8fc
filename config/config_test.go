package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "stderr", cfg.Logging.Output)
	assert.Equal(t, int64(1<<20), cfg.Engine.MaxScriptSize)
	assert.Equal(t, 64, cfg.Engine.MaxNesting)
	assert.Equal(t, "sqlite", cfg.Tracker.Backend)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "sieve.toml")

	content := `
[logging]
output = "stdout"
format = "json"
level = "debug"

[engine]
max_script_size = 65536
max_nesting = 16
enabled_extensions = ["fileinto", "vacation", "imap4flags"]

[tracker]
backend = "postgres"
dsn = "postgres://sieve@localhost/sieve"
cleanup_interval = "30m"
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(configPath, &cfg))

	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, int64(65536), cfg.Engine.MaxScriptSize)
	assert.Equal(t, 16, cfg.Engine.MaxNesting)
	assert.Equal(t, []string{"fileinto", "vacation", "imap4flags"}, cfg.Engine.EnabledExtensions)
	assert.Equal(t, "postgres", cfg.Tracker.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Tracker.CleanupIntervalDuration())
}

func TestLoadConfigFromFile_UnknownKeys(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "sieve.toml")

	content := `
[engine]
max_script_sized = 65536
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(configPath, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_script_sized")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"negative size", func(c *Config) { c.Engine.MaxScriptSize = -1 }, true},
		{"bad backend", func(c *Config) { c.Tracker.Backend = "redis" }, true},
		{"bad interval", func(c *Config) { c.Tracker.CleanupInterval = "soon" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
