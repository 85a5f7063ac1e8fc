package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// EngineConfig holds limits and feature switches for script parsing and
// evaluation.
type EngineConfig struct {
	// MaxScriptSize is the largest accepted script source, in bytes.
	MaxScriptSize int64 `toml:"max_script_size"`
	// MaxNesting bounds block/test nesting depth in one script.
	MaxNesting int `toml:"max_nesting"`
	// MaxIncludes bounds how many distinct scripts one include graph may load.
	MaxIncludes int `toml:"max_includes"`
	// EnabledExtensions restricts which extensions `require` may name.
	// Empty means every extension the interpreter's callbacks can serve.
	EnabledExtensions []string `toml:"enabled_extensions"`
	// ErrorLineLimit caps the single-line message handed to the host's
	// execute_err callback. The action trace itself is not capped.
	ErrorLineLimit int `toml:"error_line_limit"`
}

// TrackerConfig selects the reference duplicate/vacation tracker backend.
type TrackerConfig struct {
	Backend string `toml:"backend"` // "sqlite" or "postgres"
	// Path is the sqlite database file (sqlite backend).
	Path string `toml:"path"`
	// DSN is the connection string (postgres backend).
	DSN string `toml:"dsn"`
	// CleanupInterval is how often expired records are purged.
	CleanupInterval string `toml:"cleanup_interval"`
}

// Config is the top-level configuration for tooling built on the engine.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Engine  EngineConfig  `toml:"engine"`
	Tracker TrackerConfig `toml:"tracker"`
}

// NewDefaultConfig returns a configuration with sane defaults.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Engine: EngineConfig{
			MaxScriptSize:  1 << 20, // 1 MiB
			MaxNesting:     64,
			MaxIncludes:    64,
			ErrorLineLimit: 1024,
		},
		Tracker: TrackerConfig{
			Backend:         "sqlite",
			Path:            "sieve_tracker.db",
			CleanupInterval: "1h",
		},
	}
}

// LoadConfigFromFile loads TOML configuration into cfg. Unknown keys are
// reported in the returned error so typos do not silently disable limits.
func LoadConfigFromFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys in config file %s: %s", path, strings.Join(keys, ", "))
	}

	return cfg.Validate()
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging level %q", c.Logging.Level)
	}

	if c.Engine.MaxScriptSize < 0 {
		return fmt.Errorf("engine.max_script_size must not be negative")
	}
	if c.Engine.MaxNesting < 0 {
		return fmt.Errorf("engine.max_nesting must not be negative")
	}
	if c.Engine.MaxIncludes < 0 {
		return fmt.Errorf("engine.max_includes must not be negative")
	}

	switch c.Tracker.Backend {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid tracker backend %q (expected sqlite or postgres)", c.Tracker.Backend)
	}
	if c.Tracker.CleanupInterval != "" {
		if _, err := time.ParseDuration(c.Tracker.CleanupInterval); err != nil {
			return fmt.Errorf("invalid tracker.cleanup_interval: %w", err)
		}
	}

	return nil
}

// CleanupInterval returns the parsed tracker cleanup interval, falling back
// to one hour when unset or unparsable.
func (t *TrackerConfig) CleanupIntervalDuration() time.Duration {
	if t.CleanupInterval == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(t.CleanupInterval)
	if err != nil {
		return time.Hour
	}
	return d
}
