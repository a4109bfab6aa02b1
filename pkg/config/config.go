// Package config loads engine configuration. The environment is the
// source of truth (every knob has an env key); an optional perch.yaml
// overlay may pre-seed values, with env vars expanded inside it and
// the two sources merged before validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Defaults for the cycle engine.
const (
	DefaultLoopInterval     = 15 * time.Minute
	DefaultRecycleDelay     = 2 * time.Minute
	DefaultMaxFollowups     = 5
	DefaultBackoffThreshold = 10
	DefaultAlwaysThinkEvery = 4
	DefaultGateMinScore     = 4
	DefaultQuietDelay       = 60 * time.Minute
)

// Config is the resolved engine configuration.
type Config struct {
	// Cycle scheduling
	LoopInterval     time.Duration `yaml:"loop_interval"`
	RecycleDelay     time.Duration `yaml:"recycle_delay"`
	MaxFollowups     int           `yaml:"max_followups"`
	BackoffThreshold int           `yaml:"backoff_threshold"`
	AlwaysThinkEvery int           `yaml:"always_think_every"`

	// Models
	RoutineModel string `yaml:"routine_model"`
	SonnetModel  string `yaml:"sonnet_model"`

	// Quiet hours (24-h local hours, wrap-around permitted)
	QuietStart int `yaml:"quiet_start"`
	QuietEnd   int `yaml:"quiet_end"`

	// Cost controls
	DailyCostLimit       float64 `yaml:"daily_cost_limit"`
	CostTrackingDisabled bool    `yaml:"cost_tracking_disabled"`

	// Confidence gate
	ConfidenceGateEnabled  bool `yaml:"confidence_gate_enabled"`
	ConfidenceGateMinScore int  `yaml:"confidence_gate_min_score"`

	// Timezone (IANA name; resolved once at load)
	Timezone string         `yaml:"timezone"`
	Location *time.Location `yaml:"-"`

	// Paths
	DataDir string `yaml:"data_dir"`

	// LLM backends discovered from LLM_<NAME>_* env keys
	Backends []BackendConfig `yaml:"backends"`

	// Notify sink (out-of-band alerts)
	TelegramBotToken string `yaml:"-"`
	TelegramChatID   string `yaml:"-"`
}

// Load resolves configuration from an optional YAML overlay at path
// (ignored when empty or missing) plus the environment. Environment
// values win over YAML values.
func Load(path string) (*Config, error) {
	cfg := &Config{
		LoopInterval:           DefaultLoopInterval,
		RecycleDelay:           DefaultRecycleDelay,
		MaxFollowups:           DefaultMaxFollowups,
		BackoffThreshold:       DefaultBackoffThreshold,
		AlwaysThinkEvery:       DefaultAlwaysThinkEvery,
		ConfidenceGateMinScore: DefaultGateMinScore,
		QuietStart:             -1,
		QuietEnd:               -1,
		Timezone:               "UTC",
		DataDir:                "data",
	}

	if path != "" {
		if err := applyYAML(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	cfg.Location = loc

	cfg.Backends = discoverBackends(os.Environ())

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyYAML merges the expanded YAML overlay into cfg. A missing file
// is not an error — the environment alone is a valid configuration.
func applyYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		slog.Info("No config overlay found, using environment only", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config overlay: %w", err)
	}
	var overlay Config
	if err := yaml.Unmarshal(ExpandEnv(data), &overlay); err != nil {
		return fmt.Errorf("failed to parse config overlay: %w", err)
	}
	if err := mergo.Merge(cfg, overlay, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge config overlay: %w", err)
	}
	return nil
}

// applyEnv overrides cfg fields from the enumerated environment keys.
func applyEnv(cfg *Config) {
	setDuration(&cfg.LoopInterval, "AGENT_LOOP_INTERVAL")
	setDuration(&cfg.RecycleDelay, "AGENT_LOOP_RECYCLE_DELAY")
	setInt(&cfg.MaxFollowups, "AGENT_LOOP_MAX_FOLLOWUPS")
	setInt(&cfg.BackoffThreshold, "AGENT_LOOP_BACKOFF_THRESHOLD")
	setInt(&cfg.AlwaysThinkEvery, "AGENT_LOOP_ALWAYS_THINK_EVERY")
	setString(&cfg.RoutineModel, "AGENT_LOOP_ROUTINE_MODEL")
	setString(&cfg.SonnetModel, "AGENT_LOOP_SONNET_MODEL")
	setInt(&cfg.QuietStart, "QUIET_START")
	setInt(&cfg.QuietEnd, "QUIET_END")
	setFloat(&cfg.DailyCostLimit, "DAILY_COST_LIMIT")
	setBool(&cfg.CostTrackingDisabled, "COST_TRACKING_DISABLED")
	setBool(&cfg.ConfidenceGateEnabled, "CONFIDENCE_GATE_ENABLED")
	setInt(&cfg.ConfidenceGateMinScore, "CONFIDENCE_GATE_MIN_SCORE")
	setString(&cfg.Timezone, "TIMEZONE")
	setString(&cfg.DataDir, "DATA_DIR")
	setString(&cfg.TelegramBotToken, "TELEGRAM_BOT_TOKEN")
	setString(&cfg.TelegramChatID, "TELEGRAM_CHAT_ID")
}

func (c *Config) validate() error {
	if c.LoopInterval < time.Minute {
		return fmt.Errorf("loop interval %s is below the 1m floor", c.LoopInterval)
	}
	if c.MaxFollowups < 1 {
		return fmt.Errorf("max followups must be positive, got %d", c.MaxFollowups)
	}
	if c.BackoffThreshold < 1 {
		return fmt.Errorf("backoff threshold must be positive, got %d", c.BackoffThreshold)
	}
	for _, h := range []int{c.QuietStart, c.QuietEnd} {
		if h != -1 && (h < 0 || h > 23) {
			return fmt.Errorf("quiet hour %d outside 0..23", h)
		}
	}
	return nil
}

// QuietHoursConfigured reports whether both quiet bounds are set.
func (c *Config) QuietHoursConfigured() bool {
	return c.QuietStart >= 0 && c.QuietEnd >= 0
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			slog.Warn("Ignoring non-integer env value", "key", key, "value", v)
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		} else {
			slog.Warn("Ignoring non-numeric env value", "key", key, "value", v)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		} else {
			slog.Warn("Ignoring non-boolean env value", "key", key, "value", v)
		}
	}
}

// setDuration accepts either a Go duration string ("15m") or a bare
// minute count ("15").
func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Minute
		return
	}
	slog.Warn("Ignoring unparseable duration env value", "key", key, "value", v)
}
