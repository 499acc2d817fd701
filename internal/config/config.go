// Package config loads user-level settings from ~/.fedi/config.json.
//
// Every field is validated independently: an out-of-range or mistyped value
// falls back to its documented default with a logged warning, and startup
// continues. Only a file that is not valid JSON at all is a hard error.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agusx1211/fedi/internal/logging"
)

// Defaults for every tunable. Durations are kept in milliseconds to match
// the on-disk keys.
const (
	DefaultExecTimeoutMs        = 120000
	DefaultDelegateTimeoutMs    = 180000
	DefaultMaxRelaysPerWindow   = 50
	DefaultRelayWindowMs        = 60000
	DefaultFlushIntervalMs      = 400
	DefaultMaxMessages          = 200
	DefaultMaxCrossTalkPerRound = 20
	DefaultMaxLogFiles          = 20
	DefaultCheckpointThrottleMs = 5000
)

// AgentConfig holds per-agent overrides: CLI binary path, model, and an
// optional per-agent turn timeout (0 = wait indefinitely).
type AgentConfig struct {
	Path      string `json:"path,omitempty"`
	Model     string `json:"model,omitempty"`
	TimeoutMs *int   `json:"timeoutMs,omitempty"`
}

// Config is the validated runtime configuration.
type Config struct {
	ExecTimeoutMs        int                    `json:"execTimeoutMs"`
	DelegateTimeoutMs    int                    `json:"delegateTimeoutMs"`
	MaxRelaysPerWindow   int                    `json:"maxRelaysPerWindow"`
	RelayWindowMs        int                    `json:"relayWindowMs"`
	FlushIntervalMs      int                    `json:"flushIntervalMs"`
	MaxMessages          int                    `json:"maxMessages"`
	MaxCrossTalkPerRound int                    `json:"maxCrossTalkPerRound"`
	MaxLogFiles          int                    `json:"maxLogFiles"`
	CheckpointThrottleMs int                    `json:"checkpointThrottleMs"`
	Agents               map[string]AgentConfig `json:"agents,omitempty"`
	StderrPatterns       []string               `json:"stderrPatterns,omitempty"`
}

// rawConfig mirrors Config with pointer fields so absent, null, and invalid
// values can be told apart during per-field validation.
type rawConfig struct {
	ExecTimeoutMs        *int                   `json:"execTimeoutMs"`
	DelegateTimeoutMs    *int                   `json:"delegateTimeoutMs"`
	MaxRelaysPerWindow   *int                   `json:"maxRelaysPerWindow"`
	RelayWindowMs        *int                   `json:"relayWindowMs"`
	FlushIntervalMs      *int                   `json:"flushIntervalMs"`
	MaxMessages          *int                   `json:"maxMessages"`
	MaxCrossTalkPerRound *int                   `json:"maxCrossTalkPerRound"`
	MaxLogFiles          *int                   `json:"maxLogFiles"`
	CheckpointThrottleMs *int                   `json:"checkpointThrottleMs"`
	Agents               map[string]AgentConfig `json:"agents"`
	StderrPatterns       []string               `json:"stderrPatterns"`
}

// ErrMalformed reports a config file that is not valid JSON at all.
// Per-field problems never produce it.
var ErrMalformed = errors.New("config: malformed config file")

// Default returns a Config with every field at its documented default.
func Default() *Config {
	return &Config{
		ExecTimeoutMs:        DefaultExecTimeoutMs,
		DelegateTimeoutMs:    DefaultDelegateTimeoutMs,
		MaxRelaysPerWindow:   DefaultMaxRelaysPerWindow,
		RelayWindowMs:        DefaultRelayWindowMs,
		FlushIntervalMs:      DefaultFlushIntervalMs,
		MaxMessages:          DefaultMaxMessages,
		MaxCrossTalkPerRound: DefaultMaxCrossTalkPerRound,
		MaxLogFiles:          DefaultMaxLogFiles,
		CheckpointThrottleMs: DefaultCheckpointThrottleMs,
		Agents:               make(map[string]AgentConfig),
	}
}

// Dir returns the fedi config directory (~/.fedi), creating it if needed.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ".fedi")
	os.MkdirAll(dir, 0755)
	return dir
}

func configPath() string {
	return filepath.Join(Dir(), "config.json")
}

// Load reads ~/.fedi/config.json. An absent file yields pure defaults.
func Load() (*Config, error) {
	return LoadFile(configPath())
}

// LoadFile reads a config file from an explicit path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
	}

	cfg := Default()
	applyInt(&cfg.ExecTimeoutMs, raw.ExecTimeoutMs, "execTimeoutMs", 1)
	applyInt(&cfg.DelegateTimeoutMs, raw.DelegateTimeoutMs, "delegateTimeoutMs", 1)
	applyInt(&cfg.MaxRelaysPerWindow, raw.MaxRelaysPerWindow, "maxRelaysPerWindow", 1)
	applyInt(&cfg.RelayWindowMs, raw.RelayWindowMs, "relayWindowMs", 1)
	applyInt(&cfg.FlushIntervalMs, raw.FlushIntervalMs, "flushIntervalMs", 1)
	applyInt(&cfg.MaxMessages, raw.MaxMessages, "maxMessages", 1)
	applyInt(&cfg.MaxCrossTalkPerRound, raw.MaxCrossTalkPerRound, "maxCrossTalkPerRound", 1)
	applyInt(&cfg.MaxLogFiles, raw.MaxLogFiles, "maxLogFiles", 1)
	applyInt(&cfg.CheckpointThrottleMs, raw.CheckpointThrottleMs, "checkpointThrottleMs", 0)
	if raw.Agents != nil {
		for name, ac := range raw.Agents {
			if ac.TimeoutMs != nil && *ac.TimeoutMs < 0 {
				logging.Log(logging.LevelWarn, "config", "invalid agent timeout, using exec timeout",
					"agent", name, "value", *ac.TimeoutMs)
				ac.TimeoutMs = nil
			}
			cfg.Agents[name] = ac
		}
	}
	cfg.StderrPatterns = raw.StderrPatterns
	applyFlatModels(cfg, data)
	return cfg, nil
}

// applyFlatModels accepts the flat "<agent>Model" key form alongside the
// agents table. The table wins when both name a model for the same agent.
func applyFlatModels(cfg *Config, data []byte) {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return
	}
	for key, val := range flat {
		name, found := strings.CutSuffix(key, "Model")
		if !found || name == "" {
			continue
		}
		var model string
		if err := json.Unmarshal(val, &model); err != nil || model == "" {
			continue
		}
		ac := cfg.Agents[name]
		if ac.Model == "" {
			ac.Model = model
			cfg.Agents[name] = ac
		}
	}
}

// applyInt copies a raw value when present and >= min, otherwise keeps the
// default already in dst and logs the rejection.
func applyInt(dst *int, raw *int, key string, min int) {
	if raw == nil {
		return
	}
	if *raw < min {
		logging.Log(logging.LevelWarn, "config", "invalid value, using default",
			"key", key, "value", *raw, "default", *dst)
		return
	}
	*dst = *raw
}

// ExecTimeout returns the wall-clock budget for one turn of the named
// agent. A per-agent override of 0 means wait indefinitely.
func (c *Config) ExecTimeout(agent string) time.Duration {
	if ac, ok := c.Agents[agent]; ok && ac.TimeoutMs != nil {
		return time.Duration(*ac.TimeoutMs) * time.Millisecond
	}
	return time.Duration(c.ExecTimeoutMs) * time.Millisecond
}

// DelegateTimeout is how long Stop waits for drivers before force-kill.
func (c *Config) DelegateTimeout() time.Duration {
	return time.Duration(c.DelegateTimeoutMs) * time.Millisecond
}

// CheckpointThrottle is the minimum interval between periodic session
// flushes while an orchestration runs.
func (c *Config) CheckpointThrottle() time.Duration {
	return time.Duration(c.CheckpointThrottleMs) * time.Millisecond
}

// RelayWindow is the sliding window width for the relay rate limiter.
func (c *Config) RelayWindow() time.Duration {
	return time.Duration(c.RelayWindowMs) * time.Millisecond
}
