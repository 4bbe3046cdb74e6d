// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// the analyzer.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.analyzer/analyzer.toml
//   - ~/.analyzer/analyzer.json
//   - Built-in defaults
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jeranaias/analyzer-tui/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Autonomy controls how far the resource monitor may go on its own.
type Autonomy string

const (
	// AutonomyNotify only reports findings.
	AutonomyNotify Autonomy = "notify"
	// AutonomyConfirm reports findings and proposes actions for the operator
	// to approve.
	AutonomyConfirm Autonomy = "confirm"
	// AutonomyAuto applies mitigations without asking.
	AutonomyAuto Autonomy = "auto"
)

// Valid reports whether the autonomy level is one of the known values.
func (a Autonomy) Valid() bool {
	switch a {
	case AutonomyNotify, AutonomyConfirm, AutonomyAuto:
		return true
	}
	return false
}

// Config represents the complete analyzer configuration.
type Config struct {
	// Model is the identifier sent to the model server with every request.
	Model string `toml:"model" json:"model"`
	// Host is the base URL of the model server.
	Host string `toml:"host" json:"host"`
	// TimeoutSecs bounds each network call, including stream consumption.
	TimeoutSecs int `toml:"timeout_secs" json:"timeout_secs"`
	// MaxRetries is the number of retry attempts after the first failure.
	MaxRetries int `toml:"max_retries" json:"max_retries"`
	// HistoryCapacity is the number of conversational messages retained,
	// not counting the pinned system message.
	HistoryCapacity int `toml:"history_capacity" json:"history_capacity"`
	// SystemPrompt seeds every conversation.
	SystemPrompt string `toml:"system_prompt" json:"system_prompt"`
	// MaxTokens is forwarded to the server as an advisory limit.
	MaxTokens int `toml:"max_tokens" json:"max_tokens"`
	// PreferGenerate skips the chat endpoint and always uses the flattened
	// prompt endpoint.
	PreferGenerate bool `toml:"prefer_generate" json:"prefer_generate"`
	// HistoryFile is where the transcript is persisted between runs.
	// Empty disables persistence.
	HistoryFile string `toml:"history_file" json:"history_file"`

	// Monitor configures the resource watchdog.
	Monitor MonitorConfig `toml:"monitor" json:"monitor"`
}

// MonitorConfig contains resource watchdog configuration.
type MonitorConfig struct {
	// CPUThresholdPct raises an alert when average CPU load meets or
	// exceeds this percentage.
	CPUThresholdPct float64 `toml:"cpu_threshold_pct" json:"cpu_threshold_pct"`
	// MemThresholdPct raises an alert when memory use meets or exceeds
	// this percentage.
	MemThresholdPct float64 `toml:"mem_threshold_pct" json:"mem_threshold_pct"`
	// DiskThresholdPct raises an alert when root filesystem use meets or
	// exceeds this percentage.
	DiskThresholdPct float64 `toml:"disk_threshold_pct" json:"disk_threshold_pct"`
	// SuggestMarginPct widens the disk threshold downward for early
	// cleanup suggestions.
	SuggestMarginPct float64 `toml:"suggest_margin_pct" json:"suggest_margin_pct"`
	// IntervalSecs is the sampling period.
	IntervalSecs int `toml:"interval_secs" json:"interval_secs"`
	// Autonomy is one of "notify", "confirm", "auto".
	Autonomy Autonomy `toml:"autonomy" json:"autonomy"`
	// AllowSystemRepair gates the package-repair mitigation. Off by default.
	AllowSystemRepair bool `toml:"allow_system_repair" json:"allow_system_repair"`
	// ProtectedProcesses lists name substrings that must never be killed,
	// in addition to the built-in denylist.
	ProtectedProcesses []string `toml:"protected_processes" json:"protected_processes"`
	// TempDirs are the directories swept by temp cleanup.
	TempDirs []string `toml:"temp_dirs" json:"temp_dirs"`
	// TopN is how many processes are reported with each alert.
	TopN int `toml:"top_n" json:"top_n"`
	// AuditDB is the SQLite file persisting mitigation audit entries.
	// Empty disables persistence; the in-memory log still runs.
	AuditDB string `toml:"audit_db" json:"audit_db"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Model:           "qwen2.5:7b",
		Host:            "http://127.0.0.1:11434",
		TimeoutSecs:     120,
		MaxRetries:      3,
		HistoryCapacity: 20,
		SystemPrompt:    "You are a helpful assistant running on local hardware. Answer concisely.",
		MaxTokens:       1024,
		PreferGenerate:  false,

		Monitor: MonitorConfig{
			CPUThresholdPct:  90,
			MemThresholdPct:  85,
			DiskThresholdPct: 90,
			SuggestMarginPct: 10,
			IntervalSecs:     5,
			Autonomy:         AutonomyNotify,
			TempDirs:         []string{os.TempDir()},
			TopN:             5,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the analyzer configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".analyzer"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "analyzer.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "analyzer.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last. A file that exists but fails to
// parse or validate is a hard error: a silently-ignored typo in a threshold
// is worse than a refusal to start.
func Load() (*Config, error) {
	tomlPath, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			return LoadFromPath(tomlPath)
		}
	}

	jsonPath, err := ConfigPathJSON()
	if err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			return LoadFromPath(jsonPath)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation. JSON files are detected by extension; everything else is TOML.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}

	if strings.HasSuffix(path, ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode JSON config %s: %w", path, err)
		}
	} else {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode TOML config %s: %w", path, err)
		}
	}

	cfg.SetDefaults()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// SetDefaults fills in any missing or zero-value fields with defaults.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Model == "" {
		c.Model = defaults.Model
	}
	if c.Host == "" {
		c.Host = defaults.Host
	}
	if c.TimeoutSecs == 0 {
		c.TimeoutSecs = defaults.TimeoutSecs
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.HistoryCapacity == 0 {
		c.HistoryCapacity = defaults.HistoryCapacity
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaults.SystemPrompt
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = defaults.MaxTokens
	}

	if c.Monitor.CPUThresholdPct == 0 {
		c.Monitor.CPUThresholdPct = defaults.Monitor.CPUThresholdPct
	}
	if c.Monitor.MemThresholdPct == 0 {
		c.Monitor.MemThresholdPct = defaults.Monitor.MemThresholdPct
	}
	if c.Monitor.DiskThresholdPct == 0 {
		c.Monitor.DiskThresholdPct = defaults.Monitor.DiskThresholdPct
	}
	if c.Monitor.SuggestMarginPct == 0 {
		c.Monitor.SuggestMarginPct = defaults.Monitor.SuggestMarginPct
	}
	if c.Monitor.IntervalSecs == 0 {
		c.Monitor.IntervalSecs = defaults.Monitor.IntervalSecs
	}
	if c.Monitor.Autonomy == "" {
		c.Monitor.Autonomy = defaults.Monitor.Autonomy
	}
	if len(c.Monitor.TempDirs) == 0 {
		c.Monitor.TempDirs = defaults.Monitor.TempDirs
	}
	if c.Monitor.TopN == 0 {
		c.Monitor.TopN = defaults.Monitor.TopN
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// RELIABILITY: Atomic write with fsync prevents data loss on crash.
// SECURITY: Config files are written 0600 (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	var b strings.Builder
	b.WriteString("# analyzer configuration file\n")
	b.WriteString("# Generated by analyzer - edit with care\n\n")

	encoder := toml.NewEncoder(&b)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON saves the configuration to a JSON file.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Model == "" {
		errs = append(errs, ValidationError{"model", "must not be empty"})
	}
	if parsed, err := url.Parse(c.Host); err != nil {
		errs = append(errs, ValidationError{"host", fmt.Sprintf("invalid URL: %v", err)})
	} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
		errs = append(errs, ValidationError{"host", fmt.Sprintf("scheme must be http or https, got %q", c.Host)})
	}
	if c.TimeoutSecs <= 0 {
		errs = append(errs, ValidationError{"timeout_secs", fmt.Sprintf("must be positive, got %d", c.TimeoutSecs)})
	}
	if c.MaxRetries < 0 {
		errs = append(errs, ValidationError{"max_retries", fmt.Sprintf("must be non-negative, got %d", c.MaxRetries)})
	}
	if c.HistoryCapacity < 2 {
		errs = append(errs, ValidationError{"history_capacity", fmt.Sprintf("must hold at least one exchange (2), got %d", c.HistoryCapacity)})
	}
	if c.MaxTokens < 0 {
		errs = append(errs, ValidationError{"max_tokens", fmt.Sprintf("must be non-negative, got %d", c.MaxTokens)})
	}

	for _, t := range []struct {
		field string
		value float64
	}{
		{"monitor.cpu_threshold_pct", c.Monitor.CPUThresholdPct},
		{"monitor.mem_threshold_pct", c.Monitor.MemThresholdPct},
		{"monitor.disk_threshold_pct", c.Monitor.DiskThresholdPct},
	} {
		if t.value <= 0 || t.value > 100 {
			errs = append(errs, ValidationError{t.field, fmt.Sprintf("must be in (0, 100], got %g", t.value)})
		}
	}
	if c.Monitor.SuggestMarginPct < 0 || c.Monitor.SuggestMarginPct >= 100 {
		errs = append(errs, ValidationError{"monitor.suggest_margin_pct", fmt.Sprintf("must be in [0, 100), got %g", c.Monitor.SuggestMarginPct)})
	}
	if c.Monitor.IntervalSecs <= 0 {
		errs = append(errs, ValidationError{"monitor.interval_secs", fmt.Sprintf("must be positive, got %d", c.Monitor.IntervalSecs)})
	}
	if !c.Monitor.Autonomy.Valid() {
		errs = append(errs, ValidationError{"monitor.autonomy", fmt.Sprintf("must be notify, confirm or auto, got %q", c.Monitor.Autonomy)})
	}
	if c.Monitor.TopN <= 0 {
		errs = append(errs, ValidationError{"monitor.top_n", fmt.Sprintf("must be positive, got %d", c.Monitor.TopN)})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - ANALYZER_MODEL: overrides model
//   - ANALYZER_HOST: overrides host
//   - ANALYZER_TIMEOUT_SECS: overrides timeout_secs
//   - ANALYZER_MAX_RETRIES: overrides max_retries
//   - ANALYZER_AUTONOMY: overrides monitor.autonomy
func (c *Config) ApplyEnvOverrides() {
	if model := os.Getenv("ANALYZER_MODEL"); model != "" {
		c.Model = model
	}
	if host := os.Getenv("ANALYZER_HOST"); host != "" {
		c.Host = host
	}
	if timeout := os.Getenv("ANALYZER_TIMEOUT_SECS"); timeout != "" {
		if v, err := strconv.Atoi(timeout); err == nil {
			c.TimeoutSecs = v
		}
	}
	if retries := os.Getenv("ANALYZER_MAX_RETRIES"); retries != "" {
		if v, err := strconv.Atoi(retries); err == nil {
			c.MaxRetries = v
		}
	}
	if autonomy := os.Getenv("ANALYZER_AUTONOMY"); autonomy != "" {
		c.Monitor.Autonomy = Autonomy(strings.ToLower(autonomy))
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// Timeout returns the per-request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// Interval returns the monitor sampling period as a duration.
func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSecs) * time.Second
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Monitor.ProtectedProcesses != nil {
		clone.Monitor.ProtectedProcesses = append([]string(nil), c.Monitor.ProtectedProcesses...)
	}
	if c.Monitor.TempDirs != nil {
		clone.Monitor.TempDirs = append([]string(nil), c.Monitor.TempDirs...)
	}
	return &clone
}
