// Package config provides configuration loading and validation for Ralph.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Standard config file location.
const defaultConfigPath = "~/.config/ralph/config.json"

// CheckConfig declares one validation check. Checks run in declaration
// order, and every declared check runs every iteration.
type CheckConfig struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

// AdvisorConfig tunes the failure-prevention advisor's matching.
type AdvisorConfig struct {
	KeywordThreshold float64 `json:"keyword_threshold"` // keyword overlap ratio above which an entry matches
	MaxMatches       int     `json:"max_matches"`       // cap on returned failures and successes
}

// Config holds all Ralph configuration settings.
type Config struct {
	RunRoot          string        `json:"run_root"`          // directory holding ralph.state.md and the sentinel
	MemoryDir        string        `json:"memory_dir"`        // root of the nine memory documents
	ArchiveDir       string        `json:"archive_dir"`       // completed-run archives
	CompletedDir     string        `json:"completed_dir"`     // where finished plans are moved
	MaxIterations    int           `json:"max_iterations"`    // iteration budget per run
	Checks           []CheckConfig `json:"checks"`            // declared validation sequence
	RequiredSections []string      `json:"required_sections"` // completion-gate section headers
	Advisor          AdvisorConfig `json:"advisor"`

	// expandedPaths tracks whether ExpandPaths has been called.
	expandedPaths bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		RunRoot:       ".ralph",
		MemoryDir:     ".ralph/memory",
		ArchiveDir:    ".ralph/archive",
		CompletedDir:  "plans/completed",
		MaxIterations: 10,
		Checks: []CheckConfig{
			{Name: "type-check", Command: ""},
			{Name: "lint", Command: ""},
			{Name: "test", Command: ""},
			{Name: "build", Command: ""},
		},
		RequiredSections: []string{
			"## Goal",
			"## Why",
			"## What",
			"## Implementation Tasks",
			"## Validation",
			"## Acceptance Criteria",
		},
		Advisor: AdvisorConfig{
			KeywordThreshold: 0.2,
			MaxMatches:       5,
		},
	}
}

// StatePath returns the path of the persisted run state file.
func (c *Config) StatePath() string {
	return filepath.Join(c.RunRoot, "ralph.state.md")
}

// SentinelPath returns the path of the stop-hook sentinel file.
func (c *Config) SentinelPath() string {
	return filepath.Join(c.RunRoot, "sentinel")
}

// JournalPath returns the path of the per-run SQLite journal.
func (c *Config) JournalPath() string {
	return filepath.Join(c.RunRoot, "journal.db")
}

// Load reads config from the standard location (~/.config/ralph/config.json),
// falling back to defaults if the file doesn't exist.
// Missing fields use default values (not zero values).
func Load() (*Config, error) {
	configPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand config path: %w", err)
	}
	return LoadFromPath(configPath)
}

// LoadFromPath reads config from a specific path.
// If the file doesn't exist, returns default config.
// If the file exists but is invalid, returns an error.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := cfg.ExpandPaths(); err != nil {
			return nil, fmt.Errorf("failed to expand paths: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into a temporary struct for merging.
	var fileCfg fileConfig
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Merge file values over defaults (only set values).
	mergeConfig(cfg, &fileCfg)

	if err := cfg.ExpandPaths(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// fileConfig is used for parsing JSON with pointer fields to detect what was set.
type fileConfig struct {
	RunRoot          *string            `json:"run_root"`
	MemoryDir        *string            `json:"memory_dir"`
	ArchiveDir       *string            `json:"archive_dir"`
	CompletedDir     *string            `json:"completed_dir"`
	MaxIterations    *int               `json:"max_iterations"`
	Checks           *[]CheckConfig     `json:"checks"`
	RequiredSections *[]string          `json:"required_sections"`
	Advisor          *fileAdvisorConfig `json:"advisor"`
}

type fileAdvisorConfig struct {
	KeywordThreshold *float64 `json:"keyword_threshold"`
	MaxMatches       *int     `json:"max_matches"`
}

// mergeConfig merges file config values into the default config.
// Only non-nil values from the file config are applied.
func mergeConfig(cfg *Config, fileCfg *fileConfig) {
	if fileCfg.RunRoot != nil {
		cfg.RunRoot = *fileCfg.RunRoot
	}
	if fileCfg.MemoryDir != nil {
		cfg.MemoryDir = *fileCfg.MemoryDir
	}
	if fileCfg.ArchiveDir != nil {
		cfg.ArchiveDir = *fileCfg.ArchiveDir
	}
	if fileCfg.CompletedDir != nil {
		cfg.CompletedDir = *fileCfg.CompletedDir
	}
	if fileCfg.MaxIterations != nil {
		cfg.MaxIterations = *fileCfg.MaxIterations
	}
	if fileCfg.Checks != nil {
		cfg.Checks = *fileCfg.Checks
	}
	if fileCfg.RequiredSections != nil {
		cfg.RequiredSections = *fileCfg.RequiredSections
	}
	if fileCfg.Advisor != nil {
		if fileCfg.Advisor.KeywordThreshold != nil {
			cfg.Advisor.KeywordThreshold = *fileCfg.Advisor.KeywordThreshold
		}
		if fileCfg.Advisor.MaxMatches != nil {
			cfg.Advisor.MaxMatches = *fileCfg.Advisor.MaxMatches
		}
	}
}

// Validate checks that all config values are valid.
func (c *Config) Validate() error {
	var errs []error

	if c.MaxIterations < 1 {
		errs = append(errs, errors.New("max_iterations must be >= 1"))
	}

	if c.RunRoot == "" {
		errs = append(errs, errors.New("run_root must be non-empty"))
	}

	if c.MemoryDir == "" {
		errs = append(errs, errors.New("memory_dir must be non-empty"))
	}

	if len(c.RequiredSections) == 0 {
		errs = append(errs, errors.New("required_sections must not be empty"))
	}

	seen := make(map[string]bool)
	for _, check := range c.Checks {
		if check.Name == "" {
			errs = append(errs, errors.New("checks entries must have a name"))
			continue
		}
		if seen[check.Name] {
			errs = append(errs, fmt.Errorf("duplicate check name: %s", check.Name))
		}
		seen[check.Name] = true
	}

	if c.Advisor.KeywordThreshold < 0 || c.Advisor.KeywordThreshold > 1 {
		errs = append(errs, errors.New("advisor.keyword_threshold must be between 0 and 1"))
	}

	if c.Advisor.MaxMatches < 1 {
		errs = append(errs, errors.New("advisor.max_matches must be >= 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// ExpandPaths expands ~ to home directory in all path fields.
func (c *Config) ExpandPaths() error {
	if c.expandedPaths {
		return nil
	}

	var err error

	c.RunRoot, err = expandPath(c.RunRoot)
	if err != nil {
		return fmt.Errorf("failed to expand run_root: %w", err)
	}

	c.MemoryDir, err = expandPath(c.MemoryDir)
	if err != nil {
		return fmt.Errorf("failed to expand memory_dir: %w", err)
	}

	c.ArchiveDir, err = expandPath(c.ArchiveDir)
	if err != nil {
		return fmt.Errorf("failed to expand archive_dir: %w", err)
	}

	c.CompletedDir, err = expandPath(c.CompletedDir)
	if err != nil {
		return fmt.Errorf("failed to expand completed_dir: %w", err)
	}

	c.expandedPaths = true
	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}

	return filepath.Clean(path), nil
}
