// Package config loads featuredev settings from TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/taskassist/featuredev/internal/policy"
)

const (
	// BackendAnthropic drives the local agent with the Anthropic Messages API.
	BackendAnthropic = "anthropic"
	// BackendOpenAI drives the local agent with the OpenAI chat completions API.
	BackendOpenAI = "openai"

	defaultBackend        = BackendAnthropic
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultOpenAIModel    = "gpt-4o"
	defaultMaxTokens      = 8192
	defaultPollInterval   = 2 * time.Second
	defaultPollTimeout    = 10 * time.Minute
	defaultStaleAfter     = time.Hour
	defaultGenerateRetry  = 2
	defaultGenerateWait   = 2 * time.Second
	defaultLogLevel       = "info"

	dirName  = ".featuredev"
	fileName = "config.toml"
)

var defaultIgnorePatterns = []string{
	".git",
	"node_modules",
	".featuredev",
	"*.zip",
	".DS_Store",
	"vendor",
	"build",
	"dist",
}

// Config stores runtime settings loaded from TOML files.
type Config struct {
	Backend                  string
	Model                    string
	MaxTokens                int
	PollInterval             time.Duration
	PollTimeout              time.Duration
	StaleAfter               time.Duration
	CodeGenerationRetryLimit int
	GenerateRetries          int
	GenerateBackoff          time.Duration
	MaxProjectSizeBytes      int64
	IgnorePatterns           []string
	StagingDir               string
	HistoryDB                string
	MetricsAddr              string
	LogLevel                 string
	OTELEndpoint             string
}

type fileConfig struct {
	Backend                  *string   `toml:"backend"`
	Model                    *string   `toml:"model"`
	MaxTokens                *int      `toml:"max_tokens"`
	PollInterval             *string   `toml:"poll_interval"`
	PollTimeout              *string   `toml:"poll_timeout"`
	StaleAfter               *string   `toml:"stale_after"`
	CodeGenerationRetryLimit *int      `toml:"code_generation_retry_limit"`
	GenerateRetries          *int      `toml:"generate_retries"`
	GenerateBackoff          *string   `toml:"generate_backoff"`
	MaxProjectSizeMB         *int64    `toml:"max_project_size_mb"`
	IgnorePatterns           *[]string `toml:"ignore_patterns"`
	StagingDir               *string   `toml:"staging_dir"`
	HistoryDB                *string   `toml:"history_db"`
	MetricsAddr              *string   `toml:"metrics_addr"`
	LogLevel                 *string   `toml:"log_level"`
	OTEL                     *struct {
		Endpoint *string `toml:"endpoint"`
	} `toml:"otel"`
}

// Load reads ~/.featuredev/config.toml and overlays ./.featuredev/config.toml.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	return LoadFrom(homeDir, workingDir)
}

// LoadFrom applies defaults, then the home file, then the project file.
func LoadFrom(homeDir, workingDir string) (*Config, error) {
	cfg := Defaults(homeDir)

	paths := []string{
		filepath.Join(homeDir, dirName, fileName),
		filepath.Join(workingDir, dirName, fileName),
	}
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults returns the built-in configuration rooted at homeDir.
func Defaults(homeDir string) Config {
	return Config{
		Backend:                  defaultBackend,
		Model:                    defaultAnthropicModel,
		MaxTokens:                defaultMaxTokens,
		PollInterval:             defaultPollInterval,
		PollTimeout:              defaultPollTimeout,
		StaleAfter:               defaultStaleAfter,
		CodeGenerationRetryLimit: policy.CodeGenerationRetryLimit,
		GenerateRetries:          defaultGenerateRetry,
		GenerateBackoff:          defaultGenerateWait,
		MaxProjectSizeBytes:      policy.MaxProjectSizeBytes,
		IgnorePatterns:           append([]string(nil), defaultIgnorePatterns...),
		StagingDir:               filepath.Join(homeDir, dirName, "staging"),
		HistoryDB:                filepath.Join(homeDir, dirName, "history.db"),
		LogLevel:                 defaultLogLevel,
	}
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	switch c.Backend {
	case BackendAnthropic, BackendOpenAI:
	default:
		return fmt.Errorf("backend %q: must be %q or %q", c.Backend, BackendAnthropic, BackendOpenAI)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be > 0, got %d", c.MaxTokens)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be > 0, got %s", c.PollInterval)
	}
	if c.PollTimeout < c.PollInterval {
		return fmt.Errorf("poll_timeout %s must not be shorter than poll_interval %s", c.PollTimeout, c.PollInterval)
	}
	if c.StaleAfter < c.PollTimeout {
		return fmt.Errorf("stale_after %s must not be shorter than poll_timeout %s", c.StaleAfter, c.PollTimeout)
	}
	if c.CodeGenerationRetryLimit <= 0 {
		return fmt.Errorf("code_generation_retry_limit must be > 0, got %d", c.CodeGenerationRetryLimit)
	}
	if c.GenerateRetries < 0 {
		return fmt.Errorf("generate_retries must be >= 0, got %d", c.GenerateRetries)
	}
	if c.GenerateBackoff < 0 {
		return fmt.Errorf("generate_backoff must be >= 0, got %s", c.GenerateBackoff)
	}
	if c.MaxProjectSizeBytes <= 0 {
		return fmt.Errorf("max_project_size_mb must be > 0, got %d bytes", c.MaxProjectSizeBytes)
	}
	return nil
}

func overlayFromFile(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return fmt.Errorf("decode config file %q: unsupported keys %s", path, strings.Join(keys, ", "))
	}

	backendChanged := applyStringOverrides(cfg, decoded)
	if backendChanged && decoded.Model == nil {
		cfg.Model = DefaultModel(cfg.Backend)
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	return applyNumericOverrides(cfg, decoded, path)
}

func applyStringOverrides(cfg *Config, decoded fileConfig) bool {
	backendChanged := false
	if decoded.Backend != nil {
		backend := normalizeKey(*decoded.Backend)
		backendChanged = backend != cfg.Backend
		cfg.Backend = backend
	}
	if decoded.Model != nil {
		cfg.Model = strings.TrimSpace(*decoded.Model)
	}
	if decoded.IgnorePatterns != nil {
		cfg.IgnorePatterns = cleanPatterns(*decoded.IgnorePatterns)
	}
	if decoded.StagingDir != nil {
		cfg.StagingDir = strings.TrimSpace(*decoded.StagingDir)
	}
	if decoded.HistoryDB != nil {
		cfg.HistoryDB = strings.TrimSpace(*decoded.HistoryDB)
	}
	if decoded.MetricsAddr != nil {
		cfg.MetricsAddr = strings.TrimSpace(*decoded.MetricsAddr)
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = normalizeKey(*decoded.LogLevel)
	}
	if decoded.OTEL != nil && decoded.OTEL.Endpoint != nil {
		cfg.OTELEndpoint = strings.TrimSpace(*decoded.OTEL.Endpoint)
	}
	return backendChanged
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.PollInterval != nil {
		value, err := parseDuration(*decoded.PollInterval, "poll_interval", path)
		if err != nil {
			return err
		}
		cfg.PollInterval = value
	}
	if decoded.PollTimeout != nil {
		value, err := parseDuration(*decoded.PollTimeout, "poll_timeout", path)
		if err != nil {
			return err
		}
		cfg.PollTimeout = value
	}
	if decoded.StaleAfter != nil {
		value, err := parseDuration(*decoded.StaleAfter, "stale_after", path)
		if err != nil {
			return err
		}
		cfg.StaleAfter = value
	}
	if decoded.GenerateBackoff != nil {
		value, err := parseDuration(*decoded.GenerateBackoff, "generate_backoff", path)
		if err != nil {
			return err
		}
		cfg.GenerateBackoff = value
	}
	return nil
}

func applyNumericOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.MaxTokens != nil {
		cfg.MaxTokens = *decoded.MaxTokens
	}
	if decoded.CodeGenerationRetryLimit != nil {
		cfg.CodeGenerationRetryLimit = *decoded.CodeGenerationRetryLimit
	}
	if decoded.GenerateRetries != nil {
		cfg.GenerateRetries = *decoded.GenerateRetries
	}
	if decoded.MaxProjectSizeMB != nil {
		if *decoded.MaxProjectSizeMB <= 0 {
			return fmt.Errorf("parse max_project_size_mb in %q: must be > 0", path)
		}
		cfg.MaxProjectSizeBytes = *decoded.MaxProjectSizeMB * 1024 * 1024
	}
	return nil
}

// DefaultModel returns the model used for backend when none is configured.
func DefaultModel(backend string) string {
	if normalizeKey(backend) == BackendOpenAI {
		return defaultOpenAIModel
	}
	return defaultAnthropicModel
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func cleanPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		if trimmed := strings.TrimSpace(pattern); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
