// Package config loads Spirit Memory settings. Values come from built-in
// defaults, then an optional YAML file, then environment variables with the
// SPIRIT_ prefix, and are validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings.
type Config struct {
	// DataDir holds one <agent>.spirit pack file per agent.
	DataDir string `yaml:"data_dir"`
	// DocumentsRoot is where "collection:path:name" document refs resolve.
	DocumentsRoot string `yaml:"documents_root"`
	// Grants maps an owning agent to the agents allowed to read its pack.
	Grants map[string][]string `yaml:"grants"`

	LLM           LLMConfig           `yaml:"llm"`
	Conversations ConversationsConfig `yaml:"conversations"`
	Fetch         FetchConfig         `yaml:"fetch"`
	Engine        EngineConfig        `yaml:"engine"`
	Log           LogConfig           `yaml:"log"`
}

// LLMConfig selects the reasoning sub-agent's provider.
type LLMConfig struct {
	Provider          string        `yaml:"provider"` // ollama, openai, anthropic (default: ollama)
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`             // default: 120s
	RequestsPerSecond float64       `yaml:"requests_per_second"` // default: 2
	Burst             int           `yaml:"burst"`               // default: 4
}

// ConversationsConfig points the conversation loader at a Postgres table of
// chat turns. An empty DSN disables the loader.
type ConversationsConfig struct {
	DSN                string `yaml:"dsn"`
	Table              string `yaml:"table"`
	AgentColumn        string `yaml:"agent_column"`
	ConversationColumn string `yaml:"conversation_column"`
	RoleColumn         string `yaml:"role_column"`
	ContentColumn      string `yaml:"content_column"`
	OrderColumn        string `yaml:"order_column"`
}

// FetchConfig controls the URL loader.
type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxBytes  int64         `yaml:"max_bytes"`
	UserAgent string        `yaml:"user_agent"`
}

// EngineConfig tunes extraction and the job worker pool.
type EngineConfig struct {
	Workers            int           `yaml:"workers"`
	QueueSize          int           `yaml:"queue_size"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	SegmentConcurrency int           `yaml:"segment_concurrency"`
	SegmentRetries     int           `yaml:"segment_retries"`
	TargetTokens       int           `yaml:"target_tokens"`
	MaxTokens          int           `yaml:"max_tokens"`
	AsyncMaxTokens     int           `yaml:"async_max_tokens"`
	AsyncMaxSegments   int           `yaml:"async_max_segments"`
	RelatedCap         int           `yaml:"related_cap"`
	MaxDepth           int           `yaml:"max_depth"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error (default: info)
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:       "./data",
		DocumentsRoot: "./documents",
		Grants:        map[string][]string{},
		LLM: LLMConfig{
			Provider:          "ollama",
			Timeout:           120 * time.Second,
			RequestsPerSecond: 2,
			Burst:             4,
		},
		Conversations: ConversationsConfig{
			Table:              "spirit_messages",
			AgentColumn:        "agent_id",
			ConversationColumn: "conversation_id",
			RoleColumn:         "role",
			ContentColumn:      "content",
			OrderColumn:        "created_at",
		},
		Fetch: FetchConfig{
			Timeout:   20 * time.Second,
			MaxBytes:  5 << 20,
			UserAgent: "spirit-memory/1.0",
		},
		Engine: EngineConfig{
			Workers:            2,
			QueueSize:          100,
			ShutdownTimeout:    30 * time.Second,
			PollInterval:       5 * time.Second,
			SegmentConcurrency: 4,
			SegmentRetries:     3,
			TargetTokens:       800,
			MaxTokens:          1500,
			AsyncMaxTokens:     3000,
			AsyncMaxSegments:   4,
			RelatedCap:         5,
			MaxDepth:           3,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and SPIRIT_ environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = getEnv("SPIRIT_DATA_DIR", c.DataDir)
	c.DocumentsRoot = getEnv("SPIRIT_DOCUMENTS_ROOT", c.DocumentsRoot)

	c.LLM.Provider = getEnv("SPIRIT_LLM_PROVIDER", c.LLM.Provider)
	c.LLM.Model = getEnv("SPIRIT_LLM_MODEL", c.LLM.Model)
	c.LLM.BaseURL = getEnv("SPIRIT_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKey = getEnv("SPIRIT_LLM_API_KEY", c.LLM.APIKey)
	c.LLM.Timeout = getEnvDuration("SPIRIT_LLM_TIMEOUT", c.LLM.Timeout)
	c.LLM.RequestsPerSecond = getEnvFloat("SPIRIT_LLM_RPS", c.LLM.RequestsPerSecond)

	c.Conversations.DSN = getEnv("SPIRIT_CONVERSATIONS_DSN", c.Conversations.DSN)
	c.Conversations.Table = getEnv("SPIRIT_CONVERSATIONS_TABLE", c.Conversations.Table)

	c.Fetch.Timeout = getEnvDuration("SPIRIT_FETCH_TIMEOUT", c.Fetch.Timeout)
	c.Fetch.MaxBytes = int64(getEnvInt("SPIRIT_FETCH_MAX_BYTES", int(c.Fetch.MaxBytes)))

	c.Engine.Workers = getEnvInt("SPIRIT_WORKERS", c.Engine.Workers)
	c.Engine.SegmentConcurrency = getEnvInt("SPIRIT_SEGMENT_CONCURRENCY", c.Engine.SegmentConcurrency)
	c.Engine.MaxDepth = getEnvInt("SPIRIT_MAX_DEPTH", c.Engine.MaxDepth)

	c.Log.Level = getEnv("SPIRIT_LOG_LEVEL", c.Log.Level)
	c.Log.Development = getEnvBool("SPIRIT_LOG_DEVELOPMENT", c.Log.Development)
}

// sqlIdentifier restricts configurable table and column names.
var sqlIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	switch c.LLM.Provider {
	case "ollama", "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not one of ollama, openai, anthropic", c.LLM.Provider))
	}
	if c.LLM.Provider != "ollama" && c.LLM.APIKey == "" {
		errs = append(errs, fmt.Errorf("llm.api_key is required for provider %q", c.LLM.Provider))
	}
	if c.LLM.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("llm.requests_per_second must be positive"))
	}

	for name, ident := range map[string]string{
		"table":               c.Conversations.Table,
		"agent_column":        c.Conversations.AgentColumn,
		"conversation_column": c.Conversations.ConversationColumn,
		"role_column":         c.Conversations.RoleColumn,
		"content_column":      c.Conversations.ContentColumn,
		"order_column":        c.Conversations.OrderColumn,
	} {
		if !sqlIdentifier.MatchString(ident) {
			errs = append(errs, fmt.Errorf("conversations.%s %q is not a valid identifier", name, ident))
		}
	}

	if c.Fetch.MaxBytes <= 0 {
		errs = append(errs, errors.New("fetch.max_bytes must be positive"))
	}

	e := c.Engine
	if e.Workers < 1 {
		errs = append(errs, errors.New("engine.workers must be at least 1"))
	}
	if e.SegmentConcurrency < 1 {
		errs = append(errs, errors.New("engine.segment_concurrency must be at least 1"))
	}
	if e.SegmentRetries < 1 {
		errs = append(errs, errors.New("engine.segment_retries must be at least 1"))
	}
	if e.TargetTokens < 1 || e.MaxTokens < e.TargetTokens {
		errs = append(errs, errors.New("engine.target_tokens must be positive and not above engine.max_tokens"))
	}
	if e.MaxDepth < 1 {
		errs = append(errs, errors.New("engine.max_depth must be at least 1"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
