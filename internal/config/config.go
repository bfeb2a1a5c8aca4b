// Package config holds all veritor configuration. Settings load from an
// optional YAML file over built-in defaults, then environment variables with
// the VERITOR_ prefix override individual fields.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all veritor configuration.
type Config struct {
	// Core settings
	Env     string `yaml:"env"`
	DataDir string `yaml:"data_dir"`

	// HTTP surface
	Server ServerConfig `yaml:"server"`

	// Workspace auth
	Auth AuthConfig `yaml:"auth"`

	// Hybrid retrieval
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Embedding backend
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Answer generation
	Generation GenerationConfig `yaml:"generation"`

	// Uncertainty estimation
	UQ UQConfig `yaml:"uq"`

	// Accept/iterate/abstain decision
	Decision DecisionConfig `yaml:"decision"`

	// Refinement loop budgets
	Refine RefineConfig `yaml:"refine"`

	// Tool execution
	Tools ToolsConfig `yaml:"tools"`

	// Tool approvals
	Approvals ApprovalsConfig `yaml:"approvals"`

	// Document ingestion
	Docs DocsConfig `yaml:"docs"`

	// Record retention
	Retention RetentionConfig `yaml:"retention"`

	// Operational alert thresholds
	Alerts AlertsConfig `yaml:"alerts"`

	// Guardrails overlay file (optional)
	GuardrailsPath string `yaml:"guardrails_path"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener and streaming behavior.
type ServerConfig struct {
	Addr              string `yaml:"addr"`
	ReadTimeout       string `yaml:"read_timeout"`
	WriteTimeout      string `yaml:"write_timeout"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	StreamBuffer      int    `yaml:"stream_buffer"`
	RateLimitEnabled  bool   `yaml:"rate_limit_enabled"`
	RateLimitPerMin   int    `yaml:"rate_limit_per_minute"`
}

// AuthConfig configures workspace API-key authentication.
type AuthConfig struct {
	Required     bool   `yaml:"required"`
	APIKeyHeader string `yaml:"api_key_header"`
	APIKeyPrefix string `yaml:"api_key_prefix"`
}

// GenerationConfig configures the answer composer.
type GenerationConfig struct {
	Provider string `yaml:"provider"` // genai, extractive
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout"`
}

// DocsConfig configures local corpus ingestion.
type DocsConfig struct {
	Dir                 string `yaml:"dir"`
	AutoIngest          bool   `yaml:"auto_ingest"`
	ScanIntervalSeconds int    `yaml:"scan_interval_seconds"`
	ChunkChars          int    `yaml:"chunk_chars"`
	OverlapChars        int    `yaml:"overlap_chars"`
}

// RetentionConfig configures TTL sweeps over persisted records.
type RetentionConfig struct {
	StepsTTLDays  int `yaml:"steps_ttl_days"`
	MemoryTTLDays int `yaml:"memory_ttl_days"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	Debug bool   `yaml:"debug"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Env:     "dev",
		DataDir: "data",

		Server: ServerConfig{
			Addr:              ":8080",
			ReadTimeout:       "30s",
			WriteTimeout:      "0s", // streaming responses manage their own deadline
			HeartbeatInterval: "15s",
			StreamBuffer:      256,
			RateLimitEnabled:  false,
			RateLimitPerMin:   120,
		},

		Auth: AuthConfig{
			Required:     false,
			APIKeyHeader: "X-API-Key",
			APIKeyPrefix: "wk_",
		},

		Retrieval: DefaultRetrievalConfig(),
		Embedding: DefaultEmbeddingConfig(),

		Generation: GenerationConfig{
			Provider: "extractive",
			Model:    "gemini-2.0-flash",
			Timeout:  "60s",
		},

		UQ:       DefaultUQConfig(),
		Decision: DefaultDecisionConfig(),
		Refine:   DefaultRefineConfig(),
		Tools:    DefaultToolsConfig(),

		Approvals: ApprovalsConfig{
			TTLSeconds:     1800,
			RequiredTools:  nil,
			SweepInterval:  "60s",
			AllowAutoDeny:  false,
		},

		Docs: DocsConfig{
			Dir:                 "data/docs",
			AutoIngest:          true,
			ScanIntervalSeconds: 60,
			ChunkChars:          1400,
			OverlapChars:        200,
		},

		Retention: RetentionConfig{
			StepsTTLDays:  90,
			MemoryTTLDays: 60,
		},

		Alerts: DefaultAlertsConfig(),

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults;
// environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies VERITOR_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	envString("VERITOR_ENV", &c.Env)
	envString("VERITOR_DATA_DIR", &c.DataDir)
	envString("VERITOR_ADDR", &c.Server.Addr)
	envBool("VERITOR_AUTH_REQUIRED", &c.Auth.Required)
	envString("VERITOR_API_KEY_HEADER", &c.Auth.APIKeyHeader)
	envBool("VERITOR_RATE_LIMIT_ENABLED", &c.Server.RateLimitEnabled)
	envInt("VERITOR_RATE_LIMIT_PER_MINUTE", &c.Server.RateLimitPerMin)

	envString("VERITOR_EMBEDDING_BACKEND", &c.Embedding.Backend)
	envString("VERITOR_EMBEDDING_MODEL", &c.Embedding.Model)
	envString("VERITOR_OLLAMA_URL", &c.Embedding.OllamaURL)

	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Generation.APIKey = key
		if c.Generation.Provider == "extractive" {
			c.Generation.Provider = "genai"
		}
	}
	envString("VERITOR_GENERATION_PROVIDER", &c.Generation.Provider)
	envString("VERITOR_GENERATION_MODEL", &c.Generation.Model)

	envInt("VERITOR_SNNE_SAMPLES", &c.UQ.SNNESamples)
	envFloat("VERITOR_SNNE_TAU", &c.UQ.SNNETau)
	envFloat("VERITOR_ACCEPT_THRESHOLD", &c.Decision.AcceptThreshold)
	envFloat("VERITOR_BORDERLINE_DELTA", &c.Decision.BorderlineDelta)
	envBool("VERITOR_CP_ENABLED", &c.Decision.CPEnabled)
	envBool("VERITOR_CP_AUTO_ENABLE", &c.Decision.CPAutoEnable)
	envFloat("VERITOR_CP_TARGET_MIS", &c.Decision.CPTargetMis)

	envInt("VERITOR_MAX_REFINEMENTS", &c.Refine.MaxRefinements)
	envInt("VERITOR_TOOL_BUDGET_TURN", &c.Refine.ToolBudgetPerTurn)
	envInt("VERITOR_TOOL_BUDGET_REFINEMENT", &c.Refine.ToolBudgetPerRefinement)

	envInt("VERITOR_STEPS_TTL_DAYS", &c.Retention.StepsTTLDays)
	envInt("VERITOR_MEMORY_TTL_DAYS", &c.Retention.MemoryTTLDays)
	envInt("VERITOR_APPROVALS_TTL_SECONDS", &c.Approvals.TTLSeconds)

	envString("VERITOR_DOCS_DIR", &c.Docs.Dir)
	envBool("VERITOR_DOCS_AUTO_INGEST", &c.Docs.AutoIngest)

	envString("VERITOR_GUARDRAILS_PATH", &c.GuardrailsPath)
	envBool("VERITOR_DEBUG", &c.Logging.Debug)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

// IndexDBPath returns the path of the shared index database.
func (c *Config) IndexDBPath() string {
	return filepath.Join(c.DataDir, "index.sqlite")
}

// WorkspaceDBPath returns the database path for a workspace.
func (c *Config) WorkspaceDBPath(workspace string) string {
	return filepath.Join(c.DataDir, "workspaces", workspace+".sqlite")
}

// GetHeartbeatInterval returns the SSE heartbeat interval as a duration.
func (c *Config) GetHeartbeatInterval() time.Duration {
	d, err := time.ParseDuration(c.Server.HeartbeatInterval)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// GetGenerationTimeout returns the composer timeout as a duration.
func (c *Config) GetGenerationTimeout() time.Duration {
	d, err := time.ParseDuration(c.Generation.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// ApprovalsTTL returns the approval time-to-live as a duration.
func (c *Config) ApprovalsTTL() time.Duration {
	return time.Duration(c.Approvals.TTLSeconds) * time.Second
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Decision.AcceptThreshold <= 0 || c.Decision.AcceptThreshold > 1 {
		return fmt.Errorf("accept_threshold must be in (0,1], got %v", c.Decision.AcceptThreshold)
	}
	if c.Decision.BorderlineDelta < 0 || c.Decision.BorderlineDelta >= c.Decision.AcceptThreshold {
		return fmt.Errorf("borderline_delta must be in [0,accept_threshold), got %v", c.Decision.BorderlineDelta)
	}
	if c.UQ.SNNESamples < 2 {
		return fmt.Errorf("snne_samples must be at least 2, got %d", c.UQ.SNNESamples)
	}
	if c.Refine.MaxRefinements < 0 {
		return fmt.Errorf("max_refinements must be non-negative, got %d", c.Refine.MaxRefinements)
	}
	if c.Tools.Egress.MaxPayloadBytes <= 0 {
		return fmt.Errorf("egress max_payload_bytes must be positive, got %d", c.Tools.Egress.MaxPayloadBytes)
	}
	return nil
}
