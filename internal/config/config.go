// Package config loads the miesc configuration. Precedence is defaults,
// then the YAML file, then MIESC_* environment variables; command flags
// are applied last by the CLI itself.
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

// Config holds all miesc configuration.
type Config struct {
	// Audit pipeline settings
	Audit AuditConfig `yaml:"audit"`

	// Tool adapter settings
	Tools ToolsConfig `yaml:"tools"`

	// Correlation engine settings
	Correlation CorrelationConfig `yaml:"correlation"`

	// Context bus settings
	Bus BusConfig `yaml:"bus"`

	// LLM-backed detector settings
	LLM LLMConfig `yaml:"llm"`

	// Server surfaces (REST mirror and JSON-RPC)
	Server ServerConfig `yaml:"server"`

	// SQLite report archive
	Archive ArchiveConfig `yaml:"archive"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Advertised detection-quality figures
	Metrics MetricsConfig `yaml:"metrics"`
}

// AuditConfig tunes the coordinator and scheduler defaults.
type AuditConfig struct {
	DefaultProfile      string `yaml:"default_profile"`
	OutputDir           string `yaml:"output_dir"`
	WorkDir             string `yaml:"work_dir"`
	PersistEvents       bool   `yaml:"persist_events"`
	MaxConcurrent       int    `yaml:"max_concurrent"`
	MaxContractKB       int    `yaml:"max_contract_kb"`
	MaxParallelPerLayer int    `yaml:"max_parallel_per_layer"`
	CrossLayerMode      string `yaml:"cross_layer_mode"` // sequential, pipelined
}

// ToolsConfig tunes adapter selection and budgets.
type ToolsConfig struct {
	// Enable restricts plans to these tool ids; empty keeps the profile's
	// full tool set.
	Enable []string `yaml:"enable"`

	// Disable removes tool ids from every plan.
	Disable []string `yaml:"disable"`

	// PerToolDeadlines overrides the profile deadline per tool id.
	PerToolDeadlines map[string]string `yaml:"per_tool_deadlines"`

	// AvailabilityTTL caches readiness probe results.
	AvailabilityTTL string `yaml:"availability_ttl"`

	// Extra carries tool-specific key/value settings.
	Extra map[string]string `yaml:"extra"`
}

// CorrelationConfig tunes the correlation engine.
type CorrelationConfig struct {
	// FPPriorsPath overrides the embedded false-positive prior table.
	FPPriorsPath string `yaml:"fp_priors_path"`

	// CrossValidationRequired adds vulnerability classes to the built-in
	// set that demands a second independent witness.
	CrossValidationRequired []string `yaml:"cross_validation_required"`

	// SingleToolMaxConfidence caps a lone witness of a cross-validation
	// class; zero keeps the 0.60 default.
	SingleToolMaxConfidence float64 `yaml:"single_tool_max_confidence"`
}

// BusConfig tunes the context bus.
type BusConfig struct {
	// SubscriberBuffer is the max pending events per subscriber; a
	// subscriber that falls a full buffer behind is evicted.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// LLMConfig configures the AI detection layer.
type LLMConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// ServerConfig configures the network surfaces.
type ServerConfig struct {
	RESTAddr     string `yaml:"rest_addr"`
	RPCAddr      string `yaml:"rpc_addr"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
	SSEHeartbeat string `yaml:"sse_heartbeat"`
}

// ArchiveConfig configures the SQLite report archive.
type ArchiveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// MetricsConfig carries the detection-quality figures surfaced by
// get_metrics. They are operator-supplied calibration estimates; the
// orchestrator does not measure them.
type MetricsConfig struct {
	Estimates EstimatesConfig `yaml:"estimates"`
}

// EstimatesConfig holds precision/recall estimates in [0, 1]. Zero means
// unconfigured.
type EstimatesConfig struct {
	Precision float64 `yaml:"precision"`
	Recall    float64 `yaml:"recall"`
}

// LoggingConfig configures zap output and rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, console
	File       string `yaml:"file"`   // empty means stderr only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Audit: AuditConfig{
			DefaultProfile:      "standard",
			OutputDir:           "data/audits",
			PersistEvents:       false,
			MaxConcurrent:       4,
			MaxContractKB:       10240,
			MaxParallelPerLayer: 4,
			CrossLayerMode:      "sequential",
		},
		Tools: ToolsConfig{
			AvailabilityTTL: "30s",
		},
		LLM: LLMConfig{
			Model: "gemini-2.0-flash",
		},
		Server: ServerConfig{
			RESTAddr:     ":8546",
			RPCAddr:      ":8547",
			MaxBodyBytes: 16 << 20,
			SSEHeartbeat: "15s",
		},
		Archive: ArchiveConfig{
			Enabled:      true,
			DatabasePath: "data/miesc.db",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	if p := os.Getenv("MIESC_CONFIG"); p != "" {
		return p
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "miesc.yaml"
	}
	return filepath.Join(cwd, "miesc.yaml")
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies MIESC_* environment variables, plus
// GEMINI_API_KEY as a fallback credential source.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("MIESC_LLM_API_KEY"); key != "" {
		c.LLM.APIKey = key
	} else if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
	}
	if v := os.Getenv("MIESC_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("MIESC_PROFILE"); v != "" {
		c.Audit.DefaultProfile = v
	}
	if v := os.Getenv("MIESC_OUTPUT_DIR"); v != "" {
		c.Audit.OutputDir = v
	}
	if v := os.Getenv("MIESC_WORK_DIR"); v != "" {
		c.Audit.WorkDir = v
	}
	if v := os.Getenv("MIESC_FP_PRIORS"); v != "" {
		c.Correlation.FPPriorsPath = v
	}
	if v := os.Getenv("MIESC_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Audit.MaxConcurrent = n
		}
	}
	if v := os.Getenv("MIESC_CROSS_LAYER_MODE"); v != "" {
		c.Audit.CrossLayerMode = v
	}
	if v := os.Getenv("MIESC_DB"); v != "" {
		c.Archive.DatabasePath = v
	}
	if v := os.Getenv("MIESC_REST_ADDR"); v != "" {
		c.Server.RESTAddr = v
	}
	if v := os.Getenv("MIESC_RPC_ADDR"); v != "" {
		c.Server.RPCAddr = v
	}
	if v := os.Getenv("MIESC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MIESC_LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("MIESC_DISABLE_TOOLS"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				c.Tools.Disable = append(c.Tools.Disable, id)
			}
		}
	}
}

// Validate rejects configurations the coordinator cannot serve.
func (c *Config) Validate() error {
	switch c.Audit.DefaultProfile {
	case "quick", "standard", "full", "custom":
	default:
		return fmt.Errorf("invalid default profile %q", c.Audit.DefaultProfile)
	}
	switch c.Audit.CrossLayerMode {
	case "", "sequential", "pipelined":
	default:
		return fmt.Errorf("invalid cross layer mode %q", c.Audit.CrossLayerMode)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	if c.Audit.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must not be negative")
	}
	for id, d := range c.Tools.PerToolDeadlines {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("per-tool deadline for %s: %w", id, err)
		}
	}
	est := c.Metrics.Estimates
	if est.Precision < 0 || est.Precision > 1 || est.Recall < 0 || est.Recall > 1 {
		return fmt.Errorf("metrics estimates must be within [0, 1]")
	}
	if cap := c.Correlation.SingleToolMaxConfidence; cap < 0 || cap > 1 {
		return fmt.Errorf("single_tool_max_confidence must be within [0, 1]")
	}
	if c.Bus.SubscriberBuffer < 0 {
		return fmt.Errorf("subscriber_buffer must not be negative")
	}
	return nil
}

// AvailabilityTTL returns the probe cache TTL as a duration.
func (c *Config) AvailabilityTTL() time.Duration {
	d, err := time.ParseDuration(c.Tools.AvailabilityTTL)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// SSEHeartbeat returns the stream keepalive interval as a duration.
func (c *Config) SSEHeartbeat() time.Duration {
	d, err := time.ParseDuration(c.Server.SSEHeartbeat)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// PerToolDeadlines returns the parsed per-tool deadline overrides. Invalid
// entries are dropped; Validate reports them earlier.
func (c *Config) PerToolDeadlines() map[string]time.Duration {
	if len(c.Tools.PerToolDeadlines) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(c.Tools.PerToolDeadlines))
	for id, raw := range c.Tools.PerToolDeadlines {
		if d, err := time.ParseDuration(raw); err == nil {
			out[id] = d
		}
	}
	return out
}

// MaxContractBytes converts the configured KB cap to bytes.
func (c *Config) MaxContractBytes() int64 {
	return int64(c.Audit.MaxContractKB) * 1024
}
