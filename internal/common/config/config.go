// Package config provides configuration management for CrewHub.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for CrewHub.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Memory   MemoryConfig   `mapstructure:"memory"`
	Hub      HubConfig      `mapstructure:"hub"`
	Tools    ToolsConfig    `mapstructure:"tools"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// RedisConfig holds cache server configuration. An empty Addr disables the
// cache entirely; every cache operation then behaves as a miss.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	OpTimeout int    `mapstructure:"opTimeout"` // per-operation timeout in milliseconds
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ProviderConfig holds connection settings for a single LLM provider.
type ProviderConfig struct {
	APIKey string `mapstructure:"apiKey"`
	Host   string `mapstructure:"host"`
	Model  string `mapstructure:"model"`
}

// LLMConfig holds LLM gateway configuration. DefaultProvider and the
// per-provider default models are resolved at call time, so changing them does
// not require reconstructing agents.
type LLMConfig struct {
	DefaultProvider string         `mapstructure:"defaultProvider"` // anthropic, openai, ollama
	Anthropic       ProviderConfig `mapstructure:"anthropic"`
	OpenAI          ProviderConfig `mapstructure:"openai"`
	Ollama          ProviderConfig `mapstructure:"ollama"`
	RequestTimeout  int            `mapstructure:"requestTimeout"` // in seconds
}

// MemoryConfig holds semantic memory configuration.
type MemoryConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	WindowSize          int    `mapstructure:"windowSize"` // short-term conversation window
	AutoSummarize       bool   `mapstructure:"autoSummarize"`
	EntityExtraction    bool   `mapstructure:"entityExtraction"`
	EmbeddingProvider   string `mapstructure:"embeddingProvider"` // openai or ollama
	EmbeddingModel      string `mapstructure:"embeddingModel"`
	EmbeddingDimensions int    `mapstructure:"embeddingDimensions"`
	CrossChannelRecall  bool   `mapstructure:"crossChannelRecall"`
}

// HubConfig holds event hub codec and batching configuration.
type HubConfig struct {
	CompressionThreshold int `mapstructure:"compressionThresholdBytes"`
	BatchIntervalMs      int `mapstructure:"batchIntervalMs"`
	BatchMaxSize         int `mapstructure:"batchMaxSize"`
	CriticalSendTimeout  int `mapstructure:"criticalSendTimeoutSeconds"`
}

// ToolsConfig holds tool executor configuration.
type ToolsConfig struct {
	WorkspaceRoot   string `mapstructure:"workspaceRoot"`
	MaxRequestBytes int64  `mapstructure:"maxRequestBytes"`
	ToolTimeout     int    `mapstructure:"toolTimeout"` // in seconds
}

// CacheConfig holds per-namespace TTLs in seconds. All TTLs are configurable;
// the shipped defaults follow the consolidated table.
type CacheConfig struct {
	AgentConfigTTL    int `mapstructure:"agentConfigTTL"`
	AgentListTTL      int `mapstructure:"agentListTTL"`
	ChannelMetaTTL    int `mapstructure:"channelMetaTTL"`
	WorkflowStatusTTL int `mapstructure:"workflowStatusTTL"`
	MessageCountTTL   int `mapstructure:"messageCountTTL"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// OpTimeoutDuration returns the per-operation cache timeout as a time.Duration.
func (r *RedisConfig) OpTimeoutDuration() time.Duration {
	return time.Duration(r.OpTimeout) * time.Millisecond
}

// RequestTimeoutDuration returns the LLM request timeout as a time.Duration.
func (l *LLMConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(l.RequestTimeout) * time.Second
}

// ToolTimeoutDuration returns the tool call timeout as a time.Duration.
func (t *ToolsConfig) ToolTimeoutDuration() time.Duration {
	return time.Duration(t.ToolTimeout) * time.Second
}

// BatchInterval returns the batch flush window as a time.Duration.
func (h *HubConfig) BatchInterval() time.Duration {
	return time.Duration(h.BatchIntervalMs) * time.Millisecond
}

// CriticalSendTimeoutDuration returns the bounded blocking time for critical
// event delivery before a session is disconnected.
func (h *HubConfig) CriticalSendTimeoutDuration() time.Duration {
	if h.CriticalSendTimeout <= 0 {
		return 2 * time.Second
	}
	return time.Duration(h.CriticalSendTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CREWHUB_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "crewhub")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "crewhub")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Redis defaults - empty addr disables the cache
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.opTimeout", 250)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "crewhub")
	v.SetDefault("nats.maxReconnects", 10)

	// LLM defaults
	v.SetDefault("llm.defaultProvider", "anthropic")
	v.SetDefault("llm.anthropic.host", "https://api.anthropic.com")
	v.SetDefault("llm.anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.openai.host", "https://api.openai.com/v1")
	v.SetDefault("llm.openai.model", "gpt-4o")
	v.SetDefault("llm.ollama.host", "http://localhost:11434")
	v.SetDefault("llm.ollama.model", "llama3.1")
	v.SetDefault("llm.requestTimeout", 60)

	// Memory defaults
	v.SetDefault("memory.enabled", true)
	v.SetDefault("memory.windowSize", 10)
	v.SetDefault("memory.autoSummarize", true)
	v.SetDefault("memory.entityExtraction", false)
	v.SetDefault("memory.embeddingProvider", "ollama")
	v.SetDefault("memory.embeddingModel", "nomic-embed-text")
	v.SetDefault("memory.embeddingDimensions", 768)
	v.SetDefault("memory.crossChannelRecall", false)

	// Hub defaults
	v.SetDefault("hub.compressionThresholdBytes", 10240)
	v.SetDefault("hub.batchIntervalMs", 50)
	v.SetDefault("hub.batchMaxSize", 10)
	v.SetDefault("hub.criticalSendTimeoutSeconds", 2)

	// Tools defaults
	v.SetDefault("tools.workspaceRoot", "")
	v.SetDefault("tools.maxRequestBytes", int64(10*1024*1024))
	v.SetDefault("tools.toolTimeout", 30)

	// Cache TTL defaults (seconds)
	v.SetDefault("cache.agentConfigTTL", 3600)
	v.SetDefault("cache.agentListTTL", 1800)
	v.SetDefault("cache.channelMetaTTL", 600)
	v.SetDefault("cache.workflowStatusTTL", 60)
	v.SetDefault("cache.messageCountTTL", 300)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CREWHUB_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/crewhub/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CREWHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose config keys are camelCase.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("llm.anthropic.apiKey", "ANTHROPIC_API_KEY", "CREWHUB_LLM_ANTHROPIC_API_KEY")
	_ = v.BindEnv("llm.openai.apiKey", "OPENAI_API_KEY", "CREWHUB_LLM_OPENAI_API_KEY")
	_ = v.BindEnv("llm.defaultProvider", "CREWHUB_LLM_DEFAULT_PROVIDER")
	_ = v.BindEnv("tools.workspaceRoot", "CREWHUB_TOOLS_WORKSPACE_ROOT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/crewhub/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	switch cfg.LLM.DefaultProvider {
	case "anthropic", "openai", "ollama":
	default:
		errs = append(errs, "llm.defaultProvider must be one of: anthropic, openai, ollama")
	}

	if cfg.Memory.WindowSize <= 0 {
		errs = append(errs, "memory.windowSize must be positive")
	}
	if cfg.Memory.EmbeddingDimensions <= 0 {
		errs = append(errs, "memory.embeddingDimensions must be positive")
	}

	if cfg.Tools.WorkspaceRoot != "" && !filepath.IsAbs(cfg.Tools.WorkspaceRoot) {
		errs = append(errs, "tools.workspaceRoot must be an absolute path")
	}
	if cfg.Tools.MaxRequestBytes <= 0 {
		errs = append(errs, "tools.maxRequestBytes must be positive")
	}

	if cfg.Hub.BatchMaxSize <= 0 {
		errs = append(errs, "hub.batchMaxSize must be positive")
	}
	if cfg.Hub.BatchIntervalMs <= 0 {
		errs = append(errs, "hub.batchIntervalMs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
