// Package config provides configuration management for EchoBridge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for EchoBridge.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	AI       AIConfig       `mapstructure:"ai"`
	Meeting  MeetingConfig  `mapstructure:"meeting"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Wall     WallConfig     `mapstructure:"wall"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// BaseURL is the externally visible URL, used for join links and
	// onboarding documents. Defaults to http://{host}:{port}.
	BaseURL string `mapstructure:"baseUrl"`
}

// DatabaseConfig holds database connection configuration.
// Driver "sqlite" uses Path; driver "postgres" uses the remaining fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AIConfig holds AI provider configuration.
type AIConfig struct {
	// Provider selects the adapter: "openai", "openrouter", or "anthropic".
	Provider        string `mapstructure:"provider"`
	OpenAIAPIKey    string `mapstructure:"openaiApiKey"`
	AnthropicAPIKey string `mapstructure:"anthropicApiKey"`
	OpenRouterKey   string `mapstructure:"openrouterApiKey"`
	// BaseURL overrides the provider endpoint (OpenAI-compatible gateways).
	BaseURL      string `mapstructure:"baseUrl"`
	DefaultModel string `mapstructure:"defaultModel"`
}

// MeetingConfig holds orchestrator defaults and tunables.
type MeetingConfig struct {
	CooldownSecondsDefault float64 `mapstructure:"cooldownSecondsDefault"`
	MaxRoundsDefault       int     `mapstructure:"maxRoundsDefault"`
	ExternalTurnTimeout    int     `mapstructure:"externalTurnTimeout"` // in seconds
	StopGrace              int     `mapstructure:"stopGrace"`           // in seconds
	MaxContextMessages     int     `mapstructure:"maxContextMessages"`
	MemorySnippetChars     int     `mapstructure:"memorySnippetChars"`
	RecentNotesLimit       int     `mapstructure:"recentNotesLimit"`
	IdlePassMultiplier     int     `mapstructure:"idlePassMultiplier"`
	MaxAgents              int     `mapstructure:"maxAgents"`
	AutoInterpret          bool    `mapstructure:"autoInterpret"`
	AutoPostSummaries      bool    `mapstructure:"autoPostSummaries"`
}

// AuthConfig holds credential configuration.
type AuthConfig struct {
	// TokenPrefix is prepended to minted bearer tokens.
	TokenPrefix string `mapstructure:"tokenPrefix"`
}

// WallConfig holds agent wall configuration.
type WallConfig struct {
	PageSizeMax int `mapstructure:"pageSizeMax"`
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

// ExternalTurnTimeoutDuration returns the external turn timeout as a time.Duration.
func (m *MeetingConfig) ExternalTurnTimeoutDuration() time.Duration {
	return time.Duration(m.ExternalTurnTimeout) * time.Second
}

// StopGraceDuration returns the stop grace period as a time.Duration.
func (m *MeetingConfig) StopGraceDuration() time.Duration {
	return time.Duration(m.StopGrace) * time.Second
}

// CooldownDefaultDuration returns the default turn cooldown as a time.Duration.
func (m *MeetingConfig) CooldownDefaultDuration() time.Duration {
	return time.Duration(m.CooldownSecondsDefault * float64(time.Second))
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ECHOBRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.baseUrl", "")

	// Database defaults - sqlite file store unless postgres is configured
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/echobridge.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "echobridge")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "echobridge")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "echobridge")
	v.SetDefault("nats.maxReconnects", 10)

	// AI defaults
	v.SetDefault("ai.provider", "openrouter")
	v.SetDefault("ai.openaiApiKey", "")
	v.SetDefault("ai.anthropicApiKey", "")
	v.SetDefault("ai.openrouterApiKey", "")
	v.SetDefault("ai.baseUrl", "")
	v.SetDefault("ai.defaultModel", "x-ai/grok-4.1-fast")

	// Meeting defaults
	v.SetDefault("meeting.cooldownSecondsDefault", 3.0)
	v.SetDefault("meeting.maxRoundsDefault", 20)
	v.SetDefault("meeting.externalTurnTimeout", 30)
	v.SetDefault("meeting.stopGrace", 10)
	v.SetDefault("meeting.maxContextMessages", 30)
	v.SetDefault("meeting.memorySnippetChars", 3000)
	v.SetDefault("meeting.recentNotesLimit", 3)
	v.SetDefault("meeting.idlePassMultiplier", 2)
	v.SetDefault("meeting.maxAgents", 8)
	v.SetDefault("meeting.autoInterpret", true)
	v.SetDefault("meeting.autoPostSummaries", true)

	// Auth defaults
	v.SetDefault("auth.tokenPrefix", "scribe_sk")

	// Wall defaults
	v.SetDefault("wall.pageSizeMax", 200)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ECHOBRIDGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/echobridge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ECHOBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where the env var name differs from the config key.
	_ = v.BindEnv("ai.openaiApiKey", "OPENAI_API_KEY", "ECHOBRIDGE_AI_OPENAI_API_KEY")
	_ = v.BindEnv("ai.anthropicApiKey", "ANTHROPIC_API_KEY", "ECHOBRIDGE_AI_ANTHROPIC_API_KEY")
	_ = v.BindEnv("ai.openrouterApiKey", "OPENROUTER_API_KEY", "ECHOBRIDGE_AI_OPENROUTER_API_KEY")
	_ = v.BindEnv("database.path", "ECHOBRIDGE_DB_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/echobridge/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	switch cfg.AI.Provider {
	case "openai", "openrouter", "anthropic":
	default:
		errs = append(errs, "ai.provider must be one of: openai, openrouter, anthropic")
	}

	if cfg.Meeting.MaxRoundsDefault <= 0 {
		errs = append(errs, "meeting.maxRoundsDefault must be positive")
	}
	if cfg.Meeting.ExternalTurnTimeout <= 0 {
		errs = append(errs, "meeting.externalTurnTimeout must be positive")
	}
	if cfg.Meeting.IdlePassMultiplier <= 0 {
		errs = append(errs, "meeting.idlePassMultiplier must be positive")
	}
	if cfg.Meeting.MaxAgents <= 0 {
		errs = append(errs, "meeting.maxAgents must be positive")
	}
	if cfg.Auth.TokenPrefix == "" {
		errs = append(errs, "auth.tokenPrefix must not be empty")
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
