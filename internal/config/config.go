// Package config provides configuration management for invoicemem.
// It loads settings from environment variables with the INVOICEMEM_ prefix
// and provides sensible defaults for all configuration options.
//
// The rule catalog (VAT evidence patterns, currency symbols, SKU hints, field
// aliases and vendor profiles) is data rather than code and lives in a YAML
// file; see LoadCatalog.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all configuration settings for the invoicemem application.
type Config struct {
	Pipeline PipelineConfig
	Storage  StorageConfig
	Server   ServerConfig
	Security SecurityConfig
	Rules    RulesConfig
}

// PipelineConfig contains the decision policy and confidence tuning inputs.
type PipelineConfig struct {
	AutoApplyThreshold         float64 // Confidence at/above which a correction is applied without review (default: 0.85)
	HumanReviewThreshold       float64 // Confidence below which the invoice is escalated (default: 0.6)
	MemoryDecayRate            float64 // Daily decay rate beyond the grace window (default: 0.01)
	MinReinforcementCount      int     // Reinforcements before an unapproved correction may auto-apply (default: 2)
	MaxContradictionRatio      float64 // Contradiction ratio above which weighted confidence is halved (default: 0.5)
	DuplicateConfidencePenalty float64 // Final multiplier when a duplicate was flagged (default: 0.5)
	SkipLearningOnDuplicate    bool    // Skip the learn phase for duplicates (default: true)
}

// StorageConfig contains memory snapshot and audit log storage configuration.
type StorageConfig struct {
	StorageEngine string // Storage engine type: file, sqlite, postgres (default: file)
	DataPath      string // Path to data directory (default: ./data)
	PostgresDSN   string // PostgreSQL connection string (postgres engine only)
	BackupPath    string // Snapshot backup directory (default: {DataPath}/backups)
}

// BackupDir returns the backup directory, defaulting to a backups folder
// inside the data directory.
func (s StorageConfig) BackupDir() string {
	if s.BackupPath != "" {
		return s.BackupPath
	}
	return filepath.Join(s.DataPath, "backups")
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port      int     // Server port (default: 6464)
	Host      string  // Server host (default: 127.0.0.1)
	RateLimit float64 // Sustained requests per second (default: 10)
	RateBurst int     // Maximum burst size (default: 20)

	DecayIntervalHours int    // Hours between scheduled decay runs while serving; 0 disables (default: 24)
	InboxPath          string // Directory watched for extracted invoice files while serving; empty disables
}

// SecurityConfig contains security and authentication settings.
type SecurityConfig struct {
	SecurityMode string // Security mode: development, production (default: development)
	APIToken     string // API authentication token
}

// RulesConfig points at the rule catalog.
type RulesConfig struct {
	CatalogPath string // YAML catalog path; empty uses the embedded default
}

// LoadConfig loads configuration from environment variables with sensible defaults.
// All environment variables use the INVOICEMEM_ prefix.
func LoadConfig() (*Config, error) {
	cfg := buildBaseConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the default configuration without reading the environment.
func Default() *Config {
	return &Config{
		Pipeline: DefaultPipelineConfig(),
		Storage: StorageConfig{
			StorageEngine: "file",
			DataPath:      "./data",
		},
		Server: ServerConfig{
			Port:      6464,
			Host:      "127.0.0.1",
			RateLimit: 10,
			RateBurst: 20,

			DecayIntervalHours: 24,
		},
		Security: SecurityConfig{
			SecurityMode: "development",
		},
	}
}

// DefaultPipelineConfig returns the default decision policy.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		AutoApplyThreshold:         0.85,
		HumanReviewThreshold:       0.6,
		MemoryDecayRate:            0.01,
		MinReinforcementCount:      2,
		MaxContradictionRatio:      0.5,
		DuplicateConfidencePenalty: 0.5,
		SkipLearningOnDuplicate:    true,
	}
}

// Validate rejects out-of-range pipeline settings and unknown storage engines.
func (c *Config) Validate() error {
	p := c.Pipeline
	for name, v := range map[string]float64{
		"auto apply threshold":         p.AutoApplyThreshold,
		"human review threshold":       p.HumanReviewThreshold,
		"memory decay rate":            p.MemoryDecayRate,
		"max contradiction ratio":      p.MaxContradictionRatio,
		"duplicate confidence penalty": p.DuplicateConfidencePenalty,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("config: %s must be within [0,1], got %v", name, v)
		}
	}
	if p.MinReinforcementCount < 0 {
		return errors.New("config: min reinforcement count must not be negative")
	}
	if c.Server.DecayIntervalHours < 0 {
		return errors.New("config: decay interval must not be negative")
	}

	switch c.Storage.StorageEngine {
	case "file", "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("config: postgres storage engine requires INVOICEMEM_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.StorageEngine)
	}
	return nil
}

// buildBaseConfig constructs a Config with values from environment variables
// and defaults.
func buildBaseConfig() *Config {
	d := Default()
	return &Config{
		Pipeline: PipelineConfig{
			AutoApplyThreshold:         getEnvFloat("INVOICEMEM_AUTO_APPLY_THRESHOLD", d.Pipeline.AutoApplyThreshold),
			HumanReviewThreshold:       getEnvFloat("INVOICEMEM_HUMAN_REVIEW_THRESHOLD", d.Pipeline.HumanReviewThreshold),
			MemoryDecayRate:            getEnvFloat("INVOICEMEM_MEMORY_DECAY_RATE", d.Pipeline.MemoryDecayRate),
			MinReinforcementCount:      getEnvInt("INVOICEMEM_MIN_REINFORCEMENT_COUNT", d.Pipeline.MinReinforcementCount),
			MaxContradictionRatio:      getEnvFloat("INVOICEMEM_MAX_CONTRADICTION_RATIO", d.Pipeline.MaxContradictionRatio),
			DuplicateConfidencePenalty: getEnvFloat("INVOICEMEM_DUPLICATE_CONFIDENCE_PENALTY", d.Pipeline.DuplicateConfidencePenalty),
			SkipLearningOnDuplicate:    getEnvBool("INVOICEMEM_SKIP_LEARNING_ON_DUPLICATE", d.Pipeline.SkipLearningOnDuplicate),
		},
		Storage: StorageConfig{
			StorageEngine: getEnv("INVOICEMEM_STORAGE_ENGINE", d.Storage.StorageEngine),
			DataPath:      getEnv("INVOICEMEM_DATA_PATH", d.Storage.DataPath),
			PostgresDSN:   getEnv("INVOICEMEM_POSTGRES_DSN", ""),
			BackupPath:    getEnv("INVOICEMEM_BACKUP_PATH", ""),
		},
		Server: ServerConfig{
			Port:      getEnvInt("INVOICEMEM_PORT", d.Server.Port),
			Host:      getEnv("INVOICEMEM_HOST", d.Server.Host),
			RateLimit: getEnvFloat("INVOICEMEM_RATE_LIMIT", d.Server.RateLimit),
			RateBurst: getEnvInt("INVOICEMEM_RATE_BURST", d.Server.RateBurst),

			DecayIntervalHours: getEnvInt("INVOICEMEM_DECAY_INTERVAL_HOURS", d.Server.DecayIntervalHours),
			InboxPath:          getEnv("INVOICEMEM_INBOX_PATH", ""),
		},
		Security: SecurityConfig{
			SecurityMode: getEnv("INVOICEMEM_SECURITY_MODE", d.Security.SecurityMode),
			APIToken:     getEnv("INVOICEMEM_API_TOKEN", ""),
		},
		Rules: RulesConfig{
			CatalogPath: getEnv("INVOICEMEM_RULE_CATALOG", ""),
		},
	}
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

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
