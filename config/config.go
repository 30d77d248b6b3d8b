// Copyright (C) 2025 agentic-sre contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Agent modes. In recommend mode mutating tools only record what they
// would have done; auto mode applies the change to the cluster.
const (
	ModeAuto      = "auto"
	ModeRecommend = "recommend"
)

// Config holds all configuration for the remediation agent.
type Config struct {
	// DatabaseURL is the Postgres DSN (required).
	DatabaseURL string
	// OpenAIAPIKey is the LLM credential (required).
	OpenAIAPIKey string
	// OpenAIModel selects the model; empty means the vendor default.
	OpenAIModel string
	// AgentMode is auto or recommend.
	AgentMode string
	// ClusterName is embedded in analysis output.
	ClusterName string
	// LogLevel: debug, info, warn, error.
	LogLevel string
	// ListenAddr is the HTTP bind address.
	ListenAddr string
	// RunbooksDir is the directory holding RB_*.md documents.
	RunbooksDir string

	// DBMaxConns caps the Postgres connection pool. One connection is
	// held per in-flight workflow (session-scoped advisory locks), so
	// this is a direct throughput knob.
	DBMaxConns int

	// Per-call deadlines for external systems.
	DBTimeout         time.Duration
	ClusterAPITimeout time.Duration
	LLMTimeout        time.Duration

	MetricsEnabled bool
}

// Global config instance
var Global *Config

// Load initializes the configuration from environment variables.
func Load() *Config {
	cfg := GetDefaults()

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.OpenAIModel = os.Getenv("OPENAI_MODEL")

	if val := os.Getenv("AGENT_MODE"); val != "" {
		mode := strings.ToLower(strings.TrimSpace(val))
		if mode == ModeAuto || mode == ModeRecommend {
			cfg.AgentMode = mode
			log.Printf("AGENT_MODE set to: %s", mode)
		} else {
			log.Printf("Warning: Invalid AGENT_MODE value: %s (must be auto or recommend)", val)
		}
	}

	if val := os.Getenv("CLUSTER_NAME"); val != "" {
		cfg.ClusterName = val
		log.Printf("CLUSTER_NAME set to: %s", val)
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.LogLevel = strings.ToLower(val)
	}

	if val := os.Getenv("LISTEN_ADDR"); val != "" {
		cfg.ListenAddr = val
		log.Printf("LISTEN_ADDR set to: %s", val)
	}

	if val := os.Getenv("RUNBOOKS_DIR"); val != "" {
		cfg.RunbooksDir = val
		log.Printf("RUNBOOKS_DIR set to: %s", val)
	}

	if val := os.Getenv("DB_MAX_CONNS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			cfg.DBMaxConns = i
			log.Printf("DB_MAX_CONNS set to: %d", i)
		} else {
			log.Printf("Warning: Invalid DB_MAX_CONNS value: %s", val)
		}
	}

	cfg.DBTimeout = loadDuration("DB_TIMEOUT", cfg.DBTimeout)
	cfg.ClusterAPITimeout = loadDuration("CLUSTER_API_TIMEOUT", cfg.ClusterAPITimeout)
	cfg.LLMTimeout = loadDuration("LLM_TIMEOUT", cfg.LLMTimeout)

	if val := os.Getenv("METRICS_ENABLED"); val != "" {
		cfg.MetricsEnabled = strings.EqualFold(val, "true")
		log.Printf("METRICS_ENABLED set to: %v", cfg.MetricsEnabled)
	}

	Global = cfg
	return cfg
}

// Get returns the global config instance, loading it if necessary.
func Get() *Config {
	if Global == nil {
		return Load()
	}
	return Global
}

// GetDefaults returns a config with defaults only, ignoring the
// environment. Used by tests.
func GetDefaults() *Config {
	return &Config{
		AgentMode:         ModeRecommend,
		ClusterName:       "unknown",
		LogLevel:          "info",
		ListenAddr:        ":8080",
		RunbooksDir:       "./runbooks",
		DBMaxConns:        10,
		DBTimeout:         5 * time.Second,
		ClusterAPITimeout: 15 * time.Second,
		LLMTimeout:        60 * time.Second,
		MetricsEnabled:    true,
	}
}

// Validate checks the configuration for consistency and validity.
func (c *Config) Validate() error {
	var errs []string

	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.OpenAIAPIKey == "" {
		errs = append(errs, "OPENAI_API_KEY is required")
	}
	if c.AgentMode != ModeAuto && c.AgentMode != ModeRecommend {
		errs = append(errs, fmt.Sprintf("invalid agent mode: %s", c.AgentMode))
	}
	if c.DBMaxConns <= 0 {
		errs = append(errs, "DB max conns must be positive")
	}
	if c.DBTimeout <= 0 || c.ClusterAPITimeout <= 0 || c.LLMTimeout <= 0 {
		errs = append(errs, "timeouts must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.LogLevel] {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsAuto reports whether mutations are enabled.
func (c *Config) IsAuto() bool {
	return c.AgentMode == ModeAuto
}

func loadDuration(name string, def time.Duration) time.Duration {
	val := os.Getenv(name)
	if val == "" {
		return def
	}
	if d, err := time.ParseDuration(val); err == nil && d > 0 {
		log.Printf("%s set to: %v", name, d)
		return d
	}
	// Bare integers are treated as seconds.
	if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
		d := time.Duration(secs) * time.Second
		log.Printf("%s set to: %v", name, d)
		return d
	}
	log.Printf("Warning: Invalid %s value: %s (use format like '30s', '5m')", name, val)
	return def
}
