package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentmarkets/trustline/internal/domain"
)

// Config holds the settlement engine's runtime configuration.
type Config struct {
	DBPath                    string   `json:"db_path"`
	ListenAddr                string   `json:"listen_addr"`
	SweepIntervalSec          int      `json:"sweep_interval_sec"`
	SweepPageSize             int      `json:"sweep_page_size"`
	ReleasePageSize           int      `json:"release_page_size"`
	ReputationRefreshSec      int      `json:"reputation_refresh_interval_sec"`
	ReputationBatchSize       int      `json:"reputation_batch_size"`
	BatchTTLHours             int      `json:"batch_ttl_hours"`
	SignTimeoutSec            int      `json:"sign_timeout_sec"`
	SignerBaseURL             string   `json:"signer_base_url"`
	SignerAPIKey              string   `json:"signer_api_key"`
	SweepJitterMaxMs          int      `json:"sweep_jitter_max_ms"`
	AdminPrincipals           []string `json:"admin_principals"`
}

// Load reads a JSON config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9700"
	}
	if c.SweepIntervalSec == 0 {
		c.SweepIntervalSec = 300
	}
	if c.SweepPageSize == 0 {
		c.SweepPageSize = 10
	}
	if c.ReleasePageSize == 0 {
		c.ReleasePageSize = 20
	}
	if c.ReputationRefreshSec == 0 {
		c.ReputationRefreshSec = 600
	}
	if c.ReputationBatchSize == 0 {
		c.ReputationBatchSize = 100
	}
	if c.BatchTTLHours == 0 {
		c.BatchTTLHours = 168
	}
	if c.SignTimeoutSec == 0 {
		c.SignTimeoutSec = 30
	}
	if c.SweepJitterMaxMs == 0 {
		c.SweepJitterMaxMs = 250
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.DBPath == "" {
		problems = append(problems, "db_path is required")
	}
	if c.SweepIntervalSec < 0 {
		problems = append(problems, "sweep_interval_sec must not be negative")
	}
	if c.SweepPageSize < 0 || c.ReleasePageSize < 0 || c.ReputationBatchSize < 0 {
		problems = append(problems, "page sizes must not be negative")
	}
	if c.BatchTTLHours < 0 {
		problems = append(problems, "batch_ttl_hours must not be negative")
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}
