package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all process configuration. Values are resolved in order:
// defaults, then YAML file, then DOCFLOW_* environment overrides.
type Config struct {
	DatabasePath string `yaml:"database_path"`
	DataDir      string `yaml:"data_dir"`

	MaxCostLimitDefaultUSD float64 `yaml:"max_cost_limit_default"`
	TempFileTTLHours       int     `yaml:"temp_file_ttl_hours"`
	MaxFileSizeMB          int64   `yaml:"max_file_size_mb"`
	MaxArchiveSizeMB       int64   `yaml:"max_archive_size_mb"`
	MaxExtractionFiles     int     `yaml:"max_extraction_files"`
	PerStageTimeoutSeconds int     `yaml:"per_stage_timeout_seconds"`
	WorkerConcurrency      int     `yaml:"worker_concurrency"`

	QueueSoftLimit int `yaml:"queue_soft_limit"`
	QueueHardLimit int `yaml:"queue_hard_limit"`
	MaxRetries     int `yaml:"max_retries"`

	LLMProvider string `yaml:"llm_provider"`
	LLMModel    string `yaml:"llm_model"`
	LLMAPIKey   string `yaml:"llm_api_key"`
	LLMBaseURL  string `yaml:"llm_base_url"`

	EmbeddingModel string `yaml:"embedding_model"`
	VectorSize     int    `yaml:"vector_size"`

	StorageType string `yaml:"storage_type"`
	StoragePath string `yaml:"storage_path"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		DatabasePath:           "docflow.db",
		DataDir:                "/var/lib/docflow",
		MaxCostLimitDefaultUSD: 50,
		TempFileTTLHours:       24,
		MaxFileSizeMB:          100,
		MaxArchiveSizeMB:       500,
		MaxExtractionFiles:     1000,
		PerStageTimeoutSeconds: 300,
		WorkerConcurrency:      4,
		QueueSoftLimit:         1000,
		QueueHardLimit:         10000,
		MaxRetries:             3,
		LLMProvider:            "openai",
		LLMModel:               "gpt-4o-mini",
		EmbeddingModel:         "text-embedding-3-small",
		VectorSize:             1536,
		StorageType:            "local",
		StoragePath:            "/var/lib/docflow/files",
		LogLevel:               "info",
		LogJSON:                false,
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DOCFLOW_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("DOCFLOW_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("DOCFLOW_MAX_COST_LIMIT_DEFAULT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.MaxCostLimitDefaultUSD = f
		}
	}
	if v := os.Getenv("DOCFLOW_TEMP_FILE_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TempFileTTLHours = n
		}
	}
	if v := os.Getenv("DOCFLOW_WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerConcurrency = n
		}
	}
	if v := os.Getenv("DOCFLOW_PER_STAGE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PerStageTimeoutSeconds = n
		}
	}
	if v := os.Getenv("DOCFLOW_LLM_PROVIDER"); v != "" {
		c.LLMProvider = v
	}
	if v := os.Getenv("DOCFLOW_LLM_MODEL"); v != "" {
		c.LLMModel = v
	}
	if v := os.Getenv("DOCFLOW_LLM_API_KEY"); v != "" {
		c.LLMAPIKey = v
	}
	if v := os.Getenv("DOCFLOW_LLM_BASE_URL"); v != "" {
		c.LLMBaseURL = v
	}
	if v := os.Getenv("DOCFLOW_STORAGE_TYPE"); v != "" {
		c.StorageType = v
	}
	if v := os.Getenv("DOCFLOW_STORAGE_PATH"); v != "" {
		c.StoragePath = v
	}
	if v := os.Getenv("DOCFLOW_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker_concurrency must be at least 1")
	}
	if c.PerStageTimeoutSeconds < 1 {
		return fmt.Errorf("per_stage_timeout_seconds must be at least 1")
	}
	if c.QueueHardLimit < c.QueueSoftLimit {
		return fmt.Errorf("queue_hard_limit must not be below queue_soft_limit")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.StorageType != "local" && c.StorageType != "s3" {
		return fmt.Errorf("unknown storage_type: %s", c.StorageType)
	}
	return nil
}

// PerStageTimeout returns the stage wall-clock budget as a duration.
func (c *Config) PerStageTimeout() time.Duration {
	return time.Duration(c.PerStageTimeoutSeconds) * time.Second
}

// TempFileTTL returns the temporary-file retention window.
func (c *Config) TempFileTTL() time.Duration {
	return time.Duration(c.TempFileTTLHours) * time.Hour
}
