// Package config loads the orchestrator's YAML configuration file and
// overlays it with environment variables, adapted from
// kadirpekel-hector/pkg/config/loader.go's read-raw -> parse YAML ->
// expand env vars -> mapstructure-decode pipeline, trimmed to one
// file format (no provider abstraction — this system has no remote
// config backend to watch) and ExpandEnvVarsInData from
// kadirpekel-hector/config/env.go for the `${VAR}`/`${VAR:-default}`
// substitution inside string values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// WorkerSpec configures one agent subprocess command line.
type WorkerSpec struct {
	Name    string   `yaml:"name" mapstructure:"name"`
	Command string   `yaml:"command" mapstructure:"command"`
	Args    []string `yaml:"args" mapstructure:"args"`
}

// Config carries every tunable named in spec §6.
type Config struct {
	WorkspacePath string `yaml:"workspace_path" mapstructure:"workspace_path"`
	ServerPort    int    `yaml:"server_port" mapstructure:"server_port"`

	MaxIterations int `yaml:"max_iterations" mapstructure:"max_iterations"`
	MaxErrors     int `yaml:"max_errors" mapstructure:"max_errors"`

	SupervisorConfidenceThreshold float64 `yaml:"supervisor_confidence_threshold" mapstructure:"supervisor_confidence_threshold"`
	SupervisorMaxRetries          int     `yaml:"supervisor_max_retries" mapstructure:"supervisor_max_retries"`
	SupervisorProvider            string  `yaml:"supervisor_provider" mapstructure:"supervisor_provider"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	DefaultCallTimeout time.Duration `yaml:"default_call_timeout" mapstructure:"default_call_timeout"`
	ReadTimeout        time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst" mapstructure:"rate_limit_burst"`

	LLMBaseURL string `yaml:"llm_base_url" mapstructure:"llm_base_url"`
	LLMModel   string `yaml:"llm_model" mapstructure:"llm_model"`

	LogLevel    string `yaml:"log_level" mapstructure:"log_level"`
	LogsDir     string `yaml:"logs_dir" mapstructure:"logs_dir"`
	CheckpointDB string `yaml:"checkpoint_db" mapstructure:"checkpoint_db"`

	Workers []WorkerSpec `yaml:"workers" mapstructure:"workers"`
}

func (c *Config) setDefaults() {
	if c.ServerPort == 0 {
		c.ServerPort = 8002
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 20
	}
	if c.MaxErrors == 0 {
		c.MaxErrors = 3
	}
	if c.SupervisorConfidenceThreshold == 0 {
		c.SupervisorConfidenceThreshold = 0.5
	}
	if c.SupervisorMaxRetries == 0 {
		c.SupervisorMaxRetries = 3
	}
	if c.SupervisorProvider == "" {
		c.SupervisorProvider = "openai"
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.DefaultCallTimeout == 0 {
		c.DefaultCallTimeout = 120 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.RateLimitRPS == 0 {
		c.RateLimitRPS = 2
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 4
	}
	if c.LLMModel == "" {
		c.LLMModel = "gpt-4o"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogsDir == "" {
		c.LogsDir = ".logs"
	}
	if c.CheckpointDB == "" {
		c.CheckpointDB = ".logs/checkpoints.db"
	}
	if c.WorkspacePath == "" {
		c.WorkspacePath = "."
	}
}

// Load reads .env.local/.env (if present) into the process
// environment, then reads the YAML file at path, expands environment
// variable references in its string values, and decodes it into a
// Config with defaults filled in.
func Load(path string) (*Config, error) {
	for _, envFile := range []string{".env.local", ".env"} {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: loading %s: %w", envFile, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	expanded := expandEnvVarsInData(raw)

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           cfg,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("config: building decoder: %w", err)
	}
	if err := decoder.Decode(expanded); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	cfg.setDefaults()
	return cfg, nil
}
