// Package config loads the relay server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrNoListenAddress = errors.New("listen address is empty")
	ErrNoDatabasePath  = errors.New("database path is empty")
	ErrNoModel         = errors.New("llm model is empty")
	ErrSearchProvider  = errors.New("unknown search provider")
)

type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// ResponseHeaderTimeout bounds the wait for upstream response headers.
	// Zero means no limit.
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
}

type SearchConfig struct {
	Provider   string        `yaml:"provider"` // "none" or "duckduckgo"
	MaxResults int           `yaml:"max_results"`
	UserAgent  string        `yaml:"user_agent"`
	Timeout    time.Duration `yaml:"timeout"`
}

type Config struct {
	Listen   string       `yaml:"listen"`
	DBPath   string       `yaml:"db_path"`
	LogLevel string       `yaml:"log_level"`
	LLM      LLMConfig    `yaml:"llm"`
	Search   SearchConfig `yaml:"search"`
}

func Default() Config {
	return Config{
		Listen:   ":8100",
		DBPath:   "pad-i.db",
		LogLevel: "info",
		LLM: LLMConfig{
			BaseURL:               "http://localhost:11434/v1/",
			Model:                 "llama3.1:8b",
			ResponseHeaderTimeout: 2 * time.Minute,
		},
		Search: SearchConfig{
			Provider:   "none",
			MaxResults: 3,
			UserAgent:  "padi-relay",
			Timeout:    10 * time.Second,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"PADI_LISTEN":          &c.Listen,
		"PADI_DB_PATH":         &c.DBPath,
		"PADI_LOG_LEVEL":       &c.LogLevel,
		"PADI_LLM_BASE_URL":    &c.LLM.BaseURL,
		"OPENAI_API_KEY":       &c.LLM.APIKey,
		"PADI_LLM_MODEL":       &c.LLM.Model,
		"PADI_SEARCH_PROVIDER": &c.Search.Provider,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("PADI_SEARCH_MAX_RESULTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PADI_SEARCH_MAX_RESULTS: %w", err)
		}
		c.Search.MaxResults = n
	}
	return nil
}

func (c Config) Validate() error {
	switch {
	case c.Listen == "":
		return ErrNoListenAddress
	case c.DBPath == "":
		return ErrNoDatabasePath
	case c.LLM.Model == "":
		return ErrNoModel
	}
	switch c.Search.Provider {
	case "", "none", "duckduckgo":
	default:
		return fmt.Errorf("%w: %q", ErrSearchProvider, c.Search.Provider)
	}
	return nil
}
