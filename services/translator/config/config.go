// Copyright (C) 2025 Oxbow Labs (dev@oxbowlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config holds the service configuration: model endpoint, analysis
// inputs, orchestration knobs, and output layout. Files are YAML; a handful
// of environment variables override the file for credentials and endpoints.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/oxbowlabs/oxbow/services/translator/analyzer"
	"github.com/oxbowlabs/oxbow/services/translator/orchestrator"
)

// ModelConfig configures the translation capability endpoint.
type ModelConfig struct {
	// Provider names the completion API flavor. Only OpenAI-compatible
	// endpoints are wired today; the field exists so configs stay stable
	// when more land.
	Provider string `yaml:"provider"`

	ModelName string `yaml:"model_name"`

	// APIKey authenticates requests. Prefer the OXBOW_API_KEY environment
	// variable over storing keys in config files.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the API endpoint for compatible providers.
	BaseURL string `yaml:"base_url,omitempty"`

	// Temperature seeds the tuning optimizer.
	Temperature float64 `yaml:"temperature"`
}

// OutputConfig configures artifact layout.
type OutputConfig struct {
	// OutputDir is the base directory for generated crates.
	OutputDir string `yaml:"output_dir"`
}

// StateConfig configures the durable state store.
type StateConfig struct {
	// Dir is the state database directory.
	Dir string `yaml:"dir"`
}

// Config is the root configuration.
type Config struct {
	Model       ModelConfig         `yaml:"model"`
	Dependency  analyzer.Config     `yaml:"dependency"`
	Translation orchestrator.Config `yaml:"translation"`
	Output      OutputConfig        `yaml:"output"`
	State       StateConfig         `yaml:"state"`

	TargetLanguage string `yaml:"target_language"`
	LogLevel       string `yaml:"log_level"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:    "openai",
			ModelName:   "gpt-4o-mini",
			Temperature: 1.0,
		},
		Translation: orchestrator.DefaultConfig(),
		Output: OutputConfig{
			OutputDir: "./output",
		},
		State: StateConfig{
			Dir: "./.oxbow-state",
		},
		TargetLanguage: "rust",
		LogLevel:       "info",
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// overrides. A missing path returns defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment variables. Credentials and endpoints are the
// usual deployment-time overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("OXBOW_API_KEY"); v != "" {
		c.Model.APIKey = v
	}
	if v := os.Getenv("OXBOW_MODEL_NAME"); v != "" {
		c.Model.ModelName = v
	}
	if v := os.Getenv("OXBOW_BASE_URL"); v != "" {
		c.Model.BaseURL = v
	}
	if v := os.Getenv("OXBOW_OUTPUT_DIR"); v != "" {
		c.Output.OutputDir = v
	}
	if v := os.Getenv("OXBOW_STATE_DIR"); v != "" {
		c.State.Dir = v
	}
	if v := os.Getenv("OXBOW_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("OXBOW_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Model.Temperature = f
		}
	}
}
