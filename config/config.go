// Package config provides configuration types and utilities for the crew
// platform. This file contains the main unified configuration entry point.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// MAIN UNIFIED CONFIGURATION
// ============================================================================

// Config represents the complete configuration. A single YAML file is the
// entry point for all settings: agents, LLM providers, knowledge sources,
// extractor tiers, server, database, and logging.
type Config struct {
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	LLMs             map[string]LLMProviderConfig     `yaml:"llms,omitempty" json:"llms,omitempty"`
	Agents           map[string]AgentConfig           `yaml:"agents,omitempty" json:"agents,omitempty"`
	KnowledgeSources map[string]KnowledgeSourceConfig `yaml:"knowledge_sources,omitempty" json:"knowledge_sources,omitempty"`
	Extractor        ExtractorConfig                  `yaml:"extractor,omitempty" json:"extractor,omitempty"`
	Server           ServerConfig                     `yaml:"server,omitempty" json:"server,omitempty"`
	Database         DatabaseConfig                   `yaml:"database,omitempty" json:"database,omitempty"`
	Logger           LoggerConfig                     `yaml:"logger,omitempty" json:"logger,omitempty"`

	// CrewRoot is the base directory for file-sourced crew definitions.
	// Each agent resolves a subdirectory under it (see crew.Registry).
	CrewRoot string `yaml:"crew_root,omitempty" json:"crew_root,omitempty"`
}

// SetDefaults implements Config.SetDefaults for Config
func (c *Config) SetDefaults() {
	if c.LLMs == nil {
		c.LLMs = make(map[string]LLMProviderConfig)
	}
	if c.Agents == nil {
		c.Agents = make(map[string]AgentConfig)
	}
	if c.KnowledgeSources == nil {
		c.KnowledgeSources = make(map[string]KnowledgeSourceConfig)
	}
	if c.CrewRoot == "" {
		c.CrewRoot = "crew"
	}

	for name := range c.LLMs {
		llm := c.LLMs[name]
		llm.SetDefaults()
		c.LLMs[name] = llm
	}
	for name := range c.Agents {
		agent := c.Agents[name]
		if agent.Name == "" {
			agent.Name = name
		}
		agent.SetDefaults()
		c.Agents[name] = agent
	}

	c.Extractor.SetDefaults()
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Logger.SetDefaults()
}

// Validate implements Config.Validate for Config
func (c *Config) Validate() error {
	for name, llm := range c.LLMs {
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("LLM '%s' validation failed: %w", name, err)
		}
	}
	for name, agent := range c.Agents {
		if err := agent.Validate(); err != nil {
			return fmt.Errorf("agent '%s' validation failed: %w", name, err)
		}
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database validation failed: %w", err)
	}
	return nil
}

// LoadFromFile reads a YAML configuration file, expands environment
// variables, applies defaults and validates the result.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Load(data)
}

// Load parses configuration from raw YAML bytes.
func Load(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
