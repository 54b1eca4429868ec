// Package config provides configuration types and utilities for the crew
// platform. This file contains the typed sections referenced by Config.
package config

import (
	"fmt"
	"strings"
)

// ============================================================================
// LLM PROVIDER CONFIGURATION
// ============================================================================

// LLMProviderConfig holds the connection and generation settings for one
// provider family. The Type is normally inferred from the model name; it is
// only spelled out here for hosts that serve OpenAI-compatible APIs.
type LLMProviderConfig struct {
	Type        string  `yaml:"type,omitempty" json:"type,omitempty"`
	Model       string  `yaml:"model,omitempty" json:"model,omitempty"`
	APIKey      string  `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	Host        string  `yaml:"host,omitempty" json:"host,omitempty"`
	Temperature float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Timeout     int     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries  int     `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryDelay  int     `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
}

// SetDefaults implements defaults for LLMProviderConfig
func (c *LLMProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Host == "" {
		switch c.Type {
		case "anthropic":
			c.Host = "https://api.anthropic.com"
		case "openai":
			c.Host = "https://api.openai.com/v1"
		}
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2
	}
}

// Validate implements validation for LLMProviderConfig
func (c *LLMProviderConfig) Validate() error {
	switch c.Type {
	case "openai", "anthropic", "google":
	default:
		return fmt.Errorf("unsupported LLM type: %s", c.Type)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	return nil
}

// ============================================================================
// CREW MEMBER CONFIGURATION
// ============================================================================

// Extraction modes supported by FieldsToCollect.
const (
	ExtractionModeConversational = "conversational"
	ExtractionModeForm           = "form"
)

// FieldConfig declares one field a crew member collects from the
// conversation. Type may be "boolean" or empty (free text); AllowedValues
// turns the field into an enumeration.
type FieldConfig struct {
	Name          string   `yaml:"name" json:"name"`
	Description   string   `yaml:"description,omitempty" json:"description,omitempty"`
	Type          string   `yaml:"type,omitempty" json:"type,omitempty"`
	AllowedValues []string `yaml:"allowed_values,omitempty" json:"allowed_values,omitempty"`
}

// ToolConfig declares a tool exposed to the model. Parameters is a JSON
// schema object. The handler is attached programmatically, not from YAML.
type ToolConfig struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Parameters  map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// KnowledgeBaseConfig controls knowledge-base resolution for a crew member.
// Sources are logical names resolved to provider store identifiers at
// dispatch time.
type KnowledgeBaseConfig struct {
	Enabled bool     `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Sources []string `yaml:"sources,omitempty" json:"sources,omitempty"`
}

// CrewMemberConfig is the full configuration record for one crew member.
// File-sourced members are one YAML document per file; database-sourced
// members carry the same shape inside a JSON envelope.
type CrewMemberConfig struct {
	Name                   string              `yaml:"name" json:"name"`
	DisplayName            string              `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Description            string              `yaml:"description,omitempty" json:"description,omitempty"`
	IsDefault              bool                `yaml:"is_default,omitempty" json:"is_default,omitempty"`
	Guidance               string              `yaml:"guidance,omitempty" json:"guidance,omitempty"`
	Model                  string              `yaml:"model,omitempty" json:"model,omitempty"`
	MaxTokens              int                 `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Tools                  []ToolConfig        `yaml:"tools,omitempty" json:"tools,omitempty"`
	KnowledgeBase          KnowledgeBaseConfig `yaml:"knowledge_base,omitempty" json:"knowledge_base,omitempty"`
	FieldsToCollect        []FieldConfig       `yaml:"fields_to_collect,omitempty" json:"fields_to_collect,omitempty"`
	ExtractionMode         string              `yaml:"extraction_mode,omitempty" json:"extraction_mode,omitempty"`
	TransitionTo           string              `yaml:"transition_to,omitempty" json:"transition_to,omitempty"`
	TransitionSystemPrompt string              `yaml:"transition_system_prompt,omitempty" json:"transition_system_prompt,omitempty"`
	OneShot                bool                `yaml:"one_shot,omitempty" json:"one_shot,omitempty"`
	Persona                string              `yaml:"persona,omitempty" json:"persona,omitempty"`

	// Source records where this member came from: "file" or "database".
	// Set by the registry, never from configuration.
	Source string `yaml:"-" json:"source,omitempty"`
}

// SetDefaults implements defaults for CrewMemberConfig
func (c *CrewMemberConfig) SetDefaults() {
	if c.DisplayName == "" {
		c.DisplayName = c.Name
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 1024
	}
	if c.ExtractionMode == "" {
		c.ExtractionMode = ExtractionModeConversational
	}
}

// Validate implements validation for CrewMemberConfig
func (c *CrewMemberConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("crew member name is required")
	}
	if c.ExtractionMode != ExtractionModeConversational && c.ExtractionMode != ExtractionModeForm {
		return fmt.Errorf("crew member '%s': unknown extraction mode '%s'", c.Name, c.ExtractionMode)
	}
	seen := make(map[string]bool, len(c.Tools))
	for _, tool := range c.Tools {
		if tool.Name == "" {
			return fmt.Errorf("crew member '%s': tool name is required", c.Name)
		}
		if seen[tool.Name] {
			return fmt.Errorf("crew member '%s': duplicate tool '%s'", c.Name, tool.Name)
		}
		seen[tool.Name] = true
	}
	for _, field := range c.FieldsToCollect {
		if field.Name == "" {
			return fmt.Errorf("crew member '%s': field name is required", c.Name)
		}
	}
	return nil
}

// ============================================================================
// AGENT CONFIGURATION
// ============================================================================

// AgentConfig describes one agent: a named suite of crew members.
type AgentConfig struct {
	Name        string         `yaml:"name" json:"name"`
	Slug        string         `yaml:"slug,omitempty" json:"slug,omitempty"`
	Active      bool           `yaml:"active,omitempty" json:"active,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	CrewDir     string         `yaml:"crew_dir,omitempty" json:"crew_dir,omitempty"`
	Settings    map[string]any `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// SetDefaults implements defaults for AgentConfig
func (c *AgentConfig) SetDefaults() {
	c.Active = true
	if c.Slug == "" {
		c.Slug = strings.ToLower(strings.ReplaceAll(c.Name, " ", "-"))
	}
}

// Validate implements validation for AgentConfig
func (c *AgentConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	return nil
}

// ============================================================================
// KNOWLEDGE BASE SOURCES
// ============================================================================

// KnowledgeSourceConfig maps a logical knowledge-base source name to the
// provider-specific store identifiers the LLM invocation needs.
type KnowledgeSourceConfig struct {
	Provider string   `yaml:"provider,omitempty" json:"provider,omitempty"`
	StoreIDs []string `yaml:"store_ids,omitempty" json:"store_ids,omitempty"`
}

// ============================================================================
// EXTRACTOR CONFIGURATION
// ============================================================================

// ExtractorConfig selects the model tiers the field extractor uses.
type ExtractorConfig struct {
	// ConversationalModel is the lighter tier for conversational extraction.
	ConversationalModel string `yaml:"conversational_model,omitempty" json:"conversational_model,omitempty"`
	// FormModel is the stronger tier for form-mode extraction.
	FormModel string `yaml:"form_model,omitempty" json:"form_model,omitempty"`
	// HistoryWindow bounds how many recent messages the extractor sees.
	HistoryWindow int `yaml:"history_window,omitempty" json:"history_window,omitempty"`
}

// SetDefaults implements defaults for ExtractorConfig
func (c *ExtractorConfig) SetDefaults() {
	if c.ConversationalModel == "" {
		c.ConversationalModel = "gpt-4o-mini"
	}
	if c.FormModel == "" {
		c.FormModel = "gpt-4o"
	}
	if c.HistoryWindow == 0 {
		c.HistoryWindow = 10
	}
}

// ============================================================================
// SERVER / DATABASE / LOGGER
// ============================================================================

// ServerConfig contains the HTTP ingress settings.
type ServerConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`
}

// SetDefaults implements defaults for ServerConfig
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

// Validate implements validation for ServerConfig
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	return nil
}

// DatabaseConfig selects the persistence backend. Driver is one of
// "sqlite3", "postgres", "mysql", or "memory" for ephemeral local runs.
type DatabaseConfig struct {
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"`
	DSN    string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// SetDefaults implements defaults for DatabaseConfig
func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "memory"
	}
	if c.Driver == "sqlite3" && c.DSN == "" {
		c.DSN = "crewkit.db"
	}
}

// Validate implements validation for DatabaseConfig
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "memory", "sqlite3", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Driver)
	}
	if c.Driver != "memory" && c.DSN == "" {
		return fmt.Errorf("database dsn is required for driver %s", c.Driver)
	}
	return nil
}

// LoggerConfig contains logging settings (overridable by CLI flags and env).
type LoggerConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// SetDefaults implements defaults for LoggerConfig
func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}
