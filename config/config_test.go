package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load([]byte(`
name: demo
agents:
  support:
    description: support agent
llms:
  openai:
    api_key: sk-test
`))
	require.NoError(t, err)

	agent := cfg.Agents["support"]
	assert.Equal(t, "support", agent.Name)
	assert.Equal(t, "support", agent.Slug)
	assert.True(t, agent.Active)

	llm := cfg.LLMs["openai"]
	assert.Equal(t, "openai", llm.Type)
	assert.Equal(t, "https://api.openai.com/v1", llm.Host)
	assert.Equal(t, 0.7, llm.Temperature)

	assert.Equal(t, "crew", cfg.CrewRoot)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "gpt-4o-mini", cfg.Extractor.ConversationalModel)
	assert.Equal(t, "gpt-4o", cfg.Extractor.FormModel)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	os.Setenv("TEST_CREW_KEY", "sk-from-env")
	defer os.Unsetenv("TEST_CREW_KEY")

	cfg, err := Load([]byte(`
llms:
  openai:
    api_key: ${TEST_CREW_KEY}
  anthropic:
    type: anthropic
    api_key: ${MISSING_CREW_KEY:-fallback}
`))
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.LLMs["openai"].APIKey)
	assert.Equal(t, "fallback", cfg.LLMs["anthropic"].APIKey)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad llm type", "llms:\n  weird:\n    type: carrier-pigeon\n"},
		{"bad driver", "database:\n  driver: cassette-tape\n"},
		{"sql without dsn", "database:\n  driver: postgres\n"},
		{"bad port", "server:\n  port: 99999\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestCrewMemberDefaultsAndValidation(t *testing.T) {
	cfg := &CrewMemberConfig{Name: "greeter"}
	cfg.SetDefaults()
	assert.Equal(t, "greeter", cfg.DisplayName)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Equal(t, 1024, cfg.MaxTokens)
	assert.Equal(t, ExtractionModeConversational, cfg.ExtractionMode)
	require.NoError(t, cfg.Validate())

	dup := &CrewMemberConfig{Name: "x", Tools: []ToolConfig{{Name: "a"}, {Name: "a"}}}
	dup.SetDefaults()
	assert.Error(t, dup.Validate())

	badMode := &CrewMemberConfig{Name: "x", ExtractionMode: "telepathic"}
	assert.Error(t, badMode.Validate())

	unnamed := &CrewMemberConfig{}
	unnamed.SetDefaults()
	assert.Error(t, unnamed.Validate())

	blankField := &CrewMemberConfig{Name: "x", FieldsToCollect: []FieldConfig{{}}}
	blankField.SetDefaults()
	assert.Error(t, blankField.Validate())
}

func TestDatabaseDefaults(t *testing.T) {
	cfg := &DatabaseConfig{Driver: "sqlite3"}
	cfg.SetDefaults()
	assert.Equal(t, "crewkit.db", cfg.DSN)
	require.NoError(t, cfg.Validate())
}
