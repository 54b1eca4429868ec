package crew

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewkit/crewkit/config"
)

func testConfig(mutate func(*config.CrewMemberConfig)) *config.CrewMemberConfig {
	cfg := &config.CrewMemberConfig{Name: "greeter", Guidance: "be nice"}
	cfg.SetDefaults()
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func TestBuildContextInjectsPersona(t *testing.T) {
	member := NewBaseMember(testConfig(func(c *config.CrewMemberConfig) {
		c.Persona = "You are Captain Reyes."
	}))

	built, err := member.BuildContext(context.Background(), BuildParams{
		UserID:         "u1",
		ConversationID: "c1",
		Collected:      map[string]any{"user_name": "Dana"},
	})
	require.NoError(t, err)

	assert.Equal(t, "You are Captain Reyes.", built["characterGuidance"])
	assert.Equal(t, "u1", built["userId"])
	assert.Equal(t, "c1", built["conversationId"])
	assert.Equal(t, map[string]any{"user_name": "Dana"}, built["collectedFields"])
}

func TestBuildContextWithoutPersona(t *testing.T) {
	member := NewBaseMember(testConfig(nil))
	built, err := member.BuildContext(context.Background(), BuildParams{})
	require.NoError(t, err)
	assert.NotContains(t, built, "characterGuidance")
}

func TestPreMessageTransferRequiresAllFields(t *testing.T) {
	member := NewBaseMember(testConfig(func(c *config.CrewMemberConfig) {
		c.TransitionTo = "next"
		c.FieldsToCollect = []config.FieldConfig{{Name: "a"}, {Name: "b"}}
	}))

	assert.False(t, member.PreMessageTransfer(map[string]any{"a": "1"}))
	assert.True(t, member.PreMessageTransfer(map[string]any{"a": "1", "b": "2"}))
}

func TestPreMessageTransferNeedsTarget(t *testing.T) {
	member := NewBaseMember(testConfig(func(c *config.CrewMemberConfig) {
		c.FieldsToCollect = []config.FieldConfig{{Name: "a"}}
	}))
	assert.False(t, member.PreMessageTransfer(map[string]any{"a": "1"}))
}

func TestPostMessageTransferOneShot(t *testing.T) {
	oneShot := NewBaseMember(testConfig(func(c *config.CrewMemberConfig) {
		c.OneShot = true
		c.TransitionTo = "next"
	}))
	assert.True(t, oneShot.PostMessageTransfer(nil))

	regular := NewBaseMember(testConfig(func(c *config.CrewMemberConfig) {
		c.TransitionTo = "next"
	}))
	assert.False(t, regular.PostMessageTransfer(nil))
}

func TestToolSchemasCarryWirePrefix(t *testing.T) {
	member := NewBaseMember(testConfig(func(c *config.CrewMemberConfig) {
		c.Tools = []config.ToolConfig{
			{Name: "lookup", Description: "look things up", Parameters: map[string]any{"type": "object"}},
			{Name: "ping"},
		}
	}))

	schemas := member.ToolSchemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "call_lookup", schemas[0].Name)
	assert.Equal(t, "call_ping", schemas[1].Name)
	assert.NotNil(t, schemas[1].Parameters, "missing schema defaults to an empty object")
}

func TestToolHandlerLookupAcceptsBothNames(t *testing.T) {
	member := NewBaseMember(testConfig(func(c *config.CrewMemberConfig) {
		c.Tools = []config.ToolConfig{{Name: "lookup"}}
	}))
	member.RegisterToolHandler("lookup", func(ctx context.Context, params map[string]any, emit EmitFunc) (any, error) {
		return "ok", nil
	})

	_, ok := member.ToolHandler("lookup")
	assert.True(t, ok)
	_, ok = member.ToolHandler("call_lookup")
	assert.True(t, ok)
	_, ok = member.ToolHandler("unknown")
	assert.False(t, ok)
}

func TestSnapshotDescribesMember(t *testing.T) {
	member := NewBaseMember(testConfig(func(c *config.CrewMemberConfig) {
		c.DisplayName = "Greeter"
		c.TransitionTo = "closer"
		c.FieldsToCollect = []config.FieldConfig{{Name: "user_name"}}
		c.Tools = []config.ToolConfig{{Name: "lookup"}}
		c.Source = "file"
	}))

	snap := member.Snapshot()
	assert.Equal(t, "greeter", snap.Name)
	assert.Equal(t, "Greeter", snap.DisplayName)
	assert.Equal(t, "closer", snap.TransitionTo)
	assert.Equal(t, []string{"user_name"}, snap.FieldsToCollect)
	assert.Equal(t, []string{"lookup"}, snap.Tools)
	assert.Equal(t, "file", snap.Source)
}

func TestFieldsForExtractionReturnsDeclared(t *testing.T) {
	fields := []config.FieldConfig{{Name: "a"}, {Name: "b"}}
	member := NewBaseMember(testConfig(func(c *config.CrewMemberConfig) {
		c.FieldsToCollect = fields
	}))
	assert.Equal(t, fields, member.FieldsForExtraction(map[string]any{"a": "1"}))
}
