package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetOrCreate(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()

	conv, err := mem.GetOrCreate(ctx, "c1", "A")
	require.NoError(t, err)
	assert.Equal(t, "c1", conv.ID)
	assert.Equal(t, "A", conv.AgentName)
	assert.NotNil(t, conv.Metadata)

	again, err := mem.GetOrCreate(ctx, "c1", "A")
	require.NoError(t, err)
	assert.Equal(t, conv.CreatedAt, again.CreatedAt)
}

func TestMemoryHistoryOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()

	require.NoError(t, mem.AppendMessage(ctx, "c1", "user", "one"))
	require.NoError(t, mem.AppendMessage(ctx, "c1", "assistant", "two"))
	require.NoError(t, mem.AppendMessage(ctx, "c1", "user", "three"))

	full, err := mem.History(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, full, 3)
	assert.Equal(t, "one", full[0].Content)
	assert.Equal(t, "three", full[2].Content)

	tail, err := mem.History(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "two", tail[0].Content)
}

func TestMemorySetCurrentCrew(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()

	assert.ErrorIs(t, mem.SetCurrentCrew(ctx, "missing", "C1"), ErrNotFound)

	_, err := mem.GetOrCreate(ctx, "c1", "A")
	require.NoError(t, err)
	require.NoError(t, mem.SetCurrentCrew(ctx, "c1", "C1"))

	conv, _ := mem.GetOrCreate(ctx, "c1", "A")
	assert.Equal(t, "C1", conv.CurrentCrewMember)
}

func TestMemoryUpdateMetadataMerges(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	_, err := mem.GetOrCreate(ctx, "c1", "A")
	require.NoError(t, err)

	require.NoError(t, mem.UpdateMetadata(ctx, "c1", map[string]any{"a": "1"}))
	require.NoError(t, mem.UpdateMetadata(ctx, "c1", map[string]any{"b": "2"}))

	conv, _ := mem.GetOrCreate(ctx, "c1", "A")
	assert.Equal(t, "1", conv.Metadata["a"])
	assert.Equal(t, "2", conv.Metadata["b"])
}

func TestMemoryConversationSnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	conv, _ := mem.GetOrCreate(ctx, "c1", "A")
	conv.Metadata["tampered"] = true

	fresh, _ := mem.GetOrCreate(ctx, "c1", "A")
	assert.NotContains(t, fresh.Metadata, "tampered")
}

func TestMemoryContextDocuments(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()

	doc, err := mem.GetDocument(ctx, "u1", "", "prefs")
	require.NoError(t, err)
	assert.Empty(t, doc)

	require.NoError(t, mem.PutDocument(ctx, "u1", "", "prefs", map[string]any{"lang": "pt"}))
	require.NoError(t, mem.PutDocument(ctx, "u1", "c1", "prefs", map[string]any{"lang": "en"}))

	userDoc, _ := mem.GetDocument(ctx, "u1", "", "prefs")
	assert.Equal(t, "pt", userDoc["lang"])

	convDoc, _ := mem.GetDocument(ctx, "u1", "c1", "prefs")
	assert.Equal(t, "en", convDoc["lang"])
}

func TestMemoryPromptVersions(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()

	version, err := mem.ActiveVersion(ctx, "A", "greeter")
	require.NoError(t, err)
	assert.Nil(t, version, "no active version means nil, not an error")

	mem.SetActiveVersion("A", "greeter", &PromptVersion{Prompt: "stored", TransitionSystemPrompt: "intro"})
	version, err = mem.ActiveVersion(ctx, "A", "greeter")
	require.NoError(t, err)
	require.NotNil(t, version)
	assert.Equal(t, "stored", version.Prompt)
	assert.Equal(t, "intro", version.TransitionSystemPrompt)
}

func TestMemoryCrewConfigs(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()

	mem.PutCrewConfig("A", map[string]any{"name": "greeter"})
	envelopes, err := mem.CrewConfigs(ctx, "A")
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	assert.Equal(t, "greeter", envelopes[0]["name"])

	none, err := mem.CrewConfigs(ctx, "B")
	require.NoError(t, err)
	assert.Empty(t, none)
}
