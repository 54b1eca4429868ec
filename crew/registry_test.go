package crew

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewkit/crewkit/config"
	"github.com/crewkit/crewkit/store"
)

func writeCrewFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestRegistryLoadsFileCrew(t *testing.T) {
	root := t.TempDir()
	writeCrewFile(t, filepath.Join(root, "support"), "greeter.yaml", `
name: greeter
is_default: true
guidance: say hello
model: gpt-4o-mini
`)
	writeCrewFile(t, filepath.Join(root, "support"), "closer.yaml", `
name: closer
guidance: wrap up
`)

	reg := NewRegistry(root, nil, nil, nil)
	members, err := reg.LoadForAgent(context.Background(), "support")
	require.NoError(t, err)
	require.Len(t, members, 2)

	greeter, ok := reg.Get(context.Background(), "support", "greeter")
	require.True(t, ok)
	assert.Equal(t, "file", greeter.Config().Source)
	assert.Equal(t, "say hello", greeter.Config().Guidance)

	def, ok := reg.Default(context.Background(), "support")
	require.True(t, ok)
	assert.Equal(t, "greeter", def.Config().Name)
}

func TestRegistryFileOverridesDatabase(t *testing.T) {
	root := t.TempDir()
	writeCrewFile(t, filepath.Join(root, "support"), "greeter.yaml", `
name: greeter
guidance: from file
`)

	mem := store.NewMemoryStore()
	mem.PutCrewConfig("support", map[string]any{"name": "greeter", "guidance": "from database"})
	mem.PutCrewConfig("support", map[string]any{"name": "db_only", "guidance": "database crew"})

	reg := NewRegistry(root, nil, mem, nil)

	greeter, ok := reg.Get(context.Background(), "support", "greeter")
	require.True(t, ok)
	assert.Equal(t, "from file", greeter.Config().Guidance)
	assert.Equal(t, "file", greeter.Config().Source)

	dbOnly, ok := reg.Get(context.Background(), "support", "db_only")
	require.True(t, ok)
	assert.Equal(t, "database", dbOnly.Config().Source)
}

func TestRegistryMalformedEntriesAreSkipped(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "support")
	writeCrewFile(t, dir, "good.yaml", "name: good\nguidance: fine\n")
	writeCrewFile(t, dir, "broken.yaml", "name: [not\n  valid yaml")
	writeCrewFile(t, dir, "notes.txt", "not a crew file")

	mem := store.NewMemoryStore()
	mem.PutCrewConfig("support", map[string]any{"guidance": "missing name"})

	reg := NewRegistry(root, nil, mem, nil)
	members, err := reg.LoadForAgent(context.Background(), "support")
	require.NoError(t, err)
	assert.Len(t, members, 1)
	assert.Contains(t, members, "good")
}

func TestRegistryMissingDirectoryIsNotAnError(t *testing.T) {
	reg := NewRegistry(t.TempDir(), nil, nil, nil)
	members, err := reg.LoadForAgent(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.False(t, reg.Has(context.Background(), "nobody"))
}

func TestRegistryDirCandidates(t *testing.T) {
	tests := []struct {
		agent string
		want  []string
	}{
		{"support", []string{"support"}},
		{"Support", []string{"Support", "support"}},
		{"Acme Inc.", []string{"Acme Inc.", "acme inc.", "acme-inc", "acmeinc", "acme"}},
		{"Travel Desk", []string{"Travel Desk", "travel desk", "travel-desk", "traveldesk", "travel"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, dirCandidates(tt.agent), "agent %q", tt.agent)
	}
}

func TestRegistryResolvesSluggedDirectory(t *testing.T) {
	root := t.TempDir()
	writeCrewFile(t, filepath.Join(root, "acme-inc"), "greeter.yaml", "name: greeter\n")

	reg := NewRegistry(root, nil, nil, nil)
	assert.True(t, reg.Has(context.Background(), "Acme Inc."))
}

func TestRegistryExplicitCrewDir(t *testing.T) {
	root := t.TempDir()
	writeCrewFile(t, filepath.Join(root, "custom"), "greeter.yaml", "name: greeter\n")

	agents := []config.AgentConfig{{Name: "support", CrewDir: "custom"}}
	reg := NewRegistry(root, agents, nil, nil)
	assert.True(t, reg.Has(context.Background(), "support"))
}

func TestRegistryReloadPicksUpChanges(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "support")
	writeCrewFile(t, dir, "greeter.yaml", "name: greeter\n")

	reg := NewRegistry(root, nil, nil, nil)
	require.True(t, reg.Has(context.Background(), "support"))

	writeCrewFile(t, dir, "closer.yaml", "name: closer\n")
	_, ok := reg.Get(context.Background(), "support", "closer")
	assert.False(t, ok, "cache serves the old view until reload")

	require.NoError(t, reg.Reload(context.Background(), "support"))
	_, ok = reg.Get(context.Background(), "support", "closer")
	assert.True(t, ok)
}

func TestRegistryPutRegistersProgrammaticMember(t *testing.T) {
	reg := NewRegistry(t.TempDir(), nil, nil, nil)
	cfg := &config.CrewMemberConfig{Name: "coded"}
	cfg.SetDefaults()
	reg.Put("support", NewBaseMember(cfg))

	member, ok := reg.Get(context.Background(), "support", "coded")
	require.True(t, ok)
	assert.Equal(t, "coded", member.Config().Name)
}

func TestRegistryNameDefaultsFromFilename(t *testing.T) {
	root := t.TempDir()
	writeCrewFile(t, filepath.Join(root, "support"), "fallback.yaml", "guidance: unnamed\n")

	reg := NewRegistry(root, nil, nil, nil)
	_, ok := reg.Get(context.Background(), "support", "fallback")
	assert.True(t, ok)
}
