package kb

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crewkit/crewkit/config"
)

func TestResolveKnownSources(t *testing.T) {
	resolver := NewResolver(map[string]config.KnowledgeSourceConfig{
		"handbook": {Provider: "openai", StoreIDs: []string{"vs_1", "vs_2"}},
		"faq":      {Provider: "openai", StoreIDs: []string{"vs_3"}},
	}, nil)

	ids := resolver.Resolve([]string{"handbook", "faq"})
	assert.Equal(t, []string{"vs_1", "vs_2", "vs_3"}, ids)
}

func TestResolveUnknownSourcesDegrade(t *testing.T) {
	resolver := NewResolver(nil, nil)
	assert.Empty(t, resolver.Resolve([]string{"ghost"}))
}
