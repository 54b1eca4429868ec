// Package kb resolves logical knowledge-base source names into the
// provider-specific store identifiers an LLM invocation needs.
package kb

import (
	"log/slog"

	"github.com/crewkit/crewkit/config"
)

// Resolver maps source names to store identifiers from configuration.
// Resolution failures degrade to "no sources".
type Resolver struct {
	sources map[string]config.KnowledgeSourceConfig
	logger  *slog.Logger
}

// NewResolver creates a resolver over the configured sources.
func NewResolver(sources map[string]config.KnowledgeSourceConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if sources == nil {
		sources = map[string]config.KnowledgeSourceConfig{}
	}
	return &Resolver{sources: sources, logger: logger}
}

// Resolve returns the store identifiers for the named sources. Unknown
// names are skipped with a warning.
func (r *Resolver) Resolve(names []string) []string {
	var ids []string
	for _, name := range names {
		source, ok := r.sources[name]
		if !ok {
			r.logger.Warn("unknown knowledge-base source", "source", name)
			continue
		}
		ids = append(ids, source.StoreIDs...)
	}
	return ids
}
