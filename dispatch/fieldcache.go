package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/crewkit/crewkit/config"
	"github.com/crewkit/crewkit/store"
)

// FieldCache is the process-local collected-fields map, keyed by
// conversation id and written through to conversation metadata. Persistence
// failures degrade to an in-memory update with a warning.
type FieldCache struct {
	mu            sync.Mutex
	fields        map[string]map[string]any
	conversations store.ConversationStore
	logger        *slog.Logger
}

// NewFieldCache creates a cache backed by the conversation store.
func NewFieldCache(conversations store.ConversationStore, logger *slog.Logger) *FieldCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &FieldCache{
		fields:        make(map[string]map[string]any),
		conversations: conversations,
		logger:        logger,
	}
}

// Get returns a defensive copy of the conversation's collected fields,
// loading from metadata on miss. conv seeds the miss path so no extra
// store read is needed.
func (c *FieldCache) Get(ctx context.Context, conv *store.Conversation) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.fields[conv.ID]
	if !exists {
		entry = loadFromMetadata(conv)
		c.fields[conv.ID] = entry
	}
	return copyFields(entry)
}

// Update shallow-merges newFields over the current set, persists the
// merged object, and returns a defensive copy. Empty input is a no-op.
func (c *FieldCache) Update(ctx context.Context, conv *store.Conversation, newFields map[string]any) map[string]any {
	c.mu.Lock()
	entry, exists := c.fields[conv.ID]
	if !exists {
		entry = loadFromMetadata(conv)
		c.fields[conv.ID] = entry
	}
	if len(newFields) == 0 {
		merged := copyFields(entry)
		c.mu.Unlock()
		return merged
	}
	for name, value := range newFields {
		entry[name] = value
	}
	merged := copyFields(entry)
	c.mu.Unlock()

	err := c.conversations.UpdateMetadata(ctx, conv.ID, map[string]any{
		store.MetaCollectedFields: copyFields(merged),
	})
	if err != nil {
		c.logger.Warn("failed to persist collected fields, keeping in-memory state",
			"conversation", conv.ID, "error", err)
	}
	return merged
}

// Missing returns the declared fields absent from the cache.
func (c *FieldCache) Missing(ctx context.Context, conv *store.Conversation, declared []config.FieldConfig) []config.FieldConfig {
	collected := c.Get(ctx, conv)

	var missing []config.FieldConfig
	for _, field := range declared {
		if _, ok := collected[field.Name]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}

func loadFromMetadata(conv *store.Conversation) map[string]any {
	entry := make(map[string]any)
	if raw, ok := conv.Metadata[store.MetaCollectedFields].(map[string]any); ok {
		for name, value := range raw {
			entry[name] = value
		}
	}
	return entry
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for name, value := range fields {
		out[name] = value
	}
	return out
}
