package crew

import (
	"context"
	"fmt"

	"github.com/crewkit/crewkit/store"
)

// ContextService gives crew members namespaced key/value documents, scoped
// either to the user or to the single conversation. The dispatcher
// constructs one per dispatch with the owning ids injected.
type ContextService struct {
	store          store.ContextStore
	userID         string
	conversationID string
}

// NewContextService binds a context store to one dispatch's identities.
func NewContextService(contextStore store.ContextStore, userID, conversationID string) *ContextService {
	return &ContextService{
		store:          contextStore,
		userID:         userID,
		conversationID: conversationID,
	}
}

func (s *ContextService) scope(conversationLevel bool) string {
	if conversationLevel {
		return s.conversationID
	}
	return ""
}

// Get returns the document stored under the namespace. Missing documents
// come back empty, not as an error.
func (s *ContextService) Get(ctx context.Context, namespace string, conversationLevel bool) (map[string]any, error) {
	if s.store == nil {
		return map[string]any{}, nil
	}
	doc, err := s.store.GetDocument(ctx, s.userID, s.scope(conversationLevel), namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to read context '%s': %w", namespace, err)
	}
	return doc, nil
}

// Write replaces the document stored under the namespace.
func (s *ContextService) Write(ctx context.Context, namespace string, doc map[string]any, conversationLevel bool) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.PutDocument(ctx, s.userID, s.scope(conversationLevel), namespace, doc); err != nil {
		return fmt.Errorf("failed to write context '%s': %w", namespace, err)
	}
	return nil
}

// Merge shallow-merges patch over the stored document and writes it back.
func (s *ContextService) Merge(ctx context.Context, namespace string, patch map[string]any, conversationLevel bool) (map[string]any, error) {
	doc, err := s.Get(ctx, namespace, conversationLevel)
	if err != nil {
		return nil, err
	}
	for key, value := range patch {
		doc[key] = value
	}
	if err := s.Write(ctx, namespace, doc, conversationLevel); err != nil {
		return nil, err
	}
	return doc, nil
}
