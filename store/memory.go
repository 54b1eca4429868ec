package store

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// IN-MEMORY IMPLEMENTATIONS
// ============================================================================

// MemoryStore implements all persistence contracts in memory. It backs
// local-mode runs and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	histories     map[string][]StoredMessage
	documents     map[string]map[string]any
	prompts       map[string]*PromptVersion
	crewConfigs   map[string][]map[string]any
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		histories:     make(map[string][]StoredMessage),
		documents:     make(map[string]map[string]any),
		prompts:       make(map[string]*PromptVersion),
		crewConfigs:   make(map[string][]map[string]any),
	}
}

// GetOrCreate loads a conversation, creating it when absent.
func (s *MemoryStore) GetOrCreate(ctx context.Context, id, agentName string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[id]
	if !exists {
		now := time.Now()
		conv = &Conversation{
			ID:        id,
			AgentName: agentName,
			Metadata:  make(map[string]any),
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.conversations[id] = conv
	}

	return cloneConversation(conv), nil
}

// History returns the most recent messages, oldest first.
func (s *MemoryStore) History(ctx context.Context, id string, limit int) ([]StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.histories[id]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}

	out := make([]StoredMessage, len(history))
	copy(out, history)
	return out, nil
}

// AppendMessage appends one message to the conversation history.
func (s *MemoryStore) AppendMessage(ctx context.Context, id, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.histories[id] = append(s.histories[id], StoredMessage{
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	})
	return nil
}

// SetCurrentCrew updates the conversation's current crew member.
func (s *MemoryStore) SetCurrentCrew(ctx context.Context, id, crewName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[id]
	if !exists {
		return ErrNotFound
	}
	conv.CurrentCrewMember = crewName
	conv.UpdatedAt = time.Now()
	return nil
}

// UpdateMetadata shallow-merges patch into the conversation metadata.
func (s *MemoryStore) UpdateMetadata(ctx context.Context, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, exists := s.conversations[id]
	if !exists {
		return ErrNotFound
	}
	if conv.Metadata == nil {
		conv.Metadata = make(map[string]any)
	}
	for key, value := range patch {
		conv.Metadata[key] = value
	}
	conv.UpdatedAt = time.Now()
	return nil
}

// GetDocument returns a namespaced context document.
func (s *MemoryStore) GetDocument(ctx context.Context, userID, conversationID, namespace string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, exists := s.documents[documentKey(userID, conversationID, namespace)]
	if !exists {
		return map[string]any{}, nil
	}

	out := make(map[string]any, len(doc))
	for key, value := range doc {
		out[key] = value
	}
	return out, nil
}

// PutDocument stores a namespaced context document.
func (s *MemoryStore) PutDocument(ctx context.Context, userID, conversationID, namespace string, doc map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make(map[string]any, len(doc))
	for key, value := range doc {
		stored[key] = value
	}
	s.documents[documentKey(userID, conversationID, namespace)] = stored
	return nil
}

// ActiveVersion returns the active stored prompt version for a crew.
func (s *MemoryStore) ActiveVersion(ctx context.Context, agentName, crewName string) (*PromptVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	version, exists := s.prompts[agentName+"/"+crewName]
	if !exists {
		return nil, nil
	}
	out := *version
	return &out, nil
}

// SetActiveVersion stores the active prompt version for a crew.
func (s *MemoryStore) SetActiveVersion(agentName, crewName string, version *PromptVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[agentName+"/"+crewName] = version
}

// CrewConfigs returns the database-sourced crew envelopes for an agent.
func (s *MemoryStore) CrewConfigs(ctx context.Context, agentName string) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]map[string]any, len(s.crewConfigs[agentName]))
	copy(out, s.crewConfigs[agentName])
	return out, nil
}

// PutCrewConfig appends a database-sourced crew envelope for an agent.
func (s *MemoryStore) PutCrewConfig(agentName string, envelope map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crewConfigs[agentName] = append(s.crewConfigs[agentName], envelope)
}

func documentKey(userID, conversationID, namespace string) string {
	if conversationID == "" {
		return userID + "\x00" + namespace
	}
	return userID + "\x00" + conversationID + "\x00" + namespace
}

func cloneConversation(conv *Conversation) *Conversation {
	out := *conv
	out.Metadata = make(map[string]any, len(conv.Metadata))
	for key, value := range conv.Metadata {
		out.Metadata[key] = value
	}
	return &out
}
