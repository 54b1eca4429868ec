// Package store defines the persistence contracts the dispatcher and crew
// services consume, together with in-memory and database/sql
// implementations.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Reserved conversation metadata keys.
const (
	MetaCollectedFields        = "collectedFields"
	MetaLastTransitionPromptBy = "lastCrewWithTransitionPrompt"
	// MetaCurrentCrewMember is a legacy location for the current crew;
	// readers check it for back-compatibility, writers only write the
	// top-level column.
	MetaCurrentCrewMember = "currentCrewMember"
)

// Conversation is a persistent thread.
type Conversation struct {
	ID                string         `json:"id"`
	AgentName         string         `json:"agent_name"`
	UserID            string         `json:"user_id,omitempty"`
	CurrentCrewMember string         `json:"current_crew_member,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// StoredMessage is one history entry of a conversation.
type StoredMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationStore persists conversations and their history.
type ConversationStore interface {
	// GetOrCreate loads a conversation, creating it when absent.
	GetOrCreate(ctx context.Context, id, agentName string) (*Conversation, error)

	// History returns the most recent messages, oldest first. limit <= 0
	// returns the full history.
	History(ctx context.Context, id string, limit int) ([]StoredMessage, error)

	// AppendMessage appends one message to the conversation history.
	AppendMessage(ctx context.Context, id, role, content string) error

	// SetCurrentCrew updates the conversation's current crew member.
	SetCurrentCrew(ctx context.Context, id, crewName string) error

	// UpdateMetadata shallow-merges patch into the conversation metadata.
	UpdateMetadata(ctx context.Context, id string, patch map[string]any) error
}

// ContextStore persists namespaced JSON documents. Documents are keyed by
// (user, namespace) or, when conversationID is non-empty, by
// (user, conversation, namespace).
type ContextStore interface {
	GetDocument(ctx context.Context, userID, conversationID, namespace string) (map[string]any, error)
	PutDocument(ctx context.Context, userID, conversationID, namespace string, doc map[string]any) error
}

// PromptVersion is the active stored prompt for a crew member.
type PromptVersion struct {
	Prompt                 string `json:"prompt"`
	TransitionSystemPrompt string `json:"transition_system_prompt,omitempty"`
}

// PromptStore serves stored prompt versions. ActiveVersion returns
// (nil, nil) when the crew has no active stored version.
type PromptStore interface {
	ActiveVersion(ctx context.Context, agentName, crewName string) (*PromptVersion, error)
}

// CrewConfigStore serves database-sourced crew member configuration
// envelopes for an agent. Envelopes are free-form maps decoded by the crew
// registry; one malformed envelope must not prevent the others loading.
type CrewConfigStore interface {
	CrewConfigs(ctx context.Context, agentName string) ([]map[string]any, error)
}
