// Package crew defines the crew member contract, the default base
// implementation, and the registry that loads crew members from files and
// the database.
package crew

import (
	"context"
	"strings"

	"github.com/crewkit/crewkit/config"
	"github.com/crewkit/crewkit/llms"
)

// ToolCallPrefix namespaces tool names on the wire.
const ToolCallPrefix = "call_"

// EmitFunc lets a tool handler push diagnostic events (thinking steps) into
// the dispatch stream. Handlers must not retain it beyond their invocation.
type EmitFunc func(eventType string, payload map[string]any)

// ToolHandler executes one tool call. The returned value is serialised back
// to the model.
type ToolHandler func(ctx context.Context, params map[string]any, emit EmitFunc) (any, error)

// BuildParams is what the dispatcher hands to BuildContext.
type BuildParams struct {
	Message        string
	ConversationID string
	UserID         string
	Collected      map[string]any
	Context        *ContextService
}

// TransitionParams feed the legacy CheckTransition hook.
type TransitionParams struct {
	Message   string
	Response  string
	Collected map[string]any
}

// Transition is a post-response handoff decision.
type Transition struct {
	Target string
	Reason string
}

// Snapshot is the client-facing description of a crew member, carried in
// crew_info events and the crew directory endpoint.
type Snapshot struct {
	Name            string   `json:"name"`
	DisplayName     string   `json:"display_name"`
	Description     string   `json:"description,omitempty"`
	Model           string   `json:"model"`
	IsDefault       bool     `json:"is_default,omitempty"`
	TransitionTo    string   `json:"transition_to,omitempty"`
	OneShot         bool     `json:"one_shot,omitempty"`
	ExtractionMode  string   `json:"extraction_mode,omitempty"`
	FieldsToCollect []string `json:"fields_to_collect,omitempty"`
	Tools           []string `json:"tools,omitempty"`
	Source          string   `json:"source,omitempty"`
}

// Member is the behaviour contract every crew member implements. BaseMember
// supplies defaults for all hooks; specialised crews embed it and override
// what they need.
type Member interface {
	// Config returns the member's configuration record.
	Config() *config.CrewMemberConfig

	// BuildContext composes the map serialised into the system prompt as
	// the "Current Context" block.
	BuildContext(ctx context.Context, p BuildParams) (map[string]any, error)

	// PreProcess is the last chance to rewrite the user's input.
	PreProcess(message string, buildCtx map[string]any) string

	// PostProcess is the symmetric hook on the assistant side. The
	// streaming path bypasses it; it applies to fully buffered responses.
	PostProcess(response string, buildCtx map[string]any) string

	// FieldsForExtraction returns the subset of declared fields the
	// extractor should look for given what is already collected.
	FieldsForExtraction(collected map[string]any) []config.FieldConfig

	// PreMessageTransfer decides, once extraction has resolved, whether
	// the buffered response is discarded in favour of a transition.
	PreMessageTransfer(collected map[string]any) bool

	// PostMessageTransfer decides, after the response has streamed,
	// whether the next user message is served by the transition target.
	PostMessageTransfer(collected map[string]any) bool

	// CheckTransition is the legacy post-response transition path,
	// consulted only when PostMessageTransfer returns false.
	CheckTransition(p TransitionParams) *Transition

	// ToolSchemas adapts the declared tools into provider schemas.
	ToolSchemas() []llms.ToolDefinition

	// ToolHandler looks up a handler by bare or wire-prefixed name.
	ToolHandler(name string) (ToolHandler, bool)

	// Snapshot returns the client-facing description.
	Snapshot() Snapshot
}

// ============================================================================
// BASE MEMBER
// ============================================================================

// BaseMember is the default Member implementation driven entirely by its
// configuration record.
type BaseMember struct {
	cfg      *config.CrewMemberConfig
	handlers map[string]ToolHandler
}

// NewBaseMember wraps a configuration record.
func NewBaseMember(cfg *config.CrewMemberConfig) *BaseMember {
	return &BaseMember{
		cfg:      cfg,
		handlers: make(map[string]ToolHandler),
	}
}

// Config returns the member's configuration record.
func (m *BaseMember) Config() *config.CrewMemberConfig {
	return m.cfg
}

// RegisterToolHandler attaches user code to a declared tool name.
func (m *BaseMember) RegisterToolHandler(name string, handler ToolHandler) {
	m.handlers[strings.TrimPrefix(name, ToolCallPrefix)] = handler
}

// BuildContext copies the dispatcher-provided values and auto-injects the
// persona under characterGuidance when one is configured.
func (m *BaseMember) BuildContext(ctx context.Context, p BuildParams) (map[string]any, error) {
	out := make(map[string]any)
	if p.UserID != "" {
		out["userId"] = p.UserID
	}
	if p.ConversationID != "" {
		out["conversationId"] = p.ConversationID
	}
	if len(p.Collected) > 0 {
		collected := make(map[string]any, len(p.Collected))
		for name, value := range p.Collected {
			collected[name] = value
		}
		out["collectedFields"] = collected
	}
	if m.cfg.Persona != "" {
		out["characterGuidance"] = m.cfg.Persona
	}
	return out, nil
}

// PreProcess returns the message unchanged.
func (m *BaseMember) PreProcess(message string, buildCtx map[string]any) string {
	return message
}

// PostProcess returns the response unchanged.
func (m *BaseMember) PostProcess(response string, buildCtx map[string]any) string {
	return response
}

// FieldsForExtraction returns the full declared list.
func (m *BaseMember) FieldsForExtraction(collected map[string]any) []config.FieldConfig {
	return m.cfg.FieldsToCollect
}

// PreMessageTransfer fires when a transition target is set and every
// declared field has been collected.
func (m *BaseMember) PreMessageTransfer(collected map[string]any) bool {
	if m.cfg.TransitionTo == "" || len(m.cfg.FieldsToCollect) == 0 {
		return false
	}
	for _, field := range m.cfg.FieldsToCollect {
		if _, ok := collected[field.Name]; !ok {
			return false
		}
	}
	return true
}

// PostMessageTransfer fires for one-shot crews: the turn that just streamed
// was their single response, so the next user message belongs to the target.
func (m *BaseMember) PostMessageTransfer(collected map[string]any) bool {
	return m.cfg.OneShot && m.cfg.TransitionTo != ""
}

// CheckTransition declines by default.
func (m *BaseMember) CheckTransition(p TransitionParams) *Transition {
	return nil
}

// ToolSchemas wraps the declared tools with the wire prefix.
func (m *BaseMember) ToolSchemas() []llms.ToolDefinition {
	if len(m.cfg.Tools) == 0 {
		return nil
	}
	schemas := make([]llms.ToolDefinition, 0, len(m.cfg.Tools))
	for _, tool := range m.cfg.Tools {
		params := tool.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		schemas = append(schemas, llms.ToolDefinition{
			Name:        ToolCallPrefix + tool.Name,
			Description: tool.Description,
			Parameters:  params,
		})
	}
	return schemas
}

// ToolHandler accepts the bare tool name or the wire-prefixed form.
func (m *BaseMember) ToolHandler(name string) (ToolHandler, bool) {
	handler, ok := m.handlers[strings.TrimPrefix(name, ToolCallPrefix)]
	return handler, ok
}

// Snapshot returns the client-facing description.
func (m *BaseMember) Snapshot() Snapshot {
	snap := Snapshot{
		Name:           m.cfg.Name,
		DisplayName:    m.cfg.DisplayName,
		Description:    m.cfg.Description,
		Model:          m.cfg.Model,
		IsDefault:      m.cfg.IsDefault,
		TransitionTo:   m.cfg.TransitionTo,
		OneShot:        m.cfg.OneShot,
		ExtractionMode: m.cfg.ExtractionMode,
		Source:         m.cfg.Source,
	}
	for _, field := range m.cfg.FieldsToCollect {
		snap.FieldsToCollect = append(snap.FieldsToCollect, field.Name)
	}
	for _, tool := range m.cfg.Tools {
		snap.Tools = append(snap.Tools, tool.Name)
	}
	return snap
}
