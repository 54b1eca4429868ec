// Package dispatch contains the dispatcher: it routes a user message to the
// current crew member, races the primary stream against the field
// extractor, applies the pre-message-transfer gate, and emits a strictly
// ordered event stream.
package dispatch

import (
	"time"

	"github.com/crewkit/crewkit/crew"
)

// Event types.
const (
	EventTextChunk          = "text_chunk"
	EventFieldExtracted     = "field_extracted"
	EventCrewTransition     = "crew_transition"
	EventCrewInfo           = "crew_info"
	EventFunctionCall       = "function_call"
	EventFunctionResult     = "function_result"
	EventFunctionError      = "function_error"
	EventThinkingStep       = "thinking_step"
	EventThinkingComplete   = "thinking_complete"
	EventFileSearchResults  = "file_search_results"
	EventDebugPrompt        = "debug_prompt"
	EventDebugContextUpdate = "debug_context_update"
	EventDone               = "done"
	EventError              = "error"
)

// Event is the tagged union the dispatcher emits. Type selects which of the
// optional fields are populated.
type Event struct {
	Type string `json:"type"`

	// text_chunk
	Payload string `json:"payload,omitempty"`

	// field_extracted, function_call, function_result, function_error
	Name string `json:"name,omitempty"`

	// field_extracted
	Value any `json:"value,omitempty"`

	// crew_transition
	From      string     `json:"from,omitempty"`
	To        string     `json:"to,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`

	// crew_info
	Crew *crew.Snapshot `json:"crew,omitempty"`

	// function_call
	Params map[string]any `json:"params,omitempty"`

	// function_result
	Result any `json:"result,omitempty"`

	// function_error, error
	Error string `json:"error,omitempty"`

	// thinking_step, thinking_complete, debug_prompt, debug_context_update
	Data map[string]any `json:"data,omitempty"`

	// file_search_results
	Files []string `json:"files,omitempty"`
}

func TextChunk(payload string) Event {
	return Event{Type: EventTextChunk, Payload: payload}
}

func FieldExtracted(name string, value any) Event {
	return Event{Type: EventFieldExtracted, Name: name, Value: value}
}

func CrewTransition(from, to, reason string) Event {
	now := time.Now()
	return Event{Type: EventCrewTransition, From: from, To: to, Reason: reason, Timestamp: &now}
}

func CrewInfo(snapshot crew.Snapshot) Event {
	return Event{Type: EventCrewInfo, Crew: &snapshot}
}

func FunctionCall(name string, params map[string]any) Event {
	return Event{Type: EventFunctionCall, Name: name, Params: params}
}

func FunctionResult(name string, result any) Event {
	return Event{Type: EventFunctionResult, Name: name, Result: result}
}

func FunctionError(name string, err string) Event {
	return Event{Type: EventFunctionError, Name: name, Error: err}
}

func ThinkingStep(data map[string]any) Event {
	return Event{Type: EventThinkingStep, Data: data}
}

func ThinkingComplete(data map[string]any) Event {
	return Event{Type: EventThinkingComplete, Data: data}
}

func FileSearchResults(files []string) Event {
	return Event{Type: EventFileSearchResults, Files: files}
}

func DebugPrompt(data map[string]any) Event {
	return Event{Type: EventDebugPrompt, Data: data}
}

func DebugContextUpdate(data map[string]any) Event {
	return Event{Type: EventDebugContextUpdate, Data: data}
}

func Done() Event {
	return Event{Type: EventDone}
}

func ErrorEvent(err error) Event {
	return Event{Type: EventError, Error: err.Error()}
}
