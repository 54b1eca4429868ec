// Package extractor implements the field-extraction micro-agent: a
// stateless, single-call LLM service that turns conversation text into
// structured field values.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crewkit/crewkit/config"
	"github.com/crewkit/crewkit/llms"
)

// Request is one extraction call.
type Request struct {
	// Messages is the recent conversation window, most-recent last,
	// including the current user message.
	Messages []llms.Message
	// MissingFields are the declared fields still absent from the cache.
	MissingFields []config.FieldConfig
	// Collected is the current snapshot, for reference only.
	Collected map[string]any
	// Mode is conversational or form.
	Mode string
}

// Result is the structured outcome of one extraction call.
type Result struct {
	// Extracted maps previously missing fields to their values.
	Extracted map[string]any
	// Order is the insertion order of Extracted in the model's output.
	Order []string
	// Corrections holds explicit user corrections of previously collected
	// values. Form mode only.
	Corrections map[string]any
	// Remaining lists declared fields still missing after this call.
	Remaining []string
}

// Empty reports whether the call produced nothing.
func (r *Result) Empty() bool {
	return len(r.Extracted) == 0 && len(r.Corrections) == 0
}

func emptyResult(missing []config.FieldConfig) *Result {
	remaining := make([]string, 0, len(missing))
	for _, field := range missing {
		remaining = append(remaining, field.Name)
	}
	return &Result{
		Extracted:   map[string]any{},
		Corrections: map[string]any{},
		Remaining:   remaining,
	}
}

// providerSource yields a provider for a model name. Satisfied by the
// llms registry.
type providerSource interface {
	ProviderFor(ctx context.Context, model string) (llms.LLMProvider, error)
}

// Service performs extraction calls. It is stateless and safe for
// concurrent use.
type Service struct {
	providers providerSource
	cfg       config.ExtractorConfig
	logger    *slog.Logger
}

// NewService creates an extraction service.
func NewService(providers providerSource, cfg config.ExtractorConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.SetDefaults()
	return &Service{providers: providers, cfg: cfg, logger: logger}
}

// Extract runs one extraction call. It never returns an error for the
// caller to handle: every failure degrades to the empty result so the
// dispatcher neither stalls nor triggers a false transition.
func (s *Service) Extract(ctx context.Context, req Request) *Result {
	if len(req.MissingFields) == 0 {
		return emptyResult(nil)
	}

	model := s.cfg.ConversationalModel
	if req.Mode == config.ExtractionModeForm {
		model = s.cfg.FormModel
	}

	provider, err := s.providers.ProviderFor(ctx, model)
	if err != nil {
		s.logger.Warn("extractor provider unavailable", "model", model, "error", err)
		return emptyResult(req.MissingFields)
	}

	messages := s.window(req)
	prompt := []llms.Message{
		{Role: "system", Content: s.systemPrompt(req)},
		{Role: "user", Content: transcript(messages)},
	}

	text, _, _, err := provider.Generate(ctx, prompt, nil, llms.GenerateOptions{
		MaxTokens: 512,
		JSONMode:  true,
	})
	if err != nil {
		s.logger.Warn("extraction call failed", "model", model, "error", err)
		return emptyResult(req.MissingFields)
	}

	result, err := s.parse(text, req)
	if err != nil {
		s.logger.Warn("extraction output unparseable", "model", model, "error", err)
		return emptyResult(req.MissingFields)
	}
	return result
}

// window bounds the conversation slice per mode: form mode sees only the
// immediately preceding assistant message and the latest user message;
// conversational mode sees the configured recent window.
func (s *Service) window(req Request) []llms.Message {
	messages := req.Messages
	if req.Mode == config.ExtractionModeForm {
		var lastUser, lastAssistant *llms.Message
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == "user" && lastUser == nil {
				lastUser = &messages[i]
			} else if messages[i].Role == "assistant" && lastUser != nil && lastAssistant == nil {
				lastAssistant = &messages[i]
				break
			}
		}
		var out []llms.Message
		if lastAssistant != nil {
			out = append(out, *lastAssistant)
		}
		if lastUser != nil {
			out = append(out, *lastUser)
		}
		return out
	}

	if s.cfg.HistoryWindow > 0 && len(messages) > s.cfg.HistoryWindow {
		return messages[len(messages)-s.cfg.HistoryWindow:]
	}
	return messages
}

func transcript(messages []llms.Message) string {
	var sb strings.Builder
	sb.WriteString("Conversation:\n")
	for _, msg := range messages {
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// ============================================================================
// PROMPT CONSTRUCTION
// ============================================================================

func (s *Service) systemPrompt(req Request) string {
	var sb strings.Builder

	if req.Mode == config.ExtractionModeForm {
		sb.WriteString("You extract form answers from the latest exchange of a conversation.\n")
		sb.WriteString("Consider ONLY the assistant's last question and the user's latest reply.\n")
		sb.WriteString("Negative answers such as \"no\", \"none\" or \"N/A\" ARE answers: extract them.\n")
		sb.WriteString("Report a correction ONLY when the user explicitly revises an earlier answer ")
		sb.WriteString("(cues like \"actually\", \"I meant\", \"let me fix that\", or re-affirming a field ")
		sb.WriteString("previously answered negatively).\n")
	} else {
		sb.WriteString("You extract structured fields from a conversation.\n")
		sb.WriteString("Use the assistant turns as context for interpreting the user's replies.\n")
		sb.WriteString("An affirmative reply to a yes/no question counts as acknowledgement of a ")
		sb.WriteString("boolean or confirmation field.\n")
		sb.WriteString("Extract only what the user clearly stated. When nothing was clearly said, ")
		sb.WriteString("return empty objects.\n")
	}

	sb.WriteString("\nFields to extract:\n")
	for _, field := range req.MissingFields {
		sb.WriteString("- ")
		sb.WriteString(field.Name)
		if field.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(field.Description)
		}
		switch {
		case field.Type == "boolean":
			sb.WriteString(" (boolean: the value must be exactly true or false)")
		case len(field.AllowedValues) > 0:
			sb.WriteString(" (one of: ")
			sb.WriteString(strings.Join(field.AllowedValues, ", "))
			sb.WriteString(", verbatim)")
		}
		sb.WriteString("\n")
	}

	if len(req.Collected) > 0 {
		collected, _ := json.Marshal(req.Collected)
		sb.WriteString("\nAlready collected (reference only, do not re-extract unless corrected):\n")
		sb.Write(collected)
		sb.WriteString("\n")
	}

	sb.WriteString("\nRespond with a single JSON object of the shape ")
	sb.WriteString(`{"extractedFields": {}, "corrections": {}, "remainingFields": []}.`)
	sb.WriteString(" Order keys in extractedFields in the order the user provided them.")
	return sb.String()
}

// ============================================================================
// OUTPUT PARSING
// ============================================================================

type rawOutput struct {
	ExtractedFields map[string]any `json:"extractedFields"`
	Corrections     map[string]any `json:"corrections"`
	RemainingFields []string       `json:"remainingFields"`
}

func (s *Service) parse(text string, req Request) (*Result, error) {
	cleaned := stripFences(text)

	var raw rawOutput
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, fmt.Errorf("invalid extraction JSON: %w", err)
	}

	fields := make(map[string]config.FieldConfig, len(req.MissingFields))
	for _, field := range req.MissingFields {
		fields[field.Name] = field
	}

	result := &Result{
		Extracted:   make(map[string]any),
		Corrections: make(map[string]any),
	}

	for _, name := range objectKeyOrder(cleaned, "extractedFields") {
		field, declared := fields[name]
		if !declared {
			continue
		}
		value, ok := projectValue(field, raw.ExtractedFields[name])
		if !ok {
			continue
		}
		result.Extracted[name] = value
		result.Order = append(result.Order, name)
	}

	if req.Mode == config.ExtractionModeForm {
		for name, value := range raw.Corrections {
			// Corrections target previously collected fields, so typing
			// constraints come from the snapshot's declaration when known.
			if field, declared := fields[name]; declared {
				if projected, ok := projectValue(field, value); ok {
					result.Corrections[name] = projected
				}
				continue
			}
			if _, collected := req.Collected[name]; collected {
				result.Corrections[name] = fmt.Sprintf("%v", value)
			}
		}
	}

	for _, field := range req.MissingFields {
		if _, ok := result.Extracted[field.Name]; !ok {
			result.Remaining = append(result.Remaining, field.Name)
		}
	}
	return result, nil
}

// projectValue enforces the typed-field contract: booleans must be exactly
// true/false, enumerations must match an allowed value verbatim, untyped
// fields keep the raw phrase. Violations drop the value silently.
func projectValue(field config.FieldConfig, value any) (any, bool) {
	if value == nil {
		return nil, false
	}

	if field.Type == "boolean" {
		switch v := value.(type) {
		case bool:
			if v {
				return "true", true
			}
			return "false", true
		case string:
			if v == "true" || v == "false" {
				return v, true
			}
		}
		return nil, false
	}

	text := fmt.Sprintf("%v", value)
	if text == "" {
		return nil, false
	}

	if len(field.AllowedValues) > 0 {
		for _, allowed := range field.AllowedValues {
			if text == allowed {
				return text, true
			}
		}
		return nil, false
	}

	return text, true
}

// stripFences removes a markdown code fence around a JSON payload.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

// objectKeyOrder returns the key order of a nested object property, since
// map decoding loses it. Falls back to no keys on any token surprise.
func objectKeyOrder(jsonText, property string) []string {
	decoder := json.NewDecoder(strings.NewReader(jsonText))

	// Scan the top-level object for the property.
	if tok, err := decoder.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	for decoder.More() {
		keyTok, err := decoder.Token()
		if err != nil {
			return nil
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil
		}
		if key != property {
			// Skip this property's value.
			var skip json.RawMessage
			if err := decoder.Decode(&skip); err != nil {
				return nil
			}
			continue
		}

		if tok, err := decoder.Token(); err != nil || tok != json.Delim('{') {
			return nil
		}
		var keys []string
		for decoder.More() {
			nameTok, err := decoder.Token()
			if err != nil {
				return nil
			}
			name, ok := nameTok.(string)
			if !ok {
				return nil
			}
			keys = append(keys, name)
			var skip json.RawMessage
			if err := decoder.Decode(&skip); err != nil {
				return nil
			}
		}
		return keys
	}
	return nil
}
