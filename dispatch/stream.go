package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/crewkit/crewkit/crew"
	"github.com/crewkit/crewkit/llms"
	"github.com/crewkit/crewkit/store"
)

// maxToolIterations bounds the inner tool-call loop.
const maxToolIterations = 10

// kbContextNote steers the model towards treating resolved knowledge
// sources as internal reference material.
const kbContextNote = "The attached knowledge sources are internal reference material. " +
	"Treat them as your own knowledge; never describe them as user uploads or attachments."

type streamParams struct {
	member    crew.Member
	conv      *store.Conversation
	req       Request
	history   []llms.Message
	collected map[string]any
}

// streamOutcome carries the accumulated response once the event channel
// has closed.
type streamOutcome struct {
	Text string
	Err  error
}

// streamMember runs one crew member's LLM stream, including the tool-call
// loop, and produces its events on the returned channel. The outcome is
// valid only after the channel closes.
func (d *Dispatcher) streamMember(ctx context.Context, p streamParams) (<-chan Event, *streamOutcome) {
	out := make(chan Event, 16)
	outcome := &streamOutcome{}

	go func() {
		defer close(out)

		push := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		cfg := p.member.Config()

		prompt, transitionPrompt := d.resolvePrompt(ctx, p)
		model := cfg.Model
		if override, ok := p.req.ModelOverrides[cfg.Name]; ok && override != "" {
			model = override
		}

		provider, err := d.providers.ProviderFor(ctx, model)
		if err != nil {
			outcome.Err = fmt.Errorf("failed to resolve provider for model '%s': %w", model, err)
			return
		}

		contextSvc := crew.NewContextService(d.contexts, p.conv.UserID, p.conv.ID)
		buildCtx, err := p.member.BuildContext(ctx, crew.BuildParams{
			Message:        p.req.Message,
			ConversationID: p.conv.ID,
			UserID:         p.conv.UserID,
			Collected:      p.collected,
			Context:        contextSvc,
		})
		if err != nil {
			d.logger.Warn("buildContext failed, continuing without context block",
				"crew", cfg.Name, "error", err)
			buildCtx = nil
		}

		var kbIDs []string
		if p.req.UseKnowledgeBase && cfg.KnowledgeBase.Enabled && d.kb != nil {
			kbIDs = d.kb.Resolve(cfg.KnowledgeBase.Sources)
			if len(kbIDs) > 0 {
				if !push(FileSearchResults(kbIDs)) {
					return
				}
			}
		}

		system := composeSystemPrompt(prompt, transitionPrompt, buildCtx, kbIDs)
		messages := make([]llms.Message, 0, len(p.history)+2)
		messages = append(messages, llms.Message{Role: "system", Content: system})
		messages = append(messages, p.history...)
		messages = append(messages, llms.Message{
			Role:    "user",
			Content: p.member.PreProcess(p.req.Message, buildCtx),
		})

		if p.req.Debug {
			if !push(DebugPrompt(map[string]any{
				"crew":         cfg.Name,
				"model":        model,
				"systemPrompt": system,
				"messages":     len(messages),
			})) {
				return
			}
		}

		schemas := p.member.ToolSchemas()
		emitThinking := crew.EmitFunc(func(eventType string, payload map[string]any) {
			if eventType == EventThinkingComplete {
				push(ThinkingComplete(payload))
				return
			}
			push(ThinkingStep(payload))
		})

		var text strings.Builder
		for iteration := 0; iteration < maxToolIterations; iteration++ {
			chunks, err := provider.GenerateStreaming(ctx, messages, schemas, llms.GenerateOptions{
				MaxTokens: cfg.MaxTokens,
			})
			if err != nil {
				outcome.Err = fmt.Errorf("stream failed for crew '%s': %w", cfg.Name, err)
				return
			}

			var calls []llms.ToolCall
			for chunk := range chunks {
				switch chunk.Type {
				case "text":
					text.WriteString(chunk.Text)
					if !push(TextChunk(chunk.Text)) {
						return
					}
				case "tool_call":
					if chunk.ToolCall != nil {
						calls = append(calls, *chunk.ToolCall)
					}
				case "error":
					outcome.Text = text.String()
					outcome.Err = chunk.Error
					return
				}
			}

			if len(calls) == 0 {
				break
			}

			messages = append(messages, llms.Message{Role: "assistant", ToolCalls: calls})
			for _, call := range calls {
				followUp, ok := d.runTool(ctx, p.member, call, emitThinking, push)
				if !ok {
					return
				}
				messages = append(messages, followUp)
			}
		}

		outcome.Text = p.member.PostProcess(text.String(), buildCtx)
	}()

	return out, outcome
}

// runTool executes one tool call: it emits function_call, invokes the
// handler, emits function_result or function_error, and returns the
// follow-up turn fed back to the model. Handler panics are contained.
func (d *Dispatcher) runTool(ctx context.Context, member crew.Member, call llms.ToolCall, emitThinking crew.EmitFunc, push func(Event) bool) (llms.Message, bool) {
	if !push(FunctionCall(call.Name, call.Arguments)) {
		return llms.Message{}, false
	}

	result, err := d.invokeHandler(ctx, member, call, emitThinking)
	if err != nil {
		d.logger.Warn("tool handler failed", "tool", call.Name, "error", err)
		if !push(FunctionError(call.Name, err.Error())) {
			return llms.Message{}, false
		}
		return toolMessage(call, map[string]any{"error": err.Error()}), true
	}

	if !push(FunctionResult(call.Name, result)) {
		return llms.Message{}, false
	}
	return toolMessage(call, result), true
}

func (d *Dispatcher) invokeHandler(ctx context.Context, member crew.Member, call llms.ToolCall, emitThinking crew.EmitFunc) (result any, err error) {
	handler, ok := member.ToolHandler(call.Name)
	if !ok {
		return nil, fmt.Errorf("no handler registered for tool '%s'", call.Name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool '%s' panicked: %v", call.Name, r)
		}
	}()
	return handler(ctx, call.Arguments, emitThinking)
}

func toolMessage(call llms.ToolCall, result any) llms.Message {
	content, err := json.Marshal(result)
	if err != nil {
		content = []byte(fmt.Sprintf("%v", result))
	}
	return llms.Message{
		Role:       "tool",
		Content:    string(content),
		ToolCallID: call.ID,
		Name:       call.Name,
	}
}

// resolvePrompt applies the prompt precedence (session override, stored
// active version, code guidance) and picks the transition system prompt,
// returning it empty when the bookkeeping says this crew already
// introduced itself.
func (d *Dispatcher) resolvePrompt(ctx context.Context, p streamParams) (string, string) {
	cfg := p.member.Config()
	prompt := cfg.Guidance
	transitionPrompt := cfg.TransitionSystemPrompt

	if d.prompts != nil {
		version, err := d.prompts.ActiveVersion(ctx, p.conv.AgentName, cfg.Name)
		if err != nil {
			d.logger.Warn("prompt store failed, using code-defined prompt",
				"crew", cfg.Name, "error", err)
		} else if version != nil {
			if version.Prompt != "" {
				prompt = version.Prompt
			}
			if version.TransitionSystemPrompt != "" {
				transitionPrompt = version.TransitionSystemPrompt
			}
		}
	}

	if override, ok := p.req.PromptOverrides[cfg.Name]; ok && override != "" {
		prompt = override
	}

	if last, _ := p.conv.Metadata[store.MetaLastTransitionPromptBy].(string); last == cfg.Name {
		transitionPrompt = ""
	}
	return prompt, transitionPrompt
}

func composeSystemPrompt(prompt, transitionPrompt string, buildCtx map[string]any, kbIDs []string) string {
	var sb strings.Builder
	sb.WriteString(prompt)

	if transitionPrompt != "" {
		sb.WriteString("\n\n")
		sb.WriteString(transitionPrompt)
	}
	if len(buildCtx) > 0 {
		if encoded, err := json.Marshal(buildCtx); err == nil {
			sb.WriteString("\n\nCurrent Context:\n")
			sb.Write(encoded)
		}
	}
	if len(kbIDs) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(kbContextNote)
	}
	return sb.String()
}
