package llms

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/crewkit/crewkit/config"
)

// ============================================================================
// GEMINI PROVIDER IMPLEMENTATION
// ============================================================================

// GeminiProvider implements LLMProvider for Google Gemini models through the
// official genai SDK.
type GeminiProvider struct {
	config *config.LLMProviderConfig
	client *genai.Client
}

// NewGeminiProviderFromConfig creates a new Gemini provider from config
func NewGeminiProviderFromConfig(ctx context.Context, cfg *config.LLMProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Gemini")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{config: cfg, client: client}, nil
}

// GetModelName returns the model name
func (p *GeminiProvider) GetModelName() string {
	return p.config.Model
}

// Close closes the provider
func (p *GeminiProvider) Close() error {
	return nil
}

// Generate generates a complete response for the conversation
func (p *GeminiProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition, opts GenerateOptions) (string, []ToolCall, int, error) {
	contents, genCfg := p.buildRequest(messages, tools, opts)

	resp, err := p.client.Models.GenerateContent(ctx, p.config.Model, contents, genCfg)
	if err != nil {
		return "", nil, 0, fmt.Errorf("Gemini API error: %w", err)
	}

	text, toolCalls := decodeGeminiResponse(resp)

	var tokens int
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return text, toolCalls, tokens, nil
}

// GenerateStreaming generates a streaming response for the conversation
func (p *GeminiProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, opts GenerateOptions) (<-chan StreamChunk, error) {
	contents, genCfg := p.buildRequest(messages, tools, opts)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		var totalTokens int
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.config.Model, contents, genCfg) {
			if err != nil {
				outputCh <- StreamChunk{Type: "error", Error: fmt.Errorf("Gemini API error: %w", err)}
				return
			}

			text, toolCalls := decodeGeminiResponse(resp)
			if text != "" {
				outputCh <- StreamChunk{Type: "text", Text: text}
			}
			for i := range toolCalls {
				outputCh <- StreamChunk{Type: "tool_call", ToolCall: &toolCalls[i]}
			}
			if resp.UsageMetadata != nil {
				totalTokens = int(resp.UsageMetadata.TotalTokenCount)
			}
		}

		outputCh <- StreamChunk{Type: "done", Tokens: totalTokens}
	}()

	return outputCh, nil
}

// buildRequest converts neutral messages into genai contents and config
func (p *GeminiProvider) buildRequest(messages []Message, tools []ToolDefinition, opts GenerateOptions) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content

		case "tool":
			// Tool results go back as function responses.
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			contents = append(contents, &genai.Content{
				Role: genai.RoleUser,
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     msg.Name,
						Response: response,
					},
				}},
			})

		case "assistant":
			parts := []*genai.Part{}
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: tc.Arguments},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}

		default:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}

	maxTokens := p.config.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	genCfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
		Temperature:     genai.Ptr(float32(p.config.Temperature)),
	}
	if systemPrompt != "" {
		genCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}
	if opts.JSONMode {
		genCfg.ResponseMIMEType = "application/json"
	}
	if len(tools) > 0 {
		declarations := make([]*genai.FunctionDeclaration, len(tools))
		for i, tool := range tools {
			declarations[i] = &genai.FunctionDeclaration{
				Name:                 tool.Name,
				Description:          tool.Description,
				ParametersJsonSchema: tool.Parameters,
			}
		}
		genCfg.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}
	}

	return contents, genCfg
}

// decodeGeminiResponse extracts text and tool calls from a response
func decodeGeminiResponse(resp *genai.GenerateContentResponse) (string, []ToolCall) {
	var text string
	var toolCalls []ToolCall

	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				text += part.Text
			}
			if part.FunctionCall != nil {
				rawArgs, _ := json.Marshal(part.FunctionCall.Args)
				toolCalls = append(toolCalls, ToolCall{
					ID:        part.FunctionCall.ID,
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
					RawArgs:   string(rawArgs),
				})
			}
		}
	}

	return text, toolCalls
}
