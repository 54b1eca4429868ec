package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/crewkit/crewkit/config"
)

// ============================================================================
// OPENAI PROVIDER IMPLEMENTATION
// ============================================================================

// OpenAIProvider implements LLMProvider for the OpenAI chat completions API
// and OpenAI-compatible hosts.
type OpenAIProvider struct {
	config *config.LLMProviderConfig
	client *http.Client
}

// OpenAIRequest represents the request payload for the chat completions API
type OpenAIRequest struct {
	Model               string               `json:"model"`
	Messages            []OpenAIMessage      `json:"messages"`
	MaxTokens           int                  `json:"max_tokens,omitempty"`            // Legacy parameter
	MaxCompletionTokens int                  `json:"max_completion_tokens,omitempty"` // New parameter
	Temperature         float64              `json:"temperature,omitempty"`
	Stream              bool                 `json:"stream"`
	Tools               []OpenAITool         `json:"tools,omitempty"`
	ResponseFormat      *OpenAIRespFormat    `json:"response_format,omitempty"`
	StreamOptions       *OpenAIStreamOptions `json:"stream_options,omitempty"`
}

// OpenAIMessage is the wire form of a conversation message
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

// OpenAITool wraps a function definition
type OpenAITool struct {
	Type     string         `json:"type"`
	Function OpenAIFunction `json:"function"`
}

// OpenAIFunction is the function schema inside a tool definition
type OpenAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// OpenAIToolCall is a tool call in a response or request
type OpenAIToolCall struct {
	Index    int            `json:"index,omitempty"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function OpenAIFuncCall `json:"function"`
}

// OpenAIFuncCall carries the function name and JSON-encoded arguments
type OpenAIFuncCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// OpenAIRespFormat selects structured output
type OpenAIRespFormat struct {
	Type string `json:"type"`
}

// OpenAIStreamOptions controls streaming extras
type OpenAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// OpenAIResponse represents a non-streaming response
type OpenAIResponse struct {
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
	Error   *OpenAIError   `json:"error,omitempty"`
}

// OpenAIChoice represents a response choice
type OpenAIChoice struct {
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// OpenAIStreamResponse represents streaming response chunks
type OpenAIStreamResponse struct {
	Choices []OpenAIStreamChoice `json:"choices"`
	Usage   *OpenAIUsage         `json:"usage,omitempty"`
	Error   *OpenAIError         `json:"error,omitempty"`
}

// OpenAIStreamChoice represents a streaming response choice
type OpenAIStreamChoice struct {
	Delta        OpenAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

// OpenAIDelta represents incremental content in streaming
type OpenAIDelta struct {
	Content   string           `json:"content"`
	ToolCalls []OpenAIToolCall `json:"tool_calls,omitempty"`
}

// OpenAIUsage represents token usage information
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIError represents an API error
type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// NewOpenAIProviderFromConfig creates a new OpenAI provider from config
func NewOpenAIProviderFromConfig(cfg *config.LLMProviderConfig) (*OpenAIProvider, error) {
	cfg.SetDefaults()
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI")
	}
	return &OpenAIProvider{
		config: cfg,
		client: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
	}, nil
}

// GetModelName returns the model name
func (p *OpenAIProvider) GetModelName() string {
	return p.config.Model
}

// Close closes the provider
func (p *OpenAIProvider) Close() error {
	return nil
}

// Generate generates a complete response for the conversation
func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition, opts GenerateOptions) (string, []ToolCall, int, error) {
	request := p.buildRequest(messages, false, tools, opts)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", nil, 0, err
	}

	if response.Error != nil {
		return "", nil, 0, fmt.Errorf("OpenAI API error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return "", nil, 0, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]
	var toolCalls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, decodeOpenAIToolCall(tc))
	}

	return choice.Message.Content, toolCalls, response.Usage.TotalTokens, nil
}

// GenerateStreaming generates a streaming response for the conversation
func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, opts GenerateOptions) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, true, tools, opts)

	outputCh := make(chan StreamChunk, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: "error", Error: err}
		}
	}()

	return outputCh, nil
}

// buildRequest builds a chat completions request with appropriate parameters
func (p *OpenAIProvider) buildRequest(messages []Message, stream bool, tools []ToolDefinition, opts GenerateOptions) OpenAIRequest {
	wireMessages := make([]OpenAIMessage, 0, len(messages))
	for _, msg := range messages {
		wm := OpenAIMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, tc := range msg.ToolCalls {
			rawArgs := tc.RawArgs
			if rawArgs == "" {
				encoded, _ := json.Marshal(tc.Arguments)
				rawArgs = string(encoded)
			}
			wm.ToolCalls = append(wm.ToolCalls, OpenAIToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: OpenAIFuncCall{Name: tc.Name, Arguments: rawArgs},
			})
		}
		wireMessages = append(wireMessages, wm)
	}

	request := OpenAIRequest{
		Model:       p.config.Model,
		Messages:    wireMessages,
		Temperature: p.config.Temperature,
		Stream:      stream,
	}

	maxTokens := p.config.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	if p.isNewerModel() {
		request.MaxCompletionTokens = maxTokens
	} else {
		request.MaxTokens = maxTokens
	}

	if opts.JSONMode {
		request.ResponseFormat = &OpenAIRespFormat{Type: "json_object"}
	}

	if stream {
		request.StreamOptions = &OpenAIStreamOptions{IncludeUsage: true}
	}

	if len(tools) > 0 {
		request.Tools = make([]OpenAITool, len(tools))
		for i, tool := range tools {
			request.Tools[i] = OpenAITool{
				Type: "function",
				Function: OpenAIFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			}
		}
	}

	return request
}

// isNewerModel checks if the model requires max_completion_tokens instead of max_tokens
func (p *OpenAIProvider) isNewerModel() bool {
	model := strings.ToLower(p.config.Model)
	prefixes := []string{"gpt-5", "gpt-4o", "gpt-4.1", "o1", "o3", "o4"}
	for _, prefix := range prefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// makeRequest makes a non-streaming request to the chat completions API
func (p *OpenAIProvider) makeRequest(ctx context.Context, request OpenAIRequest) (*OpenAIResponse, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.config.Host+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response OpenAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, nil
}

// makeStreamingRequest makes a streaming request and forwards chunks
func (p *OpenAIProvider) makeStreamingRequest(ctx context.Context, request OpenAIRequest, outputCh chan<- StreamChunk) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.config.Host+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	// Tool calls stream as argument deltas keyed by index; they are flushed
	// when a finish_reason arrives.
	pending := make(map[int]*ToolCall)
	order := make([]int, 0, 2)
	var totalTokens int

	flushToolCalls := func() {
		for _, idx := range order {
			tc := pending[idx]
			if tc.RawArgs != "" {
				if err := json.Unmarshal([]byte(tc.RawArgs), &tc.Arguments); err != nil {
					tc.Arguments = map[string]any{"_raw": tc.RawArgs}
				}
			}
			outputCh <- StreamChunk{Type: "tool_call", ToolCall: tc}
		}
		pending = make(map[int]*ToolCall)
		order = order[:0]
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var streamResp OpenAIStreamResponse
		if err := json.Unmarshal([]byte(payload), &streamResp); err != nil {
			return fmt.Errorf("failed to decode streaming response: %w, data: %s", err, payload)
		}

		if streamResp.Error != nil {
			return fmt.Errorf("OpenAI API error: %s", streamResp.Error.Message)
		}

		if streamResp.Usage != nil {
			totalTokens = streamResp.Usage.TotalTokens
		}

		if len(streamResp.Choices) == 0 {
			continue
		}

		choice := streamResp.Choices[0]
		if choice.Delta.Content != "" {
			outputCh <- StreamChunk{Type: "text", Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			existing, ok := pending[tc.Index]
			if !ok {
				existing = &ToolCall{Arguments: make(map[string]any)}
				pending[tc.Index] = existing
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				existing.ID = tc.ID
			}
			if tc.Function.Name != "" {
				existing.Name = tc.Function.Name
			}
			existing.RawArgs += tc.Function.Arguments
		}

		if choice.FinishReason != "" {
			flushToolCalls()
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read streaming response: %w", err)
	}

	outputCh <- StreamChunk{Type: "done", Tokens: totalTokens}
	return nil
}

// decodeOpenAIToolCall converts a wire tool call into the neutral form
func decodeOpenAIToolCall(tc OpenAIToolCall) ToolCall {
	call := ToolCall{
		ID:      tc.ID,
		Name:    tc.Function.Name,
		RawArgs: tc.Function.Arguments,
	}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
			call.Arguments = map[string]any{"_raw": tc.Function.Arguments}
		}
	}
	return call
}
