package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/crewkit/crewkit/config"
)

// ============================================================================
// ANTHROPIC PROVIDER IMPLEMENTATION
// ============================================================================

// AnthropicProvider implements LLMProvider for the Anthropic messages API.
type AnthropicProvider struct {
	config *config.LLMProviderConfig
	client *http.Client
}

// AnthropicTool represents a tool definition in Anthropic format
type AnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// AnthropicRequest represents the request payload for the messages API
type AnthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []AnthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []AnthropicTool    `json:"tools,omitempty"`
}

// AnthropicMessage represents a message in the conversation
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []AnthropicContent
}

// AnthropicResponse represents the response from the messages API
type AnthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []AnthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      AnthropicUsage     `json:"usage"`
	Error      *AnthropicError    `json:"error,omitempty"`
}

// AnthropicStreamResponse represents streaming response chunks
type AnthropicStreamResponse struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *AnthropicDelta    `json:"delta,omitempty"`
	ContentBlock *AnthropicContent  `json:"content_block,omitempty"`
	Message      *AnthropicResponse `json:"message,omitempty"`
	Usage        *AnthropicUsage    `json:"usage,omitempty"`
}

// AnthropicContent represents content blocks in a response
type AnthropicContent struct {
	Type      string         `json:"type"`                  // "text", "tool_use", "tool_result"
	Text      string         `json:"text,omitempty"`        // For text
	ID        string         `json:"id,omitempty"`          // For tool_use
	Name      string         `json:"name,omitempty"`        // For tool_use
	Input     map[string]any `json:"input,omitempty"`       // For tool_use
	ToolUseID string         `json:"tool_use_id,omitempty"` // For tool_result
	Content   string         `json:"content,omitempty"`     // For tool_result
}

// AnthropicDelta represents incremental content in streaming
type AnthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// AnthropicUsage represents token usage information
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicError represents an API error
type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAnthropicProviderFromConfig creates a new Anthropic provider from config
func NewAnthropicProviderFromConfig(cfg *config.LLMProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}
	if cfg.Host == "" {
		cfg.Host = "https://api.anthropic.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	return &AnthropicProvider{
		config: cfg,
		client: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
	}, nil
}

// GetModelName returns the model name
func (p *AnthropicProvider) GetModelName() string {
	return p.config.Model
}

// Close closes the provider
func (p *AnthropicProvider) Close() error {
	return nil
}

// Generate generates a complete response for the conversation
func (p *AnthropicProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition, opts GenerateOptions) (string, []ToolCall, int, error) {
	request := p.buildRequest(messages, false, tools, opts)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", nil, 0, err
	}

	if response.Error != nil {
		return "", nil, 0, fmt.Errorf("Anthropic API error: %s", response.Error.Message)
	}

	tokensUsed := response.Usage.InputTokens + response.Usage.OutputTokens

	var text string
	var toolCalls []ToolCall
	for _, content := range response.Content {
		switch content.Type {
		case "text":
			text += content.Text
		case "tool_use":
			rawArgs, _ := json.Marshal(content.Input)
			toolCalls = append(toolCalls, ToolCall{
				ID:        content.ID,
				Name:      content.Name,
				Arguments: content.Input,
				RawArgs:   string(rawArgs),
			})
		}
	}

	return text, toolCalls, tokensUsed, nil
}

// GenerateStreaming generates a streaming response for the conversation
func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, opts GenerateOptions) (<-chan StreamChunk, error) {
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

// buildRequest builds an Anthropic request with tool support
func (p *AnthropicProvider) buildRequest(messages []Message, stream bool, tools []ToolDefinition, opts GenerateOptions) AnthropicRequest {
	// Anthropic requires the system prompt in a separate field.
	var systemPrompt string
	anthropicMessages := make([]AnthropicMessage, 0, len(messages))

	for _, msg := range messages {
		switch {
		case msg.Role == "system":
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content

		case msg.Role == "tool":
			// Tool results go back as user messages with a tool_result block.
			anthropicMessages = append(anthropicMessages, AnthropicMessage{
				Role: "user",
				Content: []AnthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		case msg.Role == "assistant" && len(msg.ToolCalls) > 0:
			contents := []AnthropicContent{}
			if msg.Content != "" {
				contents = append(contents, AnthropicContent{Type: "text", Text: msg.Content})
			}
			for _, toolCall := range msg.ToolCalls {
				contents = append(contents, AnthropicContent{
					Type:  "tool_use",
					ID:    toolCall.ID,
					Name:  toolCall.Name,
					Input: toolCall.Arguments,
				})
			}
			anthropicMessages = append(anthropicMessages, AnthropicMessage{
				Role:    "assistant",
				Content: contents,
			})

		default:
			anthropicMessages = append(anthropicMessages, AnthropicMessage{
				Role:    msg.Role,
				Content: msg.Content,
			})
		}
	}

	maxTokens := p.config.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	request := AnthropicRequest{
		Model:       p.config.Model,
		Messages:    anthropicMessages,
		MaxTokens:   maxTokens,
		Temperature: p.config.Temperature,
		Stream:      stream,
		System:      systemPrompt,
	}

	if len(tools) > 0 {
		anthropicTools := make([]AnthropicTool, len(tools))
		for i, tool := range tools {
			anthropicTools[i] = AnthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
		request.Tools = anthropicTools
	}

	return request
}

// RetryStrategy represents the retry approach for different error types
type RetryStrategy int

const (
	NoRetry           RetryStrategy = iota
	ConservativeRetry               // Quick retry for server errors (max 2 attempts)
	SmartRetry                      // Header-driven retry for rate limits
)

// getRetryStrategy determines the retry strategy based on HTTP status code
func getRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// RateLimitInfo contains rate limit information from response headers
type RateLimitInfo struct {
	RetryAfter time.Duration
	ResetTime  int64
}

// makeRequest makes a non-streaming request with header-aware retry
func (p *AnthropicProvider) makeRequest(ctx context.Context, request AnthropicRequest) (*AnthropicResponse, error) {
	maxRetries := p.config.MaxRetries
	baseDelay := time.Duration(p.config.RetryDelay) * time.Second

	for attempt := 0; attempt <= maxRetries; attempt++ {
		response, strategy, retryInfo, err := p.attemptRequest(ctx, request)

		if strategy == NoRetry {
			return response, err
		}
		if err == nil || attempt >= maxRetries {
			return response, err
		}

		var delay time.Duration
		switch strategy {
		case SmartRetry:
			switch {
			case retryInfo.RetryAfter > 0:
				delay = retryInfo.RetryAfter
			case retryInfo.ResetTime > 0:
				delay = time.Until(time.Unix(retryInfo.ResetTime, 0))
				if delay < 0 {
					delay = baseDelay
				}
			default:
				exponentialDelay := time.Duration(math.Pow(2, float64(attempt))) * baseDelay
				delay = exponentialDelay + time.Duration(float64(exponentialDelay)*0.1)
			}
			slog.Warn("Anthropic rate limited, retrying", "delay", delay, "attempt", attempt+1)

		case ConservativeRetry:
			if attempt >= 2 {
				return response, err
			}
			delay = time.Duration(2+attempt) * time.Second
			slog.Warn("Anthropic server error, retrying", "delay", delay, "attempt", attempt+1)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, fmt.Errorf("max retries exceeded after %d attempts", maxRetries)
}

// attemptRequest makes a single request attempt and extracts retry headers
func (p *AnthropicProvider) attemptRequest(ctx context.Context, request AnthropicRequest) (*AnthropicResponse, RetryStrategy, RateLimitInfo, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, NoRetry, RateLimitInfo{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.config.Host+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, NoRetry, RateLimitInfo{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, NoRetry, RateLimitInfo{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	retryInfo := extractRateLimitHeaders(resp.Header)
	strategy := getRetryStrategy(resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		return nil, strategy, retryInfo, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response AnthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, NoRetry, RateLimitInfo{}, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, NoRetry, retryInfo, nil
}

// extractRateLimitHeaders extracts Anthropic rate limit information
func extractRateLimitHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
			info.RetryAfter = seconds
		}
	}
	if resetStr := headers.Get("anthropic-ratelimit-requests-reset"); resetStr != "" {
		if resetTime, err := time.Parse(time.RFC3339, resetStr); err == nil {
			info.ResetTime = resetTime.Unix()
		}
	}

	return info
}

// makeStreamingRequest makes a streaming request to the messages API
func (p *AnthropicProvider) makeStreamingRequest(ctx context.Context, request AnthropicRequest, outputCh chan<- StreamChunk) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.config.Host+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	if len(request.Tools) > 0 {
		req.Header.Set("anthropic-beta", "fine-grained-tool-streaming-2025-05-14")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	// Tool calls accumulate across deltas keyed by content block index.
	toolCalls := make(map[int]*ToolCall)
	var totalTokens int

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

		var streamResp AnthropicStreamResponse
		if err := json.Unmarshal([]byte(payload), &streamResp); err != nil {
			return fmt.Errorf("failed to decode streaming response: %w, data: %s", err, payload)
		}

		switch streamResp.Type {
		case "content_block_start":
			if streamResp.ContentBlock != nil && streamResp.ContentBlock.Type == "tool_use" {
				toolCalls[streamResp.Index] = &ToolCall{
					ID:        streamResp.ContentBlock.ID,
					Name:      streamResp.ContentBlock.Name,
					Arguments: make(map[string]any),
				}
			}

		case "content_block_delta":
			if streamResp.Delta != nil {
				if streamResp.Delta.Text != "" {
					outputCh <- StreamChunk{Type: "text", Text: streamResp.Delta.Text}
				}
				if streamResp.Delta.PartialJSON != "" {
					if tc, exists := toolCalls[streamResp.Index]; exists {
						tc.RawArgs += streamResp.Delta.PartialJSON
					}
				}
			}

		case "content_block_stop":
			if tc, exists := toolCalls[streamResp.Index]; exists {
				if tc.RawArgs != "" {
					if err := json.Unmarshal([]byte(tc.RawArgs), &tc.Arguments); err != nil {
						tc.Arguments = map[string]any{"_raw": tc.RawArgs}
					}
				}
				outputCh <- StreamChunk{Type: "tool_call", ToolCall: tc}
				delete(toolCalls, streamResp.Index)
			}

		case "message_delta":
			if streamResp.Usage != nil {
				totalTokens = streamResp.Usage.OutputTokens
			}

		case "message_stop":
			outputCh <- StreamChunk{Type: "done", Tokens: totalTokens}
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read streaming response: %w", err)
	}

	outputCh <- StreamChunk{Type: "done", Tokens: totalTokens}
	return nil
}
