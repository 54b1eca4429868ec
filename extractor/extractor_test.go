package extractor

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewkit/crewkit/config"
	"github.com/crewkit/crewkit/llms"
)

type stubProvider struct {
	model    string
	response string
	err      error

	lastMessages []llms.Message
}

func (s *stubProvider) Generate(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition, opts llms.GenerateOptions) (string, []llms.ToolCall, int, error) {
	s.lastMessages = messages
	return s.response, nil, 0, s.err
}

func (s *stubProvider) GenerateStreaming(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition, opts llms.GenerateOptions) (<-chan llms.StreamChunk, error) {
	return nil, fmt.Errorf("not streamed")
}

func (s *stubProvider) GetModelName() string { return s.model }
func (s *stubProvider) Close() error         { return nil }

type stubSource struct {
	provider *stubProvider
	err      error
}

func (s *stubSource) ProviderFor(ctx context.Context, model string) (llms.LLMProvider, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.provider, nil
}

func newService(provider *stubProvider) *Service {
	return NewService(&stubSource{provider: provider}, config.ExtractorConfig{}, nil)
}

func TestExtractConversational(t *testing.T) {
	provider := &stubProvider{
		response: `{"extractedFields":{"user_name":"Dana","city":"Lisbon"},"corrections":{},"remainingFields":[]}`,
	}
	svc := newService(provider)

	result := svc.Extract(context.Background(), Request{
		Messages: []llms.Message{
			{Role: "assistant", Content: "What's your name and city?"},
			{Role: "user", Content: "Dana, from Lisbon"},
		},
		MissingFields: []config.FieldConfig{{Name: "user_name"}, {Name: "city"}},
	})

	assert.Equal(t, "Dana", result.Extracted["user_name"])
	assert.Equal(t, "Lisbon", result.Extracted["city"])
	assert.Equal(t, []string{"user_name", "city"}, result.Order)
	assert.Empty(t, result.Remaining)
}

func TestExtractBooleanProjection(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     any
		present  bool
	}{
		{"json true", `{"extractedFields":{"consent":true}}`, "true", true},
		{"string false", `{"extractedFields":{"consent":"false"}}`, "false", true},
		{"non-boolean dropped", `{"extractedFields":{"consent":"sure"}}`, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newService(&stubProvider{response: tt.response})
			result := svc.Extract(context.Background(), Request{
				Messages:      []llms.Message{{Role: "user", Content: "yes"}},
				MissingFields: []config.FieldConfig{{Name: "consent", Type: "boolean"}},
			})
			value, ok := result.Extracted["consent"]
			assert.Equal(t, tt.present, ok)
			if tt.present {
				assert.Equal(t, tt.want, value)
			} else {
				assert.Contains(t, result.Remaining, "consent")
			}
		})
	}
}

func TestExtractEnumVerbatim(t *testing.T) {
	field := config.FieldConfig{Name: "plan", AllowedValues: []string{"basic", "pro"}}

	svc := newService(&stubProvider{response: `{"extractedFields":{"plan":"pro"}}`})
	result := svc.Extract(context.Background(), Request{
		Messages:      []llms.Message{{Role: "user", Content: "pro please"}},
		MissingFields: []config.FieldConfig{field},
	})
	assert.Equal(t, "pro", result.Extracted["plan"])

	svc = newService(&stubProvider{response: `{"extractedFields":{"plan":"Professional"}}`})
	result = svc.Extract(context.Background(), Request{
		Messages:      []llms.Message{{Role: "user", Content: "the professional one"}},
		MissingFields: []config.FieldConfig{field},
	})
	assert.NotContains(t, result.Extracted, "plan")
	assert.Equal(t, []string{"plan"}, result.Remaining)
}

func TestExtractUndeclaredFieldIgnored(t *testing.T) {
	svc := newService(&stubProvider{response: `{"extractedFields":{"surprise":"x","user_name":"Dana"}}`})
	result := svc.Extract(context.Background(), Request{
		Messages:      []llms.Message{{Role: "user", Content: "Dana"}},
		MissingFields: []config.FieldConfig{{Name: "user_name"}},
	})
	assert.Equal(t, map[string]any{"user_name": "Dana"}, result.Extracted)
}

func TestExtractStripsCodeFences(t *testing.T) {
	svc := newService(&stubProvider{
		response: "```json\n{\"extractedFields\":{\"user_name\":\"Dana\"}}\n```",
	})
	result := svc.Extract(context.Background(), Request{
		Messages:      []llms.Message{{Role: "user", Content: "Dana"}},
		MissingFields: []config.FieldConfig{{Name: "user_name"}},
	})
	assert.Equal(t, "Dana", result.Extracted["user_name"])
}

func TestExtractFailuresDegradeToEmpty(t *testing.T) {
	missing := []config.FieldConfig{{Name: "user_name"}, {Name: "city"}}
	messages := []llms.Message{{Role: "user", Content: "hi"}}

	tests := []struct {
		name string
		svc  *Service
	}{
		{"invalid json", newService(&stubProvider{response: "not json at all"})},
		{"provider error", newService(&stubProvider{err: fmt.Errorf("boom")})},
		{"no provider", NewService(&stubSource{err: fmt.Errorf("unconfigured")}, config.ExtractorConfig{}, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.svc.Extract(context.Background(), Request{Messages: messages, MissingFields: missing})
			require.NotNil(t, result)
			assert.True(t, result.Empty())
			assert.Equal(t, []string{"user_name", "city"}, result.Remaining)
		})
	}
}

func TestExtractFormModeWindow(t *testing.T) {
	provider := &stubProvider{response: `{"extractedFields":{"country":"Canada"}}`}
	svc := newService(provider)

	svc.Extract(context.Background(), Request{
		Messages: []llms.Message{
			{Role: "user", Content: "old noise"},
			{Role: "assistant", Content: "ignored early question"},
			{Role: "user", Content: "more noise"},
			{Role: "assistant", Content: "What country are you in?"},
			{Role: "user", Content: "Canada"},
		},
		MissingFields: []config.FieldConfig{{Name: "country"}},
		Mode:          config.ExtractionModeForm,
	})

	require.Len(t, provider.lastMessages, 2)
	transcript := provider.lastMessages[1].Content
	assert.Contains(t, transcript, "What country are you in?")
	assert.Contains(t, transcript, "Canada")
	assert.NotContains(t, transcript, "old noise")
	assert.NotContains(t, transcript, "ignored early question")
}

func TestExtractFormModeCorrections(t *testing.T) {
	svc := newService(&stubProvider{
		response: `{"extractedFields":{"has_other_accounts":"No"},"corrections":{"country":"Canada"},"remainingFields":[]}`,
	})
	result := svc.Extract(context.Background(), Request{
		Messages: []llms.Message{
			{Role: "assistant", Content: "Other accounts? Country?"},
			{Role: "user", Content: "no, actually I'm in Canada."},
		},
		MissingFields: []config.FieldConfig{{Name: "has_other_accounts"}},
		Collected:     map[string]any{"country": "USA"},
		Mode:          config.ExtractionModeForm,
	})

	assert.Equal(t, "No", result.Extracted["has_other_accounts"])
	assert.Equal(t, "Canada", result.Corrections["country"])
}

func TestExtractCorrectionsIgnoredInConversationalMode(t *testing.T) {
	svc := newService(&stubProvider{
		response: `{"extractedFields":{},"corrections":{"country":"Canada"},"remainingFields":[]}`,
	})
	result := svc.Extract(context.Background(), Request{
		Messages:      []llms.Message{{Role: "user", Content: "Canada actually"}},
		MissingFields: []config.FieldConfig{{Name: "city"}},
		Collected:     map[string]any{"country": "USA"},
	})
	assert.Empty(t, result.Corrections)
}

func TestExtractNoMissingFieldsShortCircuits(t *testing.T) {
	provider := &stubProvider{response: `{}`}
	svc := newService(provider)
	result := svc.Extract(context.Background(), Request{
		Messages: []llms.Message{{Role: "user", Content: "hi"}},
	})
	assert.True(t, result.Empty())
	assert.Nil(t, provider.lastMessages, "no LLM call expected")
}
