package assist

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Denial explanations are one paragraph, so the defaults lean small: a
// modest completion cap and a short per-request timeout keep a misbehaving
// endpoint from stalling the caller.
const (
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 400
	defaultTimeout   = 30 * time.Second
)

// OpenAIProvider implements Provider against any OpenAI-compatible endpoint
// (the hosted API, Ollama, vLLM, Azure via WithBaseURL).
type OpenAIProvider struct {
	client    openai.Client
	model     string
	maxTokens int64
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*openaiConfig)

type openaiConfig struct {
	model     string
	apiKey    string
	baseURL   string
	timeout   time.Duration
	maxTokens int64
}

// WithModel overrides the model name.
func WithModel(model string) OpenAIOption {
	return func(c *openaiConfig) { c.model = model }
}

// WithAPIKey sets the API key. If empty, the SDK falls back to OPENAI_API_KEY.
func WithAPIKey(key string) OpenAIOption {
	return func(c *openaiConfig) { c.apiKey = key }
}

// WithBaseURL points the client at a custom OpenAI-compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openaiConfig) { c.baseURL = url }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(c *openaiConfig) { c.timeout = d }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int64) OpenAIOption {
	return func(c *openaiConfig) { c.maxTokens = n }
}

// NewOpenAIProvider creates an OpenAIProvider with the given options.
func NewOpenAIProvider(opts ...OpenAIOption) *OpenAIProvider {
	cfg := openaiConfig{
		model:     defaultModel,
		timeout:   defaultTimeout,
		maxTokens: defaultMaxTokens,
	}
	for _, o := range opts {
		o(&cfg)
	}

	clientOpts := []option.RequestOption{option.WithRequestTimeout(cfg.timeout)}
	if cfg.apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.apiKey))
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAIProvider{
		client:    openai.NewClient(clientOpts...),
		model:     cfg.model,
		maxTokens: cfg.maxTokens,
	}
}

// Complete implements Provider over the chat completions endpoint.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message) (*Response, error) {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			converted = append(converted, openai.SystemMessage(m.Content))
		case RoleAssistant:
			converted = append(converted, openai.AssistantMessage(m.Content))
		default:
			converted = append(converted, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    p.model,
		Messages: converted,
	}
	if p.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(p.maxTokens)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	return &Response{
		Content:          completion.Choices[0].Message.Content,
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
	}, nil
}
