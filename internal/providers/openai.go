package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultOpenAIModel = "gpt-4o"
	openAIAPIBase      = "https://api.openai.com/v1"
)

// OpenAIProvider implements Provider against the OpenAI chat completions
// API. It also covers OpenAI-compatible endpoints via WithOpenAIBaseURL.
type OpenAIProvider struct {
	apiKey      string
	baseURL     string
	model       string
	client      *http.Client
	limiter     *rate.Limiter
	retryConfig RetryConfig
}

// OpenAIOption customizes the provider.
type OpenAIOption func(*OpenAIProvider)

// WithOpenAIModel overrides the default model.
func WithOpenAIModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithOpenAIBaseURL points the client at a compatible endpoint or mock.
func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// NewOpenAIProvider creates an OpenAI client.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:      apiKey,
		baseURL:     openAIAPIBase,
		model:       defaultOpenAIModel,
		client:      &http.Client{Timeout: 120 * time.Second},
		limiter:     rate.NewLimiter(rate.Every(time.Second), 2),
		retryConfig: DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Complete sends a single-turn request and returns the text.
func (p *OpenAIProvider) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	messages := []openAIMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
	resp, err := p.send(ctx, openAIRequest{Model: p.model, MaxTokens: maxTokens, Messages: messages})
	if err != nil {
		return "", err
	}
	text := resp.text()
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// CompleteWithTools runs the tool-calls loop until the model answers.
func (p *OpenAIProvider) CompleteWithTools(ctx context.Context, systemPrompt, userPrompt string, tools []ToolDefinition, registry ToolRegistry, maxTokens int) (string, error) {
	messages := []openAIMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
	wireTools := make([]openAITool, 0, len(tools))
	for _, t := range tools {
		wireTools = append(wireTools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	for i := 0; i < maxToolIterations; i++ {
		resp, err := p.send(ctx, openAIRequest{
			Model:     p.model,
			MaxTokens: maxTokens,
			Messages:  messages,
			Tools:     wireTools,
		})
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", ErrEmptyCompletion
		}
		msg := resp.Choices[0].Message

		if len(msg.ToolCalls) == 0 {
			text := strings.TrimSpace(msg.Content)
			if text == "" {
				return "", ErrEmptyCompletion
			}
			return text, nil
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				args = map[string]any{}
			}
			result := runTool(ctx, registry, call.Function.Name, args)
			messages = append(messages, openAIMessage{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
	return "", fmt.Errorf("providers: openai tool loop exceeded %d iterations", maxToolIterations)
}

type openAIRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Messages  []openAIMessage `json:"messages"`
	Tools     []openAITool    `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

func (r *openAIResponse) text() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Choices[0].Message.Content)
}

func (p *OpenAIProvider) send(ctx context.Context, req openAIRequest) (*openAIResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	return retryDo(ctx, p.retryConfig, func() (*openAIResponse, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("openai: build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

		httpResp, err := p.client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("openai: do request: %w", err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			payload, _ := io.ReadAll(io.LimitReader(httpResp.Body, 2048))
			return nil, &httpError{status: httpResp.StatusCode, body: string(payload)}
		}

		var resp openAIResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			return nil, fmt.Errorf("openai: decode response: %w", err)
		}
		return &resp, nil
	})
}
