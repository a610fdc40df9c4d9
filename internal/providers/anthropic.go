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
	defaultClaudeModel  = "claude-sonnet-4-5-20250929"
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicProvider implements Provider against the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey      string
	baseURL     string
	model       string
	client      *http.Client
	limiter     *rate.Limiter
	retryConfig RetryConfig
}

// AnthropicOption customizes the provider.
type AnthropicOption func(*AnthropicProvider)

// WithAnthropicModel overrides the default model.
func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithAnthropicBaseURL points the client at a proxy or mock server.
func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// NewAnthropicProvider creates an Anthropic client.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:      apiKey,
		baseURL:     anthropicAPIBase,
		model:       defaultClaudeModel,
		client:      &http.Client{Timeout: 120 * time.Second},
		limiter:     rate.NewLimiter(rate.Every(time.Second), 2),
		retryConfig: DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete sends a single-turn request and returns the text.
func (p *AnthropicProvider) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	resp, err := p.send(ctx, anthropicRequest{
		Model:     p.model,
		MaxTokens: maxTokens,
		System:    systemPrompt,
		Messages:  []anthropicMessage{{Role: "user", Content: textBlocks(userPrompt)}},
	})
	if err != nil {
		return "", err
	}
	text := resp.text()
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// CompleteWithTools runs the tool loop until the model stops calling tools.
func (p *AnthropicProvider) CompleteWithTools(ctx context.Context, systemPrompt, userPrompt string, tools []ToolDefinition, registry ToolRegistry, maxTokens int) (string, error) {
	messages := []anthropicMessage{{Role: "user", Content: textBlocks(userPrompt)}}

	for i := 0; i < maxToolIterations; i++ {
		resp, err := p.send(ctx, anthropicRequest{
			Model:     p.model,
			MaxTokens: maxTokens,
			System:    systemPrompt,
			Messages:  messages,
			Tools:     tools,
		})
		if err != nil {
			return "", err
		}

		if resp.StopReason != "tool_use" {
			text := resp.text()
			if text == "" {
				return "", ErrEmptyCompletion
			}
			return text, nil
		}

		messages = append(messages, anthropicMessage{Role: "assistant", Content: resp.Content})

		var results []anthropicBlock
		for _, block := range resp.Content {
			if block.Type != "tool_use" {
				continue
			}
			result := runTool(ctx, registry, block.Name, block.Input)
			results = append(results, anthropicBlock{
				Type:      "tool_result",
				ToolUseID: block.ID,
				Content:   result,
			})
		}
		messages = append(messages, anthropicMessage{Role: "user", Content: results})
	}
	return "", fmt.Errorf("providers: anthropic tool loop exceeded %d iterations", maxToolIterations)
}

func runTool(ctx context.Context, registry ToolRegistry, name string, args map[string]any) string {
	handler, ok := registry[name]
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", name)
	}
	out, err := handler(ctx, args)
	if err != nil {
		return "error: " + err.Error()
	}
	return out
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []ToolDefinition   `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
}

func (r *anthropicResponse) text() string {
	var sb strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

func textBlocks(text string) []anthropicBlock {
	return []anthropicBlock{{Type: "text", Text: text}}
}

func (p *AnthropicProvider) send(ctx context.Context, req anthropicRequest) (*anthropicResponse, error) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = 1024
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	return retryDo(ctx, p.retryConfig, func() (*anthropicResponse, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("anthropic: build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", p.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

		httpResp, err := p.client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("anthropic: do request: %w", err)
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			payload, _ := io.ReadAll(io.LimitReader(httpResp.Body, 2048))
			return nil, &httpError{status: httpResp.StatusCode, body: string(payload)}
		}

		var resp anthropicResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}
		return &resp, nil
	})
}
