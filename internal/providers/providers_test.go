package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nightwatchhq/nightwatch/internal/personas"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestAnthropicComplete(t *testing.T) {
	var gotVersion, gotKey string
	var gotReq anthropicRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %q, want /messages", r.URL.Path)
		}
		gotVersion = r.Header.Get("anthropic-version")
		gotKey = r.Header.Get("x-api-key")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(anthropicResponse{
			Content:    []anthropicBlock{{Type: "text", Text: "  hello there  "}},
			StopReason: "end_turn",
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider("sk-test", WithAnthropicBaseURL(srv.URL), WithAnthropicModel("claude-test"))
	out, err := p.Complete(context.Background(), "be brief", "say hello", 256)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "hello there" {
		t.Errorf("text = %q, want %q", out, "hello there")
	}
	if gotVersion != anthropicAPIVersion {
		t.Errorf("anthropic-version = %q", gotVersion)
	}
	if gotKey != "sk-test" {
		t.Errorf("x-api-key = %q", gotKey)
	}
	if gotReq.System != "be brief" || gotReq.Model != "claude-test" || gotReq.MaxTokens != 256 {
		t.Errorf("request = %+v", gotReq)
	}
}

func TestAnthropicToolLoop(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)

		if atomic.AddInt32(&calls, 1) == 1 {
			json.NewEncoder(w).Encode(anthropicResponse{
				Content: []anthropicBlock{{
					Type:  "tool_use",
					ID:    "tu_1",
					Name:  "query_codebase",
					Input: map[string]any{"query": "retry config"},
				}},
				StopReason: "tool_use",
			})
			return
		}

		// Second turn must carry the tool result back.
		last := req.Messages[len(req.Messages)-1]
		if last.Role != "user" || len(last.Content) != 1 || last.Content[0].Type != "tool_result" {
			t.Errorf("second-turn tail message = %+v", last)
		}
		if last.Content[0].ToolUseID != "tu_1" || last.Content[0].Content != "3 attempts" {
			t.Errorf("tool result = %+v", last.Content[0])
		}
		json.NewEncoder(w).Encode(anthropicResponse{
			Content:    []anthropicBlock{{Type: "text", Text: "retries happen 3 times"}},
			StopReason: "end_turn",
		})
	}))
	defer srv.Close()

	registry := ToolRegistry{
		"query_codebase": func(_ context.Context, args map[string]any) (string, error) {
			if args["query"] != "retry config" {
				t.Errorf("args = %v", args)
			}
			return "3 attempts", nil
		},
	}
	tools := []ToolDefinition{{Name: "query_codebase", Description: "search", InputSchema: map[string]any{"type": "object"}}}

	p := NewAnthropicProvider("sk-test", WithAnthropicBaseURL(srv.URL))
	out, err := p.CompleteWithTools(context.Background(), "sys", "how many retries?", tools, registry, 512)
	if err != nil {
		t.Fatalf("CompleteWithTools: %v", err)
	}
	if out != "retries happen 3 times" {
		t.Errorf("text = %q", out)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestAnthropicToolLoopBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(anthropicResponse{
			Content:    []anthropicBlock{{Type: "tool_use", ID: "tu", Name: "loop", Input: map[string]any{}}},
			StopReason: "tool_use",
		})
	}))
	defer srv.Close()

	registry := ToolRegistry{"loop": func(context.Context, map[string]any) (string, error) { return "again", nil }}
	p := NewAnthropicProvider("sk-test", WithAnthropicBaseURL(srv.URL))
	p.limiter.SetLimit(1000)

	_, err := p.CompleteWithTools(context.Background(), "", "go", []ToolDefinition{{Name: "loop"}}, registry, 64)
	if err == nil {
		t.Fatal("expected error after loop bound")
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(anthropicResponse{
			Content:    []anthropicBlock{{Type: "text", Text: "ok"}},
			StopReason: "end_turn",
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider("sk-test", WithAnthropicBaseURL(srv.URL))
	p.retryConfig = fastRetry()
	p.limiter.SetLimit(1000)

	out, err := p.Complete(context.Background(), "", "hi", 64)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "ok" || calls != 3 {
		t.Errorf("out=%q calls=%d", out, calls)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("bad", WithAnthropicBaseURL(srv.URL))
	p.retryConfig = fastRetry()

	_, err := p.Complete(context.Background(), "", "hi", 64)
	var he *httpError
	if !errors.As(err, &he) || he.status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 httpError", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-oai" {
			t.Errorf("auth = %q", auth)
		}
		var req openAIRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", req.Messages)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi back"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-oai", WithOpenAIBaseURL(srv.URL))
	out, err := p.Complete(context.Background(), "sys", "hi", 128)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "hi back" {
		t.Errorf("out = %q", out)
	}
}

func TestOpenAIToolLoop(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		json.NewDecoder(r.Body).Decode(&req)

		if atomic.AddInt32(&calls, 1) == 1 {
			if len(req.Tools) != 1 || req.Tools[0].Function.Name != "create_board_issue" {
				t.Errorf("tools = %+v", req.Tools)
			}
			w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"","tool_calls":[
				{"id":"call_1","type":"function","function":{"name":"create_board_issue","arguments":"{\"title\":\"fix flake\"}"}}
			]}}]}`))
			return
		}

		last := req.Messages[len(req.Messages)-1]
		if last.Role != "tool" || last.ToolCallID != "call_1" || last.Content != "issue #7" {
			t.Errorf("tool message = %+v", last)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"filed issue #7"}}]}`))
	}))
	defer srv.Close()

	registry := ToolRegistry{
		"create_board_issue": func(_ context.Context, args map[string]any) (string, error) {
			if args["title"] != "fix flake" {
				t.Errorf("args = %v", args)
			}
			return "issue #7", nil
		},
	}
	tools := []ToolDefinition{{Name: "create_board_issue", InputSchema: map[string]any{"type": "object"}}}

	p := NewOpenAIProvider("sk-oai", WithOpenAIBaseURL(srv.URL))
	out, err := p.CompleteWithTools(context.Background(), "sys", "file it", tools, registry, 256)
	if err != nil {
		t.Fatalf("CompleteWithTools: %v", err)
	}
	if out != "filed issue #7" {
		t.Errorf("out = %q", out)
	}
}

func TestResolverCachesByConfig(t *testing.T) {
	r := NewResolver("sk-ant", "sk-oai")

	a := personas.Persona{ModelConfig: &personas.ModelConfig{Provider: "anthropic", Model: "m1"}}
	b := personas.Persona{ModelConfig: &personas.ModelConfig{Provider: "anthropic", Model: "m1"}}
	c := personas.Persona{ModelConfig: &personas.ModelConfig{Provider: "openai", Model: "m2"}}

	pa, err := r.For(a)
	if err != nil {
		t.Fatalf("For(a): %v", err)
	}
	pb, err := r.For(b)
	if err != nil {
		t.Fatalf("For(b): %v", err)
	}
	if pa != pb {
		t.Error("same config should share one provider")
	}
	pc, err := r.For(c)
	if err != nil {
		t.Fatalf("For(c): %v", err)
	}
	if pc.Name() != "openai" {
		t.Errorf("provider = %q", pc.Name())
	}

	_, err = r.For(personas.Persona{ModelConfig: &personas.ModelConfig{Provider: "mystery"}})
	if err == nil {
		t.Error("unknown provider should error")
	}
}

func TestResolverDefaultsNilModelConfig(t *testing.T) {
	r := NewResolver("sk-ant", "")
	for _, p := range personas.SeedRoster() {
		prov, err := r.For(p)
		if err != nil {
			t.Fatalf("For(%s): %v", p.Name, err)
		}
		if prov.Name() != "anthropic" {
			t.Errorf("%s provider = %q, want anthropic", p.Name, prov.Name())
		}
	}
}

func TestResolverRequiresKey(t *testing.T) {
	r := NewResolver("", "")
	_, err := r.For(personas.Persona{ModelConfig: &personas.ModelConfig{Provider: "anthropic"}})
	if err == nil {
		t.Fatal("expected missing-key error")
	}

	p := personas.Persona{ModelConfig: &personas.ModelConfig{
		Provider: "anthropic",
		Env:      map[string]string{"ANTHROPIC_API_KEY": "sk-own"},
	}}
	if _, err := r.For(p); err != nil {
		t.Fatalf("persona-level key should suffice: %v", err)
	}
}
