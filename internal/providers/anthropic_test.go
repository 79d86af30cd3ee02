package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestAnthropicChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q, want %q", got, "test-key")
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("anthropic-version header missing")
		}
		fmt.Fprint(w, `{
			"content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "tu_1", "name": "web_search", "input": {"query": "AAPL revenue"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "what is AAPL revenue"}},
	})
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}

	if resp.Content != "checking" {
		t.Errorf("Content = %q, want %q", resp.Content, "checking")
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q, want %q", resp.FinishReason, "tool_calls")
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "web_search" || tc.ID != "tu_1" {
		t.Errorf("tool call = %q/%q, want web_search/tu_1", tc.Name, tc.ID)
	}
	if got := tc.Arguments["query"]; got != "AAPL revenue" {
		t.Errorf("args query = %v, want %q", got, "AAPL revenue")
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v, want total 15", resp.Usage)
	}
}

func TestAnthropicChatStructured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		choice, _ := body["tool_choice"].(map[string]interface{})
		if choice["type"] != "tool" || choice["name"] != structuredToolName {
			t.Errorf("tool_choice = %v, want forced %s", choice, structuredToolName)
		}
		fmt.Fprint(w, `{
			"content": [{"type": "tool_use", "id": "tu_1", "name": "structured_output", "input": {"tasks":[]}}],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 4, "output_tokens": 2}
		}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "plan this"}},
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"tasks": map[string]interface{}{"type": "array"},
			},
		},
	})
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}

	if string(resp.Structured) != `{"tasks":[]}` {
		t.Errorf("Structured = %s, want {\"tasks\":[]}", resp.Structured)
	}
	if len(resp.ToolCalls) != 0 {
		t.Errorf("structured call leaked %d tool calls", len(resp.ToolCalls))
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want %q", resp.FinishReason, "stop")
	}
}

func TestAnthropicChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\n")
		fmt.Fprint(w, `data: {"message":{"usage":{"input_tokens":7}}}`+"\n\n")
		fmt.Fprint(w, "event: content_block_start\n")
		fmt.Fprint(w, `data: {"index":0,"content_block":{"type":"text"}}`+"\n\n")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, `data: {"delta":{"type":"text_delta","text":"Hel"}}`+"\n\n")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, `data: {"delta":{"type":"text_delta","text":"lo"}}`+"\n\n")
		fmt.Fprint(w, "event: message_delta\n")
		fmt.Fprint(w, `data: {"delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`+"\n\n")
		fmt.Fprint(w, "event: message_stop\n")
		fmt.Fprint(w, `data: {}`+"\n\n")
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))

	var chunks []string
	doneSeen := false
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(c StreamChunk) {
		if c.Done {
			doneSeen = true
			return
		}
		chunks = append(chunks, c.Content)
	})
	if err != nil {
		t.Fatalf("ChatStream error: %v", err)
	}

	if resp.Content != "Hello" {
		t.Errorf("Content = %q, want %q", resp.Content, "Hello")
	}
	if len(chunks) != 2 || chunks[0] != "Hel" || chunks[1] != "lo" {
		t.Errorf("chunks = %v, want [Hel lo]", chunks)
	}
	if !doneSeen {
		t.Error("no Done chunk delivered")
	}
	if resp.Usage == nil || resp.Usage.InputTokens != 7 || resp.Usage.OutputTokens != 3 || resp.Usage.TotalTokens != 10 {
		t.Errorf("Usage = %+v, want 7/3/10", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want %q", resp.FinishReason, "stop")
	}
}

func TestAnthropicRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"type":"rate_limit_error"}}`)
			return
		}
		fmt.Fprint(w, `{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	p.retryConfig = RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}

	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat error after retry: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q, want %q", resp.Content, "ok")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d calls, want 2", got)
	}
}

func TestAnthropicRequestRoles(t *testing.T) {
	p := NewAnthropicProvider("test-key")
	areq := p.newRequest("claude-sonnet-4-20250514", ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "calling a tool", ToolCalls: []ToolCall{
				{ID: "tu_1", Name: "web_search", Arguments: map[string]interface{}{"query": "x"}},
			}},
			{Role: "tool", Content: "result text", ToolCallID: "tu_1"},
		},
		Options: map[string]interface{}{OptMaxTokens: 2048, OptTemperature: 0.2},
	}, false)

	if len(areq.System) != 1 || areq.System[0].Text != "be brief" {
		t.Errorf("System = %+v, want single be-brief block", areq.System)
	}
	if len(areq.Messages) != 3 {
		t.Fatalf("got %d messages, want 3 (system lifted out)", len(areq.Messages))
	}
	if areq.Messages[2].Role != "user" {
		t.Errorf("tool result role = %q, want user", areq.Messages[2].Role)
	}
	if areq.MaxTokens != 2048 {
		t.Errorf("MaxTokens = %d, want 2048", areq.MaxTokens)
	}
	if areq.Temperature == nil || *areq.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", areq.Temperature)
	}

	wire, err := json.Marshal(areq)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	for _, want := range []string{`"tool_use_id":"tu_1"`, `"type":"tool_use"`, `"max_tokens":2048`} {
		if !strings.Contains(string(wire), want) {
			t.Errorf("request JSON missing %s", want)
		}
	}
}
