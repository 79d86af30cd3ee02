package providers

import (
	"context"
	"encoding/json"
)

// Provider is the interface all LLM backends implement.
type Provider interface {
	// Chat sends a conversation to the model and returns the complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends a conversation and delivers text chunks via onChunk
	// as they arrive. Returns the final assembled response after the stream
	// ends.
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)

	// DefaultModel returns the model used when the request leaves Model empty.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// ChatRequest contains the input for a Chat/ChatStream call.
type ChatRequest struct {
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Model    string           `json:"model,omitempty"`

	// Schema, when set, forces the model to answer with JSON matching the
	// given JSON Schema. The payload comes back in ChatResponse.Structured.
	Schema map[string]interface{} `json:"schema,omitempty"`

	Options map[string]interface{} `json:"options,omitempty"`
}

// Option keys understood by all providers.
const (
	OptMaxTokens   = "max_tokens"
	OptTemperature = "temperature"
)

// intOption reads an integer option, tolerating float64 values from
// JSON-decoded config.
func intOption(opts map[string]interface{}, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// floatOption reads a float option, tolerating plain ints.
func floatOption(opts map[string]interface{}, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// ChatResponse is the result from an LLM call.
type ChatResponse struct {
	Content      string          `json:"content"`
	Structured   json.RawMessage `json:"structured,omitempty"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
	FinishReason string          `json:"finish_reason"` // "stop", "tool_calls", "length"
	Usage        *Usage          `json:"usage,omitempty"`
}

// StreamChunk is a piece of a streaming response.
type StreamChunk struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for role="tool" responses
}

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the schema for a function tool.
type ToolFunctionSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tracks normalized token consumption across providers.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates another usage report into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}
