package providers

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
)

const (
	defaultClaudeModel  = "claude-sonnet-4-20250514"
	anthropicAPIBase    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"

	// anthropicMaxTokensDefault applies when the request carries no
	// max_tokens option; the Messages API rejects requests without one.
	anthropicMaxTokensDefault = 4096

	// structuredToolName is the synthetic tool used to force schema-shaped
	// output from models without a native JSON response mode.
	structuredToolName = "structured_output"
)

// AnthropicProvider implements Provider using the Anthropic Messages API
// via net/http.
type AnthropicProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		apiKey:       apiKey,
		baseURL:      anthropicAPIBase,
		defaultModel: defaultClaudeModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type AnthropicOption func(*AnthropicProvider)

func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if model != "" {
			p.defaultModel = model
		}
	}
}

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(p *AnthropicProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

func (p *AnthropicProvider) model(req ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	areq := p.newRequest(p.model(req), req, false)

	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		body, err := p.send(ctx, areq)
		if err != nil {
			return nil, err
		}
		defer body.Close()

		var resp anthropicResponse
		if err := json.NewDecoder(body).Decode(&resp); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}
		return p.parseResponse(&resp, req.Schema != nil), nil
	})
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	// Schema-shaped output arrives as a forced tool call, which has nothing
	// to stream; fall back to the blocking path.
	if req.Schema != nil {
		resp, err := p.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		if onChunk != nil {
			onChunk(StreamChunk{Done: true})
		}
		return resp, nil
	}

	areq := p.newRequest(p.model(req), req, true)

	// Retry covers the connection phase only; once bytes flow, no retry.
	body, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.send(ctx, areq)
	})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	st := newAnthropicStream(onChunk)
	if err := st.consume(body); err != nil {
		return nil, err
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return st.response(), nil
}

// newRequest converts a portable ChatRequest into the Messages API shape.
// System messages lift into the top-level system field, tool results become
// user-role tool_result blocks, and a Schema turns into a single forced
// tool so the model must emit matching JSON.
func (p *AnthropicProvider) newRequest(model string, req ChatRequest, stream bool) anthropicRequest {
	areq := anthropicRequest{
		Model:     model,
		MaxTokens: anthropicMaxTokensDefault,
		Stream:    stream,
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			areq.System = append(areq.System, anthropicTextBlock{Type: "text", Text: msg.Content})

		case "user":
			areq.Messages = append(areq.Messages, anthropicMessage{Role: "user", Content: msg.Content})

		case "assistant":
			var blocks []interface{}
			if msg.Content != "" {
				blocks = append(blocks, anthropicTextBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropicToolUseBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			areq.Messages = append(areq.Messages, anthropicMessage{Role: "assistant", Content: blocks})

		case "tool":
			areq.Messages = append(areq.Messages, anthropicMessage{
				Role: "user",
				Content: []interface{}{anthropicToolResultBlock{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})
		}
	}

	switch {
	case req.Schema != nil:
		areq.Tools = []anthropicToolDef{{
			Name:        structuredToolName,
			Description: "Record the answer in the required format.",
			InputSchema: CleanSchemaForProvider("anthropic", req.Schema),
		}}
		areq.ToolChoice = &anthropicToolChoice{Type: "tool", Name: structuredToolName}

	case len(req.Tools) > 0:
		for _, t := range req.Tools {
			areq.Tools = append(areq.Tools, anthropicToolDef{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				InputSchema: CleanSchemaForProvider("anthropic", t.Function.Parameters),
			})
		}
	}

	if v, ok := intOption(req.Options, OptMaxTokens); ok {
		areq.MaxTokens = v
	}
	if v, ok := floatOption(req.Options, OptTemperature); ok {
		areq.Temperature = &v
	}

	return areq
}

func (p *AnthropicProvider) send(ctx context.Context, areq anthropicRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(areq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("anthropic: %s", msg),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (p *AnthropicProvider) parseResponse(resp *anthropicResponse, structured bool) *ChatResponse {
	result := &ChatResponse{}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			if structured && block.Name == structuredToolName {
				result.Structured = block.Input
				continue
			}
			args := make(map[string]interface{})
			_ = json.Unmarshal(block.Input, &args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}

	result.FinishReason = normalizeAnthropicStop(resp.StopReason)
	if structured {
		// The forced tool call is an encoding detail, not a request for work.
		result.FinishReason = "stop"
	}

	result.Usage = &Usage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}

	return result
}

func normalizeAnthropicStop(stopReason string) string {
	switch stopReason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// anthropicStream folds Messages API SSE events into a ChatResponse.
type anthropicStream struct {
	resp     ChatResponse
	toolJSON []string // argument fragments, parallel to resp.ToolCalls
	onChunk  func(StreamChunk)
}

func newAnthropicStream(onChunk func(StreamChunk)) *anthropicStream {
	return &anthropicStream{
		resp:    ChatResponse{FinishReason: "stop"},
		onChunk: onChunk,
	}
}

// consume reads SSE lines until EOF, applying each data payload under the
// most recently seen event header.
func (s *anthropicStream) consume(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	// Tool argument deltas can make individual data lines sizable.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := s.apply(event, []byte(strings.TrimPrefix(line, "data: "))); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("anthropic: read stream: %w", err)
	}
	return nil
}

func (s *anthropicStream) apply(event string, data []byte) error {
	switch event {
	case "message_start":
		var ev anthropicMessageStartEvent
		if json.Unmarshal(data, &ev) == nil && ev.Message.Usage.InputTokens > 0 {
			s.usage().InputTokens = ev.Message.Usage.InputTokens
		}

	case "content_block_start":
		var ev anthropicContentBlockStartEvent
		if json.Unmarshal(data, &ev) != nil || ev.ContentBlock.Type != "tool_use" {
			return nil
		}
		s.resp.ToolCalls = append(s.resp.ToolCalls, ToolCall{
			ID:        ev.ContentBlock.ID,
			Name:      ev.ContentBlock.Name,
			Arguments: make(map[string]interface{}),
		})
		s.toolJSON = append(s.toolJSON, "")

	case "content_block_delta":
		var ev anthropicContentBlockDeltaEvent
		if json.Unmarshal(data, &ev) != nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			s.resp.Content += ev.Delta.Text
			if s.onChunk != nil {
				s.onChunk(StreamChunk{Content: ev.Delta.Text})
			}
		case "input_json_delta":
			if n := len(s.toolJSON); n > 0 {
				s.toolJSON[n-1] += ev.Delta.PartialJSON
			}
		}

	case "message_delta":
		var ev anthropicMessageDeltaEvent
		if json.Unmarshal(data, &ev) != nil {
			return nil
		}
		if ev.Delta.StopReason != "" {
			s.resp.FinishReason = normalizeAnthropicStop(ev.Delta.StopReason)
		}
		if ev.Usage.OutputTokens > 0 {
			s.usage().OutputTokens = ev.Usage.OutputTokens
		}

	case "error":
		var ev anthropicErrorEvent
		if json.Unmarshal(data, &ev) == nil {
			return fmt.Errorf("anthropic stream error: %s: %s", ev.Error.Type, ev.Error.Message)
		}
	}
	return nil
}

func (s *anthropicStream) usage() *Usage {
	if s.resp.Usage == nil {
		s.resp.Usage = &Usage{}
	}
	return s.resp.Usage
}

// response finalizes the accumulated state: tool arguments are parsed from
// their collected fragments and usage totals summed.
func (s *anthropicStream) response() *ChatResponse {
	for i, raw := range s.toolJSON {
		if raw == "" {
			continue
		}
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(raw), &args)
		s.resp.ToolCalls[i].Arguments = args
	}
	if s.resp.Usage != nil {
		s.resp.Usage.TotalTokens = s.resp.Usage.InputTokens + s.resp.Usage.OutputTokens
	}
	return &s.resp
}

// --- Messages API request types ---

type anthropicRequest struct {
	Model       string               `json:"model"`
	MaxTokens   int                  `json:"max_tokens"`
	System      []anthropicTextBlock `json:"system,omitempty"`
	Messages    []anthropicMessage   `json:"messages"`
	Tools       []anthropicToolDef   `json:"tools,omitempty"`
	ToolChoice  *anthropicToolChoice `json:"tool_choice,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
}

// anthropicMessage carries either a plain string or a block list in
// Content; the API accepts both encodings.
type anthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type anthropicTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicToolUseBlock struct {
	Type  string                 `json:"type"`
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

type anthropicToolResultBlock struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

type anthropicToolDef struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema interface{} `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// --- Messages API response types ---

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- Streaming event types ---

type anthropicMessageStartEvent struct {
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
}

type anthropicContentBlockStartEvent struct {
	Index        int                   `json:"index"`
	ContentBlock anthropicContentBlock `json:"content_block"`
}

type anthropicContentBlockDeltaEvent struct {
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

type anthropicMessageDeltaEvent struct {
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Usage anthropicUsage `json:"usage"`
}

type anthropicErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
