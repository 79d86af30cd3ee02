package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// OpenAIProvider implements Provider for OpenAI-compatible APIs
// (OpenAI itself, and Gemini via its compatibility endpoint).
type OpenAIProvider struct {
	name         string
	apiKey       string
	apiBase      string
	chatPath     string // defaults to "/chat/completions"
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		name:         name,
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		chatPath:     "/chat/completions",
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

func (p *OpenAIProvider) isGemini() bool {
	return strings.Contains(strings.ToLower(p.name), "gemini")
}

func (p *OpenAIProvider) model(req ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	oreq := p.newRequest(p.model(req), req, false)

	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		body, err := p.send(ctx, oreq)
		if err != nil {
			return nil, err
		}
		defer body.Close()

		var resp openAIResponse
		if err := json.NewDecoder(body).Decode(&resp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
		}
		return p.parseResponse(&resp, req.Schema != nil), nil
	})
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	// Schema-shaped output is returned whole; nothing useful to stream.
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

	oreq := p.newRequest(p.model(req), req, true)

	// Retry covers the connection phase only; once bytes flow, no retry.
	body, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.send(ctx, oreq)
	})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	st := newOpenAIStream(onChunk)
	if err := st.consume(body); err != nil {
		return nil, fmt.Errorf("%s: read stream: %w", p.name, err)
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return st.response(), nil
}

// newRequest converts a portable ChatRequest into the chat-completions
// shape. A Schema becomes a json_schema response format, except on Gemini
// where the schema rides in an extra system message and the format drops
// to plain json_object.
func (p *OpenAIProvider) newRequest(model string, req ChatRequest, stream bool) openAIRequest {
	messages := req.Messages
	if req.Schema != nil && p.isGemini() {
		messages = append([]Message{geminiSchemaMessage(req.Schema)}, messages...)
	}

	oreq := openAIRequest{
		Model:    model,
		Messages: make([]openAIChatMessage, 0, len(messages)),
		Stream:   stream,
	}
	for _, m := range messages {
		oreq.Messages = append(oreq.Messages, toOpenAIMessage(m))
	}

	switch {
	case req.Schema != nil && p.isGemini():
		oreq.ResponseFormat = &openAIResponseFormat{Type: "json_object"}

	case req.Schema != nil:
		oreq.ResponseFormat = &openAIResponseFormat{
			Type: "json_schema",
			JSONSchema: &openAIJSONSchema{
				Name:   structuredToolName,
				Schema: CleanSchemaForProvider(p.name, req.Schema),
				Strict: false,
			},
		}

	case len(req.Tools) > 0:
		oreq.Tools = CleanToolSchemas(p.name, req.Tools)
		oreq.ToolChoice = "auto"
	}

	if stream {
		oreq.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}

	if v, ok := intOption(req.Options, OptMaxTokens); ok {
		oreq.MaxTokens = v
	}
	if v, ok := floatOption(req.Options, OptTemperature); ok {
		oreq.Temperature = &v
	}

	return oreq
}

// toOpenAIMessage converts one portable message to the wire shape:
// tool calls get the type+function wrapper with arguments re-encoded as a
// JSON string, and assistant messages carrying tool calls omit empty
// content.
func toOpenAIMessage(m Message) openAIChatMessage {
	out := openAIChatMessage{Role: m.Role, ToolCallID: m.ToolCallID}

	if m.Content != "" || len(m.ToolCalls) == 0 {
		content := m.Content
		out.Content = &content
	}

	for _, tc := range m.ToolCalls {
		argsJSON, _ := json.Marshal(tc.Arguments)
		out.ToolCalls = append(out.ToolCalls, openAIToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: openAIFunctionCall{
				Name:      tc.Name,
				Arguments: string(argsJSON),
			},
		})
	}

	return out
}

func (p *OpenAIProvider) send(ctx context.Context, oreq openAIRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(oreq)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+p.chatPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.name, msg),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (p *OpenAIProvider) parseResponse(resp *openAIResponse, structured bool) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}

	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		result.Content = msg.Content
		result.FinishReason = normalizeOpenAIFinish(resp.Choices[0].FinishReason)

		if structured {
			result.Structured = json.RawMessage(msg.Content)
			result.Content = ""
			result.FinishReason = "stop"
		}

		for _, tc := range msg.ToolCalls {
			args := make(map[string]interface{})
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      strings.TrimSpace(tc.Function.Name),
				Arguments: args,
			})
		}
		if len(result.ToolCalls) > 0 {
			result.FinishReason = "tool_calls"
		}
	}

	if resp.Usage != nil {
		result.Usage = &Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}

	return result
}

func normalizeOpenAIFinish(reason string) string {
	switch reason {
	case "tool_calls", "function_call":
		return "tool_calls"
	case "length":
		return "length"
	default:
		return "stop"
	}
}

// openAIStream folds chat-completions SSE chunks into a ChatResponse.
type openAIStream struct {
	resp    ChatResponse
	acc     map[int]*streamToolCall
	onChunk func(StreamChunk)
}

// streamToolCall collects one tool call whose arguments arrive fragmented
// across chunks.
type streamToolCall struct {
	call    ToolCall
	rawArgs string
}

func newOpenAIStream(onChunk func(StreamChunk)) *openAIStream {
	return &openAIStream{
		resp:    ChatResponse{FinishReason: "stop"},
		acc:     make(map[int]*streamToolCall),
		onChunk: onChunk,
	}
}

func (s *openAIStream) consume(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	// Tool argument fragments can make individual data lines sizable.
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk openAIStreamChunk
		if json.Unmarshal([]byte(data), &chunk) != nil {
			continue
		}
		s.apply(&chunk)
	}
	return scanner.Err()
}

func (s *openAIStream) apply(chunk *openAIStreamChunk) {
	// The terminal usage chunk arrives with an empty choices list.
	if chunk.Usage != nil {
		s.resp.Usage = &Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
			TotalTokens:  chunk.Usage.TotalTokens,
		}
	}
	if len(chunk.Choices) == 0 {
		return
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		s.resp.Content += choice.Delta.Content
		if s.onChunk != nil {
			s.onChunk(StreamChunk{Content: choice.Delta.Content})
		}
	}

	// The index ties argument fragments to their tool call.
	for _, tc := range choice.Delta.ToolCalls {
		acc, ok := s.acc[tc.Index]
		if !ok {
			acc = &streamToolCall{call: ToolCall{ID: tc.ID}}
			s.acc[tc.Index] = acc
		}
		if tc.Function.Name != "" {
			acc.call.Name = strings.TrimSpace(tc.Function.Name)
		}
		acc.rawArgs += tc.Function.Arguments
	}

	if choice.FinishReason != "" {
		s.resp.FinishReason = normalizeOpenAIFinish(choice.FinishReason)
	}
}

// response finalizes the accumulated state, parsing each tool call's
// reassembled arguments in index order.
func (s *openAIStream) response() *ChatResponse {
	idxs := make([]int, 0, len(s.acc))
	for i := range s.acc {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)

	for _, i := range idxs {
		acc := s.acc[i]
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(acc.rawArgs), &args)
		acc.call.Arguments = args
		s.resp.ToolCalls = append(s.resp.ToolCalls, acc.call)
	}
	if len(s.resp.ToolCalls) > 0 {
		s.resp.FinishReason = "tool_calls"
	}
	return &s.resp
}

// --- chat-completions request types ---

type openAIRequest struct {
	Model          string                   `json:"model"`
	Messages       []openAIChatMessage      `json:"messages"`
	Tools          []map[string]interface{} `json:"tools,omitempty"`
	ToolChoice     string                   `json:"tool_choice,omitempty"`
	ResponseFormat *openAIResponseFormat    `json:"response_format,omitempty"`
	Stream         bool                     `json:"stream"`
	StreamOptions  *openAIStreamOptions     `json:"stream_options,omitempty"`
	MaxTokens      int                      `json:"max_tokens,omitempty"`
	Temperature    *float64                 `json:"temperature,omitempty"`
}

// openAIChatMessage is the outgoing message shape. Content is a pointer so
// an assistant turn that only carries tool calls can drop the field
// entirely while empty strings elsewhere still encode.
type openAIChatMessage struct {
	Role       string           `json:"role"`
	Content    *string          `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string                 `json:"name"`
	Schema map[string]interface{} `json:"schema"`
	Strict bool                   `json:"strict"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// --- chat-completions response types ---

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIMessage struct {
	Content   string           `json:"content"`
	ToolCalls []openAIToolCall `json:"tool_calls"`
}

// openAIToolCall appears on both sides of the wire: populated from
// responses and marshaled into requests.
type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type,omitempty"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded object
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int                `json:"index"`
				ID       string             `json:"id"`
				Function openAIFunctionCall `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}
