package agent

import "github.com/dexterhq/dexter/internal/providers"

// EventType enumerates everything a run reports to its consumer.
type EventType string

const (
	EventThinking          EventType = "thinking"
	EventToolStart         EventType = "tool_start"
	EventToolProgress      EventType = "tool_progress"
	EventToolEnd           EventType = "tool_end"
	EventToolError         EventType = "tool_error"
	EventToolLimit         EventType = "tool_limit"
	EventContextCleared    EventType = "context_cleared"
	EventPermissionRequest EventType = "permission_request"
	EventAnswerStart       EventType = "answer_start"
	EventAnswerChunk       EventType = "answer_chunk"
	EventDone              EventType = "done"
)

// Run terminal statuses carried in the done payload.
const (
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
	StatusError       = "error"
)

// Event is one entry in a run's event stream. Events are produced by a
// single goroutine, so consumers observe them totally ordered, and every
// run ends with exactly one done event.
type Event struct {
	Type    EventType   `json:"type"`
	AgentID string      `json:"agentId"`
	RunID   string      `json:"runId"`
	Payload interface{} `json:"payload,omitempty"`
}

// ThinkingPayload carries the model's reasoning precis per iteration.
type ThinkingPayload struct {
	Iteration int    `json:"iteration"`
	Text      string `json:"text"`
}

type ToolStartPayload struct {
	Iteration int                    `json:"iteration"`
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Args      map[string]interface{} `json:"args,omitempty"`
}

type ToolProgressPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Note string `json:"note"`
}

type ToolEndPayload struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DurationMS int64  `json:"durationMs"`
	Preview    string `json:"preview,omitempty"`
}

type ToolErrorPayload struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

type ToolLimitPayload struct {
	Limit int `json:"limit"`
}

type ContextClearedPayload struct {
	ClearedCount int `json:"clearedCount"`
	KeptCount    int `json:"keptCount"`
}

type PermissionRequestPayload struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

type AnswerChunkPayload struct {
	Content string `json:"content"`
}

// DonePayload is the terminal event payload. Answer is partial when
// Status is interrupted and empty when Status is error.
type DonePayload struct {
	Status     string           `json:"status"`
	Answer     string           `json:"answer,omitempty"`
	Error      string           `json:"error,omitempty"`
	ToolCalls  []ToolCallRecord `json:"toolCalls,omitempty"`
	Iterations int              `json:"iterations"`
	ElapsedMS  int64            `json:"elapsedMs"`
	Usage      *providers.Usage `json:"usage,omitempty"`
}

// ToolCallRecord is one entry in the run's tool-call trace.
type ToolCallRecord struct {
	Iteration int                    `json:"iteration"`
	Name      string                 `json:"name"`
	Args      map[string]interface{} `json:"args,omitempty"`
	OK        bool                   `json:"ok"`
	Error     string                 `json:"error,omitempty"`
}
