// Package agent runs the research loop: reason with tools bound,
// dispatch tool calls, persist artifacts, then stream the final answer
// from the gathered contexts.
package agent

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dexterhq/dexter/internal/contextstore"
	"github.com/dexterhq/dexter/internal/history"
	"github.com/dexterhq/dexter/internal/providers"
	"github.com/dexterhq/dexter/internal/tools"
)

const (
	defaultMaxIterations = 10
	defaultToolBudget    = 30
	defaultKeepRecent    = 4
	defaultMaxToolBytes  = 32 * 1024

	clearedResultStub = "[Result cleared to save context. The data is preserved in the research notes.]"
)

var tracer = otel.Tracer("dexter/agent")

// PermissionFunc gates tool execution. Returning false denies the call;
// the loop reports the denial as a tool_error and continues.
type PermissionFunc func(ctx context.Context, name string, args map[string]interface{}) bool

// Loop is the research execution engine for one agent.
type Loop struct {
	id            string
	provider      providers.Provider
	model         string
	maxIterations int
	toolBudget    int
	keepRecent    int
	maxToolBytes  int

	tools      *tools.Registry
	contexts   *contextstore.Store
	history    *history.History
	permission PermissionFunc
	onEvent    func(Event)

	activeRuns atomic.Int32
}

// LoopConfig configures a new Loop. Provider and Tools are required;
// Contexts, History, Permission, and OnEvent may be nil.
type LoopConfig struct {
	ID            string
	Provider      providers.Provider
	Model         string
	MaxIterations int

	// ToolBudget caps tool invocations per run. Exceeding it emits
	// tool_limit and moves straight to the answer phase.
	ToolBudget int

	// KeepRecentResults and MaxToolResultBytes control in-run compaction
	// of accumulated tool results. At least one result is always kept.
	KeepRecentResults  int
	MaxToolResultBytes int

	Tools      *tools.Registry
	Contexts   *contextstore.Store
	History    *history.History
	Permission PermissionFunc
	OnEvent    func(Event)
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.ToolBudget <= 0 {
		cfg.ToolBudget = defaultToolBudget
	}
	if cfg.KeepRecentResults < 1 {
		cfg.KeepRecentResults = defaultKeepRecent
	}
	if cfg.MaxToolResultBytes <= 0 {
		cfg.MaxToolResultBytes = defaultMaxToolBytes
	}
	if cfg.Model == "" && cfg.Provider != nil {
		cfg.Model = cfg.Provider.DefaultModel()
	}

	return &Loop{
		id:            cfg.ID,
		provider:      cfg.Provider,
		model:         cfg.Model,
		maxIterations: cfg.MaxIterations,
		toolBudget:    cfg.ToolBudget,
		keepRecent:    cfg.KeepRecentResults,
		maxToolBytes:  cfg.MaxToolResultBytes,
		tools:         cfg.Tools,
		contexts:      cfg.Contexts,
		history:       cfg.History,
		permission:    cfg.Permission,
		onEvent:       cfg.OnEvent,
	}
}

// ID returns the agent's identifier.
func (l *Loop) ID() string { return l.id }

// Model returns the model identifier this loop reasons with.
func (l *Loop) Model() string { return l.model }

// IsRunning reports whether the loop is currently processing a run.
func (l *Loop) IsRunning() bool { return l.activeRuns.Load() > 0 }

// RunRequest is the input for one research run.
type RunRequest struct {
	SessionKey string
	Query      string
	RunID      string

	// QueryID tags saved artifacts; empty means a fingerprint of Query.
	// Plan task runs pass the parent query's id so artifacts group by the
	// question that spawned them.
	QueryID string

	// TaskID tags artifacts saved while executing a plan task.
	TaskID *int
}

// RunResult is the outcome of a finished run. Status mirrors the done
// event's payload.
type RunResult struct {
	RunID      string           `json:"runId"`
	Status     string           `json:"status"`
	Answer     string           `json:"answer"`
	Iterations int              `json:"iterations"`
	ToolCalls  []ToolCallRecord `json:"toolCalls,omitempty"`
	Usage      *providers.Usage `json:"usage,omitempty"`
	Elapsed    time.Duration    `json:"-"`
}

type runState struct {
	req       RunRequest
	queryID   string
	start     time.Time
	iteration int
	usage     providers.Usage
	trace     []ToolCallRecord
	toolCalls int
	limitHit  bool
	messages  []providers.Message
	answer    strings.Builder
}

// Run processes a single query. It blocks until the run terminates and
// always emits exactly one done event, whatever the outcome.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)

	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	ctx, span := tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.id", l.id),
		attribute.String("run.id", req.RunID),
		attribute.String("model", l.model),
	))
	defer span.End()

	qid := req.QueryID
	if qid == "" {
		qid = queryID(req.Query)
	}
	run := &runState{
		req:     req,
		queryID: qid,
		start:   time.Now(),
	}

	result, err := l.execute(ctx, run)
	if result != nil {
		span.SetAttributes(
			attribute.Int("iterations", result.Iterations),
			attribute.String("status", result.Status),
		)
		if result.Usage != nil {
			span.SetAttributes(
				attribute.Int("usage.input_tokens", result.Usage.InputTokens),
				attribute.Int("usage.output_tokens", result.Usage.OutputTokens),
			)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (l *Loop) execute(ctx context.Context, run *runState) (*RunResult, error) {
	var historyBlock string
	if l.history != nil {
		relevant := l.history.SelectRelevantMessages(ctx, run.req.Query)
		historyBlock = history.FormatForPlanning(relevant)
	}

	run.messages = []providers.Message{
		{Role: "system", Content: l.systemPrompt(historyBlock)},
		{Role: "user", Content: run.req.Query},
	}

	for run.iteration < l.maxIterations {
		if ctx.Err() != nil {
			return l.finishInterrupted(run), nil
		}
		run.iteration++

		proceed, err := l.iterate(ctx, run)
		if err != nil {
			if isCanceled(ctx, err) {
				return l.finishInterrupted(run), nil
			}
			return l.finishError(run, err)
		}
		if !proceed {
			break
		}
	}

	return l.answerPhase(ctx, run)
}

// iterate performs one reason+dispatch cycle. It returns false when the
// run should move to the answer phase.
func (l *Loop) iterate(ctx context.Context, run *runState) (bool, error) {
	ctx, span := tracer.Start(ctx, "agent.iteration",
		trace.WithAttributes(attribute.Int("iteration", run.iteration)))
	defer span.End()

	slog.Debug("agent iteration", "agent", l.id, "iteration", run.iteration, "messages", len(run.messages))

	resp, err := l.provider.Chat(ctx, providers.ChatRequest{
		Messages: run.messages,
		Tools:    l.tools.Definitions(l.model),
		Model:    l.model,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   8192,
			providers.OptTemperature: 0.7,
		},
	})
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("reasoning call failed (iteration %d): %w", run.iteration, err)
	}
	run.usage.Add(resp.Usage)

	l.send(run, EventThinking, ThinkingPayload{
		Iteration: run.iteration,
		Text:      thinkingPrecis(resp),
	})

	// An answer without tool calls ends the research phase.
	if len(resp.ToolCalls) == 0 {
		return false, nil
	}

	run.messages = append(run.messages, providers.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})

	stop, err := l.dispatch(ctx, run, resp.ToolCalls)
	if err != nil {
		return false, err
	}
	if stop {
		return false, nil
	}

	l.compact(run)
	return true, nil
}

// dispatch runs the model's tool calls in the order produced. It stops
// the research phase on the finish tool or an exhausted tool budget. The
// only error it returns is context cancellation between calls.
func (l *Loop) dispatch(ctx context.Context, run *runState, calls []providers.ToolCall) (bool, error) {
	for i, tc := range calls {
		if i > 0 {
			if err := ctx.Err(); err != nil {
				return false, err
			}
		}

		if tc.Name == tools.FinishToolName {
			l.invokeTool(ctx, run, tc, false)
			return true, nil
		}

		if run.toolCalls >= l.toolBudget {
			if !run.limitHit {
				run.limitHit = true
				l.send(run, EventToolLimit, ToolLimitPayload{Limit: l.toolBudget})
				slog.Warn("tool budget exhausted", "agent", l.id, "run", run.req.RunID, "limit", l.toolBudget)
			}
			return true, nil
		}
		run.toolCalls++

		l.invokeTool(ctx, run, tc, true)
	}
	return false, nil
}

// invokeTool executes one call, emitting its events and appending the
// result message. Failures are captured, never raised: the model sees
// the error text and the run continues.
func (l *Loop) invokeTool(ctx context.Context, run *runState, tc providers.ToolCall, persist bool) {
	rec := ToolCallRecord{Iteration: run.iteration, Name: tc.Name, Args: tc.Arguments}

	if l.permission != nil && tc.Name != tools.FinishToolName {
		l.send(run, EventPermissionRequest, PermissionRequestPayload{ID: tc.ID, Name: tc.Name, Args: tc.Arguments})
		if !l.permission(ctx, tc.Name, tc.Arguments) {
			rec.Error = "permission denied"
			run.trace = append(run.trace, rec)
			l.send(run, EventToolError, ToolErrorPayload{ID: tc.ID, Name: tc.Name, Error: "permission denied"})
			run.messages = append(run.messages, providers.Message{
				Role: "tool", Content: "Error: permission denied by user", ToolCallID: tc.ID,
			})
			return
		}
	}

	l.send(run, EventToolStart, ToolStartPayload{Iteration: run.iteration, ID: tc.ID, Name: tc.Name, Args: tc.Arguments})

	ctx, span := tracer.Start(ctx, "agent.tool",
		trace.WithAttributes(attribute.String("tool.name", tc.Name)))
	defer span.End()

	toolCtx := tools.WithProgress(ctx, func(note string) {
		l.send(run, EventToolProgress, ToolProgressPayload{ID: tc.ID, Name: tc.Name, Note: note})
	})

	start := time.Now()
	out, err := l.invoke(toolCtx, tc)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("tool error", "agent", l.id, "tool", tc.Name, "error", truncateStr(err.Error(), 200))
		rec.Error = err.Error()
		run.trace = append(run.trace, rec)
		l.send(run, EventToolError, ToolErrorPayload{ID: tc.ID, Name: tc.Name, Error: truncateStr(err.Error(), 500)})
		run.messages = append(run.messages, providers.Message{
			Role: "tool", Content: "Error: " + err.Error(), ToolCallID: tc.ID,
		})
		return
	}

	rec.OK = true
	run.trace = append(run.trace, rec)
	l.send(run, EventToolEnd, ToolEndPayload{
		ID: tc.ID, Name: tc.Name, DurationMS: elapsed.Milliseconds(), Preview: truncateStr(out, 200),
	})

	if persist && l.contexts != nil {
		if _, err := l.contexts.Save(ctx, tc.Name, tc.Arguments, out, run.req.TaskID, run.queryID); err != nil {
			slog.Warn("artifact save failed", "tool", tc.Name, "error", err)
		}
	}

	run.messages = append(run.messages, providers.Message{Role: "tool", Content: out, ToolCallID: tc.ID})
}

func (l *Loop) invoke(ctx context.Context, tc providers.ToolCall) (string, error) {
	tool, ok := l.tools.Get(tc.Name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", tc.Name)
	}
	slog.Info("tool call", "agent", l.id, "tool", tc.Name)
	return tool.Invoke(ctx, tc.Arguments)
}

// compact clears old tool results from the working transcript once they
// exceed the byte threshold, keeping the most recent keepRecent intact.
// Cleared messages keep their tool_call_id so call/result pairing stays
// valid for the provider.
func (l *Loop) compact(run *runState) {
	total := 0
	var toolIdx []int
	for i, m := range run.messages {
		if m.Role == "tool" && m.Content != clearedResultStub {
			total += len(m.Content)
			toolIdx = append(toolIdx, i)
		}
	}
	if total <= l.maxToolBytes || len(toolIdx) <= l.keepRecent {
		return
	}

	clearCount := len(toolIdx) - l.keepRecent
	for _, i := range toolIdx[:clearCount] {
		run.messages[i].Content = clearedResultStub
	}

	l.send(run, EventContextCleared, ContextClearedPayload{
		ClearedCount: clearCount,
		KeptCount:    l.keepRecent,
	})
	slog.Debug("cleared old tool results", "agent", l.id, "cleared", clearCount, "kept", l.keepRecent)
}

func (l *Loop) finishInterrupted(run *runState) *RunResult {
	result := &RunResult{
		RunID:      run.req.RunID,
		Status:     StatusInterrupted,
		Answer:     run.answer.String(),
		Iterations: run.iteration,
		ToolCalls:  run.trace,
		Usage:      &run.usage,
		Elapsed:    time.Since(run.start),
	}
	slog.Info("agent run interrupted", "agent", l.id, "run", run.req.RunID, "iterations", run.iteration)
	l.send(run, EventDone, DonePayload{
		Status:     StatusInterrupted,
		Answer:     result.Answer,
		ToolCalls:  run.trace,
		Iterations: run.iteration,
		ElapsedMS:  result.Elapsed.Milliseconds(),
		Usage:      result.Usage,
	})
	return result
}

func (l *Loop) finishError(run *runState, err error) (*RunResult, error) {
	l.send(run, EventDone, DonePayload{
		Status:     StatusError,
		Error:      err.Error(),
		ToolCalls:  run.trace,
		Iterations: run.iteration,
		ElapsedMS:  time.Since(run.start).Milliseconds(),
		Usage:      &run.usage,
	})
	return nil, err
}

func (l *Loop) send(run *runState, t EventType, payload interface{}) {
	if l.onEvent != nil {
		l.onEvent(Event{Type: t, AgentID: l.id, RunID: run.req.RunID, Payload: payload})
	}
}

// thinkingPrecis extracts a short natural-language line from a reasoning
// response for the thinking event.
func thinkingPrecis(resp *providers.ChatResponse) string {
	if text := strings.TrimSpace(resp.Content); text != "" {
		return truncateStr(text, 500)
	}
	if len(resp.ToolCalls) > 0 {
		names := make([]string, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			names[i] = tc.Name
		}
		return "Gathering data: " + strings.Join(names, ", ")
	}
	return "Preparing the answer."
}

func isCanceled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// queryID fingerprints the query text for artifact tagging.
func queryID(query string) string {
	sum := md5.Sum([]byte(query))
	return hex.EncodeToString(sum[:])[:12]
}

func truncateStr(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= maxLen {
		return s
	}
	// Don't cut in the middle of a multi-byte rune.
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
