package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dexterhq/dexter/internal/agent"
)

// Runner is the agent entry point. It plans first and executes the task
// graph; an empty plan falls back to a single direct run. Either way
// the caller sees one event stream ending in exactly one done.
type Runner struct {
	planner *Planner
	base    agent.LoopConfig
}

// NewRunner wires a planner over the base agent config. A nil planner
// disables decomposition: every query runs directly.
func NewRunner(p *Planner, base agent.LoopConfig) *Runner {
	return &Runner{planner: p, base: base}
}

func (r *Runner) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	if r.planner == nil {
		return agent.NewLoop(r.base).Run(ctx, req)
	}

	plan := r.planner.Plan(ctx, req.Query)
	if len(plan.Tasks) == 0 {
		return agent.NewLoop(r.base).Run(ctx, req)
	}

	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	start := time.Now()
	slog.Info("executing plan", "run", req.RunID, "tasks", len(plan.Tasks))

	r.emit(req.RunID, agent.EventThinking, agent.ThinkingPayload{Text: planPrecis(plan)})

	res, execErr := NewExecutor(r.base).Run(ctx, plan, req)
	elapsed := time.Since(start)

	done := agent.DonePayload{
		Status:     res.Status,
		Answer:     res.Answer,
		ToolCalls:  res.ToolCalls,
		Iterations: res.Iterations,
		ElapsedMS:  elapsed.Milliseconds(),
		Usage:      &res.Usage,
	}
	if execErr != nil {
		done.Status = agent.StatusError
		done.Error = execErr.Error()
		r.emit(req.RunID, agent.EventDone, done)
		return nil, execErr
	}

	if res.Status == agent.StatusCompleted && r.base.History != nil {
		if err := r.base.History.AddMessage(ctx, req.Query, res.Answer); err != nil {
			slog.Warn("failed to persist turn", "session", req.SessionKey, "error", err)
		}
	}

	r.emit(req.RunID, agent.EventDone, done)

	return &agent.RunResult{
		RunID:      req.RunID,
		Status:     res.Status,
		Answer:     res.Answer,
		Iterations: res.Iterations,
		ToolCalls:  res.ToolCalls,
		Usage:      &res.Usage,
		Elapsed:    elapsed,
	}, nil
}

func (r *Runner) emit(runID string, t agent.EventType, payload interface{}) {
	if r.base.OnEvent != nil {
		r.base.OnEvent(agent.Event{Type: t, AgentID: r.base.ID, RunID: runID, Payload: payload})
	}
}

func planPrecis(plan *Plan) string {
	var b strings.Builder
	if len(plan.Tasks) == 1 {
		b.WriteString("Planned 1 task:")
	} else {
		fmt.Fprintf(&b, "Planned %d tasks:", len(plan.Tasks))
	}
	for i, t := range plan.Tasks {
		fmt.Fprintf(&b, " %d) %s", i+1, t.Description)
	}
	return truncateStr(b.String(), 500)
}

func truncateStr(s string, maxLen int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
