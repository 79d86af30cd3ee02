package planner

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dexterhq/dexter/internal/agent"
	"github.com/dexterhq/dexter/internal/providers"
)

// ErrBlocked reports a plan that cannot make progress: tasks remain but
// none are ready, because a dependency failed or the graph deadlocked.
var ErrBlocked = errors.New("blocked: cycle or cascading failure")

// Executor runs a plan's tasks in dependency order, each through a
// nested agent run built from the base config.
type Executor struct {
	base agent.LoopConfig
}

func NewExecutor(base agent.LoopConfig) *Executor {
	return &Executor{base: base}
}

// Result is the outcome of executing a plan. Answer is the final
// synthesis task's answer; counters aggregate across all task runs.
type Result struct {
	Status     string
	Answer     string
	Tasks      []*Task
	Iterations int
	ToolCalls  []agent.ToolCallRecord
	Usage      providers.Usage
}

// Run executes the plan. Each pass picks the first pending task whose
// dependencies are all complete, runs it, and re-evaluates; a pass with
// tasks remaining but none ready fails with ErrBlocked. Task failures
// are recorded, not raised: only their dependents are lost.
func (e *Executor) Run(ctx context.Context, plan *Plan, req agent.RunRequest) (*Result, error) {
	byID := plan.byID()
	final := finalTask(plan)
	qid := queryFingerprint(req.Query)
	res := &Result{Tasks: plan.Tasks}

	for {
		if ctx.Err() != nil {
			res.Status = agent.StatusInterrupted
			return res, nil
		}

		task := nextReady(plan, byID)
		if task == nil {
			if unfinished(plan) {
				res.Status = agent.StatusError
				return res, ErrBlocked
			}
			break
		}

		task.Status = TaskRunning
		slog.Debug("running plan task", "task", task.ID, "description", task.Description)

		runRes, err := e.runTask(ctx, task, buildTaskQuery(task, byID), req, qid, task == final)
		if err != nil {
			task.Status = TaskFailed
			task.Error = err.Error()
			slog.Warn("plan task failed", "task", task.ID, "error", err)
			continue
		}

		res.Iterations += runRes.Iterations
		res.ToolCalls = append(res.ToolCalls, runRes.ToolCalls...)
		res.Usage.Add(runRes.Usage)

		if runRes.Status == agent.StatusInterrupted {
			task.Status = TaskFailed
			task.Error = "interrupted"
			task.Result = runRes.Answer
			res.Status = agent.StatusInterrupted
			res.Answer = runRes.Answer
			return res, nil
		}

		task.Status = TaskComplete
		task.Result = runRes.Answer
	}

	if final != nil {
		if final.Status != TaskComplete {
			res.Status = agent.StatusError
			return res, fmt.Errorf("final task %d failed: %s", final.ID, final.Error)
		}
		res.Answer = final.Result
	}
	res.Status = agent.StatusCompleted
	return res, nil
}

// runTask executes one task through a nested agent run. Intermediate
// events forward to the caller's sink; the nested done is dropped (its
// answer becomes the task result) and answer streaming passes through
// only for the final synthesis task.
func (e *Executor) runTask(ctx context.Context, task *Task, prompt string, req agent.RunRequest, qid string, isFinal bool) (*agent.RunResult, error) {
	ctx, span := tracer.Start(ctx, "planner.task",
		trace.WithAttributes(attribute.Int("task.id", task.ID)))
	defer span.End()

	cfg := e.base
	// The caller records one history entry for the whole query; task
	// answers never land in conversation history.
	cfg.History = nil
	forward := e.base.OnEvent
	cfg.OnEvent = func(ev agent.Event) {
		switch ev.Type {
		case agent.EventDone:
			return
		case agent.EventAnswerStart, agent.EventAnswerChunk:
			if !isFinal {
				return
			}
		}
		if forward != nil {
			forward(ev)
		}
	}

	id := task.ID
	res, err := agent.NewLoop(cfg).Run(ctx, agent.RunRequest{
		SessionKey: req.SessionKey,
		Query:      prompt,
		RunID:      req.RunID,
		QueryID:    qid,
		TaskID:     &id,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// nextReady returns the first pending task, in plan order, whose
// dependencies are all complete.
func nextReady(plan *Plan, byID map[int]*Task) *Task {
	for _, t := range plan.Tasks {
		if t.Status != TaskPending {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			if byID[dep].Status != TaskComplete {
				ready = false
				break
			}
		}
		if ready {
			return t
		}
	}
	return nil
}

func unfinished(plan *Plan) bool {
	for _, t := range plan.Tasks {
		if t.Status == TaskPending || t.Status == TaskRunning {
			return true
		}
	}
	return false
}

// finalTask picks the task whose answer becomes the plan's answer: the
// last task no other task depends on.
func finalTask(plan *Plan) *Task {
	if len(plan.Tasks) == 0 {
		return nil
	}
	depended := make(map[int]bool)
	for _, t := range plan.Tasks {
		for _, dep := range t.Dependencies {
			depended[dep] = true
		}
	}
	for i := len(plan.Tasks) - 1; i >= 0; i-- {
		if !depended[plan.Tasks[i].ID] {
			return plan.Tasks[i]
		}
	}
	return plan.Tasks[len(plan.Tasks)-1]
}

// buildTaskQuery assembles the prompt for a task run: the description,
// the results of its dependencies, and for tool tasks the calls the
// model asked for.
func buildTaskQuery(task *Task, byID map[int]*Task) string {
	var b strings.Builder
	b.WriteString(task.Description)

	var depResults []string
	for _, dep := range task.Dependencies {
		if t := byID[dep]; t != nil && t.Result != "" {
			depResults = append(depResults, t.Result)
		}
	}
	if len(depResults) > 0 {
		b.WriteString("\n\nContext:\n")
		b.WriteString(strings.Join(depResults, "\n\n"))
	}

	if len(task.ToolCalls) > 0 {
		calls, err := json.Marshal(task.ToolCalls)
		if err == nil {
			b.WriteString("\n\nRequired tool calls: ")
			b.Write(calls)
		}
	}
	return b.String()
}

// queryFingerprint tags every task's artifacts with the parent query.
func queryFingerprint(query string) string {
	sum := md5.Sum([]byte(query))
	return hex.EncodeToString(sum[:])[:12]
}
