// Package planner decomposes a query into a dependency-ordered task
// graph and executes it through nested agent runs. Simple questions
// skip planning entirely: an empty plan falls back to a direct run.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dexterhq/dexter/internal/providers"
	"github.com/dexterhq/dexter/internal/tools"
)

var tracer = otel.Tracer("dexter/planner")

// TaskStatus tracks a task through plan execution.
type TaskStatus string

const (
	TaskPending  TaskStatus = "pending"
	TaskRunning  TaskStatus = "running"
	TaskComplete TaskStatus = "complete"
	TaskFailed   TaskStatus = "failed"
)

// PlannedCall names a tool the model wants a task to invoke.
type PlannedCall struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Task is one node of an execution plan. A task with no ToolCalls is a
// synthesis task: it works purely from its dependencies' results.
type Task struct {
	ID           int           `json:"id"`
	Description  string        `json:"description"`
	ToolCalls    []PlannedCall `json:"toolCalls,omitempty"`
	Dependencies []int         `json:"dependencies,omitempty"`

	Status TaskStatus `json:"status,omitempty"`
	Result string     `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Plan is a validated task graph. An empty Tasks slice means "answer
// directly, no decomposition needed".
type Plan struct {
	Tasks []*Task `json:"tasks"`
}

func (p *Plan) byID() map[int]*Task {
	m := make(map[int]*Task, len(p.Tasks))
	for _, t := range p.Tasks {
		m[t.ID] = t
	}
	return m
}

// planSchema constrains the planning call's output.
var planSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"tasks": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"id":          map[string]interface{}{"type": "integer"},
					"description": map[string]interface{}{"type": "string"},
					"toolCalls": map[string]interface{}{
						"type": "array",
						"items": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"tool": map[string]interface{}{"type": "string"},
								"args": map[string]interface{}{"type": "object"},
							},
							"required": []string{"tool"},
						},
					},
					"dependencies": map[string]interface{}{
						"type":  "array",
						"items": map[string]interface{}{"type": "integer"},
					},
				},
				"required": []string{"id", "description"},
			},
		},
	},
	"required": []string{"tasks"},
}

const planSystemPrompt = `You are the research planner for Dexter, a financial research assistant. Break the user's question into research tasks.

Rules:
- Give every task an integer id and a one-sentence description.
- Tasks that gather data list their toolCalls (tool name plus args).
- Tasks that only combine earlier results leave toolCalls empty and name the task ids they build on in dependencies.
- Use a dependency only when a task genuinely needs another task's output.
- End with one synthesis task that depends on the data-gathering tasks and answers the question.
- Keep plans small: one task per distinct data need, at most eight tasks.
- If the question can be answered in a single step, return an empty tasks list.

## Available tools

%s`

// Planner turns a query into an execution plan via a structured model
// call.
type Planner struct {
	provider providers.Provider
	model    string
	tools    *tools.Registry
}

func NewPlanner(provider providers.Provider, model string, reg *tools.Registry) *Planner {
	if model == "" && provider != nil {
		model = provider.DefaultModel()
	}
	return &Planner{provider: provider, model: model, tools: reg}
}

// Plan asks the model for a task graph. Any failure, from the call
// itself through validation, yields an empty plan: the caller answers
// the query directly instead.
func (p *Planner) Plan(ctx context.Context, query string) *Plan {
	ctx, span := tracer.Start(ctx, "planner.plan")
	defer span.End()

	resp, err := p.provider.Chat(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: fmt.Sprintf(planSystemPrompt, p.tools.BuildToolDescriptions(p.model))},
			{Role: "user", Content: query},
		},
		Model:  p.model,
		Schema: planSchema,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   8192,
			providers.OptTemperature: 0.7,
		},
	})
	if err != nil {
		slog.Debug("planning call failed, answering directly", "error", err)
		return &Plan{}
	}

	var plan Plan
	if err := json.Unmarshal(resp.Structured, &plan); err != nil {
		slog.Debug("plan response unparseable, answering directly", "error", err)
		return &Plan{}
	}

	if err := ValidatePlan(&plan); err != nil {
		slog.Debug("plan rejected, answering directly", "error", err)
		return &Plan{}
	}

	for _, t := range plan.Tasks {
		t.Status = TaskPending
	}
	span.SetAttributes(attribute.Int("plan.tasks", len(plan.Tasks)))
	return &plan
}

// ValidatePlan checks that task ids are unique, every dependency names
// an existing task, and the dependency graph is acyclic.
func ValidatePlan(plan *Plan) error {
	byID := make(map[int]*Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("duplicate task id %d", t.ID)
		}
		byID[t.ID] = t
	}

	for _, t := range plan.Tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("task %d depends on unknown task %d", t.ID, dep)
			}
		}
	}

	// DFS with a recursion stack: a dependency edge back into the
	// current path is a cycle.
	visited := make(map[int]bool, len(plan.Tasks))
	inStack := make(map[int]bool, len(plan.Tasks))
	var visit func(id int) bool
	visit = func(id int) bool {
		if inStack[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		inStack[id] = true
		for _, dep := range byID[id].Dependencies {
			if visit(dep) {
				return true
			}
		}
		inStack[id] = false
		return false
	}
	for _, t := range plan.Tasks {
		if visit(t.ID) {
			return errors.New("Circular dependencies detected")
		}
	}
	return nil
}
