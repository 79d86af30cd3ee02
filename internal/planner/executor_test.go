package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dexterhq/dexter/internal/agent"
	"github.com/dexterhq/dexter/internal/contextstore"
	"github.com/dexterhq/dexter/internal/history"
	"github.com/dexterhq/dexter/internal/tools"
)

func baseConfig(t *testing.T, p *fakeProvider, events *[]agent.Event) agent.LoopConfig {
	t.Helper()
	dir := t.TempDir()
	return agent.LoopConfig{
		ID:       "dexter",
		Provider: p,
		Model:    "test-model",
		Tools:    tools.NewRegistry(),
		Contexts: contextstore.New(dir, nil, ""),
		History:  history.New(dir, "agent:dexter:main", nil, "test-model"),
		OnEvent:  func(e agent.Event) { *events = append(*events, e) },
	}
}

func TestExecutorRunsTasksInDependencyOrder(t *testing.T) {
	p := &fakeProvider{
		t: t,
		chats: []fakeChat{
			{content: "looking at A"},
			{content: "looking at B"},
			{content: "combining"},
		},
		streams: []fakeStream{
			{chunks: []string{"answer one"}},
			{chunks: []string{"answer two"}},
			{chunks: []string{"final answer"}},
		},
	}
	var events []agent.Event
	plan := &Plan{Tasks: []*Task{
		{ID: 1, Description: "Research A", Status: TaskPending},
		{ID: 2, Description: "Research B", Status: TaskPending},
		{ID: 3, Description: "Combine the findings", Dependencies: []int{1, 2}, Status: TaskPending},
	}}

	res, err := NewExecutor(baseConfig(t, p, &events)).Run(context.Background(), plan, agent.RunRequest{Query: "big question", RunID: "r1"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if res.Status != agent.StatusCompleted || res.Answer != "final answer" {
		t.Errorf("status %q answer %q", res.Status, res.Answer)
	}
	for _, tk := range plan.Tasks {
		if tk.Status != TaskComplete {
			t.Errorf("task %d status = %q, want complete", tk.ID, tk.Status)
		}
	}
	if plan.Tasks[0].Result != "answer one" || plan.Tasks[1].Result != "answer two" {
		t.Errorf("results = %q, %q", plan.Tasks[0].Result, plan.Tasks[1].Result)
	}

	// reqs alternate chat/stream per task; the third task's reasoning
	// call is reqs[4] and must carry its dependencies' results.
	want := "Combine the findings\n\nContext:\nanswer one\n\nanswer two"
	if got := p.reqs[4].Messages[1].Content; got != want {
		t.Errorf("synthesis prompt = %q, want %q", got, want)
	}
	if res.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", res.Iterations)
	}
}

func TestExecutorToolTaskPrompt(t *testing.T) {
	p := &fakeProvider{
		t:       t,
		chats:   []fakeChat{{content: "on it"}},
		streams: []fakeStream{{chunks: []string{"done"}}},
	}
	var events []agent.Event
	plan := &Plan{Tasks: []*Task{{
		ID:          1,
		Description: "Fetch the quarterly statements",
		ToolCalls:   []PlannedCall{{Tool: "financials", Args: map[string]interface{}{"ticker": "AAPL"}}},
		Status:      TaskPending,
	}}}

	if _, err := NewExecutor(baseConfig(t, p, &events)).Run(context.Background(), plan, agent.RunRequest{Query: "q"}); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	want := `Fetch the quarterly statements` + "\n\n" +
		`Required tool calls: [{"tool":"financials","args":{"ticker":"AAPL"}}]`
	if got := p.reqs[0].Messages[1].Content; got != want {
		t.Errorf("tool task prompt = %q, want %q", got, want)
	}
}

func TestExecutorBlockedOnCascadingFailure(t *testing.T) {
	p := &fakeProvider{
		t:     t,
		chats: []fakeChat{{err: errors.New("provider down")}},
	}
	var events []agent.Event
	plan := &Plan{Tasks: []*Task{
		{ID: 1, Description: "Gather", Status: TaskPending},
		{ID: 2, Description: "Synthesize", Dependencies: []int{1}, Status: TaskPending},
	}}

	res, err := NewExecutor(baseConfig(t, p, &events)).Run(context.Background(), plan, agent.RunRequest{Query: "q"})
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("err = %v, want ErrBlocked", err)
	}
	if res.Status != agent.StatusError {
		t.Errorf("status = %q", res.Status)
	}
	if plan.Tasks[0].Status != TaskFailed || !strings.Contains(plan.Tasks[0].Error, "provider down") {
		t.Errorf("task 1 = %q %q", plan.Tasks[0].Status, plan.Tasks[0].Error)
	}
	if plan.Tasks[1].Status != TaskPending {
		t.Errorf("blocked task status = %q, want pending", plan.Tasks[1].Status)
	}
}

func TestExecutorSuppressesNestedTerminalEvents(t *testing.T) {
	p := &fakeProvider{
		t:     t,
		chats: []fakeChat{{content: "a"}, {content: "b"}},
		streams: []fakeStream{
			{chunks: []string{"intermediate"}},
			{chunks: []string{"the answer"}},
		},
	}
	var events []agent.Event
	cfg := baseConfig(t, p, &events)
	plan := &Plan{Tasks: []*Task{
		{ID: 1, Description: "Gather", Status: TaskPending},
		{ID: 2, Description: "Synthesize", Dependencies: []int{1}, Status: TaskPending},
	}}

	if _, err := NewExecutor(cfg).Run(context.Background(), plan, agent.RunRequest{Query: "q"}); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	var chunks []string
	starts := 0
	for _, e := range events {
		switch e.Type {
		case agent.EventDone:
			t.Error("nested done must not reach the caller")
		case agent.EventAnswerStart:
			starts++
		case agent.EventAnswerChunk:
			chunks = append(chunks, e.Payload.(agent.AnswerChunkPayload).Content)
		}
	}
	if starts != 1 {
		t.Errorf("answer_start count = %d, want 1 (final task only)", starts)
	}
	if len(chunks) != 1 || chunks[0] != "the answer" {
		t.Errorf("streamed chunks = %v, want only the final task's", chunks)
	}
	// Task answers stay out of conversation history.
	if cfg.History.Len() != 0 {
		t.Errorf("history len = %d, want 0", cfg.History.Len())
	}
}

func TestExecutorInterruptedBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &fakeProvider{t: t}
	var events []agent.Event
	plan := &Plan{Tasks: []*Task{{ID: 1, Description: "Gather", Status: TaskPending}}}

	res, err := NewExecutor(baseConfig(t, p, &events)).Run(ctx, plan, agent.RunRequest{Query: "q"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Status != agent.StatusInterrupted {
		t.Errorf("status = %q, want interrupted", res.Status)
	}
	if plan.Tasks[0].Status != TaskPending {
		t.Errorf("task status = %q, want pending", plan.Tasks[0].Status)
	}
}

func TestExecutorFailedFinalTask(t *testing.T) {
	p := &fakeProvider{
		t:     t,
		chats: []fakeChat{{err: errors.New("no luck")}},
	}
	var events []agent.Event
	plan := &Plan{Tasks: []*Task{{ID: 7, Description: "Only task", Status: TaskPending}}}

	_, err := NewExecutor(baseConfig(t, p, &events)).Run(context.Background(), plan, agent.RunRequest{Query: "q"})
	if err == nil || !strings.Contains(err.Error(), "final task 7 failed") {
		t.Fatalf("err = %v, want final-task failure", err)
	}
}

func TestFinalTask(t *testing.T) {
	tests := []struct {
		name string
		plan *Plan
		want int
	}{
		{"single", &Plan{Tasks: []*Task{task(1)}}, 1},
		{"sink", &Plan{Tasks: []*Task{task(1), task(2), task(3, 1, 2)}}, 3},
		{"two sinks picks last", &Plan{Tasks: []*Task{task(1), task(2, 1), task(3, 1)}}, 3},
		{"independent picks last", &Plan{Tasks: []*Task{task(1), task(2)}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := finalTask(tt.plan); got.ID != tt.want {
				t.Errorf("finalTask() = %d, want %d", got.ID, tt.want)
			}
		})
	}
}

func TestBuildTaskQuery(t *testing.T) {
	done := &Task{ID: 1, Result: "AAPL revenue was $94B", Status: TaskComplete}
	empty := &Task{ID: 2, Status: TaskComplete}
	byID := map[int]*Task{1: done, 2: empty}

	tests := []struct {
		name string
		task *Task
		want string
	}{
		{
			"plain synthesis",
			&Task{Description: "Summarize"},
			"Summarize",
		},
		{
			"synthesis with context",
			&Task{Description: "Summarize", Dependencies: []int{1}},
			"Summarize\n\nContext:\nAAPL revenue was $94B",
		},
		{
			"empty dep result skipped",
			&Task{Description: "Summarize", Dependencies: []int{2, 1}},
			"Summarize\n\nContext:\nAAPL revenue was $94B",
		},
		{
			"tool task with context",
			&Task{
				Description:  "Compare margins",
				Dependencies: []int{1},
				ToolCalls:    []PlannedCall{{Tool: "web_search", Args: map[string]interface{}{"query": "MSFT margin"}}},
			},
			"Compare margins\n\nContext:\nAAPL revenue was $94B\n\nRequired tool calls: [{\"tool\":\"web_search\",\"args\":{\"query\":\"MSFT margin\"}}]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildTaskQuery(tt.task, byID); got != tt.want {
				t.Errorf("buildTaskQuery() = %q, want %q", got, tt.want)
			}
		})
	}
}
