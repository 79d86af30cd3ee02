package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dexterhq/dexter/internal/contextstore"
	"github.com/dexterhq/dexter/internal/history"
	"github.com/dexterhq/dexter/internal/providers"
)

const baseSystemPrompt = `You are Dexter, a financial research assistant. Work in steps: use the available tools to gather evidence for the user's question, one batch of calls at a time, and review each result before deciding what to gather next. Prefer primary sources (filings, financial statements, price data) over web search when both could answer. When you have enough evidence, call the finish tool. Do not guess at figures you have not retrieved.`

const answerSystemPrompt = `You are Dexter, a financial research assistant. Write the final answer to the user's question from the research notes provided. Cite concrete figures from the notes. If the notes do not cover something, say so rather than inventing it. Lead with the conclusion, then the supporting numbers.`

func (l *Loop) systemPrompt(historyBlock string) string {
	var b strings.Builder
	b.WriteString(baseSystemPrompt)
	if l.tools != nil {
		if block := l.tools.BuildToolDescriptions(l.model); block != "" {
			b.WriteString("\n\n## Available tools\n\n")
			b.WriteString(block)
		}
	}
	if historyBlock != "" {
		b.WriteString("\n\n## Prior conversation\n\n")
		b.WriteString(historyBlock)
	}
	return b.String()
}

// answerPhase streams the final answer assembled from selected contexts
// and relevant history, then persists the completed turn.
func (l *Loop) answerPhase(ctx context.Context, run *runState) (*RunResult, error) {
	if ctx.Err() != nil {
		return l.finishInterrupted(run), nil
	}

	ctx, span := tracer.Start(ctx, "agent.answer")
	defer span.End()

	l.send(run, EventAnswerStart, nil)

	prompt := l.buildAnswerPrompt(ctx, run)

	resp, err := l.provider.ChatStream(ctx, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: answerSystemPrompt},
			{Role: "user", Content: prompt},
		},
		Model: l.model,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   8192,
			providers.OptTemperature: 0.7,
		},
	}, func(chunk providers.StreamChunk) {
		if chunk.Content == "" || ctx.Err() != nil {
			return
		}
		run.answer.WriteString(chunk.Content)
		l.send(run, EventAnswerChunk, AnswerChunkPayload{Content: chunk.Content})
	})
	if err != nil {
		span.RecordError(err)
		if isCanceled(ctx, err) {
			return l.finishInterrupted(run), nil
		}
		return l.finishError(run, fmt.Errorf("answer generation failed: %w", err))
	}
	run.usage.Add(resp.Usage)

	answer := run.answer.String()
	if answer == "" {
		answer = resp.Content
	}

	// A partial answer is never persisted; this point is only reached on
	// a completed stream.
	if l.history != nil {
		if err := l.history.AddMessage(ctx, run.req.Query, answer); err != nil {
			slog.Warn("failed to persist turn", "session", run.req.SessionKey, "error", err)
		}
	}

	result := &RunResult{
		RunID:      run.req.RunID,
		Status:     StatusCompleted,
		Answer:     answer,
		Iterations: run.iteration,
		ToolCalls:  run.trace,
		Usage:      &run.usage,
		Elapsed:    time.Since(run.start),
	}
	l.send(run, EventDone, DonePayload{
		Status:     StatusCompleted,
		Answer:     answer,
		ToolCalls:  run.trace,
		Iterations: run.iteration,
		ElapsedMS:  result.Elapsed.Milliseconds(),
		Usage:      result.Usage,
	})
	return result, nil
}

func (l *Loop) buildAnswerPrompt(ctx context.Context, run *runState) string {
	var b strings.Builder
	b.WriteString("Answer the user's question using the research notes below.\n\n")

	if l.contexts != nil {
		paths := l.contexts.SelectRelevant(ctx, run.req.Query)
		arts := contextstore.LoadContexts(paths)
		if len(arts) > 0 {
			b.WriteString("## Research notes\n\n")
			for _, a := range arts {
				argsJSON, _ := json.Marshal(a.Args)
				fmt.Fprintf(&b, "### %s %s\n\n%s\n\n", a.ToolName, argsJSON, a.Result)
			}
		}
	}

	if l.history != nil {
		relevant := l.history.SelectRelevantMessages(ctx, run.req.Query)
		if block := history.FormatForAnswerGeneration(relevant); block != "" {
			b.WriteString("## Earlier conversation\n\n")
			b.WriteString(block)
			b.WriteString("\n\n")
		}
	}

	b.WriteString("## Question\n\n")
	b.WriteString(run.req.Query)
	return b.String()
}
