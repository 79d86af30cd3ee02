// Package contextstore persists tool outputs as content-addressed JSON
// artifacts and selects the ones relevant to a query for answer
// generation.
package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dexterhq/dexter/internal/providers"
	"github.com/dexterhq/dexter/internal/store"
)

// summaryPreviewChars caps how much of a result is shown to the model
// when generating the artifact summary.
const summaryPreviewChars = 1000

// Artifact is the persisted record of one successful tool invocation.
// Artifacts are append-only: a save with an equal fingerprint overwrites
// with equivalent content, and nothing mutates a written file.
type Artifact struct {
	ToolName  string                 `json:"tool_name"`
	Args      map[string]interface{} `json:"args"`
	Summary   string                 `json:"summary"`
	Timestamp time.Time              `json:"timestamp"`
	TaskID    *int                   `json:"task_id,omitempty"`
	QueryID   string                 `json:"query_id,omitempty"`
	Result    string                 `json:"result"`
}

// Pointer indexes a saved artifact in memory for relevance selection.
type Pointer struct {
	Filepath string
	Filename string
	ToolName string
	Args     map[string]interface{}
	Summary  string
	TaskID   *int
	QueryID  string
}

// Store owns one directory of artifact files plus the in-memory pointer
// list for the current session.
type Store struct {
	dir      string
	provider providers.Provider
	model    string

	mu       sync.Mutex
	pointers []Pointer

	summaries singleflight.Group
}

// New creates a store rooted at dir. provider may be nil: summaries then
// use the fallback text and SelectRelevant returns every path.
func New(dir string, provider providers.Provider, model string) *Store {
	return &Store{dir: dir, provider: provider, model: model}
}

// Save writes the artifact for one tool invocation and appends its
// pointer. Concurrent saves with the same fingerprint are safe: the
// summary is generated once, and the atomic write means readers never
// observe a partial file. Returns the artifact path.
func (s *Store) Save(ctx context.Context, toolName string, args map[string]interface{}, result string, taskID *int, queryID string) (string, error) {
	filename := artifactFilename(toolName, args)
	path := filepath.Join(s.dir, filename)

	summary := s.summarize(ctx, toolName, args, result)

	art := Artifact{
		ToolName:  toolName,
		Args:      args,
		Summary:   summary,
		Timestamp: time.Now().UTC(),
		TaskID:    taskID,
		QueryID:   queryID,
		Result:    result,
	}
	if err := store.WriteJSONAtomic(path, art); err != nil {
		return "", fmt.Errorf("save artifact %s: %w", filename, err)
	}

	s.mu.Lock()
	s.pointers = append(s.pointers, Pointer{
		Filepath: path,
		Filename: filename,
		ToolName: toolName,
		Args:     args,
		Summary:  summary,
		TaskID:   taskID,
		QueryID:  queryID,
	})
	s.mu.Unlock()

	slog.Debug("saved tool artifact", "tool", toolName, "file", filename)
	return path, nil
}

// summarize asks the model for a one-sentence summary of result,
// deduplicating concurrent requests per fingerprint. Any failure yields
// the fallback text.
func (s *Store) summarize(ctx context.Context, toolName string, args map[string]interface{}, result string) string {
	if s.provider == nil {
		return fallbackSummary(toolName, args)
	}

	fp := Fingerprint(toolName, args)
	v, err, _ := s.summaries.Do(fp, func() (interface{}, error) {
		preview := result
		if len(preview) > summaryPreviewChars {
			preview = preview[:summaryPreviewChars]
		}
		resp, err := s.provider.Chat(ctx, providers.ChatRequest{
			Model: s.model,
			Messages: []providers.Message{{
				Role: "user",
				Content: fmt.Sprintf("Summarize the following %s tool output in one sentence. Respond with the sentence only.\n\n%s",
					toolName, preview),
			}},
			Options: map[string]interface{}{providers.OptMaxTokens: 150},
		})
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(resp.Content), nil
	})
	if err != nil {
		slog.Debug("artifact summary failed, using fallback", "tool", toolName, "error", err)
		return fallbackSummary(toolName, args)
	}
	if sum, _ := v.(string); sum != "" {
		return sum
	}
	return fallbackSummary(toolName, args)
}

func fallbackSummary(toolName string, args map[string]interface{}) string {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = []byte("{}")
	}
	return fmt.Sprintf("%s output with args %s", toolName, argsJSON)
}

// selectedContextsSchema constrains the relevance call to a list of ids.
var selectedContextsSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"context_ids": map[string]interface{}{
			"type":        "array",
			"items":       map[string]interface{}{"type": "integer"},
			"description": "IDs of the stored outputs relevant to the query.",
		},
	},
	"required": []string{"context_ids"},
}

// SelectRelevant asks the model which saved artifacts matter for query
// and returns their file paths. Ids outside [0, len) are dropped. On any
// failure every path is returned.
func (s *Store) SelectRelevant(ctx context.Context, query string) []string {
	pointers := s.Pointers()
	if len(pointers) == 0 {
		return nil
	}

	all := make([]string, len(pointers))
	for i, p := range pointers {
		all[i] = p.Filepath
	}
	if s.provider == nil {
		return all
	}

	var listing strings.Builder
	for i, p := range pointers {
		argsJSON, _ := json.Marshal(p.Args)
		fmt.Fprintf(&listing, "%d. tool_name: %s, args: %s, summary: %s\n", i, p.ToolName, argsJSON, p.Summary)
	}

	prompt := fmt.Sprintf("Select the stored tool outputs needed to answer this query.\n\nQuery: %s\n\nStored outputs:\n%s",
		query, listing.String())

	resp, err := s.provider.Chat(ctx, providers.ChatRequest{
		Model:    s.model,
		Messages: []providers.Message{{Role: "user", Content: prompt}},
		Schema:   selectedContextsSchema,
	})
	if err != nil {
		slog.Debug("context selection failed, keeping all contexts", "error", err)
		return all
	}

	var sel struct {
		ContextIDs []int `json:"context_ids"`
	}
	if err := json.Unmarshal(resp.Structured, &sel); err != nil {
		slog.Debug("context selection unparseable, keeping all contexts", "error", err)
		return all
	}

	var out []string
	seen := make(map[int]bool)
	for _, id := range sel.ContextIDs {
		if id < 0 || id >= len(pointers) || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, pointers[id].Filepath)
	}
	return out
}

// LoadContexts reads artifacts back from disk. Unreadable or malformed
// files are logged and skipped.
func LoadContexts(paths []string) []Artifact {
	out := make([]Artifact, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("skipping unreadable context file", "path", path, "error", err)
			continue
		}
		var art Artifact
		if err := json.Unmarshal(data, &art); err != nil {
			slog.Warn("skipping malformed context file", "path", path, "error", err)
			continue
		}
		out = append(out, art)
	}
	return out
}

// Pointers returns a copy of the in-memory pointer list.
func (s *Store) Pointers() []Pointer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pointer, len(s.pointers))
	copy(out, s.pointers)
	return out
}
