// Package history stores conversation turns per session, summarizes them
// for prompt reuse, and selects the turns relevant to a new query.
package history

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dexterhq/dexter/internal/providers"
	"github.com/dexterhq/dexter/internal/store"
)

// fallbackSummaryChars caps the query excerpt used when summary
// generation fails.
const fallbackSummaryChars = 100

var unsafeSessionRe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Message is one completed conversation turn. IDs are dense and 0-based
// in insertion order.
type Message struct {
	ID      int    `json:"id"`
	Query   string `json:"query"`
	Answer  string `json:"answer"`
	Summary string `json:"summary"`
}

type historyFile struct {
	Messages []Message `json:"messages"`
	Model    string    `json:"model"`
	SavedAt  time.Time `json:"savedAt"`
}

// History is the append-only turn store for one session, persisted as a
// JSON file under <dataDir>/conversations/.
type History struct {
	path     string
	provider providers.Provider
	model    string

	mu       sync.Mutex
	messages []Message
	cache    map[string][]int // query fingerprint -> selected message ids
}

// New opens the history for sessionKey, loading any previous turns. A
// corrupt file is logged and replaced with empty history on next flush.
// provider may be nil: summaries then use the fallback stub and
// SelectRelevantMessages returns nothing.
func New(dataDir, sessionKey string, provider providers.Provider, model string) *History {
	name := unsafeSessionRe.ReplaceAllString(sessionKey, "_")
	h := &History{
		path:     filepath.Join(dataDir, "conversations", name+".json"),
		provider: provider,
		model:    model,
		cache:    make(map[string][]int),
	}

	var hf historyFile
	ok, err := store.ReadJSON(h.path, &hf)
	if err != nil {
		slog.Warn("conversation history unreadable, starting empty", "path", h.path, "error", err)
	} else if ok {
		h.messages = hf.Messages
	}
	return h
}

// AddMessage appends a completed turn and flushes to disk. The relevance
// cache is invalidated first so stale selections never survive a new
// turn.
func (h *History) AddMessage(ctx context.Context, query, answer string) error {
	h.mu.Lock()
	h.cache = make(map[string][]int)
	h.mu.Unlock()

	summary := h.summarize(ctx, query, answer)

	h.mu.Lock()
	h.messages = append(h.messages, Message{
		ID:      len(h.messages),
		Query:   query,
		Answer:  answer,
		Summary: summary,
	})
	snapshot := make([]Message, len(h.messages))
	copy(snapshot, h.messages)
	h.mu.Unlock()

	return h.flush(snapshot)
}

func (h *History) summarize(ctx context.Context, query, answer string) string {
	if h.provider == nil {
		return fallbackSummary(query)
	}
	resp, err := h.provider.Chat(ctx, providers.ChatRequest{
		Model: h.model,
		Messages: []providers.Message{{
			Role: "user",
			Content: fmt.Sprintf("Summarize this exchange in one sentence. Respond with the sentence only.\n\nUser: %s\n\nAssistant: %s",
				query, answer),
		}},
		Options: map[string]interface{}{providers.OptMaxTokens: 150},
	})
	if err != nil {
		slog.Debug("turn summary failed, using fallback", "error", err)
		return fallbackSummary(query)
	}
	if sum := strings.TrimSpace(resp.Content); sum != "" {
		return sum
	}
	return fallbackSummary(query)
}

func fallbackSummary(query string) string {
	r := []rune(query)
	if len(r) > fallbackSummaryChars {
		r = r[:fallbackSummaryChars]
	}
	return "Answer to: " + string(r)
}

// selectedMessagesSchema constrains the relevance call to a list of ids.
var selectedMessagesSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"message_ids": map[string]interface{}{
			"type":        "array",
			"items":       map[string]interface{}{"type": "integer"},
			"description": "IDs of the past turns relevant to the query.",
		},
	},
	"required": []string{"message_ids"},
}

// SelectRelevantMessages returns the past turns relevant to query,
// caching selections per query fingerprint. Ids outside [0, len) are
// dropped. On any failure it returns nothing: irrelevant context is
// worse than none.
func (h *History) SelectRelevantMessages(ctx context.Context, query string) []Message {
	h.mu.Lock()
	count := len(h.messages)
	h.mu.Unlock()
	if count == 0 {
		return nil
	}

	fp := queryFingerprint(query)
	h.mu.Lock()
	ids, cached := h.cache[fp]
	h.mu.Unlock()
	if cached {
		return h.byID(ids)
	}

	if h.provider == nil {
		return nil
	}

	h.mu.Lock()
	var listing strings.Builder
	for _, m := range h.messages {
		fmt.Fprintf(&listing, "%d. query: %s, summary: %s\n", m.ID, m.Query, m.Summary)
	}
	h.mu.Unlock()

	prompt := fmt.Sprintf("Select the past conversation turns relevant to this new query.\n\nQuery: %s\n\nPast turns:\n%s",
		query, listing.String())

	resp, err := h.provider.Chat(ctx, providers.ChatRequest{
		Model:    h.model,
		Messages: []providers.Message{{Role: "user", Content: prompt}},
		Schema:   selectedMessagesSchema,
	})
	if err != nil {
		slog.Debug("message selection failed, injecting no history", "error", err)
		return nil
	}

	var sel struct {
		MessageIDs []int `json:"message_ids"`
	}
	if err := json.Unmarshal(resp.Structured, &sel); err != nil {
		slog.Debug("message selection unparseable, injecting no history", "error", err)
		return nil
	}

	clamped := make([]int, 0, len(sel.MessageIDs))
	seen := make(map[int]bool)
	for _, id := range sel.MessageIDs {
		if id < 0 || id >= count || seen[id] {
			continue
		}
		seen[id] = true
		clamped = append(clamped, id)
	}

	h.mu.Lock()
	h.cache[fp] = clamped
	h.mu.Unlock()

	return h.byID(clamped)
}

func (h *History) byID(ids []int) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < len(h.messages) {
			out = append(out, h.messages[id])
		}
	}
	return out
}

// FormatForPlanning renders turns compactly: the query plus the stored
// one-sentence summary.
func FormatForPlanning(ms []Message) string {
	var b strings.Builder
	for _, m := range ms {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n\n", m.Query, m.Summary)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatForAnswerGeneration renders turns in full, answers included.
func FormatForAnswerGeneration(ms []Message) string {
	var b strings.Builder
	for _, m := range ms {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n\n", m.Query, m.Answer)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Clear truncates all turns and persists the empty state.
func (h *History) Clear() error {
	h.mu.Lock()
	h.messages = nil
	h.cache = make(map[string][]int)
	h.mu.Unlock()
	return h.flush(nil)
}

// Len reports the number of stored turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Messages returns a copy of all stored turns.
func (h *History) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Path returns the backing file location.
func (h *History) Path() string { return h.path }

func (h *History) flush(snapshot []Message) error {
	return store.WriteJSONAtomic(h.path, historyFile{
		Messages: snapshot,
		Model:    h.model,
		SavedAt:  time.Now().UTC(),
	})
}

func queryFingerprint(query string) string {
	sum := md5.Sum([]byte(query))
	return hex.EncodeToString(sum[:])[:12]
}
