package sessions

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dexterhq/dexter/internal/store"
)

// Meta records where an agent last talked. One file per agent.
type Meta struct {
	AgentID        string    `json:"agentId"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastChannel    string    `json:"lastChannel,omitempty"`
	LastAccountID  string    `json:"lastAccountId,omitempty"`
	LastTo         string    `json:"lastTo,omitempty"`
	LastSessionKey string    `json:"lastSessionKey,omitempty"`
}

// MetaUpdate carries the fields an upsert refreshes. Empty fields keep
// their stored values.
type MetaUpdate struct {
	Channel    string
	AccountID  string
	To         string
	SessionKey string
}

// MetaStore persists per-agent session metadata as
// <dir>/<agentId>.json, written atomically.
type MetaStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewMetaStore returns a store rooted at dir. The directory is created
// on first write.
func NewMetaStore(dir string) *MetaStore {
	return &MetaStore{dir: dir, now: time.Now}
}

func (s *MetaStore) path(agentID string) string {
	return filepath.Join(s.dir, agentID+".json")
}

// Load reads an agent's metadata. ok is false when no file exists yet.
func (s *MetaStore) Load(agentID string) (Meta, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(agentID)
}

func (s *MetaStore) loadLocked(agentID string) (Meta, bool, error) {
	var m Meta
	ok, err := store.ReadJSON(s.path(agentID), &m)
	if err != nil {
		return Meta{}, false, fmt.Errorf("load session meta for %s: %w", agentID, err)
	}
	return m, ok, nil
}

// Upsert applies a read-modify-write on the agent's metadata file:
// createdAt is preserved from the stored file (or set on first write),
// updatedAt is refreshed, and non-empty update fields replace the
// stored ones.
func (s *MetaStore) Upsert(agentID string, update MetaUpdate) (Meta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok, err := s.loadLocked(agentID)
	if err != nil {
		return Meta{}, err
	}
	now := s.now().UTC()
	if !ok || m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.AgentID = agentID
	m.UpdatedAt = now
	if update.Channel != "" {
		m.LastChannel = update.Channel
	}
	if update.AccountID != "" {
		m.LastAccountID = update.AccountID
	}
	if update.To != "" {
		m.LastTo = update.To
	}
	if update.SessionKey != "" {
		m.LastSessionKey = update.SessionKey
	}

	if err := store.WriteJSONAtomic(s.path(agentID), &m); err != nil {
		return Meta{}, fmt.Errorf("save session meta for %s: %w", agentID, err)
	}
	return m, nil
}
