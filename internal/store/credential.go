package store

import (
	"encoding/json"
	"os"
)

// CredentialFile is a JSON file with a rolling .bak copy. Before each save
// the current file, if it still parses, is copied to <path>.bak; a load
// that finds the primary missing or corrupt falls back to the backup iff
// the backup parses. Used for stores whose loss is expensive to the user
// (pairing codes, linked-device credentials).
type CredentialFile struct {
	path string
	mode os.FileMode
}

// NewCredentialFile returns a credential-backed JSON file at path.
func NewCredentialFile(path string) *CredentialFile {
	return &CredentialFile{path: path, mode: 0o600}
}

// Path returns the primary file path.
func (c *CredentialFile) Path() string { return c.path }

func (c *CredentialFile) backupPath() string { return c.path + ".bak" }

// Load parses the primary file into out, restoring from .bak when the
// primary is missing or corrupt. Returns false when neither parses;
// callers start with empty state in that case.
func (c *CredentialFile) Load(out interface{}) (bool, error) {
	data, err := os.ReadFile(c.path)
	if err == nil && json.Valid(data) {
		return true, json.Unmarshal(data, out)
	}
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}

	bak, bakErr := os.ReadFile(c.backupPath())
	if bakErr != nil || !json.Valid(bak) {
		return false, nil
	}
	if err := json.Unmarshal(bak, out); err != nil {
		return false, nil
	}
	// Heal the primary from the backup so the next load is clean.
	if werr := WriteFileAtomic(c.path, bak); werr == nil {
		os.Chmod(c.path, c.mode)
	}
	return true, nil
}

// Save backs up the current file when it parses, then atomically writes v.
func (c *CredentialFile) Save(v interface{}) error {
	if cur, err := os.ReadFile(c.path); err == nil && json.Valid(cur) {
		if err := WriteFileAtomic(c.backupPath(), cur); err != nil {
			return err
		}
		os.Chmod(c.backupPath(), c.mode)
	}

	if err := WriteJSONAtomic(c.path, v); err != nil {
		return err
	}
	return os.Chmod(c.path, c.mode)
}
