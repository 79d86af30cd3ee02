package access

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/dexterhq/dexter/internal/store"
)

// PairingRequest is an unapproved sender waiting for the operator.
type PairingRequest struct {
	Phone     string    `json:"phone"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
}

type pairingState struct {
	Requests map[string]PairingRequest `json:"requests"`
	Paired   map[string]time.Time      `json:"paired,omitempty"`
}

// PairingStore persists pairing codes and approvals keyed by normalized
// phone number. The file keeps a .bak sibling; losing it would strand
// senders who already received a code.
type PairingStore struct {
	mu    sync.Mutex
	file  *store.CredentialFile
	state pairingState
}

// NewPairingStore opens (or initializes) the pairing store at path.
func NewPairingStore(path string) (*PairingStore, error) {
	s := &PairingStore{file: store.NewCredentialFile(path)}
	if _, err := s.file.Load(&s.state); err != nil {
		return nil, fmt.Errorf("load pairing store: %w", err)
	}
	if s.state.Requests == nil {
		s.state.Requests = make(map[string]PairingRequest)
	}
	if s.state.Paired == nil {
		s.state.Paired = make(map[string]time.Time)
	}
	return s, nil
}

// GetOrCreate returns the pairing code for a phone, generating and
// persisting one on first sight. The first code persists; repeat
// messages from the same sender resend the same code.
func (s *PairingStore) GetOrCreate(phone string) (string, error) {
	key := NormalizeE164(phone)
	if key == "" {
		return "", fmt.Errorf("pairing: %q does not normalize to a phone number", phone)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req, ok := s.state.Requests[key]; ok {
		return req.Code, nil
	}

	code, err := generateCode()
	if err != nil {
		return "", err
	}
	s.state.Requests[key] = PairingRequest{
		Phone:     key,
		Code:      code,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.file.Save(&s.state); err != nil {
		delete(s.state.Requests, key)
		return "", fmt.Errorf("persist pairing request: %w", err)
	}
	return code, nil
}

// Approve resolves a code to its pending request, marks the phone as
// paired, and removes the request.
func (s *PairingStore) Approve(code string) (PairingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, req := range s.state.Requests {
		if req.Code != code {
			continue
		}
		delete(s.state.Requests, key)
		s.state.Paired[key] = time.Now().UTC()
		if err := s.file.Save(&s.state); err != nil {
			return PairingRequest{}, fmt.Errorf("persist pairing approval: %w", err)
		}
		return req, nil
	}
	return PairingRequest{}, fmt.Errorf("no pending pairing request with code %q", code)
}

// IsPaired reports whether a phone has been approved.
func (s *PairingStore) IsPaired(phone string) bool {
	key := NormalizeE164(phone)
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.Paired[key]
	return ok
}

// Pending lists open pairing requests, oldest first.
func (s *PairingStore) Pending() []PairingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PairingRequest, 0, len(s.state.Requests))
	for _, req := range s.state.Requests {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
