package planning

import (
	"context"
	"errors"
	"sync"
	"time"

	"collab/internal/conversation"
)

// ErrPendingNotFound reports a resume for a pending plan that does not
// exist or already expired. Distinct from a user cancellation.
var ErrPendingNotFound = errors.New("pending plan not found")

// RequestConfig is the part of the original invocation that must survive the
// approval gate: an approved plan executes the way it was first requested,
// not the way the resume request happens to be shaped.
type RequestConfig struct {
	StreamTokens bool `json:"stream_tokens"`
}

// PendingPlan is the persisted state of a plan awaiting human approval. It
// outlives the request that created it and is consumed exactly once, either
// by a resume or by the approval timeout.
type PendingPlan struct {
	RequestID string              `json:"request_id"`
	SessionID string              `json:"session_id"`
	Plan      *Plan               `json:"plan"`
	UserInput string              `json:"user_input"`
	Config    RequestConfig       `json:"config"`
	History   []conversation.Item `json:"history,omitempty"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// PendingStore is keyed persistence for plans awaiting approval. It is the
// only state shared across request boundaries, so FetchAndDelete must be
// atomic: a given key is consumed by at most one of the racing paths
// (explicit resume vs. timeout).
type PendingStore interface {
	Save(ctx context.Context, pending PendingPlan) error
	FetchAndDelete(ctx context.Context, requestID string) (*PendingPlan, error)
	FetchAndDeleteBySession(ctx context.Context, sessionID string) (*PendingPlan, error)
	Delete(ctx context.Context, requestID string) error
}

// MemoryStore is an in-process PendingStore for tests and single-process
// deployments. Multi-instance deployments need the durable sqlite store.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]PendingPlan
	clockFn func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]PendingPlan), clockFn: time.Now}
}

// Save implements PendingStore.
func (s *MemoryStore) Save(_ context.Context, pending PendingPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[pending.RequestID] = pending
	return nil
}

// FetchAndDelete implements PendingStore.
func (s *MemoryStore) FetchAndDelete(_ context.Context, requestID string) (*PendingPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.byID[requestID]
	if !ok || s.expired(pending) {
		delete(s.byID, requestID)
		return nil, ErrPendingNotFound
	}
	delete(s.byID, requestID)
	return &pending, nil
}

// FetchAndDeleteBySession implements PendingStore.
func (s *MemoryStore) FetchAndDeleteBySession(_ context.Context, sessionID string) (*PendingPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for requestID, pending := range s.byID {
		if pending.SessionID != sessionID {
			continue
		}
		delete(s.byID, requestID)
		if s.expired(pending) {
			return nil, ErrPendingNotFound
		}
		return &pending, nil
	}
	return nil, ErrPendingNotFound
}

// Delete implements PendingStore. Deleting an absent key is not an error;
// the timeout path uses this after losing the race to a resume.
func (s *MemoryStore) Delete(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, requestID)
	return nil
}

func (s *MemoryStore) expired(pending PendingPlan) bool {
	return !pending.ExpiresAt.IsZero() && s.clockFn().After(pending.ExpiresAt)
}
