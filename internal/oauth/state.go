package oauth

import (
	"context"
	"errors"
	"sync"
	"time"

	"etsy-mcp/internal/clock"
)

const (
	// StateTTL is how long a pending authorization attempt stays valid.
	StateTTL = 5 * time.Minute
	// SweepInterval is how often expired attempts are evicted.
	SweepInterval = time.Minute
)

var (
	// ErrStateNotFound means the state was never issued, already consumed or expired.
	ErrStateNotFound = errors.New("state not found")
	// ErrStateExists is returned when putting a state value twice.
	ErrStateExists = errors.New("state already pending")
)

// pendingState is one in-flight authorization attempt.
type pendingState struct {
	verifier  string
	createdAt time.Time
}

// StateStore maps CSRF state values to their PKCE verifiers. Entries are
// single-use and expire after StateTTL.
type StateStore struct {
	clock clock.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]pendingState
}

// NewStateStore returns an empty store using clk.
func NewStateStore(clk clock.Clock) *StateStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &StateStore{
		clock:   clk,
		ttl:     StateTTL,
		entries: make(map[string]pendingState),
	}
}

// Put records a pending attempt.
func (s *StateStore) Put(state, verifier string) error {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[state]; ok && !s.expired(e, now) {
		return ErrStateExists
	}
	s.entries[state] = pendingState{verifier: verifier, createdAt: now}
	return nil
}

// Consume returns the verifier for state and removes the entry.
func (s *StateStore) Consume(state string) (string, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[state]
	if !ok {
		return "", ErrStateNotFound
	}
	delete(s.entries, state)
	if s.expired(e, now) {
		return "", ErrStateNotFound
	}
	return e.verifier, nil
}

// Sweep evicts expired entries and returns how many were removed.
func (s *StateStore) Sweep() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for state, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, state)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, expired or not.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps every interval until ctx is done.
func (s *StateStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *StateStore) expired(e pendingState, now time.Time) bool {
	return now.Sub(e.createdAt) >= s.ttl
}
