// Package refdata holds counterparty and corridor reference data.
//
// Import Path: goldclear.io/clearing/internal/refdata
package refdata

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/policy"
)

// Store reads and maintains reference data. Missing records wrap
// apperrors.ErrNotFound.
type Store interface {
	Counterparty(ctx context.Context, orgID string) (policy.Counterparty, error)
	Corridor(ctx context.Context, id string) (policy.Corridor, error)
	ListCorridors(ctx context.Context) ([]policy.Corridor, error)
	UpsertCounterparty(ctx context.Context, cp policy.Counterparty) error
	UpsertCorridor(ctx context.Context, c policy.Corridor) error
	// SetCorridorStatus changes a corridor's status and returns the previous one.
	SetCorridorStatus(ctx context.Context, id string, status policy.CorridorStatus) (policy.CorridorStatus, error)
}

// ValidCorridorStatus reports whether s is a known corridor status.
func ValidCorridorStatus(s policy.CorridorStatus) bool {
	switch s {
	case policy.CorridorActive, policy.CorridorRestricted, policy.CorridorSuspended:
		return true
	}
	return false
}

// MemoryStore is an in-process Store for tests and the sandbox profile.
type MemoryStore struct {
	mu             sync.RWMutex
	counterparties map[string]policy.Counterparty
	corridors      map[string]policy.Corridor
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counterparties: make(map[string]policy.Counterparty),
		corridors:      make(map[string]policy.Corridor),
	}
}

// Counterparty implements Store.
func (s *MemoryStore) Counterparty(_ context.Context, orgID string) (policy.Counterparty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.counterparties[orgID]
	if !ok {
		return policy.Counterparty{}, fmt.Errorf("counterparty %s: %w", orgID, apperrors.ErrNotFound)
	}
	return cp, nil
}

// Corridor implements Store.
func (s *MemoryStore) Corridor(_ context.Context, id string) (policy.Corridor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.corridors[id]
	if !ok {
		return policy.Corridor{}, fmt.Errorf("corridor %s: %w", id, apperrors.ErrNotFound)
	}
	return c, nil
}

// ListCorridors implements Store.
func (s *MemoryStore) ListCorridors(context.Context) ([]policy.Corridor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]policy.Corridor, 0, len(s.corridors))
	for _, c := range s.corridors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpsertCounterparty implements Store.
func (s *MemoryStore) UpsertCounterparty(_ context.Context, cp policy.Counterparty) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counterparties[cp.OrgID] = cp
	return nil
}

// UpsertCorridor implements Store.
func (s *MemoryStore) UpsertCorridor(_ context.Context, c policy.Corridor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corridors[c.ID] = c
	return nil
}

// SetCorridorStatus implements Store.
func (s *MemoryStore) SetCorridorStatus(_ context.Context, id string, status policy.CorridorStatus) (policy.CorridorStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.corridors[id]
	if !ok {
		return "", fmt.Errorf("corridor %s: %w", id, apperrors.ErrNotFound)
	}
	prev := c.Status
	c.Status = status
	s.corridors[id] = c
	return prev, nil
}
