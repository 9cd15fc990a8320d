package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"goldclear.io/clearing/internal/domain"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
)

// Commit is one atomic write: a compare-and-swap on case status plus the
// ledger entries that justify it.
type Commit struct {
	SettlementID string
	Expected     domain.SettlementStatus
	Next         domain.SettlementStatus
	Rail         domain.Rail // set on the case when non-empty
	Entries      []domain.LedgerEntry
	UpdatedAt    time.Time
}

// Store persists settlement cases and their ledgers. The ledger surface is
// append (through Create/Apply) and ReadSince only.
type Store interface {
	// Create inserts a case with its opening ledger entry.
	Create(ctx context.Context, c *domain.SettlementCase, opening domain.LedgerEntry) error
	// Get returns a case; a missing case wraps apperrors.ErrNotFound.
	Get(ctx context.Context, id string) (*domain.SettlementCase, error)
	// List returns cases matching filter, newest first.
	List(ctx context.Context, filter domain.SettlementFilter) ([]*domain.SettlementCase, error)
	// Apply performs the commit atomically. It fails with an error wrapping
	// apperrors.ErrConflict when the stored status differs from Expected or an
	// entry sequence number is already taken.
	Apply(ctx context.Context, c Commit) error
	// ReadSince returns entries with Seq > afterSeq in order.
	ReadSince(ctx context.Context, id string, afterSeq int64) ([]domain.LedgerEntry, error)
}

// MemoryStore is an in-process Store used by tests and the sandbox profile.
type MemoryStore struct {
	mu      sync.RWMutex
	cases   map[string]domain.SettlementCase
	entries map[string][]domain.LedgerEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:   make(map[string]domain.SettlementCase),
		entries: make(map[string][]domain.LedgerEntry),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, c *domain.SettlementCase, opening domain.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cases[c.ID]; exists {
		return fmt.Errorf("settlement %s: %w", c.ID, apperrors.ErrAlreadyExists)
	}
	for _, existing := range s.cases {
		if existing.OrderID == c.OrderID && !existing.Status.IsTerminal() {
			return fmt.Errorf("order %s already has open settlement %s: %w", c.OrderID, existing.ID, apperrors.ErrAlreadyExists)
		}
	}
	s.cases[c.ID] = *c
	s.entries[c.ID] = []domain.LedgerEntry{cloneEntry(opening)}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*domain.SettlementCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", id, apperrors.ErrNotFound)
	}
	return &c, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, f domain.SettlementFilter) ([]*domain.SettlementCase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.SettlementCase, 0, len(s.cases))
	for _, c := range s.cases {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.CorridorID != "" && c.CorridorID != f.CorridorID {
			continue
		}
		if f.OrgID != "" && c.BuyerOrgID != f.OrgID && c.SellerOrgID != f.OrgID {
			continue
		}
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Apply implements Store.
func (s *MemoryStore) Apply(_ context.Context, cm Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[cm.SettlementID]
	if !ok {
		return fmt.Errorf("settlement %s: %w", cm.SettlementID, apperrors.ErrNotFound)
	}
	if c.Status != cm.Expected {
		return fmt.Errorf("settlement %s status is %s, expected %s: %w", c.ID, c.Status, cm.Expected, apperrors.ErrConflict)
	}
	ledger := s.entries[c.ID]
	next := int64(len(ledger)) + 1
	for _, e := range cm.Entries {
		if e.Seq != next {
			return fmt.Errorf("settlement %s seq %d already taken: %w", c.ID, e.Seq, apperrors.ErrConflict)
		}
		next++
	}

	for _, e := range cm.Entries {
		ledger = append(ledger, cloneEntry(e))
	}
	s.entries[c.ID] = ledger
	c.Status = cm.Next
	if cm.Rail != "" {
		c.Rail = cm.Rail
	}
	c.UpdatedAt = cm.UpdatedAt
	s.cases[c.ID] = c
	return nil
}

// ReadSince implements Store.
func (s *MemoryStore) ReadSince(_ context.Context, id string, afterSeq int64) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ledger, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", id, apperrors.ErrNotFound)
	}
	var out []domain.LedgerEntry
	for _, e := range ledger {
		if e.Seq > afterSeq {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

// ForceStatus overwrites a stored status without a ledger entry. It exists
// only to simulate external tampering in reconciliation tests.
func (s *MemoryStore) ForceStatus(id string, status domain.SettlementStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cases[id]
	c.Status = status
	s.cases[id] = c
}

func cloneEntry(e domain.LedgerEntry) domain.LedgerEntry {
	if e.Detail != nil {
		d := make(map[string]string, len(e.Detail))
		for k, v := range e.Detail {
			d[k] = v
		}
		e.Detail = d
	}
	e.Snapshot.Blockers = append([]string(nil), e.Snapshot.Blockers...)
	e.Snapshot.Warnings = append([]string(nil), e.Snapshot.Warnings...)
	return e
}
