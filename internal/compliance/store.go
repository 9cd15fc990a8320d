package compliance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"goldclear.io/clearing/internal/domain"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
)

// StatusUpdate is a compare-and-swap on a case's status. The event is
// appended in the same write.
type StatusUpdate struct {
	CaseID   string
	Expected domain.ComplianceStatus
	Target   domain.ComplianceStatus
	// Tier and InquiryID are left unchanged when empty.
	Tier      domain.ComplianceTier
	InquiryID string
	Event     domain.ComplianceEvent
	UpdatedAt time.Time
}

// Store persists compliance cases and their events.
//
// Missing cases wrap apperrors.ErrNotFound. UpdateStatus wraps
// apperrors.ErrConflict when the stored status differs from Expected.
type Store interface {
	// Upsert creates the case for c.UserID, or returns the existing one with
	// created=false. The event is recorded only on creation.
	Upsert(ctx context.Context, c *domain.ComplianceCase, ev domain.ComplianceEvent) (*domain.ComplianceCase, bool, error)
	Get(ctx context.Context, id string) (*domain.ComplianceCase, error)
	GetByUser(ctx context.Context, userID string) (*domain.ComplianceCase, error)
	GetByInquiry(ctx context.Context, inquiryID string) (*domain.ComplianceCase, error)
	ListByOrg(ctx context.Context, orgID string) ([]*domain.ComplianceCase, error)
	UpdateStatus(ctx context.Context, u StatusUpdate) (*domain.ComplianceCase, error)
	AppendEvent(ctx context.Context, ev domain.ComplianceEvent) error
	Events(ctx context.Context, caseID string) ([]domain.ComplianceEvent, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	cases  map[string]domain.ComplianceCase
	byUser map[string]string
	events map[string][]domain.ComplianceEvent
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:  make(map[string]domain.ComplianceCase),
		byUser: make(map[string]string),
		events: make(map[string][]domain.ComplianceEvent),
	}
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, c *domain.ComplianceCase, ev domain.ComplianceEvent) (*domain.ComplianceCase, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byUser[c.UserID]; ok {
		existing := s.cases[id]
		return &existing, false, nil
	}
	s.cases[c.ID] = *c
	s.byUser[c.UserID] = c.ID
	s.events[c.ID] = append(s.events[c.ID], cloneEvent(ev))
	out := *c
	return &out, true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*domain.ComplianceCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, fmt.Errorf("compliance case %s: %w", id, apperrors.ErrNotFound)
	}
	return &c, nil
}

// GetByUser implements Store.
func (s *MemoryStore) GetByUser(_ context.Context, userID string) (*domain.ComplianceCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byUser[userID]
	if !ok {
		return nil, fmt.Errorf("compliance case for user %s: %w", userID, apperrors.ErrNotFound)
	}
	c := s.cases[id]
	return &c, nil
}

// GetByInquiry implements Store.
func (s *MemoryStore) GetByInquiry(_ context.Context, inquiryID string) (*domain.ComplianceCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cases {
		if inquiryID != "" && c.ProviderInquiryID == inquiryID {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("compliance case for inquiry %s: %w", inquiryID, apperrors.ErrNotFound)
}

// ListByOrg implements Store.
func (s *MemoryStore) ListByOrg(_ context.Context, orgID string) ([]*domain.ComplianceCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ComplianceCase
	for _, c := range s.cases {
		if c.OrgID == orgID {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// UpdateStatus implements Store.
func (s *MemoryStore) UpdateStatus(_ context.Context, u StatusUpdate) (*domain.ComplianceCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[u.CaseID]
	if !ok {
		return nil, fmt.Errorf("compliance case %s: %w", u.CaseID, apperrors.ErrNotFound)
	}
	if c.Status != u.Expected {
		return nil, fmt.Errorf("compliance case %s status is %s, expected %s: %w",
			u.CaseID, c.Status, u.Expected, apperrors.ErrConflict)
	}
	c.Status = u.Target
	if u.Tier != "" {
		c.Tier = u.Tier
	}
	if u.InquiryID != "" {
		c.ProviderInquiryID = u.InquiryID
	}
	c.UpdatedAt = u.UpdatedAt
	s.cases[c.ID] = c
	s.events[c.ID] = append(s.events[c.ID], cloneEvent(u.Event))
	return &c, nil
}

// AppendEvent implements Store.
func (s *MemoryStore) AppendEvent(_ context.Context, ev domain.ComplianceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[ev.CaseID]; !ok {
		return fmt.Errorf("compliance case %s: %w", ev.CaseID, apperrors.ErrNotFound)
	}
	s.events[ev.CaseID] = append(s.events[ev.CaseID], cloneEvent(ev))
	return nil
}

// Events implements Store.
func (s *MemoryStore) Events(_ context.Context, caseID string) ([]domain.ComplianceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[caseID]; !ok {
		return nil, fmt.Errorf("compliance case %s: %w", caseID, apperrors.ErrNotFound)
	}
	out := make([]domain.ComplianceEvent, len(s.events[caseID]))
	for i, ev := range s.events[caseID] {
		out[i] = cloneEvent(ev)
	}
	return out, nil
}

func cloneEvent(ev domain.ComplianceEvent) domain.ComplianceEvent {
	if ev.Details != nil {
		d := make(map[string]string, len(ev.Details))
		for k, v := range ev.Details {
			d[k] = v
		}
		ev.Details = d
	}
	return ev
}
