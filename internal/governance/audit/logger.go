// Package audit implements the audit logging service.
//
// Audit logs are append-only compliance records. Hard-delete is NOT allowed.
//
// Import Path: goldclear.io/clearing/internal/governance/audit
package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"goldclear.io/clearing/internal/domain"
	"goldclear.io/clearing/internal/pkg/logger"
)

// Record is one audit log row.
type Record struct {
	ID           string                 `json:"id"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Actor        string                 `json:"actor"`
	Details      map[string]interface{} `json:"details,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Store persists audit records. Implementations must not update or delete.
type Store interface {
	Insert(ctx context.Context, r Record) error
	List(ctx context.Context, resourceType, resourceID string) ([]Record, error)
}

// Resource types.
const (
	ResourceSettlement     = "settlement"
	ResourceCorridor       = "corridor"
	ResourceComplianceCase = "compliance_case"
)

// Logger writes audit records.
type Logger struct {
	store Store
	now   func() time.Time
}

// NewLogger creates a new audit Logger.
func NewLogger(store Store) *Logger {
	return &Logger{store: store, now: time.Now}
}

// LogAction records an auditable action.
func (l *Logger) LogAction(ctx context.Context, action, resourceType, resourceID, actor string, details map[string]interface{}) error {
	err := l.store.Insert(ctx, Record{
		ID:           generateAuditID(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Actor:        actor,
		Details:      details,
		CreatedAt:    l.now().UTC(),
	})
	if err != nil {
		logger.Error("Failed to write audit log",
			zap.String("action", action),
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// LogCorridorStatus records an operator changing a corridor's status.
func (l *Logger) LogCorridorStatus(ctx context.Context, corridorID string, from, to, actor string) error {
	return l.LogAction(ctx, "corridor.status_changed", ResourceCorridor, corridorID, actor, map[string]interface{}{
		"from": from,
		"to":   to,
	})
}

// LogComplianceTransition records a compliance case status change.
func (l *Logger) LogComplianceTransition(ctx context.Context, c *domain.ComplianceCase, from domain.ComplianceStatus, actor string) error {
	return l.LogAction(ctx, "compliance.status_changed", ResourceComplianceCase, c.ID, actor, map[string]interface{}{
		"from":    string(from),
		"to":      string(c.Status),
		"user_id": c.UserID,
	})
}

// History returns the audit trail of one resource, oldest first.
func (l *Logger) History(ctx context.Context, resourceType, resourceID string) ([]Record, error) {
	return l.store.List(ctx, resourceType, resourceID)
}

// mirrored reports whether a ledger entry is also written to the audit log:
// authority decisions, terminal outcomes and operator interventions.
func mirrored(t domain.LedgerEntryType) bool {
	switch t {
	case domain.EntryCaseOpened, domain.EntryAuthorization, domain.EntryDvPExecuted,
		domain.EntryDvPBlocked, domain.EntrySettlementFailed, domain.EntryCancelled,
		domain.EntryAmbiguousDetected, domain.EntryOperatorReconciled:
		return true
	case domain.EntryEscrowOpened, domain.EntryFundingRequested, domain.EntryFundsConfirmed,
		domain.EntryGoldAllocated, domain.EntryVerificationCleared,
		domain.EntryLogisticsFailed, domain.EntryPolicyRecheck:
		return false
	}
	return false
}

// LifecycleHandler returns a domain.EventHandler that mirrors audited ledger
// entries into the audit log.
func (l *Logger) LifecycleHandler() domain.EventHandler {
	return func(ctx context.Context, ev domain.LifecycleEvent) error {
		if !mirrored(ev.Entry.Type) {
			return nil
		}
		details := map[string]interface{}{
			"seq":        ev.Entry.Seq,
			"status":     string(ev.Entry.Status),
			"actor_role": string(ev.Entry.ActorRole),
			"order_id":   ev.Case.OrderID,
		}
		for k, v := range ev.Entry.Detail {
			details[k] = v
		}
		return l.LogAction(ctx, "settlement."+string(ev.Entry.Type), ResourceSettlement, ev.Entry.SettlementID, ev.Entry.Actor, details)
	}
}

func generateAuditID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return fmt.Sprintf("audit-%s", id.String())
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, resourceType, resourceID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.ResourceType == resourceType && r.ResourceID == resourceID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
