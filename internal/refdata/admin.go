package refdata

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"goldclear.io/clearing/internal/domain"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/pkg/logger"
	"goldclear.io/clearing/internal/policy"
)

// Auditor records corridor status changes.
type Auditor interface {
	LogCorridorStatus(ctx context.Context, corridorID string, from, to, actor string) error
}

// Revalidator re-runs the policy for settlements in a corridor.
type Revalidator interface {
	ScheduleRevalidation(ctx context.Context, corridorID, reason string) error
}

// CorridorAdmin changes corridor status on behalf of operators.
type CorridorAdmin struct {
	store       Store
	audit       Auditor
	revalidator Revalidator
}

// NewCorridorAdmin creates a CorridorAdmin. audit and revalidator may be nil.
func NewCorridorAdmin(store Store, audit Auditor, revalidator Revalidator) *CorridorAdmin {
	return &CorridorAdmin{store: store, audit: audit, revalidator: revalidator}
}

// List returns all corridors.
func (a *CorridorAdmin) List(ctx context.Context) ([]policy.Corridor, error) {
	return a.store.ListCorridors(ctx)
}

// SetStatus changes a corridor's status. When the status actually changes,
// AUTHORIZED settlements in the corridor are scheduled for revalidation;
// a scheduling failure is logged and does not undo the change.
func (a *CorridorAdmin) SetStatus(ctx context.Context, actor domain.Actor, id string, status policy.CorridorStatus, reason string) (policy.Corridor, error) {
	if !actor.Has(domain.RoleOpsAdmin) && !actor.Has(domain.RoleCompliance) {
		return policy.Corridor{}, apperrors.ErrRoleNotPermittedf("set_corridor_status", actor.RoleList())
	}
	if !ValidCorridorStatus(status) {
		return policy.Corridor{}, apperrors.ErrInvalidRequestFieldf("status")
	}

	prev, err := a.store.SetCorridorStatus(ctx, id, status)
	if errors.Is(err, apperrors.ErrNotFound) {
		return policy.Corridor{}, apperrors.NotFound(apperrors.CodeCorridorNotFound, "corridor not found").
			WithParams(map[string]interface{}{"corridor_id": id})
	}
	if err != nil {
		return policy.Corridor{}, fmt.Errorf("set corridor %s status: %w", id, err)
	}

	logger.Info("Corridor status changed",
		zap.String("corridor_id", id),
		zap.String("from", string(prev)),
		zap.String("to", string(status)),
		zap.String("actor", actor.UserID),
	)
	if a.audit != nil {
		if err := a.audit.LogCorridorStatus(ctx, id, string(prev), string(status), actor.UserID); err != nil {
			logger.Warn("failed to audit corridor status change", zap.String("corridor_id", id), zap.Error(err))
		}
	}
	if prev != status && a.revalidator != nil {
		if reason == "" {
			reason = fmt.Sprintf("corridor %s %s -> %s", id, prev, status)
		}
		if err := a.revalidator.ScheduleRevalidation(ctx, id, reason); err != nil {
			logger.Error("failed to schedule corridor revalidation", zap.String("corridor_id", id), zap.Error(err))
		}
	}
	return a.store.Corridor(ctx, id)
}
