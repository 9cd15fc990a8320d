// Package jobs defines River Queue job types for background settlement work.
//
// Jobs carry identifiers only; workers reload state through the settlement
// engine, which takes the per-settlement lock.
//
// Import Path: goldclear.io/clearing/internal/jobs
package jobs

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"goldclear.io/clearing/internal/domain"
	"goldclear.io/clearing/internal/pkg/logger"
	"goldclear.io/clearing/internal/settlement"
)

// Engine is the part of the settlement engine the workers drive.
type Engine interface {
	List(ctx context.Context, filter domain.SettlementFilter) ([]*domain.SettlementCase, error)
	Reconcile(ctx context.Context, id string) (bool, error)
	Recheck(ctx context.Context, id, reason string) (*settlement.Result, error)
}

// caseIDs returns the IDs of cases that keep is true for.
func caseIDs(cases []*domain.SettlementCase, keep func(*domain.SettlementCase) bool) []string {
	ids := make([]string, 0, len(cases))
	for _, c := range cases {
		if keep(c) {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// joinFailures logs every per-case failure and returns them joined. A job
// with failures is retried by River.
func joinFailures(job string, ids []string, errs []error) error {
	var failed []error
	for i, err := range errs {
		if err == nil {
			continue
		}
		logger.Warn("settlement job item failed",
			zap.String("job", job),
			zap.String("settlement_id", ids[i]),
			zap.Error(err),
		)
		failed = append(failed, err)
	}
	return errors.Join(failed...)
}
