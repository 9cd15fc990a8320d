package jobs

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"goldclear.io/clearing/internal/pkg/logger"
	"goldclear.io/clearing/internal/pkg/worker"
)

// Scheduler enqueues corridor revalidation.
type Scheduler interface {
	ScheduleRevalidation(ctx context.Context, corridorID, reason string) error
}

type inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverScheduler enqueues revalidation on River.
type RiverScheduler struct {
	client inserter
}

var _ inserter = (*river.Client[pgx.Tx])(nil)

// NewRiverScheduler creates a RiverScheduler.
func NewRiverScheduler(client *river.Client[pgx.Tx]) *RiverScheduler {
	return &RiverScheduler{client: client}
}

// ScheduleRevalidation implements Scheduler.
func (s *RiverScheduler) ScheduleRevalidation(ctx context.Context, corridorID, reason string) error {
	res, err := s.client.Insert(ctx, CorridorRevalidateArgs{CorridorID: corridorID, Reason: reason}, nil)
	if err != nil {
		return fmt.Errorf("enqueue corridor revalidation: %w", err)
	}
	logger.Info("corridor revalidation enqueued",
		zap.String("corridor_id", corridorID),
		zap.Int64("job_id", res.Job.ID),
	)
	return nil
}

// InlineScheduler runs revalidation on the detached general pool. It is
// used when the server runs without a database queue.
type InlineScheduler struct {
	worker *CorridorRevalidateWorker
	pools  *worker.Pools
}

// NewInlineScheduler creates an InlineScheduler.
func NewInlineScheduler(w *CorridorRevalidateWorker, pools *worker.Pools) *InlineScheduler {
	return &InlineScheduler{worker: w, pools: pools}
}

// ScheduleRevalidation implements Scheduler.
func (s *InlineScheduler) ScheduleRevalidation(_ context.Context, corridorID, reason string) error {
	args := CorridorRevalidateArgs{CorridorID: corridorID, Reason: reason}
	return s.pools.SubmitDetached("general", func(ctx context.Context) {
		if err := s.worker.Revalidate(ctx, args); err != nil {
			logger.Warn("inline corridor revalidation failed",
				zap.String("corridor_id", corridorID),
				zap.Error(err),
			)
		}
	})
}
