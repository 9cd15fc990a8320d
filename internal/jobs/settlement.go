package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"goldclear.io/clearing/internal/domain"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/pkg/logger"
	"goldclear.io/clearing/internal/pkg/worker"
)

// DefaultReconcileInterval applies when no interval is configured.
const DefaultReconcileInterval = 5 * time.Minute

// ---------------------------------------------------------------------------
// Ledger reconciliation
// ---------------------------------------------------------------------------

// LedgerReconcileArgs is a periodic job that replays the ledger of every open
// settlement and halts the ones whose ledger and stored status disagree.
type LedgerReconcileArgs struct{}

// Kind returns the job kind identifier for ledger reconciliation.
func (LedgerReconcileArgs) Kind() string { return "ledger_reconcile" }

// InsertOpts keeps at most one reconciliation per interval window.
func (LedgerReconcileArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// LedgerReconcileWorker runs Engine.Reconcile over open cases on the
// settlement worker pool.
type LedgerReconcileWorker struct {
	river.WorkerDefaults[LedgerReconcileArgs]
	engine Engine
	pool   *worker.Pool
}

// NewLedgerReconcileWorker creates a LedgerReconcileWorker.
func NewLedgerReconcileWorker(engine Engine, pool *worker.Pool) *LedgerReconcileWorker {
	return &LedgerReconcileWorker{engine: engine, pool: pool}
}

// Work reconciles every non-terminal case that is not already halted.
func (w *LedgerReconcileWorker) Work(ctx context.Context, _ *river.Job[LedgerReconcileArgs]) error {
	if w == nil || w.engine == nil || w.pool == nil {
		return fmt.Errorf("ledger reconcile worker is not initialized")
	}
	cases, err := w.engine.List(ctx, domain.SettlementFilter{})
	if err != nil {
		return fmt.Errorf("list settlements for reconciliation: %w", err)
	}
	ids := caseIDs(cases, func(c *domain.SettlementCase) bool {
		return !c.Status.IsTerminal() && c.Status != domain.SettlementAmbiguous
	})

	halted := make([]bool, len(ids))
	errs := worker.ForEach(ctx, w.pool, indexes(len(ids)), func(ctx context.Context, i int) error {
		ambiguous, err := w.engine.Reconcile(ctx, ids[i])
		halted[i] = ambiguous
		return err
	})

	var count int
	for _, h := range halted {
		if h {
			count++
		}
	}
	logger.Info("ledger reconciliation completed",
		zap.Int("checked", len(ids)),
		zap.Int("halted", count),
	)
	return joinFailures(LedgerReconcileArgs{}.Kind(), ids, errs)
}

// ReconcilePeriodicJob schedules LedgerReconcileArgs every interval, starting
// at boot.
func ReconcilePeriodicJob(interval time.Duration) *river.PeriodicJob {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return LedgerReconcileArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

// ---------------------------------------------------------------------------
// Corridor revalidation
// ---------------------------------------------------------------------------

// CorridorRevalidateArgs re-runs the policy for authorized settlements in a
// corridor after its status changed.
type CorridorRevalidateArgs struct {
	CorridorID string `json:"corridor_id"`
	Reason     string `json:"reason"`
}

// Kind returns the job kind identifier for corridor revalidation.
func (CorridorRevalidateArgs) Kind() string { return "corridor_revalidate" }

// InsertOpts returns default insert options for revalidation jobs.
func (CorridorRevalidateArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 3,
	}
}

// CorridorRevalidateWorker runs Engine.Recheck on AUTHORIZED cases of one
// corridor. A case that fails the recheck keeps its status; DvP re-evaluates
// and records DVP_BLOCKED.
type CorridorRevalidateWorker struct {
	river.WorkerDefaults[CorridorRevalidateArgs]
	engine Engine
	pool   *worker.Pool
}

// NewCorridorRevalidateWorker creates a CorridorRevalidateWorker.
func NewCorridorRevalidateWorker(engine Engine, pool *worker.Pool) *CorridorRevalidateWorker {
	return &CorridorRevalidateWorker{engine: engine, pool: pool}
}

// Work rechecks the corridor's authorized cases.
func (w *CorridorRevalidateWorker) Work(ctx context.Context, job *river.Job[CorridorRevalidateArgs]) error {
	if w == nil || w.engine == nil || w.pool == nil {
		return fmt.Errorf("corridor revalidate worker is not initialized")
	}
	return w.Revalidate(ctx, job.Args)
}

// Revalidate is the job body, also used when no queue is configured.
func (w *CorridorRevalidateWorker) Revalidate(ctx context.Context, args CorridorRevalidateArgs) error {
	if args.CorridorID == "" {
		return fmt.Errorf("corridor revalidation without corridor id")
	}
	cases, err := w.engine.List(ctx, domain.SettlementFilter{
		Status:     domain.SettlementAuthorized,
		CorridorID: args.CorridorID,
	})
	if err != nil {
		return fmt.Errorf("list authorized settlements in %s: %w", args.CorridorID, err)
	}
	ids := caseIDs(cases, func(*domain.SettlementCase) bool { return true })
	reason := args.Reason
	if reason == "" {
		reason = "corridor " + args.CorridorID + " changed"
	}

	errs := worker.ForEach(ctx, w.pool, ids, func(ctx context.Context, id string) error {
		_, err := w.engine.Recheck(ctx, id, reason)
		// Halted cases wait for an operator; retrying cannot help.
		if errors.Is(err, apperrors.ErrAmbiguousState) {
			return nil
		}
		return err
	})
	logger.Info("corridor revalidation completed",
		zap.String("corridor_id", args.CorridorID),
		zap.Int("rechecked", len(ids)),
	)
	return joinFailures(CorridorRevalidateArgs{}.Kind(), ids, errs)
}

func indexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
