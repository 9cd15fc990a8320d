package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goldclear.io/clearing/internal/domain"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/pkg/worker"
	"goldclear.io/clearing/internal/settlement"
)

type fakeEngine struct {
	mu         sync.Mutex
	cases      []*domain.SettlementCase
	ambiguous  map[string]bool
	failing    map[string]error
	reconciled []string
	rechecked  []string
	filters    []domain.SettlementFilter
}

func (f *fakeEngine) List(_ context.Context, filter domain.SettlementFilter) ([]*domain.SettlementCase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	var out []*domain.SettlementCase
	for _, c := range f.cases {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.CorridorID != "" && c.CorridorID != filter.CorridorID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeEngine) Reconcile(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = append(f.reconciled, id)
	return f.ambiguous[id], f.failing[id]
}

func (f *fakeEngine) Recheck(_ context.Context, id, reason string) (*settlement.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rechecked = append(f.rechecked, id+":"+reason)
	if err := f.failing[id]; err != nil {
		return nil, err
	}
	return &settlement.Result{}, nil
}

func newPools(t *testing.T) *worker.Pools {
	t.Helper()
	pools, err := worker.NewPools(context.Background(), worker.PoolConfig{GeneralPoolSize: 2, SettlementPoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)
	return pools
}

func TestLedgerReconcileArgs(t *testing.T) {
	t.Parallel()

	if got := (LedgerReconcileArgs{}).Kind(); got != "ledger_reconcile" {
		t.Fatalf("Kind() = %q, want %q", got, "ledger_reconcile")
	}
	opts := (LedgerReconcileArgs{}).InsertOpts()
	if opts.Queue != river.QueueDefault {
		t.Fatalf("Queue = %q, want %q", opts.Queue, river.QueueDefault)
	}
	if !opts.UniqueOpts.ByArgs || opts.UniqueOpts.ByPeriod != time.Minute {
		t.Fatalf("UniqueOpts = %+v, want unique by args per minute", opts.UniqueOpts)
	}
	if (CorridorRevalidateArgs{}).Kind() != "corridor_revalidate" {
		t.Fatal("unexpected corridor revalidation kind")
	}
}

func TestReconcilePeriodicJob(t *testing.T) {
	t.Parallel()

	assert.NotNil(t, ReconcilePeriodicJob(0))
	assert.NotNil(t, ReconcilePeriodicJob(time.Minute))
}

func TestLedgerReconcileWorker_Work(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{
		cases: []*domain.SettlementCase{
			{ID: "stl-open", Status: domain.SettlementAwaitingFunds},
			{ID: "stl-drifted", Status: domain.SettlementAuthorized},
			{ID: "stl-done", Status: domain.SettlementSettled},
			{ID: "stl-halted", Status: domain.SettlementAmbiguous},
		},
		ambiguous: map[string]bool{"stl-drifted": true},
	}
	w := NewLedgerReconcileWorker(engine, newPools(t).Settlement)

	require.NoError(t, w.Work(context.Background(), &river.Job[LedgerReconcileArgs]{}))
	assert.ElementsMatch(t, []string{"stl-open", "stl-drifted"}, engine.reconciled)
}

func TestLedgerReconcileWorker_ReportsFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	engine := &fakeEngine{
		cases:   []*domain.SettlementCase{{ID: "stl-1", Status: domain.SettlementDraft}, {ID: "stl-2", Status: domain.SettlementDraft}},
		failing: map[string]error{"stl-2": boom},
	}
	w := NewLedgerReconcileWorker(engine, newPools(t).Settlement)

	err := w.Work(context.Background(), &river.Job[LedgerReconcileArgs]{})
	require.ErrorIs(t, err, boom)
	assert.Len(t, engine.reconciled, 2)
}

func TestWorkers_Uninitialized(t *testing.T) {
	t.Parallel()

	var rw *LedgerReconcileWorker
	err := rw.Work(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "not initialized") {
		t.Fatalf("Work() error = %v, want contains %q", err, "not initialized")
	}
	cw := &CorridorRevalidateWorker{}
	err = cw.Work(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "not initialized") {
		t.Fatalf("Work() error = %v, want contains %q", err, "not initialized")
	}
}

func TestCorridorRevalidateWorker_Work(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{
		cases: []*domain.SettlementCase{
			{ID: "stl-a", Status: domain.SettlementAuthorized, CorridorID: "CH-GB"},
			{ID: "stl-b", Status: domain.SettlementReadyToSettle, CorridorID: "CH-GB"},
			{ID: "stl-c", Status: domain.SettlementAuthorized, CorridorID: "AE-IN"},
			{ID: "stl-d", Status: domain.SettlementAuthorized, CorridorID: "CH-GB"},
		},
		failing: map[string]error{"stl-d": apperrors.ErrAmbiguousState},
	}
	w := NewCorridorRevalidateWorker(engine, newPools(t).Settlement)

	err := w.Work(context.Background(), &river.Job[CorridorRevalidateArgs]{
		Args: CorridorRevalidateArgs{CorridorID: "CH-GB", Reason: "corridor suspended"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"stl-a:corridor suspended", "stl-d:corridor suspended"}, engine.rechecked)
	require.Len(t, engine.filters, 1)
	assert.Equal(t, domain.SettlementAuthorized, engine.filters[0].Status)

	require.Error(t, w.Revalidate(context.Background(), CorridorRevalidateArgs{}))
}

func TestInlineScheduler(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{
		cases: []*domain.SettlementCase{{ID: "stl-a", Status: domain.SettlementAuthorized, CorridorID: "CH-GB"}},
	}
	pools := newPools(t)
	s := NewInlineScheduler(NewCorridorRevalidateWorker(engine, pools.Settlement), pools)

	require.NoError(t, s.ScheduleRevalidation(context.Background(), "CH-GB", ""))
	require.Eventually(t, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		return len(engine.rechecked) == 1
	}, 2*time.Second, 10*time.Millisecond)
	engine.mu.Lock()
	assert.Equal(t, "stl-a:corridor CH-GB changed", engine.rechecked[0])
	engine.mu.Unlock()
}
