package modules

import (
	"context"

	"github.com/riverqueue/river"

	"goldclear.io/clearing/internal/api/handlers"
	"goldclear.io/clearing/internal/jobs"
	"goldclear.io/clearing/internal/refdata"
)

// CorridorModule wires corridor administration. It is created after the
// River client so revalidation can be enqueued.
type CorridorModule struct {
	admin *refdata.CorridorAdmin
}

// NewCorridorModule creates the corridor module. Without a queue,
// revalidation runs inline on the general worker pool.
func NewCorridorModule(infra *Infrastructure, settlements *SettlementModule) *CorridorModule {
	var scheduler jobs.Scheduler
	if infra.RiverClient != nil {
		scheduler = jobs.NewRiverScheduler(infra.RiverClient)
	} else {
		scheduler = jobs.NewInlineScheduler(settlements.RevalidateWorker(), infra.Pools)
	}
	return &CorridorModule{admin: refdata.NewCorridorAdmin(infra.RefData, infra.Audit, scheduler)}
}

func (m *CorridorModule) Name() string { return "corridor" }

func (m *CorridorModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Corridors = m.admin
}

func (m *CorridorModule) RegisterWorkers(_ *river.Workers) {}

func (m *CorridorModule) Shutdown(context.Context) error { return nil }
