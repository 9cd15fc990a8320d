package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"github.com/shopspring/decimal"

	"goldclear.io/clearing/internal/api/handlers"
	"goldclear.io/clearing/internal/certificate"
	"goldclear.io/clearing/internal/config"
	"goldclear.io/clearing/internal/domain"
	"goldclear.io/clearing/internal/jobs"
	"goldclear.io/clearing/internal/logistics"
	"goldclear.io/clearing/internal/policy"
	"goldclear.io/clearing/internal/rail"
	"goldclear.io/clearing/internal/repository/postgres"
	"goldclear.io/clearing/internal/settlement"
)

// SettlementModule wires the settlement engine, its rails and carriers, and
// the settlement background jobs.
type SettlementModule struct {
	infra        *Infrastructure
	engine       *settlement.Engine
	certificates *certificate.Issuer
	reconcile    *jobs.LedgerReconcileWorker
	revalidate   *jobs.CorridorRevalidateWorker
}

// NewSettlementModule creates the settlement module. Compliance supplies
// policy evidence.
func NewSettlementModule(infra *Infrastructure, compliance *ComplianceModule) (*SettlementModule, error) {
	cfg := infra.Config

	payouts, err := newRailRouter(cfg.Rails)
	if err != nil {
		return nil, fmt.Errorf("init rail router: %w", err)
	}
	issuer, err := certificate.NewIssuer(cfg.Security.CertificateKey)
	if err != nil {
		return nil, fmt.Errorf("init certificate issuer: %w", err)
	}

	var store settlement.Store = settlement.NewMemoryStore()
	if !infra.Memory() {
		store = postgres.NewSettlementStore(infra.Pool)
	}

	engine := settlement.NewEngine(settlement.Deps{
		Store:     store,
		Policy:    policy.New(thresholds(cfg.Policy)),
		Capital:   infra.Capital,
		Reference: infra.RefData,
		Evidence:  compliance.Service(),
		Payouts:   payouts,
		Logistics: logistics.NewCarrierRouter(
			logistics.NewSandboxCarrier(logistics.CarrierBrinks),
			logistics.NewSandboxCarrier(logistics.CarrierMalcaAmit),
			cfg.Logistics.HighValueThresholdCents,
			cfg.Logistics.Timeout,
		),
		Events: infra.Events,
	})

	return &SettlementModule{
		infra:        infra,
		engine:       engine,
		certificates: issuer,
		reconcile:    jobs.NewLedgerReconcileWorker(engine, infra.Pools.Settlement),
		revalidate:   jobs.NewCorridorRevalidateWorker(engine, infra.Pools.Settlement),
	}, nil
}

func thresholds(p config.PolicyConfig) policy.Thresholds {
	return policy.Thresholds{
		HardstopCeiling:  p.HardstopCeilingDecimal(),
		HardstopWarn:     decimal.NewFromFloat(p.HardstopWarnLevel),
		RedBlockNotional: decimal.NewFromFloat(p.RedBlockNotionalUSD),
		RequireEvidence:  p.RequireEvidence,
	}
}

// newRailRouter builds the router over the sandbox rails. Rails named in
// SandboxFailRails start failed.
func newRailRouter(c config.RailsConfig) (*rail.Router, error) {
	failing := make(map[domain.Rail]bool, len(c.SandboxFailRails))
	for _, name := range c.SandboxFailRails {
		failing[domain.Rail(name)] = true
	}
	return rail.NewRouter(rail.Config{
		Mode:           rail.Mode(c.Mode),
		ThresholdCents: c.AutoThresholdCents,
		AttemptTimeout: c.AttemptTimeout,
		PlatformFeeBps: c.PlatformFeeBps,
	},
		rail.NewSandboxAdapter(domain.RailMoov, c.SandboxLatency, failing[domain.RailMoov]),
		rail.NewSandboxAdapter(domain.RailModernTreasury, c.SandboxLatency, failing[domain.RailModernTreasury]),
	)
}

// Engine returns the settlement engine.
func (m *SettlementModule) Engine() *settlement.Engine { return m.engine }

// RevalidateWorker returns the corridor revalidation worker.
func (m *SettlementModule) RevalidateWorker() *jobs.CorridorRevalidateWorker { return m.revalidate }

func (m *SettlementModule) Name() string { return "settlement" }

func (m *SettlementModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Engine = m.engine
	deps.Certificates = m.certificates
	deps.Capital = m.infra.Capital
}

func (m *SettlementModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil {
		return
	}
	river.AddWorker(workers, m.reconcile)
	river.AddWorker(workers, m.revalidate)
}

// PeriodicJobs schedules ledger reconciliation.
func (m *SettlementModule) PeriodicJobs() []*river.PeriodicJob {
	return []*river.PeriodicJob{jobs.ReconcilePeriodicJob(m.infra.Config.River.ReconcileInterval)}
}

func (m *SettlementModule) Shutdown(context.Context) error { return nil }
