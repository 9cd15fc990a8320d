package modules

import (
	"context"

	"github.com/riverqueue/river"

	"goldclear.io/clearing/internal/api/handlers"
	"goldclear.io/clearing/internal/compliance"
	"goldclear.io/clearing/internal/repository/postgres"
)

// ComplianceModule wires the compliance case service.
type ComplianceModule struct {
	service *compliance.Service
}

// NewComplianceModule creates the compliance module.
func NewComplianceModule(infra *Infrastructure) *ComplianceModule {
	var store compliance.Store = compliance.NewMemoryStore()
	if !infra.Memory() {
		store = postgres.NewComplianceStore(infra.Pool)
	}
	return &ComplianceModule{service: compliance.NewService(store)}
}

// Service returns the case service. It also serves capability checks and
// settlement evidence.
func (m *ComplianceModule) Service() *compliance.Service { return m.service }

func (m *ComplianceModule) Name() string { return "compliance" }

func (m *ComplianceModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Compliance = m.service
}

func (m *ComplianceModule) RegisterWorkers(_ *river.Workers) {}

func (m *ComplianceModule) Shutdown(context.Context) error { return nil }
