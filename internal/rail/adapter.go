package rail

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goldclear.io/clearing/internal/domain"
)

// AdapterResult is a rail's answer to a payout. A rail may decline without a
// transport error by returning Success false with an Error.
type AdapterResult struct {
	Success     bool     `json:"success"`
	ExternalIDs []string `json:"external_ids"`
	Status      string   `json:"status"`
	Error       string   `json:"error,omitempty"`
}

// Adapter is a payment rail. Execute must be idempotent on SettlementID.
type Adapter interface {
	Name() domain.Rail
	Execute(ctx context.Context, req PayoutRequest) (AdapterResult, error)
}

// SandboxAdapter is an in-process rail for development and tests. It
// remembers payouts by settlement ID so retries return the first result.
type SandboxAdapter struct {
	name    domain.Rail
	latency time.Duration

	mu      sync.Mutex
	fail    bool
	payouts map[string]AdapterResult
}

// NewSandboxAdapter creates a sandbox rail.
func NewSandboxAdapter(name domain.Rail, latency time.Duration, fail bool) *SandboxAdapter {
	return &SandboxAdapter{
		name:    name,
		latency: latency,
		fail:    fail,
		payouts: make(map[string]AdapterResult),
	}
}

// Name implements Adapter.
func (a *SandboxAdapter) Name() domain.Rail { return a.name }

// SetFailing toggles simulated rail outages.
func (a *SandboxAdapter) SetFailing(fail bool) {
	a.mu.Lock()
	a.fail = fail
	a.mu.Unlock()
}

// Execute implements Adapter.
func (a *SandboxAdapter) Execute(ctx context.Context, req PayoutRequest) (AdapterResult, error) {
	if a.latency > 0 {
		select {
		case <-time.After(a.latency):
		case <-ctx.Done():
			return AdapterResult{}, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return AdapterResult{}, fmt.Errorf("%s sandbox: rail unavailable", a.name)
	}
	if res, ok := a.payouts[req.SettlementID]; ok {
		return res, nil
	}
	// One transfer for the seller payout and one for the platform fee.
	res := AdapterResult{
		Success: true,
		ExternalIDs: []string{
			fmt.Sprintf("%s_payout_%s", a.name, uuid.NewString()),
			fmt.Sprintf("%s_fee_%s", a.name, uuid.NewString()),
		},
		Status: "completed",
	}
	a.payouts[req.SettlementID] = res
	return res, nil
}

// Payouts returns how many distinct settlements the sandbox has paid.
func (a *SandboxAdapter) Payouts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.payouts)
}
