package rail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goldclear.io/clearing/internal/domain"
)

type funcAdapter struct {
	name domain.Rail
	fn   func(ctx context.Context, req PayoutRequest) (AdapterResult, error)
}

func (a funcAdapter) Name() domain.Rail { return a.name }

func (a funcAdapter) Execute(ctx context.Context, req PayoutRequest) (AdapterResult, error) {
	return a.fn(ctx, req)
}

func newTestRouter(t *testing.T, mode Mode, low, high Adapter) *Router {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Mode = mode
	cfg.AttemptTimeout = 200 * time.Millisecond
	r, err := NewRouter(cfg, low, high)
	require.NoError(t, err)
	return r
}

func TestRoute_AutoThresholdBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cents int64
		want  domain.Rail
	}{
		{"exactly $250,000.00 stays on low-cost rail", 25_000_000, domain.RailMoov},
		{"$250,000.01 moves to high-assurance rail", 25_000_001, domain.RailModernTreasury},
		{"small ticket", 100, domain.RailMoov},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(t, ModeAuto,
				NewSandboxAdapter(domain.RailMoov, 0, false),
				NewSandboxAdapter(domain.RailModernTreasury, 0, false))

			res, err := r.Route(context.Background(), PayoutRequest{SettlementID: "stl-1", TotalAmountCents: tt.cents})
			require.NoError(t, err)
			require.True(t, res.Success)
			assert.Equal(t, tt.want, res.Rail)
			assert.False(t, res.IsFallback)
			require.Len(t, res.Attempts, 1)
		})
	}
}

func TestRoute_FallbackOnPrimaryFailure(t *testing.T) {
	t.Parallel()

	low := NewSandboxAdapter(domain.RailMoov, 0, true)
	high := NewSandboxAdapter(domain.RailModernTreasury, 0, false)
	r := newTestRouter(t, ModeAuto, low, high)

	res, err := r.Route(context.Background(), PayoutRequest{SettlementID: "stl-2", TotalAmountCents: 1_000_00})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, domain.RailModernTreasury, res.Rail)
	assert.True(t, res.IsFallback)
	require.Len(t, res.Attempts, 2)
	assert.False(t, res.Attempts[0].Success)
	assert.NotEmpty(t, res.Attempts[0].Error)
	assert.Len(t, res.ExternalIDs, 2)
}

func TestRoute_SecondFailureIsTerminal(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, ModeAuto,
		NewSandboxAdapter(domain.RailMoov, 0, true),
		NewSandboxAdapter(domain.RailModernTreasury, 0, true))

	res, err := r.Route(context.Background(), PayoutRequest{SettlementID: "stl-3", TotalAmountCents: 50_000_000})
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, domain.RailModernTreasury, res.Attempts[0].Rail)
	assert.Equal(t, domain.RailMoov, res.Attempts[1].Rail)
	assert.NotEmpty(t, res.Error)
}

func TestRoute_ForcedModeSingleAttempt(t *testing.T) {
	t.Parallel()

	high := NewSandboxAdapter(domain.RailModernTreasury, 0, false)
	r := newTestRouter(t, ModeMoov, NewSandboxAdapter(domain.RailMoov, 0, true), high)

	res, err := r.Route(context.Background(), PayoutRequest{SettlementID: "stl-4", TotalAmountCents: 100})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Len(t, res.Attempts, 1)
	assert.Equal(t, 0, high.Payouts())

	r = newTestRouter(t, ModeModernTreasury, NewSandboxAdapter(domain.RailMoov, 0, false), high)
	res, err = r.Route(context.Background(), PayoutRequest{SettlementID: "stl-4", TotalAmountCents: 100})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.RailModernTreasury, res.Rail)
}

func TestRoute_TimeoutAndPanicAreFailures(t *testing.T) {
	t.Parallel()

	hang := funcAdapter{name: domain.RailMoov, fn: func(ctx context.Context, _ PayoutRequest) (AdapterResult, error) {
		time.Sleep(time.Second)
		return AdapterResult{Success: true, ExternalIDs: []string{"late"}}, nil
	}}
	boom := funcAdapter{name: domain.RailModernTreasury, fn: func(context.Context, PayoutRequest) (AdapterResult, error) {
		panic("nil pointer in vendor client")
	}}
	r := newTestRouter(t, ModeAuto, hang, boom)

	start := time.Now()
	res, err := r.Route(context.Background(), PayoutRequest{SettlementID: "stl-5", TotalAmountCents: 100})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.False(t, res.Success)
	require.Len(t, res.Attempts, 2)
	assert.Contains(t, res.Attempts[0].Error, "deadline exceeded")
	assert.Contains(t, res.Attempts[1].Error, "adapter panic")
}

func TestRoute_RefusesConcurrentSameSettlement(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := funcAdapter{name: domain.RailMoov, fn: func(ctx context.Context, _ PayoutRequest) (AdapterResult, error) {
		close(entered)
		<-release
		return AdapterResult{Success: true, ExternalIDs: []string{"moov_1"}}, nil
	}}
	cfg := DefaultConfig()
	r, err := NewRouter(cfg, slow, NewSandboxAdapter(domain.RailModernTreasury, 0, false))
	require.NoError(t, err)

	done := make(chan PayoutResult, 1)
	go func() {
		res, _ := r.Route(context.Background(), PayoutRequest{SettlementID: "stl-6", TotalAmountCents: 100})
		done <- res
	}()
	<-entered

	_, err = r.Route(context.Background(), PayoutRequest{SettlementID: "stl-6", TotalAmountCents: 100})
	require.True(t, errors.Is(err, ErrRouteInFlight))

	other, err := r.Route(context.Background(), PayoutRequest{SettlementID: "stl-7", TotalAmountCents: 50_000_000})
	require.NoError(t, err)
	assert.True(t, other.Success)

	close(release)
	assert.True(t, (<-done).Success)
}

func TestRoute_RejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, ModeAuto,
		NewSandboxAdapter(domain.RailMoov, 0, false),
		NewSandboxAdapter(domain.RailModernTreasury, 0, false))
	_, err := r.Route(context.Background(), PayoutRequest{SettlementID: "stl-8"})
	require.ErrorIs(t, err, ErrInvalidPayout)
}

func TestPlatformFee(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(37500), PlatformFee(25_000_000, 15))
	// 333 × 15 / 10000 = 0.4995 rounds down; 334 → 0.501 rounds up.
	assert.Equal(t, int64(0), PlatformFee(333, 15))
	assert.Equal(t, int64(1), PlatformFee(334, 15))
	// Exactly half rounds up: 1000 × 5 / 10000 = 0.5.
	assert.Equal(t, int64(1), PlatformFee(1000, 5))
	assert.Equal(t, int64(0), PlatformFee(1000, 0))
}

func TestRoute_FeeSplit(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, ModeAuto,
		NewSandboxAdapter(domain.RailMoov, 0, false),
		NewSandboxAdapter(domain.RailModernTreasury, 0, false))
	res, err := r.Route(context.Background(), PayoutRequest{SettlementID: "stl-9", TotalAmountCents: 200_000_000})
	require.NoError(t, err)
	assert.Equal(t, int64(300_000), res.PlatformFeeCents)
	assert.Equal(t, int64(199_700_000), res.SellerPayoutCents)
}

func TestNewRouter_Validation(t *testing.T) {
	t.Parallel()

	low := NewSandboxAdapter(domain.RailMoov, 0, false)
	_, err := NewRouter(DefaultConfig(), low, nil)
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.Mode = "swift"
	_, err = NewRouter(cfg, low, low)
	require.Error(t, err)
}

func TestSandboxAdapter_Idempotent(t *testing.T) {
	t.Parallel()

	a := NewSandboxAdapter(domain.RailMoov, 0, false)
	first, err := a.Execute(context.Background(), PayoutRequest{SettlementID: "stl-10"})
	require.NoError(t, err)
	again, err := a.Execute(context.Background(), PayoutRequest{SettlementID: "stl-10"})
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, a.Payouts())
}

func TestRoute_DeclinedResultFallsBack(t *testing.T) {
	t.Parallel()

	declined := funcAdapter{name: domain.RailMoov, fn: func(context.Context, PayoutRequest) (AdapterResult, error) {
		return AdapterResult{Success: false, Status: "rejected", Error: "beneficiary account closed"}, nil
	}}
	r := newTestRouter(t, ModeAuto, declined, NewSandboxAdapter(domain.RailModernTreasury, 0, false))

	res, err := r.Route(context.Background(), PayoutRequest{SettlementID: "stl-8", TotalAmountCents: 100})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.True(t, res.IsFallback)
	assert.Equal(t, domain.RailModernTreasury, res.Rail)
	require.Len(t, res.Attempts, 2)
	assert.Contains(t, res.Attempts[0].Error, "beneficiary account closed")
	assert.NotEmpty(t, res.ExternalIDs)
}
