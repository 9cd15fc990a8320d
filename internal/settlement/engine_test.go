package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goldclear.io/clearing/internal/capital"
	"goldclear.io/clearing/internal/domain"
	"goldclear.io/clearing/internal/logistics"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/policy"
	"goldclear.io/clearing/internal/rail"
	"goldclear.io/clearing/internal/refdata"
)

var (
	opsActor        = domain.Actor{UserID: "ops-1", Roles: []domain.Role{domain.RoleOps}}
	opsAdminActor   = domain.Actor{UserID: "admin-1", Roles: []domain.Role{domain.RoleOpsAdmin}}
	treasuryActor   = domain.Actor{UserID: "treasury-1", Roles: []domain.Role{domain.RoleTreasury}}
	vaultActor      = domain.Actor{UserID: "vault-1", Roles: []domain.Role{domain.RoleVaultOps}}
	complianceActor = domain.Actor{UserID: "kyc-1", Roles: []domain.Role{domain.RoleCompliance}}
	traderActor     = domain.Actor{UserID: "trader-1", Roles: []domain.Role{domain.RoleTrader}}
	deskHeadActor   = domain.Actor{UserID: "desk-1", Roles: []domain.Role{domain.RoleDeskHead}}
	execActor       = domain.Actor{UserID: "exec-1", Roles: []domain.Role{domain.RoleSettlementOps}}
)

type harness struct {
	engine  *Engine
	store   *MemoryStore
	refs    *refdata.MemoryStore
	low     *rail.SandboxAdapter
	high    *rail.SandboxAdapter
	carrier *logistics.SandboxCarrier

	mu     sync.Mutex
	events []domain.LedgerEntryType
}

type harnessOption func(*Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		store:   NewMemoryStore(),
		refs:    refdata.NewMemoryStore(),
		low:     rail.NewSandboxAdapter(domain.RailMoov, 0, false),
		high:    rail.NewSandboxAdapter(domain.RailModernTreasury, 0, false),
		carrier: logistics.NewSandboxCarrier(logistics.CarrierMalcaAmit),
	}
	require.NoError(t, h.refs.UpsertCounterparty(ctx, policy.Counterparty{
		OrgID: "org-buyer", LegalName: "Aurum Holdings", RiskRating: policy.RiskLow,
		KYCStatus: policy.KYCVerified, SanctionsStatus: policy.SanctionsClear,
	}))
	require.NoError(t, h.refs.UpsertCorridor(ctx, policy.Corridor{
		ID: "CH-GB", Name: "Zurich to London", Status: policy.CorridorActive, RiskLevel: policy.CorridorRiskLow,
	}))

	router, err := rail.NewRouter(rail.DefaultConfig(), h.low, h.high)
	require.NoError(t, err)

	events := domain.NewEventDispatcher()
	events.RegisterAll(func(_ context.Context, ev domain.LifecycleEvent) error {
		h.mu.Lock()
		h.events = append(h.events, ev.Entry.Type)
		h.mu.Unlock()
		return nil
	})

	deps := Deps{
		Store:     h.store,
		Policy:    policy.New(policy.DefaultThresholds()),
		Capital:   capital.NewStaticProvider(decimal.NewFromInt(100_000_000), decimal.Zero, decimal.NewFromInt(80_000_000)),
		Reference: h.refs,
		Payouts:   router,
		Logistics: logistics.NewCarrierRouter(logistics.NewSandboxCarrier(logistics.CarrierBrinks), h.carrier, 100_000_000, time.Second),
		Events:    events,
	}
	for _, o := range opts {
		o(&deps)
	}
	h.engine = NewEngine(deps)
	return h
}

// createCase opens a case for oz troy ounces at $2,000/oz.
func (h *harness) createCase(t *testing.T, oz int64) *domain.SettlementCase {
	t.Helper()
	res, err := h.engine.Create(context.Background(), traderActor, CreateRequest{
		OrderID:          fmt.Sprintf("ord-%d-%d", oz, time.Now().UnixNano()),
		BuyerOrgID:       "org-buyer",
		SellerOrgID:      "org-seller",
		WeightOz:         decimal.NewFromInt(oz),
		PricePerOzLocked: decimal.NewFromInt(2000),
		CorridorID:       "CH-GB",
		HubID:            "ZRH-1",
		VaultHubID:       "LDN-2",
	})
	require.NoError(t, err)
	require.Nil(t, res.Rejection)
	return res.Case
}

func (h *harness) driveToReady(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	mustAdvance(t)(h.engine.OpenEscrow(ctx, opsActor, id))
	mustAdvance(t)(h.engine.RequestFunds(ctx, treasuryActor, id))
	mustAdvance(t)(h.engine.ConfirmFunds(ctx, treasuryActor, id, "wire-123"))
	mustAdvance(t)(h.engine.AllocateGold(ctx, vaultActor, id, "bars:LBMA-1..4"))
	mustAdvance(t)(h.engine.ClearVerification(ctx, complianceActor, id))
}

func (h *harness) driveToAuthorized(t *testing.T, id string) {
	t.Helper()
	h.driveToReady(t, id)
	mustAdvance(t)(h.engine.Authorize(context.Background(), traderActor, id))
}

func (h *harness) ledgerTypes(t *testing.T, id string) []domain.LedgerEntryType {
	t.Helper()
	entries, err := h.engine.Ledger(context.Background(), id, 0)
	require.NoError(t, err)
	out := make([]domain.LedgerEntryType, len(entries))
	for i, e := range entries {
		out[i] = e.Type
	}
	return out
}

func mustAdvance(t *testing.T) func(*Result, error) {
	return func(res *Result, err error) {
		t.Helper()
		require.NoError(t, err)
		require.Nil(t, res.Rejection, "unexpected rejection")
		require.Len(t, res.Entries, 1)
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := h.createCase(t, 100)
	assert.True(t, c.NotionalUSD.Equal(decimal.NewFromInt(200_000)))
	assert.Equal(t, domain.SettlementDraft, c.Status)

	h.driveToAuthorized(t, c.ID)
	res, err := h.engine.ExecuteDvP(context.Background(), execActor, c.ID, DvPOptions{})
	require.NoError(t, err)
	require.Nil(t, res.Rejection)
	assert.Equal(t, domain.SettlementSettled, res.Case.Status)
	assert.Equal(t, domain.RailMoov, res.Case.Rail)
	require.NotNil(t, res.Shipment)
	assert.Equal(t, logistics.CarrierMalcaAmit, res.Shipment.Carrier)

	assert.Equal(t, []domain.LedgerEntryType{
		domain.EntryCaseOpened,
		domain.EntryEscrowOpened,
		domain.EntryFundingRequested,
		domain.EntryFundsConfirmed,
		domain.EntryGoldAllocated,
		domain.EntryVerificationCleared,
		domain.EntryAuthorization,
		domain.EntryDvPExecuted,
	}, h.ledgerTypes(t, c.ID))

	entries, err := h.engine.Ledger(context.Background(), c.ID, 0)
	require.NoError(t, err)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, int64(i+1), entries[i].Seq)
		assert.True(t, entries[i].Timestamp.After(entries[i-1].Timestamp))
	}
	last := entries[len(entries)-1]
	assert.True(t, last.Snapshot.FundsConfirmed)
	assert.True(t, last.Snapshot.GoldAllocated)
	assert.True(t, last.Snapshot.VerificationCleared)
	assert.Equal(t, domain.ChecksPass, last.Snapshot.ChecksStatus)
	assert.Equal(t, "moov", last.Detail["rail"])
	assert.Equal(t, "30000", last.Detail["platform_fee_cents"])

	st, err := Replay(entries)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementSettled, st.Status)
	assert.True(t, st.Sealed)

	since, err := h.engine.Ledger(context.Background(), c.ID, 6)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, domain.EntryAuthorization, since[0].Type)

	h.mu.Lock()
	assert.Len(t, h.events, 8)
	h.mu.Unlock()
}

func TestLifecycle_NothingAfterTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := h.createCase(t, 10)
	h.driveToAuthorized(t, c.ID)
	_, err := h.engine.ExecuteDvP(context.Background(), execActor, c.ID, DvPOptions{})
	require.NoError(t, err)

	_, err = h.engine.Fail(context.Background(), opsActor, c.ID, "late failure")
	require.True(t, apperrors.IsReason(err, apperrors.ReasonInvalidTransition))
	_, err = h.engine.Cancel(context.Background(), opsActor, c.ID, "")
	require.True(t, apperrors.IsReason(err, apperrors.ReasonInvalidTransition))
	_, err = h.engine.ExecuteDvP(context.Background(), execActor, c.ID, DvPOptions{})
	require.True(t, apperrors.IsReason(err, apperrors.ReasonInvalidTransition))

	assert.Len(t, h.ledgerTypes(t, c.ID), 8)
	assert.Equal(t, 1, h.low.Payouts())
}

func TestCreate_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.engine.Create(context.Background(), traderActor, CreateRequest{
		OrderID:     "ord-bad",
		BuyerOrgID:  "org-buyer",
		SellerOrgID: "org-buyer",
		WeightOz:    decimal.Zero,
		CorridorID:  "CH-GB",
	})
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeValidationFailed, appErr.Code)
	assert.NotEmpty(t, appErr.FieldErrors)

	_, err = h.engine.Create(context.Background(), treasuryActor, CreateRequest{})
	appErr, ok = apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeRoleNotPermitted, appErr.Code)
}

func TestCreate_RejectsPrecisionBeyondStoredScale(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	base := CreateRequest{
		OrderID:          "ord-scale",
		BuyerOrgID:       "org-buyer",
		SellerOrgID:      "org-seller",
		WeightOz:         decimal.NewFromInt(400),
		PricePerOzLocked: decimal.RequireFromString("2350.125"),
		CorridorID:       "CH-GB",
		VaultHubID:       "LDN-2",
	}
	_, err := h.engine.Create(context.Background(), traderActor, base)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeValidationFailed, appErr.Code)
	assert.Equal(t, []apperrors.FieldError{{Field: "price_per_oz_locked", Code: "too_many_decimal_places"}}, appErr.FieldErrors)

	base.PricePerOzLocked = decimal.RequireFromString("2350.10")
	base.WeightOz = decimal.RequireFromString("400.1234567")
	_, err = h.engine.Create(context.Background(), traderActor, base)
	appErr, ok = apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, []apperrors.FieldError{{Field: "weight_oz", Code: "too_many_decimal_places"}}, appErr.FieldErrors)

	// Trailing zeros within scale are accepted, and the notional is exact.
	base.WeightOz = decimal.RequireFromString("400.500000")
	res, err := h.engine.Create(context.Background(), traderActor, base)
	require.NoError(t, err)
	assert.Equal(t, "941215.05", res.Case.NotionalUSD.StringFixed(2))
	assert.True(t, res.Case.NotionalUSD.Equal(res.Case.WeightOz.Mul(res.Case.PricePerOzLocked)))
}

func TestCreate_DuplicateOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	req := CreateRequest{
		OrderID: "ord-dup", BuyerOrgID: "org-buyer", SellerOrgID: "org-seller",
		WeightOz: decimal.NewFromInt(1), PricePerOzLocked: decimal.NewFromInt(2000),
		CorridorID: "CH-GB", VaultHubID: "LDN-2",
	}
	_, err := h.engine.Create(context.Background(), traderActor, req)
	require.NoError(t, err)

	_, err = h.engine.Create(context.Background(), traderActor, req)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeSettlementInProgress, appErr.Code)
}

func TestCreate_UnknownCounterparty(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.engine.Create(context.Background(), traderActor, CreateRequest{
		OrderID: "ord-x", BuyerOrgID: "org-ghost", SellerOrgID: "org-seller",
		WeightOz: decimal.NewFromInt(1), PricePerOzLocked: decimal.NewFromInt(2000),
		CorridorID: "CH-GB", VaultHubID: "LDN-2",
	})
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeCounterpartyNotFound, appErr.Code)
}

func TestOpenEscrow_RefusedWhenBlocked(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.refs.UpsertCounterparty(context.Background(), policy.Counterparty{
		OrgID: "org-buyer", RiskRating: policy.RiskLow,
		KYCStatus: policy.KYCVerified, SanctionsStatus: policy.SanctionsFlagged,
	}))
	c := h.createCase(t, 10)

	entries, err := h.engine.Ledger(context.Background(), c.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ChecksFail, entries[0].Snapshot.ChecksStatus)
	assert.Contains(t, entries[0].Snapshot.Blockers, string(policy.BlockerSanctionsNotClear))

	res, err := h.engine.OpenEscrow(context.Background(), opsActor, c.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, "open_escrow", res.Rejection.Action)
	assert.True(t, policy.HasBlockLevel(res.Rejection.Blockers))
	assert.NotEqual(t, policy.TierAuto, res.Rejection.Approval.Tier)
	assert.Equal(t, domain.SettlementDraft, res.Case.Status)
	assert.Len(t, h.ledgerTypes(t, c.ID), 1)
}

func TestAdvance_RoleAndOrderChecks(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := h.createCase(t, 10)

	_, err := h.engine.OpenEscrow(context.Background(), treasuryActor, c.ID)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeRoleNotPermitted, appErr.Code)

	_, err = h.engine.RequestFunds(context.Background(), treasuryActor, c.ID)
	te, ok := apperrors.AsTransitionError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ReasonInvalidTransition, te.Reason)
	assert.Equal(t, c.ID, te.CaseID)
	assert.Equal(t, string(domain.SettlementDraft), te.Expected)
	assert.Equal(t, string(domain.SettlementAwaitingFunds), te.Target)

	_, err = h.engine.Get(context.Background(), "stl-missing")
	appErr, ok = apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeSettlementNotFound, appErr.Code)
}

func TestAuthorize_RequiresApprovalTier(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := h.createCase(t, 1000) // $2,000,000 requires desk head
	h.driveToReady(t, c.ID)

	_, err := h.engine.Authorize(context.Background(), traderActor, c.ID)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeRoleNotPermitted, appErr.Code)
	assert.Equal(t, string(policy.TierDeskHead), appErr.Params["required_tier"])

	res, err := h.engine.Authorize(context.Background(), deskHeadActor, c.ID)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	entry := res.Entries[0]
	assert.Equal(t, domain.EntryAuthorization, entry.Type)
	assert.Equal(t, domain.RoleDeskHead, entry.ActorRole)
	assert.Equal(t, string(policy.TierDeskHead), entry.Detail["approval_tier"])
	assert.Equal(t, string(policy.TierDeskHead), entry.Snapshot.ApprovalTier)
}

func TestAdvance_SerializedPerSettlement(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := h.createCase(t, 10)
	mustAdvance(t)(h.engine.OpenEscrow(context.Background(), opsActor, c.ID))
	mustAdvance(t)(h.engine.RequestFunds(context.Background(), treasuryActor, c.ID))

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		refused   int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.ConfirmFunds(context.Background(), treasuryActor, c.ID, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if apperrors.IsReason(err, apperrors.ReasonInvalidTransition) {
				refused++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, refused)
	assert.Len(t, h.ledgerTypes(t, c.ID), 4)
	assert.Equal(t, 0, h.engine.locks.size())
}

func TestExecuteDvP_BlockedAtExecution(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	c := h.createCase(t, 10)
	h.driveToAuthorized(t, c.ID)

	_, err := h.refs.SetCorridorStatus(ctx, "CH-GB", policy.CorridorSuspended)
	require.NoError(t, err)

	res, err := h.engine.ExecuteDvP(ctx, execActor, c.ID, DvPOptions{})
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, domain.SettlementAuthorized, res.Case.Status)
	assert.Equal(t, 0, h.low.Payouts())
	assert.Equal(t, domain.EntryDvPBlocked, res.Entries[0].Type)

	_, err = h.refs.SetCorridorStatus(ctx, "CH-GB", policy.CorridorActive)
	require.NoError(t, err)
	res, err = h.engine.ExecuteDvP(ctx, execActor, c.ID, DvPOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementSettled, res.Case.Status)

	types := h.ledgerTypes(t, c.ID)
	assert.Equal(t, []domain.LedgerEntryType{domain.EntryAuthorization, domain.EntryDvPBlocked, domain.EntryDvPExecuted}, types[6:])
}

func TestExecuteDvP_RefusesWithoutFreshPolicy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(d *Deps) { d.Capital = unavailableCapital{} })
	opener := newHarness(t, func(d *Deps) { d.Store = h.store; d.Reference = h.refs })
	c := opener.createCase(t, 10)
	opener.driveToAuthorized(t, c.ID)

	_, err := h.engine.ExecuteDvP(context.Background(), execActor, c.ID, DvPOptions{})
	require.Error(t, err)
	assert.Equal(t, 0, h.low.Payouts()+h.high.Payouts())

	got, err := h.engine.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementAuthorized, got.Status)
}

func TestExecuteDvP_RailFailureFailsCase(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.low.SetFailing(true)
	h.high.SetFailing(true)
	c := h.createCase(t, 10)
	h.driveToAuthorized(t, c.ID)

	res, err := h.engine.ExecuteDvP(context.Background(), execActor, c.ID, DvPOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementFailed, res.Case.Status)
	require.NotNil(t, res.Payout)
	assert.False(t, res.Payout.Success)
	assert.Len(t, res.Payout.Attempts, 2)
	assert.Equal(t, domain.EntrySettlementFailed, res.Entries[0].Type)
	assert.Equal(t, 0, h.carrier.Bookings())

	reopened, err := h.engine.Reopen(context.Background(), opsActor, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, reopened.Case.ReopenedFrom)
	assert.Equal(t, domain.SettlementDraft, reopened.Case.Status)
	assert.Equal(t, c.OrderID, reopened.Case.OrderID)
	assert.Equal(t, c.ID, reopened.Entries[0].Detail["reopened_from"])
}

func TestReopen_OnlyFromFailedOrCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := h.createCase(t, 10)
	_, err := h.engine.Reopen(context.Background(), opsActor, c.ID)
	require.True(t, apperrors.IsReason(err, apperrors.ReasonInvalidTransition))

	_, err = h.engine.Cancel(context.Background(), opsActor, c.ID, "client withdrew")
	require.NoError(t, err)
	_, err = h.engine.Reopen(context.Background(), opsActor, c.ID)
	require.NoError(t, err)
}

func TestExecuteDvP_FallbackRail(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.low.SetFailing(true)
	c := h.createCase(t, 10)
	h.driveToAuthorized(t, c.ID)

	res, err := h.engine.ExecuteDvP(context.Background(), execActor, c.ID, DvPOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementSettled, res.Case.Status)
	assert.Equal(t, domain.RailModernTreasury, res.Case.Rail)
	assert.Equal(t, "true", res.Entries[0].Detail["is_fallback"])

	stored, err := h.engine.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RailModernTreasury, stored.Rail)
}

func TestExecuteDvP_LogisticsFailureStillSettles(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.carrier.SetFailing(true)
	c := h.createCase(t, 10)
	h.driveToAuthorized(t, c.ID)

	res, err := h.engine.ExecuteDvP(context.Background(), execActor, c.ID, DvPOptions{DeliveryAddress: "1 Vault Lane, London"})
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementSettled, res.Case.Status)
	assert.Nil(t, res.Shipment)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, domain.EntryLogisticsFailed, res.Entries[0].Type)
	assert.Equal(t, domain.EntryDvPExecuted, res.Entries[1].Type)

	entries, err := h.engine.Ledger(context.Background(), c.ID, 0)
	require.NoError(t, err)
	st, err := Replay(entries)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementSettled, st.Status)
}

func TestExecuteDvP_IgnoresCallerCancellation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	c := h.createCase(t, 10)
	h.driveToAuthorized(t, c.ID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.engine.ExecuteDvP(ctx, execActor, c.ID, DvPOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementSettled, res.Case.Status)
}

type panickingRouter struct{}

func (panickingRouter) Route(context.Context, rail.PayoutRequest) (rail.PayoutResult, error) {
	panic("router misconfigured")
}

func TestExecuteDvP_RouterPanicFailsCase(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(d *Deps) { d.Payouts = panickingRouter{} })
	c := h.createCase(t, 10)
	h.driveToAuthorized(t, c.ID)

	res, err := h.engine.ExecuteDvP(context.Background(), execActor, c.ID, DvPOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementFailed, res.Case.Status)
	assert.Contains(t, res.Entries[0].Detail["reason"], "panic")
}

// failingApplyStore succeeds until armed, then refuses every commit.
type failingApplyStore struct {
	*MemoryStore
	armed bool
	err   error
}

func (s *failingApplyStore) Apply(ctx context.Context, c Commit) error {
	if s.armed {
		return s.err
	}
	return s.MemoryStore.Apply(ctx, c)
}

func TestCommit_ConflictBecomesTransitionError(t *testing.T) {
	t.Parallel()

	store := &failingApplyStore{MemoryStore: NewMemoryStore(), err: fmt.Errorf("cas: %w", apperrors.ErrConflict)}
	h := newHarness(t, func(d *Deps) { d.Store = store })
	c := h.createCase(t, 10)

	store.armed = true
	_, err := h.engine.OpenEscrow(context.Background(), opsActor, c.ID)
	te, ok := apperrors.AsTransitionError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ReasonConcurrentConflict, te.Reason)
	assert.Equal(t, string(domain.SettlementDraft), te.Expected)
	assert.Equal(t, string(domain.SettlementEscrowOpen), te.Target)
	assert.Equal(t, string(domain.SettlementDraft), te.Actual)
}

func TestExecuteDvP_CommitFailureAfterFundsIsAmbiguous(t *testing.T) {
	t.Parallel()

	store := &failingApplyStore{MemoryStore: NewMemoryStore(), err: errors.New("connection reset")}
	h := newHarness(t, func(d *Deps) { d.Store = store })
	c := h.createCase(t, 10)
	h.driveToAuthorized(t, c.ID)

	store.armed = true
	_, err := h.engine.ExecuteDvP(context.Background(), execActor, c.ID, DvPOptions{})
	require.ErrorIs(t, err, apperrors.ErrAmbiguousState)
	assert.Equal(t, 1, h.low.Payouts())
}

func TestReconcile_FlagsAndResolvesAmbiguousCase(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	c := h.createCase(t, 10)
	h.driveToAuthorized(t, c.ID)

	h.store.ForceStatus(c.ID, domain.SettlementReadyToSettle)

	ambiguous, err := h.engine.Reconcile(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, ambiguous)
	types := h.ledgerTypes(t, c.ID)
	assert.Equal(t, domain.EntryAmbiguousDetected, types[len(types)-1])

	_, err = h.engine.ExecuteDvP(ctx, execActor, c.ID, DvPOptions{})
	require.ErrorIs(t, err, apperrors.ErrAmbiguousState)
	_, err = h.engine.Cancel(ctx, opsActor, c.ID, "")
	require.ErrorIs(t, err, apperrors.ErrAmbiguousState)

	_, err = h.engine.ResolveAmbiguous(ctx, opsActor, c.ID, domain.SettlementAuthorized, "")
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeRoleNotPermitted, appErr.Code)

	res, err := h.engine.ResolveAmbiguous(ctx, opsAdminActor, c.ID, domain.SettlementAuthorized, "rail statement shows no payout")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementAuthorized, res.Case.Status)

	again, err := h.engine.Reconcile(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, again)

	res, err = h.engine.ExecuteDvP(ctx, execActor, c.ID, DvPOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementSettled, res.Case.Status)
}

func TestResolveAmbiguous_SettledNeedsAuthorization(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	c := h.createCase(t, 10)
	h.store.ForceStatus(c.ID, domain.SettlementEscrowOpen)
	_, err := h.engine.Reconcile(ctx, c.ID)
	require.NoError(t, err)

	_, err = h.engine.ResolveAmbiguous(ctx, opsAdminActor, c.ID, domain.SettlementSettled, "")
	require.True(t, apperrors.IsReason(err, apperrors.ReasonInvalidTransition))

	res, err := h.engine.ResolveAmbiguous(ctx, opsAdminActor, c.ID, domain.SettlementCancelled, "duplicate order")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementCancelled, res.Case.Status)
}

func TestRecheck_RecordsOnlyChanges(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	c := h.createCase(t, 10)
	h.driveToAuthorized(t, c.ID)

	res, err := h.engine.Recheck(ctx, c.ID, "nightly")
	require.NoError(t, err)
	assert.Empty(t, res.Entries)

	_, err = h.refs.SetCorridorStatus(ctx, "CH-GB", policy.CorridorSuspended)
	require.NoError(t, err)
	res, err = h.engine.Recheck(ctx, c.ID, "corridor CH-GB suspended")
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, domain.EntryPolicyRecheck, res.Entries[0].Type)
	assert.Equal(t, domain.ChecksFail, res.Entries[0].Snapshot.ChecksStatus)
	assert.Equal(t, domain.SettlementAuthorized, res.Case.Status)

	res, err = h.engine.Recheck(ctx, c.ID, "corridor CH-GB suspended")
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
}

func TestCancel_CarriesSnapshotWhenCapitalUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(d *Deps) { d.Capital = unavailableCapital{} })
	// Create needs capital, so open the case through a working engine first.
	opener := newHarness(t, func(d *Deps) { d.Store = h.store; d.Reference = h.refs })
	c := opener.createCase(t, 10)

	res, err := h.engine.Cancel(context.Background(), opsActor, c.ID, "desk closed")
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementCancelled, res.Case.Status)
	assert.Nil(t, res.Decision)
	assert.Equal(t, "desk closed", res.Entries[0].Detail["reason"])
}

type unavailableCapital struct{}

func (unavailableCapital) Snapshot(context.Context) (policy.CapitalSnapshot, error) {
	return policy.CapitalSnapshot{}, capital.ErrUnavailable
}
