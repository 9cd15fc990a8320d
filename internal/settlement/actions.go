package settlement

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"goldclear.io/clearing/internal/domain"
	"goldclear.io/clearing/internal/governance/approval"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/pkg/logger"
	"goldclear.io/clearing/internal/policy"
)

// step is one forward edge of the lifecycle.
type step struct {
	action string
	entry  domain.LedgerEntryType
	from   domain.SettlementStatus
	to     domain.SettlementStatus
	roles  []domain.Role
	// gated steps are refused while any BLOCK blocker fires.
	gated bool
	// signed steps require approval authority for the evaluated tier.
	signed bool
}

var (
	stepOpenEscrow = step{
		action: "open_escrow", entry: domain.EntryEscrowOpened,
		from: domain.SettlementDraft, to: domain.SettlementEscrowOpen,
		roles: []domain.Role{domain.RoleOps, domain.RoleOpsAdmin}, gated: true,
	}
	stepRequestFunds = step{
		action: "request_funds", entry: domain.EntryFundingRequested,
		from: domain.SettlementEscrowOpen, to: domain.SettlementAwaitingFunds,
		roles: []domain.Role{domain.RoleTreasury, domain.RoleOpsAdmin},
	}
	stepConfirmFunds = step{
		action: "confirm_funds", entry: domain.EntryFundsConfirmed,
		from: domain.SettlementAwaitingFunds, to: domain.SettlementAwaitingGold,
		roles: []domain.Role{domain.RoleTreasury, domain.RoleOpsAdmin},
	}
	stepAllocateGold = step{
		action: "allocate_gold", entry: domain.EntryGoldAllocated,
		from: domain.SettlementAwaitingGold, to: domain.SettlementAwaitingVerification,
		roles: []domain.Role{domain.RoleVaultOps, domain.RoleOpsAdmin},
	}
	stepClearVerification = step{
		action: "clear_verification", entry: domain.EntryVerificationCleared,
		from: domain.SettlementAwaitingVerification, to: domain.SettlementReadyToSettle,
		roles: []domain.Role{domain.RoleCompliance, domain.RoleOpsAdmin},
	}
	stepAuthorize = step{
		action: "authorize", entry: domain.EntryAuthorization,
		from: domain.SettlementReadyToSettle, to: domain.SettlementAuthorized,
		gated: true, signed: true,
	}
)

var (
	createRoles    = []domain.Role{domain.RoleTrader, domain.RoleOps, domain.RoleOpsAdmin}
	cancelRoles    = []domain.Role{domain.RoleOps, domain.RoleOpsAdmin}
	failRoles      = []domain.Role{domain.RoleOps, domain.RoleSettlementOps, domain.RoleOpsAdmin, domain.RoleSystem}
	reopenRoles    = []domain.Role{domain.RoleOps, domain.RoleOpsAdmin}
	resolveRoles   = []domain.Role{domain.RoleOpsAdmin}
	executionRoles = []domain.Role{domain.RoleSettlementOps, domain.RoleOpsAdmin}
)

// Stored scales of the order figures. Inputs with more places are refused so
// the notional always equals the stored weight times the stored price.
const (
	WeightScale = 6
	PriceScale  = 2
)

// CreateRequest opens a settlement for a locked order.
type CreateRequest struct {
	OrderID          string
	BuyerOrgID       string
	SellerOrgID      string
	WeightOz         decimal.Decimal
	PricePerOzLocked decimal.Decimal
	CorridorID       string
	HubID            string
	VaultHubID       string
}

func (r CreateRequest) validate() error {
	var fields []apperrors.FieldError
	req := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			fields = append(fields, apperrors.FieldError{Field: name, Code: "required"})
		}
	}
	req("order_id", r.OrderID)
	req("buyer_org_id", r.BuyerOrgID)
	req("seller_org_id", r.SellerOrgID)
	req("corridor_id", r.CorridorID)
	req("vault_hub_id", r.VaultHubID)
	amount := func(name string, v decimal.Decimal, scale int32) {
		switch {
		case !v.IsPositive():
			fields = append(fields, apperrors.FieldError{Field: name, Code: "must_be_positive"})
		case !v.Equal(v.Truncate(scale)):
			fields = append(fields, apperrors.FieldError{Field: name, Code: "too_many_decimal_places"})
		}
	}
	amount("weight_oz", r.WeightOz, WeightScale)
	amount("price_per_oz_locked", r.PricePerOzLocked, PriceScale)
	if r.BuyerOrgID != "" && r.BuyerOrgID == r.SellerOrgID {
		fields = append(fields, apperrors.FieldError{Field: "seller_org_id", Code: "same_as_buyer"})
	}
	if len(fields) > 0 {
		return apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid settlement request").WithFieldErrors(fields)
	}
	return nil
}

// Create opens a case in DRAFT with a CASE_OPENED entry that freezes the
// capital picture at open.
func (e *Engine) Create(ctx context.Context, actor domain.Actor, req CreateRequest) (*Result, error) {
	return e.open(ctx, actor, req, "")
}

func (e *Engine) open(ctx context.Context, actor domain.Actor, req CreateRequest, reopenedFrom string) (*Result, error) {
	role, ok := actor.FirstOf(createRoles...)
	if !ok {
		return nil, apperrors.ErrRoleNotPermittedf("create", actor.RoleList())
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	c := &domain.SettlementCase{
		ID:               newID("stl"),
		OrderID:          req.OrderID,
		BuyerOrgID:       req.BuyerOrgID,
		SellerOrgID:      req.SellerOrgID,
		WeightOz:         req.WeightOz,
		PricePerOzLocked: req.PricePerOzLocked,
		NotionalUSD:      req.WeightOz.Mul(req.PricePerOzLocked).Round(2),
		CorridorID:       req.CorridorID,
		HubID:            req.HubID,
		VaultHubID:       req.VaultHubID,
		Status:           domain.SettlementDraft,
		ReopenedFrom:     reopenedFrom,
	}

	dec, err := e.evaluate(ctx, c)
	if err != nil {
		return nil, err
	}

	detail := map[string]string{
		"order_id":     c.OrderID,
		"notional_usd": c.NotionalUSD.StringFixed(2),
	}
	if reopenedFrom != "" {
		detail["reopened_from"] = reopenedFrom
	}
	l := &loaded{c: c}
	opening := e.newEntry(l, nil, domain.EntryCaseOpened, domain.SettlementDraft, actor, role, detail,
		snapshot(dec, ReplayState{}, domain.EntryCaseOpened))
	c.OpenedAt = opening.Timestamp
	c.UpdatedAt = opening.Timestamp

	if err := e.store.Create(ctx, c, opening); err != nil {
		if errors.Is(err, apperrors.ErrAlreadyExists) {
			return nil, apperrors.Conflict(apperrors.CodeSettlementInProgress, "order already has an open settlement").
				WithParams(map[string]interface{}{"order_id": c.OrderID})
		}
		return nil, err
	}

	logger.Info("Settlement case opened",
		zap.String("settlement_id", c.ID),
		zap.String("order_id", c.OrderID),
		zap.String("notional_usd", c.NotionalUSD.StringFixed(2)),
		zap.String("reopened_from", reopenedFrom),
	)
	e.publish(ctx, c, []domain.LedgerEntry{opening})
	return &Result{Case: c, Entries: []domain.LedgerEntry{opening}, Decision: &dec}, nil
}

// OpenEscrow moves DRAFT to ESCROW_OPEN. Refused with a Rejection when a
// BLOCK blocker fires.
func (e *Engine) OpenEscrow(ctx context.Context, actor domain.Actor, id string) (*Result, error) {
	return e.advance(ctx, actor, id, stepOpenEscrow, nil)
}

// RequestFunds moves ESCROW_OPEN to AWAITING_FUNDS.
func (e *Engine) RequestFunds(ctx context.Context, actor domain.Actor, id string) (*Result, error) {
	return e.advance(ctx, actor, id, stepRequestFunds, nil)
}

// ConfirmFunds moves AWAITING_FUNDS to AWAITING_GOLD.
func (e *Engine) ConfirmFunds(ctx context.Context, actor domain.Actor, id, reference string) (*Result, error) {
	return e.advance(ctx, actor, id, stepConfirmFunds, optDetail("funds_reference", reference))
}

// AllocateGold moves AWAITING_GOLD to AWAITING_VERIFICATION.
func (e *Engine) AllocateGold(ctx context.Context, actor domain.Actor, id, barList string) (*Result, error) {
	return e.advance(ctx, actor, id, stepAllocateGold, optDetail("bar_list", barList))
}

// ClearVerification moves AWAITING_VERIFICATION to READY_TO_SETTLE.
func (e *Engine) ClearVerification(ctx context.Context, actor domain.Actor, id string) (*Result, error) {
	return e.advance(ctx, actor, id, stepClearVerification, nil)
}

// Authorize moves READY_TO_SETTLE to AUTHORIZED. The actor must hold an
// approver role at or above the evaluated tier, and no BLOCK may fire.
func (e *Engine) Authorize(ctx context.Context, actor domain.Actor, id string) (*Result, error) {
	return e.advance(ctx, actor, id, stepAuthorize, nil)
}

func (e *Engine) advance(ctx context.Context, actor domain.Actor, id string, s step, detail map[string]string) (*Result, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	l, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.c.Status != s.from {
		return nil, apperrors.InvalidTransition("settlement", id, string(l.c.Status), string(s.to))
	}

	var role domain.Role
	if !s.signed {
		r, ok := actor.FirstOf(s.roles...)
		if !ok {
			return nil, apperrors.ErrRoleNotPermittedf(s.action, actor.RoleList())
		}
		role = r
	}

	dec, err := e.evaluate(ctx, l.c)
	if err != nil {
		return nil, err
	}
	if s.gated && dec.Blocked {
		logger.Warn("Settlement action refused by policy",
			zap.String("settlement_id", id),
			zap.String("action", s.action),
			zap.Strings("blockers", dec.BlockIDs()),
		)
		return &Result{Case: l.c, Decision: &dec, Rejection: rejection(s.action, dec)}, nil
	}

	if s.signed {
		r, err := approval.Authority{}.Authorize(actor, dec.Approval.Tier)
		if err != nil {
			logger.Info("Authorization refused",
				zap.String("settlement_id", id),
				zap.String("required", approval.Describe(dec.Approval.Tier)),
				zap.String("roles", actor.RoleList()),
			)
			return nil, err
		}
		role = r
		if detail == nil {
			detail = map[string]string{}
		}
		detail["approval_tier"] = string(dec.Approval.Tier)
		detail["approval_reason"] = dec.Approval.Reason
	}

	entry := e.newEntry(l, nil, s.entry, s.to, actor, role, detail, snapshot(dec, l.st, s.entry))
	if err := e.commit(ctx, l, s.to, "", []domain.LedgerEntry{entry}); err != nil {
		return nil, err
	}
	return &Result{Case: l.c, Entries: []domain.LedgerEntry{entry}, Decision: &dec}, nil
}

// Cancel moves any open case to CANCELLED.
func (e *Engine) Cancel(ctx context.Context, actor domain.Actor, id, reason string) (*Result, error) {
	return e.terminate(ctx, actor, id, "cancel", cancelRoles,
		domain.EntryCancelled, domain.SettlementCancelled, optDetail("reason", reason))
}

// Fail moves any open case to FAILED.
func (e *Engine) Fail(ctx context.Context, actor domain.Actor, id, reason string) (*Result, error) {
	return e.terminate(ctx, actor, id, "fail", failRoles,
		domain.EntrySettlementFailed, domain.SettlementFailed, optDetail("reason", reason))
}

func (e *Engine) terminate(
	ctx context.Context,
	actor domain.Actor,
	id, action string,
	roles []domain.Role,
	typ domain.LedgerEntryType,
	to domain.SettlementStatus,
	detail map[string]string,
) (*Result, error) {
	role, ok := actor.FirstOf(roles...)
	if !ok {
		return nil, apperrors.ErrRoleNotPermittedf(action, actor.RoleList())
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	l, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.c.Status.IsTerminal() {
		return nil, apperrors.InvalidTransition("settlement", id, string(l.c.Status), string(to))
	}

	snap, dec := e.bestEffortSnapshot(ctx, l, typ)
	entry := e.newEntry(l, nil, typ, to, actor, role, detail, snap)
	if err := e.commit(ctx, l, to, "", []domain.LedgerEntry{entry}); err != nil {
		return nil, err
	}
	return &Result{Case: l.c, Entries: []domain.LedgerEntry{entry}, Decision: dec}, nil
}

// bestEffortSnapshot evaluates the policy, falling back to the previous
// snapshot when inputs are unavailable.
func (e *Engine) bestEffortSnapshot(ctx context.Context, l *loaded, typ domain.LedgerEntryType) (domain.LedgerSnapshot, *policy.Decision) {
	dec, err := e.evaluate(ctx, l.c)
	if err != nil {
		logger.Warn("Policy evaluation unavailable; carrying previous snapshot",
			zap.String("settlement_id", l.c.ID), zap.Error(err))
		return carrySnapshot(l.st, typ), nil
	}
	return snapshot(dec, l.st, typ), &dec
}

// Reopen starts a new case for the same trade as a FAILED or CANCELLED case.
func (e *Engine) Reopen(ctx context.Context, actor domain.Actor, id string) (*Result, error) {
	if _, ok := actor.FirstOf(reopenRoles...); !ok {
		return nil, apperrors.ErrRoleNotPermittedf("reopen", actor.RoleList())
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	l, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.c.Status != domain.SettlementFailed && l.c.Status != domain.SettlementCancelled {
		return nil, apperrors.InvalidTransition("settlement", id, string(l.c.Status), string(domain.SettlementDraft))
	}
	return e.open(ctx, actor, CreateRequest{
		OrderID:          l.c.OrderID,
		BuyerOrgID:       l.c.BuyerOrgID,
		SellerOrgID:      l.c.SellerOrgID,
		WeightOz:         l.c.WeightOz,
		PricePerOzLocked: l.c.PricePerOzLocked,
		CorridorID:       l.c.CorridorID,
		HubID:            l.c.HubID,
		VaultHubID:       l.c.VaultHubID,
	}, l.c.ID)
}

// ResolveAmbiguous lets an operator assert the true status of an
// AMBIGUOUS_STATE case after reconciling with the rails and vault.
func (e *Engine) ResolveAmbiguous(ctx context.Context, actor domain.Actor, id string, target domain.SettlementStatus, note string) (*Result, error) {
	role, ok := actor.FirstOf(resolveRoles...)
	if !ok {
		return nil, apperrors.ErrRoleNotPermittedf("resolve_ambiguous", actor.RoleList())
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	l, err := e.inspect(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.c.Status != domain.SettlementAmbiguous {
		return nil, apperrors.InvalidTransition("settlement", id, string(l.c.Status), string(target))
	}
	if l.replayErr != nil {
		return nil, apperrors.Wrap(l.replayErr, apperrors.CodeSettlementAmbiguous,
			"ledger cannot be replayed and needs repair before reconciliation", http.StatusConflict).
			WithParams(map[string]interface{}{"settlement_id": id})
	}

	// A sealed ledger already names the outcome; only the stored status moves.
	if l.st.Sealed {
		if target != l.st.Status {
			return nil, apperrors.InvalidTransition("settlement", id, string(l.c.Status), string(target))
		}
		if err := e.commit(ctx, l, target, "", nil); err != nil {
			return nil, err
		}
		return &Result{Case: l.c}, nil
	}

	if !target.Valid() || target == domain.SettlementAmbiguous ||
		(target == domain.SettlementSettled && !l.st.Authorized) {
		return nil, apperrors.InvalidTransition("settlement", id, string(l.c.Status), string(target))
	}

	snap, dec := e.bestEffortSnapshot(ctx, l, domain.EntryOperatorReconciled)
	var entries []domain.LedgerEntry
	var prev *domain.LedgerEntry
	if l.st.Status != domain.SettlementAmbiguous {
		det := e.newEntry(l, nil, domain.EntryAmbiguousDetected, domain.SettlementAmbiguous, actor, role,
			map[string]string{"reason": "recorded at operator reconciliation"}, snap)
		entries = append(entries, det)
		prev = &entries[0]
	}
	entries = append(entries, e.newEntry(l, prev, domain.EntryOperatorReconciled, target, actor, role,
		optDetail("note", note), snap))

	if err := e.commit(ctx, l, target, "", entries); err != nil {
		return nil, err
	}
	logger.Warn("Ambiguous settlement reconciled by operator",
		zap.String("settlement_id", id),
		zap.String("target", string(target)),
		zap.String("operator", actor.UserID),
	)
	return &Result{Case: l.c, Entries: entries, Decision: dec}, nil
}

// Recheck re-evaluates an open case and records a POLICY_RECHECK entry when
// the outcome differs from the last frozen snapshot.
func (e *Engine) Recheck(ctx context.Context, id, reason string) (*Result, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	l, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.c.Status.IsTerminal() {
		return &Result{Case: l.c}, nil
	}

	dec, err := e.evaluate(ctx, l.c)
	if err != nil {
		return nil, err
	}
	snap := snapshot(dec, l.st, domain.EntryPolicyRecheck)
	last := l.st.Last.Snapshot
	if snap.ChecksStatus == last.ChecksStatus && equalIDs(snap.Blockers, last.Blockers) {
		return &Result{Case: l.c, Decision: &dec}, nil
	}

	entry := e.newEntry(l, nil, domain.EntryPolicyRecheck, l.c.Status, domain.SystemActor, domain.RoleSystem,
		optDetail("reason", reason), snap)
	if err := e.commit(ctx, l, l.c.Status, "", []domain.LedgerEntry{entry}); err != nil {
		return nil, err
	}
	return &Result{Case: l.c, Entries: []domain.LedgerEntry{entry}, Decision: &dec}, nil
}

// Reconcile replays a case's ledger and reports whether it is (now) ambiguous.
func (e *Engine) Reconcile(ctx context.Context, id string) (bool, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	l, err := e.inspect(ctx, id)
	if err != nil {
		return false, err
	}
	return l.c.Status == domain.SettlementAmbiguous, nil
}

func optDetail(key, value string) map[string]string {
	if value == "" {
		return nil
	}
	return map[string]string{key: value}
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
