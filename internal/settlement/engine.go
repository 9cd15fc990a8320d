// Package settlement runs the settlement lifecycle: each case moves from DRAFT
// to SETTLED (or FAILED/CANCELLED) by appending immutable ledger entries, and
// the final Delivery-versus-Payment step routes funds and books logistics.
//
// Import Path: goldclear.io/clearing/internal/settlement
package settlement

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"goldclear.io/clearing/internal/capital"
	"goldclear.io/clearing/internal/domain"
	"goldclear.io/clearing/internal/logistics"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/pkg/logger"
	"goldclear.io/clearing/internal/pkg/metrics"
	"goldclear.io/clearing/internal/policy"
	"goldclear.io/clearing/internal/rail"
)

// ReferenceData resolves the counterparty and corridor records the policy needs.
// Missing records wrap apperrors.ErrNotFound.
type ReferenceData interface {
	Counterparty(ctx context.Context, orgID string) (policy.Counterparty, error)
	Corridor(ctx context.Context, id string) (policy.Corridor, error)
}

// EvidenceSource reports the documentation on file for an organization.
type EvidenceSource interface {
	Evidence(ctx context.Context, orgID string) (*policy.Evidence, error)
}

// PayoutRouter moves funds at DvP.
type PayoutRouter interface {
	Route(ctx context.Context, req rail.PayoutRequest) (rail.PayoutResult, error)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store     Store
	Policy    *policy.Policy
	Capital   capital.Provider
	Reference ReferenceData
	Evidence  EvidenceSource // optional
	Payouts   PayoutRouter
	Logistics logistics.Router
	Events    *domain.EventDispatcher // optional
	Now       func() time.Time
}

// Engine applies lifecycle actions. Transitions on one settlement are
// serialized in-process; Store.Apply guards against other instances.
type Engine struct {
	store     Store
	policy    *policy.Policy
	capital   capital.Provider
	refs      ReferenceData
	evidence  EvidenceSource
	payouts   PayoutRouter
	logistics logistics.Router
	events    *domain.EventDispatcher
	now       func() time.Time
	locks     *keyedMutex
}

// NewEngine creates an Engine.
func NewEngine(d Deps) *Engine {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	p := d.Policy
	if p == nil {
		p = policy.New(policy.DefaultThresholds())
	}
	return &Engine{
		store:     d.Store,
		policy:    p,
		capital:   d.Capital,
		refs:      d.Reference,
		evidence:  d.Evidence,
		payouts:   d.Payouts,
		logistics: d.Logistics,
		events:    d.Events,
		now:       now,
		locks:     newKeyedMutex(),
	}
}

// Rejection explains why policy refused an action. It is data, not an error.
type Rejection struct {
	Code     string                `json:"code"`
	Action   string                `json:"action"`
	Reason   string                `json:"reason"`
	Blockers []policy.Blocker      `json:"blockers"`
	Approval policy.ApprovalResult `json:"approval"`
}

// Result is the outcome of a lifecycle action.
type Result struct {
	Case      *domain.SettlementCase `json:"case"`
	Entries   []domain.LedgerEntry   `json:"entries,omitempty"`
	Decision  *policy.Decision       `json:"decision,omitempty"`
	Rejection *Rejection             `json:"rejection,omitempty"`
	Payout    *rail.PayoutResult     `json:"payout,omitempty"`
	Shipment  *logistics.Shipment    `json:"shipment,omitempty"`
}

// Get returns a case.
func (e *Engine) Get(ctx context.Context, id string) (*domain.SettlementCase, error) {
	c, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err, id)
	}
	return c, nil
}

// List returns cases matching filter.
func (e *Engine) List(ctx context.Context, filter domain.SettlementFilter) ([]*domain.SettlementCase, error) {
	return e.store.List(ctx, filter)
}

// Ledger returns entries after afterSeq.
func (e *Engine) Ledger(ctx context.Context, id string, afterSeq int64) ([]domain.LedgerEntry, error) {
	entries, err := e.store.ReadSince(ctx, id, afterSeq)
	if err != nil {
		return nil, mapStoreErr(err, id)
	}
	return entries, nil
}

// loaded is a case plus what its ledger says.
type loaded struct {
	c         *domain.SettlementCase
	st        ReplayState
	replayErr error
}

// inspect reads a case and its ledger and flags AMBIGUOUS_STATE when they
// disagree. It does not refuse ambiguous cases.
func (e *Engine) inspect(ctx context.Context, id string) (*loaded, error) {
	c, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, mapStoreErr(err, id)
	}
	entries, err := e.store.ReadSince(ctx, id, 0)
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", id, err)
	}
	l := &loaded{c: c}
	l.st, l.replayErr = Replay(entries)

	switch {
	case l.replayErr != nil:
		if err := e.markAmbiguous(ctx, l, l.replayErr.Error(), nil); err != nil {
			return nil, err
		}
	case l.st.Status != c.Status && c.Status != domain.SettlementAmbiguous:
		reason := fmt.Sprintf("ledger replays to %s but case is %s", l.st.Status, c.Status)
		if err := e.markAmbiguous(ctx, l, reason, nil); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// load is inspect plus refusal of ambiguous cases.
func (e *Engine) load(ctx context.Context, id string) (*loaded, error) {
	l, err := e.inspect(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.c.Status == domain.SettlementAmbiguous {
		return nil, ambiguousErr(id)
	}
	return l, nil
}

// markAmbiguous moves a case to AMBIGUOUS_STATE. An entry is recorded only
// when the ledger itself is sound and not sealed by a terminal entry.
func (e *Engine) markAmbiguous(ctx context.Context, l *loaded, reason string, detail map[string]string) error {
	if l.c.Status == domain.SettlementAmbiguous {
		return nil
	}
	if detail == nil {
		detail = map[string]string{}
	}
	detail["reason"] = reason
	detail["stored_status"] = string(l.c.Status)

	var entries []domain.LedgerEntry
	if l.replayErr == nil && !l.st.Sealed {
		snap := l.st.Last.Snapshot
		entries = append(entries, e.newEntry(l, nil, domain.EntryAmbiguousDetected, domain.SettlementAmbiguous,
			domain.SystemActor, domain.RoleSystem, detail, snap))
	}

	logger.Error("Settlement halted in ambiguous state",
		zap.String("settlement_id", l.c.ID),
		zap.String("stored_status", string(l.c.Status)),
		zap.String("reason", reason),
	)
	metrics.AmbiguousStates.Inc()

	return e.commit(ctx, l, domain.SettlementAmbiguous, "", entries)
}

// commit applies a status change with its entries and publishes them.
func (e *Engine) commit(ctx context.Context, l *loaded, next domain.SettlementStatus, r domain.Rail, entries []domain.LedgerEntry) error {
	now := e.now().UTC()
	if len(entries) > 0 {
		now = entries[len(entries)-1].Timestamp
	}
	cm := Commit{
		SettlementID: l.c.ID,
		Expected:     l.c.Status,
		Next:         next,
		Rail:         r,
		Entries:      entries,
		UpdatedAt:    now,
	}
	if err := e.store.Apply(ctx, cm); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			actual := ""
			if cur, gerr := e.store.Get(ctx, l.c.ID); gerr == nil {
				actual = string(cur.Status)
			}
			metrics.SettlementTransitions.WithLabelValues("conflict").Inc()
			return apperrors.ConcurrentConflict("settlement", l.c.ID, string(l.c.Status), string(next), actual)
		}
		return fmt.Errorf("apply settlement %s commit: %w", l.c.ID, err)
	}

	l.c.Status = next
	l.c.UpdatedAt = now
	if r != "" {
		l.c.Rail = r
	}
	for _, en := range entries {
		l.st.LastSeq = en.Seq
		l.st.LastTimestamp = en.Timestamp
		l.st.Last = en
	}
	metrics.SettlementTransitions.WithLabelValues(string(next)).Inc()
	e.publish(ctx, l.c, entries)
	return nil
}

func (e *Engine) publish(ctx context.Context, c *domain.SettlementCase, entries []domain.LedgerEntry) {
	if e.events == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, en := range entries {
		_ = e.events.Dispatch(ctx, domain.LifecycleEvent{Case: *c, Entry: en})
	}
}

// newEntry builds the entry following after, or following l's ledger when
// after is nil, so one commit can carry several entries.
func (e *Engine) newEntry(
	l *loaded,
	after *domain.LedgerEntry,
	typ domain.LedgerEntryType,
	status domain.SettlementStatus,
	actor domain.Actor,
	role domain.Role,
	detail map[string]string,
	snap domain.LedgerSnapshot,
) domain.LedgerEntry {
	seq, prev := l.st.LastSeq+1, l.st.LastTimestamp
	if after != nil {
		seq, prev = after.Seq+1, after.Timestamp
	}
	return domain.LedgerEntry{
		ID:           newID("led"),
		SettlementID: l.c.ID,
		Seq:          seq,
		Type:         typ,
		Status:       status,
		Actor:        actor.UserID,
		ActorRole:    role,
		Timestamp:    e.stamp(prev),
		Detail:       detail,
		Snapshot:     snap,
	}
}

// stamp returns a timestamp strictly after prev at microsecond precision.
func (e *Engine) stamp(prev time.Time) time.Time {
	ts := e.now().UTC().Truncate(time.Microsecond)
	if !ts.After(prev) {
		ts = prev.Add(time.Microsecond)
	}
	return ts
}

// evaluate runs the policy against the case's current inputs.
func (e *Engine) evaluate(ctx context.Context, c *domain.SettlementCase) (policy.Decision, error) {
	cp, err := e.refs.Counterparty(ctx, c.BuyerOrgID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return policy.Decision{}, apperrors.NotFound(apperrors.CodeCounterpartyNotFound, "counterparty not found").
				WithParams(map[string]interface{}{"org_id": c.BuyerOrgID})
		}
		return policy.Decision{}, fmt.Errorf("load counterparty %s: %w", c.BuyerOrgID, err)
	}
	corridor, err := e.refs.Corridor(ctx, c.CorridorID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return policy.Decision{}, apperrors.NotFound(apperrors.CodeCorridorNotFound, "corridor not found").
				WithParams(map[string]interface{}{"corridor_id": c.CorridorID})
		}
		return policy.Decision{}, fmt.Errorf("load corridor %s: %w", c.CorridorID, err)
	}

	var evidence *policy.Evidence
	if e.evidence != nil {
		evidence, err = e.evidence.Evidence(ctx, c.BuyerOrgID)
		if err != nil {
			logger.Warn("Evidence lookup failed; evaluating without evidence",
				zap.String("settlement_id", c.ID), zap.Error(err))
			evidence = nil
		}
	}

	snap, err := e.capital.Snapshot(ctx)
	if err != nil {
		code := apperrors.CodeCapitalUnavailable
		if errors.Is(err, capital.ErrStale) {
			code = apperrors.CodeCapitalStale
		}
		return policy.Decision{}, apperrors.Wrap(err, code, "capital snapshot not available", http.StatusServiceUnavailable)
	}

	dec, err := e.policy.Evaluate(policy.Input{
		Counterparty: cp,
		Corridor:     corridor,
		Evidence:     evidence,
		Notional:     c.NotionalUSD,
		Capital:      snap,
	})
	if err != nil {
		return policy.Decision{}, apperrors.Wrap(err, apperrors.CodeCapitalUnavailable, "capital snapshot cannot be evaluated", http.StatusServiceUnavailable)
	}
	return dec, nil
}

// snapshot freezes a decision plus ledger flags; typ is the entry being written.
func snapshot(dec policy.Decision, st ReplayState, typ domain.LedgerEntryType) domain.LedgerSnapshot {
	s := domain.LedgerSnapshot{
		ChecksStatus:        checksStatus(dec),
		FundsConfirmed:      st.FundsConfirmed || typ == domain.EntryFundsConfirmed,
		GoldAllocated:       st.GoldAllocated || typ == domain.EntryGoldAllocated,
		VerificationCleared: st.VerificationCleared || typ == domain.EntryVerificationCleared,
		ECRAtAction:         dec.Capital.PostTxnECR,
		HardstopAtAction:    dec.Capital.PostTxnHardstopUtil,
		TRIScore:            dec.TRI.Score,
		ApprovalTier:        string(dec.Approval.Tier),
		Blockers:            dec.BlockIDs(),
		Warnings:            dec.WarningIDs(),
	}
	if s.Blockers == nil {
		s.Blockers = []string{}
	}
	if s.Warnings == nil {
		s.Warnings = []string{}
	}
	return s
}

// carrySnapshot reuses the last frozen figures when a fresh evaluation is
// impossible; only the flags advance.
func carrySnapshot(st ReplayState, typ domain.LedgerEntryType) domain.LedgerSnapshot {
	s := st.Last.Snapshot
	s.FundsConfirmed = st.FundsConfirmed || typ == domain.EntryFundsConfirmed
	s.GoldAllocated = st.GoldAllocated || typ == domain.EntryGoldAllocated
	s.VerificationCleared = st.VerificationCleared || typ == domain.EntryVerificationCleared
	return s
}

func checksStatus(dec policy.Decision) domain.ChecksStatus {
	if dec.Blocked {
		return domain.ChecksFail
	}
	for _, b := range dec.Blockers {
		if b.Severity == policy.SeverityWarn {
			return domain.ChecksWarn
		}
	}
	return domain.ChecksPass
}

func rejection(action string, dec policy.Decision) *Rejection {
	metrics.PolicyRejections.WithLabelValues(action).Inc()
	return &Rejection{
		Code:     apperrors.CodePolicyRejected,
		Action:   action,
		Reason:   dec.Approval.Reason,
		Blockers: dec.Blockers,
		Approval: dec.Approval,
	}
}

func mapStoreErr(err error, id string) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.ErrSettlementNotFoundf(id)
	}
	return err
}

func ambiguousErr(id string) error {
	return apperrors.Wrap(apperrors.ErrAmbiguousState, apperrors.CodeSettlementAmbiguous,
		"settlement requires operator reconciliation", http.StatusConflict).
		WithParams(map[string]interface{}{"settlement_id": id})
}

func newID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return prefix + "-" + uuid.NewString()
	}
	return prefix + "-" + id.String()
}
