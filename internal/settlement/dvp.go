package settlement

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"goldclear.io/clearing/internal/domain"
	"goldclear.io/clearing/internal/logistics"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/pkg/logger"
	"goldclear.io/clearing/internal/rail"
)

// DvPOptions carries execution-time instructions.
type DvPOptions struct {
	// DeliveryAddress defaults to the case's vault hub.
	DeliveryAddress string
}

// ExecuteDvP performs Delivery-versus-Payment on an AUTHORIZED case:
// re-check policy, route funds exactly once, book logistics, then record
// the outcome. It runs to completion even if ctx is cancelled.
func (e *Engine) ExecuteDvP(ctx context.Context, actor domain.Actor, id string, opts DvPOptions) (*Result, error) {
	ctx = context.WithoutCancel(ctx)

	role, ok := actor.FirstOf(executionRoles...)
	if !ok {
		return nil, apperrors.ErrRoleNotPermittedf("execute_dvp", actor.RoleList())
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	l, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.c.Status != domain.SettlementAuthorized {
		return nil, apperrors.InvalidTransition("settlement", id, string(l.c.Status), string(domain.SettlementSettled))
	}

	// The policy always runs again at execution; no evaluation, no DvP.
	d, err := e.evaluate(ctx, l.c)
	if err != nil {
		return nil, err
	}
	dec, snap := &d, snapshot(d, l.st, domain.EntryDvPExecuted)
	if d.Blocked {
		blocked := e.newEntry(l, nil, domain.EntryDvPBlocked, domain.SettlementAuthorized, actor, role,
			map[string]string{"blockers": strings.Join(d.BlockIDs(), ",")}, snapshot(d, l.st, domain.EntryDvPBlocked))
		if err := e.commit(ctx, l, domain.SettlementAuthorized, "", []domain.LedgerEntry{blocked}); err != nil {
			return nil, err
		}
		logger.Warn("DvP blocked at execution",
			zap.String("settlement_id", id), zap.Strings("blockers", d.BlockIDs()))
		return &Result{Case: l.c, Entries: []domain.LedgerEntry{blocked}, Decision: dec, Rejection: rejection("execute_dvp", d)}, nil
	}

	payout, routeErr := e.route(ctx, l.c)
	if routeErr != nil || !payout.Success {
		reason := payout.Error
		if routeErr != nil {
			reason = routeErr.Error()
		}
		detail := map[string]string{"reason": reason, "attempts": strconv.Itoa(len(payout.Attempts))}
		failed := e.newEntry(l, nil, domain.EntrySettlementFailed, domain.SettlementFailed, actor, role, detail, snap)
		if err := e.commit(ctx, l, domain.SettlementFailed, "", []domain.LedgerEntry{failed}); err != nil {
			return nil, err
		}
		logger.Error("DvP funds routing failed",
			zap.String("settlement_id", id), zap.String("reason", reason))
		return &Result{Case: l.c, Entries: []domain.LedgerEntry{failed}, Decision: dec, Payout: &payout}, nil
	}

	// Funds have moved. From here on the only acceptable outcomes are SETTLED
	// or AMBIGUOUS_STATE.
	var (
		entries  []domain.LedgerEntry
		prev     *domain.LedgerEntry
		shipment *logistics.Shipment
	)
	s, shipErr := e.ship(ctx, l.c, opts)
	if shipErr != nil {
		warn := e.newEntry(l, nil, domain.EntryLogisticsFailed, domain.SettlementAuthorized, actor, role,
			map[string]string{"reason": shipErr.Error()}, snap)
		entries = append(entries, warn)
		prev = &entries[0]
		logger.Warn("Logistics booking failed after funds settled",
			zap.String("settlement_id", id), zap.Error(shipErr))
	} else {
		shipment = &s
	}

	detail := map[string]string{
		"rail":                string(payout.Rail),
		"external_ids":        strings.Join(payout.ExternalIDs, ","),
		"is_fallback":         strconv.FormatBool(payout.IsFallback),
		"platform_fee_cents":  strconv.FormatInt(payout.PlatformFeeCents, 10),
		"seller_payout_cents": strconv.FormatInt(payout.SellerPayoutCents, 10),
	}
	if shipment != nil {
		detail["carrier"] = string(shipment.Carrier)
		detail["tracking_ref"] = shipment.TrackingRef
	}
	executed := e.newEntry(l, prev, domain.EntryDvPExecuted, domain.SettlementSettled, actor, role, detail, snap)
	entries = append(entries, executed)

	if err := e.commit(ctx, l, domain.SettlementSettled, payout.Rail, entries); err != nil {
		logger.Error("DvP commit failed after funds moved",
			zap.String("settlement_id", id),
			zap.Strings("external_ids", payout.ExternalIDs),
			zap.Error(err),
		)
		if merr := e.markAmbiguous(ctx, l, "funds routed but settlement commit failed: "+err.Error(), map[string]string{
			"rail":         string(payout.Rail),
			"external_ids": strings.Join(payout.ExternalIDs, ","),
		}); merr != nil {
			logger.Error("Failed to flag settlement ambiguous", zap.String("settlement_id", id), zap.Error(merr))
		}
		return nil, ambiguousErr(id)
	}

	logger.Info("Settlement executed",
		zap.String("settlement_id", id),
		zap.String("rail", string(payout.Rail)),
		zap.Bool("fallback", payout.IsFallback),
		zap.Bool("logistics_booked", shipment != nil),
	)
	return &Result{Case: l.c, Entries: entries, Decision: dec, Payout: &payout, Shipment: shipment}, nil
}

// route calls the payout router once, converting panics into errors.
func (e *Engine) route(ctx context.Context, c *domain.SettlementCase) (res rail.PayoutResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("payout router panic: %v", p)
		}
	}()
	return e.payouts.Route(ctx, rail.PayoutRequest{
		SettlementID:     c.ID,
		TotalAmountCents: c.NotionalCents(),
		BuyerOrgID:       c.BuyerOrgID,
		SellerOrgID:      c.SellerOrgID,
		Currency:         "USD",
		Memo:             "order " + c.OrderID,
	})
}

func (e *Engine) ship(ctx context.Context, c *domain.SettlementCase, opts DvPOptions) (s logistics.Shipment, err error) {
	if e.logistics == nil {
		return logistics.Shipment{}, fmt.Errorf("no logistics router configured")
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("logistics router panic: %v", p)
		}
	}()
	addr := opts.DeliveryAddress
	if addr == "" {
		addr = "VAULT:" + c.VaultHubID
	}
	return e.logistics.CreateShipment(ctx, logistics.ShipmentRequest{
		SettlementID:    c.ID,
		OriginVaultHub:  c.HubID,
		DeliveryAddress: addr,
		WeightOz:        c.WeightOz,
		NotionalCents:   c.NotionalCents(),
	})
}
