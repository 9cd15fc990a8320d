// Package domain provides the core models of the clearing service.
//
// Repositories and engines exchange these types; nothing here performs I/O.
//
// Import Path: goldclear.io/clearing/internal/domain
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementStatus is the lifecycle state of a settlement case.
type SettlementStatus string

const (
	SettlementDraft                SettlementStatus = "DRAFT"
	SettlementEscrowOpen           SettlementStatus = "ESCROW_OPEN"
	SettlementAwaitingFunds        SettlementStatus = "AWAITING_FUNDS"
	SettlementAwaitingGold         SettlementStatus = "AWAITING_GOLD"
	SettlementAwaitingVerification SettlementStatus = "AWAITING_VERIFICATION"
	SettlementReadyToSettle        SettlementStatus = "READY_TO_SETTLE"
	SettlementAuthorized           SettlementStatus = "AUTHORIZED"
	SettlementSettled              SettlementStatus = "SETTLED"
	SettlementFailed               SettlementStatus = "FAILED"
	SettlementCancelled            SettlementStatus = "CANCELLED"

	// SettlementAmbiguous marks a case whose ledger and stored status disagree,
	// or whose funds movement outcome is unknown. Only an operator can resolve it.
	SettlementAmbiguous SettlementStatus = "AMBIGUOUS_STATE"
)

// Valid reports whether s is a known status.
func (s SettlementStatus) Valid() bool {
	switch s {
	case SettlementDraft, SettlementEscrowOpen, SettlementAwaitingFunds, SettlementAwaitingGold,
		SettlementAwaitingVerification, SettlementReadyToSettle, SettlementAuthorized,
		SettlementSettled, SettlementFailed, SettlementCancelled, SettlementAmbiguous:
		return true
	}
	return false
}

// IsTerminal reports whether no further ledger entry may follow s.
func (s SettlementStatus) IsTerminal() bool {
	switch s {
	case SettlementSettled, SettlementFailed, SettlementCancelled:
		return true
	}
	return false
}

// Rail identifies a payment settlement provider.
type Rail string

const (
	RailMoov           Rail = "moov"
	RailModernTreasury Rail = "modern_treasury"
)

// Valid reports whether r is a known rail.
func (r Rail) Valid() bool {
	return r == RailMoov || r == RailModernTreasury
}

// SettlementCase is one order's settlement. Money fields are decimals in USD;
// WeightOz is troy ounces.
type SettlementCase struct {
	ID               string           `json:"id"`
	OrderID          string           `json:"order_id"`
	BuyerOrgID       string           `json:"buyer_org_id"`
	SellerOrgID      string           `json:"seller_org_id"`
	WeightOz         decimal.Decimal  `json:"weight_oz"`
	PricePerOzLocked decimal.Decimal  `json:"price_per_oz_locked"`
	NotionalUSD      decimal.Decimal  `json:"notional_usd"`
	Rail             Rail             `json:"rail,omitempty"`
	CorridorID       string           `json:"corridor_id"`
	HubID            string           `json:"hub_id"`
	VaultHubID       string           `json:"vault_hub_id"`
	Status           SettlementStatus `json:"status"`
	ReopenedFrom     string           `json:"reopened_from,omitempty"`
	OpenedAt         time.Time        `json:"opened_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// NotionalCents returns the notional in integer cents, rounded half-up.
func (c *SettlementCase) NotionalCents() int64 {
	return c.NotionalUSD.Shift(2).Round(0).IntPart()
}

// SettlementFilter narrows settlement case listings.
type SettlementFilter struct {
	Status     SettlementStatus
	CorridorID string
	OrgID      string
	Limit      int
}
