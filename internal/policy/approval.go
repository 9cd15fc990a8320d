package policy

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ApprovalTier is the authority level required to authorize a settlement.
type ApprovalTier string

const (
	TierAuto            ApprovalTier = "auto"
	TierDeskHead        ApprovalTier = "desk-head"
	TierCreditCommittee ApprovalTier = "credit-committee"
	TierBoard           ApprovalTier = "board"
)

// Rank orders tiers; unknown tiers rank as board.
func (t ApprovalTier) Rank() int {
	switch t {
	case TierAuto:
		return 0
	case TierDeskHead:
		return 1
	case TierCreditCommittee:
		return 2
	case TierBoard:
		return 3
	}
	return 3
}

// Label is the display name of the tier.
func (t ApprovalTier) Label() string {
	switch t {
	case TierAuto:
		return "Auto-approved"
	case TierDeskHead:
		return "Desk Head approval"
	case TierCreditCommittee:
		return "Credit Committee approval"
	case TierBoard:
		return "Board approval"
	}
	return "Board approval"
}

// ApprovalResult is the tier a transaction requires and why.
type ApprovalResult struct {
	Tier   ApprovalTier `json:"tier"`
	Label  string       `json:"label"`
	Reason string       `json:"reason"`
}

var (
	triDeskHead        = decimal.NewFromInt(40)
	triCreditCommittee = decimal.NewFromInt(55)
	triBoard           = decimal.NewFromInt(70)

	notionalAuto            = decimal.NewFromInt(1_000_000)
	notionalDeskHead        = decimal.NewFromInt(5_000_000)
	notionalCreditCommittee = decimal.NewFromInt(25_000_000)
)

// DetermineApproval returns the higher of the TRI-based and notional-based
// tiers, so higher risk or notional never lowers the requirement.
func DetermineApproval(triScore, notional decimal.Decimal) ApprovalResult {
	byTRI := tierForTRI(triScore)
	byNotional := tierForNotional(notional)

	tier, reason := byTRI, fmt.Sprintf("TRI %s requires %s", triScore.StringFixed(2), byTRI.Label())
	if byNotional.Rank() > byTRI.Rank() {
		tier, reason = byNotional, fmt.Sprintf("notional $%s requires %s", notional.StringFixed(2), byNotional.Label())
	}
	return ApprovalResult{Tier: tier, Label: tier.Label(), Reason: reason}
}

func tierForTRI(score decimal.Decimal) ApprovalTier {
	switch {
	case score.LessThan(triDeskHead):
		return TierAuto
	case score.LessThan(triCreditCommittee):
		return TierDeskHead
	case score.LessThan(triBoard):
		return TierCreditCommittee
	default:
		return TierBoard
	}
}

func tierForNotional(n decimal.Decimal) ApprovalTier {
	switch {
	case n.LessThanOrEqual(notionalAuto):
		return TierAuto
	case n.LessThanOrEqual(notionalDeskHead):
		return TierDeskHead
	case n.LessThanOrEqual(notionalCreditCommittee):
		return TierCreditCommittee
	default:
		return TierBoard
	}
}
