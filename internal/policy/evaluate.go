package policy

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Input is everything the engine needs to judge one transaction.
type Input struct {
	Counterparty Counterparty
	Corridor     Corridor
	Evidence     *Evidence
	Notional     decimal.Decimal
	Capital      CapitalSnapshot
}

// Decision bundles the outputs of a full evaluation.
type Decision struct {
	TRI      TRIResult         `json:"tri"`
	Capital  CapitalValidation `json:"capital"`
	Blockers []Blocker         `json:"blockers"`
	Approval ApprovalResult    `json:"approval"`
	Blocked  bool              `json:"blocked"`
}

// Evaluate runs TRI, capital validation, blockers and approval together.
// A decision with any BLOCK blocker always requires board approval.
func (p *Policy) Evaluate(in Input) (Decision, error) {
	cv, err := ValidateCapital(in.Notional, in.Capital)
	if err != nil {
		return Decision{}, fmt.Errorf("validate capital: %w", err)
	}

	tri := ComputeTRI(in.Counterparty, in.Corridor, in.Notional, in.Capital)
	blockers := p.CheckBlockers(in.Counterparty, in.Corridor, in.Evidence, tri, in.Notional, in.Capital)
	approval := DetermineApproval(tri.Score, in.Notional)

	blocked := HasBlockLevel(blockers)
	if blocked {
		approval = ApprovalResult{
			Tier:   TierBoard,
			Label:  TierBoard.Label(),
			Reason: "blocked by policy: " + string(blockIDs(blockers)[0]),
		}
	}

	return Decision{TRI: tri, Capital: cv, Blockers: blockers, Approval: approval, Blocked: blocked}, nil
}

// BlockIDs lists the IDs of BLOCK-severity blockers.
func (d Decision) BlockIDs() []string {
	ids := blockIDs(d.Blockers)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// WarningIDs lists the IDs of WARN-severity blockers.
func (d Decision) WarningIDs() []string {
	var out []string
	for _, b := range d.Blockers {
		if b.Severity == SeverityWarn {
			out = append(out, string(b.ID))
		}
	}
	return out
}

func blockIDs(blockers []Blocker) []BlockerID {
	var out []BlockerID
	for _, b := range blockers {
		if b.Severity == SeverityBlock {
			out = append(out, b.ID)
		}
	}
	return out
}
