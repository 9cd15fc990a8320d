package policy

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Severity grades a blocker. Only BLOCK prevents progress.
type Severity string

const (
	SeverityBlock Severity = "BLOCK"
	SeverityWarn  Severity = "WARN"
	SeverityInfo  Severity = "INFO"
)

// BlockerID is the closed set of policy rules.
type BlockerID string

const (
	BlockerSanctionsNotClear       BlockerID = "SANCTIONS_NOT_CLEAR"
	BlockerKYCNotVerified          BlockerID = "KYC_NOT_VERIFIED"
	BlockerCorridorSuspended       BlockerID = "CORRIDOR_SUSPENDED"
	BlockerCorridorRestricted      BlockerID = "CORRIDOR_RESTRICTED"
	BlockerHardstopCeilingExceeded BlockerID = "HARDSTOP_CEILING_EXCEEDED"
	BlockerHardstopNearCeiling     BlockerID = "HARDSTOP_NEAR_CEILING"
	BlockerTRIRed                  BlockerID = "TRI_RED"
	BlockerCapitalHardstopBreach   BlockerID = "CAPITAL_HARDSTOP_BREACH"
	BlockerCapitalDataInvalid      BlockerID = "CAPITAL_DATA_INVALID"
	BlockerEvidenceNotProvided     BlockerID = "EVIDENCE_NOT_PROVIDED"
	BlockerComplianceNotApproved   BlockerID = "COMPLIANCE_NOT_APPROVED"
	BlockerProofOfFundsMissing     BlockerID = "PROOF_OF_FUNDS_MISSING"
)

// Title is the human-readable rule name.
func (id BlockerID) Title() string {
	switch id {
	case BlockerSanctionsNotClear:
		return "Sanctions screening not clear"
	case BlockerKYCNotVerified:
		return "Counterparty KYC not verified"
	case BlockerCorridorSuspended:
		return "Corridor suspended"
	case BlockerCorridorRestricted:
		return "Corridor restricted"
	case BlockerHardstopCeilingExceeded:
		return "Hardstop ceiling exceeded"
	case BlockerHardstopNearCeiling:
		return "Hardstop utilization near ceiling"
	case BlockerTRIRed:
		return "Transaction risk index in red band"
	case BlockerCapitalHardstopBreach:
		return "Capital aggregator reports hardstop breach"
	case BlockerCapitalDataInvalid:
		return "Capital snapshot cannot be evaluated"
	case BlockerEvidenceNotProvided:
		return "No supporting evidence provided"
	case BlockerComplianceNotApproved:
		return "Compliance case not approved"
	case BlockerProofOfFundsMissing:
		return "Proof of funds missing"
	}
	return string(id)
}

// Blocker is one firing policy rule. Blockers are recomputed on every
// evaluation and only persist inside ledger snapshots.
type Blocker struct {
	ID       BlockerID `json:"id"`
	Severity Severity  `json:"severity"`
	Title    string    `json:"title"`
	Detail   string    `json:"detail"`
}

// Thresholds are the configurable limits of the policy.
type Thresholds struct {
	// HardstopCeiling is the post-transaction hardstop utilization above which
	// a transaction is blocked.
	HardstopCeiling decimal.Decimal
	// HardstopWarn is the utilization above which a warning is raised.
	HardstopWarn decimal.Decimal
	// RedBlockNotional is the notional above which a red TRI blocks instead of warns.
	RedBlockNotional decimal.Decimal
	// RequireEvidence escalates missing evidence from INFO to WARN.
	RequireEvidence bool
}

// DefaultThresholds returns the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HardstopCeiling:  decimal.RequireFromString("0.90"),
		HardstopWarn:     decimal.RequireFromString("0.80"),
		RedBlockNotional: decimal.NewFromInt(5_000_000),
	}
}

// Policy evaluates transactions against a fixed set of thresholds.
type Policy struct {
	th Thresholds
}

// New creates a Policy. Zero-valued thresholds fall back to the defaults.
func New(th Thresholds) *Policy {
	def := DefaultThresholds()
	if !th.HardstopCeiling.IsPositive() {
		th.HardstopCeiling = def.HardstopCeiling
	}
	if !th.HardstopWarn.IsPositive() {
		th.HardstopWarn = def.HardstopWarn
	}
	if !th.RedBlockNotional.IsPositive() {
		th.RedBlockNotional = def.RedBlockNotional
	}
	return &Policy{th: th}
}

// Thresholds returns the active thresholds.
func (p *Policy) Thresholds() Thresholds {
	return p.th
}

// CheckBlockers evaluates every rule independently and returns the union of
// those that fire, ordered by ID. evidence may be nil.
func (p *Policy) CheckBlockers(
	cp Counterparty,
	corridor Corridor,
	evidence *Evidence,
	tri TRIResult,
	notional decimal.Decimal,
	capital CapitalSnapshot,
) []Blocker {
	var out []Blocker
	add := func(id BlockerID, sev Severity, detail string) {
		out = append(out, Blocker{ID: id, Severity: sev, Title: id.Title(), Detail: detail})
	}

	if cp.SanctionsStatus != SanctionsClear {
		add(BlockerSanctionsNotClear, SeverityBlock,
			fmt.Sprintf("counterparty %s sanctions status is %s", cp.OrgID, cp.SanctionsStatus))
	}
	if cp.KYCStatus != KYCVerified {
		add(BlockerKYCNotVerified, SeverityBlock,
			fmt.Sprintf("counterparty %s KYC status is %s", cp.OrgID, cp.KYCStatus))
	}

	switch corridor.Status {
	case CorridorActive:
	case CorridorRestricted:
		add(BlockerCorridorRestricted, SeverityWarn, fmt.Sprintf("corridor %s is restricted", corridor.ID))
	case CorridorSuspended:
		add(BlockerCorridorSuspended, SeverityBlock, fmt.Sprintf("corridor %s is suspended", corridor.ID))
	default:
		add(BlockerCorridorSuspended, SeverityBlock,
			fmt.Sprintf("corridor %s has unknown status %q", corridor.ID, corridor.Status))
	}

	if cv, err := ValidateCapital(notional, capital); err != nil {
		add(BlockerCapitalDataInvalid, SeverityBlock, err.Error())
	} else {
		util := cv.PostTxnHardstopUtil
		switch {
		case util.GreaterThan(p.th.HardstopCeiling):
			add(BlockerHardstopCeilingExceeded, SeverityBlock,
				fmt.Sprintf("post-transaction hardstop utilization %s exceeds ceiling %s",
					pct(util), pct(p.th.HardstopCeiling)))
		case util.GreaterThan(p.th.HardstopWarn):
			add(BlockerHardstopNearCeiling, SeverityWarn,
				fmt.Sprintf("post-transaction hardstop utilization %s is above %s",
					pct(util), pct(p.th.HardstopWarn)))
		}
	}

	switch capital.BreachLevel {
	case BreachHardstop:
		add(BlockerCapitalHardstopBreach, SeverityBlock, "capital aggregator breach level is HARDSTOP")
	case BreachNone, BreachWarning, BreachCritical, "":
	}

	if tri.Band == BandRed {
		if notional.GreaterThan(p.th.RedBlockNotional) {
			add(BlockerTRIRed, SeverityBlock,
				fmt.Sprintf("TRI %s is red and notional exceeds %s", tri.Score.StringFixed(2), p.th.RedBlockNotional.StringFixed(2)))
		} else {
			add(BlockerTRIRed, SeverityWarn, fmt.Sprintf("TRI %s is red", tri.Score.StringFixed(2)))
		}
	}

	if evidence == nil {
		sev := SeverityInfo
		if p.th.RequireEvidence {
			sev = SeverityWarn
		}
		add(BlockerEvidenceNotProvided, sev, "no evidence supplied for this transaction")
	} else {
		if !evidence.ComplianceApproved {
			add(BlockerComplianceNotApproved, SeverityWarn, "counterparty compliance case is not approved")
		}
		if !evidence.ProofOfFunds {
			add(BlockerProofOfFundsMissing, SeverityWarn, "proof of funds has not been supplied")
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasBlockLevel reports whether any blocker has severity BLOCK.
func HasBlockLevel(blockers []Blocker) bool {
	for _, b := range blockers {
		if b.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

func pct(d decimal.Decimal) string {
	return d.Mul(hundred).StringFixed(2) + "%"
}
