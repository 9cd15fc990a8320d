// Package policy is the risk and capital policy engine.
//
// Every function here is pure: inputs are snapshots, outputs are values, and
// all arithmetic uses decimals so a replay reproduces the same result.
//
// Import Path: goldclear.io/clearing/internal/policy
package policy

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskRating is a counterparty's assessed credit/conduct risk.
type RiskRating string

const (
	RiskLow      RiskRating = "LOW"
	RiskMedium   RiskRating = "MEDIUM"
	RiskHigh     RiskRating = "HIGH"
	RiskCritical RiskRating = "CRITICAL"
)

// KYCStatus is the counterparty's identity verification state.
type KYCStatus string

const (
	KYCVerified   KYCStatus = "VERIFIED"
	KYCPending    KYCStatus = "PENDING"
	KYCRejected   KYCStatus = "REJECTED"
	KYCNotStarted KYCStatus = "NOT_STARTED"
)

// SanctionsStatus is the counterparty's screening state.
type SanctionsStatus string

const (
	SanctionsClear   SanctionsStatus = "CLEAR"
	SanctionsPending SanctionsStatus = "PENDING"
	SanctionsFlagged SanctionsStatus = "FLAGGED"
)

// CorridorStatus is the operating state of a jurisdiction corridor.
type CorridorStatus string

const (
	CorridorActive     CorridorStatus = "ACTIVE"
	CorridorRestricted CorridorStatus = "RESTRICTED"
	CorridorSuspended  CorridorStatus = "SUSPENDED"
)

// CorridorRisk is the jurisdictional risk of a corridor.
type CorridorRisk string

const (
	CorridorRiskLow    CorridorRisk = "LOW"
	CorridorRiskMedium CorridorRisk = "MEDIUM"
	CorridorRiskHigh   CorridorRisk = "HIGH"
)

// BreachLevel is the capital aggregator's own verdict on current exposure.
type BreachLevel string

const (
	BreachNone     BreachLevel = "NONE"
	BreachWarning  BreachLevel = "WARNING"
	BreachCritical BreachLevel = "CRITICAL"
	BreachHardstop BreachLevel = "HARDSTOP"
)

// Counterparty is the reference data the engine needs about an organization.
type Counterparty struct {
	OrgID           string          `json:"org_id" yaml:"org_id"`
	LegalName       string          `json:"legal_name" yaml:"legal_name"`
	RiskRating      RiskRating      `json:"risk_rating" yaml:"risk_rating"`
	KYCStatus       KYCStatus       `json:"kyc_status" yaml:"kyc_status"`
	SanctionsStatus SanctionsStatus `json:"sanctions_status" yaml:"sanctions_status"`
}

// Corridor is a jurisdiction pair through which gold and funds move.
type Corridor struct {
	ID        string         `json:"id" yaml:"id"`
	Name      string         `json:"name" yaml:"name"`
	Status    CorridorStatus `json:"status" yaml:"status"`
	RiskLevel CorridorRisk   `json:"risk_level" yaml:"risk_level"`
}

// Evidence is the supporting documentation known for a transaction.
type Evidence struct {
	ComplianceApproved bool `json:"compliance_approved"`
	ProofOfFunds       bool `json:"proof_of_funds"`
	TitleDocuments     bool `json:"title_documents"`
}

// CapitalSnapshot is the platform's capital position at a point in time.
type CapitalSnapshot struct {
	CapitalBase           decimal.Decimal `json:"capital_base"`
	GrossExposureNotional decimal.Decimal `json:"gross_exposure_notional"`
	ECR                   decimal.Decimal `json:"ecr"`
	HardstopLimit         decimal.Decimal `json:"hardstop_limit"`
	HardstopUtilization   decimal.Decimal `json:"hardstop_utilization"`
	BreachLevel           BreachLevel     `json:"breach_level"`
	AsOf                  time.Time       `json:"as_of"`
}

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

func clamp(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}
