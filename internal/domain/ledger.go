package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntryType is the kind of event recorded on a settlement ledger.
type LedgerEntryType string

const (
	EntryCaseOpened          LedgerEntryType = "CASE_OPENED"
	EntryEscrowOpened        LedgerEntryType = "ESCROW_OPENED"
	EntryFundingRequested    LedgerEntryType = "FUNDING_REQUESTED"
	EntryFundsConfirmed      LedgerEntryType = "FUNDS_CONFIRMED"
	EntryGoldAllocated       LedgerEntryType = "GOLD_ALLOCATED"
	EntryVerificationCleared LedgerEntryType = "VERIFICATION_CLEARED"
	EntryAuthorization       LedgerEntryType = "AUTHORIZATION"
	EntryDvPExecuted         LedgerEntryType = "DVP_EXECUTED"
	EntrySettlementFailed    LedgerEntryType = "SETTLEMENT_FAILED"
	EntryCancelled           LedgerEntryType = "CANCELLED"

	// Annotations: recorded without changing status.
	EntryDvPBlocked      LedgerEntryType = "DVP_BLOCKED"
	EntryLogisticsFailed LedgerEntryType = "LOGISTICS_FAILED"
	EntryPolicyRecheck   LedgerEntryType = "POLICY_RECHECK"

	EntryAmbiguousDetected  LedgerEntryType = "AMBIGUOUS_STATE_DETECTED"
	EntryOperatorReconciled LedgerEntryType = "OPERATOR_RECONCILED"
)

// ChecksStatus summarizes the policy outcome frozen into a snapshot.
type ChecksStatus string

const (
	ChecksPass ChecksStatus = "PASS"
	ChecksWarn ChecksStatus = "WARN"
	ChecksFail ChecksStatus = "FAIL"
)

// LedgerSnapshot is the risk state frozen at the moment an entry is written.
type LedgerSnapshot struct {
	ChecksStatus        ChecksStatus    `json:"checks_status"`
	FundsConfirmed      bool            `json:"funds_confirmed"`
	GoldAllocated       bool            `json:"gold_allocated"`
	VerificationCleared bool            `json:"verification_cleared"`
	ECRAtAction         decimal.Decimal `json:"ecr_at_action"`
	HardstopAtAction    decimal.Decimal `json:"hardstop_at_action"`
	TRIScore            decimal.Decimal `json:"tri_score"`
	ApprovalTier        string          `json:"approval_tier,omitempty"`
	Blockers            []string        `json:"blockers"`
	Warnings            []string        `json:"warnings"`
}

// LedgerEntry is one immutable record on a settlement ledger. Seq starts at 1
// and is strictly increasing per settlement, as is Timestamp.
type LedgerEntry struct {
	ID           string            `json:"id"`
	SettlementID string            `json:"settlement_id"`
	Seq          int64             `json:"seq"`
	Type         LedgerEntryType   `json:"type"`
	Status       SettlementStatus  `json:"status"`
	Actor        string            `json:"actor"`
	ActorRole    Role              `json:"actor_role"`
	Timestamp    time.Time         `json:"timestamp"`
	Detail       map[string]string `json:"detail,omitempty"`
	Snapshot     LedgerSnapshot    `json:"snapshot"`
}
