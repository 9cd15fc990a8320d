package domain

import "time"

// ComplianceStatus is the state of a KYC/KYB case.
type ComplianceStatus string

const (
	ComplianceOpen            ComplianceStatus = "OPEN"
	CompliancePendingUser     ComplianceStatus = "PENDING_USER"
	CompliancePendingProvider ComplianceStatus = "PENDING_PROVIDER"
	ComplianceUnderReview     ComplianceStatus = "UNDER_REVIEW"
	ComplianceApproved        ComplianceStatus = "APPROVED"
	ComplianceRejected        ComplianceStatus = "REJECTED"
	ComplianceClosed          ComplianceStatus = "CLOSED"
)

// ComplianceTier is the verification depth granted on approval.
type ComplianceTier string

const (
	TierBasic         ComplianceTier = "BASIC"
	TierStandard      ComplianceTier = "STANDARD"
	TierInstitutional ComplianceTier = "INSTITUTIONAL"
)

// Valid reports whether t is a known tier.
func (t ComplianceTier) Valid() bool {
	switch t {
	case TierBasic, TierStandard, TierInstitutional:
		return true
	}
	return false
}

// EntityType distinguishes KYC (individual) from KYB (organization) cases.
type EntityType string

const (
	EntityIndividual   EntityType = "INDIVIDUAL"
	EntityOrganization EntityType = "ORGANIZATION"
)

// EventActor identifies who caused a compliance event.
type EventActor string

const (
	EventActorUser     EventActor = "USER"
	EventActorProvider EventActor = "PROVIDER"
	EventActorSystem   EventActor = "SYSTEM"
)

// ComplianceCase is the single KYC/KYB case of a user.
type ComplianceCase struct {
	ID                string           `json:"id"`
	UserID            string           `json:"user_id"`
	OrgID             string           `json:"org_id"`
	Status            ComplianceStatus `json:"status"`
	Tier              ComplianceTier   `json:"tier"`
	EntityType        EntityType       `json:"entity_type"`
	ProviderInquiryID string           `json:"provider_inquiry_id,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// ComplianceEvent is an append-only audit record of a compliance case action.
type ComplianceEvent struct {
	ID        string            `json:"id"`
	CaseID    string            `json:"case_id"`
	Actor     EventActor        `json:"actor"`
	Action    string            `json:"action"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Capability is the highest trading action a user may reach.
type Capability string

const (
	CapabilityBrowse  Capability = "browse"
	CapabilityQuote   Capability = "quote"
	CapabilityLock    Capability = "lock"
	CapabilityExecute Capability = "execute"
	CapabilitySettle  Capability = "settle"
)

// Rank orders capabilities; unknown values rank below browse.
func (c Capability) Rank() int {
	switch c {
	case CapabilityBrowse:
		return 0
	case CapabilityQuote:
		return 1
	case CapabilityLock:
		return 2
	case CapabilityExecute:
		return 3
	case CapabilitySettle:
		return 4
	}
	return -1
}

// Allows reports whether c grants at least required.
func (c Capability) Allows(required Capability) bool {
	return c.Rank() >= required.Rank() && required.Rank() >= 0
}
