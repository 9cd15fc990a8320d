// Package compliance manages the per-user KYC/KYB case through a fixed
// transition graph persisted with compare-and-swap on the current status.
//
// Import Path: goldclear.io/clearing/internal/compliance
package compliance

import "goldclear.io/clearing/internal/domain"

// Allowed returns the statuses reachable from s in one step.
func Allowed(s domain.ComplianceStatus) []domain.ComplianceStatus {
	switch s {
	case domain.ComplianceOpen:
		return []domain.ComplianceStatus{domain.CompliancePendingUser, domain.ComplianceClosed}
	case domain.CompliancePendingUser:
		return []domain.ComplianceStatus{domain.CompliancePendingProvider, domain.ComplianceClosed}
	case domain.CompliancePendingProvider:
		return []domain.ComplianceStatus{
			domain.ComplianceUnderReview,
			domain.ComplianceApproved,
			domain.ComplianceRejected,
			domain.CompliancePendingUser,
			domain.ComplianceClosed,
		}
	case domain.ComplianceUnderReview:
		return []domain.ComplianceStatus{
			domain.ComplianceApproved,
			domain.ComplianceRejected,
			domain.CompliancePendingProvider,
		}
	case domain.ComplianceRejected:
		return []domain.ComplianceStatus{domain.ComplianceOpen}
	case domain.ComplianceApproved, domain.ComplianceClosed:
		return nil
	}
	return nil
}

// CanTransition reports whether to is reachable from from in one step.
func CanTransition(from, to domain.ComplianceStatus) bool {
	for _, s := range Allowed(from) {
		if s == to {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is a known compliance status.
func ValidStatus(s domain.ComplianceStatus) bool {
	switch s {
	case domain.ComplianceOpen, domain.CompliancePendingUser, domain.CompliancePendingProvider,
		domain.ComplianceUnderReview, domain.ComplianceApproved, domain.ComplianceRejected, domain.ComplianceClosed:
		return true
	}
	return false
}
