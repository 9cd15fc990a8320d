package compliance

import (
	"context"
	"errors"

	"goldclear.io/clearing/internal/domain"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
)

// CapabilityFor returns the trading capability a case grants. A nil case
// grants browse only.
func CapabilityFor(c *domain.ComplianceCase) domain.Capability {
	if c == nil {
		return domain.CapabilityBrowse
	}
	switch c.Status {
	case domain.ComplianceApproved:
		switch c.Tier {
		case domain.TierInstitutional:
			return domain.CapabilitySettle
		case domain.TierStandard:
			return domain.CapabilityExecute
		case domain.TierBasic:
			return domain.CapabilityLock
		}
		return domain.CapabilityQuote
	case domain.CompliancePendingProvider, domain.ComplianceUnderReview:
		return domain.CapabilityQuote
	case domain.ComplianceOpen, domain.CompliancePendingUser, domain.ComplianceRejected, domain.ComplianceClosed:
		return domain.CapabilityBrowse
	}
	return domain.CapabilityBrowse
}

// Capability returns the capability of the user's case.
func (s *Service) Capability(ctx context.Context, userID string) (domain.Capability, error) {
	c, err := s.store.GetByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return domain.CapabilityBrowse, nil
		}
		return "", err
	}
	return CapabilityFor(c), nil
}

// RequireCapability fails with CAPABILITY_DENIED unless the user's case
// grants at least required.
func (s *Service) RequireCapability(ctx context.Context, userID string, required domain.Capability) error {
	have, err := s.Capability(ctx, userID)
	if err != nil {
		return err
	}
	if !have.Allows(required) {
		return capabilityDenied(userID, have, required)
	}
	return nil
}
