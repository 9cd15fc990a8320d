package compliance

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"goldclear.io/clearing/internal/domain"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/pkg/logger"
)

// KYCOutcome is the identity provider's verdict.
type KYCOutcome string

const (
	KYCPass   KYCOutcome = "PASS"
	KYCFail   KYCOutcome = "FAIL"
	KYCReview KYCOutcome = "REVIEW"
)

// AMLOutcome is the sanctions screening verdict.
type AMLOutcome string

const (
	AMLClear          AMLOutcome = "CLEAR"
	AMLPossibleMatch  AMLOutcome = "POSSIBLE_MATCH"
	AMLConfirmedMatch AMLOutcome = "CONFIRMED_MATCH"
)

// OutcomeTarget maps a provider verdict pair to the case status it implies.
// A failure on either side rejects; any uncertainty goes to manual review.
func OutcomeTarget(kyc KYCOutcome, aml AMLOutcome) (domain.ComplianceStatus, error) {
	switch kyc {
	case KYCPass, KYCFail, KYCReview:
	default:
		return "", fmt.Errorf("unknown KYC outcome %q", kyc)
	}
	switch aml {
	case AMLClear, AMLPossibleMatch, AMLConfirmedMatch:
	default:
		return "", fmt.Errorf("unknown AML outcome %q", aml)
	}

	switch {
	case kyc == KYCFail || aml == AMLConfirmedMatch:
		return domain.ComplianceRejected, nil
	case kyc == KYCReview || aml == AMLPossibleMatch:
		return domain.ComplianceUnderReview, nil
	default:
		return domain.ComplianceApproved, nil
	}
}

// ApplyProviderOutcome applies a provider callback for inquiryID. Duplicate
// or racing callbacks are reconciled by re-reading the case: if it already
// holds the implied status the call succeeds without a new transition.
func (s *Service) ApplyProviderOutcome(ctx context.Context, inquiryID string, kyc KYCOutcome, aml AMLOutcome) (*domain.ComplianceCase, error) {
	target, err := OutcomeTarget(kyc, aml)
	if err != nil {
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed, err.Error())
	}

	c, err := s.store.GetByInquiry(ctx, inquiryID)
	if err != nil {
		return nil, mapNotFound(err, inquiryID)
	}
	if c.Status == target {
		return s.duplicate(ctx, c, kyc, aml)
	}

	updated, err := s.transition(ctx, transition{
		caseID: c.ID, target: target, expected: c.Status,
		actor: domain.EventActorProvider, action: ActionProviderOutcome,
		details: map[string]string{
			"inquiry_id": inquiryID,
			"kyc":        string(kyc),
			"aml":        string(aml),
		},
	})
	if apperrors.IsReason(err, apperrors.ReasonConcurrentConflict) {
		cur, gerr := s.store.Get(ctx, c.ID)
		if gerr == nil && cur.Status == target {
			return s.duplicate(ctx, cur, kyc, aml)
		}
	}
	return updated, err
}

func (s *Service) duplicate(ctx context.Context, c *domain.ComplianceCase, kyc KYCOutcome, aml AMLOutcome) (*domain.ComplianceCase, error) {
	logger.Info("Duplicate provider outcome ignored",
		zap.String("case_id", c.ID),
		zap.String("status", string(c.Status)),
	)
	ev := s.event(c.ID, domain.EventActorProvider, ActionDuplicateOutcome, map[string]string{
		"kyc": string(kyc),
		"aml": string(aml),
	})
	if err := s.store.AppendEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("record duplicate outcome for case %s: %w", c.ID, err)
	}
	return c, nil
}
