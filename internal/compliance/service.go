package compliance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"goldclear.io/clearing/internal/domain"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/pkg/logger"
	"goldclear.io/clearing/internal/pkg/metrics"
	"goldclear.io/clearing/internal/policy"
)

// Event actions recorded on compliance cases.
const (
	ActionCaseOpened          = "case_opened"
	ActionVerificationStarted = "verification_started"
	ActionDocumentsSubmitted  = "documents_submitted"
	ActionStatusChanged       = "status_changed"
	ActionProviderOutcome     = "provider_outcome"
	ActionDuplicateOutcome    = "duplicate_outcome"
	ActionReapplied           = "reapplied"
)

// Document kinds that feed policy evidence.
const (
	DocProofOfFunds   = "proof_of_funds"
	DocTitleDocuments = "title_documents"
)

// Service applies compliance case transitions.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a Service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// OpenRequest opens (or returns) a user's case.
type OpenRequest struct {
	UserID     string
	OrgID      string
	EntityType domain.EntityType
	Tier       domain.ComplianceTier
}

// OpenCase returns the user's case, creating it in OPEN when none exists.
// A user never has more than one case.
func (s *Service) OpenCase(ctx context.Context, req OpenRequest) (*domain.ComplianceCase, error) {
	var fields []apperrors.FieldError
	if strings.TrimSpace(req.UserID) == "" {
		fields = append(fields, apperrors.FieldError{Field: "user_id", Code: "required"})
	}
	if req.EntityType == "" {
		req.EntityType = domain.EntityIndividual
	}
	if req.EntityType != domain.EntityIndividual && req.EntityType != domain.EntityOrganization {
		fields = append(fields, apperrors.FieldError{Field: "entity_type", Code: "invalid"})
	}
	if req.Tier == "" {
		req.Tier = domain.TierBasic
	}
	if !req.Tier.Valid() {
		fields = append(fields, apperrors.FieldError{Field: "tier", Code: "invalid"})
	}
	if len(fields) > 0 {
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed, "invalid compliance case request").WithFieldErrors(fields)
	}

	now := s.now().UTC()
	c := &domain.ComplianceCase{
		ID:         newID("cmp"),
		UserID:     req.UserID,
		OrgID:      req.OrgID,
		Status:     domain.ComplianceOpen,
		Tier:       req.Tier,
		EntityType: req.EntityType,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ev := s.event(c.ID, domain.EventActorUser, ActionCaseOpened, map[string]string{
		"tier":        string(req.Tier),
		"entity_type": string(req.EntityType),
	})
	out, created, err := s.store.Upsert(ctx, c, ev)
	if err != nil {
		return nil, fmt.Errorf("upsert compliance case for user %s: %w", req.UserID, err)
	}
	if created {
		logger.Info("Compliance case opened",
			zap.String("case_id", out.ID),
			zap.String("user_id", out.UserID),
			zap.String("tier", string(out.Tier)),
		)
	}
	return out, nil
}

// Get returns a case by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.ComplianceCase, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, mapNotFound(err, id)
	}
	return c, nil
}

// GetByUser returns the user's case.
func (s *Service) GetByUser(ctx context.Context, userID string) (*domain.ComplianceCase, error) {
	c, err := s.store.GetByUser(ctx, userID)
	if err != nil {
		return nil, mapNotFound(err, userID)
	}
	return c, nil
}

// Events returns a case's audit trail, oldest first.
func (s *Service) Events(ctx context.Context, caseID string) ([]domain.ComplianceEvent, error) {
	evs, err := s.store.Events(ctx, caseID)
	if err != nil {
		return nil, mapNotFound(err, caseID)
	}
	return evs, nil
}

// UpdateStatus moves a case from expected to target. An edge missing from
// the graph fails with INVALID_TRANSITION; a stored status that no longer
// equals expected fails with CONCURRENT_CONFLICT. Callers should re-fetch
// and reconcile rather than retry with the same expected status.
func (s *Service) UpdateStatus(
	ctx context.Context,
	caseID string,
	target, expected domain.ComplianceStatus,
	tier domain.ComplianceTier,
	actor domain.EventActor,
) (*domain.ComplianceCase, error) {
	return s.transition(ctx, transition{
		caseID: caseID, target: target, expected: expected, tier: tier,
		actor: actor, action: ActionStatusChanged,
	})
}

type transition struct {
	caseID    string
	target    domain.ComplianceStatus
	expected  domain.ComplianceStatus
	tier      domain.ComplianceTier
	inquiryID string
	actor     domain.EventActor
	action    string
	details   map[string]string
}

func (s *Service) transition(ctx context.Context, t transition) (*domain.ComplianceCase, error) {
	if !CanTransition(t.expected, t.target) {
		metrics.ComplianceTransitions.WithLabelValues(string(t.target), "invalid").Inc()
		return nil, apperrors.InvalidTransition("compliance_case", t.caseID, string(t.expected), string(t.target))
	}
	if t.tier != "" && !t.tier.Valid() {
		return nil, apperrors.ErrInvalidRequestFieldf("tier")
	}

	details := map[string]string{
		"from": string(t.expected),
		"to":   string(t.target),
	}
	for k, v := range t.details {
		details[k] = v
	}
	if t.tier != "" {
		details["tier"] = string(t.tier)
	}

	updated, err := s.store.UpdateStatus(ctx, StatusUpdate{
		CaseID:    t.caseID,
		Expected:  t.expected,
		Target:    t.target,
		Tier:      t.tier,
		InquiryID: t.inquiryID,
		Event:     s.event(t.caseID, t.actor, t.action, details),
		UpdatedAt: s.now().UTC(),
	})
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrConflict):
			metrics.ComplianceTransitions.WithLabelValues(string(t.target), "conflict").Inc()
			actual := ""
			if cur, gerr := s.store.Get(ctx, t.caseID); gerr == nil {
				actual = string(cur.Status)
			}
			return nil, apperrors.ConcurrentConflict("compliance_case", t.caseID, string(t.expected), string(t.target), actual)
		case errors.Is(err, apperrors.ErrNotFound):
			return nil, apperrors.ErrComplianceCaseNotFoundf(t.caseID)
		default:
			return nil, fmt.Errorf("update compliance case %s: %w", t.caseID, err)
		}
	}

	metrics.ComplianceTransitions.WithLabelValues(string(t.target), "applied").Inc()
	logger.Info("Compliance case transitioned",
		zap.String("case_id", t.caseID),
		zap.String("from", string(t.expected)),
		zap.String("to", string(t.target)),
		zap.String("actor", string(t.actor)),
	)
	return updated, nil
}

// StartVerification moves an OPEN case to PENDING_USER.
func (s *Service) StartVerification(ctx context.Context, caseID string) (*domain.ComplianceCase, error) {
	return s.transition(ctx, transition{
		caseID: caseID, target: domain.CompliancePendingUser, expected: domain.ComplianceOpen,
		actor: domain.EventActorUser, action: ActionVerificationStarted,
	})
}

// SubmitDocuments records the user's documents and hands the case to the
// provider under inquiryID.
func (s *Service) SubmitDocuments(ctx context.Context, caseID, inquiryID string, documents []string) (*domain.ComplianceCase, error) {
	if strings.TrimSpace(inquiryID) == "" {
		return nil, apperrors.ErrInvalidRequestFieldf("inquiry_id")
	}
	c, err := s.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, transition{
		caseID: caseID, target: domain.CompliancePendingProvider, expected: c.Status,
		inquiryID: inquiryID, actor: domain.EventActorUser, action: ActionDocumentsSubmitted,
		details: map[string]string{
			"inquiry_id": inquiryID,
			"documents":  strings.Join(documents, ","),
		},
	})
}

// Reapply reopens a REJECTED case.
func (s *Service) Reapply(ctx context.Context, caseID string) (*domain.ComplianceCase, error) {
	return s.transition(ctx, transition{
		caseID: caseID, target: domain.ComplianceOpen, expected: domain.ComplianceRejected,
		actor: domain.EventActorUser, action: ActionReapplied,
	})
}

func (s *Service) event(caseID string, actor domain.EventActor, action string, details map[string]string) domain.ComplianceEvent {
	return domain.ComplianceEvent{
		ID:        newID("cev"),
		CaseID:    caseID,
		Actor:     actor,
		Action:    action,
		Details:   details,
		CreatedAt: s.now().UTC(),
	}
}

func mapNotFound(err error, id string) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.ErrComplianceCaseNotFoundf(id)
	}
	return err
}

func newID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return prefix + "-" + uuid.NewString()
	}
	return prefix + "-" + id.String()
}

// capabilityDenied is returned by RequireCapability.
func capabilityDenied(userID string, have, required domain.Capability) error {
	return apperrors.New(apperrors.CodeCapabilityDenied, "compliance status does not grant "+string(required), http.StatusForbidden).
		WithParams(map[string]interface{}{
			"user_id":  userID,
			"have":     string(have),
			"required": string(required),
		})
}

// Evidence summarizes the organization's compliance documentation for the
// policy engine. It returns nil when the organization has no case.
func (s *Service) Evidence(ctx context.Context, orgID string) (*policy.Evidence, error) {
	cases, err := s.store.ListByOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list compliance cases for org %s: %w", orgID, err)
	}
	if len(cases) == 0 {
		return nil, nil
	}
	ev := &policy.Evidence{}
	for _, c := range cases {
		if c.Status == domain.ComplianceApproved {
			ev.ComplianceApproved = true
		}
		events, err := s.store.Events(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("read events for compliance case %s: %w", c.ID, err)
		}
		for _, e := range events {
			if e.Action != ActionDocumentsSubmitted {
				continue
			}
			for _, doc := range strings.Split(e.Details["documents"], ",") {
				switch strings.TrimSpace(doc) {
				case DocProofOfFunds:
					ev.ProofOfFunds = true
				case DocTitleDocuments:
					ev.TitleDocuments = true
				}
			}
		}
	}
	return ev, nil
}
