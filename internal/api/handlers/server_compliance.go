package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"goldclear.io/clearing/internal/compliance"
	"goldclear.io/clearing/internal/domain"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
)

// reviewerRoles may read any case and drive officer transitions.
var reviewerRoles = []domain.Role{domain.RoleCompliance, domain.RoleOpsAdmin}

type openComplianceCaseRequest struct {
	EntityType string `json:"entity_type"`
	Tier       string `json:"tier"`
}

type updateComplianceStatusRequest struct {
	Expected string `json:"expected"`
	Target   string `json:"target"`
	Tier     string `json:"tier"`
}

type submitDocumentsRequest struct {
	InquiryID string   `json:"inquiry_id"`
	Documents []string `json:"documents"`
}

type providerOutcomeRequest struct {
	InquiryID string `json:"inquiry_id"`
	KYC       string `json:"kyc"`
	AML       string `json:"aml"`
}

type complianceCaseView struct {
	*domain.ComplianceCase
	Capability domain.Capability `json:"capability"`
}

func caseView(c *domain.ComplianceCase) complianceCaseView {
	return complianceCaseView{ComplianceCase: c, Capability: compliance.CapabilityFor(c)}
}

// OpenComplianceCase handles POST /compliance/cases. Opening is idempotent
// per user: an existing case is returned with 200.
func (s *Server) OpenComplianceCase(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req openComplianceCaseRequest
	if !bindJSON(c, &req, true) {
		return
	}

	ctx := c.Request.Context()
	_, lookupErr := s.compliance.GetByUser(ctx, actor.UserID)
	existed := lookupErr == nil

	cc, err := s.compliance.OpenCase(ctx, compliance.OpenRequest{
		UserID:     actor.UserID,
		OrgID:      actor.OrgID,
		EntityType: domain.EntityType(req.EntityType),
		Tier:       domain.ComplianceTier(req.Tier),
	})
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	c.JSON(status, caseView(cc))
}

// GetMyComplianceCase handles GET /compliance/me.
func (s *Server) GetMyComplianceCase(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	cc, err := s.compliance.GetByUser(c.Request.Context(), actor.UserID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, caseView(cc))
}

// GetComplianceCase handles GET /compliance/cases/{id}.
func (s *Server) GetComplianceCase(c *gin.Context) {
	cc, ok := s.visibleCase(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, caseView(cc))
}

// ListComplianceEvents handles GET /compliance/cases/{id}/events.
func (s *Server) ListComplianceEvents(c *gin.Context) {
	cc, ok := s.visibleCase(c)
	if !ok {
		return
	}
	events, err := s.compliance.Events(c.Request.Context(), cc.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list(events))
}

// UpdateComplianceStatus handles PUT /compliance/cases/{id}/status. Officer
// decisions are recorded as SYSTEM events and mirrored to the audit log.
func (s *Server) UpdateComplianceStatus(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req updateComplianceStatusRequest
	if !bindJSON(c, &req, false) {
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	expected := domain.ComplianceStatus(req.Expected)
	if !compliance.ValidStatus(expected) {
		fail(c, apperrors.ErrInvalidRequestFieldf("expected"))
		return
	}
	cc, err := s.compliance.UpdateStatus(ctx, id,
		domain.ComplianceStatus(req.Target), expected, domain.ComplianceTier(req.Tier), domain.EventActorSystem)
	if err != nil {
		fail(c, err)
		return
	}
	if s.audit != nil {
		_ = s.audit.LogComplianceTransition(ctx, cc, expected, actor.UserID)
	}
	c.JSON(http.StatusOK, caseView(cc))
}

// StartComplianceVerification handles POST /compliance/cases/{id}/verification.
func (s *Server) StartComplianceVerification(c *gin.Context) {
	cc, ok := s.ownCase(c)
	if !ok {
		return
	}
	out, err := s.compliance.StartVerification(c.Request.Context(), cc.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, caseView(out))
}

// SubmitComplianceDocuments handles POST /compliance/cases/{id}/documents.
func (s *Server) SubmitComplianceDocuments(c *gin.Context) {
	cc, ok := s.ownCase(c)
	if !ok {
		return
	}
	var req submitDocumentsRequest
	if !bindJSON(c, &req, false) {
		return
	}
	out, err := s.compliance.SubmitDocuments(c.Request.Context(), cc.ID, req.InquiryID, req.Documents)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, caseView(out))
}

// ReapplyComplianceCase handles POST /compliance/cases/{id}/reapply.
func (s *Server) ReapplyComplianceCase(c *gin.Context) {
	cc, ok := s.ownCase(c)
	if !ok {
		return
	}
	out, err := s.compliance.Reapply(c.Request.Context(), cc.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, caseView(out))
}

// ApplyProviderOutcome handles POST /compliance/provider-outcomes.
func (s *Server) ApplyProviderOutcome(c *gin.Context) {
	if _, ok := actorFrom(c); !ok {
		return
	}
	var req providerOutcomeRequest
	if !bindJSON(c, &req, false) {
		return
	}
	cc, err := s.compliance.ApplyProviderOutcome(c.Request.Context(), req.InquiryID,
		compliance.KYCOutcome(req.KYC), compliance.AMLOutcome(req.AML))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, caseView(cc))
}

// visibleCase loads the path case for its owner or a reviewer. Other callers
// get 404 so case IDs do not leak.
func (s *Server) visibleCase(c *gin.Context) (*domain.ComplianceCase, bool) {
	actor, ok := actorFrom(c)
	if !ok {
		return nil, false
	}
	id := c.Param("id")
	cc, err := s.compliance.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return nil, false
	}
	if cc.UserID != actor.UserID {
		if _, reviewer := actor.FirstOf(reviewerRoles...); !reviewer {
			fail(c, apperrors.ErrComplianceCaseNotFoundf(id))
			return nil, false
		}
	}
	return cc, true
}

// ownCase loads the path case only for its owner.
func (s *Server) ownCase(c *gin.Context) (*domain.ComplianceCase, bool) {
	actor, ok := actorFrom(c)
	if !ok {
		return nil, false
	}
	id := c.Param("id")
	cc, err := s.compliance.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return nil, false
	}
	if cc.UserID != actor.UserID {
		fail(c, apperrors.ErrComplianceCaseNotFoundf(id))
		return nil, false
	}
	return cc, true
}
