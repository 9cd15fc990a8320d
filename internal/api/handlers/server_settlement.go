package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"goldclear.io/clearing/internal/certificate"
	"goldclear.io/clearing/internal/domain"
	"goldclear.io/clearing/internal/governance/audit"
	apperrors "goldclear.io/clearing/internal/pkg/errors"
	"goldclear.io/clearing/internal/pkg/logger"
	"goldclear.io/clearing/internal/settlement"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// recheckRoles may ask for an out-of-band policy re-evaluation.
var recheckRoles = []domain.Role{
	domain.RoleOps, domain.RoleOpsAdmin, domain.RoleCompliance, domain.RoleSettlementOps,
}

type createSettlementRequest struct {
	OrderID          string `json:"order_id"`
	BuyerOrgID       string `json:"buyer_org_id"`
	SellerOrgID      string `json:"seller_org_id"`
	WeightOz         string `json:"weight_oz"`
	PricePerOzLocked string `json:"price_per_oz_locked"`
	CorridorID       string `json:"corridor_id"`
	HubID            string `json:"hub_id"`
	VaultHubID       string `json:"vault_hub_id"`
}

type settlementActionRequest struct {
	Reference       string `json:"reference"`
	BarList         string `json:"bar_list"`
	Reason          string `json:"reason"`
	DeliveryAddress string `json:"delivery_address"`
	Target          string `json:"target"`
	Note            string `json:"note"`
}

// ListSettlements handles GET /settlements.
func (s *Server) ListSettlements(c *gin.Context) {
	if _, ok := actorFrom(c); !ok {
		return
	}

	filter := domain.SettlementFilter{
		Status:     domain.SettlementStatus(c.Query("status")),
		CorridorID: c.Query("corridor_id"),
		OrgID:      c.Query("org_id"),
		Limit:      defaultListLimit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		fail(c, apperrors.ErrInvalidRequestFieldf("status"))
		return
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			fail(c, apperrors.ErrInvalidRequestFieldf("limit"))
			return
		}
		filter.Limit = n
	}

	cases, err := s.engine.List(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list(cases))
}

// CreateSettlement handles POST /settlements. The case is always opened in
// DRAFT; blockers surface on the first gated action.
func (s *Server) CreateSettlement(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}

	var req createSettlementRequest
	if !bindJSON(c, &req, false) {
		return
	}
	weight, err := decimal.NewFromString(req.WeightOz)
	if err != nil {
		fail(c, apperrors.ErrInvalidRequestFieldf("weight_oz"))
		return
	}
	price, err := decimal.NewFromString(req.PricePerOzLocked)
	if err != nil {
		fail(c, apperrors.ErrInvalidRequestFieldf("price_per_oz_locked"))
		return
	}

	res, err := s.engine.Create(c.Request.Context(), actor, settlement.CreateRequest{
		OrderID:          req.OrderID,
		BuyerOrgID:       req.BuyerOrgID,
		SellerOrgID:      req.SellerOrgID,
		WeightOz:         weight,
		PricePerOzLocked: price,
		CorridorID:       req.CorridorID,
		HubID:            req.HubID,
		VaultHubID:       req.VaultHubID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, res, http.StatusCreated)
}

// GetSettlement handles GET /settlements/{id}.
func (s *Server) GetSettlement(c *gin.Context) {
	if _, ok := actorFrom(c); !ok {
		return
	}
	sc, err := s.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

// GetSettlementLedger handles GET /settlements/{id}/ledger.
func (s *Server) GetSettlementLedger(c *gin.Context) {
	if _, ok := actorFrom(c); !ok {
		return
	}
	var afterSeq int64
	if raw := c.Query("after_seq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			fail(c, apperrors.ErrInvalidRequestFieldf("after_seq"))
			return
		}
		afterSeq = n
	}

	id := c.Param("id")
	entries, err := s.engine.Ledger(c.Request.Context(), id, afterSeq)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement_id": id, "after_seq": afterSeq, "items": entries})
}

// GetSettlementCertificate handles GET /settlements/{id}/certificate.
func (s *Server) GetSettlementCertificate(c *gin.Context) {
	if _, ok := actorFrom(c); !ok {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	sc, err := s.engine.Get(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	entries, err := s.engine.Ledger(ctx, id, 0)
	if err != nil {
		fail(c, err)
		return
	}
	cert, err := s.certificates.Issue(sc, entries)
	if err != nil {
		if errors.Is(err, certificate.ErrNotSettled) {
			fail(c, apperrors.Wrap(err, apperrors.CodeCertificateNotReady, "settlement has no clearing certificate yet", http.StatusConflict).
				WithParams(map[string]interface{}{"settlement_id": id, "status": string(sc.Status)}))
			return
		}
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cert)
}

// GetSettlementAudit handles GET /settlements/{id}/audit.
func (s *Server) GetSettlementAudit(c *gin.Context) {
	if _, ok := actorFrom(c); !ok {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := s.engine.Get(ctx, id); err != nil {
		fail(c, err)
		return
	}
	records, err := s.audit.History(ctx, audit.ResourceSettlement, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list(records))
}

// ApplySettlementAction handles POST /settlements/{id}/actions/{action}.
func (s *Server) ApplySettlementAction(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		return
	}
	var req settlementActionRequest
	if !bindJSON(c, &req, true) {
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	action := c.Param("action")
	created := false

	var (
		res *settlement.Result
		err error
	)
	switch action {
	case "open-escrow":
		res, err = s.engine.OpenEscrow(ctx, actor, id)
	case "request-funds":
		res, err = s.engine.RequestFunds(ctx, actor, id)
	case "confirm-funds":
		res, err = s.engine.ConfirmFunds(ctx, actor, id, req.Reference)
	case "allocate-gold":
		res, err = s.engine.AllocateGold(ctx, actor, id, req.BarList)
	case "clear-verification":
		res, err = s.engine.ClearVerification(ctx, actor, id)
	case "authorize":
		res, err = s.engine.Authorize(ctx, actor, id)
	case "execute-dvp":
		res, err = s.engine.ExecuteDvP(ctx, actor, id, settlement.DvPOptions{DeliveryAddress: req.DeliveryAddress})
	case "cancel":
		res, err = s.engine.Cancel(ctx, actor, id, req.Reason)
	case "fail":
		res, err = s.engine.Fail(ctx, actor, id, req.Reason)
	case "reopen":
		res, err = s.engine.Reopen(ctx, actor, id)
		created = true
	case "recheck":
		if _, allowed := actor.FirstOf(recheckRoles...); !allowed {
			fail(c, apperrors.ErrRoleNotPermittedf("recheck", actor.RoleList()))
			return
		}
		reason := req.Reason
		if reason == "" {
			reason = "operator recheck by " + actor.UserID
		}
		res, err = s.engine.Recheck(ctx, id, reason)
	case "resolve":
		target := domain.SettlementStatus(req.Target)
		if !target.Valid() {
			fail(c, apperrors.ErrInvalidRequestFieldf("target"))
			return
		}
		res, err = s.engine.ResolveAmbiguous(ctx, actor, id, target, req.Note)
	default:
		fail(c, apperrors.ErrInvalidRequestFieldf("action"))
		return
	}
	if err != nil {
		logger.Debug("Settlement action failed",
			zap.String("settlement_id", id),
			zap.String("action", action),
			zap.String("actor", actor.UserID),
			zap.Error(err),
		)
		fail(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respond(c, res, status)
}

// respond writes a lifecycle result; policy rejections become 422.
func respond(c *gin.Context, res *settlement.Result, okStatus int) {
	if res.Rejection != nil {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	c.JSON(okStatus, res)
}
