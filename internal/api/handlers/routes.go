package handlers

import (
	"github.com/gin-gonic/gin"

	"goldclear.io/clearing/internal/api/middleware"
	"goldclear.io/clearing/internal/domain"
)

// RouteOptions carries the guards applied to individual routes.
type RouteOptions struct {
	// Capability gates settlement creation and DvP on the caller's compliance
	// status. Nil disables gating.
	Capability middleware.CapabilityChecker
}

// RegisterRoutes mounts the API on r. Authentication is the caller's job.
func RegisterRoutes(r gin.IRouter, s *Server, opts RouteOptions) {
	createGuard := passThrough
	dvpGuard := passThrough
	if opts.Capability != nil {
		createGuard = middleware.RequireCapability(opts.Capability, domain.CapabilityExecute)
		dvpGuard = onAction("execute-dvp", middleware.RequireCapability(opts.Capability, domain.CapabilitySettle))
	}

	settlements := r.Group("/settlements")
	settlements.GET("", s.ListSettlements)
	settlements.POST("", createGuard, s.CreateSettlement)
	settlements.GET("/:id", s.GetSettlement)
	settlements.GET("/:id/ledger", s.GetSettlementLedger)
	settlements.GET("/:id/certificate", s.GetSettlementCertificate)
	settlements.GET("/:id/audit", s.GetSettlementAudit)
	settlements.POST("/:id/actions/:action", dvpGuard, s.ApplySettlementAction)

	cases := r.Group("/compliance")
	cases.POST("/cases", s.OpenComplianceCase)
	cases.GET("/me", s.GetMyComplianceCase)
	cases.GET("/cases/:id", s.GetComplianceCase)
	cases.GET("/cases/:id/events", s.ListComplianceEvents)
	cases.PUT("/cases/:id/status",
		middleware.RequireRole("update_compliance_status", reviewerRoles...), s.UpdateComplianceStatus)
	cases.POST("/cases/:id/verification", s.StartComplianceVerification)
	cases.POST("/cases/:id/documents", s.SubmitComplianceDocuments)
	cases.POST("/cases/:id/reapply", s.ReapplyComplianceCase)
	cases.POST("/provider-outcomes",
		middleware.RequireRole("apply_provider_outcome", domain.RoleCompliance, domain.RoleSystem), s.ApplyProviderOutcome)

	r.GET("/corridors", s.ListCorridors)
	r.PUT("/corridors/:id/status", s.SetCorridorStatus)
	r.GET("/capital/snapshot", s.GetCapitalSnapshot)
}

func passThrough(c *gin.Context) { c.Next() }

// onAction applies guard only when the :action path parameter equals action.
func onAction(action string, guard gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param("action") != action {
			c.Next()
			return
		}
		guard(c)
	}
}
