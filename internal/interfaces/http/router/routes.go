package router

import (
	"github.com/affretia/backend/internal/interfaces/http/handler"
)

// SourcingRoutes declares the sourcing session endpoints
func SourcingRoutes(h *handler.SourcingHandler) *DomainGroup {
	g := NewDomainGroup("sourcing", "/sourcing")

	sessions := g.Group("sessions", "/sessions")
	sessions.POST("", h.Trigger).
		GET("", h.ListSessions).
		GET("/:id", h.GetSession).
		GET("/:id/events", h.Events).
		POST("/:id/shortlist", h.GenerateShortlist).
		POST("/:id/broadcast", h.Broadcast).
		GET("/:id/proposals", h.ListProposals).
		POST("/:id/proposals", h.SubmitProposal).
		GET("/:id/proposals/:proposal_id", h.GetProposal).
		PUT("/:id/proposals/:proposal_id/price", h.ReviseProposal).
		POST("/:id/proposals/:proposal_id/messages", h.PostMessage).
		POST("/:id/selection", h.RunSelection).
		POST("/:id/assign", h.Assign).
		POST("/:id/pickup", h.ConfirmPickup).
		POST("/:id/delivered", h.MarkDelivered).
		POST("/:id/close", h.Close).
		POST("/:id/cancel", h.Cancel).
		POST("/:id/fail", h.Fail)

	g.GET("/orders/:order_id/session", h.GetActiveSession).
		GET("/stats", h.Stats).
		GET("/stats/kpis", h.KPIs).
		GET("/stats/carriers/:carrier_id", h.CarrierStats).
		GET("/exchange/offers", h.ExchangeOffers).
		GET("/exchange/offers/:id", h.ExchangeOffer).
		GET("/tracking/:ref", h.Tracking)

	return g
}

// VigilanceRoutes declares the carrier compliance endpoints
func VigilanceRoutes(h *handler.VigilanceHandler) *DomainGroup {
	g := NewDomainGroup("vigilance", "/vigilance")

	carriers := g.Group("carriers", "/carriers/:carrier_id")
	carriers.GET("", h.GetRecord).
		GET("/eligibility", h.Eligibility).
		POST("/documents", h.SubmitDocument).
		PUT("/incidents", h.UpdateIncidents).
		POST("/alerts/:alert_id/ack", h.AcknowledgeAlert)

	g.GET("/alerts", h.PendingAlerts).
		POST("/recheck", h.RunRecheck)

	return g
}

// SystemRoutes declares the service information endpoints
func SystemRoutes(system *handler.SystemHandler, strategies *handler.StrategyHandler) *DomainGroup {
	return NewDomainGroup("system", "/system").
		GET("/info", system.GetSystemInfo).
		GET("/ping", system.Ping).
		GET("/health", system.Health).
		GET("/strategies", strategies.ListStrategies)
}
