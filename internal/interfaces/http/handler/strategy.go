package handler

import (
	"github.com/affretia/backend/internal/infrastructure/strategy"
	"github.com/gin-gonic/gin"
)

// StrategyRegistry lists the registered counter-offer strategies
type StrategyRegistry interface {
	List() []strategy.Info
	Default() string
}

// StrategyHandler handles strategy-related API endpoints
type StrategyHandler struct {
	BaseHandler
	registry StrategyRegistry
}

// NewStrategyHandler creates a new StrategyHandler
func NewStrategyHandler(registry StrategyRegistry) *StrategyHandler {
	return &StrategyHandler{
		registry: registry,
	}
}

// StrategiesResponse lists the available counter-offer strategies
type StrategiesResponse struct {
	Default    string          `json:"default"`
	Strategies []strategy.Info `json:"strategies"`
}

// ListStrategies godoc
// @ID           listSystemStrategies
// @Summary      List counter-offer strategies
// @Description  Returns the registered counter-offer strategies, flagging the default
// @Tags         system
// @Produce      json
// @Success      200 {object} dto.Response
// @Router       /system/strategies [get]
func (h *StrategyHandler) ListStrategies(c *gin.Context) {
	h.Success(c, StrategiesResponse{
		Default:    h.registry.Default(),
		Strategies: h.registry.List(),
	})
}
