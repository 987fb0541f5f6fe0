package handler

import (
	"net/http"
	"testing"

	"github.com/affretia/backend/internal/domain/scoring"
	"github.com/affretia/backend/internal/infrastructure/strategy"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrategyHandler_ListStrategies(t *testing.T) {
	registry, err := strategy.NewRegistryWithDefaults()
	require.NoError(t, err)

	h := NewStrategyHandler(registry)
	r := gin.New()
	r.GET("/system/strategies", h.ListStrategies)

	w := doRequest(r, http.MethodGet, "/system/strategies", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeData[StrategiesResponse](t, w.Body.Bytes())
	assert.Equal(t, scoring.ThreeTierLadderName, resp.Default)
	require.Len(t, resp.Strategies, 2)

	names := make(map[string]bool)
	for _, info := range resp.Strategies {
		names[info.Name] = info.Default
	}
	assert.True(t, names[scoring.ThreeTierLadderName])
	assert.False(t, names[scoring.EstimateOnlyName])
}
