package scoring

import (
	"fmt"
	"strings"
	"time"
)

// ComplexityLevel grades how hard an order is to source
type ComplexityLevel string

const (
	ComplexityLow    ComplexityLevel = "low"
	ComplexityMedium ComplexityLevel = "medium"
	ComplexityHigh   ComplexityLevel = "high"
)

// Complexity is the outcome of analysing an order before sourcing
type Complexity struct {
	Level   ComplexityLevel `json:"level"`
	Score   int             `json:"score"`
	Factors []string        `json:"factors"`
}

// AnalyzeOrderComplexity grades an order by distance, weight, goods type,
// special requirements and pickup urgency at now.
func AnalyzeOrderComplexity(o Order, now time.Time) Complexity {
	factors := make([]string, 0)
	score := 0

	switch {
	case o.DistanceKm > 500:
		factors = append(factors, "long distance")
		score += 20
	case o.DistanceKm > 200:
		factors = append(factors, "medium distance")
		score += 10
	}

	switch {
	case o.WeightKg > 20000:
		factors = append(factors, "heavy load")
		score += 20
	case o.WeightKg > 10000:
		factors = append(factors, "medium load")
		score += 10
	}

	switch strings.ToLower(o.GoodsType) {
	case "dangerous":
		factors = append(factors, "dangerous goods (ADR)")
		score += 30
	case "refrigerated", "frozen":
		factors = append(factors, "temperature controlled")
		score += 25
	}

	if n := len(o.Requirements); n > 0 {
		factors = append(factors, fmt.Sprintf("%d special requirement(s)", n))
		score += n * 5
	}

	if !o.PickupAt.IsZero() {
		hours := o.PickupAt.Sub(now).Hours()
		switch {
		case hours < 24:
			factors = append(factors, "urgent (< 24h)")
			score += 30
		case hours < 48:
			factors = append(factors, "short notice (< 48h)")
			score += 15
		}
	}

	level := ComplexityLow
	switch {
	case score >= 50:
		level = ComplexityHigh
	case score >= 25:
		level = ComplexityMedium
	}

	return Complexity{Level: level, Score: score, Factors: factors}
}
