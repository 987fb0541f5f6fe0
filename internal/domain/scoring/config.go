package scoring

import (
	"fmt"
	"math"

	"github.com/affretia/backend/internal/domain/shared"
)

// Weights are the relative importance of each sub-score. They sum to 1.0.
type Weights struct {
	Price      float64 `json:"price"`
	Quality    float64 `json:"quality"`
	Distance   float64 `json:"distance"`
	Historical float64 `json:"historical"`
	Reactivity float64 `json:"reactivity"`
	Vigilance  float64 `json:"vigilance"`
}

// Sum returns the total of all weights
func (w Weights) Sum() float64 {
	return w.Price + w.Quality + w.Distance + w.Historical + w.Reactivity + w.Vigilance
}

// Thresholds drive auto-acceptance and the minimum acceptable candidate
type Thresholds struct {
	AutoAcceptScore       int     `json:"auto_accept_score"`
	MinAcceptableScore    int     `json:"min_acceptable_score"`
	PriceTolerancePercent float64 `json:"price_tolerance_percent"`
}

// Config is the process-wide scoring configuration.
// It is a value type: callers receive copies and cannot alter the loaded config.
type Config struct {
	Weights    Weights    `json:"weights"`
	Thresholds Thresholds `json:"thresholds"`
}

// Default weights and thresholds
const (
	DefaultAutoAcceptScore       = 85
	DefaultMinAcceptableScore    = 60
	DefaultPriceTolerancePercent = 15.0
)

const weightSumTolerance = 0.001

// DefaultWeights returns the default sub-score weights
func DefaultWeights() Weights {
	return Weights{
		Price:      0.40,
		Quality:    0.25,
		Distance:   0.15,
		Historical: 0.10,
		Reactivity: 0.05,
		Vigilance:  0.05,
	}
}

// DefaultThresholds returns the default decision thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoAcceptScore:       DefaultAutoAcceptScore,
		MinAcceptableScore:    DefaultMinAcceptableScore,
		PriceTolerancePercent: DefaultPriceTolerancePercent,
	}
}

// DefaultConfig returns the default scoring configuration
func DefaultConfig() Config {
	return Config{
		Weights:    DefaultWeights(),
		Thresholds: DefaultThresholds(),
	}
}

// Validate checks weights and thresholds
func (c Config) Validate() error {
	ws := []struct {
		name  string
		value float64
	}{
		{"price", c.Weights.Price},
		{"quality", c.Weights.Quality},
		{"distance", c.Weights.Distance},
		{"historical", c.Weights.Historical},
		{"reactivity", c.Weights.Reactivity},
		{"vigilance", c.Weights.Vigilance},
	}
	for _, w := range ws {
		if w.value < 0 || w.value > 1 {
			return shared.NewValidationError("weight %s must be within [0,1], got %v", w.name, w.value)
		}
	}
	if sum := c.Weights.Sum(); math.Abs(sum-1) > weightSumTolerance {
		return shared.NewValidationError("weights must sum to 1.0, got %.3f", sum)
	}
	return c.Thresholds.Validate()
}

// Validate checks that thresholds are within range
func (t Thresholds) Validate() error {
	if t.AutoAcceptScore < 0 || t.AutoAcceptScore > 100 {
		return shared.NewValidationError("auto accept score must be within [0,100], got %d", t.AutoAcceptScore)
	}
	if t.MinAcceptableScore < 0 || t.MinAcceptableScore > 100 {
		return shared.NewValidationError("min acceptable score must be within [0,100], got %d", t.MinAcceptableScore)
	}
	if t.MinAcceptableScore > t.AutoAcceptScore {
		return shared.NewValidationError("min acceptable score %d exceeds auto accept score %d",
			t.MinAcceptableScore, t.AutoAcceptScore)
	}
	if t.PriceTolerancePercent < 0 || t.PriceTolerancePercent > 100 {
		return shared.NewValidationError("price tolerance must be within [0,100], got %v", t.PriceTolerancePercent)
	}
	return nil
}

// WithThresholds returns a copy of the config using t
func (c Config) WithThresholds(t Thresholds) Config {
	c.Thresholds = t
	return c
}

// String implements fmt.Stringer
func (c Config) String() string {
	return fmt.Sprintf("weights(p=%.2f q=%.2f d=%.2f h=%.2f r=%.2f v=%.2f) thresholds(auto=%d min=%d tol=%.1f%%)",
		c.Weights.Price, c.Weights.Quality, c.Weights.Distance, c.Weights.Historical,
		c.Weights.Reactivity, c.Weights.Vigilance,
		c.Thresholds.AutoAcceptScore, c.Thresholds.MinAcceptableScore, c.Thresholds.PriceTolerancePercent)
}
