package scoring

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// NeutralScore is used for any sub-score whose input is unknown
const NeutralScore = 50

var hundred = decimal.NewFromInt(100)

// CarrierHistory is the track record of a carrier with the shipper
type CarrierHistory struct {
	TotalMissions int        `json:"total_missions"`
	OnTimeRate    float64    `json:"on_time_rate"`   // percent, 0-100
	AverageRating float64    `json:"average_rating"` // 0-5
	LastMissionAt *time.Time `json:"last_mission_at,omitempty"`
}

// Candidate is a carrier together with its priced response
type Candidate struct {
	CarrierID        string          `json:"carrier_id"`
	CarrierName      string          `json:"carrier_name"`
	ProposedPrice    decimal.Decimal `json:"proposed_price"`
	DistanceToPickup *float64        `json:"distance_to_pickup_km,omitempty"`
	History          *CarrierHistory `json:"history,omitempty"`
	VigilanceScore   *int            `json:"vigilance_score,omitempty"`
	ResponseTime     *time.Duration  `json:"response_time,omitempty"`
}

// Order carries the characteristics of the transport order being sourced
type Order struct {
	OrderID        string          `json:"order_id"`
	EstimatedPrice decimal.Decimal `json:"estimated_price"`
	DistanceKm     float64         `json:"distance_km"`
	PickupAt       time.Time       `json:"pickup_at"`
	DeliveryAt     time.Time       `json:"delivery_at"`
	GoodsType      string          `json:"goods_type"`
	WeightKg       float64         `json:"weight_kg"`
	Requirements   []string        `json:"requirements,omitempty"`
}

// Breakdown holds the six sub-scores, each within [0,100]
type Breakdown struct {
	Price      int `json:"price"`
	Quality    int `json:"quality"`
	Distance   int `json:"distance"`
	Historical int `json:"historical"`
	Reactivity int `json:"reactivity"`
	Vigilance  int `json:"vigilance"`
}

// Tier is the recommendation band of a total score
type Tier string

const (
	TierExcellent Tier = "excellent"
	TierVeryGood  Tier = "very_good"
	TierGood      Tier = "good"
	TierAverage   Tier = "average"
	TierWeak      Tier = "weak"
)

// TierFor returns the recommendation band of a score
func TierFor(score int) Tier {
	switch {
	case score >= 85:
		return TierExcellent
	case score >= 75:
		return TierVeryGood
	case score >= 65:
		return TierGood
	case score >= 55:
		return TierAverage
	default:
		return TierWeak
	}
}

// Text returns the human-readable recommendation of the tier
func (t Tier) Text() string {
	switch t {
	case TierExcellent:
		return "Excellent candidate, recommended for automatic assignment"
	case TierVeryGood:
		return "Very good candidate, recommended"
	case TierGood:
		return "Good candidate, acceptable"
	case TierAverage:
		return "Average candidate, consider if few alternatives"
	default:
		return "Weak candidate, not recommended"
	}
}

// Result is the outcome of scoring one candidate against an order
type Result struct {
	CarrierID         string          `json:"carrier_id"`
	CarrierName       string          `json:"carrier_name"`
	Total             int             `json:"total_score"`
	Breakdown         Breakdown       `json:"breakdown"`
	Tier              Tier            `json:"tier"`
	Recommendation    string          `json:"recommendation"`
	AutoAcceptable    bool            `json:"auto_acceptable"`
	PriceVariationPct decimal.Decimal `json:"price_variation_pct"`
}

// Engine computes weighted multi-factor scores. It holds no mutable state
// and is safe for concurrent use.
type Engine struct {
	config Config
	now    func() time.Time
}

// NewEngine creates a scoring engine for a validated configuration
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{config: cfg, now: time.Now}, nil
}

// MustNewEngine is NewEngine for configurations known to be valid
func MustNewEngine(cfg Config) *Engine {
	e, err := NewEngine(cfg)
	if err != nil {
		panic(err)
	}
	return e
}

// WithClock returns a copy of the engine reading the current time from now
func (e *Engine) WithClock(now func() time.Time) *Engine {
	cp := *e
	cp.now = now
	return &cp
}

// Config returns a copy of the engine configuration
func (e *Engine) Config() Config {
	return e.config
}

// Name identifies the scoring model
func (e *Engine) Name() string {
	return "weighted_multi_factor"
}

// Score computes the six sub-scores and their weighted total
func (e *Engine) Score(c Candidate, o Order) Result {
	b := Breakdown{
		Price:      PriceScore(c.ProposedPrice, o.EstimatedPrice),
		Quality:    QualityScore(c.History),
		Distance:   DistanceScore(c.DistanceToPickup, o.DistanceKm),
		Historical: HistoricalScore(c.History, e.now()),
		Reactivity: ReactivityScore(c.ResponseTime),
		Vigilance:  VigilanceScore(c.VigilanceScore),
	}

	w := e.config.Weights
	weighted := float64(b.Price)*w.Price +
		float64(b.Quality)*w.Quality +
		float64(b.Distance)*w.Distance +
		float64(b.Historical)*w.Historical +
		float64(b.Reactivity)*w.Reactivity +
		float64(b.Vigilance)*w.Vigilance
	total := clamp(int(math.Round(weighted)))
	tier := TierFor(total)

	return Result{
		CarrierID:         c.CarrierID,
		CarrierName:       c.CarrierName,
		Total:             total,
		Breakdown:         b,
		Tier:              tier,
		Recommendation:    tier.Text(),
		AutoAcceptable:    total >= e.config.Thresholds.AutoAcceptScore,
		PriceVariationPct: PriceVariationPct(c.ProposedPrice, o.EstimatedPrice),
	}
}

// PriceVariationPct returns (proposed - estimate) / estimate * 100.
// A non-positive estimate has no meaningful variation and yields zero.
func PriceVariationPct(proposed, estimate decimal.Decimal) decimal.Decimal {
	if !estimate.IsPositive() {
		return decimal.Zero
	}
	return proposed.Sub(estimate).Div(estimate).Mul(hundred)
}

// PriceScore rewards bids at or below the estimate and steps down with the overage.
//
// Underbids score min(100, 100 - variation*0.5). variation is negative below
// the estimate, so subtracting it adds the bonus: a bid 5% under scores 100.
// The formula 100 + variation*0.5, read literally with a signed variation,
// would instead penalize underbids (97.5 for -5%) and is not used.
func PriceScore(proposed, estimate decimal.Decimal) int {
	if !estimate.IsPositive() {
		return NeutralScore
	}
	variation := PriceVariationPct(proposed, estimate).InexactFloat64()
	if variation <= 0 {
		return clamp(int(math.Round(100 - variation*0.5)))
	}
	switch {
	case variation <= 5:
		return 90
	case variation <= 10:
		return 80
	case variation <= 15:
		return 70
	case variation <= 20:
		return 60
	case variation <= 25:
		return 50
	case variation <= 30:
		return 40
	case variation <= 40:
		return 30
	case variation <= 50:
		return 20
	default:
		return 10
	}
}

// QualityScore combines on-time rate (40), rating (40) and experience (up to 20)
func QualityScore(h *CarrierHistory) int {
	if h == nil {
		return NeutralScore
	}
	score := clampRate(h.OnTimeRate)/100*40 +
		math.Max(0, math.Min(5, h.AverageRating))/5*40 +
		math.Min(20, float64(max(h.TotalMissions, 0))*0.1)
	return clamp(int(math.Round(score)))
}

// DistanceScore favours carriers close to the pickup point relative to the trip length
func DistanceScore(carrierKm *float64, orderKm float64) int {
	if carrierKm == nil || *carrierKm <= 0 || orderKm <= 0 {
		return NeutralScore
	}
	ratio := *carrierKm / orderKm
	switch {
	case ratio <= 0.1:
		return 100
	case ratio <= 0.2:
		return 90
	case ratio <= 0.3:
		return 80
	case ratio <= 0.4:
		return 70
	case ratio <= 0.5:
		return 60
	case ratio <= 0.7:
		return 50
	case ratio <= 1.0:
		return 40
	default:
		return 30
	}
}

// HistoricalScore rewards mission volume, recency and punctuality
func HistoricalScore(h *CarrierHistory, now time.Time) int {
	if h == nil || h.TotalMissions <= 0 {
		return NeutralScore
	}
	score := 50.0
	switch {
	case h.TotalMissions >= 50:
		score += 20
	case h.TotalMissions >= 20:
		score += 15
	case h.TotalMissions >= 10:
		score += 10
	case h.TotalMissions >= 5:
		score += 5
	}
	if h.LastMissionAt != nil {
		days := int(now.Sub(*h.LastMissionAt).Hours() / 24)
		switch {
		case days <= 7:
			score += 15
		case days <= 30:
			score += 10
		case days <= 90:
			score += 5
		}
	}
	score += clampRate(h.OnTimeRate) * 0.15
	return clamp(int(math.Round(score)))
}

// ReactivityScore steps down with the time the carrier took to respond
func ReactivityScore(responseTime *time.Duration) int {
	if responseTime == nil || *responseTime <= 0 {
		return NeutralScore
	}
	minutes := responseTime.Minutes()
	switch {
	case minutes <= 5:
		return 100
	case minutes <= 15:
		return 90
	case minutes <= 30:
		return 80
	case minutes <= 60:
		return 70
	case minutes <= 120:
		return 60
	case minutes <= 240:
		return 50
	case minutes <= 480:
		return 40
	case minutes <= 1440:
		return 30
	default:
		return 20
	}
}

// VigilanceScore passes the carrier's compliance score through
func VigilanceScore(complianceScore *int) int {
	if complianceScore == nil {
		return NeutralScore
	}
	return clamp(*complianceScore)
}

func clamp(v int) int {
	return min(100, max(0, v))
}

func clampRate(pct float64) float64 {
	return math.Max(0, math.Min(100, pct))
}
