// Package trust computes provider trust score transitions from settlement
// outcomes and maps a score to the share of capacity a seller may trade.
//
// All functions are pure; persisting the resulting score is the caller's job.
package trust

import (
	"math"
)

// Party identifies who cancelled an order.
type Party string

const (
	PartySeller Party = "seller"
	PartyBuyer  Party = "buyer"
)

// Config holds the bonus and penalty constants.
type Config struct {
	DeliveryBonus       float64 `yaml:"delivery_bonus"`
	DeliveryPenalty     float64 `yaml:"delivery_penalty"`
	SellerCancelPenalty float64 `yaml:"seller_cancel_penalty"`
	BuyerCancelPenalty  float64 `yaml:"buyer_cancel_penalty"`
}

// DefaultConfig returns the production constants. Sellers are penalized
// more than buyers for the same cancellation.
func DefaultConfig() Config {
	return Config{
		DeliveryBonus:       0.02,
		DeliveryPenalty:     0.10,
		SellerCancelPenalty: 0.05,
		BuyerCancelPenalty:  0.02,
	}
}

// Outcome is the result of one trust transition.
type Outcome struct {
	PreviousScore float64 `json:"previous_score"`
	NewScore      float64 `json:"new_score"`
	// Impact is the applied delta after clamping.
	Impact   float64 `json:"impact"`
	NewLimit int     `json:"new_limit_percent"`
}

// Engine applies the trust rules.
type Engine struct {
	cfg   Config
	tiers []Tier
}

// NewEngine creates an engine using DefaultTiers.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, tiers: DefaultTiers}
}

// Config returns the engine constants.
func (e *Engine) Config() Config { return e.cfg }

// AfterDelivery scores a settled delivery. Full delivery earns the bonus;
// a shortfall costs the penalty scaled by the undelivered share. An order
// with no expected quantity leaves the score unchanged.
func (e *Engine) AfterDelivery(current float64, delivered, expected int) Outcome {
	if expected <= 0 {
		return e.outcome(current, 0)
	}
	ratio := float64(delivered) / float64(expected)
	if ratio < 0 {
		ratio = 0
	}
	if ratio >= 1 {
		return e.outcome(current, e.cfg.DeliveryBonus)
	}
	return e.outcome(current, -e.cfg.DeliveryPenalty*(1-ratio))
}

// AfterCancel scores a cancellation by party. Cancellations outside the
// allowed window have no impact; callers are expected to have refused them.
func (e *Engine) AfterCancel(current float64, cancelled, total int, withinWindow bool, party Party) Outcome {
	if !withinWindow || total <= 0 || cancelled <= 0 {
		return e.outcome(current, 0)
	}
	ratio := float64(cancelled) / float64(total)
	if ratio > 1 {
		ratio = 1
	}
	penalty := e.cfg.BuyerCancelPenalty
	if party == PartySeller {
		penalty = e.cfg.SellerCancelPenalty
	}
	return e.outcome(current, -penalty*ratio)
}

func (e *Engine) outcome(current, delta float64) Outcome {
	prev := Clamp(current)
	next := Clamp(prev + delta)
	return Outcome{
		PreviousScore: prev,
		NewScore:      next,
		Impact:        next - prev,
		NewLimit:      e.AllowedLimit(next, nil),
	}
}

// Clamp bounds a score to [0,1]. NaN maps to 0.
func Clamp(score float64) float64 {
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
