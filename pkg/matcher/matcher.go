// Package matcher filters and ranks competing sell offers for a buy request.
//
// Matching runs in two phases. Hard filters drop offers that cannot serve the
// request at all; the survivors are scored on price, provider trust and time
// window fit and sorted by total score. Ties keep input order.
package matcher

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/p2p-energy-trading/engine/pkg/contracts"
)

// Weights of the three score terms. Intended to sum to 1; not enforced.
type Weights struct {
	Price      float64 `json:"price" yaml:"price"`
	Trust      float64 `json:"trust" yaml:"trust"`
	TimeWindow float64 `json:"time_window" yaml:"time_window"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 { return w.Price + w.Trust + w.TimeWindow }

// Config parameterizes a Matcher.
type Config struct {
	Weights           Weights
	MinTrustThreshold float64
	// DefaultTrustScore is used for providers missing from the provider map.
	DefaultTrustScore float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Weights:           Weights{Price: 0.4, Trust: 0.35, TimeWindow: 0.25},
		MinTrustThreshold: 0.2,
		DefaultTrustScore: 0.5,
	}
}

// Criteria describes one buy request. A nil RequestedTimeWindow matches any
// window; a nil MaxPrice means no price ceiling.
type Criteria struct {
	RequestedQuantity   int
	RequestedTimeWindow *contracts.TimeWindow
	MaxPrice            *decimal.Decimal
}

// Breakdown is the per-term score of an offer.
type Breakdown struct {
	PriceScore         float64 `json:"price_score"`
	TrustScore         float64 `json:"trust_score"`
	TimeWindowFitScore float64 `json:"time_window_fit_score"`
}

// ScoredOffer is an offer that survived filtering.
type ScoredOffer struct {
	Offer     contracts.Offer    `json:"offer"`
	Provider  contracts.Provider `json:"provider"`
	Score     float64            `json:"score"`
	Breakdown Breakdown          `json:"breakdown"`
}

// Filter names, reported per dropped offer.
const (
	FilterTimeWindow = "time_window"
	FilterQuantity   = "quantity"
	FilterPrice      = "price"
	FilterTrust      = "trust"
)

// FilterReason explains why an offer was dropped.
type FilterReason struct {
	OfferID string `json:"offer_id"`
	Filter  string `json:"filter"`
	Reason  string `json:"reason"`
}

// Result of a matching call. Selected is nil when nothing survived, in which
// case Reason says why.
type Result struct {
	Selected *ScoredOffer   `json:"selected_offer"`
	All      []ScoredOffer  `json:"all_offers"`
	Reason   string         `json:"reason,omitempty"`
	Filtered []FilterReason `json:"filter_reasons,omitempty"`
	// AlternativeWindows lists windows of offers that failed only the time filter.
	AlternativeWindows []contracts.TimeWindow `json:"available_windows,omitempty"`
}

// Matcher is stateless apart from its configuration and safe for concurrent use.
type Matcher struct {
	cfg Config
}

func New(cfg Config) *Matcher {
	return &Matcher{cfg: cfg}
}

// Config returns the matcher configuration.
func (m *Matcher) Config() Config { return m.cfg }

type candidate struct {
	offer    contracts.Offer
	provider contracts.Provider
}

// Match filters and ranks offers for criteria.
func (m *Matcher) Match(offers []contracts.Offer, providers map[string]contracts.Provider, c Criteria) Result {
	if len(offers) == 0 {
		return Result{All: []ScoredOffer{}, Reason: "no offers available"}
	}
	if c.RequestedTimeWindow != nil && !c.RequestedTimeWindow.Valid() {
		return Result{All: []ScoredOffer{}, Reason: "requested time window is invalid"}
	}

	var survivors []candidate
	var filtered []FilterReason
	var alternatives []contracts.TimeWindow

	for _, o := range offers {
		p := m.provider(o.ProviderID, providers)
		filter, reason := m.check(o, p, c)
		if filter == "" {
			survivors = append(survivors, candidate{offer: o, provider: p})
			continue
		}
		filtered = append(filtered, FilterReason{OfferID: o.ID, Filter: filter, Reason: reason})
		if filter == FilterTimeWindow && m.passesWithoutTime(o, p, c) {
			alternatives = append(alternatives, *o.TimeWindow)
		}
	}

	if len(survivors) == 0 {
		return Result{
			All:                []ScoredOffer{},
			Reason:             summarize(filtered),
			Filtered:           filtered,
			AlternativeWindows: dedupeWindows(alternatives),
		}
	}

	ranked := m.score(survivors, c)
	return Result{Selected: &ranked[0], All: ranked, Filtered: filtered}
}

func (m *Matcher) provider(id string, providers map[string]contracts.Provider) contracts.Provider {
	if p, ok := providers[id]; ok {
		return p
	}
	return contracts.Provider{ID: id, TrustScore: m.cfg.DefaultTrustScore}
}

// check returns the first failing filter, or "".
func (m *Matcher) check(o contracts.Offer, p contracts.Provider, c Criteria) (string, string) {
	if c.RequestedTimeWindow != nil && o.TimeWindow != nil && !o.TimeWindow.Overlaps(*c.RequestedTimeWindow) {
		return FilterTimeWindow, "offer window does not overlap requested window"
	}
	return m.checkNonTime(o, p, c)
}

func (m *Matcher) checkNonTime(o contracts.Offer, p contracts.Provider, c Criteria) (string, string) {
	if o.MaxQuantity < c.RequestedQuantity {
		return FilterQuantity, fmt.Sprintf("offer quantity %d below requested %d", o.MaxQuantity, c.RequestedQuantity)
	}
	if c.MaxPrice != nil && o.Price.Value.GreaterThan(*c.MaxPrice) {
		return FilterPrice, fmt.Sprintf("price %s above max %s", o.Price.Value, c.MaxPrice)
	}
	if p.TrustScore < m.cfg.MinTrustThreshold {
		return FilterTrust, fmt.Sprintf("provider trust %.2f below threshold %.2f", p.TrustScore, m.cfg.MinTrustThreshold)
	}
	return "", ""
}

func (m *Matcher) passesWithoutTime(o contracts.Offer, p contracts.Provider, c Criteria) bool {
	f, _ := m.checkNonTime(o, p, c)
	return f == "" && o.TimeWindow != nil
}

func (m *Matcher) score(survivors []candidate, c Criteria) []ScoredOffer {
	minPrice, maxPrice := survivors[0].offer.Price.Float(), survivors[0].offer.Price.Float()
	for _, s := range survivors[1:] {
		v := s.offer.Price.Float()
		if v < minPrice {
			minPrice = v
		}
		if v > maxPrice {
			maxPrice = v
		}
	}

	out := make([]ScoredOffer, 0, len(survivors))
	w := m.cfg.Weights
	for _, s := range survivors {
		b := Breakdown{
			PriceScore:         priceScore(s.offer.Price.Float(), minPrice, maxPrice),
			TrustScore:         s.provider.TrustScore,
			TimeWindowFitScore: TimeWindowFit(s.offer.TimeWindow, c.RequestedTimeWindow),
		}
		out = append(out, ScoredOffer{
			Offer:     s.offer,
			Provider:  s.provider,
			Breakdown: b,
			Score:     w.Price*b.PriceScore + w.Trust*b.TrustScore + w.TimeWindow*b.TimeWindowFitScore,
		})
	}

	// Stable, no secondary key: equal scores keep input order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func priceScore(price, minPrice, maxPrice float64) float64 {
	if maxPrice == minPrice {
		return 1
	}
	return (maxPrice - price) / (maxPrice - minPrice)
}

// TimeWindowFit is the share of the requested window covered by the offer
// window, in [0,1]. A missing window on either side fits fully.
func TimeWindowFit(offer, requested *contracts.TimeWindow) float64 {
	if offer == nil || requested == nil {
		return 1
	}
	want := requested.Duration()
	if want <= 0 {
		return 1
	}
	fit := float64(offer.Overlap(*requested)) / float64(want)
	if fit > 1 {
		fit = 1
	}
	return fit
}

func summarize(filtered []FilterReason) string {
	counts := map[string]int{}
	for _, f := range filtered {
		counts[f.Filter]++
	}
	return fmt.Sprintf("no offers matched: %d outside time window, %d insufficient quantity, %d above max price, %d below trust threshold",
		counts[FilterTimeWindow], counts[FilterQuantity], counts[FilterPrice], counts[FilterTrust])
}

func dedupeWindows(ws []contracts.TimeWindow) []contracts.TimeWindow {
	if len(ws) == 0 {
		return nil
	}
	seen := make(map[[2]int64]bool, len(ws))
	out := make([]contracts.TimeWindow, 0, len(ws))
	for _, w := range ws {
		k := [2]int64{w.Start.UnixNano(), w.End.UnixNano()}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
