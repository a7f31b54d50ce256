package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

// Energy is traded in whole kWh units; one unit is one block.
const UnitKWh = "kWh"

// Price is a monetary amount per unit of energy.
type Price struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// NewPrice builds a Price from a float literal. Intended for fixtures and config defaults.
func NewPrice(value float64, currency string) Price {
	return Price{Value: decimal.NewFromFloat(value), Currency: currency}
}

// Float returns the price value as a float64 for scoring.
func (p Price) Float() float64 {
	return p.Value.InexactFloat64()
}

// TimeWindow is a half-open delivery interval [Start, End).
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether the window has a positive duration.
func (w TimeWindow) Valid() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && w.End.After(w.Start)
}

// Duration returns the window length, or zero for an invalid window.
func (w TimeWindow) Duration() time.Duration {
	if !w.Valid() {
		return 0
	}
	return w.End.Sub(w.Start)
}

// Overlap returns the length of the intersection of two windows.
func (w TimeWindow) Overlap(other TimeWindow) time.Duration {
	start := w.Start
	if other.Start.After(start) {
		start = other.Start
	}
	end := w.End
	if other.End.Before(end) {
		end = other.End
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// Overlaps reports whether the two windows intersect.
func (w TimeWindow) Overlaps(other TimeWindow) bool {
	return w.Overlap(other) > 0
}

// Provider is a seller participating in the market.
// TrustScore is the only field mutated by settlement outcomes and is always in [0,1].
type Provider struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	TrustScore       float64 `json:"trust_score"`
	TotalOrders      int     `json:"total_orders"`
	SuccessfulOrders int     `json:"successful_orders"`
}

// Source types for generation resources.
const (
	SourceSolar   = "SOLAR"
	SourceWind    = "WIND"
	SourceBattery = "BATTERY"
	SourceGrid    = "GRID"
)

// CatalogItem is a seller's generation resource.
// AvailableQuantity is advisory; the block ledger holds the authoritative count.
type CatalogItem struct {
	ID                string       `json:"id"`
	ProviderID        string       `json:"provider_id"`
	SourceType        string       `json:"source_type"`
	DeliveryMode      string       `json:"delivery_mode"`
	AvailableQuantity int          `json:"available_quantity"`
	ProductionWindows []TimeWindow `json:"production_windows,omitempty"`
	// SolarLimit is an externally verified trade limit in percent.
	SolarLimit *int `json:"solar_limit_percent,omitempty"`
}

// Offer is a priced, time-bounded quantity of an item. Immutable after creation.
// A nil TimeWindow means the offer is available at any time. An offer whose
// BppURI names another node is sold by that node; its blocks live there.
type Offer struct {
	ID          string            `json:"id"`
	ItemID      string            `json:"item_id"`
	ProviderID  string            `json:"provider_id"`
	Price       Price             `json:"price"`
	MaxQuantity int               `json:"max_quantity"`
	TimeWindow  *TimeWindow       `json:"time_window,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	BppID       string            `json:"bpp_id,omitempty"`
	BppURI      string            `json:"bpp_uri,omitempty"`
}
