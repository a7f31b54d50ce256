package matcher

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2p-energy-trading/engine/pkg/contracts"
)

var base = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func window(startH, endH int) *contracts.TimeWindow {
	return &contracts.TimeWindow{Start: base.Add(time.Duration(startH) * time.Hour), End: base.Add(time.Duration(endH) * time.Hour)}
}

func offer(id, provider string, price float64, qty int, w *contracts.TimeWindow) contracts.Offer {
	return contracts.Offer{ID: id, ItemID: "item-" + id, ProviderID: provider, Price: contracts.NewPrice(price, "INR"), MaxQuantity: qty, TimeWindow: w}
}

func dec(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func TestMatch_ExactFulfillmentScenario(t *testing.T) {
	providers := map[string]contracts.Provider{
		"pA": {ID: "pA", TrustScore: 0.85},
		"pB": {ID: "pB", TrustScore: 0.60},
	}
	offers := []contracts.Offer{
		offer("A", "pA", 6.5, 50, window(0, 4)),
		offer("B", "pB", 5.25, 100, window(0, 4)),
	}

	res := New(DefaultConfig()).Match(offers, providers, Criteria{
		RequestedQuantity:   30,
		RequestedTimeWindow: window(1, 3),
		MaxPrice:            dec(7),
	})

	require.NotNil(t, res.Selected)
	require.Len(t, res.All, 2)
	assert.Equal(t, "B", res.Selected.Offer.ID)
	assert.Equal(t, "B", res.All[0].Offer.ID)
	assert.Equal(t, "A", res.All[1].Offer.ID)

	assert.InDelta(t, 0.86, res.All[0].Score, 1e-9)
	assert.InDelta(t, 0.5475, res.All[1].Score, 1e-9)

	assert.InDelta(t, 1.0, res.All[0].Breakdown.PriceScore, 1e-9)
	assert.InDelta(t, 0.0, res.All[1].Breakdown.PriceScore, 1e-9)
	assert.InDelta(t, 1.0, res.All[1].Breakdown.TimeWindowFitScore, 1e-9)
	assert.Empty(t, res.Reason)
}

func TestMatch_HardFilters(t *testing.T) {
	providers := map[string]contracts.Provider{
		"good":  {ID: "good", TrustScore: 0.9},
		"shady": {ID: "shady", TrustScore: 0.1},
	}
	offers := []contracts.Offer{
		offer("late", "good", 5, 50, window(10, 12)),
		offer("small", "good", 5, 5, window(0, 4)),
		offer("pricey", "good", 9, 50, window(0, 4)),
		offer("untrusted", "shady", 1, 50, window(0, 4)),
		offer("anytime", "good", 6, 50, nil),
	}

	res := New(DefaultConfig()).Match(offers, providers, Criteria{
		RequestedQuantity:   10,
		RequestedTimeWindow: window(1, 3),
		MaxPrice:            dec(7),
	})

	require.NotNil(t, res.Selected)
	require.Len(t, res.All, 1)
	assert.Equal(t, "anytime", res.Selected.Offer.ID)

	filters := map[string]string{}
	for _, f := range res.Filtered {
		filters[f.OfferID] = f.Filter
	}
	assert.Equal(t, FilterTimeWindow, filters["late"])
	assert.Equal(t, FilterQuantity, filters["small"])
	assert.Equal(t, FilterPrice, filters["pricey"])
	assert.Equal(t, FilterTrust, filters["untrusted"])
}

func TestMatch_NoSurvivorsGivesReasonAndAlternatives(t *testing.T) {
	providers := map[string]contracts.Provider{"p": {ID: "p", TrustScore: 0.7}}
	offers := []contracts.Offer{
		offer("evening", "p", 5, 20, window(8, 10)),
		offer("evening-dup", "p", 5.5, 20, window(8, 10)),
		offer("night", "p", 5, 20, window(12, 14)),
		offer("tiny", "p", 5, 1, window(14, 16)),
	}

	res := New(DefaultConfig()).Match(offers, providers, Criteria{RequestedQuantity: 10, RequestedTimeWindow: window(0, 2)})

	assert.Nil(t, res.Selected)
	assert.Empty(t, res.All)
	assert.Contains(t, res.Reason, "no offers matched")
	assert.Len(t, res.Filtered, 4)
	require.Len(t, res.AlternativeWindows, 2)
	assert.Equal(t, *window(8, 10), res.AlternativeWindows[0])
	assert.Equal(t, *window(12, 14), res.AlternativeWindows[1])
}

func TestMatch_EmptyAndInvalidInput(t *testing.T) {
	m := New(DefaultConfig())

	res := m.Match(nil, nil, Criteria{RequestedQuantity: 1})
	assert.Nil(t, res.Selected)
	assert.NotEmpty(t, res.Reason)

	bad := &contracts.TimeWindow{Start: base.Add(time.Hour), End: base}
	res = m.Match([]contracts.Offer{offer("a", "p", 1, 1, nil)}, nil, Criteria{RequestedQuantity: 1, RequestedTimeWindow: bad})
	assert.Nil(t, res.Selected)
	assert.Contains(t, res.Reason, "invalid")
}

func TestMatch_StableTies(t *testing.T) {
	providers := map[string]contracts.Provider{"p": {ID: "p", TrustScore: 0.5}}
	offers := []contracts.Offer{
		offer("first", "p", 5, 10, nil),
		offer("second", "p", 5, 10, nil),
		offer("third", "p", 5, 10, nil),
	}
	res := New(DefaultConfig()).Match(offers, providers, Criteria{RequestedQuantity: 1})
	require.Len(t, res.All, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{res.All[0].Offer.ID, res.All[1].Offer.ID, res.All[2].Offer.ID})
	// Equal prices score a full price term.
	assert.Equal(t, 1.0, res.All[0].Breakdown.PriceScore)
}

func TestMatch_MissingProviderUsesDefaultTrust(t *testing.T) {
	cfg := DefaultConfig()
	res := New(cfg).Match([]contracts.Offer{offer("o", "ghost", 5, 10, nil)}, nil, Criteria{RequestedQuantity: 1})
	require.NotNil(t, res.Selected)
	assert.Equal(t, cfg.DefaultTrustScore, res.Selected.Breakdown.TrustScore)

	cfg.DefaultTrustScore = 0.1
	res = New(cfg).Match([]contracts.Offer{offer("o", "ghost", 5, 10, nil)}, nil, Criteria{RequestedQuantity: 1})
	assert.Nil(t, res.Selected)
}

func TestTimeWindowFit(t *testing.T) {
	assert.Equal(t, 1.0, TimeWindowFit(window(0, 4), window(1, 3)))
	assert.InDelta(t, 0.5, TimeWindowFit(window(0, 2), window(1, 3)), 1e-9)
	assert.Equal(t, 1.0, TimeWindowFit(nil, window(1, 3)))
	assert.Equal(t, 1.0, TimeWindowFit(window(1, 3), nil))
	assert.Equal(t, 0.0, TimeWindowFit(window(5, 6), window(1, 3)))
}

func TestMatch_PartialOverlapRanksLower(t *testing.T) {
	providers := map[string]contracts.Provider{"p": {ID: "p", TrustScore: 0.5}}
	offers := []contracts.Offer{
		offer("partial", "p", 5, 10, window(2, 6)),
		offer("full", "p", 5, 10, window(0, 6)),
	}
	res := New(DefaultConfig()).Match(offers, providers, Criteria{RequestedQuantity: 1, RequestedTimeWindow: window(0, 4)})
	require.Len(t, res.All, 2)
	assert.Equal(t, "full", res.All[0].Offer.ID)
	assert.InDelta(t, 0.5, res.All[1].Breakdown.TimeWindowFitScore, 1e-9)
}

func TestMatch_Monotonicity(t *testing.T) {
	providers := map[string]contracts.Provider{
		"p1": {ID: "p1", TrustScore: 0.5},
		"p2": {ID: "p2", TrustScore: 0.5},
	}
	m := New(DefaultConfig())
	crit := Criteria{RequestedQuantity: 1}

	scoreOf := func(res Result, id string) float64 {
		for _, so := range res.All {
			if so.Offer.ID == id {
				return so.Breakdown.PriceScore
			}
		}
		t.Fatalf("offer %s missing", id)
		return 0
	}

	before := m.Match([]contracts.Offer{offer("x", "p1", 6, 10, nil), offer("y", "p2", 4, 10, nil), offer("z", "p2", 8, 10, nil)}, providers, crit)
	after := m.Match([]contracts.Offer{offer("x", "p1", 5, 10, nil), offer("y", "p2", 4, 10, nil), offer("z", "p2", 8, 10, nil)}, providers, crit)
	assert.GreaterOrEqual(t, scoreOf(after, "x"), scoreOf(before, "x"))

	providers["p1"] = contracts.Provider{ID: "p1", TrustScore: 0.19}
	res := m.Match([]contracts.Offer{offer("x", "p1", 5, 10, nil), offer("y", "p2", 4, 10, nil)}, providers, crit)
	for _, so := range res.All {
		assert.NotEqual(t, "x", so.Offer.ID)
	}
}

func TestSmartBuy(t *testing.T) {
	ranked := []ScoredOffer{
		{Offer: offer("a", "p", 5, 10, nil)},
		{Offer: offer("b", "p", 5, 15, nil)},
		{Offer: offer("c", "p", 5, 40, nil)},
	}

	plan := SmartBuy(ranked, 30, nil)
	assert.True(t, plan.Complete())
	require.Len(t, plan.Allocations, 3)
	assert.Equal(t, 10, plan.Allocations[0].Quantity)
	assert.Equal(t, 15, plan.Allocations[1].Quantity)
	assert.Equal(t, 5, plan.Allocations[2].Quantity)
	assert.Equal(t, 0, plan.Remaining())

	short := SmartBuy(ranked, 100, func(o contracts.Offer) int {
		if o.ID == "b" {
			return 0
		}
		return o.MaxQuantity
	})
	assert.False(t, short.Complete())
	assert.Equal(t, 50, short.Allocated)
	assert.Equal(t, 50, short.Remaining())
	require.Len(t, short.Allocations, 2)
	assert.Equal(t, "c", short.Allocations[1].Offer.Offer.ID)

	assert.Empty(t, SmartBuy(ranked, 0, nil).Allocations)
}
