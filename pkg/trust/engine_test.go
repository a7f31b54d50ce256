package trust

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAfterDelivery(t *testing.T) {
	e := NewEngine(DefaultConfig())

	full := e.AfterDelivery(0.5, 10, 10)
	assert.InDelta(t, 0.52, full.NewScore, 1e-9)
	assert.InDelta(t, 0.02, full.Impact, 1e-9)

	over := e.AfterDelivery(0.5, 12, 10)
	assert.InDelta(t, 0.52, over.NewScore, 1e-9)

	half := e.AfterDelivery(0.5, 5, 10)
	assert.InDelta(t, 0.45, half.NewScore, 1e-9)

	none := e.AfterDelivery(0.5, 0, 10)
	assert.InDelta(t, 0.40, none.NewScore, 1e-9)
	assert.InDelta(t, -0.10, none.Impact, 1e-9)

	noExpectation := e.AfterDelivery(0.5, 3, 0)
	assert.Equal(t, 0.5, noExpectation.NewScore)
	assert.Zero(t, noExpectation.Impact)
}

func TestAfterDelivery_Clamps(t *testing.T) {
	e := NewEngine(DefaultConfig())
	top := e.AfterDelivery(0.995, 10, 10)
	assert.Equal(t, 1.0, top.NewScore)
	assert.InDelta(t, 0.005, top.Impact, 1e-9)

	bottom := e.AfterDelivery(0.03, 0, 10)
	assert.Equal(t, 0.0, bottom.NewScore)
}

func TestAfterCancel(t *testing.T) {
	e := NewEngine(DefaultConfig())

	seller := e.AfterCancel(0.6, 10, 10, true, PartySeller)
	buyer := e.AfterCancel(0.6, 10, 10, true, PartyBuyer)
	assert.InDelta(t, 0.55, seller.NewScore, 1e-9)
	assert.InDelta(t, 0.58, buyer.NewScore, 1e-9)
	assert.Less(t, seller.NewScore, buyer.NewScore)

	partial := e.AfterCancel(0.6, 5, 10, true, PartySeller)
	assert.InDelta(t, 0.575, partial.NewScore, 1e-9)

	outside := e.AfterCancel(0.6, 10, 10, false, PartySeller)
	assert.Equal(t, 0.6, outside.NewScore)
	assert.Zero(t, outside.Impact)

	assert.Equal(t, 0.6, e.AfterCancel(0.6, 1, 0, true, PartySeller).NewScore)
}

func TestAllowedLimit(t *testing.T) {
	e := NewEngine(DefaultConfig())
	cases := []struct {
		score float64
		want  int
	}{
		{0, 10}, {0.29, 10}, {0.3, 20}, {0.5, 40}, {0.69, 40},
		{0.7, 60}, {0.85, 80}, {0.949, 80}, {0.95, 100}, {1, 100},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, e.AllowedLimit(tc.score, nil), "score %v", tc.score)
	}

	solar := 50
	assert.Equal(t, 50, e.AllowedLimit(0.1, &solar))
	assert.Equal(t, 80, e.AllowedLimit(0.9, &solar))
	huge := 300
	assert.Equal(t, 100, e.AllowedLimit(0, &huge))
}

func TestAllowedLimit_Monotonic(t *testing.T) {
	e := NewEngine(DefaultConfig())
	prev := 0
	for s := 0.0; s <= 1.0; s += 0.01 {
		got := e.AllowedLimit(s, nil)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestOutcomeCarriesLimit(t *testing.T) {
	e := NewEngine(DefaultConfig())
	o := e.AfterDelivery(0.94, 10, 10)
	assert.Equal(t, 100, o.NewLimit)
	assert.Equal(t, "verified", e.TierFor(o.NewScore).Name)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-3))
	assert.Equal(t, 1.0, Clamp(4))
	assert.Equal(t, 0.0, Clamp(math.NaN()))
	assert.Equal(t, 0.42, Clamp(0.42))
}
