//go:build property
// +build property

package trust_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/p2p-energy-trading/engine/pkg/trust"
)

// TestTrustScoreBounds verifies scores stay in [0,1] under any update sequence.
// Property: for all sequences of delivery/cancel updates, 0 <= score <= 1
func TestTrustScoreBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	e := trust.NewEngine(trust.DefaultConfig())

	properties.Property("score stays within [0,1]", prop.ForAll(
		func(start float64, ops []int) bool {
			score := start
			for i, op := range ops {
				switch op % 4 {
				case 0:
					score = e.AfterDelivery(score, op%11, 10).NewScore
				case 1:
					score = e.AfterDelivery(score, 0, 1+i%5).NewScore
				case 2:
					score = e.AfterCancel(score, op%7, 6, true, trust.PartySeller).NewScore
				default:
					score = e.AfterCancel(score, op%7, 6, i%2 == 0, trust.PartyBuyer).NewScore
				}
				if score < 0 || score > 1 {
					return false
				}
			}
			return true
		},
		gen.Float64Range(-1, 2),
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}
