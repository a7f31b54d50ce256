package matcher

import (
	"github.com/p2p-energy-trading/engine/pkg/contracts"
)

// Allocation is one offer's share of a multi-offer purchase.
type Allocation struct {
	Offer    ScoredOffer `json:"offer"`
	Quantity int         `json:"quantity"`
}

// SmartBuyPlan is the greedy split of a requested quantity over ranked offers.
type SmartBuyPlan struct {
	Allocations []Allocation `json:"allocations"`
	Requested   int          `json:"requested"`
	Allocated   int          `json:"allocated"`
}

// Complete reports whether the whole requested quantity was allocated.
func (p SmartBuyPlan) Complete() bool { return p.Allocated >= p.Requested }

// Remaining is the quantity left unallocated.
func (p SmartBuyPlan) Remaining() int {
	if p.Allocated >= p.Requested {
		return 0
	}
	return p.Requested - p.Allocated
}

// CapacityFunc reports how many units of an offer can still be bought.
type CapacityFunc func(o contracts.Offer) int

// SmartBuy walks ranked offers in order and takes as much as each can supply
// until quantity is met or offers run out. A nil capacity uses MaxQuantity.
func SmartBuy(ranked []ScoredOffer, quantity int, capacity CapacityFunc) SmartBuyPlan {
	plan := SmartBuyPlan{Requested: quantity, Allocations: []Allocation{}}
	if quantity <= 0 {
		return plan
	}
	if capacity == nil {
		capacity = func(o contracts.Offer) int { return o.MaxQuantity }
	}

	for _, so := range ranked {
		remaining := quantity - plan.Allocated
		if remaining <= 0 {
			break
		}
		avail := capacity(so.Offer)
		if avail <= 0 {
			continue
		}
		take := avail
		if take > remaining {
			take = remaining
		}
		plan.Allocations = append(plan.Allocations, Allocation{Offer: so, Quantity: take})
		plan.Allocated += take
	}
	return plan
}
