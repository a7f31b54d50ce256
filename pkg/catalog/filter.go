package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/p2p-energy-trading/engine/pkg/contracts"
)

var ErrFilter = errors.New("catalog: invalid filter expression")

// FilterEngine evaluates CEL expressions over an offer, its item and its
// provider, for example:
//
//	item.sourceType == "SOLAR" && offer.price <= 6.0
//	offer.attributes["certified"] == "true"
type FilterEngine struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

func NewFilterEngine() (*FilterEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("offer", cel.DynType),
		cel.Variable("item", cel.DynType),
		cel.Variable("provider", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &FilterEngine{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Compile checks expr and caches its program.
func (f *FilterEngine) Compile(expr string) error {
	_, err := f.program(expr)
	return err
}

func (f *FilterEngine) program(expr string) (cel.Program, error) {
	f.mu.RLock()
	prg, hit := f.prgCache[expr]
	f.mu.RUnlock()
	if hit {
		return prg, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if prg, hit = f.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := f.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrFilter, issues.Err())
	}
	prg, err := f.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFilter, err)
	}
	f.prgCache[expr] = prg
	return prg, nil
}

// Match evaluates expr for one offer. A missing attribute or other runtime
// error is reported as an error, not as a non-match.
func (f *FilterEngine) Match(ctx context.Context, expr string, offer contracts.Offer, item contracts.CatalogItem, provider contracts.Provider) (bool, error) {
	prg, err := f.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.ContextEval(ctx, activation(offer, item, provider))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrFilter, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: result is %T, not bool", ErrFilter, out.Value())
	}
	return allowed, nil
}

func activation(o contracts.Offer, it contracts.CatalogItem, p contracts.Provider) map[string]any {
	attrs := make(map[string]any, len(o.Attributes))
	for k, v := range o.Attributes {
		attrs[k] = v
	}
	offer := map[string]any{
		"id":          o.ID,
		"price":       o.Price.Float(),
		"currency":    o.Price.Currency,
		"maxQuantity": int64(o.MaxQuantity),
		"attributes":  attrs,
		"hasWindow":   o.TimeWindow != nil,
	}
	return map[string]any{
		"offer": offer,
		"item": map[string]any{
			"id":                it.ID,
			"sourceType":        it.SourceType,
			"deliveryMode":      it.DeliveryMode,
			"availableQuantity": int64(it.AvailableQuantity),
		},
		"provider": map[string]any{
			"id":               p.ID,
			"name":             p.Name,
			"trustScore":       p.TrustScore,
			"totalOrders":      int64(p.TotalOrders),
			"successfulOrders": int64(p.SuccessfulOrders),
		},
	}
}

// Query selects offers from the catalog.
type Query struct {
	// Filter is an optional CEL expression.
	Filter      string
	ProviderIDs []string
	// OnlyAvailable drops offers with no AVAILABLE blocks.
	OnlyAvailable bool
}

// Search returns the offers matching q in creation order.
func (c *Catalog) Search(ctx context.Context, filters *FilterEngine, q Query) ([]contracts.Offer, error) {
	var allowed map[string]bool
	if len(q.ProviderIDs) > 0 {
		allowed = make(map[string]bool, len(q.ProviderIDs))
		for _, id := range q.ProviderIDs {
			allowed[id] = true
		}
	}

	out := []contracts.Offer{}
	for _, o := range c.Offers() {
		if allowed != nil && !allowed[o.ProviderID] {
			continue
		}
		if q.Filter != "" {
			if filters == nil {
				return nil, fmt.Errorf("%w: no filter engine configured", ErrFilter)
			}
			item, _ := c.Item(o.ItemID)
			prov, _ := c.Provider(o.ProviderID)
			ok, err := filters.Match(ctx, q.Filter, o, item, prov)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		if q.OnlyAvailable {
			n, err := c.Available(ctx, o.ID)
			if err != nil {
				return nil, err
			}
			if n == 0 {
				continue
			}
		}
		out = append(out, o)
	}
	return out, nil
}
