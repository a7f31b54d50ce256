// Package catalog holds the seller side of the market: providers, their
// generation items and the offers they sell. Creating an offer fans it out
// into ledger blocks, so the catalog and the order book never disagree on
// what exists.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/p2p-energy-trading/engine/pkg/contracts"
	"github.com/p2p-energy-trading/engine/pkg/orderbook"
	"github.com/p2p-energy-trading/engine/pkg/state"
	"github.com/p2p-energy-trading/engine/pkg/trust"
	"github.com/p2p-energy-trading/engine/pkg/wire"
)

var (
	ErrNotFound        = errors.New("catalog: not found")
	ErrInvalidOffer    = errors.New("catalog: invalid offer")
	ErrUnknownProvider = errors.New("catalog: unknown provider")
	ErrUnknownItem     = errors.New("catalog: unknown item")
	ErrTradeLimit      = errors.New("catalog: trade limit exceeded")
)

// Catalog is a thread-safe catalog backed by a block ledger. With a
// document store every mutation is written through and Load restores it.
type Catalog struct {
	mu         sync.RWMutex
	providers  map[string]*contracts.Provider
	items      map[string]contracts.CatalogItem
	offers     map[string]contracts.Offer
	offerOrder []string

	book    *orderbook.Book
	docs    state.Store
	trust   *trust.Engine
	selfURI string
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithStore persists providers, items and offers.
func WithStore(s state.Store) Option {
	return func(c *Catalog) { c.docs = s }
}

// WithTrustLimits caps the offered quantity of an item at the share of its
// capacity the provider's trust tier allows.
func WithTrustLimits(e *trust.Engine) Option {
	return func(c *Catalog) { c.trust = e }
}

// WithSelfURI names this node's seller endpoint. Offers with another
// bpp_uri are remote.
func WithSelfURI(uri string) Option {
	return func(c *Catalog) { c.selfURI = strings.TrimSuffix(uri, "/") }
}

func New(book *orderbook.Book, logger *slog.Logger, opts ...Option) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		providers: make(map[string]*contracts.Provider),
		items:     make(map[string]contracts.CatalogItem),
		offers:    make(map[string]contracts.Offer),
		book:      book,
		logger:    logger.With("component", "catalog"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Load restores the persisted catalog. Local offers whose blocks are
// missing from the ledger get them created again.
func (c *Catalog) Load(ctx context.Context) error {
	providers, err := state.LoadAll[contracts.Provider](ctx, c.docs, state.KindProvider)
	if err != nil {
		return err
	}
	items, err := state.LoadAll[contracts.CatalogItem](ctx, c.docs, state.KindItem)
	if err != nil {
		return err
	}
	offers, err := state.LoadAll[contracts.Offer](ctx, c.docs, state.KindOffer)
	if err != nil {
		return err
	}
	sort.SliceStable(offers, func(i, j int) bool {
		if !offers[i].CreatedAt.Equal(offers[j].CreatedAt) {
			return offers[i].CreatedAt.Before(offers[j].CreatedAt)
		}
		return offers[i].ID < offers[j].ID
	})

	c.mu.Lock()
	for i := range providers {
		p := providers[i]
		c.providers[p.ID] = &p
	}
	for _, it := range items {
		c.items[it.ID] = it
	}
	for _, o := range offers {
		if _, ok := c.offers[o.ID]; !ok {
			c.offerOrder = append(c.offerOrder, o.ID)
		}
		c.offers[o.ID] = o
	}
	c.mu.Unlock()

	restored := 0
	for _, o := range offers {
		if c.IsRemote(o) {
			continue
		}
		stats, err := c.book.GetBlockStats(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("reconcile offer %s: %w", o.ID, err)
		}
		if stats.Total > 0 {
			continue
		}
		if _, err := c.book.CreateBlocksForOffer(ctx, o, o.MaxQuantity); err != nil {
			return fmt.Errorf("reconcile offer %s: %w", o.ID, err)
		}
		restored++
	}
	c.logger.Info("catalog loaded", "providers", len(providers), "items", len(items), "offers", len(offers), "restored_offers", restored)
	return nil
}

// UpsertProvider adds or replaces a provider. The trust score is clamped.
// Replacing a known provider keeps its settlement record: trust score and
// order counters change only through UpdateProvider.
func (c *Catalog) UpsertProvider(ctx context.Context, p contracts.Provider) error {
	if p.ID == "" {
		return fmt.Errorf("%w: provider id required", ErrUnknownProvider)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.providers[p.ID]; ok {
		p.TrustScore = cur.TrustScore
		p.TotalOrders = cur.TotalOrders
		p.SuccessfulOrders = cur.SuccessfulOrders
	}
	p.TrustScore = trust.Clamp(p.TrustScore)
	if err := state.Save(ctx, c.docs, state.KindProvider, p.ID, p); err != nil {
		return err
	}
	c.providers[p.ID] = &p
	return nil
}

func (c *Catalog) Provider(id string) (contracts.Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[id]
	if !ok {
		return contracts.Provider{}, false
	}
	return *p, true
}

// Providers returns a snapshot of all providers keyed by id.
func (c *Catalog) Providers() map[string]contracts.Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]contracts.Provider, len(c.providers))
	for id, p := range c.providers {
		out[id] = *p
	}
	return out
}

// UpdateProvider applies fn to the stored provider under the catalog lock
// and returns the updated copy.
func (c *Catalog) UpdateProvider(ctx context.Context, id string, fn func(*contracts.Provider)) (contracts.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.providers[id]
	if !ok {
		return contracts.Provider{}, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	p := *cur
	fn(&p)
	p.TrustScore = trust.Clamp(p.TrustScore)
	if err := state.Save(ctx, c.docs, state.KindProvider, p.ID, p); err != nil {
		return contracts.Provider{}, err
	}
	*cur = p
	return p, nil
}

// UpsertItem adds or replaces an item of a known provider.
func (c *Catalog) UpsertItem(ctx context.Context, item contracts.CatalogItem) error {
	if item.ID == "" {
		return fmt.Errorf("%w: item id required", ErrUnknownItem)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.providers[item.ProviderID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, item.ProviderID)
	}
	if err := state.Save(ctx, c.docs, state.KindItem, item.ID, item); err != nil {
		return err
	}
	c.items[item.ID] = item
	return nil
}

func (c *Catalog) Item(id string) (contracts.CatalogItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[id]
	return it, ok
}

// IsRemote reports whether another node sells the offer.
func (c *Catalog) IsRemote(o contracts.Offer) bool {
	uri := strings.TrimSuffix(o.BppURI, "/")
	return uri != "" && uri != c.selfURI
}

// CreateOffer registers an offer and creates its MaxQuantity blocks.
// An empty ID is assigned. Creating an offer that already exists with the
// same terms returns the stored offer. The offer is rolled back if block
// creation fails. Remote offers get no local blocks.
func (c *Catalog) CreateOffer(ctx context.Context, offer contracts.Offer) (contracts.Offer, error) {
	if offer.ID == "" {
		offer.ID = uuid.NewString()
	}
	if err := c.validateOffer(offer); err != nil {
		return contracts.Offer{}, err
	}

	c.mu.Lock()
	if cur, exists := c.offers[offer.ID]; exists {
		c.mu.Unlock()
		if sameTerms(cur, offer) {
			return cur, nil
		}
		return contracts.Offer{}, fmt.Errorf("%w: offer %s already exists", ErrInvalidOffer, offer.ID)
	}
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = c.now()
	}
	remote := c.IsRemote(offer)
	if !remote {
		if err := c.checkTradeLimitLocked(offer); err != nil {
			c.mu.Unlock()
			return contracts.Offer{}, err
		}
	}
	if err := state.Save(ctx, c.docs, state.KindOffer, offer.ID, offer); err != nil {
		c.mu.Unlock()
		return contracts.Offer{}, err
	}
	c.offers[offer.ID] = offer
	c.offerOrder = append(c.offerOrder, offer.ID)
	c.mu.Unlock()

	if remote {
		c.logger.Info("remote offer registered", "offer_id", offer.ID, "bpp_uri", offer.BppURI)
		return offer, nil
	}

	_, err := c.book.CreateBlocksForOffer(ctx, offer, offer.MaxQuantity)
	switch {
	case errors.Is(err, orderbook.ErrBlocksExist):
		c.logger.Warn("offer adopted existing blocks", "offer_id", offer.ID)
	case err != nil:
		c.removeOffer(offer.ID)
		if rmErr := state.Remove(ctx, c.docs, state.KindOffer, offer.ID); rmErr != nil {
			c.logger.Error("offer rollback failed", "offer_id", offer.ID, "error", rmErr)
		}
		return contracts.Offer{}, err
	}
	c.logger.Info("offer created", "offer_id", offer.ID, "provider_id", offer.ProviderID, "quantity", offer.MaxQuantity)
	return offer, nil
}

func sameTerms(a, b contracts.Offer) bool {
	return a.ItemID == b.ItemID && a.ProviderID == b.ProviderID &&
		a.MaxQuantity == b.MaxQuantity && a.Price.Currency == b.Price.Currency &&
		a.Price.Value.Equal(b.Price.Value) && a.BppURI == b.BppURI
}

// checkTradeLimitLocked keeps the summed MaxQuantity of an item's local
// offers within the provider's allowed share of the item's capacity. Items
// without a declared capacity are not limited.
func (c *Catalog) checkTradeLimitLocked(o contracts.Offer) error {
	if c.trust == nil {
		return nil
	}
	item := c.items[o.ItemID]
	if item.AvailableQuantity <= 0 {
		return nil
	}
	p := c.providers[o.ProviderID]
	percent := c.trust.AllowedLimit(p.TrustScore, item.SolarLimit)
	allowed := item.AvailableQuantity * percent / 100

	committed := 0
	for _, id := range c.offerOrder {
		if other := c.offers[id]; other.ItemID == o.ItemID && !c.IsRemote(other) {
			committed += other.MaxQuantity
		}
	}
	if committed+o.MaxQuantity > allowed {
		return fmt.Errorf("%w: item %s allows %d kWh at %d%% of capacity, %d already offered",
			ErrTradeLimit, o.ItemID, allowed, percent, committed)
	}
	return nil
}

func (c *Catalog) validateOffer(o contracts.Offer) error {
	if o.MaxQuantity <= 0 {
		return fmt.Errorf("%w: max_quantity must be positive", ErrInvalidOffer)
	}
	if o.Price.Value.IsNegative() {
		return fmt.Errorf("%w: negative price", ErrInvalidOffer)
	}
	if err := wire.ValidateCurrency(o.Price.Currency); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	if o.TimeWindow != nil && !o.TimeWindow.Valid() {
		return fmt.Errorf("%w: time window end must follow start", ErrInvalidOffer)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.providers[o.ProviderID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, o.ProviderID)
	}
	item, ok := c.items[o.ItemID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, o.ItemID)
	}
	if item.ProviderID != o.ProviderID {
		return fmt.Errorf("%w: item %s belongs to %s", ErrInvalidOffer, item.ID, item.ProviderID)
	}
	return nil
}

// DeleteOffer removes the offer and all of its blocks.
func (c *Catalog) DeleteOffer(ctx context.Context, id string) error {
	o, ok := c.Offer(id)
	if !ok {
		return fmt.Errorf("%w: offer %s", ErrNotFound, id)
	}
	n := 0
	if !c.IsRemote(o) {
		var err error
		if n, err = c.book.DeleteOfferBlocks(ctx, id); err != nil {
			return err
		}
	}
	if err := state.Remove(ctx, c.docs, state.KindOffer, id); err != nil {
		return err
	}
	c.removeOffer(id)
	c.logger.Info("offer deleted", "offer_id", id, "blocks", n)
	return nil
}

func (c *Catalog) removeOffer(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.offers, id)
	for i, oid := range c.offerOrder {
		if oid == id {
			c.offerOrder = append(c.offerOrder[:i], c.offerOrder[i+1:]...)
			break
		}
	}
}

func (c *Catalog) Offer(id string) (contracts.Offer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.offers[id]
	return o, ok
}

// Offers returns all offers in creation order.
func (c *Catalog) Offers() []contracts.Offer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]contracts.Offer, 0, len(c.offerOrder))
	for _, id := range c.offerOrder {
		out = append(out, c.offers[id])
	}
	return out
}

// LocalOffers returns the offers this node sells, in creation order.
func (c *Catalog) LocalOffers() []contracts.Offer {
	all := c.Offers()
	out := all[:0]
	for _, o := range all {
		if !c.IsRemote(o) {
			out = append(out, o)
		}
	}
	return out
}

// Available returns the AVAILABLE block count of an offer. A remote offer
// reports its advertised MaxQuantity; its seller holds the real count.
func (c *Catalog) Available(ctx context.Context, offerID string) (int, error) {
	if o, ok := c.Offer(offerID); ok && c.IsRemote(o) {
		return o.MaxQuantity, nil
	}
	stats, err := c.book.GetBlockStats(ctx, offerID)
	if err != nil {
		return 0, err
	}
	return stats.Available, nil
}

// Document renders offers as a discovery catalog grouped by provider and
// item, with live block availability. Provider and item order follows the
// first offer that mentions them.
func (c *Catalog) Document(ctx context.Context, offers []contracts.Offer) (wire.Catalog, error) {
	doc := wire.Catalog{Providers: []wire.CatalogProvider{}}
	provIdx := map[string]int{}
	itemIdx := map[string][2]int{}

	for _, o := range offers {
		var stats *contracts.BlockStats
		available := o.MaxQuantity
		if !c.IsRemote(o) {
			s, err := c.book.GetBlockStats(ctx, o.ID)
			if err != nil {
				return wire.Catalog{}, err
			}
			stats, available = &s, s.Available
		}

		pi, ok := provIdx[o.ProviderID]
		if !ok {
			p, _ := c.Provider(o.ProviderID)
			doc.Providers = append(doc.Providers, wire.CatalogProvider{
				ID:         o.ProviderID,
				Descriptor: wire.Descriptor{Name: p.Name},
				TrustScore: p.TrustScore,
				Items:      []wire.CatalogItem{},
			})
			pi = len(doc.Providers) - 1
			provIdx[o.ProviderID] = pi
		}

		loc, ok := itemIdx[o.ItemID]
		if !ok {
			item, _ := c.Item(o.ItemID)
			prov := &doc.Providers[pi]
			prov.Items = append(prov.Items, wire.CatalogItem{
				ID:           o.ItemID,
				SourceType:   item.SourceType,
				DeliveryMode: item.DeliveryMode,
				Offers:       []wire.CatalogOffer{},
			})
			loc = [2]int{pi, len(prov.Items) - 1}
			itemIdx[o.ItemID] = loc
		}

		entry := &doc.Providers[loc[0]].Items[loc[1]]
		entry.Offers = append(entry.Offers, wire.CatalogOffer{
			ID:          o.ID,
			ItemID:      o.ItemID,
			Price:       o.Price,
			MaxQuantity: o.MaxQuantity,
			Available:   available,
			TimeWindow:  o.TimeWindow,
			Attributes:  o.Attributes,
			Stats:       stats,
		})
	}
	return doc, nil
}
