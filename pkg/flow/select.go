package flow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/p2p-energy-trading/engine/pkg/catalog"
	"github.com/p2p-energy-trading/engine/pkg/contracts"
	"github.com/p2p-energy-trading/engine/pkg/matcher"
	"github.com/p2p-energy-trading/engine/pkg/observability"
	"github.com/p2p-energy-trading/engine/pkg/wire"
)

// Select outcomes.
const (
	StatusSelected        = "selected"
	StatusNoEligibleOffer = "no_eligible_offers"

	SelectionSingle   = "single"
	SelectionSmartBuy = "smart_buy"
)

// DiscoverRequest opens a transaction.
type DiscoverRequest struct {
	BuyerID     string                `json:"buyer_id,omitempty"`
	MinQuantity int                   `json:"minQuantity"`
	TimeWindow  *contracts.TimeWindow `json:"timeWindow,omitempty"`
	MaxPrice    *decimal.Decimal      `json:"maxPrice,omitempty"`
	// Filter is an optional CEL expression over offer, item and provider.
	Filter      string   `json:"filter,omitempty"`
	ProviderIDs []string `json:"provider_ids,omitempty"`
}

// DiscoverResult carries the catalog of offers with free inventory and their
// ranking against the discover criteria.
type DiscoverResult struct {
	TransactionID string                `json:"transaction_id"`
	Catalog       wire.Catalog          `json:"catalog"`
	Ranked        []matcher.ScoredOffer `json:"ranked_offers"`
	Reason        string                `json:"reason,omitempty"`
}

// SelectRequest picks offers for a transaction. With OfferID set the buyer
// names the offer; otherwise the matcher chooses. Zero values fall back to
// the discover criteria.
type SelectRequest struct {
	TransactionID       string                `json:"transaction_id"`
	OfferID             string                `json:"offer_id,omitempty"`
	ItemID              string                `json:"item_id,omitempty"`
	Quantity            int                   `json:"quantity"`
	RequestedTimeWindow *contracts.TimeWindow `json:"requestedTimeWindow,omitempty"`
	MaxPrice            *decimal.Decimal      `json:"maxPrice,omitempty"`
	SmartBuy            bool                  `json:"smartBuy,omitempty"`
}

// SelectedOffer is one reservation made by select.
type SelectedOffer struct {
	OrderID    string          `json:"order_id"`
	OfferID    string          `json:"offer_id"`
	ItemID     string          `json:"item_id"`
	ProviderID string          `json:"provider_id"`
	Quantity   int             `json:"quantity"`
	Price      contracts.Price `json:"price"`
	Score      float64         `json:"score"`
	BlockIDs   []string        `json:"block_ids"`
}

// SelectSummary reports how much of the request was reserved. A short
// reservation is returned as-is; the buyer decides whether to proceed.
type SelectSummary struct {
	Requested int             `json:"requested_quantity"`
	Allocated int             `json:"allocated_quantity"`
	Remaining int             `json:"remaining_quantity"`
	Complete  bool            `json:"fully_allocated"`
	Total     contracts.Price `json:"total_price"`
	Providers int             `json:"providers"`
}

type SelectResult struct {
	TransactionID    string                 `json:"transaction_id"`
	Status           string                 `json:"status"`
	SelectionType    string                 `json:"selectionType,omitempty"`
	SelectedOffers   []SelectedOffer        `json:"selectedOffers,omitempty"`
	Summary          *SelectSummary         `json:"summary,omitempty"`
	Reason           string                 `json:"reason,omitempty"`
	AvailableWindows []contracts.TimeWindow `json:"availableWindows,omitempty"`
	FilterReasons    []matcher.FilterReason `json:"filterReasons,omitempty"`
}

// Discover opens a transaction and returns the offers that still have free
// blocks, filtered by the optional CEL expression and time window.
func (s *Service) Discover(ctx context.Context, filters *catalog.FilterEngine, req DiscoverRequest) (_ *DiscoverResult, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "flow.discover", observability.AttrQuantity.Int(req.MinQuantity))
	defer func() { done(err) }()

	if req.MinQuantity < 0 {
		return nil, fmt.Errorf("%w: minQuantity must not be negative", ErrInvalidRequest)
	}
	if req.TimeWindow != nil && !req.TimeWindow.Valid() {
		return nil, fmt.Errorf("%w: timeWindow end must be after start", ErrInvalidRequest)
	}

	found, err := s.catalog.Search(ctx, filters, catalog.Query{
		Filter:        req.Filter,
		ProviderIDs:   req.ProviderIDs,
		OnlyAvailable: true,
	})
	if err != nil {
		return nil, err
	}
	var offers []contracts.Offer
	for _, o := range found {
		if req.TimeWindow != nil && o.TimeWindow != nil && !o.TimeWindow.Overlaps(*req.TimeWindow) {
			continue
		}
		offers = append(offers, o)
	}

	doc, err := s.catalog.Document(ctx, offers)
	if err != nil {
		return nil, err
	}
	live, err := s.liveOffers(ctx, offers)
	if err != nil {
		return nil, err
	}
	match := s.matcher.Match(live, s.catalog.Providers(), matcher.Criteria{
		RequestedQuantity:   req.MinQuantity,
		RequestedTimeWindow: req.TimeWindow,
		MaxPrice:            req.MaxPrice,
	})

	txn := s.newTransaction(req.BuyerID, Criteria{MinQuantity: req.MinQuantity, TimeWindow: req.TimeWindow, MaxPrice: req.MaxPrice})
	txn.mu.Lock()
	err = s.persist(ctx, txn)
	txn.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "discover", "transaction_id", txn.ID, "offers", len(offers), "ranked", len(match.All))
	return &DiscoverResult{TransactionID: txn.ID, Catalog: doc, Ranked: match.All, Reason: match.Reason}, nil
}

// Select reserves blocks for a transaction. Re-selecting releases the
// previous reservation first. No eligible offer is a normal result, not an
// error.
func (s *Service) Select(ctx context.Context, req SelectRequest) (_ *SelectResult, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "flow.select", observability.TransactionOperation(req.TransactionID, req.Quantity)...)
	defer func() { done(err) }()

	var txn *txnState
	if req.TransactionID == "" {
		txn = s.newTransaction("", Criteria{})
	} else if txn, err = s.transaction(req.TransactionID); err != nil {
		return nil, err
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.hasStatus(contracts.OrderActive, contracts.OrderCompleted) {
		return nil, fmt.Errorf("%w: transaction %s is already confirmed", ErrInvalidState, txn.ID)
	}

	qty := req.Quantity
	if qty == 0 {
		qty = txn.Criteria.MinQuantity
	}
	if qty <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}
	window := req.RequestedTimeWindow
	if window == nil {
		window = txn.Criteria.TimeWindow
	}
	maxPrice := req.MaxPrice
	if maxPrice == nil {
		maxPrice = txn.Criteria.MaxPrice
	}

	if err := s.releaseReservations(ctx, txn); err != nil {
		return nil, err
	}

	candidates, err := s.candidates(ctx, req)
	if err != nil {
		return nil, err
	}
	live, err := s.liveOffers(ctx, candidates)
	if err != nil {
		return nil, err
	}

	criteria := matcher.Criteria{RequestedQuantity: qty, RequestedTimeWindow: window, MaxPrice: maxPrice}
	if req.SmartBuy {
		// Every offer with free inventory may contribute a share.
		criteria.RequestedQuantity = 1
	}
	match := s.matcher.Match(live, s.catalog.Providers(), criteria)
	result := &SelectResult{TransactionID: txn.ID}
	if match.Selected == nil {
		result.Status = StatusNoEligibleOffer
		result.Reason = match.Reason
		result.AvailableWindows = match.AlternativeWindows
		result.FilterReasons = match.Filtered
		s.logger.InfoContext(ctx, "no eligible offers", "transaction_id", txn.ID, "reason", match.Reason)
		return result, nil
	}

	var plan []matcher.Allocation
	if req.SmartBuy {
		plan = matcher.SmartBuy(match.All, qty, nil).Allocations
		result.SelectionType = SelectionSmartBuy
	} else {
		plan = []matcher.Allocation{{Offer: *match.Selected, Quantity: qty}}
		result.SelectionType = SelectionSingle
	}

	var (
		orders  []*contracts.Order
		remote  = map[string][]matcher.Allocation{}
		sellers []string
	)
	for _, a := range plan {
		if s.catalog.IsRemote(a.Offer.Offer) {
			uri := a.Offer.Offer.BppURI
			if _, ok := remote[uri]; !ok {
				sellers = append(sellers, uri)
			}
			remote[uri] = append(remote[uri], a)
			continue
		}
		order, sel, err := s.reserve(ctx, txn, a.Offer.Offer, a.Quantity)
		if err != nil {
			s.abandon(ctx, txn.ID)
			return nil, err
		}
		if order == nil {
			continue
		}
		sel.Score = a.Offer.Score
		orders = append(orders, order)
		result.SelectedOffers = append(result.SelectedOffers, sel)
	}
	// One select per seller node: a second select under the same
	// transaction would replace the first reservation there.
	for _, uri := range sellers {
		order, sels, err := s.reserveRemote(ctx, txn, remote[uri])
		if err != nil {
			s.abandon(ctx, txn.ID)
			return nil, err
		}
		orders = append(orders, order)
		result.SelectedOffers = append(result.SelectedOffers, sels...)
	}
	if len(orders) == 0 {
		result.Status = StatusNoEligibleOffer
		result.Reason = "selected offers were sold out before blocks could be reserved"
		return result, nil
	}

	s.indexOrders(txn, orders)
	txn.Orders = orders
	txn.SmartBuy = req.SmartBuy
	txn.UpdatedAt = s.now()
	if err := s.persist(ctx, txn); err != nil {
		return nil, err
	}

	result.Status = StatusSelected
	result.Summary = summarize(orders, qty)
	s.logger.InfoContext(ctx, "offers selected", "transaction_id", txn.ID, "type", result.SelectionType,
		"requested", qty, "allocated", result.Summary.Allocated)
	return result, nil
}

// Reserve is the seller-side select: it claims blocks for explicitly named
// offers under the buyer's transaction id and returns a DRAFT order. The
// transaction is bound to signer; later steps must come from the same
// subscriber.
func (s *Service) Reserve(ctx context.Context, signer, transactionID, providerID string, items []contracts.OrderItem) (_ *contracts.Order, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "flow.reserve", observability.AttrTransactionID.String(transactionID))
	defer func() { done(err) }()

	if transactionID == "" {
		return nil, fmt.Errorf("%w: transaction id required", ErrInvalidRequest)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidRequest)
	}

	txn, err := s.sellerTransaction(transactionID, signer)
	if err != nil {
		return nil, err
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if txn.hasStatus(contracts.OrderActive, contracts.OrderCompleted) {
		return nil, fmt.Errorf("%w: transaction %s is already confirmed", ErrInvalidState, txn.ID)
	}
	if err := s.releaseReservations(ctx, txn); err != nil {
		return nil, err
	}

	orderID := uuid.NewString()
	now := s.now()
	order := &contracts.Order{
		ID:            orderID,
		TransactionID: txn.ID,
		Status:        contracts.OrderDraft,
		BuyerID:       signer,
		ProviderID:    providerID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, it := range items {
		offer, ok := s.catalog.Offer(it.OfferID)
		if !ok {
			s.abandon(ctx, txn.ID)
			return nil, fmt.Errorf("%w: %s", ErrOfferNotFound, it.OfferID)
		}
		if providerID != "" && offer.ProviderID != providerID {
			s.abandon(ctx, txn.ID)
			return nil, fmt.Errorf("%w: offer %s is not sold by %s", ErrInvalidRequest, offer.ID, providerID)
		}
		blocks, err := s.book.ClaimBlocks(ctx, offer.ID, it.Quantity, orderID, txn.ID)
		if err != nil {
			s.abandon(ctx, txn.ID)
			return nil, err
		}
		s.obs.RecordClaim(ctx, offer.ID, len(blocks))
		if len(blocks) == 0 {
			continue
		}
		order.ProviderID = offer.ProviderID
		order.Items = append(order.Items, orderItem(offer, blocks))
	}
	if len(order.Items) == 0 {
		return nil, fmt.Errorf("%w: transaction %s", ErrNoInventory, txn.ID)
	}
	order.Quote = contracts.ComputeQuote(order.Items)

	orders := []*contracts.Order{order}
	s.indexOrders(txn, orders)
	txn.Orders = orders
	txn.UpdatedAt = now
	if err := s.persist(ctx, txn); err != nil {
		return nil, err
	}

	out := cloneOrder(order)
	return &out, nil
}

// reserve claims up to qty blocks of offer into a new DRAFT order. A nil
// order means the offer had nothing left.
func (s *Service) reserve(ctx context.Context, txn *txnState, offer contracts.Offer, qty int) (*contracts.Order, SelectedOffer, error) {
	orderID := uuid.NewString()
	blocks, err := s.book.ClaimBlocks(ctx, offer.ID, qty, orderID, txn.ID)
	if err != nil {
		return nil, SelectedOffer{}, err
	}
	s.obs.RecordClaim(ctx, offer.ID, len(blocks))
	if len(blocks) == 0 {
		return nil, SelectedOffer{}, nil
	}
	if len(blocks) < qty {
		s.logger.WarnContext(ctx, "partial reservation", "transaction_id", txn.ID, "offer_id", offer.ID,
			"requested", qty, "claimed", len(blocks))
	}

	item := orderItem(offer, blocks)
	now := s.now()
	order := &contracts.Order{
		ID:            orderID,
		TransactionID: txn.ID,
		Status:        contracts.OrderDraft,
		BuyerID:       txn.BuyerID,
		ProviderID:    offer.ProviderID,
		Items:         []contracts.OrderItem{item},
		Quote:         contracts.ComputeQuote([]contracts.OrderItem{item}),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return order, SelectedOffer{
		OrderID:    orderID,
		OfferID:    offer.ID,
		ItemID:     offer.ItemID,
		ProviderID: offer.ProviderID,
		Quantity:   item.Quantity,
		Price:      offer.Price,
		BlockIDs:   item.BlockIDs,
	}, nil
}

// reserveRemote selects a group of offers sold by one remote node. The
// local order takes the seller's order id and stays DRAFT until init.
func (s *Service) reserveRemote(ctx context.Context, txn *txnState, group []matcher.Allocation) (*contracts.Order, []SelectedOffer, error) {
	if s.remote == nil {
		return nil, nil, fmt.Errorf("%w: no remote seller configured", ErrRemoteSeller)
	}
	first := group[0].Offer.Offer
	providerID := first.ProviderID
	scores := make(map[string]float64, len(group))
	items := make([]contracts.OrderItem, 0, len(group))
	for _, a := range group {
		o := a.Offer.Offer
		if o.ProviderID != providerID {
			providerID = ""
		}
		scores[o.ID] = a.Offer.Score
		items = append(items, contracts.OrderItem{
			OfferID:    o.ID,
			ItemID:     o.ItemID,
			ProviderID: o.ProviderID,
			Quantity:   a.Quantity,
			Price:      o.Price,
			TimeWindow: o.TimeWindow,
		})
	}

	order, err := s.remote.Select(ctx, Peer{ID: first.BppID, URI: first.BppURI}, txn.ID, providerID, items)
	if err != nil {
		return nil, nil, err
	}
	if order.ID == "" || len(order.Items) == 0 {
		return nil, nil, fmt.Errorf("%w: seller %s returned no order", ErrRemoteSeller, first.BppURI)
	}
	now := s.now()
	order.TransactionID = txn.ID
	order.Status = contracts.OrderDraft
	order.BuyerID = txn.BuyerID
	order.BppID, order.BppURI = first.BppID, first.BppURI
	if order.ProviderID == "" {
		order.ProviderID = first.ProviderID
	}
	order.Quote = contracts.ComputeQuote(order.Items)
	order.CreatedAt, order.UpdatedAt = now, now

	sels := make([]SelectedOffer, 0, len(order.Items))
	for _, it := range order.Items {
		sels = append(sels, SelectedOffer{
			OrderID:    order.ID,
			OfferID:    it.OfferID,
			ItemID:     it.ItemID,
			ProviderID: it.ProviderID,
			Quantity:   it.Quantity,
			Price:      it.Price,
			Score:      scores[it.OfferID],
		})
	}
	s.logger.InfoContext(ctx, "remote offers selected", "transaction_id", txn.ID, "bpp_uri", first.BppURI,
		"order_id", order.ID, "quantity", order.TotalQuantity())
	return order, sels, nil
}

func orderItem(offer contracts.Offer, blocks []contracts.Block) contracts.OrderItem {
	ids := make([]string, len(blocks))
	for i, b := range blocks {
		ids[i] = b.ID
	}
	return contracts.OrderItem{
		OfferID:    offer.ID,
		ItemID:     offer.ItemID,
		ProviderID: offer.ProviderID,
		Quantity:   len(blocks),
		Price:      offer.Price,
		TimeWindow: offer.TimeWindow,
		BlockIDs:   ids,
	}
}

func (s *Service) candidates(ctx context.Context, req SelectRequest) ([]contracts.Offer, error) {
	if req.OfferID != "" {
		o, ok := s.catalog.Offer(req.OfferID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrOfferNotFound, req.OfferID)
		}
		return []contracts.Offer{o}, nil
	}
	all, err := s.catalog.Search(ctx, nil, catalog.Query{OnlyAvailable: true})
	if err != nil {
		return nil, err
	}
	if req.ItemID == "" {
		return all, nil
	}
	var out []contracts.Offer
	for _, o := range all {
		if o.ItemID == req.ItemID {
			out = append(out, o)
		}
	}
	return out, nil
}

// liveOffers rewrites MaxQuantity to the number of AVAILABLE blocks so the
// matcher's quantity filter sees current inventory. Sold-out offers are
// dropped, and so are remote offers when no remote seller is configured.
func (s *Service) liveOffers(ctx context.Context, offers []contracts.Offer) ([]contracts.Offer, error) {
	out := make([]contracts.Offer, 0, len(offers))
	for _, o := range offers {
		if s.remote == nil && s.catalog.IsRemote(o) {
			continue
		}
		n, err := s.catalog.Available(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		o.MaxQuantity = n
		out = append(out, o)
	}
	return out, nil
}

// releaseReservations drops the transaction's unconfirmed orders and returns
// their blocks. Caller holds txn.mu.
func (s *Service) releaseReservations(ctx context.Context, txn *txnState) error {
	if len(txn.Orders) == 0 {
		return nil
	}
	if _, err := s.book.ReleaseBlocks(ctx, txn.ID); err != nil {
		return err
	}
	s.indexOrders(txn, nil)
	txn.Orders = nil
	return nil
}

// abandon releases whatever a failed select managed to claim.
func (s *Service) abandon(ctx context.Context, transactionID string) {
	if _, err := s.book.ReleaseBlocks(ctx, transactionID); err != nil {
		s.logger.ErrorContext(ctx, "release after failed select", "transaction_id", transactionID, "error", err)
	}
}

func summarize(orders []*contracts.Order, requested int) *SelectSummary {
	var items []contracts.OrderItem
	providers := map[string]bool{}
	for _, o := range orders {
		items = append(items, o.Items...)
		providers[o.ProviderID] = true
	}
	quote := contracts.ComputeQuote(items)
	sum := &SelectSummary{
		Requested: requested,
		Allocated: quote.Quantity,
		Complete:  quote.Quantity >= requested,
		Total:     quote.Price,
		Providers: len(providers),
	}
	if !sum.Complete {
		sum.Remaining = requested - quote.Quantity
	}
	return sum
}
