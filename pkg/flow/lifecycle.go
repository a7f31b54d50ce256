package flow

import (
	"context"
	"fmt"

	"github.com/p2p-energy-trading/engine/pkg/contracts"
	"github.com/p2p-energy-trading/engine/pkg/observability"
	"github.com/p2p-energy-trading/engine/pkg/trust"
)

// InitResult is the order preview returned by init.
type InitResult struct {
	TransactionID string            `json:"transaction_id"`
	Orders        []contracts.Order `json:"orders"`
	Quote         contracts.Quote   `json:"quote"`
}

// ConfirmResult reports confirmed orders. Bulk mode is set for smart-buy
// transactions, which confirm one order per selected offer.
type ConfirmResult struct {
	TransactionID  string            `json:"transaction_id"`
	OrderID        string            `json:"order_id,omitempty"`
	BulkMode       bool              `json:"bulk_mode"`
	TotalConfirmed int               `json:"total_confirmed"`
	TotalFailed    int               `json:"total_failed"`
	Orders         []contracts.Order `json:"orders"`
}

// CancelRequest cancels every open order of a transaction.
type CancelRequest struct {
	TransactionID string      `json:"transaction_id"`
	WithinWindow  bool        `json:"within_window"`
	Party         trust.Party `json:"party"`
	Reason        string      `json:"reason,omitempty"`
}

// TrustUpdate is one provider score change.
type TrustUpdate struct {
	ProviderID string        `json:"provider_id"`
	Outcome    trust.Outcome `json:"outcome"`
}

type CancelResult struct {
	TransactionID string        `json:"transaction_id"`
	Cancelled     int           `json:"cancelled_orders"`
	Released      int           `json:"released_blocks"`
	TrustUpdates  []TrustUpdate `json:"trust_updates,omitempty"`
}

type DeliveryResult struct {
	OrderID    string        `json:"order_id"`
	ProviderID string        `json:"provider_id"`
	Delivered  int           `json:"delivered_quantity"`
	Expected   int           `json:"expected_quantity"`
	Trust      trust.Outcome `json:"trust"`
	Tier       trust.Tier    `json:"tier"`
}

// Init moves the selected orders from DRAFT to PENDING. Blocks stay
// RESERVED. Repeating init on a PENDING transaction returns the same preview.
func (s *Service) Init(ctx context.Context, transactionID string) (_ *InitResult, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "flow.init", observability.AttrTransactionID.String(transactionID))
	defer func() { done(err) }()

	txn, err := s.transaction(transactionID)
	if err != nil {
		return nil, err
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if len(txn.Orders) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNothingSelected, transactionID)
	}
	if txn.hasStatus(contracts.OrderActive, contracts.OrderCompleted, contracts.OrderCancelled) {
		return nil, fmt.Errorf("%w: transaction %s is past init", ErrInvalidState, transactionID)
	}

	// Remote sellers go first so a refusal leaves every order DRAFT.
	for _, o := range txn.Orders {
		if o.Status != contracts.OrderDraft || o.BppURI == "" {
			continue
		}
		if err := s.initRemote(ctx, o); err != nil {
			return nil, err
		}
	}

	now := s.now()
	var items []contracts.OrderItem
	for _, o := range txn.Orders {
		if o.Status == contracts.OrderDraft {
			o.Status = contracts.OrderPending
			o.UpdatedAt = now
		}
		items = append(items, o.Items...)
	}
	txn.UpdatedAt = now
	if err := s.persist(ctx, txn); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "transaction initialized", "transaction_id", transactionID, "orders", len(txn.Orders))
	return &InitResult{
		TransactionID: transactionID,
		Orders:        cloneOrders(txn.Orders),
		Quote:         contracts.ComputeQuote(items),
	}, nil
}

// Confirm marks the reserved blocks of every PENDING order SOLD and
// activates the order. Orders sold by a remote node are confirmed there
// instead. An order whose reservation is gone fails; its remaining
// reservations are released. Single-order transactions report a failure as
// an error, bulk transactions in the counters.
func (s *Service) Confirm(ctx context.Context, transactionID string) (_ *ConfirmResult, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "flow.confirm", observability.AttrTransactionID.String(transactionID))
	defer func() { done(err) }()

	txn, err := s.transaction(transactionID)
	if err != nil {
		return nil, err
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if len(txn.Orders) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNothingSelected, transactionID)
	}
	if txn.hasStatus(contracts.OrderDraft) {
		return nil, fmt.Errorf("%w: transaction %s must be initialized before confirm", ErrInvalidState, transactionID)
	}

	res := &ConfirmResult{TransactionID: transactionID, BulkMode: txn.SmartBuy || len(txn.Orders) > 1}
	now := s.now()
	failed := 0
	for _, o := range txn.Orders {
		switch o.Status {
		case contracts.OrderActive, contracts.OrderCompleted:
			res.TotalConfirmed++
			continue
		case contracts.OrderPending:
		default:
			continue
		}
		var err error
		if o.BppURI != "" {
			err = s.confirmRemote(ctx, o)
		} else {
			var n int
			if n, err = s.book.MarkBlocksAsSold(ctx, o.ID); err == nil && n == 0 {
				err = ErrReservationLost
			}
		}
		if err != nil {
			s.logger.ErrorContext(ctx, "order confirm failed", "transaction_id", transactionID, "order_id", o.ID, "error", err)
			o.Status = contracts.OrderCancelled
			o.UpdatedAt = now
			failed++
			continue
		}
		o.Status = contracts.OrderActive
		o.UpdatedAt = now
		res.TotalConfirmed++
		observability.AddSpanEvent(ctx, "order.confirmed", observability.OrderOperation(transactionID, o.ID, o.ProviderID)...)
	}
	res.TotalFailed = failed
	if failed > 0 {
		if _, rerr := s.book.ReleaseBlocks(ctx, transactionID); rerr != nil {
			s.logger.ErrorContext(ctx, "release after failed confirm", "transaction_id", transactionID, "error", rerr)
		}
	}
	txn.UpdatedAt = now
	if err := s.persist(ctx, txn); err != nil {
		return nil, err
	}
	res.Orders = cloneOrders(txn.Orders)

	if !res.BulkMode {
		if failed > 0 {
			if txn.Orders[0].BppURI != "" {
				return nil, fmt.Errorf("confirm transaction %s: %w", transactionID, ErrRemoteSeller)
			}
			return nil, fmt.Errorf("confirm transaction %s: %w", transactionID, ErrReservationLost)
		}
		res.OrderID = txn.Orders[0].ID
	}
	s.logger.InfoContext(ctx, "transaction confirmed", "transaction_id", transactionID,
		"bulk", res.BulkMode, "confirmed", res.TotalConfirmed, "failed", res.TotalFailed)
	return res, nil
}

// Cancel cancels every open order of a transaction and releases its
// reserved blocks. Orders cancelled before confirm carry no trust penalty.
// Confirmed orders may only be cancelled inside the cancellation window and
// penalize the cancelling party by its share of the transaction.
func (s *Service) Cancel(ctx context.Context, req CancelRequest) (_ *CancelResult, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "flow.cancel", observability.AttrTransactionID.String(req.TransactionID))
	defer func() { done(err) }()

	party := req.Party
	if party == "" {
		party = trust.PartyBuyer
	}
	if party != trust.PartyBuyer && party != trust.PartySeller {
		return nil, fmt.Errorf("%w: unknown party %q", ErrInvalidRequest, party)
	}

	txn, err := s.transaction(req.TransactionID)
	if err != nil {
		return nil, err
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if !txn.hasStatus(contracts.OrderDraft, contracts.OrderPending, contracts.OrderActive) {
		return nil, fmt.Errorf("%w: transaction %s has no open orders", ErrInvalidState, req.TransactionID)
	}
	if txn.hasStatus(contracts.OrderActive) && !req.WithinWindow {
		return nil, fmt.Errorf("%w: transaction %s", ErrCancelWindowClosed, req.TransactionID)
	}

	released, err := s.book.ReleaseBlocks(ctx, txn.ID)
	if err != nil {
		return nil, err
	}

	res := &CancelResult{TransactionID: txn.ID, Released: released}
	total := txn.totalQuantity()
	now := s.now()
	for _, o := range txn.Orders {
		wasActive := o.Status == contracts.OrderActive
		if o.Status != contracts.OrderDraft && o.Status != contracts.OrderPending && !wasActive {
			continue
		}
		o.Status = contracts.OrderCancelled
		o.UpdatedAt = now
		res.Cancelled++
		if !wasActive {
			continue
		}

		target := o.ProviderID
		if party == trust.PartyBuyer {
			target = o.BuyerID
		}
		if update, ok := s.applyCancelPenalty(ctx, target, o.TotalQuantity(), total, party); ok {
			res.TrustUpdates = append(res.TrustUpdates, update)
		}
	}
	txn.UpdatedAt = now
	if err := s.persist(ctx, txn); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "transaction cancelled", "transaction_id", txn.ID, "party", party,
		"orders", res.Cancelled, "released", released, "reason", req.Reason)
	return res, nil
}

// applyCancelPenalty updates the party's score when it is a known provider.
// Buyers without a provider record carry no score.
func (s *Service) applyCancelPenalty(ctx context.Context, providerID string, cancelled, total int, party trust.Party) (TrustUpdate, bool) {
	if providerID == "" {
		return TrustUpdate{}, false
	}
	var outcome trust.Outcome
	_, err := s.catalog.UpdateProvider(ctx, providerID, func(p *contracts.Provider) {
		outcome = s.trust.AfterCancel(p.TrustScore, cancelled, total, true, party)
		p.TrustScore = outcome.NewScore
		p.TotalOrders++
	})
	if err != nil {
		return TrustUpdate{}, false
	}
	return TrustUpdate{ProviderID: providerID, Outcome: outcome}, true
}

// CompleteDelivery settles an ACTIVE order with the metered quantity and
// applies the delivery trust update to its seller.
func (s *Service) CompleteDelivery(ctx context.Context, orderID string, delivered int) (_ *DeliveryResult, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "flow.delivery", observability.AttrOrderID.String(orderID), observability.AttrQuantity.Int(delivered))
	defer func() { done(err) }()

	if delivered < 0 {
		return nil, fmt.Errorf("%w: delivered quantity must not be negative", ErrInvalidRequest)
	}
	txn, err := s.orderTransaction(orderID)
	if err != nil {
		return nil, err
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	order := txn.order(orderID)
	if order == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}

	if order.Status != contracts.OrderActive {
		return nil, fmt.Errorf("%w: order %s is %s", ErrInvalidState, orderID, order.Status)
	}

	expected := order.TotalQuantity()
	res := &DeliveryResult{OrderID: orderID, ProviderID: order.ProviderID, Delivered: delivered, Expected: expected}
	_, err = s.catalog.UpdateProvider(ctx, order.ProviderID, func(p *contracts.Provider) {
		res.Trust = s.trust.AfterDelivery(p.TrustScore, delivered, expected)
		p.TrustScore = res.Trust.NewScore
		p.TotalOrders++
		if delivered >= expected {
			p.SuccessfulOrders++
		}
	})
	if err != nil {
		return nil, fmt.Errorf("update provider %s: %w", order.ProviderID, err)
	}
	res.Tier = s.trust.TierFor(res.Trust.NewScore)
	s.obs.RecordDelivery(ctx, order.ProviderID, delivered, expected, res.Trust.NewScore)

	order.Status = contracts.OrderCompleted
	order.UpdatedAt = s.now()
	txn.UpdatedAt = order.UpdatedAt
	if err := s.persist(ctx, txn); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "delivery completed", "order_id", orderID, "provider_id", order.ProviderID,
		"delivered", delivered, "expected", expected, "trust", res.Trust.NewScore)
	return res, nil
}

// Status returns a snapshot of one order. An order sold by a remote node
// is refreshed from that node first; if the node cannot be reached the last
// known state is returned.
func (s *Service) Status(ctx context.Context, orderID string) (_ *contracts.Order, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "flow.status", observability.AttrOrderID.String(orderID))
	defer func() { done(err) }()

	txn, err := s.orderTransaction(orderID)
	if err != nil {
		return nil, err
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	order := txn.order(orderID)
	if order == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if order.BppURI != "" && s.remote != nil {
		s.refreshRemote(ctx, txn, order)
	}
	out := cloneOrder(order)
	return &out, nil
}

func (s *Service) initRemote(ctx context.Context, o *contracts.Order) error {
	if s.remote == nil {
		return fmt.Errorf("%w: no remote seller configured", ErrRemoteSeller)
	}
	remote, err := s.remote.Init(ctx, o)
	if err != nil {
		return err
	}
	if remote.Status == contracts.OrderCancelled {
		return fmt.Errorf("%w: seller cancelled order %s at init", ErrRemoteSeller, o.ID)
	}
	return nil
}

func (s *Service) confirmRemote(ctx context.Context, o *contracts.Order) error {
	if s.remote == nil {
		return fmt.Errorf("%w: no remote seller configured", ErrRemoteSeller)
	}
	remote, err := s.remote.Confirm(ctx, o)
	if err != nil {
		return err
	}
	if remote.Status != contracts.OrderActive && remote.Status != contracts.OrderCompleted {
		return fmt.Errorf("%w: seller reported order %s as %s", ErrRemoteSeller, o.ID, remote.Status)
	}
	return nil
}

// refreshRemote adopts the seller's view of a remote order once it has left
// the pre-confirm states. Caller holds txn.mu.
func (s *Service) refreshRemote(ctx context.Context, txn *txnState, order *contracts.Order) {
	remote, err := s.remote.Status(ctx, order)
	if err != nil {
		s.logger.WarnContext(ctx, "remote status unavailable", "order_id", order.ID, "bpp_uri", order.BppURI, "error", err)
		return
	}
	switch remote.Status {
	case contracts.OrderActive, contracts.OrderCompleted, contracts.OrderCancelled:
	default:
		return
	}
	if remote.Status == order.Status {
		return
	}
	order.Status = remote.Status
	order.UpdatedAt = s.now()
	txn.UpdatedAt = order.UpdatedAt
	_ = s.persist(ctx, txn)
}

func (s *Service) orderTransaction(orderID string) (*txnState, error) {
	s.mu.RLock()
	txn, ok := s.orders[orderID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return txn, nil
}

// order finds an order of the transaction. Caller holds t.mu.
func (t *txnState) order(id string) *contracts.Order {
	for _, o := range t.Orders {
		if o.ID == id {
			return o
		}
	}
	return nil
}
