// Package flow sequences one trade: discover, select, init, confirm, and the
// post-confirm cancel and delivery steps.
//
// The flow owns reservation timing. Blocks are claimed at select, kept
// RESERVED through init and marked SOLD at confirm. Any path that abandons
// a transaction before confirm must release its blocks; Select does so when
// a transaction re-selects, Cancel does so explicitly.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/p2p-energy-trading/engine/pkg/catalog"
	"github.com/p2p-energy-trading/engine/pkg/contracts"
	"github.com/p2p-energy-trading/engine/pkg/matcher"
	"github.com/p2p-energy-trading/engine/pkg/observability"
	"github.com/p2p-energy-trading/engine/pkg/orderbook"
	"github.com/p2p-energy-trading/engine/pkg/state"
	"github.com/p2p-energy-trading/engine/pkg/trust"
)

var (
	ErrTransactionNotFound = errors.New("flow: transaction not found")
	ErrOrderNotFound       = errors.New("flow: order not found")
	ErrOfferNotFound       = errors.New("flow: offer not found")
	ErrInvalidRequest      = errors.New("flow: invalid request")
	ErrInvalidState        = errors.New("flow: operation not allowed in current state")
	ErrNothingSelected     = errors.New("flow: transaction has no selected offers")
	ErrNoInventory         = errors.New("flow: no blocks available")
	ErrReservationLost     = errors.New("flow: reserved blocks no longer held")
	ErrCancelWindowClosed  = errors.New("flow: cancellation window closed")
	ErrNotParticipant      = errors.New("flow: signer is not a party to the transaction")
	ErrRemoteSeller        = errors.New("flow: remote seller request failed")
)

// Criteria captured at discover and reused as select defaults.
type Criteria struct {
	MinQuantity int                   `json:"minQuantity"`
	TimeWindow  *contracts.TimeWindow `json:"timeWindow,omitempty"`
	MaxPrice    *decimal.Decimal      `json:"maxPrice,omitempty"`
}

// Transaction threads one discover..confirm sequence. Seller-side
// transactions are opened by a peer's select and bound to the subscriber
// that signed it.
type Transaction struct {
	ID         string             `json:"transaction_id"`
	BuyerID    string             `json:"buyer_id,omitempty"`
	SellerSide bool               `json:"seller_side,omitempty"`
	Signer     string             `json:"signer,omitempty"`
	Criteria   Criteria           `json:"criteria"`
	SmartBuy   bool               `json:"smart_buy"`
	Orders     []*contracts.Order `json:"orders"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

type txnState struct {
	mu sync.Mutex
	Transaction
}

// Service is safe for concurrent use. Each transaction is serialized by its
// own lock; block contention between transactions is resolved by the ledger.
type Service struct {
	catalog *catalog.Catalog
	book    *orderbook.Book
	matcher *matcher.Matcher
	trust   *trust.Engine
	obs     *observability.Provider
	docs    state.Store
	remote  *RemoteSeller
	logger  *slog.Logger
	now     func() time.Time

	mu           sync.RWMutex
	transactions map[string]*txnState
	orders       map[string]*txnState // order id -> owning transaction
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l.With("component", "flow") }
}

// WithObservability wraps every operation in a span and RED metrics.
func WithObservability(p *observability.Provider) Option {
	return func(s *Service) { s.obs = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithStore persists every transaction after each step. Load restores them.
func WithStore(st state.Store) Option {
	return func(s *Service) { s.docs = st }
}

// WithRemoteSeller trades offers sold by other nodes through r. Without it
// remote offers are never selected.
func WithRemoteSeller(r *RemoteSeller) Option {
	return func(s *Service) { s.remote = r }
}

func New(cat *catalog.Catalog, book *orderbook.Book, m *matcher.Matcher, te *trust.Engine, opts ...Option) *Service {
	s := &Service{
		catalog:      cat,
		book:         book,
		matcher:      m,
		trust:        te,
		logger:       slog.Default().With("component", "flow"),
		now:          func() time.Time { return time.Now().UTC() },
		transactions: make(map[string]*txnState),
		orders:       make(map[string]*txnState),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Catalog returns the catalog the service trades against.
func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

// Book returns the block ledger.
func (s *Service) Book() *orderbook.Book { return s.book }

// Trust returns the trust engine.
func (s *Service) Trust() *trust.Engine { return s.trust }

// Load restores persisted transactions and their order index.
func (s *Service) Load(ctx context.Context) error {
	txns, err := state.LoadAll[Transaction](ctx, s.docs, state.KindTransaction)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	orders := 0
	for _, t := range txns {
		txn := &txnState{Transaction: t}
		s.transactions[t.ID] = txn
		for _, o := range t.Orders {
			s.orders[o.ID] = txn
			orders++
		}
	}
	s.logger.InfoContext(ctx, "transactions loaded", "transactions", len(txns), "orders", orders)
	return nil
}

// persist writes the transaction. Caller holds txn.mu.
func (s *Service) persist(ctx context.Context, txn *txnState) error {
	if err := state.Save(ctx, s.docs, state.KindTransaction, txn.ID, txn.Transaction); err != nil {
		s.logger.ErrorContext(ctx, "transaction not persisted", "transaction_id", txn.ID, "error", err)
		return err
	}
	return nil
}

func (s *Service) newTransaction(buyerID string, c Criteria) *txnState {
	now := s.now()
	txn := &txnState{Transaction: Transaction{
		ID: uuid.NewString(), BuyerID: buyerID, Criteria: c, CreatedAt: now, UpdatedAt: now,
	}}
	s.mu.Lock()
	s.transactions[txn.ID] = txn
	s.mu.Unlock()
	return txn
}

func (s *Service) transaction(id string) (*txnState, error) {
	s.mu.RLock()
	txn, ok := s.transactions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return txn, nil
}

// sellerTransaction returns the seller-side transaction id, opening it for
// signer if it does not exist yet. A transaction bound to another signer, or
// one this node opened as a buyer, is refused.
func (s *Service) sellerTransaction(id, signer string) (*txnState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if txn, ok := s.transactions[id]; ok {
		if !txn.SellerSide || txn.Signer != signer {
			return nil, fmt.Errorf("%w: %s", ErrNotParticipant, id)
		}
		return txn, nil
	}
	now := s.now()
	txn := &txnState{Transaction: Transaction{ID: id, SellerSide: true, Signer: signer, CreatedAt: now, UpdatedAt: now}}
	s.transactions[id] = txn
	return txn, nil
}

// CheckParty reports whether signer opened the seller-side transaction id.
// Peers must pass it before init, confirm or status.
func (s *Service) CheckParty(_ context.Context, transactionID, signer string) error {
	txn, err := s.transaction(transactionID)
	if err != nil {
		return err
	}
	return txn.checkParty(signer)
}

// CheckOrderParty is CheckParty for the transaction owning orderID.
func (s *Service) CheckOrderParty(_ context.Context, orderID, signer string) error {
	txn, err := s.orderTransaction(orderID)
	if err != nil {
		return err
	}
	return txn.checkParty(signer)
}

// CheckBuyerSide refuses seller-side transactions, which only their signer
// may drive through the protocol endpoints.
func (s *Service) CheckBuyerSide(_ context.Context, transactionID string) error {
	txn, err := s.transaction(transactionID)
	if err != nil {
		return err
	}
	if txn.SellerSide {
		return fmt.Errorf("%w: %s", ErrNotParticipant, transactionID)
	}
	return nil
}

// CheckBuyerOrder is CheckBuyerSide for the transaction owning orderID.
func (s *Service) CheckBuyerOrder(_ context.Context, orderID string) error {
	txn, err := s.orderTransaction(orderID)
	if err != nil {
		return err
	}
	if txn.SellerSide {
		return fmt.Errorf("%w: order %s", ErrNotParticipant, orderID)
	}
	return nil
}

// SellerSide and Signer are fixed at creation, so no lock is needed.
func (t *txnState) checkParty(signer string) error {
	if !t.SellerSide || t.Signer != signer {
		return fmt.Errorf("%w: %s", ErrNotParticipant, t.ID)
	}
	return nil
}

func (s *Service) indexOrders(txn *txnState, orders []*contracts.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range txn.Orders {
		delete(s.orders, o.ID)
	}
	for _, o := range orders {
		s.orders[o.ID] = txn
	}
}

// Transaction returns a snapshot of a transaction and its orders.
func (s *Service) Transaction(_ context.Context, id string) (Transaction, error) {
	txn, err := s.transaction(id)
	if err != nil {
		return Transaction{}, err
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	return txn.snapshot(), nil
}

func (t *txnState) snapshot() Transaction {
	out := t.Transaction
	out.Orders = make([]*contracts.Order, len(t.Orders))
	for i, o := range t.Orders {
		c := cloneOrder(o)
		out.Orders[i] = &c
	}
	return out
}

func (t *Transaction) hasStatus(statuses ...contracts.OrderStatus) bool {
	for _, o := range t.Orders {
		for _, st := range statuses {
			if o.Status == st {
				return true
			}
		}
	}
	return false
}

func (t *Transaction) totalQuantity() int {
	n := 0
	for _, o := range t.Orders {
		n += o.TotalQuantity()
	}
	return n
}

func cloneOrder(o *contracts.Order) contracts.Order {
	c := *o
	c.Items = make([]contracts.OrderItem, len(o.Items))
	for i, it := range o.Items {
		it.BlockIDs = append([]string(nil), it.BlockIDs...)
		c.Items[i] = it
	}
	return c
}

func cloneOrders(orders []*contracts.Order) []contracts.Order {
	out := make([]contracts.Order, len(orders))
	for i, o := range orders {
		out[i] = cloneOrder(o)
	}
	return out
}
