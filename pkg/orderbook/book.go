package orderbook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/p2p-energy-trading/engine/pkg/contracts"
)

// Book validates ledger calls and delegates them to a Store.
type Book struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Book.
type Option func(*Book)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Book) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Book) { b.logger = l.With("component", "orderbook") }
}

func New(store Store, opts ...Option) *Book {
	b := &Book{
		store:  store,
		logger: slog.Default().With("component", "orderbook"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// CreateBlocksForOffer fans the offer out into exactly quantity AVAILABLE blocks.
func (b *Book) CreateBlocksForOffer(ctx context.Context, offer contracts.Offer, quantity int) ([]contracts.Block, error) {
	if offer.ID == "" {
		return nil, fmt.Errorf("%w: offer id", ErrMissingID)
	}
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	now := b.now()
	blocks := make([]contracts.Block, quantity)
	for i := range blocks {
		blocks[i] = contracts.Block{
			ID:         uuid.NewString(),
			OfferID:    offer.ID,
			ItemID:     offer.ItemID,
			ProviderID: offer.ProviderID,
			Status:     contracts.BlockAvailable,
			Price:      offer.Price,
			TimeWindow: offer.TimeWindow,
			CreatedAt:  now,
		}
	}
	if err := b.store.InsertBlocks(ctx, blocks); err != nil {
		return nil, fmt.Errorf("create blocks for offer %s: %w", offer.ID, err)
	}
	b.logger.Info("blocks created", "offer_id", offer.ID, "count", quantity)
	return blocks, nil
}

// ClaimBlocks atomically reserves up to quantity blocks of offerID.
// Callers must compare len(result) with quantity: a short claim is a partial
// success, not an error.
func (b *Book) ClaimBlocks(ctx context.Context, offerID string, quantity int, orderID, transactionID string) ([]contracts.Block, error) {
	if offerID == "" || orderID == "" || transactionID == "" {
		return nil, fmt.Errorf("%w: offer, order and transaction ids", ErrMissingID)
	}
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	claimed, err := b.store.ClaimAvailable(ctx, offerID, quantity, orderID, transactionID, b.now())
	if err != nil {
		return nil, fmt.Errorf("claim blocks of offer %s: %w", offerID, err)
	}
	b.logger.Debug("blocks claimed", "offer_id", offerID, "order_id", orderID,
		"transaction_id", transactionID, "requested", quantity, "claimed", len(claimed))
	return claimed, nil
}

// MarkBlocksAsSold finalizes the reserved blocks of orderID. Idempotent.
func (b *Book) MarkBlocksAsSold(ctx context.Context, orderID string) (int, error) {
	if orderID == "" {
		return 0, fmt.Errorf("%w: order id", ErrMissingID)
	}
	n, err := b.store.MarkSold(ctx, orderID, b.now())
	if err != nil {
		return 0, fmt.Errorf("mark blocks sold for order %s: %w", orderID, err)
	}
	b.logger.Debug("blocks sold", "order_id", orderID, "count", n)
	return n, nil
}

// ReleaseBlocks returns the reserved blocks of transactionID to AVAILABLE.
// Blocks in any other state are untouched.
func (b *Book) ReleaseBlocks(ctx context.Context, transactionID string) (int, error) {
	if transactionID == "" {
		return 0, fmt.Errorf("%w: transaction id", ErrMissingID)
	}
	n, err := b.store.Release(ctx, transactionID)
	if err != nil {
		return 0, fmt.Errorf("release blocks for transaction %s: %w", transactionID, err)
	}
	if n > 0 {
		b.logger.Info("blocks released", "transaction_id", transactionID, "count", n)
	}
	return n, nil
}

// GetBlockStats returns the aggregate block state of an offer.
func (b *Book) GetBlockStats(ctx context.Context, offerID string) (contracts.BlockStats, error) {
	stats, err := b.store.Stats(ctx, offerID)
	if err != nil {
		return contracts.BlockStats{}, fmt.Errorf("block stats of offer %s: %w", offerID, err)
	}
	stats.OfferID = offerID
	return stats, nil
}

// BlocksForOrder lists the blocks held by an order.
func (b *Book) BlocksForOrder(ctx context.Context, orderID string) ([]contracts.Block, error) {
	return b.store.ListByOrder(ctx, orderID)
}

// DeleteOfferBlocks removes all blocks of a deleted offer.
func (b *Book) DeleteOfferBlocks(ctx context.Context, offerID string) (int, error) {
	n, err := b.store.DeleteByOffer(ctx, offerID)
	if err != nil {
		return 0, fmt.Errorf("delete blocks of offer %s: %w", offerID, err)
	}
	return n, nil
}
