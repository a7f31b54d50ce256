// Package orderbook is the block ledger: it owns the reservation lifecycle of
// sellable energy units.
//
// Every offer is fanned out into one Block per kWh. Blocks move
// AVAILABLE -> RESERVED -> SOLD, or back from RESERVED to AVAILABLE on
// release. SOLD is terminal. Only ClaimBlocks, MarkBlocksAsSold and
// ReleaseBlocks change a block's status, and each Store performs the claim
// as one atomic step so concurrent buyers can never reserve the same block.
package orderbook

import (
	"context"
	"errors"
	"time"

	"github.com/p2p-energy-trading/engine/pkg/contracts"
)

var (
	ErrBlocksExist     = errors.New("orderbook: blocks already created for offer")
	ErrInvalidQuantity = errors.New("orderbook: quantity must be positive")
	ErrMissingID       = errors.New("orderbook: identifier required")
)

// Store persists blocks. Implementations must make ClaimAvailable atomic per
// offer: no check-then-update.
type Store interface {
	// InsertBlocks stores freshly created blocks of a single offer.
	// It returns ErrBlocksExist if the offer already has blocks.
	InsertBlocks(ctx context.Context, blocks []contracts.Block) error
	// ClaimAvailable reserves up to quantity AVAILABLE blocks of offerID for
	// the order and returns them. Fewer blocks than requested is not an error.
	ClaimAvailable(ctx context.Context, offerID string, quantity int, orderID, transactionID string, at time.Time) ([]contracts.Block, error)
	// MarkSold moves RESERVED blocks of orderID to SOLD and returns how many moved.
	MarkSold(ctx context.Context, orderID string, at time.Time) (int, error)
	// Release moves RESERVED blocks of transactionID back to AVAILABLE.
	Release(ctx context.Context, transactionID string) (int, error)
	// Stats aggregates block states of offerID.
	Stats(ctx context.Context, offerID string) (contracts.BlockStats, error)
	// ListByOrder returns the RESERVED or SOLD blocks of orderID.
	ListByOrder(ctx context.Context, orderID string) ([]contracts.Block, error)
	// DeleteByOffer removes every block of offerID and returns how many were removed.
	DeleteByOffer(ctx context.Context, offerID string) (int, error)
}
