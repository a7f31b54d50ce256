package orderbook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/p2p-energy-trading/engine/pkg/contracts"
)

// offerBlocks holds the blocks of one offer in creation order. Its mutex
// serializes every status change of those blocks.
type offerBlocks struct {
	mu     sync.Mutex
	blocks []*contracts.Block
}

// MemoryStore is a thread-safe in-memory Store with one lock per offer.
type MemoryStore struct {
	mu     sync.RWMutex
	offers map[string]*offerBlocks
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offers: make(map[string]*offerBlocks)}
}

func (s *MemoryStore) InsertBlocks(_ context.Context, blocks []contracts.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	offerID := blocks[0].OfferID

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.offers[offerID]; exists {
		return ErrBlocksExist
	}
	ob := &offerBlocks{blocks: make([]*contracts.Block, len(blocks))}
	for i := range blocks {
		b := blocks[i]
		ob.blocks[i] = &b
	}
	s.offers[offerID] = ob
	return nil
}

func (s *MemoryStore) offer(offerID string) *offerBlocks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offers[offerID]
}

// snapshot returns every offer's block set, for cross-offer scans.
func (s *MemoryStore) snapshot() []*offerBlocks {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*offerBlocks, 0, len(s.offers))
	for _, ob := range s.offers {
		out = append(out, ob)
	}
	return out
}

func (s *MemoryStore) ClaimAvailable(_ context.Context, offerID string, quantity int, orderID, transactionID string, at time.Time) ([]contracts.Block, error) {
	ob := s.offer(offerID)
	if ob == nil {
		return []contracts.Block{}, nil
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	claimed := make([]contracts.Block, 0, quantity)
	for _, b := range ob.blocks {
		if len(claimed) == quantity {
			break
		}
		if b.Status != contracts.BlockAvailable {
			continue
		}
		ts := at
		b.Status = contracts.BlockReserved
		b.OrderID = orderID
		b.TransactionID = transactionID
		b.ReservedAt = &ts
		claimed = append(claimed, *b)
	}
	return claimed, nil
}

func (s *MemoryStore) MarkSold(_ context.Context, orderID string, at time.Time) (int, error) {
	n := 0
	for _, ob := range s.snapshot() {
		ob.mu.Lock()
		for _, b := range ob.blocks {
			if b.OrderID == orderID && b.Status == contracts.BlockReserved {
				ts := at
				b.Status = contracts.BlockSold
				b.SoldAt = &ts
				n++
			}
		}
		ob.mu.Unlock()
	}
	return n, nil
}

func (s *MemoryStore) Release(_ context.Context, transactionID string) (int, error) {
	n := 0
	for _, ob := range s.snapshot() {
		ob.mu.Lock()
		for _, b := range ob.blocks {
			if b.TransactionID == transactionID && b.Status == contracts.BlockReserved {
				b.Status = contracts.BlockAvailable
				b.OrderID = ""
				b.TransactionID = ""
				b.ReservedAt = nil
				n++
			}
		}
		ob.mu.Unlock()
	}
	return n, nil
}

func (s *MemoryStore) Stats(_ context.Context, offerID string) (contracts.BlockStats, error) {
	stats := contracts.BlockStats{OfferID: offerID}
	ob := s.offer(offerID)
	if ob == nil {
		return stats, nil
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()
	for _, b := range ob.blocks {
		stats.Add(b.Status)
	}
	return stats, nil
}

func (s *MemoryStore) ListByOrder(_ context.Context, orderID string) ([]contracts.Block, error) {
	var out []contracts.Block
	for _, ob := range s.snapshot() {
		ob.mu.Lock()
		for _, b := range ob.blocks {
			if b.OrderID == orderID {
				out = append(out, *b)
			}
		}
		ob.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OfferID < out[j].OfferID })
	return out, nil
}

func (s *MemoryStore) DeleteByOffer(_ context.Context, offerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ob, ok := s.offers[offerID]
	if !ok {
		return 0, nil
	}
	delete(s.offers, offerID)
	return len(ob.blocks), nil
}
