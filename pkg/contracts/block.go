package contracts

import "time"

// BlockStatus is the lifecycle state of a single sellable unit.
//
// Valid transitions: AVAILABLE -> RESERVED -> SOLD and RESERVED -> AVAILABLE.
// SOLD is terminal.
type BlockStatus string

const (
	BlockAvailable BlockStatus = "AVAILABLE"
	BlockReserved  BlockStatus = "RESERVED"
	BlockSold      BlockStatus = "SOLD"
)

// Block is one kWh of one offer. OrderID and TransactionID are set iff the
// block is RESERVED or SOLD.
type Block struct {
	ID            string      `json:"id"`
	OfferID       string      `json:"offer_id"`
	ItemID        string      `json:"item_id"`
	ProviderID    string      `json:"provider_id"`
	Status        BlockStatus `json:"status"`
	OrderID       string      `json:"order_id,omitempty"`
	TransactionID string      `json:"transaction_id,omitempty"`
	Price         Price       `json:"price"`
	TimeWindow    *TimeWindow `json:"time_window,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	ReservedAt    *time.Time  `json:"reserved_at,omitempty"`
	SoldAt        *time.Time  `json:"sold_at,omitempty"`
}

// BlockStats aggregates block states for one offer.
// Total always equals Available + Reserved + Sold.
type BlockStats struct {
	OfferID   string `json:"offer_id"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	Sold      int    `json:"sold"`
}

// Add counts one block in the matching bucket.
func (s *BlockStats) Add(status BlockStatus) {
	switch status {
	case BlockAvailable:
		s.Available++
	case BlockReserved:
		s.Reserved++
	case BlockSold:
		s.Sold++
	default:
		return
	}
	s.Total++
}
