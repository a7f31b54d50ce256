package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the internal order lifecycle.
type OrderStatus string

const (
	OrderDraft     OrderStatus = "DRAFT"
	OrderPending   OrderStatus = "PENDING"
	OrderActive    OrderStatus = "ACTIVE"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// OrderItem is one offer line within an order.
type OrderItem struct {
	OfferID    string      `json:"offer_id"`
	ItemID     string      `json:"item_id"`
	ProviderID string      `json:"provider_id"`
	Quantity   int         `json:"quantity"`
	Price      Price       `json:"price"`
	TimeWindow *TimeWindow `json:"time_window,omitempty"`
	BlockIDs   []string    `json:"block_ids,omitempty"`
}

// Quote is the priced total of an order.
type Quote struct {
	Price    Price `json:"price"`
	Quantity int   `json:"quantity"`
}

// Order threads one protocol transaction. TransactionID correlates
// discover/select/init/confirm; ID is assigned when the order is created.
type Order struct {
	ID            string      `json:"id,omitempty"`
	TransactionID string      `json:"transaction_id"`
	Status        OrderStatus `json:"status"`
	BuyerID       string      `json:"buyer_id,omitempty"`
	ProviderID    string      `json:"provider_id,omitempty"`
	// BppID and BppURI are set when a remote node sells the order.
	BppID         string      `json:"bpp_id,omitempty"`
	BppURI        string      `json:"bpp_uri,omitempty"`
	Items         []OrderItem `json:"items"`
	Quote         Quote       `json:"quote"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// ComputeQuote sums price x quantity over all items. Items are assumed to share
// a currency; the first item's currency wins.
func ComputeQuote(items []OrderItem) Quote {
	total := decimal.Zero
	qty := 0
	currency := ""
	for _, it := range items {
		total = total.Add(it.Price.Value.Mul(decimal.NewFromInt(int64(it.Quantity))))
		qty += it.Quantity
		if currency == "" {
			currency = it.Price.Currency
		}
	}
	return Quote{Price: Price{Value: total, Currency: currency}, Quantity: qty}
}

// TotalQuantity returns the summed quantity of all items.
func (o *Order) TotalQuantity() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}
