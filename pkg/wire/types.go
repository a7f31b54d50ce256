// Package wire translates between the engine's internal order structures and
// the nested protocol JSON exchanged between buyer and seller platforms.
//
// Every message type has a builder and a parser. Parsers accept either the
// nested protocol envelope ({"context": ..., "message": ...}) or the flat
// internal JSON shape used by same-process callers, and normalize both to
// the same result type.
package wire

import (
	"time"

	"github.com/shopspring/decimal"
)

// Protocol actions.
const (
	ActionSearch    = "search"
	ActionSelect    = "select"
	ActionInit      = "init"
	ActionConfirm   = "confirm"
	ActionStatus    = "status"
	ActionCancel    = "cancel"
	ActionOnSelect  = "on_select"
	ActionOnInit    = "on_init"
	ActionOnConfirm = "on_confirm"
	ActionOnStatus  = "on_status"
	ActionOnCancel  = "on_cancel"
	ActionPublish   = "catalog_publish"
)

const (
	DefaultDomain  = "beckn.one:deg:p2p-energy-trading"
	DefaultVersion = "1.1.0"

	CoreContextURL   = "https://schema.beckn.io/core/v2.0/context.jsonld"
	EnergyContextURL = "https://schema.beckn.io/EnergyTrade/v1.0/context.jsonld"

	TypeOrder      = "beckn:Order"
	TypeOrderItem  = "beckn:OrderItem"
	TypeOffer      = "beckn:Offer"
	TypeTimePeriod = "beckn:TimePeriod"
	TypePrice      = "schema:PriceSpecification"
)

// Context is the routing header of every protocol message.
type Context struct {
	Domain        string `json:"domain"`
	Action        string `json:"action"`
	Version       string `json:"version"`
	BapID         string `json:"bap_id,omitempty"`
	BapURI        string `json:"bap_uri,omitempty"`
	BppID         string `json:"bpp_id,omitempty"`
	BppURI        string `json:"bpp_uri,omitempty"`
	TransactionID string `json:"transaction_id"`
	MessageID     string `json:"message_id"`
	Timestamp     string `json:"timestamp"`
	TTL           string `json:"ttl,omitempty"`
}

// Quantity is an amount with its unit.
type Quantity struct {
	UnitQuantity float64 `json:"unitQuantity"`
	UnitText     string  `json:"unitText"`
}

type PriceSpec struct {
	Type     string          `json:"@type"`
	Currency string          `json:"schema:priceCurrency"`
	Value    decimal.Decimal `json:"schema:price"`
}

type TimePeriod struct {
	Type  string    `json:"@type"`
	Start time.Time `json:"schema:startTime"`
	End   time.Time `json:"schema:endTime"`
}

type Offer struct {
	Context  string      `json:"@context"`
	Type     string      `json:"@type"`
	ID       string      `json:"beckn:id"`
	Provider string      `json:"beckn:provider"`
	Items    []string    `json:"beckn:items"`
	Price    *PriceSpec  `json:"beckn:price,omitempty"`
	Window   *TimePeriod `json:"beckn:timeWindow,omitempty"`
}

type OrderItem struct {
	Context       string   `json:"@context"`
	Type          string   `json:"@type"`
	OrderedItem   string   `json:"beckn:orderedItem"`
	Quantity      Quantity `json:"beckn:quantity"`
	AcceptedOffer *Offer   `json:"beckn:acceptedOffer,omitempty"`
}

type Order struct {
	Context       string      `json:"@context"`
	Type          string      `json:"@type"`
	ID            string      `json:"beckn:id,omitempty"`
	Status        string      `json:"beckn:orderStatus,omitempty"`
	Seller        string      `json:"beckn:seller,omitempty"`
	Buyer         string      `json:"beckn:buyer,omitempty"`
	Items         []OrderItem `json:"beckn:orderItems,omitempty"`
	Value         *PriceSpec  `json:"beckn:orderValue,omitempty"`
	TotalQuantity *Quantity   `json:"beckn:totalQuantity,omitempty"`
}

type Message struct {
	Order *Order `json:"order,omitempty"`
}

// Request is the nested protocol envelope for order-carrying messages.
type Request struct {
	Context Context `json:"context"`
	Message Message `json:"message"`
}

// Participants identifies both platforms of an exchange and the protocol
// version they speak.
type Participants struct {
	Domain  string
	Version string
	BapID   string
	BapURI  string
	BppID   string
	BppURI  string
}
