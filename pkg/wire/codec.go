package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/currency"

	"github.com/p2p-energy-trading/engine/pkg/contracts"
)

var (
	ErrMalformed          = errors.New("wire: malformed message")
	ErrSchema             = errors.New("wire: schema violation")
	ErrUnexpectedAction   = errors.New("wire: unexpected action")
	ErrInvalidQuantity    = errors.New("wire: quantity must be a positive whole number")
	ErrUnsupportedUnit    = errors.New("wire: unsupported quantity unit")
	ErrInvalidCurrency    = errors.New("wire: invalid currency")
	ErrMissingOrder       = errors.New("wire: message carries no order")
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
)

// Context builds a fresh context for action with a new message id.
func (p Participants) Context(action, transactionID string, now time.Time) Context {
	domain, version := p.Domain, p.Version
	if domain == "" {
		domain = DefaultDomain
	}
	if version == "" {
		version = DefaultVersion
	}
	return Context{
		Domain:        domain,
		Action:        action,
		Version:       version,
		BapID:         p.BapID,
		BapURI:        p.BapURI,
		BppID:         p.BppID,
		BppURI:        p.BppURI,
		TransactionID: transactionID,
		MessageID:     uuid.NewString(),
		Timestamp:     now.UTC().Format(time.RFC3339Nano),
	}
}

// ValidateCurrency reports whether code is an ISO 4217 currency.
func ValidateCurrency(code string) error {
	if _, err := currency.ParseISO(code); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return nil
}

// SelectMessage is the normalized form of a select request.
// Context is nil when the flat shape was received.
type SelectMessage struct {
	Context       *Context
	TransactionID string
	ProviderID    string
	Items         []contracts.OrderItem
}

// StatusMessage is the normalized form of a status request.
type StatusMessage struct {
	Context       *Context
	TransactionID string
	OrderID       string
}

// OrderMessage is the normalized form of init, confirm and order-response
// messages.
type OrderMessage struct {
	Context *Context
	Order   contracts.Order
}

// BuildSelect encodes a selection of offers for one provider.
func BuildSelect(c Context, providerID string, items []contracts.OrderItem) Request {
	c.Action = ActionSelect
	return Request{
		Context: c,
		Message: Message{Order: &Order{
			Context: CoreContextURL,
			Type:    TypeOrder,
			Seller:  providerID,
			Items:   itemsToWire(items),
		}},
	}
}

// ParseSelect decodes a select request in either shape.
func ParseSelect(data []byte) (*SelectMessage, error) {
	nested, err := isNested(data)
	if err != nil {
		return nil, err
	}
	if !nested {
		var flat struct {
			TransactionID string                `json:"transaction_id"`
			ProviderID    string                `json:"provider_id"`
			Items         []contracts.OrderItem `json:"items"`
		}
		if err := json.Unmarshal(data, &flat); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := validateItems(flat.Items); err != nil {
			return nil, err
		}
		return &SelectMessage{TransactionID: flat.TransactionID, ProviderID: flat.ProviderID, Items: flat.Items}, nil
	}

	req, err := decodeNested(data, exactly(ActionSelect))
	if err != nil {
		return nil, err
	}
	if req.Message.Order == nil {
		return nil, ErrMissingOrder
	}
	items, err := itemsFromWire(req.Message.Order.Items, req.Message.Order.Seller)
	if err != nil {
		return nil, err
	}
	return &SelectMessage{
		Context:       &req.Context,
		TransactionID: req.Context.TransactionID,
		ProviderID:    req.Message.Order.Seller,
		Items:         items,
	}, nil
}

// BuildInit encodes an order for the init step.
func BuildInit(c Context, order *contracts.Order) Request {
	c.Action = ActionInit
	return Request{Context: c, Message: Message{Order: orderToWire(order, false)}}
}

// ParseInit decodes an init request in either shape.
func ParseInit(data []byte) (*OrderMessage, error) {
	return parseOrder(data, exactly(ActionInit))
}

// BuildConfirm encodes an order for the confirm step.
func BuildConfirm(c Context, order *contracts.Order) Request {
	c.Action = ActionConfirm
	return Request{Context: c, Message: Message{Order: orderToWire(order, false)}}
}

// ParseConfirm decodes a confirm request in either shape.
func ParseConfirm(data []byte) (*OrderMessage, error) {
	return parseOrder(data, exactly(ActionConfirm))
}

// BuildStatus encodes a status query for one order.
func BuildStatus(c Context, orderID string) Request {
	c.Action = ActionStatus
	return Request{
		Context: c,
		Message: Message{Order: &Order{Context: CoreContextURL, Type: TypeOrder, ID: orderID}},
	}
}

// ParseStatus decodes a status request in either shape.
func ParseStatus(data []byte) (*StatusMessage, error) {
	nested, err := isNested(data)
	if err != nil {
		return nil, err
	}
	if !nested {
		var flat struct {
			TransactionID string `json:"transaction_id"`
			OrderID       string `json:"order_id"`
		}
		if err := json.Unmarshal(data, &flat); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if flat.OrderID == "" {
			return nil, fmt.Errorf("%w: order_id required", ErrMalformed)
		}
		return &StatusMessage{TransactionID: flat.TransactionID, OrderID: flat.OrderID}, nil
	}

	req, err := decodeNested(data, exactly(ActionStatus))
	if err != nil {
		return nil, err
	}
	if req.Message.Order == nil || req.Message.Order.ID == "" {
		return nil, ErrMissingOrder
	}
	return &StatusMessage{
		Context:       &req.Context,
		TransactionID: req.Context.TransactionID,
		OrderID:       req.Message.Order.ID,
	}, nil
}

// BuildOrderResponse encodes the seller's view of an order as a callback.
// A context action without the "on_" prefix is prefixed.
func BuildOrderResponse(c Context, order *contracts.Order) Request {
	if !strings.HasPrefix(c.Action, "on_") {
		c.Action = "on_" + c.Action
	}
	return Request{Context: c, Message: Message{Order: orderToWire(order, true)}}
}

// ParseOrderResponse decodes any on_* callback carrying an order.
func ParseOrderResponse(data []byte) (*OrderMessage, error) {
	return parseOrder(data, func(a string) bool { return strings.HasPrefix(a, "on_") })
}

func exactly(action string) func(string) bool {
	return func(a string) bool { return a == action }
}

func parseOrder(data []byte, accept func(string) bool) (*OrderMessage, error) {
	nested, err := isNested(data)
	if err != nil {
		return nil, err
	}
	if !nested {
		var flat contracts.Order
		if err := json.Unmarshal(data, &flat); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := validateItems(flat.Items); err != nil {
			return nil, err
		}
		if flat.Quote.Quantity == 0 && len(flat.Items) > 0 {
			flat.Quote = contracts.ComputeQuote(flat.Items)
		}
		return &OrderMessage{Order: flat}, nil
	}

	req, err := decodeNested(data, accept)
	if err != nil {
		return nil, err
	}
	if req.Message.Order == nil {
		return nil, ErrMissingOrder
	}
	order, err := orderFromWire(req.Message.Order, req.Context.TransactionID)
	if err != nil {
		return nil, err
	}
	return &OrderMessage{Context: &req.Context, Order: order}, nil
}

// isNested tells the two accepted shapes apart: a document with a context
// or message key is a protocol envelope, anything else is the flat shape.
func isNested(data []byte) (bool, error) {
	var keys struct {
		Context json.RawMessage `json:"context"`
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &keys); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return len(keys.Context) > 0 || len(keys.Message) > 0, nil
}

func decodeNested(data []byte, accept func(string) bool) (*Request, error) {
	if err := ValidateEnvelope(data); err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !accept(req.Context.Action) {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedAction, req.Context.Action)
	}
	return &req, nil
}

func orderToWire(o *contracts.Order, withStatus bool) *Order {
	w := &Order{
		Context: CoreContextURL,
		Type:    TypeOrder,
		ID:      o.ID,
		Seller:  o.ProviderID,
		Buyer:   o.BuyerID,
		Items:   itemsToWire(o.Items),
	}
	if withStatus {
		w.Status = ToWireStatus(o.Status)
	}
	if len(o.Items) > 0 {
		q := o.Quote
		if q.Quantity == 0 {
			q = contracts.ComputeQuote(o.Items)
		}
		w.Value = priceToWire(q.Price)
		w.TotalQuantity = &Quantity{UnitQuantity: float64(q.Quantity), UnitText: contracts.UnitKWh}
	}
	return w
}

func orderFromWire(w *Order, transactionID string) (contracts.Order, error) {
	items, err := itemsFromWire(w.Items, w.Seller)
	if err != nil {
		return contracts.Order{}, err
	}
	o := contracts.Order{
		ID:            w.ID,
		TransactionID: transactionID,
		Status:        contracts.OrderDraft,
		BuyerID:       w.Buyer,
		ProviderID:    w.Seller,
		Items:         items,
		Quote:         contracts.ComputeQuote(items),
	}
	if w.Status != "" {
		o.Status = FromWireStatus(w.Status)
	}
	if w.Value != nil {
		if err := ValidateCurrency(w.Value.Currency); err != nil {
			return contracts.Order{}, err
		}
		o.Quote.Price = contracts.Price{Value: w.Value.Value, Currency: w.Value.Currency}
	}
	return o, nil
}

func itemsToWire(items []contracts.OrderItem) []OrderItem {
	out := make([]OrderItem, 0, len(items))
	for _, it := range items {
		offer := &Offer{
			Context:  EnergyContextURL,
			Type:     TypeOffer,
			ID:       it.OfferID,
			Provider: it.ProviderID,
			Items:    []string{it.ItemID},
			Price:    priceToWire(it.Price),
		}
		if it.TimeWindow != nil {
			offer.Window = &TimePeriod{Type: TypeTimePeriod, Start: it.TimeWindow.Start, End: it.TimeWindow.End}
		}
		out = append(out, OrderItem{
			Context:       EnergyContextURL,
			Type:          TypeOrderItem,
			OrderedItem:   it.ItemID,
			Quantity:      Quantity{UnitQuantity: float64(it.Quantity), UnitText: contracts.UnitKWh},
			AcceptedOffer: offer,
		})
	}
	return out
}

func itemsFromWire(items []OrderItem, seller string) ([]contracts.OrderItem, error) {
	out := make([]contracts.OrderItem, 0, len(items))
	for _, w := range items {
		qty, err := quantityFromWire(w.Quantity)
		if err != nil {
			return nil, fmt.Errorf("item %s: %w", w.OrderedItem, err)
		}
		it := contracts.OrderItem{ItemID: w.OrderedItem, ProviderID: seller, Quantity: qty}
		if o := w.AcceptedOffer; o != nil {
			it.OfferID = o.ID
			if o.Provider != "" {
				it.ProviderID = o.Provider
			}
			if o.Price != nil {
				if err := ValidateCurrency(o.Price.Currency); err != nil {
					return nil, fmt.Errorf("offer %s: %w", o.ID, err)
				}
				it.Price = contracts.Price{Value: o.Price.Value, Currency: o.Price.Currency}
			}
			if o.Window != nil {
				it.TimeWindow = &contracts.TimeWindow{Start: o.Window.Start, End: o.Window.End}
			}
		}
		out = append(out, it)
	}
	return out, nil
}

func quantityFromWire(q Quantity) (int, error) {
	if q.UnitText != "" && !strings.EqualFold(q.UnitText, contracts.UnitKWh) {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedUnit, q.UnitText)
	}
	if q.UnitQuantity <= 0 || q.UnitQuantity != math.Trunc(q.UnitQuantity) || q.UnitQuantity > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidQuantity, q.UnitQuantity)
	}
	return int(q.UnitQuantity), nil
}

func priceToWire(p contracts.Price) *PriceSpec {
	return &PriceSpec{Type: TypePrice, Currency: p.Currency, Value: p.Value}
}

func validateItems(items []contracts.OrderItem) error {
	for _, it := range items {
		if it.Quantity <= 0 {
			return fmt.Errorf("item %s: %w", it.ItemID, ErrInvalidQuantity)
		}
		if it.Price.Currency != "" {
			if err := ValidateCurrency(it.Price.Currency); err != nil {
				return fmt.Errorf("item %s: %w", it.ItemID, err)
			}
		}
	}
	return nil
}
