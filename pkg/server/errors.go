package server

import (
	"errors"
	"net/http"

	"github.com/p2p-energy-trading/engine/pkg/api"
	"github.com/p2p-energy-trading/engine/pkg/catalog"
	"github.com/p2p-energy-trading/engine/pkg/flow"
	"github.com/p2p-energy-trading/engine/pkg/orderbook"
	"github.com/p2p-energy-trading/engine/pkg/registry"
	"github.com/p2p-energy-trading/engine/pkg/signing"
	"github.com/p2p-energy-trading/engine/pkg/wire"
)

// Problem codes of the HTTP API.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	CodeInvalidState       = "INVALID_STATE"
	CodeNoInventory        = "NO_INVENTORY"
	CodeCancelWindowClosed = "CANCEL_WINDOW_CLOSED"
	CodeKeyExists          = "KEY_EXISTS"
	CodeNotParticipant     = "NOT_TRANSACTION_PARTY"
	CodeTradeLimit         = "TRADE_LIMIT_EXCEEDED"
	CodeRemoteSeller       = "REMOTE_SELLER_FAILED"
)

type errorMapping struct {
	target error
	status int
	title  string
	code   string
}

// Order matters: the first matching target wins.
var errorMappings = []errorMapping{
	{wire.ErrUnsupportedVersion, http.StatusBadRequest, "Bad Request", CodeUnsupportedVersion},
	{flow.ErrTransactionNotFound, http.StatusNotFound, "Not Found", CodeNotFound},
	{flow.ErrOrderNotFound, http.StatusNotFound, "Not Found", CodeNotFound},
	{flow.ErrOfferNotFound, http.StatusNotFound, "Not Found", CodeNotFound},
	{catalog.ErrNotFound, http.StatusNotFound, "Not Found", CodeNotFound},
	{registry.ErrKeyNotFound, http.StatusNotFound, "Not Found", CodeNotFound},
	{registry.ErrKeyExists, http.StatusConflict, "Conflict", CodeKeyExists},
	{flow.ErrNotParticipant, http.StatusForbidden, "Forbidden", CodeNotParticipant},
	{catalog.ErrTradeLimit, http.StatusConflict, "Conflict", CodeTradeLimit},
	{flow.ErrRemoteSeller, http.StatusBadGateway, "Bad Gateway", CodeRemoteSeller},
	{flow.ErrCancelWindowClosed, http.StatusConflict, "Conflict", CodeCancelWindowClosed},
	{flow.ErrNoInventory, http.StatusConflict, "Conflict", CodeNoInventory},
	{flow.ErrInvalidState, http.StatusConflict, "Conflict", CodeInvalidState},
	{flow.ErrNothingSelected, http.StatusConflict, "Conflict", CodeInvalidState},
	{flow.ErrReservationLost, http.StatusConflict, "Conflict", CodeInvalidState},
	{orderbook.ErrBlocksExist, http.StatusConflict, "Conflict", CodeInvalidState},
	{flow.ErrInvalidRequest, http.StatusBadRequest, "Bad Request", CodeInvalidRequest},
	{catalog.ErrInvalidOffer, http.StatusBadRequest, "Bad Request", CodeInvalidRequest},
	{catalog.ErrUnknownProvider, http.StatusBadRequest, "Bad Request", CodeInvalidRequest},
	{catalog.ErrUnknownItem, http.StatusBadRequest, "Bad Request", CodeInvalidRequest},
	{catalog.ErrFilter, http.StatusBadRequest, "Bad Request", CodeInvalidRequest},
	{orderbook.ErrInvalidQuantity, http.StatusBadRequest, "Bad Request", CodeInvalidRequest},
	{orderbook.ErrMissingID, http.StatusBadRequest, "Bad Request", CodeInvalidRequest},
	{signing.ErrInvalidKeyID, http.StatusBadRequest, "Bad Request", CodeInvalidRequest},
	{signing.ErrInvalidPublicKey, http.StatusBadRequest, "Bad Request", CodeInvalidRequest},
	{wire.ErrMalformed, http.StatusBadRequest, "Bad Request", CodeInvalidMessage},
	{wire.ErrSchema, http.StatusBadRequest, "Bad Request", CodeInvalidMessage},
	{wire.ErrUnexpectedAction, http.StatusBadRequest, "Bad Request", CodeInvalidMessage},
	{wire.ErrInvalidQuantity, http.StatusBadRequest, "Bad Request", CodeInvalidMessage},
	{wire.ErrUnsupportedUnit, http.StatusBadRequest, "Bad Request", CodeInvalidMessage},
	{wire.ErrInvalidCurrency, http.StatusBadRequest, "Bad Request", CodeInvalidMessage},
	{wire.ErrMissingOrder, http.StatusBadRequest, "Bad Request", CodeInvalidMessage},
}

// writeError maps domain errors to problem documents. Unknown errors are
// logged and reported as 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			api.WriteCoded(w, r, m.status, m.title, m.code, err.Error())
			return
		}
	}
	api.WriteInternal(w, r, err)
}
