package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/p2p-energy-trading/engine/pkg/api"
	"github.com/p2p-energy-trading/engine/pkg/auth"
	"github.com/p2p-energy-trading/engine/pkg/contracts"
	"github.com/p2p-energy-trading/engine/pkg/flow"
	"github.com/p2p-energy-trading/engine/pkg/wire"
)

// readMessage returns the raw body. The verifier has already buffered it.
func readMessage(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		api.WriteCoded(w, r, http.StatusBadRequest, "Bad Request", CodeInvalidMessage, "unable to read request body")
		return nil, false
	}
	return body, true
}

// checkVersion applies the version gate to nested messages. Flat messages
// carry no context and are not gated.
func (s *Server) checkVersion(c *wire.Context) error {
	if s.gate == nil || c == nil {
		return nil
	}
	return s.gate.Check(c.Version)
}

// reply builds the on_* context. The buyer's ids and message id are echoed
// so the callback correlates with the request.
func (s *Server) reply(in *wire.Context, action, transactionID string) wire.Context {
	c := s.participants.Context(action, transactionID, s.now())
	if in != nil {
		if in.Domain != "" {
			c.Domain = in.Domain
		}
		c.BapID, c.BapURI = in.BapID, in.BapURI
		if in.MessageID != "" {
			c.MessageID = in.MessageID
		}
	}
	if s.gate != nil {
		c.Version = s.gate.Current()
	}
	return c
}

func (s *Server) signer(r *http.Request) string {
	if id, ok := auth.GetIdentity(r.Context()); ok {
		return id.SubscriberID
	}
	return ""
}

func (s *Server) handleBPPSelect(w http.ResponseWriter, r *http.Request) {
	body, ok := readMessage(w, r)
	if !ok {
		return
	}
	msg, err := wire.ParseSelect(body)
	if err == nil {
		err = s.checkVersion(msg.Context)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	order, err := s.flow.Reserve(r.Context(), s.signer(r), msg.TransactionID, msg.ProviderID, msg.Items)
	if err != nil {
		writeError(w, r, err)
		return
	}
	auth.LoggerFrom(r.Context(), s.logger).Info("bpp select", "transaction_id", msg.TransactionID,
		"signer", s.signer(r), "order_id", order.ID, "quantity", order.TotalQuantity())
	api.WriteJSON(w, http.StatusOK, wire.BuildOrderResponse(s.reply(msg.Context, wire.ActionOnSelect, msg.TransactionID), order))
}

func (s *Server) handleBPPInit(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.parseOrderMessage(w, r, wire.ParseInit)
	if !ok {
		return
	}
	res, err := s.flow.Init(r.Context(), msg.Order.TransactionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	order := pickOrder(res.Orders, msg.Order.ID)
	api.WriteJSON(w, http.StatusOK, wire.BuildOrderResponse(s.reply(msg.Context, wire.ActionOnInit, msg.Order.TransactionID), order))
}

func (s *Server) handleBPPConfirm(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.parseOrderMessage(w, r, wire.ParseConfirm)
	if !ok {
		return
	}
	res, err := s.flow.Confirm(r.Context(), msg.Order.TransactionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	order := pickOrder(res.Orders, msg.Order.ID)
	auth.LoggerFrom(r.Context(), s.logger).Info("bpp confirm", "transaction_id", msg.Order.TransactionID,
		"signer", s.signer(r), "order_id", order.ID, "status", order.Status)
	api.WriteJSON(w, http.StatusOK, wire.BuildOrderResponse(s.reply(msg.Context, wire.ActionOnConfirm, msg.Order.TransactionID), order))
}

func (s *Server) handleBPPStatus(w http.ResponseWriter, r *http.Request) {
	body, ok := readMessage(w, r)
	if !ok {
		return
	}
	msg, err := wire.ParseStatus(body)
	if err == nil {
		err = s.checkVersion(msg.Context)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	err = s.flow.CheckOrderParty(r.Context(), msg.OrderID, s.signer(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	order, err := s.flow.Status(r.Context(), msg.OrderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	txnID := msg.TransactionID
	if txnID == "" {
		txnID = order.TransactionID
	}
	api.WriteJSON(w, http.StatusOK, wire.BuildOrderResponse(s.reply(msg.Context, wire.ActionOnStatus, txnID), order))
}

// refuse logs a rejected order message with the signer that sent it.
func (s *Server) refuse(r *http.Request, msg *wire.OrderMessage, err error) {
	if msg == nil || !errors.Is(err, flow.ErrNotParticipant) {
		return
	}
	auth.LoggerFrom(r.Context(), s.logger).Warn("order message from non-party", "transaction_id", msg.Order.TransactionID,
		"signer", s.signer(r), "path", r.URL.Path)
}

func (s *Server) parseOrderMessage(w http.ResponseWriter, r *http.Request, parse func([]byte) (*wire.OrderMessage, error)) (*wire.OrderMessage, bool) {
	body, ok := readMessage(w, r)
	if !ok {
		return nil, false
	}
	msg, err := parse(body)
	if err == nil {
		err = s.checkVersion(msg.Context)
	}
	if err == nil && msg.Order.TransactionID == "" {
		err = fmt.Errorf("%w: transaction id required", wire.ErrMalformed)
	}
	if err == nil {
		err = s.flow.CheckParty(r.Context(), msg.Order.TransactionID, s.signer(r))
	}
	if err != nil {
		s.refuse(r, msg, err)
		writeError(w, r, err)
		return nil, false
	}
	return msg, true
}

// pickOrder returns the order with id, or the first order when id is empty
// or unknown. orders is never empty for a successful init or confirm.
func pickOrder(orders []contracts.Order, id string) *contracts.Order {
	for i := range orders {
		if orders[i].ID == id {
			return &orders[i]
		}
	}
	return &orders[0]
}
