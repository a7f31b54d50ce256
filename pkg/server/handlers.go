package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/p2p-energy-trading/engine/pkg/api"
	"github.com/p2p-energy-trading/engine/pkg/auth"
	"github.com/p2p-energy-trading/engine/pkg/contracts"
	"github.com/p2p-energy-trading/engine/pkg/flow"
	"github.com/p2p-energy-trading/engine/pkg/trust"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		api.WriteCoded(w, r, http.StatusBadRequest, "Bad Request", CodeInvalidRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

type transactionRequest struct {
	TransactionID string `json:"transaction_id"`
}

func (req transactionRequest) valid(w http.ResponseWriter, r *http.Request) bool {
	if req.TransactionID == "" {
		api.WriteCoded(w, r, http.StatusBadRequest, "Bad Request", CodeInvalidRequest, "transaction_id is required")
		return false
	}
	return true
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req flow.DiscoverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.flow.Discover(r.Context(), s.filters, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req flow.SelectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var err error
	if req.TransactionID != "" {
		err = s.flow.CheckBuyerSide(r.Context(), req.TransactionID)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.flow.Select(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if !decodeJSON(w, r, &req) || !req.valid(w, r) {
		return
	}
	if err := s.flow.CheckBuyerSide(r.Context(), req.TransactionID); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.flow.Init(r.Context(), req.TransactionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if !decodeJSON(w, r, &req) || !req.valid(w, r) {
		return
	}
	if err := s.flow.CheckBuyerSide(r.Context(), req.TransactionID); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.flow.Confirm(r.Context(), req.TransactionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req flow.CancelRequest
	if !decodeJSON(w, r, &req) || !(transactionRequest{TransactionID: req.TransactionID}).valid(w, r) {
		return
	}
	if err := s.flow.CheckBuyerSide(r.Context(), req.TransactionID); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.flow.Cancel(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.flow.CheckBuyerSide(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	txn, err := s.flow.Transaction(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, txn)
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.flow.CheckBuyerOrder(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	order, err := s.flow.Status(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, order)
}

type deliveryRequest struct {
	DeliveredQuantity *int `json:"delivered_quantity"`
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	var req deliveryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DeliveredQuantity == nil {
		api.WriteCoded(w, r, http.StatusBadRequest, "Bad Request", CodeInvalidRequest, "delivered_quantity is required")
		return
	}
	res, err := s.flow.CompleteDelivery(r.Context(), chi.URLParam(r, "id"), *req.DeliveredQuantity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleUpsertProvider(w http.ResponseWriter, r *http.Request) {
	var p contracts.Provider
	if !decodeJSON(w, r, &p) {
		return
	}
	if err := s.flow.Catalog().UpsertProvider(r.Context(), p); err != nil {
		writeError(w, r, err)
		return
	}
	stored, _ := s.flow.Catalog().Provider(p.ID)
	api.WriteJSON(w, http.StatusOK, stored)
}

type providerView struct {
	contracts.Provider
	Tier         trust.Tier `json:"tier"`
	LimitPercent int        `json:"limit_percent"`
}

func (s *Server) handleProvider(w http.ResponseWriter, r *http.Request) {
	p, ok := s.flow.Catalog().Provider(chi.URLParam(r, "id"))
	if !ok {
		api.WriteCoded(w, r, http.StatusNotFound, "Not Found", CodeNotFound, "unknown provider")
		return
	}
	te := s.flow.Trust()
	api.WriteJSON(w, http.StatusOK, providerView{
		Provider:     p,
		Tier:         te.TierFor(p.TrustScore),
		LimitPercent: te.AllowedLimit(p.TrustScore, nil),
	})
}

func (s *Server) handleUpsertItem(w http.ResponseWriter, r *http.Request) {
	var item contracts.CatalogItem
	if !decodeJSON(w, r, &item) {
		return
	}
	if err := s.flow.Catalog().UpsertItem(r.Context(), item); err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, item)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	doc, err := s.flow.Catalog().Document(r.Context(), s.flow.Catalog().Offers())
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, doc)
}

func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	var offer contracts.Offer
	if !decodeJSON(w, r, &offer) {
		return
	}
	created, err := s.flow.Catalog().CreateOffer(r.Context(), offer)
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteOffer(w http.ResponseWriter, r *http.Request) {
	if err := s.flow.Catalog().DeleteOffer(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOfferBlocks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.flow.Catalog().Offer(id); !ok {
		api.WriteCoded(w, r, http.StatusNotFound, "Not Found", CodeNotFound, "unknown offer")
		return
	}
	stats, err := s.flow.Book().GetBlockStats(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		api.WriteCoded(w, r, http.StatusConflict, "Conflict", CodeInvalidState, "no catalog discovery service configured")
		return
	}
	if err := s.publisher.Publish(r.Context()); err != nil {
		api.WriteCoded(w, r, http.StatusBadGateway, "Bad Gateway", "", err.Error())
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "published"})
}

// registerKeyRequest adds a subscriber key. Rotate replaces the key of an
// existing key id; without it an existing key id is a conflict.
type registerKeyRequest struct {
	KeyID     string `json:"key_id"`
	PublicKey string `json:"public_key"`
	Rotate    bool   `json:"rotate,omitempty"`
}

func (s *Server) handleListKeys(w http.ResponseWriter, _ *http.Request) {
	api.WriteJSON(w, http.StatusOK, s.keys.List())
}

func (s *Server) handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	var req registerKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.KeyID == "" || req.PublicKey == "" {
		api.WriteCoded(w, r, http.StatusBadRequest, "Bad Request", CodeInvalidRequest, "key_id and public_key are required")
		return
	}
	register, status := s.keys.RegisterPublicKey, http.StatusCreated
	if req.Rotate {
		register, status = s.keys.RotatePublicKey, http.StatusOK
	}
	if err := register(req.KeyID, req.PublicKey); err != nil {
		writeError(w, r, err)
		return
	}
	if s.keyStore != nil {
		if err := s.keyStore.Save(r.Context(), req.KeyID, req.PublicKey); err != nil {
			// The key is live in memory; only persistence failed.
			s.logger.Error("persist subscriber key", "key_id", req.KeyID, "error", err)
			api.WriteInternal(w, r, errors.Join(errors.New("key registered but not persisted"), err))
			return
		}
	}
	operator, _ := auth.GetPrincipal(r.Context())
	s.logger.Info("subscriber key registered", "key_id", req.KeyID, "rotate", req.Rotate, "operator", operator.Subject)
	api.WriteJSON(w, status, map[string]string{"key_id": req.KeyID})
}
