package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/p2p-energy-trading/engine/pkg/api"
	"github.com/p2p-energy-trading/engine/pkg/client"
	"github.com/p2p-energy-trading/engine/pkg/contracts"
	"github.com/p2p-energy-trading/engine/pkg/wire"
)

// Poster sends a signed protocol message and returns the raw reply.
type Poster interface {
	SignedPost(ctx context.Context, role client.Role, url string, body any) (*client.Response, error)
}

// Peer addresses another node's seller endpoint.
type Peer struct {
	ID  string
	URI string
}

func peerOf(o *contracts.Order) Peer { return Peer{ID: o.BppID, URI: o.BppURI} }

// RemoteSeller runs select, init, confirm and status against another node
// as the buyer role and decodes the on_* replies.
type RemoteSeller struct {
	poster       Poster
	participants wire.Participants
	now          func() time.Time
	logger       *slog.Logger
}

// NewRemoteSeller signs with the poster's buyer key. participants names this
// node as the buyer; the seller ids come from each Peer.
func NewRemoteSeller(poster Poster, participants wire.Participants, logger *slog.Logger) *RemoteSeller {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteSeller{
		poster:       poster,
		participants: participants,
		now:          time.Now,
		logger:       logger.With("component", "remote_seller"),
	}
}

func (r *RemoteSeller) context(peer Peer, transactionID string) wire.Context {
	p := r.participants
	p.BppID, p.BppURI = peer.ID, peer.URI
	return p.Context("", transactionID, r.now())
}

// Select reserves items on the peer and returns the peer's order.
func (r *RemoteSeller) Select(ctx context.Context, peer Peer, transactionID, providerID string, items []contracts.OrderItem) (*contracts.Order, error) {
	req := wire.BuildSelect(r.context(peer, transactionID), providerID, items)
	return r.send(ctx, peer, wire.ActionSelect, req)
}

func (r *RemoteSeller) Init(ctx context.Context, order *contracts.Order) (*contracts.Order, error) {
	peer := peerOf(order)
	return r.send(ctx, peer, wire.ActionInit, wire.BuildInit(r.context(peer, order.TransactionID), order))
}

func (r *RemoteSeller) Confirm(ctx context.Context, order *contracts.Order) (*contracts.Order, error) {
	peer := peerOf(order)
	return r.send(ctx, peer, wire.ActionConfirm, wire.BuildConfirm(r.context(peer, order.TransactionID), order))
}

func (r *RemoteSeller) Status(ctx context.Context, order *contracts.Order) (*contracts.Order, error) {
	peer := peerOf(order)
	return r.send(ctx, peer, wire.ActionStatus, wire.BuildStatus(r.context(peer, order.TransactionID), order.ID))
}

func (r *RemoteSeller) send(ctx context.Context, peer Peer, action string, req wire.Request) (*contracts.Order, error) {
	if peer.URI == "" {
		return nil, fmt.Errorf("%w: %s: order has no seller uri", ErrRemoteSeller, action)
	}
	url := strings.TrimSuffix(peer.URI, "/") + "/" + action
	resp, err := r.poster.SignedPost(ctx, client.RoleBAP, url, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRemoteSeller, action, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		r.logger.WarnContext(ctx, "remote seller refused", "action", action, "url", url,
			"status", resp.StatusCode, "transaction_id", req.Context.TransactionID)
		return nil, fmt.Errorf("%w: %s answered %d: %s", ErrRemoteSeller, action, resp.StatusCode, refusal(resp.Body))
	}
	msg, err := wire.ParseOrderResponse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s reply: %v", ErrRemoteSeller, action, err)
	}
	if msg.Context != nil && msg.Context.TransactionID != req.Context.TransactionID {
		return nil, fmt.Errorf("%w: %s reply for transaction %q", ErrRemoteSeller, action, msg.Context.TransactionID)
	}
	order := msg.Order
	r.logger.DebugContext(ctx, "remote seller replied", "action", action, "order_id", order.ID, "status", order.Status)
	return &order, nil
}

// refusal extracts the problem code and detail of an error reply.
func refusal(body []byte) string {
	var p api.ProblemDetail
	if err := json.Unmarshal(body, &p); err != nil || p.Code == "" {
		if len(body) > 200 {
			body = body[:200]
		}
		return string(body)
	}
	return p.Code + ": " + p.Detail
}
