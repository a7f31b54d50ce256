package flow

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2p-energy-trading/engine/pkg/catalog"
	"github.com/p2p-energy-trading/engine/pkg/client"
	"github.com/p2p-energy-trading/engine/pkg/contracts"
	"github.com/p2p-energy-trading/engine/pkg/matcher"
	"github.com/p2p-energy-trading/engine/pkg/orderbook"
	"github.com/p2p-energy-trading/engine/pkg/trust"
	"github.com/p2p-energy-trading/engine/pkg/wire"
)

// fakeSeller answers protocol calls the way a seller node would.
type fakeSeller struct {
	t      *testing.T
	calls  []string
	urls   []string
	order  contracts.Order
	refuse map[string]int
}

func (f *fakeSeller) SignedPost(_ context.Context, role client.Role, url string, body any) (*client.Response, error) {
	assert.Equal(f.t, client.RoleBAP, role)
	action := path.Base(url)
	f.calls = append(f.calls, action)
	f.urls = append(f.urls, url)
	if code := f.refuse[action]; code != 0 {
		return &client.Response{StatusCode: code, Body: []byte(`{"status":409,"code":"NO_INVENTORY","detail":"sold out"}`)}, nil
	}

	req, ok := body.(wire.Request)
	require.True(f.t, ok)
	switch action {
	case wire.ActionSelect:
		raw, err := json.Marshal(req)
		require.NoError(f.t, err)
		msg, err := wire.ParseSelect(raw)
		require.NoError(f.t, err)
		f.order = contracts.Order{ID: "remote-order-1", TransactionID: msg.TransactionID,
			Status: contracts.OrderDraft, ProviderID: msg.ProviderID, Items: msg.Items}
	case wire.ActionInit:
		f.order.Status = contracts.OrderPending
	case wire.ActionConfirm:
		f.order.Status = contracts.OrderActive
	}
	out, err := json.Marshal(wire.BuildOrderResponse(req.Context, &f.order))
	require.NoError(f.t, err)
	return &client.Response{StatusCode: http.StatusOK, Body: out}, nil
}

func remoteMarket(t *testing.T, poster Poster) (*Service, *orderbook.Book) {
	t.Helper()
	ctx := context.Background()
	book := orderbook.New(orderbook.NewMemoryStore())
	cat := catalog.New(book, nil, catalog.WithSelfURI("https://self.example/bpp"))
	require.NoError(t, cat.UpsertProvider(ctx, contracts.Provider{ID: "sunny", TrustScore: 0.85}))
	require.NoError(t, cat.UpsertProvider(ctx, contracts.Provider{ID: "far", TrustScore: 0.9}))
	require.NoError(t, cat.UpsertItem(ctx, contracts.CatalogItem{ID: "pv-1", ProviderID: "sunny", SourceType: contracts.SourceSolar}))
	require.NoError(t, cat.UpsertItem(ctx, contracts.CatalogItem{ID: "pv-9", ProviderID: "far", SourceType: contracts.SourceSolar}))
	_, err := cat.CreateOffer(ctx, contracts.Offer{ID: "offer-a", ItemID: "pv-1", ProviderID: "sunny",
		Price: contracts.NewPrice(6.5, "USD"), MaxQuantity: 50})
	require.NoError(t, err)
	_, err = cat.CreateOffer(ctx, contracts.Offer{ID: "offer-r", ItemID: "pv-9", ProviderID: "far",
		Price: contracts.NewPrice(4, "USD"), MaxQuantity: 20, BppID: "far.example", BppURI: "https://far.example/bpp"})
	require.NoError(t, err)

	var opts []Option
	if poster != nil {
		rs := NewRemoteSeller(poster, wire.Participants{BapID: "self.example", BapURI: "https://self.example/bap"}, nil)
		opts = append(opts, WithRemoteSeller(rs))
	}
	return New(cat, book, matcher.New(matcher.DefaultConfig()), trust.NewEngine(trust.DefaultConfig()), opts...), book
}

func TestRemoteSellerFlow(t *testing.T) {
	seller := &fakeSeller{t: t}
	svc, book := remoteMarket(t, seller)
	ctx := context.Background()

	sel, err := svc.Select(ctx, SelectRequest{OfferID: "offer-r", Quantity: 5})
	require.NoError(t, err)
	require.Equal(t, StatusSelected, sel.Status)
	require.Len(t, sel.SelectedOffers, 1)
	assert.Equal(t, "remote-order-1", sel.SelectedOffers[0].OrderID)
	assert.Equal(t, 5, sel.SelectedOffers[0].Quantity)
	assert.Equal(t, []string{"https://far.example/bpp/select"}, seller.urls)

	stats, err := book.GetBlockStats(ctx, "offer-a")
	require.NoError(t, err)
	assert.Zero(t, stats.Reserved, "no local blocks are touched")

	pending, err := svc.Init(ctx, sel.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderPending, pending.Orders[0].Status)
	assert.Equal(t, "https://far.example/bpp", pending.Orders[0].BppURI)

	conf, err := svc.Confirm(ctx, sel.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "remote-order-1", conf.OrderID)
	assert.Equal(t, contracts.OrderActive, conf.Orders[0].Status)

	order, err := svc.Status(ctx, "remote-order-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderActive, order.Status)
	assert.Equal(t, []string{"select", "init", "confirm", "status"}, seller.calls)
}

func TestRemoteSellerRefusals(t *testing.T) {
	t.Run("refused confirm cancels the order", func(t *testing.T) {
		seller := &fakeSeller{t: t, refuse: map[string]int{wire.ActionConfirm: http.StatusConflict}}
		svc, _ := remoteMarket(t, seller)
		ctx := context.Background()

		sel, err := svc.Select(ctx, SelectRequest{OfferID: "offer-r", Quantity: 3})
		require.NoError(t, err)
		_, err = svc.Init(ctx, sel.TransactionID)
		require.NoError(t, err)
		_, err = svc.Confirm(ctx, sel.TransactionID)
		require.ErrorIs(t, err, ErrRemoteSeller)

		txn, err := svc.Transaction(ctx, sel.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, contracts.OrderCancelled, txn.Orders[0].Status)
	})

	t.Run("refused select reserves nothing", func(t *testing.T) {
		seller := &fakeSeller{t: t, refuse: map[string]int{wire.ActionSelect: http.StatusConflict}}
		svc, _ := remoteMarket(t, seller)
		_, err := svc.Select(context.Background(), SelectRequest{OfferID: "offer-r", Quantity: 3})
		require.ErrorIs(t, err, ErrRemoteSeller)
		assert.Contains(t, err.Error(), "NO_INVENTORY")
	})

	t.Run("refused init leaves the order draft", func(t *testing.T) {
		seller := &fakeSeller{t: t, refuse: map[string]int{wire.ActionInit: http.StatusBadGateway}}
		svc, _ := remoteMarket(t, seller)
		ctx := context.Background()
		sel, err := svc.Select(ctx, SelectRequest{OfferID: "offer-r", Quantity: 3})
		require.NoError(t, err)
		_, err = svc.Init(ctx, sel.TransactionID)
		require.ErrorIs(t, err, ErrRemoteSeller)
		txn, err := svc.Transaction(ctx, sel.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, contracts.OrderDraft, txn.Orders[0].Status)
	})

	t.Run("without a remote seller remote offers are skipped", func(t *testing.T) {
		svc, _ := remoteMarket(t, nil)
		sel, err := svc.Select(context.Background(), SelectRequest{OfferID: "offer-r", Quantity: 3})
		require.NoError(t, err)
		assert.Equal(t, StatusNoEligibleOffer, sel.Status)
	})
}
