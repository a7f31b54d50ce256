package server

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2p-energy-trading/engine/pkg/catalog"
	"github.com/p2p-energy-trading/engine/pkg/client"
	"github.com/p2p-energy-trading/engine/pkg/contracts"
	"github.com/p2p-energy-trading/engine/pkg/flow"
	"github.com/p2p-energy-trading/engine/pkg/matcher"
	"github.com/p2p-energy-trading/engine/pkg/orderbook"
	"github.com/p2p-energy-trading/engine/pkg/trust"
	"github.com/p2p-energy-trading/engine/pkg/wire"
)

// A buyer node trades an offer listed by a seller node over signed HTTP.
// The seller is the full server stack behind httptest.
func TestRemoteSellerRoundTrip(t *testing.T) {
	seller := newFixture(t)
	seller.seed(t)
	srv := httptest.NewServer(seller.handler)
	defer srv.Close()
	ctx := context.Background()

	book := orderbook.New(orderbook.NewMemoryStore())
	cat := catalog.New(book, nil, catalog.WithSelfURI("http://buyer.example/bpp"))
	require.NoError(t, cat.UpsertProvider(ctx, contracts.Provider{ID: "windy", Name: "Windy Hill", TrustScore: 0.6}))
	require.NoError(t, cat.UpsertItem(ctx, contracts.CatalogItem{ID: "wt-1", ProviderID: "windy", SourceType: contracts.SourceWind}))
	_, err := cat.CreateOffer(ctx, contracts.Offer{ID: "offer-b", ItemID: "wt-1", ProviderID: "windy",
		Price: contracts.NewPrice(5.25, "USD"), MaxQuantity: 100, BppID: "bpp.example", BppURI: srv.URL + "/bpp"})
	require.NoError(t, err)

	secure := client.New(client.WithKeyPair(client.RoleBAP, seller.buyer), client.WithSigningEnabled(true))
	remote := flow.NewRemoteSeller(secure, wire.Participants{Version: "1.1.0", BapID: "bap.example", BapURI: "http://buyer.example/bap"}, nil)
	buyer := flow.New(cat, book, matcher.New(matcher.DefaultConfig()), trust.NewEngine(trust.DefaultConfig()),
		flow.WithRemoteSeller(remote))

	sel, err := buyer.Select(ctx, flow.SelectRequest{OfferID: "offer-b", Quantity: 12})
	require.NoError(t, err)
	require.Equal(t, flow.StatusSelected, sel.Status)
	require.Len(t, sel.SelectedOffers, 1)
	remoteOrder := sel.SelectedOffers[0].OrderID

	stats, err := seller.flow.Book().GetBlockStats(ctx, "offer-b")
	require.NoError(t, err)
	assert.Equal(t, 12, stats.Reserved, "select reserves on the seller")

	sellerTxn, err := seller.flow.Transaction(ctx, sel.TransactionID)
	require.NoError(t, err)
	assert.True(t, sellerTxn.SellerSide)
	assert.Equal(t, "bap.example", sellerTxn.Signer, "seller binds the transaction to the signing buyer")

	_, err = buyer.Init(ctx, sel.TransactionID)
	require.NoError(t, err)

	conf, err := buyer.Confirm(ctx, sel.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, remoteOrder, conf.OrderID)
	require.Len(t, conf.Orders, 1)
	assert.Equal(t, contracts.OrderActive, conf.Orders[0].Status)

	stats, err = seller.flow.Book().GetBlockStats(ctx, "offer-b")
	require.NoError(t, err)
	assert.Equal(t, contracts.BlockStats{OfferID: "offer-b", Total: 100, Available: 88, Sold: 12}, stats)

	order, err := buyer.Status(ctx, remoteOrder)
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderActive, order.Status)
	assert.Equal(t, srv.URL+"/bpp", order.BppURI)

	local, err := book.GetBlockStats(ctx, "offer-b")
	require.NoError(t, err)
	assert.Zero(t, local.Total, "the buyer holds no blocks for a remote offer")
}
