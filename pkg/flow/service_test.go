package flow

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2p-energy-trading/engine/pkg/catalog"
	"github.com/p2p-energy-trading/engine/pkg/contracts"
	"github.com/p2p-energy-trading/engine/pkg/matcher"
	"github.com/p2p-energy-trading/engine/pkg/orderbook"
	"github.com/p2p-energy-trading/engine/pkg/state"
	"github.com/p2p-energy-trading/engine/pkg/trust"
)

var (
	t0     = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	window = &contracts.TimeWindow{Start: t0, End: t0.Add(4 * time.Hour)}
)

// market lists offer A (trust 0.85, 6.5, 50 kWh) and offer B (trust 0.60,
// 5.25, 100 kWh), both covering the morning window.
func market(t *testing.T, opts ...Option) (*Service, *orderbook.Book) {
	t.Helper()
	ctx := context.Background()
	book := orderbook.New(orderbook.NewMemoryStore())
	cat := catalog.New(book, nil)

	require.NoError(t, cat.UpsertProvider(ctx, contracts.Provider{ID: "sunny", Name: "Sunny Roofs", TrustScore: 0.85}))
	require.NoError(t, cat.UpsertProvider(ctx, contracts.Provider{ID: "windy", Name: "Windy Hill", TrustScore: 0.60}))
	require.NoError(t, cat.UpsertProvider(ctx, contracts.Provider{ID: "buyer-1", Name: "Prosumer", TrustScore: 0.5}))
	require.NoError(t, cat.UpsertItem(ctx, contracts.CatalogItem{ID: "pv-1", ProviderID: "sunny", SourceType: contracts.SourceSolar}))
	require.NoError(t, cat.UpsertItem(ctx, contracts.CatalogItem{ID: "wt-1", ProviderID: "windy", SourceType: contracts.SourceWind}))

	_, err := cat.CreateOffer(ctx, contracts.Offer{ID: "offer-a", ItemID: "pv-1", ProviderID: "sunny",
		Price: contracts.NewPrice(6.5, "USD"), MaxQuantity: 50, TimeWindow: window})
	require.NoError(t, err)
	_, err = cat.CreateOffer(ctx, contracts.Offer{ID: "offer-b", ItemID: "wt-1", ProviderID: "windy",
		Price: contracts.NewPrice(5.25, "USD"), MaxQuantity: 100, TimeWindow: window})
	require.NoError(t, err)

	svc := New(cat, book, matcher.New(matcher.DefaultConfig()), trust.NewEngine(trust.DefaultConfig()), opts...)
	return svc, book
}

func maxPrice(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func TestExactFulfillment(t *testing.T) {
	svc, book := market(t)
	ctx := context.Background()

	disc, err := svc.Discover(ctx, nil, DiscoverRequest{BuyerID: "buyer-1", MinQuantity: 30, TimeWindow: window, MaxPrice: maxPrice(7)})
	require.NoError(t, err)
	require.Len(t, disc.Ranked, 2)
	assert.Equal(t, "offer-b", disc.Ranked[0].Offer.ID)
	assert.InDelta(t, 0.86, disc.Ranked[0].Score, 1e-9)
	assert.InDelta(t, 0.5475, disc.Ranked[1].Score, 1e-9)
	assert.Len(t, disc.Catalog.Providers, 2)

	sel, err := svc.Select(ctx, SelectRequest{TransactionID: disc.TransactionID})
	require.NoError(t, err)
	require.Equal(t, StatusSelected, sel.Status)
	assert.Equal(t, SelectionSingle, sel.SelectionType)
	require.Len(t, sel.SelectedOffers, 1)
	assert.Equal(t, "offer-b", sel.SelectedOffers[0].OfferID)
	assert.Len(t, sel.SelectedOffers[0].BlockIDs, 30)
	assert.True(t, sel.Summary.Complete)
	assert.True(t, decimal.NewFromFloat(157.5).Equal(sel.Summary.Total.Value))

	stats, err := book.GetBlockStats(ctx, "offer-b")
	require.NoError(t, err)
	assert.Equal(t, 30, stats.Reserved)

	_, err = svc.Confirm(ctx, disc.TransactionID)
	assert.ErrorIs(t, err, ErrInvalidState, "confirm before init")

	ini, err := svc.Init(ctx, disc.TransactionID)
	require.NoError(t, err)
	require.Len(t, ini.Orders, 1)
	assert.Equal(t, contracts.OrderPending, ini.Orders[0].Status)
	assert.Equal(t, "buyer-1", ini.Orders[0].BuyerID)
	assert.Equal(t, 30, ini.Quote.Quantity)

	conf, err := svc.Confirm(ctx, disc.TransactionID)
	require.NoError(t, err)
	assert.False(t, conf.BulkMode)
	assert.Equal(t, ini.Orders[0].ID, conf.OrderID)
	assert.Equal(t, 1, conf.TotalConfirmed)

	stats, err = book.GetBlockStats(ctx, "offer-b")
	require.NoError(t, err)
	assert.Equal(t, 30, stats.Sold)
	assert.Equal(t, 0, stats.Reserved)
	assert.Equal(t, 70, stats.Available)

	order, err := svc.Status(ctx, conf.OrderID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderActive, order.Status)

	del, err := svc.CompleteDelivery(ctx, conf.OrderID, 30)
	require.NoError(t, err)
	assert.InDelta(t, 0.62, del.Trust.NewScore, 1e-9)
	assert.Equal(t, "established", del.Tier.Name)

	p, _ := svc.Catalog().Provider("windy")
	assert.InDelta(t, 0.62, p.TrustScore, 1e-9)
	assert.Equal(t, 1, p.TotalOrders)
	assert.Equal(t, 1, p.SuccessfulOrders)

	_, err = svc.CompleteDelivery(ctx, conf.OrderID, 30)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestShortDeliveryPenalizesSeller(t *testing.T) {
	svc, _ := market(t)
	ctx := context.Background()

	sel, err := svc.Select(ctx, SelectRequest{OfferID: "offer-b", Quantity: 30})
	require.NoError(t, err)
	_, err = svc.Init(ctx, sel.TransactionID)
	require.NoError(t, err)
	conf, err := svc.Confirm(ctx, sel.TransactionID)
	require.NoError(t, err)

	del, err := svc.CompleteDelivery(ctx, conf.OrderID, 15)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, del.Trust.NewScore, 1e-9)

	p, _ := svc.Catalog().Provider("windy")
	assert.Equal(t, 1, p.TotalOrders)
	assert.Equal(t, 0, p.SuccessfulOrders)

	_, err = svc.CompleteDelivery(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestSmartBuyBulkConfirm(t *testing.T) {
	svc, book := market(t)
	ctx := context.Background()

	sel, err := svc.Select(ctx, SelectRequest{Quantity: 120, SmartBuy: true})
	require.NoError(t, err)
	require.Equal(t, StatusSelected, sel.Status)
	assert.Equal(t, SelectionSmartBuy, sel.SelectionType)
	require.Len(t, sel.SelectedOffers, 2)
	assert.Equal(t, "offer-b", sel.SelectedOffers[0].OfferID)
	assert.Equal(t, 100, sel.SelectedOffers[0].Quantity)
	assert.Equal(t, "offer-a", sel.SelectedOffers[1].OfferID)
	assert.Equal(t, 20, sel.SelectedOffers[1].Quantity)
	assert.Equal(t, 2, sel.Summary.Providers)

	_, err = svc.Init(ctx, sel.TransactionID)
	require.NoError(t, err)
	conf, err := svc.Confirm(ctx, sel.TransactionID)
	require.NoError(t, err)
	assert.True(t, conf.BulkMode)
	assert.Equal(t, 2, conf.TotalConfirmed)
	assert.Equal(t, 0, conf.TotalFailed)
	assert.Empty(t, conf.OrderID)

	stats, err := book.GetBlockStats(ctx, "offer-a")
	require.NoError(t, err)
	assert.Equal(t, 20, stats.Sold)
}

func TestSmartBuyPartialFulfillment(t *testing.T) {
	svc, _ := market(t)
	ctx := context.Background()

	sel, err := svc.Select(ctx, SelectRequest{Quantity: 200, SmartBuy: true})
	require.NoError(t, err)
	require.Equal(t, StatusSelected, sel.Status)
	assert.False(t, sel.Summary.Complete)
	assert.Equal(t, 150, sel.Summary.Allocated)
	assert.Equal(t, 50, sel.Summary.Remaining)
}

func TestNoEligibleOffersSuggestsWindows(t *testing.T) {
	svc, _ := market(t)
	ctx := context.Background()

	evening := &contracts.TimeWindow{Start: t0.Add(8 * time.Hour), End: t0.Add(10 * time.Hour)}
	sel, err := svc.Select(ctx, SelectRequest{Quantity: 10, RequestedTimeWindow: evening})
	require.NoError(t, err)
	assert.Equal(t, StatusNoEligibleOffer, sel.Status)
	assert.Empty(t, sel.SelectedOffers)
	require.Len(t, sel.AvailableWindows, 1)
	assert.True(t, sel.AvailableWindows[0].Start.Equal(window.Start))
	assert.Len(t, sel.FilterReasons, 2)
	assert.Contains(t, sel.Reason, "2 outside time window")

	_, err = svc.Init(ctx, sel.TransactionID)
	assert.ErrorIs(t, err, ErrNothingSelected)
}

func TestReselectReleasesPreviousReservation(t *testing.T) {
	svc, book := market(t)
	ctx := context.Background()

	first, err := svc.Select(ctx, SelectRequest{OfferID: "offer-a", Quantity: 10})
	require.NoError(t, err)
	oldOrder := first.SelectedOffers[0].OrderID

	_, err = svc.Select(ctx, SelectRequest{TransactionID: first.TransactionID, OfferID: "offer-b", Quantity: 5})
	require.NoError(t, err)

	stats, err := book.GetBlockStats(ctx, "offer-a")
	require.NoError(t, err)
	assert.Equal(t, 50, stats.Available)
	assert.Equal(t, 0, stats.Reserved)

	_, err = svc.Status(ctx, oldOrder)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	txn, err := svc.Transaction(ctx, first.TransactionID)
	require.NoError(t, err)
	require.Len(t, txn.Orders, 1)
	assert.Equal(t, "offer-b", txn.Orders[0].Items[0].OfferID)
}

func TestCancelBeforeConfirmReleasesBlocks(t *testing.T) {
	svc, book := market(t)
	ctx := context.Background()

	before, err := book.GetBlockStats(ctx, "offer-a")
	require.NoError(t, err)

	sel, err := svc.Select(ctx, SelectRequest{OfferID: "offer-a", Quantity: 5})
	require.NoError(t, err)
	_, err = svc.Init(ctx, sel.TransactionID)
	require.NoError(t, err)

	res, err := svc.Cancel(ctx, CancelRequest{TransactionID: sel.TransactionID})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Released)
	assert.Equal(t, 1, res.Cancelled)
	assert.Empty(t, res.TrustUpdates)

	after, err := book.GetBlockStats(ctx, "offer-a")
	require.NoError(t, err)
	assert.Equal(t, before.Available, after.Available)
	assert.Equal(t, 0, after.Reserved)

	p, _ := svc.Catalog().Provider("sunny")
	assert.InDelta(t, 0.85, p.TrustScore, 1e-9)

	_, err = svc.Cancel(ctx, CancelRequest{TransactionID: sel.TransactionID})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCancelConfirmedOrder(t *testing.T) {
	svc, book := market(t)
	ctx := context.Background()

	sel, err := svc.Select(ctx, SelectRequest{OfferID: "offer-b", Quantity: 10})
	require.NoError(t, err)
	_, err = svc.Init(ctx, sel.TransactionID)
	require.NoError(t, err)
	_, err = svc.Confirm(ctx, sel.TransactionID)
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, CancelRequest{TransactionID: sel.TransactionID, Party: trust.PartySeller})
	assert.ErrorIs(t, err, ErrCancelWindowClosed)

	res, err := svc.Cancel(ctx, CancelRequest{TransactionID: sel.TransactionID, Party: trust.PartySeller, WithinWindow: true})
	require.NoError(t, err)
	require.Len(t, res.TrustUpdates, 1)
	assert.Equal(t, "windy", res.TrustUpdates[0].ProviderID)
	assert.InDelta(t, 0.55, res.TrustUpdates[0].Outcome.NewScore, 1e-9)
	assert.Equal(t, 0, res.Released, "sold blocks stay sold")

	stats, err := book.GetBlockStats(ctx, "offer-b")
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Sold)

	_, err = svc.Cancel(ctx, CancelRequest{TransactionID: sel.TransactionID, Party: "broker"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSelectValidation(t *testing.T) {
	svc, _ := market(t)
	ctx := context.Background()

	_, err := svc.Select(ctx, SelectRequest{Quantity: 0})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Select(ctx, SelectRequest{TransactionID: "nope", Quantity: 1})
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	_, err = svc.Select(ctx, SelectRequest{OfferID: "ghost", Quantity: 1})
	assert.ErrorIs(t, err, ErrOfferNotFound)
	_, err = svc.Discover(ctx, nil, DiscoverRequest{MinQuantity: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDiscoverWithFilter(t *testing.T) {
	svc, _ := market(t)
	ctx := context.Background()
	filters, err := catalog.NewFilterEngine()
	require.NoError(t, err)

	disc, err := svc.Discover(ctx, filters, DiscoverRequest{MinQuantity: 1, Filter: `item.sourceType == "SOLAR"`})
	require.NoError(t, err)
	require.Len(t, disc.Ranked, 1)
	assert.Equal(t, "offer-a", disc.Ranked[0].Offer.ID)
}

func TestReserveSellerSide(t *testing.T) {
	svc, book := market(t)
	ctx := context.Background()

	order, err := svc.Reserve(ctx, "bap.example", "bap-txn-1", "sunny", []contracts.OrderItem{{OfferID: "offer-a", Quantity: 60}})
	require.NoError(t, err)
	assert.Equal(t, "bap-txn-1", order.TransactionID)
	assert.Equal(t, contracts.OrderDraft, order.Status)
	assert.Equal(t, 50, order.TotalQuantity(), "partial claim is returned, not refused")

	_, err = svc.Reserve(ctx, "bap.example", "bap-txn-2", "sunny", []contracts.OrderItem{{OfferID: "offer-a", Quantity: 1}})
	assert.ErrorIs(t, err, ErrNoInventory)

	_, err = svc.Reserve(ctx, "bap.example", "bap-txn-3", "sunny", []contracts.OrderItem{{OfferID: "offer-b", Quantity: 1}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Init(ctx, "bap-txn-1")
	require.NoError(t, err)
	conf, err := svc.Confirm(ctx, "bap-txn-1")
	require.NoError(t, err)
	assert.Equal(t, order.ID, conf.OrderID)

	stats, err := book.GetBlockStats(ctx, "offer-a")
	require.NoError(t, err)
	assert.Equal(t, 50, stats.Sold)
}

func TestReserveBindsSigner(t *testing.T) {
	svc, book := market(t)
	ctx := context.Background()

	order, err := svc.Reserve(ctx, "bap.example", "victim-txn", "sunny", []contracts.OrderItem{{OfferID: "offer-a", Quantity: 5}})
	require.NoError(t, err)
	assert.Equal(t, "bap.example", order.BuyerID)

	require.NoError(t, svc.CheckParty(ctx, "victim-txn", "bap.example"))
	assert.ErrorIs(t, svc.CheckParty(ctx, "victim-txn", "mallory.example"), ErrNotParticipant)
	assert.ErrorIs(t, svc.CheckOrderParty(ctx, order.ID, "mallory.example"), ErrNotParticipant)
	assert.ErrorIs(t, svc.CheckParty(ctx, "nope", "bap.example"), ErrTransactionNotFound)

	_, err = svc.Reserve(ctx, "mallory.example", "victim-txn", "sunny", []contracts.OrderItem{{OfferID: "offer-a", Quantity: 1}})
	assert.ErrorIs(t, err, ErrNotParticipant)
	stats, err := book.GetBlockStats(ctx, "offer-a")
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Reserved, "refused select keeps the victim's reservation")

	assert.ErrorIs(t, svc.CheckBuyerSide(ctx, "victim-txn"), ErrNotParticipant)
	assert.ErrorIs(t, svc.CheckBuyerOrder(ctx, order.ID), ErrNotParticipant)

	disc, err := svc.Discover(ctx, nil, DiscoverRequest{MinQuantity: 1})
	require.NoError(t, err)
	require.NoError(t, svc.CheckBuyerSide(ctx, disc.TransactionID))
	_, err = svc.Reserve(ctx, "bap.example", disc.TransactionID, "", []contracts.OrderItem{{OfferID: "offer-a", Quantity: 1}})
	assert.ErrorIs(t, err, ErrNotParticipant, "buyer-side transactions cannot be taken over by a peer")
}

func TestTransactionsSurviveRestart(t *testing.T) {
	docs := state.NewMemoryStore()
	svc, book := market(t, WithStore(docs))
	ctx := context.Background()

	disc, err := svc.Discover(ctx, nil, DiscoverRequest{BuyerID: "buyer-1", MinQuantity: 10})
	require.NoError(t, err)
	sel, err := svc.Select(ctx, SelectRequest{TransactionID: disc.TransactionID})
	require.NoError(t, err)
	_, err = svc.Init(ctx, disc.TransactionID)
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, "bap.example", "peer-txn", "sunny", []contracts.OrderItem{{OfferID: "offer-a", Quantity: 2}})
	require.NoError(t, err)

	restarted := New(svc.Catalog(), book, matcher.New(matcher.DefaultConfig()), trust.NewEngine(trust.DefaultConfig()), WithStore(docs))
	require.NoError(t, restarted.Load(ctx))

	txn, err := restarted.Transaction(ctx, disc.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", txn.BuyerID)
	require.Len(t, txn.Orders, 1)
	assert.Equal(t, contracts.OrderPending, txn.Orders[0].Status)

	orderID := sel.SelectedOffers[0].OrderID
	order, err := restarted.Status(ctx, orderID)
	require.NoError(t, err)
	assert.Len(t, order.Items[0].BlockIDs, 10)

	conf, err := restarted.Confirm(ctx, disc.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, orderID, conf.OrderID)

	assert.ErrorIs(t, restarted.CheckParty(ctx, "peer-txn", "mallory.example"), ErrNotParticipant,
		"signer binding survives a restart")

	again := New(svc.Catalog(), book, matcher.New(matcher.DefaultConfig()), trust.NewEngine(trust.DefaultConfig()), WithStore(docs))
	require.NoError(t, again.Load(ctx))
	order, err = again.Status(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderActive, order.Status, "confirm was persisted")
}
