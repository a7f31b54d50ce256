package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2p-energy-trading/engine/pkg/api"
	"github.com/p2p-energy-trading/engine/pkg/auth"
	"github.com/p2p-energy-trading/engine/pkg/catalog"
	"github.com/p2p-energy-trading/engine/pkg/contracts"
	"github.com/p2p-energy-trading/engine/pkg/flow"
	"github.com/p2p-energy-trading/engine/pkg/matcher"
	"github.com/p2p-energy-trading/engine/pkg/orderbook"
	"github.com/p2p-energy-trading/engine/pkg/registry"
	"github.com/p2p-energy-trading/engine/pkg/signing"
	"github.com/p2p-energy-trading/engine/pkg/trust"
	"github.com/p2p-energy-trading/engine/pkg/wire"
)

type fixture struct {
	handler  http.Handler
	flow     *flow.Service
	keys     *registry.KeyRegistry
	buyer    *signing.KeyPair
	mallory  *signing.KeyPair
	store    *memKeyStore
	operator map[string]string
	keyAdmin map[string]string
}

var adminSecret = []byte("test-admin-secret-test-admin-secret")

func bearer(t *testing.T, roles ...string) map[string]string {
	t.Helper()
	token, err := auth.IssueAdminToken(adminSecret, "ops@node.example", roles, time.Hour, time.Now())
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

type memKeyStore struct{ saved map[string]string }

func (m *memKeyStore) Save(_ context.Context, keyID, pub string) error {
	m.saved[keyID] = pub
	return nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	book := orderbook.New(orderbook.NewMemoryStore())
	cat := catalog.New(book, nil)
	fl := flow.New(cat, book, matcher.New(matcher.DefaultConfig()), trust.NewEngine(trust.DefaultConfig()))

	keys := registry.New()
	buyer, err := signing.GenerateKeyPair("bap.example", "k1")
	require.NoError(t, err)
	require.NoError(t, keys.RegisterKeyPair(buyer))
	mallory, err := signing.GenerateKeyPair("mallory.example", "k1")
	require.NoError(t, err)
	require.NoError(t, keys.RegisterKeyPair(mallory))

	gate, err := wire.NewVersionGate("1.1.0", ">= 1.0.0, < 2.0.0")
	require.NoError(t, err)
	filters, err := catalog.NewFilterEngine()
	require.NoError(t, err)

	store := &memKeyStore{saved: map[string]string{}}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := New(fl,
		WithIdempotency(api.NewMemoryIdempotencyStore(ctx, time.Hour)),
		WithFilterEngine(filters),
		WithKeyRegistry(keys, store),
		WithAdminAuth(auth.NewJWTValidator(adminSecret)),
		WithVerifier(auth.NewSignatureVerifier(keys, auth.VerifyConfig{}, nil)),
		WithVersionGate(gate),
		WithParticipants(wire.Participants{BppID: "bpp.example", BppURI: "http://bpp.example"}),
	)
	return &fixture{
		handler: srv.Handler(), flow: fl, keys: keys, buyer: buyer, mallory: mallory, store: store,
		operator: bearer(t, auth.RoleOperator),
		keyAdmin: bearer(t, auth.RoleKeyAdmin),
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		raw = b
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// signed posts body with a fresh signature of the buyer key.
func (f *fixture) signed(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.signedBy(t, f.buyer, path, body)
}

func (f *fixture) signedBy(t *testing.T, kp *signing.KeyPair, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	header, err := signing.SignMessage(raw, kp, 30*time.Second)
	require.NoError(t, err)
	return f.do(t, http.MethodPost, path, raw, map[string]string{"Authorization": header})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPut, "/api/providers", contracts.Provider{ID: "windy", Name: "Windy Hill", TrustScore: 0.6}, f.operator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPut, "/api/items", contracts.CatalogItem{ID: "wt-1", ProviderID: "windy", SourceType: contracts.SourceWind}, f.operator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/api/offers", contracts.Offer{ID: "offer-b", ItemID: "wt-1", ProviderID: "windy",
		Price: contracts.NewPrice(5.25, "USD"), MaxQuantity: 100}, f.operator)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.1.0", body["protocol_version"])
	assert.NotEmpty(t, rec.Header().Get(auth.HeaderRequestID))
}

func TestBuyerAPIFlow(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	rec := f.do(t, http.MethodPost, "/api/discover", map[string]any{"minQuantity": 30}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	disc := decode[flow.DiscoverResult](t, rec)
	require.NotEmpty(t, disc.TransactionID)
	require.Len(t, disc.Catalog.Providers, 1)

	rec = f.do(t, http.MethodPost, "/api/select", map[string]any{"transaction_id": disc.TransactionID}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sel := decode[flow.SelectResult](t, rec)
	require.Equal(t, flow.StatusSelected, sel.Status)

	rec = f.do(t, http.MethodPost, "/api/init", map[string]any{"transaction_id": disc.TransactionID}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/confirm", map[string]any{"transaction_id": disc.TransactionID}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	conf := decode[map[string]any](t, rec)
	orderID, _ := conf["order_id"].(string)
	require.NotEmpty(t, orderID)
	assert.Equal(t, false, conf["bulk_mode"])

	rec = f.do(t, http.MethodGet, "/api/orders/"+orderID+"/status", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contracts.OrderActive, decode[contracts.Order](t, rec).Status)

	rec = f.do(t, http.MethodGet, "/api/offers/offer-b/blocks", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[contracts.BlockStats](t, rec)
	assert.Equal(t, 30, stats.Sold)
	assert.Equal(t, 70, stats.Available)

	rec = f.do(t, http.MethodPost, "/api/orders/"+orderID+"/delivery", map[string]any{"delivered_quantity": 30}, f.operator)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/providers/windy", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[map[string]any](t, rec)
	assert.InDelta(t, 0.62, view["trust_score"], 1e-9)
	assert.EqualValues(t, 40, view["limit_percent"])
}

func TestAPIErrors(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown transaction", http.MethodPost, "/api/init", map[string]any{"transaction_id": "nope"}, http.StatusNotFound, CodeNotFound},
		{"missing transaction id", http.MethodPost, "/api/confirm", map[string]any{}, http.StatusBadRequest, CodeInvalidRequest},
		{"bad json", http.MethodPost, "/api/select", []byte("{"), http.StatusBadRequest, CodeInvalidRequest},
		{"zero quantity", http.MethodPost, "/api/select", map[string]any{"quantity": 0}, http.StatusBadRequest, CodeInvalidRequest},
		{"bad filter", http.MethodPost, "/api/discover", map[string]any{"filter": "offer.price >"}, http.StatusBadRequest, CodeInvalidRequest},
		{"unknown order", http.MethodGet, "/api/orders/nope/status", nil, http.StatusNotFound, CodeNotFound},
		{"invalid offer", http.MethodPost, "/api/offers", contracts.Offer{ItemID: "wt-1", ProviderID: "windy", Price: contracts.NewPrice(1, "USD")}, http.StatusBadRequest, CodeInvalidRequest},
		{"delete unknown offer", http.MethodDelete, "/api/offers/nope", nil, http.StatusNotFound, CodeNotFound},
		{"publish without cds", http.MethodPost, "/api/catalog/publish", nil, http.StatusConflict, CodeInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body, f.operator)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			problem := decode[api.ProblemDetail](t, rec)
			assert.Equal(t, tt.code, problem.Code)
			assert.Equal(t, rec.Header().Get(auth.HeaderRequestID), problem.TraceID)
		})
	}
}

func TestBPPRejectsUnsigned(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/bpp/select", map[string]any{"transaction_id": "t"}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, auth.CodeMissingSignature, decode[api.ProblemDetail](t, rec).Code)
}

func TestBPPSignedFlow(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	bap := wire.Participants{BapID: "bap.example", BapURI: "http://bap.example", BppID: "bpp.example"}
	txnID := "txn-remote-1"
	items := []contracts.OrderItem{{OfferID: "offer-b", ItemID: "wt-1", ProviderID: "windy", Quantity: 12, Price: contracts.NewPrice(5.25, "USD")}}

	selCtx := bap.Context(wire.ActionSelect, txnID, time.Now())
	rec := f.signed(t, "/bpp/select", wire.BuildSelect(selCtx, "windy", items))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	onSelect, err := wire.ParseOrderResponse(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, wire.ActionOnSelect, onSelect.Context.Action)
	assert.Equal(t, selCtx.MessageID, onSelect.Context.MessageID)
	assert.Equal(t, "bpp.example", onSelect.Context.BppID)
	assert.Equal(t, 12, onSelect.Order.TotalQuantity())
	assert.Equal(t, contracts.OrderPending, onSelect.Order.Status, "DRAFT is reported as CREATED")

	rec = f.signed(t, "/bpp/init", wire.BuildInit(bap.Context(wire.ActionInit, txnID, time.Now()), &onSelect.Order))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.signed(t, "/bpp/confirm", wire.BuildConfirm(bap.Context(wire.ActionConfirm, txnID, time.Now()), &onSelect.Order))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	onConfirm, err := wire.ParseOrderResponse(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, contracts.OrderActive, onConfirm.Order.Status)

	rec = f.signed(t, "/bpp/status", wire.BuildStatus(bap.Context(wire.ActionStatus, txnID, time.Now()), onConfirm.Order.ID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	onStatus, err := wire.ParseOrderResponse(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, wire.ActionOnStatus, onStatus.Context.Action)
	assert.Equal(t, onConfirm.Order.ID, onStatus.Order.ID)
}

func TestBPPRejectsUnsupportedVersion(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	c := wire.Participants{BapID: "bap.example", Version: "2.0.0"}.Context(wire.ActionSelect, "txn-v2", time.Now())
	items := []contracts.OrderItem{{OfferID: "offer-b", ItemID: "wt-1", Quantity: 1, Price: contracts.NewPrice(5.25, "USD")}}
	rec := f.signed(t, "/bpp/select", wire.BuildSelect(c, "windy", items))
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, CodeUnsupportedVersion, decode[api.ProblemDetail](t, rec).Code)
}

func TestBPPRejectsTamperedBody(t *testing.T) {
	f := newFixture(t)
	raw := []byte(`{"transaction_id":"t","order_id":"o"}`)
	header, err := signing.SignMessage(raw, f.buyer, 30*time.Second)
	require.NoError(t, err)
	rec := f.do(t, http.MethodPost, "/bpp/status", []byte(`{"transaction_id":"t","order_id":"x"}`),
		map[string]string{"Authorization": header})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, auth.CodeSignatureInvalid, decode[api.ProblemDetail](t, rec).Code)
}

func TestRegistryKeys(t *testing.T) {
	f := newFixture(t)
	kp, err := signing.GenerateKeyPair("bpp.other", "k9")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/registry/keys", map[string]string{"key_id": kp.KeyID, "public_key": kp.PublicKeyBase64()}, f.keyAdmin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, kp.PublicKeyBase64(), f.store.saved[kp.KeyID])
	_, ok := f.keys.Resolve(kp.KeyID)
	assert.True(t, ok)

	rec = f.do(t, http.MethodGet, "/api/registry/keys", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]registry.Entry](t, rec), 3)

	rec = f.do(t, http.MethodPost, "/api/registry/keys", map[string]string{"key_id": "no-pipes", "public_key": kp.PublicKeyBase64()}, f.keyAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/registry/keys", map[string]string{"key_id": "a|b|ed25519", "public_key": "bm90LWEta2V5"}, f.keyAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	routes := []struct {
		method, path string
		body         any
	}{
		{http.MethodPut, "/api/providers", contracts.Provider{ID: "windy", TrustScore: 1}},
		{http.MethodPut, "/api/items", contracts.CatalogItem{ID: "wt-1", ProviderID: "windy"}},
		{http.MethodPost, "/api/offers", contracts.Offer{ID: "o", ItemID: "wt-1", ProviderID: "windy", MaxQuantity: 1}},
		{http.MethodDelete, "/api/offers/o", nil},
		{http.MethodPost, "/api/catalog/publish", nil},
		{http.MethodPost, "/api/orders/x/delivery", map[string]int{"delivered_quantity": 1}},
		{http.MethodPost, "/api/registry/keys", map[string]string{"key_id": "a|b|ed25519", "public_key": "x"}},
	}
	for _, rt := range routes {
		t.Run(rt.method+" "+rt.path, func(t *testing.T) {
			rec := f.do(t, rt.method, rt.path, rt.body, nil)
			require.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
			assert.Equal(t, auth.CodeMissingToken, decode[api.ProblemDetail](t, rec).Code)
		})
	}

	rec := f.do(t, http.MethodPost, "/api/registry/keys", map[string]string{"key_id": "a|b|ed25519", "public_key": "x"}, f.operator)
	require.Equal(t, http.StatusForbidden, rec.Code, "operators cannot manage keys")
	rec = f.do(t, http.MethodPut, "/api/providers", contracts.Provider{ID: "windy"}, f.keyAdmin)
	require.Equal(t, http.StatusForbidden, rec.Code, "key admins cannot edit the catalog")
	_, ok := f.flow.Catalog().Provider("windy")
	assert.False(t, ok)
}

func TestRegistryKeys_RefusesTakeover(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	attacker, err := signing.GenerateKeyPair("bap.example", "k1")
	require.NoError(t, err)
	takeover := map[string]string{"key_id": attacker.KeyID, "public_key": attacker.PublicKeyBase64()}

	rec := f.do(t, http.MethodPost, "/api/registry/keys", takeover, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/registry/keys", takeover, f.keyAdmin)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, CodeKeyExists, decode[api.ProblemDetail](t, rec).Code)
	assert.Empty(t, f.store.saved)

	items := []contracts.OrderItem{{OfferID: "offer-b", ItemID: "wt-1", ProviderID: "windy", Quantity: 5, Price: contracts.NewPrice(5.25, "USD")}}
	c := wire.Participants{BapID: "bap.example"}.Context(wire.ActionSelect, "txn-hijack", time.Now())
	rec = f.signedBy(t, attacker, "/bpp/select", wire.BuildSelect(c, "windy", items))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, auth.CodeSignatureInvalid, decode[api.ProblemDetail](t, rec).Code)

	// An authenticated rotation is the only way to replace the key.
	rotate := map[string]any{"key_id": attacker.KeyID, "public_key": attacker.PublicKeyBase64(), "rotate": true}
	rec = f.do(t, http.MethodPost, "/api/registry/keys", rotate, f.keyAdmin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pub, _ := f.keys.GetPublicKey(attacker.KeyID)
	assert.Equal(t, attacker.PublicKey, pub)
}

func TestBPPRejectsForeignSigner(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	victim := wire.Participants{BapID: "bap.example", BapURI: "http://bap.example", BppID: "bpp.example"}
	thief := wire.Participants{BapID: "mallory.example", BapURI: "http://mallory.example", BppID: "bpp.example"}
	txnID := "victim-txn"
	items := []contracts.OrderItem{{OfferID: "offer-b", ItemID: "wt-1", ProviderID: "windy", Quantity: 12, Price: contracts.NewPrice(5.25, "USD")}}

	rec := f.signed(t, "/bpp/select", wire.BuildSelect(victim.Context(wire.ActionSelect, txnID, time.Now()), "windy", items))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	onSelect, err := wire.ParseOrderResponse(rec.Body.Bytes())
	require.NoError(t, err)

	steps := []struct {
		path string
		body any
	}{
		{"/bpp/init", wire.BuildInit(thief.Context(wire.ActionInit, txnID, time.Now()), &onSelect.Order)},
		{"/bpp/confirm", wire.BuildConfirm(thief.Context(wire.ActionConfirm, txnID, time.Now()), &onSelect.Order)},
		{"/bpp/status", wire.BuildStatus(thief.Context(wire.ActionStatus, txnID, time.Now()), onSelect.Order.ID)},
		{"/bpp/select", wire.BuildSelect(thief.Context(wire.ActionSelect, txnID, time.Now()), "windy", items)},
	}
	for _, st := range steps {
		t.Run(st.path, func(t *testing.T) {
			rec := f.signedBy(t, f.mallory, st.path, st.body)
			require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
			assert.Equal(t, CodeNotParticipant, decode[api.ProblemDetail](t, rec).Code)
		})
	}

	txn, err := f.flow.Transaction(context.Background(), txnID)
	require.NoError(t, err)
	require.Len(t, txn.Orders, 1)
	assert.Equal(t, contracts.OrderDraft, txn.Orders[0].Status, "foreign init and confirm changed nothing")
	stats := decode[contracts.BlockStats](t, f.do(t, http.MethodGet, "/api/offers/offer-b/blocks", nil, nil))
	assert.Equal(t, 12, stats.Reserved, "foreign select did not release the reservation")

	rec = f.signed(t, "/bpp/init", wire.BuildInit(victim.Context(wire.ActionInit, txnID, time.Now()), &onSelect.Order))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.signed(t, "/bpp/confirm", wire.BuildConfirm(victim.Context(wire.ActionConfirm, txnID, time.Now()), &onSelect.Order))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	rec := f.do(t, http.MethodPost, "/api/discover", map[string]any{}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	txn := decode[flow.DiscoverResult](t, rec).TransactionID

	key := map[string]string{api.HeaderIdempotencyKey: "select-once"}
	first := f.do(t, http.MethodPost, "/api/select", map[string]any{"transaction_id": txn, "quantity": 10}, key)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := f.do(t, http.MethodPost, "/api/select", map[string]any{"transaction_id": txn, "quantity": 10}, key)
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	stats := decode[contracts.BlockStats](t, f.do(t, http.MethodGet, "/api/offers/offer-b/blocks", nil, nil))
	assert.Equal(t, 10, stats.Reserved, "the replay must not claim a second batch")
}
