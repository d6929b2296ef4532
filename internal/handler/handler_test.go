package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/kart-settlement/internal/domain/auth"
	"github.com/xenking/kart-settlement/internal/domain/cart"
	"github.com/xenking/kart-settlement/internal/domain/order"
	"github.com/xenking/kart-settlement/internal/domain/product"
	"github.com/xenking/kart-settlement/internal/storage/memory"
	"github.com/xenking/kart-settlement/pkg/health"
)

// --- Helpers ---

const adminKey = "admin-secret-key"

type testAPI struct {
	t      *testing.T
	router http.Handler
	store  *memory.Store
	auth   *auth.Service
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()
	store := memory.New()

	for _, p := range []product.Product{
		{ID: "prod-a", Name: "Alpha", Price: decimal.RequireFromString("10.00"), Stock: 10},
		{ID: "prod-b", Name: "Bravo", Price: decimal.RequireFromString("30.00"),
			SpecialPrice: decimal.NewNullDecimal(decimal.RequireFromString("25.00")), Stock: 4},
		{ID: "prod-c", Name: "Charlie", Price: decimal.RequireFromString("5.00"), Stock: 1},
	} {
		require.NoError(t, store.Products().Upsert(ctx, p))
	}

	authSvc := auth.NewService(store.Accounts(), []byte("pepper"))
	_, err := authSvc.EnsureAdmin(ctx, "root", adminKey)
	require.NoError(t, err)

	carts, err := cart.NewService(store.Carts(), store.Products(), nil, metricnoop.NewMeterProvider())
	require.NoError(t, err)
	orders, err := order.NewService(store.Orders(), metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider())
	require.NoError(t, err)

	hc := health.New()
	hc.SetReady(true)

	h := NewHandler(authSvc, store.Products(), carts, orders, 5*time.Second)
	return &testAPI{t: t, router: h.Router(hc), store: store, auth: authSvc}
}

func (a *testAPI) do(method, path, key, body string) *httptest.ResponseRecorder {
	a.t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

// register creates an account through the API and returns its key.
func (a *testAPI) register(username, role string) string {
	a.t.Helper()
	w := a.do(http.MethodPost, "/api/accounts", "", `{"username":"`+username+`","role":"`+role+`"}`)
	require.Equal(a.t, http.StatusCreated, w.Code, w.Body.String())
	key, ok := decode(a.t, w)["api_key"].(string)
	require.True(a.t, ok)
	return key
}

// checkout fills the buyer's cart with items and checks it out, returning
// the order id.
func (a *testAPI) checkout(key string, items ...string) string {
	a.t.Helper()
	for _, item := range items {
		w := a.do(http.MethodPost, "/api/cart/items", key, item)
		require.Equal(a.t, http.StatusCreated, w.Code, w.Body.String())
	}
	w := a.do(http.MethodPost, "/api/cart/checkout", key, "")
	require.Equal(a.t, http.StatusCreated, w.Code, w.Body.String())
	id, ok := decode(a.t, w)["id"].(string)
	require.True(a.t, ok)
	return id
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	v, err := decodeValue(jx.DecodeBytes(w.Body.Bytes()))
	require.NoError(t, err, w.Body.String())
	m, ok := v.(map[string]any)
	require.True(t, ok, "expected object, got %s", w.Body.String())
	return m
}

func decodeValue(d *jx.Decoder) (any, error) {
	switch d.Next() {
	case jx.Object:
		m := map[string]any{}
		err := d.Obj(func(d *jx.Decoder, key string) error {
			v, err := decodeValue(d)
			m[key] = v
			return err
		})
		return m, err
	case jx.Array:
		var s []any
		err := d.Arr(func(d *jx.Decoder) error {
			v, err := decodeValue(d)
			s = append(s, v)
			return err
		})
		return s, err
	case jx.String:
		return d.Str()
	case jx.Number:
		return d.Float64()
	case jx.Bool:
		return d.Bool()
	default:
		return nil, d.Null()
	}
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, kind string) map[string]any {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, status, body["code"])
	assert.Equal(t, kind, body["error"])
	assert.NotEmpty(t, body["message"])
	return body
}

// --- Tests ---

func TestSettlementFlow(t *testing.T) {
	api := newTestAPI(t)
	buyer := api.register("buyer", "buyer")

	w := api.do(http.MethodPost, "/api/cart/items", buyer, `{"product_id":"prod-a","quantity":"3"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	line := decode(t, w)
	assert.Equal(t, "10.00", line["unit_price"])
	assert.Equal(t, "30.00", line["subtotal"])

	w = api.do(http.MethodPost, "/api/cart/items", buyer, `{"product_id":"prod-b"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "25.00", decode(t, w)["unit_price"], "special price is snapshotted")

	w = api.do(http.MethodGet, "/api/cart", buyer, "")
	require.Equal(t, http.StatusOK, w.Code)
	c := decode(t, w)
	assert.Equal(t, "55.00", c["total_price"])
	assert.EqualValues(t, 4, c["total_items"])

	w = api.do(http.MethodPost, "/api/cart/checkout", buyer, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	o := decode(t, w)
	id := o["id"].(string)
	assert.Equal(t, "/api/orders/"+id, w.Header().Get("Location"))
	assert.Equal(t, "open", o["status"])
	assert.Equal(t, "55.00", o["total_price"])
	assert.Equal(t, "0.00", o["amount_paid"])

	w = api.do(http.MethodGet, "/api/cart", buyer, "")
	assert.Empty(t, decode(t, w)["lines"], "checkout empties the cart")

	w = api.do(http.MethodPost, "/api/orders/"+id+"/payments", buyer, `{"amount":"30"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "25.00", decode(t, w)["amount_due"])

	w = api.do(http.MethodPost, "/api/orders/"+id+"/payments", buyer, `{"amount":25}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "0.00", decode(t, w)["amount_due"])

	assertError(t, api.do(http.MethodPost, "/api/orders/"+id+"/payments", buyer, `{"amount":"1"}`),
		http.StatusConflict, "already_fully_paid")
	assertError(t, api.do(http.MethodPost, "/api/orders/"+id+"/complete", buyer, ""),
		http.StatusForbidden, "forbidden")

	w = api.do(http.MethodPost, "/api/orders/"+id+"/complete", adminKey, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decode(t, w)
	assert.Equal(t, "complete", done["status"])
	assert.Equal(t, "55.00", done["amount_paid"])
	assert.Equal(t, "0.00", done["overpayment"])

	w = api.do(http.MethodGet, "/api/products/prod-a", "", "")
	assert.EqualValues(t, 7, decode(t, w)["stock"])
	w = api.do(http.MethodGet, "/api/products/prod-b", "", "")
	assert.EqualValues(t, 3, decode(t, w)["stock"])

	assertError(t, api.do(http.MethodPost, "/api/orders/"+id+"/complete", adminKey, ""),
		http.StatusConflict, "already_complete")
	assertError(t, api.do(http.MethodDelete, "/api/orders/"+id, buyer, ""),
		http.StatusConflict, "cannot_cancel_complete")
}

func TestAuthentication(t *testing.T) {
	api := newTestAPI(t)

	assertError(t, api.do(http.MethodGet, "/api/cart", "", ""), http.StatusUnauthorized, "unauthorized")
	assertError(t, api.do(http.MethodGet, "/api/orders", "wrong-key", ""), http.StatusUnauthorized, "unauthorized")

	w := api.do(http.MethodGet, "/api/products", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	products := decode(t, w)["products"].([]any)
	require.Len(t, products, 3)
	first := products[0].(map[string]any)
	assert.Equal(t, "Alpha", first["name"])
	assert.Nil(t, first["special_price"])
}

func TestRegister(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name   string
		body   string
		status int
		kind   string
	}{
		{name: "duplicate username", body: `{"username":"root","role":"buyer"}`, status: http.StatusConflict, kind: "username_taken"},
		{name: "admin self-registration", body: `{"username":"mallory","role":"admin"}`, status: http.StatusForbidden, kind: "forbidden"},
		{name: "unknown role", body: `{"username":"mallory","role":"owner"}`, status: http.StatusBadRequest, kind: "invalid_input"},
		{name: "invalid username", body: `{"username":"a b"}`, status: http.StatusBadRequest, kind: "invalid_input"},
		{name: "malformed body", body: `{"username":`, status: http.StatusBadRequest, kind: "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, api.do(http.MethodPost, "/api/accounts", "", tt.body), tt.status, tt.kind)
		})
	}

	t.Run("issued key authenticates", func(t *testing.T) {
		w := api.do(http.MethodPost, "/api/accounts", "", `{"username":"carol"}`)
		require.Equal(t, http.StatusCreated, w.Code)
		body := decode(t, w)
		assert.Equal(t, "buyer", body["role"])

		w = api.do(http.MethodGet, "/api/cart", body["api_key"].(string), "")
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestCartErrors(t *testing.T) {
	api := newTestAPI(t)
	buyer := api.register("buyer", "buyer")
	seller := api.register("seller", "seller")

	w := api.do(http.MethodPost, "/api/cart/items", buyer, `{"product_id":"prod-a","quantity":2}`)
	require.Equal(t, http.StatusCreated, w.Code)
	lineID := decode(t, w)["id"].(string)

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		body   string
		status int
		kind   string
	}{
		{"seller cannot shop", http.MethodPost, "/api/cart/items", seller, `{"product_id":"prod-a"}`, http.StatusForbidden, "forbidden"},
		{"unknown product", http.MethodPost, "/api/cart/items", buyer, `{"product_id":"nope"}`, http.StatusNotFound, "not_found"},
		{"zero quantity", http.MethodPost, "/api/cart/items", buyer, `{"product_id":"prod-a","quantity":0}`, http.StatusBadRequest, "invalid_input"},
		{"quantity above int32", http.MethodPost, "/api/cart/items", buyer, `{"product_id":"prod-b","quantity":2147483648}`, http.StatusBadRequest, "invalid_input"},
		{"merged quantity overflows", http.MethodPost, "/api/cart/items", buyer, `{"product_id":"prod-a","quantity":2147483647}`, http.StatusBadRequest, "invalid_input"},
		{"update above int32", http.MethodPatch, "/api/cart/items/" + lineID, buyer, `{"quantity":"9223372036854775807"}`, http.StatusBadRequest, "invalid_input"},
		{"missing product id", http.MethodPost, "/api/cart/items", buyer, `{"quantity":1}`, http.StatusBadRequest, "invalid_request"},
		{"non numeric quantity", http.MethodPatch, "/api/cart/items/" + lineID, buyer, `{"quantity":"two"}`, http.StatusBadRequest, "invalid_input"},
		{"fractional quantity", http.MethodPatch, "/api/cart/items/" + lineID, buyer, `{"quantity":1.5}`, http.StatusBadRequest, "invalid_input"},
		{"missing quantity", http.MethodPatch, "/api/cart/items/" + lineID, buyer, `{}`, http.StatusBadRequest, "invalid_input"},
		{"other buyer's line", http.MethodPatch, "/api/cart/items/" + lineID, adminKey, `{"quantity":1}`, http.StatusNotFound, "not_found"},
		{"remove unknown line", http.MethodDelete, "/api/cart/items/nope", buyer, "", http.StatusNotFound, "not_found"},
		{"empty cart checkout", http.MethodPost, "/api/cart/checkout", adminKey, "", http.StatusConflict, "empty_cart"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, api.do(tt.method, tt.path, tt.key, tt.body), tt.status, tt.kind)
		})
	}

	t.Run("rejected update leaves line unchanged", func(t *testing.T) {
		w := api.do(http.MethodGet, "/api/cart", buyer, "")
		lines := decode(t, w)["lines"].([]any)
		require.Len(t, lines, 1)
		assert.EqualValues(t, 2, lines[0].(map[string]any)["quantity"])
	})

	t.Run("update and remove", func(t *testing.T) {
		w := api.do(http.MethodPatch, "/api/cart/items/"+lineID, buyer, `{"quantity":"5"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decode(t, w)
		assert.Equal(t, "50.00", body["subtotal"])
		assert.Equal(t, "50.00", body["total"])

		w = api.do(http.MethodDelete, "/api/cart/items/"+lineID, buyer, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "0.00", decode(t, w)["total"])
	})
}

func TestOrderErrors(t *testing.T) {
	api := newTestAPI(t)
	buyer := api.register("buyer", "buyer")
	other := api.register("other", "buyer")
	id := api.checkout(buyer, `{"product_id":"prod-a"}`)

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		body   string
		status int
		kind   string
	}{
		{"unknown order", http.MethodGet, "/api/orders/nope", buyer, "", http.StatusNotFound, "not_found"},
		{"other buyer cannot see", http.MethodGet, "/api/orders/" + id, other, "", http.StatusNotFound, "not_found"},
		{"other buyer cannot pay", http.MethodPost, "/api/orders/" + id + "/payments", other, `{"amount":"1"}`, http.StatusForbidden, "forbidden"},
		{"non positive amount", http.MethodPost, "/api/orders/" + id + "/payments", buyer, `{"amount":"-1"}`, http.StatusBadRequest, "invalid_amount"},
		{"sub-cent amount", http.MethodPost, "/api/orders/" + id + "/payments", buyer, `{"amount":"0.001"}`, http.StatusBadRequest, "invalid_amount"},
		{"amount rounding to the total", http.MethodPost, "/api/orders/" + id + "/payments", buyer, `{"amount":9.999}`, http.StatusBadRequest, "invalid_amount"},
		{"amount above the limit", http.MethodPost, "/api/orders/" + id + "/payments", buyer, `{"amount":"10000000000"}`, http.StatusBadRequest, "invalid_amount"},
		{"unparseable amount", http.MethodPost, "/api/orders/" + id + "/payments", buyer, `{"amount":"ten"}`, http.StatusBadRequest, "invalid_request"},
		{"missing amount", http.MethodPost, "/api/orders/" + id + "/payments", buyer, `{}`, http.StatusBadRequest, "invalid_request"},
		{"unpaid completion", http.MethodPost, "/api/orders/" + id + "/complete", adminKey, "", http.StatusConflict, "insufficient_payment"},
		{"other buyer cannot cancel", http.MethodDelete, "/api/orders/" + id, other, "", http.StatusForbidden, "forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, api.do(tt.method, tt.path, tt.key, tt.body), tt.status, tt.kind)
		})
	}
}

func TestCompleteOwnOrderForbidden(t *testing.T) {
	api := newTestAPI(t)
	id := api.checkout(adminKey, `{"product_id":"prod-a"}`)

	w := api.do(http.MethodPost, "/api/orders/"+id+"/payments", adminKey, `{"amount":"10"}`)
	require.Equal(t, http.StatusOK, w.Code)

	assertError(t, api.do(http.MethodPost, "/api/orders/"+id+"/complete", adminKey, ""),
		http.StatusForbidden, "self_completion_forbidden")
}

func TestCompleteOutOfStock(t *testing.T) {
	api := newTestAPI(t)
	buyer := api.register("buyer", "buyer")
	id := api.checkout(buyer,
		`{"product_id":"prod-c","quantity":2}`,
		`{"product_id":"prod-b","quantity":5}`,
		`{"product_id":"prod-a","quantity":1}`,
	)
	w := api.do(http.MethodPost, "/api/orders/"+id+"/payments", buyer, `{"amount":"200"}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := assertError(t, api.do(http.MethodPost, "/api/orders/"+id+"/complete", adminKey, ""),
		http.StatusConflict, "out_of_stock")
	assert.ElementsMatch(t, []any{"Charlie", "Bravo"}, body["products"])

	w = api.do(http.MethodGet, "/api/products/prod-a", "", "")
	assert.EqualValues(t, 10, decode(t, w)["stock"], "no partial decrement")

	w = api.do(http.MethodGet, "/api/orders/"+id, buyer, "")
	assert.Equal(t, "open", decode(t, w)["status"])
}

func TestCompleteReportsOverpayment(t *testing.T) {
	api := newTestAPI(t)
	buyer := api.register("buyer", "buyer")
	id := api.checkout(buyer, `{"product_id":"prod-a"}`)

	w := api.do(http.MethodPost, "/api/orders/"+id+"/payments", buyer, `{"amount":"12.50"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(http.MethodPost, "/api/orders/"+id+"/complete", adminKey, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "10.00", body["amount_paid"])
	assert.Equal(t, "2.50", body["overpayment"])
}

func TestCancelAndList(t *testing.T) {
	api := newTestAPI(t)
	buyer := api.register("buyer", "buyer")
	first := api.checkout(buyer, `{"product_id":"prod-a"}`)
	second := api.checkout(buyer, `{"product_id":"prod-b"}`)

	w := api.do(http.MethodGet, "/api/orders", buyer, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["orders"], 2)

	w = api.do(http.MethodDelete, "/api/orders/"+first, buyer, "")
	require.Equal(t, http.StatusNoContent, w.Code)
	assertError(t, api.do(http.MethodGet, "/api/orders/"+first, buyer, ""), http.StatusNotFound, "not_found")

	w = api.do(http.MethodGet, "/api/products/prod-a", "", "")
	assert.EqualValues(t, 10, decode(t, w)["stock"], "cancel has no stock side effects")

	w = api.do(http.MethodGet, "/api/orders", adminKey, "")
	orders := decode(t, w)["orders"].([]any)
	require.Len(t, orders, 1)
	assert.Equal(t, second, orders[0].(map[string]any)["id"])
}

func TestRouting(t *testing.T) {
	api := newTestAPI(t)

	assertError(t, api.do(http.MethodGet, "/api/nope", "", ""), http.StatusNotFound, "not_found")
	assertError(t, api.do(http.MethodPut, "/api/products", "", ""), http.StatusMethodNotAllowed, "method_not_allowed")
	assertError(t, api.do(http.MethodGet, "/api/products/missing", "", ""), http.StatusNotFound, "not_found")

	req := httptest.NewRequest(http.MethodPost, "/api/accounts", strings.NewReader("username=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	api.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)

	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/livez", "", "").Code)
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/readyz", "", "").Code)
}
