package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/bracketbot/internal/exchange"
	"github.com/tathienbao/bracketbot/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeFutures is a minimal stand-in for the futures REST API.
type fakeFutures struct {
	mu       sync.Mutex
	calls    map[string]int
	forms    map[string][]map[string]string
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeFutures() *fakeFutures {
	return &fakeFutures{
		calls:    make(map[string]int),
		forms:    make(map[string][]map[string]string),
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
	}
}

func (f *fakeFutures) handle(method, suffix string, status int, body string) {
	f.handlers[method+" "+suffix] = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func (f *fakeFutures) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	for key, h := range f.handlers {
		method, suffix, _ := strings.Cut(key, " ")
		if r.Method != method || !strings.HasSuffix(r.URL.Path, suffix) {
			continue
		}
		form := make(map[string]string)
		for k := range r.Form {
			form[k] = r.Form.Get(k)
		}
		f.mu.Lock()
		f.calls[key]++
		f.forms[key] = append(f.forms[key], form)
		f.mu.Unlock()
		h(w, r)
		return
	}
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte(`{"code":-1,"msg":"not found"}`))
}

func (f *fakeFutures) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeFutures) lastForm(key string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	forms := f.forms[key]
	if len(forms) == 0 {
		return nil
	}
	return forms[len(forms)-1]
}

func newTestClient(t *testing.T, f *fakeFutures) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIKey = "key"
	cfg.APISecret = "secret"
	cfg.MaxRequestsPerSecond = 1000
	cfg.RequestTimeout = 5 * time.Second
	return NewClient(cfg, nil)
}

func TestClient_SetLeverageIdempotent(t *testing.T) {
	f := newFakeFutures()
	f.handle("POST", "/marginType", http.StatusBadRequest, `{"code":-4046,"msg":"No need to change margin type."}`)
	f.handle("POST", "/leverage", http.StatusOK, `{"leverage":20,"maxNotionalValue":"1000000","symbol":"BTCUSDT"}`)
	c := newTestClient(t, f)

	for i := 0; i < 2; i++ {
		if err := c.SetLeverage(context.Background(), "BTCUSDT", 20); err != nil {
			t.Fatalf("SetLeverage() call %d error = %v", i, err)
		}
	}
	if got := f.count("POST /leverage"); got != 2 {
		t.Errorf("leverage calls = %d, want 2", got)
	}
	if form := f.lastForm("POST /marginType"); form["marginType"] != "CROSSED" {
		t.Errorf("marginType = %q, want CROSSED", form["marginType"])
	}
}

func TestClient_SetLeverageMarginFailure(t *testing.T) {
	f := newFakeFutures()
	f.handle("POST", "/marginType", http.StatusBadRequest, `{"code":-4047,"msg":"Margin type cannot be changed if there exists open orders."}`)
	f.handle("POST", "/leverage", http.StatusOK, `{"leverage":20,"maxNotionalValue":"1000000","symbol":"BTCUSDT"}`)
	c := newTestClient(t, f)

	err := c.SetLeverage(context.Background(), "BTCUSDT", 20)
	if !errors.Is(err, types.ErrExchange) {
		t.Fatalf("SetLeverage() error = %v, want ErrExchange", err)
	}
	if got := f.count("POST /leverage"); got != 0 {
		t.Errorf("leverage should not be set after margin failure, got %d calls", got)
	}
}

func TestClient_CancelOrderUnknownIsNoop(t *testing.T) {
	f := newFakeFutures()
	f.handle("DELETE", "/order", http.StatusBadRequest, `{"code":-2011,"msg":"Unknown order sent."}`)
	c := newTestClient(t, f)

	if err := c.CancelOrder(context.Background(), "BTCUSDT", "12345"); err != nil {
		t.Errorf("CancelOrder() error = %v, want nil", err)
	}
}

func TestClient_CancelOrderMalformedID(t *testing.T) {
	f := newFakeFutures()
	c := newTestClient(t, f)

	err := c.CancelOrder(context.Background(), "BTCUSDT", "PAPER-1")
	if !errors.Is(err, types.ErrOrderNotFound) {
		t.Errorf("CancelOrder() error = %v, want ErrOrderNotFound", err)
	}
	if got := f.count("DELETE /order"); got != 0 {
		t.Errorf("cancel requests sent = %d, want 0", got)
	}
}

func TestClient_CancelOrderFailure(t *testing.T) {
	f := newFakeFutures()
	f.handle("DELETE", "/order", http.StatusBadRequest, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`)
	c := newTestClient(t, f)

	if err := c.CancelOrder(context.Background(), "BTCUSDT", "12345"); !errors.Is(err, types.ErrExchange) {
		t.Errorf("CancelOrder() error = %v, want ErrExchange", err)
	}
}

func TestClient_PlaceMarketOrder(t *testing.T) {
	f := newFakeFutures()
	f.handle("POST", "/order", http.StatusOK, `{
		"symbol":"BTCUSDT","orderId":987,"clientOrderId":"abc","status":"FILLED",
		"avgPrice":"50012.3","executedQty":"0.020","origQty":"0.020","side":"BUY","type":"MARKET"
	}`)
	c := newTestClient(t, f)

	ref, err := c.PlaceMarketOrder(context.Background(), exchange.MarketOrderRequest{
		Symbol:        "BTCUSDT",
		Side:          types.OrderSideBuy,
		Quantity:      d("0.02"),
		ClientOrderID: "abc",
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder() error = %v", err)
	}
	if ref.OrderID != "987" || !ref.Filled() || !ref.AvgFillPrice.Equal(d("50012.3")) {
		t.Errorf("ref = %+v", ref)
	}

	form := f.lastForm("POST /order")
	want := map[string]string{
		"symbol":           "BTCUSDT",
		"side":             "BUY",
		"type":             "MARKET",
		"quantity":         "0.02",
		"newOrderRespType": "RESULT",
		"newClientOrderId": "abc",
	}
	for k, v := range want {
		if form[k] != v {
			t.Errorf("param %s = %q, want %q", k, form[k], v)
		}
	}
}

func TestClient_PlaceStopOrder(t *testing.T) {
	f := newFakeFutures()
	f.handle("POST", "/order", http.StatusOK, `{"symbol":"BTCUSDT","orderId":55,"status":"NEW","side":"SELL","type":"STOP"}`)
	c := newTestClient(t, f)

	ref, err := c.PlaceStopOrder(context.Background(), exchange.StopOrderRequest{
		Symbol:       "BTCUSDT",
		Side:         types.OrderSideSell,
		TriggerPrice: d("49900"),
		LimitPrice:   d("49895"),
		Quantity:     d("0.02"),
	})
	if err != nil {
		t.Fatalf("PlaceStopOrder() error = %v", err)
	}
	if ref.Status != types.OrderStatusOpen {
		t.Errorf("status = %s, want OPEN", ref.Status)
	}

	form := f.lastForm("POST /order")
	for k, v := range map[string]string{
		"type": "STOP", "stopPrice": "49900", "price": "49895", "reduceOnly": "true", "timeInForce": "GTC",
	} {
		if form[k] != v {
			t.Errorf("param %s = %q, want %q", k, form[k], v)
		}
	}
}

func TestClient_GetOrder(t *testing.T) {
	f := newFakeFutures()
	f.handle("GET", "/order", http.StatusOK, `{
		"symbol":"BTCUSDT","orderId":123,"status":"EXPIRED","avgPrice":"0","executedQty":"0",
		"origQty":"0.020","side":"SELL","type":"LIMIT","price":"50200","stopPrice":"0","updateTime":1700000000000
	}`)
	c := newTestClient(t, f)

	o, err := c.GetOrder(context.Background(), "BTCUSDT", "123")
	if err != nil {
		t.Fatalf("GetOrder() error = %v", err)
	}
	if o.Status != types.OrderStatusCanceled {
		t.Errorf("status = %s, want CANCELED", o.Status)
	}
	if o.Side != types.OrderSideSell || !o.Price.Equal(d("50200")) || !o.Quantity.Equal(d("0.02")) {
		t.Errorf("order = %+v", o)
	}

	if _, err := c.GetOrder(context.Background(), "BTCUSDT", "not-a-number"); !errors.Is(err, types.ErrOrderNotFound) {
		t.Errorf("bad id error = %v, want ErrOrderNotFound", err)
	}
}

func TestClient_GetOpenPosition(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantNil  bool
		wantSide types.Side
		wantQty  string
	}{
		{
			name:    "flat",
			body:    `[{"symbol":"BTCUSDT","positionAmt":"0.000","entryPrice":"0.0","marginType":"cross","leverage":"20","positionSide":"BOTH"}]`,
			wantNil: true,
		},
		{
			name:     "short",
			body:     `[{"symbol":"BTCUSDT","positionAmt":"-0.020","entryPrice":"50000.0","marginType":"cross","leverage":"20","positionSide":"BOTH"}]`,
			wantSide: types.SideShort,
			wantQty:  "0.02",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeFutures()
			f.handle("GET", "/positionRisk", http.StatusOK, tt.body)
			c := newTestClient(t, f)

			pos, err := c.GetOpenPosition(context.Background(), "BTCUSDT")
			if err != nil {
				t.Fatalf("GetOpenPosition() error = %v", err)
			}
			if tt.wantNil {
				if pos != nil {
					t.Errorf("position = %+v, want nil", pos)
				}
				return
			}
			if pos == nil {
				t.Fatal("position = nil")
			}
			if pos.Side != tt.wantSide || !pos.Quantity.Equal(d(tt.wantQty)) || pos.Leverage != 20 {
				t.Errorf("position = %+v", pos)
			}
		})
	}
}

func TestCallbackRate(t *testing.T) {
	tests := []struct {
		trail string
		ref   string
		want  string
	}{
		{"500", "50000", "1"},
		{"125", "50000", "0.3"}, // 0.25 rounds half up
		{"1", "50000", "0.1"},   // clamped to minimum
		{"5000", "50000", "5"},  // clamped to maximum
		{"10", "0", "0.1"},
	}

	for _, tt := range tests {
		got := CallbackRate(d(tt.trail), d(tt.ref))
		if !got.Equal(d(tt.want)) {
			t.Errorf("CallbackRate(%s, %s) = %s, want %s", tt.trail, tt.ref, got, tt.want)
		}
	}
}

func TestOrderStatus(t *testing.T) {
	tests := map[string]types.OrderStatus{
		"NEW":              types.OrderStatusOpen,
		"PARTIALLY_FILLED": types.OrderStatusOpen,
		"FILLED":           types.OrderStatusFilled,
		"CANCELED":         types.OrderStatusCanceled,
		"EXPIRED":          types.OrderStatusCanceled,
		"REJECTED":         types.OrderStatusRejected,
	}
	for in, want := range tests {
		if got := orderStatus(in); got != want {
			t.Errorf("orderStatus(%s) = %s, want %s", in, got, want)
		}
	}
}
