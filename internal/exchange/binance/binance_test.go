package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"signal_relay/internal/core"
	"signal_relay/internal/mock"
	apperrors "signal_relay/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccount() *core.ExchangeAccount {
	return &core.ExchangeAccount{
		ID:        "acct-1",
		Venue:     core.VenueBinance,
		APIKey:    "test-api-key",
		SecretKey: "test-secret",
	}
}

func TestSignRequest(t *testing.T) {
	e := New(testAccount(), "http://localhost", mock.NewLogger())

	req, err := http.NewRequest(http.MethodGet, "http://localhost/fapi/v1/order?symbol=BTCUSDT&orderId=42", nil)
	require.NoError(t, err)

	require.NoError(t, e.SignRequest(req, nil))

	assert.Equal(t, "test-api-key", req.Header.Get("X-MBX-APIKEY"))

	q := req.URL.Query()
	assert.NotEmpty(t, q.Get("timestamp"))
	signature := q.Get("signature")
	require.NotEmpty(t, signature)

	// Recompute over the query without the signature param
	q.Del("signature")
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(q.Encode()))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), signature)
}

func TestParseError_CodeMapping(t *testing.T) {
	e := New(testAccount(), "http://localhost", mock.NewLogger())

	cases := []struct {
		code int
		want error
	}{
		{-2015, apperrors.ErrAuthenticationFailed},
		{-2010, apperrors.ErrInsufficientBalance},
		{-1003, apperrors.ErrRateLimited},
		{-1121, apperrors.ErrInvalidSymbol},
		{-2013, apperrors.ErrOrderNotFound},
		{-4061, apperrors.ErrPositionModeMismatch},
		{-1013, apperrors.ErrQtyTooSmall},
	}
	for _, tc := range cases {
		body, _ := json.Marshal(map[string]interface{}{"code": tc.code, "msg": "x"})
		assert.ErrorIs(t, e.parseError(body), tc.want, "code %d", tc.code)
	}

	// Unknown codes surface the venue message
	err := e.parseError([]byte(`{"code":-9999,"msg":"strange"}`))
	assert.ErrorContains(t, err, "strange")
}

func TestOrderParams_ClosePositionOnlyOnConditionalTypes(t *testing.T) {
	e := New(testAccount(), "http://localhost", mock.NewLogger())

	// A hedge-mode flatten is a plain market order and must carry its
	// quantity; the venue rejects closePosition on that type.
	market := e.orderParams(&core.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          core.OrderSideSell,
		Type:          core.OrderTypeMarket,
		Quantity:      decimal.RequireFromString("0.02"),
		PositionSide:  core.PositionSideLong,
		ClosePosition: true,
	})
	assert.Equal(t, "0.02", market["quantity"])
	assert.NotContains(t, market, "closePosition")

	stop := e.orderParams(&core.OrderRequest{
		Symbol:        "BTCUSDT",
		Side:          core.OrderSideSell,
		Type:          core.OrderTypeStopMarket,
		StopPrice:     decimal.NewFromInt(48500),
		PositionSide:  core.PositionSideLong,
		ClosePosition: true,
	})
	assert.Equal(t, "true", stop["closePosition"])
	assert.NotContains(t, stop, "quantity")
}

func TestExecuteOrderWithSlTp_PlacesBothLegs(t *testing.T) {
	var mu sync.Mutex
	var placed []map[string]string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/order" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}

		q := r.URL.Query()
		mu.Lock()
		placed = append(placed, map[string]string{
			"type":          q.Get("type"),
			"side":          q.Get("side"),
			"stopPrice":     q.Get("stopPrice"),
			"closePosition": q.Get("closePosition"),
			"positionSide":  q.Get("positionSide"),
		})
		n := len(placed)
		mu.Unlock()

		resp := map[string]interface{}{
			"orderId":     1000 + n,
			"status":      "FILLED",
			"avgPrice":    "50000",
			"executedQty": "0.020",
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	e := New(testAccount(), server.URL, mock.NewLogger())

	result, err := e.ExecuteOrderWithSlTp(context.Background(), &core.EntryRequest{
		Symbol:       "BTCUSDT",
		Side:         core.OrderSideBuy,
		Quantity:     decimal.RequireFromString("0.020"),
		SlPrice:      decimal.NewFromInt(48500),
		TpPrice:      decimal.NewFromInt(52500),
		PositionSide: core.PositionSideLong,
	})
	require.NoError(t, err)

	assert.Equal(t, "1001", result.OrderID)
	assert.Equal(t, "1002", result.SlOrderID)
	assert.Equal(t, "1003", result.TpOrderID)
	assert.NoError(t, result.SlError)
	assert.NoError(t, result.TpError)
	assert.False(t, result.PartialProtection())
	assert.True(t, result.AvgPrice.Equal(decimal.NewFromInt(50000)))

	require.Len(t, placed, 3)
	assert.Equal(t, "MARKET", placed[0]["type"])
	assert.Equal(t, "BUY", placed[0]["side"])

	assert.Equal(t, "STOP_MARKET", placed[1]["type"])
	assert.Equal(t, "SELL", placed[1]["side"])
	assert.Equal(t, "48500", placed[1]["stopPrice"])
	assert.Equal(t, "true", placed[1]["closePosition"])
	assert.Equal(t, "LONG", placed[1]["positionSide"])

	assert.Equal(t, "TAKE_PROFIT_MARKET", placed[2]["type"])
	assert.Equal(t, "52500", placed[2]["stopPrice"])
}

func TestExecuteOrderWithSlTp_SlFailureSurfacedNotRolledBack(t *testing.T) {
	var mu sync.Mutex
	calls := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mu.Lock()
		calls++
		mu.Unlock()

		if q.Get("type") == "STOP_MARKET" {
			// Non-retryable venue rejection
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-2010,"msg":"insufficient"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"orderId": 1001, "status": "FILLED", "avgPrice": "50000", "executedQty": "0.020",
		})
	}))
	defer server.Close()

	e := New(testAccount(), server.URL, mock.NewLogger())

	result, err := e.ExecuteOrderWithSlTp(context.Background(), &core.EntryRequest{
		Symbol:   "BTCUSDT",
		Side:     core.OrderSideBuy,
		Quantity: decimal.RequireFromString("0.020"),
		SlPrice:  decimal.NewFromInt(48500),
		TpPrice:  decimal.NewFromInt(52500),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, result.OrderID)
	assert.Empty(t, result.SlOrderID)
	assert.ErrorIs(t, result.SlError, apperrors.ErrInsufficientBalance)
	assert.NotEmpty(t, result.TpOrderID)
	assert.True(t, result.PartialProtection())
}

func TestGetRecentOrders_ClampsLookback(t *testing.T) {
	var gotStart, gotEnd string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStart = r.URL.Query().Get("startTime")
		gotEnd = r.URL.Query().Get("endTime")
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	e := New(testAccount(), server.URL, mock.NewLogger())

	end := time.Now()
	start := end.Add(-30 * 24 * time.Hour)
	_, err := e.GetRecentOrders(context.Background(), "BTCUSDT", start, end, 100)
	require.NoError(t, err)

	require.NotEmpty(t, gotStart)
	require.NotEmpty(t, gotEnd)
	startMs, err := strconv.ParseInt(gotStart, 10, 64)
	require.NoError(t, err)
	endMs, err := strconv.ParseInt(gotEnd, 10, 64)
	require.NoError(t, err)
	assert.LessOrEqual(t, endMs-startMs, maxOrderLookback.Milliseconds())
}
