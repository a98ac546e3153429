package bitget

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"signal_relay/internal/core"
	"signal_relay/internal/mock"
	apperrors "signal_relay/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccount() *core.ExchangeAccount {
	return &core.ExchangeAccount{
		ID:         "acct-1",
		Venue:      core.VenueBitget,
		APIKey:     "k",
		SecretKey:  "s",
		Passphrase: "p",
	}
}

func TestSignRequest_CoversMethodPathAndBody(t *testing.T) {
	e := New(testAccount(), "http://localhost", mock.NewLogger())

	body := []byte(`{"symbol":"BTCUSDT"}`)
	req, err := http.NewRequest(http.MethodPost, "http://localhost/api/v2/mix/order/place-order", nil)
	require.NoError(t, err)
	require.NoError(t, e.SignRequest(req, body))

	assert.Equal(t, "k", req.Header.Get("ACCESS-KEY"))
	assert.Equal(t, "p", req.Header.Get("ACCESS-PASSPHRASE"))

	timestamp := req.Header.Get("ACCESS-TIMESTAMP")
	require.NotEmpty(t, timestamp)

	mac := hmac.New(sha256.New, []byte("s"))
	mac.Write([]byte(timestamp + "POST" + "/api/v2/mix/order/place-order" + string(body)))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), req.Header.Get("ACCESS-SIGN"))
}

func TestExecuteOrderWithSlTp_SingleCallWithPresets(t *testing.T) {
	var placeCalls int
	var got map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/mix/order/place-order":
			placeCalls++
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Write([]byte(`{"code":"00000","msg":"success","data":{"orderId":"bg-1"}}`))
		case "/api/v2/mix/order/detail":
			w.Write([]byte(`{"code":"00000","msg":"success","data":{"orderId":"bg-1","symbol":"BTCUSDT","side":"buy","status":"filled","priceAvg":"50000","baseVolume":"0.02","uTime":"1700000000000"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	e := New(testAccount(), server.URL, mock.NewLogger())

	result, err := e.ExecuteOrderWithSlTp(context.Background(), &core.EntryRequest{
		Symbol:       "BTCUSDT",
		Side:         core.OrderSideBuy,
		Quantity:     decimal.RequireFromString("0.02"),
		SlPrice:      decimal.NewFromInt(48500),
		TpPrice:      decimal.NewFromInt(52500),
		PositionSide: core.PositionSideLong,
	})
	require.NoError(t, err)

	// One placement call carries both protective presets
	assert.Equal(t, 1, placeCalls)
	assert.Equal(t, "48500", got["presetStopLossPrice"])
	assert.Equal(t, "52500", got["presetStopSurplusPrice"])
	assert.Equal(t, "open", got["tradeSide"])

	assert.Equal(t, "bg-1", result.OrderID)
	assert.True(t, result.AvgPrice.Equal(decimal.NewFromInt(50000)))
	assert.False(t, result.PartialProtection())
}

func TestUnwrap_VenueErrorInHTTP200(t *testing.T) {
	e := New(testAccount(), "http://localhost", mock.NewLogger())

	err := e.unwrap([]byte(`{"code":"43012","msg":"insufficient balance","data":null}`), nil)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
}

func TestRefreshFilters_ConvertsPlacesToTicks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/mix/market/contracts", r.URL.Path)
		w.Write([]byte(`{"code":"00000","msg":"success","data":[{"symbol":"BTCUSDT","pricePlace":"1","volumePlace":"3","minTradeNum":"0.001"}]}`))
	}))
	defer server.Close()

	e := New(testAccount(), server.URL, mock.NewLogger())
	require.NoError(t, e.refreshFilters(context.Background()))

	filter, err := e.GetFilter(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "0.1", filter.TickSize.String())
	assert.Equal(t, "0.001", filter.StepSize.String())
}
